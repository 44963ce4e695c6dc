// Package eligibility decides whether a user may see a post at all,
// combining capability checks, module visibility, timed-post windows,
// group separation, and the Q&A answer-first gate. Every read and
// dispatch decision goes through CanSeePost.
package eligibility

import (
	"context"
	"fmt"
	"time"

	"cybrary/pkg/forum"
)

// ContentStore is the single content query the filter needs.
type ContentStore interface {
	FirstUserPostTime(ctx context.Context, discussionID, userID int64) (time.Time, error)
}

// Options are the site switches the rules depend on.
type Options struct {
	// EnableTimedPosts turns the discussion time_start/time_end window on.
	EnableTimedPosts bool
	// MaxEditingTime is the grace period authors get to edit; Q&A forums
	// hide replies until the reader's own answer is that old.
	MaxEditingTime time.Duration
}

// Filter evaluates post visibility against the host's oracles.
type Filter struct {
	caps    forum.Capabilities
	groups  forum.Groups
	content ContentStore
	opts    Options
}

// New creates an eligibility filter.
func New(caps forum.Capabilities, groups forum.Groups, content ContentStore, opts Options) *Filter {
	return &Filter{caps: caps, groups: groups, content: content, opts: opts}
}

// CanSeePost reports whether the user may see the post. The rules AND
// together; each has its own capability escape. Oracle answers are
// memoized in cache for the duration of a batch run.
func (fl *Filter) CanSeePost(ctx context.Context, cache *forum.RunCache, f *forum.Forum, d *forum.Discussion, p *forum.Post, u *forum.User, now time.Time) (bool, error) {
	if u.Guest() {
		return false, nil
	}

	view, err := fl.capability(ctx, cache, forum.CapViewDiscussion, f.ID, u.ID)
	if err != nil {
		return false, err
	}
	if !view {
		// Privileged roles may inspect posts they could not normally
		// view, for support and audit.
		any, err := fl.capability(ctx, cache, forum.CapViewAnyPost, f.ID, u.ID)
		if err != nil {
			return false, err
		}
		if !any {
			return false, nil
		}
	}

	visible, err := fl.moduleVisible(ctx, cache, f.ID, u.ID)
	if err != nil {
		return false, err
	}
	if !visible {
		return false, nil
	}

	if fl.opts.EnableTimedPosts && outsideWindow(d, now) && u.ID != d.UserID {
		hidden, err := fl.capability(ctx, cache, forum.CapViewHiddenTimed, f.ID, u.ID)
		if err != nil {
			return false, err
		}
		if !hidden {
			return false, nil
		}
	}

	ok, err := fl.groupAllows(ctx, cache, f, d, u)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}

	if f.Type == forum.TypeQandA {
		ok, err := fl.qandaAllows(ctx, cache, f, d, p, u, now)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// outsideWindow reports whether now falls outside the discussion's
// timed window. Zero bounds are open.
func outsideWindow(d *forum.Discussion, now time.Time) bool {
	if !d.TimeStart.IsZero() && now.Before(d.TimeStart) {
		return true
	}
	if !d.TimeEnd.IsZero() && !now.Before(d.TimeEnd) {
		return true
	}
	return false
}

// groupAllows applies the separate-groups rule: discussions pinned to a
// group are hidden from non-members unless the user can access all
// groups. Visible-groups mode and the all-groups bucket never restrict.
func (fl *Filter) groupAllows(ctx context.Context, cache *forum.RunCache, f *forum.Forum, d *forum.Discussion, u *forum.User) (bool, error) {
	if d.GroupID <= 0 {
		return true, nil
	}
	mode, err := fl.groupMode(ctx, cache, f.ID)
	if err != nil {
		return false, err
	}
	if mode != forum.GroupsSeparate {
		return true, nil
	}

	groups, err := fl.userGroups(ctx, cache, f.CourseID, u.ID)
	if err != nil {
		return false, err
	}
	for _, g := range groups {
		if g == d.GroupID {
			return true, nil
		}
	}
	return fl.capability(ctx, cache, forum.CapAccessAllGroups, f.ID, u.ID)
}

// qandaAllows applies the answer-first gate: replies stay hidden until
// the reader's own first answer has outlived the editing grace period.
// The opening post, the reader's own posts, the discussion starter, and
// holders of the bypass capability are always allowed.
func (fl *Filter) qandaAllows(ctx context.Context, cache *forum.RunCache, f *forum.Forum, d *forum.Discussion, p *forum.Post, u *forum.User, now time.Time) (bool, error) {
	if p.ID == d.FirstPostID || p.ParentID == 0 {
		return true, nil
	}
	if u.ID == p.UserID || u.ID == d.UserID {
		return true, nil
	}
	bypass, err := fl.capability(ctx, cache, forum.CapViewQandAWithoutPosting, f.ID, u.ID)
	if err != nil {
		return false, err
	}
	if bypass {
		return true, nil
	}

	first, err := fl.firstPostTime(ctx, cache, d.ID, u.ID)
	if err != nil {
		return false, err
	}
	if first.IsZero() {
		return false, nil
	}
	return now.Sub(first) >= fl.opts.MaxEditingTime, nil
}

func (fl *Filter) capability(ctx context.Context, cache *forum.RunCache, c forum.Capability, forumID, userID int64) (bool, error) {
	if cache != nil {
		if ok, hit := cache.Capability(c, forumID, userID); hit {
			return ok, nil
		}
	}
	ok, err := fl.caps.HasCapability(ctx, c, forumID, userID)
	if err != nil {
		return false, fmt.Errorf("capability %s: %w", c, err)
	}
	if cache != nil {
		cache.PutCapability(c, forumID, userID, ok)
	}
	return ok, nil
}

func (fl *Filter) moduleVisible(ctx context.Context, cache *forum.RunCache, forumID, userID int64) (bool, error) {
	if cache != nil {
		if ok, hit := cache.Visible(forumID, userID); hit {
			return ok, nil
		}
	}
	ok, err := fl.caps.ModuleVisible(ctx, forumID, userID)
	if err != nil {
		return false, fmt.Errorf("module visibility: %w", err)
	}
	if cache != nil {
		cache.PutVisible(forumID, userID, ok)
	}
	return ok, nil
}

func (fl *Filter) groupMode(ctx context.Context, cache *forum.RunCache, forumID int64) (forum.GroupMode, error) {
	if cache != nil {
		if mode, hit := cache.GroupMode(forumID); hit {
			return mode, nil
		}
	}
	mode, err := fl.groups.GroupMode(ctx, forumID)
	if err != nil {
		return forum.GroupsNone, fmt.Errorf("group mode: %w", err)
	}
	if cache != nil {
		cache.PutGroupMode(forumID, mode)
	}
	return mode, nil
}

func (fl *Filter) userGroups(ctx context.Context, cache *forum.RunCache, courseID, userID int64) ([]int64, error) {
	if cache != nil {
		if groups, hit := cache.Groups(courseID, userID); hit {
			return groups, nil
		}
	}
	groups, err := fl.groups.GroupsForUser(ctx, courseID, userID)
	if err != nil {
		return nil, fmt.Errorf("user groups: %w", err)
	}
	if cache != nil {
		cache.PutGroups(courseID, userID, groups)
	}
	return groups, nil
}

func (fl *Filter) firstPostTime(ctx context.Context, cache *forum.RunCache, discussionID, userID int64) (time.Time, error) {
	if cache != nil {
		if t, hit := cache.FirstPost(discussionID, userID); hit {
			return t, nil
		}
	}
	t, err := fl.content.FirstUserPostTime(ctx, discussionID, userID)
	if err != nil {
		return time.Time{}, fmt.Errorf("first post time: %w", err)
	}
	if cache != nil {
		cache.PutFirstPost(discussionID, userID, t)
	}
	return t, nil
}
