// Package readstate decides which posts count as read and records
// explicit read marks, applying the old-post cutoff and the site and
// per-user tracking switches.
package readstate

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"cybrary/pkg/forum"
)

// markChunkSize bounds one bulk upsert so a mark-all on a huge forum
// stays within sqlite's bound-parameter limit.
const markChunkSize = 200

// purgeInterval is how often PurgeOld actually runs; calls in between
// return immediately.
const purgeInterval = 24 * time.Hour

const purgeMetaKey = "last_read_purge"

// Store is the persistence the service needs.
type Store interface {
	MarkPostsRead(ctx context.Context, userID int64, postIDs []int64, now, cutoff time.Time) error
	IsPostRead(ctx context.Context, userID, postID int64) (bool, error)
	UnreadPostIDs(ctx context.Context, userID, discussionID int64, cutoff time.Time) ([]int64, error)
	UnreadForumPostIDs(ctx context.Context, userID, forumID, groupID int64, cutoff time.Time) ([]int64, error)
	UnreadDiscussionCount(ctx context.Context, userID, discussionID int64, cutoff time.Time) (int, error)
	UnreadForumCount(ctx context.Context, userID, forumID, groupID int64, cutoff time.Time) (int, error)
	PurgeReadRecords(ctx context.Context, cutoff time.Time) (int64, error)
	TrackingOptOut(ctx context.Context, userID, forumID int64) (bool, error)
	SetTrackingOptOut(ctx context.Context, userID, forumID int64, optOut bool) error
	MetaTime(ctx context.Context, key string) (time.Time, error)
	SetMetaTime(ctx context.Context, key string, t time.Time) error
}

// Options are the site-wide tracking switches.
type Options struct {
	// TrackingEnabled is the master switch; off means nothing is tracked
	// and nothing is recorded.
	TrackingEnabled bool
	// AllowForcedTracking lets forum owners force tracking on their
	// readers. When off, forced forums behave as optional.
	AllowForcedTracking bool
	// OldPostDays is the site-wide auto-read cutoff. Posts older than
	// this read as seen without a record.
	OldPostDays int
}

// Service applies read-tracking policy over the store.
type Service struct {
	store  Store
	logger *slog.Logger
	opts   Options
}

// New creates a read-state service.
func New(store Store, logger *slog.Logger, opts Options) *Service {
	return &Service{store: store, logger: logger, opts: opts}
}

// Cutoff returns the auto-read boundary for a forum: posts created
// before it count as read. A positive per-forum OldPostDays overrides
// the site-wide value; f may be nil when no forum context is loaded.
func (s *Service) Cutoff(now time.Time, f *forum.Forum) time.Time {
	days := s.opts.OldPostDays
	if f != nil && f.OldPostDays > 0 {
		days = f.OldPostDays
	}
	if days <= 0 {
		return time.Time{}
	}
	return now.Add(-time.Duration(days) * 24 * time.Hour)
}

// Tracked reports whether the user's reads in the forum are recorded.
// Forced tracking overrides the user's preferences only while the site
// allows forcing; otherwise it degrades to optional.
func (s *Service) Tracked(ctx context.Context, f *forum.Forum, u *forum.User) (bool, error) {
	if !s.opts.TrackingEnabled || u.Guest() {
		return false, nil
	}
	switch f.TrackingMode {
	case forum.TrackingOff:
		return false, nil
	case forum.TrackingForced:
		if s.opts.AllowForcedTracking {
			return true, nil
		}
	}
	if !u.TrackForums {
		return false, nil
	}
	optOut, err := s.store.TrackingOptOut(ctx, u.ID, f.ID)
	if err != nil {
		return false, err
	}
	return !optOut, nil
}

// SetTracked records the user's per-forum tracking choice. It has no
// effect while the forum's tracking is forced.
func (s *Service) SetTracked(ctx context.Context, f *forum.Forum, u *forum.User, tracked bool) error {
	if f.TrackingMode == forum.TrackingForced && s.opts.AllowForcedTracking {
		return nil
	}
	return s.store.SetTrackingOptOut(ctx, u.ID, f.ID, !tracked)
}

// IsRead reports whether the user has seen the post. Posts last
// modified before the cutoff are read by definition; for the rest the
// store decides.
func (s *Service) IsRead(ctx context.Context, f *forum.Forum, p *forum.Post, u *forum.User, now time.Time) (bool, error) {
	if u.Guest() {
		return true, nil
	}
	cutoff := s.Cutoff(now, f)
	if !cutoff.IsZero() && p.Modified.Before(cutoff) {
		return true, nil
	}
	return s.store.IsPostRead(ctx, u.ID, p.ID)
}

// MarkRead records the posts as read for the user. Duplicate ids are
// collapsed and the write goes out in fixed-size chunks. Calling it
// again for already-read posts is harmless.
func (s *Service) MarkRead(ctx context.Context, f *forum.Forum, u *forum.User, postIDs []int64, now time.Time) error {
	if !s.opts.TrackingEnabled || u.Guest() || len(postIDs) == 0 {
		return nil
	}

	seen := make(map[int64]bool, len(postIDs))
	unique := make([]int64, 0, len(postIDs))
	for _, id := range postIDs {
		if id <= 0 || seen[id] {
			continue
		}
		seen[id] = true
		unique = append(unique, id)
	}

	cutoff := s.Cutoff(now, f)
	for start := 0; start < len(unique); start += markChunkSize {
		end := min(start+markChunkSize, len(unique))
		if err := s.store.MarkPostsRead(ctx, u.ID, unique[start:end], now, cutoff); err != nil {
			return fmt.Errorf("mark chunk read: %w", err)
		}
	}
	return nil
}

// MarkDiscussionRead marks every unread post in the discussion.
func (s *Service) MarkDiscussionRead(ctx context.Context, f *forum.Forum, discussionID int64, u *forum.User, now time.Time) error {
	if !s.opts.TrackingEnabled || u.Guest() {
		return nil
	}
	ids, err := s.store.UnreadPostIDs(ctx, u.ID, discussionID, s.Cutoff(now, f))
	if err != nil {
		return fmt.Errorf("list unread posts: %w", err)
	}
	return s.MarkRead(ctx, f, u, ids, now)
}

// MarkForumRead marks every unread post the user can have in the forum.
// groupID restricts the sweep for separate-groups forums; pass
// forum.AllGroups for no restriction.
func (s *Service) MarkForumRead(ctx context.Context, f *forum.Forum, u *forum.User, groupID int64, now time.Time) error {
	if !s.opts.TrackingEnabled || u.Guest() {
		return nil
	}
	ids, err := s.store.UnreadForumPostIDs(ctx, u.ID, f.ID, groupID, s.Cutoff(now, f))
	if err != nil {
		return fmt.Errorf("list unread forum posts: %w", err)
	}
	return s.MarkRead(ctx, f, u, ids, now)
}

// UnreadCount counts unread posts in one discussion for display badges.
func (s *Service) UnreadCount(ctx context.Context, f *forum.Forum, discussionID int64, u *forum.User, now time.Time) (int, error) {
	if !s.opts.TrackingEnabled || u.Guest() {
		return 0, nil
	}
	return s.store.UnreadDiscussionCount(ctx, u.ID, discussionID, s.Cutoff(now, f))
}

// UnreadForumCount counts unread posts across a forum, restricted to
// groupID for separate-groups forums.
func (s *Service) UnreadForumCount(ctx context.Context, f *forum.Forum, u *forum.User, groupID int64, now time.Time) (int, error) {
	if !s.opts.TrackingEnabled || u.Guest() {
		return 0, nil
	}
	return s.store.UnreadForumCount(ctx, u.ID, f.ID, groupID, s.Cutoff(now, f))
}

// PurgeOld drops read records the auto-read cutoff has made redundant.
// It runs at most once per purgeInterval; callers can invoke it from
// every cron pass.
func (s *Service) PurgeOld(ctx context.Context, now time.Time) error {
	if s.opts.OldPostDays <= 0 {
		return nil
	}
	last, err := s.store.MetaTime(ctx, purgeMetaKey)
	if err != nil {
		return fmt.Errorf("read purge timestamp: %w", err)
	}
	if !last.IsZero() && now.Sub(last) < purgeInterval {
		return nil
	}

	cutoff := now.Add(-time.Duration(s.opts.OldPostDays) * 24 * time.Hour)
	n, err := s.store.PurgeReadRecords(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("purge read records: %w", err)
	}
	if err := s.store.SetMetaTime(ctx, purgeMetaKey, now); err != nil {
		return fmt.Errorf("write purge timestamp: %w", err)
	}
	if n > 0 {
		s.logger.Info("Purged old read records", "removed", n, "cutoff", cutoff)
	}
	return nil
}
