// Package subscription resolves who is subscribed to what, folding the
// forum's subscription mode over explicit forum-level rows and
// per-discussion overrides.
package subscription

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"cybrary/pkg/forum"
)

// Store is the persistence the registry needs.
type Store interface {
	Subscribe(ctx context.Context, userID, forumID int64, now time.Time) error
	Unsubscribe(ctx context.Context, userID, forumID int64) error
	IsSubscribedForum(ctx context.Context, userID, forumID int64) (bool, error)
	SetDiscussionSubscription(ctx context.Context, userID, discussionID int64, pref forum.SubscriptionPref, now time.Time) error
	DiscussionSubscriptionFor(ctx context.Context, userID, discussionID int64) (*forum.DiscussionSubscription, error)
	ClearDiscussionSubscription(ctx context.Context, userID, discussionID int64) error
	ClearDiscussionOverrides(ctx context.Context, userID, forumID int64, pref forum.SubscriptionPref) error
	DiscussionOverridesForForum(ctx context.Context, forumID int64) (map[int64]map[int64]*forum.DiscussionSubscription, error)
	UpdateSubscriptionMode(ctx context.Context, forumID int64, mode forum.SubscriptionMode) error
	SetDigestPref(ctx context.Context, userID, forumID int64, mode forum.DigestMode) error
	DigestPref(ctx context.Context, userID, forumID int64) (forum.DigestMode, error)
}

// Registry applies subscription-mode policy over the store and the
// host's enrollment and capability oracles.
type Registry struct {
	store      Store
	enrollment forum.Enrollment
	caps       forum.Capabilities
	groups     forum.Groups
	logger     *slog.Logger
}

// New creates a subscription registry.
func New(store Store, enrollment forum.Enrollment, caps forum.Capabilities, groups forum.Groups, logger *slog.Logger) *Registry {
	return &Registry{
		store:      store,
		enrollment: enrollment,
		caps:       caps,
		groups:     groups,
		logger:     logger,
	}
}

// IsSubscribed resolves the effective subscription for a user. Forced
// mode wins over everything, then an explicit discussion override (pass
// a nil discussion to skip that layer), then the forum-level row.
func (r *Registry) IsSubscribed(ctx context.Context, f *forum.Forum, d *forum.Discussion, u *forum.User) (bool, error) {
	if u.Guest() {
		return false, nil
	}
	if f.SubscriptionMode == forum.SubscriptionForced {
		return true, nil
	}
	if d != nil {
		override, err := r.store.DiscussionSubscriptionFor(ctx, u.ID, d.ID)
		if err == nil {
			return override.Pref == forum.PrefSubscribed, nil
		}
		if !errors.Is(err, forum.ErrNotFound) {
			return false, err
		}
	}
	return r.store.IsSubscribedForum(ctx, u.ID, f.ID)
}

// Subscribe adds a forum-level subscription. userRequest marks the user
// acting on their own behalf: their explicit per-discussion unsubscribes
// in the forum are cleared so the new forum-wide choice actually takes.
// Disallowed forums reject user requests unless canManage.
func (r *Registry) Subscribe(ctx context.Context, f *forum.Forum, u *forum.User, userRequest, canManage bool, now time.Time) error {
	if u.Guest() {
		return forum.ErrSubscriptionDisallowed
	}
	if f.SubscriptionMode == forum.SubscriptionDisallowed && userRequest && !canManage {
		return fmt.Errorf("forum %d mode disallowed: %w", f.ID, forum.ErrSubscriptionDisallowed)
	}
	if err := r.store.Subscribe(ctx, u.ID, f.ID, now); err != nil {
		return err
	}
	if userRequest {
		if err := r.store.ClearDiscussionOverrides(ctx, u.ID, f.ID, forum.PrefUnsubscribed); err != nil {
			return err
		}
	}
	return nil
}

// Unsubscribe removes the forum-level subscription. In forced mode the
// row is removed but has no effect on delivery. With userRequest the
// user's explicit per-discussion subscribes in the forum are cleared so
// they stop receiving discussion mail after opting out globally.
func (r *Registry) Unsubscribe(ctx context.Context, f *forum.Forum, u *forum.User, userRequest bool) error {
	if u.Guest() {
		return nil
	}
	if err := r.store.Unsubscribe(ctx, u.ID, f.ID); err != nil {
		return err
	}
	if userRequest {
		if err := r.store.ClearDiscussionOverrides(ctx, u.ID, f.ID, forum.PrefSubscribed); err != nil {
			return err
		}
	}
	return nil
}

// SubscribeToDiscussion writes an explicit SUBSCRIBED override. Forced
// and disallowed forums ignore the request (forced already delivers,
// disallowed rejects unless canManage).
func (r *Registry) SubscribeToDiscussion(ctx context.Context, f *forum.Forum, d *forum.Discussion, u *forum.User, canManage bool, now time.Time) error {
	return r.setDiscussionPref(ctx, f, d, u, forum.PrefSubscribed, canManage, now)
}

// UnsubscribeFromDiscussion writes an explicit UNSUBSCRIBED override,
// with the same mode gating as SubscribeToDiscussion.
func (r *Registry) UnsubscribeFromDiscussion(ctx context.Context, f *forum.Forum, d *forum.Discussion, u *forum.User, canManage bool, now time.Time) error {
	return r.setDiscussionPref(ctx, f, d, u, forum.PrefUnsubscribed, canManage, now)
}

func (r *Registry) setDiscussionPref(ctx context.Context, f *forum.Forum, d *forum.Discussion, u *forum.User, pref forum.SubscriptionPref, canManage bool, now time.Time) error {
	if u.Guest() {
		return forum.ErrSubscriptionDisallowed
	}
	if f.SubscriptionMode == forum.SubscriptionForced {
		return fmt.Errorf("forum %d mode forced: %w", f.ID, forum.ErrSubscriptionDisallowed)
	}
	if f.SubscriptionMode == forum.SubscriptionDisallowed && !canManage {
		return fmt.Errorf("forum %d mode disallowed: %w", f.ID, forum.ErrSubscriptionDisallowed)
	}

	// When the override only restates the forum-level state, clear it
	// instead so the user keeps inheriting.
	forumLevel, err := r.store.IsSubscribedForum(ctx, u.ID, f.ID)
	if err != nil {
		return err
	}
	if (pref == forum.PrefSubscribed) == forumLevel {
		return r.store.ClearDiscussionSubscription(ctx, u.ID, d.ID)
	}
	return r.store.SetDiscussionSubscription(ctx, u.ID, d.ID, pref, now)
}

// SetSubscriptionMode changes the forum's mode. Entering AUTO_INITIAL
// subscribes every potential subscriber not already subscribed, a
// one-time migration rather than a standing rule.
func (r *Registry) SetSubscriptionMode(ctx context.Context, f *forum.Forum, mode forum.SubscriptionMode, now time.Time) error {
	if !forum.ValidSubscriptionMode(mode) {
		return fmt.Errorf("mode %d: %w", mode, forum.ErrInvalidMode)
	}
	if mode == f.SubscriptionMode {
		return nil
	}
	if err := r.store.UpdateSubscriptionMode(ctx, f.ID, mode); err != nil {
		return err
	}
	prev := f.SubscriptionMode
	f.SubscriptionMode = mode

	if mode != forum.SubscriptionAutoInitial {
		return nil
	}
	candidates, err := r.enrollment.PotentialSubscribers(ctx, f.ID)
	if err != nil {
		return fmt.Errorf("list potential subscribers: %w", err)
	}
	added := 0
	for _, u := range candidates {
		if u.Guest() {
			continue
		}
		subscribed, err := r.store.IsSubscribedForum(ctx, u.ID, f.ID)
		if err != nil {
			return err
		}
		if subscribed {
			continue
		}
		if err := r.store.Subscribe(ctx, u.ID, f.ID, now); err != nil {
			return err
		}
		added++
	}
	r.logger.Info("Forum switched to initial subscription",
		"forum_id", f.ID, "previous_mode", int(prev), "subscribed", added)
	return nil
}

// SetDigestMode stores the per-forum digest preference;
// forum.DigestDefault reverts to the user's global mode.
func (r *Registry) SetDigestMode(ctx context.Context, u *forum.User, forumID int64, mode forum.DigestMode) error {
	if u.Guest() {
		return forum.ErrSubscriptionDisallowed
	}
	return r.store.SetDigestPref(ctx, u.ID, forumID, mode)
}

// DigestMode resolves the effective digest mode for (user, forum): the
// per-forum preference when set, the user's global default otherwise.
func (r *Registry) DigestMode(ctx context.Context, u *forum.User, forumID int64) (forum.DigestMode, error) {
	pref, err := r.store.DigestPref(ctx, u.ID, forumID)
	if err != nil {
		return forum.DigestOff, err
	}
	if pref != forum.DigestDefault {
		return pref, nil
	}
	if u.DigestMode == forum.DigestDefault {
		return forum.DigestOff, nil
	}
	return u.DigestMode, nil
}

// Subscribers resolves the candidate recipient set for a forum: every
// potential subscriber who can view it, group-filtered for
// separate-groups forums when groupID is non-negative. With
// considerDiscussions the per-discussion overrides are attached so a
// forum-level non-subscriber with one explicit discussion subscribe
// still appears.
func (r *Registry) Subscribers(ctx context.Context, f *forum.Forum, groupID int64, considerDiscussions bool) ([]*forum.Subscriber, error) {
	candidates, err := r.enrollment.PotentialSubscribers(ctx, f.ID)
	if err != nil {
		return nil, fmt.Errorf("list potential subscribers: %w", err)
	}

	var overrides map[int64]map[int64]*forum.DiscussionSubscription
	if considerDiscussions && f.SubscriptionMode != forum.SubscriptionForced {
		overrides, err = r.store.DiscussionOverridesForForum(ctx, f.ID)
		if err != nil {
			return nil, err
		}
	}

	groupMode, err := r.groups.GroupMode(ctx, f.ID)
	if err != nil {
		return nil, err
	}

	var out []*forum.Subscriber
	for _, u := range candidates {
		if u.Guest() {
			continue
		}
		ok, err := r.caps.HasCapability(ctx, forum.CapViewDiscussion, f.ID, u.ID)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}

		if groupID >= 0 && groupMode == forum.GroupsSeparate {
			member, err := r.inGroup(ctx, f.CourseID, u.ID, groupID)
			if err != nil {
				return nil, err
			}
			if !member {
				all, err := r.caps.HasCapability(ctx, forum.CapAccessAllGroups, f.ID, u.ID)
				if err != nil {
					return nil, err
				}
				if !all {
					continue
				}
			}
		}

		sub := &forum.Subscriber{User: u}
		switch f.SubscriptionMode {
		case forum.SubscriptionForced:
			sub.ForumLevel = true
		default:
			sub.ForumLevel, err = r.store.IsSubscribedForum(ctx, u.ID, f.ID)
			if err != nil {
				return nil, err
			}
			if considerDiscussions {
				sub.Overrides = overrides[u.ID]
			}
		}

		if !sub.ForumLevel && len(sub.Overrides) == 0 {
			continue
		}
		out = append(out, sub)
	}
	return out, nil
}

func (r *Registry) inGroup(ctx context.Context, courseID, userID, groupID int64) (bool, error) {
	groups, err := r.groups.GroupsForUser(ctx, courseID, userID)
	if err != nil {
		return false, err
	}
	for _, g := range groups {
		if g == groupID {
			return true, nil
		}
	}
	return false, nil
}
