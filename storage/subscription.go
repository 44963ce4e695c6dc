package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"cybrary/pkg/forum"
)

// Subscribe upserts a forum-level subscription; a repeat call keeps the
// original created time.
func (s *Store) Subscribe(ctx context.Context, userID, forumID int64, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO forum_subscriptions (user_id, forum_id, created) VALUES (?, ?, ?)
		ON CONFLICT (user_id, forum_id) DO NOTHING`,
		userID, forumID, unix(now),
	)
	if err != nil {
		return fmt.Errorf("subscribe user %d to forum %d: %w", userID, forumID, err)
	}
	return nil
}

// Unsubscribe removes the forum-level subscription row. Removing a
// subscription that does not exist is not an error.
func (s *Store) Unsubscribe(ctx context.Context, userID, forumID int64) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM forum_subscriptions WHERE user_id = ? AND forum_id = ?`,
		userID, forumID)
	if err != nil {
		return fmt.Errorf("unsubscribe user %d from forum %d: %w", userID, forumID, err)
	}
	return nil
}

// IsSubscribedForum reports whether a forum-level subscription row exists.
// Forced-mode shortcuts belong to the registry, not here.
func (s *Store) IsSubscribedForum(ctx context.Context, userID, forumID int64) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM forum_subscriptions WHERE user_id = ? AND forum_id = ?`,
		userID, forumID,
	).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check forum subscription: %w", err)
	}
	return true, nil
}

// ForumSubscriberIDs lists users with a forum-level subscription row.
func (s *Store) ForumSubscriberIDs(ctx context.Context, forumID int64) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id FROM forum_subscriptions WHERE forum_id = ? ORDER BY user_id`,
		forumID)
	if err != nil {
		return nil, fmt.Errorf("query forum subscribers: %w", err)
	}
	defer rows.Close()
	return collectIDs(rows)
}

// SetDiscussionSubscription upserts a per-discussion override. The created
// time is refreshed on change so retroactivity checks use the latest
// decision.
func (s *Store) SetDiscussionSubscription(ctx context.Context, userID, discussionID int64, pref forum.SubscriptionPref, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO discussion_subscriptions (user_id, discussion_id, preference, created)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (user_id, discussion_id) DO UPDATE SET
			preference = excluded.preference,
			created = excluded.created`,
		userID, discussionID, int(pref), unix(now),
	)
	if err != nil {
		return fmt.Errorf("set discussion subscription: %w", err)
	}
	return nil
}

// DiscussionSubscriptionFor loads the override, or forum.ErrNotFound when
// the user inherits from the forum level.
func (s *Store) DiscussionSubscriptionFor(ctx context.Context, userID, discussionID int64) (*forum.DiscussionSubscription, error) {
	d := &forum.DiscussionSubscription{}
	var pref int
	var created int64
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, discussion_id, preference, created
		FROM discussion_subscriptions WHERE user_id = ? AND discussion_id = ?`,
		userID, discussionID,
	).Scan(&d.UserID, &d.DiscussionID, &pref, &created)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("discussion subscription %d/%d: %w", userID, discussionID, forum.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load discussion subscription: %w", err)
	}
	d.Pref = forum.SubscriptionPref(pref)
	d.Created = fromUnix(created)
	return d, nil
}

// ClearDiscussionSubscription removes one override so the user inherits
// the forum level again.
func (s *Store) ClearDiscussionSubscription(ctx context.Context, userID, discussionID int64) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM discussion_subscriptions WHERE user_id = ? AND discussion_id = ?`,
		userID, discussionID)
	if err != nil {
		return fmt.Errorf("clear discussion subscription: %w", err)
	}
	return nil
}

// ClearDiscussionOverrides removes every override with the given
// preference across a forum, e.g. the now-redundant SUBSCRIBED overrides
// after a forum-level subscribe.
func (s *Store) ClearDiscussionOverrides(ctx context.Context, userID, forumID int64, pref forum.SubscriptionPref) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM discussion_subscriptions
		WHERE user_id = ? AND preference = ? AND discussion_id IN (
			SELECT id FROM discussions WHERE forum_id = ?
		)`,
		userID, int(pref), forumID)
	if err != nil {
		return fmt.Errorf("clear discussion overrides: %w", err)
	}
	return nil
}

// DiscussionOverridesForForum loads every override in the forum, keyed by
// user then discussion. The registry uses it to build subscriber sets
// without a per-user query.
func (s *Store) DiscussionOverridesForForum(ctx context.Context, forumID int64) (map[int64]map[int64]*forum.DiscussionSubscription, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT ds.user_id, ds.discussion_id, ds.preference, ds.created
		FROM discussion_subscriptions ds
		JOIN discussions d ON d.id = ds.discussion_id
		WHERE d.forum_id = ?`,
		forumID)
	if err != nil {
		return nil, fmt.Errorf("query discussion overrides: %w", err)
	}
	defer rows.Close()

	out := make(map[int64]map[int64]*forum.DiscussionSubscription)
	for rows.Next() {
		d := &forum.DiscussionSubscription{}
		var pref int
		var created int64
		if err := rows.Scan(&d.UserID, &d.DiscussionID, &pref, &created); err != nil {
			return nil, fmt.Errorf("scan override: %w", err)
		}
		d.Pref = forum.SubscriptionPref(pref)
		d.Created = fromUnix(created)
		if out[d.UserID] == nil {
			out[d.UserID] = make(map[int64]*forum.DiscussionSubscription)
		}
		out[d.UserID][d.DiscussionID] = d
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate overrides: %w", err)
	}
	return out, nil
}

// SetDigestPref stores a per-forum digest preference. DigestDefault
// removes the row so the user's global mode applies.
func (s *Store) SetDigestPref(ctx context.Context, userID, forumID int64, mode forum.DigestMode) error {
	var err error
	if mode == forum.DigestDefault {
		_, err = s.db.ExecContext(ctx,
			`DELETE FROM digest_prefs WHERE user_id = ? AND forum_id = ?`,
			userID, forumID)
	} else {
		_, err = s.db.ExecContext(ctx, `
			INSERT INTO digest_prefs (user_id, forum_id, mode) VALUES (?, ?, ?)
			ON CONFLICT (user_id, forum_id) DO UPDATE SET mode = excluded.mode`,
			userID, forumID, int(mode))
	}
	if err != nil {
		return fmt.Errorf("set digest preference: %w", err)
	}
	return nil
}

// DigestPref returns the per-forum digest preference, or DigestDefault
// when none is stored.
func (s *Store) DigestPref(ctx context.Context, userID, forumID int64) (forum.DigestMode, error) {
	var mode int
	err := s.db.QueryRowContext(ctx,
		`SELECT mode FROM digest_prefs WHERE user_id = ? AND forum_id = ?`,
		userID, forumID,
	).Scan(&mode)
	if err == sql.ErrNoRows {
		return forum.DigestDefault, nil
	}
	if err != nil {
		return forum.DigestDefault, fmt.Errorf("read digest preference: %w", err)
	}
	return forum.DigestMode(mode), nil
}
