package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"cybrary/pkg/forum"
)

// MarkPostsRead upserts read records for the given posts. Existing records
// only have their last-read time refreshed; the first-read time is kept.
// Posts last modified before cutoff are skipped, the auto-read rule
// already covers them. Unknown post ids are ignored.
func (s *Store) MarkPostsRead(ctx context.Context, userID int64, postIDs []int64, now, cutoff time.Time) error {
	if len(postIDs) == 0 {
		return nil
	}
	args := make([]any, 0, len(postIDs)+4)
	args = append(args, userID, unix(now), unix(now), unix(cutoff))
	for _, id := range postIDs {
		args = append(args, id)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO read_records (user_id, post_id, discussion_id, forum_id, first_read, last_read)
		SELECT ?, p.id, p.discussion_id, d.forum_id, ?, ?
		FROM posts p
		JOIN discussions d ON d.id = p.discussion_id
		WHERE p.modified >= ? AND p.id IN (`+placeholders(len(postIDs))+`)
		ON CONFLICT (user_id, post_id) DO UPDATE SET last_read = excluded.last_read`,
		args...,
	)
	if err != nil {
		return fmt.Errorf("mark posts read: %w", err)
	}
	return nil
}

// IsPostRead reports whether a read record exists for the pair. The
// old-post cutoff is applied by the readstate service, not here.
func (s *Store) IsPostRead(ctx context.Context, userID, postID int64) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM read_records WHERE user_id = ? AND post_id = ?`,
		userID, postID,
	).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check read record: %w", err)
	}
	return true, nil
}

// ReadRecordFor loads the full record, or forum.ErrNotFound.
func (s *Store) ReadRecordFor(ctx context.Context, userID, postID int64) (*forum.ReadRecord, error) {
	r := &forum.ReadRecord{}
	var first, last int64
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, post_id, discussion_id, forum_id, first_read, last_read
		FROM read_records WHERE user_id = ? AND post_id = ?`,
		userID, postID,
	).Scan(&r.UserID, &r.PostID, &r.DiscussionID, &r.ForumID, &first, &last)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("read record %d/%d: %w", userID, postID, forum.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load read record: %w", err)
	}
	r.FirstRead = fromUnix(first)
	r.LastRead = fromUnix(last)
	return r, nil
}

// UnreadPostIDs lists posts in a discussion modified at or after cutoff
// that the user has no read record for, ascending by id.
func (s *Store) UnreadPostIDs(ctx context.Context, userID, discussionID int64, cutoff time.Time) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT p.id FROM posts p
		WHERE p.discussion_id = ? AND p.modified >= ?
		AND NOT EXISTS (
			SELECT 1 FROM read_records r WHERE r.user_id = ? AND r.post_id = p.id
		)
		ORDER BY p.id ASC`,
		discussionID, unix(cutoff), userID,
	)
	if err != nil {
		return nil, fmt.Errorf("query unread posts: %w", err)
	}
	defer rows.Close()
	return collectIDs(rows)
}

// UnreadForumPostIDs lists unread posts across a forum. A non-negative
// groupID restricts the scan to discussions in that group or in the
// all-groups bucket.
func (s *Store) UnreadForumPostIDs(ctx context.Context, userID, forumID, groupID int64, cutoff time.Time) ([]int64, error) {
	q := `
		SELECT p.id FROM posts p
		JOIN discussions d ON d.id = p.discussion_id
		WHERE d.forum_id = ? AND p.modified >= ?
		AND NOT EXISTS (
			SELECT 1 FROM read_records r WHERE r.user_id = ? AND r.post_id = p.id
		)`
	args := []any{forumID, unix(cutoff), userID}
	if groupID >= 0 {
		q += ` AND (d.group_id = ? OR d.group_id = ?)`
		args = append(args, groupID, forum.AllGroups)
	}
	q += ` ORDER BY p.id ASC`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query unread forum posts: %w", err)
	}
	defer rows.Close()
	return collectIDs(rows)
}

// UnreadDiscussionCount counts unread posts in one discussion.
func (s *Store) UnreadDiscussionCount(ctx context.Context, userID, discussionID int64, cutoff time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM posts p
		WHERE p.discussion_id = ? AND p.modified >= ?
		AND NOT EXISTS (
			SELECT 1 FROM read_records r WHERE r.user_id = ? AND r.post_id = p.id
		)`,
		discussionID, unix(cutoff), userID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count unread posts: %w", err)
	}
	return n, nil
}

// UnreadForumCount counts unread posts across a forum, with the same
// group restriction as UnreadForumPostIDs.
func (s *Store) UnreadForumCount(ctx context.Context, userID, forumID, groupID int64, cutoff time.Time) (int, error) {
	q := `
		SELECT COUNT(*) FROM posts p
		JOIN discussions d ON d.id = p.discussion_id
		WHERE d.forum_id = ? AND p.modified >= ?
		AND NOT EXISTS (
			SELECT 1 FROM read_records r WHERE r.user_id = ? AND r.post_id = p.id
		)`
	args := []any{forumID, unix(cutoff), userID}
	if groupID >= 0 {
		q += ` AND (d.group_id = ? OR d.group_id = ?)`
		args = append(args, groupID, forum.AllGroups)
	}
	var n int
	if err := s.db.QueryRowContext(ctx, q, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count unread forum posts: %w", err)
	}
	return n, nil
}

// PurgeReadRecords drops records for posts modified before cutoff; the
// auto-read rule makes those records redundant. Returns rows removed.
func (s *Store) PurgeReadRecords(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM read_records WHERE post_id IN (
			SELECT id FROM posts WHERE modified < ?
		)`,
		unix(cutoff),
	)
	if err != nil {
		return 0, fmt.Errorf("purge read records: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purged rows affected: %w", err)
	}
	return n, nil
}

// SetTrackingOptOut records (or clears) a user's per-forum opt-out from
// read tracking. Presence of a row means opted out.
func (s *Store) SetTrackingOptOut(ctx context.Context, userID, forumID int64, optOut bool) error {
	var err error
	if optOut {
		_, err = s.db.ExecContext(ctx, `
			INSERT INTO tracking_prefs (user_id, forum_id) VALUES (?, ?)
			ON CONFLICT (user_id, forum_id) DO NOTHING`,
			userID, forumID)
	} else {
		_, err = s.db.ExecContext(ctx,
			`DELETE FROM tracking_prefs WHERE user_id = ? AND forum_id = ?`,
			userID, forumID)
	}
	if err != nil {
		return fmt.Errorf("set tracking opt-out: %w", err)
	}
	return nil
}

// TrackingOptOut reports whether the user opted out of tracking the forum.
func (s *Store) TrackingOptOut(ctx context.Context, userID, forumID int64) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM tracking_prefs WHERE user_id = ? AND forum_id = ?`,
		userID, forumID,
	).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check tracking opt-out: %w", err)
	}
	return true, nil
}

func collectIDs(rows *sql.Rows) ([]int64, error) {
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ids: %w", err)
	}
	return ids, nil
}
