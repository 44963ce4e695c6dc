package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"cybrary/pkg/forum"
)

// EnqueueDigest queues one post for a user's daily digest. A second
// enqueue of the same (user, post) pair is a no-op.
func (s *Store) EnqueueDigest(ctx context.Context, userID, discussionID, postID int64, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO digest_queue (user_id, discussion_id, post_id, queued_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (user_id, post_id) DO NOTHING`,
		userID, discussionID, postID, unix(now),
	)
	if err != nil {
		return fmt.Errorf("enqueue digest entry: %w", err)
	}
	return nil
}

// PurgeStaleDigestEntries drops queue rows older than cutoff. Entries
// that old were never delivered and are no longer worth mailing.
func (s *Store) PurgeStaleDigestEntries(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM digest_queue WHERE queued_at < ?`, unix(cutoff))
	if err != nil {
		return 0, fmt.Errorf("purge stale digest entries: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purged digest rows affected: %w", err)
	}
	return n, nil
}

// DigestUserIDs lists users with at least one entry queued before cutoff,
// ascending so runs are deterministic.
func (s *Store) DigestUserIDs(ctx context.Context, cutoff time.Time) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT user_id FROM digest_queue
		WHERE queued_at < ? ORDER BY user_id`,
		unix(cutoff))
	if err != nil {
		return nil, fmt.Errorf("query digest users: %w", err)
	}
	defer rows.Close()
	return collectIDs(rows)
}

// TakeUserDigest atomically removes and returns the user's entries
// queued before cutoff, in enqueue order. Later entries wait for the
// next cycle. A crash before the digest mail goes out loses the batch
// rather than double-mailing it.
func (s *Store) TakeUserDigest(ctx context.Context, userID int64, cutoff time.Time) ([]*forum.DigestQueueEntry, error) {
	var entries []*forum.DigestQueueEntry
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT id, user_id, discussion_id, post_id, queued_at
			FROM digest_queue WHERE user_id = ? AND queued_at < ?
			ORDER BY id ASC`,
			userID, unix(cutoff))
		if err != nil {
			return fmt.Errorf("query digest entries: %w", err)
		}
		for rows.Next() {
			e := &forum.DigestQueueEntry{}
			var queued int64
			if err := rows.Scan(&e.ID, &e.UserID, &e.DiscussionID, &e.PostID, &queued); err != nil {
				rows.Close()
				return fmt.Errorf("scan digest entry: %w", err)
			}
			e.QueuedAt = fromUnix(queued)
			entries = append(entries, e)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("iterate digest entries: %w", err)
		}
		if len(entries) == 0 {
			return nil
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM digest_queue WHERE user_id = ? AND queued_at < ?`,
			userID, unix(cutoff)); err != nil {
			return fmt.Errorf("drain digest queue: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}
