package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"cybrary/pkg/forum"
)

// CreateForum inserts a forum and fills in its id.
func (s *Store) CreateForum(ctx context.Context, f *forum.Forum) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO forums (course_id, name, type, subscription_mode, tracking_mode,
			block_after, block_period, old_post_days)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		f.CourseID, f.Name, string(f.Type), int(f.SubscriptionMode), int(f.TrackingMode),
		f.BlockAfter, int64(f.BlockPeriod.Seconds()), f.OldPostDays,
	)
	if err != nil {
		return fmt.Errorf("insert forum: %w", err)
	}
	f.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("forum id: %w", err)
	}
	return nil
}

// ForumByID loads one forum. Returns forum.ErrNotFound for unknown ids.
func (s *Store) ForumByID(ctx context.Context, id int64) (*forum.Forum, error) {
	f := &forum.Forum{}
	var typ string
	var mode, tracking int
	var blockPeriod int64
	err := s.db.QueryRowContext(ctx, `
		SELECT id, course_id, name, type, subscription_mode, tracking_mode,
			block_after, block_period, old_post_days
		FROM forums WHERE id = ?`, id,
	).Scan(&f.ID, &f.CourseID, &f.Name, &typ, &mode, &tracking,
		&f.BlockAfter, &blockPeriod, &f.OldPostDays)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("forum %d: %w", id, forum.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load forum %d: %w", id, err)
	}
	f.Type = forum.ForumType(typ)
	f.SubscriptionMode = forum.SubscriptionMode(mode)
	f.TrackingMode = forum.TrackingMode(tracking)
	f.BlockPeriod = time.Duration(blockPeriod) * time.Second
	return f, nil
}

// UpdateSubscriptionMode persists a forum's subscription mode.
func (s *Store) UpdateSubscriptionMode(ctx context.Context, forumID int64, mode forum.SubscriptionMode) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE forums SET subscription_mode = ? WHERE id = ?`, int(mode), forumID)
	if err != nil {
		return fmt.Errorf("update subscription mode: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("forum %d: %w", forumID, forum.ErrNotFound)
	}
	return nil
}

// SetForumGroupMode stores the host course-module group setting for a forum.
func (s *Store) SetForumGroupMode(ctx context.Context, forumID int64, mode forum.GroupMode) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE forums SET group_mode = ? WHERE id = ?`, int(mode), forumID)
	if err != nil {
		return fmt.Errorf("set group mode: %w", err)
	}
	return nil
}

// SetForumVisible stores whether the forum's module is visible to non-staff.
func (s *Store) SetForumVisible(ctx context.Context, forumID int64, visible bool) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE forums SET visible = ? WHERE id = ?`, boolInt(visible), forumID)
	if err != nil {
		return fmt.Errorf("set forum visibility: %w", err)
	}
	return nil
}

// CreateDiscussion inserts a discussion together with its first post.
// Single-type forums reject a second discussion; the first post is subject
// to the forum's posting throttle like any other post.
func (s *Store) CreateDiscussion(ctx context.Context, d *forum.Discussion, first *forum.Post) error {
	f, err := s.ForumByID(ctx, d.ForumID)
	if err != nil {
		return err
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		if f.Type == forum.TypeSingle {
			var n int
			if err := tx.QueryRowContext(ctx,
				`SELECT COUNT(*) FROM discussions WHERE forum_id = ?`, f.ID,
			).Scan(&n); err != nil {
				return fmt.Errorf("count discussions: %w", err)
			}
			if n > 0 {
				return forum.ErrSingleDiscussion
			}
		}

		if err := throttleCheck(ctx, tx, f, first.UserID, first.Created); err != nil {
			return err
		}

		res, err := tx.ExecContext(ctx, `
			INSERT INTO discussions (forum_id, name, user_id, group_id,
				time_start, time_end, time_modified)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			d.ForumID, d.Name, d.UserID, d.GroupID,
			unix(d.TimeStart), unix(d.TimeEnd), unix(first.Created),
		)
		if err != nil {
			return fmt.Errorf("insert discussion: %w", err)
		}
		if d.ID, err = res.LastInsertId(); err != nil {
			return fmt.Errorf("discussion id: %w", err)
		}

		first.DiscussionID = d.ID
		first.ParentID = 0
		if err := insertPost(ctx, tx, first); err != nil {
			return err
		}

		d.FirstPostID = first.ID
		d.LastPostID = first.ID
		d.TimeModified = first.Created
		_, err = tx.ExecContext(ctx, `
			UPDATE discussions SET first_post_id = ?, last_post_id = ?, time_modified = ?
			WHERE id = ?`,
			first.ID, first.ID, unix(first.Created), d.ID,
		)
		if err != nil {
			return fmt.Errorf("update discussion caches: %w", err)
		}
		return nil
	})
}

// DiscussionByID loads one discussion. Returns forum.ErrNotFound for
// unknown ids.
func (s *Store) DiscussionByID(ctx context.Context, id int64) (*forum.Discussion, error) {
	d := &forum.Discussion{}
	var start, end, modified int64
	err := s.db.QueryRowContext(ctx, `
		SELECT id, forum_id, name, user_id, group_id, first_post_id,
			time_start, time_end, last_post_id, time_modified
		FROM discussions WHERE id = ?`, id,
	).Scan(&d.ID, &d.ForumID, &d.Name, &d.UserID, &d.GroupID, &d.FirstPostID,
		&start, &end, &d.LastPostID, &modified)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("discussion %d: %w", id, forum.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load discussion %d: %w", id, err)
	}
	d.TimeStart = fromUnix(start)
	d.TimeEnd = fromUnix(end)
	d.TimeModified = fromUnix(modified)
	return d, nil
}

// DeleteDiscussion removes a discussion; posts, per-discussion
// subscriptions and read records go with it via cascades.
func (s *Store) DeleteDiscussion(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM discussions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete discussion %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("discussion %d: %w", id, forum.ErrNotFound)
	}
	return nil
}

// CreatePost inserts a reply, enforcing the forum's posting throttle
// before any row exists and refreshing the discussion's last-post cache.
func (s *Store) CreatePost(ctx context.Context, p *forum.Post) error {
	d, err := s.DiscussionByID(ctx, p.DiscussionID)
	if err != nil {
		return err
	}
	f, err := s.ForumByID(ctx, d.ForumID)
	if err != nil {
		return err
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := throttleCheck(ctx, tx, f, p.UserID, p.Created); err != nil {
			return err
		}
		if err := insertPost(ctx, tx, p); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			UPDATE discussions SET last_post_id = ?, time_modified = ? WHERE id = ?`,
			p.ID, unix(p.Created), d.ID,
		)
		if err != nil {
			return fmt.Errorf("update last-post cache: %w", err)
		}
		return nil
	})
}

func insertPost(ctx context.Context, tx *sql.Tx, p *forum.Post) error {
	if p.Modified.IsZero() {
		p.Modified = p.Created
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO posts (discussion_id, parent_id, user_id, subject, message,
			created, modified, mail_now, mail_status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.DiscussionID, p.ParentID, p.UserID, p.Subject, p.Message,
		unix(p.Created), unix(p.Modified), boolInt(p.MailNow), int(p.Status),
	)
	if err != nil {
		return fmt.Errorf("insert post: %w", err)
	}
	if p.ID, err = res.LastInsertId(); err != nil {
		return fmt.Errorf("post id: %w", err)
	}
	return nil
}

// throttleCheck rejects the submission when the author already has
// block_after or more posts in the forum within block_period.
func throttleCheck(ctx context.Context, tx *sql.Tx, f *forum.Forum, userID int64, now time.Time) error {
	if f.BlockAfter <= 0 || f.BlockPeriod <= 0 {
		return nil
	}
	var n int
	err := tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM posts p
		JOIN discussions d ON d.id = p.discussion_id
		WHERE d.forum_id = ? AND p.user_id = ? AND p.created > ?`,
		f.ID, userID, unix(now.Add(-f.BlockPeriod)),
	).Scan(&n)
	if err != nil {
		return fmt.Errorf("count recent posts: %w", err)
	}
	if n >= f.BlockAfter {
		return fmt.Errorf("user %d in forum %d: %w", userID, f.ID, forum.ErrThrottled)
	}
	return nil
}

// PostByID loads one post. Returns forum.ErrNotFound for unknown ids.
func (s *Store) PostByID(ctx context.Context, id int64) (*forum.Post, error) {
	row := s.db.QueryRowContext(ctx, selectPost+` WHERE id = ?`, id)
	p, err := scanPost(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("post %d: %w", id, forum.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load post %d: %w", id, err)
	}
	return p, nil
}

// PostsByIDs loads posts in ascending id order, skipping unknown ids.
func (s *Store) PostsByIDs(ctx context.Context, ids []int64) ([]*forum.Post, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx,
		selectPost+` WHERE id IN (`+placeholders(len(ids))+`) ORDER BY id ASC`, args...)
	if err != nil {
		return nil, fmt.Errorf("query posts: %w", err)
	}
	defer rows.Close()
	return collectPosts(rows)
}

// PostsByDiscussion loads a discussion's posts in ascending id order.
func (s *Store) PostsByDiscussion(ctx context.Context, discussionID int64) ([]*forum.Post, error) {
	rows, err := s.db.QueryContext(ctx,
		selectPost+` WHERE discussion_id = ? ORDER BY id ASC`, discussionID)
	if err != nil {
		return nil, fmt.Errorf("query discussion posts: %w", err)
	}
	defer rows.Close()
	return collectPosts(rows)
}

// FirstUserPostTime returns when the user first posted in the discussion,
// or the zero time if they never did.
func (s *Store) FirstUserPostTime(ctx context.Context, discussionID, userID int64) (time.Time, error) {
	var created sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MIN(created) FROM posts WHERE discussion_id = ? AND user_id = ?`,
		discussionID, userID,
	).Scan(&created)
	if err != nil {
		return time.Time{}, fmt.Errorf("first post time: %w", err)
	}
	if !created.Valid {
		return time.Time{}, nil
	}
	return fromUnix(created.Int64), nil
}

// ParentChain returns the post ids from the discussion root down to the
// post's direct parent, oldest first. The walk is iterative over the
// parent index so pathological thread depth cannot exhaust the stack.
func (s *Store) ParentChain(ctx context.Context, postID int64) ([]int64, error) {
	var chain []int64
	seen := map[int64]bool{postID: true}

	current := postID
	for {
		var parent int64
		err := s.db.QueryRowContext(ctx,
			`SELECT parent_id FROM posts WHERE id = ?`, current).Scan(&parent)
		if err == sql.ErrNoRows {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("walk parent of post %d: %w", current, err)
		}
		if parent == 0 || seen[parent] {
			break
		}
		seen[parent] = true
		chain = append(chain, parent)
		current = parent
	}

	// Collected child-to-root; callers want root first.
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, nil
}

// Unmailed finds pending posts created in [start, end), plus mail_now
// posts regardless of the window end, oldest-modified first. When timed
// posts are enabled, discussions whose window has not opened yet are
// held back.
func (s *Store) Unmailed(ctx context.Context, start, end, now time.Time, timedPosts bool) ([]*forum.Post, error) {
	q := `
		SELECT p.id, p.discussion_id, p.parent_id, p.user_id, p.subject, p.message,
			p.created, p.modified, p.mail_now, p.mail_status, p.mail_error_count
		FROM posts p
		JOIN discussions d ON d.id = p.discussion_id
		WHERE p.mail_status = ? AND p.created >= ? AND (p.created < ? OR p.mail_now = 1)`
	args := []any{int(forum.DispatchPending), unix(start), unix(end)}
	if timedPosts {
		q += ` AND (d.time_start = 0 OR d.time_start <= ?)`
		args = append(args, unix(now))
	}
	q += ` ORDER BY p.modified ASC, p.id ASC`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query unmailed posts: %w", err)
	}
	defer rows.Close()
	return collectPosts(rows)
}

// MarkDispatched flips every pending post matching the scan predicate to
// SENT in one bulk update, before any mail goes out. Posts whose
// discussion or forum no longer resolves are left pending for the next
// run. Returns the number of rows changed; a repeat call changes none.
func (s *Store) MarkDispatched(ctx context.Context, end, now time.Time, timedPosts bool) (int64, error) {
	q := `
		UPDATE posts SET mail_status = ?
		WHERE mail_status = ? AND (created < ? OR mail_now = 1)
		AND EXISTS (
			SELECT 1 FROM discussions d
			JOIN forums f ON f.id = d.forum_id
			WHERE d.id = posts.discussion_id`
	args := []any{int(forum.DispatchSent), int(forum.DispatchPending), unix(end)}
	if timedPosts {
		q += ` AND (d.time_start = 0 OR d.time_start <= ?)`
		args = append(args, unix(now))
	}
	q += `)`

	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return 0, fmt.Errorf("mark posts dispatched: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("dispatched rows affected: %w", err)
	}
	return n, nil
}

// RecordDispatchErrors adds count send failures to the post and flags it
// ERROR for operator reporting. The post is never retried automatically.
func (s *Store) RecordDispatchErrors(ctx context.Context, postID int64, count int) error {
	if count <= 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE posts SET mail_error_count = mail_error_count + ?, mail_status = ?
		WHERE id = ?`,
		count, int(forum.DispatchError), postID,
	)
	if err != nil {
		return fmt.Errorf("record dispatch errors for post %d: %w", postID, err)
	}
	return nil
}

// MoveDiscussion re-homes a discussion (and its read records) to another
// forum. Subscription deltas are the host workflow's responsibility.
func (s *Store) MoveDiscussion(ctx context.Context, discussionID, toForumID int64) error {
	target, err := s.ForumByID(ctx, toForumID)
	if err != nil {
		return err
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if target.Type == forum.TypeSingle {
			var n int
			if err := tx.QueryRowContext(ctx,
				`SELECT COUNT(*) FROM discussions WHERE forum_id = ?`, target.ID,
			).Scan(&n); err != nil {
				return fmt.Errorf("count discussions: %w", err)
			}
			if n > 0 {
				return forum.ErrSingleDiscussion
			}
		}
		res, err := tx.ExecContext(ctx,
			`UPDATE discussions SET forum_id = ? WHERE id = ?`, toForumID, discussionID)
		if err != nil {
			return fmt.Errorf("move discussion: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("discussion %d: %w", discussionID, forum.ErrNotFound)
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE read_records SET forum_id = ? WHERE discussion_id = ?`,
			toForumID, discussionID)
		if err != nil {
			return fmt.Errorf("move read records: %w", err)
		}
		return nil
	})
}

// SplitDiscussion re-roots the subtree at postID into a new discussion in
// the same forum. The subtree is gathered with an explicit queue over the
// parent index, not recursion.
func (s *Store) SplitDiscussion(ctx context.Context, postID int64, name string, now time.Time) (*forum.Discussion, error) {
	post, err := s.PostByID(ctx, postID)
	if err != nil {
		return nil, err
	}
	if post.ParentID == 0 {
		return nil, errors.New("cannot split a discussion at its first post")
	}
	old, err := s.DiscussionByID(ctx, post.DiscussionID)
	if err != nil {
		return nil, err
	}

	// Children index for the whole source discussion.
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, parent_id FROM posts WHERE discussion_id = ?`, old.ID)
	if err != nil {
		return nil, fmt.Errorf("index discussion posts: %w", err)
	}
	children := make(map[int64][]int64)
	for rows.Next() {
		var id, parent int64
		if err := rows.Scan(&id, &parent); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan post row: %w", err)
		}
		children[parent] = append(children[parent], id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate post rows: %w", err)
	}

	var subtree []int64
	queue := []int64{postID}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		subtree = append(subtree, id)
		queue = append(queue, children[id]...)
	}

	split := &forum.Discussion{
		ForumID:     old.ForumID,
		Name:        name,
		UserID:      post.UserID,
		GroupID:     old.GroupID,
		FirstPostID: postID,
		TimeStart:   old.TimeStart,
		TimeEnd:     old.TimeEnd,
	}

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO discussions (forum_id, name, user_id, group_id, first_post_id,
				time_start, time_end, time_modified)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			split.ForumID, split.Name, split.UserID, split.GroupID, postID,
			unix(split.TimeStart), unix(split.TimeEnd), unix(now),
		)
		if err != nil {
			return fmt.Errorf("insert split discussion: %w", err)
		}
		if split.ID, err = res.LastInsertId(); err != nil {
			return fmt.Errorf("split discussion id: %w", err)
		}

		args := make([]any, 0, len(subtree)+1)
		args = append(args, split.ID)
		for _, id := range subtree {
			args = append(args, id)
		}
		in := placeholders(len(subtree))
		if _, err := tx.ExecContext(ctx,
			`UPDATE posts SET discussion_id = ? WHERE id IN (`+in+`)`, args...); err != nil {
			return fmt.Errorf("reassign split posts: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE read_records SET discussion_id = ? WHERE post_id IN (`+in+`)`, args...); err != nil {
			return fmt.Errorf("reassign split read records: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE posts SET parent_id = 0 WHERE id = ?`, postID); err != nil {
			return fmt.Errorf("detach split root: %w", err)
		}

		// Refresh last-post caches on both sides.
		for _, id := range []int64{old.ID, split.ID} {
			if _, err := tx.ExecContext(ctx, `
				UPDATE discussions SET
					last_post_id = COALESCE((SELECT MAX(id) FROM posts WHERE discussion_id = ?), 0),
					time_modified = COALESCE((SELECT MAX(created) FROM posts WHERE discussion_id = ?), 0)
				WHERE id = ?`, id, id, id); err != nil {
				return fmt.Errorf("refresh discussion cache: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("Discussion split",
		"source_discussion_id", old.ID,
		"new_discussion_id", split.ID,
		"root_post_id", postID,
		"moved_posts", len(subtree))
	return split, nil
}

const selectPost = `
	SELECT id, discussion_id, parent_id, user_id, subject, message,
		created, modified, mail_now, mail_status, mail_error_count
	FROM posts`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPost(row rowScanner) (*forum.Post, error) {
	p := &forum.Post{}
	var created, modified int64
	var mailNow, status int
	err := row.Scan(&p.ID, &p.DiscussionID, &p.ParentID, &p.UserID, &p.Subject,
		&p.Message, &created, &modified, &mailNow, &status, &p.MailErrorCount)
	if err != nil {
		return nil, err
	}
	p.Created = fromUnix(created)
	p.Modified = fromUnix(modified)
	p.MailNow = mailNow != 0
	p.Status = forum.DispatchStatus(status)
	return p, nil
}

func collectPosts(rows *sql.Rows) ([]*forum.Post, error) {
	var posts []*forum.Post
	for rows.Next() {
		p, err := scanPost(rows)
		if err != nil {
			return nil, fmt.Errorf("scan post: %w", err)
		}
		posts = append(posts, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate posts: %w", err)
	}
	return posts, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
