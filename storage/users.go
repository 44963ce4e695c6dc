package storage

import (
	"context"
	"database/sql"
	"fmt"

	"cybrary/pkg/forum"
)

// CreateUser inserts a user and fills in its id.
func (s *Store) CreateUser(ctx context.Context, u *forum.User) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO users (name, email, digest_mode, track_forums, staff)
		VALUES (?, ?, ?, ?, ?)`,
		u.Name, u.Email, int(u.DigestMode), boolInt(u.TrackForums), boolInt(u.Staff),
	)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	u.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("user id: %w", err)
	}
	return nil
}

// UserByID loads one user. Returns forum.ErrNotFound for unknown ids.
func (s *Store) UserByID(ctx context.Context, id int64) (*forum.User, error) {
	u := &forum.User{}
	var digest, track, staff int
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, email, digest_mode, track_forums, staff
		FROM users WHERE id = ?`, id,
	).Scan(&u.ID, &u.Name, &u.Email, &digest, &track, &staff)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("user %d: %w", id, forum.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load user %d: %w", id, err)
	}
	u.DigestMode = forum.DigestMode(digest)
	u.TrackForums = track != 0
	u.Staff = staff != 0
	return u, nil
}

// Enroll adds the user to a course roster.
func (s *Store) Enroll(ctx context.Context, courseID, userID int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO enrollments (course_id, user_id) VALUES (?, ?)
		ON CONFLICT (course_id, user_id) DO NOTHING`,
		courseID, userID)
	if err != nil {
		return fmt.Errorf("enroll user %d in course %d: %w", userID, courseID, err)
	}
	return nil
}

// AddGroupMember puts the user in a group.
func (s *Store) AddGroupMember(ctx context.Context, groupID, userID int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO group_members (group_id, user_id) VALUES (?, ?)
		ON CONFLICT (group_id, user_id) DO NOTHING`,
		groupID, userID)
	if err != nil {
		return fmt.Errorf("add user %d to group %d: %w", userID, groupID, err)
	}
	return nil
}

// HasCapability is the standalone capability oracle: staff hold every
// capability, everyone else holds only the basic viewing capability on
// forums in courses they are enrolled in. Hosts with richer permission
// systems supply their own forum.Capabilities instead.
func (s *Store) HasCapability(ctx context.Context, capability forum.Capability, forumID, userID int64) (bool, error) {
	u, err := s.UserByID(ctx, userID)
	if err != nil {
		return false, err
	}
	if u.Staff {
		return true, nil
	}
	if capability != forum.CapViewDiscussion {
		return false, nil
	}
	var one int
	err = s.db.QueryRowContext(ctx, `
		SELECT 1 FROM enrollments e
		JOIN forums f ON f.course_id = e.course_id
		WHERE f.id = ? AND e.user_id = ?`,
		forumID, userID,
	).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check enrollment capability: %w", err)
	}
	return true, nil
}

// ModuleVisible reports whether the forum's module is visible to the
// user. Hidden modules stay visible to staff.
func (s *Store) ModuleVisible(ctx context.Context, forumID, userID int64) (bool, error) {
	var visible int
	err := s.db.QueryRowContext(ctx,
		`SELECT visible FROM forums WHERE id = ?`, forumID).Scan(&visible)
	if err == sql.ErrNoRows {
		return false, fmt.Errorf("forum %d: %w", forumID, forum.ErrNotFound)
	}
	if err != nil {
		return false, fmt.Errorf("check forum visibility: %w", err)
	}
	if visible != 0 {
		return true, nil
	}
	u, err := s.UserByID(ctx, userID)
	if err != nil {
		return false, err
	}
	return u.Staff, nil
}

// GroupsForUser lists the user's group ids within a course.
func (s *Store) GroupsForUser(ctx context.Context, courseID, userID int64) ([]int64, error) {
	// Group membership is site-wide in this schema; courseID is part of
	// the port contract for hosts that scope groups per course.
	_ = courseID
	rows, err := s.db.QueryContext(ctx,
		`SELECT group_id FROM group_members WHERE user_id = ? ORDER BY group_id`,
		userID)
	if err != nil {
		return nil, fmt.Errorf("query user groups: %w", err)
	}
	defer rows.Close()
	return collectIDs(rows)
}

// GroupMode returns the forum's course-module group setting.
func (s *Store) GroupMode(ctx context.Context, forumID int64) (forum.GroupMode, error) {
	var mode int
	err := s.db.QueryRowContext(ctx,
		`SELECT group_mode FROM forums WHERE id = ?`, forumID).Scan(&mode)
	if err == sql.ErrNoRows {
		return forum.GroupsNone, fmt.Errorf("forum %d: %w", forumID, forum.ErrNotFound)
	}
	if err != nil {
		return forum.GroupsNone, fmt.Errorf("read group mode: %w", err)
	}
	return forum.GroupMode(mode), nil
}

// PotentialSubscribers lists every user enrolled in the forum's course,
// ascending by id.
func (s *Store) PotentialSubscribers(ctx context.Context, forumID int64) ([]*forum.User, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT u.id, u.name, u.email, u.digest_mode, u.track_forums, u.staff
		FROM users u
		JOIN enrollments e ON e.user_id = u.id
		JOIN forums f ON f.course_id = e.course_id
		WHERE f.id = ?
		ORDER BY u.id`,
		forumID)
	if err != nil {
		return nil, fmt.Errorf("query potential subscribers: %w", err)
	}
	defer rows.Close()

	var users []*forum.User
	for rows.Next() {
		u := &forum.User{}
		var digest, track, staff int
		if err := rows.Scan(&u.ID, &u.Name, &u.Email, &digest, &track, &staff); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		u.DigestMode = forum.DigestMode(digest)
		u.TrackForums = track != 0
		u.Staff = staff != 0
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate users: %w", err)
	}
	return users, nil
}

// IsEnrolled reports whether the user is on the course roster.
func (s *Store) IsEnrolled(ctx context.Context, courseID, userID int64) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM enrollments WHERE course_id = ? AND user_id = ?`,
		courseID, userID,
	).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check enrollment: %w", err)
	}
	return true, nil
}
