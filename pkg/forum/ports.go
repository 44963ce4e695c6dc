package forum

import (
	"context"
	"time"
)

// Capability names the permission checks the core asks the host about.
type Capability string

const (
	// CapViewDiscussion gates ordinary read access to a forum's discussions.
	CapViewDiscussion Capability = "forum:viewdiscussion"
	// CapViewAnyPost lets privileged roles see posts even without
	// view access, for support and audit purposes.
	CapViewAnyPost Capability = "forum:viewanypost"
	// CapViewHiddenTimed exposes posts outside their timed window.
	CapViewHiddenTimed Capability = "forum:viewhiddentimed"
	// CapViewQandAWithoutPosting bypasses the Q&A answer-first gate.
	CapViewQandAWithoutPosting Capability = "forum:viewqandawithoutposting"
	// CapManageSubscriptions permits subscribing others and overriding
	// a disallowed subscription mode.
	CapManageSubscriptions Capability = "forum:managesubscriptions"
	// CapAccessAllGroups bypasses separate-group visibility.
	CapAccessAllGroups Capability = "site:accessallgroups"
)

// Capabilities is the host's permission oracle.
type Capabilities interface {
	HasCapability(ctx context.Context, cap Capability, forumID, userID int64) (bool, error)
	// ModuleVisible reports whether the forum's course-module is visible
	// to the user at all.
	ModuleVisible(ctx context.Context, forumID, userID int64) (bool, error)
}

// Groups is the host's group-membership oracle.
type Groups interface {
	GroupsForUser(ctx context.Context, courseID, userID int64) ([]int64, error)
	GroupMode(ctx context.Context, forumID int64) (GroupMode, error)
}

// Enrollment is the host's enrollment oracle.
type Enrollment interface {
	// PotentialSubscribers lists users who may view the forum and are
	// therefore candidates for subscription resolution.
	PotentialSubscribers(ctx context.Context, forumID int64) ([]*User, error)
	IsEnrolled(ctx context.Context, courseID, userID int64) (bool, error)
}

// Clock abstracts time for the batch pipeline so runs are testable.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to the Clock interface.
type ClockFunc func() time.Time

// Now implements Clock.
func (f ClockFunc) Now() time.Time { return f() }
