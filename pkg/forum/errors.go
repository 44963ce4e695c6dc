package forum

import "errors"

// Caller-visible rejections. Batch-pipeline failures are logged and
// counted instead; there is no asynchronous user-visible error path.
var (
	// ErrNotFound reports a missing forum, discussion, post, or user.
	ErrNotFound = errors.New("forum: not found")

	// ErrThrottled rejects a post submission that exceeds the forum's
	// block_after/block_period limits. No row is created.
	ErrThrottled = errors.New("forum: posting threshold reached")

	// ErrInvalidMode rejects an unrecognized subscription-mode value.
	ErrInvalidMode = errors.New("forum: invalid subscription mode")

	// ErrSubscriptionDisallowed rejects a subscription change the
	// forum's mode does not permit.
	ErrSubscriptionDisallowed = errors.New("forum: subscription not allowed")

	// ErrSingleDiscussion rejects a second discussion in a single-type forum.
	ErrSingleDiscussion = errors.New("forum: single forum already has its discussion")
)
