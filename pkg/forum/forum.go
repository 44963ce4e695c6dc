// Package forum contains the core domain types for the cybrary
// discussion-forum notification core.
package forum

import "time"

// ForumType distinguishes the forum layouts the host platform offers.
type ForumType string

// Forum types. Single forums hold exactly one discussion; qanda forums
// hide replies until the reader has posted an answer.
const (
	TypeGeneral  ForumType = "general"
	TypeSingle   ForumType = "single"
	TypeEachUser ForumType = "eachuser"
	TypeQandA    ForumType = "qanda"
	TypeBlog     ForumType = "blog"
	TypeNews     ForumType = "news"
	TypeSocial   ForumType = "social"
	TypeTeacher  ForumType = "teacher"
)

// SubscriptionMode controls how users become subscribed to a forum.
type SubscriptionMode int

const (
	// SubscriptionOptional lets users subscribe and unsubscribe freely.
	SubscriptionOptional SubscriptionMode = 0
	// SubscriptionForced subscribes everyone; explicit unsubscribes are ignored.
	SubscriptionForced SubscriptionMode = 1
	// SubscriptionAutoInitial subscribes everyone once, then behaves like optional.
	SubscriptionAutoInitial SubscriptionMode = 2
	// SubscriptionDisallowed rejects subscribe attempts from non-managers.
	SubscriptionDisallowed SubscriptionMode = 3
)

// ValidSubscriptionMode reports whether m is a recognized mode value.
func ValidSubscriptionMode(m SubscriptionMode) bool {
	return m >= SubscriptionOptional && m <= SubscriptionDisallowed
}

// TrackingMode controls read tracking for a forum.
type TrackingMode int

const (
	TrackingOff      TrackingMode = 0
	TrackingOptional TrackingMode = 1
	TrackingForced   TrackingMode = 2
)

// DigestMode controls how notifications for a forum reach a user.
type DigestMode int

const (
	// DigestDefault defers to the user's global digest preference.
	DigestDefault DigestMode = -1
	// DigestOff sends each notification immediately.
	DigestOff DigestMode = 0
	// DigestFull queues notifications for a daily digest with complete posts.
	DigestFull DigestMode = 1
	// DigestSubjects queues notifications for a daily subjects-only digest.
	DigestSubjects DigestMode = 2
)

// DispatchStatus tracks whether a post has been through the mail pipeline.
type DispatchStatus int

const (
	DispatchPending DispatchStatus = 0
	DispatchSent    DispatchStatus = 1
	// DispatchError marks a post whose sends produced at least one failure.
	// Reported for operators, never retried automatically.
	DispatchError DispatchStatus = 2
)

// SubscriptionPref is the explicit per-discussion override value.
type SubscriptionPref int

const (
	PrefUnsubscribed SubscriptionPref = 0
	PrefSubscribed   SubscriptionPref = 1
)

// GroupMode is the host course-module group setting.
type GroupMode int

const (
	GroupsNone     GroupMode = 0
	GroupsSeparate GroupMode = 1
	GroupsVisible  GroupMode = 2
)

// AllGroups is the discussion group id meaning "visible to every group".
const AllGroups int64 = -1

// Forum is the top-level container, analogous to a mailing list.
type Forum struct {
	ID               int64
	CourseID         int64
	Name             string
	Type             ForumType
	SubscriptionMode SubscriptionMode
	TrackingMode     TrackingMode

	// BlockAfter/BlockPeriod throttle posting: more than BlockAfter posts
	// within BlockPeriod is rejected at submission time. Zero disables.
	BlockAfter  int
	BlockPeriod time.Duration

	// OldPostDays overrides the site-wide auto-read cutoff when positive.
	OldPostDays int
}

// Discussion is a thread within a forum, rooted at one first post.
type Discussion struct {
	ID          int64
	ForumID     int64
	Name        string
	UserID      int64 // creator
	GroupID     int64 // AllGroups for "all groups"
	FirstPostID int64

	// TimeStart/TimeEnd bound visibility for timed posts. Zero means no bound.
	TimeStart time.Time
	TimeEnd   time.Time

	// Last-post cache, maintained on every post write.
	LastPostID   int64
	TimeModified time.Time
}

// Post is a single contribution to a discussion. Immutable once dispatched
// except for its dispatch status and error counter.
type Post struct {
	ID           int64
	DiscussionID int64
	ParentID     int64 // 0 for the discussion root
	UserID       int64 // author
	Subject      string
	Message      string // HTML as stored by the host renderer
	Created      time.Time
	Modified     time.Time

	// MailNow requests immediate dispatch regardless of the scan window end.
	MailNow        bool
	Status         DispatchStatus
	MailErrorCount int
}

// ReadRecord marks one post read by one user. At most one per (user, post).
type ReadRecord struct {
	UserID       int64
	PostID       int64
	DiscussionID int64
	ForumID      int64
	FirstRead    time.Time
	LastRead     time.Time
}

// ForumSubscription is forum-level subscription state; presence = subscribed.
type ForumSubscription struct {
	UserID  int64
	ForumID int64
	Created time.Time
}

// DiscussionSubscription is an explicit per-discussion override of the
// forum-level state. Absence means "inherit".
type DiscussionSubscription struct {
	UserID       int64
	DiscussionID int64
	Pref         SubscriptionPref
	Created      time.Time
}

// DigestQueueEntry is a notification postponed for daily digesting.
type DigestQueueEntry struct {
	ID           int64
	UserID       int64
	DiscussionID int64
	PostID       int64
	QueuedAt     time.Time
}

// User is the host platform's account record, reduced to what the
// notification core needs.
type User struct {
	ID    int64
	Name  string
	Email string

	// DigestMode is the user's global default (never DigestDefault).
	DigestMode DigestMode
	// TrackForums is the user's own tracking-enabled preference,
	// consulted when a forum's tracking is optional.
	TrackForums bool
	// Staff feeds the standalone capability adapter only; the host
	// normally supplies its own capability oracle.
	Staff bool
}

// Guest reports whether u represents an anonymous visitor, which is
// never tracked and never mailed.
func (u *User) Guest() bool {
	return u == nil || u.ID <= 0
}

// Message is the mail-transport envelope handed to a provider.
type Message struct {
	From      string
	FromName  string
	To        string
	ToName    string
	ReplyTo   string
	Subject   string
	PlainBody string
	HTMLBody  string
	// Headers carries the RFC-822 threading headers (Message-ID,
	// In-Reply-To, References, List-Id, Thread-Topic, Thread-Index).
	Headers map[string]string
}

// Subscriber is one candidate recipient resolved by the subscription
// registry for a forum, with any explicit per-discussion overrides.
type Subscriber struct {
	User *User
	// ForumLevel is the effective forum-wide subscription state
	// (forced mode already folded in).
	ForumLevel bool
	// Overrides maps discussion id to the explicit override row.
	Overrides map[int64]*DiscussionSubscription
}

// SubscribedTo reports the effective subscription for one discussion,
// applying override-over-forum precedence.
func (s *Subscriber) SubscribedTo(discussionID int64) bool {
	if o, ok := s.Overrides[discussionID]; ok {
		return o.Pref == PrefSubscribed
	}
	return s.ForumLevel
}
