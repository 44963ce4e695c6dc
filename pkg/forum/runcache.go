package forum

import "time"

type capKey struct {
	Cap     Capability
	ForumID int64
	UserID  int64
}

type pairKey struct {
	A int64
	B int64
}

// RunCache memoizes host-oracle and entity lookups for the lifetime of one
// pipeline run or one interactive request. It replaces the implicit global
// and function-local caches of older forum implementations: callers create
// one per run and pass it by reference into each component call.
// Not safe for concurrent use.
type RunCache struct {
	forums      map[int64]*Forum
	discussions map[int64]*Discussion
	users       map[int64]*User
	caps        map[capKey]bool
	visible     map[pairKey]bool // (forumID, userID)
	groups      map[pairKey][]int64
	groupModes  map[int64]GroupMode
	firstPosts  map[pairKey]time.Time // (discussionID, userID); zero = none
}

// NewRunCache returns an empty cache. Its eviction point is the end of the
// run: drop the whole object.
func NewRunCache() *RunCache {
	return &RunCache{
		forums:      make(map[int64]*Forum),
		discussions: make(map[int64]*Discussion),
		users:       make(map[int64]*User),
		caps:        make(map[capKey]bool),
		visible:     make(map[pairKey]bool),
		groups:      make(map[pairKey][]int64),
		groupModes:  make(map[int64]GroupMode),
		firstPosts:  make(map[pairKey]time.Time),
	}
}

func (c *RunCache) Forum(id int64) (*Forum, bool) {
	f, ok := c.forums[id]
	return f, ok
}

func (c *RunCache) PutForum(f *Forum) { c.forums[f.ID] = f }

func (c *RunCache) Discussion(id int64) (*Discussion, bool) {
	d, ok := c.discussions[id]
	return d, ok
}

func (c *RunCache) PutDiscussion(d *Discussion) { c.discussions[d.ID] = d }

func (c *RunCache) User(id int64) (*User, bool) {
	u, ok := c.users[id]
	return u, ok
}

func (c *RunCache) PutUser(u *User) { c.users[u.ID] = u }

func (c *RunCache) Capability(cap Capability, forumID, userID int64) (bool, bool) {
	v, ok := c.caps[capKey{cap, forumID, userID}]
	return v, ok
}

func (c *RunCache) PutCapability(cap Capability, forumID, userID int64, allowed bool) {
	c.caps[capKey{cap, forumID, userID}] = allowed
}

func (c *RunCache) Visible(forumID, userID int64) (bool, bool) {
	v, ok := c.visible[pairKey{forumID, userID}]
	return v, ok
}

func (c *RunCache) PutVisible(forumID, userID int64, visible bool) {
	c.visible[pairKey{forumID, userID}] = visible
}

func (c *RunCache) Groups(courseID, userID int64) ([]int64, bool) {
	g, ok := c.groups[pairKey{courseID, userID}]
	return g, ok
}

func (c *RunCache) PutGroups(courseID, userID int64, groupIDs []int64) {
	if groupIDs == nil {
		groupIDs = []int64{}
	}
	c.groups[pairKey{courseID, userID}] = groupIDs
}

func (c *RunCache) GroupMode(forumID int64) (GroupMode, bool) {
	m, ok := c.groupModes[forumID]
	return m, ok
}

func (c *RunCache) PutGroupMode(forumID int64, m GroupMode) { c.groupModes[forumID] = m }

// FirstPost returns the cached time of the user's first post in a
// discussion. A zero time with ok=true means "known to have none".
func (c *RunCache) FirstPost(discussionID, userID int64) (time.Time, bool) {
	t, ok := c.firstPosts[pairKey{discussionID, userID}]
	return t, ok
}

func (c *RunCache) PutFirstPost(discussionID, userID int64, t time.Time) {
	c.firstPosts[pairKey{discussionID, userID}] = t
}
