package eligibility

import (
	"context"
	"testing"
	"time"

	"cybrary/pkg/forum"
)

type capPair struct {
	c      forum.Capability
	userID int64
}

type fakeHost struct {
	caps       map[capPair]bool
	hidden     map[int64]bool // userID -> module hidden
	groups     map[int64][]int64
	groupMode  forum.GroupMode
	firstPosts map[int64]time.Time // userID -> first post in the discussion
	capCalls   int
}

func newFakeHost() *fakeHost {
	return &fakeHost{
		caps:       make(map[capPair]bool),
		hidden:     make(map[int64]bool),
		groups:     make(map[int64][]int64),
		firstPosts: make(map[int64]time.Time),
	}
}

func (h *fakeHost) HasCapability(_ context.Context, c forum.Capability, _, userID int64) (bool, error) {
	h.capCalls++
	if c == forum.CapViewDiscussion {
		// Everyone can view unless explicitly revoked.
		revoked, ok := h.caps[capPair{c, userID}]
		if ok {
			return revoked, nil
		}
		return true, nil
	}
	return h.caps[capPair{c, userID}], nil
}

func (h *fakeHost) ModuleVisible(_ context.Context, _, userID int64) (bool, error) {
	return !h.hidden[userID], nil
}

func (h *fakeHost) GroupsForUser(_ context.Context, _ int64, userID int64) ([]int64, error) {
	return h.groups[userID], nil
}

func (h *fakeHost) GroupMode(context.Context, int64) (forum.GroupMode, error) {
	return h.groupMode, nil
}

func (h *fakeHost) FirstUserPostTime(_ context.Context, _ int64, userID int64) (time.Time, error) {
	return h.firstPosts[userID], nil
}

func TestCanSeePostCapabilityAndVisibility(t *testing.T) {
	now := time.Now()
	f := &forum.Forum{ID: 3, CourseID: 1, Type: forum.TypeGeneral}
	d := &forum.Discussion{ID: 10, ForumID: f.ID, UserID: 1, GroupID: forum.AllGroups, FirstPostID: 100}
	p := &forum.Post{ID: 101, DiscussionID: d.ID, ParentID: 100, UserID: 2, Created: now}

	tests := []struct {
		name  string
		setup func(h *fakeHost)
		user  *forum.User
		want  bool
	}{
		{
			name:  "ordinary viewer",
			setup: func(*fakeHost) {},
			user:  &forum.User{ID: 5},
			want:  true,
		},
		{
			name:  "guest never sees",
			setup: func(*fakeHost) {},
			user:  nil,
			want:  false,
		},
		{
			name: "view capability revoked",
			setup: func(h *fakeHost) {
				h.caps[capPair{forum.CapViewDiscussion, 5}] = false
			},
			user: &forum.User{ID: 5},
			want: false,
		},
		{
			name: "revoked view rescued by view-any-post",
			setup: func(h *fakeHost) {
				h.caps[capPair{forum.CapViewDiscussion, 5}] = false
				h.caps[capPair{forum.CapViewAnyPost, 5}] = true
			},
			user: &forum.User{ID: 5},
			want: true,
		},
		{
			name: "hidden module",
			setup: func(h *fakeHost) {
				h.hidden[5] = true
			},
			user: &forum.User{ID: 5},
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newFakeHost()
			tt.setup(h)
			fl := New(h, h, h, Options{MaxEditingTime: 30 * time.Minute})

			got, err := fl.CanSeePost(context.Background(), forum.NewRunCache(), f, d, p, tt.user, now)
			if err != nil {
				t.Fatalf("CanSeePost() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("CanSeePost() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCanSeePostTimedWindow(t *testing.T) {
	now := time.Now()
	f := &forum.Forum{ID: 3, CourseID: 1, Type: forum.TypeGeneral}
	p := &forum.Post{ID: 101, ParentID: 100, UserID: 2, Created: now}

	future := &forum.Discussion{ID: 10, ForumID: f.ID, UserID: 1,
		GroupID: forum.AllGroups, FirstPostID: 100, TimeStart: now.Add(time.Hour)}
	expired := &forum.Discussion{ID: 11, ForumID: f.ID, UserID: 1,
		GroupID: forum.AllGroups, FirstPostID: 100,
		TimeStart: now.Add(-2 * time.Hour), TimeEnd: now.Add(-time.Hour)}
	open := &forum.Discussion{ID: 12, ForumID: f.ID, UserID: 1,
		GroupID: forum.AllGroups, FirstPostID: 100,
		TimeStart: now.Add(-time.Hour), TimeEnd: now.Add(time.Hour)}

	tests := []struct {
		name       string
		discussion *forum.Discussion
		timed      bool
		user       *forum.User
		hiddenCap  bool
		want       bool
	}{
		{name: "window not open yet", discussion: future, timed: true, user: &forum.User{ID: 5}, want: false},
		{name: "window expired", discussion: expired, timed: true, user: &forum.User{ID: 5}, want: false},
		{name: "window open", discussion: open, timed: true, user: &forum.User{ID: 5}, want: true},
		{name: "timed posts disabled ignores window", discussion: future, timed: false, user: &forum.User{ID: 5}, want: true},
		{name: "discussion creator sees early", discussion: future, timed: true, user: &forum.User{ID: 1}, want: true},
		{name: "hidden-timed capability sees early", discussion: future, timed: true, user: &forum.User{ID: 5}, hiddenCap: true, want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newFakeHost()
			if tt.hiddenCap {
				h.caps[capPair{forum.CapViewHiddenTimed, tt.user.ID}] = true
			}
			fl := New(h, h, h, Options{EnableTimedPosts: tt.timed, MaxEditingTime: 30 * time.Minute})

			got, err := fl.CanSeePost(context.Background(), forum.NewRunCache(), f, tt.discussion, p, tt.user, now)
			if err != nil {
				t.Fatalf("CanSeePost() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("CanSeePost() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCanSeePostSeparateGroups(t *testing.T) {
	now := time.Now()
	f := &forum.Forum{ID: 3, CourseID: 1, Type: forum.TypeGeneral}
	d := &forum.Discussion{ID: 10, ForumID: f.ID, UserID: 1, GroupID: 5, FirstPostID: 100}
	p := &forum.Post{ID: 101, ParentID: 100, UserID: 2, Created: now}

	tests := []struct {
		name    string
		mode    forum.GroupMode
		member  bool
		allCaps bool
		want    bool
	}{
		{name: "separate mode non-member", mode: forum.GroupsSeparate, want: false},
		{name: "separate mode member", mode: forum.GroupsSeparate, member: true, want: true},
		{name: "separate mode access-all-groups", mode: forum.GroupsSeparate, allCaps: true, want: true},
		{name: "visible mode non-member", mode: forum.GroupsVisible, want: true},
		{name: "no groups mode", mode: forum.GroupsNone, want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newFakeHost()
			h.groupMode = tt.mode
			user := &forum.User{ID: 7}
			if tt.member {
				h.groups[user.ID] = []int64{5}
			}
			if tt.allCaps {
				h.caps[capPair{forum.CapAccessAllGroups, user.ID}] = true
			}
			fl := New(h, h, h, Options{MaxEditingTime: 30 * time.Minute})

			got, err := fl.CanSeePost(context.Background(), forum.NewRunCache(), f, d, p, user, now)
			if err != nil {
				t.Fatalf("CanSeePost() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("CanSeePost() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCanSeePostQandA(t *testing.T) {
	now := time.Now()
	f := &forum.Forum{ID: 3, CourseID: 1, Type: forum.TypeQandA}
	d := &forum.Discussion{ID: 10, ForumID: f.ID, UserID: 1, GroupID: forum.AllGroups, FirstPostID: 100}
	question := &forum.Post{ID: 100, ParentID: 0, UserID: 1, Created: now.Add(-2 * time.Hour)}
	answer := &forum.Post{ID: 101, ParentID: 100, UserID: 2, Created: now.Add(-time.Hour)}

	tests := []struct {
		name      string
		post      *forum.Post
		user      *forum.User
		firstPost time.Time
		bypassCap bool
		want      bool
	}{
		{name: "question always visible", post: question, user: &forum.User{ID: 7}, want: true},
		{name: "answer hidden before answering", post: answer, user: &forum.User{ID: 7}, want: false},
		{
			name:      "answer hidden inside editing grace",
			post:      answer,
			user:      &forum.User{ID: 7},
			firstPost: now.Add(-10 * time.Minute),
			want:      false,
		},
		{
			name:      "answer visible after grace",
			post:      answer,
			user:      &forum.User{ID: 7},
			firstPost: now.Add(-time.Hour),
			want:      true,
		},
		{name: "own answer visible", post: answer, user: &forum.User{ID: 2}, want: true},
		{name: "discussion starter sees everything", post: answer, user: &forum.User{ID: 1}, want: true},
		{name: "bypass capability", post: answer, user: &forum.User{ID: 7}, bypassCap: true, want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newFakeHost()
			if !tt.firstPost.IsZero() {
				h.firstPosts[tt.user.ID] = tt.firstPost
			}
			if tt.bypassCap {
				h.caps[capPair{forum.CapViewQandAWithoutPosting, tt.user.ID}] = true
			}
			fl := New(h, h, h, Options{MaxEditingTime: 30 * time.Minute})

			got, err := fl.CanSeePost(context.Background(), forum.NewRunCache(), f, d, tt.post, tt.user, now)
			if err != nil {
				t.Fatalf("CanSeePost() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("CanSeePost() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRunCacheMemoizesOracleCalls(t *testing.T) {
	now := time.Now()
	h := newFakeHost()
	f := &forum.Forum{ID: 3, CourseID: 1, Type: forum.TypeGeneral}
	d := &forum.Discussion{ID: 10, ForumID: f.ID, UserID: 1, GroupID: forum.AllGroups, FirstPostID: 100}
	p := &forum.Post{ID: 101, ParentID: 100, UserID: 2, Created: now}
	user := &forum.User{ID: 7}
	fl := New(h, h, h, Options{MaxEditingTime: 30 * time.Minute})
	cache := forum.NewRunCache()

	for range 3 {
		if _, err := fl.CanSeePost(context.Background(), cache, f, d, p, user, now); err != nil {
			t.Fatalf("CanSeePost() error = %v", err)
		}
	}
	if h.capCalls != 1 {
		t.Errorf("capability oracle asked %d times across cached calls, want 1", h.capCalls)
	}
}
