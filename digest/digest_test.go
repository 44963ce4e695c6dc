package digest

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"cybrary/mail"
	"cybrary/pkg/forum"
)

type fakeStore struct {
	queue       map[int64][]*forum.DigestQueueEntry
	meta        map[string]time.Time
	forums      map[int64]*forum.Forum
	discussions map[int64]*forum.Discussion
	posts       map[int64]*forum.Post
	users       map[int64]*forum.User
	purged      int64
	takes       int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		queue:       make(map[int64][]*forum.DigestQueueEntry),
		meta:        make(map[string]time.Time),
		forums:      make(map[int64]*forum.Forum),
		discussions: make(map[int64]*forum.Discussion),
		posts:       make(map[int64]*forum.Post),
		users:       make(map[int64]*forum.User),
	}
}

func (s *fakeStore) PurgeStaleDigestEntries(_ context.Context, cutoff time.Time) (int64, error) {
	var n int64
	for userID, entries := range s.queue {
		var kept []*forum.DigestQueueEntry
		for _, e := range entries {
			if e.QueuedAt.Before(cutoff) {
				n++
				continue
			}
			kept = append(kept, e)
		}
		s.queue[userID] = kept
	}
	s.purged += n
	return n, nil
}

func (s *fakeStore) DigestUserIDs(_ context.Context, cutoff time.Time) ([]int64, error) {
	var ids []int64
	for _, userID := range []int64{1, 2, 3, 4, 5, 20, 21} {
		for _, e := range s.queue[userID] {
			if e.QueuedAt.Before(cutoff) {
				ids = append(ids, userID)
				break
			}
		}
	}
	return ids, nil
}

func (s *fakeStore) TakeUserDigest(_ context.Context, userID int64, cutoff time.Time) ([]*forum.DigestQueueEntry, error) {
	s.takes++
	var taken, kept []*forum.DigestQueueEntry
	for _, e := range s.queue[userID] {
		if e.QueuedAt.Before(cutoff) {
			taken = append(taken, e)
		} else {
			kept = append(kept, e)
		}
	}
	s.queue[userID] = kept
	return taken, nil
}

func (s *fakeStore) MetaTime(_ context.Context, key string) (time.Time, error) {
	return s.meta[key], nil
}

func (s *fakeStore) SetMetaTime(_ context.Context, key string, t time.Time) error {
	s.meta[key] = t
	return nil
}

func (s *fakeStore) DiscussionByID(_ context.Context, id int64) (*forum.Discussion, error) {
	d, ok := s.discussions[id]
	if !ok {
		return nil, forum.ErrNotFound
	}
	return d, nil
}

func (s *fakeStore) ForumByID(_ context.Context, id int64) (*forum.Forum, error) {
	f, ok := s.forums[id]
	if !ok {
		return nil, forum.ErrNotFound
	}
	return f, nil
}

func (s *fakeStore) PostByID(_ context.Context, id int64) (*forum.Post, error) {
	p, ok := s.posts[id]
	if !ok {
		return nil, forum.ErrNotFound
	}
	return p, nil
}

func (s *fakeStore) UserByID(_ context.Context, id int64) (*forum.User, error) {
	u, ok := s.users[id]
	if !ok {
		return nil, forum.ErrNotFound
	}
	return u, nil
}

type fakeRegistry struct {
	modes map[int64]forum.DigestMode
}

func (r *fakeRegistry) DigestMode(_ context.Context, u *forum.User, _ int64) (forum.DigestMode, error) {
	return r.modes[u.ID], nil
}

type fixture struct {
	store    *fakeStore
	registry *fakeRegistry
	mailer   *mail.MockProvider
	agg      *Aggregator
	now      time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	fx := &fixture{
		store:    newFakeStore(),
		registry: &fakeRegistry{modes: make(map[int64]forum.DigestMode)},
		mailer:   mail.NewMockProvider(logger),
		now:      time.Date(2026, 8, 30, 18, 0, 0, 0, time.UTC),
	}
	composer := mail.NewComposer("forum.example.edu", "https://forum.example.edu", "noreply@forum.example.edu", "Forum", "")
	fx.agg = New(fx.store, fx.registry, composer, fx.mailer, logger, Options{DigestHour: 17})
	return fx
}

func (fx *fixture) seed(t *testing.T) {
	t.Helper()
	fx.store.forums[1] = &forum.Forum{ID: 1, Name: "General"}
	fx.store.discussions[10] = &forum.Discussion{ID: 10, ForumID: 1, Name: "Welcome"}
	fx.store.discussions[11] = &forum.Discussion{ID: 11, ForumID: 1, Name: "Homework"}
	fx.store.posts[100] = &forum.Post{ID: 100, DiscussionID: 10, UserID: 5, Subject: "Welcome", Message: "<p>hello</p>", Created: fx.now.Add(-2 * time.Hour)}
	fx.store.posts[101] = &forum.Post{ID: 101, DiscussionID: 10, UserID: 5, Subject: "Re: Welcome", Message: "<p>again</p>", Created: fx.now.Add(-time.Hour)}
	fx.store.posts[110] = &forum.Post{ID: 110, DiscussionID: 11, UserID: 5, Subject: "Homework", Message: "<p>due friday</p>", Created: fx.now.Add(-time.Hour)}
	fx.store.users[5] = &forum.User{ID: 5, Name: "Author", Email: "author@example.edu"}
	fx.store.users[20] = &forum.User{ID: 20, Name: "Alice", Email: "alice@example.edu"}
	fx.store.users[21] = &forum.User{ID: 21, Name: "Bob", Email: "bob@example.edu"}
}

func (fx *fixture) enqueue(userID, discussionID, postID int64) {
	fx.store.queue[userID] = append(fx.store.queue[userID], &forum.DigestQueueEntry{
		UserID:       userID,
		DiscussionID: discussionID,
		PostID:       postID,
		QueuedAt:     fx.now.Add(-time.Hour),
	})
}

func TestRunIfDueHourGating(t *testing.T) {
	fx := newFixture(t)
	fx.seed(t)
	fx.enqueue(20, 10, 100)

	early := time.Date(2026, 8, 30, 9, 0, 0, 0, time.UTC)
	ran, _, err := fx.agg.RunIfDue(context.Background(), early)
	if err != nil {
		t.Fatalf("RunIfDue() error = %v", err)
	}
	if ran {
		t.Error("run fired before the digest hour")
	}

	ran, stats, err := fx.agg.RunIfDue(context.Background(), fx.now)
	if err != nil {
		t.Fatalf("RunIfDue() error = %v", err)
	}
	if !ran {
		t.Fatal("run did not fire after the digest hour")
	}
	if stats.Sent != 1 {
		t.Errorf("stats.Sent = %d, want 1", stats.Sent)
	}
}

func TestRunIfDueOncePerDay(t *testing.T) {
	fx := newFixture(t)
	fx.seed(t)
	fx.enqueue(20, 10, 100)

	if ran, _, err := fx.agg.RunIfDue(context.Background(), fx.now); err != nil || !ran {
		t.Fatalf("first RunIfDue() = %v, %v, want run", ran, err)
	}
	fx.enqueue(20, 10, 101)
	ran, _, err := fx.agg.RunIfDue(context.Background(), fx.now.Add(2*time.Hour))
	if err != nil {
		t.Fatalf("second RunIfDue() error = %v", err)
	}
	if ran {
		t.Error("second run fired on the same day")
	}

	// A day later the run is due again.
	ran, stats, err := fx.agg.RunIfDue(context.Background(), fx.now.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("next-day RunIfDue() error = %v", err)
	}
	if !ran || stats.Sent != 1 {
		t.Errorf("next-day run = %v sent %d, want run with 1 sent", ran, stats.Sent)
	}
}

func TestDigestGroupsByDiscussion(t *testing.T) {
	fx := newFixture(t)
	fx.seed(t)
	fx.enqueue(20, 10, 100)
	fx.enqueue(20, 11, 110)
	fx.enqueue(20, 10, 101)

	ran, stats, err := fx.agg.RunIfDue(context.Background(), fx.now)
	if err != nil || !ran {
		t.Fatalf("RunIfDue() = %v, %v", ran, err)
	}
	if stats.Sent != 1 {
		t.Fatalf("stats.Sent = %d, want 1", stats.Sent)
	}
	msg := fx.mailer.Sent[0]
	if msg.To != "alice@example.edu" {
		t.Errorf("recipient = %q, want alice@example.edu", msg.To)
	}
	if want := "Forum digest for Aug 30, 2026"; msg.Subject != want {
		t.Errorf("subject = %q, want %q", msg.Subject, want)
	}
	welcome := strings.Index(msg.HTMLBody, "Welcome")
	homework := strings.Index(msg.HTMLBody, "Homework")
	if welcome < 0 || homework < 0 || welcome > homework {
		t.Errorf("sections out of first-queued order: welcome at %d, homework at %d", welcome, homework)
	}
	if !strings.Contains(msg.HTMLBody, "due friday") {
		t.Error("full digest missing post body")
	}
	if len(fx.store.queue[20]) != 0 {
		t.Errorf("queue not drained: %d entries left", len(fx.store.queue[20]))
	}
}

func TestDigestSubjectsOnlyMode(t *testing.T) {
	fx := newFixture(t)
	fx.seed(t)
	fx.enqueue(20, 11, 110)
	fx.registry.modes[20] = forum.DigestSubjects

	ran, _, err := fx.agg.RunIfDue(context.Background(), fx.now)
	if err != nil || !ran {
		t.Fatalf("RunIfDue() = %v, %v", ran, err)
	}
	body := fx.mailer.Sent[0].HTMLBody
	if !strings.Contains(body, "Homework") {
		t.Error("subjects-only digest missing post subject")
	}
	if strings.Contains(body, "due friday") {
		t.Error("subjects-only digest contains post body")
	}
}

func TestDigestLeavesEntriesQueuedAfterCutoff(t *testing.T) {
	fx := newFixture(t)
	fx.seed(t)
	fx.enqueue(20, 10, 100)
	fx.store.queue[20] = append(fx.store.queue[20], &forum.DigestQueueEntry{
		UserID: 20, DiscussionID: 11, PostID: 110,
		QueuedAt: fx.now.Add(time.Minute),
	})

	ran, stats, err := fx.agg.RunIfDue(context.Background(), fx.now)
	if err != nil || !ran {
		t.Fatalf("RunIfDue() = %v, %v", ran, err)
	}
	if stats.Sent != 1 {
		t.Fatalf("stats.Sent = %d, want 1", stats.Sent)
	}
	if strings.Contains(fx.mailer.Sent[0].HTMLBody, "Homework") {
		t.Error("digest includes entry queued after the cutoff")
	}
	if left := fx.store.queue[20]; len(left) != 1 || left[0].PostID != 110 {
		t.Errorf("queue after run = %+v, want the late entry kept", left)
	}
}

func TestDigestPurgesStaleEntries(t *testing.T) {
	fx := newFixture(t)
	fx.seed(t)
	fx.store.queue[20] = append(fx.store.queue[20], &forum.DigestQueueEntry{
		UserID: 20, DiscussionID: 10, PostID: 100,
		QueuedAt: fx.now.Add(-8 * 24 * time.Hour),
	})

	ran, stats, err := fx.agg.RunIfDue(context.Background(), fx.now)
	if err != nil || !ran {
		t.Fatalf("RunIfDue() = %v, %v", ran, err)
	}
	if stats.Purged != 1 {
		t.Errorf("stats.Purged = %d, want 1", stats.Purged)
	}
	if stats.Sent != 0 {
		t.Errorf("stats.Sent = %d, want 0", stats.Sent)
	}
}

func TestDigestIsolatesPerUserFailures(t *testing.T) {
	fx := newFixture(t)
	fx.seed(t)
	fx.enqueue(20, 10, 100)
	fx.enqueue(21, 10, 100)
	// User 20 no longer resolves; user 21 still gets a digest.
	delete(fx.store.users, 20)

	ran, stats, err := fx.agg.RunIfDue(context.Background(), fx.now)
	if err != nil || !ran {
		t.Fatalf("RunIfDue() = %v, %v", ran, err)
	}
	if stats.Sent != 1 || stats.Errors != 1 {
		t.Errorf("sent %d errors %d, want 1 and 1", stats.Sent, stats.Errors)
	}
	if fx.mailer.Sent[0].To != "bob@example.edu" {
		t.Errorf("recipient = %q, want bob@example.edu", fx.mailer.Sent[0].To)
	}
}

func TestDigestDropsOrphanedEntries(t *testing.T) {
	fx := newFixture(t)
	fx.seed(t)
	fx.enqueue(20, 10, 100)
	fx.enqueue(20, 99, 999)

	ran, stats, err := fx.agg.RunIfDue(context.Background(), fx.now)
	if err != nil || !ran {
		t.Fatalf("RunIfDue() = %v, %v", ran, err)
	}
	if stats.Sent != 1 {
		t.Fatalf("stats.Sent = %d, want 1", stats.Sent)
	}
	if strings.Contains(fx.mailer.Sent[0].HTMLBody, "999") {
		t.Error("digest references orphaned entry")
	}
}

func TestDigestSendFailureCounted(t *testing.T) {
	fx := newFixture(t)
	fx.seed(t)
	fx.enqueue(20, 10, 100)
	fx.mailer.Fail = errors.New("provider down")

	ran, stats, err := fx.agg.RunIfDue(context.Background(), fx.now)
	if err != nil || !ran {
		t.Fatalf("RunIfDue() = %v, %v", ran, err)
	}
	if stats.Errors != 1 || stats.Sent != 0 {
		t.Errorf("sent %d errors %d, want 0 and 1", stats.Sent, stats.Errors)
	}
}
