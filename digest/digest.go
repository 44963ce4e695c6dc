// Package digest batches queued notifications into one daily message
// per user.
package digest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"cybrary/mail"
	"cybrary/pkg/forum"
)

const (
	// staleAfter ages out queue entries that were never delivered,
	// typically because the owning user stopped resolving.
	staleAfter = 7 * 24 * time.Hour

	lastRunKey = "last_digest_run"
)

// Store is the persistence the aggregator drains and annotates.
type Store interface {
	PurgeStaleDigestEntries(ctx context.Context, cutoff time.Time) (int64, error)
	DigestUserIDs(ctx context.Context, cutoff time.Time) ([]int64, error)
	TakeUserDigest(ctx context.Context, userID int64, cutoff time.Time) ([]*forum.DigestQueueEntry, error)
	MetaTime(ctx context.Context, key string) (time.Time, error)
	SetMetaTime(ctx context.Context, key string, t time.Time) error
	DiscussionByID(ctx context.Context, id int64) (*forum.Discussion, error)
	ForumByID(ctx context.Context, id int64) (*forum.Forum, error)
	PostByID(ctx context.Context, id int64) (*forum.Post, error)
	UserByID(ctx context.Context, id int64) (*forum.User, error)
}

// Registry resolves each recipient's per-forum digest preference.
type Registry interface {
	DigestMode(ctx context.Context, u *forum.User, forumID int64) (forum.DigestMode, error)
}

// Mailer sends composed digests.
type Mailer interface {
	Send(ctx context.Context, msg *forum.Message) error
}

// Options control when the daily run fires.
type Options struct {
	// DigestHour is the local hour (0-23) after which the day's digest
	// run becomes due.
	DigestHour int
}

// Stats summarizes one digest run.
type Stats struct {
	Users  int
	Sent   int
	Purged int64
	Errors int
}

// Aggregator owns the daily digest run.
type Aggregator struct {
	store    Store
	registry Registry
	composer *mail.Composer
	mailer   Mailer
	logger   *slog.Logger
	opts     Options
}

// New creates an aggregator.
func New(store Store, registry Registry, composer *mail.Composer, mailer Mailer, logger *slog.Logger, opts Options) *Aggregator {
	return &Aggregator{
		store:    store,
		registry: registry,
		composer: composer,
		mailer:   mailer,
		logger:   logger,
		opts:     opts,
	}
}

// RunIfDue executes the daily digest run if the configured hour has
// passed and no run has happened since. Returns whether a run fired.
func (a *Aggregator) RunIfDue(ctx context.Context, now time.Time) (bool, Stats, error) {
	var stats Stats

	target := time.Date(now.Year(), now.Month(), now.Day(), a.opts.DigestHour, 0, 0, 0, now.Location())
	if now.Before(target) {
		return false, stats, nil
	}
	last, err := a.store.MetaTime(ctx, lastRunKey)
	if err != nil {
		return false, stats, fmt.Errorf("read last digest run: %w", err)
	}
	if !last.Before(target) {
		return false, stats, nil
	}

	stats, err = a.run(ctx, now)
	if err != nil {
		return true, stats, err
	}
	if err := a.store.SetMetaTime(ctx, lastRunKey, now); err != nil {
		return true, stats, fmt.Errorf("record digest run: %w", err)
	}
	return true, stats, nil
}

func (a *Aggregator) run(ctx context.Context, now time.Time) (Stats, error) {
	var stats Stats

	purged, err := a.store.PurgeStaleDigestEntries(ctx, now.Add(-staleAfter))
	if err != nil {
		return stats, fmt.Errorf("purge stale digest entries: %w", err)
	}
	stats.Purged = purged
	if purged > 0 {
		a.logger.Info("Purged stale digest entries", "count", purged)
	}

	userIDs, err := a.store.DigestUserIDs(ctx, now)
	if err != nil {
		return stats, fmt.Errorf("list digest users: %w", err)
	}
	stats.Users = len(userIDs)
	if len(userIDs) == 0 {
		a.logger.Info("No digests to send")
		return stats, nil
	}
	a.logger.Info("Digest run starting", "users", len(userIDs))

	cache := forum.NewRunCache()
	for _, userID := range userIDs {
		select {
		case <-ctx.Done():
			a.logger.Info("Context cancelled, stopping digest run", "error", ctx.Err())
			return stats, ctx.Err()
		default:
		}

		if err := a.sendUserDigest(ctx, cache, userID, now); err != nil {
			stats.Errors++
			a.logger.Warn("Digest failed", "user_id", userID, "error", err)
			continue
		}
		stats.Sent++
	}

	a.logger.Info("Digest run completed", "sent", stats.Sent, "errors", stats.Errors)
	return stats, nil
}

// sendUserDigest drains the user's queue and sends one message. The
// queue rows are deleted before the send, so a failure drops this
// batch instead of repeating it tomorrow.
func (a *Aggregator) sendUserDigest(ctx context.Context, cache *forum.RunCache, userID int64, now time.Time) error {
	recipient, err := a.user(ctx, cache, userID)
	if err != nil {
		return fmt.Errorf("load recipient: %w", err)
	}

	entries, err := a.store.TakeUserDigest(ctx, userID, now)
	if err != nil {
		return fmt.Errorf("take queue: %w", err)
	}
	if len(entries) == 0 {
		return nil
	}

	sections, err := a.buildSections(ctx, cache, recipient, entries)
	if err != nil {
		return err
	}
	if len(sections) == 0 {
		return nil
	}

	msg := a.composer.DigestMessage(recipient, sections, now)
	if err := a.mailer.Send(ctx, msg); err != nil {
		return fmt.Errorf("send: %w", err)
	}
	return nil
}

// buildSections groups queue entries by discussion, discussions in
// first-queued order and posts in queue order. Entries whose
// discussion or forum no longer exists are dropped.
func (a *Aggregator) buildSections(ctx context.Context, cache *forum.RunCache, recipient *forum.User, entries []*forum.DigestQueueEntry) ([]mail.DigestSection, error) {
	var order []int64
	byDiscussion := make(map[int64][]*forum.Post)
	authors := make(map[int64]map[int64]*forum.User)

	for _, e := range entries {
		p, err := a.store.PostByID(ctx, e.PostID)
		if err != nil {
			a.logger.Warn("Digest post missing", "post_id", e.PostID, "error", err)
			continue
		}
		if _, ok := byDiscussion[e.DiscussionID]; !ok {
			order = append(order, e.DiscussionID)
			authors[e.DiscussionID] = make(map[int64]*forum.User)
		}
		byDiscussion[e.DiscussionID] = append(byDiscussion[e.DiscussionID], p)
		author, err := a.user(ctx, cache, p.UserID)
		if err != nil {
			a.logger.Warn("Digest author missing", "user_id", p.UserID, "error", err)
		} else {
			authors[e.DiscussionID][author.ID] = author
		}
	}

	var sections []mail.DigestSection
	for _, discussionID := range order {
		d, err := a.discussion(ctx, cache, discussionID)
		if err != nil {
			a.logger.Warn("Digest discussion missing", "discussion_id", discussionID, "error", err)
			continue
		}
		f, err := a.forum(ctx, cache, d.ForumID)
		if err != nil {
			a.logger.Warn("Digest forum missing", "forum_id", d.ForumID, "error", err)
			continue
		}
		mode, err := a.registry.DigestMode(ctx, recipient, f.ID)
		if err != nil {
			return nil, fmt.Errorf("resolve digest mode: %w", err)
		}
		sections = append(sections, mail.DigestSection{
			Forum:        f,
			Discussion:   d,
			Posts:        byDiscussion[discussionID],
			Authors:      authors[discussionID],
			SubjectsOnly: mode == forum.DigestSubjects,
		})
	}
	return sections, nil
}

func (a *Aggregator) user(ctx context.Context, cache *forum.RunCache, id int64) (*forum.User, error) {
	if u, ok := cache.User(id); ok {
		return u, nil
	}
	u, err := a.store.UserByID(ctx, id)
	if err != nil {
		return nil, err
	}
	cache.PutUser(u)
	return u, nil
}

func (a *Aggregator) discussion(ctx context.Context, cache *forum.RunCache, id int64) (*forum.Discussion, error) {
	if d, ok := cache.Discussion(id); ok {
		return d, nil
	}
	d, err := a.store.DiscussionByID(ctx, id)
	if err != nil {
		return nil, err
	}
	cache.PutDiscussion(d)
	return d, nil
}

func (a *Aggregator) forum(ctx context.Context, cache *forum.RunCache, id int64) (*forum.Forum, error) {
	if f, ok := cache.Forum(id); ok {
		return f, nil
	}
	f, err := a.store.ForumByID(ctx, id)
	if err != nil {
		return nil, err
	}
	cache.PutForum(f)
	return f, nil
}
