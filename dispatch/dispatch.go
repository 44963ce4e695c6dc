// Package dispatch runs the notification pipeline: scan pending posts,
// mark them dispatched, resolve each post's recipients, and send or
// queue one message per recipient.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"cybrary/mail"
	"cybrary/pkg/forum"
)

// ContentStore is the content persistence the dispatcher reads and updates.
type ContentStore interface {
	Unmailed(ctx context.Context, start, end, now time.Time, timedPosts bool) ([]*forum.Post, error)
	MarkDispatched(ctx context.Context, end, now time.Time, timedPosts bool) (int64, error)
	RecordDispatchErrors(ctx context.Context, postID int64, count int) error
	DiscussionByID(ctx context.Context, id int64) (*forum.Discussion, error)
	ForumByID(ctx context.Context, id int64) (*forum.Forum, error)
	UserByID(ctx context.Context, id int64) (*forum.User, error)
	PostByID(ctx context.Context, id int64) (*forum.Post, error)
	ParentChain(ctx context.Context, postID int64) ([]int64, error)
	FirstUserPostTime(ctx context.Context, discussionID, userID int64) (time.Time, error)
}

// Registry resolves subscriber sets and digest preferences.
type Registry interface {
	Subscribers(ctx context.Context, f *forum.Forum, groupID int64, considerDiscussions bool) ([]*forum.Subscriber, error)
	DigestMode(ctx context.Context, u *forum.User, forumID int64) (forum.DigestMode, error)
}

// Visibility is the eligibility check every recipient passes through.
type Visibility interface {
	CanSeePost(ctx context.Context, cache *forum.RunCache, f *forum.Forum, d *forum.Discussion, p *forum.Post, u *forum.User, now time.Time) (bool, error)
}

// ReadMarker marks sent posts read for tracked recipients.
type ReadMarker interface {
	Tracked(ctx context.Context, f *forum.Forum, u *forum.User) (bool, error)
	MarkRead(ctx context.Context, f *forum.Forum, u *forum.User, postIDs []int64, now time.Time) error
}

// DigestQueue defers notifications for digest recipients.
type DigestQueue interface {
	EnqueueDigest(ctx context.Context, userID, discussionID, postID int64, now time.Time) error
}

// Mailer sends composed messages.
type Mailer interface {
	Send(ctx context.Context, msg *forum.Message) error
}

// Options control the scan window and side effects.
type Options struct {
	// MailWindow bounds how far back the scan reaches. Posts older than
	// the window are abandoned rather than mailed late.
	MailWindow time.Duration
	// MaxEditingTime holds posts back until their author's editing grace
	// has passed; mail_now posts bypass it.
	MaxEditingTime time.Duration
	// EnableTimedPosts defers posts in discussions whose timed window
	// has not opened.
	EnableTimedPosts bool
	// AutoMarkRead marks a post read for each recipient it was
	// successfully sent to, when that recipient tracks the forum.
	AutoMarkRead bool
}

// Stats summarizes one pipeline run.
type Stats struct {
	Scanned    int
	Dispatched int64
	Sent       int
	Queued     int
	Skipped    int
	Errors     int
}

// Dispatcher owns the scan-and-send pipeline.
type Dispatcher struct {
	store    ContentStore
	registry Registry
	filter   Visibility
	reads    ReadMarker
	digests  DigestQueue
	composer *mail.Composer
	mailer   Mailer
	logger   *slog.Logger
	opts     Options
}

// New creates a dispatcher.
func New(store ContentStore, registry Registry, filter Visibility, reads ReadMarker, digests DigestQueue, composer *mail.Composer, mailer Mailer, logger *slog.Logger, opts Options) *Dispatcher {
	return &Dispatcher{
		store:    store,
		registry: registry,
		filter:   filter,
		reads:    reads,
		digests:  digests,
		composer: composer,
		mailer:   mailer,
		logger:   logger,
		opts:     opts,
	}
}

// Run executes one pipeline pass. Posts are claimed with a bulk status
// update before any mail goes out, so a crash mid-run can lose mail but
// never duplicate it. Per-recipient failures are counted against the
// post and the run continues.
func (dp *Dispatcher) Run(ctx context.Context, now time.Time) (Stats, error) {
	var stats Stats

	end := now.Add(-dp.opts.MaxEditingTime)
	start := end.Add(-dp.opts.MailWindow)

	posts, err := dp.store.Unmailed(ctx, start, end, now, dp.opts.EnableTimedPosts)
	if err != nil {
		return stats, fmt.Errorf("scan unmailed posts: %w", err)
	}
	stats.Scanned = len(posts)
	if len(posts) == 0 {
		dp.logger.Info("No posts to dispatch")
		return stats, nil
	}

	stats.Dispatched, err = dp.store.MarkDispatched(ctx, end, now, dp.opts.EnableTimedPosts)
	if err != nil {
		return stats, fmt.Errorf("mark posts dispatched: %w", err)
	}
	dp.logger.Info("Dispatch run starting",
		"scanned", stats.Scanned,
		"claimed", stats.Dispatched,
		"window_start", start.Format(time.RFC3339),
		"window_end", end.Format(time.RFC3339))

	cache := forum.NewRunCache()
	subscribers := make(map[int64][]*forum.Subscriber)

	for _, p := range posts {
		select {
		case <-ctx.Done():
			dp.logger.Info("Context cancelled, stopping dispatch run", "error", ctx.Err())
			return stats, ctx.Err()
		default:
		}

		if err := dp.dispatchPost(ctx, cache, subscribers, p, now, &stats); err != nil {
			// Unresolvable posts were never claimed and stay pending
			// for the next run.
			dp.logger.Warn("Post dispatch failed", "post_id", p.ID, "error", err)
		}
	}

	dp.logger.Info("Dispatch run completed",
		"sent", stats.Sent,
		"queued", stats.Queued,
		"skipped", stats.Skipped,
		"errors", stats.Errors)
	return stats, nil
}

func (dp *Dispatcher) dispatchPost(ctx context.Context, cache *forum.RunCache, subscribers map[int64][]*forum.Subscriber, p *forum.Post, now time.Time, stats *Stats) error {
	d, err := dp.discussion(ctx, cache, p.DiscussionID)
	if err != nil {
		return err
	}
	f, err := dp.forum(ctx, cache, d.ForumID)
	if err != nil {
		return err
	}
	author, err := dp.user(ctx, cache, p.UserID)
	if err != nil {
		return err
	}

	subs, ok := subscribers[f.ID]
	if !ok {
		subs, err = dp.registry.Subscribers(ctx, f, forum.AllGroups, true)
		if err != nil {
			return fmt.Errorf("resolve subscribers for forum %d: %w", f.ID, err)
		}
		subscribers[f.ID] = subs
	}
	if len(subs) == 0 {
		return nil
	}

	chain, err := dp.store.ParentChain(ctx, p.ID)
	if err != nil {
		return fmt.Errorf("parent chain for post %d: %w", p.ID, err)
	}
	firstPostTime, err := dp.discussionStart(ctx, cache, d)
	if err != nil {
		return err
	}

	// The post is already marked sent, so a recipient whose resolution
	// fails loses this mail for good. Count the failure and move on to
	// the remaining recipients instead of abandoning them too.
	sendErrors := 0
	for _, sub := range subs {
		u := sub.User

		if !sub.SubscribedTo(d.ID) {
			stats.Skipped++
			continue
		}
		// No retroactive mail: an explicit discussion subscription only
		// covers posts made after it.
		if o, hasOverride := sub.Overrides[d.ID]; hasOverride &&
			o.Pref == forum.PrefSubscribed && o.Created.After(p.Created) {
			stats.Skipped++
			continue
		}
		if f.Type == forum.TypeQandA && p.ID != d.FirstPostID && u.ID != p.UserID {
			posted, err := dp.hasPosted(ctx, cache, d.ID, u.ID)
			if err != nil {
				dp.logger.Warn("Recipient resolution failed",
					"post_id", p.ID, "user_id", u.ID, "error", err)
				sendErrors++
				continue
			}
			if !posted {
				stats.Skipped++
				continue
			}
		}
		visible, err := dp.filter.CanSeePost(ctx, cache, f, d, p, u, now)
		if err != nil {
			dp.logger.Warn("Visibility check failed",
				"post_id", p.ID, "user_id", u.ID, "error", err)
			sendErrors++
			continue
		}
		if !visible {
			stats.Skipped++
			continue
		}

		mode, err := dp.registry.DigestMode(ctx, u, f.ID)
		if err != nil {
			dp.logger.Warn("Digest mode lookup failed",
				"post_id", p.ID, "user_id", u.ID, "error", err)
			sendErrors++
			continue
		}
		if mode > forum.DigestOff {
			if err := dp.digests.EnqueueDigest(ctx, u.ID, d.ID, p.ID, now); err != nil {
				dp.logger.Warn("Digest enqueue failed",
					"post_id", p.ID, "user_id", u.ID, "error", err)
				sendErrors++
				continue
			}
			stats.Queued++
			continue
		}

		msg := dp.composer.PostMessage(f, d, p, author, u, chain, firstPostTime)
		if err := dp.mailer.Send(ctx, msg); err != nil {
			dp.logger.Warn("Send failed",
				"post_id", p.ID,
				"to", u.Email,
				"error", err)
			sendErrors++
			continue
		}
		stats.Sent++

		if dp.opts.AutoMarkRead {
			tracked, err := dp.reads.Tracked(ctx, f, u)
			if err != nil {
				dp.logger.Warn("Tracking lookup failed",
					"post_id", p.ID, "user_id", u.ID, "error", err)
				continue
			}
			if tracked {
				if err := dp.reads.MarkRead(ctx, f, u, []int64{p.ID}, now); err != nil {
					dp.logger.Warn("Auto mark-read failed",
						"post_id", p.ID, "user_id", u.ID, "error", err)
				}
			}
		}
	}

	if sendErrors > 0 {
		stats.Errors += sendErrors
		if err := dp.store.RecordDispatchErrors(ctx, p.ID, sendErrors); err != nil {
			return fmt.Errorf("record dispatch errors: %w", err)
		}
	}
	return nil
}

func (dp *Dispatcher) discussion(ctx context.Context, cache *forum.RunCache, id int64) (*forum.Discussion, error) {
	if d, ok := cache.Discussion(id); ok {
		return d, nil
	}
	d, err := dp.store.DiscussionByID(ctx, id)
	if err != nil {
		return nil, err
	}
	cache.PutDiscussion(d)
	return d, nil
}

func (dp *Dispatcher) forum(ctx context.Context, cache *forum.RunCache, id int64) (*forum.Forum, error) {
	if f, ok := cache.Forum(id); ok {
		return f, nil
	}
	f, err := dp.store.ForumByID(ctx, id)
	if err != nil {
		return nil, err
	}
	cache.PutForum(f)
	return f, nil
}

func (dp *Dispatcher) user(ctx context.Context, cache *forum.RunCache, id int64) (*forum.User, error) {
	if u, ok := cache.User(id); ok {
		return u, nil
	}
	u, err := dp.store.UserByID(ctx, id)
	if err != nil {
		return nil, err
	}
	cache.PutUser(u)
	return u, nil
}

// discussionStart returns the first post's creation time, which anchors
// the Thread-Index header.
func (dp *Dispatcher) discussionStart(ctx context.Context, cache *forum.RunCache, d *forum.Discussion) (time.Time, error) {
	if d.FirstPostID == 0 {
		return d.TimeModified, nil
	}
	if t, ok := cache.FirstPost(d.ID, 0); ok {
		return t, nil
	}
	first, err := dp.store.PostByID(ctx, d.FirstPostID)
	if err != nil {
		return time.Time{}, fmt.Errorf("load first post of discussion %d: %w", d.ID, err)
	}
	cache.PutFirstPost(d.ID, 0, first.Created)
	return first.Created, nil
}

func (dp *Dispatcher) hasPosted(ctx context.Context, cache *forum.RunCache, discussionID, userID int64) (bool, error) {
	if t, ok := cache.FirstPost(discussionID, userID); ok {
		return !t.IsZero(), nil
	}
	t, err := dp.store.FirstUserPostTime(ctx, discussionID, userID)
	if err != nil {
		return false, fmt.Errorf("first post time: %w", err)
	}
	cache.PutFirstPost(discussionID, userID, t)
	return !t.IsZero(), nil
}
