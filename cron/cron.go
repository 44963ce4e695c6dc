// Package cron sequences the scheduled pipeline: dispatch pending
// posts, send due digests, purge redundant read records.
package cron

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"cybrary/digest"
	"cybrary/dispatch"
	"cybrary/pkg/forum"
)

// Dispatcher runs one notification pipeline pass.
type Dispatcher interface {
	Run(ctx context.Context, now time.Time) (dispatch.Stats, error)
}

// Digester runs the daily digest when due.
type Digester interface {
	RunIfDue(ctx context.Context, now time.Time) (bool, digest.Stats, error)
}

// Purger drops read records made redundant by the auto-read cutoff.
type Purger interface {
	PurgeOld(ctx context.Context, now time.Time) error
}

// Runner is the cron entrypoint. Stages run in order and a stage
// failure never blocks the stages after it.
type Runner struct {
	dispatcher Dispatcher
	digester   Digester
	purger     Purger
	clock      forum.Clock
	logger     *slog.Logger
}

// New creates a runner. A nil clock means wall time.
func New(dispatcher Dispatcher, digester Digester, purger Purger, clock forum.Clock, logger *slog.Logger) *Runner {
	if clock == nil {
		clock = forum.ClockFunc(time.Now)
	}
	return &Runner{
		dispatcher: dispatcher,
		digester:   digester,
		purger:     purger,
		clock:      clock,
		logger:     logger,
	}
}

// Run executes one cron pass and returns the joined stage errors.
func (r *Runner) Run(ctx context.Context) error {
	now := r.clock.Now()
	logger := r.logger.With("run_id", uuid.NewString())
	logger.Info("Cron run starting")
	start := time.Now()

	var errs []error

	stats, err := r.dispatcher.Run(ctx, now)
	if err != nil {
		logger.Error("Dispatch stage failed", "error", err)
		errs = append(errs, err)
	} else {
		logger.Info("Dispatch stage completed",
			"scanned", stats.Scanned,
			"sent", stats.Sent,
			"queued", stats.Queued,
			"skipped", stats.Skipped,
			"errors", stats.Errors)
	}

	ran, dstats, err := r.digester.RunIfDue(ctx, now)
	switch {
	case err != nil:
		logger.Error("Digest stage failed", "error", err)
		errs = append(errs, err)
	case ran:
		logger.Info("Digest stage completed",
			"users", dstats.Users,
			"sent", dstats.Sent,
			"purged", dstats.Purged,
			"errors", dstats.Errors)
	default:
		logger.Debug("Digest stage not due")
	}

	if err := r.purger.PurgeOld(ctx, now); err != nil {
		logger.Error("Read record purge failed", "error", err)
		errs = append(errs, err)
	}

	logger.Info("Cron run completed", "duration", time.Since(start).Round(time.Millisecond))
	return errors.Join(errs...)
}
