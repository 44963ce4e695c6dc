package cron

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"cybrary/digest"
	"cybrary/dispatch"
	"cybrary/pkg/forum"
)

type fakeDispatcher struct {
	calls int
	last  time.Time
	err   error
}

func (d *fakeDispatcher) Run(_ context.Context, now time.Time) (dispatch.Stats, error) {
	d.calls++
	d.last = now
	return dispatch.Stats{}, d.err
}

type fakeDigester struct {
	calls int
	err   error
}

func (d *fakeDigester) RunIfDue(_ context.Context, _ time.Time) (bool, digest.Stats, error) {
	d.calls++
	return d.err == nil, digest.Stats{}, d.err
}

type fakePurger struct {
	calls int
	err   error
}

func (p *fakePurger) PurgeOld(_ context.Context, _ time.Time) error {
	p.calls++
	return p.err
}

var testTime = time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)

func newRunner() (*Runner, *fakeDispatcher, *fakeDigester, *fakePurger) {
	dp := &fakeDispatcher{}
	dg := &fakeDigester{}
	pg := &fakePurger{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clock := forum.ClockFunc(func() time.Time { return testTime })
	return New(dp, dg, pg, clock, logger), dp, dg, pg
}

func TestRunExecutesAllStages(t *testing.T) {
	r, dp, dg, pg := newRunner()
	if err := r.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if dp.calls != 1 || dg.calls != 1 || pg.calls != 1 {
		t.Errorf("stage calls = %d/%d/%d, want 1/1/1", dp.calls, dg.calls, pg.calls)
	}
	if !dp.last.Equal(testTime) {
		t.Errorf("dispatch ran at %v, want clock time %v", dp.last, testTime)
	}
}

func TestRunStageFailureDoesNotBlockLaterStages(t *testing.T) {
	r, dp, dg, pg := newRunner()
	dp.err = errors.New("dispatch broke")
	dg.err = errors.New("digest broke")

	err := r.Run(context.Background())
	if err == nil {
		t.Fatal("Run() error = nil, want joined stage errors")
	}
	if !errors.Is(err, dp.err) || !errors.Is(err, dg.err) {
		t.Errorf("joined error %v missing a stage error", err)
	}
	if pg.calls != 1 {
		t.Errorf("purge calls = %d, want 1", pg.calls)
	}
}
