package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
)

type fakeRunner struct {
	calls int
	err   error
}

func (r *fakeRunner) Run(_ context.Context) error {
	r.calls++
	return r.err
}

func newTestServer(runner *fakeRunner) *httptest.Server {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return httptest.NewServer(New(runner, logger).Handler())
}

func TestHealthEndpoint(t *testing.T) {
	ts := newTestServer(&fakeRunner{})
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz error = %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	body, _ := io.ReadAll(resp.Body)
	if got := string(body); got != `{"status":"healthy"}` {
		t.Errorf("body = %q, want healthy status", got)
	}
}

func TestCronEndpointTriggersRun(t *testing.T) {
	runner := &fakeRunner{}
	ts := newTestServer(runner)
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/cronz", "application/json", nil)
	if err != nil {
		t.Fatalf("POST /cronz error = %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	if runner.calls != 1 {
		t.Errorf("runner calls = %d, want 1", runner.calls)
	}
}

func TestCronEndpointRejectsGet(t *testing.T) {
	runner := &fakeRunner{}
	ts := newTestServer(runner)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/cronz")
	if err != nil {
		t.Fatalf("GET /cronz error = %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusMethodNotAllowed)
	}
	if runner.calls != 0 {
		t.Errorf("runner calls = %d, want 0", runner.calls)
	}
}

func TestCronEndpointReportsFailure(t *testing.T) {
	runner := &fakeRunner{err: errors.New("pipeline broke")}
	ts := newTestServer(runner)
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/cronz", "application/json", nil)
	if err != nil {
		t.Fatalf("POST /cronz error = %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusInternalServerError)
	}
}
