// Package server exposes the worker's HTTP surface: a health check and
// a scheduler trigger for the notification pipeline.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// Runner triggers one cron pass.
type Runner interface {
	Run(ctx context.Context) error
}

// Server handles HTTP requests.
type Server struct {
	runner Runner
	logger *slog.Logger
}

// New creates a new HTTP server handler.
func New(runner Runner, logger *slog.Logger) *Server {
	return &Server{runner: runner, logger: logger}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/cronz", s.handleCron)
	return mux
}

// Serve starts the HTTP server and blocks.
func (s *Server) Serve(port int) error {
	// Timeouts prevent resource exhaustion from slow clients.
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.Handler(),
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      5 * time.Minute,
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.logger.Info("Starting HTTP server", "port", port)
	return srv.ListenAndServe()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := fmt.Fprint(w, `{"status":"healthy"}`); err != nil {
		s.logger.Warn("Failed to write health response", "error", err)
	}
}

func (s *Server) handleCron(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.logger.Info("Cron endpoint triggered")

	if err := s.runner.Run(r.Context()); err != nil {
		s.logger.Error("Cron run failed", "error", err)
		http.Error(w, "Run failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := fmt.Fprint(w, `{"status":"completed"}`); err != nil {
		s.logger.Warn("Failed to write response", "error", err)
	}
}
