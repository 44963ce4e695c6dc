// Package main runs the cybrary notification worker: it serves the
// health and cron endpoints and, optionally, runs the pipeline on an
// internal timer.
package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"cybrary/config"
	"cybrary/cron"
	"cybrary/digest"
	"cybrary/dispatch"
	"cybrary/eligibility"
	"cybrary/mail"
	"cybrary/readstate"
	"cybrary/server"
	"cybrary/storage"
	"cybrary/subscription"
)

func main() {
	ctx := context.Background()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	if dir := filepath.Dir(cfg.DatabasePath); cfg.DatabasePath != ":memory:" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			logger.Error("Failed to create data directory", "path", dir, "error", err)
			os.Exit(1)
		}
	}

	store, err := storage.Open(ctx, cfg.DatabasePath, logger)
	if err != nil {
		logger.Error("Failed to open database", "path", cfg.DatabasePath, "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("Failed to close database", "error", err)
		}
	}()

	provider := buildProvider(ctx, cfg, logger)
	composer := mail.NewComposer(cfg.Hostname, cfg.BaseURL, cfg.FromAddr, cfg.FromName, cfg.ReplyTo)

	reads := readstate.New(store, logger, readstate.Options{
		TrackingEnabled:     cfg.TrackingEnabled,
		AllowForcedTracking: cfg.AllowForcedTracking,
		OldPostDays:         cfg.OldPostDays,
	})
	registry := subscription.New(store, store, store, store, logger)
	filter := eligibility.New(store, store, store, eligibility.Options{
		EnableTimedPosts: cfg.EnableTimedPosts,
		MaxEditingTime:   cfg.MaxEditingTime,
	})
	dispatcher := dispatch.New(store, registry, filter, reads, store, composer, provider, logger, dispatch.Options{
		MailWindow:       cfg.MailWindow,
		MaxEditingTime:   cfg.MaxEditingTime,
		EnableTimedPosts: cfg.EnableTimedPosts,
		AutoMarkRead:     cfg.AutoMarkRead,
	})
	aggregator := digest.New(store, registry, composer, provider, logger, digest.Options{
		DigestHour: cfg.DigestHour,
	})
	runner := cron.New(dispatcher, aggregator, reads, nil, logger)

	if cfg.CronInterval > 0 {
		go runCronLoop(ctx, runner, cfg.CronInterval, logger)
	}

	srv := server.New(runner, logger)
	if err := srv.Serve(cfg.Port); err != nil {
		logger.Error("HTTP server failed", "error", err)
		os.Exit(1)
	}
}

// runCronLoop drives the pipeline on an internal timer for deployments
// without an external scheduler.
func runCronLoop(ctx context.Context, runner *cron.Runner, interval time.Duration, logger *slog.Logger) {
	logger.Info("Internal scheduler enabled", "interval", interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := runner.Run(ctx); err != nil {
				logger.Error("Scheduled run failed", "error", err)
			}
		}
	}
}

// buildProvider selects the mail backend. Misconfigured providers fall
// back to mock so a broken credential never blocks the worker.
func buildProvider(ctx context.Context, cfg *config.Config, logger *slog.Logger) mail.Provider {
	switch cfg.Provider {
	case "brevo":
		if cfg.BrevoKey == "" {
			logger.Warn("BREVO_API_KEY not set, using mock mail provider")
			break
		}
		return mail.NewBrevoProvider(cfg.BrevoKey, logger)
	case "resend":
		if cfg.ResendKey == "" {
			logger.Warn("RESEND_API_KEY not set, using mock mail provider")
			break
		}
		return mail.NewResendProvider(cfg.ResendKey, logger)
	case "gmail":
		service, err := initGmailService(ctx)
		if err != nil {
			logger.Warn("Failed to initialize Gmail service, using mock mail provider", "error", err)
			break
		}
		return mail.NewGmailProvider(service, logger)
	case "mock", "":
	default:
		logger.Warn("Unknown mail provider, using mock", "provider", cfg.Provider)
	}
	logger.Info("Mock mail mode enabled")
	return mail.NewMockProvider(logger)
}

func initGmailService(ctx context.Context) (*gmail.Service, error) {
	credsJSON := os.Getenv("GOOGLE_CREDENTIALS_JSON")
	if credsJSON != "" {
		return gmail.NewService(ctx, option.WithCredentialsJSON([]byte(credsJSON)))
	}
	// On a Google runtime, Application Default Credentials carry the
	// service account; it needs the gmail.send scope.
	if os.Getenv("K_SERVICE") != "" {
		return gmail.NewService(ctx)
	}
	return nil, errors.New("GOOGLE_CREDENTIALS_JSON required outside a Google runtime")
}
