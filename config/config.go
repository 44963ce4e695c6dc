// Package config reads site-wide settings from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the notification core and worker.
type Config struct {
	// DatabasePath is the sqlite file path (":memory:" for tests).
	DatabasePath string

	// Hostname is the mail domain used in Message-ID and List-Id headers.
	Hostname string

	// Port is the worker's HTTP port (health and scheduler trigger).
	Port int

	// BaseURL is the public base URL used for links in mail bodies.
	BaseURL string

	// Mail sender identity.
	FromAddr  string
	FromName  string
	ReplyTo   string
	Provider  string // mock, brevo, gmail, resend
	BrevoKey  string
	ResendKey string

	// TrackingEnabled is the site-wide read-tracking switch.
	TrackingEnabled bool
	// AllowForcedTracking lets forums force tracking on users; when off,
	// forced tracking degrades to optional semantics.
	AllowForcedTracking bool
	// EnableTimedPosts activates discussion time_start/time_end windows.
	EnableTimedPosts bool

	// OldPostDays is the site default auto-read and retention cutoff.
	OldPostDays int
	// MaxEditingTime is the grace period before a Q&A answer unlocks replies.
	MaxEditingTime time.Duration
	// MailWindow bounds how far back the unmailed-post scan reaches.
	MailWindow time.Duration
	// DigestHour is the local hour of day after which the digest run fires.
	DigestHour int
	// AutoMarkRead marks a post read for a recipient once it was mailed.
	AutoMarkRead bool

	// CronInterval runs the pipeline on a timer; zero relies entirely on
	// the external scheduler hitting /cronz.
	CronInterval time.Duration
}

// Load reads configuration from the environment with sensible defaults,
// honoring a local .env file when present.
func Load() (*Config, error) {
	// Missing .env is the normal production case.
	_ = godotenv.Load()

	cfg := &Config{
		DatabasePath:        "./data/cybrary.db",
		Hostname:            "localhost",
		Port:                8080,
		BaseURL:             "http://localhost:8080",
		FromAddr:            "noreply@localhost",
		FromName:            "Cybrary Forums",
		Provider:            "mock",
		TrackingEnabled:     true,
		AllowForcedTracking: true,
		EnableTimedPosts:    false,
		OldPostDays:         14,
		MaxEditingTime:      30 * time.Minute,
		MailWindow:          48 * time.Hour,
		DigestHour:          17,
		AutoMarkRead:        false,
	}

	if v := os.Getenv("DATABASE_PATH"); v != "" {
		cfg.DatabasePath = v
	}
	if v := os.Getenv("MAIL_HOSTNAME"); v != "" {
		cfg.Hostname = v
	}
	if v := os.Getenv("BASE_URL"); v != "" {
		cfg.BaseURL = v
	}
	if v := os.Getenv("MAIL_FROM"); v != "" {
		cfg.FromAddr = v
	}
	if v := os.Getenv("MAIL_FROM_NAME"); v != "" {
		cfg.FromName = v
	}
	if v := os.Getenv("MAIL_REPLY_TO"); v != "" {
		cfg.ReplyTo = v
	}
	if v := os.Getenv("MAIL_PROVIDER"); v != "" {
		cfg.Provider = v
	}
	cfg.BrevoKey = os.Getenv("BREVO_API_KEY")
	cfg.ResendKey = os.Getenv("RESEND_API_KEY")

	var err error
	if cfg.Port, err = intEnv("PORT", cfg.Port); err != nil {
		return nil, err
	}
	if cfg.OldPostDays, err = intEnv("OLD_POST_DAYS", cfg.OldPostDays); err != nil {
		return nil, err
	}
	if cfg.DigestHour, err = intEnv("DIGEST_HOUR", cfg.DigestHour); err != nil {
		return nil, err
	}
	if cfg.DigestHour < 0 || cfg.DigestHour > 23 {
		return nil, fmt.Errorf("DIGEST_HOUR must be 0-23, got %d", cfg.DigestHour)
	}

	if cfg.TrackingEnabled, err = boolEnv("TRACKING_ENABLED", cfg.TrackingEnabled); err != nil {
		return nil, err
	}
	if cfg.AllowForcedTracking, err = boolEnv("ALLOW_FORCED_TRACKING", cfg.AllowForcedTracking); err != nil {
		return nil, err
	}
	if cfg.EnableTimedPosts, err = boolEnv("ENABLE_TIMED_POSTS", cfg.EnableTimedPosts); err != nil {
		return nil, err
	}
	if cfg.AutoMarkRead, err = boolEnv("AUTO_MARK_READ", cfg.AutoMarkRead); err != nil {
		return nil, err
	}

	if cfg.MaxEditingTime, err = durationEnv("MAX_EDITING_TIME", cfg.MaxEditingTime); err != nil {
		return nil, err
	}
	if cfg.MailWindow, err = durationEnv("MAIL_WINDOW", cfg.MailWindow); err != nil {
		return nil, err
	}
	if cfg.CronInterval, err = durationEnv("CRON_INTERVAL", cfg.CronInterval); err != nil {
		return nil, err
	}

	return cfg, nil
}

func intEnv(name string, def int) (int, error) {
	v := os.Getenv(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	return n, nil
}

func boolEnv(name string, def bool) (bool, error) {
	v := os.Getenv(name)
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", name, err)
	}
	return b, nil
}

func durationEnv(name string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(name)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	return d, nil
}
