// Package config loads licensing configuration from the environment.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/AurSwift/AurSwiftDesktop-sub001/pkg/licensing"
)

// Defaults for the license server endpoints.
const (
	DefaultServerURL = "https://licensing.aurswift.com"
	DefaultEventsURL = "wss://licensing.aurswift.com/api/v2/licenses/events"
)

// Config holds everything the licensing core needs at startup.
type Config struct {
	ServerURL string
	EventsURL string
	APIToken  string

	DataDir      string
	TerminalName string

	HeartbeatInterval time.Duration
	HeartbeatJitter   time.Duration

	// Grace thresholds are configuration, not hard-coded policy; defaults
	// are the contractual 24h/7d/3d values.
	OfflineAfter   time.Duration
	GraceBudget    time.Duration
	HighWarnWindow time.Duration

	InsecureSkipVerify bool

	LogLevel  string
	LogFormat string
}

// Load reads configuration from a .env file (if present) and the
// environment, applying defaults for everything unset.
func Load() (*Config, error) {
	// .env is optional; missing file is not an error.
	if err := godotenv.Load(); err == nil {
		log.Debug().Msg("Loaded configuration from .env")
	}

	cfg := &Config{
		ServerURL:         envOr("AURSWIFT_LICENSE_SERVER_URL", DefaultServerURL),
		EventsURL:         envOr("AURSWIFT_LICENSE_EVENTS_URL", DefaultEventsURL),
		APIToken:          os.Getenv("AURSWIFT_API_TOKEN"),
		TerminalName:      os.Getenv("AURSWIFT_TERMINAL_NAME"),
		HeartbeatInterval: 24 * time.Hour,
		HeartbeatJitter:   4 * time.Hour,
		OfflineAfter:      licensing.DefaultOfflineAfter,
		GraceBudget:       licensing.DefaultGraceBudget,
		HighWarnWindow:    licensing.DefaultHighWarnWindow,
		LogLevel:          envOr("LOG_LEVEL", "info"),
		LogFormat:         envOr("LOG_FORMAT", "auto"),
	}

	cfg.DataDir = os.Getenv("AURSWIFT_DATA_DIR")
	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home directory: %w", err)
		}
		cfg.DataDir = filepath.Join(home, ".aurswift")
	}

	var err error
	if cfg.HeartbeatInterval, err = durationEnv("AURSWIFT_HEARTBEAT_INTERVAL", cfg.HeartbeatInterval); err != nil {
		return nil, err
	}
	if cfg.HeartbeatJitter, err = durationEnv("AURSWIFT_HEARTBEAT_JITTER", cfg.HeartbeatJitter); err != nil {
		return nil, err
	}
	if cfg.OfflineAfter, err = durationEnv("AURSWIFT_GRACE_OFFLINE_AFTER", cfg.OfflineAfter); err != nil {
		return nil, err
	}
	if cfg.GraceBudget, err = durationEnv("AURSWIFT_GRACE_BUDGET", cfg.GraceBudget); err != nil {
		return nil, err
	}
	if cfg.HighWarnWindow, err = durationEnv("AURSWIFT_GRACE_HIGH_WINDOW", cfg.HighWarnWindow); err != nil {
		return nil, err
	}

	if insecure := os.Getenv("AURSWIFT_INSECURE_SKIP_VERIFY"); insecure != "" {
		cfg.InsecureSkipVerify = strings.EqualFold(insecure, "true")
	}

	if cfg.GraceBudget <= cfg.OfflineAfter {
		return nil, fmt.Errorf("grace budget %s must exceed offline threshold %s", cfg.GraceBudget, cfg.OfflineAfter)
	}

	return cfg, nil
}

// GracePolicy returns the configured grace thresholds.
func (c *Config) GracePolicy() licensing.GracePolicy {
	return licensing.GracePolicy{
		OfflineAfter:   c.OfflineAfter,
		GraceBudget:    c.GraceBudget,
		HighWarnWindow: c.HighWarnWindow,
	}
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func durationEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}
