// Package config loads process configuration from the environment, with an
// optional .env file for local development.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds the tunables for the stores, scheduler and worker pool.
type Config struct {
	DBPath string

	PoolMaxConcurrency int64
	PoolTaskTimeout    time.Duration
	DomainRatePerSec   float64
	MemoryCeilingBytes uint64

	ReviewTimeout time.Duration

	LogLevel slog.Level
}

// Load reads the environment. A missing .env file is not an error; explicit
// env vars always win over file values.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}

	cfg := &Config{
		DBPath:             getString("POLICYSCAN_DB", "policyscan.db"),
		PoolMaxConcurrency: int64(getInt("POLICYSCAN_POOL_CONCURRENCY", 5)),
		DomainRatePerSec:   float64(getInt("POLICYSCAN_DOMAIN_RATE", 2)),
		MemoryCeilingBytes: uint64(getInt("POLICYSCAN_MEMORY_CEILING_MB", 0)) * 1024 * 1024,
		LogLevel:           parseLevel(getString("POLICYSCAN_LOG_LEVEL", "info")),
	}

	var err error
	if cfg.PoolTaskTimeout, err = getDuration("POLICYSCAN_TASK_TIMEOUT", 60*time.Second); err != nil {
		return nil, err
	}
	if cfg.ReviewTimeout, err = getDuration("POLICYSCAN_REVIEW_TIMEOUT", 7*24*time.Hour); err != nil {
		return nil, err
	}
	return cfg, nil
}

func getString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		slog.Warn("invalid integer env var, using default", "key", key, "value", v, "default", fallback)
		return fallback
	}
	return n
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid duration in %s: %w", key, err)
	}
	return d, nil
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
