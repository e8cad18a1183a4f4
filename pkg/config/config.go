// Package config loads server configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds server configuration.
type Config struct {
	Port     string
	LogLevel string

	// DatabaseURL selects Postgres. Empty means lite mode on SQLite at
	// LiteDBPath.
	DatabaseURL string
	LiteDBPath  string

	// RedisAddr enables Redis-backed sessions. Empty keeps them in memory.
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	// LedgerStore is "sql" (default) or "redis".
	LedgerStore string

	SessionIdleTTL time.Duration
	PricingFile    string
	LocalesFile    string

	GenerationURL string
	GenerationRPS float64
	// CallbackSecret is the HMAC key for completion webhook tokens.
	CallbackSecret string

	PendingDeadline time.Duration
	SweepSchedule   string

	OperatorWebhookURL string
	OTelEnabled        bool
	OTelEndpoint       string
}

// LoadDotEnv loads variables from .env files into the environment without
// overriding ones already set. Missing files are ignored.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:               env("PORT", "8080"),
		LogLevel:           env("LOG_LEVEL", "INFO"),
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		LiteDBPath:         env("LITE_DB_PATH", "data/stargate.db"),
		RedisAddr:          os.Getenv("REDIS_ADDR"),
		RedisPassword:      os.Getenv("REDIS_PASSWORD"),
		LedgerStore:        strings.ToLower(env("LEDGER_STORE", "sql")),
		PricingFile:        env("PRICING_FILE", "config/pricing.yaml"),
		LocalesFile:        os.Getenv("LOCALES_FILE"),
		GenerationURL:      os.Getenv("GENERATION_URL"),
		CallbackSecret:     os.Getenv("CALLBACK_SECRET"),
		SweepSchedule:      env("SWEEP_SCHEDULE", "@every 1m"),
		OperatorWebhookURL: os.Getenv("OPERATOR_WEBHOOK_URL"),
		OTelEnabled:        os.Getenv("OTEL_ENABLED") == "true",
		OTelEndpoint:       env("OTEL_ENDPOINT", "localhost:4317"),
	}

	var errs []error
	cfg.RedisDB, errs = parse(errs, "REDIS_DB", "0", strconv.Atoi)
	cfg.SessionIdleTTL, errs = parse(errs, "SESSION_IDLE_TTL", "30m", time.ParseDuration)
	cfg.PendingDeadline, errs = parse(errs, "PENDING_DEADLINE", "15m", time.ParseDuration)
	cfg.GenerationRPS, errs = parse(errs, "GENERATION_RPS", "5", func(s string) (float64, error) {
		return strconv.ParseFloat(s, 64)
	})
	switch cfg.LedgerStore {
	case "sql":
	case "redis":
		if cfg.RedisAddr == "" {
			errs = append(errs, errors.New("LEDGER_STORE=redis requires REDIS_ADDR"))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid LEDGER_STORE %q", cfg.LedgerStore))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Lite reports whether the server runs on the embedded SQLite database.
func (c *Config) Lite() bool {
	return c.DatabaseURL == ""
}

// SlogLevel maps LogLevel to a slog level, defaulting to info.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func parse[T any](errs []error, key, def string, fn func(string) (T, error)) (T, []error) {
	v, err := fn(env(key, def))
	if err != nil {
		errs = append(errs, fmt.Errorf("invalid %s: %w", key, err))
	}
	return v, errs
}
