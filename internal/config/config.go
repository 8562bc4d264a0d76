// Package config loads the audit demo's settings from environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Sink kinds accepted by AUDIT_SINK.
const (
	SinkMemory   = "memory"
	SinkPostgres = "postgres"
	SinkSQLite   = "sqlite"
)

// Config holds all settings for the audit demo.
type Config struct {
	// Where audit records go: memory, postgres or sqlite.
	Sink        string
	DatabaseURL string
	SQLitePath  string

	// Write strategy.
	AwaitWrite    bool
	BufferSize    int
	FlushInterval time.Duration
	WriteTimeout  time.Duration

	// Before-state reads of top-level deletes.
	FetchBefore bool

	LogLevel string

	// OpenTelemetry. An empty endpoint disables export.
	OTELEndpoint string
	ServiceName  string
	OTELInsecure bool
}

// Load reads configuration from environment variables with sensible defaults.
// Every malformed variable is reported, not only the first.
func Load() (Config, error) {
	var errs []error

	awaitWrite, err := envBool("AUDIT_AWAIT_WRITE", false)
	errs = appendErr(errs, err)
	bufferSize, err := envInt("AUDIT_BUFFER_SIZE", 0)
	errs = appendErr(errs, err)
	flushInterval, err := envDuration("AUDIT_FLUSH_INTERVAL", time.Second)
	errs = appendErr(errs, err)
	writeTimeout, err := envDuration("AUDIT_WRITE_TIMEOUT", 30*time.Second)
	errs = appendErr(errs, err)
	fetchBefore, err := envBool("AUDIT_FETCH_BEFORE", false)
	errs = appendErr(errs, err)
	otelInsecure, err := envBool("OTEL_INSECURE", false)
	errs = appendErr(errs, err)

	if len(errs) > 0 {
		return Config{}, fmt.Errorf("config: %w", errors.Join(errs...))
	}

	cfg := Config{
		Sink:          strings.ToLower(envStr("AUDIT_SINK", SinkMemory)),
		DatabaseURL:   envStr("DATABASE_URL", ""),
		SQLitePath:    envStr("AUDIT_SQLITE_PATH", "audit.db"),
		AwaitWrite:    awaitWrite,
		BufferSize:    bufferSize,
		FlushInterval: flushInterval,
		WriteTimeout:  writeTimeout,
		FetchBefore:   fetchBefore,
		LogLevel:      envStr("AUDIT_LOG_LEVEL", "info"),
		OTELEndpoint:  envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		ServiceName:   envStr("OTEL_SERVICE_NAME", "prisma-audit"),
		OTELInsecure:  otelInsecure,
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that the selected sink has what it needs.
func (c Config) Validate() error {
	switch c.Sink {
	case SinkMemory, SinkSQLite:
	case SinkPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("config: DATABASE_URL is required when AUDIT_SINK=postgres")
		}
	default:
		return fmt.Errorf("config: AUDIT_SINK=%q is not one of memory, postgres, sqlite", c.Sink)
	}
	if c.Sink == SinkSQLite && c.SQLitePath == "" {
		return fmt.Errorf("config: AUDIT_SQLITE_PATH is required when AUDIT_SINK=sqlite")
	}
	if c.BufferSize < 0 {
		return fmt.Errorf("config: AUDIT_BUFFER_SIZE must not be negative")
	}
	if c.BufferSize > 0 && c.FlushInterval <= 0 {
		return fmt.Errorf("config: AUDIT_FLUSH_INTERVAL must be positive when buffering")
	}
	if c.WriteTimeout <= 0 {
		return fmt.Errorf("config: AUDIT_WRITE_TIMEOUT must be positive")
	}
	return nil
}

// SlogLevel maps LogLevel to a slog level. Unknown values mean info.
func (c Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func appendErr(errs []error, err error) []error {
	if err != nil {
		return append(errs, err)
	}
	return errs
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s=%q is not a valid integer", key, v)
	}
	return n, nil
}

func envBool(key string, defaultVal bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s=%q is not a valid boolean", key, v)
	}
	return b, nil
}

func envDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s=%q is not a valid duration", key, v)
	}
	return d, nil
}
