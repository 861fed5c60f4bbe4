// Package config loads and validates application configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration.
type Config struct {
	// Trace store. A postgres:// or postgresql:// URL selects Postgres;
	// anything else is a SQLite file path.
	DatabaseURL string

	// Backend catalog. Empty selects the built-in catalog.
	BackendsFile    string
	DefaultModel    string
	FallbackEnabled bool
	FallbackChain   []string // Overrides the catalog's fallback order when set.

	// Generation defaults.
	DefaultTemperature float64
	DefaultFormat      string

	// Retry policy.
	MaxRetries   int
	ModelTimeout time.Duration
	BackoffBase  time.Duration
	BackoffMax   time.Duration

	// Outbound pacing per backend. Zero rate disables limiting.
	BackendRate  float64
	BackendBurst int

	// Cache.
	CacheEnabled bool
	CacheTTL     time.Duration

	OutputRejectPolicy string

	// Retention. Zero days disables the background cleanup loop.
	RunRetentionDays  int
	RetentionInterval time.Duration

	// File protocol.
	InboxPath    string
	OutboxPath   string
	PollInterval time.Duration

	// OTEL settings.
	OTELEndpoint string
	ServiceName  string
	OTELInsecure bool

	LogLevel string
}

// LoadDotenv loads a .env file from the working directory if one exists.
// Variables already set in the environment win.
func LoadDotenv() {
	_ = godotenv.Load()
}

// Load reads configuration from environment variables with sensible
// defaults. Every malformed variable is reported, not just the first.
func Load() (Config, error) {
	var errs []error
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	cfg := Config{
		DatabaseURL:        envStr("DATABASE_URL", "logs/agent_logs.db"),
		BackendsFile:       envStr("FEATURESPEC_BACKENDS_FILE", ""),
		DefaultModel:       envStr("FEATURESPEC_DEFAULT_MODEL", ""),
		FallbackChain:      envList("FEATURESPEC_FALLBACK_CHAIN"),
		DefaultFormat:      envStr("FEATURESPEC_DEFAULT_FORMAT", "json"),
		OutputRejectPolicy: envStr("FEATURESPEC_OUTPUT_REJECT_POLICY", "annotate"),
		InboxPath:          envStr("FEATURESPEC_INBOX_PATH", "messages/inbox"),
		OutboxPath:         envStr("FEATURESPEC_OUTBOX_PATH", "messages/outbox"),
		OTELEndpoint:       envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		ServiceName:        envStr("OTEL_SERVICE_NAME", "featurespec"),
		LogLevel:           envStr("FEATURESPEC_LOG_LEVEL", "info"),
	}

	var err error
	cfg.FallbackEnabled, err = envBool("FEATURESPEC_FALLBACK_ENABLED", true)
	collect(err)
	cfg.DefaultTemperature, err = envFloat("FEATURESPEC_DEFAULT_TEMPERATURE", 0.7)
	collect(err)
	cfg.MaxRetries, err = envInt("FEATURESPEC_MAX_RETRIES", 3)
	collect(err)
	cfg.ModelTimeout, err = envDuration("FEATURESPEC_MODEL_TIMEOUT", 60*time.Second)
	collect(err)
	cfg.BackoffBase, err = envDuration("FEATURESPEC_BACKOFF_BASE", 500*time.Millisecond)
	collect(err)
	cfg.BackoffMax, err = envDuration("FEATURESPEC_BACKOFF_MAX", 10*time.Second)
	collect(err)
	cfg.BackendRate, err = envFloat("FEATURESPEC_BACKEND_RATE", 0)
	collect(err)
	cfg.BackendBurst, err = envInt("FEATURESPEC_BACKEND_BURST", 1)
	collect(err)
	cfg.CacheEnabled, err = envBool("FEATURESPEC_CACHE_ENABLED", true)
	collect(err)
	cfg.CacheTTL, err = envDuration("FEATURESPEC_CACHE_TTL", time.Hour)
	collect(err)
	cfg.RunRetentionDays, err = envInt("FEATURESPEC_RUN_RETENTION_DAYS", 0)
	collect(err)
	cfg.RetentionInterval, err = envDuration("FEATURESPEC_RETENTION_INTERVAL", time.Hour)
	collect(err)
	cfg.PollInterval, err = envDuration("FEATURESPEC_POLL_INTERVAL", time.Second)
	collect(err)
	cfg.OTELInsecure, err = envBool("FEATURESPEC_OTEL_INSECURE", false)
	collect(err)

	if len(errs) > 0 {
		return Config{}, fmt.Errorf("config: %w", errors.Join(errs...))
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that required configuration is present and in range.
func (c Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("config: DATABASE_URL is required")
	}
	if c.MaxRetries < 1 {
		return fmt.Errorf("config: FEATURESPEC_MAX_RETRIES must be at least 1")
	}
	if c.ModelTimeout <= 0 {
		return fmt.Errorf("config: FEATURESPEC_MODEL_TIMEOUT must be positive")
	}
	if c.BackoffBase < 0 || c.BackoffMax < c.BackoffBase {
		return fmt.Errorf("config: FEATURESPEC_BACKOFF_MAX must be at least FEATURESPEC_BACKOFF_BASE")
	}
	if c.DefaultTemperature < 0 || c.DefaultTemperature > 2 {
		return fmt.Errorf("config: FEATURESPEC_DEFAULT_TEMPERATURE must be within [0, 2]")
	}
	switch c.DefaultFormat {
	case "json", "markdown", "text":
	default:
		return fmt.Errorf("config: FEATURESPEC_DEFAULT_FORMAT must be json, markdown or text")
	}
	if c.OutputRejectPolicy != "annotate" && c.OutputRejectPolicy != "fail" {
		return fmt.Errorf("config: FEATURESPEC_OUTPUT_REJECT_POLICY must be annotate or fail")
	}
	if c.CacheTTL <= 0 {
		return fmt.Errorf("config: FEATURESPEC_CACHE_TTL must be positive")
	}
	if c.BackendRate < 0 || (c.BackendRate > 0 && c.BackendBurst < 1) {
		return fmt.Errorf("config: FEATURESPEC_BACKEND_BURST must be at least 1 when a rate is set")
	}
	if c.RunRetentionDays < 0 {
		return fmt.Errorf("config: FEATURESPEC_RUN_RETENTION_DAYS must not be negative")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("config: FEATURESPEC_POLL_INTERVAL must be positive")
	}
	return nil
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

// envList splits a comma-separated variable, dropping blanks.
func envList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
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

func envFloat(key string, defaultVal float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s=%q is not a valid number", key, v)
	}
	return f, nil
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

// envDuration accepts Go durations ("90s") and bare integers as seconds.
func envDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d, nil
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	return 0, fmt.Errorf("%s=%q is not a valid duration", key, v)
}
