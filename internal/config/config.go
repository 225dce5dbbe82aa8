// Package config provides application configuration.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	// AWS deployment.
	TableName   string
	ParamPrefix string

	// Local dev server.
	Port   string
	Store  string // "sqlite" or "memory"
	DBPath string

	BackendURL        string
	BackendTokenParam string
	OpenAIModel       string
	OpenAIBaseURL     string
	LogLevel          slog.Level

	Pipeline PipelineConfig
	Retry    RetryConfig
}

// PipelineConfig tunes message processing.
type PipelineConfig struct {
	MaxTextLen           int
	HistoryTurns         int
	DrainBatch           int
	MaintenanceBatch     int
	QueueMaxAttempts     int
	StaleAfter           time.Duration
	QueueRetention       time.Duration
	StateTTL             time.Duration
	ConfirmWindow        time.Duration
	CacheTTL             time.Duration
	MetricsRetentionDays int
}

// RetryConfig is the backoff policy for calls to the completion service
// and the backend.
type RetryConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		TableName:         getEnv("STATE_TABLE", ""),
		ParamPrefix:       strings.TrimRight(getEnv("PARAM_PREFIX", ""), "/"),
		Port:              getEnv("PORT", "8080"),
		Store:             strings.ToLower(getEnv("STORE", "sqlite")),
		DBPath:            getEnv("DB_PATH", "./data/zela.db"),
		BackendURL:        getEnv("BACKEND_URL", ""),
		BackendTokenParam: getEnv("BACKEND_TOKEN_PARAM", ""),
		OpenAIModel:       getEnv("OPENAI_MODEL", "gpt-4o-mini"),
		OpenAIBaseURL:     getEnv("OPENAI_BASE_URL", ""),
		LogLevel:          getEnvLevel("LOG_LEVEL", slog.LevelInfo),
		Pipeline: PipelineConfig{
			MaxTextLen:           getEnvInt("MAX_TEXT_LENGTH", 2000),
			HistoryTurns:         getEnvInt("HISTORY_TURNS", 6),
			DrainBatch:           getEnvInt("DRAIN_BATCH", 5),
			MaintenanceBatch:     getEnvInt("MAINTENANCE_BATCH", 50),
			QueueMaxAttempts:     getEnvInt("QUEUE_MAX_ATTEMPTS", 3),
			StaleAfter:           getEnvDuration("QUEUE_STALE_AFTER", 5*time.Minute),
			QueueRetention:       getEnvDuration("QUEUE_RETENTION", 7*24*time.Hour),
			StateTTL:             getEnvDuration("STATE_TTL", 10*time.Minute),
			ConfirmWindow:        getEnvDuration("CONFIRM_WINDOW", 5*time.Minute),
			CacheTTL:             getEnvDuration("CACHE_TTL", 24*time.Hour),
			MetricsRetentionDays: getEnvInt("METRICS_RETENTION_DAYS", 30),
		},
		Retry: RetryConfig{
			MaxAttempts:  getEnvInt("RETRY_MAX_ATTEMPTS", 3),
			InitialDelay: getEnvDuration("RETRY_INITIAL_DELAY", time.Second),
			Multiplier:   getEnvFloat("RETRY_MULTIPLIER", 2),
			MaxDelay:     getEnvDuration("RETRY_MAX_DELAY", 10*time.Second),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks the settings shared by every entry point.
func (c *Config) Validate() error {
	if c.BackendURL == "" {
		return errors.New("BACKEND_URL cannot be empty")
	}
	if _, err := url.ParseRequestURI(c.BackendURL); err != nil {
		return fmt.Errorf("BACKEND_URL is invalid: %w", err)
	}
	if c.Pipeline.MaxTextLen <= 0 {
		return errors.New("MAX_TEXT_LENGTH must be > 0")
	}
	if c.Pipeline.HistoryTurns < 0 {
		return errors.New("HISTORY_TURNS must be >= 0")
	}
	if c.Pipeline.DrainBatch < 0 {
		return errors.New("DRAIN_BATCH must be >= 0")
	}
	if c.Pipeline.MaintenanceBatch <= 0 {
		return errors.New("MAINTENANCE_BATCH must be > 0")
	}
	if c.Pipeline.QueueMaxAttempts <= 0 {
		return errors.New("QUEUE_MAX_ATTEMPTS must be > 0")
	}
	if c.Pipeline.MetricsRetentionDays <= 0 {
		return errors.New("METRICS_RETENTION_DAYS must be > 0")
	}
	for name, d := range map[string]time.Duration{
		"QUEUE_STALE_AFTER": c.Pipeline.StaleAfter,
		"QUEUE_RETENTION":   c.Pipeline.QueueRetention,
		"STATE_TTL":         c.Pipeline.StateTTL,
		"CONFIRM_WINDOW":    c.Pipeline.ConfirmWindow,
		"CACHE_TTL":         c.Pipeline.CacheTTL,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be > 0", name)
		}
	}
	if c.Retry.MaxAttempts <= 0 {
		return errors.New("RETRY_MAX_ATTEMPTS must be > 0")
	}
	if c.Retry.Multiplier < 1 {
		return errors.New("RETRY_MULTIPLIER must be >= 1")
	}
	return nil
}

// ValidateLambda checks the settings the Lambda entry points need on top
// of Validate.
func (c *Config) ValidateLambda() error {
	if c.TableName == "" {
		return errors.New("STATE_TABLE cannot be empty")
	}
	if c.ParamPrefix == "" {
		return errors.New("PARAM_PREFIX cannot be empty")
	}
	return nil
}

// ValidateDev checks the settings of the local dev server.
func (c *Config) ValidateDev() error {
	if c.Port == "" {
		return errors.New("PORT cannot be empty")
	}
	switch c.Store {
	case "memory":
	case "sqlite":
		if c.DBPath == "" {
			return errors.New("DB_PATH cannot be empty")
		}
	default:
		return fmt.Errorf("STORE must be sqlite or memory, got %q", c.Store)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return strings.TrimSpace(value)
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return f
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}

func getEnvLevel(key string, fallback slog.Level) slog.Level {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(value))); err != nil {
		return fallback
	}
	return level
}
