// Package config provides application configuration.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Port        string
	FrontendURL string
	DBPath      string
	AgentsFile  string

	Generator GeneratorConfig
	Realtime  RealtimeConfig
	HTTP      HTTPConfig

	SessionIdleTTL      time.Duration
	SweepInterval       time.Duration
	PauseAIOnEscalation bool

	LogLevel  string
	LogFormat string
}

// GeneratorConfig controls the text generation backend.
type GeneratorConfig struct {
	Addr            string // empty disables generation; every turn degrades
	Timeout         time.Duration
	BreakerFailures uint32
	BreakerTimeout  time.Duration
}

// RealtimeConfig controls live connections.
type RealtimeConfig struct {
	SendTimeout time.Duration
	QueueSize   int
	FrameRate   float64 // frames per second per connection
	FrameBurst  int
}

// HTTPConfig controls REST rate limiting.
type HTTPConfig struct {
	RateLimitPerMin int
	RateBurst       int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		FrontendURL: getEnv("FRONTEND_URL", ""),
		DBPath:      getEnv("DB_PATH", "./data/supportdesk.db"),
		AgentsFile:  getEnv("AGENTS_FILE", "./agents.yaml"),
		Generator: GeneratorConfig{
			Addr:            getEnv("GENERATOR_ADDR", ""),
			Timeout:         getEnvDuration("GENERATION_TIMEOUT", 30*time.Second),
			BreakerFailures: uint32(max(getEnvInt("BREAKER_MAX_FAILURES", 5), 0)),
			BreakerTimeout:  getEnvDuration("BREAKER_TIMEOUT", 30*time.Second),
		},
		Realtime: RealtimeConfig{
			SendTimeout: getEnvDuration("WS_SEND_TIMEOUT", 5*time.Second),
			QueueSize:   getEnvInt("WS_INBOUND_QUEUE", 16),
			FrameRate:   getEnvFloat("WS_FRAME_RATE", 10),
			FrameBurst:  getEnvInt("WS_FRAME_BURST", 20),
		},
		HTTP: HTTPConfig{
			RateLimitPerMin: getEnvInt("HTTP_RATE_LIMIT_PER_MIN", 120),
			RateBurst:       getEnvInt("HTTP_RATE_BURST", 30),
		},
		SessionIdleTTL:      getEnvDuration("SESSION_IDLE_TTL", 30*time.Minute),
		SweepInterval:       getEnvDuration("SESSION_SWEEP_INTERVAL", 5*time.Minute),
		PauseAIOnEscalation: getEnvBool("PAUSE_AI_ON_ESCALATION", true),
		LogLevel:            strings.ToLower(getEnv("LOG_LEVEL", "info")),
		LogFormat:           strings.ToLower(getEnv("LOG_FORMAT", "json")),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.Generator.Timeout <= 0 {
		return fmt.Errorf("GENERATION_TIMEOUT must be > 0")
	}
	if c.Realtime.SendTimeout <= 0 {
		return fmt.Errorf("WS_SEND_TIMEOUT must be > 0")
	}
	if c.Realtime.QueueSize <= 0 {
		return fmt.Errorf("WS_INBOUND_QUEUE must be > 0")
	}
	if c.Realtime.FrameRate <= 0 || c.Realtime.FrameBurst <= 0 {
		return fmt.Errorf("WS_FRAME_RATE and WS_FRAME_BURST must be > 0")
	}
	if c.HTTP.RateLimitPerMin <= 0 || c.HTTP.RateBurst <= 0 {
		return fmt.Errorf("HTTP_RATE_LIMIT_PER_MIN and HTTP_RATE_BURST must be > 0")
	}
	if c.SessionIdleTTL <= 0 || c.SweepInterval <= 0 {
		return fmt.Errorf("SESSION_IDLE_TTL and SESSION_SWEEP_INTERVAL must be > 0")
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		return err
	}
	if c.LogFormat != "json" && c.LogFormat != "text" {
		return fmt.Errorf("LOG_FORMAT must be json or text, got %q", c.LogFormat)
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	if env := os.Getenv("APP_ENV"); env != "" {
		return env == "development"
	}
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

// ParseLevel maps a LOG_LEVEL value to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	switch s {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("LOG_LEVEL %q is not one of debug, info, warn, error", s)
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
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

// getEnvDuration accepts Go durations ("45s") or a bare number of seconds.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	value = strings.TrimSpace(value)
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	return fallback
}
