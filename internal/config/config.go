// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Store backends.
const (
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
)

// Config holds all application configuration.
type Config struct {
	Port           string
	FrontendURL    string
	MaxRequestBody int64

	Store   StoreConfig
	Agent   AgentConfig
	Proctor ProctorConfig
	Stream  StreamConfig
}

// StoreConfig selects and tunes the session repository.
type StoreConfig struct {
	Backend       string
	DBPath        string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	SessionTTL    time.Duration
	SweepSchedule string
}

// AgentConfig points at the dialogue agent's directive endpoint. An empty
// address disables pushes; directives still reach the SSE stream.
type AgentConfig struct {
	Address string
	Timeout time.Duration
}

// ProctorConfig tunes violation escalation.
type ProctorConfig struct {
	WarningDuration time.Duration
	ViolationLimit  int
}

// StreamConfig tunes the SSE broadcaster.
type StreamConfig struct {
	Keepalive time.Duration
	Retry     time.Duration
	QueueSize int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:           getEnv("PORT", "8080"),
		FrontendURL:    getEnv("FRONTEND_URL", ""),
		MaxRequestBody: int64(getEnvInt("MAX_REQUEST_BODY", 1<<20)),
		Store: StoreConfig{
			Backend:       strings.ToLower(getEnv("STORE_BACKEND", BackendSQLite)),
			DBPath:        getEnv("DB_PATH", "./data/mockprep.db"),
			RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
			RedisPassword: getEnv("REDIS_PASSWORD", ""),
			RedisDB:       getEnvInt("REDIS_DB", 0),
			SessionTTL:    getEnvDuration("SESSION_TTL", 24*time.Hour),
			SweepSchedule: getEnv("SWEEP_SCHEDULE", "@every 10m"),
		},
		Agent: AgentConfig{
			Address: getEnv("AGENT_ADDR", ""),
			Timeout: getEnvDuration("AGENT_TIMEOUT", 3*time.Second),
		},
		Proctor: ProctorConfig{
			WarningDuration: getEnvDuration("WARNING_DURATION", 5*time.Second),
			ViolationLimit:  getEnvInt("VIOLATION_LIMIT", 4),
		},
		Stream: StreamConfig{
			Keepalive: getEnvDuration("SSE_KEEPALIVE", 10*time.Second),
			Retry:     getEnvDuration("SSE_RETRY", 5*time.Second),
			QueueSize: getEnvInt("SSE_QUEUE_SIZE", 100),
		},
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
	if c.MaxRequestBody <= 0 {
		return fmt.Errorf("MAX_REQUEST_BODY must be > 0")
	}
	switch c.Store.Backend {
	case BackendSQLite:
		if c.Store.DBPath == "" {
			return fmt.Errorf("DB_PATH cannot be empty")
		}
	case BackendRedis:
		if c.Store.RedisAddr == "" {
			return fmt.Errorf("REDIS_ADDR cannot be empty")
		}
	default:
		return fmt.Errorf("STORE_BACKEND must be %q or %q, got %q", BackendSQLite, BackendRedis, c.Store.Backend)
	}
	if c.Store.SessionTTL <= 0 {
		return fmt.Errorf("SESSION_TTL must be > 0")
	}
	if _, err := cron.ParseStandard(c.Store.SweepSchedule); err != nil {
		return fmt.Errorf("SWEEP_SCHEDULE is invalid: %w", err)
	}
	if c.Agent.Timeout <= 0 {
		return fmt.Errorf("AGENT_TIMEOUT must be > 0")
	}
	if c.Proctor.WarningDuration <= 0 {
		return fmt.Errorf("WARNING_DURATION must be > 0")
	}
	if c.Proctor.ViolationLimit < 2 {
		return fmt.Errorf("VIOLATION_LIMIT must be >= 2")
	}
	if c.Stream.Keepalive <= 0 || c.Stream.Retry <= 0 {
		return fmt.Errorf("SSE_KEEPALIVE and SSE_RETRY must be > 0")
	}
	if c.Stream.QueueSize <= 0 {
		return fmt.Errorf("SSE_QUEUE_SIZE must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

// AllowedOrigins lists the origins the CORS middleware accepts.
func (c *Config) AllowedOrigins() []string {
	if c.FrontendURL == "" {
		return []string{"*"}
	}
	origins := strings.Split(c.FrontendURL, ",")
	for i := range origins {
		origins[i] = strings.TrimSpace(origins[i])
	}
	return origins
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
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

// getEnvDuration accepts Go duration strings ("90s") or plain seconds.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	value = strings.TrimSpace(value)
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if n, err := strconv.Atoi(value); err == nil {
		return time.Duration(n) * time.Second
	}
	return fallback
}
