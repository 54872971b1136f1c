package core

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration options for the platform.
// It supports three-layer configuration priority:
//  1. Default values (lowest priority)
//  2. Environment variables (medium priority)
//  3. Functional options (highest priority)
//
// Example usage:
//
//	cfg, err := NewConfig(
//	    WithRedisURL("redis://localhost:6379"),
//	    WithMaxRetries(5),
//	)
type Config struct {
	// Store configuration
	RedisURL string `yaml:"redis_url" env:"MAESTRO_REDIS_URL"`

	// Orchestrator configuration
	MaxRetries     int           `yaml:"max_retries" env:"MAESTRO_MAX_RETRIES"`
	SessionTimeout time.Duration `yaml:"session_timeout" env:"MAESTRO_SESSION_TIMEOUT"`
	CheckpointTTL  time.Duration `yaml:"checkpoint_ttl" env:"MAESTRO_CHECKPOINT_TTL"`

	// Message bus configuration
	RateLimitWindow time.Duration `yaml:"rate_limit_window" env:"MAESTRO_RATE_LIMIT_WINDOW"`
	RateLimitMax    int           `yaml:"rate_limit_max" env:"MAESTRO_RATE_LIMIT_MAX"`
	MessageTTL      time.Duration `yaml:"message_ttl" env:"MAESTRO_MESSAGE_TTL"`
	DeadLetterTTL   time.Duration `yaml:"dead_letter_ttl" env:"MAESTRO_DEAD_LETTER_TTL"`

	// Sandbox ceilings. Per-agent resource limits are clamped by these.
	MaxCPUCores    float64       `yaml:"max_cpu_cores" env:"MAESTRO_MAX_CPU_CORES"`
	MaxMemoryMB    int           `yaml:"max_memory_mb" env:"MAESTRO_MAX_MEMORY_MB"`
	DefaultTimeout time.Duration `yaml:"default_timeout" env:"MAESTRO_DEFAULT_TIMEOUT"`

	// Meta-orchestrator configuration
	BusinessContextRefresh time.Duration `yaml:"business_context_refresh" env:"MAESTRO_BUSINESS_CONTEXT_REFRESH"`

	// Logging configuration
	LogLevel string `yaml:"log_level" env:"MAESTRO_LOG_LEVEL"`
}

// Option configures a Config.
type Option func(*Config)

// DefaultConfig returns a Config populated with the documented defaults.
func DefaultConfig() *Config {
	return &Config{
		RedisURL:               "redis://localhost:6379",
		MaxRetries:             3,
		SessionTimeout:         time.Hour,
		CheckpointTTL:          24 * time.Hour,
		RateLimitWindow:        60 * time.Second,
		RateLimitMax:           100,
		MessageTTL:             7 * 24 * time.Hour,
		DeadLetterTTL:          30 * 24 * time.Hour,
		MaxCPUCores:            2.0,
		MaxMemoryMB:            1024,
		DefaultTimeout:         300 * time.Second,
		BusinessContextRefresh: 300 * time.Second,
		LogLevel:               "info",
	}
}

// LoadFromEnv overlays environment variables onto the config.
// Duration variables accept either Go duration syntax ("90s") or a bare
// number of seconds, matching the environment-level option table.
func (c *Config) LoadFromEnv() {
	if v := os.Getenv("MAESTRO_REDIS_URL"); v != "" {
		c.RedisURL = v
	}
	if v := os.Getenv("MAESTRO_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.MaxRetries = n
		}
	}
	loadDuration(&c.SessionTimeout, "MAESTRO_SESSION_TIMEOUT")
	loadDuration(&c.CheckpointTTL, "MAESTRO_CHECKPOINT_TTL")
	loadDuration(&c.RateLimitWindow, "MAESTRO_RATE_LIMIT_WINDOW")
	if v := os.Getenv("MAESTRO_RATE_LIMIT_MAX"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.RateLimitMax = n
		}
	}
	loadDuration(&c.MessageTTL, "MAESTRO_MESSAGE_TTL")
	loadDuration(&c.DeadLetterTTL, "MAESTRO_DEAD_LETTER_TTL")
	if v := os.Getenv("MAESTRO_MAX_CPU_CORES"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.MaxCPUCores = f
		}
	}
	if v := os.Getenv("MAESTRO_MAX_MEMORY_MB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.MaxMemoryMB = n
		}
	}
	loadDuration(&c.DefaultTimeout, "MAESTRO_DEFAULT_TIMEOUT")
	loadDuration(&c.BusinessContextRefresh, "MAESTRO_BUSINESS_CONTEXT_REFRESH")
	if v := os.Getenv("MAESTRO_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
}

func loadDuration(dst *time.Duration, env string) {
	v := os.Getenv(env)
	if v == "" {
		return
	}
	if d, err := time.ParseDuration(v); err == nil {
		*dst = d
		return
	}
	if secs, err := strconv.Atoi(v); err == nil {
		*dst = time.Duration(secs) * time.Second
	}
}

// LoadFromFile overlays a YAML config file onto the config.
func (c *Config) LoadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// Validate checks the configuration for invalid combinations.
func (c *Config) Validate() error {
	if c.RedisURL == "" {
		return fmt.Errorf("redis URL is required: %w", ErrMissingConfiguration)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max_retries must be >= 0: %w", ErrInvalidConfiguration)
	}
	if c.RateLimitMax <= 0 {
		return fmt.Errorf("rate_limit_max must be > 0: %w", ErrInvalidConfiguration)
	}
	if c.RateLimitWindow <= 0 {
		return fmt.Errorf("rate_limit_window must be > 0: %w", ErrInvalidConfiguration)
	}
	if c.MaxCPUCores <= 0 {
		return fmt.Errorf("max_cpu_cores must be > 0: %w", ErrInvalidConfiguration)
	}
	if c.MaxMemoryMB <= 0 {
		return fmt.Errorf("max_memory_mb must be > 0: %w", ErrInvalidConfiguration)
	}
	return nil
}

// NewConfig builds a Config from defaults, environment, then options.
func NewConfig(opts ...Option) (*Config, error) {
	cfg := DefaultConfig()
	cfg.LoadFromEnv()
	for _, opt := range opts {
		opt(cfg)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// WithRedisURL sets the Redis connection URL.
func WithRedisURL(url string) Option {
	return func(c *Config) { c.RedisURL = url }
}

// WithMaxRetries sets the per-node retry budget.
func WithMaxRetries(n int) Option {
	return func(c *Config) { c.MaxRetries = n }
}

// WithSessionTimeout sets the TTL for a session's agent list.
func WithSessionTimeout(d time.Duration) Option {
	return func(c *Config) { c.SessionTimeout = d }
}

// WithCheckpointTTL sets the TTL for all checkpoint keys.
func WithCheckpointTTL(d time.Duration) Option {
	return func(c *Config) { c.CheckpointTTL = d }
}

// WithRateLimit sets the message-bus rate limit window and ceiling.
func WithRateLimit(max int, window time.Duration) Option {
	return func(c *Config) {
		c.RateLimitMax = max
		c.RateLimitWindow = window
	}
}

// WithSandboxCeilings sets the process-wide sandbox resource ceilings.
func WithSandboxCeilings(cpuCores float64, memoryMB int, timeout time.Duration) Option {
	return func(c *Config) {
		c.MaxCPUCores = cpuCores
		c.MaxMemoryMB = memoryMB
		c.DefaultTimeout = timeout
	}
}

// WithLogLevel sets the logging level (debug, info, warn, error).
func WithLogLevel(level string) Option {
	return func(c *Config) { c.LogLevel = level }
}
