// Package server provides configuration helpers that define runtime defaults,
// validation, and environment loading for the chat service.
package server

import (
	"fmt"
	"strings"
	"time"

	env "github.com/Netflix/go-env"
	"github.com/Tyrowin/gochat-live/internal/history"
	"github.com/Tyrowin/gochat-live/internal/ratelimit"
	"github.com/joho/godotenv"
)

// RateLimitConfig defines the per-connection chat throttle.
type RateLimitConfig struct {
	MinInterval time.Duration `env:"RATE_LIMIT_MIN_INTERVAL"`
	Window      time.Duration `env:"RATE_LIMIT_WINDOW"`
	WindowMax   int           `env:"RATE_LIMIT_WINDOW_MAX"`
}

// Policy converts the configuration into a rate limiting policy.
func (c RateLimitConfig) Policy() ratelimit.Policy {
	return ratelimit.Policy{MinInterval: c.MinInterval, Window: c.Window, WindowMax: c.WindowMax}
}

// Config holds the server configuration settings including security controls.
type Config struct {
	Port            string        `env:"SERVER_PORT"`
	AllowedOrigins  []string
	MaxMessageSize  int64         `env:"MAX_MESSAGE_SIZE"`
	MaxTextLength   int           `env:"MAX_TEXT_LENGTH"`
	HistoryCapacity int           `env:"HISTORY_CAPACITY"`
	SendBufferSize  int           `env:"SEND_BUFFER_SIZE"`
	SecretKey       string        `env:"SECRET_KEY"`
	SessionTokenTTL time.Duration `env:"SESSION_TOKEN_TTL"`
	CensoredWords   []string
	LogLevel        string        `env:"LOG_LEVEL"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT"`
	RateLimit       RateLimitConfig
}

// listSettings holds the comma separated variables; Sanitize splits them.
type listSettings struct {
	AllowedOrigins string `env:"ALLOWED_ORIGINS"`
	CensoredWords  string `env:"CENSORED_WORDS"`
}

const (
	defaultPort            = ":8080"
	defaultMaxMessageSize  = 4096
	defaultMaxTextLength   = 1000
	defaultSendBufferSize  = 256
	defaultSecretKey       = "change-me-in-prod"
	defaultSessionTokenTTL = 24 * time.Hour
	defaultLogLevel        = "INFO"
	defaultShutdownTimeout = 10 * time.Second
	defaultMinInterval     = 250 * time.Millisecond
	defaultWindow          = 10 * time.Second
	defaultWindowMax       = 20
)

// NewConfig creates a Config instance populated with default values for all settings.
func NewConfig() *Config {
	return &Config{
		Port: defaultPort,
		AllowedOrigins: []string{
			"http://localhost:8080",
		},
		MaxMessageSize:  defaultMaxMessageSize,
		MaxTextLength:   defaultMaxTextLength,
		HistoryCapacity: history.DefaultCapacity,
		SendBufferSize:  defaultSendBufferSize,
		SecretKey:       defaultSecretKey,
		SessionTokenTTL: defaultSessionTokenTTL,
		LogLevel:        defaultLogLevel,
		ShutdownTimeout: defaultShutdownTimeout,
		RateLimit: RateLimitConfig{
			MinInterval: defaultMinInterval,
			Window:      defaultWindow,
			WindowMax:   defaultWindowMax,
		},
	}
}

// NewConfigFromEnv creates a Config from environment variables, reading a
// .env file first when one exists. Unset variables keep their defaults.
func NewConfigFromEnv() (*Config, error) {
	_ = godotenv.Load()

	cfg := NewConfig()
	if _, err := env.UnmarshalFromEnviron(cfg); err != nil {
		return nil, fmt.Errorf("config error: %w", err)
	}
	if _, err := env.UnmarshalFromEnviron(&cfg.RateLimit); err != nil {
		return nil, fmt.Errorf("rate limit config error: %w", err)
	}

	var lists listSettings
	if _, err := env.UnmarshalFromEnviron(&lists); err != nil {
		return nil, fmt.Errorf("config error: %w", err)
	}
	if lists.AllowedOrigins != "" {
		cfg.AllowedOrigins = []string{lists.AllowedOrigins}
	}
	if lists.CensoredWords != "" {
		cfg.CensoredWords = []string{lists.CensoredWords}
	}
	cfg.Sanitize()
	return cfg, nil
}

// Sanitize replaces invalid values with defaults and normalizes list
// settings.
func (c *Config) Sanitize() {
	if c.Port == "" {
		c.Port = defaultPort
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = defaultMaxMessageSize
	}
	if c.MaxTextLength <= 0 {
		c.MaxTextLength = defaultMaxTextLength
	}
	if c.HistoryCapacity <= 0 {
		c.HistoryCapacity = history.DefaultCapacity
	}
	if c.SendBufferSize <= 0 {
		c.SendBufferSize = defaultSendBufferSize
	}
	if c.SecretKey == "" {
		c.SecretKey = defaultSecretKey
	}
	if c.SessionTokenTTL <= 0 {
		c.SessionTokenTTL = defaultSessionTokenTTL
	}
	if c.LogLevel == "" {
		c.LogLevel = defaultLogLevel
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = defaultShutdownTimeout
	}
	if c.RateLimit.MinInterval < 0 {
		c.RateLimit.MinInterval = defaultMinInterval
	}
	if c.RateLimit.Window < 0 || c.RateLimit.WindowMax < 0 {
		c.RateLimit.Window = defaultWindow
		c.RateLimit.WindowMax = defaultWindowMax
	}

	c.AllowedOrigins = splitList(c.AllowedOrigins)
	c.CensoredWords = splitList(c.CensoredWords)
}

// splitList trims entries and drops blanks. Entries that still contain
// commas are split, so both "a,b" and ["a", "b"] are accepted.
func splitList(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
