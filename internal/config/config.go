package config

import (
	"fmt"
	"log/slog"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
)

// Config is the ambient configuration for an agenda-backed service:
// scheduler tuning, backend connection strings, and the admin surface.
type Config struct {
	Env  string `env:"ENV" envDefault:"local" validate:"required,oneof=local staging production"`
	Port string `env:"PORT" envDefault:"8080" validate:"required"`

	DatabaseURL string `env:"DATABASE_URL,required" validate:"required"`
	RedisURL    string `env:"REDIS_URL" validate:"required_if=Env production,required_if=Env staging"`

	ProcessEverySec        int `env:"PROCESS_EVERY_SEC" envDefault:"5" validate:"min=1,max=300"`
	DefaultConcurrency     int `env:"DEFAULT_CONCURRENCY" envDefault:"5" validate:"min=1,max=1000"`
	MaxConcurrency         int `env:"MAX_CONCURRENCY" envDefault:"20" validate:"min=0,max=10000"`
	DefaultLockLimit       int `env:"DEFAULT_LOCK_LIMIT" envDefault:"0" validate:"min=0"`
	MaxLockLimit           int `env:"MAX_LOCK_LIMIT" envDefault:"0" validate:"min=0"`
	DefaultLockLifetimeSec int `env:"DEFAULT_LOCK_LIFETIME_SEC" envDefault:"600" validate:"min=1"`
	InstanceName           string `env:"INSTANCE_NAME"`
	EnsureIndex            bool   `env:"ENSURE_INDEX" envDefault:"true"`

	MetricsPort string `env:"METRICS_PORT" envDefault:"9090"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info" validate:"required,oneof=debug info warn error"`

	// ClerkJWKSURL is the JWKS endpoint for RS256 token verification of
	// the admin dashboard. When set, it takes precedence over JWTSecret.
	ClerkJWKSURL string `env:"CLERK_JWKS_URL"`

	JWTSecret     string   `env:"JWT_SECRET"`
	ResendAPIKey  string   `env:"RESEND_API_KEY" validate:"required_if=Env production,required_if=Env staging"`
	ResendFrom    string   `env:"RESEND_FROM" validate:"required_if=Env production,required_if=Env staging"`
	MagicLinkBase string   `env:"MAGIC_LINK_BASE_URL" envDefault:"http://localhost:8080"`
	AdminEmails   []string `env:"ADMIN_EMAILS" envSeparator:","`
}

// Load parses and validates configuration from the environment.
func Load() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// SlogLevel converts the LOG_LEVEL string to a slog.Level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
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
