// Package config loads and validates the service configuration from the
// environment. A missing webhook endpoint or secret is a configuration error
// and fatal at startup.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"

	apperrors "vidgen-backend/internal/errors"
)

// Config is the full service configuration.
type Config struct {
	Environment string `validate:"oneof=development staging production"`
	Port        int    `validate:"min=1,max=65535"`

	DatabasePath string `validate:"required"`

	// WebhookEndpoint is the external workflow engine URL.
	WebhookEndpoint string `validate:"required,url"`
	// WebhookSecret signs outbound calls and verifies inbound callbacks.
	WebhookSecret string `validate:"required,min=16"`
	// AlertWebhookURL optionally receives alert transitions.
	AlertWebhookURL string `validate:"omitempty,url"`

	CallbackTolerance time.Duration `validate:"min=0"`
	CallbackWaitMax   time.Duration `validate:"min=0"`

	IdempotencyTTL      time.Duration `validate:"min=0"`
	IdempotencyCapacity int           `validate:"min=1"`

	BreakerThreshold uint32        `validate:"min=1"`
	BreakerWindow    time.Duration `validate:"min=0"`
	BreakerCooldown  time.Duration `validate:"min=0"`
}

// Load reads the configuration from the environment, applying defaults for
// everything except the required webhook settings.
func Load() (*Config, error) {
	cfg := &Config{
		Environment:         envString("ENVIRONMENT", "development"),
		Port:                envInt("PORT", 8080),
		DatabasePath:        envString("DATABASE_PATH", "vidgen.db"),
		WebhookEndpoint:     os.Getenv("WEBHOOK_ENDPOINT"),
		WebhookSecret:       os.Getenv("WEBHOOK_SECRET"),
		AlertWebhookURL:     os.Getenv("ALERT_WEBHOOK_URL"),
		CallbackTolerance:   envDuration("CALLBACK_TOLERANCE", 5*time.Minute),
		CallbackWaitMax:     envDuration("CALLBACK_WAIT_MAX", 10*time.Minute),
		IdempotencyTTL:      envDuration("IDEMPOTENCY_TTL", 24*time.Hour),
		IdempotencyCapacity: envInt("IDEMPOTENCY_CAPACITY", 1000),
		BreakerThreshold:    uint32(envInt("BREAKER_THRESHOLD", 5)),
		BreakerWindow:       envDuration("BREAKER_WINDOW", time.Minute),
		BreakerCooldown:     envDuration("BREAKER_COOLDOWN", 30*time.Second),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration and classifies failures as
// configuration errors.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return apperrors.Wrap(apperrors.NewConfiguration(err.Error()), "invalid configuration")
	}
	return nil
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
