package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/mihaimyh/inkpass/pkg/billing/stripe"
	"github.com/mihaimyh/inkpass/storage/postgres"
	"github.com/mihaimyh/inkpass/storage/redis"
)

// Storage backends selectable with STORAGE.
const (
	storageMemory   = "memory"
	storagePostgres = "postgres"
)

// Auth modes selectable with AUTH_MODE.
const (
	authJWT     = "jwt"
	authHeaders = "header"
)

// Config is the process configuration, read from the environment.
type Config struct {
	HTTPAddr        string        `env:"HTTP_ADDR" envDefault:":8080"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"15s"`

	Storage  string `env:"STORAGE" envDefault:"memory"`
	Postgres postgres.Config

	RedisURL string `env:"REDIS_URL"`
	Redis    redis.Config

	Stripe         stripe.Config
	PremiumPriceID string        `env:"STRIPE_PREMIUM_PRICE_ID"`
	ProPriceID     string        `env:"STRIPE_PRO_PRICE_ID"`
	PlanCurrency   string        `env:"PLAN_CURRENCY" envDefault:"usd"`
	GatewayTimeout time.Duration `env:"GATEWAY_TIMEOUT" envDefault:"10s"`

	ClientURL string `env:"CLIENT_URL" envDefault:"http://localhost:3000"`

	AuthMode  string `env:"AUTH_MODE" envDefault:"jwt"`
	JWTSecret string `env:"JWT_SECRET"`

	WebhookRateLimit int   `env:"WEBHOOK_RATE_LIMIT" envDefault:"100"`
	MaxWebhookBytes  int64 `env:"MAX_WEBHOOK_BYTES" envDefault:"262144"`

	LogLevel         string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat        string `env:"LOG_FORMAT" envDefault:"json"`
	MetricsNamespace string `env:"METRICS_NAMESPACE" envDefault:"inkpass"`
}

// loadConfig reads envFile when it exists, then parses the environment.
// Variables already set in the environment win over the file.
func loadConfig(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", envFile, err)
		}
	}
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	cfg.Storage = strings.ToLower(strings.TrimSpace(cfg.Storage))
	cfg.AuthMode = strings.ToLower(strings.TrimSpace(cfg.AuthMode))
	cfg.ClientURL = strings.TrimRight(cfg.ClientURL, "/")
	return &cfg, nil
}

// Validate checks the settings every command needs.
func (c *Config) Validate() error {
	switch c.Storage {
	case storageMemory:
	case storagePostgres:
		if c.Postgres.ConnectionString == "" {
			return fmt.Errorf("DATABASE_URL is required with STORAGE=postgres")
		}
	default:
		return fmt.Errorf("unknown STORAGE %q", c.Storage)
	}
	if c.WebhookRateLimit < 0 || c.MaxWebhookBytes < 0 {
		return fmt.Errorf("webhook limits must not be negative")
	}
	return nil
}

// ValidateServe checks the settings the HTTP server needs on top of Validate.
func (c *Config) ValidateServe() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.Stripe.APIKey == "" || c.Stripe.WebhookSecret == "" {
		return fmt.Errorf("STRIPE_SECRET_KEY and STRIPE_WEBHOOK_SECRET are required")
	}
	switch c.AuthMode {
	case authJWT:
		if len(c.JWTSecret) < 32 {
			return fmt.Errorf("JWT_SECRET must be at least 32 bytes")
		}
	case authHeaders:
	default:
		return fmt.Errorf("unknown AUTH_MODE %q", c.AuthMode)
	}
	return nil
}

// SuccessURL is the checkout redirect after payment. The gateway substitutes
// the session id placeholder.
func (c *Config) SuccessURL() string {
	return c.ClientURL + "/payment/success?session_id={CHECKOUT_SESSION_ID}"
}

// CancelURL is the checkout redirect after the user backs out.
func (c *Config) CancelURL() string {
	return c.ClientURL + "/payment/cancel"
}
