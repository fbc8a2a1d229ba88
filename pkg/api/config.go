package api

import (
	"context"
	"fmt"
	"net/http"

	mw "github.com/mihaimyh/inkpass/middleware/http"
	"github.com/mihaimyh/inkpass/pkg/billing"
)

const (
	// DefaultMaxWebhookBytes caps inbound webhook bodies (256 KiB).
	DefaultMaxWebhookBytes = 256 << 10

	// DefaultWebhookRateLimit is the per-IP webhook allowance per minute.
	DefaultWebhookRateLimit = 100

	// DefaultSignatureHeader carries the gateway's webhook signature.
	DefaultSignatureHeader = "Stripe-Signature"

	// maxRequestBytes caps JSON bodies of client requests.
	maxRequestBytes = 16 << 10
)

// Config holds configuration for the billing API handler
type Config struct {
	// Service is the billing engine (required)
	Service *billing.Service

	// GetProfile extracts the caller identity (required).
	// See middleware/http.JWT and middleware/http.FromHeaders.
	GetProfile mw.ProfileExtractor

	// SignatureHeader names the webhook signature header (default: Stripe-Signature)
	SignatureHeader string

	// MaxWebhookBytes caps webhook bodies (default: 256 KiB)
	MaxWebhookBytes int64

	// WebhookRateLimit is the per-IP webhook allowance per minute (default: 100)
	WebhookRateLimit int

	// HealthCheck optionally probes dependencies for GET /healthz
	HealthCheck func(ctx context.Context) error

	// Middlewares run before routing, outermost first (request logging, metrics)
	Middlewares []func(http.Handler) http.Handler

	Logger billing.Logger
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Service == nil {
		return fmt.Errorf("service is required")
	}
	if c.GetProfile == nil {
		return fmt.Errorf("getProfile is required")
	}
	if c.MaxWebhookBytes < 0 || c.WebhookRateLimit < 0 {
		return fmt.Errorf("webhook limits must not be negative")
	}
	return nil
}

// NewHandler creates a new billing API handler with the given configuration
func NewHandler(config Config) (*Handler, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if config.SignatureHeader == "" {
		config.SignatureHeader = DefaultSignatureHeader
	}
	if config.MaxWebhookBytes == 0 {
		config.MaxWebhookBytes = DefaultMaxWebhookBytes
	}
	if config.WebhookRateLimit == 0 {
		config.WebhookRateLimit = DefaultWebhookRateLimit
	}
	if config.Logger == nil {
		config.Logger = &billing.NoopLogger{}
	}

	h := &Handler{config: config, service: config.Service}
	h.router = h.routes()
	return h, nil
}
