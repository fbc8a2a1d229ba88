// Package stripe implements billing.Gateway on top of Stripe Checkout,
// Subscriptions and Invoices. Every API call runs through a circuit breaker
// so a Stripe outage fails fast instead of tying up request goroutines.
package stripe

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker/v2"
	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/inkpass/pkg/billing"
)

const (
	providerName = "stripe"

	endpointCheckoutCreate   = "/checkout/sessions"
	endpointCheckoutRetrieve = "/checkout/sessions/{id}"
	endpointSubscriptionGet  = "/subscriptions/{id}"
	endpointSubscriptionPost = "/subscriptions/{id}:update"
	endpointInvoiceGet       = "/invoices/{id}"
)

// Config configures the Stripe gateway.
type Config struct {
	APIKey        string `env:"STRIPE_SECRET_KEY"`
	WebhookSecret string `env:"STRIPE_WEBHOOK_SECRET"`

	// BreakerFailures is the number of consecutive failures that opens the breaker (default: 5)
	BreakerFailures uint32 `env:"STRIPE_BREAKER_FAILURES" envDefault:"5"`
	// BreakerTimeout is how long the breaker stays open before probing (default: 30s)
	BreakerTimeout time.Duration `env:"STRIPE_BREAKER_TIMEOUT" envDefault:"30s"`

	Logger  billing.Logger
	Metrics billing.Metrics
}

// api is the slice of the Stripe client the gateway calls.
type api interface {
	CreateCheckoutSession(ctx context.Context, params *stripe.CheckoutSessionCreateParams) (*stripe.CheckoutSession, error)
	RetrieveCheckoutSession(ctx context.Context, id string) (*stripe.CheckoutSession, error)
	RetrieveSubscription(ctx context.Context, id string) (*stripe.Subscription, error)
	UpdateSubscription(ctx context.Context, id string, params *stripe.SubscriptionUpdateParams) (*stripe.Subscription, error)
	RetrieveInvoice(ctx context.Context, id string) (*stripe.Invoice, error)
}

type clientAPI struct {
	client *stripe.Client
}

func (c clientAPI) CreateCheckoutSession(ctx context.Context, params *stripe.CheckoutSessionCreateParams) (*stripe.CheckoutSession, error) {
	return c.client.V1CheckoutSessions.Create(ctx, params)
}

func (c clientAPI) RetrieveCheckoutSession(ctx context.Context, id string) (*stripe.CheckoutSession, error) {
	return c.client.V1CheckoutSessions.Retrieve(ctx, id, nil)
}

func (c clientAPI) RetrieveSubscription(ctx context.Context, id string) (*stripe.Subscription, error) {
	return c.client.V1Subscriptions.Retrieve(ctx, id, nil)
}

func (c clientAPI) UpdateSubscription(ctx context.Context, id string, params *stripe.SubscriptionUpdateParams) (*stripe.Subscription, error) {
	return c.client.V1Subscriptions.Update(ctx, id, params)
}

func (c clientAPI) RetrieveInvoice(ctx context.Context, id string) (*stripe.Invoice, error) {
	return c.client.V1Invoices.Retrieve(ctx, id, nil)
}

// Gateway implements billing.Gateway for Stripe
type Gateway struct {
	api           api
	webhookSecret string
	breaker       *gobreaker.CircuitBreaker[any]
	logger        billing.Logger
	metrics       billing.Metrics
}

var _ billing.Gateway = (*Gateway)(nil)

// New creates a Stripe gateway
func New(config Config) (*Gateway, error) {
	apiKey := strings.TrimSpace(config.APIKey)
	if apiKey == "" {
		return nil, fmt.Errorf("stripe api key is required")
	}
	return newGateway(config, clientAPI{client: stripe.NewClient(apiKey)}), nil
}

func newGateway(config Config, a api) *Gateway {
	logger := config.Logger
	if logger == nil {
		logger = &billing.NoopLogger{}
	}
	metrics := config.Metrics
	if metrics == nil {
		metrics = &billing.NoopMetrics{}
	}
	failures := config.BreakerFailures
	if failures == 0 {
		failures = 5
	}
	timeout := config.BreakerTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	g := &Gateway{
		api:           a,
		webhookSecret: strings.TrimSpace(config.WebhookSecret),
		logger:        logger,
		metrics:       metrics,
	}
	g.breaker = gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        providerName,
		MaxRequests: 1,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		// Requests Stripe refused are the caller's fault, not an outage.
		IsSuccessful: func(err error) bool {
			return err == nil || isRejection(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("stripe circuit breaker state changed",
				billing.Field{Key: "breaker", Value: name},
				billing.Field{Key: "from", Value: from.String()},
				billing.Field{Key: "to", Value: to.String()},
			)
		},
	})
	return g
}

// Name returns the provider name
func (g *Gateway) Name() string {
	return providerName
}

// call runs fn through the breaker and classifies its error.
func call[T any](g *Gateway, endpoint string, fn func() (T, error)) (T, error) {
	start := time.Now()
	v, err := g.breaker.Execute(func() (any, error) {
		return fn()
	})
	g.metrics.RecordAPICallDuration(endpoint, time.Since(start))

	var zero T
	if err != nil {
		status := "error"
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			status = "circuit_open"
		}
		g.metrics.RecordAPICall(endpoint, status)
		return zero, classify(err)
	}
	g.metrics.RecordAPICall(endpoint, "ok")
	out, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("%w: unexpected response type %T", billing.ErrGatewayUnavailable, v)
	}
	return out, nil
}

func isRejection(err error) bool {
	var serr *stripe.Error
	if errors.As(err, &serr) {
		return serr.HTTPStatusCode >= 400 && serr.HTTPStatusCode < 500 &&
			serr.HTTPStatusCode != http.StatusTooManyRequests
	}
	return false
}

func classify(err error) error {
	if isRejection(err) {
		return fmt.Errorf("%w: %v", billing.ErrGatewayRejected, err)
	}
	return fmt.Errorf("%w: %v", billing.ErrGatewayUnavailable, err)
}

// CreateCheckoutSession opens a subscription-mode Checkout Session for the
// plan's price. The request metadata is stamped on both the session and the
// subscription so later events can be traced back to the user.
func (g *Gateway) CreateCheckoutSession(ctx context.Context, req billing.CheckoutRequest) (*billing.CheckoutSession, error) {
	if req.Plan.PriceRef == "" {
		return nil, fmt.Errorf("%w: plan %s has no stripe price", billing.ErrInvalidPlan, req.Plan.ID)
	}

	params := &stripe.CheckoutSessionCreateParams{
		Mode: stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		LineItems: []*stripe.CheckoutSessionCreateLineItemParams{
			{
				Price:    stripe.String(req.Plan.PriceRef),
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL:        stripe.String(req.SuccessURL),
		CancelURL:         stripe.String(req.CancelURL),
		ClientReferenceID: stripe.String(req.UserID),
		SubscriptionData:  &stripe.CheckoutSessionCreateSubscriptionDataParams{},
	}
	if req.Email != "" {
		params.CustomerEmail = stripe.String(req.Email)
	}
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
		params.SubscriptionData.AddMetadata(k, v)
	}

	session, err := call(g, endpointCheckoutCreate, func() (*stripe.CheckoutSession, error) {
		return g.api.CreateCheckoutSession(ctx, params)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create checkout session: %w", err)
	}
	return toSession(session), nil
}

// RetrieveSession fetches a Checkout Session by id.
func (g *Gateway) RetrieveSession(ctx context.Context, sessionID string) (*billing.CheckoutSession, error) {
	session, err := call(g, endpointCheckoutRetrieve, func() (*stripe.CheckoutSession, error) {
		return g.api.RetrieveCheckoutSession(ctx, sessionID)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve checkout session %s: %w", sessionID, err)
	}
	return toSession(session), nil
}

// RetrieveSubscription fetches a subscription by id.
func (g *Gateway) RetrieveSubscription(ctx context.Context, subscriptionID string) (*billing.GatewaySubscription, error) {
	sub, err := call(g, endpointSubscriptionGet, func() (*stripe.Subscription, error) {
		return g.api.RetrieveSubscription(ctx, subscriptionID)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve subscription %s: %w", subscriptionID, err)
	}
	return toSubscription(sub, legacyFields{}), nil
}

// RetrieveInvoice fetches an invoice by id.
func (g *Gateway) RetrieveInvoice(ctx context.Context, invoiceID string) (*billing.Invoice, error) {
	inv, err := call(g, endpointInvoiceGet, func() (*stripe.Invoice, error) {
		return g.api.RetrieveInvoice(ctx, invoiceID)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve invoice %s: %w", invoiceID, err)
	}
	return toInvoice(inv, legacyFields{}), nil
}

// CancelAtPeriodEnd schedules the subscription to end with its current period.
func (g *Gateway) CancelAtPeriodEnd(ctx context.Context, subscriptionID string) (*billing.GatewaySubscription, error) {
	params := &stripe.SubscriptionUpdateParams{
		CancelAtPeriodEnd: stripe.Bool(true),
	}
	sub, err := call(g, endpointSubscriptionPost, func() (*stripe.Subscription, error) {
		return g.api.UpdateSubscription(ctx, subscriptionID, params)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to cancel subscription %s: %w", subscriptionID, err)
	}
	g.logger.Info("stripe subscription set to cancel at period end",
		billing.Field{Key: "subscription_id", Value: subscriptionID},
	)
	return toSubscription(sub, legacyFields{}), nil
}
