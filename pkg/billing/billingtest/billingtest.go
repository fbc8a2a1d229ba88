// Package billingtest provides test doubles for code built on the billing engine.
package billingtest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/inkpass/pkg/billing"
)

// Price references used by Catalog.
const (
	PremiumPriceRef = "price_premium"
	ProPriceRef     = "price_pro"
)

// Gateway is a testify mock of billing.Gateway.
type Gateway struct {
	mock.Mock
}

var _ billing.Gateway = (*Gateway)(nil)

func (g *Gateway) Name() string { return "mock" }

func (g *Gateway) CreateCheckoutSession(ctx context.Context, req billing.CheckoutRequest) (*billing.CheckoutSession, error) {
	args := g.Called(ctx, req)
	s, _ := args.Get(0).(*billing.CheckoutSession)
	return s, args.Error(1)
}

func (g *Gateway) RetrieveSession(ctx context.Context, sessionID string) (*billing.CheckoutSession, error) {
	args := g.Called(ctx, sessionID)
	s, _ := args.Get(0).(*billing.CheckoutSession)
	return s, args.Error(1)
}

func (g *Gateway) RetrieveSubscription(ctx context.Context, subscriptionID string) (*billing.GatewaySubscription, error) {
	args := g.Called(ctx, subscriptionID)
	s, _ := args.Get(0).(*billing.GatewaySubscription)
	return s, args.Error(1)
}

func (g *Gateway) RetrieveInvoice(ctx context.Context, invoiceID string) (*billing.Invoice, error) {
	args := g.Called(ctx, invoiceID)
	inv, _ := args.Get(0).(*billing.Invoice)
	return inv, args.Error(1)
}

func (g *Gateway) CancelAtPeriodEnd(ctx context.Context, subscriptionID string) (*billing.GatewaySubscription, error) {
	args := g.Called(ctx, subscriptionID)
	s, _ := args.Get(0).(*billing.GatewaySubscription)
	return s, args.Error(1)
}

func (g *Gateway) ParseEvent(payload []byte, signature string) (billing.Event, error) {
	args := g.Called(payload, signature)
	ev, _ := args.Get(0).(billing.Event)
	return ev, args.Error(1)
}

// Clock is a settable time source safe for concurrent use.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock returns a clock stopped at t.
func NewClock(t time.Time) *Clock {
	return &Clock{now: t}
}

// Now returns the current fake time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Set moves the clock to t.
func (c *Clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// Catalog returns the default catalog with test price references.
func Catalog() *billing.Catalog {
	return billing.DefaultCatalog(billing.CatalogOptions{
		PremiumPriceRef: PremiumPriceRef,
		ProPriceRef:     ProPriceRef,
	})
}

// NewService builds a Service over storage and gw with the test catalog.
func NewService(t testing.TB, storage billing.Storage, gw billing.Gateway, clock *Clock) *billing.Service {
	t.Helper()
	svc, err := billing.NewService(billing.Config{
		Storage:        storage,
		Gateway:        gw,
		Catalog:        Catalog(),
		SuccessURL:     "https://app.example.com/payment/success?session_id={CHECKOUT_SESSION_ID}",
		CancelURL:      "https://app.example.com/payment/cancel",
		GatewayTimeout: time.Second,
		LockTimeout:    time.Second,
		Now:            clock.Now,
	})
	require.NoError(t, err)
	return svc
}

// PaidSession returns a completed subscription checkout for userID.
func PaidSession(id, userID string, plan billing.PlanID, subscriptionID string) *billing.CheckoutSession {
	return &billing.CheckoutSession{
		ID:                     id,
		URL:                    "https://checkout.example.com/" + id,
		Paid:                   true,
		Mode:                   "subscription",
		ExternalSubscriptionID: subscriptionID,
		ExternalCustomerID:     "cus_" + userID,
		Metadata: map[string]string{
			billing.MetaUserID:    userID,
			billing.MetaPlan:      string(plan),
			billing.MetaUserEmail: userID + "@example.com",
		},
	}
}

// ActiveSubscription returns a gateway subscription in its first period.
func ActiveSubscription(id, customerID, priceRef string, start time.Time, days int) *billing.GatewaySubscription {
	end := start.AddDate(0, 0, days)
	return &billing.GatewaySubscription{
		ID:          id,
		CustomerID:  customerID,
		Status:      billing.GatewayStatusActive,
		PeriodStart: &start,
		PeriodEnd:   &end,
		PriceRef:    priceRef,
	}
}
