package billing

import (
	"context"
	"time"
)

// Gateway is the external payment provider as consumed by the engine.
type Gateway interface {
	// Name identifies the provider in ledger rows and metrics.
	Name() string

	CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error)
	RetrieveSession(ctx context.Context, sessionID string) (*CheckoutSession, error)
	RetrieveSubscription(ctx context.Context, subscriptionID string) (*GatewaySubscription, error)
	RetrieveInvoice(ctx context.Context, invoiceID string) (*Invoice, error)

	// CancelAtPeriodEnd schedules cancellation of the subscription at the end
	// of its current period and returns the updated subscription.
	CancelAtPeriodEnd(ctx context.Context, subscriptionID string) (*GatewaySubscription, error)

	// ParseEvent verifies the signature of an inbound webhook and decodes it.
	// It returns ErrInvalidWebhookSignature or ErrInvalidWebhookPayload.
	ParseEvent(payload []byte, signature string) (Event, error)
}

// CheckoutRequest describes a checkout session to open.
type CheckoutRequest struct {
	UserID     string
	Email      string
	Name       string
	Plan       Plan
	SuccessURL string
	CancelURL  string
	// Metadata is attached to the session so the webhook path can recover
	// the purchase context.
	Metadata map[string]string
}

// Checkout session metadata keys.
const (
	MetaUserID    = "userId"
	MetaPlan      = "plan"
	MetaUserEmail = "userEmail"
)

// CheckoutSession is the gateway's view of a checkout.
type CheckoutSession struct {
	ID      string
	URL     string
	Paid    bool
	Mode    string
	Created time.Time

	ExternalSubscriptionID  string
	ExternalCustomerID      string
	ExternalPaymentIntentID string
	ExternalInvoiceID       string
	CustomerEmail           string
	AmountTotal             int64
	Currency                string
	Metadata                map[string]string
}

// UserID returns the user the session was opened for.
func (s *CheckoutSession) UserID() string { return s.Metadata[MetaUserID] }

// Plan returns the plan the session was opened for.
func (s *CheckoutSession) Plan() PlanID { return PlanID(s.Metadata[MetaPlan]) }

// GatewaySubscription is the gateway's view of a subscription.
type GatewaySubscription struct {
	ID                 string
	CustomerID         string
	Status             string
	CancelAtPeriodEnd  bool
	CancellationReason string
	// PeriodStart and PeriodEnd are nil when the gateway did not report them.
	PeriodStart     *time.Time
	PeriodEnd       *time.Time
	LatestInvoiceID string
	PriceRef        string
}

// Invoice is the gateway's view of an invoice.
type Invoice struct {
	ID             string
	Number         string
	CustomerID     string
	SubscriptionID string
	Currency       string
	AmountPaid     int64
	AmountDue      int64
	AttemptCount   int64
	PaidAt         *time.Time
}

// Gateway subscription statuses.
const (
	GatewayStatusActive            = "active"
	GatewayStatusTrialing          = "trialing"
	GatewayStatusPastDue           = "past_due"
	GatewayStatusCanceled          = "canceled"
	GatewayStatusUnpaid            = "unpaid"
	GatewayStatusIncomplete        = "incomplete"
	GatewayStatusIncompleteExpired = "incomplete_expired"
	GatewayStatusPaused            = "paused"
)

// LocalStatus maps a gateway subscription status to the stored status.
// Past-due subscriptions stay active during the gateway's retry window.
func LocalStatus(gatewayStatus string, cancelAtPeriodEnd bool) SubscriptionStatus {
	switch gatewayStatus {
	case GatewayStatusActive, GatewayStatusTrialing, GatewayStatusPastDue:
		if cancelAtPeriodEnd {
			return StatusCancelled
		}
		return StatusActive
	case GatewayStatusCanceled:
		return StatusCancelled
	}
	return StatusExpired
}
