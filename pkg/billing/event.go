package billing

import "time"

// Gateway event type strings handled by the processor.
const (
	EventCheckoutCompleted    = "checkout.session.completed"
	EventSubscriptionUpdated  = "customer.subscription.updated"
	EventSubscriptionDeleted  = "customer.subscription.deleted"
	EventInvoicePaymentFailed = "invoice.payment_failed"
)

// Event is a decoded gateway event. The set of variants is closed:
// CheckoutCompleted, SubscriptionUpdated, SubscriptionDeleted,
// InvoicePaymentFailed and UnhandledEvent.
type Event interface {
	Meta() EventMeta
	isEvent()
}

// EventMeta is the envelope shared by all variants.
type EventMeta struct {
	ID      string
	Type    string
	Created time.Time
}

func (m EventMeta) Meta() EventMeta { return m }

// CheckoutCompleted reports a finished checkout session.
type CheckoutCompleted struct {
	EventMeta
	Session CheckoutSession
}

// SubscriptionUpdated reports a change to a gateway subscription.
type SubscriptionUpdated struct {
	EventMeta
	Subscription GatewaySubscription
}

// SubscriptionDeleted reports the end of a gateway subscription.
type SubscriptionDeleted struct {
	EventMeta
	Subscription GatewaySubscription
}

// InvoicePaymentFailed reports a failed charge attempt.
type InvoicePaymentFailed struct {
	EventMeta
	Invoice Invoice
}

// UnhandledEvent is any event type the processor does not act on.
type UnhandledEvent struct {
	EventMeta
}

func (CheckoutCompleted) isEvent()    {}
func (SubscriptionUpdated) isEvent()  {}
func (SubscriptionDeleted) isEvent()  {}
func (InvoicePaymentFailed) isEvent() {}
func (UnhandledEvent) isEvent()       {}
