package stripe

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v83"
	"github.com/stripe/stripe-go/v83/webhook"

	"github.com/mihaimyh/inkpass/pkg/billing"
)

// ParseEvent verifies the Stripe-Signature header against the webhook secret
// and decodes the event into a billing event. Event types the engine does
// not act on decode to billing.UnhandledEvent.
func (g *Gateway) ParseEvent(payload []byte, signature string) (billing.Event, error) {
	if g.webhookSecret == "" {
		return nil, fmt.Errorf("%w: webhook secret not configured", billing.ErrInvalidWebhookSignature)
	}
	if signature == "" {
		return nil, fmt.Errorf("%w: missing signature", billing.ErrInvalidWebhookSignature)
	}

	// The account's API version may differ from the SDK's pinned one; the
	// decoders below accept both shapes.
	event, err := webhook.ConstructEventWithOptions(payload, signature, g.webhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", billing.ErrInvalidWebhookSignature, err)
	}
	return decodeEvent(&event)
}

func decodeEvent(event *stripe.Event) (billing.Event, error) {
	meta := billing.EventMeta{
		ID:   event.ID,
		Type: string(event.Type),
	}
	if created := unixTime(event.Created); created != nil {
		meta.Created = *created
	} else {
		meta.Created = time.Now().UTC()
	}

	if event.Data == nil || len(event.Data.Raw) == 0 {
		switch meta.Type {
		case billing.EventCheckoutCompleted, billing.EventSubscriptionUpdated,
			billing.EventSubscriptionDeleted, billing.EventInvoicePaymentFailed:
			return nil, fmt.Errorf("%w: %s event %s has no data", billing.ErrInvalidWebhookPayload, meta.Type, meta.ID)
		}
		return billing.UnhandledEvent{EventMeta: meta}, nil
	}
	raw := event.Data.Raw

	switch meta.Type {
	case billing.EventCheckoutCompleted:
		var session stripe.CheckoutSession
		if err := json.Unmarshal(raw, &session); err != nil {
			return nil, payloadErr("checkout session", err)
		}
		return billing.CheckoutCompleted{EventMeta: meta, Session: *toSession(&session)}, nil

	case billing.EventSubscriptionUpdated, billing.EventSubscriptionDeleted:
		var sub stripe.Subscription
		if err := json.Unmarshal(raw, &sub); err != nil {
			return nil, payloadErr("subscription", err)
		}
		var legacy legacyFields
		if err := json.Unmarshal(raw, &legacy); err != nil {
			return nil, payloadErr("subscription", err)
		}
		converted := *toSubscription(&sub, legacy)
		if meta.Type == billing.EventSubscriptionDeleted {
			return billing.SubscriptionDeleted{EventMeta: meta, Subscription: converted}, nil
		}
		return billing.SubscriptionUpdated{EventMeta: meta, Subscription: converted}, nil

	case billing.EventInvoicePaymentFailed:
		var inv stripe.Invoice
		if err := json.Unmarshal(raw, &inv); err != nil {
			return nil, payloadErr("invoice", err)
		}
		var legacy legacyFields
		if err := json.Unmarshal(raw, &legacy); err != nil {
			return nil, payloadErr("invoice", err)
		}
		return billing.InvoicePaymentFailed{EventMeta: meta, Invoice: *toInvoice(&inv, legacy)}, nil
	}

	return billing.UnhandledEvent{EventMeta: meta}, nil
}

func payloadErr(what string, err error) error {
	return fmt.Errorf("%w: failed to unmarshal %s: %v", billing.ErrInvalidWebhookPayload, what, err)
}
