package stripe

import (
	"encoding/json"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/inkpass/pkg/billing"
)

// legacyFields carries values that older API versions report at the top
// level of an object and newer ones moved elsewhere.
type legacyFields struct {
	CurrentPeriodStart int64           `json:"current_period_start"`
	CurrentPeriodEnd   int64           `json:"current_period_end"`
	Subscription       json.RawMessage `json:"subscription"`
	Parent             *struct {
		SubscriptionDetails *struct {
			Subscription json.RawMessage `json:"subscription"`
		} `json:"subscription_details"`
	} `json:"parent"`
}

// subscriptionID reads an invoice's subscription reference, which is either
// an id string or an expanded object, from whichever place the API version
// puts it.
func (l legacyFields) subscriptionID() string {
	if id := expandableID(l.Subscription); id != "" {
		return id
	}
	if l.Parent != nil && l.Parent.SubscriptionDetails != nil {
		return expandableID(l.Parent.SubscriptionDetails.Subscription)
	}
	return ""
}

func expandableID(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var id string
	if err := json.Unmarshal(raw, &id); err == nil {
		return id
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return obj.ID
	}
	return ""
}

func unixTime(sec int64) *time.Time {
	if sec <= 0 {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}

func toSession(s *stripe.CheckoutSession) *billing.CheckoutSession {
	out := &billing.CheckoutSession{
		ID:            s.ID,
		URL:           s.URL,
		Paid:          s.PaymentStatus == stripe.CheckoutSessionPaymentStatusPaid,
		Mode:          string(s.Mode),
		CustomerEmail: s.CustomerEmail,
		AmountTotal:   s.AmountTotal,
		Currency:      string(s.Currency),
		Metadata:      map[string]string{},
	}
	if created := unixTime(s.Created); created != nil {
		out.Created = *created
	}
	for k, v := range s.Metadata {
		out.Metadata[k] = v
	}
	if s.Subscription != nil {
		out.ExternalSubscriptionID = s.Subscription.ID
	}
	if s.Customer != nil {
		out.ExternalCustomerID = s.Customer.ID
	}
	if s.PaymentIntent != nil {
		out.ExternalPaymentIntentID = s.PaymentIntent.ID
	}
	if s.Invoice != nil {
		out.ExternalInvoiceID = s.Invoice.ID
	}
	if s.CustomerDetails != nil && s.CustomerDetails.Email != "" {
		out.CustomerEmail = s.CustomerDetails.Email
	}
	return out
}

func toSubscription(s *stripe.Subscription, legacy legacyFields) *billing.GatewaySubscription {
	out := &billing.GatewaySubscription{
		ID:                s.ID,
		Status:            string(s.Status),
		CancelAtPeriodEnd: s.CancelAtPeriodEnd,
		PeriodStart:       unixTime(legacy.CurrentPeriodStart),
		PeriodEnd:         unixTime(legacy.CurrentPeriodEnd),
	}
	if s.Customer != nil {
		out.CustomerID = s.Customer.ID
	}
	if s.CancellationDetails != nil {
		out.CancellationReason = string(s.CancellationDetails.Reason)
	}
	if s.LatestInvoice != nil {
		out.LatestInvoiceID = s.LatestInvoice.ID
	}
	if s.Items != nil {
		for _, item := range s.Items.Data {
			if item == nil {
				continue
			}
			if out.PriceRef == "" && item.Price != nil {
				out.PriceRef = item.Price.ID
			}
			if out.PeriodStart == nil {
				out.PeriodStart = unixTime(item.CurrentPeriodStart)
			}
			if out.PeriodEnd == nil {
				out.PeriodEnd = unixTime(item.CurrentPeriodEnd)
			}
		}
	}
	return out
}

func toInvoice(inv *stripe.Invoice, legacy legacyFields) *billing.Invoice {
	out := &billing.Invoice{
		ID:             inv.ID,
		Number:         inv.Number,
		SubscriptionID: legacy.subscriptionID(),
		Currency:       string(inv.Currency),
		AmountPaid:     inv.AmountPaid,
		AmountDue:      inv.AmountDue,
		AttemptCount:   inv.AttemptCount,
	}
	if inv.Customer != nil {
		out.CustomerID = inv.Customer.ID
	}
	if inv.StatusTransitions != nil {
		out.PaidAt = unixTime(inv.StatusTransitions.PaidAt)
	}
	return out
}
