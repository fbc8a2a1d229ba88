package billing

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Webhook outcomes reported to metrics.
const (
	outcomeProcessed = "processed"
	outcomeIgnored   = "ignored"
	outcomeDropped   = "dropped"
	outcomeError     = "error"
)

// ProcessWebhook verifies and applies one inbound gateway delivery. A nil
// error means the delivery must be acknowledged. Signature and payload
// failures are returned as validation errors; persistence failures are
// returned so the gateway retries.
func (s *Service) ProcessWebhook(ctx context.Context, payload []byte, signature string) (Event, error) {
	ev, err := s.gateway.ParseEvent(payload, signature)
	if err != nil {
		switch {
		case errors.Is(err, ErrInvalidWebhookSignature):
			s.metrics.RecordWebhookError("invalid_signature")
		default:
			s.metrics.RecordWebhookError("invalid_payload")
		}
		s.logger.Warn("webhook rejected", Field{"error", err.Error()})
		return nil, validationErr("webhook.parse", err)
	}
	return ev, s.HandleEvent(ctx, ev)
}

// HandleEvent applies a decoded gateway event. Every variant is idempotent
// under redelivery.
func (s *Service) HandleEvent(ctx context.Context, ev Event) error {
	meta := ev.Meta()
	start := time.Now()

	var (
		outcome string
		err     error
	)
	switch e := ev.(type) {
	case CheckoutCompleted:
		outcome, err = s.onCheckoutCompleted(ctx, e)
	case *CheckoutCompleted:
		outcome, err = s.onCheckoutCompleted(ctx, *e)
	case SubscriptionUpdated:
		outcome, err = s.onSubscriptionUpdated(ctx, e)
	case *SubscriptionUpdated:
		outcome, err = s.onSubscriptionUpdated(ctx, *e)
	case SubscriptionDeleted:
		outcome, err = s.onSubscriptionDeleted(ctx, e)
	case *SubscriptionDeleted:
		outcome, err = s.onSubscriptionDeleted(ctx, *e)
	case InvoicePaymentFailed:
		outcome, err = s.onPaymentFailed(ctx, e)
	case *InvoicePaymentFailed:
		outcome, err = s.onPaymentFailed(ctx, *e)
	default:
		outcome = outcomeIgnored
	}

	if err != nil {
		outcome = outcomeError
		s.metrics.RecordWebhookError("persistence")
		s.logger.Error("webhook processing failed",
			Field{"event_id", meta.ID},
			Field{"event_type", meta.Type},
			Field{"error", err.Error()},
		)
	} else {
		s.logger.Info("webhook processed",
			Field{"event_id", meta.ID},
			Field{"event_type", meta.Type},
			Field{"outcome", outcome},
		)
	}
	s.metrics.RecordWebhookEvent(meta.Type, outcome)
	s.metrics.RecordWebhookProcessingDuration(meta.Type, time.Since(start))
	return err
}

// drop logs an event that cannot be applied and must not be retried.
func (s *Service) drop(meta EventMeta, reason string, fields ...Field) (string, error) {
	fields = append([]Field{{"event_id", meta.ID}, {"event_type", meta.Type}, {"reason", reason}}, fields...)
	s.logger.Warn("webhook dropped", fields...)
	return outcomeDropped, nil
}

func (s *Service) onCheckoutCompleted(ctx context.Context, e CheckoutCompleted) (string, error) {
	_, err := s.completeCheckout(ctx, &e.Session, e.Created, "webhook", s.fetchSubscription)
	if err == nil {
		return outcomeProcessed, nil
	}
	switch KindOf(err) {
	case KindValidation, KindNotFound:
		return s.drop(e.EventMeta, err.Error(), Field{"session_id", e.Session.ID})
	}
	return "", err
}

// accountForSubscription finds and locks the account bound to a gateway
// subscription. A nil account with a nil error means no account matches.
func (s *Service) accountForSubscription(ctx context.Context, subscriptionID string) (*Account, func(), error) {
	found, err := s.storage.FindAccountBySubscription(ctx, subscriptionID)
	if errors.Is(err, ErrAccountNotFound) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, persistenceErr("webhook.find_account", err)
	}
	unlock, err := s.lockAccount(ctx, found.UserID)
	if err != nil {
		return nil, nil, err
	}
	// Re-read under the lock; the binding may have moved meanwhile.
	acct, err := s.storage.GetAccount(ctx, found.UserID)
	if err != nil {
		unlock()
		return nil, nil, persistenceErr("webhook.get_account", err)
	}
	if acct.Subscription.ExternalSubscriptionID != subscriptionID {
		unlock()
		return nil, nil, nil
	}
	return acct, unlock, nil
}

//nolint:gocyclo // status mapping, stale guard and renewal recording
func (s *Service) onSubscriptionUpdated(ctx context.Context, e SubscriptionUpdated) (string, error) {
	gsub := e.Subscription
	acct, unlock, err := s.accountForSubscription(ctx, gsub.ID)
	if err != nil {
		return "", err
	}
	if acct == nil {
		return s.drop(e.EventMeta, "no account for subscription", Field{"subscription_id", gsub.ID})
	}
	defer unlock()

	prev := acct.Subscription
	if prev.GatewayUpdatedAt != nil && e.Created.Before(*prev.GatewayUpdatedAt) {
		s.logger.Info("stale subscription update skipped",
			Field{"event_id", e.ID},
			Field{"user_id", acct.UserID},
			Field{"event_created", e.Created},
			Field{"applied_at", *prev.GatewayUpdatedAt},
		)
		return outcomeIgnored, nil
	}

	next := prev.Clone()
	next.Status = LocalStatus(gsub.Status, gsub.CancelAtPeriodEnd)
	next.CancelAtPeriodEnd = gsub.CancelAtPeriodEnd
	if gsub.PeriodEnd != nil {
		next.EndDate = cloneTime(gsub.PeriodEnd)
	}
	if plan, ok := s.catalog.ByPriceRef(gsub.PriceRef); ok {
		next.Plan = plan.ID
	}
	if gsub.CustomerID != "" {
		next.ExternalCustomerID = gsub.CustomerID
	}
	next.GatewayUpdatedAt = timePtr(e.Created)

	change := &Change{UserID: acct.UserID, Subscription: &next}

	if gsub.Status == GatewayStatusActive && gsub.PeriodEnd != nil {
		covered, err := s.storage.PeriodCovered(ctx, gsub.ID, *gsub.PeriodEnd)
		if err != nil {
			return "", persistenceErr("webhook.period_covered", err)
		}
		// A checkout that fell back to a computed period end still carries
		// the invoice it paid.
		if !covered && gsub.LatestInvoiceID != "" {
			covered, err = s.storage.InvoiceRecorded(ctx, gsub.LatestInvoiceID)
			if err != nil {
				return "", persistenceErr("webhook.invoice_recorded", err)
			}
		}
		if !covered {
			change.Append = append(change.Append, s.renewalRow(ctx, acct, next, gsub))
		}
	}

	res, err := s.storage.ApplyChange(ctx, change)
	if err != nil {
		return "", persistenceErr("webhook.subscription_updated", err)
	}
	if res.Appended > 0 {
		s.metrics.RecordLedgerWrite(string(TxRenewal), string(TxCompleted))
	}
	s.notePlanChange(ctx, acct, res.Account, e.Type, e.Created)
	return outcomeProcessed, nil
}

// renewalRow builds the ledger row of a renewed billing period, charged at
// the invoice amount. The catalog price stands in when the invoice cannot be
// retrieved.
func (s *Service) renewalRow(ctx context.Context, acct *Account, sub Subscription, gsub GatewaySubscription) *Transaction {
	plan, _ := s.catalog.Resolve(sub.Plan)
	now := s.now()
	row := &Transaction{
		ID:                     uuid.NewString(),
		TransactionID:          fmt.Sprintf("renewal_%s_%d", gsub.ID, gsub.PeriodEnd.Unix()),
		UserID:                 acct.UserID,
		UserEmail:              acct.Email,
		UserName:               acct.Name,
		Amount:                 plan.Price,
		Currency:               plan.Currency,
		Plan:                   sub.Plan,
		PlanName:               plan.Name,
		Gateway:                s.gateway.Name(),
		ExternalSubscriptionID: gsub.ID,
		ExternalCustomerID:     sub.ExternalCustomerID,
		ExternalInvoiceID:      gsub.LatestInvoiceID,
		Status:                 TxCompleted,
		Type:                   TxRenewal,
		PeriodStart:            cloneTime(gsub.PeriodStart),
		PeriodEnd:              cloneTime(gsub.PeriodEnd),
		Description:            plan.Name + " Plan Renewal",
		Metadata:               map[string]string{},
		PaidAt:                 timePtr(now),
		CreatedAt:              now,
		UpdatedAt:              now,
	}

	if gsub.LatestInvoiceID == "" {
		row.Metadata["amountSource"] = "catalog"
		return row
	}
	inv, err := callGateway(ctx, s, "invoice.retrieve", func(ctx context.Context) (*Invoice, error) {
		return s.gateway.RetrieveInvoice(ctx, gsub.LatestInvoiceID)
	})
	if err != nil {
		row.Metadata["amountSource"] = "catalog"
		return row
	}
	row.Amount = inv.AmountPaid
	if inv.Currency != "" {
		row.Currency = inv.Currency
	}
	if inv.PaidAt != nil {
		row.PaidAt = cloneTime(inv.PaidAt)
	}
	row.Metadata["invoiceNumber"] = inv.Number
	row.Metadata["amountSource"] = "invoice"
	return row
}

func (s *Service) onSubscriptionDeleted(ctx context.Context, e SubscriptionDeleted) (string, error) {
	gsub := e.Subscription
	acct, unlock, err := s.accountForSubscription(ctx, gsub.ID)
	if err != nil {
		return "", err
	}
	if acct == nil {
		return s.drop(e.EventMeta, "no account for subscription", Field{"subscription_id", gsub.ID})
	}
	defer unlock()

	now := s.now()
	prev := acct.Subscription
	change := &Change{UserID: acct.UserID}

	ended := prev.Status == StatusCancelled && !prev.CancelAtPeriodEnd && prev.EndDate != nil && !prev.EndDate.After(now)
	if !ended {
		next := prev.Clone()
		next.Status = StatusCancelled
		next.CancelAtPeriodEnd = false
		next.EndDate = timePtr(now)
		next.GatewayUpdatedAt = latest(prev.GatewayUpdatedAt, e.Created)
		change.Subscription = &next
	}

	plan, _ := s.catalog.Resolve(prev.Plan)
	reason := gsub.CancellationReason
	if reason == "" {
		reason = "subscription_deleted"
	}
	change.Append = []*Transaction{{
		ID:                     uuid.NewString(),
		TransactionID:          fmt.Sprintf("cancellation_%s_%d", gsub.ID, e.Created.Unix()),
		UserID:                 acct.UserID,
		UserEmail:              acct.Email,
		UserName:               acct.Name,
		Amount:                 0,
		Currency:               plan.Currency,
		Plan:                   prev.Plan,
		PlanName:               plan.Name,
		Gateway:                s.gateway.Name(),
		ExternalSubscriptionID: gsub.ID,
		ExternalCustomerID:     prev.ExternalCustomerID,
		Status:                 TxCompleted,
		Type:                   TxCancellation,
		Description:            plan.Name + " Plan Cancellation",
		Metadata:               map[string]string{"cancellationReason": reason},
		CreatedAt:              now,
		UpdatedAt:              now,
	}}

	res, err := s.storage.ApplyChange(ctx, change)
	if err != nil {
		return "", persistenceErr("webhook.subscription_deleted", err)
	}
	if res.Appended > 0 {
		s.metrics.RecordLedgerWrite(string(TxCancellation), string(TxCompleted))
	}
	s.notePlanChange(ctx, acct, res.Account, e.Type, e.Created)
	return outcomeProcessed, nil
}

// onPaymentFailed records a failed charge. Access is left untouched; the
// gateway's retry schedule decides the subscription's fate.
func (s *Service) onPaymentFailed(ctx context.Context, e InvoicePaymentFailed) (string, error) {
	inv := e.Invoice

	found, err := s.accountForInvoice(ctx, inv)
	if err != nil {
		return "", err
	}
	if found == nil {
		return s.drop(e.EventMeta, "no account for invoice",
			Field{"invoice_id", inv.ID},
			Field{"customer_id", inv.CustomerID},
		)
	}

	unlock, err := s.lockAccount(ctx, found.UserID)
	if err != nil {
		return "", err
	}
	defer unlock()

	acct, err := s.storage.GetAccount(ctx, found.UserID)
	if err != nil {
		return "", persistenceErr("webhook.get_account", err)
	}
	sub := acct.Subscription
	plan, _ := s.catalog.Resolve(sub.Plan)
	currency := inv.Currency
	if currency == "" {
		currency = plan.Currency
	}
	now := s.now()
	subscriptionID := inv.SubscriptionID
	if subscriptionID == "" {
		subscriptionID = sub.ExternalSubscriptionID
	}
	row := &Transaction{
		ID:                     uuid.NewString(),
		TransactionID:          fmt.Sprintf("failed_%s_%d", inv.ID, e.Created.Unix()),
		UserID:                 acct.UserID,
		UserEmail:              acct.Email,
		UserName:               acct.Name,
		Amount:                 inv.AmountDue,
		Currency:               currency,
		Plan:                   sub.Plan,
		PlanName:               plan.Name,
		Gateway:                s.gateway.Name(),
		ExternalSubscriptionID: subscriptionID,
		ExternalCustomerID:     inv.CustomerID,
		ExternalInvoiceID:      inv.ID,
		Status:                 TxFailed,
		Type:                   TxRenewal,
		Description:            "Payment failed for " + plan.Name + " Plan",
		Metadata:               map[string]string{"attemptCount": strconv.FormatInt(inv.AttemptCount, 10)},
		FailedAt:               timePtr(e.Created),
		CreatedAt:              now,
		UpdatedAt:              now,
	}

	res, err := s.storage.ApplyChange(ctx, &Change{UserID: acct.UserID, Append: []*Transaction{row}})
	if err != nil {
		return "", persistenceErr("webhook.payment_failed", err)
	}
	if res.Appended > 0 {
		s.metrics.RecordLedgerWrite(string(TxRenewal), string(TxFailed))
	}
	s.logger.Warn("invoice payment failed",
		Field{"user_id", acct.UserID},
		Field{"invoice_id", inv.ID},
		Field{"attempt_count", inv.AttemptCount},
	)
	return outcomeProcessed, nil
}

// accountForInvoice finds the account billed by an invoice, by customer
// first and subscription second. A nil account means no match.
func (s *Service) accountForInvoice(ctx context.Context, inv Invoice) (*Account, error) {
	lookups := []struct {
		id   string
		find func(context.Context, string) (*Account, error)
	}{
		{inv.CustomerID, s.storage.FindAccountByCustomer},
		{inv.SubscriptionID, s.storage.FindAccountBySubscription},
	}
	for _, l := range lookups {
		if l.id == "" {
			continue
		}
		acct, err := l.find(ctx, l.id)
		if err == nil {
			return acct, nil
		}
		if !errors.Is(err, ErrAccountNotFound) {
			return nil, persistenceErr("webhook.find_account", err)
		}
	}
	return nil, nil
}
