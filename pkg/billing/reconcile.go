package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Ledger metadata keys written by reconciliation.
const (
	MetaPeriodEndFallback = "periodEndFallback"
	MetaFallbackNote      = "note"
	MetaCompletedVia      = "completedVia"
)

// subscriptionSource resolves the gateway subscription attached to a session.
type subscriptionSource func(ctx context.Context, subscriptionID string) (*GatewaySubscription, error)

// fetchSubscription is the default source: a bounded gateway retrieval.
func (s *Service) fetchSubscription(ctx context.Context, subscriptionID string) (*GatewaySubscription, error) {
	return callGateway(ctx, s, "subscription.retrieve", func(ctx context.Context) (*GatewaySubscription, error) {
		return s.gateway.RetrieveSubscription(ctx, subscriptionID)
	})
}

// completeCheckout applies a paid checkout session: the account gets the
// purchased plan and the session's ledger row becomes completed. It is the
// single path behind the webhook, client verification and operator replay,
// and is safe to repeat for the same session.
//
//nolint:gocyclo // one linear reconciliation with explicit fallbacks
func (s *Service) completeCheckout(ctx context.Context, session *CheckoutSession, at time.Time, via string, source subscriptionSource) (*Account, error) {
	const op = "checkout.complete"

	userID := session.UserID()
	if userID == "" {
		return nil, validationErr(op, fmt.Errorf("%w: session %s has no user metadata", ErrInvalidWebhookPayload, session.ID))
	}
	plan, err := s.catalog.ResolvePurchasable(session.Plan())
	if err != nil {
		return nil, err
	}
	if session.ExternalSubscriptionID == "" {
		return nil, validationErr(op, fmt.Errorf("%w: session %s references no subscription", ErrInvalidWebhookPayload, session.ID))
	}

	unlock, err := s.lockAccount(ctx, userID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	acct, err := s.storage.UpsertAccount(ctx, Profile{UserID: userID, Email: session.Metadata[MetaUserEmail]}, s.now())
	if err != nil {
		return nil, persistenceErr(op, err)
	}

	// Lookup failures fall through to the computed period end; only the
	// local write below is fatal.
	gsub, lookupErr := source(ctx, session.ExternalSubscriptionID)
	if lookupErr != nil {
		s.logger.Warn("subscription lookup failed during checkout completion",
			Field{"session_id", session.ID},
			Field{"subscription_id", session.ExternalSubscriptionID},
			Field{"error", lookupErr.Error()},
		)
		gsub = nil
	}

	now := s.now()
	prev := acct.Subscription
	sameSession := prev.SessionID == session.ID && prev.EndDate != nil

	start := now
	if sameSession && prev.StartDate != nil {
		start = *prev.StartDate
	}

	var end time.Time
	fallback := false
	switch {
	case gsub != nil && gsub.PeriodEnd != nil:
		end = *gsub.PeriodEnd
	case sameSession:
		end = *prev.EndDate
		fallback = true
	default:
		end = now.AddDate(0, 0, plan.DurationDays)
		fallback = true
	}
	periodStart := start
	if gsub != nil && gsub.PeriodStart != nil {
		periodStart = *gsub.PeriodStart
	}

	customerID := session.ExternalCustomerID
	if customerID == "" && gsub != nil {
		customerID = gsub.CustomerID
	}

	// A paid session without a readable subscription is treated as active.
	status := StatusActive
	cancelAtPeriodEnd := false
	if gsub != nil {
		cancelAtPeriodEnd = gsub.CancelAtPeriodEnd
		gatewayStatus := gsub.Status
		if gatewayStatus == "" {
			gatewayStatus = GatewayStatusActive
		}
		status = LocalStatus(gatewayStatus, gsub.CancelAtPeriodEnd)
	}

	next := Subscription{
		Plan:                   plan.ID,
		Status:                 status,
		StartDate:              timePtr(start),
		EndDate:                timePtr(end),
		CancelAtPeriodEnd:      cancelAtPeriodEnd,
		ExternalSubscriptionID: session.ExternalSubscriptionID,
		ExternalCustomerID:     customerID,
		SessionID:              session.ID,
		GatewayUpdatedAt:       latest(prev.GatewayUpdatedAt, at),
	}

	change := &Change{UserID: userID, Subscription: &next}
	// A newer event already moved the account to another subscription.
	if prev.GatewayUpdatedAt != nil && prev.GatewayUpdatedAt.After(at) &&
		prev.ExternalSubscriptionID != "" && prev.ExternalSubscriptionID != session.ExternalSubscriptionID {
		change.Subscription = nil
	}

	amount := session.AmountTotal
	if amount <= 0 {
		amount = plan.Price
	}
	currency := session.Currency
	if currency == "" {
		currency = plan.Currency
	}
	row := &Transaction{
		ID:                      uuid.NewString(),
		TransactionID:           session.ID,
		UserID:                  userID,
		UserEmail:               acct.Email,
		UserName:                acct.Name,
		Amount:                  amount,
		Currency:                currency,
		Plan:                    plan.ID,
		PlanName:                plan.Name,
		Gateway:                 s.gateway.Name(),
		SessionID:               session.ID,
		ExternalSubscriptionID:  session.ExternalSubscriptionID,
		ExternalCustomerID:      customerID,
		ExternalPaymentIntentID: session.ExternalPaymentIntentID,
		ExternalInvoiceID:       session.ExternalInvoiceID,
		Status:                  TxCompleted,
		Type:                    TxSubscription,
		PeriodStart:             timePtr(periodStart),
		PeriodEnd:               timePtr(end),
		Description:             plan.Name + " Plan Subscription",
		Metadata:                map[string]string{MetaCompletedVia: via},
		PaidAt:                  timePtr(now),
		CreatedAt:               now,
		UpdatedAt:               now,
	}
	if row.ExternalInvoiceID == "" && gsub != nil {
		row.ExternalInvoiceID = gsub.LatestInvoiceID
	}
	if fallback {
		row.Metadata[MetaPeriodEndFallback] = "true"
		row.Metadata[MetaFallbackNote] = "Used fallback end date due to missing current_period_end"
	}
	change.Complete = row

	res, err := s.storage.ApplyChange(ctx, change)
	if err != nil {
		if errors.Is(err, ErrInvalidTransition) {
			return nil, validationErr(op, err)
		}
		s.logger.Error("checkout completion write failed",
			Field{"user_id", userID},
			Field{"session_id", session.ID},
			Field{"error", err.Error()},
		)
		return nil, persistenceErr(op, err)
	}

	if fallback && !res.AlreadyCompleted {
		s.metrics.RecordPeriodFallback(string(plan.ID))
		s.logger.Warn("period end missing, used computed end date",
			Field{"user_id", userID},
			Field{"session_id", session.ID},
			Field{"end_date", end},
		)
	}
	if res.Completed {
		s.metrics.RecordLedgerWrite(string(TxSubscription), string(TxCompleted))
	}
	changeSource := via
	if via == "webhook" {
		changeSource = EventCheckoutCompleted
	}
	s.notePlanChange(ctx, acct, res.Account, changeSource, at)
	s.logger.Info("checkout completed",
		Field{"user_id", userID},
		Field{"plan", plan.ID},
		Field{"session_id", session.ID},
		Field{"via", via},
		Field{"already_completed", res.AlreadyCompleted},
	)
	return res.Account, nil
}

// VerifySession confirms a checkout on behalf of the user who started it.
// A session whose ledger row is already completed is answered from local
// state without consulting the gateway.
func (s *Service) VerifySession(ctx context.Context, sessionID, userID string) (*SubscriptionSnapshot, error) {
	const op = "session.verify"
	if sessionID == "" {
		return nil, validationErr(op, fmt.Errorf("%w: session id is required", ErrInvalidRequest))
	}

	row, err := s.storage.GetTransactionByKey(ctx, sessionID)
	switch {
	case err == nil:
		if row.UserID != userID {
			return nil, &Error{Kind: KindNotFound, Op: op, Err: ErrTransactionNotFound}
		}
		if row.Status == TxCompleted {
			return s.Snapshot(ctx, userID)
		}
	case errors.Is(err, ErrTransactionNotFound):
	default:
		return nil, persistenceErr(op, err)
	}

	v, err, _ := s.verifies.Do(sessionID+"|"+userID, func() (interface{}, error) {
		session, err := callGateway(ctx, s, "session.retrieve", func(ctx context.Context) (*CheckoutSession, error) {
			return s.gateway.RetrieveSession(ctx, sessionID)
		})
		if err != nil {
			return nil, err
		}
		if session.UserID() != userID {
			return nil, &Error{Kind: KindNotFound, Op: op, Err: ErrTransactionNotFound}
		}
		return s.settleSession(ctx, session, "verify")
	})
	if err != nil {
		return nil, err
	}
	return v.(*SubscriptionSnapshot), nil
}

// ReplaySession forces reconciliation of a checkout session against the
// gateway regardless of local state. It is the operator recovery path for
// pending rows whose webhook never arrived.
func (s *Service) ReplaySession(ctx context.Context, sessionID string) (*SubscriptionSnapshot, error) {
	if sessionID == "" {
		return nil, validationErr("session.replay", fmt.Errorf("%w: session id is required", ErrInvalidRequest))
	}
	session, err := callGateway(ctx, s, "session.retrieve", func(ctx context.Context) (*CheckoutSession, error) {
		return s.gateway.RetrieveSession(ctx, sessionID)
	})
	if err != nil {
		return nil, err
	}
	return s.settleSession(ctx, session, "replay")
}

func (s *Service) settleSession(ctx context.Context, session *CheckoutSession, via string) (*SubscriptionSnapshot, error) {
	if !session.Paid {
		return nil, validationErr("session.settle", fmt.Errorf("%w: session %s", ErrPaymentNotCompleted, session.ID))
	}
	acct, err := s.completeCheckout(ctx, session, s.now(), via, s.fetchSubscription)
	if err != nil {
		return nil, err
	}
	return s.snapshotOf(ctx, acct)
}

func latest(stored *time.Time, at time.Time) *time.Time {
	if stored != nil && stored.After(at) {
		return cloneTime(stored)
	}
	return timePtr(at)
}
