package billing

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// CheckoutResult is returned to the client that started a checkout.
type CheckoutResult struct {
	CheckoutURL   string `json:"checkoutUrl"`
	TransactionID string `json:"transactionId"`
	SessionID     string `json:"sessionId"`
}

// StartCheckout opens a gateway checkout session for planID and records a
// pending ledger row keyed by the session id. Entitlements only change once
// the gateway confirms payment.
func (s *Service) StartCheckout(ctx context.Context, userID string, planID PlanID) (*CheckoutResult, error) {
	plan, err := s.catalog.ResolvePurchasable(planID)
	if err != nil {
		s.metrics.RecordCheckout(string(planID), "invalid_plan")
		return nil, err
	}
	if plan.PriceRef == "" {
		s.metrics.RecordCheckout(string(planID), "invalid_plan")
		return nil, validationErr("checkout.start", fmt.Errorf("%w: %q has no gateway price", ErrInvalidPlan, planID))
	}

	acct, err := s.Account(ctx, userID)
	if err != nil {
		return nil, err
	}

	req := CheckoutRequest{
		UserID:     acct.UserID,
		Email:      acct.Email,
		Name:       acct.Name,
		Plan:       plan,
		SuccessURL: s.successURL,
		CancelURL:  s.cancelURL,
		Metadata: map[string]string{
			MetaUserID:    acct.UserID,
			MetaPlan:      string(plan.ID),
			MetaUserEmail: acct.Email,
		},
	}
	session, err := callGateway(ctx, s, "checkout.create_session", func(ctx context.Context) (*CheckoutSession, error) {
		return s.gateway.CreateCheckoutSession(ctx, req)
	})
	if err != nil {
		s.metrics.RecordCheckout(string(plan.ID), "gateway_error")
		return nil, err
	}

	now := s.now()
	tx := &Transaction{
		ID:                 uuid.NewString(),
		TransactionID:      session.ID,
		UserID:             acct.UserID,
		UserEmail:          acct.Email,
		UserName:           acct.Name,
		Amount:             plan.Price,
		Currency:           plan.Currency,
		Plan:               plan.ID,
		PlanName:           plan.Name,
		Gateway:            s.gateway.Name(),
		SessionID:          session.ID,
		ExternalCustomerID: session.ExternalCustomerID,
		Status:             TxPending,
		Type:               TxSubscription,
		Description:        plan.Name + " Plan Subscription",
		Metadata:           map[string]string{"sessionUrl": session.URL},
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if _, err := s.storage.InsertTransaction(ctx, tx); err != nil {
		// The session exists at the gateway. Completion will still insert the
		// row through the webhook or the reconciler.
		s.logger.Error("pending ledger write failed",
			Field{"user_id", acct.UserID},
			Field{"session_id", session.ID},
			Field{"error", err.Error()},
		)
		s.metrics.RecordCheckout(string(plan.ID), "persistence_error")
		return nil, persistenceErr("checkout.record_pending", err)
	}

	s.metrics.RecordCheckout(string(plan.ID), "created")
	s.metrics.RecordLedgerWrite(string(TxSubscription), string(TxPending))
	s.logger.Info("checkout session created",
		Field{"user_id", acct.UserID},
		Field{"plan", plan.ID},
		Field{"session_id", session.ID},
	)

	return &CheckoutResult{
		CheckoutURL:   session.URL,
		TransactionID: session.ID,
		SessionID:     session.ID,
	}, nil
}
