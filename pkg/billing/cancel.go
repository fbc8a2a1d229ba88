package billing

import (
	"context"
	"time"
)

// Cancellation confirms a scheduled cancellation.
type Cancellation struct {
	Status            SubscriptionStatus `json:"status"`
	Plan              PlanID             `json:"plan"`
	CancelAtPeriodEnd bool               `json:"cancelAtPeriodEnd"`
	EndDate           *time.Time         `json:"endDate,omitempty"`
}

// CancelSubscription asks the gateway to stop renewing the user's
// subscription. Access to the paid plan continues until the period end.
func (s *Service) CancelSubscription(ctx context.Context, userID string) (*Cancellation, error) {
	const op = "subscription.cancel"

	unlock, err := s.lockAccount(ctx, userID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	acct, err := s.Account(ctx, userID)
	if err != nil {
		return nil, err
	}
	sub := acct.Subscription
	if sub.ExternalSubscriptionID == "" {
		return nil, authorizationErr(op, ErrNoActiveSubscription)
	}
	if sub.Status == StatusCancelled && !sub.CancelAtPeriodEnd {
		return nil, authorizationErr(op, ErrNoActiveSubscription)
	}

	gsub, err := callGateway(ctx, s, op, func(ctx context.Context) (*GatewaySubscription, error) {
		return s.gateway.CancelAtPeriodEnd(ctx, sub.ExternalSubscriptionID)
	})
	if err != nil {
		return nil, err
	}

	next := sub.Clone()
	next.Status = StatusCancelled
	next.CancelAtPeriodEnd = true
	if gsub.PeriodEnd != nil {
		next.EndDate = cloneTime(gsub.PeriodEnd)
	}
	res, err := s.storage.ApplyChange(ctx, &Change{UserID: userID, Subscription: &next})
	if err != nil {
		s.logger.Error("cancellation write failed",
			Field{"user_id", userID},
			Field{"subscription_id", sub.ExternalSubscriptionID},
			Field{"error", err.Error()},
		)
		return nil, persistenceErr(op, err)
	}

	s.logger.Info("subscription cancellation scheduled",
		Field{"user_id", userID},
		Field{"subscription_id", sub.ExternalSubscriptionID},
		Field{"end_date", next.EndDate},
	)
	out := res.Account.Subscription
	return &Cancellation{
		Status:            out.Status,
		Plan:              out.Plan,
		CancelAtPeriodEnd: out.CancelAtPeriodEnd,
		EndDate:           out.EndDate,
	}, nil
}
