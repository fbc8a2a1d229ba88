package billing

import (
	"context"
	"time"
)

// PlanChangeEvent describes an effective plan transition applied by the
// engine. It is passed to Config.OnPlanChange after the change is stored.
type PlanChangeEvent struct {
	// UserID is the internal user identifier
	UserID string

	// PreviousPlan is the effective plan before the change
	PreviousPlan PlanID

	// NewPlan is the effective plan after the change
	NewPlan PlanID

	// Gateway is the payment provider name
	Gateway string

	// Source is the gateway event type, or "verify"/"replay" for
	// reconciliation outside the webhook path
	Source string

	// OccurredAt is the creation time of the triggering gateway event
	OccurredAt time.Time

	// EndDate is when the new plan lapses (nil for free)
	EndDate *time.Time
}

// notePlanChange records and announces a change of effective plan between
// the before and after states of one account.
func (s *Service) notePlanChange(ctx context.Context, before, after *Account, source string, at time.Time) {
	now := s.now()
	from, to := EffectivePlan(before, now), EffectivePlan(after, now)
	if from == to {
		return
	}
	s.metrics.RecordPlanChange(string(from), string(to))
	if s.onPlanChange == nil {
		return
	}
	ev := PlanChangeEvent{
		UserID:       after.UserID,
		PreviousPlan: from,
		NewPlan:      to,
		Gateway:      s.gateway.Name(),
		Source:       source,
		OccurredAt:   at,
	}
	if to != PlanFree {
		ev.EndDate = cloneTime(after.Subscription.EndDate)
	}
	func() {
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("plan change callback panicked", Field{"user_id", after.UserID}, Field{"panic", r})
			}
		}()
		s.onPlanChange(ctx, ev)
	}()
}
