package billing

import (
	"context"
	"time"
)

// QuotaManager derives effective plans and meters AI summary usage.
type QuotaManager struct {
	storage Storage
	catalog *Catalog
	metrics Metrics
	logger  Logger
	now     func() time.Time
}

// NewQuotaManager creates a quota manager over storage and catalog
func NewQuotaManager(storage Storage, catalog *Catalog, metrics Metrics, logger Logger, now func() time.Time) (*QuotaManager, error) {
	if storage == nil {
		return nil, ErrStorageUnavailable
	}
	if catalog == nil {
		return nil, ErrInvalidPlan
	}
	if metrics == nil {
		metrics = &NoopMetrics{}
	}
	if logger == nil {
		logger = &NoopLogger{}
	}
	if now == nil {
		now = time.Now
	}
	return &QuotaManager{storage: storage, catalog: catalog, metrics: metrics, logger: logger, now: now}, nil
}

// Usage is a point-in-time view of a user's metered allowance.
type Usage struct {
	Used      int    `json:"used"`
	Limit     int    `json:"limit"`
	Remaining int    `json:"remaining"`
	Plan      PlanID `json:"plan"`
	Unlimited bool   `json:"unlimited"`
}

// ConsumeOutcome is the result of CheckAndConsume.
type ConsumeOutcome struct {
	Allowed bool
	Usage
}

// EffectivePlan returns the plan that entitles acct at now. Administrators
// always get PlanAdmin.
func EffectivePlan(acct *Account, now time.Time) PlanID {
	if acct.Role == RoleAdmin {
		return PlanAdmin
	}
	return acct.Subscription.EffectivePlan(now)
}

// EffectivePlan returns the plan that entitles acct right now.
func (q *QuotaManager) EffectivePlan(acct *Account) PlanID {
	return EffectivePlan(acct, q.now())
}

// Allows reports whether acct currently holds feature f.
func (q *QuotaManager) Allows(acct *Account, f Feature) bool {
	plan := q.EffectivePlan(acct)
	if plan == PlanAdmin {
		return true
	}
	if f == FeatureCreateContent && acct.Role == RoleAuthor {
		return true
	}
	p, err := q.catalog.Resolve(plan)
	if err != nil {
		return false
	}
	return p.HasFeature(f)
}

// Features lists the features acct currently holds.
func (q *QuotaManager) Features(acct *Account) []Feature {
	var out []Feature
	for _, f := range []Feature{FeatureAdFree, FeatureCreateContent} {
		if q.Allows(acct, f) {
			out = append(out, f)
		}
	}
	return out
}

// CheckAndConsume atomically checks the monthly allowance of userID and
// consumes one unit when available. A denied check consumes nothing.
func (q *QuotaManager) CheckAndConsume(ctx context.Context, userID string) (*ConsumeOutcome, error) {
	acct, err := q.storage.GetAccount(ctx, userID)
	if err != nil {
		return nil, persistenceErr("quota.consume", err)
	}
	now := q.now().UTC()
	plan := EffectivePlan(acct, now)
	limit := q.catalog.Limit(plan)

	res, err := q.storage.ConsumeUsage(ctx, &ConsumeRequest{
		UserID: userID,
		Month:  now.Month(),
		Year:   now.Year(),
		Limit:  limit,
	})
	if err != nil {
		return nil, persistenceErr("quota.consume", err)
	}

	q.metrics.RecordQuotaConsumption(string(plan), res.Allowed)
	if !res.Allowed {
		q.logger.Info("quota exceeded",
			Field{"user_id", userID},
			Field{"plan", plan},
			Field{"used", res.Usage.Count},
			Field{"limit", limit},
		)
	}
	return &ConsumeOutcome{Allowed: res.Allowed, Usage: newUsage(plan, res.Usage.Count, limit)}, nil
}

// Snapshot returns the usage of acct, rolling a stale counter over first.
func (q *QuotaManager) Snapshot(ctx context.Context, acct *Account) (Usage, error) {
	now := q.now().UTC()
	plan := EffectivePlan(acct, now)
	limit := q.catalog.Limit(plan)

	counter := acct.Usage
	if !counter.InPeriod(now) {
		reset, err := q.storage.ResetUsage(ctx, acct.UserID, now.Month(), now.Year())
		if err != nil {
			return Usage{}, persistenceErr("quota.snapshot", err)
		}
		counter = reset
		acct.Usage = reset
	}
	return newUsage(plan, counter.Count, limit), nil
}

func newUsage(plan PlanID, used, limit int) Usage {
	u := Usage{Used: used, Limit: limit, Plan: plan}
	if limit == Unlimited {
		u.Unlimited = true
		u.Remaining = Unlimited
		return u
	}
	u.Remaining = limit - used
	if u.Remaining < 0 {
		u.Remaining = 0
	}
	return u
}
