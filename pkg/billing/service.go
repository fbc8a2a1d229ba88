package billing

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"
)

// Config holds configuration for the billing Service.
type Config struct {
	Storage Storage
	Gateway Gateway
	Catalog *Catalog

	// Locker serializes writes per account. Defaults to an in-process KeyedMutex.
	Locker Locker

	// SuccessURL and CancelURL are the checkout redirect targets. The success
	// URL may carry the gateway's session id placeholder.
	SuccessURL string
	CancelURL  string

	// GatewayTimeout bounds every gateway call (default: 10s).
	GatewayTimeout time.Duration

	// LockTimeout bounds the wait for a per-account lock (default: 15s).
	LockTimeout time.Duration

	Logger  Logger
	Metrics Metrics

	// OnPlanChange, when set, is called after every stored change of an
	// account's effective plan. It runs synchronously under the account lock.
	OnPlanChange func(ctx context.Context, ev PlanChangeEvent)

	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Validate checks required fields.
func (c *Config) Validate() error {
	if c.Storage == nil {
		return fmt.Errorf("storage is required")
	}
	if c.Gateway == nil {
		return fmt.Errorf("gateway is required")
	}
	if c.Catalog == nil {
		return fmt.Errorf("catalog is required")
	}
	if c.SuccessURL == "" || c.CancelURL == "" {
		return fmt.Errorf("success and cancel URLs are required")
	}
	if c.GatewayTimeout < 0 || c.LockTimeout < 0 {
		return fmt.Errorf("timeouts must not be negative")
	}
	return nil
}

// Service is the subscription and billing reconciliation engine. It owns
// every write to an account's subscription and to the ledger.
type Service struct {
	storage Storage
	gateway Gateway
	catalog *Catalog
	locker  Locker
	quota   *QuotaManager
	logger  Logger
	metrics Metrics
	now     func() time.Time

	onPlanChange func(ctx context.Context, ev PlanChangeEvent)

	successURL     string
	cancelURL      string
	gatewayTimeout time.Duration
	lockTimeout    time.Duration

	verifies singleflight.Group
}

// NewService creates a Service from config.
func NewService(config Config) (*Service, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid billing config: %w", err)
	}
	if config.Locker == nil {
		config.Locker = NewKeyedMutex()
	}
	if config.GatewayTimeout == 0 {
		config.GatewayTimeout = 10 * time.Second
	}
	if config.LockTimeout == 0 {
		config.LockTimeout = 15 * time.Second
	}
	if config.Logger == nil {
		config.Logger = &NoopLogger{}
	}
	if config.Metrics == nil {
		config.Metrics = &NoopMetrics{}
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	quota, err := NewQuotaManager(config.Storage, config.Catalog, config.Metrics, config.Logger, config.Now)
	if err != nil {
		return nil, err
	}

	return &Service{
		storage:        config.Storage,
		gateway:        config.Gateway,
		catalog:        config.Catalog,
		locker:         config.Locker,
		quota:          quota,
		logger:         config.Logger,
		metrics:        config.Metrics,
		now:            config.Now,
		successURL:     config.SuccessURL,
		cancelURL:      config.CancelURL,
		gatewayTimeout: config.GatewayTimeout,
		lockTimeout:    config.LockTimeout,
		onPlanChange:   config.OnPlanChange,
	}, nil
}

// Quota returns the quota manager sharing this service's storage.
func (s *Service) Quota() *QuotaManager { return s.quota }

// Catalog returns the plan catalog.
func (s *Service) Catalog() *Catalog { return s.catalog }

// Gateway returns the payment gateway.
func (s *Service) Gateway() Gateway { return s.gateway }

// EnsureAccount creates or refreshes the account behind an authenticated identity.
func (s *Service) EnsureAccount(ctx context.Context, profile Profile) (*Account, error) {
	if profile.UserID == "" {
		return nil, validationErr("account.ensure", fmt.Errorf("%w: user id is required", ErrInvalidRequest))
	}
	if profile.Role != "" && !profile.Role.Valid() {
		return nil, validationErr("account.ensure", fmt.Errorf("%w: unknown role %q", ErrInvalidRequest, profile.Role))
	}
	acct, err := s.storage.UpsertAccount(ctx, profile, s.now())
	if err != nil {
		return nil, persistenceErr("account.ensure", err)
	}
	return acct, nil
}

// Account returns the stored account of userID.
func (s *Service) Account(ctx context.Context, userID string) (*Account, error) {
	acct, err := s.storage.GetAccount(ctx, userID)
	if err != nil {
		return nil, persistenceErr("account.get", err)
	}
	return acct, nil
}

// SubscriptionSnapshot is the read model every gated surface consumes.
type SubscriptionSnapshot struct {
	UserID            string             `json:"userId"`
	Plan              PlanID             `json:"plan"`
	SubscribedPlan    PlanID             `json:"subscribedPlan"`
	Status            SubscriptionStatus `json:"status"`
	StartDate         *time.Time         `json:"startDate,omitempty"`
	EndDate           *time.Time         `json:"endDate,omitempty"`
	CancelAtPeriodEnd bool               `json:"cancelAtPeriodEnd"`
	Expired           bool               `json:"expired"`
	Features          []Feature          `json:"features"`
	Quota             Usage              `json:"quota"`
}

// Snapshot builds the subscription read model of userID.
func (s *Service) Snapshot(ctx context.Context, userID string) (*SubscriptionSnapshot, error) {
	acct, err := s.Account(ctx, userID)
	if err != nil {
		return nil, err
	}
	return s.snapshotOf(ctx, acct)
}

func (s *Service) snapshotOf(ctx context.Context, acct *Account) (*SubscriptionSnapshot, error) {
	now := s.now()
	usage, err := s.quota.Snapshot(ctx, acct)
	if err != nil {
		return nil, err
	}
	sub := acct.Subscription
	status := sub.Status
	expired := sub.Expired(now)
	if expired && status == StatusActive {
		status = StatusExpired
	}
	features := s.quota.Features(acct)
	if features == nil {
		features = []Feature{}
	}
	return &SubscriptionSnapshot{
		UserID:            acct.UserID,
		Plan:              EffectivePlan(acct, now),
		SubscribedPlan:    sub.Plan,
		Status:            status,
		StartDate:         sub.StartDate,
		EndDate:           sub.EndDate,
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
		Expired:           expired,
		Features:          features,
		Quota:             usage,
	}, nil
}

// HasFeature reports whether userID currently holds feature f.
func (s *Service) HasFeature(ctx context.Context, userID string, f Feature) (bool, error) {
	acct, err := s.Account(ctx, userID)
	if err != nil {
		return false, err
	}
	return s.quota.Allows(acct, f), nil
}

// lockAccount acquires the per-account write lock.
func (s *Service) lockAccount(ctx context.Context, userID string) (func(), error) {
	lctx, cancel := context.WithTimeout(ctx, s.lockTimeout)
	defer cancel()
	unlock, err := s.locker.Lock(lctx, "account:"+userID)
	if err != nil {
		return nil, &Error{Kind: KindPersistence, Op: "account.lock", Err: fmt.Errorf("lock %s: %w", userID, err)}
	}
	return unlock, nil
}

// callGateway runs fn under the gateway timeout and tags failures.
func callGateway[T any](ctx context.Context, s *Service, op string, fn func(context.Context) (T, error)) (T, error) {
	gctx, cancel := context.WithTimeout(ctx, s.gatewayTimeout)
	defer cancel()
	v, err := fn(gctx)
	if err != nil {
		s.logger.Error("gateway call failed", Field{"op", op}, Field{"error", err.Error()})
		var zero T
		return zero, gatewayErr(op, err)
	}
	return v, nil
}
