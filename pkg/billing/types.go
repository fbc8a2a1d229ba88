package billing

import "time"

// PlanID identifies a plan in the catalog.
type PlanID string

const (
	PlanFree    PlanID = "free"
	PlanPremium PlanID = "premium"
	PlanPro     PlanID = "pro"

	// PlanAdmin is the effective plan of administrators. It is never stored
	// and never purchasable; it only carries unlimited entitlements.
	PlanAdmin PlanID = "admin"
)

// Role is the platform role of an account holder.
type Role string

const (
	RoleUser   Role = "user"
	RoleAuthor Role = "author"
	RoleAdmin  Role = "admin"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAuthor, RoleAdmin:
		return true
	}
	return false
}

// SubscriptionStatus is the stored status of a subscription.
type SubscriptionStatus string

const (
	StatusActive    SubscriptionStatus = "active"
	StatusExpired   SubscriptionStatus = "expired"
	StatusCancelled SubscriptionStatus = "cancelled"
)

// Subscription is the subscription value owned by an account.
//
// Expiry is never written back by a background job: readers evaluate
// EndDate lazily through Subscription.EffectivePlan.
type Subscription struct {
	Plan      PlanID
	Status    SubscriptionStatus
	StartDate *time.Time
	EndDate   *time.Time

	// CancelAtPeriodEnd marks a cancellation scheduled with the gateway.
	// The paid plan stays effective until EndDate.
	CancelAtPeriodEnd bool

	ExternalSubscriptionID string
	ExternalCustomerID     string
	SessionID              string

	// GatewayUpdatedAt is the creation time of the last gateway event applied
	// to this subscription. Older events do not overwrite newer state.
	GatewayUpdatedAt *time.Time
}

// FreeSubscription returns the subscription every new account starts with.
func FreeSubscription() Subscription {
	return Subscription{Plan: PlanFree, Status: StatusActive}
}

// EffectivePlan returns the plan the subscription entitles at now.
func (s Subscription) EffectivePlan(now time.Time) PlanID {
	if s.Plan == "" || s.Plan == PlanFree {
		return PlanFree
	}
	if s.EndDate == nil || !s.EndDate.After(now) {
		return PlanFree
	}
	switch s.Status {
	case StatusActive:
		return s.Plan
	case StatusCancelled:
		if s.CancelAtPeriodEnd {
			return s.Plan
		}
	}
	return PlanFree
}

// Expired reports whether a paid subscription has lapsed at now.
func (s Subscription) Expired(now time.Time) bool {
	return s.Plan != PlanFree && s.Plan != "" && s.EffectivePlan(now) == PlanFree
}

// UsageCounter counts metered operations for one accounting month.
type UsageCounter struct {
	Month time.Month
	Year  int
	Count int
}

// InPeriod reports whether the counter belongs to the accounting month of now.
func (u UsageCounter) InPeriod(now time.Time) bool {
	now = now.UTC()
	return u.Month == now.Month() && u.Year == now.Year()
}

// Current returns the counter as seen at now, rolled over to zero when it
// belongs to an earlier month.
func (u UsageCounter) Current(now time.Time) UsageCounter {
	if u.InPeriod(now) {
		return u
	}
	now = now.UTC()
	return UsageCounter{Month: now.Month(), Year: now.Year()}
}

// Profile is the identity an external auth service vouches for.
type Profile struct {
	UserID string
	Email  string
	Name   string
	Role   Role
}

// Account is the billing view of a platform user.
type Account struct {
	UserID       string
	Email        string
	Name         string
	Role         Role
	Subscription Subscription
	Usage        UsageCounter
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Profile returns the identity portion of the account.
func (a *Account) Profile() Profile {
	return Profile{UserID: a.UserID, Email: a.Email, Name: a.Name, Role: a.Role}
}

// TransactionStatus is the lifecycle state of a ledger row.
type TransactionStatus string

const (
	TxPending   TransactionStatus = "pending"
	TxCompleted TransactionStatus = "completed"
	TxFailed    TransactionStatus = "failed"
	TxCancelled TransactionStatus = "cancelled"
	TxRefunded  TransactionStatus = "refunded"
)

// Valid reports whether s is a known status.
func (s TransactionStatus) Valid() bool {
	switch s {
	case TxPending, TxCompleted, TxFailed, TxCancelled, TxRefunded:
		return true
	}
	return false
}

// CanTransition reports whether a row in status s may move to next.
// Terminal states are final except completed -> refunded.
func (s TransactionStatus) CanTransition(next TransactionStatus) bool {
	switch s {
	case TxPending:
		return next == TxCompleted || next == TxFailed || next == TxCancelled
	case TxCompleted:
		return next == TxRefunded
	}
	return false
}

// TransactionType classifies a ledger row.
type TransactionType string

const (
	TxSubscription TransactionType = "subscription"
	TxRenewal      TransactionType = "renewal"
	TxUpgrade      TransactionType = "upgrade"
	TxCancellation TransactionType = "cancellation"
	TxRefund       TransactionType = "refund"
)

// Valid reports whether t is a known type.
func (t TransactionType) Valid() bool {
	switch t {
	case TxSubscription, TxRenewal, TxUpgrade, TxCancellation, TxRefund:
		return true
	}
	return false
}

// Transaction is one ledger row.
type Transaction struct {
	// ID is the internal row id.
	ID string `json:"id"`
	// TransactionID is the idempotency key: the checkout session id for the
	// first row of a subscription, a prefixed derived key otherwise.
	TransactionID string `json:"transactionId"`

	UserID    string `json:"userId"`
	UserEmail string `json:"userEmail,omitempty"`
	UserName  string `json:"userName,omitempty"`

	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	Plan     PlanID `json:"plan"`
	PlanName string `json:"planName"`
	Gateway  string `json:"gateway"`

	SessionID               string `json:"sessionId,omitempty"`
	ExternalSubscriptionID  string `json:"externalSubscriptionId,omitempty"`
	ExternalCustomerID      string `json:"externalCustomerId,omitempty"`
	ExternalPaymentIntentID string `json:"externalPaymentIntentId,omitempty"`
	ExternalInvoiceID       string `json:"externalInvoiceId,omitempty"`

	Status      TransactionStatus `json:"status"`
	Type        TransactionType   `json:"type"`
	PeriodStart *time.Time        `json:"periodStart,omitempty"`
	PeriodEnd   *time.Time        `json:"periodEnd,omitempty"`
	Description string            `json:"description"`
	Metadata    map[string]string `json:"metadata,omitempty"`

	PaidAt     *time.Time `json:"paidAt,omitempty"`
	FailedAt   *time.Time `json:"failedAt,omitempty"`
	RefundedAt *time.Time `json:"refundedAt,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
}

// Clone returns a deep copy of t.
func (t *Transaction) Clone() *Transaction {
	if t == nil {
		return nil
	}
	c := *t
	c.PeriodStart = cloneTime(t.PeriodStart)
	c.PeriodEnd = cloneTime(t.PeriodEnd)
	c.PaidAt = cloneTime(t.PaidAt)
	c.FailedAt = cloneTime(t.FailedAt)
	c.RefundedAt = cloneTime(t.RefundedAt)
	if t.Metadata != nil {
		c.Metadata = make(map[string]string, len(t.Metadata))
		for k, v := range t.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

// Clone returns a deep copy of s.
func (s Subscription) Clone() Subscription {
	s.StartDate = cloneTime(s.StartDate)
	s.EndDate = cloneTime(s.EndDate)
	s.GatewayUpdatedAt = cloneTime(s.GatewayUpdatedAt)
	return s
}

// Clone returns a deep copy of a.
func (a *Account) Clone() *Account {
	if a == nil {
		return nil
	}
	c := *a
	c.Subscription = a.Subscription.Clone()
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func timePtr(t time.Time) *time.Time {
	return &t
}
