package billing

import (
	"context"
	"time"
)

// Storage defines the persistence interface for accounts and the ledger.
//
// Implementations must make ApplyChange and ConsumeUsage atomic per account:
// concurrent callers for the same user observe each other's writes in some
// serial order.
type Storage interface {
	// UpsertAccount creates the account on first sight and refreshes its
	// profile fields. Empty profile fields never overwrite stored values.
	UpsertAccount(ctx context.Context, profile Profile, now time.Time) (*Account, error)

	// GetAccount returns ErrAccountNotFound when the user is unknown.
	GetAccount(ctx context.Context, userID string) (*Account, error)

	// FindAccountBySubscription looks an account up by gateway subscription id.
	FindAccountBySubscription(ctx context.Context, externalSubscriptionID string) (*Account, error)

	// FindAccountByCustomer looks an account up by gateway customer id.
	FindAccountByCustomer(ctx context.Context, externalCustomerID string) (*Account, error)

	// ApplyChange atomically writes a subscription change and its ledger effects.
	ApplyChange(ctx context.Context, change *Change) (*ChangeResult, error)

	// InsertTransaction appends a row unless its TransactionID already exists.
	InsertTransaction(ctx context.Context, tx *Transaction) (bool, error)

	// ConsumeUsage atomically rolls the counter over to req's period when
	// stale, then increments it only if the count is below req.Limit.
	ConsumeUsage(ctx context.Context, req *ConsumeRequest) (*ConsumeResult, error)

	// ResetUsage rolls a stale counter over to the given period.
	ResetUsage(ctx context.Context, userID string, month time.Month, year int) (UsageCounter, error)

	// GetTransaction looks a row up by internal id.
	GetTransaction(ctx context.Context, id string) (*Transaction, error)

	// GetTransactionByKey looks a row up by its idempotency key.
	GetTransactionByKey(ctx context.Context, transactionID string) (*Transaction, error)

	// ListTransactions returns one page of rows matching filter, newest first,
	// and the total number of matching rows.
	ListTransactions(ctx context.Context, filter TransactionFilter) ([]Transaction, int, error)

	// PeriodCovered reports whether a completed row of the subscription
	// already covers the billing period ending at periodEnd.
	PeriodCovered(ctx context.Context, externalSubscriptionID string, periodEnd time.Time) (bool, error)
	// InvoiceRecorded reports whether a completed row already accounts for
	// the gateway invoice.
	InvoiceRecorded(ctx context.Context, externalInvoiceID string) (bool, error)

	// StatusBreakdown aggregates rows matching filter by status.
	StatusBreakdown(ctx context.Context, filter TransactionFilter) ([]StatusStat, error)

	// Revenue sums completed rows created at or after since (zero: all time).
	Revenue(ctx context.Context, since time.Time) (RevenueStat, error)

	// PlanBreakdown aggregates completed subscription and renewal rows by plan.
	PlanBreakdown(ctx context.Context) ([]PlanStat, error)

	// MonthlyRevenue aggregates completed rows per UTC month since the given time.
	MonthlyRevenue(ctx context.Context, since time.Time) ([]MonthStat, error)
}

// Change is one unit of work against an account and the ledger.
type Change struct {
	UserID string

	// Subscription replaces the stored subscription when set.
	Subscription *Subscription

	// Complete moves the row keyed by Complete.TransactionID from pending to
	// completed. A missing row is inserted as completed; a row that is
	// already completed is left untouched.
	Complete *Transaction

	// Append inserts rows whose TransactionID is not yet present.
	Append []*Transaction
}

// ChangeResult reports what ApplyChange actually wrote.
type ChangeResult struct {
	Account          *Account
	Completed        bool
	AlreadyCompleted bool
	Appended         int
}

// ConsumeRequest represents a metered usage consumption request.
type ConsumeRequest struct {
	UserID string
	Month  time.Month
	Year   int
	// Limit is the allowance for the period; Unlimited disables the check.
	Limit int
}

// ConsumeResult is the outcome of ConsumeUsage.
type ConsumeResult struct {
	Allowed bool
	Usage   UsageCounter
}

// TransactionFilter selects ledger rows. Zero values match everything.
type TransactionFilter struct {
	UserID string
	Status TransactionStatus
	Type   TransactionType
	// Search matches user email, user name or transaction id, case-insensitive.
	Search string
	Offset int
	Limit  int
}

// StatusStat is a per-status aggregate.
type StatusStat struct {
	Status      TransactionStatus `json:"status"`
	Count       int               `json:"count"`
	TotalAmount int64             `json:"totalAmount"`
}

// RevenueStat is a revenue aggregate of completed rows.
type RevenueStat struct {
	Total int64 `json:"total"`
	Count int   `json:"count"`
}

// PlanStat is a per-plan aggregate of completed rows.
type PlanStat struct {
	Plan    PlanID `json:"plan"`
	Count   int    `json:"count"`
	Revenue int64  `json:"revenue"`
}

// MonthStat is a per-month aggregate of completed rows.
type MonthStat struct {
	Year    int        `json:"year"`
	Month   time.Month `json:"month"`
	Count   int        `json:"count"`
	Revenue int64      `json:"revenue"`
}
