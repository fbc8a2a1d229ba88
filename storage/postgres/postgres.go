// Package postgres provides a PostgreSQL implementation of the billing.Storage interface.
// Account writes run in transactions holding the account row lock (SELECT ... FOR UPDATE),
// so usage consumption and subscription changes are atomic per user.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mihaimyh/inkpass/pkg/billing"
)

// DB is the subset of *pgxpool.Pool the storage uses.
type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Storage implements billing.Storage using PostgreSQL
type Storage struct {
	db   DB
	pool *pgxpool.Pool
}

var _ billing.Storage = (*Storage)(nil)

// Config holds PostgreSQL storage configuration
type Config struct {
	// ConnectionString is the PostgreSQL connection string
	ConnectionString string `env:"DATABASE_URL"`

	// Pool configuration
	MaxConns        int32         `env:"DATABASE_MAX_CONNS" envDefault:"10"`
	MinConns        int32         `env:"DATABASE_MIN_CONNS" envDefault:"2"`
	MaxConnLifetime time.Duration `env:"DATABASE_MAX_CONN_LIFETIME" envDefault:"1h"`
	MaxConnIdleTime time.Duration `env:"DATABASE_MAX_CONN_IDLE_TIME" envDefault:"30m"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
	}
}

// New creates a new PostgreSQL storage adapter
func New(ctx context.Context, config Config) (*Storage, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%w: failed to ping database: %v", billing.ErrStorageUnavailable, err)
	}

	return &Storage{db: pool, pool: pool}, nil
}

// NewWithDB wraps an existing connection, such as a pgxmock pool.
func NewWithDB(db DB) *Storage {
	s := &Storage{db: db}
	if pool, ok := db.(*pgxpool.Pool); ok {
		s.pool = pool
	}
	return s
}

// Pool returns the underlying pool, or nil when built from a plain DB.
func (s *Storage) Pool() *pgxpool.Pool { return s.pool }

// Close closes the PostgreSQL connection pool
func (s *Storage) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks the PostgreSQL connection
func (s *Storage) Ping(ctx context.Context) error {
	if s.pool == nil {
		return nil
	}
	return s.pool.Ping(ctx)
}

const accountColumns = `user_id, email, name, role, plan, status, start_date, end_date,
	cancel_at_period_end, external_subscription_id, external_customer_id, session_id,
	gateway_updated_at, usage_month, usage_year, usage_count, created_at, updated_at`

func scanAccount(row pgx.Row) (*billing.Account, error) {
	var (
		a      billing.Account
		role   string
		plan   string
		status string
		month  int
	)
	err := row.Scan(
		&a.UserID, &a.Email, &a.Name, &role, &plan, &status,
		&a.Subscription.StartDate, &a.Subscription.EndDate, &a.Subscription.CancelAtPeriodEnd,
		&a.Subscription.ExternalSubscriptionID, &a.Subscription.ExternalCustomerID, &a.Subscription.SessionID,
		&a.Subscription.GatewayUpdatedAt, &month, &a.Usage.Year, &a.Usage.Count,
		&a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, billing.ErrAccountNotFound
		}
		return nil, fmt.Errorf("failed to scan account: %w", err)
	}
	a.Role = billing.Role(role)
	a.Subscription.Plan = billing.PlanID(plan)
	a.Subscription.Status = billing.SubscriptionStatus(status)
	a.Usage.Month = time.Month(month)
	return &a, nil
}

// UpsertAccount implements billing.Storage
func (s *Storage) UpsertAccount(ctx context.Context, p billing.Profile, now time.Time) (*billing.Account, error) {
	if p.UserID == "" {
		return nil, fmt.Errorf("user id is required")
	}
	role := string(p.Role)
	utc := now.UTC()
	row := s.db.QueryRow(ctx,
		`INSERT INTO accounts (user_id, email, name, role, usage_month, usage_year, created_at, updated_at)
			VALUES ($1, $2, $3, COALESCE(NULLIF($4, ''), 'user'), $5, $6, $7, $7)
			ON CONFLICT (user_id) DO UPDATE SET
				email = COALESCE(NULLIF(EXCLUDED.email, ''), accounts.email),
				name = COALESCE(NULLIF(EXCLUDED.name, ''), accounts.name),
				role = CASE WHEN $4 = '' THEN accounts.role ELSE EXCLUDED.role END,
				updated_at = EXCLUDED.updated_at
			RETURNING `+accountColumns,
		p.UserID, p.Email, p.Name, role, int(utc.Month()), utc.Year(), now,
	)
	acct, err := scanAccount(row)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert account: %w", err)
	}
	return acct, nil
}

// GetAccount implements billing.Storage
func (s *Storage) GetAccount(ctx context.Context, userID string) (*billing.Account, error) {
	return scanAccount(s.db.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE user_id = $1`, userID))
}

// FindAccountBySubscription implements billing.Storage
func (s *Storage) FindAccountBySubscription(ctx context.Context, id string) (*billing.Account, error) {
	if id == "" {
		return nil, billing.ErrAccountNotFound
	}
	return scanAccount(s.db.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE external_subscription_id = $1
			ORDER BY updated_at DESC LIMIT 1`, id))
}

// FindAccountByCustomer implements billing.Storage
func (s *Storage) FindAccountByCustomer(ctx context.Context, id string) (*billing.Account, error) {
	if id == "" {
		return nil, billing.ErrAccountNotFound
	}
	return scanAccount(s.db.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE external_customer_id = $1
			ORDER BY updated_at DESC LIMIT 1`, id))
}

// ApplyChange implements billing.Storage
//
//nolint:gocyclo // single transaction covering subscription, completion and appends
func (s *Storage) ApplyChange(ctx context.Context, change *billing.Change) (*billing.ChangeResult, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		//nolint:errcheck // Rollback error is safe to ignore if transaction was committed
		_ = tx.Rollback(ctx)
	}()

	// Serialize writers of this account.
	var locked string
	err = tx.QueryRow(ctx, `SELECT user_id FROM accounts WHERE user_id = $1 FOR UPDATE`, change.UserID).Scan(&locked)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, billing.ErrAccountNotFound
		}
		return nil, fmt.Errorf("failed to lock account: %w", err)
	}

	res := &billing.ChangeResult{}

	if sub := change.Subscription; sub != nil {
		_, err = tx.Exec(ctx,
			`UPDATE accounts SET plan = $2, status = $3, start_date = $4, end_date = $5,
				cancel_at_period_end = $6, external_subscription_id = $7, external_customer_id = $8,
				session_id = $9, gateway_updated_at = $10, updated_at = NOW()
				WHERE user_id = $1`,
			change.UserID, string(sub.Plan), string(sub.Status), sub.StartDate, sub.EndDate,
			sub.CancelAtPeriodEnd, sub.ExternalSubscriptionID, sub.ExternalCustomerID,
			sub.SessionID, sub.GatewayUpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to update subscription: %w", err)
		}
	}

	if c := change.Complete; c != nil {
		if err := completeTransaction(ctx, tx, c, res); err != nil {
			return nil, err
		}
	}

	for _, row := range change.Append {
		inserted, err := insertTransaction(ctx, tx, row)
		if err != nil {
			return nil, err
		}
		if inserted {
			res.Appended++
		}
	}

	acct, err := scanAccount(tx.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE user_id = $1`, change.UserID))
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}
	res.Account = acct
	return res, nil
}

// completeTransaction moves a pending row to completed with a conditional
// update, inserting the row when none exists.
func completeTransaction(ctx context.Context, tx pgx.Tx, c *billing.Transaction, res *billing.ChangeResult) error {
	meta, err := encodeMetadata(c.Metadata)
	if err != nil {
		return err
	}
	tag, err := tx.Exec(ctx,
		`UPDATE transactions SET status = 'completed', amount = $2, currency = $3,
			external_subscription_id = $4, external_customer_id = $5, external_payment_intent_id = $6,
			external_invoice_id = COALESCE(NULLIF($7, ''), external_invoice_id),
			period_start = $8, period_end = $9, paid_at = $10,
			metadata = metadata || $11::jsonb, updated_at = $12
			WHERE transaction_id = $1 AND status = 'pending'`,
		c.TransactionID, c.Amount, c.Currency,
		c.ExternalSubscriptionID, c.ExternalCustomerID, c.ExternalPaymentIntentID,
		c.ExternalInvoiceID, c.PeriodStart, c.PeriodEnd, c.PaidAt, meta, c.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to complete transaction: %w", err)
	}
	if tag.RowsAffected() == 1 {
		res.Completed = true
		return nil
	}

	var status string
	err = tx.QueryRow(ctx, `SELECT status FROM transactions WHERE transaction_id = $1`, c.TransactionID).Scan(&status)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		if _, err := insertTransaction(ctx, tx, c); err != nil {
			return err
		}
		res.Completed = true
		return nil
	case err != nil:
		return fmt.Errorf("failed to read transaction status: %w", err)
	case billing.TransactionStatus(status) == billing.TxCompleted:
		res.AlreadyCompleted = true
		return nil
	}
	return fmt.Errorf("%w: %s -> %s", billing.ErrInvalidTransition, status, billing.TxCompleted)
}

// ConsumeUsage implements billing.Storage with transaction-safe consumption
func (s *Storage) ConsumeUsage(ctx context.Context, req *billing.ConsumeRequest) (*billing.ConsumeResult, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		//nolint:errcheck // Rollback error is safe to ignore if transaction was committed
		_ = tx.Rollback(ctx)
	}()

	var month, year, count int
	err = tx.QueryRow(ctx,
		`SELECT usage_month, usage_year, usage_count FROM accounts WHERE user_id = $1 FOR UPDATE`,
		req.UserID).Scan(&month, &year, &count)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, billing.ErrAccountNotFound
		}
		return nil, fmt.Errorf("failed to get usage for update: %w", err)
	}

	if time.Month(month) != req.Month || year != req.Year {
		count = 0
	}
	usage := billing.UsageCounter{Month: req.Month, Year: req.Year, Count: count}
	if req.Limit != billing.Unlimited && count >= req.Limit {
		// Persist a rollover even when denying, so readers see the new period.
		if time.Month(month) != req.Month || year != req.Year {
			if err := writeUsage(ctx, tx, req.UserID, usage); err != nil {
				return nil, err
			}
			if err := tx.Commit(ctx); err != nil {
				return nil, fmt.Errorf("failed to commit: %w", err)
			}
		}
		return &billing.ConsumeResult{Allowed: false, Usage: usage}, nil
	}

	usage.Count++
	if err := writeUsage(ctx, tx, req.UserID, usage); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}
	return &billing.ConsumeResult{Allowed: true, Usage: usage}, nil
}

func writeUsage(ctx context.Context, tx pgx.Tx, userID string, u billing.UsageCounter) error {
	_, err := tx.Exec(ctx,
		`UPDATE accounts SET usage_month = $2, usage_year = $3, usage_count = $4, updated_at = NOW()
			WHERE user_id = $1`,
		userID, int(u.Month), u.Year, u.Count)
	if err != nil {
		return fmt.Errorf("failed to update usage: %w", err)
	}
	return nil
}

// ResetUsage implements billing.Storage
func (s *Storage) ResetUsage(ctx context.Context, userID string, month time.Month, year int) (billing.UsageCounter, error) {
	var m, y, count int
	err := s.db.QueryRow(ctx,
		`UPDATE accounts SET
				usage_count = CASE WHEN usage_month = $2 AND usage_year = $3 THEN usage_count ELSE 0 END,
				usage_month = $2, usage_year = $3
			WHERE user_id = $1
			RETURNING usage_month, usage_year, usage_count`,
		userID, int(month), year).Scan(&m, &y, &count)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return billing.UsageCounter{}, billing.ErrAccountNotFound
		}
		return billing.UsageCounter{}, fmt.Errorf("failed to reset usage: %w", err)
	}
	return billing.UsageCounter{Month: time.Month(m), Year: y, Count: count}, nil
}
