package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"

	"github.com/mihaimyh/inkpass/pkg/billing"
)

var psql = squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar)

var transactionColumns = []string{
	"id", "transaction_id", "user_id", "user_email", "user_name",
	"amount", "currency", "plan", "plan_name", "gateway",
	"session_id", "external_subscription_id", "external_customer_id",
	"external_payment_intent_id", "external_invoice_id",
	"status", "type", "period_start", "period_end", "description", "metadata",
	"paid_at", "failed_at", "refunded_at", "created_at", "updated_at",
}

func encodeMetadata(m map[string]string) ([]byte, error) {
	if m == nil {
		m = map[string]string{}
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode metadata: %w", err)
	}
	return b, nil
}

func scanTransaction(row pgx.Row) (*billing.Transaction, error) {
	var (
		t        billing.Transaction
		plan     string
		status   string
		txType   string
		metadata []byte
	)
	err := row.Scan(
		&t.ID, &t.TransactionID, &t.UserID, &t.UserEmail, &t.UserName,
		&t.Amount, &t.Currency, &plan, &t.PlanName, &t.Gateway,
		&t.SessionID, &t.ExternalSubscriptionID, &t.ExternalCustomerID,
		&t.ExternalPaymentIntentID, &t.ExternalInvoiceID,
		&status, &txType, &t.PeriodStart, &t.PeriodEnd, &t.Description, &metadata,
		&t.PaidAt, &t.FailedAt, &t.RefundedAt, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, billing.ErrTransactionNotFound
		}
		return nil, fmt.Errorf("failed to scan transaction: %w", err)
	}
	t.Plan = billing.PlanID(plan)
	t.Status = billing.TransactionStatus(status)
	t.Type = billing.TransactionType(txType)
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &t.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode metadata: %w", err)
		}
	}
	return &t, nil
}

func insertTransaction(ctx context.Context, q querier, t *billing.Transaction) (bool, error) {
	meta, err := encodeMetadata(t.Metadata)
	if err != nil {
		return false, err
	}
	sql, args, err := psql.Insert("transactions").
		Columns(transactionColumns...).
		Values(
			t.ID, t.TransactionID, t.UserID, t.UserEmail, t.UserName,
			t.Amount, t.Currency, string(t.Plan), t.PlanName, t.Gateway,
			t.SessionID, t.ExternalSubscriptionID, t.ExternalCustomerID,
			t.ExternalPaymentIntentID, t.ExternalInvoiceID,
			string(t.Status), string(t.Type), t.PeriodStart, t.PeriodEnd, t.Description, meta,
			t.PaidAt, t.FailedAt, t.RefundedAt, t.CreatedAt, t.UpdatedAt,
		).
		Suffix("ON CONFLICT (transaction_id) DO NOTHING").
		ToSql()
	if err != nil {
		return false, fmt.Errorf("failed to build insert: %w", err)
	}
	tag, err := q.Exec(ctx, sql, args...)
	if err != nil {
		return false, fmt.Errorf("failed to insert transaction: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// InsertTransaction implements billing.Storage
func (s *Storage) InsertTransaction(ctx context.Context, t *billing.Transaction) (bool, error) {
	if t == nil || t.TransactionID == "" {
		return false, fmt.Errorf("transaction id is required")
	}
	return insertTransaction(ctx, s.db, t)
}

// GetTransaction implements billing.Storage
func (s *Storage) GetTransaction(ctx context.Context, id string) (*billing.Transaction, error) {
	sql, args, err := psql.Select(transactionColumns...).From("transactions").
		Where(squirrel.Eq{"id": id}).ToSql()
	if err != nil {
		return nil, err
	}
	return scanTransaction(s.db.QueryRow(ctx, sql, args...))
}

// GetTransactionByKey implements billing.Storage
func (s *Storage) GetTransactionByKey(ctx context.Context, key string) (*billing.Transaction, error) {
	sql, args, err := psql.Select(transactionColumns...).From("transactions").
		Where(squirrel.Eq{"transaction_id": key}).ToSql()
	if err != nil {
		return nil, err
	}
	return scanTransaction(s.db.QueryRow(ctx, sql, args...))
}

// where translates a filter into a squirrel predicate.
func where(f billing.TransactionFilter) squirrel.And {
	pred := squirrel.And{}
	if f.UserID != "" {
		pred = append(pred, squirrel.Eq{"user_id": f.UserID})
	}
	if f.Status != "" {
		pred = append(pred, squirrel.Eq{"status": string(f.Status)})
	}
	if f.Type != "" {
		pred = append(pred, squirrel.Eq{"type": string(f.Type)})
	}
	if term := strings.TrimSpace(f.Search); term != "" {
		like := "%" + escapeLike(term) + "%"
		pred = append(pred, squirrel.Or{
			squirrel.ILike{"user_email": like},
			squirrel.ILike{"user_name": like},
			squirrel.ILike{"transaction_id": like},
		})
	}
	return pred
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

// ListTransactions implements billing.Storage
func (s *Storage) ListTransactions(ctx context.Context, f billing.TransactionFilter) ([]billing.Transaction, int, error) {
	pred := where(f)

	countSQL, countArgs, err := psql.Select("COUNT(*)").From("transactions").Where(pred).ToSql()
	if err != nil {
		return nil, 0, err
	}
	var total int
	if err := s.db.QueryRow(ctx, countSQL, countArgs...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count transactions: %w", err)
	}

	q := psql.Select(transactionColumns...).From("transactions").Where(pred).
		OrderBy("created_at DESC", "id DESC")
	if f.Limit > 0 {
		q = q.Limit(uint64(f.Limit))
	}
	if f.Offset > 0 {
		q = q.Offset(uint64(f.Offset))
	}
	sql, args, err := q.ToSql()
	if err != nil {
		return nil, 0, err
	}
	rows, err := s.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list transactions: %w", err)
	}
	defer rows.Close()

	var out []billing.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("failed to iterate transactions: %w", err)
	}
	return out, total, nil
}

// PeriodCovered implements billing.Storage
func (s *Storage) PeriodCovered(ctx context.Context, subscriptionID string, periodEnd time.Time) (bool, error) {
	var covered bool
	err := s.db.QueryRow(ctx,
		`SELECT EXISTS (
			SELECT 1 FROM transactions
			WHERE external_subscription_id = $1 AND status = 'completed' AND period_end = $2
		)`, subscriptionID, periodEnd).Scan(&covered)
	if err != nil {
		return false, fmt.Errorf("failed to check period coverage: %w", err)
	}
	return covered, nil
}

// InvoiceRecorded implements billing.Storage
func (s *Storage) InvoiceRecorded(ctx context.Context, invoiceID string) (bool, error) {
	var recorded bool
	err := s.db.QueryRow(ctx,
		`SELECT EXISTS (
			SELECT 1 FROM transactions
			WHERE external_invoice_id = $1 AND status = 'completed'
		)`, invoiceID).Scan(&recorded)
	if err != nil {
		return false, fmt.Errorf("failed to check invoice: %w", err)
	}
	return recorded, nil
}

// StatusBreakdown implements billing.Storage
func (s *Storage) StatusBreakdown(ctx context.Context, f billing.TransactionFilter) ([]billing.StatusStat, error) {
	sql, args, err := psql.Select("status", "COUNT(*)", "COALESCE(SUM(amount), 0)").
		From("transactions").Where(where(f)).GroupBy("status").OrderBy("status").ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := s.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate statuses: %w", err)
	}
	defer rows.Close()

	var out []billing.StatusStat
	for rows.Next() {
		var st billing.StatusStat
		var status string
		if err := rows.Scan(&status, &st.Count, &st.TotalAmount); err != nil {
			return nil, fmt.Errorf("failed to scan status stat: %w", err)
		}
		st.Status = billing.TransactionStatus(status)
		out = append(out, st)
	}
	return out, rows.Err()
}

// Revenue implements billing.Storage
func (s *Storage) Revenue(ctx context.Context, since time.Time) (billing.RevenueStat, error) {
	q := psql.Select("COALESCE(SUM(amount), 0)", "COUNT(*)").From("transactions").
		Where(squirrel.Eq{"status": string(billing.TxCompleted)})
	if !since.IsZero() {
		q = q.Where(squirrel.GtOrEq{"created_at": since})
	}
	sql, args, err := q.ToSql()
	if err != nil {
		return billing.RevenueStat{}, err
	}
	var st billing.RevenueStat
	if err := s.db.QueryRow(ctx, sql, args...).Scan(&st.Total, &st.Count); err != nil {
		return billing.RevenueStat{}, fmt.Errorf("failed to sum revenue: %w", err)
	}
	return st, nil
}

// PlanBreakdown implements billing.Storage
func (s *Storage) PlanBreakdown(ctx context.Context) ([]billing.PlanStat, error) {
	sql, args, err := psql.Select("plan", "COUNT(*)", "COALESCE(SUM(amount), 0)").From("transactions").
		Where(squirrel.Eq{
			"status": string(billing.TxCompleted),
			"type":   []string{string(billing.TxSubscription), string(billing.TxRenewal)},
		}).
		GroupBy("plan").OrderBy("plan").ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := s.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate plans: %w", err)
	}
	defer rows.Close()

	var out []billing.PlanStat
	for rows.Next() {
		var st billing.PlanStat
		var plan string
		if err := rows.Scan(&plan, &st.Count, &st.Revenue); err != nil {
			return nil, fmt.Errorf("failed to scan plan stat: %w", err)
		}
		st.Plan = billing.PlanID(plan)
		out = append(out, st)
	}
	return out, rows.Err()
}

// MonthlyRevenue implements billing.Storage
func (s *Storage) MonthlyRevenue(ctx context.Context, since time.Time) ([]billing.MonthStat, error) {
	rows, err := s.db.Query(ctx,
		`SELECT EXTRACT(YEAR FROM created_at AT TIME ZONE 'UTC')::int AS y,
				EXTRACT(MONTH FROM created_at AT TIME ZONE 'UTC')::int AS m,
				COUNT(*), COALESCE(SUM(amount), 0)
			FROM transactions
			WHERE status = 'completed' AND created_at >= $1
			GROUP BY y, m
			ORDER BY y, m`, since)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate months: %w", err)
	}
	defer rows.Close()

	var out []billing.MonthStat
	for rows.Next() {
		var st billing.MonthStat
		var month int
		if err := rows.Scan(&st.Year, &month, &st.Count, &st.Revenue); err != nil {
			return nil, fmt.Errorf("failed to scan month stat: %w", err)
		}
		st.Month = time.Month(month)
		out = append(out, st)
	}
	return out, rows.Err()
}
