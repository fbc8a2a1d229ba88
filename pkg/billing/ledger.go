package billing

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	// DefaultPageSize is used when a caller does not ask for a page size.
	DefaultPageSize = 10
	// MaxPageSize caps caller-requested page sizes.
	MaxPageSize = 100
)

// Pagination describes one page of a listing.
type Pagination struct {
	CurrentPage       int  `json:"currentPage"`
	TotalPages        int  `json:"totalPages"`
	TotalTransactions int  `json:"totalTransactions"`
	HasNextPage       bool `json:"hasNextPage"`
	HasPrevPage       bool `json:"hasPrevPage"`
}

// TransactionPage is one page of ledger rows.
type TransactionPage struct {
	Transactions []Transaction `json:"transactions"`
	Pagination   Pagination    `json:"pagination"`
}

// AdminTransactionQuery filters the cross-user ledger.
type AdminTransactionQuery struct {
	Status string
	Type   string
	Search string
	Page   int
	Limit  int
}

// AdminTransactionPage is a filtered page plus per-status aggregates.
type AdminTransactionPage struct {
	TransactionPage
	Stats []StatusStat `json:"stats"`
}

// RevenueStats groups revenue windows.
type RevenueStats struct {
	Monthly RevenueStat `json:"monthly"`
	Yearly  RevenueStat `json:"yearly"`
	Total   RevenueStat `json:"total"`
}

// Stats is the admin dashboard aggregate.
type Stats struct {
	Revenue          RevenueStats `json:"revenue"`
	PlanDistribution []PlanStat   `json:"planDistribution"`
	MonthlyGrowth    []MonthStat  `json:"monthlyGrowth"`
	StatusBreakdown  []StatusStat `json:"statusBreakdown"`
}

func normalizePage(page, limit int) (int, int) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = DefaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}
	return page, limit
}

func paginate(page, limit, total int) Pagination {
	pages := (total + limit - 1) / limit
	return Pagination{
		CurrentPage:       page,
		TotalPages:        pages,
		TotalTransactions: total,
		HasNextPage:       page < pages,
		HasPrevPage:       page > 1,
	}
}

// ListTransactions returns the user's ledger, newest first.
func (s *Service) ListTransactions(ctx context.Context, userID string, page, limit int) (*TransactionPage, error) {
	page, limit = normalizePage(page, limit)
	rows, total, err := s.storage.ListTransactions(ctx, TransactionFilter{
		UserID: userID,
		Offset: (page - 1) * limit,
		Limit:  limit,
	})
	if err != nil {
		return nil, persistenceErr("ledger.list", err)
	}
	if rows == nil {
		rows = []Transaction{}
	}
	return &TransactionPage{Transactions: rows, Pagination: paginate(page, limit, total)}, nil
}

// Transaction returns one ledger row owned by userID.
func (s *Service) Transaction(ctx context.Context, userID, id string) (*Transaction, error) {
	tx, err := s.storage.GetTransaction(ctx, id)
	if err != nil {
		return nil, persistenceErr("ledger.get", err)
	}
	if tx.UserID != userID {
		return nil, &Error{Kind: KindNotFound, Op: "ledger.get", Err: ErrTransactionNotFound}
	}
	return tx, nil
}

// AdminTransactions lists every user's ledger rows matching q, with
// per-status aggregates over the same filter.
func (s *Service) AdminTransactions(ctx context.Context, q AdminTransactionQuery) (*AdminTransactionPage, error) {
	const op = "ledger.admin_list"
	filter := TransactionFilter{Search: strings.TrimSpace(q.Search)}
	if q.Status != "" && q.Status != "all" {
		filter.Status = TransactionStatus(q.Status)
		if !filter.Status.Valid() {
			return nil, validationErr(op, fmt.Errorf("%w: unknown status %q", ErrInvalidRequest, q.Status))
		}
	}
	if q.Type != "" && q.Type != "all" {
		filter.Type = TransactionType(q.Type)
		if !filter.Type.Valid() {
			return nil, validationErr(op, fmt.Errorf("%w: unknown type %q", ErrInvalidRequest, q.Type))
		}
	}
	page, limit := normalizePage(q.Page, q.Limit)
	listFilter := filter
	listFilter.Offset = (page - 1) * limit
	listFilter.Limit = limit

	var (
		rows  []Transaction
		total int
		stats []StatusStat
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		rows, total, err = s.storage.ListTransactions(gctx, listFilter)
		return err
	})
	g.Go(func() error {
		var err error
		stats, err = s.storage.StatusBreakdown(gctx, filter)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, persistenceErr(op, err)
	}
	if rows == nil {
		rows = []Transaction{}
	}
	if stats == nil {
		stats = []StatusStat{}
	}
	return &AdminTransactionPage{
		TransactionPage: TransactionPage{Transactions: rows, Pagination: paginate(page, limit, total)},
		Stats:           stats,
	}, nil
}

// AdminStats computes revenue, plan distribution and the last twelve
// months of growth. The aggregates run concurrently.
func (s *Service) AdminStats(ctx context.Context) (*Stats, error) {
	now := s.now().UTC()
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	yearStart := time.Date(now.Year(), time.January, 1, 0, 0, 0, 0, time.UTC)
	growthStart := monthStart.AddDate(0, -11, 0)

	var st Stats
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		st.Revenue.Monthly, err = s.storage.Revenue(gctx, monthStart)
		return err
	})
	g.Go(func() (err error) {
		st.Revenue.Yearly, err = s.storage.Revenue(gctx, yearStart)
		return err
	})
	g.Go(func() (err error) {
		st.Revenue.Total, err = s.storage.Revenue(gctx, time.Time{})
		return err
	})
	g.Go(func() (err error) {
		st.PlanDistribution, err = s.storage.PlanBreakdown(gctx)
		return err
	})
	g.Go(func() (err error) {
		st.MonthlyGrowth, err = s.storage.MonthlyRevenue(gctx, growthStart)
		return err
	})
	g.Go(func() (err error) {
		st.StatusBreakdown, err = s.storage.StatusBreakdown(gctx, TransactionFilter{})
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, persistenceErr("ledger.admin_stats", err)
	}
	return &st, nil
}
