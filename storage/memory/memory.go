// Package memory provides an in-memory implementation of the billing.Storage interface.
// This implementation is primarily intended for testing and development.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mihaimyh/inkpass/pkg/billing"
)

// Storage implements billing.Storage using in-memory maps
type Storage struct {
	mu       sync.RWMutex
	accounts map[string]*billing.Account
	txByKey  map[string]*billing.Transaction
	txByID   map[string]*billing.Transaction
	txOrder  []*billing.Transaction
}

// New creates a new in-memory storage adapter
func New() *Storage {
	return &Storage{
		accounts: make(map[string]*billing.Account),
		txByKey:  make(map[string]*billing.Transaction),
		txByID:   make(map[string]*billing.Transaction),
	}
}

var _ billing.Storage = (*Storage)(nil)

// UpsertAccount implements billing.Storage
func (s *Storage) UpsertAccount(_ context.Context, p billing.Profile, now time.Time) (*billing.Account, error) {
	if p.UserID == "" {
		return nil, fmt.Errorf("user id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	acct, ok := s.accounts[p.UserID]
	if !ok {
		role := p.Role
		if role == "" {
			role = billing.RoleUser
		}
		utc := now.UTC()
		acct = &billing.Account{
			UserID:       p.UserID,
			Role:         role,
			Subscription: billing.FreeSubscription(),
			Usage:        billing.UsageCounter{Month: utc.Month(), Year: utc.Year()},
			CreatedAt:    now,
		}
		s.accounts[p.UserID] = acct
	}
	if p.Email != "" {
		acct.Email = p.Email
	}
	if p.Name != "" {
		acct.Name = p.Name
	}
	if p.Role != "" {
		acct.Role = p.Role
	}
	acct.UpdatedAt = now
	return acct.Clone(), nil
}

// PutAccount stores acct as-is, replacing any existing account.
func (s *Storage) PutAccount(acct *billing.Account) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[acct.UserID] = acct.Clone()
}

// GetAccount implements billing.Storage
func (s *Storage) GetAccount(_ context.Context, userID string) (*billing.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	acct, ok := s.accounts[userID]
	if !ok {
		return nil, billing.ErrAccountNotFound
	}
	return acct.Clone(), nil
}

// FindAccountBySubscription implements billing.Storage
func (s *Storage) FindAccountBySubscription(_ context.Context, id string) (*billing.Account, error) {
	return s.findAccount(func(a *billing.Account) bool {
		return id != "" && a.Subscription.ExternalSubscriptionID == id
	})
}

// FindAccountByCustomer implements billing.Storage
func (s *Storage) FindAccountByCustomer(_ context.Context, id string) (*billing.Account, error) {
	return s.findAccount(func(a *billing.Account) bool {
		return id != "" && a.Subscription.ExternalCustomerID == id
	})
}

func (s *Storage) findAccount(match func(*billing.Account) bool) (*billing.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, a := range s.accounts {
		if match(a) {
			return a.Clone(), nil
		}
	}
	return nil, billing.ErrAccountNotFound
}

// ApplyChange implements billing.Storage. The whole change is applied under
// one write lock, or not at all.
func (s *Storage) ApplyChange(_ context.Context, change *billing.Change) (*billing.ChangeResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	acct, ok := s.accounts[change.UserID]
	if !ok {
		return nil, billing.ErrAccountNotFound
	}

	res := &billing.ChangeResult{}
	var completeExisting *billing.Transaction
	if c := change.Complete; c != nil {
		if existing, found := s.txByKey[c.TransactionID]; found {
			switch {
			case existing.Status == billing.TxCompleted:
				res.AlreadyCompleted = true
			case existing.Status.CanTransition(billing.TxCompleted):
				completeExisting = existing
			default:
				return nil, fmt.Errorf("%w: %s -> %s", billing.ErrInvalidTransition, existing.Status, billing.TxCompleted)
			}
		}
	}

	// Validation passed; mutate.
	if change.Subscription != nil {
		acct.Subscription = change.Subscription.Clone()
		acct.UpdatedAt = time.Now()
	}
	if c := change.Complete; c != nil && !res.AlreadyCompleted {
		if completeExisting != nil {
			completeRow(completeExisting, c)
		} else {
			s.insertLocked(c.Clone())
		}
		res.Completed = true
	}
	for _, tx := range change.Append {
		if _, exists := s.txByKey[tx.TransactionID]; exists {
			continue
		}
		s.insertLocked(tx.Clone())
		res.Appended++
	}
	res.Account = acct.Clone()
	return res, nil
}

// completeRow moves a pending row to completed, keeping its identity and
// creation time.
func completeRow(row, c *billing.Transaction) {
	row.Status = billing.TxCompleted
	row.Amount = c.Amount
	row.Currency = c.Currency
	row.ExternalSubscriptionID = c.ExternalSubscriptionID
	row.ExternalCustomerID = c.ExternalCustomerID
	row.ExternalPaymentIntentID = c.ExternalPaymentIntentID
	if c.ExternalInvoiceID != "" {
		row.ExternalInvoiceID = c.ExternalInvoiceID
	}
	row.PeriodStart = c.PeriodStart
	row.PeriodEnd = c.PeriodEnd
	row.PaidAt = c.PaidAt
	if row.Metadata == nil {
		row.Metadata = map[string]string{}
	}
	for k, v := range c.Metadata {
		row.Metadata[k] = v
	}
	row.UpdatedAt = c.UpdatedAt
}

func (s *Storage) insertLocked(tx *billing.Transaction) {
	if tx.ID == "" {
		tx.ID = uuid.NewString()
	}
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = time.Now()
	}
	if tx.UpdatedAt.IsZero() {
		tx.UpdatedAt = tx.CreatedAt
	}
	s.txByKey[tx.TransactionID] = tx
	s.txByID[tx.ID] = tx
	s.txOrder = append(s.txOrder, tx)
}

// InsertTransaction implements billing.Storage
func (s *Storage) InsertTransaction(_ context.Context, tx *billing.Transaction) (bool, error) {
	if tx == nil || tx.TransactionID == "" {
		return false, fmt.Errorf("transaction id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.txByKey[tx.TransactionID]; exists {
		return false, nil
	}
	s.insertLocked(tx.Clone())
	return true, nil
}

// ConsumeUsage implements billing.Storage with transaction-safe consumption
func (s *Storage) ConsumeUsage(_ context.Context, req *billing.ConsumeRequest) (*billing.ConsumeResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	acct, ok := s.accounts[req.UserID]
	if !ok {
		return nil, billing.ErrAccountNotFound
	}
	if acct.Usage.Month != req.Month || acct.Usage.Year != req.Year {
		acct.Usage = billing.UsageCounter{Month: req.Month, Year: req.Year}
	}
	if req.Limit != billing.Unlimited && acct.Usage.Count >= req.Limit {
		return &billing.ConsumeResult{Allowed: false, Usage: acct.Usage}, nil
	}
	acct.Usage.Count++
	return &billing.ConsumeResult{Allowed: true, Usage: acct.Usage}, nil
}

// ResetUsage implements billing.Storage
func (s *Storage) ResetUsage(_ context.Context, userID string, month time.Month, year int) (billing.UsageCounter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acct, ok := s.accounts[userID]
	if !ok {
		return billing.UsageCounter{}, billing.ErrAccountNotFound
	}
	if acct.Usage.Month != month || acct.Usage.Year != year {
		acct.Usage = billing.UsageCounter{Month: month, Year: year}
	}
	return acct.Usage, nil
}

// GetTransaction implements billing.Storage
func (s *Storage) GetTransaction(_ context.Context, id string) (*billing.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tx, ok := s.txByID[id]
	if !ok {
		return nil, billing.ErrTransactionNotFound
	}
	return tx.Clone(), nil
}

// GetTransactionByKey implements billing.Storage
func (s *Storage) GetTransactionByKey(_ context.Context, key string) (*billing.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tx, ok := s.txByKey[key]
	if !ok {
		return nil, billing.ErrTransactionNotFound
	}
	return tx.Clone(), nil
}

func matches(tx *billing.Transaction, f billing.TransactionFilter) bool {
	if f.UserID != "" && tx.UserID != f.UserID {
		return false
	}
	if f.Status != "" && tx.Status != f.Status {
		return false
	}
	if f.Type != "" && tx.Type != f.Type {
		return false
	}
	if f.Search != "" {
		q := strings.ToLower(f.Search)
		if !strings.Contains(strings.ToLower(tx.UserEmail), q) &&
			!strings.Contains(strings.ToLower(tx.UserName), q) &&
			!strings.Contains(strings.ToLower(tx.TransactionID), q) {
			return false
		}
	}
	return true
}

// filtered returns matching rows, newest first. Caller holds the read lock.
func (s *Storage) filtered(f billing.TransactionFilter) []*billing.Transaction {
	var out []*billing.Transaction
	for _, tx := range s.txOrder {
		if matches(tx, f) {
			out = append(out, tx)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// ListTransactions implements billing.Storage
func (s *Storage) ListTransactions(_ context.Context, f billing.TransactionFilter) ([]billing.Transaction, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.filtered(f)
	total := len(all)
	start := f.Offset
	if start > total {
		start = total
	}
	end := total
	if f.Limit > 0 && start+f.Limit < end {
		end = start + f.Limit
	}
	out := make([]billing.Transaction, 0, end-start)
	for _, tx := range all[start:end] {
		out = append(out, *tx.Clone())
	}
	return out, total, nil
}

// PeriodCovered implements billing.Storage
func (s *Storage) PeriodCovered(_ context.Context, subscriptionID string, periodEnd time.Time) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, tx := range s.txOrder {
		if tx.ExternalSubscriptionID == subscriptionID &&
			tx.Status == billing.TxCompleted &&
			tx.PeriodEnd != nil && tx.PeriodEnd.Equal(periodEnd) {
			return true, nil
		}
	}
	return false, nil
}

// InvoiceRecorded implements billing.Storage
func (s *Storage) InvoiceRecorded(_ context.Context, invoiceID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, tx := range s.txOrder {
		if tx.ExternalInvoiceID == invoiceID && tx.Status == billing.TxCompleted {
			return true, nil
		}
	}
	return false, nil
}

// StatusBreakdown implements billing.Storage
func (s *Storage) StatusBreakdown(_ context.Context, f billing.TransactionFilter) ([]billing.StatusStat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byStatus := map[billing.TransactionStatus]*billing.StatusStat{}
	for _, tx := range s.filtered(f) {
		st, ok := byStatus[tx.Status]
		if !ok {
			st = &billing.StatusStat{Status: tx.Status}
			byStatus[tx.Status] = st
		}
		st.Count++
		st.TotalAmount += tx.Amount
	}
	out := make([]billing.StatusStat, 0, len(byStatus))
	for _, st := range byStatus {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Status < out[j].Status })
	return out, nil
}

// Revenue implements billing.Storage
func (s *Storage) Revenue(_ context.Context, since time.Time) (billing.RevenueStat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var st billing.RevenueStat
	for _, tx := range s.txOrder {
		if tx.Status != billing.TxCompleted || tx.CreatedAt.Before(since) {
			continue
		}
		st.Total += tx.Amount
		st.Count++
	}
	return st, nil
}

// PlanBreakdown implements billing.Storage
func (s *Storage) PlanBreakdown(_ context.Context) ([]billing.PlanStat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	byPlan := map[billing.PlanID]*billing.PlanStat{}
	for _, tx := range s.txOrder {
		if tx.Status != billing.TxCompleted || (tx.Type != billing.TxSubscription && tx.Type != billing.TxRenewal) {
			continue
		}
		st, ok := byPlan[tx.Plan]
		if !ok {
			st = &billing.PlanStat{Plan: tx.Plan}
			byPlan[tx.Plan] = st
		}
		st.Count++
		st.Revenue += tx.Amount
	}
	out := make([]billing.PlanStat, 0, len(byPlan))
	for _, st := range byPlan {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Plan < out[j].Plan })
	return out, nil
}

// MonthlyRevenue implements billing.Storage
func (s *Storage) MonthlyRevenue(_ context.Context, since time.Time) ([]billing.MonthStat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	type key struct {
		y int
		m time.Month
	}
	byMonth := map[key]*billing.MonthStat{}
	for _, tx := range s.txOrder {
		if tx.Status != billing.TxCompleted || tx.CreatedAt.Before(since) {
			continue
		}
		c := tx.CreatedAt.UTC()
		k := key{c.Year(), c.Month()}
		st, ok := byMonth[k]
		if !ok {
			st = &billing.MonthStat{Year: k.y, Month: k.m}
			byMonth[k] = st
		}
		st.Count++
		st.Revenue += tx.Amount
	}
	out := make([]billing.MonthStat, 0, len(byMonth))
	for _, st := range byMonth {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Year != out[j].Year {
			return out[i].Year < out[j].Year
		}
		return out[i].Month < out[j].Month
	})
	return out, nil
}

// Clear removes all accounts and ledger rows.
func (s *Storage) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts = make(map[string]*billing.Account)
	s.txByKey = make(map[string]*billing.Transaction)
	s.txByID = make(map[string]*billing.Transaction)
	s.txOrder = nil
}
