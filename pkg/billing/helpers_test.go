package billing_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/inkpass/pkg/billing"
	"github.com/mihaimyh/inkpass/pkg/billing/billingtest"
	"github.com/mihaimyh/inkpass/storage/memory"
)

var t0 = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

type harness struct {
	store *memory.Storage
	gw    *billingtest.Gateway
	clock *billingtest.Clock
	svc   *billing.Service
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{store: memory.New(), gw: &billingtest.Gateway{}, clock: billingtest.NewClock(t0)}
	h.svc = billingtest.NewService(t, h.store, h.gw, h.clock)
	t.Cleanup(func() { h.gw.AssertExpectations(t) })
	return h
}

func priceRef(plan billing.PlanID) string {
	if plan == billing.PlanPro {
		return billingtest.ProPriceRef
	}
	return billingtest.PremiumPriceRef
}

func completedEvent(session *billing.CheckoutSession, created time.Time) billing.CheckoutCompleted {
	return billing.CheckoutCompleted{
		EventMeta: billing.EventMeta{ID: "evt_" + session.ID, Type: billing.EventCheckoutCompleted, Created: created},
		Session:   *session,
	}
}

// subscribe delivers a checkout completion for userID whose first period
// runs 30 days from the current clock. It returns the subscription id and
// the period end.
func (h *harness) subscribe(t *testing.T, userID string, plan billing.PlanID) (string, time.Time) {
	t.Helper()
	subID := "sub_" + userID
	session := billingtest.PaidSession("cs_"+userID, userID, plan, subID)
	gsub := billingtest.ActiveSubscription(subID, "cus_"+userID, priceRef(plan), h.clock.Now(), 30)
	h.gw.On("RetrieveSubscription", mock.Anything, subID).Return(gsub, nil).Once()

	require.NoError(t, h.svc.HandleEvent(context.Background(), completedEvent(session, h.clock.Now())))
	return subID, *gsub.PeriodEnd
}

func (h *harness) account(t *testing.T, userID string) *billing.Account {
	t.Helper()
	acct, err := h.store.GetAccount(context.Background(), userID)
	require.NoError(t, err)
	return acct
}

func (h *harness) rows(t *testing.T, f billing.TransactionFilter) []billing.Transaction {
	t.Helper()
	rows, _, err := h.store.ListTransactions(context.Background(), f)
	require.NoError(t, err)
	return rows
}
