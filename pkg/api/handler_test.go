package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	mw "github.com/mihaimyh/inkpass/middleware/http"
	"github.com/mihaimyh/inkpass/pkg/billing"
	"github.com/mihaimyh/inkpass/pkg/billing/billingtest"
	"github.com/mihaimyh/inkpass/storage/memory"
)

var testNow = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

type testEnv struct {
	store   *memory.Storage
	gw      *billingtest.Gateway
	clock   *billingtest.Clock
	handler *Handler
}

func setupEnv(t *testing.T, store billing.Storage, mutate ...func(*Config)) *testEnv {
	t.Helper()
	mem, _ := store.(*memory.Storage)
	if fs, ok := store.(*failingStorage); ok {
		mem = fs.Storage
	}
	env := &testEnv{store: mem, gw: &billingtest.Gateway{}, clock: billingtest.NewClock(testNow)}
	svc := billingtest.NewService(t, store, env.gw, env.clock)

	config := Config{Service: svc, GetProfile: mw.FromHeaders()}
	for _, m := range mutate {
		m(&config)
	}
	h, err := NewHandler(config)
	require.NoError(t, err)
	env.handler = h
	t.Cleanup(func() { env.gw.AssertExpectations(t) })
	return env
}

func newEnv(t *testing.T, mutate ...func(*Config)) *testEnv {
	return setupEnv(t, memory.New(), mutate...)
}

func (e *testEnv) do(method, path, userID string, role billing.Role, body string) *httptest.ResponseRecorder {
	var r *http.Request
	if body == "" {
		r = httptest.NewRequest(method, path, nil)
	} else {
		r = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	if userID != "" {
		r.Header.Set(mw.HeaderUserID, userID)
		r.Header.Set(mw.HeaderUserEmail, userID+"@example.com")
		r.Header.Set(mw.HeaderUserRole, string(role))
	}
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, r)
	return w
}

func (e *testEnv) webhook(body, signature string) *httptest.ResponseRecorder {
	r := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(body))
	r.Header.Set(DefaultSignatureHeader, signature)
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, r)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

// failingStorage fails every ApplyChange.
type failingStorage struct {
	*memory.Storage
}

func (f *failingStorage) ApplyChange(context.Context, *billing.Change) (*billing.ChangeResult, error) {
	return nil, errors.New("connection reset")
}

func TestNewHandler_Validation(t *testing.T) {
	_, err := NewHandler(Config{})
	assert.Error(t, err)

	svc := billingtest.NewService(t, memory.New(), &billingtest.Gateway{}, billingtest.NewClock(testNow))
	_, err = NewHandler(Config{Service: svc})
	assert.Error(t, err)

	_, err = NewHandler(Config{Service: svc, GetProfile: mw.FromHeaders(), WebhookRateLimit: -1})
	assert.Error(t, err)
}

func TestHealth(t *testing.T) {
	env := newEnv(t)
	w := env.do(http.MethodGet, "/healthz", "", "", "")
	assert.Equal(t, http.StatusOK, w.Code)

	down := newEnv(t, func(c *Config) {
		c.HealthCheck = func(context.Context) error { return errors.New("db unreachable") }
	})
	w = down.do(http.MethodGet, "/healthz", "", "", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestListPlans(t *testing.T) {
	env := newEnv(t)
	w := env.do(http.MethodGet, "/plans", "", "", "")
	require.Equal(t, http.StatusOK, w.Code)

	body := decode[struct{ Plans []PlanResponse }](t, w)
	require.Len(t, body.Plans, 3)
	assert.Equal(t, billing.PlanFree, body.Plans[0].ID)
	assert.False(t, body.Plans[0].Purchasable)
	assert.Equal(t, billing.PlanPremium, body.Plans[1].ID)
	assert.Equal(t, int64(10000), body.Plans[1].Price)
	assert.True(t, body.Plans[1].Purchasable)
	assert.Equal(t, billing.Unlimited, body.Plans[2].SummaryLimit)
	assert.Contains(t, body.Plans[2].Grants, billing.FeatureCreateContent)
}

func TestSubscription_RequiresIdentity(t *testing.T) {
	env := newEnv(t)
	w := env.do(http.MethodGet, "/subscription", "", "", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestSubscription_NewUserIsFree(t *testing.T) {
	env := newEnv(t)
	w := env.do(http.MethodGet, "/subscription", "u1", billing.RoleUser, "")
	require.Equal(t, http.StatusOK, w.Code)

	snap := decode[billing.SubscriptionSnapshot](t, w)
	assert.Equal(t, billing.PlanFree, snap.Plan)
	assert.Equal(t, billing.StatusActive, snap.Status)
	assert.Equal(t, billing.Usage{Used: 0, Limit: 5, Remaining: 5, Plan: billing.PlanFree}, snap.Quota)
	assert.Empty(t, snap.Features)
}

func TestCheckout(t *testing.T) {
	env := newEnv(t)
	env.gw.On("CreateCheckoutSession", mock.Anything, mock.MatchedBy(func(req billing.CheckoutRequest) bool {
		return req.UserID == "u1" && req.Plan.ID == billing.PlanPremium && req.Plan.PriceRef == billingtest.PremiumPriceRef
	})).Return(&billing.CheckoutSession{ID: "cs_new", URL: "https://checkout.example.com/cs_new"}, nil).Once()

	w := env.do(http.MethodPost, "/checkout", "u1", billing.RoleUser, `{"planId":"premium"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	res := decode[billing.CheckoutResult](t, w)
	assert.Equal(t, "https://checkout.example.com/cs_new", res.CheckoutURL)
	assert.Equal(t, "cs_new", res.TransactionID)

	row, err := env.store.GetTransactionByKey(context.Background(), "cs_new")
	require.NoError(t, err)
	assert.Equal(t, billing.TxPending, row.Status)
	assert.Equal(t, int64(10000), row.Amount)
}

func TestCheckout_Errors(t *testing.T) {
	tests := []struct {
		name  string
		body  string
		setup func(gw *billingtest.Gateway)
		want  int
		code  string
	}{
		{name: "missing plan", body: `{}`, want: http.StatusBadRequest, code: "invalid_request"},
		{name: "malformed body", body: `{"planId":`, want: http.StatusBadRequest, code: "invalid_request"},
		{name: "unknown plan", body: `{"planId":"gold"}`, want: http.StatusBadRequest, code: "invalid_plan"},
		{name: "free plan", body: `{"planId":"free"}`, want: http.StatusBadRequest, code: "invalid_plan"},
		{
			name: "gateway down",
			body: `{"planId":"pro"}`,
			setup: func(gw *billingtest.Gateway) {
				gw.On("CreateCheckoutSession", mock.Anything, mock.Anything).
					Return(nil, fmt.Errorf("%w: timeout", billing.ErrGatewayUnavailable)).Once()
			},
			want: http.StatusServiceUnavailable,
			code: "gateway_unavailable",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newEnv(t)
			if tt.setup != nil {
				tt.setup(env.gw)
			}
			w := env.do(http.MethodPost, "/checkout", "u1", billing.RoleUser, tt.body)
			assert.Equal(t, tt.want, w.Code)
			assert.Equal(t, tt.code, decode[mw.ErrorBody](t, w).Code)
		})
	}
}

func checkoutCompleted(session *billing.CheckoutSession, created time.Time) billing.CheckoutCompleted {
	return billing.CheckoutCompleted{
		EventMeta: billing.EventMeta{ID: "evt_" + session.ID, Type: billing.EventCheckoutCompleted, Created: created},
		Session:   *session,
	}
}

func TestWebhook_CheckoutCompletedUpgradesPlan(t *testing.T) {
	env := newEnv(t)
	session := billingtest.PaidSession("cs_1", "u1", billing.PlanPremium, "sub_1")
	env.gw.On("ParseEvent", []byte(`{"id":"evt_cs_1"}`), "t=1,v1=abc").
		Return(checkoutCompleted(session, testNow), nil).Once()
	env.gw.On("RetrieveSubscription", mock.Anything, "sub_1").
		Return(billingtest.ActiveSubscription("sub_1", "cus_u1", billingtest.PremiumPriceRef, testNow, 30), nil).Once()

	w := env.webhook(`{"id":"evt_cs_1"}`, "t=1,v1=abc")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.True(t, decode[WebhookResponse](t, w).Received)
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))

	w = env.do(http.MethodGet, "/subscription", "u1", billing.RoleUser, "")
	require.Equal(t, http.StatusOK, w.Code)
	snap := decode[billing.SubscriptionSnapshot](t, w)
	assert.Equal(t, billing.PlanPremium, snap.Plan)
	assert.Equal(t, billing.StatusActive, snap.Status)
	assert.True(t, snap.Quota.Unlimited)
	assert.Equal(t, billing.Unlimited, snap.Quota.Limit)
	require.NotNil(t, snap.EndDate)
	assert.True(t, snap.EndDate.Equal(testNow.AddDate(0, 0, 30)))
	assert.Contains(t, snap.Features, billing.FeatureAdFree)
}

func TestWebhook_Rejections(t *testing.T) {
	t.Run("bad signature", func(t *testing.T) {
		env := newEnv(t)
		env.gw.On("ParseEvent", mock.Anything, "forged").
			Return(nil, fmt.Errorf("%w: no valid signature", billing.ErrInvalidWebhookSignature)).Once()
		w := env.webhook(`{}`, "forged")
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, "invalid_signature", decode[mw.ErrorBody](t, w).Code)
	})

	t.Run("empty body", func(t *testing.T) {
		env := newEnv(t)
		w := env.webhook("", "sig")
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("too large", func(t *testing.T) {
		env := newEnv(t)
		w := env.webhook(strings.Repeat("x", DefaultMaxWebhookBytes+1), "sig")
		assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	})

	t.Run("wrong method", func(t *testing.T) {
		env := newEnv(t)
		w := env.do(http.MethodGet, "/webhook", "", "", "")
		assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
	})
}

func TestWebhook_UnknownSubscriptionIsAcknowledged(t *testing.T) {
	env := newEnv(t)
	ev := billing.SubscriptionDeleted{
		EventMeta:    billing.EventMeta{ID: "evt_del", Type: billing.EventSubscriptionDeleted, Created: testNow},
		Subscription: billing.GatewaySubscription{ID: "sub_unknown", Status: billing.GatewayStatusCanceled},
	}
	env.gw.On("ParseEvent", mock.Anything, "sig").Return(ev, nil).Once()

	w := env.webhook(`{"id":"evt_del"}`, "sig")
	assert.Equal(t, http.StatusOK, w.Code)

	rows, total, err := env.store.ListTransactions(context.Background(), billing.TransactionFilter{})
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.Empty(t, rows)
}

func TestWebhook_PersistenceFailureAsksForRetry(t *testing.T) {
	env := setupEnv(t, &failingStorage{Storage: memory.New()})
	session := billingtest.PaidSession("cs_2", "u2", billing.PlanPro, "sub_2")
	env.gw.On("ParseEvent", mock.Anything, "sig").Return(checkoutCompleted(session, testNow), nil).Once()
	env.gw.On("RetrieveSubscription", mock.Anything, "sub_2").
		Return(billingtest.ActiveSubscription("sub_2", "cus_u2", billingtest.ProPriceRef, testNow, 30), nil).Once()

	w := env.webhook(`{"id":"evt_cs_2"}`, "sig")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), "connection reset")
}

func TestWebhook_RateLimited(t *testing.T) {
	env := newEnv(t, func(c *Config) { c.WebhookRateLimit = 2 })
	ev := billing.UnhandledEvent{EventMeta: billing.EventMeta{ID: "evt_x", Type: "customer.created", Created: testNow}}
	env.gw.On("ParseEvent", mock.Anything, "sig").Return(ev, nil).Twice()

	assert.Equal(t, http.StatusOK, env.webhook(`{}`, "sig").Code)
	assert.Equal(t, http.StatusOK, env.webhook(`{}`, "sig").Code)
	assert.Equal(t, http.StatusTooManyRequests, env.webhook(`{}`, "sig").Code)
}

func TestVerifySession_Unpaid(t *testing.T) {
	env := newEnv(t)
	session := billingtest.PaidSession("cs_3", "u1", billing.PlanPremium, "sub_3")
	session.Paid = false
	env.gw.On("RetrieveSession", mock.Anything, "cs_3").Return(session, nil).Once()

	w := env.do(http.MethodGet, "/verify-session/cs_3", "u1", billing.RoleUser, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "payment_not_completed", decode[mw.ErrorBody](t, w).Code)
}

func TestVerifySession_OtherUsersSession(t *testing.T) {
	env := newEnv(t)
	env.gw.On("RetrieveSession", mock.Anything, "cs_4").
		Return(billingtest.PaidSession("cs_4", "owner", billing.PlanPremium, "sub_4"), nil).Once()

	w := env.do(http.MethodGet, "/verify-session/cs_4", "intruder", billing.RoleUser, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCancelSubscription_NothingToCancel(t *testing.T) {
	env := newEnv(t)
	w := env.do(http.MethodPost, "/cancel-subscription", "u1", billing.RoleUser, "")
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "no_active_subscription", decode[mw.ErrorBody](t, w).Code)
}

func TestConsumeSummary(t *testing.T) {
	env := newEnv(t)
	for i := 1; i <= billing.DefaultFreeSummaryLimit; i++ {
		w := env.do(http.MethodPost, "/usage/ai-summary", "u1", billing.RoleUser, "")
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, i, decode[billing.Usage](t, w).Used)
	}

	w := env.do(http.MethodPost, "/usage/ai-summary", "u1", billing.RoleUser, "")
	assert.Equal(t, http.StatusForbidden, w.Code)
	body := decode[mw.ErrorBody](t, w)
	assert.Equal(t, "quota_exceeded", body.Code)
	require.NotNil(t, body.Usage)
	assert.Equal(t, 0, body.Usage.Remaining)

	admin := env.do(http.MethodPost, "/usage/ai-summary", "boss", billing.RoleAdmin, "")
	assert.Equal(t, http.StatusOK, admin.Code)
	assert.True(t, decode[billing.Usage](t, admin).Unlimited)
}

func insertRow(t *testing.T, store *memory.Storage, id, userID string, status billing.TransactionStatus) {
	t.Helper()
	_, err := store.InsertTransaction(context.Background(), &billing.Transaction{
		ID:            id,
		TransactionID: "key_" + id,
		UserID:        userID,
		UserEmail:     userID + "@example.com",
		Amount:        10000,
		Currency:      "usd",
		Plan:          billing.PlanPremium,
		Status:        status,
		Type:          billing.TxSubscription,
		CreatedAt:     testNow,
	})
	require.NoError(t, err)
}

func TestTransactions(t *testing.T) {
	env := newEnv(t)
	insertRow(t, env.store, "t1", "u1", billing.TxCompleted)
	insertRow(t, env.store, "t2", "u1", billing.TxPending)
	insertRow(t, env.store, "t3", "u2", billing.TxCompleted)

	w := env.do(http.MethodGet, "/transactions?page=1&limit=1", "u1", billing.RoleUser, "")
	require.Equal(t, http.StatusOK, w.Code)
	page := decode[billing.TransactionPage](t, w)
	assert.Len(t, page.Transactions, 1)
	assert.Equal(t, billing.Pagination{CurrentPage: 1, TotalPages: 2, TotalTransactions: 2, HasNextPage: true}, page.Pagination)

	w = env.do(http.MethodGet, "/transactions?page=abc", "u1", billing.RoleUser, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(http.MethodGet, "/transactions/t1", "u1", billing.RoleUser, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "key_t1", decode[billing.Transaction](t, w).TransactionID)

	w = env.do(http.MethodGet, "/transactions/t3", "u1", billing.RoleUser, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAdminRoutes(t *testing.T) {
	env := newEnv(t)
	insertRow(t, env.store, "t1", "alice", billing.TxCompleted)
	insertRow(t, env.store, "t2", "bob", billing.TxFailed)

	t.Run("forbidden for users", func(t *testing.T) {
		for _, path := range []string{"/admin/transactions", "/admin/stats"} {
			w := env.do(http.MethodGet, path, "u1", billing.RoleUser, "")
			assert.Equal(t, http.StatusForbidden, w.Code, path)
		}
	})

	t.Run("transactions with filters", func(t *testing.T) {
		w := env.do(http.MethodGet, "/admin/transactions?status=completed&search=ALICE", "root", billing.RoleAdmin, "")
		require.Equal(t, http.StatusOK, w.Code)
		page := decode[billing.AdminTransactionPage](t, w)
		require.Len(t, page.Transactions, 1)
		assert.Equal(t, "alice", page.Transactions[0].UserID)
		require.Len(t, page.Stats, 1)
		assert.Equal(t, billing.StatusStat{Status: billing.TxCompleted, Count: 1, TotalAmount: 10000}, page.Stats[0])
	})

	t.Run("invalid filter", func(t *testing.T) {
		w := env.do(http.MethodGet, "/admin/transactions?type=bogus", "root", billing.RoleAdmin, "")
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("stats", func(t *testing.T) {
		w := env.do(http.MethodGet, "/admin/stats", "root", billing.RoleAdmin, "")
		require.Equal(t, http.StatusOK, w.Code)
		st := decode[billing.Stats](t, w)
		assert.Equal(t, billing.RevenueStat{Total: 10000, Count: 1}, st.Revenue.Total)
		assert.Equal(t, billing.RevenueStat{Total: 10000, Count: 1}, st.Revenue.Monthly)
	})
}

func TestProcessSession(t *testing.T) {
	env := newEnv(t)
	env.gw.On("RetrieveSession", mock.Anything, "cs_9").
		Return(billingtest.PaidSession("cs_9", "u9", billing.PlanPro, "sub_9"), nil).Once()
	env.gw.On("RetrieveSubscription", mock.Anything, "sub_9").
		Return(billingtest.ActiveSubscription("sub_9", "cus_u9", billingtest.ProPriceRef, testNow, 30), nil).Once()

	w := env.do(http.MethodPost, "/admin/process-session", "root", billing.RoleAdmin, `{"sessionId":"cs_9"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	snap := decode[billing.SubscriptionSnapshot](t, w)
	assert.Equal(t, "u9", snap.UserID)
	assert.Equal(t, billing.PlanPro, snap.Plan)

	row, err := env.store.GetTransactionByKey(context.Background(), "cs_9")
	require.NoError(t, err)
	assert.Equal(t, billing.TxCompleted, row.Status)
	assert.Equal(t, "replay", row.Metadata[billing.MetaCompletedVia])

	w = env.do(http.MethodPost, "/admin/process-session", "root", billing.RoleAdmin, `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
