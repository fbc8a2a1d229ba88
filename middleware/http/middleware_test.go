package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/inkpass/pkg/billing"
	"github.com/mihaimyh/inkpass/storage/memory"
)

var testSecret = []byte("test-secret")

func signToken(t *testing.T, claims Claims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(testSecret)
	require.NoError(t, err)
	return token
}

func validClaims(sub, role string) Claims {
	return Claims{
		Email: sub + "@example.com",
		Name:  "Test " + sub,
		Role:  role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sub,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
}

// okHandler records the profile it was called with.
func okHandler(seen *billing.Profile) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if seen != nil {
			*seen, _ = ProfileFrom(r.Context())
		}
		w.WriteHeader(http.StatusOK)
	})
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) ErrorBody {
	t.Helper()
	var body ErrorBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func TestJWT(t *testing.T) {
	extract := JWT(testSecret)

	expired := validClaims("u1", "")
	expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))

	noSubject := validClaims("", "")

	otherKey, err := jwt.NewWithClaims(jwt.SigningMethodHS256, validClaims("u1", "")).SignedString([]byte("other"))
	require.NoError(t, err)

	tests := []struct {
		name     string
		header   string
		wantUser string
		wantRole billing.Role
	}{
		{name: "valid token", header: "Bearer " + signToken(t, validClaims("u1", "author")), wantUser: "u1", wantRole: billing.RoleAuthor},
		{name: "default role", header: "bearer " + signToken(t, validClaims("u2", "")), wantUser: "u2", wantRole: billing.RoleUser},
		{name: "missing header"},
		{name: "wrong scheme", header: "Basic abc"},
		{name: "expired", header: "Bearer " + signToken(t, expired)},
		{name: "no subject", header: "Bearer " + signToken(t, noSubject)},
		{name: "bad signature", header: "Bearer " + otherKey},
		{name: "unknown role", header: "Bearer " + signToken(t, validClaims("u3", "root"))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}
			p, err := extract(r)
			if tt.wantUser == "" {
				assert.ErrorIs(t, err, billing.ErrUnauthenticated)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantUser, p.UserID)
			assert.Equal(t, tt.wantRole, p.Role)
			assert.Equal(t, tt.wantUser+"@example.com", p.Email)
		})
	}
}

func TestFromHeaders(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	_, err := FromHeaders()(r)
	assert.ErrorIs(t, err, billing.ErrUnauthenticated)

	r.Header.Set(HeaderUserID, "u1")
	r.Header.Set(HeaderUserEmail, "u1@example.com")
	r.Header.Set(HeaderUserRole, "Admin")
	p, err := FromHeaders()(r)
	require.NoError(t, err)
	assert.Equal(t, billing.Profile{UserID: "u1", Email: "u1@example.com", Role: billing.RoleAdmin}, p)
}

type ensurerFunc func(ctx context.Context, p billing.Profile) (*billing.Account, error)

func (f ensurerFunc) EnsureAccount(ctx context.Context, p billing.Profile) (*billing.Account, error) {
	return f(ctx, p)
}

func TestAuthenticate(t *testing.T) {
	store := memory.New()
	accounts := ensurerFunc(func(ctx context.Context, p billing.Profile) (*billing.Account, error) {
		return store.UpsertAccount(ctx, p, time.Now())
	})
	mw := Authenticate(AuthConfig{GetProfile: FromHeaders(), Accounts: accounts})

	t.Run("provisions account", func(t *testing.T) {
		var seen billing.Profile
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.Header.Set(HeaderUserID, "u1")
		r.Header.Set(HeaderUserName, "Ada")
		w := httptest.NewRecorder()
		mw(okHandler(&seen)).ServeHTTP(w, r)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "u1", seen.UserID)
		assert.Equal(t, billing.RoleUser, seen.Role)

		acct, err := store.GetAccount(context.Background(), "u1")
		require.NoError(t, err)
		assert.Equal(t, "Ada", acct.Name)
	})

	t.Run("unauthenticated", func(t *testing.T) {
		w := httptest.NewRecorder()
		mw(okHandler(nil)).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Equal(t, "unauthenticated", decodeBody(t, w).Code)
	})

	t.Run("provisioning failure", func(t *testing.T) {
		failing := Authenticate(AuthConfig{
			GetProfile: FromHeaders(),
			Accounts: ensurerFunc(func(context.Context, billing.Profile) (*billing.Account, error) {
				return nil, &billing.Error{Kind: billing.KindPersistence, Op: "account.ensure", Err: errors.New("db down")}
			}),
		})
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.Header.Set(HeaderUserID, "u1")
		w := httptest.NewRecorder()
		failing(okHandler(nil)).ServeHTTP(w, r)

		assert.Equal(t, http.StatusInternalServerError, w.Code)
		body := decodeBody(t, w)
		assert.Equal(t, "internal server error", body.Error)
		assert.NotContains(t, w.Body.String(), "db down")
	})
}

func TestRequireRole(t *testing.T) {
	h := RequireRole(billing.RoleAdmin)(okHandler(nil))

	tests := []struct {
		name    string
		profile *billing.Profile
		want    int
	}{
		{name: "admin", profile: &billing.Profile{UserID: "a", Role: billing.RoleAdmin}, want: http.StatusOK},
		{name: "user", profile: &billing.Profile{UserID: "u", Role: billing.RoleUser}, want: http.StatusForbidden},
		{name: "anonymous", want: http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/admin/stats", nil)
			if tt.profile != nil {
				r = r.WithContext(WithProfile(r.Context(), *tt.profile))
			}
			w := httptest.NewRecorder()
			h.ServeHTTP(w, r)
			assert.Equal(t, tt.want, w.Code)
		})
	}
}

func TestRequireQuota(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
	store := memory.New()
	_, err := store.UpsertAccount(ctx, billing.Profile{UserID: "u1", Role: billing.RoleUser}, now)
	require.NoError(t, err)

	catalog := billing.DefaultCatalog(billing.CatalogOptions{})
	quota, err := billing.NewQuotaManager(store, catalog, nil, nil, func() time.Time { return now })
	require.NoError(t, err)

	h := RequireQuota(quota)(okHandler(nil))
	send := func() *httptest.ResponseRecorder {
		r := httptest.NewRequest(http.MethodPost, "/usage/ai-summary", nil)
		r = r.WithContext(WithProfile(r.Context(), billing.Profile{UserID: "u1", Role: billing.RoleUser}))
		w := httptest.NewRecorder()
		h.ServeHTTP(w, r)
		return w
	}

	for i := 1; i <= billing.DefaultFreeSummaryLimit; i++ {
		w := send()
		require.Equal(t, http.StatusOK, w.Code, "request %d", i)
		assert.Equal(t, "5", w.Header().Get("X-Quota-Limit"))
	}

	w := send()
	assert.Equal(t, http.StatusForbidden, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, "quota_exceeded", body.Code)
	require.NotNil(t, body.Usage)
	assert.Equal(t, billing.Usage{Used: 5, Limit: 5, Remaining: 0, Plan: billing.PlanFree}, *body.Usage)
}

type featureFunc func(userID string, f billing.Feature) (bool, error)

func (fn featureFunc) HasFeature(_ context.Context, userID string, f billing.Feature) (bool, error) {
	return fn(userID, f)
}

func TestRequireFeature(t *testing.T) {
	checker := featureFunc(func(userID string, f billing.Feature) (bool, error) {
		switch userID {
		case "pro":
			return true, nil
		case "missing":
			return false, &billing.Error{Kind: billing.KindNotFound, Err: billing.ErrAccountNotFound}
		}
		return false, nil
	})
	h := RequireFeature(checker, billing.FeatureCreateContent)(okHandler(nil))

	tests := []struct {
		user string
		want int
		code string
	}{
		{user: "pro", want: http.StatusOK},
		{user: "free", want: http.StatusForbidden, code: "feature_unavailable"},
		{user: "missing", want: http.StatusNotFound, code: "account_not_found"},
	}
	for _, tt := range tests {
		t.Run(tt.user, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodPost, "/posts", nil)
			r = r.WithContext(WithProfile(r.Context(), billing.Profile{UserID: tt.user}))
			w := httptest.NewRecorder()
			h.ServeHTTP(w, r)
			assert.Equal(t, tt.want, w.Code)
			if tt.code != "" {
				assert.Equal(t, tt.code, decodeBody(t, w).Code)
			}
		})
	}
}

func TestWriteError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
		code string
	}{
		{"invalid plan", &billing.Error{Kind: billing.KindValidation, Err: billing.ErrInvalidPlan}, http.StatusBadRequest, "invalid_plan"},
		{"no subscription", &billing.Error{Kind: billing.KindAuthorization, Err: billing.ErrNoActiveSubscription}, http.StatusForbidden, "no_active_subscription"},
		{"not found", billing.ErrTransactionNotFound, http.StatusNotFound, "transaction_not_found"},
		{"gateway", &billing.Error{Kind: billing.KindGateway, Err: billing.ErrGatewayUnavailable}, http.StatusServiceUnavailable, "gateway_unavailable"},
		{"persistence", &billing.Error{Kind: billing.KindPersistence, Err: errors.New("boom")}, http.StatusInternalServerError, "internal"},
		{"signature", billing.ErrInvalidWebhookSignature, http.StatusBadRequest, "invalid_signature"},
		{"unknown", errors.New("boom"), http.StatusInternalServerError, "internal"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			WriteError(w, tt.err)
			assert.Equal(t, tt.want, w.Code)
			assert.Equal(t, tt.code, decodeBody(t, w).Code)
		})
	}
}
