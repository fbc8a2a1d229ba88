// Package http provides HTTP middleware for identity, role, quota and
// plan-feature enforcement on top of the billing engine.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/mihaimyh/inkpass/pkg/billing"
)

// AccountEnsurer creates or refreshes the account behind an identity.
type AccountEnsurer interface {
	EnsureAccount(ctx context.Context, profile billing.Profile) (*billing.Account, error)
}

// QuotaConsumer meters one unit of AI summary usage.
type QuotaConsumer interface {
	CheckAndConsume(ctx context.Context, userID string) (*billing.ConsumeOutcome, error)
}

// FeatureChecker reports plan-gated capabilities.
type FeatureChecker interface {
	HasFeature(ctx context.Context, userID string, f billing.Feature) (bool, error)
}

type contextKey string

const profileKey contextKey = "inkpass:profile"

// WithProfile adds the authenticated profile to ctx.
func WithProfile(ctx context.Context, profile billing.Profile) context.Context {
	return context.WithValue(ctx, profileKey, profile)
}

// ProfileFrom returns the authenticated profile stored in ctx.
func ProfileFrom(ctx context.Context) (billing.Profile, bool) {
	p, ok := ctx.Value(profileKey).(billing.Profile)
	return p, ok && p.UserID != ""
}

// AuthConfig holds Authenticate configuration
type AuthConfig struct {
	// GetProfile extracts the caller identity (required)
	GetProfile ProfileExtractor

	// Accounts, when set, provisions the account of every authenticated caller
	Accounts AccountEnsurer

	// OnUnauthorized is called when no identity can be extracted.
	// If nil, responds 401 with a JSON error body.
	OnUnauthorized func(w http.ResponseWriter, r *http.Request, err error)

	// OnError is called when provisioning fails.
	// If nil, the error is mapped through WriteError.
	OnError func(w http.ResponseWriter, r *http.Request, err error)
}

// Authenticate resolves the caller identity and stores it in the request context.
func Authenticate(config AuthConfig) func(http.Handler) http.Handler {
	if config.OnUnauthorized == nil {
		config.OnUnauthorized = func(w http.ResponseWriter, _ *http.Request, err error) {
			WriteError(w, err)
		}
	}
	if config.OnError == nil {
		config.OnError = func(w http.ResponseWriter, _ *http.Request, err error) {
			WriteError(w, err)
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			profile, err := config.GetProfile(r)
			if err != nil {
				if !errors.Is(err, billing.ErrUnauthenticated) {
					err = fmt.Errorf("%w: %v", billing.ErrUnauthenticated, err)
				}
				config.OnUnauthorized(w, r, err)
				return
			}
			if profile.Role == "" {
				profile.Role = billing.RoleUser
			}

			ctx := r.Context()
			if config.Accounts != nil {
				acct, err := config.Accounts.EnsureAccount(ctx, profile)
				if err != nil {
					config.OnError(w, r, err)
					return
				}
				profile = acct.Profile()
			}

			next.ServeHTTP(w, r.WithContext(WithProfile(ctx, profile)))
		})
	}
}

// RequireRole rejects callers whose role is not listed.
func RequireRole(roles ...billing.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			profile, ok := ProfileFrom(r.Context())
			if !ok {
				WriteError(w, billing.ErrUnauthenticated)
				return
			}
			for _, role := range roles {
				if profile.Role == role {
					next.ServeHTTP(w, r)
					return
				}
			}
			WriteError(w, &billing.Error{Kind: billing.KindAuthorization, Op: "auth.role", Err: billing.ErrForbidden})
		})
	}
}

// RequireQuota consumes one metered unit before calling next. A denied
// request is answered 403 with the caller's usage snapshot.
func RequireQuota(quota QuotaConsumer) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			profile, ok := ProfileFrom(r.Context())
			if !ok {
				WriteError(w, billing.ErrUnauthenticated)
				return
			}
			out, err := quota.CheckAndConsume(r.Context(), profile.UserID)
			if err != nil {
				WriteError(w, err)
				return
			}
			SetUsageHeaders(w, out.Usage)
			if !out.Allowed {
				WriteQuotaExceeded(w, out.Usage)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireFeature rejects callers whose effective plan lacks f.
func RequireFeature(checker FeatureChecker, f billing.Feature) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			profile, ok := ProfileFrom(r.Context())
			if !ok {
				WriteError(w, billing.ErrUnauthenticated)
				return
			}
			allowed, err := checker.HasFeature(r.Context(), profile.UserID, f)
			if err != nil {
				WriteError(w, err)
				return
			}
			if !allowed {
				writeJSON(w, http.StatusForbidden, ErrorBody{
					Error:   "your plan does not include " + string(f),
					Code:    "feature_unavailable",
					Feature: string(f),
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// SetUsageHeaders exposes the metered allowance on the response.
func SetUsageHeaders(w http.ResponseWriter, u billing.Usage) {
	w.Header().Set("X-Quota-Used", strconv.Itoa(u.Used))
	if u.Unlimited {
		w.Header().Set("X-Quota-Limit", "unlimited")
		return
	}
	w.Header().Set("X-Quota-Limit", strconv.Itoa(u.Limit))
	w.Header().Set("X-Quota-Remaining", strconv.Itoa(u.Remaining))
}
