// Package api exposes the billing engine over HTTP.
package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mihaimyh/inkpass/internal/httputil"
	mw "github.com/mihaimyh/inkpass/middleware/http"
	"github.com/mihaimyh/inkpass/pkg/billing"
)

// Handler serves the billing HTTP API.
type Handler struct {
	config  Config
	service *billing.Service
	router  chi.Router
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

func (h *Handler) routes() chi.Router {
	r := chi.NewRouter()
	for _, m := range h.config.Middlewares {
		r.Use(m)
	}
	r.Use(middleware.Recoverer)

	r.Get("/healthz", h.Health)
	r.Get("/plans", h.ListPlans)

	limiter := httputil.NewRateLimiter(h.config.WebhookRateLimit, time.Minute)
	r.With(securityHeaders, limiter.Middleware).Post("/webhook", h.Webhook)

	r.Group(func(r chi.Router) {
		r.Use(mw.Authenticate(mw.AuthConfig{
			GetProfile: h.config.GetProfile,
			Accounts:   h.service,
		}))

		r.Get("/subscription", h.GetSubscription)
		r.Post("/checkout", h.Checkout)
		r.Get("/verify-session/{sessionId}", h.VerifySession)
		r.Post("/cancel-subscription", h.CancelSubscription)
		r.Get("/transactions", h.ListTransactions)
		r.Get("/transactions/{id}", h.GetTransaction)
		r.Post("/usage/ai-summary", h.ConsumeSummary)

		r.Route("/admin", func(r chi.Router) {
			r.Use(mw.RequireRole(billing.RoleAdmin))
			r.Get("/transactions", h.AdminTransactions)
			r.Get("/stats", h.AdminStats)
			r.Post("/process-session", h.ProcessSession)
		})
	})
	return r
}

// Health reports liveness and, when configured, dependency health.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if h.config.HealthCheck != nil {
		if err := h.config.HealthCheck(r.Context()); err != nil {
			h.config.Logger.Error("health check failed", billing.Field{Key: "error", Value: err.Error()})
			h.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ListPlans returns the plan catalog.
func (h *Handler) ListPlans(w http.ResponseWriter, _ *http.Request) {
	plans := h.service.Catalog().Plans()
	out := make([]PlanResponse, 0, len(plans))
	for _, p := range plans {
		out = append(out, NewPlanResponse(p))
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"plans": out})
}

// Webhook applies one signed gateway delivery. Any non-2xx answer makes the
// gateway retry, so only signature, payload and persistence failures fail.
func (h *Handler) Webhook(w http.ResponseWriter, r *http.Request) {
	body, err := httputil.ReadBodyStrict(w, r, h.config.MaxWebhookBytes)
	if err != nil {
		if errors.Is(err, httputil.ErrEmptyBody) {
			err = &billing.Error{Kind: billing.KindValidation, Op: "webhook.read", Err: billing.ErrInvalidWebhookPayload}
		}
		h.fail(w, r, err)
		return
	}
	if _, err := h.service.ProcessWebhook(r.Context(), body, r.Header.Get(h.config.SignatureHeader)); err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, WebhookResponse{Received: true})
}

// GetSubscription returns the caller's subscription snapshot.
func (h *Handler) GetSubscription(w http.ResponseWriter, r *http.Request) {
	profile, _ := mw.ProfileFrom(r.Context())
	snap, err := h.service.Snapshot(r.Context(), profile.UserID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, snap)
}

// Checkout opens a gateway checkout for the requested plan.
func (h *Handler) Checkout(w http.ResponseWriter, r *http.Request) {
	var req CheckoutRequest
	if err := httputil.DecodeJSON(w, r, maxRequestBytes, &req); err != nil {
		h.fail(w, r, badRequest("checkout", err))
		return
	}
	if req.PlanID == "" {
		h.fail(w, r, badRequest("checkout", errors.New("planId is required")))
		return
	}
	profile, _ := mw.ProfileFrom(r.Context())
	res, err := h.service.StartCheckout(r.Context(), profile.UserID, req.PlanID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, res)
}

// VerifySession confirms a checkout from the post-payment landing page.
func (h *Handler) VerifySession(w http.ResponseWriter, r *http.Request) {
	profile, _ := mw.ProfileFrom(r.Context())
	snap, err := h.service.VerifySession(r.Context(), chi.URLParam(r, "sessionId"), profile.UserID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, snap)
}

// CancelSubscription schedules cancellation at the end of the paid period.
func (h *Handler) CancelSubscription(w http.ResponseWriter, r *http.Request) {
	profile, _ := mw.ProfileFrom(r.Context())
	res, err := h.service.CancelSubscription(r.Context(), profile.UserID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, res)
}

// ListTransactions returns the caller's ledger, newest first.
func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	page, limit, err := pageParams(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	profile, _ := mw.ProfileFrom(r.Context())
	res, err := h.service.ListTransactions(r.Context(), profile.UserID, page, limit)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, res)
}

// GetTransaction returns one of the caller's ledger rows.
func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	profile, _ := mw.ProfileFrom(r.Context())
	tx, err := h.service.Transaction(r.Context(), profile.UserID, chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, tx)
}

// ConsumeSummary meters one AI summary for the caller.
func (h *Handler) ConsumeSummary(w http.ResponseWriter, r *http.Request) {
	profile, _ := mw.ProfileFrom(r.Context())
	out, err := h.service.Quota().CheckAndConsume(r.Context(), profile.UserID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	mw.SetUsageHeaders(w, out.Usage)
	if !out.Allowed {
		mw.WriteQuotaExceeded(w, out.Usage)
		return
	}
	h.writeJSON(w, http.StatusOK, out.Usage)
}

// AdminTransactions lists all users' ledger rows with filters.
func (h *Handler) AdminTransactions(w http.ResponseWriter, r *http.Request) {
	page, limit, err := pageParams(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	q := r.URL.Query()
	res, err := h.service.AdminTransactions(r.Context(), billing.AdminTransactionQuery{
		Status: q.Get("status"),
		Type:   q.Get("type"),
		Search: q.Get("search"),
		Page:   page,
		Limit:  limit,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, res)
}

// AdminStats returns the revenue dashboard aggregates.
func (h *Handler) AdminStats(w http.ResponseWriter, r *http.Request) {
	st, err := h.service.AdminStats(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, st)
}

// ProcessSession replays a checkout session against the gateway.
func (h *Handler) ProcessSession(w http.ResponseWriter, r *http.Request) {
	var req ProcessSessionRequest
	if err := httputil.DecodeJSON(w, r, maxRequestBytes, &req); err != nil {
		h.fail(w, r, badRequest("process_session", err))
		return
	}
	profile, _ := mw.ProfileFrom(r.Context())
	h.config.Logger.Info("manual session replay",
		billing.Field{Key: "session_id", Value: req.SessionID},
		billing.Field{Key: "admin_id", Value: profile.UserID},
	)
	snap, err := h.service.ReplaySession(r.Context(), req.SessionID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, snap)
}

// fail logs server-side failures and writes the mapped error response.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	if mw.StatusCode(err) >= http.StatusInternalServerError {
		h.config.Logger.Error("request failed",
			billing.Field{Key: "method", Value: r.Method},
			billing.Field{Key: "path", Value: r.URL.Path},
			billing.Field{Key: "error", Value: err.Error()},
		)
	}
	mw.WriteError(w, err)
}

func (h *Handler) writeJSON(w http.ResponseWriter, code int, body any) {
	if err := httputil.WriteJSON(w, code, body); err != nil {
		h.config.Logger.Warn("response encoding failed", billing.Field{Key: "error", Value: err.Error()})
	}
}

func badRequest(op string, err error) error {
	if errors.Is(err, httputil.ErrPayloadTooLarge) {
		return err
	}
	return &billing.Error{Kind: billing.KindValidation, Op: op, Err: fmt.Errorf("%w: %v", billing.ErrInvalidRequest, err)}
}

func pageParams(r *http.Request) (page, limit int, err error) {
	q := r.URL.Query()
	if page, err = queryInt(q.Get("page")); err != nil {
		return 0, 0, badRequest("pagination", fmt.Errorf("page: %w", err))
	}
	if limit, err = queryInt(q.Get("limit")); err != nil {
		return 0, 0, badRequest("pagination", fmt.Errorf("limit: %w", err))
	}
	return page, limit, nil
}

func queryInt(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	return strconv.Atoi(v)
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "no-referrer")
		next.ServeHTTP(w, r)
	})
}
