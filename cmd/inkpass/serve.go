package main

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/hlog"

	mw "github.com/mihaimyh/inkpass/middleware/http"
	"github.com/mihaimyh/inkpass/pkg/api"
)

// newRouter mounts the billing API next to the metrics endpoint.
func newRouter(a *app) (http.Handler, error) {
	getProfile := mw.FromHeaders()
	if a.cfg.AuthMode == authJWT {
		getProfile = mw.JWT([]byte(a.cfg.JWTSecret))
	}

	handler, err := api.NewHandler(api.Config{
		Service:          a.service,
		GetProfile:       getProfile,
		MaxWebhookBytes:  a.cfg.MaxWebhookBytes,
		WebhookRateLimit: a.cfg.WebhookRateLimit,
		HealthCheck:      a.healthCheck,
		Middlewares:      a.requestMiddlewares(),
		Logger:           a.logger,
	})
	if err != nil {
		return nil, err
	}

	r := chi.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{Registry: a.registry}))
	r.Mount("/", handler)
	return r, nil
}

// requestMiddlewares attach a request-scoped logger and record one access
// log line and one API metric per request.
func (a *app) requestMiddlewares() []func(http.Handler) http.Handler {
	return []func(http.Handler) http.Handler{
		hlog.NewHandler(a.log),
		hlog.RequestIDHandler("req_id", "X-Request-Id"),
		hlog.RemoteAddrHandler("ip"),
		hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
			route := r.URL.Path
			if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
				route = rctx.RoutePattern()
			}
			a.metrics.RecordAPICall(route, strconv.Itoa(status))
			a.metrics.RecordAPICallDuration(route, duration)

			event := hlog.FromRequest(r).Info()
			if status >= http.StatusInternalServerError {
				event = hlog.FromRequest(r).Error()
			}
			event.
				Str("method", r.Method).
				Str("route", route).
				Int("status", status).
				Int("size", size).
				Dur("duration", duration).
				Msg("request")
		}),
	}
}

// serve runs the HTTP server until ctx is cancelled, then drains in-flight
// requests within the shutdown timeout.
func serve(ctx context.Context, a *app) error {
	handler, err := newRouter(a)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.log.Info().Str("addr", srv.Addr).Str("storage", a.cfg.Storage).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	a.log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}
