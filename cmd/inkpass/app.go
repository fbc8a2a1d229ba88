package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/mihaimyh/inkpass/pkg/billing"
	zerologadapter "github.com/mihaimyh/inkpass/pkg/billing/logger/zerolog"
	prommetrics "github.com/mihaimyh/inkpass/pkg/billing/metrics/prometheus"
	"github.com/mihaimyh/inkpass/pkg/billing/stripe"
	"github.com/mihaimyh/inkpass/storage/memory"
	"github.com/mihaimyh/inkpass/storage/postgres"
	"github.com/mihaimyh/inkpass/storage/redis"
)

// newLogger builds the root logger from LOG_LEVEL and LOG_FORMAT.
func newLogger(cfg *Config, out io.Writer) (zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("invalid LOG_LEVEL %q: %w", cfg.LogLevel, err)
	}
	if level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	if cfg.LogFormat == "console" {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	return zerolog.New(out).Level(level).With().Timestamp().Str("service", "inkpass").Logger(), nil
}

// newCatalog builds the plan catalog with the configured gateway prices.
func newCatalog(cfg *Config) *billing.Catalog {
	return billing.DefaultCatalog(billing.CatalogOptions{
		PremiumPriceRef: cfg.PremiumPriceID,
		ProPriceRef:     cfg.ProPriceID,
		Currency:        cfg.PlanCurrency,
	})
}

// app holds the wired engine and everything that must be closed with it.
type app struct {
	cfg      *Config
	log      zerolog.Logger
	logger   billing.Logger
	registry *prometheus.Registry
	metrics  *prommetrics.Metrics
	catalog  *billing.Catalog
	storage  billing.Storage
	pg       *postgres.Storage
	service  *billing.Service
	closers  []func()
}

// newApp connects the storage, locker and gateway selected by cfg and
// builds the billing service on top of them.
func newApp(ctx context.Context, cfg *Config, log zerolog.Logger) (*app, error) {
	a := &app{
		cfg:      cfg,
		log:      log,
		logger:   zerologadapter.NewLogger(log),
		registry: prometheus.NewRegistry(),
	}
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.metrics = prommetrics.NewMetrics(a.registry, cfg.MetricsNamespace)
	a.catalog = newCatalog(cfg)

	if err := a.openStorage(ctx); err != nil {
		a.Close()
		return nil, err
	}
	locker, err := a.openLocker(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}

	stripeCfg := cfg.Stripe
	stripeCfg.Logger = a.logger
	stripeCfg.Metrics = a.metrics
	gateway, err := stripe.New(stripeCfg)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("stripe gateway: %w", err)
	}

	a.service, err = billing.NewService(billing.Config{
		Storage:        a.storage,
		Gateway:        gateway,
		Catalog:        a.catalog,
		Locker:         locker,
		SuccessURL:     cfg.SuccessURL(),
		CancelURL:      cfg.CancelURL(),
		GatewayTimeout: cfg.GatewayTimeout,
		Logger:         a.logger,
		Metrics:        a.metrics,
		OnPlanChange: func(_ context.Context, ev billing.PlanChangeEvent) {
			a.log.Info().
				Str("user_id", ev.UserID).
				Str("from", string(ev.PreviousPlan)).
				Str("to", string(ev.NewPlan)).
				Str("source", ev.Source).
				Msg("plan changed")
		},
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) openStorage(ctx context.Context) error {
	switch a.cfg.Storage {
	case storagePostgres:
		pg, err := postgres.New(ctx, a.cfg.Postgres)
		if err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		a.pg = pg
		a.storage = pg
		a.closers = append(a.closers, pg.Close)
	default:
		a.log.Warn().Msg("using in-memory storage; state is lost on restart")
		a.storage = memory.New()
	}
	return nil
}

// openLocker returns the Redis locker when REDIS_URL is set. Without it the
// service falls back to an in-process lock, which only serializes writes
// within one instance.
func (a *app) openLocker(ctx context.Context) (billing.Locker, error) {
	if a.cfg.RedisURL == "" {
		return nil, nil
	}
	opts, err := goredis.ParseURL(a.cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	client := goredis.NewClient(opts)
	a.closers = append(a.closers, func() {
		if err := client.Close(); err != nil {
			a.log.Error().Err(err).Msg("failed to close redis client")
		}
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis: %w", err)
	}
	locker, err := redis.New(client, a.cfg.Redis)
	if err != nil {
		return nil, err
	}
	return locker, nil
}

// healthCheck probes the database when one is configured.
func (a *app) healthCheck(ctx context.Context) error {
	if a.pg == nil {
		return nil
	}
	return a.pg.Ping(ctx)
}

// Close releases connections in reverse order of opening.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// stderrLogger is used before the configured logger exists.
func stderrLogger() zerolog.Logger {
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Timestamp().Logger()
}
