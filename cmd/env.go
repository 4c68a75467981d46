package main

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/quote-desk/internal/cases"
	"github.com/sells-group/quote-desk/internal/gaps"
	"github.com/sells-group/quote-desk/internal/pricing"
	"github.com/sells-group/quote-desk/internal/resilience"
	"github.com/sells-group/quote-desk/internal/send"
	"github.com/sells-group/quote-desk/internal/store"
	"github.com/sells-group/quote-desk/internal/versions"
	"github.com/sells-group/quote-desk/pkg/mailer"
	"github.com/sells-group/quote-desk/pkg/pricingengine"
	"github.com/sells-group/quote-desk/pkg/quotedoc"
)

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "quote-desk.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// appEnv holds the store and every service the serve and CLI commands use.
type appEnv struct {
	Store    store.Store
	Cases    *cases.Service
	Gaps     *gaps.Ledger
	Runs     *pricing.Service
	Runner   *pricing.Runner
	Versions *versions.Service
	Send     *send.Pipeline
	Exporter *quotedoc.Exporter
}

// Close releases resources held by the environment.
func (e *appEnv) Close() {
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// initEnv validates config for mode, opens and migrates the store, and wires
// the services. Callers should defer env.Close().
func initEnv(ctx context.Context, mode string) (*appEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if mode == "serve" && cfg.Store.Driver == "sqlite" {
		zap.L().Warn("serving from sqlite: all case transactions share one connection; use postgres in production")
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	exporter, err := quotedoc.NewExporter(cfg.Export.Dir, cfg.Export.BaseURL, cfg.Export.Locale)
	if err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "init exporter")
	}

	engine := pricingengine.NewClient(cfg.Pricing.EngineKey,
		pricingengine.WithBaseURL(cfg.Pricing.EngineURL),
		pricingengine.WithRateLimit(cfg.Pricing.RatePerSec, cfg.Pricing.Burst),
	)
	engineRetry := resilience.FromUpstreamConfig("pricing_engine", "price", cfg.Pricing.TimeoutSecs, cfg.Pricing.MaxAttempts)
	deliveryRetry := resilience.FromUpstreamConfig("delivery", "deliver", cfg.Delivery.TimeoutSecs, cfg.Delivery.MaxAttempts)

	var m mailer.Mailer
	switch cfg.Delivery.Mode {
	case "webhook":
		m = mailer.NewWebhookMailer(cfg.Delivery.WebhookURL, mailer.WithFrom(cfg.Delivery.From))
	default:
		m = mailer.NewLogMailer()
	}

	runs := pricing.NewService(st)
	env := &appEnv{
		Store:    st,
		Cases:    cases.NewService(st),
		Gaps:     gaps.NewLedger(st, cfg.Pricing.ReadyThreshold),
		Runs:     runs,
		Runner:   pricing.NewRunner(runs, engine, engineRetry),
		Versions: versions.NewService(st),
		Send:     send.NewPipeline(st, m, deliveryRetry, send.WithExporter(exporter)),
		Exporter: exporter,
	}

	zap.L().Info("environment ready",
		zap.String("store", cfg.Store.Driver),
		zap.String("delivery", cfg.Delivery.Mode),
		zap.Float64("ready_threshold", env.Gaps.Threshold()),
	)
	return env, nil
}
