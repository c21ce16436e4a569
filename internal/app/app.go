// Package app aggregates configuration and shared dependencies for the CLI
// commands, and owns the long-running service wiring.
package app

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"tradegate/internal/broker"
	"tradegate/internal/config"
	"tradegate/internal/jobs"
	"tradegate/internal/ratelimit"
	"tradegate/internal/risk"
	"tradegate/internal/scheduler"
	"tradegate/internal/session"
	"tradegate/internal/storage"
	"tradegate/internal/storage/memory"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

// stores bundles the persistence interfaces a command needs, backed either
// by postgres or, when no DSN is configured, by a process-local store.
type stores struct {
	risk      storage.RiskStateStore
	approvals storage.ApprovalStore
	trades    storage.TradeStore
	locker    storage.AdvisoryLocker
	close     func()
}

func (a *App) openStores(ctx context.Context) (*stores, error) {
	if a.Config.Database.DSN == "" {
		a.Logger.Warn().Msg("database.dsn not configured; risk state is process-local")
		mem := memory.NewStore()
		if err := mem.EnsureRiskState(ctx); err != nil {
			return nil, err
		}
		return &stores{risk: mem, approvals: mem, trades: mem, close: func() {}}, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, err
	}
	store := storage.NewStore(pool)
	if err := store.EnsureRiskState(ctx); err != nil {
		store.Close()
		return nil, err
	}
	return &stores{
		risk:      store,
		approvals: store,
		trades:    store,
		locker:    store,
		close:     store.Close,
	}, nil
}

func (a *App) credentials() (broker.Credentials, error) {
	cfg := a.Config.Broker
	if cfg.APIKey == "" || cfg.UserKey == "" {
		return broker.Credentials{}, errors.New("broker.api_key and broker.user_key must be configured")
	}
	env := broker.EnvDemo
	if cfg.Environment == "real" {
		env = broker.EnvReal
	}
	return broker.Credentials{APIKey: cfg.APIKey, UserKey: cfg.UserKey, Environment: env}, nil
}

func (a *App) newRiskEngine(st *stores) *risk.Engine {
	cfg := a.Config.Risk
	return risk.New(risk.Config{
		MaxDailyLossUSD:      cfg.MaxDailyLossUSD,
		ApprovalThresholdUSD: cfg.ApprovalThresholdUSD,
		ApprovalTTL:          cfg.ApprovalTTL,
		CooldownDuration:     cfg.CooldownDuration,
		OperatorSecret:       cfg.OperatorSecret,
	}, st.risk, st.approvals, a.Logger)
}

func (a *App) newRegistry(engine *risk.Engine, trades storage.TradeStore) *session.Registry {
	cfg := a.Config.Broker
	return session.NewRegistry(session.Options{
		BaseURL: cfg.BaseURL,
		Timeout: cfg.RequestTimeout,
		RateLimit: ratelimit.Options{
			MaxRequests: cfg.RateLimit,
			Window:      cfg.RateWindow,
		},
		Cache: session.CacheTTLs{
			Portfolio: a.Config.Cache.PortfolioTTL,
			Rates:     a.Config.Cache.RatesTTL,
			Directory: a.Config.Cache.DirectoryTTL,
			Symbols:   a.Config.Cache.SymbolTTL,
		},
		Risk:   engine,
		Trades: trades,
	}, a.Logger)
}

// openSession opens the stores and constructs the session for the
// configured credentials. The returned cleanup closes the store pool.
func (a *App) openSession(ctx context.Context) (*session.Session, *stores, *risk.Engine, func(), error) {
	creds, err := a.credentials()
	if err != nil {
		return nil, nil, nil, nil, err
	}
	st, err := a.openStores(ctx)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	engine := a.newRiskEngine(st)
	registry := a.newRegistry(engine, st.trades)
	return registry.Get(creds), st, engine, st.close, nil
}

// Run executes the long-running gateway service: scheduled ingest cycles,
// approval sweeps, and the daily loss reset.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	sess, st, engine, cleanup, err := a.openSession(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	calendar, err := jobs.NewCalendar(a.Config.Market)
	if err != nil {
		return err
	}

	sched := scheduler.New(scheduler.Options{
		StartupDelay: a.Config.Scheduler.StartupDelay,
	}, a.Logger)
	runner := jobs.NewRunner(sess.Trading, engine, st.trades, calendar, st.locker, a.Config.Scheduler, a.Logger)

	if err := runner.MarketOpenPrep(ctx); err != nil {
		a.Logger.Error().Err(err).Msg("market open prep failed")
	}

	a.Logger.Info().
		Str("environment", a.Config.Broker.Environment).
		Msg("starting trading gateway service")

	err = runner.Run(ctx, sched, a.Config.Scheduler)
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	if prepErr := runner.MarketClosePrep(context.WithoutCancel(ctx)); prepErr != nil {
		a.Logger.Error().Err(prepErr).Msg("market close prep failed")
	}

	a.Logger.Info().Msg("trading gateway service stopped")
	return nil
}
