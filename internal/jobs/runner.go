// Package jobs holds the recurring operational tasks: the ingest cycle,
// session open/close preparation, the daily loss counter reset, and the
// expired-approval sweep. Jobs are invoked by the scheduler or one-shot
// from the CLI.
package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"tradegate/internal/config"
	"tradegate/internal/gateway"
	"tradegate/internal/risk"
	"tradegate/internal/scheduler"
	"tradegate/internal/storage"
)

const reconcileBatch = 50

// TradingGateway is the slice of the trading surface the jobs consume.
type TradingGateway interface {
	GetAccount(ctx context.Context) (gateway.Account, error)
	GetPositions(ctx context.Context) ([]gateway.Position, error)
	GetOrder(ctx context.Context, orderID string) (gateway.Order, error)
}

// Runner orchestrates the recurring jobs over one trading session.
type Runner struct {
	trading  TradingGateway
	risk     *risk.Engine
	trades   storage.TradeStore
	calendar *Calendar
	locker   storage.AdvisoryLocker
	lockKey  int64
	logger   zerolog.Logger

	now func() time.Time
}

// NewRunner constructs the job runner. locker may be nil when the process
// is known to be the only writer.
func NewRunner(trading TradingGateway, riskEngine *risk.Engine, trades storage.TradeStore, calendar *Calendar, locker storage.AdvisoryLocker, cfg config.SchedulerConfig, logger zerolog.Logger) *Runner {
	return &Runner{
		trading:  trading,
		risk:     riskEngine,
		trades:   trades,
		calendar: calendar,
		locker:   locker,
		lockKey:  cfg.AdvisoryLockKey,
		logger:   logger.With().Str("component", "jobs").Logger(),
		now:      time.Now,
	}
}

// Run blocks, driving the ingest and maintenance cadences until ctx is
// cancelled.
func (r *Runner) Run(ctx context.Context, sched *scheduler.Scheduler, cfg config.SchedulerConfig) error {
	jobs := []scheduler.Job{
		{Name: "ingest_cycle", Interval: cfg.IngestInterval, AlignToStart: true, Run: r.IngestCycle},
		{Name: "maintenance", Interval: cfg.SweepInterval, AlignToStart: true, Run: r.Maintenance},
	}

	var wg sync.WaitGroup
	for _, job := range jobs {
		wg.Add(1)
		go func(job scheduler.Job) {
			defer wg.Done()
			if err := sched.Run(ctx, job); err != nil && ctx.Err() == nil {
				r.logger.Error().Err(err).Str("job", job.Name).Msg("job loop exited")
			}
		}(job)
	}
	wg.Wait()
	return ctx.Err()
}

// IngestCycle refreshes the account and position snapshot and reconciles
// open orders against the ledger. It only runs while the market session is
// open and the kill switch is inactive.
func (r *Runner) IngestCycle(ctx context.Context, bucket time.Time) error {
	unlock, proceed, err := r.acquireLock(ctx)
	if err != nil {
		return err
	}
	if !proceed {
		r.logger.Debug().Time("bucket", bucket).Msg("skip cycle, advisory lock held elsewhere")
		return nil
	}
	if unlock != nil {
		defer unlock()
	}

	if !r.calendar.IsOpen(r.now()) {
		r.logger.Debug().Time("bucket", bucket).Msg("skip cycle, market closed")
		return nil
	}
	state, err := r.risk.State(ctx)
	if err != nil {
		return fmt.Errorf("read risk state: %w", err)
	}
	if state.KillSwitchActive {
		r.logger.Warn().Time("bucket", bucket).Msg("skip cycle, kill switch active")
		return nil
	}

	account, err := r.trading.GetAccount(ctx)
	if err != nil {
		return fmt.Errorf("account snapshot: %w", err)
	}
	positions, err := r.trading.GetPositions(ctx)
	if err != nil {
		return fmt.Errorf("position snapshot: %w", err)
	}

	reconciled := r.reconcileOpenTrades(ctx)

	r.logger.Info().Time("bucket", bucket).
		Str("equity", account.Equity.String()).
		Str("equity_source", account.Source).
		Int("positions", len(positions)).
		Int("orders_reconciled", reconciled).
		Msg("ingest cycle complete")
	return nil
}

// reconcileOpenTrades refreshes the status of ledger rows still in a
// non-terminal state. Individual failures are logged and skipped.
func (r *Runner) reconcileOpenTrades(ctx context.Context) int {
	trades, err := r.trades.ListRecentTrades(ctx, reconcileBatch)
	if err != nil {
		r.logger.Warn().Err(err).Msg("trade ledger read failed, skipping reconciliation")
		return 0
	}

	reconciled := 0
	for _, trade := range trades {
		if trade.Status == string(gateway.StatusFilled) || trade.Status == string(gateway.StatusCanceled) {
			continue
		}
		if _, err := r.trading.GetOrder(ctx, trade.BrokerOrderID); err != nil {
			r.logger.Warn().Err(err).Str("order_id", trade.BrokerOrderID).Msg("order reconcile failed")
			continue
		}
		reconciled++
	}
	return reconciled
}

// Maintenance bundles the approval sweep and the daily loss reset onto one
// cadence.
func (r *Runner) Maintenance(ctx context.Context, bucket time.Time) error {
	if _, err := r.ApprovalSweep(ctx); err != nil {
		r.logger.Error().Err(err).Msg("approval sweep failed")
	}
	return r.DailyLossReset(ctx, bucket)
}

// MarketOpenPrep runs once before the session opens: reports the risk
// posture and clears out stale approvals.
func (r *Runner) MarketOpenPrep(ctx context.Context) error {
	state, err := r.risk.State(ctx)
	if err != nil {
		return fmt.Errorf("read risk state: %w", err)
	}

	swept, err := r.ApprovalSweep(ctx)
	if err != nil {
		return err
	}

	r.logger.Info().
		Bool("kill_switch_active", state.KillSwitchActive).
		Str("daily_loss_usd", state.DailyLossUSD.String()).
		Int64("approvals_swept", swept).
		Msg("market open prep complete")
	return nil
}

// MarketClosePrep runs once after the session closes: snapshots equity and
// open positions, and clears out stale approvals.
func (r *Runner) MarketClosePrep(ctx context.Context) error {
	account, err := r.trading.GetAccount(ctx)
	if err != nil {
		return fmt.Errorf("account snapshot: %w", err)
	}
	positions, err := r.trading.GetPositions(ctx)
	if err != nil {
		return fmt.Errorf("position snapshot: %w", err)
	}

	swept, err := r.ApprovalSweep(ctx)
	if err != nil {
		return err
	}

	r.logger.Info().
		Str("equity", account.Equity.String()).
		Int("open_positions", len(positions)).
		Int64("approvals_swept", swept).
		Msg("market close prep complete")
	return nil
}

// DailyLossReset zeroes the daily loss counter once per UTC day. The
// stamped reset time makes the job idempotent across replicas and retries.
func (r *Runner) DailyLossReset(ctx context.Context, bucket time.Time) error {
	state, err := r.risk.State(ctx)
	if err != nil {
		return fmt.Errorf("read risk state: %w", err)
	}

	today := bucket.UTC().Truncate(24 * time.Hour)
	if !state.DailyLossResetAt.UTC().Before(today) {
		return nil
	}

	if err := r.risk.ResetDailyLoss(ctx); err != nil {
		return fmt.Errorf("reset daily loss: %w", err)
	}
	r.logger.Info().
		Str("previous_loss_usd", state.DailyLossUSD.String()).
		Time("day", today).
		Msg("daily loss counter reset")
	return nil
}

// ApprovalSweep deletes expired, unconsumed approval tokens.
func (r *Runner) ApprovalSweep(ctx context.Context) (int64, error) {
	swept, err := r.risk.SweepExpiredApprovals(ctx)
	if err != nil {
		return 0, fmt.Errorf("sweep approvals: %w", err)
	}
	if swept > 0 {
		r.logger.Info().Int64("count", swept).Msg("expired approvals swept")
	}
	return swept, nil
}

// RefreshCaches exists for cadence parity with the hosted deployment,
// where the hourly refresh hook is intentionally empty: the read caches
// already expire on their own TTLs.
func (r *Runner) RefreshCaches(context.Context) error {
	return nil
}

func (r *Runner) acquireLock(ctx context.Context) (func(), bool, error) {
	if r.lockKey == 0 || r.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := r.locker.TryAdvisoryLock(ctx, r.lockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}
