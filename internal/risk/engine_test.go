package risk

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"tradegate/internal/apperr"
	"tradegate/internal/storage"
	"tradegate/internal/storage/memory"
)

type fixture struct {
	engine *Engine
	store  *memory.Store
	now    time.Time
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	if cfg.OperatorSecret == "" {
		cfg.OperatorSecret = "op-secret"
	}
	store := memory.NewStore()
	require.NoError(t, store.EnsureRiskState(context.Background()))

	f := &fixture{store: store, now: time.Date(2026, 2, 10, 14, 0, 0, 0, time.UTC)}
	store.SetClock(func() time.Time { return f.now })

	f.engine = New(cfg, store, store, zerolog.Nop())
	f.engine.now = func() time.Time { return f.now }
	return f
}

func (f *fixture) advance(d time.Duration) {
	f.now = f.now.Add(d)
}

func TestCheckOrderPassesInNormalState(t *testing.T) {
	f := newFixture(t, Config{MaxDailyLossUSD: decimal.NewFromInt(500)})
	err := f.engine.CheckOrder(context.Background(), OrderCheck{
		Symbol: "AAPL", Side: "buy", NotionalUSD: decimal.NewFromInt(100),
	})
	require.NoError(t, err)
}

func TestKillSwitchBlocksOrders(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	require.NoError(t, f.engine.EngageKillSwitch(ctx, "op-secret", "manual halt"))

	err := f.engine.CheckOrder(ctx, OrderCheck{Symbol: "AAPL", Side: "buy"})
	require.Equal(t, apperr.KindKillSwitchActive, apperr.KindOf(err))

	require.NoError(t, f.engine.ClearKillSwitch(ctx, "op-secret"))
	require.NoError(t, f.engine.CheckOrder(ctx, OrderCheck{Symbol: "AAPL", Side: "buy"}))
}

func TestKillSwitchRequiresOperatorSecret(t *testing.T) {
	f := newFixture(t, Config{})
	err := f.engine.EngageKillSwitch(context.Background(), "wrong", "halt")
	require.Equal(t, apperr.KindForbidden, apperr.KindOf(err))
}

func TestEngageTwiceConflicts(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	require.NoError(t, f.engine.EngageKillSwitch(ctx, "op-secret", "halt"))
	err := f.engine.EngageKillSwitch(ctx, "op-secret", "halt again")
	require.Equal(t, apperr.KindConflict, apperr.KindOf(err))
}

func TestDailyLossCapBlocksAndResetClears(t *testing.T) {
	f := newFixture(t, Config{MaxDailyLossUSD: decimal.NewFromInt(200)})
	ctx := context.Background()

	require.NoError(t, f.engine.RecordLoss(ctx, "TSLA", decimal.NewFromInt(250)))

	err := f.engine.CheckOrder(ctx, OrderCheck{Symbol: "AAPL", Side: "buy"})
	require.Equal(t, apperr.KindPolicyViolation, apperr.KindOf(err))

	require.NoError(t, f.engine.ResetDailyLoss(ctx))

	state, err2 := f.engine.State(ctx)
	require.NoError(t, err2)
	require.True(t, state.DailyLossUSD.IsZero())
}

func TestCooldownBlocksOnlyTheCooledSymbol(t *testing.T) {
	f := newFixture(t, Config{CooldownDuration: time.Hour})
	ctx := context.Background()

	require.NoError(t, f.engine.RecordLoss(ctx, "TSLA", decimal.NewFromInt(50)))

	err := f.engine.CheckOrder(ctx, OrderCheck{Symbol: "TSLA", Side: "buy"})
	require.Equal(t, apperr.KindPolicyViolation, apperr.KindOf(err))

	require.NoError(t, f.engine.CheckOrder(ctx, OrderCheck{Symbol: "AAPL", Side: "buy"}))

	f.advance(2 * time.Hour)
	require.NoError(t, f.engine.CheckOrder(ctx, OrderCheck{Symbol: "TSLA", Side: "buy"}))
}

func TestRecordLossIgnoresGains(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	require.NoError(t, f.engine.RecordLoss(ctx, "AAPL", decimal.NewFromInt(-75)))

	state, err := f.engine.State(ctx)
	require.NoError(t, err)
	require.True(t, state.DailyLossUSD.IsZero())
	require.Nil(t, state.CooldownSymbol)
}

func TestRequiresApprovalThreshold(t *testing.T) {
	f := newFixture(t, Config{ApprovalThresholdUSD: decimal.NewFromInt(1000)})
	require.False(t, f.engine.RequiresApproval(decimal.NewFromInt(999)))
	require.True(t, f.engine.RequiresApproval(decimal.NewFromInt(1000)))
}

type orderParams struct {
	Symbol   string `json:"symbol"`
	Side     string `json:"side"`
	Notional string `json:"notional"`
}

func TestApprovalTokenSingleUse(t *testing.T) {
	f := newFixture(t, Config{ApprovalTTL: 15 * time.Minute})
	ctx := context.Background()

	approval, err := f.engine.CreateApproval(ctx,
		OrderCheck{Symbol: "AAPL", Side: "buy", NotionalUSD: decimal.NewFromInt(5000)},
		orderParams{Symbol: "AAPL", Side: "buy", Notional: "5000"})
	require.NoError(t, err)
	require.NotEmpty(t, approval.ApprovalToken)
	require.NotEmpty(t, approval.PreviewHash)

	submissions := 0
	prepare := func(ctx context.Context, a storage.OrderApproval) (SubmitFunc, error) {
		return func(context.Context) error {
			submissions++
			return nil
		}, nil
	}

	_, err = f.engine.ExecuteApproved(ctx, approval.ApprovalToken, prepare)
	require.NoError(t, err)
	require.Equal(t, 1, submissions)

	_, err = f.engine.ExecuteApproved(ctx, approval.ApprovalToken, prepare)
	require.Equal(t, apperr.KindInvalidApproval, apperr.KindOf(err))
	require.Equal(t, 1, submissions, "broker must not be called for a consumed token")
}

func TestPrepareFailureLeavesTokenUsable(t *testing.T) {
	f := newFixture(t, Config{ApprovalTTL: 15 * time.Minute})
	ctx := context.Background()

	approval, err := f.engine.CreateApproval(ctx,
		OrderCheck{Symbol: "AAPL", Side: "buy", NotionalUSD: decimal.NewFromInt(5000)},
		orderParams{Symbol: "AAPL", Side: "buy", Notional: "5000"})
	require.NoError(t, err)

	submissions := 0
	_, err = f.engine.ExecuteApproved(ctx, approval.ApprovalToken,
		func(context.Context, storage.OrderApproval) (SubmitFunc, error) {
			return nil, apperr.New(apperr.KindProviderError, "rates endpoint down")
		})
	require.Equal(t, apperr.KindProviderError, apperr.KindOf(err))
	require.Zero(t, submissions)

	stored, err := f.store.GetApprovalByToken(ctx, approval.ApprovalToken)
	require.NoError(t, err)
	require.Nil(t, stored.UsedAt, "a failed prepare must not consume the token")

	_, err = f.engine.ExecuteApproved(ctx, approval.ApprovalToken,
		func(context.Context, storage.OrderApproval) (SubmitFunc, error) {
			return func(context.Context) error {
				submissions++
				return nil
			}, nil
		})
	require.NoError(t, err)
	require.Equal(t, 1, submissions)
}

func TestApprovalTokenExpiry(t *testing.T) {
	f := newFixture(t, Config{ApprovalTTL: 15 * time.Minute})
	ctx := context.Background()

	approval, err := f.engine.CreateApproval(ctx,
		OrderCheck{Symbol: "AAPL", Side: "buy", NotionalUSD: decimal.NewFromInt(5000)},
		orderParams{Symbol: "AAPL", Side: "buy"})
	require.NoError(t, err)

	f.advance(16 * time.Minute)

	prepares := 0
	_, err = f.engine.ExecuteApproved(ctx, approval.ApprovalToken,
		func(context.Context, storage.OrderApproval) (SubmitFunc, error) {
			prepares++
			return func(context.Context) error { return nil }, nil
		})
	require.Equal(t, apperr.KindExpiredApproval, apperr.KindOf(err))
	require.Zero(t, prepares, "an expired token must fail before any preparation work")
}

func TestUnknownTokenIsInvalid(t *testing.T) {
	f := newFixture(t, Config{})
	_, err := f.engine.ExecuteApproved(context.Background(), "no-such-token",
		func(context.Context, storage.OrderApproval) (SubmitFunc, error) {
			return func(context.Context) error { return nil }, nil
		})
	require.Equal(t, apperr.KindInvalidApproval, apperr.KindOf(err))
}

func TestExecuteApprovedRechecksKillSwitch(t *testing.T) {
	f := newFixture(t, Config{ApprovalTTL: time.Hour})
	ctx := context.Background()

	approval, err := f.engine.CreateApproval(ctx,
		OrderCheck{Symbol: "AAPL", Side: "buy", NotionalUSD: decimal.NewFromInt(5000)},
		orderParams{Symbol: "AAPL", Side: "buy"})
	require.NoError(t, err)

	require.NoError(t, f.engine.EngageKillSwitch(ctx, "op-secret", "halt"))

	prepares := 0
	_, err = f.engine.ExecuteApproved(ctx, approval.ApprovalToken,
		func(context.Context, storage.OrderApproval) (SubmitFunc, error) {
			prepares++
			return func(context.Context) error { return nil }, nil
		})
	require.Equal(t, apperr.KindKillSwitchActive, apperr.KindOf(err))
	require.Zero(t, prepares)
}

func TestSweepDeletesOnlyExpiredUnused(t *testing.T) {
	f := newFixture(t, Config{ApprovalTTL: 10 * time.Minute})
	ctx := context.Background()

	stale, err := f.engine.CreateApproval(ctx,
		OrderCheck{Symbol: "AAPL", Side: "buy", NotionalUSD: decimal.NewFromInt(1)},
		orderParams{Symbol: "AAPL"})
	require.NoError(t, err)

	f.advance(5 * time.Minute)
	fresh, err := f.engine.CreateApproval(ctx,
		OrderCheck{Symbol: "MSFT", Side: "buy", NotionalUSD: decimal.NewFromInt(1)},
		orderParams{Symbol: "MSFT"})
	require.NoError(t, err)

	f.advance(6 * time.Minute) // stale past expiry, fresh still valid

	deleted, err := f.engine.SweepExpiredApprovals(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), deleted)

	_, err = f.store.GetApprovalByToken(ctx, stale.ApprovalToken)
	require.ErrorIs(t, err, storage.ErrNotFound)

	_, err = f.store.GetApprovalByToken(ctx, fresh.ApprovalToken)
	require.NoError(t, err)
}
