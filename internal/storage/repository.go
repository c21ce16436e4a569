package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("storage: not found")
	// ErrStateConflict is returned when a conditional update matched no
	// row because the record was not in the expected state.
	ErrStateConflict = errors.New("storage: state conflict")
	// ErrTokenExpired is returned when an approval token exists but its
	// expiry has passed.
	ErrTokenExpired = errors.New("storage: approval token expired")
	// ErrTokenUsed is returned when an approval token was already consumed.
	ErrTokenUsed = errors.New("storage: approval token already used")
)

const (
	ensureRiskStateSQL = `INSERT INTO risk_state (id, kill_switch_active, daily_loss_usd, daily_loss_reset_at)
    VALUES (1, FALSE, 0, NOW())
    ON CONFLICT (id) DO NOTHING;`

	getRiskStateSQL = `SELECT
        kill_switch_active,
        kill_switch_reason,
        daily_loss_usd,
        daily_loss_reset_at,
        cooldown_symbol,
        cooldown_until,
        updated_at
    FROM risk_state
    WHERE id = 1;`

	engageKillSwitchSQL = `UPDATE risk_state
    SET kill_switch_active = TRUE, kill_switch_reason = $1, updated_at = NOW()
    WHERE id = 1 AND kill_switch_active = FALSE;`

	clearKillSwitchSQL = `UPDATE risk_state
    SET kill_switch_active = FALSE, kill_switch_reason = NULL, updated_at = NOW()
    WHERE id = 1 AND kill_switch_active = TRUE;`

	addDailyLossSQL = `UPDATE risk_state
    SET daily_loss_usd = daily_loss_usd + $1, updated_at = NOW()
    WHERE id = 1;`

	resetDailyLossSQL = `UPDATE risk_state
    SET daily_loss_usd = 0, daily_loss_reset_at = $1, updated_at = NOW()
    WHERE id = 1;`

	setCooldownSQL = `UPDATE risk_state
    SET cooldown_symbol = $1, cooldown_until = $2, updated_at = NOW()
    WHERE id = 1;`

	insertApprovalSQL = `INSERT INTO order_approvals (
        preview_hash,
        order_params,
        policy_result,
        approval_token,
        expires_at
    ) VALUES (
        $1,$2,$3,$4,$5
    )
    RETURNING id, preview_hash, order_params, policy_result, approval_token, expires_at, used_at, created_at;`

	getApprovalByTokenSQL = `SELECT
        id, preview_hash, order_params, policy_result, approval_token, expires_at, used_at, created_at
    FROM order_approvals
    WHERE approval_token = $1;`

	consumeApprovalSQL = `UPDATE order_approvals
    SET used_at = $2
    WHERE approval_token = $1
      AND used_at IS NULL
      AND expires_at > $2
    RETURNING id, preview_hash, order_params, policy_result, approval_token, expires_at, used_at, created_at;`

	deleteExpiredApprovalsSQL = `DELETE FROM order_approvals WHERE expires_at < $1 AND used_at IS NULL;`

	insertTradeSQL = `INSERT INTO trades (
        approval_id,
        broker_order_id,
        symbol,
        side,
        quantity,
        order_type,
        status
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7
    )
    RETURNING id, submitted_at, updated_at;`

	updateTradeStatusSQL = `UPDATE trades
    SET status = $2,
        filled_qty = COALESCE($3, filled_qty),
        filled_avg_price = COALESCE($4, filled_avg_price),
        updated_at = NOW()
    WHERE broker_order_id = $1;`

	listTradesBySymbolSQL = `SELECT
        id, approval_id, broker_order_id, symbol, side, quantity, order_type, status,
        filled_qty, filled_avg_price, submitted_at, updated_at
    FROM trades
    WHERE symbol = $1
    ORDER BY submitted_at DESC
    LIMIT $2;`

	listRecentTradesSQL = `SELECT
        id, approval_id, broker_order_id, symbol, side, quantity, order_type, status,
        filled_qty, filled_avg_price, submitted_at, updated_at
    FROM trades
    ORDER BY submitted_at DESC
    LIMIT $1;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// RiskStateStore persists the singleton risk row. All mutations use
// conditional or atomic updates rather than read-then-write.
type RiskStateStore interface {
	EnsureRiskState(ctx context.Context) error
	GetRiskState(ctx context.Context) (RiskState, error)
	EngageKillSwitch(ctx context.Context, reason string) error
	ClearKillSwitch(ctx context.Context) error
	AddDailyLoss(ctx context.Context, amount decimal.Decimal) error
	ResetDailyLoss(ctx context.Context, at time.Time) error
	SetCooldown(ctx context.Context, symbol string, until time.Time) error
}

// ApprovalStore persists single-use order approvals.
type ApprovalStore interface {
	InsertApproval(ctx context.Context, approval OrderApproval) (OrderApproval, error)
	GetApprovalByToken(ctx context.Context, token string) (OrderApproval, error)
	// ConsumeApproval stamps used_at atomically. ErrTokenUsed, ErrTokenExpired,
	// and ErrNotFound distinguish the failure modes.
	ConsumeApproval(ctx context.Context, token string, now time.Time) (OrderApproval, error)
	DeleteExpiredApprovals(ctx context.Context, now time.Time) (int64, error)
}

// TradeStore persists the local trade ledger.
type TradeStore interface {
	InsertTrade(ctx context.Context, trade Trade) (Trade, error)
	UpdateTradeStatus(ctx context.Context, brokerOrderID, status string, filledQty, filledAvgPrice *decimal.Decimal) error
	ListTradesBySymbol(ctx context.Context, symbol string, limit int) ([]Trade, error)
	ListRecentTrades(ctx context.Context, limit int) ([]Trade, error)
}

// AdvisoryLocker exposes advisory lock helpers for single-runner jobs.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store aggregates risk, approval, and trade persistence over one pool.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if _, err := conn.Exec(ctxUnlock, advisoryUnlockSQL, key); err != nil {
			// unlock best effort; log omitted in storage package
		}
		conn.Release()
	}
	return unlock, true, nil
}

// EnsureRiskState creates the singleton risk row if it does not exist.
func (s *Store) EnsureRiskState(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, ensureRiskStateSQL); execErr != nil {
		return fmt.Errorf("ensure risk state: %w", execErr)
	}
	return nil
}

// GetRiskState reads the singleton risk row.
func (s *Store) GetRiskState(ctx context.Context) (RiskState, error) {
	pool, err := s.getPool()
	if err != nil {
		return RiskState{}, err
	}

	var (
		state    RiskState
		reason   sql.NullString
		lossStr  string
		cdSymbol sql.NullString
		cdUntil  sql.NullTime
	)
	row := pool.QueryRow(ctx, getRiskStateSQL)
	if scanErr := row.Scan(
		&state.KillSwitchActive,
		&reason,
		&lossStr,
		&state.DailyLossResetAt,
		&cdSymbol,
		&cdUntil,
		&state.UpdatedAt,
	); scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return RiskState{}, ErrNotFound
		}
		return RiskState{}, fmt.Errorf("get risk state: %w", scanErr)
	}

	loss, convErr := decimal.NewFromString(lossStr)
	if convErr != nil {
		return RiskState{}, fmt.Errorf("parse daily loss: %w", convErr)
	}
	state.DailyLossUSD = loss

	if reason.Valid {
		v := reason.String
		state.KillSwitchReason = &v
	}
	if cdSymbol.Valid {
		v := cdSymbol.String
		state.CooldownSymbol = &v
	}
	if cdUntil.Valid {
		v := cdUntil.Time
		state.CooldownUntil = &v
	}
	return state, nil
}

// EngageKillSwitch flips the kill switch on. ErrStateConflict when already active.
func (s *Store) EngageKillSwitch(ctx context.Context, reason string) error {
	return s.conditionalExec(ctx, engageKillSwitchSQL, reason)
}

// ClearKillSwitch flips the kill switch off. ErrStateConflict when not active.
func (s *Store) ClearKillSwitch(ctx context.Context) error {
	return s.conditionalExec(ctx, clearKillSwitchSQL)
}

func (s *Store) conditionalExec(ctx context.Context, query string, args ...any) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	tag, execErr := pool.Exec(ctx, query, args...)
	if execErr != nil {
		return fmt.Errorf("conditional update: %w", execErr)
	}
	if tag.RowsAffected() == 0 {
		return ErrStateConflict
	}
	return nil
}

// AddDailyLoss atomically accumulates realized loss. Negative amounts are
// rejected: only the scheduled reset may decrement the counter.
func (s *Store) AddDailyLoss(ctx context.Context, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return fmt.Errorf("daily loss increment cannot be negative")
	}
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, addDailyLossSQL, amount.String()); execErr != nil {
		return fmt.Errorf("add daily loss: %w", execErr)
	}
	return nil
}

// ResetDailyLoss zeroes the counter and stamps the reset time.
func (s *Store) ResetDailyLoss(ctx context.Context, at time.Time) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, resetDailyLossSQL, at); execErr != nil {
		return fmt.Errorf("reset daily loss: %w", execErr)
	}
	return nil
}

// SetCooldown records a symbol-level re-entry block.
func (s *Store) SetCooldown(ctx context.Context, symbol string, until time.Time) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, setCooldownSQL, symbol, until); execErr != nil {
		return fmt.Errorf("set cooldown: %w", execErr)
	}
	return nil
}

// InsertApproval persists a pending order approval.
func (s *Store) InsertApproval(ctx context.Context, approval OrderApproval) (OrderApproval, error) {
	pool, err := s.getPool()
	if err != nil {
		return OrderApproval{}, err
	}
	row := pool.QueryRow(ctx, insertApprovalSQL,
		approval.PreviewHash,
		[]byte(approval.OrderParams),
		[]byte(approval.PolicyResult),
		approval.ApprovalToken,
		approval.ExpiresAt,
	)
	return scanApproval(row)
}

// GetApprovalByToken looks up an approval without consuming it.
func (s *Store) GetApprovalByToken(ctx context.Context, token string) (OrderApproval, error) {
	pool, err := s.getPool()
	if err != nil {
		return OrderApproval{}, err
	}
	approval, scanErr := scanApproval(pool.QueryRow(ctx, getApprovalByTokenSQL, token))
	if scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return OrderApproval{}, ErrNotFound
		}
		return OrderApproval{}, scanErr
	}
	return approval, nil
}

// ConsumeApproval stamps used_at in one conditional update. The losing
// caller of a race sees zero rows and is classified by a follow-up read.
func (s *Store) ConsumeApproval(ctx context.Context, token string, now time.Time) (OrderApproval, error) {
	pool, err := s.getPool()
	if err != nil {
		return OrderApproval{}, err
	}

	approval, scanErr := scanApproval(pool.QueryRow(ctx, consumeApprovalSQL, token, now))
	if scanErr == nil {
		return approval, nil
	}
	if !errors.Is(scanErr, pgx.ErrNoRows) {
		return OrderApproval{}, fmt.Errorf("consume approval: %w", scanErr)
	}

	existing, getErr := s.GetApprovalByToken(ctx, token)
	if getErr != nil {
		return OrderApproval{}, getErr
	}
	if existing.UsedAt != nil {
		return OrderApproval{}, ErrTokenUsed
	}
	return OrderApproval{}, ErrTokenExpired
}

// DeleteExpiredApprovals sweeps unused approvals past expiry.
func (s *Store) DeleteExpiredApprovals(ctx context.Context, now time.Time) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	tag, execErr := pool.Exec(ctx, deleteExpiredApprovalsSQL, now)
	if execErr != nil {
		return 0, fmt.Errorf("delete expired approvals: %w", execErr)
	}
	return tag.RowsAffected(), nil
}

// InsertTrade appends a ledger row for a submitted order.
func (s *Store) InsertTrade(ctx context.Context, trade Trade) (Trade, error) {
	pool, err := s.getPool()
	if err != nil {
		return Trade{}, err
	}

	var approvalID any
	if trade.ApprovalID != nil {
		approvalID = *trade.ApprovalID
	}

	row := pool.QueryRow(ctx, insertTradeSQL,
		approvalID,
		trade.BrokerOrderID,
		trade.Symbol,
		trade.Side,
		trade.Quantity.String(),
		trade.OrderType,
		trade.Status,
	)
	if scanErr := row.Scan(&trade.ID, &trade.SubmittedAt, &trade.UpdatedAt); scanErr != nil {
		return Trade{}, fmt.Errorf("insert trade: %w", scanErr)
	}
	return trade, nil
}

// UpdateTradeStatus reconciles a ledger row from observed broker state.
func (s *Store) UpdateTradeStatus(ctx context.Context, brokerOrderID, status string, filledQty, filledAvgPrice *decimal.Decimal) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	var qty, price any
	if filledQty != nil {
		qty = filledQty.String()
	}
	if filledAvgPrice != nil {
		price = filledAvgPrice.String()
	}

	tag, execErr := pool.Exec(ctx, updateTradeStatusSQL, brokerOrderID, status, qty, price)
	if execErr != nil {
		return fmt.Errorf("update trade status: %w", execErr)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListTradesBySymbol lists ledger rows for one symbol, newest first.
func (s *Store) ListTradesBySymbol(ctx context.Context, symbol string, limit int) ([]Trade, error) {
	return s.listTrades(ctx, listTradesBySymbolSQL, symbol, limit)
}

// ListRecentTrades lists the newest ledger rows.
func (s *Store) ListRecentTrades(ctx context.Context, limit int) ([]Trade, error) {
	return s.listTrades(ctx, listRecentTradesSQL, limit)
}

func (s *Store) listTrades(ctx context.Context, query string, args ...any) ([]Trade, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, query, args...)
	if queryErr != nil {
		return nil, fmt.Errorf("list trades: %w", queryErr)
	}
	defer rows.Close()

	trades := make([]Trade, 0)
	for rows.Next() {
		trade, scanErr := scanTrade(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		trades = append(trades, trade)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return trades, nil
}

func scanApproval(row pgx.Row) (OrderApproval, error) {
	var (
		approval OrderApproval
		usedAt   sql.NullTime
	)
	if err := row.Scan(
		&approval.ID,
		&approval.PreviewHash,
		&approval.OrderParams,
		&approval.PolicyResult,
		&approval.ApprovalToken,
		&approval.ExpiresAt,
		&usedAt,
		&approval.CreatedAt,
	); err != nil {
		return OrderApproval{}, err
	}
	if usedAt.Valid {
		v := usedAt.Time
		approval.UsedAt = &v
	}
	return approval, nil
}

func scanTrade(rows pgx.Rows) (Trade, error) {
	var (
		trade      Trade
		approvalID sql.NullInt64
		qtyStr     string
		filledQty  sql.NullString
		filledAvg  sql.NullString
	)
	if err := rows.Scan(
		&trade.ID,
		&approvalID,
		&trade.BrokerOrderID,
		&trade.Symbol,
		&trade.Side,
		&qtyStr,
		&trade.OrderType,
		&trade.Status,
		&filledQty,
		&filledAvg,
		&trade.SubmittedAt,
		&trade.UpdatedAt,
	); err != nil {
		return Trade{}, err
	}

	qty, convErr := decimal.NewFromString(qtyStr)
	if convErr != nil {
		return Trade{}, fmt.Errorf("parse trade quantity: %w", convErr)
	}
	trade.Quantity = qty

	if approvalID.Valid {
		v := approvalID.Int64
		trade.ApprovalID = &v
	}
	if filledQty.Valid {
		v, err := decimal.NewFromString(filledQty.String)
		if err != nil {
			return Trade{}, fmt.Errorf("parse filled qty: %w", err)
		}
		trade.FilledQty = &v
	}
	if filledAvg.Valid {
		v, err := decimal.NewFromString(filledAvg.String)
		if err != nil {
			return Trade{}, fmt.Errorf("parse filled avg price: %w", err)
		}
		trade.FilledAvgPrice = &v
	}
	return trade, nil
}
