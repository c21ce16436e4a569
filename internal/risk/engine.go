// Package risk gates order execution behind the persisted risk state: the
// kill switch, the daily loss cap, symbol cooldowns, and the single-use
// order-approval workflow. Every check runs before any network call so
// policy failures have no partial side effects.
package risk

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"tradegate/internal/apperr"
	"tradegate/internal/storage"
)

// Config tunes the policy thresholds.
type Config struct {
	// MaxDailyLossUSD blocks new orders once the accumulated realized
	// loss reaches it. Zero disables the cap.
	MaxDailyLossUSD decimal.Decimal
	// ApprovalThresholdUSD is the notional above which an order needs a
	// human-approved token before submission. Zero routes everything
	// through approval.
	ApprovalThresholdUSD decimal.Decimal
	// ApprovalTTL bounds how long an issued token stays valid.
	ApprovalTTL time.Duration
	// CooldownDuration blocks re-entry into a symbol exited at a loss.
	CooldownDuration time.Duration
	// OperatorSecret authorizes kill-switch flips.
	OperatorSecret string
}

// OrderCheck is the policy view of a candidate order.
type OrderCheck struct {
	Symbol      string
	Side        string
	NotionalUSD decimal.Decimal
}

// PolicyResult is persisted alongside an approval so the approver sees what
// was evaluated.
type PolicyResult struct {
	NotionalUSD       decimal.Decimal `json:"notionalUsd"`
	ThresholdUSD      decimal.Decimal `json:"thresholdUsd"`
	DailyLossUSD      decimal.Decimal `json:"dailyLossUsd"`
	RequiresApproval  bool            `json:"requiresApproval"`
	EvaluatedAt       time.Time       `json:"evaluatedAt"`
	KillSwitchChecked bool            `json:"killSwitchChecked"`
}

// Engine is the risk state machine over the persisted singleton RiskState.
type Engine struct {
	cfg    Config
	states storage.RiskStateStore
	apprs  storage.ApprovalStore
	logger zerolog.Logger
	now    func() time.Time
}

// New constructs an Engine. ApprovalTTL defaults to 15 minutes, cooldown to
// one hour.
func New(cfg Config, states storage.RiskStateStore, apprs storage.ApprovalStore, logger zerolog.Logger) *Engine {
	if cfg.ApprovalTTL <= 0 {
		cfg.ApprovalTTL = 15 * time.Minute
	}
	if cfg.CooldownDuration <= 0 {
		cfg.CooldownDuration = time.Hour
	}
	return &Engine{
		cfg:    cfg,
		states: states,
		apprs:  apprs,
		logger: logger.With().Str("component", "risk_engine").Logger(),
		now:    time.Now,
	}
}

// State reads the current persisted risk state.
func (e *Engine) State(ctx context.Context) (storage.RiskState, error) {
	return e.states.GetRiskState(ctx)
}

// CheckOrder enforces the pre-trade gates: kill switch, daily loss cap, and
// symbol cooldown, in that order. A nil return means the order may proceed
// to sizing and (if required) approval.
func (e *Engine) CheckOrder(ctx context.Context, check OrderCheck) error {
	state, err := e.states.GetRiskState(ctx)
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, "read risk state", err)
	}

	if state.KillSwitchActive {
		reason := "operator engaged"
		if state.KillSwitchReason != nil {
			reason = *state.KillSwitchReason
		}
		return apperr.Newf(apperr.KindKillSwitchActive, "kill switch active: %s", reason)
	}

	if !e.cfg.MaxDailyLossUSD.IsZero() && state.DailyLossUSD.GreaterThanOrEqual(e.cfg.MaxDailyLossUSD) {
		return apperr.Newf(apperr.KindPolicyViolation,
			"daily loss %s reached cap %s", state.DailyLossUSD, e.cfg.MaxDailyLossUSD)
	}

	if state.CooldownSymbol != nil && state.CooldownUntil != nil &&
		*state.CooldownSymbol == check.Symbol && state.CooldownUntil.After(e.now()) {
		return apperr.Newf(apperr.KindPolicyViolation,
			"symbol %s in cooldown until %s", check.Symbol, state.CooldownUntil.Format(time.RFC3339))
	}

	return nil
}

// RequiresApproval reports whether an order of the given notional needs a
// human-approved token before submission.
func (e *Engine) RequiresApproval(notionalUSD decimal.Decimal) bool {
	return notionalUSD.GreaterThanOrEqual(e.cfg.ApprovalThresholdUSD)
}

// CreateApproval evaluates and persists a pending approval for the given
// order parameters, returning the record with its single-use token.
func (e *Engine) CreateApproval(ctx context.Context, check OrderCheck, orderParams any) (storage.OrderApproval, error) {
	if err := e.CheckOrder(ctx, check); err != nil {
		return storage.OrderApproval{}, err
	}

	params, err := json.Marshal(orderParams)
	if err != nil {
		return storage.OrderApproval{}, apperr.Wrap(apperr.KindInternal, "encode order params", err)
	}

	state, err := e.states.GetRiskState(ctx)
	if err != nil {
		return storage.OrderApproval{}, apperr.Wrap(apperr.KindInternal, "read risk state", err)
	}

	result := PolicyResult{
		NotionalUSD:       check.NotionalUSD,
		ThresholdUSD:      e.cfg.ApprovalThresholdUSD,
		DailyLossUSD:      state.DailyLossUSD,
		RequiresApproval:  true,
		EvaluatedAt:       e.now().UTC(),
		KillSwitchChecked: true,
	}
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return storage.OrderApproval{}, apperr.Wrap(apperr.KindInternal, "encode policy result", err)
	}

	hash := sha256.Sum256(params)
	approval := storage.OrderApproval{
		PreviewHash:   hex.EncodeToString(hash[:]),
		OrderParams:   params,
		PolicyResult:  resultJSON,
		ApprovalToken: newToken(),
		ExpiresAt:     e.now().Add(e.cfg.ApprovalTTL),
	}

	stored, err := e.apprs.InsertApproval(ctx, approval)
	if err != nil {
		return storage.OrderApproval{}, apperr.Wrap(apperr.KindInternal, "persist approval", err)
	}

	e.logger.Info().
		Int64("approval_id", stored.ID).
		Str("symbol", check.Symbol).
		Str("notional_usd", check.NotionalUSD.String()).
		Time("expires_at", stored.ExpiresAt).
		Msg("order approval created")
	return stored, nil
}

// PrepareFunc builds the submission for an approved order: decode the
// stored params, resolve the instrument, size the units. It runs before
// the token is consumed, so a prepare failure leaves the token usable.
type PrepareFunc func(ctx context.Context, approval storage.OrderApproval) (SubmitFunc, error)

// SubmitFunc performs the broker submission. It runs only after the token
// has been consumed.
type SubmitFunc func(ctx context.Context) error

// ExecuteApproved validates the token, runs prepare, consumes the token
// atomically, and only then runs the prepared submission. A used, missing,
// or expired token never reaches the broker. The policy gates are
// re-checked before consumption so a halt does not burn outstanding
// tokens, and neither does a transient prepare failure.
func (e *Engine) ExecuteApproved(ctx context.Context, token string, prepare PrepareFunc) (storage.OrderApproval, error) {
	pending, err := e.apprs.GetApprovalByToken(ctx, token)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return storage.OrderApproval{}, apperr.New(apperr.KindInvalidApproval, "approval token unknown")
		}
		return storage.OrderApproval{}, apperr.Wrap(apperr.KindInternal, "look up approval", err)
	}
	if pending.UsedAt != nil {
		return storage.OrderApproval{}, apperr.New(apperr.KindInvalidApproval, "approval token invalid or already used")
	}
	if !pending.ExpiresAt.After(e.now()) {
		return storage.OrderApproval{}, apperr.New(apperr.KindExpiredApproval, "approval token expired")
	}

	// The kill switch may have been engaged after the token was issued.
	var params struct {
		Symbol string `json:"symbol"`
		Side   string `json:"side"`
	}
	_ = json.Unmarshal(pending.OrderParams, &params)
	if err := e.CheckOrder(ctx, OrderCheck{Symbol: params.Symbol, Side: params.Side}); err != nil {
		return storage.OrderApproval{}, err
	}

	submit, err := prepare(ctx, pending)
	if err != nil {
		return storage.OrderApproval{}, err
	}

	approval, err := e.apprs.ConsumeApproval(ctx, token, e.now())
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrTokenExpired):
			return storage.OrderApproval{}, apperr.New(apperr.KindExpiredApproval, "approval token expired")
		case errors.Is(err, storage.ErrTokenUsed), errors.Is(err, storage.ErrNotFound):
			return storage.OrderApproval{}, apperr.New(apperr.KindInvalidApproval, "approval token invalid or already used")
		default:
			return storage.OrderApproval{}, apperr.Wrap(apperr.KindInternal, "consume approval", err)
		}
	}

	if err := submit(ctx); err != nil {
		return storage.OrderApproval{}, err
	}
	return approval, nil
}

// EngageKillSwitch blocks all new order creation until cleared. Requires
// the operator secret.
func (e *Engine) EngageKillSwitch(ctx context.Context, secret, reason string) error {
	if !e.secretMatches(secret) {
		return apperr.New(apperr.KindForbidden, "operator secret mismatch")
	}
	if err := e.states.EngageKillSwitch(ctx, reason); err != nil {
		if errors.Is(err, storage.ErrStateConflict) {
			return apperr.New(apperr.KindConflict, "kill switch already active")
		}
		return apperr.Wrap(apperr.KindInternal, "engage kill switch", err)
	}
	e.logger.Warn().Str("reason", reason).Msg("kill switch engaged")
	return nil
}

// ClearKillSwitch re-enables order creation. Requires the operator secret.
func (e *Engine) ClearKillSwitch(ctx context.Context, secret string) error {
	if !e.secretMatches(secret) {
		return apperr.New(apperr.KindForbidden, "operator secret mismatch")
	}
	if err := e.states.ClearKillSwitch(ctx); err != nil {
		if errors.Is(err, storage.ErrStateConflict) {
			return apperr.New(apperr.KindConflict, "kill switch not active")
		}
		return apperr.Wrap(apperr.KindInternal, "clear kill switch", err)
	}
	e.logger.Warn().Msg("kill switch cleared")
	return nil
}

func (e *Engine) secretMatches(secret string) bool {
	if e.cfg.OperatorSecret == "" {
		return false
	}
	return hmac.Equal([]byte(secret), []byte(e.cfg.OperatorSecret))
}

// RecordLoss accumulates a realized loss and starts the symbol cooldown.
// Gains are ignored; nothing but the scheduled reset decrements the counter.
func (e *Engine) RecordLoss(ctx context.Context, symbol string, lossUSD decimal.Decimal) error {
	if !lossUSD.IsPositive() {
		return nil
	}
	if err := e.states.AddDailyLoss(ctx, lossUSD); err != nil {
		return apperr.Wrap(apperr.KindInternal, "accumulate daily loss", err)
	}
	until := e.now().Add(e.cfg.CooldownDuration)
	if err := e.states.SetCooldown(ctx, symbol, until); err != nil {
		return apperr.Wrap(apperr.KindInternal, "set cooldown", err)
	}
	e.logger.Info().
		Str("symbol", symbol).
		Str("loss_usd", lossUSD.String()).
		Time("cooldown_until", until).
		Msg("realized loss recorded")
	return nil
}

// ResetDailyLoss zeroes the counter at the scheduled daily boundary.
func (e *Engine) ResetDailyLoss(ctx context.Context) error {
	at := e.now().UTC()
	if err := e.states.ResetDailyLoss(ctx, at); err != nil {
		return apperr.Wrap(apperr.KindInternal, "reset daily loss", err)
	}
	e.logger.Info().Time("reset_at", at).Msg("daily loss reset")
	return nil
}

// SweepExpiredApprovals deletes approvals past expiry to bound storage
// growth. Returns the number removed.
func (e *Engine) SweepExpiredApprovals(ctx context.Context) (int64, error) {
	deleted, err := e.apprs.DeleteExpiredApprovals(ctx, e.now())
	if err != nil {
		return 0, apperr.Wrap(apperr.KindInternal, "sweep approvals", err)
	}
	if deleted > 0 {
		e.logger.Info().Int64("deleted", deleted).Msg("expired approvals swept")
	}
	return deleted, nil
}

func newToken() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failing means the process is in a bad state; a
		// time-derived token would be guessable, so fail closed.
		panic("risk: crypto/rand unavailable: " + err.Error())
	}
	return hex.EncodeToString(buf)
}
