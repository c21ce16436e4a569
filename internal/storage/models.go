package storage

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// RiskState is the persisted singleton risk row. The database row is the
// source of truth; the gateway never caches it across calls.
type RiskState struct {
	KillSwitchActive bool
	KillSwitchReason *string
	DailyLossUSD     decimal.Decimal
	DailyLossResetAt time.Time
	CooldownSymbol   *string
	CooldownUntil    *time.Time
	UpdatedAt        time.Time
}

// OrderApproval records a risk-evaluated order awaiting human sign-off.
// The token is single-use: used_at transitions null to set exactly once.
type OrderApproval struct {
	ID            int64
	PreviewHash   string
	OrderParams   json.RawMessage
	PolicyResult  json.RawMessage
	ApprovalToken string
	ExpiresAt     time.Time
	UsedAt        *time.Time
	CreatedAt     time.Time
}

// Trade is the local ledger entry for an order submitted to the broker.
// Rows are inserted on submission and updated on reconciliation, never
// deleted.
type Trade struct {
	ID             int64
	ApprovalID     *int64
	BrokerOrderID  string
	Symbol         string
	Side           string
	Quantity       decimal.Decimal
	OrderType      string
	Status         string
	FilledQty      *decimal.Decimal
	FilledAvgPrice *decimal.Decimal
	SubmittedAt    time.Time
	UpdatedAt      time.Time
}
