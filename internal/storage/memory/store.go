// Package memory provides in-memory implementations of the storage
// interfaces with the same conditional-update semantics as the postgres
// store. Used in tests and in persistence-disabled runs.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"tradegate/internal/storage"
)

// Store implements storage.RiskStateStore, storage.ApprovalStore, and
// storage.TradeStore over process memory.
type Store struct {
	mu sync.Mutex

	state      storage.RiskState
	hasState   bool
	approvals  map[string]*storage.OrderApproval
	trades     []storage.Trade
	nextApprID int64
	nextTrade  int64

	now func() time.Time
}

// NewStore constructs an empty memory store.
func NewStore() *Store {
	return &Store{
		approvals: make(map[string]*storage.OrderApproval),
		now:       time.Now,
	}
}

// SetClock overrides the store's notion of now. Test hook.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

func (s *Store) EnsureRiskState(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.hasState {
		s.state = storage.RiskState{
			DailyLossUSD:     decimal.Zero,
			DailyLossResetAt: s.now(),
			UpdatedAt:        s.now(),
		}
		s.hasState = true
	}
	return nil
}

func (s *Store) GetRiskState(_ context.Context) (storage.RiskState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.hasState {
		return storage.RiskState{}, storage.ErrNotFound
	}
	return s.state, nil
}

func (s *Store) EngageKillSwitch(_ context.Context, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.hasState || s.state.KillSwitchActive {
		return storage.ErrStateConflict
	}
	s.state.KillSwitchActive = true
	s.state.KillSwitchReason = &reason
	s.state.UpdatedAt = s.now()
	return nil
}

func (s *Store) ClearKillSwitch(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.hasState || !s.state.KillSwitchActive {
		return storage.ErrStateConflict
	}
	s.state.KillSwitchActive = false
	s.state.KillSwitchReason = nil
	s.state.UpdatedAt = s.now()
	return nil
}

func (s *Store) AddDailyLoss(_ context.Context, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return storage.ErrStateConflict
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.DailyLossUSD = s.state.DailyLossUSD.Add(amount)
	s.state.UpdatedAt = s.now()
	return nil
}

func (s *Store) ResetDailyLoss(_ context.Context, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.DailyLossUSD = decimal.Zero
	s.state.DailyLossResetAt = at
	s.state.UpdatedAt = s.now()
	return nil
}

func (s *Store) SetCooldown(_ context.Context, symbol string, until time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.CooldownSymbol = &symbol
	s.state.CooldownUntil = &until
	s.state.UpdatedAt = s.now()
	return nil
}

func (s *Store) InsertApproval(_ context.Context, approval storage.OrderApproval) (storage.OrderApproval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextApprID++
	approval.ID = s.nextApprID
	approval.CreatedAt = s.now()
	stored := approval
	s.approvals[approval.ApprovalToken] = &stored
	return approval, nil
}

func (s *Store) GetApprovalByToken(_ context.Context, token string) (storage.OrderApproval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	approval, ok := s.approvals[token]
	if !ok {
		return storage.OrderApproval{}, storage.ErrNotFound
	}
	return *approval, nil
}

func (s *Store) ConsumeApproval(_ context.Context, token string, now time.Time) (storage.OrderApproval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	approval, ok := s.approvals[token]
	if !ok {
		return storage.OrderApproval{}, storage.ErrNotFound
	}
	if approval.UsedAt != nil {
		return storage.OrderApproval{}, storage.ErrTokenUsed
	}
	if !approval.ExpiresAt.After(now) {
		return storage.OrderApproval{}, storage.ErrTokenExpired
	}
	stamp := now
	approval.UsedAt = &stamp
	return *approval, nil
}

func (s *Store) DeleteExpiredApprovals(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var deleted int64
	for token, approval := range s.approvals {
		if approval.UsedAt == nil && approval.ExpiresAt.Before(now) {
			delete(s.approvals, token)
			deleted++
		}
	}
	return deleted, nil
}

func (s *Store) InsertTrade(_ context.Context, trade storage.Trade) (storage.Trade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextTrade++
	trade.ID = s.nextTrade
	trade.SubmittedAt = s.now()
	trade.UpdatedAt = trade.SubmittedAt
	s.trades = append(s.trades, trade)
	return trade, nil
}

func (s *Store) UpdateTradeStatus(_ context.Context, brokerOrderID, status string, filledQty, filledAvgPrice *decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.trades {
		if s.trades[i].BrokerOrderID == brokerOrderID {
			s.trades[i].Status = status
			if filledQty != nil {
				s.trades[i].FilledQty = filledQty
			}
			if filledAvgPrice != nil {
				s.trades[i].FilledAvgPrice = filledAvgPrice
			}
			s.trades[i].UpdatedAt = s.now()
			return nil
		}
	}
	return storage.ErrNotFound
}

func (s *Store) ListTradesBySymbol(_ context.Context, symbol string, limit int) ([]storage.Trade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]storage.Trade, 0, limit)
	for i := len(s.trades) - 1; i >= 0 && len(out) < limit; i-- {
		if s.trades[i].Symbol == symbol {
			out = append(out, s.trades[i])
		}
	}
	return out, nil
}

func (s *Store) ListRecentTrades(_ context.Context, limit int) ([]storage.Trade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]storage.Trade, 0, limit)
	for i := len(s.trades) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.trades[i])
	}
	return out, nil
}

var (
	_ storage.RiskStateStore = (*Store)(nil)
	_ storage.ApprovalStore  = (*Store)(nil)
	_ storage.TradeStore     = (*Store)(nil)
)
