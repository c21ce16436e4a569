// Package gateway exposes the account, position, order, and market-data
// operations consumed by orchestration and UI callers. Reads go through the
// shared short-lived caches; order-placing paths consult the risk engine
// before any network call.
package gateway

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"tradegate/internal/apperr"
	"tradegate/internal/broker"
	"tradegate/internal/cache"
	"tradegate/internal/instruments"
	"tradegate/internal/risk"
	"tradegate/internal/storage"
)

const (
	portfolioTTL = 15 * time.Second
	ratesTTL     = 15 * time.Second
)

// BrokerClient is the slice of the protocol client the gateways use.
// Mocked in tests to assert that policy failures never reach the wire.
type BrokerClient interface {
	GetPortfolio(ctx context.Context) (broker.Portfolio, error)
	GetProfitLoss(ctx context.Context) (broker.ProfitLossSummary, error)
	GetRates(ctx context.Context) ([]broker.Rate, error)
	GetCandles(ctx context.Context, instrumentID int64, interval string, limit int) ([]broker.Candle, error)
	PlaceOrder(ctx context.Context, req broker.OrderRequest) (broker.Order, error)
	GetOrder(ctx context.Context, orderID string) (broker.Order, error)
	ListOrders(ctx context.Context) ([]broker.Order, error)
	CancelOpenOrder(ctx context.Context, orderID string) error
	CancelCloseOrder(ctx context.Context, orderID string) error
	ClosePosition(ctx context.Context, positionID string, units decimal.Decimal) (broker.Order, error)
}

// Trading exposes account, position, and order operations.
type Trading struct {
	client    BrokerClient
	directory *instruments.Directory
	risk      *risk.Engine
	trades    storage.TradeStore
	logger    zerolog.Logger

	portfolio *cache.Value[broker.Portfolio]
	rates     *cache.Value[map[int64]broker.Rate]
}

// MarketData exposes quote, bar, and snapshot retrieval. It shares the
// rates cache with Trading so concurrent readers of either surface dedupe
// onto one broker call.
type MarketData struct {
	client    BrokerClient
	directory *instruments.Directory
	logger    zerolog.Logger

	rates *cache.Value[map[int64]broker.Rate]
}

// SetOptions tune the shared cache TTLs. Zero values take the defaults.
type SetOptions struct {
	PortfolioTTL time.Duration
	RatesTTL     time.Duration
}

// NewSet wires a Trading and MarketData pair over one client, one
// directory, and one shared cache set. One set per credential session.
func NewSet(client BrokerClient, directory *instruments.Directory, riskEngine *risk.Engine, trades storage.TradeStore, opts SetOptions, logger zerolog.Logger) (*Trading, *MarketData) {
	if opts.PortfolioTTL <= 0 {
		opts.PortfolioTTL = portfolioTTL
	}
	if opts.RatesTTL <= 0 {
		opts.RatesTTL = ratesTTL
	}
	rates := cache.NewValue(opts.RatesTTL, func(ctx context.Context) (map[int64]broker.Rate, error) {
		// One unfiltered request: filtering by id set fails wholesale
		// when any single id is stale.
		list, err := client.GetRates(ctx)
		if err != nil {
			return nil, err
		}
		byID := make(map[int64]broker.Rate, len(list))
		for _, r := range list {
			byID[r.InstrumentID] = r
		}
		return byID, nil
	})

	trading := &Trading{
		client:    client,
		directory: directory,
		risk:      riskEngine,
		trades:    trades,
		logger:    logger.With().Str("component", "trading_gateway").Logger(),
		portfolio: cache.NewValue(opts.PortfolioTTL, client.GetPortfolio),
		rates:     rates,
	}
	market := &MarketData{
		client:    client,
		directory: directory,
		logger:    logger.With().Str("component", "marketdata_gateway").Logger(),
		rates:     rates,
	}
	return trading, market
}

// GetAccount builds equity from cash plus position market value. When the
// portfolio fetch fails it falls back to the profit/loss summary, so
// equity is always computable from at least one source.
func (t *Trading) GetAccount(ctx context.Context) (Account, error) {
	pf, err := t.portfolio.Get(ctx)
	if err == nil {
		positions := decimal.Zero
		for _, pos := range dedupePositions(pf.Positions) {
			positions = positions.Add(positionMarketValue(pos))
		}
		cash := pf.Account.Cash.Add(pf.Account.Credit)
		return Account{
			Equity:         cash.Add(positions),
			Cash:           cash,
			PositionsValue: positions,
			Currency:       pf.Account.Currency,
			Source:         "portfolio",
		}, nil
	}

	t.logger.Warn().Err(err).Msg("portfolio fetch failed, falling back to profit/loss summary")
	summary, plErr := t.client.GetProfitLoss(ctx)
	if plErr != nil {
		return Account{}, apperr.Wrap(apperr.KindProviderError, "both equity sources failed", plErr)
	}
	return Account{Equity: summary.Equity, Source: "profitloss"}, nil
}

// GetPositions returns the deduplicated, enriched position list. Metadata
// and rate enrichment are best-effort: a failed lookup degrades to the raw
// broker fields rather than failing the read.
func (t *Trading) GetPositions(ctx context.Context) ([]Position, error) {
	pf, err := t.portfolio.Get(ctx)
	if err != nil {
		return nil, err
	}

	raw := dedupePositions(pf.Positions)
	rates, ratesErr := t.rates.Get(ctx)
	if ratesErr != nil {
		t.logger.Warn().Err(ratesErr).Msg("rate enrichment unavailable, using broker-reported prices")
	}

	out := make([]Position, 0, len(raw))
	for _, pos := range raw {
		out = append(out, t.enrichPosition(ctx, pos, rates))
	}
	return out, nil
}

// dedupePositions collapses mirror views: the broker may report the same
// position under several aggregation groupings, keyed by position id.
func dedupePositions(raw []broker.RawPosition) []broker.RawPosition {
	seen := make(map[string]bool, len(raw))
	out := make([]broker.RawPosition, 0, len(raw))
	for _, pos := range raw {
		key := pos.PositionID
		if key == "" {
			key = pos.Symbol
		}
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, pos)
	}
	return out
}

func positionMarketValue(pos broker.RawPosition) decimal.Decimal {
	if !pos.MarketValue.IsZero() {
		return pos.MarketValue.Abs()
	}
	return pos.CurrentPrice.Mul(pos.Quantity.Abs())
}

func (t *Trading) enrichPosition(ctx context.Context, raw broker.RawPosition, rates map[int64]broker.Rate) Position {
	side := SideLong
	qty := raw.Quantity
	if qty.IsNegative() {
		side = SideShort
		qty = qty.Neg()
	}

	symbol := raw.Symbol
	if sec, err := t.directory.Lookup(ctx, raw.InstrumentID); err == nil && sec.Symbol != "" {
		symbol = sec.Symbol
	}
	if symbol == "" {
		symbol = "UNKNOWN"
	}

	current := raw.CurrentPrice
	if rate, ok := rates[raw.InstrumentID]; ok && !rate.Last.IsZero() {
		current = rate.Last
	}
	if current.IsZero() {
		// Last resort: value the position at entry.
		current = raw.AvgPrice
	}

	marketValue := current.Mul(qty)
	costBasis := raw.AvgPrice.Mul(qty)

	var pl decimal.Decimal
	if raw.UnrealizedPL != nil {
		pl = *raw.UnrealizedPL
	} else {
		pl = current.Sub(raw.AvgPrice).Mul(qty)
		if side == SideShort {
			pl = pl.Neg()
		}
	}

	var plPct decimal.Decimal
	if !costBasis.IsZero() {
		plPct = pl.Div(costBasis).Mul(decimal.NewFromInt(100))
	}

	return Position{
		Symbol:          symbol,
		AssetID:         raw.InstrumentID,
		PositionID:      raw.PositionID,
		Side:            side,
		Qty:             qty,
		AvgEntryPrice:   raw.AvgPrice,
		CurrentPrice:    current,
		MarketValue:     marketValue,
		CostBasis:       costBasis,
		UnrealizedPL:    pl,
		UnrealizedPLPct: plPct,
	}
}

// GetPosition looks up one open position by symbol, tolerating
// quote-currency-suffix spelling variants.
func (t *Trading) GetPosition(ctx context.Context, symbol string) (Position, error) {
	positions, err := t.GetPositions(ctx)
	if err != nil {
		return Position{}, err
	}
	pos, ok := findPosition(positions, symbol)
	if !ok {
		return Position{}, apperr.Newf(apperr.KindNotFound, "no open position for %q", symbol)
	}
	return pos, nil
}

func findPosition(positions []Position, symbol string) (Position, bool) {
	want := instruments.Normalize(symbol)
	candidates := instruments.Candidates(symbol)
	for _, pos := range positions {
		have := instruments.Normalize(pos.Symbol)
		if have == want {
			return pos, true
		}
		for _, cand := range candidates {
			if have == cand {
				return pos, true
			}
		}
	}
	return Position{}, false
}

// CloseParams select how much of a position to close. At most one of Qty
// or Percentage may be set; neither closes the full position.
type CloseParams struct {
	Qty        *decimal.Decimal
	Percentage *decimal.Decimal
}

// ClosePosition submits a close request for min(qty, held) units, or the
// given percentage of the held quantity, clamped to [0, held].
func (t *Trading) ClosePosition(ctx context.Context, symbol string, params CloseParams) (Order, error) {
	pos, err := t.GetPosition(ctx, symbol)
	if err != nil {
		return Order{}, err
	}
	if pos.PositionID == "" {
		return Order{}, apperr.Newf(apperr.KindNotSupported, "position for %q has no broker id", symbol)
	}

	units := closeUnits(pos.Qty, params)
	if units.IsZero() {
		return Order{}, apperr.New(apperr.KindInvalidInput, "computed close quantity is zero")
	}

	brokerOrder, err := t.client.ClosePosition(ctx, pos.PositionID, units)
	if err != nil {
		return Order{}, err
	}

	order := t.toOrder(ctx, brokerOrder)
	t.recordTrade(ctx, order, nil)
	t.portfolio.Invalidate()
	return order, nil
}

// closeUnits computes the units to deduct: min(qty, total), or
// percentage/100 x total, clamped to [0, total].
func closeUnits(held decimal.Decimal, params CloseParams) decimal.Decimal {
	units := held
	switch {
	case params.Qty != nil:
		units = *params.Qty
	case params.Percentage != nil:
		units = params.Percentage.Div(decimal.NewFromInt(100)).Mul(held)
	}
	if units.IsNegative() {
		return decimal.Zero
	}
	if units.GreaterThan(held) {
		return held
	}
	return units
}

// CreateOrder validates, risk-checks, sizes, and submits a market order.
// Risk gates run before any network call. Orders above the approval
// threshold are persisted for sign-off instead of being submitted; the
// returned token is presented to ExecuteApprovedOrder.
func (t *Trading) CreateOrder(ctx context.Context, params OrderParams) (OrderResult, error) {
	if err := validateOrderParams(params); err != nil {
		return OrderResult{}, err
	}

	check := risk.OrderCheck{
		Symbol: instruments.Normalize(params.Symbol),
		Side:   string(params.Side),
	}
	if params.Notional != nil {
		check.NotionalUSD = *params.Notional
	}
	if err := t.risk.CheckOrder(ctx, check); err != nil {
		return OrderResult{}, err
	}

	sec, err := t.directory.Resolve(ctx, params.Symbol)
	if err != nil {
		return OrderResult{}, err
	}

	qty, notional, err := t.sizeOrder(ctx, sec.InstrumentID, params)
	if err != nil {
		return OrderResult{}, err
	}
	check.NotionalUSD = notional

	if t.risk.RequiresApproval(notional) {
		approval, err := t.risk.CreateApproval(ctx, check, params)
		if err != nil {
			return OrderResult{}, err
		}
		return OrderResult{
			RequiresApproval: true,
			ApprovalToken:    approval.ApprovalToken,
			ApprovalExpires:  approval.ExpiresAt,
		}, nil
	}

	order, err := t.submitOrder(ctx, sec, params, qty, nil)
	if err != nil {
		return OrderResult{}, err
	}
	return OrderResult{Order: &order}, nil
}

// ExecuteApprovedOrder consumes an approval token and submits the order it
// authorizes. Used and expired tokens fail without touching the broker;
// resolve and sizing run before the token is consumed, so a transient
// failure there leaves the token usable for a retry.
func (t *Trading) ExecuteApprovedOrder(ctx context.Context, token string) (Order, error) {
	var placed Order
	_, err := t.risk.ExecuteApproved(ctx, token, func(ctx context.Context, approval storage.OrderApproval) (risk.SubmitFunc, error) {
		params, err := decodeApprovedParams(approval)
		if err != nil {
			return nil, err
		}
		sec, err := t.directory.Resolve(ctx, params.Symbol)
		if err != nil {
			return nil, err
		}
		qty, _, err := t.sizeOrder(ctx, sec.InstrumentID, params)
		if err != nil {
			return nil, err
		}
		approvalID := approval.ID
		return func(ctx context.Context) error {
			var err error
			placed, err = t.submitOrder(ctx, sec, params, qty, &approvalID)
			return err
		}, nil
	})
	if err != nil {
		return Order{}, err
	}
	return placed, nil
}

func decodeApprovedParams(approval storage.OrderApproval) (OrderParams, error) {
	var params OrderParams
	if err := json.Unmarshal(approval.OrderParams, &params); err != nil {
		return OrderParams{}, apperr.Wrap(apperr.KindInternal, "decode approved order params", err)
	}
	return params, nil
}

func validateOrderParams(params OrderParams) error {
	if strings.TrimSpace(params.Symbol) == "" {
		return apperr.New(apperr.KindInvalidInput, "symbol is required")
	}
	if params.Side != Buy && params.Side != Sell {
		return apperr.Newf(apperr.KindInvalidInput, "unknown side %q", params.Side)
	}
	if params.Type != "" && params.Type != "market" {
		return apperr.Newf(apperr.KindNotSupported, "%s orders are not supported, only market", params.Type)
	}
	if (params.Qty == nil) == (params.Notional == nil) {
		return apperr.New(apperr.KindInvalidInput, "exactly one of qty or notional is required")
	}
	if params.Qty != nil && !params.Qty.IsPositive() {
		return apperr.New(apperr.KindInvalidInput, "qty must be positive")
	}
	if params.Notional != nil && !params.Notional.IsPositive() {
		return apperr.New(apperr.KindInvalidInput, "notional must be positive")
	}
	return nil
}

// sizeOrder converts the caller's qty-or-notional into units and a
// notional estimate. Sizing uses the ask for buys and the bid for sells,
// falling back to the last execution price. No usable reference price
// fails the order: a qty order without one would carry a zero notional
// estimate and slip past the approval threshold.
func (t *Trading) sizeOrder(ctx context.Context, instrumentID int64, params OrderParams) (qty, notional decimal.Decimal, err error) {
	rates, ratesErr := t.rates.Get(ctx)

	var reference decimal.Decimal
	if rate, ok := rates[instrumentID]; ok {
		if params.Side == Buy {
			reference = rate.Ask
		} else {
			reference = rate.Bid
		}
		if reference.IsZero() {
			reference = rate.Last
		}
	}

	if reference.IsZero() {
		if ratesErr != nil {
			return decimal.Zero, decimal.Zero, apperr.Wrap(apperr.KindProviderError, "no usable price for order sizing", ratesErr)
		}
		return decimal.Zero, decimal.Zero, apperr.New(apperr.KindProviderError, "no usable price for order sizing")
	}

	if params.Qty != nil {
		qty = *params.Qty
		return qty, qty.Mul(reference), nil
	}

	qty = params.Notional.Div(reference)
	return qty, *params.Notional, nil
}

func (t *Trading) submitOrder(ctx context.Context, sec broker.Security, params OrderParams, qty decimal.Decimal, approvalID *int64) (Order, error) {
	tif := params.TimeInForce
	if tif == "" {
		tif = "day"
	}
	brokerOrder, err := t.client.PlaceOrder(ctx, broker.OrderRequest{
		InstrumentID: sec.InstrumentID,
		Side:         string(params.Side),
		Quantity:     qty,
		OrderType:    "market",
		TimeInForce:  tif,
	})
	if err != nil {
		return Order{}, err
	}

	order := t.toOrder(ctx, brokerOrder)
	if order.Symbol == "" || order.Symbol == "UNKNOWN" {
		order.Symbol = sec.Symbol
	}
	t.recordTrade(ctx, order, approvalID)
	t.portfolio.Invalidate()

	t.logger.Info().
		Str("order_id", order.ID).
		Str("symbol", order.Symbol).
		Str("side", string(order.Side)).
		Str("qty", order.Qty.String()).
		Msg("order submitted")
	return order, nil
}

// recordTrade appends to the local ledger. Ledger failures are logged, not
// surfaced: the order is already live at the broker.
func (t *Trading) recordTrade(ctx context.Context, order Order, approvalID *int64) {
	if t.trades == nil {
		return
	}
	_, err := t.trades.InsertTrade(ctx, storage.Trade{
		ApprovalID:    approvalID,
		BrokerOrderID: order.ID,
		Symbol:        order.Symbol,
		Side:          string(order.Side),
		Quantity:      order.Qty,
		OrderType:     order.Type,
		Status:        string(order.Status),
	})
	if err != nil {
		t.logger.Error().Err(err).Str("order_id", order.ID).Msg("trade ledger insert failed")
	}
}

func (t *Trading) toOrder(ctx context.Context, raw broker.Order) Order {
	symbol := raw.Symbol
	if symbol == "" {
		if sec, err := t.directory.Lookup(ctx, raw.InstrumentID); err == nil {
			symbol = sec.Symbol
		}
	}
	side := Buy
	if strings.EqualFold(raw.Side, string(Sell)) {
		side = Sell
	}
	orderType := raw.OrderType
	if orderType == "" {
		orderType = "market"
	}
	return Order{
		ID:             raw.OrderID,
		Symbol:         symbol,
		AssetID:        raw.InstrumentID,
		Side:           side,
		Qty:            raw.Quantity,
		Type:           orderType,
		Status:         mapOrderStatus(raw.StatusCode),
		FilledQty:      raw.FilledQty,
		FilledAvgPrice: raw.FilledPrice,
		PlacedAt:       raw.PlacedAt,
	}
}

// GetOrder fetches one order and reconciles the trade ledger with the
// observed status.
func (t *Trading) GetOrder(ctx context.Context, orderID string) (Order, error) {
	raw, err := t.client.GetOrder(ctx, orderID)
	if err != nil {
		return Order{}, err
	}
	order := t.toOrder(ctx, raw)
	t.reconcileTrade(ctx, order)
	return order, nil
}

// ListOrders fetches all known orders.
func (t *Trading) ListOrders(ctx context.Context) ([]Order, error) {
	raws, err := t.client.ListOrders(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Order, 0, len(raws))
	for _, raw := range raws {
		out = append(out, t.toOrder(ctx, raw))
	}
	return out, nil
}

func (t *Trading) reconcileTrade(ctx context.Context, order Order) {
	if t.trades == nil {
		return
	}
	var filledQty, filledAvg *decimal.Decimal
	if !order.FilledQty.IsZero() {
		filledQty = &order.FilledQty
	}
	if !order.FilledAvgPrice.IsZero() {
		filledAvg = &order.FilledAvgPrice
	}
	err := t.trades.UpdateTradeStatus(ctx, order.ID, string(order.Status), filledQty, filledAvg)
	if err != nil && err != storage.ErrNotFound {
		t.logger.Warn().Err(err).Str("order_id", order.ID).Msg("trade ledger reconcile failed")
	}
}

// CancelOrder cancels an order, trying the opening-intent partition first
// and the closing-intent partition second: the broker splits orders across
// two endpoints by intent.
func (t *Trading) CancelOrder(ctx context.Context, orderID string) error {
	openErr := t.client.CancelOpenOrder(ctx, orderID)
	if openErr == nil {
		t.reconcileTrade(ctx, Order{ID: orderID, Status: StatusCanceled})
		return nil
	}
	if closeErr := t.client.CancelCloseOrder(ctx, orderID); closeErr != nil {
		return openErr
	}
	t.reconcileTrade(ctx, Order{ID: orderID, Status: StatusCanceled})
	return nil
}

// CancelAllOrders cancels every order not already terminal. Returns the
// first error after attempting the full set.
func (t *Trading) CancelAllOrders(ctx context.Context) error {
	orders, err := t.ListOrders(ctx)
	if err != nil {
		return err
	}
	var firstErr error
	for _, order := range orders {
		if order.Status == StatusFilled || order.Status == StatusCanceled {
			continue
		}
		if err := t.CancelOrder(ctx, order.ID); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// GetPortfolioHistory returns the historical equity series. Always empty:
// the upstream data source for it is unresolved.
func (t *Trading) GetPortfolioHistory(_ context.Context) (PortfolioHistory, error) {
	return PortfolioHistory{
		Timestamps: []time.Time{},
		Equity:     []decimal.Decimal{},
	}, nil
}
