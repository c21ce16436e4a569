package gateway

import (
	"time"

	"github.com/shopspring/decimal"
)

// PositionSide distinguishes long and short exposure.
type PositionSide string

const (
	SideLong  PositionSide = "long"
	SideShort PositionSide = "short"
)

// OrderSide is the direction of an order.
type OrderSide string

const (
	Buy  OrderSide = "buy"
	Sell OrderSide = "sell"
)

// OrderStatus is the gateway's closed status vocabulary.
type OrderStatus string

const (
	StatusNew      OrderStatus = "new"
	StatusAccepted OrderStatus = "accepted"
	StatusFilled   OrderStatus = "filled"
	StatusCanceled OrderStatus = "canceled"
)

// brokerStatusCodes maps the broker's numeric order status vocabulary onto
// the gateway enum. Unrecognized codes map to StatusNew, the safest default
// for reconciliation.
var brokerStatusCodes = map[int]OrderStatus{
	1:  StatusNew,
	10: StatusAccepted,
	12: StatusAccepted,
	20: StatusFilled,
	21: StatusFilled,
	30: StatusCanceled,
	31: StatusCanceled,
}

func mapOrderStatus(code int) OrderStatus {
	if status, ok := brokerStatusCodes[code]; ok {
		return status
	}
	return StatusNew
}

// Position is a broker position enriched with instrument metadata and a
// current rate. Recomputed on every read, never persisted.
type Position struct {
	Symbol          string
	AssetID         int64
	PositionID      string
	Side            PositionSide
	Qty             decimal.Decimal
	AvgEntryPrice   decimal.Decimal
	CurrentPrice    decimal.Decimal
	MarketValue     decimal.Decimal
	CostBasis       decimal.Decimal
	UnrealizedPL    decimal.Decimal
	UnrealizedPLPct decimal.Decimal
}

// Account is the equity summary. Source records which broker endpoint
// produced it: the portfolio path or the lower-fidelity profit/loss
// fallback.
type Account struct {
	Equity         decimal.Decimal
	Cash           decimal.Decimal
	PositionsValue decimal.Decimal
	Currency       string
	Source         string
}

// Order is a broker order in gateway vocabulary.
type Order struct {
	ID             string
	Symbol         string
	AssetID        int64
	Side           OrderSide
	Qty            decimal.Decimal
	Type           string
	TimeInForce    string
	Status         OrderStatus
	FilledQty      decimal.Decimal
	FilledAvgPrice decimal.Decimal
	PlacedAt       time.Time
}

// OrderParams describe a candidate order. Exactly one of Qty or Notional
// must be set. Only market orders are supported.
type OrderParams struct {
	Symbol      string           `json:"symbol"`
	Side        OrderSide        `json:"side"`
	Qty         *decimal.Decimal `json:"qty,omitempty"`
	Notional    *decimal.Decimal `json:"notional,omitempty"`
	Type        string           `json:"type"`
	TimeInForce string           `json:"timeInForce,omitempty"`
}

// OrderResult is the outcome of CreateOrder: either a placed order, or a
// pending approval whose token must be presented to ExecuteApprovedOrder.
type OrderResult struct {
	Order            *Order
	RequiresApproval bool
	ApprovalToken    string
	ApprovalExpires  time.Time
}

// Quote is the current bid/ask/last for one symbol.
type Quote struct {
	Symbol  string
	AssetID int64
	Bid     decimal.Decimal
	Ask     decimal.Decimal
	Last    decimal.Decimal
}

// Bar is one OHLCV candle. A zero-valued Bar stands in for absent data so
// downstream consumers never branch on missing fields.
type Bar struct {
	Time   time.Time
	Open   decimal.Decimal
	High   decimal.Decimal
	Low    decimal.Decimal
	Close  decimal.Decimal
	Volume decimal.Decimal
}

// Snapshot composes a quote with the latest daily and minute bars.
type Snapshot struct {
	Symbol    string
	Quote     Quote
	DailyBar  Bar
	MinuteBar Bar
}

// Timeframe is the logical bar interval vocabulary.
type Timeframe string

const (
	Timeframe1Min  Timeframe = "1Min"
	Timeframe5Min  Timeframe = "5Min"
	Timeframe15Min Timeframe = "15Min"
	Timeframe1Hour Timeframe = "1Hour"
	Timeframe1Day  Timeframe = "1Day"
)

// brokerIntervals maps logical timeframes to the broker's interval names.
var brokerIntervals = map[Timeframe]string{
	Timeframe1Min:  "1min",
	Timeframe5Min:  "5min",
	Timeframe15Min: "15min",
	Timeframe1Hour: "1hour",
	Timeframe1Day:  "1day",
}

// PortfolioHistory is the historical equity series. Whether it should come
// from the broker or be rebuilt from the local trade ledger is unresolved
// upstream, so the series is always empty for now.
type PortfolioHistory struct {
	Timestamps []time.Time
	Equity     []decimal.Decimal
}
