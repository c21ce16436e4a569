package broker

import (
	"time"

	"github.com/shopspring/decimal"
)

// Environment selects the broker environment a credential set belongs to.
type Environment string

const (
	EnvDemo Environment = "demo"
	EnvReal Environment = "real"
)

// Credentials identify one broker account. Immutable per session.
type Credentials struct {
	APIKey      string
	UserKey     string
	Environment Environment
}

// Security is a directory entry for one tradable instrument.
type Security struct {
	InstrumentID int64
	Symbol       string
	ExchangeID   string
	TypeID       string
}

// RawPosition is a broker-reported position before enrichment. The same
// underlying position may appear under several aggregation views; callers
// deduplicate by PositionID.
type RawPosition struct {
	PositionID   string
	InstrumentID int64
	Symbol       string
	Quantity     decimal.Decimal
	AvgPrice     decimal.Decimal
	CurrentPrice decimal.Decimal
	MarketValue  decimal.Decimal
	UnrealizedPL *decimal.Decimal
}

// AccountValues holds the cash side of the portfolio response.
type AccountValues struct {
	Cash     decimal.Decimal
	Credit   decimal.Decimal
	Currency string
}

// Portfolio is the combined positions-and-cash snapshot.
type Portfolio struct {
	Positions []RawPosition
	Account   AccountValues
}

// ProfitLossSummary is the lower-fidelity equity fallback endpoint.
type ProfitLossSummary struct {
	Equity       decimal.Decimal
	RealizedPL   decimal.Decimal
	UnrealizedPL decimal.Decimal
}

// Rate is one instrument's current bid/ask/last.
type Rate struct {
	InstrumentID int64
	Bid          decimal.Decimal
	Ask          decimal.Decimal
	Last         decimal.Decimal
}

// Candle is one OHLCV bar. Candles with any missing OHLC field are dropped
// at decode time.
type Candle struct {
	Time   time.Time
	Open   decimal.Decimal
	High   decimal.Decimal
	Low    decimal.Decimal
	Close  decimal.Decimal
	Volume decimal.Decimal
}

// OrderRequest is the broker-facing order submission payload.
type OrderRequest struct {
	InstrumentID int64           `json:"instrumentId"`
	Side         string          `json:"side"`
	Quantity     decimal.Decimal `json:"quantity"`
	OrderType    string          `json:"orderType"`
	TimeInForce  string          `json:"timeInForce"`
}

// Order is a broker-reported order. StatusCode is the broker's numeric
// status vocabulary; mapping to gateway statuses happens upstream.
type Order struct {
	OrderID      string
	InstrumentID int64
	Symbol       string
	Side         string
	Quantity     decimal.Decimal
	FilledQty    decimal.Decimal
	FilledPrice  decimal.Decimal
	OrderType    string
	StatusCode   int
	PlacedAt     time.Time
}
