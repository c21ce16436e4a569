package broker

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// The broker's endpoints are inconsistent about field casing: the same
// logical field arrives as instrumentId, instrumentID, or InstrumentID
// depending on the endpoint. Each decode function below tries a fixed,
// documented alias list in priority order; the first present alias wins.
// A shape with none of the aliases present is a versioning problem and
// decodes to the zero value rather than an error, except where the field
// is load-bearing (ids, quantities).

type rawObject map[string]json.RawMessage

func (o rawObject) field(aliases ...string) (json.RawMessage, bool) {
	for _, a := range aliases {
		if v, ok := o[a]; ok && string(v) != "null" {
			return v, true
		}
	}
	return nil, false
}

// pickString tolerates both JSON strings and bare numbers.
func (o rawObject) pickString(aliases ...string) string {
	raw, ok := o.field(aliases...)
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return strings.Trim(string(raw), `"`)
}

// pickInt64 tolerates numeric ids delivered as strings.
func (o rawObject) pickInt64(aliases ...string) (int64, bool) {
	raw, ok := o.field(aliases...)
	if !ok {
		return 0, false
	}
	var n int64
	if err := json.Unmarshal(raw, &n); err == nil {
		return n, true
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if parsed, perr := strconv.ParseInt(s, 10, 64); perr == nil {
			return parsed, true
		}
	}
	return 0, false
}

// pickDecimal tolerates numbers delivered as JSON numbers or strings.
func (o rawObject) pickDecimal(aliases ...string) (decimal.Decimal, bool) {
	raw, ok := o.field(aliases...)
	if !ok {
		return decimal.Decimal{}, false
	}
	var d decimal.Decimal
	if err := json.Unmarshal(raw, &d); err == nil {
		return d, true
	}
	return decimal.Decimal{}, false
}

func (o rawObject) pickTime(aliases ...string) time.Time {
	raw, ok := o.field(aliases...)
	if !ok {
		return time.Time{}
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"} {
			if t, perr := time.Parse(layout, s); perr == nil {
				return t
			}
		}
		return time.Time{}
	}
	var unix int64
	if err := json.Unmarshal(raw, &unix); err == nil {
		return time.Unix(unix, 0).UTC()
	}
	return time.Time{}
}

// Alias priority: camelCase first (current API), then legacy casings.
var (
	aliasInstrumentID = []string{"instrumentId", "instrumentID", "InstrumentID", "instrument_id", "i"}
	aliasSymbol       = []string{"symbol", "ticker", "Symbol", "Ticker", "t"}
	aliasExchangeID   = []string{"exchangeId", "exchangeID", "ExchangeID", "mkt_short_code"}
	aliasTypeID       = []string{"typeId", "typeID", "TypeID", "instr_type_c"}
	aliasPositionID   = []string{"positionId", "positionID", "PositionID", "position_id", "id"}
	aliasQuantity     = []string{"quantity", "qty", "Quantity", "q"}
	aliasAvgPrice     = []string{"avgEntryPrice", "avgPrice", "balancePrice", "bal_price_a"}
	aliasCurrPrice    = []string{"currentPrice", "marketPrice", "mkt_price", "price"}
	aliasMarketValue  = []string{"marketValue", "mktValue", "market_value"}
	aliasUnrealized   = []string{"unrealizedPl", "profitClose", "profit_close", "upl"}
	aliasBid          = []string{"bid", "bbp", "Bid"}
	aliasAsk          = []string{"ask", "bap", "Ask"}
	aliasLast         = []string{"last", "ltp", "lastPrice", "Last"}
	aliasOrderID      = []string{"orderId", "orderID", "OrderID", "order_id", "id"}
	aliasStatusCode   = []string{"status", "stat", "statusCode"}
	aliasSide         = []string{"side", "operation", "oper"}
	aliasOrderType    = []string{"orderType", "type"}
	aliasFilledQty    = []string{"filledQty", "volume", "cur_q"}
	aliasFilledPrice  = []string{"filledAvgPrice", "exec_price", "p"}
	aliasPlacedAt     = []string{"placedAt", "date", "order_date"}
	aliasCash         = []string{"cash", "freeMoney", "free_money", "money_free"}
	aliasCredit       = []string{"credit", "creditValue", "credit_value"}
	aliasCurrency     = []string{"currency", "curr", "curr_code"}
	aliasEquity       = []string{"equity", "totalValue", "total_value"}
	aliasRealized     = []string{"realizedPl", "profit", "realized"}
	aliasCandleTime   = []string{"time", "date", "ts"}
	aliasOpen         = []string{"open", "o", "Open"}
	aliasHigh         = []string{"high", "h", "High"}
	aliasLow          = []string{"low", "l", "Low"}
	aliasClose        = []string{"close", "c", "Close"}
	aliasVolume       = []string{"volume", "v", "Volume"}
)

func decodeSecurity(raw json.RawMessage) (Security, bool) {
	var o rawObject
	if err := json.Unmarshal(raw, &o); err != nil {
		return Security{}, false
	}
	id, ok := o.pickInt64(aliasInstrumentID...)
	if !ok {
		return Security{}, false
	}
	return Security{
		InstrumentID: id,
		Symbol:       o.pickString(aliasSymbol...),
		ExchangeID:   o.pickString(aliasExchangeID...),
		TypeID:       o.pickString(aliasTypeID...),
	}, true
}

func decodeSecurities(raws []json.RawMessage) []Security {
	out := make([]Security, 0, len(raws))
	for _, raw := range raws {
		if sec, ok := decodeSecurity(raw); ok {
			out = append(out, sec)
		}
	}
	return out
}

func decodePosition(raw json.RawMessage) (RawPosition, bool) {
	var o rawObject
	if err := json.Unmarshal(raw, &o); err != nil {
		return RawPosition{}, false
	}
	qty, ok := o.pickDecimal(aliasQuantity...)
	if !ok {
		return RawPosition{}, false
	}
	id, _ := o.pickInt64(aliasInstrumentID...)
	pos := RawPosition{
		PositionID:   o.pickString(aliasPositionID...),
		InstrumentID: id,
		Symbol:       o.pickString(aliasSymbol...),
		Quantity:     qty,
	}
	pos.AvgPrice, _ = o.pickDecimal(aliasAvgPrice...)
	pos.CurrentPrice, _ = o.pickDecimal(aliasCurrPrice...)
	pos.MarketValue, _ = o.pickDecimal(aliasMarketValue...)
	if upl, ok := o.pickDecimal(aliasUnrealized...); ok {
		pos.UnrealizedPL = &upl
	}
	return pos, true
}

func decodeAccountValues(raw json.RawMessage) AccountValues {
	var o rawObject
	if err := json.Unmarshal(raw, &o); err != nil {
		return AccountValues{}
	}
	var acct AccountValues
	acct.Cash, _ = o.pickDecimal(aliasCash...)
	acct.Credit, _ = o.pickDecimal(aliasCredit...)
	acct.Currency = o.pickString(aliasCurrency...)
	return acct
}

func decodeProfitLoss(raw json.RawMessage) ProfitLossSummary {
	var o rawObject
	if err := json.Unmarshal(raw, &o); err != nil {
		return ProfitLossSummary{}
	}
	var pl ProfitLossSummary
	pl.Equity, _ = o.pickDecimal(aliasEquity...)
	pl.RealizedPL, _ = o.pickDecimal(aliasRealized...)
	pl.UnrealizedPL, _ = o.pickDecimal(aliasUnrealized...)
	return pl
}

func decodeRate(raw json.RawMessage) (Rate, bool) {
	var o rawObject
	if err := json.Unmarshal(raw, &o); err != nil {
		return Rate{}, false
	}
	id, ok := o.pickInt64(aliasInstrumentID...)
	if !ok {
		return Rate{}, false
	}
	rate := Rate{InstrumentID: id}
	rate.Bid, _ = o.pickDecimal(aliasBid...)
	rate.Ask, _ = o.pickDecimal(aliasAsk...)
	rate.Last, _ = o.pickDecimal(aliasLast...)
	return rate, true
}

// decodeCandle drops candles missing any OHLC field.
func decodeCandle(raw json.RawMessage) (Candle, bool) {
	var o rawObject
	if err := json.Unmarshal(raw, &o); err != nil {
		return Candle{}, false
	}
	c := Candle{Time: o.pickTime(aliasCandleTime...)}
	var ok bool
	if c.Open, ok = o.pickDecimal(aliasOpen...); !ok {
		return Candle{}, false
	}
	if c.High, ok = o.pickDecimal(aliasHigh...); !ok {
		return Candle{}, false
	}
	if c.Low, ok = o.pickDecimal(aliasLow...); !ok {
		return Candle{}, false
	}
	if c.Close, ok = o.pickDecimal(aliasClose...); !ok {
		return Candle{}, false
	}
	c.Volume, _ = o.pickDecimal(aliasVolume...)
	return c, true
}

func decodeOrder(raw json.RawMessage) (Order, bool) {
	var o rawObject
	if err := json.Unmarshal(raw, &o); err != nil {
		return Order{}, false
	}
	orderID := o.pickString(aliasOrderID...)
	if orderID == "" {
		return Order{}, false
	}
	id, _ := o.pickInt64(aliasInstrumentID...)
	ord := Order{
		OrderID:      orderID,
		InstrumentID: id,
		Symbol:       o.pickString(aliasSymbol...),
		Side:         strings.ToLower(o.pickString(aliasSide...)),
		OrderType:    strings.ToLower(o.pickString(aliasOrderType...)),
		PlacedAt:     o.pickTime(aliasPlacedAt...),
	}
	ord.Quantity, _ = o.pickDecimal(aliasQuantity...)
	ord.FilledQty, _ = o.pickDecimal(aliasFilledQty...)
	ord.FilledPrice, _ = o.pickDecimal(aliasFilledPrice...)
	if code, ok := o.pickInt64(aliasStatusCode...); ok {
		ord.StatusCode = int(code)
	}
	return ord, true
}
