package gateway

import (
	"context"

	"tradegate/internal/apperr"
	"tradegate/internal/instruments"
)

// GetQuotes resolves all symbols (batched, cached), then joins them against
// one unfiltered rates snapshot. Symbols that fail to resolve or have no
// rate are absent from the result rather than failing the batch; a partial
// result caused by a lookup failure carries that error alongside it.
func (m *MarketData) GetQuotes(ctx context.Context, symbols []string) (map[string]Quote, error) {
	resolved, resolveErr := m.directory.ResolveMany(ctx, symbols)
	if resolveErr != nil && len(resolved) == 0 {
		return nil, resolveErr
	}

	rates, err := m.rates.Get(ctx)
	if err != nil {
		return nil, err
	}

	quotes := make(map[string]Quote, len(resolved))
	for _, symbol := range symbols {
		norm := instruments.Normalize(symbol)
		sec, ok := resolved[norm]
		if !ok {
			continue
		}
		rate, ok := rates[sec.InstrumentID]
		if !ok {
			m.logger.Debug().Str("symbol", norm).Int64("instrument_id", sec.InstrumentID).
				Msg("no rate in snapshot for resolved instrument")
			continue
		}
		quotes[norm] = Quote{
			Symbol:  norm,
			AssetID: sec.InstrumentID,
			Bid:     rate.Bid,
			Ask:     rate.Ask,
			Last:    rate.Last,
		}
	}
	return quotes, resolveErr
}

// GetQuote retrieves a single symbol's quote.
func (m *MarketData) GetQuote(ctx context.Context, symbol string) (Quote, error) {
	sec, err := m.directory.Resolve(ctx, symbol)
	if err != nil {
		return Quote{}, err
	}
	rates, err := m.rates.Get(ctx)
	if err != nil {
		return Quote{}, err
	}
	rate, ok := rates[sec.InstrumentID]
	if !ok {
		return Quote{}, apperr.Newf(apperr.KindNotFound, "no rate for %q", symbol)
	}
	return Quote{
		Symbol:  instruments.Normalize(symbol),
		AssetID: sec.InstrumentID,
		Bid:     rate.Bid,
		Ask:     rate.Ask,
		Last:    rate.Last,
	}, nil
}

// GetBars fetches a descending-order bar series for the logical timeframe.
// Bars missing any OHLC field were already dropped at the protocol layer.
func (m *MarketData) GetBars(ctx context.Context, symbol string, timeframe Timeframe, limit int) ([]Bar, error) {
	interval, ok := brokerIntervals[timeframe]
	if !ok {
		return nil, apperr.Newf(apperr.KindInvalidInput, "unknown timeframe %q", timeframe)
	}

	sec, err := m.directory.Resolve(ctx, symbol)
	if err != nil {
		return nil, err
	}

	candles, err := m.client.GetCandles(ctx, sec.InstrumentID, interval, limit)
	if err != nil {
		return nil, err
	}

	bars := make([]Bar, 0, len(candles))
	for _, c := range candles {
		bars = append(bars, Bar{
			Time:   c.Time,
			Open:   c.Open,
			High:   c.High,
			Low:    c.Low,
			Close:  c.Close,
			Volume: c.Volume,
		})
	}
	return bars, nil
}

// GetSnapshot composes the current quote with the latest daily and minute
// bars. Absent bar data becomes a zero-valued placeholder so consumers
// never branch on missing fields.
func (m *MarketData) GetSnapshot(ctx context.Context, symbol string) (Snapshot, error) {
	quote, err := m.GetQuote(ctx, symbol)
	if err != nil {
		return Snapshot{}, err
	}

	snapshot := Snapshot{
		Symbol: instruments.Normalize(symbol),
		Quote:  quote,
	}

	if daily, err := m.GetBars(ctx, symbol, Timeframe1Day, 1); err == nil && len(daily) > 0 {
		snapshot.DailyBar = daily[0]
	} else if err != nil {
		m.logger.Warn().Err(err).Str("symbol", symbol).Msg("daily bar unavailable, using placeholder")
	}

	if minute, err := m.GetBars(ctx, symbol, Timeframe1Min, 1); err == nil && len(minute) > 0 {
		snapshot.MinuteBar = minute[0]
	} else if err != nil {
		m.logger.Warn().Err(err).Str("symbol", symbol).Msg("minute bar unavailable, using placeholder")
	}

	return snapshot, nil
}
