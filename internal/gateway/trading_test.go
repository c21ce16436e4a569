package gateway

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"tradegate/internal/apperr"
	"tradegate/internal/broker"
	"tradegate/internal/instruments"
	"tradegate/internal/risk"
	"tradegate/internal/storage/memory"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func ptr(d decimal.Decimal) *decimal.Decimal { return &d }

// mockBroker implements BrokerClient and instruments.SearchClient with
// call counting, so tests can assert policy failures never reach the wire.
type mockBroker struct {
	mu    sync.Mutex
	calls int

	portfolio    broker.Portfolio
	portfolioErr error
	profitLoss   broker.ProfitLossSummary
	plErr        error
	rates        []broker.Rate
	ratesErr     error
	candles      []broker.Candle
	placeResp    broker.Order
	placed       []broker.OrderRequest
	orders       []broker.Order
	cancelOpen   map[string]error
	cancelClose  map[string]error
	closed       []string
	searches     map[string][]broker.Security
	searchErrs   map[string]error
	directory    []broker.Security
}

func (m *mockBroker) count() {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
}

func (m *mockBroker) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func (m *mockBroker) GetPortfolio(context.Context) (broker.Portfolio, error) {
	m.count()
	return m.portfolio, m.portfolioErr
}

func (m *mockBroker) GetProfitLoss(context.Context) (broker.ProfitLossSummary, error) {
	m.count()
	return m.profitLoss, m.plErr
}

func (m *mockBroker) GetRates(context.Context) ([]broker.Rate, error) {
	m.count()
	return m.rates, m.ratesErr
}

func (m *mockBroker) GetCandles(_ context.Context, _ int64, _ string, _ int) ([]broker.Candle, error) {
	m.count()
	return m.candles, nil
}

func (m *mockBroker) PlaceOrder(_ context.Context, req broker.OrderRequest) (broker.Order, error) {
	m.count()
	m.mu.Lock()
	m.placed = append(m.placed, req)
	m.mu.Unlock()
	resp := m.placeResp
	if resp.OrderID == "" {
		resp = broker.Order{OrderID: "o-1", InstrumentID: req.InstrumentID, Side: req.Side, Quantity: req.Quantity, StatusCode: 10}
	}
	return resp, nil
}

func (m *mockBroker) GetOrder(_ context.Context, orderID string) (broker.Order, error) {
	m.count()
	for _, o := range m.orders {
		if o.OrderID == orderID {
			return o, nil
		}
	}
	return broker.Order{}, apperr.Newf(apperr.KindNotFound, "order %s", orderID)
}

func (m *mockBroker) ListOrders(context.Context) ([]broker.Order, error) {
	m.count()
	return m.orders, nil
}

func (m *mockBroker) CancelOpenOrder(_ context.Context, orderID string) error {
	m.count()
	if err, ok := m.cancelOpen[orderID]; ok {
		return err
	}
	return nil
}

func (m *mockBroker) CancelCloseOrder(_ context.Context, orderID string) error {
	m.count()
	if err, ok := m.cancelClose[orderID]; ok {
		return err
	}
	return nil
}

func (m *mockBroker) ClosePosition(_ context.Context, positionID string, units decimal.Decimal) (broker.Order, error) {
	m.count()
	m.mu.Lock()
	m.closed = append(m.closed, positionID+":"+units.String())
	m.mu.Unlock()
	return broker.Order{OrderID: "close-1", StatusCode: 10, Quantity: units, Side: "sell"}, nil
}

func (m *mockBroker) SearchSecurities(_ context.Context, symbol string) ([]broker.Security, error) {
	m.count()
	if err, ok := m.searchErrs[symbol]; ok {
		return nil, err
	}
	return m.searches[symbol], nil
}

func (m *mockBroker) ListSecurities(context.Context) ([]broker.Security, error) {
	m.count()
	return m.directory, nil
}

type tradingFixture struct {
	trading *Trading
	market  *MarketData
	mock    *mockBroker
	store   *memory.Store
}

func newTradingFixture(t *testing.T, mock *mockBroker, riskCfg risk.Config) *tradingFixture {
	t.Helper()
	if riskCfg.OperatorSecret == "" {
		riskCfg.OperatorSecret = "op-secret"
	}
	if riskCfg.ApprovalThresholdUSD.IsZero() {
		riskCfg.ApprovalThresholdUSD = decimal.NewFromInt(1_000_000)
	}
	store := memory.NewStore()
	require.NoError(t, store.EnsureRiskState(context.Background()))

	engine := risk.New(riskCfg, store, store, zerolog.Nop())
	dir := instruments.New(mock, instruments.Options{}, zerolog.Nop())
	trading, market := NewSet(mock, dir, engine, store, SetOptions{}, zerolog.Nop())
	return &tradingFixture{trading: trading, market: market, mock: mock, store: store}
}

func aaplMock() *mockBroker {
	return &mockBroker{
		searches: map[string][]broker.Security{
			"AAPL": {{InstrumentID: 7, Symbol: "AAPL", ExchangeID: "NSQ"}},
		},
		directory: []broker.Security{{InstrumentID: 7, Symbol: "AAPL", ExchangeID: "NSQ"}},
		rates:     []broker.Rate{{InstrumentID: 7, Bid: dec("100.5"), Ask: dec("101"), Last: dec("100.75")}},
	}
}

func TestCreateOrderNotionalSizing(t *testing.T) {
	mock := aaplMock()
	f := newTradingFixture(t, mock, risk.Config{})

	result, err := f.trading.CreateOrder(context.Background(), OrderParams{
		Symbol:   "AAPL",
		Side:     Buy,
		Notional: ptr(dec("100")),
	})
	require.NoError(t, err)
	require.NotNil(t, result.Order)
	require.False(t, result.RequiresApproval)

	require.Len(t, mock.placed, 1)
	units := mock.placed[0].Quantity
	// 100 / 101 (ask) truncated to 6 places for comparison
	require.Equal(t, "0.990099", units.Truncate(6).String())
}

func TestCreateOrderSellUsesBid(t *testing.T) {
	mock := aaplMock()
	f := newTradingFixture(t, mock, risk.Config{})

	_, err := f.trading.CreateOrder(context.Background(), OrderParams{
		Symbol:   "AAPL",
		Side:     Sell,
		Notional: ptr(dec("201")),
	})
	require.NoError(t, err)
	require.Len(t, mock.placed, 1)
	require.Equal(t, "2", mock.placed[0].Quantity.String())
}

func TestCreateOrderNotionalFallsBackToLast(t *testing.T) {
	mock := aaplMock()
	mock.rates = []broker.Rate{{InstrumentID: 7, Last: dec("50")}}
	f := newTradingFixture(t, mock, risk.Config{})

	_, err := f.trading.CreateOrder(context.Background(), OrderParams{
		Symbol:   "AAPL",
		Side:     Buy,
		Notional: ptr(dec("100")),
	})
	require.NoError(t, err)
	require.Equal(t, "2", mock.placed[0].Quantity.String())
}

func TestCreateOrderNoUsablePriceFails(t *testing.T) {
	mock := aaplMock()
	mock.rates = nil
	f := newTradingFixture(t, mock, risk.Config{})

	_, err := f.trading.CreateOrder(context.Background(), OrderParams{
		Symbol:   "AAPL",
		Side:     Buy,
		Notional: ptr(dec("100")),
	})
	require.Equal(t, apperr.KindProviderError, apperr.KindOf(err))
	require.Empty(t, mock.placed)
}

func TestCreateOrderQtyFailsClosedWithoutPrice(t *testing.T) {
	// A qty order with no reference price has no notional estimate, so it
	// could slip under the approval threshold. It must fail instead.
	t.Run("rates endpoint down", func(t *testing.T) {
		mock := aaplMock()
		mock.ratesErr = apperr.New(apperr.KindProviderError, "rates endpoint down")
		f := newTradingFixture(t, mock, risk.Config{ApprovalThresholdUSD: dec("1000")})

		result, err := f.trading.CreateOrder(context.Background(), OrderParams{
			Symbol: "AAPL",
			Side:   Buy,
			Qty:    ptr(dec("1000")),
		})
		require.Equal(t, apperr.KindProviderError, apperr.KindOf(err))
		require.False(t, result.RequiresApproval)
		require.Empty(t, mock.placed, "an unsizable order must never reach the broker")
	})

	t.Run("instrument missing from snapshot", func(t *testing.T) {
		mock := aaplMock()
		mock.rates = nil
		f := newTradingFixture(t, mock, risk.Config{ApprovalThresholdUSD: dec("1000")})

		_, err := f.trading.CreateOrder(context.Background(), OrderParams{
			Symbol: "AAPL",
			Side:   Buy,
			Qty:    ptr(dec("1000")),
		})
		require.Equal(t, apperr.KindProviderError, apperr.KindOf(err))
		require.Empty(t, mock.placed)
	})
}

func TestCreateOrderLimitNotSupported(t *testing.T) {
	f := newTradingFixture(t, aaplMock(), risk.Config{})
	_, err := f.trading.CreateOrder(context.Background(), OrderParams{
		Symbol: "AAPL", Side: Buy, Qty: ptr(dec("1")), Type: "limit",
	})
	require.Equal(t, apperr.KindNotSupported, apperr.KindOf(err))
}

func TestCreateOrderQtyXorNotional(t *testing.T) {
	f := newTradingFixture(t, aaplMock(), risk.Config{})

	_, err := f.trading.CreateOrder(context.Background(), OrderParams{Symbol: "AAPL", Side: Buy})
	require.Equal(t, apperr.KindInvalidInput, apperr.KindOf(err))

	_, err = f.trading.CreateOrder(context.Background(), OrderParams{
		Symbol: "AAPL", Side: Buy, Qty: ptr(dec("1")), Notional: ptr(dec("10")),
	})
	require.Equal(t, apperr.KindInvalidInput, apperr.KindOf(err))
}

func TestKillSwitchShortCircuitsBeforeAnyNetworkCall(t *testing.T) {
	mock := aaplMock()
	f := newTradingFixture(t, mock, risk.Config{})
	ctx := context.Background()

	require.NoError(t, f.store.EngageKillSwitch(ctx, "halt"))

	_, err := f.trading.CreateOrder(ctx, OrderParams{
		Symbol: "AAPL", Side: Buy, Qty: ptr(dec("1")),
	})
	require.Equal(t, apperr.KindKillSwitchActive, apperr.KindOf(err))
	require.Zero(t, mock.callCount(), "no broker call may happen while the kill switch is active")
}

func TestCreateOrderAboveThresholdRequiresApproval(t *testing.T) {
	mock := aaplMock()
	f := newTradingFixture(t, mock, risk.Config{
		ApprovalThresholdUSD: dec("1000"),
		ApprovalTTL:          time.Hour,
	})
	ctx := context.Background()

	result, err := f.trading.CreateOrder(ctx, OrderParams{
		Symbol:   "AAPL",
		Side:     Buy,
		Notional: ptr(dec("5000")),
	})
	require.NoError(t, err)
	require.True(t, result.RequiresApproval)
	require.NotEmpty(t, result.ApprovalToken)
	require.Nil(t, result.Order)
	require.Empty(t, mock.placed, "order must not be submitted before approval")

	order, err := f.trading.ExecuteApprovedOrder(ctx, result.ApprovalToken)
	require.NoError(t, err)
	require.Equal(t, "o-1", order.ID)
	require.Len(t, mock.placed, 1)

	placedSoFar := len(mock.placed)
	_, err = f.trading.ExecuteApprovedOrder(ctx, result.ApprovalToken)
	require.Equal(t, apperr.KindInvalidApproval, apperr.KindOf(err))
	require.Len(t, mock.placed, placedSoFar, "consumed token must not resubmit")
}

func TestApprovedOrderSizingFailureKeepsTokenUsable(t *testing.T) {
	mock := aaplMock()
	store := memory.NewStore()
	require.NoError(t, store.EnsureRiskState(context.Background()))
	engine := risk.New(risk.Config{
		OperatorSecret:       "op-secret",
		ApprovalThresholdUSD: dec("1000"),
		ApprovalTTL:          time.Hour,
	}, store, store, zerolog.Nop())
	dir := instruments.New(mock, instruments.Options{}, zerolog.Nop())
	// Near-zero rates TTL so every sizing attempt hits the broker.
	trading, _ := NewSet(mock, dir, engine, store, SetOptions{RatesTTL: time.Nanosecond}, zerolog.Nop())
	ctx := context.Background()

	result, err := trading.CreateOrder(ctx, OrderParams{
		Symbol:   "AAPL",
		Side:     Buy,
		Notional: ptr(dec("5000")),
	})
	require.NoError(t, err)
	require.True(t, result.RequiresApproval)

	mock.ratesErr = apperr.New(apperr.KindProviderError, "rates endpoint down")
	_, err = trading.ExecuteApprovedOrder(ctx, result.ApprovalToken)
	require.Equal(t, apperr.KindProviderError, apperr.KindOf(err))
	require.Empty(t, mock.placed, "a failed sizing must not reach the broker")

	mock.ratesErr = nil
	order, err := trading.ExecuteApprovedOrder(ctx, result.ApprovalToken)
	require.NoError(t, err, "a sizing failure must not consume the token")
	require.Equal(t, "o-1", order.ID)
	require.Len(t, mock.placed, 1)
}

func portfolioMock() *mockBroker {
	mock := aaplMock()
	mock.searches["TSLA"] = []broker.Security{{InstrumentID: 9, Symbol: "TSLA"}}
	mock.directory = append(mock.directory, broker.Security{InstrumentID: 9, Symbol: "TSLA"})
	mock.rates = append(mock.rates, broker.Rate{InstrumentID: 9, Bid: dec("200"), Ask: dec("201"), Last: dec("200")})
	mock.portfolio = broker.Portfolio{
		Positions: []broker.RawPosition{
			{PositionID: "p-1", InstrumentID: 7, Symbol: "AAPL", Quantity: dec("10"), AvgPrice: dec("90"), CurrentPrice: dec("100")},
			// Mirror view of the same position under another grouping.
			{PositionID: "p-1", InstrumentID: 7, Symbol: "AAPL", Quantity: dec("10"), AvgPrice: dec("90"), CurrentPrice: dec("100")},
			{PositionID: "p-2", InstrumentID: 9, Symbol: "TSLA", Quantity: dec("-2"), AvgPrice: dec("250"), CurrentPrice: dec("200")},
		},
		Account: broker.AccountValues{Cash: dec("1000"), Currency: "USD"},
	}
	return mock
}

func TestGetPositionsDedupesMirrors(t *testing.T) {
	f := newTradingFixture(t, portfolioMock(), risk.Config{})

	positions, err := f.trading.GetPositions(context.Background())
	require.NoError(t, err)
	require.Len(t, positions, 2, "mirror views must collapse by position id")
}

func TestGetPositionsComputesPLWithShortSignFlip(t *testing.T) {
	f := newTradingFixture(t, portfolioMock(), risk.Config{})

	positions, err := f.trading.GetPositions(context.Background())
	require.NoError(t, err)

	var short Position
	for _, pos := range positions {
		if pos.Symbol == "TSLA" {
			short = pos
		}
	}
	require.Equal(t, SideShort, short.Side)
	require.Equal(t, "2", short.Qty.String())
	// Short entered at 250, now 200: (200-250)*2 flipped = +100.
	require.Equal(t, "100", short.UnrealizedPL.String())
}

func TestGetPositionsPrefersLiveRateOverBrokerPrice(t *testing.T) {
	f := newTradingFixture(t, portfolioMock(), risk.Config{})

	positions, err := f.trading.GetPositions(context.Background())
	require.NoError(t, err)

	var long Position
	for _, pos := range positions {
		if pos.Symbol == "AAPL" {
			long = pos
		}
	}
	// Live last is 100.75, broker-reported position price was 100.
	require.Equal(t, "100.75", long.CurrentPrice.String())
	require.Equal(t, "1007.5", long.MarketValue.String())
}

func TestGetAccountFallsBackToProfitLoss(t *testing.T) {
	mock := aaplMock()
	mock.portfolioErr = apperr.New(apperr.KindProviderError, "portfolio endpoint down")
	mock.profitLoss = broker.ProfitLossSummary{Equity: dec("12345")}
	f := newTradingFixture(t, mock, risk.Config{})

	account, err := f.trading.GetAccount(context.Background())
	require.NoError(t, err)
	require.Equal(t, "12345", account.Equity.String())
	require.Equal(t, "profitloss", account.Source)
}

func TestGetAccountEquityFromPortfolio(t *testing.T) {
	f := newTradingFixture(t, portfolioMock(), risk.Config{})

	account, err := f.trading.GetAccount(context.Background())
	require.NoError(t, err)
	require.Equal(t, "portfolio", account.Source)
	// Cash 1000 + AAPL 10*100 + TSLA 2*200 = 2400.
	require.Equal(t, "2400", account.Equity.String())
}

func TestClosePositionPercentage(t *testing.T) {
	mock := portfolioMock()
	f := newTradingFixture(t, mock, risk.Config{})

	_, err := f.trading.ClosePosition(context.Background(), "AAPL", CloseParams{
		Percentage: ptr(dec("50")),
	})
	require.NoError(t, err)
	require.Equal(t, []string{"p-1:5"}, mock.closed)
}

func TestCloseUnitsClamping(t *testing.T) {
	held := dec("10")
	cases := []struct {
		name   string
		params CloseParams
		want   string
	}{
		{"qty below held", CloseParams{Qty: ptr(dec("3"))}, "3"},
		{"qty above held clamps", CloseParams{Qty: ptr(dec("20"))}, "10"},
		{"fifty percent", CloseParams{Percentage: ptr(dec("50"))}, "5"},
		{"no params closes all", CloseParams{}, "10"},
		{"negative qty clamps to zero", CloseParams{Qty: ptr(dec("-1"))}, "0"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, closeUnits(held, tc.params).String())
		})
	}
}

func TestClosePositionSuffixVariantMatches(t *testing.T) {
	mock := aaplMock()
	mock.searches["BTC/USD"] = []broker.Security{{InstrumentID: 42, Symbol: "BTCUSD"}}
	mock.searches["BTCUSD"] = []broker.Security{{InstrumentID: 42, Symbol: "BTCUSD"}}
	mock.directory = append(mock.directory, broker.Security{InstrumentID: 42, Symbol: "BTCUSD"})
	mock.portfolio = broker.Portfolio{
		Positions: []broker.RawPosition{
			{PositionID: "p-9", InstrumentID: 42, Symbol: "BTCUSD", Quantity: dec("1"), AvgPrice: dec("60000"), CurrentPrice: dec("61000")},
		},
	}
	f := newTradingFixture(t, mock, risk.Config{})

	_, err := f.trading.ClosePosition(context.Background(), "BTC/USD", CloseParams{})
	require.NoError(t, err)
	require.Equal(t, []string{"p-9:1"}, mock.closed)
}

func TestClosePositionNotFound(t *testing.T) {
	f := newTradingFixture(t, portfolioMock(), risk.Config{})
	_, err := f.trading.ClosePosition(context.Background(), "NVDA", CloseParams{})
	require.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func TestCancelOrderFallsBackToClosePartition(t *testing.T) {
	mock := aaplMock()
	mock.cancelOpen = map[string]error{
		"o-5": apperr.New(apperr.KindNotFound, "not an opening order"),
	}
	f := newTradingFixture(t, mock, risk.Config{})

	require.NoError(t, f.trading.CancelOrder(context.Background(), "o-5"))
}

func TestCancelOrderBothPartitionsFailReturnsFirstError(t *testing.T) {
	mock := aaplMock()
	mock.cancelOpen = map[string]error{"o-5": apperr.New(apperr.KindNotFound, "missing")}
	mock.cancelClose = map[string]error{"o-5": apperr.New(apperr.KindProviderError, "down")}
	f := newTradingFixture(t, mock, risk.Config{})

	err := f.trading.CancelOrder(context.Background(), "o-5")
	require.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func TestOrderStatusMapping(t *testing.T) {
	require.Equal(t, StatusAccepted, mapOrderStatus(10))
	require.Equal(t, StatusFilled, mapOrderStatus(21))
	require.Equal(t, StatusCanceled, mapOrderStatus(31))
	require.Equal(t, StatusNew, mapOrderStatus(999), "unknown codes map to the safest default")
}

func TestOrderSubmissionRecordsTradeLedger(t *testing.T) {
	mock := aaplMock()
	f := newTradingFixture(t, mock, risk.Config{})
	ctx := context.Background()

	_, err := f.trading.CreateOrder(ctx, OrderParams{Symbol: "AAPL", Side: Buy, Qty: ptr(dec("2"))})
	require.NoError(t, err)

	trades, err := f.store.ListRecentTrades(ctx, 10)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	require.Equal(t, "o-1", trades[0].BrokerOrderID)
	require.Equal(t, "AAPL", trades[0].Symbol)
}

func TestGetPortfolioHistoryAlwaysEmpty(t *testing.T) {
	f := newTradingFixture(t, aaplMock(), risk.Config{})
	history, err := f.trading.GetPortfolioHistory(context.Background())
	require.NoError(t, err)
	require.Empty(t, history.Timestamps)
	require.Empty(t, history.Equity)
}
