package broker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"tradegate/internal/apperr"
	"tradegate/internal/ratelimit"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func testClient(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c := NewClient(Options{
		BaseURL: srv.URL,
		Credentials: Credentials{
			APIKey:      "key",
			UserKey:     "user-secret",
			Environment: EnvDemo,
		},
		Timeout:   time.Second,
		RateLimit: ratelimit.Options{MaxRequests: 100},
	}, zerolog.Nop())
	return c, srv
}

func TestDoSetsAuthAndCorrelationHeaders(t *testing.T) {
	var got http.Header
	c, _ := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		_ = json.NewEncoder(w).Encode([]any{})
	})

	if _, err := c.ListSecurities(context.Background()); err != nil {
		t.Fatalf("list securities failed: %v", err)
	}

	if got.Get("api-key") != "key" {
		t.Fatalf("api-key header missing: %v", got)
	}
	if got.Get("user-key") != "user-secret" {
		t.Fatalf("user-key header missing: %v", got)
	}
	if got.Get("X-Correlation-Id") == "" {
		t.Fatal("correlation id header missing")
	}
	if got.Get("X-Signature") == "" {
		t.Fatal("signature header missing")
	}
}

func TestStatusClassification(t *testing.T) {
	cases := []struct {
		status int
		want   apperr.Kind
	}{
		{http.StatusUnauthorized, apperr.KindUnauthorized},
		{http.StatusForbidden, apperr.KindForbidden},
		{http.StatusNotFound, apperr.KindNotFound},
		{http.StatusBadRequest, apperr.KindInvalidInput},
		{http.StatusUnprocessableEntity, apperr.KindInvalidInput},
		{http.StatusTooManyRequests, apperr.KindRateLimited},
		{http.StatusBadGateway, apperr.KindProviderError},
	}

	for _, tc := range cases {
		status := tc.status
		c, _ := testClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
			_ = json.NewEncoder(w).Encode(map[string]string{"message": "nope"})
		})
		_, err := c.GetRates(context.Background())
		if err == nil {
			t.Fatalf("status %d should error", tc.status)
		}
		if kind := apperr.KindOf(err); kind != tc.want {
			t.Fatalf("status %d: expected %s, got %s", tc.status, tc.want, kind)
		}
	}
}

func TestGetPortfolioDecodesPositionsAndCash(t *testing.T) {
	c, _ := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{
			"positions": [
				{"positionId": "p-1", "instrumentId": 7, "symbol": "AAPL", "qty": 5, "avgEntryPrice": 190, "currentPrice": 200},
				{"position_id": "p-2", "instrument_id": 9, "t": "TSLA", "q": "2", "bal_price_a": 250}
			],
			"account": {"freeMoney": "1500.50", "credit": 0, "currency": "USD"}
		}`))
	})

	pf, err := c.GetPortfolio(context.Background())
	if err != nil {
		t.Fatalf("portfolio fetch failed: %v", err)
	}
	if len(pf.Positions) != 2 {
		t.Fatalf("expected 2 positions, got %d", len(pf.Positions))
	}
	if !pf.Account.Cash.Equal(dec("1500.50")) {
		t.Fatalf("cash mismatch: %s", pf.Account.Cash)
	}
	if pf.Positions[1].Symbol != "TSLA" {
		t.Fatalf("legacy position symbol mismatch: %+v", pf.Positions[1])
	}
}

func TestGetCandlesDropsIncomplete(t *testing.T) {
	c, _ := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("order") != "desc" {
			t.Errorf("candles must be requested descending, got %q", r.URL.Query().Get("order"))
		}
		_, _ = w.Write([]byte(`{"candles": [
			{"time": "2026-02-10T14:30:00Z", "o": 10, "h": 12, "l": 9, "c": 11},
			{"time": "2026-02-10T14:29:00Z", "o": 10, "h": 12}
		]}`))
	})

	candles, err := c.GetCandles(context.Background(), 7, "1min", 10)
	if err != nil {
		t.Fatalf("candles fetch failed: %v", err)
	}
	if len(candles) != 1 {
		t.Fatalf("incomplete candle should be dropped, got %d candles", len(candles))
	}
}

func TestPlaceOrderRoundTrip(t *testing.T) {
	c, _ := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		var req OrderRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode order request: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"orderId": "o-55", "instrumentId": req.InstrumentID, "status": 1,
			"side": req.Side, "quantity": req.Quantity,
		})
	})

	ord, err := c.PlaceOrder(context.Background(), OrderRequest{
		InstrumentID: 7,
		Side:         "buy",
		Quantity:     dec("3"),
		OrderType:    "market",
		TimeInForce:  "day",
	})
	if err != nil {
		t.Fatalf("place order failed: %v", err)
	}
	if ord.OrderID != "o-55" {
		t.Fatalf("order id mismatch: %+v", ord)
	}
}
