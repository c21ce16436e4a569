package broker

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"tradegate/internal/apperr"
	"tradegate/internal/ratelimit"
)

// Options parameterise the protocol client.
type Options struct {
	BaseURL     string
	Credentials Credentials
	Timeout     time.Duration
	RateLimit   ratelimit.Options
}

// Client signs, sends, and classifies requests against the brokerage REST
// API. It owns the per-session rate limiter: every outbound call acquires a
// slot first.
type Client struct {
	opts    Options
	baseURL string
	client  *http.Client
	limiter *ratelimit.Limiter
	logger  zerolog.Logger
}

// NewClient constructs a protocol client.
func NewClient(opts Options, logger zerolog.Logger) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.broker.example/v1"
		if opts.Credentials.Environment == EnvDemo {
			baseURL = "https://demo.broker.example/v1"
		}
	}

	return &Client{
		opts:    opts,
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
		limiter: ratelimit.New(opts.RateLimit, logger),
		logger:  logger.With().Str("component", "broker_client").Logger(),
	}
}

// Limiter exposes the client's rate limiter for observability.
func (c *Client) Limiter() *ratelimit.Limiter {
	return c.limiter
}

func (c *Client) sign(method, path, body, timestamp string) string {
	mac := hmac.New(sha256.New, []byte(c.opts.Credentials.UserKey))
	mac.Write([]byte(timestamp + method + path + body))
	return hex.EncodeToString(mac.Sum(nil))
}

func correlationID() string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return strconv.FormatInt(time.Now().UnixNano(), 16)
	}
	return hex.EncodeToString(buf)
}

// do acquires a rate-limit slot, signs, and executes one request. Responses
// outside 2xx map onto the closed error taxonomy here and nowhere else.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, payload any) (json.RawMessage, error) {
	if err := c.limiter.Acquire(ctx); err != nil {
		return nil, err
	}

	var body []byte
	if payload != nil {
		var err error
		body, err = json.Marshal(payload)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindInternal, "encode request", err)
		}
	}

	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "build request", err)
	}

	timestamp := strconv.FormatInt(time.Now().Unix(), 10)
	corrID := correlationID()
	req.Header.Set("api-key", c.opts.Credentials.APIKey)
	req.Header.Set("user-key", c.opts.Credentials.UserKey)
	req.Header.Set("X-Timestamp", timestamp)
	req.Header.Set("X-Signature", c.sign(method, path, string(body), timestamp))
	req.Header.Set("X-Correlation-Id", corrID)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	started := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindProviderError, fmt.Sprintf("%s %s", method, path), err)
	}
	defer resp.Body.Close()

	payloadBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindProviderError, "read response body", err)
	}

	c.logger.Debug().
		Str("method", method).
		Str("path", path).
		Str("correlation_id", corrID).
		Int("status", resp.StatusCode).
		Dur("elapsed", time.Since(started)).
		Msg("broker call")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, classifyStatus(resp.StatusCode, payloadBytes)
	}
	return payloadBytes, nil
}

// classifyStatus maps broker HTTP statuses onto the error taxonomy.
// Everything above this boundary propagates kinds unchanged.
func classifyStatus(status int, payload []byte) error {
	msg := extractErrorMessage(payload)
	if msg == "" {
		msg = http.StatusText(status)
	}
	switch status {
	case http.StatusUnauthorized:
		return apperr.Newf(apperr.KindUnauthorized, "broker rejected credentials: %s", msg)
	case http.StatusForbidden:
		return apperr.Newf(apperr.KindForbidden, "broker denied access: %s", msg)
	case http.StatusNotFound:
		return apperr.Newf(apperr.KindNotFound, "broker resource not found: %s", msg)
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return apperr.Newf(apperr.KindInvalidInput, "broker rejected request: %s", msg)
	case http.StatusTooManyRequests:
		return apperr.Newf(apperr.KindRateLimited, "broker rate limit hit: %s", msg)
	default:
		return apperr.Newf(apperr.KindProviderError, "broker error (%d): %s", status, msg)
	}
}

func extractErrorMessage(payload []byte) string {
	var o rawObject
	if err := json.Unmarshal(payload, &o); err != nil {
		return strings.TrimSpace(string(payload))
	}
	for _, alias := range []string{"message", "error", "errorMessage", "description"} {
		if s := o.pickString(alias); s != "" {
			return s
		}
	}
	return ""
}

// unwrapList tolerates both bare JSON arrays and object envelopes keyed by
// any of the given alias names.
func unwrapList(raw json.RawMessage, aliases ...string) []json.RawMessage {
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err == nil {
		return items
	}
	var o rawObject
	if err := json.Unmarshal(raw, &o); err != nil {
		return nil
	}
	inner, ok := o.field(aliases...)
	if !ok {
		return nil
	}
	if err := json.Unmarshal(inner, &items); err != nil {
		return nil
	}
	return items
}

// SearchSecurities performs an exact-match symbol search.
func (c *Client) SearchSecurities(ctx context.Context, symbol string) ([]Security, error) {
	q := url.Values{"symbol": {symbol}, "exact": {"true"}}
	raw, err := c.do(ctx, http.MethodGet, "/securities/search", q, nil)
	if err != nil {
		return nil, err
	}
	return decodeSecurities(unwrapList(raw, "securities", "items", "found")), nil
}

// ListSecurities fetches the entire instrument directory, unfiltered.
// Larger than a filtered request, but immune to one bad id failing the
// whole batch.
func (c *Client) ListSecurities(ctx context.Context) ([]Security, error) {
	raw, err := c.do(ctx, http.MethodGet, "/securities", nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeSecurities(unwrapList(raw, "securities", "items")), nil
}

// GetPortfolio fetches positions plus account cash values.
func (c *Client) GetPortfolio(ctx context.Context) (Portfolio, error) {
	raw, err := c.do(ctx, http.MethodGet, "/portfolio", nil, nil)
	if err != nil {
		return Portfolio{}, err
	}

	var o rawObject
	if err := json.Unmarshal(raw, &o); err != nil {
		return Portfolio{}, apperr.Wrap(apperr.KindProviderError, "decode portfolio", err)
	}

	pf := Portfolio{}
	if posRaw, ok := o.field("positions", "pos", "ps"); ok {
		for _, item := range unwrapList(posRaw, "pos") {
			if pos, ok := decodePosition(item); ok {
				pf.Positions = append(pf.Positions, pos)
			}
		}
	}
	if acctRaw, ok := o.field("account", "acc", "s"); ok {
		pf.Account = decodeAccountValues(acctRaw)
	} else {
		pf.Account = decodeAccountValues(raw)
	}
	return pf, nil
}

// GetProfitLoss fetches the profit/loss summary, the fallback equity source
// when the portfolio endpoint is unavailable.
func (c *Client) GetProfitLoss(ctx context.Context) (ProfitLossSummary, error) {
	raw, err := c.do(ctx, http.MethodGet, "/profitloss", nil, nil)
	if err != nil {
		return ProfitLossSummary{}, err
	}
	return decodeProfitLoss(raw), nil
}

// GetRates fetches current rates for every instrument, unfiltered.
func (c *Client) GetRates(ctx context.Context) ([]Rate, error) {
	raw, err := c.do(ctx, http.MethodGet, "/rates", nil, nil)
	if err != nil {
		return nil, err
	}
	items := unwrapList(raw, "rates", "quotes", "items")
	rates := make([]Rate, 0, len(items))
	for _, item := range items {
		if rate, ok := decodeRate(item); ok {
			rates = append(rates, rate)
		}
	}
	return rates, nil
}

// GetCandles fetches a descending-order candle series for one instrument.
func (c *Client) GetCandles(ctx context.Context, instrumentID int64, interval string, limit int) ([]Candle, error) {
	q := url.Values{
		"instrumentId": {strconv.FormatInt(instrumentID, 10)},
		"interval":     {interval},
		"order":        {"desc"},
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	raw, err := c.do(ctx, http.MethodGet, "/candles", q, nil)
	if err != nil {
		return nil, err
	}
	items := unwrapList(raw, "candles", "hloc", "items")
	candles := make([]Candle, 0, len(items))
	for _, item := range items {
		if candle, ok := decodeCandle(item); ok {
			candles = append(candles, candle)
		}
	}
	return candles, nil
}

// PlaceOrder submits an order. There is no mid-flight cancellation once
// sent; a failure after send is resolved by reconciliation, never by blind
// retry.
func (c *Client) PlaceOrder(ctx context.Context, req OrderRequest) (Order, error) {
	raw, err := c.do(ctx, http.MethodPost, "/orders", nil, req)
	if err != nil {
		return Order{}, err
	}
	ord, ok := decodeOrder(raw)
	if !ok {
		return Order{}, apperr.New(apperr.KindProviderError, "order response missing order id")
	}
	return ord, nil
}

// GetOrder fetches one order by id.
func (c *Client) GetOrder(ctx context.Context, orderID string) (Order, error) {
	raw, err := c.do(ctx, http.MethodGet, "/orders/"+url.PathEscape(orderID), nil, nil)
	if err != nil {
		return Order{}, err
	}
	ord, ok := decodeOrder(raw)
	if !ok {
		return Order{}, apperr.Newf(apperr.KindNotFound, "order %s not in response", orderID)
	}
	return ord, nil
}

// ListOrders fetches all known orders across both broker partitions.
func (c *Client) ListOrders(ctx context.Context) ([]Order, error) {
	raw, err := c.do(ctx, http.MethodGet, "/orders", nil, nil)
	if err != nil {
		return nil, err
	}
	items := unwrapList(raw, "orders", "items")
	orders := make([]Order, 0, len(items))
	for _, item := range items {
		if ord, ok := decodeOrder(item); ok {
			orders = append(orders, ord)
		}
	}
	return orders, nil
}

// CancelOpenOrder cancels an order on the opening-intent partition.
func (c *Client) CancelOpenOrder(ctx context.Context, orderID string) error {
	_, err := c.do(ctx, http.MethodDelete, "/orders/open/"+url.PathEscape(orderID), nil, nil)
	return err
}

// CancelCloseOrder cancels an order on the closing-intent partition.
func (c *Client) CancelCloseOrder(ctx context.Context, orderID string) error {
	_, err := c.do(ctx, http.MethodDelete, "/orders/close/"+url.PathEscape(orderID), nil, nil)
	return err
}

// ClosePosition submits a close request against a broker position id.
func (c *Client) ClosePosition(ctx context.Context, positionID string, units decimal.Decimal) (Order, error) {
	payload := map[string]string{
		"positionId": positionID,
		"quantity":   units.String(),
	}
	raw, err := c.do(ctx, http.MethodPost, "/positions/"+url.PathEscape(positionID)+"/close", nil, payload)
	if err != nil {
		return Order{}, err
	}
	ord, ok := decodeOrder(raw)
	if !ok {
		return Order{}, apperr.New(apperr.KindProviderError, "close response missing order id")
	}
	return ord, nil
}
