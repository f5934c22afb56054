// Package coinspot is the live venue adapter for the CoinSpot v2 private API.
package coinspot

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"execution-core/pkg/exchanges/common"
)

const DefaultBaseURL = "https://www.coinspot.com.au/api/v2"

// Config holds credentials and transport settings for one account.
type Config struct {
	APIKey    string
	APISecret string
	BaseURL   string
	// QuoteCurrency labels markets; CoinSpot settles in AUD.
	QuoteCurrency string
	Timeout       time.Duration
	// Retry policy for RateLimited and Network failures.
	RetryInitial  time.Duration
	RetryMax      time.Duration
	RetryAttempts int
	// ThrottlePause is how long every caller backs off after a 429.
	ThrottlePause time.Duration
}

func (c *Config) applyDefaults() {
	if c.BaseURL == "" {
		c.BaseURL = DefaultBaseURL
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	if c.QuoteCurrency == "" {
		c.QuoteCurrency = "AUD"
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.RetryInitial <= 0 {
		c.RetryInitial = 2 * time.Second
	}
	if c.RetryMax <= 0 {
		c.RetryMax = 10 * time.Second
	}
	if c.RetryAttempts <= 0 {
		c.RetryAttempts = 3
	}
	if c.ThrottlePause <= 0 {
		c.ThrottlePause = c.RetryInitial
	}
}

// Client signs and sends private API calls.
type Client struct {
	cfg         Config
	httpClient  *http.Client
	nonce       *common.NonceSource
	rateLimiter *common.RateLimiter
	log         zerolog.Logger
}

var _ common.Exchange = (*Client)(nil)

// New builds a client. limiter may be shared across clients; nil disables pacing.
func New(cfg Config, limiter *common.RateLimiter, logger zerolog.Logger) *Client {
	cfg.applyDefaults()
	return &Client{
		cfg:         cfg,
		httpClient:  &http.Client{Timeout: cfg.Timeout},
		nonce:       common.NewNonceSource(),
		rateLimiter: limiter,
		log:         logger.With().Str("component", "coinspot").Logger(),
	}
}

// MarketBuy spends amountQuote on symbol.
func (c *Client) MarketBuy(ctx context.Context, symbol string, amountQuote decimal.Decimal) (*common.OrderResult, error) {
	symbol = strings.ToUpper(symbol)
	c.log.Info().Str("symbol", symbol).Str("amount", amountQuote.String()).Msg("placing market buy")
	var res orderResponse
	if err := c.post(ctx, "/my/buy", map[string]any{"cointype": symbol, "amount": amountQuote.String()}, &res); err != nil {
		return nil, err
	}
	return res.result(symbol, common.SideBuy, common.OrderTypeMarket, c.cfg.QuoteCurrency), nil
}

// MarketSell sells amountCoin of symbol.
func (c *Client) MarketSell(ctx context.Context, symbol string, amountCoin decimal.Decimal) (*common.OrderResult, error) {
	symbol = strings.ToUpper(symbol)
	c.log.Info().Str("symbol", symbol).Str("amount", amountCoin.String()).Msg("placing market sell")
	var res orderResponse
	if err := c.post(ctx, "/my/sell", map[string]any{"cointype": symbol, "amount": amountCoin.String()}, &res); err != nil {
		return nil, err
	}
	return res.result(symbol, common.SideSell, common.OrderTypeMarket, c.cfg.QuoteCurrency), nil
}

// LimitBuy places a resting buy of amountQuote at rate.
func (c *Client) LimitBuy(ctx context.Context, symbol string, amountQuote, rate decimal.Decimal) (*common.OrderResult, error) {
	symbol = strings.ToUpper(symbol)
	if !rate.IsPositive() {
		return nil, common.Errorf(common.KindVenue, "rate must be positive")
	}
	var res orderResponse
	err := c.post(ctx, "/my/buy", map[string]any{
		"cointype": symbol,
		"amount":   amountQuote.Div(rate).String(),
		"rate":     rate.String(),
	}, &res)
	if err != nil {
		return nil, err
	}
	return res.result(symbol, common.SideBuy, common.OrderTypeLimit, c.cfg.QuoteCurrency), nil
}

// LimitSell places a resting sell of amountCoin at rate.
func (c *Client) LimitSell(ctx context.Context, symbol string, amountCoin, rate decimal.Decimal) (*common.OrderResult, error) {
	symbol = strings.ToUpper(symbol)
	var res orderResponse
	err := c.post(ctx, "/my/sell", map[string]any{
		"cointype": symbol,
		"amount":   amountCoin.String(),
		"rate":     rate.String(),
	}, &res)
	if err != nil {
		return nil, err
	}
	return res.result(symbol, common.SideSell, common.OrderTypeLimit, c.cfg.QuoteCurrency), nil
}

// CancelBuy cancels an open buy.
func (c *Client) CancelBuy(ctx context.Context, id string) error {
	c.log.Info().Str("order_id", id).Msg("cancelling buy")
	return c.post(ctx, "/my/buy/cancel", map[string]any{"id": id}, nil)
}

// CancelSell cancels an open sell.
func (c *Client) CancelSell(ctx context.Context, id string) error {
	c.log.Info().Str("order_id", id).Msg("cancelling sell")
	return c.post(ctx, "/my/sell/cancel", map[string]any{"id": id}, nil)
}

// GetOrders lists open orders.
func (c *Client) GetOrders(ctx context.Context, symbol string) (*common.OrderLists, error) {
	payload := map[string]any{}
	if symbol != "" {
		payload["cointype"] = strings.ToUpper(symbol)
	}
	var res listResponse
	if err := c.post(ctx, "/my/orders", payload, &res); err != nil {
		return nil, err
	}
	return res.lists(common.StatusOpen, c.cfg.QuoteCurrency), nil
}

// GetOrderHistory lists closed orders.
func (c *Client) GetOrderHistory(ctx context.Context, symbol string, limit int) (*common.OrderLists, error) {
	payload := map[string]any{}
	if symbol != "" {
		payload["cointype"] = strings.ToUpper(symbol)
	}
	if limit > 0 {
		payload["limit"] = limit
	}
	var res listResponse
	if err := c.post(ctx, "/my/orders/history", payload, &res); err != nil {
		return nil, err
	}
	return res.lists(common.StatusCompleted, c.cfg.QuoteCurrency), nil
}

// GetBalances returns every holding.
func (c *Client) GetBalances(ctx context.Context) ([]common.Balance, error) {
	var res balancesResponse
	if err := c.post(ctx, "/my/balances", nil, &res); err != nil {
		return nil, err
	}
	return res.balances(), nil
}

// GetBalance returns one coin's holding.
func (c *Client) GetBalance(ctx context.Context, symbol string) (common.Balance, error) {
	symbol = strings.ToUpper(symbol)
	var res balanceResponse
	if err := c.post(ctx, "/my/balance", map[string]any{"cointype": symbol}, &res); err != nil {
		return common.Balance{}, err
	}
	return res.balance(symbol), nil
}

// post sends a signed request, retrying RateLimited and Network failures
// with exponential backoff. out may be nil.
func (c *Client) post(ctx context.Context, endpoint string, payload map[string]any, out any) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.RetryInitial
	b.MaxInterval = c.cfg.RetryMax
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.cfg.RetryAttempts-1)), ctx)

	attempt := 0
	return backoff.RetryNotify(func() error {
		attempt++
		err := c.do(ctx, endpoint, payload, out)
		if err != nil && !common.Retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, policy, func(err error, wait time.Duration) {
		c.log.Warn().Err(err).Str("endpoint", endpoint).Int("attempt", attempt).Dur("retry_in", wait).Msg("retrying request")
	})
}

// do performs one signed POST. The signature is the hex HMAC-SHA512 of the
// exact JSON body, which carries a fresh nonce.
func (c *Client) do(ctx context.Context, endpoint string, payload map[string]any, out any) error {
	if c.rateLimiter.ShouldDelay() {
		c.log.Warn().Str("endpoint", endpoint).Msg("venue throttled; request held")
	}
	if err := c.rateLimiter.Wait(ctx); err != nil {
		return err
	}

	body := make(map[string]any, len(payload)+1)
	for k, v := range payload {
		body[k] = v
	}
	body["nonce"] = c.nonce.Next()
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode %s: %w", endpoint, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+endpoint, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("key", c.cfg.APIKey)
	req.Header.Set("sign", sign(raw, c.cfg.APISecret))

	res, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		return common.Wrap(common.KindNetwork, err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		return common.Wrap(common.KindNetwork, err)
	}

	if res.StatusCode == http.StatusTooManyRequests {
		c.rateLimiter.Throttled(c.cfg.ThrottlePause)
	}
	if err := statusError(res.StatusCode, data); err != nil {
		return err
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return common.Errorf(common.KindVenue, "decode %s: %v", endpoint, err)
	}
	if !strings.EqualFold(env.Status, "ok") {
		return messageError(env.Message)
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return common.Errorf(common.KindVenue, "decode %s: %v", endpoint, err)
		}
	}
	return nil
}

func statusError(code int, body []byte) error {
	msg := strings.TrimSpace(string(body))
	msg = common.Truncate(msg, 200)
	switch {
	case code < 300:
		return nil
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return common.Errorf(common.KindUnauthorized, "status %d: %s", code, msg)
	case code == http.StatusNotFound:
		return common.Errorf(common.KindNotFound, "status %d: %s", code, msg)
	case code == http.StatusTooManyRequests:
		return common.Errorf(common.KindRateLimited, "status %d: %s", code, msg)
	case code >= 500:
		return common.Errorf(common.KindNetwork, "status %d: %s", code, msg)
	default:
		return common.Errorf(common.KindVenue, "status %d: %s", code, msg)
	}
}

// messageError classifies an application-level error message.
func messageError(msg string) error {
	if msg == "" {
		msg = "unknown error"
	}
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "insufficient"), strings.Contains(lower, "not enough"):
		return common.Errorf(common.KindInsufficientFunds, "%s", msg)
	case strings.Contains(lower, "not found"), strings.Contains(lower, "no such order"):
		return common.Errorf(common.KindNotFound, "%s", msg)
	case strings.Contains(lower, "invalid key"), strings.Contains(lower, "unauthor"), strings.Contains(lower, "invalid sign"):
		return common.Errorf(common.KindUnauthorized, "%s", msg)
	case strings.Contains(lower, "rate limit"), strings.Contains(lower, "too many"):
		return common.Errorf(common.KindRateLimited, "%s", msg)
	default:
		return common.Errorf(common.KindVenue, "%s", msg)
	}
}

func sign(body []byte, secret string) string {
	h := hmac.New(sha512.New, []byte(secret))
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}
