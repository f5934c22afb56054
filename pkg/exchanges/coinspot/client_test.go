package coinspot

import (
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"execution-core/pkg/exchanges/common"
)

const (
	testKey    = "key-1"
	testSecret = "secret-1"
)

type captured struct {
	path string
	body map[string]any
}

// venue serves handler after checking the request signature.
func venue(t *testing.T, handler func(w http.ResponseWriter, c captured)) (*httptest.Server, *[]captured) {
	t.Helper()
	var seen []captured
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, testKey, r.Header.Get("key"))

		mac := hmac.New(sha512.New, []byte(testSecret))
		mac.Write(raw)
		assert.Equal(t, hex.EncodeToString(mac.Sum(nil)), r.Header.Get("sign"))

		var body map[string]any
		require.NoError(t, json.Unmarshal(raw, &body))
		c := captured{path: r.URL.Path, body: body}
		seen = append(seen, c)
		handler(w, c)
	}))
	t.Cleanup(srv.Close)
	return srv, &seen
}

func newClient(srv *httptest.Server) *Client {
	return New(Config{
		APIKey:       testKey,
		APISecret:    testSecret,
		BaseURL:      srv.URL,
		RetryInitial: time.Millisecond,
		RetryMax:     5 * time.Millisecond,
	}, nil, zerolog.Nop())
}

func reply(w http.ResponseWriter, code int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = io.WriteString(w, body)
}

func TestMarketBuySignsAndNormalizes(t *testing.T) {
	srv, seen := venue(t, func(w http.ResponseWriter, _ captured) {
		reply(w, http.StatusOK, `{"status":"ok","coin":"BTC","market":"BTC/AUD","amount":0.01,"rate":"60000","total":600,"id":"X1"}`)
	})
	c := newClient(srv)

	r, err := c.MarketBuy(context.Background(), "btc", decimal.RequireFromString("600"))
	require.NoError(t, err)
	assert.Equal(t, "X1", r.ID)
	assert.Equal(t, common.StatusCompleted, r.Status)
	assert.Equal(t, "BTC", r.Symbol)
	assert.Equal(t, common.SideBuy, r.Side)
	assert.True(t, r.AmountCoin.Equal(decimal.RequireFromString("0.01")))
	assert.True(t, r.AvgRate.Equal(decimal.NewFromInt(60000)))

	require.Len(t, *seen, 1)
	req := (*seen)[0]
	assert.Equal(t, "/my/buy", req.path)
	assert.Equal(t, "BTC", req.body["cointype"])
	assert.Equal(t, "600", req.body["amount"])
	assert.NotZero(t, req.body["nonce"])
}

func TestNoncesIncrease(t *testing.T) {
	srv, seen := venue(t, func(w http.ResponseWriter, _ captured) {
		reply(w, http.StatusOK, `{"status":"ok"}`)
	})
	c := newClient(srv)
	ctx := context.Background()
	require.NoError(t, c.CancelBuy(ctx, "a"))
	require.NoError(t, c.CancelSell(ctx, "b"))

	require.Len(t, *seen, 2)
	assert.Equal(t, "/my/buy/cancel", (*seen)[0].path)
	assert.Equal(t, "/my/sell/cancel", (*seen)[1].path)
	first := (*seen)[0].body["nonce"].(float64)
	second := (*seen)[1].body["nonce"].(float64)
	assert.Greater(t, second, first)
}

func TestErrorMapping(t *testing.T) {
	cases := []struct {
		name string
		code int
		body string
		kind common.Kind
	}{
		{"unauthorized", http.StatusUnauthorized, `{}`, common.KindUnauthorized},
		{"forbidden", http.StatusForbidden, `{}`, common.KindUnauthorized},
		{"not found", http.StatusNotFound, `{}`, common.KindNotFound},
		{"bad request", http.StatusBadRequest, `{"status":"error"}`, common.KindVenue},
		{"insufficient", http.StatusOK, `{"status":"error","message":"Insufficient funds"}`, common.KindInsufficientFunds},
		{"missing order", http.StatusOK, `{"status":"error","message":"Order not found"}`, common.KindNotFound},
		{"min notional", http.StatusOK, `{"status":"error","message":"Amount below minimum"}`, common.KindVenue},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv, seen := venue(t, func(w http.ResponseWriter, _ captured) { reply(w, tc.code, tc.body) })
			_, err := newClient(srv).MarketSell(context.Background(), "ETH", decimal.NewFromInt(1))
			require.Error(t, err)
			assert.Equal(t, tc.kind, common.KindOf(err), err.Error())
			assert.Len(t, *seen, 1, "terminal errors are not retried")
		})
	}
}

func TestStatusErrorKeepsUTF8Intact(t *testing.T) {
	body := strings.Repeat("x", 199) + strings.Repeat("é", 10)
	err := statusError(http.StatusBadRequest, []byte(body))
	require.Error(t, err)
	assert.True(t, utf8.ValidString(err.Error()))
	assert.Equal(t, common.KindVenue, common.KindOf(err))
	assert.Contains(t, err.Error(), strings.Repeat("x", 199))
	assert.NotContains(t, err.Error(), "é")
}

func TestRetriesTransientFailures(t *testing.T) {
	var calls int32
	srv, _ := venue(t, func(w http.ResponseWriter, _ captured) {
		switch atomic.AddInt32(&calls, 1) {
		case 1:
			reply(w, http.StatusTooManyRequests, `{}`)
		case 2:
			reply(w, http.StatusBadGateway, `{}`)
		default:
			reply(w, http.StatusOK, `{"status":"ok","balance":{"BTC":{"balance":"1.5","audbalance":"90000"}}}`)
		}
	})
	limiter := common.NewRateLimiter(1000, 10)
	c := New(Config{APIKey: testKey, APISecret: testSecret, BaseURL: srv.URL, RetryInitial: time.Millisecond, RetryMax: 2 * time.Millisecond}, limiter, zerolog.Nop())

	b, err := c.GetBalance(context.Background(), "btc")
	require.NoError(t, err)
	assert.Equal(t, "BTC", b.Coin)
	assert.Equal(t, "1.5", b.Balance.String())
	assert.EqualValues(t, 3, atomic.LoadInt32(&calls))
	assert.Equal(t, 1, limiter.ThrottledCount())
}

func TestRetriesGiveUpAfterThreeAttempts(t *testing.T) {
	var calls int32
	srv, _ := venue(t, func(w http.ResponseWriter, _ captured) {
		atomic.AddInt32(&calls, 1)
		reply(w, http.StatusServiceUnavailable, `down`)
	})
	_, err := newClient(srv).GetBalances(context.Background())
	require.Error(t, err)
	assert.True(t, common.IsKind(err, common.KindNetwork))
	assert.EqualValues(t, 3, atomic.LoadInt32(&calls))
}

func TestListingsAndBalances(t *testing.T) {
	srv, _ := venue(t, func(w http.ResponseWriter, c captured) {
		switch c.path {
		case "/my/orders":
			reply(w, http.StatusOK, `{"status":"ok",
				"buyorders":[{"id":"B1","coin":"BTC","market":"BTC/AUD","amount":"0.5","rate":"50000","total":"25000","created":"2026-01-02T03:04:05.000Z"}],
				"sellorders":[]}`)
		case "/my/orders/history":
			reply(w, http.StatusOK, `{"status":"ok","buyorders":[],
				"sellorders":[{"id":"S1","coin":"ETH","market":"ETH/AUD","amount":"2","rate":"3000","solddate":"2026-01-02T03:04:05Z"}]}`)
		case "/my/balances":
			reply(w, http.StatusOK, `{"status":"ok","balances":[{"BTC":{"balance":0.5}},{"AUD":{"balance":"1000.25"}}]}`)
		default:
			reply(w, http.StatusNotFound, `{}`)
		}
	})
	c := newClient(srv)
	ctx := context.Background()

	open, err := c.GetOrders(ctx, "")
	require.NoError(t, err)
	o, ok := open.Find("B1")
	require.True(t, ok)
	assert.Equal(t, common.StatusOpen, o.Status)
	assert.Equal(t, "BTC", o.Symbol)
	assert.Equal(t, 2026, o.Created.Year())

	hist, err := c.GetOrderHistory(ctx, "ETH", 10)
	require.NoError(t, err)
	s, ok := hist.Find("S1")
	require.True(t, ok)
	assert.Equal(t, common.StatusCompleted, s.Status)
	assert.Equal(t, "6000", s.TotalQuote.String())
	assert.False(t, s.Created.IsZero())

	bals, err := c.GetBalances(ctx)
	require.NoError(t, err)
	require.Len(t, bals, 2)
	assert.Equal(t, "AUD", bals[0].Coin)
	assert.Equal(t, "1000.25", bals[0].Balance.String())
}

func TestProviderReusesClientPerKey(t *testing.T) {
	p := NewProvider(Config{BaseURL: "http://127.0.0.1:0"}, StaticCredentials{APIKey: testKey, APISecret: testSecret}, nil, zerolog.Nop())
	ctx := context.Background()
	a, err := p.ForUser(ctx, "u1")
	require.NoError(t, err)
	b, err := p.ForUser(ctx, "u2")
	require.NoError(t, err)
	assert.Same(t, a, b)

	_, err = NewProvider(Config{}, StaticCredentials{}, nil, zerolog.Nop()).ForUser(ctx, "u1")
	assert.True(t, common.IsKind(err, common.KindUnauthorized))
}
