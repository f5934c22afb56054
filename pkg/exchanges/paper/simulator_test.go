package paper

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"execution-core/pkg/exchanges/common"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newSim(t *testing.T) (*Simulator, common.Exchange) {
	t.Helper()
	sim := NewSimulator(Config{Seed: 7}, zerolog.Nop())
	sim.SetPrice("BTC", d("1000"))
	ex, err := sim.ForUser(context.Background(), "u1")
	require.NoError(t, err)
	return sim, ex
}

func balance(t *testing.T, ex common.Exchange, coin string) decimal.Decimal {
	t.Helper()
	b, err := ex.GetBalance(context.Background(), coin)
	require.NoError(t, err)
	return b.Balance
}

func TestBookLadder(t *testing.T) {
	sim, _ := newSim(t)
	b := sim.books["BTC"]
	require.Len(t, b.bids, 10)
	require.Len(t, b.asks, 10)
	assert.Equal(t, "999.5", b.bids[0].price.String())
	assert.Equal(t, "1000.5", b.asks[0].price.String())
	for i := 1; i < 10; i++ {
		assert.True(t, b.bids[i].price.LessThan(b.bids[i-1].price))
		assert.True(t, b.asks[i].price.GreaterThan(b.asks[i-1].price))
	}
	for _, lvl := range append(b.bids, b.asks...) {
		assert.True(t, lvl.volume.GreaterThanOrEqual(d("0.1")))
		assert.True(t, lvl.volume.LessThanOrEqual(d("2")))
	}
}

func TestMarketBuyWalksAsks(t *testing.T) {
	_, ex := newSim(t)
	ctx := context.Background()

	r, err := ex.MarketBuy(ctx, "btc", d("5000"))
	require.NoError(t, err)
	assert.Equal(t, common.StatusCompleted, r.Status)
	assert.Equal(t, "BTC", r.Symbol)
	assert.Equal(t, "BTC/AUD", r.Market)
	assert.True(t, r.TotalQuote.Equal(d("5000")))
	assert.True(t, r.AvgRate.GreaterThan(d("1000.5")), r.AvgRate.String())
	assert.Greater(t, len(r.Fills), 1)

	implied := r.TotalQuote.Div(r.AvgRate)
	assert.True(t, implied.Sub(r.AmountCoin).Abs().LessThan(d("0.000000001")))

	assert.True(t, balance(t, ex, "AUD").Equal(d("95000")))
	assert.True(t, balance(t, ex, "BTC").Equal(r.AmountCoin))
}

func TestRoundTripLosesSpread(t *testing.T) {
	_, ex := newSim(t)
	ctx := context.Background()

	buy, err := ex.MarketBuy(ctx, "BTC", d("5000"))
	require.NoError(t, err)
	sell, err := ex.MarketSell(ctx, "BTC", buy.AmountCoin)
	require.NoError(t, err)

	assert.True(t, sell.TotalQuote.LessThan(d("5000")), sell.TotalQuote.String())
	assert.True(t, sell.AvgRate.LessThan(d("999.5")) || sell.AvgRate.Equal(d("999.5")))
	assert.True(t, balance(t, ex, "BTC").IsZero())
}

func TestExhaustedBookFillsAtLastPrice(t *testing.T) {
	sim := NewSimulator(Config{Depth: 1, Seed: 1, InitialBalance: d("1000000")}, zerolog.Nop())
	sim.SetPrice("ETH", d("100"))
	ex, err := sim.ForUser(context.Background(), "u1")
	require.NoError(t, err)

	r, err := ex.MarketBuy(context.Background(), "ETH", d("10000"))
	require.NoError(t, err)
	require.Len(t, r.Fills, 2)
	assert.True(t, r.Fills[1].Price.Equal(r.Fills[0].Price))
	assert.True(t, r.TotalQuote.Equal(d("10000")))
}

func TestInsufficientFunds(t *testing.T) {
	_, ex := newSim(t)
	ctx := context.Background()

	_, err := ex.MarketBuy(ctx, "BTC", d("100000.01"))
	assert.True(t, common.IsKind(err, common.KindInsufficientFunds), "%v", err)

	_, err = ex.MarketSell(ctx, "BTC", d("0.1"))
	assert.True(t, common.IsKind(err, common.KindInsufficientFunds))

	_, err = ex.LimitSell(ctx, "BTC", d("0.1"), d("2000"))
	assert.True(t, common.IsKind(err, common.KindInsufficientFunds))
}

func TestLimitOrders(t *testing.T) {
	sim, ex := newSim(t)
	ctx := context.Background()

	t.Run("crossing buy fills at rate", func(t *testing.T) {
		r, err := ex.LimitBuy(ctx, "BTC", d("1100"), d("1100"))
		require.NoError(t, err)
		assert.Equal(t, common.StatusCompleted, r.Status)
		assert.Equal(t, "1", r.AmountCoin.String())
		assert.True(t, balance(t, ex, "BTC").Equal(d("1")))
	})

	t.Run("resting buy holds funds until cancelled", func(t *testing.T) {
		before := balance(t, ex, "AUD")
		r, err := ex.LimitBuy(ctx, "BTC", d("900"), d("900"))
		require.NoError(t, err)
		assert.Equal(t, common.StatusOpen, r.Status)
		assert.True(t, balance(t, ex, "AUD").Equal(before.Sub(d("900"))))

		open, err := ex.GetOrders(ctx, "BTC")
		require.NoError(t, err)
		_, found := open.Find(r.ID)
		assert.True(t, found)

		assert.True(t, common.IsKind(ex.CancelSell(ctx, r.ID), common.KindVenue))
		require.NoError(t, ex.CancelBuy(ctx, r.ID))
		assert.True(t, balance(t, ex, "AUD").Equal(before))
		assert.True(t, common.IsKind(ex.CancelBuy(ctx, r.ID), common.KindVenue))

		hist, err := ex.GetOrderHistory(ctx, "BTC", 10)
		require.NoError(t, err)
		got, found := hist.Find(r.ID)
		require.True(t, found)
		assert.Equal(t, common.StatusCancelled, got.Status)
	})

	t.Run("resting sell holds coins", func(t *testing.T) {
		r, err := ex.LimitSell(ctx, "BTC", d("0.5"), d("1200"))
		require.NoError(t, err)
		assert.Equal(t, common.StatusOpen, r.Status)
		assert.True(t, balance(t, ex, "BTC").Equal(d("0.5")))
		require.NoError(t, ex.CancelSell(ctx, r.ID))
		assert.True(t, balance(t, ex, "BTC").Equal(d("1")))
	})

	t.Run("unknown order", func(t *testing.T) {
		assert.True(t, common.IsKind(ex.CancelBuy(ctx, "nope"), common.KindNotFound))
	})

	t.Run("sweep on price", func(t *testing.T) {
		sim.cfg.SweepOnPrice = true
		r, err := ex.LimitSell(ctx, "BTC", d("0.5"), d("1200"))
		require.NoError(t, err)
		require.Equal(t, common.StatusOpen, r.Status)

		sim.SetPrice("BTC", d("1250"))
		hist, err := ex.GetOrderHistory(ctx, "", 0)
		require.NoError(t, err)
		got, found := hist.Find(r.ID)
		require.True(t, found)
		assert.Equal(t, common.StatusCompleted, got.Status)
	})
}

func TestAccountsAreIsolated(t *testing.T) {
	sim, ex := newSim(t)
	ctx := context.Background()
	other, err := sim.ForUser(ctx, "u2")
	require.NoError(t, err)

	_, err = ex.MarketBuy(ctx, "BTC", d("1000"))
	require.NoError(t, err)
	assert.True(t, balance(t, other, "BTC").IsZero())
	assert.True(t, balance(t, other, "AUD").Equal(d("100000")))

	sim.Deposit("u2", "eth", d("3"))
	bals, err := other.GetBalances(ctx)
	require.NoError(t, err)
	require.Len(t, bals, 2)
	assert.Equal(t, "AUD", bals[0].Coin)
	assert.Equal(t, "ETH", bals[1].Coin)

	_, err = sim.ForUser(ctx, "")
	assert.True(t, common.IsKind(err, common.KindUnauthorized))
}

func TestResetRestoresInitialState(t *testing.T) {
	sim, ex := newSim(t)
	ctx := context.Background()
	_, err := ex.MarketBuy(ctx, "BTC", d("500"))
	require.NoError(t, err)

	sim.Reset()
	_, ok := sim.LatestPrice(ctx, "BTC")
	assert.False(t, ok)

	fresh, err := sim.ForUser(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, balance(t, fresh, "AUD").Equal(d("100000")))
	assert.True(t, balance(t, fresh, "BTC").IsZero())
}
