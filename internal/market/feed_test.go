package market

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPricesLatestAndSnapshot(t *testing.T) {
	p := NewPrices()
	ctx := context.Background()

	_, ok := p.LatestPrice(ctx, "BTC")
	assert.False(t, ok)

	p.SetPrice("btc", decimal.NewFromInt(60000))
	p.SetPrice("ETH", decimal.Zero)

	price, ok := p.LatestPrice(ctx, "BTC")
	require.True(t, ok)
	assert.Equal(t, "60000", price.String())

	_, ok = p.LatestPrice(ctx, "ETH")
	assert.False(t, ok, "non-positive prices are treated as unknown")

	snap, err := p.Snapshot(ctx)
	require.NoError(t, err)
	assert.Contains(t, snap, "BTC")
}

func TestPricesMaxAge(t *testing.T) {
	p := NewPrices()
	p.MaxAge = time.Nanosecond
	p.SetPrice("BTC", decimal.NewFromInt(1))
	time.Sleep(time.Millisecond)

	_, ok := p.LatestPrice(context.Background(), "BTC")
	assert.False(t, ok)

	snap, err := p.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Empty(t, snap, "stale quotes are pruned")
}

type recordingSink struct {
	got map[string]decimal.Decimal
}

func (r *recordingSink) SetPrice(symbol string, price decimal.Decimal) { r.got[symbol] = price }

func TestFanoutAndMockFeed(t *testing.T) {
	a := &recordingSink{got: map[string]decimal.Decimal{}}
	b := NewPrices()
	feed := &MockFeed{
		Sink:     Fanout{a, b},
		Start:    map[string]decimal.Decimal{"BTC": decimal.NewFromInt(1000)},
		Interval: time.Millisecond,
		Seed:     7,
		Log:      zerolog.Nop(),
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	feed.Run(ctx)

	assert.Contains(t, a.got, "BTC")
	price, ok := b.LatestPrice(context.Background(), "BTC")
	require.True(t, ok)
	assert.True(t, price.IsPositive())
}
