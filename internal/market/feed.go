// Package market exposes the pricing collaborator the core consumes.
package market

import (
	"context"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"execution-core/pkg/cache"
)

// PriceFeed answers latest_price(symbol). ok is false when no price is known.
type PriceFeed interface {
	LatestPrice(ctx context.Context, symbol string) (price decimal.Decimal, ok bool)
}

// Quote is one symbol's entry in a market snapshot.
type Quote struct {
	Last      decimal.Decimal `json:"last"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Snapshot maps symbol to its latest quote.
type Snapshot map[string]Quote

// SnapshotSource produces the market snapshot strategies decide on.
type SnapshotSource interface {
	Snapshot(ctx context.Context) (Snapshot, error)
}

// PriceSink receives externally sourced prices.
type PriceSink interface {
	SetPrice(symbol string, price decimal.Decimal)
}

// Prices is the in-process price table backing both interfaces.
type Prices struct {
	cache *cache.ShardedPriceCache
	// MaxAge hides prices older than this from readers; zero disables it.
	MaxAge time.Duration
}

// NewPrices creates an empty price table.
func NewPrices() *Prices {
	return &Prices{cache: cache.NewShardedPriceCache()}
}

// SetPrice implements PriceSink.
func (p *Prices) SetPrice(symbol string, price decimal.Decimal) {
	p.cache.Set(normalize(symbol), price)
}

// LatestPrice implements PriceFeed.
func (p *Prices) LatestPrice(_ context.Context, symbol string) (decimal.Decimal, bool) {
	e, ok := p.cache.Entry(normalize(symbol))
	if !ok || !e.Price.IsPositive() {
		return decimal.Zero, false
	}
	if p.MaxAge > 0 && time.Since(e.UpdatedAt) > p.MaxAge {
		return decimal.Zero, false
	}
	return e.Price, true
}

// Snapshot implements SnapshotSource.
func (p *Prices) Snapshot(_ context.Context) (Snapshot, error) {
	if p.MaxAge > 0 {
		p.cache.Cleanup(p.MaxAge)
	}
	out := make(Snapshot)
	for sym, e := range p.cache.All() {
		out[sym] = Quote{Last: e.Price, UpdatedAt: e.UpdatedAt}
	}
	return out, nil
}

// Fanout forwards each price to every sink.
type Fanout []PriceSink

// SetPrice implements PriceSink.
func (f Fanout) SetPrice(symbol string, price decimal.Decimal) {
	for _, s := range f {
		s.SetPrice(symbol, price)
	}
}

func normalize(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}
