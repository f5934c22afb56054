package market

import (
	"context"
	"math/rand"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// MockFeed random-walks prices for local paper trading.
type MockFeed struct {
	Sink     PriceSink
	Start    map[string]decimal.Decimal
	StepPct  float64
	Interval time.Duration
	Seed     int64
	Log      zerolog.Logger
}

// Run publishes the starting prices, then walks them until ctx ends.
func (m *MockFeed) Run(ctx context.Context) {
	if m.Sink == nil || len(m.Start) == 0 {
		m.Log.Warn().Msg("mock feed not configured; skipping")
		return
	}
	if m.StepPct <= 0 {
		m.StepPct = 0.002
	}
	if m.Interval <= 0 {
		m.Interval = time.Second
	}
	rng := rand.New(rand.NewSource(m.Seed))

	prices := make(map[string]decimal.Decimal, len(m.Start))
	for sym, p := range m.Start {
		prices[sym] = p
		m.Sink.SetPrice(sym, p)
	}

	t := time.NewTicker(m.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			for sym, p := range prices {
				move := decimal.NewFromFloat((rng.Float64()*2 - 1) * m.StepPct)
				next := p.Mul(decimal.NewFromInt(1).Add(move)).Round(8)
				if !next.IsPositive() {
					continue
				}
				prices[sym] = next
				m.Sink.SetPrice(sym, next)
			}
		}
	}
}
