package paper

import (
	"math/rand"

	"github.com/shopspring/decimal"

	"execution-core/pkg/exchanges/common"
)

var (
	levelStep = decimal.RequireFromString("0.0005")
	two       = decimal.NewFromInt(2)
	minVolume = 0.1
	maxVolume = 2.0
)

type level struct {
	price  decimal.Decimal
	volume decimal.Decimal
}

// book is a synthetic ladder around a mid price. Bids descend, asks ascend.
type book struct {
	mid  decimal.Decimal
	bids []level
	asks []level
}

func newBook(mid, spread decimal.Decimal, depth int, rng *rand.Rand) *book {
	half := mid.Mul(spread).Div(two)
	bestBid := mid.Sub(half)
	bestAsk := mid.Add(half)

	b := &book{mid: mid, bids: make([]level, 0, depth), asks: make([]level, 0, depth)}
	for i := 0; i < depth; i++ {
		offset := levelStep.Mul(decimal.NewFromInt(int64(i)))
		b.bids = append(b.bids, level{
			price:  bestBid.Mul(decimal.NewFromInt(1).Sub(offset)),
			volume: randomVolume(rng),
		})
		b.asks = append(b.asks, level{
			price:  bestAsk.Mul(decimal.NewFromInt(1).Add(offset)),
			volume: randomVolume(rng),
		})
	}
	return b
}

func randomVolume(rng *rand.Rand) decimal.Decimal {
	return decimal.NewFromFloat(minVolume + rng.Float64()*(maxVolume-minVolume)).Round(8)
}

// buy spends quote against the asks. It returns the coins bought and the
// levels touched; remaining is non-zero when the ladder ran dry.
func (b *book) buy(quote decimal.Decimal) (coins, remaining decimal.Decimal, fills []common.Fill) {
	remaining = quote
	coins = decimal.Zero
	for remaining.IsPositive() && len(b.asks) > 0 {
		lvl := &b.asks[0]
		cost := lvl.price.Mul(lvl.volume)
		if cost.LessThanOrEqual(remaining) {
			coins = coins.Add(lvl.volume)
			remaining = remaining.Sub(cost)
			fills = append(fills, common.Fill{Price: lvl.price, Quantity: lvl.volume})
			b.asks = b.asks[1:]
			continue
		}
		qty := remaining.Div(lvl.price)
		coins = coins.Add(qty)
		lvl.volume = lvl.volume.Sub(qty)
		fills = append(fills, common.Fill{Price: lvl.price, Quantity: qty})
		remaining = decimal.Zero
	}
	return coins, remaining, fills
}

// sell hits the bids with qty coins. It returns the quote received and the
// coins left unmatched when the ladder ran dry.
func (b *book) sell(qty decimal.Decimal) (quote, remaining decimal.Decimal, fills []common.Fill) {
	remaining = qty
	quote = decimal.Zero
	for remaining.IsPositive() && len(b.bids) > 0 {
		lvl := &b.bids[0]
		if lvl.volume.LessThanOrEqual(remaining) {
			quote = quote.Add(lvl.volume.Mul(lvl.price))
			remaining = remaining.Sub(lvl.volume)
			fills = append(fills, common.Fill{Price: lvl.price, Quantity: lvl.volume})
			b.bids = b.bids[1:]
			continue
		}
		quote = quote.Add(remaining.Mul(lvl.price))
		lvl.volume = lvl.volume.Sub(remaining)
		fills = append(fills, common.Fill{Price: lvl.price, Quantity: remaining})
		remaining = decimal.Zero
	}
	return quote, remaining, fills
}
