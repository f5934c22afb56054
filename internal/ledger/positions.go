package ledger

import (
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"execution-core/pkg/db"
)

// applyFill folds one fill increment into a position. Buys re-weight the
// average price; sells release cost at the unchanged average.
func applyFill(p db.Position, side string, qty, price decimal.Decimal, now time.Time, log zerolog.Logger) db.Position {
	if !qty.IsPositive() {
		return p
	}
	switch side {
	case db.SideBuy:
		newQty := p.Quantity.Add(qty)
		newAvg := p.Quantity.Mul(p.AveragePrice).Add(qty.Mul(price)).Div(newQty)
		p.Quantity = newQty
		p.AveragePrice = newAvg
		p.TotalCost = newQty.Mul(newAvg)
	case db.SideSell:
		if qty.GreaterThan(p.Quantity) {
			log.Error().Str("user_id", p.UserID).Str("symbol", p.Symbol).
				Str("held", p.Quantity.String()).Str("sold", qty.String()).
				Msg("sell exceeds position; clamping to zero")
			qty = p.Quantity
		}
		p.Quantity = p.Quantity.Sub(qty)
		p.TotalCost = p.TotalCost.Sub(p.AveragePrice.Mul(qty))
		if p.Quantity.IsZero() {
			p.TotalCost = decimal.Zero
		}
	}
	p.UpdatedAt = now
	return p
}

// fillIncrement returns the quantity and price of the part of a fill not yet
// applied, given the previous and new cumulative fill.
func fillIncrement(oldQty, oldPrice, newQty, newPrice decimal.Decimal) (decimal.Decimal, decimal.Decimal) {
	delta := newQty.Sub(oldQty)
	if !delta.IsPositive() {
		return decimal.Zero, decimal.Zero
	}
	if oldQty.IsZero() {
		return delta, newPrice
	}
	notional := newQty.Mul(newPrice).Sub(oldQty.Mul(oldPrice))
	return delta, notional.Div(delta)
}
