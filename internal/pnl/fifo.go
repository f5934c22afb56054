package pnl

import (
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"execution-core/pkg/db"
)

// Lot is the unmatched remainder of one filled buy.
type Lot struct {
	OrderID  string          `json:"order_id"`
	Quantity decimal.Decimal `json:"quantity"`
	Price    decimal.Decimal `json:"price"`
	FilledAt time.Time       `json:"filled_at"`
}

// closing is the realized outcome of one filled sell.
type closing struct {
	orderID     string
	symbol      string
	algorithmID string
	filledAt    time.Time
	pnl         decimal.Decimal
	notional    decimal.Decimal
}

// walk is the result of replaying a fill sequence through per-symbol lot queues.
type walk struct {
	closings []closing
	buys     []db.Order
	lots     map[string][]Lot
}

// sortByFill orders fills by filled_at ascending. Ties keep creation order
// so a buy and sell stamped in the same instant replay as they were placed.
func sortByFill(orders []db.Order) {
	sort.SliceStable(orders, func(i, j int) bool {
		a, b := orders[i].FilledAt, orders[j].FilledAt
		switch {
		case a == nil:
			return false
		case b == nil:
			return true
		case a.Equal(*b):
			return orders[i].CreatedAt.Before(orders[j].CreatedAt)
		default:
			return a.Before(*b)
		}
	})
}

// replay matches every sell against the oldest open buy lots of its symbol.
// Sells with nothing left to match are logged and skipped.
func replay(orders []db.Order, log zerolog.Logger) walk {
	sortByFill(orders)
	w := walk{lots: make(map[string][]Lot)}

	for _, o := range orders {
		if o.FilledAt == nil || o.FilledQuantity.Sign() <= 0 {
			continue
		}
		switch o.Side {
		case db.SideBuy:
			w.lots[o.Symbol] = append(w.lots[o.Symbol], Lot{
				OrderID:  o.ID,
				Quantity: o.FilledQuantity,
				Price:    o.FilledPrice,
				FilledAt: *o.FilledAt,
			})
			w.buys = append(w.buys, o)
		case db.SideSell:
			queue := w.lots[o.Symbol]
			if len(queue) == 0 {
				log.Warn().Str("order_id", o.ID).Str("symbol", o.Symbol).Msg("sell has no matching buy lots")
				continue
			}
			remaining := o.FilledQuantity
			realized := decimal.Zero
			for remaining.Sign() > 0 && len(queue) > 0 {
				head := &queue[0]
				match := decimal.Min(remaining, head.Quantity)
				realized = realized.Add(match.Mul(o.FilledPrice.Sub(head.Price)))
				remaining = remaining.Sub(match)
				head.Quantity = head.Quantity.Sub(match)
				if head.Quantity.Sign() <= 0 {
					queue = queue[1:]
				}
			}
			w.lots[o.Symbol] = queue
			if remaining.Sign() > 0 {
				log.Warn().
					Str("order_id", o.ID).
					Str("symbol", o.Symbol).
					Str("unmatched", remaining.String()).
					Msg("sell exceeds open lots; remainder ignored")
			}
			w.closings = append(w.closings, closing{
				orderID:     o.ID,
				symbol:      o.Symbol,
				algorithmID: o.AlgorithmID,
				filledAt:    *o.FilledAt,
				pnl:         realized,
				notional:    o.Notional(),
			})
		}
	}
	return w
}

// Range is an inclusive filled_at window. A nil bound is open.
type Range struct {
	Start *time.Time
	End   *time.Time
}

// Contains reports whether t falls inside the window.
func (r Range) Contains(t time.Time) bool {
	if r.Start != nil && t.Before(*r.Start) {
		return false
	}
	if r.End != nil && t.After(*r.End) {
		return false
	}
	return true
}
