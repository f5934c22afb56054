package ledger

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"execution-core/pkg/db"
	"execution-core/pkg/exchanges/common"
)

// VenueState is the authoritative view of one order at the venue.
type VenueState struct {
	ExchangeOrderID string
	Status          common.OrderStatus
	FilledQuantity  decimal.Decimal
	Price           decimal.Decimal
}

// StateFromResult normalizes a venue order into VenueState.
func StateFromResult(r common.OrderResult) VenueState {
	return VenueState{
		ExchangeOrderID: r.ID,
		Status:          r.Status,
		FilledQuantity:  r.AmountCoin,
		Price:           r.AvgRate,
	}
}

// Reconcile converges the local order onto the venue state. Applying the
// same state twice leaves the ledger unchanged; terminal orders only gain
// missing informational fields.
func (l *Ledger) Reconcile(ctx context.Context, orderID string, vs VenueState) (*db.Order, bool, error) {
	before, err := l.Get(ctx, orderID)
	if err != nil {
		return nil, false, err
	}
	if db.IsTerminal(before.Status) {
		after, err := l.RecordSubmitted(ctx, orderID, vs.ExchangeOrderID)
		if err != nil {
			return nil, false, err
		}
		if vs.Status == common.StatusCompleted && before.Status == db.StatusFilled && !vs.FilledQuantity.Equal(before.FilledQuantity) {
			l.log.Error().Str("order_id", orderID).Str("local", before.FilledQuantity.String()).
				Str("venue", vs.FilledQuantity.String()).Msg("filled quantity diverges from venue")
		}
		return after, after.ExchangeOrderID != before.ExchangeOrderID, nil
	}

	var after *db.Order
	switch vs.Status {
	case common.StatusCompleted:
		after, err = l.RecordSuccess(ctx, orderID, vs.ExchangeOrderID, vs.FilledQuantity, vs.Price)
	case common.StatusPartial:
		if vs.FilledQuantity.IsPositive() {
			after, err = l.RecordPartialFill(ctx, orderID, vs.ExchangeOrderID, vs.FilledQuantity, vs.Price)
		} else {
			after, err = l.RecordSubmitted(ctx, orderID, vs.ExchangeOrderID)
		}
	case common.StatusCancelled:
		if vs.FilledQuantity.GreaterThan(before.FilledQuantity) {
			if _, err = l.RecordPartialFill(ctx, orderID, vs.ExchangeOrderID, vs.FilledQuantity, vs.Price); err != nil {
				return nil, false, err
			}
		}
		after, err = l.RecordCancelled(ctx, orderID, "cancelled at venue")
	case common.StatusOpen:
		after, err = l.RecordSubmitted(ctx, orderID, vs.ExchangeOrderID)
	default:
		return before, false, fmt.Errorf("unknown venue status %q for order %s", vs.Status, orderID)
	}
	if err != nil {
		return nil, false, err
	}
	return after, orderChanged(*before, *after), nil
}

func orderChanged(a, b db.Order) bool {
	return a.Status != b.Status ||
		!a.FilledQuantity.Equal(b.FilledQuantity) ||
		!a.FilledPrice.Equal(b.FilledPrice) ||
		a.ExchangeOrderID != b.ExchangeOrderID
}
