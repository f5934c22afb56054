// Package ledger records every trade intent and its lifecycle, keeping
// positions consistent with filled orders.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"execution-core/internal/events"
	"execution-core/pkg/db"
	"execution-core/pkg/exchanges/common"
)

// MaxErrorLength bounds stored error messages.
const MaxErrorLength = 500

var ErrOrderNotFound = errors.New("order not found")

// Attempt describes an intent about to be recorded.
type Attempt struct {
	UserID      string
	AlgorithmID string
	Symbol      string
	Side        string
	OrderType   string
	Quantity    decimal.Decimal
	LimitPrice  decimal.NullDecimal
}

// Ledger owns the orders and positions tables.
type Ledger struct {
	db  *db.Database
	bus *events.Bus
	log zerolog.Logger
	now func() time.Time
}

// New creates a ledger. bus may be nil.
func New(database *db.Database, bus *events.Bus, logger zerolog.Logger) *Ledger {
	return &Ledger{
		db:  database,
		bus: bus,
		log: logger.With().Str("component", "ledger").Logger(),
		now: func() time.Time { return time.Now().UTC() },
	}
}

// LogAttempt inserts the PENDING row.
func (l *Ledger) LogAttempt(ctx context.Context, a Attempt) (*db.Order, error) {
	if a.OrderType == "" {
		a.OrderType = db.TypeMarket
	}
	now := l.now()
	o := db.Order{
		ID:             uuid.NewString(),
		UserID:         a.UserID,
		AlgorithmID:    a.AlgorithmID,
		Symbol:         strings.ToUpper(a.Symbol),
		Side:           a.Side,
		OrderType:      a.OrderType,
		Quantity:       a.Quantity,
		LimitPrice:     a.LimitPrice,
		FilledQuantity: decimal.Zero,
		FilledPrice:    decimal.Zero,
		Status:         db.StatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := db.InsertOrder(ctx, l.db.DB, o); err != nil {
		return nil, err
	}
	l.log.Info().Str("order_id", o.ID).Str("user_id", o.UserID).Str("symbol", o.Symbol).
		Str("side", o.Side).Str("quantity", o.Quantity.String()).Msg("trade attempt recorded")
	l.bus.Publish(events.EventOrderUpdate, o)
	return &o, nil
}

// RecordSubmitted marks the order accepted by the venue.
func (l *Ledger) RecordSubmitted(ctx context.Context, orderID, exchangeOrderID string) (*db.Order, error) {
	return l.transition(ctx, orderID, func(o *db.Order) (bool, error) {
		if o.Status == db.StatusSubmitted || db.IsTerminal(o.Status) || o.Status == db.StatusPartial {
			return widenExchangeID(o, exchangeOrderID), nil
		}
		if err := checkTransition(o.Status, db.StatusSubmitted); err != nil {
			return false, err
		}
		o.Status = db.StatusSubmitted
		widenExchangeID(o, exchangeOrderID)
		return true, nil
	}, nil)
}

// RecordSuccess marks the order FILLED and updates the position in the same
// transaction. filledQty and price are the cumulative fill.
func (l *Ledger) RecordSuccess(ctx context.Context, orderID, exchangeOrderID string, filledQty, price decimal.Decimal) (*db.Order, error) {
	return l.fill(ctx, orderID, exchangeOrderID, db.StatusFilled, filledQty, price)
}

// RecordPartialFill marks the order PARTIAL with the cumulative fill so far.
func (l *Ledger) RecordPartialFill(ctx context.Context, orderID, exchangeOrderID string, filledQty, price decimal.Decimal) (*db.Order, error) {
	return l.fill(ctx, orderID, exchangeOrderID, db.StatusPartial, filledQty, price)
}

// RecordFailure marks the order FAILED with a truncated reason.
func (l *Ledger) RecordFailure(ctx context.Context, orderID, message string) (*db.Order, error) {
	return l.transition(ctx, orderID, func(o *db.Order) (bool, error) {
		if o.Status == db.StatusFailed {
			return false, nil
		}
		if err := checkTransition(o.Status, db.StatusFailed); err != nil {
			return false, err
		}
		o.Status = db.StatusFailed
		o.ErrorMessage = common.Truncate(message, MaxErrorLength)
		return true, nil
	}, nil)
}

// RecordCancelled marks the order CANCELLED, keeping any partial fill.
func (l *Ledger) RecordCancelled(ctx context.Context, orderID, reason string) (*db.Order, error) {
	return l.transition(ctx, orderID, func(o *db.Order) (bool, error) {
		if o.Status == db.StatusCancelled {
			return false, nil
		}
		if err := checkTransition(o.Status, db.StatusCancelled); err != nil {
			return false, err
		}
		o.Status = db.StatusCancelled
		if reason != "" {
			o.ErrorMessage = common.Truncate(reason, MaxErrorLength)
		}
		return true, nil
	}, nil)
}

func (l *Ledger) fill(ctx context.Context, orderID, exchangeOrderID, status string, filledQty, price decimal.Decimal) (*db.Order, error) {
	return l.transition(ctx, orderID, func(o *db.Order) (bool, error) {
		if filledQty.IsNegative() || price.IsNegative() {
			return false, fmt.Errorf("negative fill for order %s", o.ID)
		}
		if db.IsTerminal(o.Status) {
			if o.Status == status && filledQty.Equal(o.FilledQuantity) {
				return widenExchangeID(o, exchangeOrderID), nil
			}
			return false, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, o.Status, status)
		}
		if err := checkTransition(o.Status, status); err != nil {
			return false, err
		}
		if filledQty.LessThan(o.FilledQuantity) {
			return false, fmt.Errorf("%w: fill %s below recorded %s", ErrInvalidTransition, filledQty, o.FilledQuantity)
		}
		if o.Status == status && filledQty.Equal(o.FilledQuantity) && price.Equal(o.FilledPrice) {
			return widenExchangeID(o, exchangeOrderID), nil
		}
		if filledQty.GreaterThan(o.Quantity) {
			l.log.Warn().Str("order_id", o.ID).Str("requested", o.Quantity.String()).
				Str("filled", filledQty.String()).Msg("venue filled more than requested; widening requested quantity")
			o.Quantity = filledQty
		}
		o.Status = status
		o.FilledQuantity = filledQty
		o.FilledPrice = price
		widenExchangeID(o, exchangeOrderID)
		if status == db.StatusFilled {
			at := l.now()
			o.FilledAt = &at
		}
		return true, nil
	}, l.updatePosition)
}

// transition loads, mutates and saves one order inside a transaction.
// mutate reports whether anything changed; an unchanged order is not written.
func (l *Ledger) transition(ctx context.Context, orderID string, mutate func(o *db.Order) (bool, error), after func(ctx context.Context, tx *sqlx.Tx, before, after db.Order) error) (*db.Order, error) {
	var (
		result  db.Order
		changed bool
	)
	err := l.db.InTx(ctx, func(tx *sqlx.Tx) error {
		o, err := db.GetOrder(ctx, tx, orderID)
		if errors.Is(err, db.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
		}
		if err != nil {
			return err
		}
		before := *o
		changed, err = mutate(o)
		if err != nil {
			return err
		}
		result = *o
		if !changed {
			return nil
		}
		o.UpdatedAt = l.now()
		result = *o
		if err := db.UpdateOrder(ctx, tx, *o); err != nil {
			return err
		}
		if after != nil {
			return after(ctx, tx, before, *o)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if changed {
		l.log.Info().Str("order_id", result.ID).Str("status", result.Status).
			Str("filled_quantity", result.FilledQuantity.String()).Str("filled_price", result.FilledPrice.String()).
			Msg("order updated")
		l.bus.Publish(events.EventOrderUpdate, result)
	}
	return &result, nil
}

func (l *Ledger) updatePosition(ctx context.Context, tx *sqlx.Tx, before, after db.Order) error {
	qty, price := fillIncrement(before.FilledQuantity, before.FilledPrice, after.FilledQuantity, after.FilledPrice)
	if !qty.IsPositive() {
		return nil
	}
	pos, err := db.GetPosition(ctx, tx, after.UserID, after.Symbol)
	if err != nil {
		return err
	}
	pos = applyFill(pos, after.Side, qty, price, l.now(), l.log)
	return db.UpsertPosition(ctx, tx, pos)
}

func widenExchangeID(o *db.Order, id string) bool {
	if id == "" || o.ExchangeOrderID == id {
		return false
	}
	if o.ExchangeOrderID == "" {
		o.ExchangeOrderID = id
		return true
	}
	return false
}
