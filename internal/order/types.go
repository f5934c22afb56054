package order

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"execution-core/pkg/db"
)

var (
	// ErrInvalidIntent wraps every malformed submission.
	ErrInvalidIntent = errors.New("invalid order intent")
	// ErrNoPrice is returned when a validator admits an intent that has no
	// estimate, limit or feed price.
	ErrNoPrice = errors.New("no price available for risk estimate")
	// ErrNotCancellable is returned for orders with nothing open at the venue.
	ErrNotCancellable = errors.New("order is not cancellable")
)

// Intent is one trade proposal from a strategy or a user.
type Intent struct {
	UserID      string `json:"user_id"`
	AlgorithmID string `json:"algorithm_id,omitempty"`
	Symbol      string `json:"symbol"`
	Side        string `json:"side"`
	Type        string `json:"type"`
	// Quantity is always in coin, for buys and sells alike.
	Quantity       decimal.Decimal `json:"quantity"`
	EstimatedPrice decimal.Decimal `json:"estimated_price"`
	LimitPrice     decimal.Decimal `json:"limit_price"`
}

// normalize upper-cases the symbol and lower-cases side and type.
func (in Intent) normalize() Intent {
	in.Symbol = strings.ToUpper(strings.TrimSpace(in.Symbol))
	in.Side = strings.ToLower(strings.TrimSpace(in.Side))
	in.Type = strings.ToLower(strings.TrimSpace(in.Type))
	if in.Type == "" {
		in.Type = db.TypeMarket
	}
	return in
}

func (in Intent) validate() error {
	switch {
	case in.UserID == "":
		return fmt.Errorf("%w: user is required", ErrInvalidIntent)
	case in.Symbol == "":
		return fmt.Errorf("%w: symbol is required", ErrInvalidIntent)
	case in.Side != db.SideBuy && in.Side != db.SideSell:
		return fmt.Errorf("%w: side %q", ErrInvalidIntent, in.Side)
	case in.Type != db.TypeMarket && in.Type != db.TypeLimit:
		return fmt.Errorf("%w: type %q", ErrInvalidIntent, in.Type)
	case !in.Quantity.IsPositive():
		return fmt.Errorf("%w: quantity must be positive", ErrInvalidIntent)
	case in.Type == db.TypeLimit && !in.LimitPrice.IsPositive():
		return fmt.Errorf("%w: limit orders need a positive limit price", ErrInvalidIntent)
	case in.EstimatedPrice.IsNegative():
		return fmt.Errorf("%w: negative estimated price", ErrInvalidIntent)
	}
	return nil
}

func (in Intent) limitPrice() decimal.NullDecimal {
	if in.Type != db.TypeLimit {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(in.LimitPrice)
}

// Result is what the caller gets back from Submit or Cancel.
type Result struct {
	OrderID         string          `json:"order_id"`
	Status          string          `json:"status"`
	ExchangeOrderID string          `json:"exchange_order_id,omitempty"`
	FilledQuantity  decimal.Decimal `json:"filled_quantity"`
	AveragePrice    decimal.Decimal `json:"average_price"`
	Message         string          `json:"message,omitempty"`
	ChecksPassed    []string        `json:"checks_passed,omitempty"`
}

func resultFrom(o *db.Order) *Result {
	return &Result{
		OrderID:         o.ID,
		Status:          o.Status,
		ExchangeOrderID: o.ExchangeOrderID,
		FilledQuantity:  o.FilledQuantity,
		AveragePrice:    o.FilledPrice,
		Message:         o.ErrorMessage,
	}
}

// Filled reports whether the order fully executed.
func (r *Result) Filled() bool { return r != nil && r.Status == db.StatusFilled }
