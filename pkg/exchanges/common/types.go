package common

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Side denotes order side as the venue spells it.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// OrderType denotes the two supported order types.
type OrderType string

const (
	OrderTypeMarket OrderType = "market"
	OrderTypeLimit  OrderType = "limit"
)

// OrderStatus normalizes venue status into a small set.
type OrderStatus string

const (
	StatusCompleted OrderStatus = "completed"
	StatusOpen      OrderStatus = "open"
	StatusPartial   OrderStatus = "partial"
	StatusCancelled OrderStatus = "cancelled"
	StatusUnknown   OrderStatus = "unknown"
)

// NormalizeStatus maps venue spellings onto OrderStatus.
func NormalizeStatus(s string) OrderStatus {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "completed", "complete", "filled", "done":
		return StatusCompleted
	case "open", "new", "pending", "ok":
		return StatusOpen
	case "partial", "partially_filled", "partially filled":
		return StatusPartial
	case "cancelled", "canceled", "cancel":
		return StatusCancelled
	}
	return StatusUnknown
}

// Fill is one price level consumed by an order.
type Fill struct {
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
}

// OrderResult is the normalized venue view of one order. JSON keys follow the
// venue's own order listing so both implementations serialize identically.
type OrderResult struct {
	ID         string          `json:"id"`
	Status     OrderStatus     `json:"status"`
	Symbol     string          `json:"cointype"`
	AmountCoin decimal.Decimal `json:"amount"`
	AvgRate    decimal.Decimal `json:"rate"`
	TotalQuote decimal.Decimal `json:"total"`
	Market     string          `json:"market"`
	Side       Side            `json:"action"`
	Type       OrderType       `json:"type"`
	Created    time.Time       `json:"created"`
	Fills      []Fill          `json:"fills,omitempty"`
}

// Completed reports whether the order is fully executed.
func (r *OrderResult) Completed() bool { return r != nil && r.Status == StatusCompleted }

// OrderLists splits a listing by side.
type OrderLists struct {
	BuyOrders  []OrderResult `json:"buyorders"`
	SellOrders []OrderResult `json:"sellorders"`
}

// Find returns the order with id from either side.
func (l *OrderLists) Find(id string) (*OrderResult, bool) {
	if l == nil {
		return nil, false
	}
	for i := range l.BuyOrders {
		if l.BuyOrders[i].ID == id {
			return &l.BuyOrders[i], true
		}
	}
	for i := range l.SellOrders {
		if l.SellOrders[i].ID == id {
			return &l.SellOrders[i], true
		}
	}
	return nil, false
}

// Balance is one coin's holding.
type Balance struct {
	Coin    string          `json:"coin"`
	Balance decimal.Decimal `json:"balance"`
}

// MarketName formats the venue's market label, e.g. BTC/AUD.
func MarketName(symbol, quote string) string {
	return strings.ToUpper(symbol) + "/" + strings.ToUpper(quote)
}
