package common

import (
	"context"

	"github.com/shopspring/decimal"
)

// Exchange abstracts a trading venue. Buys are sized in quote currency,
// sells in coin.
type Exchange interface {
	MarketBuy(ctx context.Context, symbol string, amountQuote decimal.Decimal) (*OrderResult, error)
	MarketSell(ctx context.Context, symbol string, amountCoin decimal.Decimal) (*OrderResult, error)
	LimitBuy(ctx context.Context, symbol string, amountQuote, rate decimal.Decimal) (*OrderResult, error)
	LimitSell(ctx context.Context, symbol string, amountCoin, rate decimal.Decimal) (*OrderResult, error)
	CancelBuy(ctx context.Context, id string) error
	CancelSell(ctx context.Context, id string) error
	GetOrders(ctx context.Context, symbol string) (*OrderLists, error)
	GetOrderHistory(ctx context.Context, symbol string, limit int) (*OrderLists, error)
	GetBalances(ctx context.Context) ([]Balance, error)
	GetBalance(ctx context.Context, symbol string) (Balance, error)
}

// Provider hands out the exchange bound to one user's account.
type Provider interface {
	ForUser(ctx context.Context, userID string) (Exchange, error)
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context, userID string) (Exchange, error)

// ForUser implements Provider.
func (f ProviderFunc) ForUser(ctx context.Context, userID string) (Exchange, error) {
	return f(ctx, userID)
}
