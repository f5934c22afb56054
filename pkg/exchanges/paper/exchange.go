package paper

import (
	"context"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"execution-core/pkg/exchanges/common"
)

// Exchange is one user's view of the simulator.
type Exchange struct {
	sim    *Simulator
	userID string
}

var _ common.Exchange = (*Exchange)(nil)

func validAmount(amount decimal.Decimal, what string) error {
	if !amount.IsPositive() {
		return common.Errorf(common.KindVenue, "%s must be positive", what)
	}
	return nil
}

// MarketBuy spends amountQuote walking the asks.
func (e *Exchange) MarketBuy(_ context.Context, symbol string, amountQuote decimal.Decimal) (*common.OrderResult, error) {
	if err := validAmount(amountQuote, "amount"); err != nil {
		return nil, err
	}
	s := e.sim
	symbol = strings.ToUpper(symbol)

	s.mu.Lock()
	defer s.mu.Unlock()
	acc := s.accountLocked(e.userID)
	quote := s.cfg.QuoteCurrency
	if have := acc.balances[quote]; have.LessThan(amountQuote) {
		return nil, common.Errorf(common.KindInsufficientFunds, "insufficient funds: %s < %s", have, amountQuote)
	}

	coins, remaining, fills := s.bookLocked(symbol).buy(amountQuote)
	if remaining.IsPositive() {
		px := lastPrice(fills, s.midLocked(symbol))
		s.log.Warn().Str("symbol", symbol).Str("residual", remaining.String()).Msg("book exhausted; filling rest at last price")
		rest := remaining.Div(px)
		coins = coins.Add(rest)
		fills = append(fills, common.Fill{Price: px, Quantity: rest})
	}

	acc.balances[quote] = acc.balances[quote].Sub(amountQuote)
	acc.balances[symbol] = acc.balances[symbol].Add(coins)

	r := s.newResult(symbol, common.SideBuy, common.OrderTypeMarket)
	r.Status = common.StatusCompleted
	r.AmountCoin = coins
	r.TotalQuote = amountQuote
	r.Fills = fills
	if coins.IsPositive() {
		r.AvgRate = amountQuote.Div(coins)
	}
	acc.orders[r.ID] = &paperOrder{result: r}
	s.log.Info().Str("user_id", e.userID).Str("symbol", symbol).Str("spent", amountQuote.String()).Str("coins", coins.String()).Msg("paper market buy")
	return &r, nil
}

// MarketSell sells amountCoin walking the bids.
func (e *Exchange) MarketSell(_ context.Context, symbol string, amountCoin decimal.Decimal) (*common.OrderResult, error) {
	if err := validAmount(amountCoin, "amount"); err != nil {
		return nil, err
	}
	s := e.sim
	symbol = strings.ToUpper(symbol)

	s.mu.Lock()
	defer s.mu.Unlock()
	acc := s.accountLocked(e.userID)
	if have := acc.balances[symbol]; have.LessThan(amountCoin) {
		return nil, common.Errorf(common.KindInsufficientFunds, "insufficient %s: %s < %s", symbol, have, amountCoin)
	}

	received, remaining, fills := s.bookLocked(symbol).sell(amountCoin)
	if remaining.IsPositive() {
		px := lastPrice(fills, s.midLocked(symbol))
		s.log.Warn().Str("symbol", symbol).Str("residual", remaining.String()).Msg("book exhausted; filling rest at last price")
		received = received.Add(remaining.Mul(px))
		fills = append(fills, common.Fill{Price: px, Quantity: remaining})
	}

	quote := s.cfg.QuoteCurrency
	acc.balances[symbol] = acc.balances[symbol].Sub(amountCoin)
	acc.balances[quote] = acc.balances[quote].Add(received)

	r := s.newResult(symbol, common.SideSell, common.OrderTypeMarket)
	r.Status = common.StatusCompleted
	r.AmountCoin = amountCoin
	r.TotalQuote = received
	r.AvgRate = received.Div(amountCoin)
	r.Fills = fills
	acc.orders[r.ID] = &paperOrder{result: r}
	s.log.Info().Str("user_id", e.userID).Str("symbol", symbol).Str("coins", amountCoin.String()).Str("received", received.String()).Msg("paper market sell")
	return &r, nil
}

// LimitBuy holds amountQuote and fills at rate when the mid is at or below it.
func (e *Exchange) LimitBuy(_ context.Context, symbol string, amountQuote, rate decimal.Decimal) (*common.OrderResult, error) {
	if err := validAmount(amountQuote, "amount"); err != nil {
		return nil, err
	}
	if err := validAmount(rate, "rate"); err != nil {
		return nil, err
	}
	s := e.sim
	symbol = strings.ToUpper(symbol)

	s.mu.Lock()
	defer s.mu.Unlock()
	acc := s.accountLocked(e.userID)
	quote := s.cfg.QuoteCurrency
	if have := acc.balances[quote]; have.LessThan(amountQuote) {
		return nil, common.Errorf(common.KindInsufficientFunds, "insufficient funds: %s < %s", have, amountQuote)
	}
	acc.balances[quote] = acc.balances[quote].Sub(amountQuote)

	r := s.newResult(symbol, common.SideBuy, common.OrderTypeLimit)
	r.AmountCoin = amountQuote.Div(rate)
	r.AvgRate = rate
	r.TotalQuote = amountQuote
	r.Status = common.StatusOpen
	if s.midLocked(symbol).LessThanOrEqual(rate) {
		r.Status = common.StatusCompleted
		acc.balances[symbol] = acc.balances[symbol].Add(r.AmountCoin)
	}
	acc.orders[r.ID] = &paperOrder{result: r, held: amountQuote}
	return &r, nil
}

// LimitSell holds amountCoin and fills at rate when the mid is at or above it.
func (e *Exchange) LimitSell(_ context.Context, symbol string, amountCoin, rate decimal.Decimal) (*common.OrderResult, error) {
	if err := validAmount(amountCoin, "amount"); err != nil {
		return nil, err
	}
	if err := validAmount(rate, "rate"); err != nil {
		return nil, err
	}
	s := e.sim
	symbol = strings.ToUpper(symbol)

	s.mu.Lock()
	defer s.mu.Unlock()
	acc := s.accountLocked(e.userID)
	if have := acc.balances[symbol]; have.LessThan(amountCoin) {
		return nil, common.Errorf(common.KindInsufficientFunds, "insufficient %s: %s < %s", symbol, have, amountCoin)
	}
	acc.balances[symbol] = acc.balances[symbol].Sub(amountCoin)

	r := s.newResult(symbol, common.SideSell, common.OrderTypeLimit)
	r.AmountCoin = amountCoin
	r.AvgRate = rate
	r.TotalQuote = amountCoin.Mul(rate)
	r.Status = common.StatusOpen
	if s.midLocked(symbol).GreaterThanOrEqual(rate) {
		r.Status = common.StatusCompleted
		quote := s.cfg.QuoteCurrency
		acc.balances[quote] = acc.balances[quote].Add(r.TotalQuote)
	}
	acc.orders[r.ID] = &paperOrder{result: r, held: amountCoin}
	return &r, nil
}

// CancelBuy releases the quote held by an open buy.
func (e *Exchange) CancelBuy(_ context.Context, id string) error {
	return e.cancel(id, common.SideBuy)
}

// CancelSell releases the coins held by an open sell.
func (e *Exchange) CancelSell(_ context.Context, id string) error {
	return e.cancel(id, common.SideSell)
}

func (e *Exchange) cancel(id string, side common.Side) error {
	s := e.sim
	s.mu.Lock()
	defer s.mu.Unlock()
	acc := s.accountLocked(e.userID)
	o, ok := acc.orders[id]
	if !ok {
		return common.Errorf(common.KindNotFound, "order %s not found", id)
	}
	if o.result.Side != side || o.result.Status != common.StatusOpen {
		return common.Errorf(common.KindVenue, "not an open %s order", side)
	}
	o.result.Status = common.StatusCancelled
	if side == common.SideBuy {
		quote := s.cfg.QuoteCurrency
		acc.balances[quote] = acc.balances[quote].Add(o.held)
	} else {
		acc.balances[o.result.Symbol] = acc.balances[o.result.Symbol].Add(o.held)
	}
	return nil
}

// GetOrders lists open orders, optionally for one symbol.
func (e *Exchange) GetOrders(_ context.Context, symbol string) (*common.OrderLists, error) {
	return e.list(symbol, 0, func(st common.OrderStatus) bool { return st == common.StatusOpen }), nil
}

// GetOrderHistory lists closed orders newest first, at most limit of them.
func (e *Exchange) GetOrderHistory(_ context.Context, symbol string, limit int) (*common.OrderLists, error) {
	if limit <= 0 {
		limit = 100
	}
	return e.list(symbol, limit, func(st common.OrderStatus) bool { return st != common.StatusOpen }), nil
}

func (e *Exchange) list(symbol string, limit int, keep func(common.OrderStatus) bool) *common.OrderLists {
	s := e.sim
	symbol = strings.ToUpper(symbol)

	s.mu.Lock()
	acc := s.accountLocked(e.userID)
	matched := make([]common.OrderResult, 0, len(acc.orders))
	for _, o := range acc.orders {
		if !keep(o.result.Status) || (symbol != "" && o.result.Symbol != symbol) {
			continue
		}
		r := o.result
		r.Fills = append([]common.Fill(nil), o.result.Fills...)
		matched = append(matched, r)
	}
	s.mu.Unlock()

	sort.Slice(matched, func(i, j int) bool { return matched[i].Created.After(matched[j].Created) })
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	out := &common.OrderLists{BuyOrders: []common.OrderResult{}, SellOrders: []common.OrderResult{}}
	for _, r := range matched {
		if r.Side == common.SideBuy {
			out.BuyOrders = append(out.BuyOrders, r)
		} else {
			out.SellOrders = append(out.SellOrders, r)
		}
	}
	return out
}

// GetBalances returns every holding sorted by coin.
func (e *Exchange) GetBalances(_ context.Context) ([]common.Balance, error) {
	s := e.sim
	s.mu.Lock()
	defer s.mu.Unlock()
	acc := s.accountLocked(e.userID)
	return sortedBalances(acc.balances), nil
}

// GetBalance returns one coin's holding, zero when absent.
func (e *Exchange) GetBalance(_ context.Context, symbol string) (common.Balance, error) {
	s := e.sim
	symbol = strings.ToUpper(symbol)
	s.mu.Lock()
	defer s.mu.Unlock()
	acc := s.accountLocked(e.userID)
	return common.Balance{Coin: symbol, Balance: acc.balances[symbol]}, nil
}
