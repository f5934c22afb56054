// Package paper simulates a venue in memory. Accounts are per user; order
// books are shared and stand in for external liquidity.
package paper

import (
	"context"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"execution-core/pkg/exchanges/common"
)

// Config tunes the simulator.
type Config struct {
	QuoteCurrency  string
	InitialBalance decimal.Decimal
	Spread         decimal.Decimal
	Depth          int
	Seed           int64
	// DefaultPrice seeds a book for symbols no price was ever set for.
	DefaultPrice decimal.Decimal
	// SweepOnPrice fills crossing OPEN limit orders on every SetPrice.
	// When false, limits are only checked on submission.
	SweepOnPrice bool
}

// DefaultConfig mirrors the venue defaults: AUD quote, 0.1% spread, 10 levels.
func DefaultConfig() Config {
	return Config{
		QuoteCurrency:  "AUD",
		InitialBalance: decimal.NewFromInt(100000),
		Spread:         decimal.RequireFromString("0.001"),
		Depth:          10,
		Seed:           42,
		DefaultPrice:   decimal.NewFromInt(1000),
	}
}

type paperOrder struct {
	result common.OrderResult
	// held is what was debited on submission: quote for buys, coins for sells.
	held decimal.Decimal
}

type account struct {
	balances map[string]decimal.Decimal
	orders   map[string]*paperOrder
}

// Simulator owns every account and book. One mutex guards all of it; calls
// never block on I/O.
type Simulator struct {
	cfg Config
	log zerolog.Logger
	now func() time.Time

	mu       sync.Mutex
	rng      *rand.Rand
	prices   map[string]decimal.Decimal
	books    map[string]*book
	accounts map[string]*account
}

// NewSimulator builds a simulator. Zero config fields take DefaultConfig values.
func NewSimulator(cfg Config, logger zerolog.Logger) *Simulator {
	def := DefaultConfig()
	if cfg.QuoteCurrency == "" {
		cfg.QuoteCurrency = def.QuoteCurrency
	}
	if cfg.InitialBalance.IsZero() {
		cfg.InitialBalance = def.InitialBalance
	}
	if cfg.Spread.IsZero() {
		cfg.Spread = def.Spread
	}
	if cfg.Depth <= 0 {
		cfg.Depth = def.Depth
	}
	if cfg.DefaultPrice.IsZero() {
		cfg.DefaultPrice = def.DefaultPrice
	}
	cfg.QuoteCurrency = strings.ToUpper(cfg.QuoteCurrency)
	return &Simulator{
		cfg:      cfg,
		log:      logger.With().Str("component", "paper").Logger(),
		now:      func() time.Time { return time.Now().UTC() },
		rng:      rand.New(rand.NewSource(cfg.Seed)),
		prices:   make(map[string]decimal.Decimal),
		books:    make(map[string]*book),
		accounts: make(map[string]*account),
	}
}

// SetPrice records a new mid and regenerates the symbol's book.
func (s *Simulator) SetPrice(symbol string, mid decimal.Decimal) {
	if !mid.IsPositive() {
		return
	}
	symbol = strings.ToUpper(symbol)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.prices[symbol] = mid
	s.books[symbol] = newBook(mid, s.cfg.Spread, s.cfg.Depth, s.rng)
	if s.cfg.SweepOnPrice {
		s.sweepLocked(symbol, mid)
	}
}

// LatestPrice returns the last mid set for symbol.
func (s *Simulator) LatestPrice(_ context.Context, symbol string) (decimal.Decimal, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.prices[strings.ToUpper(symbol)]
	return p, ok
}

// ForUser returns the exchange view of one user's account, creating the
// account with the initial quote balance on first use.
func (s *Simulator) ForUser(_ context.Context, userID string) (common.Exchange, error) {
	if userID == "" {
		return nil, common.Errorf(common.KindUnauthorized, "user id required")
	}
	s.mu.Lock()
	s.accountLocked(userID)
	s.mu.Unlock()
	return &Exchange{sim: s, userID: userID}, nil
}

// Reset drops every account, price and book and reseeds the generator.
func (s *Simulator) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rng = rand.New(rand.NewSource(s.cfg.Seed))
	s.prices = make(map[string]decimal.Decimal)
	s.books = make(map[string]*book)
	s.accounts = make(map[string]*account)
	s.log.Info().Msg("paper exchange reset")
}

// Deposit credits coin to a user's account.
func (s *Simulator) Deposit(userID, coin string, amount decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acc := s.accountLocked(userID)
	coin = strings.ToUpper(coin)
	acc.balances[coin] = acc.balances[coin].Add(amount)
}

func (s *Simulator) accountLocked(userID string) *account {
	acc, ok := s.accounts[userID]
	if !ok {
		acc = &account{
			balances: map[string]decimal.Decimal{s.cfg.QuoteCurrency: s.cfg.InitialBalance},
			orders:   make(map[string]*paperOrder),
		}
		s.accounts[userID] = acc
	}
	return acc
}

func (s *Simulator) bookLocked(symbol string) *book {
	b, ok := s.books[symbol]
	if !ok {
		mid, ok := s.prices[symbol]
		if !ok {
			mid = s.cfg.DefaultPrice
		}
		b = newBook(mid, s.cfg.Spread, s.cfg.Depth, s.rng)
		s.books[symbol] = b
	}
	return b
}

func (s *Simulator) midLocked(symbol string) decimal.Decimal {
	if p, ok := s.prices[symbol]; ok {
		return p
	}
	return s.cfg.DefaultPrice
}

// sweepLocked fills every OPEN limit order on symbol that mid now crosses.
func (s *Simulator) sweepLocked(symbol string, mid decimal.Decimal) {
	for userID, acc := range s.accounts {
		for _, o := range acc.orders {
			r := &o.result
			if r.Symbol != symbol || r.Status != common.StatusOpen {
				continue
			}
			switch {
			case r.Side == common.SideBuy && mid.LessThanOrEqual(r.AvgRate):
				acc.balances[symbol] = acc.balances[symbol].Add(r.AmountCoin)
			case r.Side == common.SideSell && mid.GreaterThanOrEqual(r.AvgRate):
				acc.balances[s.cfg.QuoteCurrency] = acc.balances[s.cfg.QuoteCurrency].Add(r.TotalQuote)
			default:
				continue
			}
			r.Status = common.StatusCompleted
			s.log.Info().Str("user_id", userID).Str("order_id", r.ID).Str("symbol", symbol).Msg("limit order crossed")
		}
	}
}

func (s *Simulator) newResult(symbol string, side common.Side, typ common.OrderType) common.OrderResult {
	return common.OrderResult{
		ID:      uuid.NewString(),
		Symbol:  symbol,
		Market:  common.MarketName(symbol, s.cfg.QuoteCurrency),
		Side:    side,
		Type:    typ,
		Created: s.now(),
	}
}

func lastPrice(fills []common.Fill, fallback decimal.Decimal) decimal.Decimal {
	if len(fills) == 0 {
		return fallback
	}
	return fills[len(fills)-1].Price
}

func sortedBalances(balances map[string]decimal.Decimal) []common.Balance {
	out := make([]common.Balance, 0, len(balances))
	for coin, amount := range balances {
		out = append(out, common.Balance{Coin: coin, Balance: amount})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Coin < out[j].Coin })
	return out
}
