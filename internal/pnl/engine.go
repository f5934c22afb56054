// Package pnl computes realized and unrealized profit and loss from the
// order ledger. Nothing here writes; every figure is derived on demand.
package pnl

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"execution-core/internal/market"
	"execution-core/pkg/db"
)

// Aggregation intervals for Historical.
const (
	IntervalHour  = "hour"
	IntervalDay   = "day"
	IntervalWeek  = "week"
	IntervalMonth = "month"
)

var ErrInvalidInterval = errors.New("invalid interval")

// Filter narrows a computation. Range applies to the closing sell; buys
// before the window still provide cost basis.
type Filter struct {
	Range
	AlgorithmID string
	Symbol      string
}

// Metrics is the performance summary of one walk.
type Metrics struct {
	RealizedPnL   decimal.Decimal `json:"realized_pnl"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	TotalPnL      decimal.Decimal `json:"total_pnl"`
	TotalTrades   int             `json:"total_trades"`
	WinningTrades int             `json:"winning_trades"`
	LosingTrades  int             `json:"losing_trades"`
	WinRate       decimal.Decimal `json:"win_rate"`
	ProfitFactor  decimal.Decimal `json:"profit_factor"`
	TotalProfit   decimal.Decimal `json:"total_profit"`
	TotalLoss     decimal.Decimal `json:"total_loss"`
	AverageWin    decimal.Decimal `json:"average_win"`
	AverageLoss   decimal.Decimal `json:"average_loss"`
	LargestWin    decimal.Decimal `json:"largest_win"`
	LargestLoss   decimal.Decimal `json:"largest_loss"`
	TotalVolume   decimal.Decimal `json:"total_volume"`
}

// Bucket is one Historical interval.
type Bucket struct {
	Start       time.Time       `json:"timestamp"`
	Interval    string          `json:"interval"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
	Trades      int             `json:"trades"`
}

// Engine reads filled orders and positions.
type Engine struct {
	db     *sqlx.DB
	prices market.PriceFeed
	log    zerolog.Logger
}

// NewEngine wires an engine. prices may be nil, in which case every
// position contributes zero unrealized P&L.
func NewEngine(database *sqlx.DB, prices market.PriceFeed, logger zerolog.Logger) *Engine {
	return &Engine{
		db:     database,
		prices: prices,
		log:    logger.With().Str("component", "pnl").Logger(),
	}
}

func (e *Engine) load(ctx context.Context, userID string, f Filter) (walk, error) {
	if userID == "" {
		return walk{}, db.ErrUserIDRequired
	}
	orders, err := db.ListOrders(ctx, e.db, db.OrderFilter{
		UserID:        userID,
		AlgorithmID:   f.AlgorithmID,
		Symbol:        f.Symbol,
		Statuses:      []string{db.StatusFilled},
		FilledTo:      f.End,
		OrderByFilled: true,
	})
	if err != nil {
		return walk{}, fmt.Errorf("load fills: %w", err)
	}
	return replay(orders, e.log), nil
}

// Realized returns FIFO realized P&L for sells filled inside f.Range.
func (e *Engine) Realized(ctx context.Context, userID string, f Filter) (decimal.Decimal, error) {
	w, err := e.load(ctx, userID, f)
	if err != nil {
		return decimal.Zero, err
	}
	total := decimal.Zero
	for _, c := range w.closings {
		if f.Contains(c.filledAt) {
			total = total.Add(c.pnl)
		}
	}
	return total, nil
}

// Unrealized values open positions at the latest price. An empty symbol
// covers every position. Positions without a price contribute zero.
func (e *Engine) Unrealized(ctx context.Context, userID, symbol string) (decimal.Decimal, error) {
	positions, err := db.ListPositions(ctx, e.db, userID)
	if err != nil {
		return decimal.Zero, err
	}
	total := decimal.Zero
	for _, p := range positions {
		if symbol != "" && p.Symbol != symbol {
			continue
		}
		if p.Quantity.IsZero() {
			continue
		}
		var (
			price decimal.Decimal
			ok    bool
		)
		if e.prices != nil {
			price, ok = e.prices.LatestPrice(ctx, p.Symbol)
		}
		if !ok {
			e.log.Warn().Str("user_id", userID).Str("symbol", p.Symbol).Msg("no price; unrealized P&L skipped")
			continue
		}
		total = total.Add(p.Quantity.Mul(price).Sub(p.TotalCost))
	}
	return total, nil
}

// Summary returns realized, unrealized and trade metrics for f.
func (e *Engine) Summary(ctx context.Context, userID string, f Filter) (*Metrics, error) {
	w, err := e.load(ctx, userID, f)
	if err != nil {
		return nil, err
	}
	m := summarize(w, f.Range)
	unrealized, err := e.Unrealized(ctx, userID, f.Symbol)
	if err != nil {
		return nil, err
	}
	m.UnrealizedPnL = unrealized
	m.TotalPnL = m.RealizedPnL.Add(unrealized)
	return m, nil
}

// ByAlgorithm returns realized metrics per algorithm. Each algorithm is
// matched only against its own buys.
func (e *Engine) ByAlgorithm(ctx context.Context, userID string, f Filter) (map[string]*Metrics, error) {
	ids, err := e.distinct(ctx, userID, f, func(o db.Order) string { return o.AlgorithmID })
	if err != nil {
		return nil, err
	}
	out := make(map[string]*Metrics, len(ids))
	for _, id := range ids {
		sub := f
		sub.AlgorithmID = id
		w, err := e.load(ctx, userID, sub)
		if err != nil {
			return nil, err
		}
		out[id] = summarize(w, f.Range)
	}
	return out, nil
}

// BySymbol returns realized and unrealized metrics per symbol.
func (e *Engine) BySymbol(ctx context.Context, userID string, f Filter) (map[string]*Metrics, error) {
	symbols, err := e.distinct(ctx, userID, f, func(o db.Order) string { return o.Symbol })
	if err != nil {
		return nil, err
	}
	out := make(map[string]*Metrics, len(symbols))
	for _, sym := range symbols {
		sub := f
		sub.Symbol = sym
		m, err := e.Summary(ctx, userID, sub)
		if err != nil {
			return nil, err
		}
		out[sym] = m
	}
	return out, nil
}

// Historical buckets realized P&L over [start, end] by interval. Months are
// calendar months.
func (e *Engine) Historical(ctx context.Context, userID string, start, end time.Time, interval string) ([]Bucket, error) {
	step, err := stepper(interval)
	if err != nil {
		return nil, err
	}
	start, end = start.UTC(), end.UTC()
	w, err := e.load(ctx, userID, Filter{Range: Range{End: &end}})
	if err != nil {
		return nil, err
	}

	var buckets []Bucket
	for cur := start; !cur.After(end); cur = step(cur) {
		next := step(cur)
		b := Bucket{Start: cur, Interval: interval, RealizedPnL: decimal.Zero}
		for _, c := range w.closings {
			if !c.filledAt.Before(cur) && c.filledAt.Before(next) {
				b.RealizedPnL = b.RealizedPnL.Add(c.pnl)
				b.Trades++
			}
		}
		buckets = append(buckets, b)
	}
	return buckets, nil
}

// OpenLots returns the FIFO lots still open for symbol after replaying
// every fill.
func (e *Engine) OpenLots(ctx context.Context, userID, symbol string) ([]Lot, error) {
	w, err := e.load(ctx, userID, Filter{Symbol: symbol})
	if err != nil {
		return nil, err
	}
	return w.lots[symbol], nil
}

func (e *Engine) distinct(ctx context.Context, userID string, f Filter, key func(db.Order) string) ([]string, error) {
	if userID == "" {
		return nil, db.ErrUserIDRequired
	}
	orders, err := db.ListOrders(ctx, e.db, db.OrderFilter{
		UserID:      userID,
		AlgorithmID: f.AlgorithmID,
		Symbol:      f.Symbol,
		Statuses:    []string{db.StatusFilled},
		FilledFrom:  f.Start,
		FilledTo:    f.End,
	})
	if err != nil {
		return nil, fmt.Errorf("load fills: %w", err)
	}
	seen := make(map[string]struct{})
	var out []string
	for _, o := range orders {
		k := key(o)
		if k == "" {
			continue
		}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	sort.Strings(out)
	return out, nil
}

func summarize(w walk, r Range) *Metrics {
	m := &Metrics{
		RealizedPnL:   decimal.Zero,
		UnrealizedPnL: decimal.Zero,
		TotalPnL:      decimal.Zero,
		WinRate:       decimal.Zero,
		ProfitFactor:  decimal.Zero,
		TotalProfit:   decimal.Zero,
		TotalLoss:     decimal.Zero,
		AverageWin:    decimal.Zero,
		AverageLoss:   decimal.Zero,
		LargestWin:    decimal.Zero,
		LargestLoss:   decimal.Zero,
		TotalVolume:   decimal.Zero,
	}
	for _, b := range w.buys {
		if r.Contains(*b.FilledAt) {
			m.TotalVolume = m.TotalVolume.Add(b.Notional())
		}
	}
	for _, c := range w.closings {
		if !r.Contains(c.filledAt) {
			continue
		}
		m.TotalTrades++
		m.RealizedPnL = m.RealizedPnL.Add(c.pnl)
		m.TotalVolume = m.TotalVolume.Add(c.notional)
		switch c.pnl.Sign() {
		case 1:
			m.WinningTrades++
			m.TotalProfit = m.TotalProfit.Add(c.pnl)
			m.LargestWin = decimal.Max(m.LargestWin, c.pnl)
		case -1:
			m.LosingTrades++
			m.TotalLoss = m.TotalLoss.Add(c.pnl)
			m.LargestLoss = decimal.Min(m.LargestLoss, c.pnl)
		}
	}
	m.TotalPnL = m.RealizedPnL
	if m.TotalTrades > 0 {
		m.WinRate = decimal.NewFromInt(int64(m.WinningTrades)).Div(decimal.NewFromInt(int64(m.TotalTrades)))
	}
	if !m.TotalLoss.IsZero() {
		m.ProfitFactor = m.TotalProfit.Div(m.TotalLoss.Abs())
	}
	if m.WinningTrades > 0 {
		m.AverageWin = m.TotalProfit.Div(decimal.NewFromInt(int64(m.WinningTrades)))
	}
	if m.LosingTrades > 0 {
		m.AverageLoss = m.TotalLoss.Abs().Div(decimal.NewFromInt(int64(m.LosingTrades)))
	}
	return m
}

func stepper(interval string) (func(time.Time) time.Time, error) {
	switch interval {
	case IntervalHour:
		return func(t time.Time) time.Time { return t.Add(time.Hour) }, nil
	case IntervalDay:
		return func(t time.Time) time.Time { return t.AddDate(0, 0, 1) }, nil
	case IntervalWeek:
		return func(t time.Time) time.Time { return t.AddDate(0, 0, 7) }, nil
	case IntervalMonth:
		return func(t time.Time) time.Time { return t.AddDate(0, 1, 0) }, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidInterval, interval)
	}
}
