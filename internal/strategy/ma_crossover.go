package strategy

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"execution-core/internal/indicators"
	"execution-core/internal/market"
	"execution-core/internal/order"
	"execution-core/pkg/db"
)

// TypeMACrossover is the registry key of MACrossover.
const TypeMACrossover = "ma_crossover"

const (
	signalBuy  = "buy"
	signalSell = "sell"
	signalHold = "hold"
)

// MACrossover buys a fixed quote amount when the short moving average crosses
// above the long one (golden cross) and sells a fixed coin quantity on the
// opposite cross (death cross). A signal never repeats back to back.
type MACrossover struct {
	symbol       string
	shortWindow  int
	longWindow   int
	buyAmount    decimal.Decimal
	sellQuantity decimal.Decimal

	prices     *indicators.Window
	shortMA    decimal.Decimal
	longMA     decimal.Decimal
	primed     bool
	lastSignal string
}

// NewMACrossover reads symbol (required), short_window (10), long_window
// (50), buy_amount (100 quote) and sell_quantity (0.1 coin).
func NewMACrossover(p Params) (Strategy, error) {
	symbol := strings.ToUpper(p.String("symbol", ""))
	if symbol == "" {
		return nil, fmt.Errorf("%s: symbol is required", TypeMACrossover)
	}
	short, err := p.Int("short_window", 10)
	if err != nil {
		return nil, err
	}
	long, err := p.Int("long_window", 50)
	if err != nil {
		return nil, err
	}
	if short <= 0 || long <= short {
		return nil, fmt.Errorf("%s: need 0 < short_window < long_window, got %d/%d", TypeMACrossover, short, long)
	}
	buyAmount, err := p.Decimal("buy_amount", decimal.NewFromInt(100))
	if err != nil {
		return nil, err
	}
	sellQty, err := p.Decimal("sell_quantity", decimal.RequireFromString("0.1"))
	if err != nil {
		return nil, err
	}
	if !buyAmount.IsPositive() || !sellQty.IsPositive() {
		return nil, fmt.Errorf("%s: buy_amount and sell_quantity must be positive", TypeMACrossover)
	}
	return &MACrossover{
		symbol:       symbol,
		shortWindow:  short,
		longWindow:   long,
		buyAmount:    buyAmount,
		sellQuantity: sellQty,
		prices:       indicators.NewWindow(long),
		lastSignal:   signalHold,
	}, nil
}

func (s *MACrossover) Name() string {
	return fmt.Sprintf("MA_Crossover_%s_%d_%d", s.symbol, s.shortWindow, s.longWindow)
}

// Decide feeds the symbol's last price into the window and reports a cross.
func (s *MACrossover) Decide(snapshot market.Snapshot) (*order.Intent, error) {
	quote, ok := snapshot[s.symbol]
	if !ok || !quote.Last.IsPositive() {
		return nil, nil
	}
	price := quote.Last
	s.prices.Push(price)
	if !s.prices.Full() {
		return nil, nil
	}

	prevShort, prevLong, wasPrimed := s.shortMA, s.longMA, s.primed
	s.shortMA, _ = indicators.SMA(s.prices.Values(), s.shortWindow)
	s.longMA, _ = indicators.SMA(s.prices.Values(), s.longWindow)
	s.primed = true
	if !wasPrimed {
		return nil, nil
	}

	var signal string
	switch {
	case prevShort.LessThanOrEqual(prevLong) && s.shortMA.GreaterThan(s.longMA):
		signal = signalBuy
	case prevShort.GreaterThanOrEqual(prevLong) && s.shortMA.LessThan(s.longMA):
		signal = signalSell
	default:
		return nil, nil
	}
	if signal == s.lastSignal {
		return nil, nil
	}
	s.lastSignal = signal

	if signal == signalBuy {
		return &order.Intent{
			Symbol:         s.symbol,
			Side:           db.SideBuy,
			Type:           db.TypeMarket,
			Quantity:       s.buyAmount.DivRound(price, 8),
			EstimatedPrice: price,
		}, nil
	}
	return &order.Intent{
		Symbol:         s.symbol,
		Side:           db.SideSell,
		Type:           db.TypeMarket,
		Quantity:       s.sellQuantity,
		EstimatedPrice: price,
	}, nil
}

type maCrossoverState struct {
	Prices     []decimal.Decimal `json:"prices"`
	ShortMA    decimal.Decimal   `json:"short_ma"`
	LongMA     decimal.Decimal   `json:"long_ma"`
	Primed     bool              `json:"primed"`
	LastSignal string            `json:"last_signal"`
}

func (s *MACrossover) State() (json.RawMessage, error) {
	return json.Marshal(maCrossoverState{
		Prices:     s.prices.Values(),
		ShortMA:    s.shortMA,
		LongMA:     s.longMA,
		Primed:     s.primed,
		LastSignal: s.lastSignal,
	})
}

func (s *MACrossover) Restore(data json.RawMessage) error {
	var st maCrossoverState
	if err := json.Unmarshal(data, &st); err != nil {
		return fmt.Errorf("restore %s: %w", s.Name(), err)
	}
	s.prices.Reset(st.Prices)
	s.shortMA = st.ShortMA
	s.longMA = st.LongMA
	s.primed = st.Primed && s.prices.Full()
	if st.LastSignal != "" {
		s.lastSignal = st.LastSignal
	}
	return nil
}
