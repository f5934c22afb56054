package safety

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"execution-core/internal/audit"
	"execution-core/internal/market"
	"execution-core/pkg/db"
)

// HardStopActor is recorded when the watcher trips the kill switch.
const HardStopActor = "system:hard_stop"

// EquitySource values the whole book in quote currency.
type EquitySource interface {
	Equity(ctx context.Context) (decimal.Decimal, error)
}

// PositionEquity marks every open position to the latest price,
// falling back to the average entry price when no quote exists.
type PositionEquity struct {
	DB     *sqlx.DB
	Prices market.PriceFeed
}

// Equity implements EquitySource.
func (p PositionEquity) Equity(ctx context.Context) (decimal.Decimal, error) {
	positions, err := db.ListAllPositions(ctx, p.DB)
	if err != nil {
		return decimal.Zero, err
	}
	total := decimal.Zero
	for _, pos := range positions {
		if !pos.Quantity.IsPositive() {
			continue
		}
		price := pos.AveragePrice
		if p.Prices != nil {
			if last, ok := p.Prices.LatestPrice(ctx, pos.Symbol); ok {
				price = last
			}
		}
		total = total.Add(pos.Quantity.Mul(price))
	}
	return total, nil
}

// HardStopWatcher activates the kill switch once equity drops below
// threshold times the initial equity.
type HardStopWatcher struct {
	registry  *Registry
	store     Store
	equity    EquitySource
	audit     audit.Recorder
	threshold decimal.Decimal
	interval  time.Duration
	log       zerolog.Logger
}

// NewHardStopWatcher creates a watcher. threshold is a fraction such as 0.95.
func NewHardStopWatcher(registry *Registry, store Store, equity EquitySource, recorder audit.Recorder, threshold decimal.Decimal, interval time.Duration, logger zerolog.Logger) *HardStopWatcher {
	if recorder == nil {
		recorder = audit.Nop{}
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if !threshold.IsPositive() {
		threshold = decimal.RequireFromString("0.95")
	}
	return &HardStopWatcher{
		registry:  registry,
		store:     store,
		equity:    equity,
		audit:     recorder,
		threshold: threshold,
		interval:  interval,
		log:       logger.With().Str("component", "hard_stop").Logger(),
	}
}

// Start checks on every tick until ctx is done.
func (w *HardStopWatcher) Start(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := w.Check(ctx); err != nil {
					w.log.Error().Err(err).Msg("hard stop check failed")
				}
			}
		}
	}()
}

// Check runs one evaluation and reports whether the kill switch was tripped.
func (w *HardStopWatcher) Check(ctx context.Context) (bool, error) {
	if w.registry.IsActive(ctx) {
		return false, nil
	}
	equity, err := w.equity.Equity(ctx)
	if err != nil {
		return false, fmt.Errorf("compute equity: %w", err)
	}

	initial, err := w.initialEquity(ctx)
	if err != nil {
		return false, err
	}
	if initial.IsZero() {
		if equity.IsPositive() {
			if err := w.store.Set(ctx, KeyInitialEquity, equity.String()); err != nil {
				return false, fmt.Errorf("store initial equity: %w", err)
			}
			w.log.Info().Str("equity", equity.String()).Msg("initial equity recorded")
		}
		return false, nil
	}

	floor := initial.Mul(w.threshold)
	if equity.GreaterThanOrEqual(floor) {
		return false, nil
	}

	drawdown := initial.Sub(equity).Div(initial)
	reason := fmt.Sprintf("equity %s fell below %s (%s of initial %s)",
		equity.StringFixed(2), floor.StringFixed(2), w.threshold.String(), initial.StringFixed(2))
	if err := w.registry.Activate(ctx, HardStopActor, reason); err != nil {
		return false, err
	}
	if err := w.audit.Record(ctx, audit.EventHardStopTriggered, audit.SeverityCritical, HardStopActor, map[string]any{
		"equity":         equity.String(),
		"initial_equity": initial.String(),
		"threshold":      w.threshold.String(),
		"drawdown":       drawdown.StringFixed(4),
	}); err != nil {
		w.log.Error().Err(err).Msg("hard stop audit failed")
	}
	w.log.Error().Str("equity", equity.String()).Str("initial", initial.String()).Msg("hard stop triggered")
	return true, nil
}

func (w *HardStopWatcher) initialEquity(ctx context.Context) (decimal.Decimal, error) {
	raw, ok, err := w.store.Get(ctx, KeyInitialEquity)
	if err != nil {
		return decimal.Zero, fmt.Errorf("read initial equity: %w", err)
	}
	if !ok || raw == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		w.log.Warn().Str("value", raw).Msg("invalid initial equity; resetting")
		return decimal.Zero, nil
	}
	return d, nil
}

// ResetInitialEquity forgets the baseline so the next check records a fresh one.
func (w *HardStopWatcher) ResetInitialEquity(ctx context.Context) error {
	return w.store.Set(ctx, KeyInitialEquity, "")
}
