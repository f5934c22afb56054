// Package reconciliation converges open ledger orders onto the state the
// venue reports for them.
package reconciliation

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"execution-core/internal/audit"
	"execution-core/internal/events"
	"execution-core/internal/ledger"
	"execution-core/internal/monitor"
	"execution-core/pkg/db"
	"execution-core/pkg/exchanges/common"
)

// Actor is the audit actor of reconciler entries.
const Actor = "system:reconciler"

// ReasonNotFound is recorded on orders the venue does not know.
const ReasonNotFound = "not found at venue"

// Locker serializes the reconciler with the executor per (user, symbol).
type Locker interface {
	LockPair(userID, symbol string) func()
}

// Config tunes a pass.
type Config struct {
	Interval time.Duration
	// MinAge skips orders younger than this; the executor may still own them.
	MinAge time.Duration
	// Grace is how long an order may be missing at the venue before it is closed.
	Grace        time.Duration
	HistoryLimit int
}

// DefaultConfig returns one-minute passes with a ten-minute grace period.
func DefaultConfig() Config {
	return Config{Interval: time.Minute, MinAge: 30 * time.Second, Grace: 10 * time.Minute, HistoryLimit: 200}
}

// Divergence is an order that exists locally but not at the venue.
type Divergence struct {
	OrderID         string `json:"order_id"`
	UserID          string `json:"user_id"`
	Symbol          string `json:"symbol"`
	ExchangeOrderID string `json:"exchange_order_id,omitempty"`
	Status          string `json:"status"`
	Closed          bool   `json:"closed"`
}

// Report summarizes one pass.
type Report struct {
	Timestamp   time.Time      `json:"timestamp"`
	Checked     int            `json:"checked"`
	Updated     map[string]int `json:"updated"`
	Divergences []Divergence   `json:"divergences,omitempty"`
	Errors      int            `json:"errors"`
}

// HasChanges reports whether the pass touched the ledger.
func (r *Report) HasChanges() bool {
	for _, n := range r.Updated {
		if n > 0 {
			return true
		}
	}
	return false
}

// Service runs reconciliation passes. It never creates orders and never
// retries venue calls beyond the adapter's own policy.
type Service struct {
	ledger   *ledger.Ledger
	provider common.Provider
	audit    audit.Recorder
	locker   Locker
	bus      *events.Bus
	metrics  *monitor.Metrics
	cfg      Config
	now      func() time.Time
	log      zerolog.Logger

	mu sync.Mutex
}

// Options carries the optional collaborators.
type Options struct {
	Audit   audit.Recorder
	Locker  Locker
	Bus     *events.Bus
	Metrics *monitor.Metrics
}

// NewService creates a reconciler.
func NewService(l *ledger.Ledger, provider common.Provider, cfg Config, opts Options, logger zerolog.Logger) *Service {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.MinAge < 0 {
		cfg.MinAge = 0
	}
	if cfg.Grace <= 0 {
		cfg.Grace = def.Grace
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = def.HistoryLimit
	}
	return &Service{
		ledger:   l,
		provider: provider,
		audit:    opts.Audit,
		locker:   opts.Locker,
		bus:      opts.Bus,
		metrics:  opts.Metrics,
		cfg:      cfg,
		now:      func() time.Time { return time.Now().UTC() },
		log:      logger.With().Str("component", "reconciler").Logger(),
	}
}

// Start runs passes every Interval until ctx ends.
func (s *Service) Start(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if _, err := s.Reconcile(ctx); err != nil && ctx.Err() == nil {
					s.log.Error().Err(err).Msg("reconciliation pass failed")
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	s.log.Info().Dur("interval", s.cfg.Interval).Dur("grace", s.cfg.Grace).Msg("reconciler started")
}

// Reconcile runs one pass over every open order older than MinAge.
func (s *Service) Reconcile(ctx context.Context) (*Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	report := &Report{Timestamp: now, Updated: make(map[string]int)}
	orders, err := s.ledger.OpenOrders(ctx, now.Add(-s.cfg.MinAge))
	if err != nil {
		return nil, err
	}

	venues := make(map[string]common.Exchange)
	for _, o := range orders {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		report.Checked++
		ex, ok := venues[o.UserID]
		if !ok {
			ex, err = s.provider.ForUser(ctx, o.UserID)
			if err != nil {
				s.log.Warn().Err(err).Str("user_id", o.UserID).Msg("no venue for user")
				report.Errors++
				continue
			}
			venues[o.UserID] = ex
		}
		if err := s.reconcileOrder(ctx, ex, o, report); err != nil {
			s.log.Warn().Err(err).Str("order_id", o.ID).Str("kind", string(common.KindOf(err))).Msg("order not reconciled")
			report.Errors++
		}
	}

	s.metrics.ReconcileRun(report.Updated)
	s.bus.Publish(events.EventReconciliation, report)
	ev := s.log.Debug()
	if report.HasChanges() || len(report.Divergences) > 0 {
		ev = s.log.Info()
	}
	ev.Int("checked", report.Checked).Interface("updated", report.Updated).
		Int("divergences", len(report.Divergences)).Int("errors", report.Errors).Msg("reconciliation pass")
	return report, nil
}

func (s *Service) reconcileOrder(ctx context.Context, ex common.Exchange, o db.Order, report *Report) error {
	if s.locker != nil {
		unlock := s.locker.LockPair(o.UserID, o.Symbol)
		defer unlock()
	}
	// Re-read under the pair lock; the executor may have moved it on.
	current, err := s.ledger.Get(ctx, o.ID)
	if err != nil {
		return err
	}
	if db.IsTerminal(current.Status) {
		return nil
	}

	var venue *common.OrderResult
	if current.ExchangeOrderID != "" {
		venue, err = s.lookup(ctx, ex, *current)
		if err != nil {
			return err
		}
	}
	if venue == nil {
		return s.missing(ctx, *current, report)
	}

	after, changed, err := s.ledger.Reconcile(ctx, current.ID, ledger.StateFromResult(*venue))
	if err != nil {
		return err
	}
	if changed {
		report.Updated[after.Status]++
		s.log.Info().Str("order_id", after.ID).Str("from", current.Status).Str("to", after.Status).
			Str("filled", after.FilledQuantity.String()).Msg("order reconciled")
	}
	return nil
}

// lookup searches open orders first, then history.
func (s *Service) lookup(ctx context.Context, ex common.Exchange, o db.Order) (*common.OrderResult, error) {
	open, err := ex.GetOrders(ctx, o.Symbol)
	if err != nil {
		return nil, err
	}
	if r, ok := open.Find(o.ExchangeOrderID); ok {
		return r, nil
	}
	history, err := ex.GetOrderHistory(ctx, o.Symbol, s.cfg.HistoryLimit)
	if err != nil {
		return nil, err
	}
	if r, ok := history.Find(o.ExchangeOrderID); ok {
		return r, nil
	}
	return nil, nil
}

// missing handles an order the venue does not report. Within the grace
// period it is left alone; after it the order is closed and audited.
func (s *Service) missing(ctx context.Context, o db.Order, report *Report) error {
	if s.now().Sub(o.CreatedAt) < s.cfg.Grace {
		return nil
	}
	div := Divergence{
		OrderID:         o.ID,
		UserID:          o.UserID,
		Symbol:          o.Symbol,
		ExchangeOrderID: o.ExchangeOrderID,
		Status:          o.Status,
	}

	var (
		after *db.Order
		err   error
	)
	// PARTIAL keeps its fills; it cannot become FAILED.
	if o.Status == db.StatusPartial {
		after, err = s.ledger.RecordCancelled(ctx, o.ID, ReasonNotFound)
	} else {
		after, err = s.ledger.RecordFailure(ctx, o.ID, ReasonNotFound)
	}
	if err != nil && !errors.Is(err, ledger.ErrInvalidTransition) {
		return err
	}
	if after != nil {
		div.Closed = true
		report.Updated[after.Status]++
	}
	report.Divergences = append(report.Divergences, div)

	severity := audit.SeverityWarning
	if o.ExchangeOrderID != "" {
		severity = audit.SeverityCritical
	}
	s.log.Error().Str("order_id", o.ID).Str("user_id", o.UserID).Str("exchange_order_id", o.ExchangeOrderID).
		Str("status", o.Status).Msg("order not found at venue")
	if s.audit != nil {
		if err := s.audit.Record(ctx, audit.EventReconcileDivergence, severity, Actor, map[string]any{
			"order_id":          o.ID,
			"user_id":           o.UserID,
			"symbol":            o.Symbol,
			"exchange_order_id": o.ExchangeOrderID,
			"previous_status":   o.Status,
			"reason":            ReasonNotFound,
		}); err != nil {
			s.log.Warn().Err(err).Str("order_id", o.ID).Msg("divergence audit failed")
		}
	}
	return nil
}
