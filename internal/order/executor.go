// Package order turns trade intents into validated, recorded venue orders.
package order

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"execution-core/internal/ledger"
	"execution-core/internal/market"
	"execution-core/internal/monitor"
	"execution-core/internal/risk"
	"execution-core/pkg/db"
	"execution-core/pkg/exchanges/common"
)

// Validator is the risk engine as the executor sees it.
type Validator interface {
	Validate(ctx context.Context, in risk.Intent) (*risk.Result, error)
}

// Executor validates, records and places orders. Submissions for the same
// (user, symbol) are serialized; different pairs run in parallel.
type Executor struct {
	risk     Validator
	ledger   *ledger.Ledger
	provider common.Provider
	prices   market.PriceFeed
	metrics  *monitor.Metrics
	log      zerolog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewExecutor wires an executor. prices and metrics may be nil.
func NewExecutor(validator Validator, l *ledger.Ledger, provider common.Provider, prices market.PriceFeed, metrics *monitor.Metrics, logger zerolog.Logger) *Executor {
	return &Executor{
		risk:     validator,
		ledger:   l,
		provider: provider,
		prices:   prices,
		metrics:  metrics,
		log:      logger.With().Str("component", "executor").Logger(),
		locks:    make(map[string]*sync.Mutex),
	}
}

// LockPair takes the (user, symbol) lock shared with Submit and Cancel and
// returns its release.
func (e *Executor) LockPair(userID, symbol string) func() {
	return e.lock(userID, symbol)
}

func (e *Executor) lock(userID, symbol string) func() {
	key := userID + "|" + symbol
	e.mu.Lock()
	m, ok := e.locks[key]
	if !ok {
		m = &sync.Mutex{}
		e.locks[key] = m
	}
	e.mu.Unlock()
	m.Lock()
	return m.Unlock
}

// Submit runs one intent through risk, the ledger and the venue. A refused or
// failed intent still returns a Result carrying the FAILED order alongside
// the error: a *risk.Violation for safety refusals, a *common.Error for
// venue and funds failures.
func (e *Executor) Submit(ctx context.Context, in Intent) (*Result, error) {
	in = in.normalize()
	if err := in.validate(); err != nil {
		return nil, err
	}
	start := time.Now()
	unlock := e.lock(in.UserID, in.Symbol)
	defer unlock()

	res, err := e.submit(ctx, in)
	status := db.StatusFailed
	if res != nil {
		status = res.Status
	}
	e.metrics.OrderFinished(in.Side, status, time.Since(start))
	return res, err
}

func (e *Executor) submit(ctx context.Context, in Intent) (*Result, error) {
	price := e.estimate(ctx, in)

	approval, err := e.risk.Validate(ctx, risk.Intent{
		UserID:         in.UserID,
		Symbol:         in.Symbol,
		Side:           in.Side,
		Quantity:       in.Quantity,
		EstimatedPrice: price,
		AlgorithmID:    in.AlgorithmID,
	})
	if err != nil {
		var v *risk.Violation
		if errors.As(err, &v) {
			e.metrics.RiskRejected(v.Check)
		}
		return e.reject(ctx, in, err.Error(), err)
	}
	if !price.IsPositive() {
		err := fmt.Errorf("%w: %s", ErrNoPrice, in.Symbol)
		return e.reject(ctx, in, err.Error(), err)
	}

	if in.Side == db.SideSell {
		pos, err := e.ledger.Position(ctx, in.UserID, in.Symbol)
		if err != nil {
			return nil, fmt.Errorf("read position: %w", err)
		}
		if pos.Quantity.LessThan(in.Quantity) {
			msg := fmt.Sprintf("Insufficient %s: holding %s, selling %s", in.Symbol, pos.Quantity, in.Quantity)
			return e.reject(ctx, in, msg, common.Errorf(common.KindInsufficientFunds, "%s", msg))
		}
	}

	row, err := e.ledger.LogAttempt(ctx, e.attempt(in))
	if err != nil {
		return nil, err
	}
	log := e.log.With().Str("order_id", row.ID).Str("user_id", in.UserID).Str("symbol", in.Symbol).Str("side", in.Side).Logger()

	ex, err := e.provider.ForUser(ctx, in.UserID)
	if err != nil {
		return e.fail(ctx, row.ID, err)
	}
	placed, err := place(ctx, ex, in, price)
	if err != nil {
		log.Warn().Err(err).Str("kind", string(common.KindOf(err))).Msg("venue rejected order")
		return e.fail(ctx, row.ID, err)
	}

	stored, err := e.apply(ctx, row.ID, placed)
	if err != nil {
		log.Error().Err(err).Str("exchange_order_id", placed.ID).Msg("order placed but ledger update failed")
		return nil, err
	}
	log.Info().Str("status", stored.Status).Str("exchange_order_id", stored.ExchangeOrderID).
		Str("filled", stored.FilledQuantity.String()).Str("price", stored.FilledPrice.String()).Msg("order executed")

	res := resultFrom(stored)
	res.ChecksPassed = approval.ChecksPassed
	return res, nil
}

// estimate picks the price risk is evaluated at: the caller's estimate, then
// the limit price, then the feed. Zero when none is known; risk refuses it.
func (e *Executor) estimate(ctx context.Context, in Intent) decimal.Decimal {
	if in.EstimatedPrice.IsPositive() {
		return in.EstimatedPrice
	}
	if in.Type == db.TypeLimit {
		return in.LimitPrice
	}
	if e.prices != nil {
		if p, ok := e.prices.LatestPrice(ctx, in.Symbol); ok && p.IsPositive() {
			return p
		}
	}
	return decimal.Zero
}

func (e *Executor) attempt(in Intent) ledger.Attempt {
	return ledger.Attempt{
		UserID:      in.UserID,
		AlgorithmID: in.AlgorithmID,
		Symbol:      in.Symbol,
		Side:        in.Side,
		OrderType:   in.Type,
		Quantity:    in.Quantity,
		LimitPrice:  in.limitPrice(),
	}
}

// reject records a refused intent as PENDING then FAILED and returns cause.
func (e *Executor) reject(ctx context.Context, in Intent, msg string, cause error) (*Result, error) {
	row, err := e.ledger.LogAttempt(ctx, e.attempt(in))
	if err != nil {
		return nil, errors.Join(cause, err)
	}
	stored, err := e.ledger.RecordFailure(ctx, row.ID, msg)
	if err != nil {
		return nil, errors.Join(cause, err)
	}
	return resultFrom(stored), cause
}

func (e *Executor) fail(ctx context.Context, orderID string, cause error) (*Result, error) {
	stored, err := e.ledger.RecordFailure(ctx, orderID, cause.Error())
	if err != nil {
		return nil, errors.Join(cause, err)
	}
	return resultFrom(stored), cause
}

// place calls the venue. Buys are sized in quote at the limit or estimated
// price; sells in coin.
func place(ctx context.Context, ex common.Exchange, in Intent, price decimal.Decimal) (*common.OrderResult, error) {
	switch {
	case in.Side == db.SideBuy && in.Type == db.TypeLimit:
		return ex.LimitBuy(ctx, in.Symbol, in.Quantity.Mul(in.LimitPrice), in.LimitPrice)
	case in.Side == db.SideBuy:
		return ex.MarketBuy(ctx, in.Symbol, in.Quantity.Mul(price))
	case in.Type == db.TypeLimit:
		return ex.LimitSell(ctx, in.Symbol, in.Quantity, in.LimitPrice)
	default:
		return ex.MarketSell(ctx, in.Symbol, in.Quantity)
	}
}

// apply translates the venue response into a ledger transition. Responses
// without a usable fill stay SUBMITTED for the reconciler.
func (e *Executor) apply(ctx context.Context, orderID string, placed *common.OrderResult) (*db.Order, error) {
	switch placed.Status {
	case common.StatusCompleted, common.StatusPartial:
		if placed.AmountCoin.IsPositive() && placed.AvgRate.IsPositive() {
			stored, _, err := e.ledger.Reconcile(ctx, orderID, ledger.StateFromResult(*placed))
			return stored, err
		}
	case common.StatusCancelled:
		stored, _, err := e.ledger.Reconcile(ctx, orderID, ledger.StateFromResult(*placed))
		return stored, err
	}
	return e.ledger.RecordSubmitted(ctx, orderID, placed.ID)
}

// Cancel cancels an open order owned by userID at the venue and records it.
func (e *Executor) Cancel(ctx context.Context, userID, orderID string) (*Result, error) {
	o, err := e.ledger.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.UserID != userID {
		return nil, ledger.ErrOrderNotFound
	}
	unlock := e.lock(o.UserID, o.Symbol)
	defer unlock()

	// Re-read under the pair lock.
	if o, err = e.ledger.Get(ctx, orderID); err != nil {
		return nil, err
	}
	if db.IsTerminal(o.Status) || o.ExchangeOrderID == "" {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotCancellable, o.ID, o.Status)
	}

	ex, err := e.provider.ForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if o.Side == db.SideBuy {
		err = ex.CancelBuy(ctx, o.ExchangeOrderID)
	} else {
		err = ex.CancelSell(ctx, o.ExchangeOrderID)
	}
	if err != nil {
		return nil, fmt.Errorf("cancel %s at venue: %w", o.ExchangeOrderID, err)
	}
	stored, err := e.ledger.RecordCancelled(ctx, o.ID, "cancelled by user")
	if err != nil {
		return nil, err
	}
	e.log.Info().Str("order_id", o.ID).Str("user_id", userID).Msg("order cancelled")
	return resultFrom(stored), nil
}
