// Package risk admits or refuses trade intents before they reach a venue.
package risk

import (
	"context"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"execution-core/internal/audit"
	"execution-core/internal/safety"
	"execution-core/pkg/db"
)

// CheckInfrastructure names refusals caused by an unreadable dependency.
const CheckInfrastructure = "infrastructure"

// Engine evaluates intents against static limits and active dynamic rules.
// Nothing is cached: every call reads the flags, rules and positions afresh.
type Engine struct {
	db     *sqlx.DB
	flags  Flags
	orders FilledOrders
	rules  *RuleStore
	audit  audit.Recorder
	limits Limits
	log    zerolog.Logger
	now    func() time.Time
}

// NewEngine wires an engine. recorder may be nil.
func NewEngine(database *sqlx.DB, flags Flags, orders FilledOrders, rules *RuleStore, recorder audit.Recorder, limits Limits, logger zerolog.Logger) *Engine {
	if recorder == nil {
		recorder = audit.Nop{}
	}
	return &Engine{
		db:     database,
		flags:  flags,
		orders: orders,
		rules:  rules,
		audit:  recorder,
		limits: limits,
		log:    logger.With().Str("component", "risk").Logger(),
		now:    time.Now,
	}
}

// Limits returns the configured static caps.
func (e *Engine) Limits() Limits { return e.limits }

// Validate runs the checks in order; the first failure wins. A refusal is
// returned as *Violation. Exactly one audit entry is written per call.
func (e *Engine) Validate(ctx context.Context, in Intent) (*Result, error) {
	res, err := e.evaluate(ctx, in)
	details := map[string]any{
		"user_id":         in.UserID,
		"symbol":          in.Symbol,
		"side":            in.Side,
		"quantity":        in.Quantity.String(),
		"estimated_price": in.EstimatedPrice.String(),
		"trade_value":     in.TradeValue().String(),
	}
	if in.AlgorithmID != "" {
		details["algorithm_id"] = in.AlgorithmID
	}

	if err != nil {
		var v *Violation
		if !errors.As(err, &v) {
			v = &Violation{Check: CheckInfrastructure, Reason: "Risk checks unavailable: " + err.Error()}
		}
		details["check"] = v.Check
		details["reason"] = v.Reason
		e.record(ctx, audit.EventTradeRejected, audit.SeverityWarning, in.UserID, details)
		e.log.Warn().Str("user_id", in.UserID).Str("symbol", in.Symbol).Str("check", v.Check).Msg(v.Reason)
		return nil, v
	}

	details["checks_passed"] = res.ChecksPassed
	details["volatile"] = res.Volatile
	e.record(ctx, audit.EventTradeApproved, audit.SeverityInfo, in.UserID, details)
	e.log.Debug().Str("user_id", in.UserID).Str("symbol", in.Symbol).Str("trade_value", res.TradeValue.String()).Msg("trade approved")
	return res, nil
}

func (e *Engine) record(ctx context.Context, event, severity, actor string, details map[string]any) {
	if err := e.audit.Record(ctx, event, severity, actor, details); err != nil {
		e.log.Error().Err(err).Str("event", event).Msg("risk audit failed")
	}
}

func (e *Engine) evaluate(ctx context.Context, in Intent) (*Result, error) {
	res := &Result{TradeValue: in.TradeValue()}

	if e.flags.IsActive(ctx) {
		return nil, &Violation{Check: CheckKillSwitch, Reason: "Emergency stop is active - all trading halted"}
	}
	res.ChecksPassed = append(res.ChecksPassed, CheckKillSwitch)

	if _, err := db.GetUser(ctx, e.db, in.UserID); err != nil {
		if errors.Is(err, db.ErrNotFound) || errors.Is(err, db.ErrUserIDRequired) {
			return nil, &Violation{Check: CheckUser, Reason: "User " + in.UserID + " not found"}
		}
		return nil, err
	}
	res.ChecksPassed = append(res.ChecksPassed, CheckUser)

	if !in.EstimatedPrice.IsPositive() {
		return nil, &Violation{Check: CheckPrice, Reason: "No price available for " + in.Symbol}
	}
	res.ChecksPassed = append(res.ChecksPassed, CheckPrice)

	limits := e.limits
	res.Volatile = e.flags.MarketStatus(ctx) == safety.MarketVolatile
	if res.Volatile {
		limits = limits.halved()
	}

	positions, err := db.ListPositions(ctx, e.db, in.UserID)
	if err != nil {
		return nil, err
	}
	portfolio := decimal.Zero
	existing := decimal.Zero
	for _, p := range positions {
		portfolio = portfolio.Add(p.TotalCost)
		if p.Symbol == in.Symbol {
			existing = p.TotalCost
		}
	}

	if err := e.checkPositionSize(ctx, in, limits, portfolio, existing, res.Volatile); err != nil {
		return nil, err
	}
	res.ChecksPassed = append(res.ChecksPassed, CheckPositionSize)

	if err := e.checkDailyLoss(ctx, in, limits, portfolio, res.Volatile); err != nil {
		return nil, err
	}
	res.ChecksPassed = append(res.ChecksPassed, CheckDailyLoss)

	if in.AlgorithmID != "" {
		if err := e.checkAlgorithmExposure(ctx, in, limits, portfolio, res.Volatile); err != nil {
			return nil, err
		}
		res.ChecksPassed = append(res.ChecksPassed, CheckAlgorithmExposure)
	}

	res.Valid = true
	return res, nil
}

// Buys only. With an empty portfolio the percentage cap is skipped but
// absolute dynamic caps still bind.
func (e *Engine) checkPositionSize(ctx context.Context, in Intent, limits Limits, portfolio, existing decimal.Decimal, volatile bool) error {
	if in.Side != db.SideBuy {
		return nil
	}
	newValue := existing.Add(in.TradeValue())

	var caps []decimal.Decimal
	if portfolio.IsPositive() {
		caps = append(caps, limits.MaxPositionPct.Mul(portfolio))
	}
	dynamic, err := e.dynamicCaps(ctx, RuleMaxPositionSize, portfolio)
	if err != nil {
		return err
	}
	caps = append(caps, dynamic...)

	limit, ok := minCap(caps)
	if ok && newValue.GreaterThan(limit) {
		return violation(CheckPositionSize, volatile,
			"Position size limit exceeded: %s position would be %s, limit %s",
			in.Symbol, newValue.StringFixed(2), limit.StringFixed(2))
	}
	return nil
}

// Cash-flow proxy: sells add, buys subtract, over today's fills (UTC).
func (e *Engine) checkDailyLoss(ctx context.Context, in Intent, limits Limits, portfolio decimal.Decimal, volatile bool) error {
	if !portfolio.IsPositive() {
		return nil
	}
	delta, err := e.dailyCashDelta(ctx, in.UserID)
	if err != nil {
		return err
	}
	caps := []decimal.Decimal{limits.MaxDailyLossPct.Mul(portfolio)}
	dynamic, err := e.dynamicCaps(ctx, RuleMaxDailyLoss, portfolio)
	if err != nil {
		return err
	}
	caps = append(caps, dynamic...)
	limit, _ := minCap(caps)

	if delta.LessThan(limit.Neg()) {
		return violation(CheckDailyLoss, volatile,
			"Daily loss limit exceeded: today's cash delta %s, limit -%s",
			delta.StringFixed(2), limit.StringFixed(2))
	}
	return nil
}

func (e *Engine) checkAlgorithmExposure(ctx context.Context, in Intent, limits Limits, portfolio decimal.Decimal, volatile bool) error {
	if !portfolio.IsPositive() {
		return nil
	}
	orders, err := e.orders.FilledByAlgorithm(ctx, in.UserID, in.AlgorithmID)
	if err != nil {
		return err
	}
	exposure := decimal.Zero
	for _, o := range orders {
		if o.Side == db.SideBuy {
			exposure = exposure.Add(o.Notional())
		}
	}
	caps := []decimal.Decimal{limits.MaxAlgorithmExposurePct.Mul(portfolio)}
	dynamic, err := e.dynamicCaps(ctx, RuleMaxAlgorithmExposure, portfolio)
	if err != nil {
		return err
	}
	caps = append(caps, dynamic...)
	limit, _ := minCap(caps)

	total := exposure.Add(in.TradeValue())
	if total.GreaterThan(limit) {
		return violation(CheckAlgorithmExposure, volatile,
			"Algorithm exposure limit exceeded: %s would reach %s, limit %s",
			in.AlgorithmID, total.StringFixed(2), limit.StringFixed(2))
	}
	return nil
}

func (e *Engine) dailyCashDelta(ctx context.Context, userID string) (decimal.Decimal, error) {
	now := e.now().UTC()
	start := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	orders, err := e.orders.FilledSince(ctx, userID, start)
	if err != nil {
		return decimal.Zero, err
	}
	delta := decimal.Zero
	for _, o := range orders {
		switch o.Side {
		case db.SideSell:
			delta = delta.Add(o.Notional())
		case db.SideBuy:
			delta = delta.Sub(o.Notional())
		}
	}
	return delta, nil
}

// dynamicCaps converts active rules of ruleType into absolute caps.
// Percentage caps need a positive portfolio.
func (e *Engine) dynamicCaps(ctx context.Context, ruleType string, portfolio decimal.Decimal) ([]decimal.Decimal, error) {
	if e.rules == nil {
		return nil, nil
	}
	rules, err := e.rules.Active(ctx, ruleType)
	if err != nil {
		return nil, err
	}
	var caps []decimal.Decimal
	for _, r := range rules {
		if v, ok := ParamDecimal(r.Parameters, "max_value"); ok {
			caps = append(caps, v)
		}
		if p, ok := ParamDecimal(r.Parameters, "max_percentage"); ok && portfolio.IsPositive() {
			caps = append(caps, asFraction(p).Mul(portfolio))
		}
	}
	return caps, nil
}

func minCap(caps []decimal.Decimal) (decimal.Decimal, bool) {
	if len(caps) == 0 {
		return decimal.Zero, false
	}
	return decimal.Min(caps[0], caps[1:]...), true
}

// asFraction reads 20 as 20% and 0.2 as 20%.
func asFraction(p decimal.Decimal) decimal.Decimal {
	if p.GreaterThan(decimal.NewFromInt(1)) {
		return p.Div(decimal.NewFromInt(100))
	}
	return p
}

// Status reports the user's portfolio and the caps in force right now.
func (e *Engine) Status(ctx context.Context, userID string) (*Status, error) {
	positions, err := db.ListPositions(ctx, e.db, userID)
	if err != nil {
		return nil, err
	}
	portfolio := decimal.Zero
	for _, p := range positions {
		portfolio = portfolio.Add(p.TotalCost)
	}
	delta, err := e.dailyCashDelta(ctx, userID)
	if err != nil {
		return nil, err
	}
	status := e.flags.MarketStatus(ctx)
	limits := e.limits
	if status == safety.MarketVolatile {
		limits = limits.halved()
	}
	return &Status{
		EmergencyStop:        e.flags.IsActive(ctx),
		MarketStatus:         string(status),
		PortfolioValue:       portfolio,
		DailyCashDelta:       delta,
		MaxPositionSize:      limits.MaxPositionPct.Mul(portfolio),
		MaxDailyLoss:         limits.MaxDailyLossPct.Mul(portfolio),
		MaxAlgorithmExposure: limits.MaxAlgorithmExposurePct.Mul(portfolio),
		Limits:               limits,
	}, nil
}
