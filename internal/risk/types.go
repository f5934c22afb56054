package risk

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"execution-core/internal/safety"
	"execution-core/pkg/db"
)

// Rule types understood by the engine.
const (
	RuleMaxPositionSize      = "max_position_size"
	RuleMaxDailyLoss         = "max_daily_loss"
	RuleMaxAlgorithmExposure = "max_algorithm_exposure"
)

// Check names reported back on approval.
const (
	CheckKillSwitch        = "kill_switch"
	CheckUser              = "user"
	CheckPrice             = "price"
	CheckPositionSize      = "position_size"
	CheckDailyLoss         = "daily_loss"
	CheckAlgorithmExposure = "algorithm_exposure"
)

const volatileSuffix = " (VOLATILE MARKET MODE ACTIVE)"

// Limits are the static percentage caps, as fractions of portfolio value.
type Limits struct {
	MaxPositionPct          decimal.Decimal `json:"max_position_pct"`
	MaxDailyLossPct         decimal.Decimal `json:"max_daily_loss_pct"`
	MaxAlgorithmExposurePct decimal.Decimal `json:"max_algorithm_exposure_pct"`
}

// DefaultLimits returns 20% position, 5% daily loss and 30% algorithm exposure.
func DefaultLimits() Limits {
	return Limits{
		MaxPositionPct:          decimal.RequireFromString("0.20"),
		MaxDailyLossPct:         decimal.RequireFromString("0.05"),
		MaxAlgorithmExposurePct: decimal.RequireFromString("0.30"),
	}
}

func (l Limits) halved() Limits {
	two := decimal.NewFromInt(2)
	return Limits{
		MaxPositionPct:          l.MaxPositionPct.Div(two),
		MaxDailyLossPct:         l.MaxDailyLossPct.Div(two),
		MaxAlgorithmExposurePct: l.MaxAlgorithmExposurePct.Div(two),
	}
}

// Intent is one trade proposal to validate.
type Intent struct {
	UserID         string
	Symbol         string
	Side           string
	Quantity       decimal.Decimal
	EstimatedPrice decimal.Decimal
	AlgorithmID    string
}

// TradeValue is quantity times estimated price.
func (i Intent) TradeValue() decimal.Decimal {
	return i.Quantity.Mul(i.EstimatedPrice)
}

// Result is returned when every check passes.
type Result struct {
	Valid        bool            `json:"valid"`
	ChecksPassed []string        `json:"checks_passed"`
	TradeValue   decimal.Decimal `json:"trade_value"`
	Volatile     bool            `json:"volatile"`
}

// Violation is a refused intent. Its message is surfaced to callers verbatim.
type Violation struct {
	Check  string
	Reason string
}

func (v *Violation) Error() string { return v.Reason }

func violation(check string, volatile bool, format string, args ...any) *Violation {
	msg := fmt.Sprintf(format, args...)
	if volatile {
		msg += volatileSuffix
	}
	return &Violation{Check: check, Reason: msg}
}

// Flags is the read side of the safety registry.
type Flags interface {
	IsActive(ctx context.Context) bool
	MarketStatus(ctx context.Context) safety.MarketStatus
}

// FilledOrders is the narrow ledger read the engine needs.
type FilledOrders interface {
	FilledSince(ctx context.Context, userID string, since time.Time) ([]db.Order, error)
	FilledByAlgorithm(ctx context.Context, userID, algorithmID string) ([]db.Order, error)
}

// Status summarizes a user's current limits in quote currency.
type Status struct {
	EmergencyStop        bool            `json:"emergency_stop"`
	MarketStatus         string          `json:"market_status"`
	PortfolioValue       decimal.Decimal `json:"portfolio_value"`
	DailyCashDelta       decimal.Decimal `json:"daily_cash_delta"`
	MaxPositionSize      decimal.Decimal `json:"max_position_size"`
	MaxDailyLoss         decimal.Decimal `json:"max_daily_loss"`
	MaxAlgorithmExposure decimal.Decimal `json:"max_algorithm_exposure"`
	Limits               Limits          `json:"limits"`
}
