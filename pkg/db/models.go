package db

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Order statuses.
const (
	StatusPending   = "PENDING"
	StatusSubmitted = "SUBMITTED"
	StatusPartial   = "PARTIAL"
	StatusFilled    = "FILLED"
	StatusCancelled = "CANCELLED"
	StatusFailed    = "FAILED"
)

// Order sides and types as stored.
const (
	SideBuy  = "buy"
	SideSell = "sell"

	TypeMarket = "market"
	TypeLimit  = "limit"
)

// IsTerminal reports whether no further lifecycle transition is allowed.
func IsTerminal(status string) bool {
	return status == StatusFilled || status == StatusCancelled || status == StatusFailed
}

// JSONMap is a free-form object persisted as JSON text.
type JSONMap map[string]any

// Value implements driver.Valuer.
func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(map[string]any(m))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (m *JSONMap) Scan(src any) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*m = JSONMap{}
		return nil
	case string:
		raw = []byte(v)
	case []byte:
		raw = v
	default:
		return fmt.Errorf("jsonmap: unsupported source %T", src)
	}
	out := JSONMap{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil {
			return fmt.Errorf("jsonmap: %w", err)
		}
	}
	*m = out
	return nil
}

// User is the owner of orders, positions and deployments.
type User struct {
	ID          string    `db:"id" json:"id"`
	Email       string    `db:"email" json:"email"`
	IsSuperuser bool      `db:"is_superuser" json:"is_superuser"`
	IsActive    bool      `db:"is_active" json:"is_active"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
}

// Order is one trade intent and its lifecycle.
type Order struct {
	ID              string              `db:"id" json:"id"`
	UserID          string              `db:"user_id" json:"user_id"`
	AlgorithmID     string              `db:"algorithm_id" json:"algorithm_id,omitempty"`
	Symbol          string              `db:"symbol" json:"symbol"`
	Side            string              `db:"side" json:"side"`
	OrderType       string              `db:"order_type" json:"order_type"`
	Quantity        decimal.Decimal     `db:"quantity" json:"quantity"`
	LimitPrice      decimal.NullDecimal `db:"limit_price" json:"limit_price"`
	FilledQuantity  decimal.Decimal     `db:"filled_quantity" json:"filled_quantity"`
	FilledPrice     decimal.Decimal     `db:"filled_price" json:"filled_price"`
	Status          string              `db:"status" json:"status"`
	ExchangeOrderID string              `db:"exchange_order_id" json:"exchange_order_id,omitempty"`
	ErrorMessage    string              `db:"error_message" json:"error_message,omitempty"`
	CreatedAt       time.Time           `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time           `db:"updated_at" json:"updated_at"`
	FilledAt        *time.Time          `db:"filled_at" json:"filled_at,omitempty"`
}

// Notional returns filled quantity times fill price.
func (o Order) Notional() decimal.Decimal {
	return o.FilledQuantity.Mul(o.FilledPrice)
}

// Position is the per (user, symbol) aggregate of filled orders.
type Position struct {
	UserID       string          `db:"user_id" json:"user_id"`
	Symbol       string          `db:"symbol" json:"symbol"`
	Quantity     decimal.Decimal `db:"quantity" json:"quantity"`
	AveragePrice decimal.Decimal `db:"average_price" json:"average_price"`
	TotalCost    decimal.Decimal `db:"total_cost" json:"total_cost"`
	UpdatedAt    time.Time       `db:"updated_at" json:"updated_at"`
}

// RiskRule is a dynamic risk limit row.
type RiskRule struct {
	ID         string    `db:"id" json:"id"`
	Name       string    `db:"name" json:"name"`
	RuleType   string    `db:"rule_type" json:"rule_type"`
	Parameters JSONMap   `db:"parameters" json:"parameters"`
	IsActive   bool      `db:"is_active" json:"is_active"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
	UpdatedAt  time.Time `db:"updated_at" json:"updated_at"`
}

// AuditLog is one append-only compliance entry.
type AuditLog struct {
	ID        string    `db:"id" json:"id"`
	EventType string    `db:"event_type" json:"event_type"`
	Severity  string    `db:"severity" json:"severity"`
	UserID    string    `db:"user_id" json:"user_id,omitempty"`
	Details   JSONMap   `db:"details" json:"details"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// SystemSetting is a key/value row used as a durable mirror.
type SystemSetting struct {
	Key         string    `db:"key" json:"key"`
	Value       JSONMap   `db:"value" json:"value"`
	Description string    `db:"description" json:"description"`
	UpdatedAt   time.Time `db:"updated_at" json:"updated_at"`
}

// Algorithm is a strategy definition that can be deployed.
type Algorithm struct {
	ID                string    `db:"id" json:"id"`
	Name              string    `db:"name" json:"name"`
	AlgorithmType     string    `db:"algorithm_type" json:"algorithm_type"`
	DefaultParameters JSONMap   `db:"default_parameters" json:"default_parameters"`
	CreatedAt         time.Time `db:"created_at" json:"created_at"`
}

// DeployedAlgorithm binds an algorithm to a user, parameters and a cadence.
type DeployedAlgorithm struct {
	ID          string          `db:"id" json:"id"`
	UserID      string          `db:"user_id" json:"user_id"`
	AlgorithmID string          `db:"algorithm_id" json:"algorithm_id"`
	Name        string          `db:"name" json:"name"`
	Parameters  JSONMap         `db:"parameters" json:"parameters"`
	Cadence     string          `db:"cadence" json:"cadence"`
	IsActive    bool            `db:"is_active" json:"is_active"`
	IsPaused    bool            `db:"is_paused" json:"is_paused"`
	TotalPnL    decimal.Decimal `db:"total_pnl" json:"total_pnl"`
	TradeCount  int             `db:"trade_count" json:"trade_count"`
	LastError   string          `db:"last_error" json:"last_error,omitempty"`
	State       string          `db:"strategy_state" json:"-"`
	CreatedAt   time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time       `db:"updated_at" json:"updated_at"`
}

// DeploymentWithType joins a deployment with its algorithm type.
type DeploymentWithType struct {
	DeployedAlgorithm
	AlgorithmType     string  `db:"algorithm_type"`
	DefaultParameters JSONMap `db:"default_parameters"`
}
