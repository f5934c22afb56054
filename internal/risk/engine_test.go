package risk

import (
	"context"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"execution-core/internal/audit"
	"execution-core/internal/events"
	"execution-core/internal/safety"
	"execution-core/pkg/db"
)

type dbOrders struct{ db *sqlx.DB }

func (d dbOrders) FilledSince(ctx context.Context, userID string, since time.Time) ([]db.Order, error) {
	return db.ListOrders(ctx, d.db, db.OrderFilter{UserID: userID, Statuses: []string{db.StatusFilled}, FilledFrom: &since})
}

func (d dbOrders) FilledByAlgorithm(ctx context.Context, userID, algorithmID string) ([]db.Order, error) {
	return db.ListOrders(ctx, d.db, db.OrderFilter{UserID: userID, AlgorithmID: algorithmID, Statuses: []string{db.StatusFilled}})
}

type env struct {
	db       *db.Database
	registry *safety.Registry
	audit    *audit.Log
	rules    *RuleStore
	engine   *Engine
}

func newEnv(t *testing.T) env {
	t.Helper()
	database, err := db.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })
	require.NoError(t, db.ApplyMigrations(database))

	auditLog := audit.New(database, events.NewBus(), zerolog.Nop())
	registry := safety.NewRegistry(safety.NewMemoryStore(), database.Queries(), auditLog, nil, zerolog.Nop())
	rules := NewRuleStore(database.DB, auditLog)
	engine := NewEngine(database.DB, registry, dbOrders{database.DB}, rules, auditLog, DefaultLimits(), zerolog.Nop())

	ctx := context.Background()
	require.NoError(t, database.Queries().CreateUser(ctx, db.User{ID: "u1", Email: "u1@example.com", IsActive: true}))
	return env{db: database, registry: registry, audit: auditLog, rules: rules, engine: engine}
}

// withPortfolio gives u1 BTC 6000 + ETH 4000 = 10000 of cost basis.
func (e env) withPortfolio(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, db.UpsertPosition(ctx, e.db.DB, db.Position{
		UserID: "u1", Symbol: "BTC", Quantity: decimal.RequireFromString("0.1"),
		AveragePrice: decimal.NewFromInt(60000), TotalCost: decimal.NewFromInt(6000),
	}))
	require.NoError(t, db.UpsertPosition(ctx, e.db.DB, db.Position{
		UserID: "u1", Symbol: "ETH", Quantity: decimal.NewFromInt(1),
		AveragePrice: decimal.NewFromInt(4000), TotalCost: decimal.NewFromInt(4000),
	}))
}

func (e env) filled(t *testing.T, id, side, algo string, qty, price string, at time.Time) {
	t.Helper()
	require.NoError(t, db.InsertOrder(context.Background(), e.db.DB, db.Order{
		ID: id, UserID: "u1", AlgorithmID: algo, Symbol: "ETH", Side: side, OrderType: db.TypeMarket,
		Quantity: decimal.RequireFromString(qty), FilledQuantity: decimal.RequireFromString(qty),
		FilledPrice: decimal.RequireFromString(price), Status: db.StatusFilled,
		CreatedAt: at, UpdatedAt: at, FilledAt: &at,
	}))
}

func intent(symbol, side, qty, price string) Intent {
	return Intent{
		UserID: "u1", Symbol: symbol, Side: side,
		Quantity: decimal.RequireFromString(qty), EstimatedPrice: decimal.RequireFromString(price),
	}
}

func TestValidateKillSwitch(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	require.NoError(t, e.registry.Activate(ctx, "admin", "test"))

	_, err := e.engine.Validate(ctx, intent("BTC", db.SideBuy, "0.01", "60000"))
	var v *Violation
	require.ErrorAs(t, err, &v)
	assert.Equal(t, CheckKillSwitch, v.Check)
	assert.Contains(t, v.Error(), "Emergency stop is active")
}

func TestValidateUnknownUser(t *testing.T) {
	e := newEnv(t)
	in := intent("BTC", db.SideBuy, "1", "1")
	in.UserID = "ghost"
	_, err := e.engine.Validate(context.Background(), in)
	require.Error(t, err)
	assert.Regexp(t, `User .* not found`, err.Error())
}

func TestFirstPositionBypassesPercentageCap(t *testing.T) {
	e := newEnv(t)
	res, err := e.engine.Validate(context.Background(), intent("BTC", db.SideBuy, "100", "60000"))
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.Contains(t, res.ChecksPassed, CheckPositionSize)
	assert.Contains(t, res.ChecksPassed, CheckDailyLoss)
}

func TestAbsoluteDynamicCapAppliesToEmptyPortfolio(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	_, err := e.rules.Create(ctx, "admin", "hard cap", RuleMaxPositionSize, db.JSONMap{"max_value": 1000})
	require.NoError(t, err)

	_, err = e.engine.Validate(ctx, intent("BTC", db.SideBuy, "1", "1500"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Position size limit exceeded")

	_, err = e.engine.Validate(ctx, intent("BTC", db.SideBuy, "1", "900"))
	assert.NoError(t, err)
}

func TestPositionSizeLimit(t *testing.T) {
	e := newEnv(t)
	e.withPortfolio(t)
	ctx := context.Background()

	t.Run("within limit", func(t *testing.T) {
		res, err := e.engine.Validate(ctx, intent("ADA", db.SideBuy, "1000", "0.50"))
		require.NoError(t, err)
		assert.Equal(t, "500", res.TradeValue.String())
	})
	t.Run("exceeded", func(t *testing.T) {
		_, err := e.engine.Validate(ctx, intent("SOL", db.SideBuy, "30", "100"))
		var v *Violation
		require.ErrorAs(t, err, &v)
		assert.Equal(t, CheckPositionSize, v.Check)
		assert.Contains(t, v.Reason, "Position size limit exceeded")
		assert.NotContains(t, v.Reason, "VOLATILE")
	})
	t.Run("existing position counts", func(t *testing.T) {
		_, err := e.engine.Validate(ctx, intent("BTC", db.SideBuy, "0.001", "60000"))
		assert.ErrorContains(t, err, "Position size limit exceeded")
	})
	t.Run("sells skip the check", func(t *testing.T) {
		_, err := e.engine.Validate(ctx, intent("BTC", db.SideSell, "0.05", "60000"))
		assert.NoError(t, err)
	})
	t.Run("percentage rule tightens", func(t *testing.T) {
		r, err := e.rules.Create(ctx, "admin", "tight", RuleMaxPositionSize, db.JSONMap{"max_percentage": 5})
		require.NoError(t, err)
		t.Cleanup(func() { _, _ = e.rules.Deactivate(ctx, "admin", r.ID) })
		_, err = e.engine.Validate(ctx, intent("ADA", db.SideBuy, "1200", "0.50"))
		assert.ErrorContains(t, err, "Position size limit exceeded")
	})
}

func TestVolatileModeHalvesCaps(t *testing.T) {
	e := newEnv(t)
	e.withPortfolio(t)
	ctx := context.Background()

	_, err := e.engine.Validate(ctx, intent("SOL", db.SideBuy, "15", "100"))
	require.NoError(t, err)

	require.NoError(t, e.registry.SetMarketStatus(ctx, "admin", safety.MarketVolatile))
	_, err = e.engine.Validate(ctx, intent("SOL", db.SideBuy, "15", "100"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Position size limit exceeded")
	assert.Contains(t, err.Error(), "VOLATILE MARKET MODE ACTIVE")

	require.NoError(t, e.registry.SetMarketStatus(ctx, "admin", safety.MarketNormal))
	_, err = e.engine.Validate(ctx, intent("SOL", db.SideBuy, "15", "100"))
	assert.NoError(t, err, "flag is read on every call")
}

func TestDailyLossUsesCashDelta(t *testing.T) {
	e := newEnv(t)
	e.withPortfolio(t)
	ctx := context.Background()
	now := time.Now().UTC()
	e.filled(t, "b1", db.SideBuy, "", "1", "4000", now)
	e.filled(t, "s1", db.SideSell, "", "1", "3700", now)

	_, err := e.engine.Validate(ctx, intent("ADA", db.SideBuy, "100", "0.50"))
	require.NoError(t, err, "-300 is within -500")

	require.NoError(t, e.registry.SetMarketStatus(ctx, "admin", safety.MarketVolatile))
	_, err = e.engine.Validate(ctx, intent("ADA", db.SideBuy, "100", "0.50"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Daily loss limit exceeded")
	assert.Contains(t, err.Error(), "VOLATILE MARKET MODE ACTIVE")

	status, err := e.engine.Status(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "-300", status.DailyCashDelta.String())
	assert.Equal(t, "250", status.MaxDailyLoss.String())
}

func TestDailyLossIgnoresYesterday(t *testing.T) {
	e := newEnv(t)
	e.withPortfolio(t)
	yesterday := time.Now().UTC().Add(-36 * time.Hour)
	e.filled(t, "b1", db.SideBuy, "", "1", "4000", yesterday)

	_, err := e.engine.Validate(context.Background(), intent("ADA", db.SideBuy, "100", "0.50"))
	assert.NoError(t, err)
}

func TestAlgorithmExposure(t *testing.T) {
	e := newEnv(t)
	e.withPortfolio(t)
	ctx := context.Background()
	yesterday := time.Now().UTC().Add(-36 * time.Hour)
	e.filled(t, "a1", db.SideBuy, "algo-1", "2000", "0.50", yesterday)

	in := intent("SOL", db.SideBuy, "5", "100")
	in.AlgorithmID = "algo-1"
	res, err := e.engine.Validate(ctx, in)
	require.NoError(t, err)
	assert.Contains(t, res.ChecksPassed, CheckAlgorithmExposure)

	e.filled(t, "a2", db.SideBuy, "algo-1", "3000", "0.50", yesterday)
	// 1000 + 1500 + 1500 > 3000
	in = intent("SOL", db.SideBuy, "15", "100")
	in.AlgorithmID = "algo-1"
	_, err = e.engine.Validate(ctx, in)
	assert.ErrorContains(t, err, "Algorithm exposure limit exceeded")
}

func TestPriceRequiredAfterKillSwitch(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	_, err := e.engine.Validate(ctx, Intent{UserID: "u1", Symbol: "XRP", Side: db.SideBuy, Quantity: decimal.NewFromInt(2)})
	var v *Violation
	require.ErrorAs(t, err, &v)
	assert.Equal(t, CheckPrice, v.Check)

	require.NoError(t, e.registry.Activate(ctx, "admin", "test"))
	_, err = e.engine.Validate(ctx, Intent{UserID: "u1", Symbol: "XRP", Side: db.SideBuy, Quantity: decimal.NewFromInt(2)})
	require.ErrorAs(t, err, &v)
	assert.Equal(t, CheckKillSwitch, v.Check)

	rejected, err := e.audit.Count(ctx, audit.Filter{EventType: audit.EventTradeRejected})
	require.NoError(t, err)
	assert.Equal(t, 2, rejected)
}

func TestEveryValidationIsAuditedOnce(t *testing.T) {
	e := newEnv(t)
	e.withPortfolio(t)
	ctx := context.Background()

	_, _ = e.engine.Validate(ctx, intent("ADA", db.SideBuy, "10", "0.50"))
	_, _ = e.engine.Validate(ctx, intent("SOL", db.SideBuy, "30", "100"))

	approved, err := e.audit.Count(ctx, audit.Filter{EventType: audit.EventTradeApproved})
	require.NoError(t, err)
	rejected, err := e.audit.Count(ctx, audit.Filter{EventType: audit.EventTradeRejected})
	require.NoError(t, err)
	assert.Equal(t, 1, approved)
	assert.Equal(t, 1, rejected)

	entries, err := e.audit.List(ctx, audit.Filter{EventType: audit.EventTradeRejected})
	require.NoError(t, err)
	assert.Equal(t, CheckPositionSize, entries[0].Details["check"])
	assert.Equal(t, "3000", entries[0].Details["trade_value"])
}

func TestZeroQuantity(t *testing.T) {
	e := newEnv(t)
	res, err := e.engine.Validate(context.Background(), intent("BTC", db.SideBuy, "0", "60000"))
	require.NoError(t, err)
	assert.True(t, res.TradeValue.IsZero())
}
