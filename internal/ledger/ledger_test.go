package ledger

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"execution-core/internal/events"
	"execution-core/pkg/db"
	"execution-core/pkg/exchanges/common"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newTestLedger(t *testing.T) (*Ledger, *db.Database) {
	t.Helper()
	database, err := db.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })
	require.NoError(t, db.ApplyMigrations(database))
	require.NoError(t, database.Queries().CreateUser(context.Background(), db.User{ID: "u1", Email: "u1@example.com", IsActive: true}))
	return New(database, events.NewBus(), zerolog.Nop()), database
}

func attempt(side, qty string) Attempt {
	return Attempt{UserID: "u1", Symbol: "btc", Side: side, Quantity: d(qty)}
}

func position(t *testing.T, database *db.Database) db.Position {
	t.Helper()
	p, err := db.GetPosition(context.Background(), database.DB, "u1", "BTC")
	require.NoError(t, err)
	return p
}

func TestLifecycleUpdatesPosition(t *testing.T) {
	l, database := newTestLedger(t)
	ctx := context.Background()

	o, err := l.LogAttempt(ctx, attempt(db.SideBuy, "1"))
	require.NoError(t, err)
	assert.Equal(t, db.StatusPending, o.Status)
	assert.Equal(t, "BTC", o.Symbol)
	assert.Equal(t, db.TypeMarket, o.OrderType)

	_, err = l.RecordSubmitted(ctx, o.ID, "X1")
	require.NoError(t, err)
	o, err = l.RecordSuccess(ctx, o.ID, "X1", d("1"), d("50000"))
	require.NoError(t, err)
	assert.Equal(t, db.StatusFilled, o.Status)
	require.NotNil(t, o.FilledAt)

	o2, err := l.LogAttempt(ctx, attempt(db.SideBuy, "1"))
	require.NoError(t, err)
	_, err = l.RecordSuccess(ctx, o2.ID, "X2", d("1"), d("51000"))
	require.NoError(t, err)

	p := position(t, database)
	assert.Equal(t, "2", p.Quantity.String())
	assert.Equal(t, "50500", p.AveragePrice.String())
	assert.Equal(t, "101000", p.TotalCost.String())

	o3, err := l.LogAttempt(ctx, attempt(db.SideSell, "0.5"))
	require.NoError(t, err)
	_, err = l.RecordSuccess(ctx, o3.ID, "X3", d("0.5"), d("53000"))
	require.NoError(t, err)

	p = position(t, database)
	assert.Equal(t, "1.5", p.Quantity.String())
	assert.Equal(t, "50500", p.AveragePrice.String(), "sells keep the average")
	assert.Equal(t, "75750", p.TotalCost.String())
}

func TestTerminalStatesAreIdempotent(t *testing.T) {
	l, database := newTestLedger(t)
	ctx := context.Background()

	o, err := l.LogAttempt(ctx, attempt(db.SideBuy, "1"))
	require.NoError(t, err)
	_, err = l.RecordSuccess(ctx, o.ID, "X1", d("1"), d("100"))
	require.NoError(t, err)
	again, err := l.RecordSuccess(ctx, o.ID, "X1", d("1"), d("100"))
	require.NoError(t, err)
	assert.Equal(t, db.StatusFilled, again.Status)
	assert.Equal(t, "1", position(t, database).Quantity.String(), "no second position update")

	_, err = l.RecordFailure(ctx, o.ID, "late failure")
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = l.RecordPartialFill(ctx, o.ID, "X1", d("0.5"), d("100"))
	assert.ErrorIs(t, err, ErrInvalidTransition, "filled -> partial is forbidden")

	f, err := l.LogAttempt(ctx, attempt(db.SideBuy, "1"))
	require.NoError(t, err)
	_, err = l.RecordFailure(ctx, f.ID, "rejected")
	require.NoError(t, err)
	_, err = l.RecordFailure(ctx, f.ID, "rejected again")
	require.NoError(t, err)
	got, err := l.Get(ctx, f.ID)
	require.NoError(t, err)
	assert.Equal(t, "rejected", got.ErrorMessage)
}

func TestPartialThenFilled(t *testing.T) {
	l, database := newTestLedger(t)
	ctx := context.Background()

	o, err := l.LogAttempt(ctx, attempt(db.SideBuy, "2"))
	require.NoError(t, err)
	_, err = l.RecordSubmitted(ctx, o.ID, "X1")
	require.NoError(t, err)
	_, err = l.RecordPartialFill(ctx, o.ID, "", d("1"), d("100"))
	require.NoError(t, err)
	assert.Equal(t, "1", position(t, database).Quantity.String())

	_, err = l.RecordPartialFill(ctx, o.ID, "", d("0.5"), d("100"))
	assert.ErrorIs(t, err, ErrInvalidTransition, "fills never shrink")

	// Cumulative 2 @ 110 means the second unit cost 120.
	o, err = l.RecordSuccess(ctx, o.ID, "", d("2"), d("110"))
	require.NoError(t, err)
	assert.Equal(t, "X1", o.ExchangeOrderID)

	p := position(t, database)
	assert.Equal(t, "2", p.Quantity.String())
	assert.Equal(t, "110", p.AveragePrice.String())
	assert.Equal(t, "220", p.TotalCost.String())
}

func TestOverfillWidensRequestedQuantity(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	o, err := l.LogAttempt(ctx, attempt(db.SideBuy, "1"))
	require.NoError(t, err)
	o, err = l.RecordSuccess(ctx, o.ID, "X1", d("1.01"), d("99"))
	require.NoError(t, err)
	assert.True(t, o.FilledQuantity.LessThanOrEqual(o.Quantity))
}

func TestFailureMessageIsTruncated(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	o, err := l.LogAttempt(ctx, attempt(db.SideBuy, "1"))
	require.NoError(t, err)
	o, err = l.RecordFailure(ctx, o.ID, strings.Repeat("x", 800))
	require.NoError(t, err)
	assert.Len(t, o.ErrorMessage, MaxErrorLength)
}

func TestReconcileIsIdempotent(t *testing.T) {
	l, database := newTestLedger(t)
	ctx := context.Background()

	o, err := l.LogAttempt(ctx, attempt(db.SideBuy, "0.01"))
	require.NoError(t, err)
	_, err = l.RecordSubmitted(ctx, o.ID, "X")
	require.NoError(t, err)

	vs := StateFromResult(common.OrderResult{ID: "X", Status: common.StatusCompleted, AmountCoin: d("0.01"), AvgRate: d("60000")})
	got, changed, err := l.Reconcile(ctx, o.ID, vs)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, db.StatusFilled, got.Status)
	assert.Equal(t, "0.01", got.FilledQuantity.String())
	assert.Equal(t, "60000", got.FilledPrice.String())

	got2, changed, err := l.Reconcile(ctx, o.ID, vs)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.True(t, got.UpdatedAt.Equal(got2.UpdatedAt))
	assert.Equal(t, "0.01", position(t, database).Quantity.String())
}

func TestReconcileCancelledKeepsPartialFill(t *testing.T) {
	l, database := newTestLedger(t)
	ctx := context.Background()
	o, err := l.LogAttempt(ctx, attempt(db.SideBuy, "2"))
	require.NoError(t, err)
	_, err = l.RecordSubmitted(ctx, o.ID, "X")
	require.NoError(t, err)

	got, changed, err := l.Reconcile(ctx, o.ID, VenueState{ExchangeOrderID: "X", Status: common.StatusCancelled, FilledQuantity: d("0.5"), Price: d("10")})
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, db.StatusCancelled, got.Status)
	assert.Equal(t, "0.5", got.FilledQuantity.String())
	assert.Equal(t, "0.5", position(t, database).Quantity.String())
}

func TestReconcileAttachesExchangeIDToTerminalOrder(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	o, err := l.LogAttempt(ctx, attempt(db.SideBuy, "1"))
	require.NoError(t, err)
	_, err = l.RecordFailure(ctx, o.ID, "timeout")
	require.NoError(t, err)

	got, changed, err := l.Reconcile(ctx, o.ID, VenueState{ExchangeOrderID: "LATE", Status: common.StatusOpen})
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, db.StatusFailed, got.Status)
	assert.Equal(t, "LATE", got.ExchangeOrderID)
}

func TestQueries(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	a := attempt(db.SideBuy, "1")
	a.AlgorithmID = "algo-1"
	filled, err := l.LogAttempt(ctx, a)
	require.NoError(t, err)
	_, err = l.RecordSuccess(ctx, filled.ID, "X1", d("1"), d("100"))
	require.NoError(t, err)

	failed, err := l.LogAttempt(ctx, attempt(db.SideBuy, "1"))
	require.NoError(t, err)
	_, err = l.RecordFailure(ctx, failed.ID, "nope")
	require.NoError(t, err)

	open, err := l.LogAttempt(ctx, attempt(db.SideBuy, "1"))
	require.NoError(t, err)

	history, err := l.History(ctx, "u1", HistoryFilter{})
	require.NoError(t, err)
	assert.Len(t, history, 3)

	history, err = l.History(ctx, "u1", HistoryFilter{Status: db.StatusFailed})
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, failed.ID, history[0].ID)

	since := time.Now().UTC().Add(-time.Hour)
	today, err := l.FilledSince(ctx, "u1", since)
	require.NoError(t, err)
	require.Len(t, today, 1)

	byAlgo, err := l.FilledByAlgorithm(ctx, "u1", "algo-1")
	require.NoError(t, err)
	assert.Len(t, byAlgo, 1)

	trades, err := l.TradesByAlgorithm(ctx, "algo-1", "", 10)
	require.NoError(t, err)
	assert.Len(t, trades, 1)

	openOrders, err := l.OpenOrders(ctx, time.Now().UTC().Add(time.Second))
	require.NoError(t, err)
	require.Len(t, openOrders, 1)
	assert.Equal(t, open.ID, openOrders[0].ID)

	failedTrades, err := l.FailedTrades(ctx, "", 0)
	require.NoError(t, err)
	assert.Len(t, failedTrades, 1)

	st, err := l.Statistics(ctx, "u1", "")
	require.NoError(t, err)
	assert.Equal(t, 3, st.TotalTrades)
	assert.Equal(t, 1, st.SuccessfulTrades)
	assert.Equal(t, 1, st.FailedTrades)
	assert.Equal(t, 1, st.PendingTrades)
	assert.Equal(t, "0.3333", st.SuccessRate.String())
	assert.Equal(t, "100", st.TotalVolume.String())

	_, err = l.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrOrderNotFound)
}

func TestApplyFillClampsOversizedSell(t *testing.T) {
	p := db.Position{UserID: "u1", Symbol: "BTC", Quantity: d("1"), AveragePrice: d("10"), TotalCost: d("10")}
	p = applyFill(p, db.SideSell, d("2"), d("12"), time.Now(), zerolog.Nop())
	assert.True(t, p.Quantity.IsZero())
	assert.True(t, p.TotalCost.IsZero())
}
