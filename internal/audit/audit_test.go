package audit

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"execution-core/internal/events"
	"execution-core/pkg/db"
)

func newTestLog(t *testing.T) (*Log, *events.Bus) {
	t.Helper()
	database, err := db.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })
	require.NoError(t, db.ApplyMigrations(database))
	bus := events.NewBus()
	return New(database, bus, zerolog.Nop()), bus
}

func TestRecordAndList(t *testing.T) {
	l, bus := newTestLog(t)
	ctx := context.Background()
	ch, unsub := bus.Subscribe(8, events.EventAudit)
	defer unsub()

	require.NoError(t, l.Record(ctx, EventEmergencyStopActivated, SeverityCritical, "admin", map[string]any{"reason": "drill"}))
	time.Sleep(2 * time.Millisecond)
	require.NoError(t, l.Record(ctx, EventTradeRejected, SeverityWarning, "", map[string]any{"symbol": "BTC"}))

	entries, err := l.List(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, EventTradeRejected, entries[0].EventType, "newest first")
	assert.Equal(t, SystemActor, entries[0].UserID)
	assert.Equal(t, "drill", entries[1].Details["reason"])

	critical, err := l.List(ctx, Filter{Severity: "critical"})
	require.NoError(t, err)
	require.Len(t, critical, 1)
	assert.Equal(t, "admin", critical[0].UserID)

	n, err := l.Count(ctx, Filter{EventType: EventTradeRejected})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.Len(t, ch, 2)
}

func TestListPaging(t *testing.T) {
	l, _ := newTestLog(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, l.Record(ctx, EventTradeApproved, SeverityInfo, "u1", map[string]any{"i": i}))
	}
	page, err := l.List(ctx, Filter{Limit: 2, Offset: 2})
	require.NoError(t, err)
	assert.Len(t, page, 2)

	total, err := l.Count(ctx, Filter{UserID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, 5, total)
}
