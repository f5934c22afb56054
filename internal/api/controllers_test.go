package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"execution-core/internal/audit"
	"execution-core/internal/events"
	"execution-core/internal/ledger"
	"execution-core/internal/market"
	"execution-core/internal/monitor"
	"execution-core/internal/order"
	"execution-core/internal/pnl"
	"execution-core/internal/risk"
	"execution-core/internal/safety"
	"execution-core/internal/scheduler"
	"execution-core/pkg/db"
	"execution-core/pkg/exchanges/common"
	"execution-core/pkg/exchanges/paper"
)

const testSecret = "test-secret"

type apiFixture struct {
	srv      *httptest.Server
	registry *safety.Registry
	store    safety.Store
	audit    *audit.Log
	bus      *events.Bus
	limiter  *common.RateLimiter
	admin    string
	trader   string
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	database, err := db.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })
	require.NoError(t, db.ApplyMigrations(database))

	ctx := context.Background()
	q := database.Queries()
	require.NoError(t, q.CreateUser(ctx, db.User{ID: "root", Email: "root@example.com", IsSuperuser: true, IsActive: true}))
	require.NoError(t, q.CreateUser(ctx, db.User{ID: "u1", Email: "u1@example.com", IsActive: true}))

	bus := events.NewBus()
	auditLog := audit.New(database, bus, zerolog.Nop())
	store := safety.NewMemoryStore()
	registry := safety.NewRegistry(store, q, auditLog, bus, zerolog.Nop())
	l := ledger.New(database, bus, zerolog.Nop())
	rules := risk.NewRuleStore(database.DB, auditLog)
	engine := risk.NewEngine(database.DB, registry, l, rules, auditLog, risk.DefaultLimits(), zerolog.Nop())

	sim := paper.NewSimulator(paper.Config{Seed: 3}, zerolog.Nop())
	sim.SetPrice("BTC", decimal.RequireFromString("60000"))
	reg := prometheus.NewRegistry()
	metrics := monitor.NewMetrics(reg)
	exec := newTestExecutor(engine, l, sim, metrics)

	sched := scheduler.New(market.NewPrices(), exec, scheduler.Options{Metrics: metrics}, zerolog.Nop())

	limiter := common.NewRateLimiter(1000, 10)
	s := NewServer(Deps{
		Admin:     safety.NewAdmin(registry, q),
		HardStop:  safety.NewHardStopWatcher(registry, store, safety.PositionEquity{DB: database.DB, Prices: sim},
			auditLog, decimal.RequireFromString("0.95"), time.Minute, zerolog.Nop()),
		Users:     q,
		Rules:     rules,
		Risk:      engine,
		Audit:     auditLog,
		PnL:       pnl.NewEngine(database.DB, sim, zerolog.Nop()),
		Ledger:    l,
		Executor:  exec,
		Scheduler: sched,
		Bus:       bus,
		Metrics:   metrics,
		Gatherer:  reg,
		JWTSecret: testSecret,
		// Tests fire requests back to back from one IP.
		RequestsPerSecond: 1000,
		VenueLimiter:      limiter,
	}, zerolog.Nop())
	srv := httptest.NewServer(s.Router)
	t.Cleanup(srv.Close)

	admin, err := IssueToken("root", testSecret, time.Hour)
	require.NoError(t, err)
	trader, err := IssueToken("u1", testSecret, time.Hour)
	require.NoError(t, err)
	return &apiFixture{srv: srv, registry: registry, store: store, audit: auditLog, bus: bus, limiter: limiter, admin: admin, trader: trader}
}

func newTestExecutor(engine *risk.Engine, l *ledger.Ledger, sim *paper.Simulator, metrics *monitor.Metrics) *order.Executor {
	return order.NewExecutor(engine, l, common.ProviderFunc(sim.ForUser), sim, metrics, zerolog.Nop())
}

func (f *apiFixture) do(t *testing.T, method, path, token string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, f.srv.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	out := map[string]any{}
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	}
	return resp, out
}

func TestHealthAndMetricsArePublic(t *testing.T) {
	f := newAPIFixture(t)
	resp, body := f.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	resp, _ = f.do(t, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAuthRequired(t *testing.T) {
	f := newAPIFixture(t)
	resp, body := f.do(t, http.MethodGet, "/api/safety/kill-switch", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "MISSING_TOKEN", body["code"])

	resp, body = f.do(t, http.MethodGet, "/api/safety/kill-switch", "not-a-jwt", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "INVALID_TOKEN", body["code"])

	other, err := IssueToken("root", "other-secret", time.Hour)
	require.NoError(t, err)
	resp, _ = f.do(t, http.MethodGet, "/api/safety/kill-switch", other, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	expired, err := IssueToken("root", testSecret, -time.Minute)
	require.NoError(t, err)
	resp, _ = f.do(t, http.MethodGet, "/api/safety/kill-switch", expired, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestKillSwitchLifecycle(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()

	resp, body := f.do(t, http.MethodPost, "/api/safety/kill-switch", f.trader, gin.H{"active": true, "reason": "nope"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "FORBIDDEN", body["code"])
	assert.False(t, f.registry.IsActive(ctx))

	resp, body = f.do(t, http.MethodPost, "/api/safety/kill-switch", f.admin, gin.H{"active": true, "reason": "exchange outage"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["emergency_stop"])
	assert.True(t, f.registry.IsActive(ctx))

	// Anyone authenticated may read the state.
	resp, body = f.do(t, http.MethodGet, "/api/safety/kill-switch", f.trader, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["emergency_stop"])

	resp, body = f.do(t, http.MethodDelete, "/api/safety/kill-switch", f.admin, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, body["emergency_stop"])

	entries, err := f.audit.List(ctx, audit.Filter{UserID: "root"})
	require.NoError(t, err)
	types := make([]string, 0, len(entries))
	for _, e := range entries {
		types = append(types, e.EventType)
	}
	assert.Contains(t, types, audit.EventEmergencyStopActivated)
	assert.Contains(t, types, audit.EventEmergencyStopCleared)
}

func TestKillSwitchRequiresActiveField(t *testing.T) {
	f := newAPIFixture(t)
	resp, body := f.do(t, http.MethodPost, "/api/safety/kill-switch", f.admin, gin.H{"reason": "forgot"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "INVALID_PAYLOAD", body["code"])
}

func TestHardStopReset(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.Set(ctx, safety.KeyInitialEquity, "100000"))

	resp, _ := f.do(t, http.MethodPost, "/api/safety/hard-stop/reset", f.trader, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, body := f.do(t, http.MethodPost, "/api/safety/hard-stop/reset", f.admin, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["reset"])
	raw, _, err := f.store.Get(ctx, safety.KeyInitialEquity)
	require.NoError(t, err)
	assert.Empty(t, raw)
}

func TestMarketStatus(t *testing.T) {
	f := newAPIFixture(t)
	resp, body := f.do(t, http.MethodPost, "/api/safety/market-status", f.admin, gin.H{"status": "panicky"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "INVALID_MARKET_STATUS", body["code"])

	resp, _ = f.do(t, http.MethodPost, "/api/safety/market-status", f.trader, gin.H{"status": "volatile"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, body = f.do(t, http.MethodPost, "/api/safety/market-status", f.admin, gin.H{"status": "VOLATILE"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "volatile", body["market_status"])
	assert.Equal(t, safety.MarketVolatile, f.registry.MarketStatus(context.Background()))
}

func TestRiskRuleCRUD(t *testing.T) {
	f := newAPIFixture(t)

	resp, _ := f.do(t, http.MethodGet, "/api/risk/rules", f.trader, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, body := f.do(t, http.MethodPost, "/api/risk/rules", f.admin, gin.H{
		"name": "btc cap", "rule_type": "shoe_size", "parameters": gin.H{"max_value": 10},
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "INVALID_RULE", body["code"])

	resp, body = f.do(t, http.MethodPost, "/api/risk/rules", f.admin, gin.H{
		"name": "btc cap", "rule_type": risk.RuleMaxPositionSize, "parameters": gin.H{"max_value": 5000},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	id, _ := body["id"].(string)
	require.NotEmpty(t, id)
	assert.Equal(t, true, body["is_active"])

	resp, body = f.do(t, http.MethodPut, "/api/risk/rules/"+id, f.admin, gin.H{"name": "tighter cap", "parameters": gin.H{"max_value": 2500}})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "tighter cap", body["name"])

	resp, body = f.do(t, http.MethodGet, "/api/risk/rules", f.admin, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 1, body["total"])

	resp, body = f.do(t, http.MethodDelete, "/api/risk/rules/"+id, f.admin, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, body["is_active"])

	// Deactivated rules are still readable.
	resp, _ = f.do(t, http.MethodGet, "/api/risk/rules/"+id, f.admin, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp, body = f.do(t, http.MethodGet, "/api/risk/rules/missing", f.admin, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "RULE_NOT_FOUND", body["code"])

	resp, body = f.do(t, http.MethodGet, "/api/audit?event_type=risk_rule_created", f.admin, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 1, body["total"])
}

func TestSubmitOrderAndReadBack(t *testing.T) {
	f := newAPIFixture(t)

	resp, body := f.do(t, http.MethodPost, "/api/orders", f.trader, gin.H{
		"symbol": "btc", "side": "buy", "quantity": "0.01", "estimated_price": "60000",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, body)
	assert.Equal(t, db.StatusFilled, body["status"])
	assert.NotEmpty(t, body["exchange_order_id"])

	orderID, _ := body["order_id"].(string)
	venueID, _ := body["exchange_order_id"].(string)
	for _, id := range []string{orderID, venueID} {
		resp, got := f.do(t, http.MethodGet, "/api/orders/"+id, f.trader, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, orderID, got["id"])
	}

	resp, body = f.do(t, http.MethodGet, "/api/pnl/u1/lots?symbol=btc", f.trader, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	lots, _ := body["lots"].([]any)
	assert.Len(t, lots, 1)

	resp, body = f.do(t, http.MethodGet, "/api/orders?symbol=BTC", f.trader, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	orders, _ := body["orders"].([]any)
	assert.Len(t, orders, 1)

	resp, _ = f.do(t, http.MethodGet, "/api/orders/statistics", f.trader, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = f.do(t, http.MethodGet, "/api/pnl/u1", f.trader, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "realized_pnl")

	resp, _ = f.do(t, http.MethodGet, "/api/pnl/u1/historical?interval=day", f.trader, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp, body = f.do(t, http.MethodGet, "/api/pnl/u1/historical?interval=fortnight", f.trader, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "INVALID_INTERVAL", body["code"])
}

func TestSubmitOrderErrors(t *testing.T) {
	f := newAPIFixture(t)

	resp, body := f.do(t, http.MethodPost, "/api/orders", f.trader, gin.H{"symbol": "BTC", "side": "hold", "quantity": "1"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "INVALID_ORDER", body["code"])

	resp, body = f.do(t, http.MethodPost, "/api/orders", f.trader, gin.H{"symbol": "BTC", "side": "sell", "quantity": "1", "estimated_price": "60000"})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, "INSUFFICIENT_FUNDS", body["code"])

	require.NoError(t, f.registry.Activate(context.Background(), "root", "drill"))
	resp, body = f.do(t, http.MethodPost, "/api/orders", f.trader, gin.H{"symbol": "BTC", "side": "buy", "quantity": "0.01", "estimated_price": "60000"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "RISK_REJECTED", body["code"])
	assert.Equal(t, risk.CheckKillSwitch, body["check"])

	resp, body = f.do(t, http.MethodGet, "/api/orders/failed", f.trader, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	failed, _ := body["orders"].([]any)
	assert.Len(t, failed, 2, "funds and kill switch refusals are both on the ledger")

	resp, body = f.do(t, http.MethodDelete, "/api/orders/nope", f.trader, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "ORDER_NOT_FOUND", body["code"])
}

func TestPnLAccessControl(t *testing.T) {
	f := newAPIFixture(t)
	resp, _ := f.do(t, http.MethodGet, "/api/pnl/root", f.trader, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp, _ = f.do(t, http.MethodGet, "/api/pnl/u1", f.admin, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = f.do(t, http.MethodGet, "/api/pnl/u1?group_by=planet", f.admin, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSchedulerJobRoutes(t *testing.T) {
	f := newAPIFixture(t)
	resp, body := f.do(t, http.MethodGet, "/api/scheduler/jobs", f.admin, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, body["jobs"])

	resp, body = f.do(t, http.MethodPost, "/api/scheduler/jobs/u1/ghost/pause", f.admin, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "JOB_NOT_FOUND", body["code"])

	resp, _ = f.do(t, http.MethodGet, "/api/scheduler/jobs", f.trader, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestStatusSnapshot(t *testing.T) {
	f := newAPIFixture(t)
	resp, body := f.do(t, http.MethodGet, "/api/status", f.trader, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "metrics")
	assert.Contains(t, body, "safety")
	assert.Contains(t, body, "risk_limits")
	assert.EqualValues(t, 0, body["jobs"])

	f.limiter.Throttled(time.Minute)
	_, body = f.do(t, http.MethodGet, "/api/status", f.trader, nil)
	venue, _ := body["venue"].(map[string]any)
	assert.EqualValues(t, 1, venue["throttled"])
	assert.Equal(t, true, venue["paused"])
}

func TestAuditStreamDeliversEvents(t *testing.T) {
	f := newAPIFixture(t)
	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws/audit?token=" + f.admin
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	// The subscription starts after the upgrade completes, so keep flipping
	// the market status until the stream sees one.
	done := make(chan struct{})
	defer close(done)
	go func() {
		tick := time.NewTicker(50 * time.Millisecond)
		defer tick.Stop()
		status := []safety.MarketStatus{safety.MarketVolatile, safety.MarketNormal}
		for i := 0; ; i++ {
			select {
			case <-done:
				return
			case <-tick.C:
				_ = f.registry.SetMarketStatus(context.Background(), "root", status[i%2])
			}
		}
	}()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	var env map[string]any
	require.NoError(t, conn.ReadJSON(&env))
	assert.NotEmpty(t, env["topic"])
}

func TestAuditStreamRejectsNonSuperuser(t *testing.T) {
	f := newAPIFixture(t)
	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws/audit?token=" + f.trader
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}
