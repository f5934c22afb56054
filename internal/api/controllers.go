package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"execution-core/internal/audit"
	"execution-core/internal/ledger"
	"execution-core/internal/order"
	"execution-core/internal/pnl"
	"execution-core/internal/risk"
	"execution-core/internal/safety"
	"execution-core/internal/scheduler"
	"execution-core/pkg/db"
	"execution-core/pkg/exchanges/common"
)

type killSwitchRequest struct {
	Active *bool  `json:"active" binding:"required"`
	Reason string `json:"reason"`
}

type marketStatusRequest struct {
	Status string `json:"status" binding:"required"`
}

type createRuleRequest struct {
	Name       string         `json:"name" binding:"required,min=1,max=120"`
	RuleType   string         `json:"rule_type" binding:"required"`
	Parameters map[string]any `json:"parameters" binding:"required"`
}

type updateRuleRequest struct {
	Name       *string        `json:"name"`
	Parameters map[string]any `json:"parameters"`
	IsActive   *bool          `json:"is_active"`
}

type submitOrderRequest struct {
	Symbol         string          `json:"symbol" binding:"required,min=1"`
	Side           string          `json:"side" binding:"required"`
	Type           string          `json:"type"`
	Quantity       decimal.Decimal `json:"quantity"`
	LimitPrice     decimal.Decimal `json:"limit_price"`
	EstimatedPrice decimal.Decimal `json:"estimated_price"`
	AlgorithmID    string          `json:"algorithm_id"`
}

type pageQuery struct {
	Limit  int `form:"limit"`
	Offset int `form:"offset"`
}

func (q *pageQuery) normalize(def, max int) {
	if q.Limit <= 0 {
		q.Limit = def
	}
	if q.Limit > max {
		q.Limit = max
	}
	if q.Offset < 0 {
		q.Offset = 0
	}
}

func respondError(c *gin.Context, status int, code, msg string) {
	c.JSON(status, gin.H{
		"code":  code,
		"error": msg,
	})
}

func unavailable(c *gin.Context, what string) {
	respondError(c, http.StatusServiceUnavailable, "UNAVAILABLE", what+" is not configured")
}

// parseTime accepts RFC3339 or YYYY-MM-DD.
func parseTime(raw string) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		t = t.UTC()
		return &t, nil
	}
	t, err := time.Parse("2006-01-02", raw)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// isSelfOrSuperuser lets users read their own data and superusers read anyone's.
func (s *Server) isSelfOrSuperuser(c *gin.Context, userID string) bool {
	caller := CurrentUserID(c)
	if caller == userID {
		return true
	}
	if s.deps.Users == nil {
		return false
	}
	u, err := s.deps.Users.GetUser(c.Request.Context(), caller)
	return err == nil && u.IsSuperuser && u.IsActive
}

// ----------------------------------------
// Safety
// ----------------------------------------

func (s *Server) getSafetyStatus(c *gin.Context) {
	if s.deps.Admin == nil {
		unavailable(c, "safety registry")
		return
	}
	c.JSON(http.StatusOK, s.deps.Admin.Status(c.Request.Context()))
}

func (s *Server) setKillSwitch(c *gin.Context) {
	if s.deps.Admin == nil {
		unavailable(c, "safety registry")
		return
	}
	var req killSwitchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_PAYLOAD", err.Error())
		return
	}
	ctx := c.Request.Context()
	var err error
	if *req.Active {
		err = s.deps.Admin.ActivateKillSwitch(ctx, CurrentUserID(c), req.Reason)
	} else {
		err = s.deps.Admin.ClearKillSwitch(ctx, CurrentUserID(c))
	}
	if !s.safetyError(c, err) {
		return
	}
	c.JSON(http.StatusOK, s.deps.Admin.Status(ctx))
}

func (s *Server) clearKillSwitch(c *gin.Context) {
	if s.deps.Admin == nil {
		unavailable(c, "safety registry")
		return
	}
	if !s.safetyError(c, s.deps.Admin.ClearKillSwitch(c.Request.Context(), CurrentUserID(c))) {
		return
	}
	c.JSON(http.StatusOK, s.deps.Admin.Status(c.Request.Context()))
}

func (s *Server) setMarketStatus(c *gin.Context) {
	if s.deps.Admin == nil {
		unavailable(c, "safety registry")
		return
	}
	var req marketStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_PAYLOAD", err.Error())
		return
	}
	status, err := safety.ParseMarketStatus(req.Status)
	if err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_MARKET_STATUS", err.Error())
		return
	}
	if !s.safetyError(c, s.deps.Admin.SetMarketStatus(c.Request.Context(), CurrentUserID(c), status)) {
		return
	}
	c.JSON(http.StatusOK, s.deps.Admin.Status(c.Request.Context()))
}

// resetHardStop drops the equity baseline; the watcher records a new one on
// its next check.
func (s *Server) resetHardStop(c *gin.Context) {
	if s.deps.HardStop == nil {
		unavailable(c, "hard stop watcher")
		return
	}
	if err := s.deps.HardStop.ResetInitialEquity(c.Request.Context()); err != nil {
		respondError(c, http.StatusBadGateway, "REGISTRY_UNAVAILABLE", err.Error())
		return
	}
	s.log.Warn().Str("user_id", CurrentUserID(c)).Msg("hard stop baseline reset")
	c.JSON(http.StatusOK, gin.H{"reset": true})
}

// safetyError writes the response for err and reports whether the caller
// should continue.
func (s *Server) safetyError(c *gin.Context, err error) bool {
	switch {
	case err == nil:
		return true
	case errors.Is(err, safety.ErrForbidden):
		respondError(c, http.StatusForbidden, "FORBIDDEN", err.Error())
	default:
		s.log.Error().Err(err).Msg("safety operation failed")
		respondError(c, http.StatusBadGateway, "REGISTRY_UNAVAILABLE", err.Error())
	}
	return false
}

// ----------------------------------------
// Risk
// ----------------------------------------

func (s *Server) listRules(c *gin.Context) {
	if s.deps.Rules == nil {
		unavailable(c, "risk rules")
		return
	}
	var q pageQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_QUERY", err.Error())
		return
	}
	q.normalize(100, 500)
	rules, total, err := s.deps.Rules.List(c.Request.Context(), q.Offset, q.Limit)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	if c.Query("active") == "true" {
		active := rules[:0]
		for _, r := range rules {
			if r.IsActive {
				active = append(active, r)
			}
		}
		rules = active
	}
	c.JSON(http.StatusOK, gin.H{"rules": rules, "total": total, "limit": q.Limit, "offset": q.Offset})
}

func (s *Server) createRule(c *gin.Context) {
	if s.deps.Rules == nil {
		unavailable(c, "risk rules")
		return
	}
	var req createRuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_PAYLOAD", err.Error())
		return
	}
	rule, err := s.deps.Rules.Create(c.Request.Context(), CurrentUserID(c), req.Name, req.RuleType, db.JSONMap(req.Parameters))
	if err != nil {
		s.ruleError(c, err)
		return
	}
	c.JSON(http.StatusCreated, rule)
}

func (s *Server) getRule(c *gin.Context) {
	if s.deps.Rules == nil {
		unavailable(c, "risk rules")
		return
	}
	rule, err := s.deps.Rules.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.ruleError(c, err)
		return
	}
	c.JSON(http.StatusOK, rule)
}

func (s *Server) updateRule(c *gin.Context) {
	if s.deps.Rules == nil {
		unavailable(c, "risk rules")
		return
	}
	var req updateRuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_PAYLOAD", err.Error())
		return
	}
	upd := risk.RuleUpdate{Name: req.Name, IsActive: req.IsActive}
	if req.Parameters != nil {
		upd.Parameters = db.JSONMap(req.Parameters)
	}
	rule, err := s.deps.Rules.Update(c.Request.Context(), CurrentUserID(c), c.Param("id"), upd)
	if err != nil {
		s.ruleError(c, err)
		return
	}
	c.JSON(http.StatusOK, rule)
}

func (s *Server) deactivateRule(c *gin.Context) {
	if s.deps.Rules == nil {
		unavailable(c, "risk rules")
		return
	}
	rule, err := s.deps.Rules.Deactivate(c.Request.Context(), CurrentUserID(c), c.Param("id"))
	if err != nil {
		s.ruleError(c, err)
		return
	}
	c.JSON(http.StatusOK, rule)
}

func (s *Server) ruleError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, risk.ErrRuleNotFound):
		respondError(c, http.StatusNotFound, "RULE_NOT_FOUND", err.Error())
	case errors.Is(err, risk.ErrInvalidRuleType), errors.Is(err, risk.ErrInvalidRule):
		respondError(c, http.StatusBadRequest, "INVALID_RULE", err.Error())
	default:
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
	}
}

func (s *Server) getRiskStatus(c *gin.Context) {
	if s.deps.Risk == nil {
		unavailable(c, "risk engine")
		return
	}
	userID := c.DefaultQuery("user_id", CurrentUserID(c))
	if !s.isSelfOrSuperuser(c, userID) {
		respondError(c, http.StatusForbidden, "FORBIDDEN", "cannot read another user's risk status")
		return
	}
	status, err := s.deps.Risk.Status(c.Request.Context(), userID)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	c.JSON(http.StatusOK, status)
}

// ----------------------------------------
// Audit
// ----------------------------------------

func (s *Server) listAudit(c *gin.Context) {
	if s.deps.Audit == nil {
		unavailable(c, "audit log")
		return
	}
	var q pageQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_QUERY", err.Error())
		return
	}
	q.normalize(100, 1000)
	since, err := parseTime(c.Query("since"))
	if err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_QUERY", "since: "+err.Error())
		return
	}
	f := audit.Filter{
		EventType: strings.ToUpper(c.Query("event_type")),
		Severity:  c.Query("severity"),
		UserID:    c.Query("user_id"),
		Since:     since,
		Limit:     q.Limit,
		Offset:    q.Offset,
	}
	ctx := c.Request.Context()
	entries, err := s.deps.Audit.List(ctx, f)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	total, err := s.deps.Audit.Count(ctx, f)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "total": total, "limit": q.Limit, "offset": q.Offset})
}

// ----------------------------------------
// P&L
// ----------------------------------------

func (s *Server) pnlFilter(c *gin.Context) (pnl.Filter, bool) {
	start, err := parseTime(c.Query("start"))
	if err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_QUERY", "start: "+err.Error())
		return pnl.Filter{}, false
	}
	end, err := parseTime(c.Query("end"))
	if err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_QUERY", "end: "+err.Error())
		return pnl.Filter{}, false
	}
	return pnl.Filter{
		Range:       pnl.Range{Start: start, End: end},
		AlgorithmID: c.Query("algorithm_id"),
		Symbol:      strings.ToUpper(c.Query("symbol")),
	}, true
}

func (s *Server) getPnL(c *gin.Context) {
	if s.deps.PnL == nil {
		unavailable(c, "pnl engine")
		return
	}
	userID := c.Param("user")
	if !s.isSelfOrSuperuser(c, userID) {
		respondError(c, http.StatusForbidden, "FORBIDDEN", "cannot read another user's pnl")
		return
	}
	f, ok := s.pnlFilter(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	var (
		body any
		err  error
	)
	switch c.Query("group_by") {
	case "algorithm":
		body, err = s.deps.PnL.ByAlgorithm(ctx, userID, f)
	case "symbol":
		body, err = s.deps.PnL.BySymbol(ctx, userID, f)
	case "":
		body, err = s.deps.PnL.Summary(ctx, userID, f)
	default:
		respondError(c, http.StatusBadRequest, "INVALID_QUERY", "group_by must be algorithm or symbol")
		return
	}
	if err != nil {
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	c.JSON(http.StatusOK, body)
}

func (s *Server) getHistoricalPnL(c *gin.Context) {
	if s.deps.PnL == nil {
		unavailable(c, "pnl engine")
		return
	}
	userID := c.Param("user")
	if !s.isSelfOrSuperuser(c, userID) {
		respondError(c, http.StatusForbidden, "FORBIDDEN", "cannot read another user's pnl")
		return
	}
	f, ok := s.pnlFilter(c)
	if !ok {
		return
	}
	end := time.Now().UTC()
	if f.End != nil {
		end = *f.End
	}
	start := end.AddDate(0, 0, -30)
	if f.Start != nil {
		start = *f.Start
	}
	buckets, err := s.deps.PnL.Historical(c.Request.Context(), userID, start, end, c.DefaultQuery("interval", pnl.IntervalDay))
	if errors.Is(err, pnl.ErrInvalidInterval) {
		respondError(c, http.StatusBadRequest, "INVALID_INTERVAL", err.Error())
		return
	}
	if err != nil {
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"buckets": buckets})
}

func (s *Server) getOpenLots(c *gin.Context) {
	if s.deps.PnL == nil {
		unavailable(c, "pnl engine")
		return
	}
	userID := c.Param("user")
	if !s.isSelfOrSuperuser(c, userID) {
		respondError(c, http.StatusForbidden, "FORBIDDEN", "cannot read another user's pnl")
		return
	}
	symbol := strings.ToUpper(c.Query("symbol"))
	if symbol == "" {
		respondError(c, http.StatusBadRequest, "INVALID_QUERY", "symbol is required")
		return
	}
	lots, err := s.deps.PnL.OpenLots(c.Request.Context(), userID, symbol)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"symbol": symbol, "lots": lots})
}

// ----------------------------------------
// Orders
// ----------------------------------------

// getOrder accepts a ledger id or a venue order id.
func (s *Server) getOrder(c *gin.Context) {
	if s.deps.Ledger == nil {
		unavailable(c, "ledger")
		return
	}
	ctx := c.Request.Context()
	id := c.Param("id")
	o, err := s.deps.Ledger.Get(ctx, id)
	if errors.Is(err, ledger.ErrOrderNotFound) {
		o, err = s.deps.Ledger.GetByExchangeID(ctx, id)
	}
	if err == nil && !s.isSelfOrSuperuser(c, o.UserID) {
		err = ledger.ErrOrderNotFound
	}
	switch {
	case err == nil:
		c.JSON(http.StatusOK, o)
	case errors.Is(err, ledger.ErrOrderNotFound):
		respondError(c, http.StatusNotFound, "ORDER_NOT_FOUND", err.Error())
	default:
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
	}
}

func (s *Server) listOrders(c *gin.Context) {
	if s.deps.Ledger == nil {
		unavailable(c, "ledger")
		return
	}
	var q pageQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_QUERY", err.Error())
		return
	}
	q.normalize(100, 500)
	since, err := parseTime(c.Query("since"))
	if err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_QUERY", "since: "+err.Error())
		return
	}
	orders, err := s.deps.Ledger.History(c.Request.Context(), CurrentUserID(c), ledger.HistoryFilter{
		Status:      strings.ToUpper(c.Query("status")),
		Symbol:      strings.ToUpper(c.Query("symbol")),
		AlgorithmID: c.Query("algorithm_id"),
		Since:       since,
		Limit:       q.Limit,
		Offset:      q.Offset,
	})
	if err != nil {
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": orders})
}

func (s *Server) getOrderStatistics(c *gin.Context) {
	if s.deps.Ledger == nil {
		unavailable(c, "ledger")
		return
	}
	stats, err := s.deps.Ledger.Statistics(c.Request.Context(), CurrentUserID(c), c.Query("algorithm_id"))
	if err != nil {
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (s *Server) listFailedOrders(c *gin.Context) {
	if s.deps.Ledger == nil {
		unavailable(c, "ledger")
		return
	}
	var q pageQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_QUERY", err.Error())
		return
	}
	q.normalize(50, 500)
	orders, err := s.deps.Ledger.FailedTrades(c.Request.Context(), CurrentUserID(c), q.Limit)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": orders})
}

// listAlgorithmOrders spans every user running the algorithm.
func (s *Server) listAlgorithmOrders(c *gin.Context) {
	if s.deps.Ledger == nil {
		unavailable(c, "ledger")
		return
	}
	var q pageQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_QUERY", err.Error())
		return
	}
	q.normalize(100, 500)
	orders, err := s.deps.Ledger.TradesByAlgorithm(c.Request.Context(), c.Param("algorithm"), strings.ToUpper(c.Query("status")), q.Limit)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": orders})
}

func (s *Server) submitOrder(c *gin.Context) {
	if s.deps.Executor == nil {
		unavailable(c, "executor")
		return
	}
	var req submitOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_PAYLOAD", err.Error())
		return
	}
	res, err := s.deps.Executor.Submit(c.Request.Context(), order.Intent{
		UserID:         CurrentUserID(c),
		AlgorithmID:    req.AlgorithmID,
		Symbol:         req.Symbol,
		Side:           req.Side,
		Type:           req.Type,
		Quantity:       req.Quantity,
		LimitPrice:     req.LimitPrice,
		EstimatedPrice: req.EstimatedPrice,
	})
	if err == nil {
		c.JSON(http.StatusCreated, res)
		return
	}

	var v *risk.Violation
	switch {
	case errors.Is(err, order.ErrInvalidIntent):
		respondError(c, http.StatusBadRequest, "INVALID_ORDER", err.Error())
	case errors.Is(err, order.ErrNoPrice):
		respondError(c, http.StatusConflict, "NO_PRICE", err.Error())
	case errors.As(err, &v) && v.Check == risk.CheckPrice:
		c.JSON(http.StatusConflict, gin.H{"code": "NO_PRICE", "check": v.Check, "error": v.Reason, "order": res})
	case errors.As(err, &v):
		c.JSON(http.StatusForbidden, gin.H{"code": "RISK_REJECTED", "check": v.Check, "error": v.Reason, "order": res})
	case common.IsKind(err, common.KindInsufficientFunds):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"code": "INSUFFICIENT_FUNDS", "error": err.Error(), "order": res})
	case res != nil:
		c.JSON(http.StatusBadGateway, gin.H{"code": "VENUE_ERROR", "kind": common.KindOf(err), "error": err.Error(), "order": res})
	default:
		s.log.Error().Err(err).Str("user_id", CurrentUserID(c)).Msg("submit failed")
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
	}
}

func (s *Server) cancelOrder(c *gin.Context) {
	if s.deps.Executor == nil {
		unavailable(c, "executor")
		return
	}
	res, err := s.deps.Executor.Cancel(c.Request.Context(), CurrentUserID(c), c.Param("id"))
	switch {
	case err == nil:
		c.JSON(http.StatusOK, res)
	case errors.Is(err, ledger.ErrOrderNotFound):
		respondError(c, http.StatusNotFound, "ORDER_NOT_FOUND", err.Error())
	case errors.Is(err, order.ErrNotCancellable):
		respondError(c, http.StatusConflict, "NOT_CANCELLABLE", err.Error())
	default:
		respondError(c, http.StatusBadGateway, "VENUE_ERROR", err.Error())
	}
}

// ----------------------------------------
// Scheduler
// ----------------------------------------

func (s *Server) listJobs(c *gin.Context) {
	if s.deps.Scheduler == nil {
		unavailable(c, "scheduler")
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobs": s.deps.Scheduler.Jobs()})
}

func (s *Server) pauseJob(c *gin.Context) {
	s.jobAction(c, s.deps.Scheduler.Pause)
}

func (s *Server) resumeJob(c *gin.Context) {
	s.jobAction(c, s.deps.Scheduler.Resume)
}

func (s *Server) unscheduleJob(c *gin.Context) {
	s.jobAction(c, s.deps.Scheduler.Unschedule)
}

func (s *Server) jobAction(c *gin.Context, action func(ctx context.Context, userID, algorithmID string) error) {
	if s.deps.Scheduler == nil {
		unavailable(c, "scheduler")
		return
	}
	if err := action(c.Request.Context(), c.Param("user"), c.Param("algorithm")); err != nil {
		if errors.Is(err, scheduler.ErrJobNotFound) {
			respondError(c, http.StatusNotFound, "JOB_NOT_FOUND", err.Error())
			return
		}
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobs": s.deps.Scheduler.Jobs()})
}

func (s *Server) runJob(c *gin.Context) {
	if s.deps.Scheduler == nil {
		unavailable(c, "scheduler")
		return
	}
	report, err := s.deps.Scheduler.RunNow(c.Request.Context(), c.Param("user"), c.Param("algorithm"))
	if errors.Is(err, scheduler.ErrJobNotFound) {
		respondError(c, http.StatusNotFound, "JOB_NOT_FOUND", err.Error())
		return
	}
	if err != nil {
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	c.JSON(http.StatusOK, report)
}

// ----------------------------------------
// Status
// ----------------------------------------

func (s *Server) getStatus(c *gin.Context) {
	body := gin.H{"metrics": s.deps.Metrics.GetSnapshot()}
	if s.deps.Admin != nil {
		body["safety"] = s.deps.Admin.Status(c.Request.Context())
	}
	if s.deps.Risk != nil {
		body["risk_limits"] = s.deps.Risk.Limits()
	}
	if s.deps.Scheduler != nil {
		body["jobs"] = len(s.deps.Scheduler.Jobs())
	}
	if s.deps.Bus != nil {
		body["bus_dropped"] = s.deps.Bus.Dropped()
	}
	body["venue"] = gin.H{
		"throttled": s.deps.VenueLimiter.ThrottledCount(),
		"paused":    s.deps.VenueLimiter.ShouldDelay(),
	}
	c.JSON(http.StatusOK, body)
}
