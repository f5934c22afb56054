// Package api is the operator HTTP surface of the execution core.
package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"execution-core/internal/audit"
	"execution-core/internal/events"
	"execution-core/internal/ledger"
	"execution-core/internal/monitor"
	"execution-core/internal/order"
	"execution-core/internal/pnl"
	"execution-core/internal/risk"
	"execution-core/internal/safety"
	"execution-core/internal/scheduler"
	"execution-core/pkg/exchanges/common"
)

// Deps are the services the routes call into. Nil services disable their
// routes' handlers with 503.
type Deps struct {
	Admin     *safety.Admin
	HardStop  *safety.HardStopWatcher
	Users     safety.UserLookup
	Rules     *risk.RuleStore
	Risk      *risk.Engine
	Audit     *audit.Log
	PnL       *pnl.Engine
	Ledger    *ledger.Ledger
	Executor  *order.Executor
	Scheduler *scheduler.Scheduler
	Bus       *events.Bus
	Metrics   *monitor.Metrics
	Gatherer  prometheus.Gatherer
	JWTSecret string
	// RequestsPerSecond per client IP; zero means 20.
	RequestsPerSecond float64

	// VenueLimiter is the live venue's shared limiter; nil in paper mode.
	VenueLimiter *common.RateLimiter
}

// Server wires HTTP endpoints around the core services.
type Server struct {
	Router *gin.Engine
	deps   Deps
	log    zerolog.Logger
	http   *http.Server
}

// NewServer builds the router.
func NewServer(deps Deps, logger zerolog.Logger) *Server {
	log := logger.With().Str("component", "api").Logger()
	if deps.RequestsPerSecond <= 0 {
		deps.RequestsPerSecond = 20
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(RequestLogger(log))
	r.Use(RateLimitMiddleware(NewIPLimiter(deps.RequestsPerSecond, int(deps.RequestsPerSecond*2.5)), log))
	r.Use(TimeoutMiddleware(30 * time.Second))

	s := &Server{Router: r, deps: deps, log: log}
	s.http = &http.Server{Handler: r, ReadHeaderTimeout: 10 * time.Second}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)
	gatherer := s.deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	s.Router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	authed := s.Router.Group("")
	authed.Use(AuthMiddleware(s.deps.JWTSecret))
	superuser := SuperuserMiddleware(s.deps.Users)

	authed.GET("/ws/audit", superuser, s.auditStream)

	api := authed.Group("/api")
	{
		api.GET("/status", s.getStatus)

		safetyGroup := api.Group("/safety")
		{
			safetyGroup.GET("/kill-switch", s.getSafetyStatus)
			safetyGroup.POST("/kill-switch", s.setKillSwitch)
			safetyGroup.DELETE("/kill-switch", s.clearKillSwitch)
			safetyGroup.GET("/market-status", s.getSafetyStatus)
			safetyGroup.POST("/market-status", s.setMarketStatus)
			safetyGroup.POST("/hard-stop/reset", superuser, s.resetHardStop)
		}

		rules := api.Group("/risk/rules", superuser)
		{
			rules.GET("", s.listRules)
			rules.POST("", s.createRule)
			rules.GET("/:id", s.getRule)
			rules.PUT("/:id", s.updateRule)
			rules.DELETE("/:id", s.deactivateRule)
		}
		api.GET("/risk/status", s.getRiskStatus)

		api.GET("/audit", superuser, s.listAudit)

		api.GET("/pnl/:user", s.getPnL)
		api.GET("/pnl/:user/historical", s.getHistoricalPnL)
		api.GET("/pnl/:user/lots", s.getOpenLots)

		api.GET("/orders", s.listOrders)
		api.GET("/orders/statistics", s.getOrderStatistics)
		api.GET("/orders/failed", s.listFailedOrders)
		api.GET("/algorithms/:algorithm/orders", superuser, s.listAlgorithmOrders)
		api.GET("/orders/:id", s.getOrder)
		api.POST("/orders", s.submitOrder)
		api.DELETE("/orders/:id", s.cancelOrder)

		jobs := api.Group("/scheduler/jobs", superuser)
		{
			jobs.GET("", s.listJobs)
			jobs.POST("/:user/:algorithm/pause", s.pauseJob)
			jobs.POST("/:user/:algorithm/resume", s.resumeJob)
			jobs.POST("/:user/:algorithm/run", s.runJob)
			jobs.DELETE("/:user/:algorithm", s.unscheduleJob)
		}
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Start serves on addr until Shutdown.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.log.Info().Str("addr", ln.Addr().String()).Msg("api listening")
	if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
