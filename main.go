package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"execution-core/internal/api"
	"execution-core/internal/audit"
	"execution-core/internal/events"
	"execution-core/internal/ledger"
	"execution-core/internal/market"
	"execution-core/internal/monitor"
	"execution-core/internal/order"
	"execution-core/internal/pnl"
	"execution-core/internal/reconciliation"
	"execution-core/internal/risk"
	"execution-core/internal/safety"
	"execution-core/internal/scheduler"
	"execution-core/internal/strategy"
	"execution-core/pkg/config"
	"execution-core/pkg/db"
	"execution-core/pkg/exchanges/coinspot"
	"execution-core/pkg/exchanges/common"
	"execution-core/pkg/exchanges/paper"
	"execution-core/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	log := logger.New(cfg.LogLevel, cfg.LogPretty)
	if err := run(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("execution core stopped")
	}
}

func run(cfg *config.Config, log zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info().Str("mode", cfg.TradingMode).Str("db", cfg.DBPath).Msg("starting execution core")

	database, err := db.New(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	queries := database.Queries()

	bus := events.NewBus()
	promRegistry := prometheus.NewRegistry()
	metrics := monitor.NewMetrics(promRegistry)
	auditLog := audit.New(database, bus, logger.Component(log, "audit"))

	// Safety registry
	store, closeStore, err := safetyStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeStore()
	registry := safety.NewRegistry(store, queries, auditLog, bus, logger.Component(log, "safety"))
	if err := registry.Restore(ctx); err != nil {
		log.Warn().Err(err).Msg("could not restore safety state from settings")
	}
	metrics.SetKillSwitch(registry.IsActive(ctx))
	metrics.SetMarketVolatile(registry.MarketStatus(ctx) == safety.MarketVolatile)

	mon := &monitor.Monitor{Bus: bus, Metrics: metrics, Sink: monitor.LogSink{Log: log}, Log: logger.Component(log, "monitor")}
	mon.Start(ctx)

	// Ledger and risk
	l := ledger.New(database, bus, logger.Component(log, "ledger"))
	rules := risk.NewRuleStore(database.DB, auditLog)
	riskEngine := risk.NewEngine(database.DB, registry, l, rules, auditLog, risk.Limits{
		MaxPositionPct:          cfg.RiskMaxPositionPct,
		MaxDailyLossPct:         cfg.RiskMaxDailyLossPct,
		MaxAlgorithmExposurePct: cfg.RiskMaxAlgoExposurePct,
	}, logger.Component(log, "risk"))

	// Venue and prices
	prices := market.NewPrices()
	provider, limiter, err := venue(ctx, cfg, prices, log)
	if err != nil {
		return err
	}

	pnlEngine := pnl.NewEngine(database.DB, prices, logger.Component(log, "pnl"))
	exec := order.NewExecutor(riskEngine, l, provider, prices, metrics, logger.Component(log, "executor"))

	// Scheduler
	sched := scheduler.New(prices, exec, scheduler.Options{
		Store:    queries,
		PnL:      pnlEngine,
		Registry: strategy.NewRegistry(),
		Bus:      bus,
		Metrics:  metrics,
	}, log)
	if cfg.DeploymentsFile != "" {
		file, err := scheduler.LoadDeploymentsFile(cfg.DeploymentsFile)
		if err != nil {
			return fmt.Errorf("load deployments: %w", err)
		}
		if err := file.Seed(ctx, queries); err != nil {
			return fmt.Errorf("seed deployments: %w", err)
		}
		log.Info().Str("file", cfg.DeploymentsFile).Int("deployments", len(file.Deployments)).Msg("deployments seeded")
	}
	loaded, err := sched.LoadDeployedAlgorithms(ctx)
	if err != nil {
		return fmt.Errorf("recover deployments: %w", err)
	}
	log.Info().Int("jobs", loaded).Msg("deployed algorithms recovered")
	sched.Start()

	// Background safety nets
	recon := reconciliation.NewService(l, provider, reconciliation.Config{
		Interval: cfg.ReconcileInterval,
		MinAge:   cfg.ReconcileMinAge,
		Grace:    cfg.ReconcileGrace,
	}, reconciliation.Options{
		Audit:   auditLog,
		Locker:  exec,
		Bus:     bus,
		Metrics: metrics,
	}, log)
	recon.Start(ctx)

	var watcher *safety.HardStopWatcher
	if cfg.HardStopEnabled {
		watcher = safety.NewHardStopWatcher(registry, store, safety.PositionEquity{DB: database.DB, Prices: prices},
			auditLog, cfg.HardStopThreshold, cfg.HardStopInterval, log)
		watcher.Start(ctx)
	}

	var srv *api.Server
	if cfg.HTTPAddr != "" {
		srv = api.NewServer(api.Deps{
			Admin:     safety.NewAdmin(registry, queries),
			HardStop:  watcher,
			Users:     queries,
			Rules:     rules,
			Risk:      riskEngine,
			Audit:     auditLog,
			PnL:       pnlEngine,
			Ledger:    l,
			Executor:  exec,
			Scheduler: sched,
			Bus:       bus,
			Metrics:   metrics,
			Gatherer:  promRegistry,
			JWTSecret: cfg.JWTSecret,

			VenueLimiter: limiter,
		}, log)
		go func() {
			if err := srv.Start(cfg.HTTPAddr); err != nil {
				log.Error().Err(err).Msg("api server failed")
				stop()
			}
		}()
	}

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if srv != nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("api shutdown")
		}
	}
	if err := sched.Stop(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		log.Warn().Err(err).Msg("scheduler shutdown")
	}
	log.Info().Msg("execution core stopped")
	return nil
}

// safetyStore picks redis when configured, otherwise an in-process store.
func safetyStore(ctx context.Context, cfg *config.Config, log zerolog.Logger) (safety.Store, func(), error) {
	if cfg.RedisAddr == "" {
		log.Warn().Msg("REDIS_ADDR not set; kill switch is local to this process")
		return safety.NewMemoryStore(), func() {}, nil
	}
	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	client, err := safety.DialRedis(dialCtx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		return nil, nil, err
	}
	log.Info().Str("addr", cfg.RedisAddr).Msg("safety registry on redis")
	return safety.NewRedisStore(client, 2*time.Second), func() { _ = client.Close() }, nil
}

// venue builds the exchange provider for the trading mode. Paper mode also
// starts a random-walk feed so prices exist without a live collector.
func venue(ctx context.Context, cfg *config.Config, prices *market.Prices, log zerolog.Logger) (common.Provider, *common.RateLimiter, error) {
	if cfg.Live() {
		if cfg.CoinspotAPIKey == "" || cfg.CoinspotAPISecret == "" {
			return nil, nil, errors.New("live mode needs COINSPOT_API_KEY and COINSPOT_API_SECRET")
		}
		limiter := common.NewRateLimiter(2, 4)
		log.Warn().Str("base_url", cfg.CoinspotBaseURL).Msg("LIVE trading enabled")
		return coinspot.NewProvider(coinspot.Config{
			BaseURL:       cfg.CoinspotBaseURL,
			QuoteCurrency: cfg.QuoteCurrency,
			Timeout:       cfg.ExchangeTimeout,
		}, coinspot.StaticCredentials{
			APIKey:    cfg.CoinspotAPIKey,
			APISecret: cfg.CoinspotAPISecret,
		}, limiter, logger.Component(log, "coinspot")), limiter, nil
	}

	sim := paper.NewSimulator(paper.Config{
		QuoteCurrency:  cfg.QuoteCurrency,
		InitialBalance: cfg.PaperInitialBalance,
		Spread:         cfg.PaperSpread,
		Depth:          cfg.PaperDepth,
		Seed:           cfg.PaperSeed,
		SweepOnPrice:   true,
	}, logger.Component(log, "paper"))
	for _, sym := range cfg.Symbols {
		if _, ok := cfg.PaperStartPrices[sym]; !ok {
			log.Warn().Str("symbol", sym).Msg("no starting price for symbol; it will not trade in paper mode")
		}
	}
	feed := &market.MockFeed{
		Sink:  market.Fanout{prices, sim},
		Start: cfg.PaperStartPrices,
		Seed:  cfg.PaperSeed,
		Log:   logger.Component(log, "mock_feed"),
	}
	go feed.Run(ctx)
	log.Info().Str("balance", cfg.PaperInitialBalance.String()).Msg("paper trading enabled")
	return common.ProviderFunc(sim.ForUser), nil, nil
}
