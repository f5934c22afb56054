package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Trading modes.
const (
	ModePaper = "paper"
	ModeLive  = "live"
)

// Config holds environment-driven settings for the execution core.
type Config struct {
	// Database
	DBPath string

	// Shared safety registry; empty address keeps it in-process.
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Logging
	LogLevel  string
	LogPretty bool

	// Execution
	TradingMode     string
	QuoteCurrency   string
	ExchangeTimeout time.Duration

	// CoinSpot
	CoinspotAPIKey    string
	CoinspotAPISecret string
	CoinspotBaseURL   string

	// Paper exchange
	PaperInitialBalance decimal.Decimal
	PaperSeed           int64
	PaperSpread         decimal.Decimal
	PaperDepth          int
	// Starting mids for the random-walk feed in paper mode.
	PaperStartPrices map[string]decimal.Decimal

	// Risk defaults, as fractions (0.20 = 20%)
	RiskMaxPositionPct     decimal.Decimal
	RiskMaxDailyLossPct    decimal.Decimal
	RiskMaxAlgoExposurePct decimal.Decimal

	// Reconciler
	ReconcileInterval time.Duration
	ReconcileMinAge   time.Duration
	ReconcileGrace    time.Duration

	// Hard stop watcher
	HardStopEnabled   bool
	HardStopThreshold decimal.Decimal
	HardStopInterval  time.Duration

	// Admin HTTP surface; empty address disables it.
	HTTPAddr  string
	JWTSecret string

	// Optional YAML seed of algorithm deployments.
	DeploymentsFile string
	// Symbols the market snapshot covers.
	Symbols []string
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	return &Config{
		DBPath:                 getEnv("DB_PATH", "./data/execution.db"),
		RedisAddr:              getEnv("REDIS_ADDR", ""),
		RedisPassword:          os.Getenv("REDIS_PASSWORD"),
		RedisDB:                getEnvInt("REDIS_DB", 0),
		LogLevel:               getEnv("LOG_LEVEL", "info"),
		LogPretty:              getEnvBool("LOG_PRETTY", false),
		TradingMode:            strings.ToLower(getEnv("TRADING_MODE", ModePaper)),
		QuoteCurrency:          strings.ToUpper(getEnv("QUOTE_CURRENCY", "AUD")),
		ExchangeTimeout:        getEnvDuration("EXCHANGE_TIMEOUT", 30*time.Second),
		CoinspotAPIKey:         os.Getenv("COINSPOT_API_KEY"),
		CoinspotAPISecret:      os.Getenv("COINSPOT_API_SECRET"),
		CoinspotBaseURL:        getEnv("COINSPOT_BASE_URL", "https://www.coinspot.com.au/api/v2"),
		PaperInitialBalance:    getEnvDecimal("PAPER_INITIAL_BALANCE", decimal.NewFromInt(100000)),
		PaperSeed:              int64(getEnvInt("PAPER_SEED", 42)),
		PaperSpread:            getEnvDecimal("PAPER_SPREAD", decimal.RequireFromString("0.001")),
		PaperDepth:             getEnvInt("PAPER_DEPTH", 10),
		PaperStartPrices:       getEnvPrices("PAPER_START_PRICES", "BTC=60000,ETH=3000"),
		RiskMaxPositionPct:     getEnvDecimal("RISK_MAX_POSITION_PCT", decimal.RequireFromString("0.20")),
		RiskMaxDailyLossPct:    getEnvDecimal("RISK_MAX_DAILY_LOSS_PCT", decimal.RequireFromString("0.05")),
		RiskMaxAlgoExposurePct: getEnvDecimal("RISK_MAX_ALGO_EXPOSURE_PCT", decimal.RequireFromString("0.30")),
		ReconcileInterval:      getEnvDuration("RECONCILE_INTERVAL", time.Minute),
		ReconcileMinAge:        getEnvDuration("RECONCILE_MIN_AGE", 30*time.Second),
		ReconcileGrace:         getEnvDuration("RECONCILE_GRACE", 10*time.Minute),
		HardStopEnabled:        getEnvBool("HARDSTOP_ENABLED", true),
		HardStopThreshold:      getEnvDecimal("HARDSTOP_THRESHOLD", decimal.RequireFromString("0.95")),
		HardStopInterval:       getEnvDuration("HARDSTOP_INTERVAL", 5*time.Second),
		HTTPAddr:               getEnv("HTTP_ADDR", ""),
		JWTSecret:              getEnv("JWT_SECRET", "dev-secret"),
		DeploymentsFile:        getEnv("DEPLOYMENTS_FILE", ""),
		Symbols:                splitAndTrim(getEnv("SYMBOLS", "BTC,ETH")),
	}, nil
}

// Live reports whether orders go to the real venue.
func (c *Config) Live() bool {
	return c.TradingMode == ModeLive
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.ToUpper(strings.TrimSpace(p)); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func getEnvDecimal(key string, def decimal.Decimal) decimal.Decimal {
	if v := os.Getenv(key); v != "" {
		if d, err := decimal.NewFromString(v); err == nil {
			return d
		}
	}
	return def
}

// getEnvPrices parses "SYM=price,SYM=price"; malformed pairs are skipped.
func getEnvPrices(key, def string) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal)
	for _, pair := range strings.Split(getEnv(key, def), ",") {
		sym, raw, ok := strings.Cut(pair, "=")
		if !ok {
			continue
		}
		d, err := decimal.NewFromString(strings.TrimSpace(raw))
		if err != nil || !d.IsPositive() {
			continue
		}
		out[strings.ToUpper(strings.TrimSpace(sym))] = d
	}
	return out
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
