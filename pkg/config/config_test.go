package config

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DB_PATH", "")
	t.Setenv("TRADING_MODE", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ModePaper, cfg.TradingMode)
	assert.False(t, cfg.Live())
	assert.Equal(t, 30*time.Second, cfg.ExchangeTimeout)
	assert.True(t, cfg.PaperInitialBalance.Equal(decimal.NewFromInt(100000)))
	assert.True(t, cfg.RiskMaxPositionPct.Equal(decimal.RequireFromString("0.2")))
	assert.True(t, cfg.HardStopThreshold.Equal(decimal.RequireFromString("0.95")))
	assert.Equal(t, "https://www.coinspot.com.au/api/v2", cfg.CoinspotBaseURL)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("TRADING_MODE", "LIVE")
	t.Setenv("RISK_MAX_DAILY_LOSS_PCT", "0.1")
	t.Setenv("RECONCILE_INTERVAL", "15s")
	t.Setenv("SYMBOLS", " btc , sol,,")
	t.Setenv("HARDSTOP_ENABLED", "false")
	t.Setenv("PAPER_DEPTH", "not-a-number")

	cfg, err := Load()
	require.NoError(t, err)

	assert.True(t, cfg.Live())
	assert.True(t, cfg.RiskMaxDailyLossPct.Equal(decimal.RequireFromString("0.1")))
	assert.Equal(t, 15*time.Second, cfg.ReconcileInterval)
	assert.Equal(t, []string{"BTC", "SOL"}, cfg.Symbols)
	assert.False(t, cfg.HardStopEnabled)
	assert.Equal(t, 10, cfg.PaperDepth)
}

func TestPaperStartPrices(t *testing.T) {
	t.Setenv("PAPER_START_PRICES", "btc=61000, sol = 150,bad,eth=-1,xrp=abc")

	cfg, err := Load()
	require.NoError(t, err)
	require.Len(t, cfg.PaperStartPrices, 2)
	assert.True(t, cfg.PaperStartPrices["BTC"].Equal(decimal.NewFromInt(61000)))
	assert.True(t, cfg.PaperStartPrices["SOL"].Equal(decimal.NewFromInt(150)))
}
