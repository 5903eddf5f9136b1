package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "config.yaml", `
app:
  env: prod
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "prod", cfg.App.Env)
	assert.Equal(t, "info", cfg.App.LogLevel)
	assert.Equal(t, ":9991", cfg.App.HTTPAddr)

	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT", "SOLUSDT"}, cfg.Market.NormalizedSymbols())
	assert.Equal(t, "1h", cfg.Market.Interval)
	assert.Equal(t, 300, cfg.Market.HistoryLimit)
	assert.Equal(t, time.Minute, cfg.Market.MonitorInterval())

	assert.Equal(t, 14, cfg.Strategy.RSIPeriod)
	assert.Equal(t, 26, cfg.Strategy.MACDSlow)
	assert.InDelta(t, 0.40, cfg.Strategy.Weights.RSI, 1e-9)
	assert.InDelta(t, 0.25, cfg.Strategy.Weights.Bollinger, 1e-9)

	limits := cfg.Risk.Limits()
	assert.Equal(t, 10, limits.MaxDailyTrades)
	assert.InDelta(t, 50.0, limits.MaxDailyLoss, 1e-9)
	assert.Equal(t, 5*time.Minute, limits.Cooldown)
	assert.InDelta(t, 2.0, limits.StopLossPct, 1e-9)
	assert.InDelta(t, 5.0, limits.TakeProfitPct, 1e-9)

	assert.Equal(t, "paper", cfg.Trading.Mode)
	assert.False(t, cfg.Trading.IsLive())
	assert.InDelta(t, 1000, cfg.Trading.Equity, 1e-9)
	assert.Equal(t, 3, cfg.Trading.OrderRetryCount)

	assert.Equal(t, "https://fapi.binance.com", cfg.Exchange.RESTBaseURL)
	assert.Equal(t, 15*time.Second, cfg.Exchange.HTTPTimeout())
}

func TestLoadExplicitValuesWin(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "config.yaml", `
market:
  symbols: ["ethusdt", "ETHUSDT", "btcusdt"]
  interval: 15m
  history_limit: 200
strategy:
  weights:
    rsi: 0.5
    macd: 0.3
    bollinger: 0.2
risk:
  max_daily_trades: 3
  cooldown_seconds: 60
trading:
  mode: paper
  equity: 2500
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, []string{"ETHUSDT", "BTCUSDT"}, cfg.Market.NormalizedSymbols())
	assert.Equal(t, "15m", cfg.Market.Interval)
	assert.Equal(t, 200, cfg.Market.HistoryLimit)
	assert.InDelta(t, 0.5, cfg.Strategy.Weights.RSI, 1e-9)
	assert.Equal(t, 3, cfg.Risk.Limits().MaxDailyTrades)
	assert.Equal(t, time.Minute, cfg.Risk.Limits().Cooldown)
	assert.InDelta(t, 2500, cfg.Trading.Equity, 1e-9)
}

func TestLoadIncludeMerge(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "base.yaml", `
market:
  interval: 4h
risk:
  max_daily_trades: 5
`)
	path := writeConfig(t, dir, "config.yaml", `
include:
  - base.yaml
risk:
  max_daily_trades: 7
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "4h", cfg.Market.Interval)
	assert.Equal(t, 7, cfg.Risk.MaxDailyTrades)
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"bad interval": `
market:
  interval: "1x"
`,
		"bad weights": `
strategy:
  weights:
    rsi: 0.9
    macd: 0.9
    bollinger: 0.9
`,
		"bad mode": `
trading:
  mode: turbo
`,
		"live without keys": `
trading:
  mode: live
`,
		"macd fast not below slow": `
strategy:
  macd_fast: 30
`,
		"telegram missing chat": `
notify:
  telegram:
    enabled: true
    bot_token: tok
`,
		"zero order retries": `
trading:
  order_retry_count: 0
`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			path := writeConfig(t, t.TempDir(), "config.yaml", body)
			_, err := Load(path)
			assert.Error(t, err)
		})
	}
}

func TestIsValidInterval(t *testing.T) {
	assert.True(t, IsValidInterval("15m"))
	assert.True(t, IsValidInterval("1h"))
	assert.True(t, IsValidInterval("1d"))
	assert.False(t, IsValidInterval(""))
	assert.False(t, IsValidInterval("h"))
	assert.False(t, IsValidInterval("1x"))
	assert.False(t, IsValidInterval("m5"))
}
