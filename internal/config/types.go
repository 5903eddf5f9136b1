package config

import (
	"strings"
	"time"

	"marlin/internal/analysis/indicator"
	"marlin/internal/analysis/sentiment"
	"marlin/internal/risk"
)

// Config is the top-level configuration carrier.
type Config struct {
	App      AppConfig      `toml:"app"`
	Market   MarketConfig   `toml:"market"`
	Strategy StrategyConfig `toml:"strategy"`
	Risk     RiskConfig     `toml:"risk"`
	Trading  TradingConfig  `toml:"trading"`
	Exchange ExchangeConfig `toml:"exchange"`
	Notify   NotifyConfig   `toml:"notify"`
	Store    StoreConfig    `toml:"store"`
}

type AppConfig struct {
	Env      string `toml:"env"`
	LogLevel string `toml:"log_level"`
	HTTPAddr string `toml:"http_addr"`
	LogPath  string `toml:"log_path"`
}

// MarketConfig drives the candle fetch and monitoring cadence.
type MarketConfig struct {
	Symbols        []string `toml:"symbols"`
	Interval       string   `toml:"interval"`
	HistoryLimit   int      `toml:"history_limit"`
	MonitorSeconds int      `toml:"monitor_seconds"`
}

func (m MarketConfig) MonitorInterval() time.Duration {
	return time.Duration(m.MonitorSeconds) * time.Second
}

// NormalizedSymbols returns the symbol list upper-cased and de-duplicated.
func (m MarketConfig) NormalizedSymbols() []string {
	seen := make(map[string]struct{}, len(m.Symbols))
	out := make([]string, 0, len(m.Symbols))
	for _, sym := range m.Symbols {
		s := strings.ToUpper(strings.TrimSpace(sym))
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

// StrategyConfig holds the indicator periods and the sentiment weights.
type StrategyConfig struct {
	RSIPeriod    int `toml:"rsi_period"`
	MACDFast     int `toml:"macd_fast"`
	MACDSlow     int `toml:"macd_slow"`
	MACDSignal   int `toml:"macd_signal"`
	BBPeriod     int `toml:"bb_period"`
	VolumePeriod int `toml:"volume_period"`

	Weights WeightConfig `toml:"weights"`
}

type WeightConfig struct {
	RSI       float64 `toml:"rsi"`
	MACD      float64 `toml:"macd"`
	Bollinger float64 `toml:"bollinger"`
}

func (s StrategyConfig) IndicatorSettings() indicator.Settings {
	return indicator.Settings{
		RSIPeriod:    s.RSIPeriod,
		MACDFast:     s.MACDFast,
		MACDSlow:     s.MACDSlow,
		MACDSignal:   s.MACDSignal,
		BBPeriod:     s.BBPeriod,
		VolumePeriod: s.VolumePeriod,
	}
}

func (s StrategyConfig) SentimentWeights() sentiment.Weights {
	return sentiment.Weights{
		RSI:       s.Weights.RSI,
		MACD:      s.Weights.MACD,
		Bollinger: s.Weights.Bollinger,
	}
}

// RiskConfig mirrors risk.Limits in file-friendly units.
type RiskConfig struct {
	MaxPositionPct  float64 `toml:"max_position_pct"`
	MinSizeFraction float64 `toml:"min_size_fraction"`
	StopLossPct     float64 `toml:"stop_loss_pct"`
	TakeProfitPct   float64 `toml:"take_profit_pct"`
	MaxDailyTrades  int     `toml:"max_daily_trades"`
	MaxDailyLoss    float64 `toml:"max_daily_loss"`
	CooldownSeconds int     `toml:"cooldown_seconds"`
}

func (r RiskConfig) Limits() risk.Limits {
	return risk.Limits{
		MaxPositionPct:  r.MaxPositionPct,
		MinSizeFraction: r.MinSizeFraction,
		StopLossPct:     r.StopLossPct,
		TakeProfitPct:   r.TakeProfitPct,
		MaxDailyTrades:  r.MaxDailyTrades,
		MaxDailyLoss:    r.MaxDailyLoss,
		Cooldown:        time.Duration(r.CooldownSeconds) * time.Second,
	}
}

// TradingConfig selects the execution backend and the simulated equity base.
type TradingConfig struct {
	Mode   string  `toml:"mode"` // "paper" | "live"
	Equity float64 `toml:"equity"`

	// OrderRetryCount bounds order submission attempts per entry or exit.
	OrderRetryCount int `toml:"order_retry_count"`
}

func (t TradingConfig) IsLive() bool {
	return strings.EqualFold(strings.TrimSpace(t.Mode), "live")
}

type ExchangeConfig struct {
	RESTBaseURL    string `toml:"rest_base_url"`
	APIKey         string `toml:"api_key"`
	APISecret      string `toml:"api_secret"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

func (e ExchangeConfig) HTTPTimeout() time.Duration {
	return time.Duration(e.TimeoutSeconds) * time.Second
}

type NotifyConfig struct {
	Telegram TelegramConfig `toml:"telegram"`
}

type TelegramConfig struct {
	Enabled  bool   `toml:"enabled"`
	BotToken string `toml:"bot_token"`
	ChatID   string `toml:"chat_id"`
}

type StoreConfig struct {
	Path string `toml:"path"`
}

// keySet tracks field paths explicitly present in the config files, so
// defaults never overwrite a value the user deliberately set.
type keySet map[string]struct{}

func (k keySet) mark(path string) {
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return
	}
	k[path] = struct{}{}
}

func (k keySet) isSet(path string) bool {
	if len(k) == 0 {
		return false
	}
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return false
	}
	_, ok := k[path]
	return ok
}

// fieldDefault describes the default rule for a single field.
type fieldDefault struct {
	key   string
	need  func() bool
	apply func()
}
