package config

import "strings"

const (
	defaultAppEnv      = "dev"
	defaultAppLogLevel = "info"
	defaultAppHTTPAddr = ":9991"
	defaultAppLogPath  = "/data/logs/marlin-live.log"

	defaultMarketInterval = "1h"
	defaultHistoryLimit   = 300
	defaultMonitorSeconds = 60

	defaultRSIPeriod    = 14
	defaultMACDFast     = 12
	defaultMACDSlow     = 26
	defaultMACDSignal   = 9
	defaultBBPeriod     = 20
	defaultVolumePeriod = 20

	defaultWeightRSI       = 0.40
	defaultWeightMACD      = 0.35
	defaultWeightBollinger = 0.25

	defaultMaxPositionPct  = 0.1
	defaultMinSizeFraction = 0.5
	defaultStopLossPct     = 2.0
	defaultTakeProfitPct   = 5.0
	defaultMaxDailyTrades  = 10
	defaultMaxDailyLoss    = 50.0
	defaultCooldownSeconds = 300

	defaultTradingMode     = "paper"
	defaultTradingEquity   = 1000.0
	defaultOrderRetryCount = 3

	defaultExchangeREST    = "https://fapi.binance.com"
	defaultExchangeTimeout = 15

	defaultStorePath = "/data/live/marlin.db"
)

func defaultSymbols() []string {
	return []string{"BTCUSDT", "ETHUSDT", "SOLUSDT"}
}

func (c *Config) applyDefaults(keys keySet) {
	c.App.applyDefaults(keys)
	c.Market.applyDefaults(keys)
	c.Strategy.applyDefaults(keys)
	c.Risk.applyDefaults(keys)
	c.Trading.applyDefaults(keys)
	c.Exchange.applyDefaults(keys)
	c.Store.applyDefaults(keys)
}

func (a *AppConfig) applyDefaults(keys keySet) {
	if a == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("app.env", &a.Env, defaultAppEnv),
		stringFieldDefault("app.log_level", &a.LogLevel, defaultAppLogLevel),
		stringFieldDefault("app.http_addr", &a.HTTPAddr, defaultAppHTTPAddr),
		stringFieldDefault("app.log_path", &a.LogPath, defaultAppLogPath),
	)
}

func (m *MarketConfig) applyDefaults(keys keySet) {
	if m == nil {
		return
	}
	if len(m.NormalizedSymbols()) == 0 && !keys.isSet("market.symbols") {
		m.Symbols = defaultSymbols()
	}
	applyFieldDefaults(keys,
		stringFieldDefault("market.interval", &m.Interval, defaultMarketInterval),
		intFieldDefault("market.history_limit", &m.HistoryLimit, defaultHistoryLimit),
		intFieldDefault("market.monitor_seconds", &m.MonitorSeconds, defaultMonitorSeconds),
	)
	m.Interval = strings.ToLower(strings.TrimSpace(m.Interval))
}

func (s *StrategyConfig) applyDefaults(keys keySet) {
	if s == nil {
		return
	}
	applyFieldDefaults(keys,
		intFieldDefault("strategy.rsi_period", &s.RSIPeriod, defaultRSIPeriod),
		intFieldDefault("strategy.macd_fast", &s.MACDFast, defaultMACDFast),
		intFieldDefault("strategy.macd_slow", &s.MACDSlow, defaultMACDSlow),
		intFieldDefault("strategy.macd_signal", &s.MACDSignal, defaultMACDSignal),
		intFieldDefault("strategy.bb_period", &s.BBPeriod, defaultBBPeriod),
		intFieldDefault("strategy.volume_period", &s.VolumePeriod, defaultVolumePeriod),
	)
	// Weights only default as a set: a partially specified trio would not
	// survive the sum-to-one validation anyway.
	if s.Weights == (WeightConfig{}) &&
		!keys.isSet("strategy.weights.rsi") &&
		!keys.isSet("strategy.weights.macd") &&
		!keys.isSet("strategy.weights.bollinger") {
		s.Weights = WeightConfig{
			RSI:       defaultWeightRSI,
			MACD:      defaultWeightMACD,
			Bollinger: defaultWeightBollinger,
		}
	}
}

func (r *RiskConfig) applyDefaults(keys keySet) {
	if r == nil {
		return
	}
	applyFieldDefaults(keys,
		floatFieldDefault("risk.max_position_pct", &r.MaxPositionPct, defaultMaxPositionPct),
		floatFieldDefault("risk.min_size_fraction", &r.MinSizeFraction, defaultMinSizeFraction),
		floatFieldDefault("risk.stop_loss_pct", &r.StopLossPct, defaultStopLossPct),
		floatFieldDefault("risk.take_profit_pct", &r.TakeProfitPct, defaultTakeProfitPct),
		intFieldDefault("risk.max_daily_trades", &r.MaxDailyTrades, defaultMaxDailyTrades),
		floatFieldDefault("risk.max_daily_loss", &r.MaxDailyLoss, defaultMaxDailyLoss),
		intFieldDefault("risk.cooldown_seconds", &r.CooldownSeconds, defaultCooldownSeconds),
	)
}

func (t *TradingConfig) applyDefaults(keys keySet) {
	if t == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("trading.mode", &t.Mode, defaultTradingMode),
		floatFieldDefault("trading.equity", &t.Equity, defaultTradingEquity),
		intFieldDefault("trading.order_retry_count", &t.OrderRetryCount, defaultOrderRetryCount),
	)
	t.Mode = strings.ToLower(strings.TrimSpace(t.Mode))
}

func (e *ExchangeConfig) applyDefaults(keys keySet) {
	if e == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("exchange.rest_base_url", &e.RESTBaseURL, defaultExchangeREST),
		intFieldDefault("exchange.timeout_seconds", &e.TimeoutSeconds, defaultExchangeTimeout),
	)
}

func (s *StoreConfig) applyDefaults(keys keySet) {
	if s == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("store.path", &s.Path, defaultStorePath),
	)
}

// Helper functions

func applyFieldDefaults(keys keySet, defs ...fieldDefault) {
	for _, def := range defs {
		if def.apply == nil {
			continue
		}
		if def.key != "" && keys.isSet(def.key) {
			continue
		}
		if def.need != nil && !def.need() {
			continue
		}
		def.apply()
	}
}

func stringFieldDefault(key string, target *string, def string) fieldDefault {
	return fieldDefault{
		key: key,
		need: func() bool {
			return target != nil && strings.TrimSpace(*target) == ""
		},
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}

func intFieldDefault(key string, target *int, def int) fieldDefault {
	return fieldDefault{
		key:  key,
		need: func() bool { return target != nil && *target <= 0 },
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}

func floatFieldDefault(key string, target *float64, def float64) fieldDefault {
	return fieldDefault{
		key:  key,
		need: func() bool { return target != nil && *target <= 0 },
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}
