package config

import (
	"fmt"
	"strings"
)

func validate(c *Config) error {
	if err := c.Market.validate(); err != nil {
		return err
	}
	if err := c.Strategy.validate(); err != nil {
		return err
	}
	if err := c.Risk.validate(); err != nil {
		return err
	}
	if err := c.Trading.validate(); err != nil {
		return err
	}
	if err := c.Notify.validate(); err != nil {
		return err
	}
	if err := c.Exchange.validate(c.Trading.IsLive()); err != nil {
		return err
	}
	return nil
}

func (m *MarketConfig) validate() error {
	if len(m.NormalizedSymbols()) == 0 {
		return fmt.Errorf("market.symbols requires at least one symbol")
	}
	if !IsValidInterval(m.Interval) {
		return fmt.Errorf("market.interval is not a valid interval: %q", m.Interval)
	}
	if m.HistoryLimit < 50 || m.HistoryLimit > 1500 {
		return fmt.Errorf("market.history_limit must be in [50,1500]")
	}
	if m.MonitorSeconds < 5 {
		return fmt.Errorf("market.monitor_seconds must be >= 5")
	}
	return nil
}

func (s *StrategyConfig) validate() error {
	if s.RSIPeriod < 2 {
		return fmt.Errorf("strategy.rsi_period must be >= 2")
	}
	if s.MACDFast < 2 || s.MACDSlow < 2 || s.MACDSignal < 1 {
		return fmt.Errorf("strategy macd periods must be positive")
	}
	if s.MACDFast >= s.MACDSlow {
		return fmt.Errorf("strategy.macd_fast must be < strategy.macd_slow")
	}
	if s.BBPeriod < 2 {
		return fmt.Errorf("strategy.bb_period must be >= 2")
	}
	if s.VolumePeriod < 2 {
		return fmt.Errorf("strategy.volume_period must be >= 2")
	}
	if err := s.SentimentWeights().Validate(); err != nil {
		return fmt.Errorf("strategy.weights: %w", err)
	}
	return nil
}

func (r *RiskConfig) validate() error {
	if err := r.Limits().Validate(); err != nil {
		return fmt.Errorf("risk: %w", err)
	}
	return nil
}

func (t *TradingConfig) validate() error {
	switch strings.ToLower(strings.TrimSpace(t.Mode)) {
	case "paper", "live":
	default:
		return fmt.Errorf("trading.mode only supports 'paper' or 'live', got %q", t.Mode)
	}
	if t.Equity <= 0 {
		return fmt.Errorf("trading.equity must be > 0")
	}
	if t.OrderRetryCount < 1 {
		return fmt.Errorf("trading.order_retry_count must be >= 1")
	}
	return nil
}

func (n *NotifyConfig) validate() error {
	if n.Telegram.Enabled {
		if n.Telegram.BotToken == "" || n.Telegram.ChatID == "" {
			return fmt.Errorf("telegram notification enabled but missing bot_token or chat_id")
		}
	}
	return nil
}

func (e *ExchangeConfig) validate(live bool) error {
	if strings.TrimSpace(e.RESTBaseURL) == "" {
		return fmt.Errorf("exchange.rest_base_url cannot be empty")
	}
	if e.TimeoutSeconds <= 0 {
		return fmt.Errorf("exchange.timeout_seconds must be > 0")
	}
	if live {
		if strings.TrimSpace(e.APIKey) == "" || strings.TrimSpace(e.APISecret) == "" {
			return fmt.Errorf("live trading requires exchange.api_key and exchange.api_secret")
		}
	}
	return nil
}

// IsValidInterval accepts strings that start with digits and end with m/h/d/w.
func IsValidInterval(s string) bool {
	if len(s) < 2 {
		return false
	}
	suf := s[len(s)-1]
	if suf != 'm' && suf != 'h' && suf != 'd' && suf != 'w' {
		return false
	}
	for i := 0; i < len(s)-1; i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
