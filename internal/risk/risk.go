package risk

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"marlin/internal/logger"
	"marlin/internal/position"
	"marlin/internal/signal"
)

const dayLayout = "2006-01-02"

// Limits is the risk budget. Hot-reloadable through UpdateLimits.
type Limits struct {
	MaxPositionPct  float64       // fraction of equity per trade, (0,1]
	MinSizeFraction float64       // size multiplier at confidence 0.5
	StopLossPct     float64       // percent distance from entry
	TakeProfitPct   float64       // percent distance from entry
	MaxDailyTrades  int
	MaxDailyLoss    float64       // quote currency
	Cooldown        time.Duration // minimum gap between trade opens
}

func (l Limits) Validate() error {
	if l.MaxPositionPct <= 0 || l.MaxPositionPct > 1 {
		return fmt.Errorf("risk.max_position_pct must be in (0,1], got %f", l.MaxPositionPct)
	}
	if l.MinSizeFraction <= 0 || l.MinSizeFraction > 1 {
		return fmt.Errorf("risk.min_size_fraction must be in (0,1], got %f", l.MinSizeFraction)
	}
	if l.StopLossPct <= 0 || l.TakeProfitPct <= 0 {
		return fmt.Errorf("risk stop/take-profit percentages must be positive")
	}
	if l.MaxDailyTrades <= 0 {
		return fmt.Errorf("risk.max_daily_trades must be positive")
	}
	if l.MaxDailyLoss <= 0 {
		return fmt.Errorf("risk.max_daily_loss must be positive")
	}
	if l.Cooldown < 0 {
		return fmt.Errorf("risk.cooldown must be non-negative")
	}
	return nil
}

// DenyReason enumerates why an evaluation did not allow a trade.
// Denials are values, never errors.
type DenyReason int

const (
	DenyNone DenyReason = iota
	DenyDailyTrades
	DenyDailyLoss
	DenyCooldown
	DenyHold
)

func (r DenyReason) String() string {
	switch r {
	case DenyDailyTrades:
		return "daily trade limit"
	case DenyDailyLoss:
		return "daily loss limit"
	case DenyCooldown:
		return "cooldown"
	case DenyHold:
		return "hold signal"
	default:
		return "none"
	}
}

// IsLimit reports whether the denial is a risk-budget breach rather than a
// plain hold signal.
func (r DenyReason) IsLimit() bool {
	return r == DenyDailyTrades || r == DenyDailyLoss || r == DenyCooldown
}

// Outcome is the result of one evaluation.
type Outcome struct {
	Allowed    bool
	Reason     DenyReason
	Side       position.Side
	Size       float64 // quote-currency notional
	StopLoss   float64
	TakeProfit float64
}

// Snapshot is the persistable view of the daily risk state.
type Snapshot struct {
	Day           string  `json:"day"`
	TradeCount    int     `json:"trade_count"`
	RealizedLoss  float64 `json:"realized_loss"`
	LastTradeAtMs int64   `json:"last_trade_at_ms"`
	Equity        float64 `json:"equity"`
}

// SnapshotStore persists the daily counters across restarts.
type SnapshotStore interface {
	SaveRiskSnapshot(ctx context.Context, snap Snapshot) error
	LoadRiskSnapshot(ctx context.Context) (Snapshot, bool, error)
}

// Manager owns the daily risk state and gates every trade intent.
// All state mutation happens under its lock.
type Manager struct {
	mu           sync.Mutex
	limits       Limits
	day          string
	tradeCount   int
	realizedLoss float64
	lastTradeAt  time.Time
	equity       float64

	store SnapshotStore
	nowFn func() time.Time
}

func NewManager(limits Limits, equity float64, store SnapshotStore) (*Manager, error) {
	if err := limits.Validate(); err != nil {
		return nil, err
	}
	if equity <= 0 {
		return nil, fmt.Errorf("equity must be positive, got %f", equity)
	}
	return &Manager{
		limits: limits,
		equity: equity,
		store:  store,
		nowFn:  time.Now,
	}, nil
}

// Restore loads a persisted snapshot so daily counters survive a restart
// within the same UTC day. A snapshot from a previous day is discarded.
func (m *Manager) Restore(ctx context.Context) error {
	if m.store == nil {
		return nil
	}
	snap, found, err := m.store.LoadRiskSnapshot(ctx)
	if err != nil {
		return fmt.Errorf("loading risk snapshot: %w", err)
	}
	if !found {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	today := m.nowFn().UTC().Format(dayLayout)
	if snap.Day != today {
		logger.Infof("risk: snapshot from %s is stale, starting fresh for %s", snap.Day, today)
		return nil
	}
	m.day = snap.Day
	m.tradeCount = snap.TradeCount
	m.realizedLoss = snap.RealizedLoss
	if snap.LastTradeAtMs > 0 {
		m.lastTradeAt = time.UnixMilli(snap.LastTradeAtMs).UTC()
	}
	if snap.Equity > 0 {
		m.equity = snap.Equity
	}
	logger.Infof("risk: restored state day=%s trades=%d loss=%.2f", m.day, m.tradeCount, m.realizedLoss)
	return nil
}

// Evaluate gates and sizes a trade intent. Denial checks run in fixed order:
// daily trade cap, daily loss cap, cooldown, hold. The UTC-day rollover is
// applied before any check.
func (m *Manager) Evaluate(sig signal.Signal, confidence, price float64) Outcome {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.nowFn().UTC()
	m.rolloverLocked(now)

	if m.tradeCount >= m.limits.MaxDailyTrades {
		return Outcome{Reason: DenyDailyTrades}
	}
	if m.realizedLoss >= m.limits.MaxDailyLoss {
		return Outcome{Reason: DenyDailyLoss}
	}
	if !m.lastTradeAt.IsZero() && now.Sub(m.lastTradeAt) < m.limits.Cooldown {
		return Outcome{Reason: DenyCooldown}
	}
	if !sig.IsActionable() {
		return Outcome{Reason: DenyHold}
	}

	side := position.Long
	if sig.IsShort() {
		side = position.Short
	}
	size := m.limits.MaxPositionPct * m.equity * confidenceMultiplier(confidence, m.limits.MinSizeFraction)
	stop, target := m.levelsLocked(price, side)
	return Outcome{
		Allowed:    true,
		Side:       side,
		Size:       size,
		StopLoss:   stop,
		TakeProfit: target,
	}
}

// Levels derives stop-loss and take-profit prices from an entry price.
// Used again at fill time so levels anchor to the actual fill.
func (m *Manager) Levels(entry float64, side position.Side) (stopLoss, takeProfit float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.levelsLocked(entry, side)
}

func (m *Manager) levelsLocked(entry float64, side position.Side) (float64, float64) {
	if entry <= 0 {
		return 0, 0
	}
	slFrac := m.limits.StopLossPct / 100
	tpFrac := m.limits.TakeProfitPct / 100
	if side == position.Short {
		return relativePrice(entry, slFrac), relativePrice(entry, -tpFrac)
	}
	return relativePrice(entry, -slFrac), relativePrice(entry, tpFrac)
}

// RecordOpen increments the daily count and stamps the cooldown clock.
// Applied at allow time, before the order is submitted; a failed fill does
// not roll it back since the budget bounds attempt frequency.
func (m *Manager) RecordOpen(ctx context.Context) {
	m.mu.Lock()
	now := m.nowFn().UTC()
	m.rolloverLocked(now)
	m.tradeCount++
	m.lastTradeAt = now
	snap := m.snapshotLocked()
	m.mu.Unlock()
	m.persist(ctx, snap)
}

// RecordClose books a realized result. Only the loss magnitude counts toward
// the daily loss budget; wins leave it untouched.
func (m *Manager) RecordClose(ctx context.Context, realizedPnL float64) {
	m.mu.Lock()
	now := m.nowFn().UTC()
	m.rolloverLocked(now)
	if realizedPnL < 0 {
		m.realizedLoss += -realizedPnL
	}
	m.equity += realizedPnL
	if m.equity < 0 {
		m.equity = 0
	}
	snap := m.snapshotLocked()
	m.mu.Unlock()
	m.persist(ctx, snap)
}

// SetEquity refreshes the sizing base from an exchange balance read.
func (m *Manager) SetEquity(equity float64) {
	if equity <= 0 {
		return
	}
	m.mu.Lock()
	m.equity = equity
	m.mu.Unlock()
}

func (m *Manager) Equity() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.equity
}

// UpdateLimits swaps the risk budget at runtime (config hot reload).
func (m *Manager) UpdateLimits(limits Limits) error {
	if err := limits.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	m.limits = limits
	m.mu.Unlock()
	logger.Infof("risk: limits updated max_trades=%d max_loss=%.2f cooldown=%s",
		limits.MaxDailyTrades, limits.MaxDailyLoss, limits.Cooldown)
	return nil
}

func (m *Manager) Limits() Limits {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.limits
}

// State returns the current snapshot after applying any pending rollover.
func (m *Manager) State() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rolloverLocked(m.nowFn().UTC())
	return m.snapshotLocked()
}

func (m *Manager) rolloverLocked(now time.Time) {
	day := now.Format(dayLayout)
	if m.day == day {
		return
	}
	if m.day != "" {
		logger.Infof("risk: UTC day rollover %s -> %s (trades=%d loss=%.2f reset)",
			m.day, day, m.tradeCount, m.realizedLoss)
	}
	m.day = day
	m.tradeCount = 0
	m.realizedLoss = 0
}

func (m *Manager) snapshotLocked() Snapshot {
	snap := Snapshot{
		Day:          m.day,
		TradeCount:   m.tradeCount,
		RealizedLoss: m.realizedLoss,
		Equity:       m.equity,
	}
	if !m.lastTradeAt.IsZero() {
		snap.LastTradeAtMs = m.lastTradeAt.UnixMilli()
	}
	return snap
}

func (m *Manager) persist(ctx context.Context, snap Snapshot) {
	if m.store == nil {
		return
	}
	if err := m.store.SaveRiskSnapshot(ctx, snap); err != nil {
		logger.Warnf("risk: snapshot persist failed: %v", err)
	}
}

// confidenceMultiplier scales linearly from minFraction at confidence 0.5 to
// 1.0 at confidence 1.0. Signals below 0.5 confidence never reach sizing.
func confidenceMultiplier(confidence, minFraction float64) float64 {
	c := clamp(confidence, 0.5, 1.0)
	return minFraction + (1-minFraction)*((c-0.5)/0.5)
}

func relativePrice(entry, frac float64) float64 {
	base := decimal.NewFromFloat(entry)
	factor := decimal.NewFromInt(1).Add(decimal.NewFromFloat(frac))
	out, _ := base.Mul(factor).Float64()
	return out
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return lo
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
