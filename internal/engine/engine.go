// Package engine runs the live trading loop: a per-interval signal cycle
// that turns candle history into entries, and a faster monitor cycle that
// enforces stop-loss and take-profit exits on open positions.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"marlin/internal/analysis/indicator"
	"marlin/internal/analysis/sentiment"
	"marlin/internal/gateway/exchange"
	"marlin/internal/logger"
	"marlin/internal/pkg/circuit"
	"marlin/internal/position"
	"marlin/internal/risk"
	"marlin/internal/scheduler"
	"marlin/internal/signal"
	"marlin/internal/store/gormstore"
)

const (
	defaultFillTimeout      = 2 * time.Minute
	defaultFillPollInterval = 500 * time.Millisecond
	defaultOrderRetryCount  = 3

	// consecutive LatestPrice failures per symbol before an alert event
	missAlertThreshold = 5

	breakerThreshold = 5
	breakerTimeout   = 2 * time.Minute
)

// TradeJournal persists closed trades. Satisfied by gormstore.Store.
type TradeJournal interface {
	AppendTrade(ctx context.Context, rec gormstore.TradeRecord) error
}

// PnLBooker is implemented by simulated execution backends whose balance
// should reflect realized results. Live backends settle on the exchange.
type PnLBooker interface {
	BookPnL(pnl float64)
}

// Options configures a trading engine.
type Options struct {
	Symbols        []string
	Interval       string // candle interval, e.g. "1h"
	HistoryLimit   int
	MonitorPeriod  time.Duration
	RunImmediately bool

	FillTimeout      time.Duration
	FillPollInterval time.Duration

	// OrderRetryCount bounds PlaceOrder attempts per entry or exit before
	// the attempt is abandoned.
	OrderRetryCount int
}

func (o *Options) normalize() error {
	if len(o.Symbols) == 0 {
		return fmt.Errorf("engine requires at least one symbol")
	}
	if _, ok := scheduler.ParseIntervalDuration(o.Interval); !ok {
		return fmt.Errorf("engine interval %q is invalid", o.Interval)
	}
	if o.HistoryLimit <= 0 {
		o.HistoryLimit = 300
	}
	if o.MonitorPeriod <= 0 {
		o.MonitorPeriod = time.Minute
	}
	if o.FillTimeout <= 0 {
		o.FillTimeout = defaultFillTimeout
	}
	if o.FillPollInterval <= 0 {
		o.FillPollInterval = defaultFillPollInterval
	}
	if o.OrderRetryCount <= 0 {
		o.OrderRetryCount = defaultOrderRetryCount
	}
	return nil
}

// Engine wires market data, analysis, risk and execution together.
type Engine struct {
	opts Options

	data       exchange.MarketDataProvider
	exec       exchange.ExecutionClient
	indicators *indicator.Engine
	aggregator *sentiment.Aggregator
	riskMgr    *risk.Manager
	tracker    *position.Tracker
	journal    TradeJournal
	events     exchange.NotificationChannel

	breakers map[string]*circuit.CircuitBreaker

	// tradeMu serializes entry attempts so concurrent cycles cannot race the
	// risk budget between Evaluate and RecordOpen.
	tradeMu sync.Mutex

	running atomic.Bool
	nowFn   func() time.Time

	missMu     sync.Mutex
	missCounts map[string]int

	summaryMu  sync.Mutex
	summaryDay string
}

// Params carries the engine dependencies.
type Params struct {
	Options    Options
	Data       exchange.MarketDataProvider
	Exec       exchange.ExecutionClient
	Indicators *indicator.Engine
	Aggregator *sentiment.Aggregator
	Risk       *risk.Manager
	Tracker    *position.Tracker
	Journal    TradeJournal
	Events     exchange.NotificationChannel
}

func New(p Params) (*Engine, error) {
	if err := p.Options.normalize(); err != nil {
		return nil, err
	}
	if p.Data == nil || p.Exec == nil {
		return nil, fmt.Errorf("engine requires market data and execution backends")
	}
	if p.Indicators == nil || p.Aggregator == nil || p.Risk == nil || p.Tracker == nil {
		return nil, fmt.Errorf("engine requires indicator, sentiment, risk and position components")
	}
	e := &Engine{
		opts:       p.Options,
		data:       p.Data,
		exec:       p.Exec,
		indicators: p.Indicators,
		aggregator: p.Aggregator,
		riskMgr:    p.Risk,
		tracker:    p.Tracker,
		journal:    p.Journal,
		events:     p.Events,
		breakers:   make(map[string]*circuit.CircuitBreaker, len(p.Options.Symbols)),
		missCounts: make(map[string]int, len(p.Options.Symbols)),
		nowFn:      time.Now,
	}
	for _, sym := range p.Options.Symbols {
		cb := circuit.NewCircuitBreaker("Engine."+sym, breakerThreshold, breakerTimeout)
		cb.SetStateChangeHandler(func(name string, from, to circuit.State) {
			logger.Warnf("Engine: circuit %s %s -> %s", name, from, to)
			if to == circuit.StateOpen {
				e.emit(exchange.Event{
					Kind:   exchange.EventError,
					Symbol: strings.TrimPrefix(name, "Engine."),
					Reason: "repeated cycle failures, pausing symbol",
					At:     e.nowFn().UTC(),
				})
			}
		})
		e.breakers[sym] = cb
	}
	e.summaryDay = e.nowFn().UTC().Format("2006-01-02")
	return e, nil
}

// Running reports whether Run is active.
func (e *Engine) Running() bool { return e.running.Load() }

// Run blocks until ctx is cancelled, driving the signal and monitor cycles.
func (e *Engine) Run(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return fmt.Errorf("engine already running")
	}
	defer e.running.Store(false)

	interval, _ := scheduler.ParseIntervalDuration(e.opts.Interval)
	logger.Infof("Engine: starting symbols=%v interval=%s monitor=%s",
		e.opts.Symbols, e.opts.Interval, e.opts.MonitorPeriod)

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		sched := scheduler.NewIntervalScheduler(gctx, "signal", interval)
		sched.RunImmediately = e.opts.RunImmediately
		sched.Start(func() { e.SignalCycle(gctx) })
		return gctx.Err()
	})
	group.Go(func() error {
		sched := scheduler.NewIntervalScheduler(gctx, "monitor", e.opts.MonitorPeriod)
		sched.Start(func() { e.MonitorCycle(gctx) })
		return gctx.Err()
	})
	err := group.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// SignalCycle evaluates every configured symbol once.
func (e *Engine) SignalCycle(ctx context.Context) {
	start := e.nowFn()
	for _, sym := range e.opts.Symbols {
		if ctx.Err() != nil {
			return
		}
		cb := e.breakers[sym]
		if cb != nil && !cb.Allow() {
			logger.Warnf("Engine: circuit open, skipping symbol=%s", sym)
			continue
		}
		if err := e.processSymbol(ctx, sym); err != nil {
			logger.Errorf("Engine: signal cycle symbol=%s err=%v", sym, err)
			if cb != nil {
				cb.RecordFailure()
			}
			continue
		}
		if cb != nil {
			cb.RecordSuccess()
		}
	}
	logger.Debugf("Engine: signal cycle done symbols=%d duration=%s",
		len(e.opts.Symbols), time.Since(start).Truncate(time.Millisecond))
}

func (e *Engine) processSymbol(ctx context.Context, symbol string) error {
	if _, live := e.tracker.BySymbol(symbol); live {
		logger.Debugf("Engine: %s already has a live position, skipping entry", symbol)
		return nil
	}

	candles, err := e.data.FetchCandles(ctx, symbol, e.opts.Interval, e.opts.HistoryLimit)
	if err != nil {
		return fmt.Errorf("fetch candles: %w", err)
	}
	snap, err := e.indicators.Compute(candles)
	if err != nil {
		if errors.Is(err, indicator.ErrInsufficientHistory) {
			logger.Warnf("Engine: %s history too short (%d candles), holding", symbol, len(candles))
			return nil
		}
		return fmt.Errorf("compute indicators: %w", err)
	}

	reading := e.aggregator.Aggregate(snap)
	sig := signal.Generate(reading)
	logger.Infof("Engine: %s score=%.3f confidence=%.2f signal=%s",
		symbol, reading.Score, reading.Confidence, sig)
	if !sig.IsActionable() {
		return nil
	}

	e.tradeMu.Lock()
	outcome := e.riskMgr.Evaluate(sig, reading.Confidence, snap.Close)
	if !outcome.Allowed {
		e.tradeMu.Unlock()
		if outcome.Reason.IsLimit() {
			logger.Warnf("Engine: %s %s blocked: %s", symbol, sig, outcome.Reason)
			e.emit(exchange.Event{
				Kind:   exchange.EventRiskLimitHit,
				Symbol: symbol,
				Reason: outcome.Reason.String(),
				At:     e.nowFn().UTC(),
			})
		}
		return nil
	}
	pending, err := e.tracker.CreatePending(symbol, outcome.Side, outcome.Size,
		outcome.StopLoss, outcome.TakeProfit, e.nowFn().UTC())
	if err != nil {
		e.tradeMu.Unlock()
		logger.Warnf("Engine: %s entry slot taken: %v", symbol, err)
		return nil
	}
	// The open counts against the daily budget even if the fill later fails:
	// the budget bounds attempt frequency, not completed trades.
	e.riskMgr.RecordOpen(ctx)
	e.tradeMu.Unlock()

	return e.submitEntry(ctx, pending, reading, sig)
}

// placeOrderWithRetry retries transient submission failures up to the
// configured attempt budget, pausing one poll interval between attempts.
func (e *Engine) placeOrderWithRetry(ctx context.Context, req exchange.OrderRequest) (exchange.OrderHandle, error) {
	var lastErr error
	for attempt := 1; attempt <= e.opts.OrderRetryCount; attempt++ {
		handle, err := e.exec.PlaceOrder(ctx, req)
		if err == nil {
			return handle, nil
		}
		lastErr = err
		logger.Warnf("Engine: order attempt %d/%d symbol=%s failed: %v",
			attempt, e.opts.OrderRetryCount, req.Symbol, err)
		if attempt == e.opts.OrderRetryCount {
			break
		}
		select {
		case <-ctx.Done():
			return exchange.OrderHandle{}, ctx.Err()
		case <-time.After(e.opts.FillPollInterval):
		}
	}
	return exchange.OrderHandle{}, lastErr
}

func (e *Engine) submitEntry(ctx context.Context, pending *position.Position, reading sentiment.Reading, sig signal.Signal) error {
	handle, err := e.placeOrderWithRetry(ctx, exchange.OrderRequest{
		Symbol: pending.Symbol,
		Side:   pending.Side,
		Stake:  pending.Stake,
	})
	if err != nil {
		if _, abortErr := e.tracker.Abort(pending.ID, e.nowFn().UTC()); abortErr != nil {
			logger.Errorf("Engine: abort after order failure: %v", abortErr)
		}
		e.emit(exchange.Event{
			Kind:   exchange.EventError,
			Symbol: pending.Symbol,
			Reason: "entry order failed",
			Err:    err,
			At:     e.nowFn().UTC(),
		})
		return fmt.Errorf("place order: %w", err)
	}
	if err := e.tracker.SetOrderHandle(pending.ID, handle.ID); err != nil {
		logger.Warnf("Engine: attach order handle: %v", err)
	}

	status, err := e.awaitFill(ctx, handle)
	if err != nil || status.State != exchange.FillFilled {
		if cancelErr := e.exec.CancelOrder(ctx, handle); cancelErr != nil {
			logger.Warnf("Engine: cancel unfilled order %s: %v", handle.ID, cancelErr)
		}
		if _, abortErr := e.tracker.Abort(pending.ID, e.nowFn().UTC()); abortErr != nil {
			logger.Errorf("Engine: abort unfilled entry: %v", abortErr)
		}
		reason := "entry not filled"
		if err == nil {
			reason = fmt.Sprintf("entry %s", status.State)
		}
		e.emit(exchange.Event{
			Kind:   exchange.EventError,
			Symbol: pending.Symbol,
			Reason: reason,
			Err:    err,
			At:     e.nowFn().UTC(),
		})
		return nil
	}

	// Re-anchor the protective levels to the actual fill price.
	stop, target := e.riskMgr.Levels(status.Price, pending.Side)
	opened, err := e.tracker.ConfirmFill(pending.ID, status.Price, stop, target, e.nowFn().UTC())
	if err != nil {
		return fmt.Errorf("confirm fill: %w", err)
	}
	logger.Infof("Engine: opened %s %s stake=%.2f entry=%.4f sl=%.4f tp=%.4f signal=%s confidence=%.2f",
		opened.Symbol, opened.Side, opened.Stake, opened.EntryPrice,
		opened.StopLoss, opened.TakeProfit, sig, reading.Confidence)
	e.emit(exchange.Event{
		Kind:     exchange.EventTradeOpened,
		Symbol:   opened.Symbol,
		Position: opened,
		Reason:   sig.String(),
		At:       e.nowFn().UTC(),
	})
	return nil
}

func (e *Engine) awaitFill(ctx context.Context, handle exchange.OrderHandle) (exchange.FillStatus, error) {
	deadline := time.After(e.opts.FillTimeout)
	ticker := time.NewTicker(e.opts.FillPollInterval)
	defer ticker.Stop()
	for {
		status, err := e.exec.FillStatus(ctx, handle)
		if err == nil && status.State != exchange.FillPending {
			return status, nil
		}
		if err != nil {
			logger.Debugf("Engine: fill poll %s: %v", handle.ID, err)
		}
		select {
		case <-ctx.Done():
			return exchange.FillStatus{}, ctx.Err()
		case <-deadline:
			return exchange.FillStatus{}, fmt.Errorf("fill wait timed out after %s", e.opts.FillTimeout)
		case <-ticker.C:
		}
	}
}

// MonitorCycle checks every open position against its protective levels and
// emits the daily summary on UTC day rollover.
func (e *Engine) MonitorCycle(ctx context.Context) {
	e.maybeDailySummary()
	for _, pos := range e.tracker.OpenPositions() {
		if ctx.Err() != nil {
			return
		}
		price, err := e.data.LatestPrice(ctx, pos.Symbol)
		if err != nil {
			e.recordMiss(pos.Symbol, err)
			continue
		}
		e.clearMiss(pos.Symbol)
		reason, triggered := e.tracker.CheckExit(pos.ID, price)
		if !triggered {
			continue
		}
		logger.Infof("Engine: %s hit %s at %.4f (sl=%.4f tp=%.4f)",
			pos.Symbol, reason, price, pos.StopLoss, pos.TakeProfit)
		if err := e.closePosition(ctx, pos, reason, price); err != nil {
			logger.Errorf("Engine: close %s failed: %v", pos.Symbol, err)
		}
	}
}

func (e *Engine) closePosition(ctx context.Context, pos position.Position, reason position.CloseReason, triggerPrice float64) error {
	handle, err := e.placeOrderWithRetry(ctx, exchange.OrderRequest{
		Symbol:     pos.Symbol,
		Side:       pos.Side,
		Quantity:   pos.Quantity,
		ReduceOnly: true,
	})
	if err != nil {
		e.emit(exchange.Event{
			Kind:   exchange.EventError,
			Symbol: pos.Symbol,
			Reason: "exit order failed",
			Err:    err,
			At:     e.nowFn().UTC(),
		})
		return fmt.Errorf("exit order: %w", err)
	}
	exitPrice := triggerPrice
	if status, err := e.awaitFill(ctx, handle); err == nil && status.State == exchange.FillFilled && status.Price > 0 {
		exitPrice = status.Price
	} else {
		logger.Warnf("Engine: %s exit fill unconfirmed, booking at trigger price %.4f", pos.Symbol, triggerPrice)
	}

	closed, err := e.tracker.Close(pos.ID, exitPrice, reason, e.nowFn().UTC())
	if err != nil {
		return fmt.Errorf("close position: %w", err)
	}
	e.riskMgr.RecordClose(ctx, closed.RealizedPnL)
	if booker, ok := e.exec.(PnLBooker); ok {
		booker.BookPnL(closed.RealizedPnL)
	}
	e.journalClosed(ctx, closed, map[string]any{"trigger": string(reason)})
	logger.Infof("Engine: closed %s %s exit=%.4f pnl=%.2f reason=%s",
		closed.Symbol, closed.Side, closed.ExitPrice, closed.RealizedPnL, closed.CloseReason)
	e.emit(exchange.Event{
		Kind:     exchange.EventTradeClosed,
		Symbol:   closed.Symbol,
		Position: closed,
		Reason:   string(closed.CloseReason),
		At:       e.nowFn().UTC(),
	})
	return nil
}

// CloseManual force-closes the live position on symbol, cancelling the entry
// order first when it has not filled yet.
func (e *Engine) CloseManual(ctx context.Context, symbol string) (*position.Position, error) {
	pos, ok := e.tracker.BySymbol(symbol)
	if !ok {
		return nil, fmt.Errorf("no live position for %s", symbol)
	}
	if pos.Status == position.StatusPending {
		if pos.OrderHandle != "" {
			handle := exchange.OrderHandle{ID: pos.OrderHandle, Symbol: pos.Symbol}
			if err := e.exec.CancelOrder(ctx, handle); err != nil {
				logger.Warnf("Engine: cancel pending entry %s: %v", pos.Symbol, err)
			}
		}
		closed, err := e.tracker.Close(pos.ID, 0, position.CloseManual, e.nowFn().UTC())
		if err != nil {
			return nil, err
		}
		e.emit(exchange.Event{
			Kind:     exchange.EventTradeClosed,
			Symbol:   closed.Symbol,
			Position: closed,
			Reason:   string(position.CloseManual),
			At:       e.nowFn().UTC(),
		})
		return closed, nil
	}

	price, err := e.data.LatestPrice(ctx, symbol)
	if err != nil {
		return nil, fmt.Errorf("manual close needs a price: %w", err)
	}
	if err := e.closePosition(ctx, pos, position.CloseManual, price); err != nil {
		return nil, err
	}
	closed, _ := lastClosed(e.tracker.History(), pos.ID)
	return closed, nil
}

// FlattenAll manually closes every live position, pending entries included.
// Driven by the operator API and by shutdown; positions that fail to close
// are logged and left for the next attempt.
func (e *Engine) FlattenAll(ctx context.Context) []position.Position {
	live := e.tracker.LivePositions()
	closed := make([]position.Position, 0, len(live))
	for _, pos := range live {
		done, err := e.CloseManual(ctx, pos.Symbol)
		if err != nil {
			logger.Errorf("Engine: flatten %s: %v", pos.Symbol, err)
			continue
		}
		if done != nil {
			closed = append(closed, *done)
		}
	}
	return closed
}

func (e *Engine) maybeDailySummary() {
	today := e.nowFn().UTC().Format("2006-01-02")
	e.summaryMu.Lock()
	prev := e.summaryDay
	if prev == today {
		e.summaryMu.Unlock()
		return
	}
	e.summaryDay = today
	e.summaryMu.Unlock()

	closed := 0
	pnl := 0.0
	for _, p := range e.tracker.History() {
		if p.ClosedAt.UTC().Format("2006-01-02") == prev {
			closed++
			pnl += p.RealizedPnL
		}
	}
	logger.Infof("Engine: daily summary %s closed=%d pnl=%.2f equity=%.2f",
		prev, closed, pnl, e.riskMgr.Equity())
	e.emit(exchange.Event{
		Kind:   exchange.EventDailySummary,
		Reason: fmt.Sprintf("%s: %d trades closed, pnl %.2f, equity %.2f", prev, closed, pnl, e.riskMgr.Equity()),
		At:     e.nowFn().UTC(),
	})
}

func (e *Engine) journalClosed(ctx context.Context, closed *position.Position, meta map[string]any) {
	if e.journal == nil || closed == nil {
		return
	}
	rec := gormstore.RecordFromPosition(*closed, meta)
	if err := e.journal.AppendTrade(ctx, rec); err != nil {
		logger.Errorf("Engine: journal append %s: %v", closed.ID, err)
	}
}

func (e *Engine) recordMiss(symbol string, err error) {
	e.missMu.Lock()
	e.missCounts[symbol]++
	count := e.missCounts[symbol]
	e.missMu.Unlock()
	logger.Warnf("Engine: price fetch miss symbol=%s count=%d err=%v", symbol, count, err)
	if count == missAlertThreshold {
		e.emit(exchange.Event{
			Kind:   exchange.EventError,
			Symbol: symbol,
			Reason: fmt.Sprintf("%d consecutive price fetch failures, exits unprotected", count),
			Err:    err,
			At:     e.nowFn().UTC(),
		})
	}
}

func (e *Engine) clearMiss(symbol string) {
	e.missMu.Lock()
	e.missCounts[symbol] = 0
	e.missMu.Unlock()
}

func (e *Engine) emit(event exchange.Event) {
	if e.events == nil {
		return
	}
	e.events.Emit(event)
}

func lastClosed(history []position.Position, id string) (*position.Position, bool) {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].ID == id {
			cp := history[i]
			return &cp, true
		}
	}
	return nil, false
}
