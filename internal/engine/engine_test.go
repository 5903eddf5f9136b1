package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"marlin/internal/analysis/indicator"
	"marlin/internal/analysis/sentiment"
	"marlin/internal/gateway/exchange"
	"marlin/internal/gateway/paper"
	"marlin/internal/market"
	"marlin/internal/position"
	"marlin/internal/risk"
	"marlin/internal/signal"
	"marlin/internal/store/gormstore"
)

type MockDataProvider struct {
	mock.Mock
}

func (m *MockDataProvider) FetchCandles(ctx context.Context, symbol, interval string, limit int) ([]market.Candle, error) {
	args := m.Called(ctx, symbol, interval, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]market.Candle), args.Error(1)
}

func (m *MockDataProvider) LatestPrice(ctx context.Context, symbol string) (float64, error) {
	args := m.Called(ctx, symbol)
	return args.Get(0).(float64), args.Error(1)
}

type MockExecutionClient struct {
	mock.Mock
}

func (m *MockExecutionClient) PlaceOrder(ctx context.Context, req exchange.OrderRequest) (exchange.OrderHandle, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(exchange.OrderHandle), args.Error(1)
}

func (m *MockExecutionClient) CancelOrder(ctx context.Context, handle exchange.OrderHandle) error {
	args := m.Called(ctx, handle)
	return args.Error(0)
}

func (m *MockExecutionClient) FillStatus(ctx context.Context, handle exchange.OrderHandle) (exchange.FillStatus, error) {
	args := m.Called(ctx, handle)
	return args.Get(0).(exchange.FillStatus), args.Error(1)
}

func (m *MockExecutionClient) Balance(ctx context.Context) (float64, error) {
	args := m.Called(ctx)
	return args.Get(0).(float64), args.Error(1)
}

type MockJournal struct {
	mock.Mock
}

func (m *MockJournal) AppendTrade(ctx context.Context, rec gormstore.TradeRecord) error {
	args := m.Called(ctx, rec)
	return args.Error(0)
}

type captureChannel struct {
	events []exchange.Event
}

func (c *captureChannel) Emit(event exchange.Event) {
	c.events = append(c.events, event)
}

func (c *captureChannel) kinds() []exchange.EventKind {
	out := make([]exchange.EventKind, 0, len(c.events))
	for _, e := range c.events {
		out = append(out, e.Kind)
	}
	return out
}

func testLimits() risk.Limits {
	return risk.Limits{
		MaxPositionPct:  0.1,
		MinSizeFraction: 0.5,
		StopLossPct:     2,
		TakeProfitPct:   5,
		MaxDailyTrades:  10,
		MaxDailyLoss:    50,
		Cooldown:        0,
	}
}

type engineFixture struct {
	engine  *Engine
	data    *MockDataProvider
	exec    *MockExecutionClient
	journal *MockJournal
	events  *captureChannel
	tracker *position.Tracker
	risk    *risk.Manager
	now     time.Time
}

func newFixture(t *testing.T, symbols ...string) *engineFixture {
	t.Helper()
	if len(symbols) == 0 {
		symbols = []string{"ETHUSDT"}
	}
	data := &MockDataProvider{}
	exec := &MockExecutionClient{}
	journal := &MockJournal{}
	events := &captureChannel{}
	tracker := position.NewTracker()
	riskMgr, err := risk.NewManager(testLimits(), 1000, nil)
	require.NoError(t, err)
	agg, err := sentiment.NewAggregator(sentiment.DefaultWeights())
	require.NoError(t, err)

	eng, err := New(Params{
		Options: Options{
			Symbols:          symbols,
			Interval:         "1h",
			HistoryLimit:     100,
			MonitorPeriod:    time.Minute,
			FillTimeout:      50 * time.Millisecond,
			FillPollInterval: 5 * time.Millisecond,
		},
		Data:       data,
		Exec:       exec,
		Indicators: indicator.NewEngine(indicator.Settings{}),
		Aggregator: agg,
		Risk:       riskMgr,
		Tracker:    tracker,
		Journal:    journal,
		Events:     events,
	})
	require.NoError(t, err)

	now := time.Date(2026, 4, 10, 9, 0, 0, 0, time.UTC)
	fix := &engineFixture{
		engine:  eng,
		data:    data,
		exec:    exec,
		journal: journal,
		events:  events,
		tracker: tracker,
		risk:    riskMgr,
		now:     now,
	}
	eng.nowFn = func() time.Time { return fix.now }
	eng.summaryDay = now.Format("2006-01-02")
	return fix
}

func (f *engineFixture) openPosition(t *testing.T, symbol string, side position.Side, stake, entry float64) position.Position {
	t.Helper()
	pending, err := f.tracker.CreatePending(symbol, side, stake, 0, 0, f.now)
	require.NoError(t, err)
	stop, target := f.risk.Levels(entry, side)
	opened, err := f.tracker.ConfirmFill(pending.ID, entry, stop, target, f.now)
	require.NoError(t, err)
	return *opened
}

func TestNewRejectsBadOptions(t *testing.T) {
	_, err := New(Params{Options: Options{Symbols: nil, Interval: "1h"}})
	assert.Error(t, err)
	_, err = New(Params{Options: Options{Symbols: []string{"ETHUSDT"}, Interval: "nope"}})
	assert.Error(t, err)
}

func TestSignalCycleShortHistoryHolds(t *testing.T) {
	fix := newFixture(t)
	fix.data.On("FetchCandles", mock.Anything, "ETHUSDT", "1h", 100).
		Return([]market.Candle{{OpenTime: 1, Close: 100, Volume: 1}}, nil).Once()

	fix.engine.SignalCycle(context.Background())

	fix.exec.AssertNotCalled(t, "PlaceOrder", mock.Anything, mock.Anything)
	assert.Empty(t, fix.events.events)
}

func TestSignalCycleDataFailureTripsBreaker(t *testing.T) {
	fix := newFixture(t)
	fetchErr := errors.New("rate limited")
	fix.data.On("FetchCandles", mock.Anything, "ETHUSDT", "1h", 100).
		Return(nil, fetchErr).Times(breakerThreshold)

	for i := 0; i < breakerThreshold; i++ {
		fix.engine.SignalCycle(context.Background())
	}
	// breaker is now open: this cycle must not touch the data provider
	fix.engine.SignalCycle(context.Background())

	fix.data.AssertExpectations(t)
}

func TestSignalCycleSkipsSymbolWithLivePosition(t *testing.T) {
	fix := newFixture(t)
	fix.openPosition(t, "ETHUSDT", position.Long, 100, 2000)

	fix.engine.SignalCycle(context.Background())

	fix.data.AssertNotCalled(t, "FetchCandles", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestSubmitEntryFillsAndAnchorsLevels(t *testing.T) {
	fix := newFixture(t)
	ctx := context.Background()
	pending, err := fix.tracker.CreatePending("ETHUSDT", position.Long, 100, 1960, 2100, fix.now)
	require.NoError(t, err)
	fix.risk.RecordOpen(ctx)

	handle := exchange.OrderHandle{ID: "ord-1", Symbol: "ETHUSDT"}
	fix.exec.On("PlaceOrder", mock.Anything, mock.MatchedBy(func(req exchange.OrderRequest) bool {
		return req.Symbol == "ETHUSDT" && req.Side == position.Long && req.Stake == 100 && !req.ReduceOnly
	})).Return(handle, nil).Once()
	fix.exec.On("FillStatus", mock.Anything, handle).
		Return(exchange.FillStatus{State: exchange.FillFilled, Price: 2050}, nil).Once()

	require.NoError(t, fix.engine.submitEntry(ctx, pending, sentiment.Reading{Score: 0.8, Confidence: 0.9}, signal.StrongBuy))

	pos, ok := fix.tracker.BySymbol("ETHUSDT")
	require.True(t, ok)
	assert.Equal(t, position.StatusOpen, pos.Status)
	assert.InDelta(t, 2050, pos.EntryPrice, 1e-9)
	assert.InDelta(t, 2050*0.98, pos.StopLoss, 1e-6)
	assert.InDelta(t, 2050*1.05, pos.TakeProfit, 1e-6)
	assert.InDelta(t, 100.0/2050, pos.Quantity, 1e-9)

	require.Equal(t, []exchange.EventKind{exchange.EventTradeOpened}, fix.events.kinds())
}

func TestSubmitEntryRejectedAborts(t *testing.T) {
	fix := newFixture(t)
	ctx := context.Background()
	pending, err := fix.tracker.CreatePending("ETHUSDT", position.Long, 100, 0, 0, fix.now)
	require.NoError(t, err)

	handle := exchange.OrderHandle{ID: "ord-2", Symbol: "ETHUSDT"}
	fix.exec.On("PlaceOrder", mock.Anything, mock.Anything).Return(handle, nil).Once()
	fix.exec.On("FillStatus", mock.Anything, handle).
		Return(exchange.FillStatus{State: exchange.FillRejected}, nil).Once()
	fix.exec.On("CancelOrder", mock.Anything, handle).Return(nil).Once()

	require.NoError(t, fix.engine.submitEntry(ctx, pending, sentiment.Reading{}, signal.Buy))

	_, live := fix.tracker.BySymbol("ETHUSDT")
	assert.False(t, live)
	history := fix.tracker.History()
	require.Len(t, history, 1)
	assert.Equal(t, position.CloseNone, history[0].CloseReason)
	require.Equal(t, []exchange.EventKind{exchange.EventError}, fix.events.kinds())
}

func TestSubmitEntryOrderFailureRetriesThenAborts(t *testing.T) {
	fix := newFixture(t)
	ctx := context.Background()
	pending, err := fix.tracker.CreatePending("ETHUSDT", position.Short, 100, 0, 0, fix.now)
	require.NoError(t, err)

	fix.exec.On("PlaceOrder", mock.Anything, mock.Anything).
		Return(exchange.OrderHandle{}, exchange.ErrOrderRejected).
		Times(defaultOrderRetryCount)

	err = fix.engine.submitEntry(ctx, pending, sentiment.Reading{}, signal.Sell)
	assert.Error(t, err)
	_, live := fix.tracker.BySymbol("ETHUSDT")
	assert.False(t, live)
	history := fix.tracker.History()
	require.Len(t, history, 1)
	assert.Equal(t, position.CloseNone, history[0].CloseReason)
	require.Equal(t, []exchange.EventKind{exchange.EventError}, fix.events.kinds())
	fix.exec.AssertExpectations(t)
}

func TestSubmitEntrySurvivesTransientOrderFailure(t *testing.T) {
	fix := newFixture(t)
	ctx := context.Background()
	pending, err := fix.tracker.CreatePending("ETHUSDT", position.Long, 100, 0, 0, fix.now)
	require.NoError(t, err)

	handle := exchange.OrderHandle{ID: "ord-3", Symbol: "ETHUSDT"}
	fix.exec.On("PlaceOrder", mock.Anything, mock.Anything).
		Return(exchange.OrderHandle{}, exchange.ErrOrderRejected).Once()
	fix.exec.On("PlaceOrder", mock.Anything, mock.Anything).Return(handle, nil).Once()
	fix.exec.On("FillStatus", mock.Anything, handle).
		Return(exchange.FillStatus{State: exchange.FillFilled, Price: 2000}, nil).Once()

	require.NoError(t, fix.engine.submitEntry(ctx, pending, sentiment.Reading{Score: 0.5, Confidence: 0.7}, signal.Buy))

	pos, ok := fix.tracker.BySymbol("ETHUSDT")
	require.True(t, ok)
	assert.Equal(t, position.StatusOpen, pos.Status)
	require.Equal(t, []exchange.EventKind{exchange.EventTradeOpened}, fix.events.kinds())
	fix.exec.AssertExpectations(t)
}

func TestMonitorCycleClosesOnStopLoss(t *testing.T) {
	fix := newFixture(t)
	ctx := context.Background()
	opened := fix.openPosition(t, "ETHUSDT", position.Long, 100, 2000)
	// stop sits at 1960 with the default 2 percent stop

	fix.data.On("LatestPrice", mock.Anything, "ETHUSDT").Return(1950.0, nil).Once()
	exitHandle := exchange.OrderHandle{ID: "exit-1", Symbol: "ETHUSDT"}
	fix.exec.On("PlaceOrder", mock.Anything, mock.MatchedBy(func(req exchange.OrderRequest) bool {
		return req.ReduceOnly && req.Quantity == opened.Quantity
	})).Return(exitHandle, nil).Once()
	fix.exec.On("FillStatus", mock.Anything, exitHandle).
		Return(exchange.FillStatus{State: exchange.FillFilled, Price: 1950}, nil).Once()
	fix.journal.On("AppendTrade", mock.Anything, mock.MatchedBy(func(rec gormstore.TradeRecord) bool {
		return rec.CloseReason == "stop_loss" && rec.Symbol == "ETHUSDT"
	})).Return(nil).Once()

	fix.engine.MonitorCycle(ctx)

	history := fix.tracker.History()
	require.Len(t, history, 1)
	assert.Equal(t, position.CloseStopLoss, history[0].CloseReason)
	// 100 staked, price fell 2.5 percent
	assert.InDelta(t, -2.5, history[0].RealizedPnL, 1e-9)
	assert.InDelta(t, 997.5, fix.risk.Equity(), 1e-9)
	require.Equal(t, []exchange.EventKind{exchange.EventTradeClosed}, fix.events.kinds())
	fix.journal.AssertExpectations(t)
}

func TestMonitorCycleHoldsInsideLevels(t *testing.T) {
	fix := newFixture(t)
	fix.openPosition(t, "ETHUSDT", position.Long, 100, 2000)

	fix.data.On("LatestPrice", mock.Anything, "ETHUSDT").Return(2010.0, nil).Once()

	fix.engine.MonitorCycle(context.Background())

	fix.exec.AssertNotCalled(t, "PlaceOrder", mock.Anything, mock.Anything)
	assert.Len(t, fix.tracker.OpenPositions(), 1)
}

func TestMonitorCycleMissAlertAfterThreshold(t *testing.T) {
	fix := newFixture(t)
	fix.openPosition(t, "ETHUSDT", position.Long, 100, 2000)
	fix.data.On("LatestPrice", mock.Anything, "ETHUSDT").
		Return(0.0, exchange.ErrDataUnavailable).Times(missAlertThreshold)

	for i := 0; i < missAlertThreshold; i++ {
		fix.engine.MonitorCycle(context.Background())
	}

	require.Equal(t, []exchange.EventKind{exchange.EventError}, fix.events.kinds())
	assert.Len(t, fix.tracker.OpenPositions(), 1)
}

func TestDailySummaryOnRollover(t *testing.T) {
	fix := newFixture(t)
	fix.now = fix.now.Add(24 * time.Hour)

	fix.engine.MonitorCycle(context.Background())

	require.Equal(t, []exchange.EventKind{exchange.EventDailySummary}, fix.events.kinds())
	// second cycle on the same day stays quiet
	fix.engine.MonitorCycle(context.Background())
	assert.Len(t, fix.events.events, 1)
}

func TestCloseManualPendingCancelsOrder(t *testing.T) {
	fix := newFixture(t)
	ctx := context.Background()
	pending, err := fix.tracker.CreatePending("ETHUSDT", position.Long, 100, 0, 0, fix.now)
	require.NoError(t, err)
	require.NoError(t, fix.tracker.SetOrderHandle(pending.ID, "ord-9"))

	fix.exec.On("CancelOrder", mock.Anything, exchange.OrderHandle{ID: "ord-9", Symbol: "ETHUSDT"}).
		Return(nil).Once()

	closed, err := fix.engine.CloseManual(ctx, "ETHUSDT")
	require.NoError(t, err)
	assert.Equal(t, position.CloseManual, closed.CloseReason)
	assert.Zero(t, closed.RealizedPnL)
	fix.exec.AssertExpectations(t)
}

func TestCloseManualOpenBooksPnL(t *testing.T) {
	fix := newFixture(t)
	ctx := context.Background()
	opened := fix.openPosition(t, "ETHUSDT", position.Long, 100, 2000)

	fix.data.On("LatestPrice", mock.Anything, "ETHUSDT").Return(2040.0, nil).Once()
	exitHandle := exchange.OrderHandle{ID: "exit-2", Symbol: "ETHUSDT"}
	fix.exec.On("PlaceOrder", mock.Anything, mock.MatchedBy(func(req exchange.OrderRequest) bool {
		return req.ReduceOnly && req.Quantity == opened.Quantity
	})).Return(exitHandle, nil).Once()
	fix.exec.On("FillStatus", mock.Anything, exitHandle).
		Return(exchange.FillStatus{State: exchange.FillFilled, Price: 2040}, nil).Once()
	fix.journal.On("AppendTrade", mock.Anything, mock.Anything).Return(nil).Once()

	closed, err := fix.engine.CloseManual(ctx, "ETHUSDT")
	require.NoError(t, err)
	assert.Equal(t, position.CloseManual, closed.CloseReason)
	// 100 staked, price rose 2 percent
	assert.InDelta(t, 2, closed.RealizedPnL, 1e-9)
	assert.InDelta(t, 1002, fix.risk.Equity(), 1e-9)
}

func TestCloseManualWithoutPosition(t *testing.T) {
	fix := newFixture(t)
	_, err := fix.engine.CloseManual(context.Background(), "ETHUSDT")
	assert.Error(t, err)
}

func TestFlattenAllClosesOpenAndPending(t *testing.T) {
	fix := newFixture(t, "ETHUSDT", "BTCUSDT")
	ctx := context.Background()
	opened := fix.openPosition(t, "ETHUSDT", position.Long, 100, 2000)
	pending, err := fix.tracker.CreatePending("BTCUSDT", position.Short, 200, 0, 0, fix.now)
	require.NoError(t, err)
	require.NoError(t, fix.tracker.SetOrderHandle(pending.ID, "ord-btc"))

	fix.data.On("LatestPrice", mock.Anything, "ETHUSDT").Return(2010.0, nil).Once()
	exitHandle := exchange.OrderHandle{ID: "exit-3", Symbol: "ETHUSDT"}
	fix.exec.On("PlaceOrder", mock.Anything, mock.MatchedBy(func(req exchange.OrderRequest) bool {
		return req.ReduceOnly && req.Quantity == opened.Quantity
	})).Return(exitHandle, nil).Once()
	fix.exec.On("FillStatus", mock.Anything, exitHandle).
		Return(exchange.FillStatus{State: exchange.FillFilled, Price: 2010}, nil).Once()
	fix.exec.On("CancelOrder", mock.Anything, exchange.OrderHandle{ID: "ord-btc", Symbol: "BTCUSDT"}).
		Return(nil).Once()
	fix.journal.On("AppendTrade", mock.Anything, mock.Anything).Return(nil).Once()

	closed := fix.engine.FlattenAll(ctx)

	assert.Len(t, closed, 2)
	assert.Empty(t, fix.tracker.LivePositions())
	for _, pos := range closed {
		assert.Equal(t, position.CloseManual, pos.CloseReason)
	}
	fix.exec.AssertExpectations(t)
}

func TestMonitorCycleBooksPaperBalance(t *testing.T) {
	fix := newFixture(t)
	paperExec := paper.NewExecutor(fix.data, 1000)
	fix.engine.exec = paperExec
	fix.openPosition(t, "ETHUSDT", position.Long, 100, 2000)

	// first read trips the stop, second prices the simulated exit fill
	fix.data.On("LatestPrice", mock.Anything, "ETHUSDT").Return(1950.0, nil).Twice()
	fix.journal.On("AppendTrade", mock.Anything, mock.Anything).Return(nil).Once()

	fix.engine.MonitorCycle(context.Background())

	balance, err := paperExec.Balance(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 997.5, balance, 1e-9)
	assert.InDelta(t, 997.5, fix.risk.Equity(), 1e-9)
}
