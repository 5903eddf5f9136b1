package gormstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marlin/internal/position"
	"marlin/internal/risk"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(filepath.Join(t.TempDir(), "marlin.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func sampleRecord(id, symbol string, closedAt time.Time) TradeRecord {
	return TradeRecord{
		PositionID:  id,
		Symbol:      symbol,
		Side:        "long",
		Stake:       100,
		Quantity:    0.05,
		EntryPrice:  2000,
		ExitPrice:   2100,
		StopLoss:    1960,
		TakeProfit:  2100,
		RealizedPnL: 5,
		CloseReason: "take_profit",
		Context:     map[string]any{"score": 0.8, "confidence": 0.9},
		OpenedAt:    closedAt.Add(-2 * time.Hour),
		ClosedAt:    closedAt,
	}
}

func TestAppendAndListTrades(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, store.AppendTrade(ctx, sampleRecord("pos-1", "ethusdt", base)))
	require.NoError(t, store.AppendTrade(ctx, sampleRecord("pos-2", "BTCUSDT", base.Add(time.Hour))))

	trades, err := store.ListRecentTrades(ctx, "", 10, 0)
	require.NoError(t, err)
	require.Len(t, trades, 2)
	assert.Equal(t, "pos-2", trades[0].PositionID)
	assert.Equal(t, "ETHUSDT", trades[1].Symbol)
	assert.InDelta(t, 0.9, trades[1].Context["confidence"], 1e-9)
	assert.Equal(t, base.UnixMilli(), trades[1].ClosedAt.UnixMilli())

	onlyBTC, err := store.ListRecentTrades(ctx, "btcusdt", 10, 0)
	require.NoError(t, err)
	require.Len(t, onlyBTC, 1)
	assert.Equal(t, "pos-2", onlyBTC[0].PositionID)

	total, err := store.CountTrades(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 2, total)
}

func TestAppendTradeIdempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	rec := sampleRecord("pos-1", "ETHUSDT", base)
	require.NoError(t, store.AppendTrade(ctx, rec))
	rec.RealizedPnL = -2
	rec.CloseReason = "stop_loss"
	require.NoError(t, store.AppendTrade(ctx, rec))

	trades, err := store.ListRecentTrades(ctx, "", 10, 0)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.InDelta(t, -2, trades[0].RealizedPnL, 1e-9)
	assert.Equal(t, "stop_loss", trades[0].CloseReason)
}

func TestAppendTradeRequiresPositionID(t *testing.T) {
	store := newTestStore(t)
	assert.Error(t, store.AppendTrade(context.Background(), TradeRecord{Symbol: "ETHUSDT"}))
}

func TestRiskSnapshotRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, found, err := store.LoadRiskSnapshot(ctx)
	require.NoError(t, err)
	assert.False(t, found)

	snap := risk.Snapshot{
		Day:           "2026-03-01",
		TradeCount:    4,
		RealizedLoss:  12.5,
		LastTradeAtMs: time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC).UnixMilli(),
		Equity:        987.5,
	}
	require.NoError(t, store.SaveRiskSnapshot(ctx, snap))

	got, found, err := store.LoadRiskSnapshot(ctx)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, snap, got)

	snap.TradeCount = 5
	snap.Equity = 1001
	require.NoError(t, store.SaveRiskSnapshot(ctx, snap))
	got, found, err = store.LoadRiskSnapshot(ctx)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 5, got.TradeCount)
	assert.InDelta(t, 1001, got.Equity, 1e-9)
}

func TestRecordFromPosition(t *testing.T) {
	closed := time.Date(2026, 3, 1, 15, 0, 0, 0, time.UTC)
	pos := position.Position{
		ID:          "pos-9",
		Symbol:      "SOLUSDT",
		Side:        position.Short,
		Stake:       200,
		Quantity:    1.5,
		EntryPrice:  140,
		ExitPrice:   133,
		StopLoss:    142.8,
		TakeProfit:  133,
		OpenedAt:    closed.Add(-time.Hour),
		ClosedAt:    closed,
		Status:      position.StatusClosed,
		CloseReason: position.CloseTakeProfit,
		RealizedPnL: 10,
	}
	rec := RecordFromPosition(pos, map[string]any{"signal": "sell"})
	assert.Equal(t, "pos-9", rec.PositionID)
	assert.Equal(t, "short", rec.Side)
	assert.Equal(t, "take_profit", rec.CloseReason)
	assert.InDelta(t, 10, rec.RealizedPnL, 1e-9)
	assert.Equal(t, "sell", rec.Context["signal"])
}
