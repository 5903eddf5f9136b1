package indicator

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marlin/internal/market"
)

func makeCandles(closes []float64) []market.Candle {
	out := make([]market.Candle, len(closes))
	for i, c := range closes {
		out[i] = market.Candle{
			OpenTime:  int64(i+1) * 3_600_000,
			CloseTime: int64(i+2)*3_600_000 - 1,
			Open:      c,
			High:      c * 1.01,
			Low:       c * 0.99,
			Close:     c,
			Volume:    1000,
		}
	}
	return out
}

func trendingCloses(n int, start, step float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = start + float64(i)*step + 0.5*math.Sin(float64(i))
	}
	return out
}

func TestRequiredHistory(t *testing.T) {
	s := Settings{}.withDefaults()
	// MACD slow+signal (35) dominates the defaults.
	assert.Equal(t, 35, s.RequiredHistory())

	custom := Settings{RSIPeriod: 50, MACDSlow: 26, MACDSignal: 9, BBPeriod: 20}
	assert.Equal(t, 51, custom.RequiredHistory())
}

func TestComputeInsufficientHistory(t *testing.T) {
	eng := NewEngine(Settings{})
	_, err := eng.Compute(makeCandles(trendingCloses(10, 100, 1)))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInsufficientHistory))
}

func TestComputeRejectsUnorderedSeries(t *testing.T) {
	eng := NewEngine(Settings{})
	candles := makeCandles(trendingCloses(60, 100, 0.5))
	candles[10].OpenTime = candles[9].OpenTime
	_, err := eng.Compute(candles)
	assert.Error(t, err)
}

func TestComputeBounds(t *testing.T) {
	eng := NewEngine(Settings{})
	candles := makeCandles(trendingCloses(120, 100, 0.8))
	snap, err := eng.Compute(candles)
	require.NoError(t, err)

	assert.GreaterOrEqual(t, snap.RSI, 0.0)
	assert.LessOrEqual(t, snap.RSI, 100.0)
	assert.InDelta(t, snap.MACDLine-snap.MACDSignal, snap.MACDHistogram, 1e-12)
	assert.Greater(t, snap.BBUpper, snap.BBMiddle)
	assert.Greater(t, snap.BBMiddle, snap.BBLower)
	assert.Equal(t, candles[len(candles)-1].Close, snap.Close)
	assert.Greater(t, snap.VolumeTrend, 0.0)
}

func TestComputeMonotoneRallyReadsOverbought(t *testing.T) {
	eng := NewEngine(Settings{})
	closes := make([]float64, 80)
	for i := range closes {
		closes[i] = 100 + float64(i)*2 // strictly rising, zero average loss tail
	}
	snap, err := eng.Compute(makeCandles(closes))
	require.NoError(t, err)
	assert.Equal(t, 100.0, snap.RSI)
	assert.Greater(t, snap.MACDHistogram, 0.0)
}

func TestComputeIdempotent(t *testing.T) {
	eng := NewEngine(Settings{})
	candles := makeCandles(trendingCloses(90, 200, -0.4))
	first, err := eng.Compute(candles)
	require.NoError(t, err)
	second, err := eng.Compute(candles)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestVolumeTrendNeutralOnDeadSeries(t *testing.T) {
	eng := NewEngine(Settings{})
	candles := makeCandles(trendingCloses(60, 100, 0.3))
	for i := range candles {
		candles[i].Volume = 0
	}
	snap, err := eng.Compute(candles)
	require.NoError(t, err)
	assert.Equal(t, 1.0, snap.VolumeTrend)
}
