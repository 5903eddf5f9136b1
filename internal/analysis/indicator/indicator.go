package indicator

import (
	"errors"
	"fmt"
	"math"

	"github.com/markcheno/go-talib"

	"marlin/internal/market"
)

// ErrInsufficientHistory is returned when the candle series is shorter than
// the longest indicator lookback. Callers degrade to a neutral reading.
var ErrInsufficientHistory = errors.New("insufficient candle history")

// Settings holds the indicator periods. Zero values fall back to the
// conventional defaults (RSI 14, MACD 12/26/9, Bollinger 20, volume SMA 20).
type Settings struct {
	RSIPeriod    int `json:"rsi_period,omitempty"`
	MACDFast     int `json:"macd_fast,omitempty"`
	MACDSlow     int `json:"macd_slow,omitempty"`
	MACDSignal   int `json:"macd_signal,omitempty"`
	BBPeriod     int `json:"bb_period,omitempty"`
	VolumePeriod int `json:"volume_period,omitempty"`
}

func (s Settings) withDefaults() Settings {
	if s.RSIPeriod <= 0 {
		s.RSIPeriod = 14
	}
	if s.MACDFast <= 0 {
		s.MACDFast = 12
	}
	if s.MACDSlow <= 0 {
		s.MACDSlow = 26
	}
	if s.MACDSignal <= 0 {
		s.MACDSignal = 9
	}
	if s.BBPeriod <= 0 {
		s.BBPeriod = 20
	}
	if s.VolumePeriod <= 0 {
		s.VolumePeriod = 20
	}
	return s
}

// RequiredHistory returns the minimum candle count for a full snapshot.
func (s Settings) RequiredHistory() int {
	s = s.withDefaults()
	need := s.RSIPeriod + 1
	if macd := s.MACDSlow + s.MACDSignal; macd > need {
		need = macd
	}
	if s.BBPeriod > need {
		need = s.BBPeriod
	}
	if s.VolumePeriod > need {
		need = s.VolumePeriod
	}
	return need
}

// Snapshot holds the latest value of each indicator for one symbol/interval.
type Snapshot struct {
	Close         float64 `json:"close"`
	RSI           float64 `json:"rsi"`
	MACDLine      float64 `json:"macd_line"`
	MACDSignal    float64 `json:"macd_signal"`
	MACDHistogram float64 `json:"macd_histogram"`
	BBUpper       float64 `json:"bb_upper"`
	BBMiddle      float64 `json:"bb_middle"`
	BBLower       float64 `json:"bb_lower"`
	VolumeTrend   float64 `json:"volume_trend"`
}

// Engine computes one Snapshot per candle series.
type Engine struct {
	settings Settings
}

func NewEngine(settings Settings) *Engine {
	return &Engine{settings: settings.withDefaults()}
}

func (e *Engine) Settings() Settings { return e.settings }

// Compute produces a Snapshot for the latest candle of the series.
// The series must be ordered with strictly increasing open times.
func (e *Engine) Compute(candles []market.Candle) (Snapshot, error) {
	cfg := e.settings
	if need := cfg.RequiredHistory(); len(candles) < need {
		return Snapshot{}, fmt.Errorf("%w: have %d candles, need %d", ErrInsufficientHistory, len(candles), need)
	}
	if err := market.ValidateOrdering(candles); err != nil {
		return Snapshot{}, err
	}
	closes := market.Closes(candles)
	volumes := market.Volumes(candles)

	rsiSeries := talib.Rsi(closes, cfg.RSIPeriod)
	rsi := clamp(lastValid(rsiSeries), 0, 100)

	macdLine, macdSignal, _ := talib.Macd(closes, cfg.MACDFast, cfg.MACDSlow, cfg.MACDSignal)
	line := lastValid(macdLine)
	signal := lastValid(macdSignal)

	upper, middle, lower := talib.BBands(closes, cfg.BBPeriod, 2.0, 2.0, talib.SMA)

	snap := Snapshot{
		Close:      closes[len(closes)-1],
		RSI:        rsi,
		MACDLine:   line,
		MACDSignal: signal,
		// Recompute from line and signal so the identity holds exactly even
		// when the tail values come from different series positions.
		MACDHistogram: line - signal,
		BBUpper:       lastValid(upper),
		BBMiddle:      lastValid(middle),
		BBLower:       lastValid(lower),
		VolumeTrend:   volumeTrend(volumes, cfg.VolumePeriod),
	}
	return snap, nil
}

// volumeTrend is current volume over its trailing SMA. A dead series reads
// neutral (1.0) rather than zero so it never vetoes a signal on its own.
func volumeTrend(volumes []float64, period int) float64 {
	if len(volumes) < period {
		return 1.0
	}
	avg := lastValid(talib.Sma(volumes, period))
	if avg <= 0 {
		return 1.0
	}
	return volumes[len(volumes)-1] / avg
}

func lastValid(series []float64) float64 {
	for i := len(series) - 1; i >= 0; i-- {
		if !math.IsNaN(series[i]) && !math.IsInf(series[i], 0) {
			return series[i]
		}
	}
	return 0
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
