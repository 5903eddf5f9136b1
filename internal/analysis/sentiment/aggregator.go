package sentiment

import (
	"fmt"
	"math"

	"marlin/internal/analysis/indicator"
)

const partialEps = 1e-9

// Weights distributes the aggregate across the three scored indicators.
// All weights must be non-negative and sum to 1.
type Weights struct {
	RSI       float64 `json:"rsi"`
	MACD      float64 `json:"macd"`
	Bollinger float64 `json:"bollinger"`
}

// DefaultWeights favors momentum over mean reversion.
func DefaultWeights() Weights {
	return Weights{RSI: 0.4, MACD: 0.35, Bollinger: 0.25}
}

func (w Weights) Validate() error {
	if w.RSI < 0 || w.MACD < 0 || w.Bollinger < 0 {
		return fmt.Errorf("sentiment weights must be non-negative: %+v", w)
	}
	sum := w.RSI + w.MACD + w.Bollinger
	if math.Abs(sum-1) > 1e-6 {
		return fmt.Errorf("sentiment weights must sum to 1, got %.6f", sum)
	}
	return nil
}

// Reading is the aggregated view of one indicator snapshot.
// Score is in [-1,1], Confidence in [0,1].
type Reading struct {
	Score      float64 `json:"score"`
	Confidence float64 `json:"confidence"`
}

// Neutral is the reading used when history is insufficient.
func Neutral() Reading { return Reading{} }

// Aggregator turns an indicator snapshot into a sentiment reading.
// Pure transform, no state beyond the configured weights.
type Aggregator struct {
	weights Weights
}

func NewAggregator(weights Weights) (*Aggregator, error) {
	if err := weights.Validate(); err != nil {
		return nil, err
	}
	return &Aggregator{weights: weights}, nil
}

// Aggregate computes the weighted sentiment score and its confidence.
//
// Confidence is the fraction of indicators whose partial score agrees in sign
// with the aggregate, scaled by the volume confirmation factor. Fewer than two
// agreeing indicators means the reading is noise and confidence drops to zero.
func (a *Aggregator) Aggregate(snap indicator.Snapshot) Reading {
	partials := []float64{
		rsiPartial(snap.RSI),
		macdPartial(snap.MACDLine, snap.MACDSignal, snap.MACDHistogram),
		bollingerPartial(snap.Close, snap.BBUpper, snap.BBLower),
	}
	score := clamp(
		a.weights.RSI*partials[0]+a.weights.MACD*partials[1]+a.weights.Bollinger*partials[2],
		-1, 1,
	)

	agree := 0
	for _, p := range partials {
		if sameSign(p, score) {
			agree++
		}
	}
	if agree < 2 {
		return Reading{Score: score, Confidence: 0}
	}
	base := float64(agree) / float64(len(partials))
	return Reading{Score: score, Confidence: clamp(base*volumeFactor(snap.VolumeTrend), 0, 1)}
}

// rsiPartial maps overbought distance to a negative score and oversold
// distance to a positive one. The neutral band leans gently toward the mean.
func rsiPartial(rsi float64) float64 {
	switch {
	case rsi > 70:
		return -clamp((rsi-70)/30, 0, 1)
	case rsi < 30:
		return clamp((30-rsi)/30, 0, 1)
	default:
		return (50 - rsi) / 50 * 0.5
	}
}

// macdPartial scores a confirmed crossover at full strength and scales
// partial divergence by histogram magnitude relative to the signal line.
func macdPartial(line, signal, hist float64) float64 {
	switch {
	case hist > 0 && line > signal:
		return 1
	case hist < 0 && line < signal:
		return -1
	}
	denom := math.Abs(signal)
	if denom < partialEps {
		return 0
	}
	return clamp(hist/denom, -1, 1)
}

// bollingerPartial is a mean-reversion score: a break above the upper band is
// bearish, below the lower band bullish, and inside the bands the score moves
// linearly with %B around the midpoint.
func bollingerPartial(price, upper, lower float64) float64 {
	width := upper - lower
	if width <= partialEps {
		return 0
	}
	switch {
	case price > upper:
		return -1
	case price < lower:
		return 1
	}
	pctB := (price - lower) / width
	return clamp((0.5-pctB)*2, -1, 1)
}

// volumeFactor maps the volume-trend ratio onto [0.6, 1.0]. Volume only
// confirms a reading, it never produces one.
func volumeFactor(trend float64) float64 {
	v := clamp(trend, 0, 2) / 2
	return 0.6 + 0.4*v
}

func sameSign(a, b float64) bool {
	if math.Abs(a) < partialEps || math.Abs(b) < partialEps {
		return false
	}
	return (a > 0) == (b > 0)
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
