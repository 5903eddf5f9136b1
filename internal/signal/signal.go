package signal

import "marlin/internal/analysis/sentiment"

// Signal is the categorical trading decision.
type Signal int

const (
	Hold Signal = iota
	Buy
	StrongBuy
	Sell
	StrongSell
)

func (s Signal) String() string {
	switch s {
	case StrongBuy:
		return "strong_buy"
	case Buy:
		return "buy"
	case StrongSell:
		return "strong_sell"
	case Sell:
		return "sell"
	default:
		return "hold"
	}
}

// IsLong reports whether the signal opens a long position.
func (s Signal) IsLong() bool { return s == Buy || s == StrongBuy }

// IsShort reports whether the signal opens a short position.
func (s Signal) IsShort() bool { return s == Sell || s == StrongSell }

// IsActionable reports whether the signal requests an entry at all.
func (s Signal) IsActionable() bool { return s != Hold }

// Generate maps a sentiment reading onto a signal. Strong thresholds are
// evaluated before the weaker ones so every reading maps to exactly one
// signal even where the ranges overlap.
func Generate(r sentiment.Reading) Signal {
	switch {
	case r.Score > 0.7 && r.Confidence > 0.6:
		return StrongBuy
	case r.Score < -0.7 && r.Confidence > 0.6:
		return StrongSell
	case r.Score > 0.3 && r.Confidence > 0.5:
		return Buy
	case r.Score < -0.3 && r.Confidence > 0.5:
		return Sell
	default:
		return Hold
	}
}
