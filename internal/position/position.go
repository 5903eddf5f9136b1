package position

import (
	"time"
)

// Side of a position.
type Side string

const (
	Long  Side = "long"
	Short Side = "short"
)

// Sign is +1 for long, -1 for short.
func (s Side) Sign() float64 {
	if s == Short {
		return -1
	}
	return 1
}

// Status is the lifecycle state of a position.
type Status int

const (
	// StatusPending: order submitted, fill not yet confirmed.
	StatusPending Status = iota
	StatusOpen
	StatusClosed
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusOpen:
		return "open"
	default:
		return "closed"
	}
}

// CloseReason records why a position reached StatusClosed.
type CloseReason string

const (
	// CloseNone marks positions that never filled (rejected or timed out).
	CloseNone       CloseReason = "none"
	CloseStopLoss   CloseReason = "stop_loss"
	CloseTakeProfit CloseReason = "take_profit"
	CloseManual     CloseReason = "manual"
)

// Position is a single trade through its lifecycle. Stake is quote-currency
// notional; Quantity is derived from the confirmed fill price. Once Closed
// the struct is an immutable trade-history record.
type Position struct {
	ID          string      `json:"id"`
	Symbol      string      `json:"symbol"`
	Side        Side        `json:"side"`
	Stake       float64     `json:"stake"`
	Quantity    float64     `json:"quantity"`
	EntryPrice  float64     `json:"entry_price"`
	StopLoss    float64     `json:"stop_loss"`
	TakeProfit  float64     `json:"take_profit"`
	OpenedAt    time.Time   `json:"opened_at"`
	ClosedAt    time.Time   `json:"closed_at,omitempty"`
	Status      Status      `json:"status"`
	CloseReason CloseReason `json:"close_reason"`
	ExitPrice   float64     `json:"exit_price,omitempty"`
	RealizedPnL float64     `json:"realized_pnl"`
	OrderHandle string      `json:"order_handle,omitempty"`
}

// RealizedPnLFor computes quote-currency P&L for an exit at the given price.
func (p *Position) RealizedPnLFor(exitPrice float64) float64 {
	if p.EntryPrice <= 0 || p.Stake <= 0 {
		return 0
	}
	return (exitPrice - p.EntryPrice) / p.EntryPrice * p.Stake * p.Side.Sign()
}
