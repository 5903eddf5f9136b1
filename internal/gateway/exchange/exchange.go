// Package exchange defines the capability interfaces the engine consumes.
// Concrete backends (binance futures, paper simulator) live in sibling
// packages; the engine never depends on them directly.
package exchange

import (
	"context"
	"errors"
	"time"

	"marlin/internal/market"
	"marlin/internal/position"
)

var (
	// ErrDataUnavailable wraps network or rate-limit failures from a market
	// data backend. The signal cycle skips the tick and retries next round.
	ErrDataUnavailable = errors.New("market data unavailable")

	// ErrOrderRejected is returned when the execution backend refuses an
	// order outright.
	ErrOrderRejected = errors.New("order rejected")
)

// MarketDataProvider serves ordered candle history and spot quotes.
type MarketDataProvider interface {
	// FetchCandles returns up to limit closed candles for symbol/interval,
	// ordered by open time. The still-forming candle is dropped.
	FetchCandles(ctx context.Context, symbol, interval string, limit int) ([]market.Candle, error)

	// LatestPrice returns the most recent traded price for symbol.
	LatestPrice(ctx context.Context, symbol string) (float64, error)
}

// FillState of a submitted order.
type FillState int

const (
	FillPending FillState = iota
	FillFilled
	FillRejected
)

func (s FillState) String() string {
	switch s {
	case FillFilled:
		return "filled"
	case FillRejected:
		return "rejected"
	default:
		return "pending"
	}
}

// OrderHandle identifies a submitted order at the execution backend.
type OrderHandle struct {
	ID     string
	Symbol string
}

// FillStatus is the polled state of an order.
type FillStatus struct {
	State FillState
	Price float64 // average fill price, set when State == FillFilled
}

// OrderRequest describes a market entry or exit.
type OrderRequest struct {
	Symbol string
	Side   position.Side
	// Stake is quote-currency notional; the backend converts to base
	// quantity at the prevailing price.
	Stake float64
	// Quantity overrides Stake when closing an exact position size.
	Quantity   float64
	ReduceOnly bool
}

// ExecutionClient places and tracks orders against one backend.
type ExecutionClient interface {
	PlaceOrder(ctx context.Context, req OrderRequest) (OrderHandle, error)
	CancelOrder(ctx context.Context, handle OrderHandle) error
	FillStatus(ctx context.Context, handle OrderHandle) (FillStatus, error)

	// Balance returns account equity in quote currency.
	Balance(ctx context.Context) (float64, error)
}

// Event is a fire-and-forget engine notification. Delivery failure must
// never block or fail a trading cycle.
type EventKind string

const (
	EventTradeOpened  EventKind = "trade_opened"
	EventTradeClosed  EventKind = "trade_closed"
	EventRiskLimitHit EventKind = "risk_limit_hit"
	EventError        EventKind = "error"
	EventDailySummary EventKind = "daily_summary"
)

type Event struct {
	Kind     EventKind
	Symbol   string
	Position *position.Position
	Reason   string
	Err      error
	At       time.Time
}

// NotificationChannel receives engine events.
type NotificationChannel interface {
	Emit(event Event)
}
