package position

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Tracker owns every live position and the immutable history of closed ones.
// All mutation goes through the tracker under its lock; lifecycle transitions
// are strictly sequential and out-of-order transitions return an error.
type Tracker struct {
	mu      sync.Mutex
	live    map[string]*Position // position ID -> live (pending or open) position
	history []Position
}

func NewTracker() *Tracker {
	return &Tracker{live: make(map[string]*Position)}
}

// CreatePending registers a new pending position for the symbol. At most one
// live position per symbol is allowed; a second concurrent entry is rejected.
func (t *Tracker) CreatePending(symbol string, side Side, stake, stopLoss, takeProfit float64, now time.Time) (*Position, error) {
	if symbol == "" {
		return nil, fmt.Errorf("symbol is required")
	}
	if stake <= 0 {
		return nil, fmt.Errorf("stake must be positive, got %f", stake)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, p := range t.live {
		if p.Symbol == symbol {
			return nil, fmt.Errorf("symbol %s already has a %s position (%s)", symbol, p.Status, p.ID)
		}
	}
	pos := &Position{
		ID:          uuid.NewString(),
		Symbol:      symbol,
		Side:        side,
		Stake:       stake,
		StopLoss:    stopLoss,
		TakeProfit:  takeProfit,
		OpenedAt:    now,
		Status:      StatusPending,
		CloseReason: CloseNone,
	}
	t.live[pos.ID] = pos
	return snapshotOf(pos), nil
}

// SetOrderHandle attaches the exchange order handle to a pending position.
func (t *Tracker) SetOrderHandle(id, handle string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	pos, ok := t.live[id]
	if !ok {
		return fmt.Errorf("position %s not live", id)
	}
	if pos.Status != StatusPending {
		return fmt.Errorf("position %s is %s, expected pending", id, pos.Status)
	}
	pos.OrderHandle = handle
	return nil
}

// ConfirmFill transitions Pending -> Open with the confirmed fill price and
// the stop/take-profit levels recomputed from that price.
func (t *Tracker) ConfirmFill(id string, fillPrice, stopLoss, takeProfit float64, now time.Time) (*Position, error) {
	if fillPrice <= 0 {
		return nil, fmt.Errorf("fill price must be positive, got %f", fillPrice)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	pos, ok := t.live[id]
	if !ok {
		return nil, fmt.Errorf("position %s not live", id)
	}
	if pos.Status != StatusPending {
		return nil, fmt.Errorf("invalid transition: position %s is %s, cannot open", id, pos.Status)
	}
	pos.Status = StatusOpen
	pos.EntryPrice = fillPrice
	pos.Quantity = pos.Stake / fillPrice
	pos.StopLoss = stopLoss
	pos.TakeProfit = takeProfit
	pos.OpenedAt = now
	return snapshotOf(pos), nil
}

// Abort transitions Pending -> Closed(None) when the order never filled.
// The slot is released without P&L.
func (t *Tracker) Abort(id string, now time.Time) (*Position, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	pos, ok := t.live[id]
	if !ok {
		return nil, fmt.Errorf("position %s not live", id)
	}
	if pos.Status != StatusPending {
		return nil, fmt.Errorf("invalid transition: position %s is %s, cannot abort", id, pos.Status)
	}
	pos.Status = StatusClosed
	pos.CloseReason = CloseNone
	pos.ClosedAt = now
	return t.retire(pos), nil
}

// Close transitions Open -> Closed with the realized exit. Manual closes are
// also accepted from Pending (the order is cancelled by the caller first).
func (t *Tracker) Close(id string, exitPrice float64, reason CloseReason, now time.Time) (*Position, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	pos, ok := t.live[id]
	if !ok {
		return nil, fmt.Errorf("position %s not live", id)
	}
	switch pos.Status {
	case StatusOpen:
	case StatusPending:
		if reason != CloseManual {
			return nil, fmt.Errorf("invalid transition: position %s is pending, only manual close allowed", id)
		}
		reason = CloseManual
		exitPrice = 0
	default:
		return nil, fmt.Errorf("invalid transition: position %s already closed", id)
	}
	pos.Status = StatusClosed
	pos.CloseReason = reason
	pos.ClosedAt = now
	if exitPrice > 0 {
		pos.ExitPrice = exitPrice
		pos.RealizedPnL = pos.RealizedPnLFor(exitPrice)
	}
	return t.retire(pos), nil
}

// CheckExit reports the exit reason triggered by the given price, if any.
// Stop-loss is evaluated before take-profit as the conservative tie-break.
func (t *Tracker) CheckExit(id string, price float64) (CloseReason, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	pos, ok := t.live[id]
	if !ok || pos.Status != StatusOpen || price <= 0 {
		return CloseNone, false
	}
	if breachedStop(pos.Side, price, pos.StopLoss) {
		return CloseStopLoss, true
	}
	if reachedTarget(pos.Side, price, pos.TakeProfit) {
		return CloseTakeProfit, true
	}
	return CloseNone, false
}

// OpenPositions returns snapshots of all currently open positions.
func (t *Tracker) OpenPositions() []Position {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Position, 0, len(t.live))
	for _, p := range t.live {
		if p.Status == StatusOpen {
			out = append(out, *p)
		}
	}
	return out
}

// LivePositions returns snapshots of all pending and open positions.
func (t *Tracker) LivePositions() []Position {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Position, 0, len(t.live))
	for _, p := range t.live {
		out = append(out, *p)
	}
	return out
}

// BySymbol returns the live position for a symbol, if any.
func (t *Tracker) BySymbol(symbol string) (Position, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, p := range t.live {
		if p.Symbol == symbol {
			return *p, true
		}
	}
	return Position{}, false
}

// History returns the closed-trade records, oldest first.
func (t *Tracker) History() []Position {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Position, len(t.history))
	copy(out, t.history)
	return out
}

func (t *Tracker) retire(pos *Position) *Position {
	delete(t.live, pos.ID)
	t.history = append(t.history, *pos)
	return snapshotOf(pos)
}

func snapshotOf(pos *Position) *Position {
	cp := *pos
	return &cp
}

// Price comparisons run through decimal so a stop at 98 triggers at exactly
// 98.0 regardless of float representation.
func breachedStop(side Side, price, stop float64) bool {
	if stop <= 0 || price <= 0 {
		return false
	}
	if side == Short {
		return decCmp(price, stop) >= 0
	}
	return decCmp(price, stop) <= 0
}

func reachedTarget(side Side, price, target float64) bool {
	if target <= 0 || price <= 0 {
		return false
	}
	if side == Short {
		return decCmp(price, target) <= 0
	}
	return decCmp(price, target) >= 0
}

func decCmp(a, b float64) int {
	return decFromFloat(a).Cmp(decFromFloat(b))
}

func decFromFloat(v float64) decimal.Decimal {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return decimal.Zero
	}
	return decimal.NewFromFloat(v)
}
