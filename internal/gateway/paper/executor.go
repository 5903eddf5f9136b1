// Package paper is a simulated execution backend: every market order fills
// immediately at the provider's latest price. Used for dry runs with the
// same engine wiring as live trading.
package paper

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"marlin/internal/gateway/exchange"
	"marlin/internal/logger"
)

type Executor struct {
	data exchange.MarketDataProvider

	mu     sync.Mutex
	equity float64
	fills  map[string]exchange.FillStatus
}

func NewExecutor(data exchange.MarketDataProvider, startingEquity float64) *Executor {
	if startingEquity <= 0 {
		startingEquity = 1000
	}
	return &Executor{
		data:   data,
		equity: startingEquity,
		fills:  make(map[string]exchange.FillStatus),
	}
}

var _ exchange.ExecutionClient = (*Executor)(nil)

func (e *Executor) PlaceOrder(ctx context.Context, req exchange.OrderRequest) (exchange.OrderHandle, error) {
	if req.Symbol == "" {
		return exchange.OrderHandle{}, fmt.Errorf("symbol is required")
	}
	if req.Stake <= 0 && req.Quantity <= 0 {
		return exchange.OrderHandle{}, fmt.Errorf("%w: order requires stake or quantity", exchange.ErrOrderRejected)
	}
	price, err := e.data.LatestPrice(ctx, req.Symbol)
	if err != nil {
		return exchange.OrderHandle{}, fmt.Errorf("%w: no fill price: %v", exchange.ErrOrderRejected, err)
	}
	handle := exchange.OrderHandle{ID: uuid.NewString(), Symbol: req.Symbol}
	e.mu.Lock()
	e.fills[handle.ID] = exchange.FillStatus{State: exchange.FillFilled, Price: price}
	e.mu.Unlock()
	logger.Debugf("paper: filled %s %s at %.4f", req.Side, req.Symbol, price)
	return handle, nil
}

func (e *Executor) CancelOrder(ctx context.Context, handle exchange.OrderHandle) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.fills[handle.ID]; !ok {
		return fmt.Errorf("unknown order %s", handle.ID)
	}
	e.fills[handle.ID] = exchange.FillStatus{State: exchange.FillRejected}
	return nil
}

func (e *Executor) FillStatus(ctx context.Context, handle exchange.OrderHandle) (exchange.FillStatus, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	status, ok := e.fills[handle.ID]
	if !ok {
		return exchange.FillStatus{}, fmt.Errorf("unknown order %s", handle.ID)
	}
	return status, nil
}

func (e *Executor) Balance(ctx context.Context) (float64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.equity, nil
}

// BookPnL adjusts the simulated balance after a close.
func (e *Executor) BookPnL(pnl float64) {
	e.mu.Lock()
	e.equity += pnl
	if e.equity < 0 {
		e.equity = 0
	}
	e.mu.Unlock()
}
