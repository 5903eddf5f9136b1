package binance

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/adshao/go-binance/v2/futures"

	"marlin/internal/gateway/exchange"
	"marlin/internal/logger"
	"marlin/internal/position"
)

// Executor implements exchange.ExecutionClient with binance futures
// market orders. Fills are confirmed by polling order status.
type Executor struct {
	cfg      Config
	client   *futures.Client
	quoteCcy string
}

func NewExecutor(cfg Config) *Executor {
	final := cfg.withDefaults()
	client := futures.NewClient(final.APIKey, final.APISecret)
	client.BaseURL = final.RESTBaseURL
	client.HTTPClient = &http.Client{Timeout: final.HTTPTimeout}
	return &Executor{cfg: final, client: client, quoteCcy: "USDT"}
}

var _ exchange.ExecutionClient = (*Executor)(nil)

func (e *Executor) PlaceOrder(ctx context.Context, req exchange.OrderRequest) (exchange.OrderHandle, error) {
	symbol := cleanSymbol(req.Symbol)
	if symbol == "" {
		return exchange.OrderHandle{}, fmt.Errorf("symbol is required")
	}
	qty := req.Quantity
	if qty <= 0 {
		if req.Stake <= 0 {
			return exchange.OrderHandle{}, fmt.Errorf("order requires stake or quantity")
		}
		price, err := e.latestPrice(ctx, symbol)
		if err != nil {
			return exchange.OrderHandle{}, err
		}
		qty = req.Stake / price
	}
	side := futures.SideTypeBuy
	if req.Side == position.Short {
		side = futures.SideTypeSell
	}
	if req.ReduceOnly {
		// Closing trades flip the order side relative to the position.
		if side == futures.SideTypeBuy {
			side = futures.SideTypeSell
		} else {
			side = futures.SideTypeBuy
		}
	}
	svc := e.client.NewCreateOrderService().
		Symbol(symbol).
		Side(side).
		Type(futures.OrderTypeMarket).
		Quantity(formatQuantity(qty))
	if req.ReduceOnly {
		svc = svc.ReduceOnly(true)
	}
	res, err := svc.Do(ctx)
	if err != nil {
		return exchange.OrderHandle{}, fmt.Errorf("%w: %s %s: %v", exchange.ErrOrderRejected, symbol, side, err)
	}
	logger.Infof("binance: order placed symbol=%s side=%s qty=%s id=%d", symbol, side, formatQuantity(qty), res.OrderID)
	return exchange.OrderHandle{ID: strconv.FormatInt(res.OrderID, 10), Symbol: symbol}, nil
}

func (e *Executor) CancelOrder(ctx context.Context, handle exchange.OrderHandle) error {
	orderID, err := strconv.ParseInt(handle.ID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid order handle %q: %w", handle.ID, err)
	}
	_, err = e.client.NewCancelOrderService().Symbol(handle.Symbol).OrderID(orderID).Do(ctx)
	return err
}

func (e *Executor) FillStatus(ctx context.Context, handle exchange.OrderHandle) (exchange.FillStatus, error) {
	orderID, err := strconv.ParseInt(handle.ID, 10, 64)
	if err != nil {
		return exchange.FillStatus{}, fmt.Errorf("invalid order handle %q: %w", handle.ID, err)
	}
	order, err := e.client.NewGetOrderService().Symbol(handle.Symbol).OrderID(orderID).Do(ctx)
	if err != nil {
		return exchange.FillStatus{}, err
	}
	switch order.Status {
	case futures.OrderStatusTypeFilled:
		return exchange.FillStatus{State: exchange.FillFilled, Price: parseFloat(order.AvgPrice)}, nil
	case futures.OrderStatusTypeRejected, futures.OrderStatusTypeCanceled, futures.OrderStatusTypeExpired:
		return exchange.FillStatus{State: exchange.FillRejected}, nil
	default:
		return exchange.FillStatus{State: exchange.FillPending}, nil
	}
}

func (e *Executor) Balance(ctx context.Context) (float64, error) {
	balances, err := e.client.NewGetBalanceService().Do(ctx)
	if err != nil {
		return 0, err
	}
	for _, b := range balances {
		if b != nil && b.Asset == e.quoteCcy {
			return parseFloat(b.Balance), nil
		}
	}
	return 0, fmt.Errorf("no %s balance in account", e.quoteCcy)
}

func (e *Executor) latestPrice(ctx context.Context, symbol string) (float64, error) {
	prices, err := e.client.NewListPricesService().Symbol(symbol).Do(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: price %s: %v", exchange.ErrDataUnavailable, symbol, err)
	}
	for _, p := range prices {
		if p == nil {
			continue
		}
		if val := parseFloat(p.Price); val > 0 {
			return val, nil
		}
	}
	return 0, fmt.Errorf("%w: no price for %s", exchange.ErrDataUnavailable, symbol)
}

func formatQuantity(qty float64) string {
	return strconv.FormatFloat(qty, 'f', 6, 64)
}
