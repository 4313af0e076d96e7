// trade/watcher.go
package trade

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"quanthelm/exchange"
	"quanthelm/logs"
	"quanthelm/state"
)

// watcherPollInterval is how often a limit watcher re-checks its order.
const watcherPollInterval = 15 * time.Second

// limitSniperStrategy names operator-placed limit entries in state and
// history. These trades never feed the leverage ladder.
const limitSniperStrategy = "LIMIT_SNIPER"

// LimitRequest describes an operator limit entry with its protection.
type LimitRequest struct {
	Symbol     string
	Side       string // BUY or SELL
	Price      float64
	Quantity   float64
	TakeProfit float64
	StopLoss   float64
	Leverage   int
}

// PlaceLimitSniper submits a limit order and spawns a watcher goroutine that
// tracks it until it fills or dies. The returned id identifies the order.
func (e *Executor) PlaceLimitSniper(ctx context.Context, req LimitRequest) (int64, error) {
	info, ok := e.client.GetSymbolInfo(req.Symbol)
	if !ok {
		return 0, fmt.Errorf("no trading rules cached for %s", req.Symbol)
	}
	if req.Leverage < 1 {
		req.Leverage = e.capital.BaseLeverage()
	}
	if err := e.client.SetLeverage(ctx, req.Symbol, req.Leverage); err != nil {
		return 0, fmt.Errorf("set leverage for limit order: %w", err)
	}

	order, err := e.client.PlaceOrder(ctx, &exchange.Order{
		Symbol:  req.Symbol,
		Side:    exchange.OrderSide(req.Side),
		Type:    exchange.Limit,
		Price:   formatPrice(req.Price, info),
		OrigQty: formatQty(req.Quantity, info.QuantityPrecision),
	})
	if err != nil {
		return 0, fmt.Errorf("limit order for %s: %w", req.Symbol, err)
	}

	logs.Infof("[Watcher] Limit order %d resting on %s %s @ %.6f, watching.",
		order.OrderID, req.Symbol, req.Side, req.Price)
	go e.watchLimitOrder(ctx, req, order.OrderID, info)
	return order.OrderID, nil
}

// watchLimitOrder polls one resting limit order until a terminal status. A
// fill becomes a protected operator trade; any other terminal status just
// ends the watch. Transport errors are retried on the next tick.
func (e *Executor) watchLimitOrder(ctx context.Context, req LimitRequest, orderID int64, info exchange.SymbolInfo) {
	ticker := time.NewTicker(watcherPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		order, err := e.client.GetOrder(ctx, req.Symbol, orderID)
		if err != nil {
			logs.Warnf("[Watcher] Poll of order %d failed: %v", orderID, err)
			continue
		}
		if !order.Status.Terminal() {
			continue
		}
		if order.Status != exchange.Filled {
			logs.Infof("[Watcher] Limit order %d ended %s, watch over.", orderID, order.Status)
			return
		}

		e.adoptFilledLimit(ctx, req, order, info)
		return
	}
}

// adoptFilledLimit converts a filled limit order into a protected trade
// record. If the protection cannot be placed the fill is rolled back exactly
// like a failed engine entry.
func (e *Executor) adoptFilledLimit(ctx context.Context, req LimitRequest, order *exchange.Order, info exchange.SymbolInfo) {
	fillPrice := req.Price
	if p, err := strconv.ParseFloat(order.AvgPrice, 64); err == nil && p > 0 {
		fillPrice = p
	}
	fillQty := req.Quantity
	if q, err := strconv.ParseFloat(order.ExecutedQty, 64); err == nil && q > 0 {
		fillQty = q
	}

	side := exchange.OrderSide(req.Side)
	stopOrder, tpOrder, err := e.placeProtection(ctx, req.Symbol, side, req.StopLoss, req.TakeProfit, info)
	if err != nil {
		e.rollback(ctx, req.Symbol, side, fillQty, info)
		e.alert(fmt.Sprintf("Limit fill on %s rolled back, protection failed: %v", req.Symbol, err))
		return
	}

	key := state.Key(req.Symbol, limitSniperStrategy) + "_" + uuid.NewString()[:8]
	tr := &state.Trade{
		Symbol:       req.Symbol,
		Strategy:     limitSniperStrategy,
		Side:         req.Side,
		EntryPrice:   fillPrice,
		TakeProfit:   req.TakeProfit,
		StopLoss:     req.StopLoss,
		Leverage:     req.Leverage,
		Margin:       fillPrice * fillQty / float64(req.Leverage),
		Quantity:     fillQty,
		EntryOrderID: order.OrderID,
		StopOrderID:  stopOrder.OrderID,
		TPOrderID:    tpOrder.OrderID,
		Mode:         e.mode(),
		OpenedAt:     time.Now(),
		Operator:     true,
	}
	if err := e.store.Update(func(s *state.EngineState) {
		s.ActiveTrades[key] = tr
	}); err != nil {
		logs.Errorf("[Watcher] Adopted limit trade %s not persisted: %v", key, err)
	}
	logs.Infof("[Watcher] Limit order %d filled, adopted as %s.", order.OrderID, key)
}
