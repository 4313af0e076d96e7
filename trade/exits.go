// trade/exits.go
package trade

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"quanthelm/exchange"
	"quanthelm/logs"
	"quanthelm/state"
	"quanthelm/utils"
)

// PnLAt returns the realized P&L of a trade if it exits at price.
func PnLAt(tr *state.Trade, price float64) float64 {
	if tr.Side == "BUY" {
		return (price - tr.EntryPrice) * tr.Quantity
	}
	return (tr.EntryPrice - price) * tr.Quantity
}

// ClassifyByPnL maps a realized P&L to an outcome: positive is a WIN, a dip
// within the fee-equivalent band is NEUTRAL, anything worse is a LOSS.
func ClassifyByPnL(tr *state.Trade, pnl float64) state.Outcome {
	switch {
	case pnl > 0:
		return state.Win
	case pnl >= -(tr.Margin * feeEquivalentPct):
		return state.Neutral
	default:
		return state.Loss
	}
}

// ClassifyStopExit maps a stop-path exit to an outcome. A stop never books a
// WIN, even when a break-even stop rests in profit: anything at or above the
// fee-equivalent band is NEUTRAL, below it is a LOSS.
func ClassifyStopExit(tr *state.Trade, pnl float64) state.Outcome {
	if pnl >= -(tr.Margin * feeEquivalentPct) {
		return state.Neutral
	}
	return state.Loss
}

// ManageOpenTrades walks every open trade once: exit detection first, then
// break-even arming. Each trade is handled independently; one symbol's
// failure never blocks the rest. It returns how many trades closed.
func (e *Executor) ManageOpenTrades(ctx context.Context) int {
	snap := e.store.Snapshot()
	interval := fmt.Sprintf("%dm", e.cfg.Engine.CandleMinutes)

	closed := 0
	for key, tr := range snap.ActiveTrades {
		didClose, err := e.manageOne(ctx, key, tr, interval)
		if err != nil {
			logs.Warnf("[Executor] Managing %s failed: %v", key, err)
			continue
		}
		if didClose {
			closed++
		}
	}
	return closed
}

func (e *Executor) manageOne(ctx context.Context, key string, tr *state.Trade, interval string) (bool, error) {
	klines, err := e.client.GetKlines(ctx, tr.Symbol, interval, 2)
	if err != nil {
		return false, fmt.Errorf("klines: %w", err)
	}
	if len(klines) == 0 {
		return false, fmt.Errorf("empty kline response")
	}
	bar := klines[len(klines)-1]

	if hit, exitPrice, result, note := e.evalExit(tr, bar); hit {
		return true, e.FinalizeClose(ctx, key, tr, exitPrice, result, note)
	}

	return false, e.maybeArmBreakEven(ctx, key, tr, bar.Close)
}

// evalExit checks whether the bar's extremes crossed a protective price. The
// stop is checked before the take-profit: when one bar sweeps both levels the
// engine books the pessimistic outcome. WIN is reserved for the target; the
// stop path classifies through ClassifyStopExit.
func (e *Executor) evalExit(tr *state.Trade, bar exchange.Kline) (bool, float64, state.Outcome, string) {
	if tr.Side == "BUY" {
		if tr.StopLoss > 0 && bar.Low <= tr.StopLoss {
			return true, tr.StopLoss, ClassifyStopExit(tr, PnLAt(tr, tr.StopLoss)), "SL hit"
		}
		if tr.TakeProfit > 0 && bar.High >= tr.TakeProfit {
			return true, tr.TakeProfit, state.Win, "TP hit"
		}
		return false, 0, "", ""
	}

	if tr.StopLoss > 0 && bar.High >= tr.StopLoss {
		return true, tr.StopLoss, ClassifyStopExit(tr, PnLAt(tr, tr.StopLoss)), "SL hit"
	}
	if tr.TakeProfit > 0 && bar.Low <= tr.TakeProfit {
		return true, tr.TakeProfit, state.Win, "TP hit"
	}
	return false, 0, "", ""
}

// maybeArmBreakEven moves the stop to a guaranteed-profit offset once price
// has traveled far enough toward the target. Arming happens at most once per
// trade: the flag is persisted before anything else can re-trigger it.
func (e *Executor) maybeArmBreakEven(ctx context.Context, key string, tr *state.Trade, price float64) error {
	if tr.BreakEvenArmed || tr.TakeProfit <= 0 {
		return nil
	}
	be := e.cfg.BreakEven

	distance := tr.TakeProfit - tr.EntryPrice
	if tr.Side == "SELL" {
		distance = tr.EntryPrice - tr.TakeProfit
	}
	if distance <= 0 {
		return nil
	}

	var path, roi, newStop float64
	if tr.Side == "BUY" {
		path = (price - tr.EntryPrice) / distance
		roi = (price - tr.EntryPrice) / tr.EntryPrice
		newStop = tr.EntryPrice * (1 + be.OffsetPct)
	} else {
		path = (tr.EntryPrice - price) / distance
		roi = (tr.EntryPrice - price) / tr.EntryPrice
		newStop = tr.EntryPrice * (1 - be.OffsetPct)
	}
	if path < be.TriggerRatio || roi < be.MinROIPct {
		return nil
	}

	stopPrice := strconv.FormatFloat(newStop, 'f', -1, 64)
	if info, ok := e.client.GetSymbolInfo(tr.Symbol); ok {
		newStop = utils.AdjustPriceToTickSize(newStop, info.TickSize)
		stopPrice = formatPrice(newStop, info)
	}

	if tr.StopOrderID != 0 {
		if err := e.client.CancelOrder(ctx, tr.Symbol, tr.StopOrderID); err != nil {
			return fmt.Errorf("cancel old stop: %w", err)
		}
	}
	exitSide := exchange.OrderSide(tr.Side).Opposite()
	stopOrder, err := e.client.PlaceOrder(ctx, &exchange.Order{
		Symbol:        tr.Symbol,
		Side:          exitSide,
		Type:          exchange.StopMarket,
		StopPrice:     stopPrice,
		ClosePosition: true,
	})
	if err != nil {
		e.alert(fmt.Sprintf("CRITICAL: %s stop canceled but break-even stop rejected: %v", tr.Symbol, err))
		return fmt.Errorf("place break-even stop: %w", err)
	}

	return e.store.Update(func(s *state.EngineState) {
		live, ok := s.ActiveTrades[key]
		if !ok {
			return
		}
		live.StopLoss = newStop
		live.StopOrderID = stopOrder.OrderID
		live.BreakEvenArmed = true
	})
}

// FinalizeClose books a finished trade: residual protective orders are
// cleaned up, the outcome feeds the ladder, the breaker and the VIP window,
// and the record moves from active trades to the closed history. Operator
// trades skip the feedback loops.
func (e *Executor) FinalizeClose(ctx context.Context, key string, tr *state.Trade, exitPrice float64, result state.Outcome, note string) error {
	e.cleanupOrders(ctx, tr.Symbol)

	pnl := PnLAt(tr, exitPrice)
	pnlPct := 0.0
	if tr.Margin > 0 {
		pnlPct = pnl / tr.Margin
	}
	now := time.Now()
	record := state.ClosedTrade{
		Symbol:   tr.Symbol,
		Side:     tr.Side,
		Result:   result,
		PnLUSD:   pnl,
		PnLPct:   pnlPct,
		Strategy: tr.Strategy,
		ClosedAt: now,
		Mode:     tr.Mode,
		Note:     note,
	}

	err := e.store.Update(func(s *state.EngineState) {
		delete(s.ActiveTrades, key)
		s.ClosedHistory.Append(record)
		if tr.Operator {
			return
		}
		ss := s.EnsureStrategyState(key, e.capital.BaseLeverage())
		e.capital.ApplyOutcome(ss, result, now)
		if result == state.Win {
			until := now.Add(time.Duration(e.cfg.Thresholds.VIPWindowCandles*e.cfg.Engine.CandleMinutes) * time.Minute)
			ss.VIPUntil = &until
		}
		e.gk.RecordGlobalOutcome(s.EnsureGlobalPerf(tr.Strategy), result, now)
	})
	if err != nil {
		logs.Errorf("[Executor] Close of %s not persisted: %v", key, err)
	}

	if e.onClose != nil {
		e.onClose(record)
	}
	e.appendTradeLog(record)
	e.notify(fmt.Sprintf("%s %s closed %s: %+.2f USDT (%s)", tr.Symbol, tr.Strategy, result, pnl, note))
	logs.Infof("[Executor] Closed %s %s at %.6f: %s pnl=%.4f USDT (%s)",
		key, tr.Side, exitPrice, result, pnl, note)
	return nil
}

// cleanupOrders cancels every residual order for the symbol, retrying a few
// times. A persistent failure is escalated but never blocks the close.
func (e *Executor) cleanupOrders(ctx context.Context, symbol string) {
	var err error
	for i := 0; i < cleanupRetries; i++ {
		if err = e.client.CancelAllOpenOrders(ctx, symbol); err == nil {
			return
		}
		time.Sleep(time.Second)
	}
	e.alert(fmt.Sprintf("CRITICAL: residual orders on %s not canceled after %d attempts: %v", symbol, cleanupRetries, err))
}

// ForceClose flattens one open trade at market on operator demand.
func (e *Executor) ForceClose(ctx context.Context, key string) error {
	snap := e.store.Snapshot()
	tr, ok := snap.ActiveTrades[key]
	if !ok {
		return fmt.Errorf("no open trade %s", key)
	}

	info, infoOK := e.client.GetSymbolInfo(tr.Symbol)
	qtyPrecision := 8
	if infoOK {
		qtyPrecision = info.QuantityPrecision
	}

	_, err := e.client.PlaceOrder(ctx, &exchange.Order{
		Symbol:     tr.Symbol,
		Side:       exchange.OrderSide(tr.Side).Opposite(),
		Type:       exchange.Market,
		OrigQty:    formatQty(tr.Quantity, qtyPrecision),
		ReduceOnly: true,
	})
	if err != nil {
		return fmt.Errorf("force close %s: %w", key, err)
	}

	exitPrice := tr.EntryPrice
	if ticker, terr := e.client.GetTicker(ctx, tr.Symbol); terr == nil {
		exitPrice = ticker.Last
	}
	result := ClassifyByPnL(tr, PnLAt(tr, exitPrice))
	return e.FinalizeClose(ctx, key, tr, exitPrice, result, "Forced close")
}
