// Package trade drives the position lifecycle: entry with protective orders
// and rollback on partial failure, break-even arming, exit detection and the
// close bookkeeping that feeds the ladder, breaker and history.
package trade

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"quanthelm/arbiter"
	"quanthelm/capital"
	"quanthelm/config"
	"quanthelm/exchange"
	"quanthelm/logs"
	"quanthelm/risk"
	"quanthelm/state"
	"quanthelm/utils"
)

// feeEquivalentPct is the small negative return (on margin) below which a
// stop-out still counts as break-even rather than a loss.
const feeEquivalentPct = 0.0025

// cleanupRetries bounds how often a residual-order cancel is retried per close.
const cleanupRetries = 3

// Alerter delivers human-actionable messages. A nil Alerter is legal; alerts
// then only reach the log.
type Alerter interface {
	Alert(msg string)
}

// Executor owns all order placement for engine trades.
type Executor struct {
	cfg     *config.Config
	client  exchange.Client
	store   *state.Store
	capital *capital.Controller
	gk      *risk.Gatekeeper
	alerter Alerter
	onClose func(state.ClosedTrade)
}

// NewExecutor wires the executor to its collaborators.
func NewExecutor(cfg *config.Config, client exchange.Client, store *state.Store, cap *capital.Controller, gk *risk.Gatekeeper, alerter Alerter) *Executor {
	return &Executor{cfg: cfg, client: client, store: store, capital: cap, gk: gk, alerter: alerter}
}

// SetOnClose registers an observer for every booked close, whatever path
// produced it (bar exit, forced close, ghost cleanup).
func (e *Executor) SetOnClose(fn func(state.ClosedTrade)) {
	e.onClose = fn
}

func (e *Executor) alert(msg string) {
	logs.Error(msg)
	if e.alerter != nil {
		e.alerter.Alert(msg)
	}
}

// notify sends a routine (non-error) message to the operator channel.
func (e *Executor) notify(msg string) {
	if e.alerter != nil {
		e.alerter.Alert(msg)
	}
}

func (e *Executor) mode() state.Mode {
	if e.cfg.UseSimulation {
		return state.ModePaper
	}
	return state.ModeReal
}

func formatQty(qty float64, precision int) string {
	return strconv.FormatFloat(utils.FloorToPrecision(qty, precision), 'f', precision, 64)
}

func formatPrice(price float64, info exchange.SymbolInfo) string {
	return strconv.FormatFloat(utils.AdjustPriceToTickSize(price, info.TickSize), 'f', info.PricePrecision, 64)
}

// OpenTrade executes one admitted candidate end to end: margin/leverage
// setup, market entry, protective stop and take-profit, then the state
// record. A protective-order failure after a filled entry triggers the
// rollback path; the trade record is only created once the position is fully
// protected.
func (e *Executor) OpenTrade(ctx context.Context, cand arbiter.Candidate) error {
	info, ok := e.client.GetSymbolInfo(cand.Symbol)
	if !ok {
		return fmt.Errorf("no trading rules cached for %s", cand.Symbol)
	}
	strat, ok := e.cfg.Strategies[cand.Strategy]
	if !ok {
		return fmt.Errorf("unknown strategy %s", cand.Strategy)
	}

	tp := utils.AdjustPriceToTickSize(cand.TakeProfit, info.TickSize)
	sl := utils.AdjustPriceToTickSize(cand.StopLoss, info.TickSize)

	size, err := e.capital.ComputeSize(strat, cand.Entry, sl, cand.Leverage, info)
	if err != nil {
		return fmt.Errorf("sizing %s/%s: %w", cand.Symbol, cand.Strategy, err)
	}

	if e.cfg.MarginType != "" {
		if err := e.client.SetMarginType(ctx, cand.Symbol, e.cfg.MarginType); err != nil {
			logs.Warnf("[Executor] %s: margin type not set: %v", cand.Symbol, err)
		}
	}
	if err := e.client.SetLeverage(ctx, cand.Symbol, cand.Leverage); err != nil {
		return fmt.Errorf("set leverage %dx on %s: %w", cand.Leverage, cand.Symbol, err)
	}

	side := exchange.OrderSide(cand.Side)
	entry, err := e.client.PlaceOrder(ctx, &exchange.Order{
		Symbol:  cand.Symbol,
		Side:    side,
		Type:    exchange.Market,
		OrigQty: formatQty(size.Quantity, info.QuantityPrecision),
	})
	if err != nil {
		e.applyRejectionCooldown(cand.Symbol, cand.Strategy, err)
		return fmt.Errorf("entry order for %s/%s: %w", cand.Symbol, cand.Strategy, err)
	}

	fillPrice := cand.Entry
	if p, perr := strconv.ParseFloat(entry.AvgPrice, 64); perr == nil && p > 0 {
		fillPrice = p
	}
	fillQty := size.Quantity
	if q, qerr := strconv.ParseFloat(entry.ExecutedQty, 64); qerr == nil && q > 0 {
		fillQty = q
	}

	stopOrder, tpOrder, err := e.placeProtection(ctx, cand.Symbol, side, sl, tp, info)
	if err != nil {
		e.rollback(ctx, cand.Symbol, side, fillQty, info)
		return fmt.Errorf("protective orders for %s/%s: %w", cand.Symbol, cand.Strategy, err)
	}

	now := time.Now()
	key := state.Key(cand.Symbol, cand.Strategy)
	tr := &state.Trade{
		Symbol:       cand.Symbol,
		Strategy:     cand.Strategy,
		Side:         cand.Side,
		EntryPrice:   fillPrice,
		TakeProfit:   tp,
		StopLoss:     sl,
		Leverage:     cand.Leverage,
		Margin:       size.Margin,
		Quantity:     fillQty,
		EntryOrderID: entry.OrderID,
		StopOrderID:  stopOrder.OrderID,
		TPOrderID:    tpOrder.OrderID,
		Mode:         e.mode(),
		OpenedAt:     now,
	}
	if err := e.store.Update(func(s *state.EngineState) {
		s.ActiveTrades[key] = tr
		s.EnsureStrategyState(key, e.capital.BaseLeverage())
	}); err != nil {
		logs.Errorf("[Executor] State not persisted after opening %s: %v", key, err)
	}

	e.notify(fmt.Sprintf("%s %s %s opened at %.6g (%dx), TP %.6g / SL %.6g",
		cand.Symbol, cand.Strategy, cand.Side, fillPrice, cand.Leverage, tp, sl))
	logs.Infof("[Executor] Opened %s %s %s qty=%.6f entry=%.6f tp=%.6f sl=%.6f lev=%dx",
		cand.Symbol, cand.Strategy, cand.Side, fillQty, fillPrice, tp, sl, cand.Leverage)
	return nil
}

// placeProtection submits the reduce-only stop and take-profit triggers. Both
// close the whole position on trigger.
func (e *Executor) placeProtection(ctx context.Context, symbol string, entrySide exchange.OrderSide, sl, tp float64, info exchange.SymbolInfo) (*exchange.Order, *exchange.Order, error) {
	exitSide := entrySide.Opposite()

	stopOrder, err := e.client.PlaceOrder(ctx, &exchange.Order{
		Symbol:        symbol,
		Side:          exitSide,
		Type:          exchange.StopMarket,
		StopPrice:     formatPrice(sl, info),
		ClosePosition: true,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("stop order: %w", err)
	}

	tpOrder, err := e.client.PlaceOrder(ctx, &exchange.Order{
		Symbol:        symbol,
		Side:          exitSide,
		Type:          exchange.TakeProfitMarket,
		StopPrice:     formatPrice(tp, info),
		ClosePosition: true,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("take-profit order: %w", err)
	}
	return stopOrder, tpOrder, nil
}

// rollback unwinds a filled entry whose protection could not be placed:
// cancel whatever protective orders exist, then flatten with an opposite
// reduce-only market order. A rollback failure leaves a naked position and is
// escalated instead of retried blindly.
func (e *Executor) rollback(ctx context.Context, symbol string, entrySide exchange.OrderSide, qty float64, info exchange.SymbolInfo) {
	logs.Warnf("[Executor] Rolling back unprotected entry on %s.", symbol)

	if err := e.client.CancelAllOpenOrders(ctx, symbol); err != nil {
		logs.Warnf("[Executor] Rollback cancel on %s failed: %v", symbol, err)
	}

	_, err := e.client.PlaceOrder(ctx, &exchange.Order{
		Symbol:     symbol,
		Side:       entrySide.Opposite(),
		Type:       exchange.Market,
		OrigQty:    formatQty(qty, info.QuantityPrecision),
		ReduceOnly: true,
	})
	if err != nil {
		e.alert(fmt.Sprintf("CRITICAL: rollback close failed on %s, position may be naked: %v", symbol, err))
	}
}

// applyRejectionCooldown pauses a key after a coded exchange rejection.
func (e *Executor) applyRejectionCooldown(symbol, strategy string, err error) {
	cd := risk.RejectionCooldown(err)
	if cd == 0 {
		return
	}
	until := time.Now().Add(cd)
	key := state.Key(symbol, strategy)
	uerr := e.store.Update(func(s *state.EngineState) {
		ss := s.EnsureStrategyState(key, e.capital.BaseLeverage())
		ss.CooldownUntil = &until
	})
	if uerr != nil {
		logs.Errorf("[Executor] Cooldown for %s not persisted: %v", key, uerr)
	}
	logs.Warnf("[Executor] %s paused until %s after exchange rejection (code %d).",
		key, until.Format(time.RFC3339), exchange.ErrorCode(err))
}
