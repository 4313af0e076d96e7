// Package reconcile compares the engine's book against the exchange and
// reports the drift: alien positions, side conflicts, naked positions and
// orphaned orders. The only mutation it performs is the ghost cleanup, which
// closes local records for positions the exchange confirms are gone.
package reconcile

import (
	"context"
	"fmt"
	"time"

	"quanthelm/exchange"
	"quanthelm/logs"
	"quanthelm/state"
	"quanthelm/trade"
)

// gracePeriod skips positions and trades younger than this, so a pass racing
// a just-submitted entry does not misreport it.
const gracePeriod = 60 * time.Second

// Conflict is a local trade whose side disagrees with the exchange.
type Conflict struct {
	Symbol       string
	LocalSide    string
	ExchangeSide exchange.OrderSide
}

// Naked is a position missing protective orders. Missing both is critical;
// missing only the stop is a lesser alert.
type Naked struct {
	Symbol      string
	MissingStop bool
	MissingTP   bool
}

// Report is the outcome of one reconciliation pass.
type Report struct {
	At        time.Time
	Positions int
	Aliens    []string
	Conflicts []Conflict
	Naked     []Naked
	Ghosts    []string
	Garbage   []int64 // orphaned order ids, reported for operator action
}

// Clean reports whether the pass found nothing to flag.
func (r *Report) Clean() bool {
	return len(r.Aliens) == 0 && len(r.Conflicts) == 0 && len(r.Naked) == 0 &&
		len(r.Ghosts) == 0 && len(r.Garbage) == 0
}

// Summary renders the report for logs and the operator channel.
func (r *Report) Summary() string {
	if r.Clean() {
		return fmt.Sprintf("Reconciliation clean: %d positions verified.", r.Positions)
	}
	return fmt.Sprintf("Reconciliation: %d positions, %d aliens, %d conflicts, %d naked, %d ghosts closed, %d orphan orders.",
		r.Positions, len(r.Aliens), len(r.Conflicts), len(r.Naked), len(r.Ghosts), len(r.Garbage))
}

// Auditor runs reconciliation passes.
type Auditor struct {
	client   exchange.Client
	store    *state.Store
	executor *trade.Executor
}

// NewAuditor wires the auditor to the exchange, the state store and the
// executor that books ghost closes.
func NewAuditor(client exchange.Client, store *state.Store, executor *trade.Executor) *Auditor {
	return &Auditor{client: client, store: store, executor: executor}
}

// Run performs one full pass and returns the report.
func (a *Auditor) Run(ctx context.Context) (*Report, error) {
	positions, err := a.client.GetPositions(ctx)
	if err != nil {
		return nil, fmt.Errorf("positions: %w", err)
	}
	orders, err := a.client.GetOpenOrders(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("open orders: %w", err)
	}
	snap := a.store.Snapshot()
	now := time.Now()

	posBySymbol := make(map[string]exchange.Position)
	for _, p := range positions {
		if p.Contracts > 0 {
			posBySymbol[p.Symbol] = p
		}
	}
	ordersBySymbol := make(map[string][]exchange.Order)
	for _, o := range orders {
		ordersBySymbol[o.Symbol] = append(ordersBySymbol[o.Symbol], o)
	}
	localsBySymbol := make(map[string][]*state.Trade)
	for _, tr := range snap.ActiveTrades {
		localsBySymbol[tr.Symbol] = append(localsBySymbol[tr.Symbol], tr)
	}

	report := &Report{At: now, Positions: len(posBySymbol)}

	for symbol, pos := range posBySymbol {
		locals := localsBySymbol[symbol]
		if len(locals) == 0 {
			report.Aliens = append(report.Aliens, symbol)
			logs.Warnf("[Reconcile] Alien position on %s: %s %.6f contracts, no local record.",
				symbol, pos.Side, pos.Contracts)
			continue
		}

		inGrace := false
		for _, tr := range locals {
			if now.Sub(tr.OpenedAt) < gracePeriod {
				inGrace = true
			}
			if tr.Side != string(pos.Side) {
				report.Conflicts = append(report.Conflicts, Conflict{
					Symbol: symbol, LocalSide: tr.Side, ExchangeSide: pos.Side,
				})
				logs.Warnf("[Reconcile] Side conflict on %s: local %s, exchange %s.", symbol, tr.Side, pos.Side)
			}
		}
		if inGrace {
			continue
		}

		hasStop, hasTP := false, false
		for _, o := range ordersBySymbol[symbol] {
			switch o.Type {
			case exchange.StopMarket:
				hasStop = true
			case exchange.TakeProfitMarket:
				hasTP = true
			}
		}
		if !hasStop || !hasTP {
			n := Naked{Symbol: symbol, MissingStop: !hasStop, MissingTP: !hasTP}
			report.Naked = append(report.Naked, n)
			if !hasStop && !hasTP {
				logs.Errorf("[Reconcile] CRITICAL: %s position has no protective orders at all.", symbol)
			} else {
				logs.Warnf("[Reconcile] %s position missing %s.", symbol, missingLabel(n))
			}
		}
	}

	a.cleanGhosts(ctx, snap, posBySymbol, ordersBySymbol, now, report)

	for symbol, symOrders := range ordersBySymbol {
		if _, hasPos := posBySymbol[symbol]; hasPos {
			continue
		}
		if len(localsBySymbol[symbol]) > 0 {
			continue
		}
		for _, o := range symOrders {
			report.Garbage = append(report.Garbage, o.OrderID)
			logs.Warnf("[Reconcile] Orphan order %d on %s (%s %s), cleanup recommended.",
				o.OrderID, symbol, o.Type, o.Side)
		}
	}

	logs.Infof("[Reconcile] %s", report.Summary())
	return report, nil
}

func missingLabel(n Naked) string {
	switch {
	case n.MissingStop && n.MissingTP:
		return "both protective orders"
	case n.MissingStop:
		return "its stop order"
	default:
		return "its take-profit order"
	}
}

// cleanGhosts closes local trades whose symbols the exchange reports flat.
// Trades inside the grace window, or with any order still resting on their
// symbol, are left alone: the position may simply not exist yet.
func (a *Auditor) cleanGhosts(ctx context.Context, snap *state.EngineState, posBySymbol map[string]exchange.Position, ordersBySymbol map[string][]exchange.Order, now time.Time, report *Report) {
	for key, tr := range snap.ActiveTrades {
		if _, ok := posBySymbol[tr.Symbol]; ok {
			continue
		}
		if now.Sub(tr.OpenedAt) < gracePeriod {
			continue
		}
		pending := false
		for _, o := range ordersBySymbol[tr.Symbol] {
			if !o.Status.Terminal() {
				pending = true
				break
			}
		}
		if pending {
			continue
		}

		exitPrice := tr.EntryPrice
		if ticker, err := a.client.GetTicker(ctx, tr.Symbol); err == nil && ticker.Last > 0 {
			exitPrice = ticker.Last
		}
		result := trade.ClassifyByPnL(tr, trade.PnLAt(tr, exitPrice))
		if err := a.executor.FinalizeClose(ctx, key, tr, exitPrice, result, "Ghost CLOSED_EXTERNAL"); err != nil {
			logs.Errorf("[Reconcile] Ghost close of %s failed: %v", key, err)
			continue
		}
		report.Ghosts = append(report.Ghosts, key)
	}
}
