// Package monitor runs the engine's main scan loop and exposes its operator
// surface: pause/resume, forced closes, parameter changes, reconciliation on
// demand and the status/metrics HTTP server.
package monitor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"quanthelm/arbiter"
	"quanthelm/config"
	"quanthelm/exchange"
	"quanthelm/logs"
	"quanthelm/reconcile"
	"quanthelm/risk"
	"quanthelm/signals"
	"quanthelm/state"
	"quanthelm/trade"
)

// Engine is the autonomous control loop.
type Engine struct {
	cfg      *config.Config
	client   exchange.Client
	store    *state.Store
	provider signals.Provider
	arb      *arbiter.Arbiter
	gk       *risk.Gatekeeper
	executor *trade.Executor
	auditor  *reconcile.Auditor
	metrics  *Metrics
	alerter  trade.Alerter

	mu     sync.Mutex // guards operator-driven config mutation
	paused atomic.Bool

	cycle         int
	lastTimeSync  time.Time
	lastHeartbeat time.Time
}

// NewEngine wires the loop to its collaborators.
func NewEngine(cfg *config.Config, client exchange.Client, store *state.Store, provider signals.Provider, arb *arbiter.Arbiter, gk *risk.Gatekeeper, executor *trade.Executor, auditor *reconcile.Auditor, metrics *Metrics, alerter trade.Alerter) *Engine {
	// Every close books through FinalizeClose, so counting there covers bar
	// exits, forced closes and ghost cleanup alike.
	executor.SetOnClose(func(ct state.ClosedTrade) {
		metrics.TradesClosed.WithLabelValues(string(ct.Result)).Inc()
	})
	return &Engine{
		cfg:      cfg,
		client:   client,
		store:    store,
		provider: provider,
		arb:      arb,
		gk:       gk,
		executor: executor,
		auditor:  auditor,
		metrics:  metrics,
		alerter:  alerter,
	}
}

func (e *Engine) mode() state.Mode {
	if e.cfg.UseSimulation {
		return state.ModePaper
	}
	return state.ModeReal
}

// Run executes scan cycles until the context is canceled. Busy cycles (any
// open, close or reconciliation activity) use the short cadence; quiet ones
// back off to the idle cadence.
func (e *Engine) Run(ctx context.Context) {
	logs.Infof("[Engine] Main loop starting in %s mode, %d symbols.", e.mode(), len(e.cfg.Symbols))
	for {
		start := time.Now()
		busy := e.runCycle(ctx)
		e.metrics.CyclesTotal.Inc()
		e.metrics.CycleSeconds.Observe(time.Since(start).Seconds())

		sleep := time.Duration(e.cfg.Normal.IdleCycleSeconds) * time.Second
		if busy {
			sleep = time.Duration(e.cfg.Normal.BusyCycleSeconds) * time.Second
		}
		select {
		case <-ctx.Done():
			logs.Info("[Engine] Main loop stopped.")
			return
		case <-time.After(sleep):
		}
	}
}

func (e *Engine) runCycle(ctx context.Context) bool {
	e.cycle++
	now := time.Now()
	e.maybeSyncTime(now)

	// Exits always run before entries, even while paused or fused.
	closed := e.executor.ManageOpenTrades(ctx)

	if e.cfg.Normal.SyncEveryCycles > 0 && e.cycle%e.cfg.Normal.SyncEveryCycles == 0 {
		if _, err := e.RunReconciliation(ctx); err != nil {
			logs.Warnf("[Engine] Reconciliation pass failed: %v", err)
			e.metrics.ExchangeFailures.Inc()
		}
	}

	snap := e.store.Snapshot()
	e.metrics.OpenTrades.Set(float64(len(snap.ActiveTrades)))
	e.pruneVolatilityBlocks(snap, now)

	blown, dailyPnL := e.gk.DailyFuseBlown(snap, e.mode(), now)
	e.metrics.DailyPnL.Set(dailyPnL)
	if blown {
		e.metrics.FuseBlown.Set(1)
	} else {
		e.metrics.FuseBlown.Set(0)
	}

	opened := 0
	switch {
	case e.paused.Load():
		logs.Debug("[Engine] Paused: entries suspended, monitoring continues.")
	case blown:
		logs.Warnf("[Engine] Daily fuse blown (%.2f USDT): entries suspended until the next day.", dailyPnL)
	default:
		opened = e.scanForEntries(ctx, snap, now)
	}

	e.maybeHeartbeat(now, snap, dailyPnL)
	// Open trades keep the loop on the short cadence so exits are caught fast.
	return opened+closed > 0 || len(snap.ActiveTrades) > 0
}

// scanForEntries fetches advisor views, applies the per-symbol filters,
// evaluates candidates and executes the admitted ones. A failure on one
// symbol only removes that symbol from the cycle.
func (e *Engine) scanForEntries(ctx context.Context, snap *state.EngineState, now time.Time) int {
	views, err := e.provider.Views(ctx, e.cfg.Symbols)
	if err != nil {
		logs.Warnf("[Engine] Advisor unavailable this cycle: %v", err)
		return 0
	}

	regimes := make(map[string]state.RegimeView)
	blocked := make(map[string]time.Time)
	cluster := snap.MarketCluster

	var candidates []arbiter.Candidate
	for _, symbol := range e.cfg.Symbols {
		view, ok := views[symbol]
		if !ok {
			continue
		}
		regimes[symbol] = state.RegimeView{
			Macro:     string(view.Macro.Regime),
			Tactical:  string(view.Tactical.Regime),
			UpdatedAt: now,
		}
		cluster = view.Cluster

		klines, kerr := e.client.GetKlines(ctx, symbol, "1h", e.cfg.Volatility.MinBars+1)
		if kerr != nil {
			logs.Warnf("[Engine] %s skipped, klines unavailable: %v", symbol, kerr)
			e.metrics.ExchangeFailures.Inc()
			continue
		}
		if tripped, extreme := e.gk.VolatilityTrip(klines); tripped {
			until := e.gk.VolatilityBlockUntil(now)
			blocked[symbol] = until
			logs.Warnf("[Engine] Volatility kill-switch on %s (%.1f%%), blocked until %s.",
				symbol, extreme*100, until.Format(time.RFC3339))
			continue
		}

		ticker, terr := e.client.GetTicker(ctx, symbol)
		if terr != nil {
			logs.Warnf("[Engine] %s skipped, ticker unavailable: %v", symbol, terr)
			e.metrics.ExchangeFailures.Inc()
			continue
		}
		if v := e.gk.SpreadOK(ticker); !v.OK {
			logs.Debugf("[Engine] %s", v.Reason)
			continue
		}

		candidates = append(candidates, e.arb.Evaluate(snap, view, e.mode(), now)...)
	}

	if len(regimes) > 0 || len(blocked) > 0 {
		if err := e.store.Update(func(s *state.EngineState) {
			for sym, rv := range regimes {
				s.RegimeViews[sym] = rv
			}
			for sym, until := range blocked {
				s.VolatilityBlocklist[sym] = until
			}
			s.MarketCluster = cluster
		}); err != nil {
			logs.Errorf("[Engine] Advisor caches not persisted: %v", err)
		}
	}

	e.metrics.CandidatesSeen.Add(float64(len(candidates)))
	admitted := e.arb.SelectEntries(snap, e.gk, candidates, now)
	e.metrics.GateRejections.Add(float64(len(candidates) - len(admitted)))

	opened := 0
	for _, cand := range admitted {
		if err := e.executor.OpenTrade(ctx, cand); err != nil {
			logs.Warnf("[Engine] Entry failed: %v", err)
			e.metrics.EntriesRejected.Inc()
			continue
		}
		e.metrics.TradesOpened.Inc()
		opened++
	}
	return opened
}

// pruneVolatilityBlocks drops expired kill-switch blocks from the persisted
// document, so stale symbols never accumulate there.
func (e *Engine) pruneVolatilityBlocks(snap *state.EngineState, now time.Time) {
	expired := false
	for _, until := range snap.VolatilityBlocklist {
		if !until.After(now) {
			expired = true
			break
		}
	}
	if !expired {
		return
	}
	if err := e.store.Update(func(s *state.EngineState) {
		e.gk.PruneBlocklist(s, now)
	}); err != nil {
		logs.Errorf("[Engine] Blocklist prune not persisted: %v", err)
	}
}

func (e *Engine) maybeSyncTime(now time.Time) {
	interval := time.Duration(e.cfg.Normal.TimeSyncIntervalMinutes) * time.Minute
	if !e.lastTimeSync.IsZero() && now.Sub(e.lastTimeSync) < interval {
		return
	}
	if err := e.client.SyncTime(); err != nil {
		logs.Warnf("[Engine] Time sync failed: %v", err)
		e.metrics.ExchangeFailures.Inc()
		return
	}
	e.lastTimeSync = now
}

func (e *Engine) maybeHeartbeat(now time.Time, snap *state.EngineState, dailyPnL float64) {
	interval := time.Duration(e.cfg.Normal.HeartbeatIntervalMinutes) * time.Minute
	if !e.lastHeartbeat.IsZero() && now.Sub(e.lastHeartbeat) < interval {
		return
	}
	e.lastHeartbeat = now
	logs.Infof("[Engine] Heartbeat: cycle=%d open=%d closed_total=%d daily_pnl=%.2f mode=%s paused=%v",
		e.cycle, len(snap.ActiveTrades), snap.ClosedHistory.Len(), dailyPnL, e.mode(), e.paused.Load())
}

// --- operator surface ---

// Pause suspends new entries. Open trades are still managed.
func (e *Engine) Pause() {
	e.paused.Store(true)
	logs.Info("[Engine] Entries paused by operator.")
}

// Resume lifts an operator pause.
func (e *Engine) Resume() {
	e.paused.Store(false)
	logs.Info("[Engine] Entries resumed by operator.")
}

// Paused reports whether entries are suspended by the operator.
func (e *Engine) Paused() bool { return e.paused.Load() }

// ForceClose flattens one symbol's trades, or every open trade when symbol is
// empty. It returns how many trades were closed.
func (e *Engine) ForceClose(ctx context.Context, symbol string) (int, error) {
	snap := e.store.Snapshot()
	closed := 0
	var lastErr error
	for key, tr := range snap.ActiveTrades {
		if symbol != "" && tr.Symbol != symbol {
			continue
		}
		if err := e.executor.ForceClose(ctx, key); err != nil {
			logs.Errorf("[Engine] Force close of %s failed: %v", key, err)
			lastErr = err
			continue
		}
		closed++
	}
	return closed, lastErr
}

// SetParam adjusts one tunable at runtime.
func (e *Engine) SetParam(name string, value float64) error {
	if value <= 0 {
		return fmt.Errorf("parameter %s must be positive", name)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	switch name {
	case "capital_ceiling":
		e.cfg.Engine.CapitalCeilingUSDT = value
	case "base_percent":
		if value > 1 {
			return fmt.Errorf("base_percent must be at most 1")
		}
		e.cfg.Engine.BasePercent = value
	case "daily_loss_pct":
		if value > 1 {
			return fmt.Errorf("daily_loss_pct must be at most 1")
		}
		e.cfg.Engine.DailyLossPct = value
	case "max_spread_pct":
		e.cfg.Engine.MaxSpreadPct = value
	default:
		return fmt.Errorf("unknown parameter %q", name)
	}
	logs.Infof("[Engine] Parameter %s set to %v by operator.", name, value)
	return nil
}

// SwitchMode toggles between simulated and real trading. Refused while any
// trade is open: the two books must never mix.
func (e *Engine) SwitchMode(simulated bool) error {
	snap := e.store.Snapshot()
	if len(snap.ActiveTrades) > 0 {
		return fmt.Errorf("cannot switch mode with %d open trades", len(snap.ActiveTrades))
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cfg.UseSimulation = simulated
	logs.Infof("[Engine] Mode switched to %s by operator.", e.mode())
	return nil
}

// PlaceLimit submits an operator limit entry with its protection attached.
func (e *Engine) PlaceLimit(ctx context.Context, req trade.LimitRequest) (int64, error) {
	return e.executor.PlaceLimitSniper(ctx, req)
}

// RunReconciliation triggers one reconciliation pass.
func (e *Engine) RunReconciliation(ctx context.Context) (*reconcile.Report, error) {
	report, err := e.auditor.Run(ctx)
	if err != nil {
		return nil, err
	}
	e.metrics.ReconcileIssues.WithLabelValues("alien").Add(float64(len(report.Aliens)))
	e.metrics.ReconcileIssues.WithLabelValues("conflict").Add(float64(len(report.Conflicts)))
	e.metrics.ReconcileIssues.WithLabelValues("naked").Add(float64(len(report.Naked)))
	e.metrics.ReconcileIssues.WithLabelValues("ghost").Add(float64(len(report.Ghosts)))
	e.metrics.ReconcileIssues.WithLabelValues("orphan").Add(float64(len(report.Garbage)))

	if !report.Clean() && e.alerter != nil {
		e.alerter.Alert(report.Summary())
	}
	return report, nil
}

// TradeSummary is one open trade in a status report.
type TradeSummary struct {
	Key        string    `json:"key"`
	Symbol     string    `json:"symbol"`
	Strategy   string    `json:"strategy"`
	Side       string    `json:"side"`
	EntryPrice float64   `json:"entry_price"`
	TakeProfit float64   `json:"take_profit"`
	StopLoss   float64   `json:"stop_loss"`
	Leverage   int       `json:"leverage"`
	ArmedBE    bool      `json:"break_even_armed"`
	OpenedAt   time.Time `json:"opened_at"`
}

// Status is the operator-facing snapshot of the engine.
type Status struct {
	Mode          state.Mode           `json:"mode"`
	Paused        bool                 `json:"paused"`
	Cycle         int                  `json:"cycle"`
	OpenTrades    []TradeSummary       `json:"open_trades"`
	ClosedTrades  int                  `json:"closed_trades"`
	DailyPnL      float64              `json:"daily_pnl_usdt"`
	FuseBlown     bool                 `json:"fuse_blown"`
	MarketCluster int                  `json:"market_cluster"`
	Blocklist     map[string]time.Time `json:"volatility_blocklist,omitempty"`
}

// Status builds the current operator snapshot.
func (e *Engine) Status() Status {
	snap := e.store.Snapshot()
	now := time.Now()
	blown, pnl := e.gk.DailyFuseBlown(snap, e.mode(), now)

	st := Status{
		Mode:          e.mode(),
		Paused:        e.paused.Load(),
		Cycle:         e.cycle,
		ClosedTrades:  snap.ClosedHistory.Len(),
		DailyPnL:      pnl,
		FuseBlown:     blown,
		MarketCluster: snap.MarketCluster,
	}
	for key, tr := range snap.ActiveTrades {
		st.OpenTrades = append(st.OpenTrades, TradeSummary{
			Key:        key,
			Symbol:     tr.Symbol,
			Strategy:   tr.Strategy,
			Side:       tr.Side,
			EntryPrice: tr.EntryPrice,
			TakeProfit: tr.TakeProfit,
			StopLoss:   tr.StopLoss,
			Leverage:   tr.Leverage,
			ArmedBE:    tr.BreakEvenArmed,
			OpenedAt:   tr.OpenedAt,
		})
	}
	if len(snap.VolatilityBlocklist) > 0 {
		st.Blocklist = make(map[string]time.Time)
		for sym, until := range snap.VolatilityBlocklist {
			if until.After(now) {
				st.Blocklist[sym] = until
			}
		}
	}
	return st
}

// History returns the most recent n closed trades, newest last.
func (e *Engine) History(n int) []state.ClosedTrade {
	return e.store.Snapshot().ClosedHistory.Last(n)
}
