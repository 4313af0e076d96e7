// orchestrator.go
package main

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"quanthelm/arbiter"
	"quanthelm/capital"
	"quanthelm/command"
	"quanthelm/config"
	"quanthelm/exchange"
	"quanthelm/logs"
	"quanthelm/monitor"
	"quanthelm/reconcile"
	"quanthelm/risk"
	"quanthelm/signals"
	"quanthelm/state"
	"quanthelm/trade"
)

// Orchestrator owns the wiring: exchange client, state store, risk stack,
// engine loop, reconciliation, HTTP surface and the operator channel.
type Orchestrator struct {
	client   exchange.Client
	store    *state.Store
	engine   *monitor.Engine
	server   *monitor.Server
	listener *command.Listener
	notifier *command.Notifier
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	cfg      *config.Config
}

func NewOrchestrator(cfg *config.Config, envCfg *config.EnvConfig, stateFilePath string) (*Orchestrator, error) {
	var client exchange.Client
	if cfg.UseSimulation {
		client = exchange.NewMockClient()
		logs.Warnf("<<<<<<<<<< WARNING: Running in simulation mode >>>>>>>>>>")
	} else {
		client = exchange.NewAPIClient(envCfg.ApiKey, envCfg.ApiSecret, envCfg.BaseURL, cfg.Normal.HTTPTimeoutSeconds, cfg.Normal.RecvWindowSeconds)
		if err := client.SyncTime(); err != nil {
			return nil, fmt.Errorf("failed to sync exchange time: %w", err)
		}
	}

	// Cold start check before the store loads anything: a completely idle
	// exchange means any state file content is stale.
	positions, err := client.GetPositions(context.Background())
	if err != nil {
		return nil, fmt.Errorf("failed to get positions at startup: %w", err)
	}
	openOrders, err := client.GetOpenOrders(context.Background(), "")
	if err != nil {
		return nil, fmt.Errorf("failed to get open orders at startup: %w", err)
	}
	flat := true
	for _, p := range positions {
		if p.Contracts != 0 {
			flat = false
			break
		}
	}
	if flat && len(openOrders) == 0 {
		logs.Warnf("[Orchestrator] Exchange is completely idle. Treating this as a fresh start.")
		logs.Warnf("[Orchestrator] Removing old state file: %s", stateFilePath)
		if err := os.Remove(stateFilePath); err != nil && !os.IsNotExist(err) {
			logs.Errorf("[Orchestrator] Could not remove old state file: %v. Will try to load it anyway.", err)
		}
	}

	store, err := state.NewStore(stateFilePath)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize state store: %w", err)
	}
	logs.Infof("State store initialized, persisting to: %s", stateFilePath)

	if cfg.MarginType != "" && !cfg.UseSimulation {
		for _, symbol := range cfg.Symbols {
			if err := client.SetMarginType(context.Background(), symbol, cfg.MarginType); err != nil {
				return nil, fmt.Errorf("failed to set margin mode on %s: %w", symbol, err)
			}
		}
		logs.Infof("Margin mode %s applied to %d symbols.", cfg.MarginType, len(cfg.Symbols))
	}

	var provider signals.Provider
	if cfg.Signals.Endpoint != "" {
		provider = signals.NewHTTPProvider(cfg.Signals.Endpoint, time.Duration(cfg.Signals.TimeoutSeconds)*time.Second)
	} else {
		logs.Warnf("[Orchestrator] No advisor endpoint configured, using the static provider. The engine will idle until views are set.")
		provider = signals.NewStaticProvider()
	}

	notifier := command.NewNotifier(envCfg.TelegramToken, envCfg.TelegramChatID)
	gk := risk.NewGatekeeper(cfg)
	ladder := capital.NewController(cfg.Engine)
	executor := trade.NewExecutor(cfg, client, store, ladder, gk, notifier)
	auditor := reconcile.NewAuditor(client, store, executor)
	metrics := monitor.NewMetrics()
	arb := arbiter.New(cfg, nil)

	engine := monitor.NewEngine(cfg, client, store, provider, arb, gk, executor, auditor, metrics, notifier)
	server := monitor.NewServer(cfg.Normal.StatusListenAddr, engine, metrics)
	listener := command.NewListener(notifier, engine)

	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		client:   client,
		store:    store,
		engine:   engine,
		server:   server,
		listener: listener,
		notifier: notifier,
		ctx:      ctx,
		cancel:   cancel,
		cfg:      cfg,
	}

	if err := o.reconcileStateOnStartup(); err != nil {
		return nil, fmt.Errorf("failed to reconcile state on startup: %w", err)
	}
	return o, nil
}

// reconcileStateOnStartup audits the restored book against the exchange
// before the first cycle runs, so the engine never acts on stale records.
func (o *Orchestrator) reconcileStateOnStartup() error {
	logs.Info("[Orchestrator] Running startup reconciliation...")
	report, err := o.engine.RunReconciliation(o.ctx)
	if err != nil {
		return err
	}
	snap := o.store.Snapshot()
	logs.Infof("[Orchestrator] Startup reconciliation done: %d trades restored, %s", len(snap.ActiveTrades), report.Summary())
	return nil
}

func (o *Orchestrator) Start() {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.engine.Run(o.ctx)
	}()
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.server.Start()
	}()
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.listener.Run(o.ctx)
	}()

	o.notifier.Alert(fmt.Sprintf("Engine started in %s mode, %d symbols watched.", mode(o.cfg), len(o.cfg.Symbols)))
	logs.Infof("Engine started (%d symbols), press Ctrl+C to exit.", len(o.cfg.Symbols))
}

func (o *Orchestrator) Stop() {
	logs.Info("Received close signal, starting graceful shutdown...")

	o.cancel()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := o.server.Shutdown(shutdownCtx); err != nil {
		logs.Errorf("Status server shutdown failed: %v", err)
	}

	o.wg.Wait()

	if err := o.store.Save(); err != nil {
		logs.Errorf("Failed to save final state: %v", err)
	}
	o.printFinalSummary()
	o.notifier.Alert("Engine stopped.")
	logs.Info("All services stopped successfully.")
}

func (o *Orchestrator) printFinalSummary() {
	snap := o.store.Snapshot()
	var realized float64
	wins, losses := 0, 0
	for _, ct := range snap.ClosedHistory.Items() {
		realized += ct.PnLUSD
		switch ct.Result {
		case state.Win:
			wins++
		case state.Loss:
			losses++
		}
	}
	logs.Info("\n--- Final Summary ---")
	logs.Infof("Closed trades: %d (%d wins, %d losses)", snap.ClosedHistory.Len(), wins, losses)
	logs.Infof("Realized PnL on record: %.4f USDT", realized)
	logs.Infof("Trades left open: %d", len(snap.ActiveTrades))
	logs.Info("---------------------")
}

func mode(cfg *config.Config) state.Mode {
	if cfg.UseSimulation {
		return state.ModePaper
	}
	return state.ModeReal
}
