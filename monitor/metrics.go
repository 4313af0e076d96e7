// monitor/metrics.go
package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the engine's Prometheus collectors. All of them live in one
// registry served by the status server.
type Metrics struct {
	Registry *prometheus.Registry

	CyclesTotal      prometheus.Counter
	CycleSeconds     prometheus.Histogram
	TradesOpened     prometheus.Counter
	TradesClosed     *prometheus.CounterVec
	OpenTrades       prometheus.Gauge
	DailyPnL         prometheus.Gauge
	FuseBlown        prometheus.Gauge
	CandidatesSeen   prometheus.Counter
	GateRejections   prometheus.Counter
	EntriesRejected  prometheus.Counter
	ReconcileIssues  *prometheus.CounterVec
	ExchangeFailures prometheus.Counter
}

// NewMetrics builds and registers all collectors.
func NewMetrics() *Metrics {
	m := &Metrics{Registry: prometheus.NewRegistry()}

	m.CyclesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "engine_cycles_total",
		Help: "Completed scan cycles.",
	})
	m.CycleSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "engine_cycle_duration_seconds",
		Help:    "Wall time of one scan cycle.",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
	})
	m.TradesOpened = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "engine_trades_opened_total",
		Help: "Trades opened by the engine.",
	})
	m.TradesClosed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_trades_closed_total",
		Help: "Trades closed, by result.",
	}, []string{"result"})
	m.OpenTrades = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "engine_open_trades",
		Help: "Currently open trades.",
	})
	m.DailyPnL = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "engine_daily_pnl_usdt",
		Help: "Realized P&L for the current day and mode.",
	})
	m.FuseBlown = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "engine_daily_fuse_blown",
		Help: "1 while the daily loss fuse suspends new entries.",
	})
	m.CandidatesSeen = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "engine_candidates_total",
		Help: "Candidates produced by signal arbitration.",
	})
	m.GateRejections = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "engine_gate_rejections_total",
		Help: "Candidates refused by the admission gates.",
	})
	m.EntriesRejected = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "engine_entries_rejected_total",
		Help: "Admitted candidates whose entry order failed.",
	})
	m.ReconcileIssues = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_reconcile_findings_total",
		Help: "Reconciliation findings, by kind.",
	}, []string{"kind"})
	m.ExchangeFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "engine_exchange_failures_total",
		Help: "Failed exchange calls observed by the main loop.",
	})

	m.Registry.MustRegister(
		m.CyclesTotal, m.CycleSeconds, m.TradesOpened, m.TradesClosed,
		m.OpenTrades, m.DailyPnL, m.FuseBlown, m.CandidatesSeen,
		m.GateRejections, m.EntriesRejected, m.ReconcileIssues, m.ExchangeFailures,
	)
	return m
}
