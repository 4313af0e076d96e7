package reconcile

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quanthelm/capital"
	"quanthelm/config"
	"quanthelm/exchange"
	"quanthelm/risk"
	"quanthelm/state"
	"quanthelm/trade"
)

func testConfig() *config.Config {
	cfg := config.NewConfig()
	cfg.Engine = &config.EngineConfig{
		CapitalCeilingUSDT:     100,
		BasePercent:            0.30,
		DailyLossPct:           0.05,
		MaxSpreadPct:           0.002,
		FloorNotionalUSDT:      6.0,
		ReferenceSLPct:         0.0030,
		MaxSLPct:               0.05,
		LeverageLadder:         []int{1, 3, 6, 12, 24},
		LeverageBase:           3,
		CooldownCandles:        25,
		GlobalCooldownCandles:  30,
		MaxStrategyFailures:    3,
		NeutralCooldownMinutes: 15,
		CandleMinutes:          15,
		MaxTradesGlobal:        8,
		MaxTradesPerStrategy:   3,
		MaxTradesPerSide:       5,
	}
	cfg.BreakEven = &config.BreakEvenConfig{TriggerRatio: 0.80, MinROIPct: 0.0030, OffsetPct: 0.0025}
	cfg.Thresholds = &config.ThresholdConfig{
		MacroBase:              0.52,
		TacticalBase:           map[string]float64{"RANGE": 0.30},
		VIPWindowCandles:       60,
		VIPDiscount:            0.05,
		BiasWindowTrades:       15,
		BiasForgivenessMinutes: 240,
		SkewWindowTrades:       40,
		SkewMinSample:          10,
	}
	cfg.Strategies = map[string]config.StrategyConfig{
		"tendencia": {TPAtr: 3.0, SLAtr: 1.5, Threshold: 0.55, TargetBenchmark: 0.012},
	}
	return cfg
}

func newTestAuditor(t *testing.T) (*Auditor, *exchange.MockClient, *state.Store) {
	t.Helper()
	cfg := testConfig()
	mock := exchange.NewMockClient()
	mock.SetPrice("BTCUSDT", 50000)

	store, err := state.NewStore(filepath.Join(t.TempDir(), "engine_state.json"))
	require.NoError(t, err)

	executor := trade.NewExecutor(cfg, mock, store, capital.NewController(cfg.Engine), risk.NewGatekeeper(cfg), nil)
	return NewAuditor(mock, store, executor), mock, store
}

func agedTrade(symbol, strategy, side string) *state.Trade {
	return &state.Trade{
		Symbol: symbol, Strategy: strategy, Side: side,
		EntryPrice: 50000, Quantity: 0.003, Margin: 25, Leverage: 6,
		Mode: state.ModePaper, OpenedAt: time.Now().Add(-5 * time.Minute),
	}
}

func TestGhostCleanup(t *testing.T) {
	auditor, _, store := newTestAuditor(t)
	key := state.Key("BTCUSDT", "tendencia")
	require.NoError(t, store.Update(func(s *state.EngineState) {
		s.ActiveTrades[key] = agedTrade("BTCUSDT", "tendencia", "BUY")
	}))

	report, err := auditor.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{key}, report.Ghosts)

	snap := store.Snapshot()
	assert.NotContains(t, snap.ActiveTrades, key)
	require.Equal(t, 1, snap.ClosedHistory.Len())
	ct := snap.ClosedHistory.Items()[0]
	assert.Contains(t, ct.Note, "Ghost")
	assert.Contains(t, ct.Note, "CLOSED_EXTERNAL")

	// A second pass finds nothing more to clean.
	report, err = auditor.Run(context.Background())
	require.NoError(t, err)
	assert.Empty(t, report.Ghosts)
	assert.Equal(t, 1, store.Snapshot().ClosedHistory.Len())
}

func TestGhostCleanupRespectsGracePeriod(t *testing.T) {
	auditor, _, store := newTestAuditor(t)
	key := state.Key("BTCUSDT", "tendencia")
	require.NoError(t, store.Update(func(s *state.EngineState) {
		tr := agedTrade("BTCUSDT", "tendencia", "BUY")
		tr.OpenedAt = time.Now().Add(-10 * time.Second)
		s.ActiveTrades[key] = tr
	}))

	report, err := auditor.Run(context.Background())
	require.NoError(t, err)
	assert.Empty(t, report.Ghosts)
	assert.Contains(t, store.Snapshot().ActiveTrades, key)
}

func TestGhostCleanupSkipsPendingOrders(t *testing.T) {
	auditor, mock, store := newTestAuditor(t)
	key := state.Key("BTCUSDT", "tendencia")
	require.NoError(t, store.Update(func(s *state.EngineState) {
		s.ActiveTrades[key] = agedTrade("BTCUSDT", "tendencia", "BUY")
	}))

	// A resting limit order on the symbol means the position may be pending.
	_, err := mock.PlaceOrder(context.Background(), &exchange.Order{
		Symbol: "BTCUSDT", Side: exchange.Buy, Type: exchange.Limit, Price: "49000", OrigQty: "0.003",
	})
	require.NoError(t, err)

	report, err := auditor.Run(context.Background())
	require.NoError(t, err)
	assert.Empty(t, report.Ghosts)
	assert.Contains(t, store.Snapshot().ActiveTrades, key)
}

func TestAlienPositionReported(t *testing.T) {
	auditor, mock, _ := newTestAuditor(t)
	mock.SetPosition(exchange.Position{Symbol: "ETHUSDT", Side: exchange.Sell, Contracts: 1.5, EntryPrice: 3000})

	report, err := auditor.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"ETHUSDT"}, report.Aliens)
}

func TestSideConflictReported(t *testing.T) {
	auditor, mock, store := newTestAuditor(t)
	require.NoError(t, store.Update(func(s *state.EngineState) {
		s.ActiveTrades[state.Key("BTCUSDT", "tendencia")] = agedTrade("BTCUSDT", "tendencia", "BUY")
	}))
	mock.SetPosition(exchange.Position{Symbol: "BTCUSDT", Side: exchange.Sell, Contracts: 0.003, EntryPrice: 50000})

	report, err := auditor.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Conflicts, 1)
	assert.Equal(t, "BUY", report.Conflicts[0].LocalSide)
	assert.Equal(t, exchange.Sell, report.Conflicts[0].ExchangeSide)
}

func TestNakedPositionReported(t *testing.T) {
	auditor, mock, store := newTestAuditor(t)
	require.NoError(t, store.Update(func(s *state.EngineState) {
		s.ActiveTrades[state.Key("BTCUSDT", "tendencia")] = agedTrade("BTCUSDT", "tendencia", "BUY")
	}))
	mock.SetPosition(exchange.Position{Symbol: "BTCUSDT", Side: exchange.Buy, Contracts: 0.003, EntryPrice: 50000})

	report, err := auditor.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Naked, 1)
	assert.True(t, report.Naked[0].MissingStop)
	assert.True(t, report.Naked[0].MissingTP)
}

func TestProtectedPositionNotNaked(t *testing.T) {
	auditor, mock, store := newTestAuditor(t)
	require.NoError(t, store.Update(func(s *state.EngineState) {
		s.ActiveTrades[state.Key("BTCUSDT", "tendencia")] = agedTrade("BTCUSDT", "tendencia", "BUY")
	}))
	mock.SetPosition(exchange.Position{Symbol: "BTCUSDT", Side: exchange.Buy, Contracts: 0.003, EntryPrice: 50000})

	for _, typ := range []exchange.OrderType{exchange.StopMarket, exchange.TakeProfitMarket} {
		_, err := mock.PlaceOrder(context.Background(), &exchange.Order{
			Symbol: "BTCUSDT", Side: exchange.Sell, Type: typ, StopPrice: "49000", ClosePosition: true,
		})
		require.NoError(t, err)
	}

	report, err := auditor.Run(context.Background())
	require.NoError(t, err)
	assert.Empty(t, report.Naked)
	assert.True(t, report.Clean())
}

func TestOrphanOrdersReported(t *testing.T) {
	auditor, mock, _ := newTestAuditor(t)
	placed, err := mock.PlaceOrder(context.Background(), &exchange.Order{
		Symbol: "SOLUSDT", Side: exchange.Sell, Type: exchange.StopMarket, StopPrice: "100", ClosePosition: true,
	})
	require.NoError(t, err)

	report, rerr := auditor.Run(context.Background())
	require.NoError(t, rerr)
	require.Len(t, report.Garbage, 1)
	assert.Equal(t, placed.OrderID, report.Garbage[0])

	// Report only: the order must still be resting.
	assert.Equal(t, 1, mock.OpenOrderCount("SOLUSDT"))
}
