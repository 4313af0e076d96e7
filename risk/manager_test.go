package risk

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quanthelm/config"
	"quanthelm/exchange"
	"quanthelm/state"
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
	cfg.Volatility = &config.VolatilityConfig{LimitPct: 0.20, BlockHours: 4, MinBars: 2}
	return cfg
}

func emptyState() *state.EngineState {
	return &state.EngineState{
		ActiveTrades:        make(map[string]*state.Trade),
		StrategyState:       make(map[string]*state.StrategyState),
		GlobalPerf:          make(map[string]*state.GlobalPerf),
		ClosedHistory:       state.NewHistory(50),
		VolatilityBlocklist: make(map[string]time.Time),
	}
}

func TestAdmitCleanCandidate(t *testing.T) {
	g := NewGatekeeper(testConfig())
	v := g.Admit(emptyState(), NewCycleLoad(), "BTCUSDT", "tendencia", "BUY", time.Now())
	assert.True(t, v.OK)
	assert.Empty(t, v.Reason)
}

func TestAdmitRefusesKeyAlreadyOpen(t *testing.T) {
	g := NewGatekeeper(testConfig())
	snap := emptyState()
	snap.ActiveTrades[state.Key("BTCUSDT", "tendencia")] = &state.Trade{Symbol: "BTCUSDT", Strategy: "tendencia", Side: "BUY"}

	// A persistent same-side signal must never stack a second position on the
	// same key.
	v := g.Admit(snap, NewCycleLoad(), "BTCUSDT", "tendencia", "BUY", time.Now())
	assert.False(t, v.OK)
	assert.Contains(t, v.Reason, "already holds an open trade")

	// The same symbol under another strategy is a different key.
	v = g.Admit(snap, NewCycleLoad(), "BTCUSDT", "scalping", "BUY", time.Now())
	assert.True(t, v.OK)
}

func TestAdmitRespectsKeyCooldown(t *testing.T) {
	g := NewGatekeeper(testConfig())
	snap := emptyState()
	now := time.Now()

	until := now.Add(10 * time.Minute)
	snap.StrategyState[state.Key("BTCUSDT", "tendencia")] = &state.StrategyState{CooldownUntil: &until}

	v := g.Admit(snap, NewCycleLoad(), "BTCUSDT", "tendencia", "BUY", now)
	assert.False(t, v.OK)
	assert.Contains(t, v.Reason, "cooling down")

	// Same symbol, different strategy: unaffected.
	v = g.Admit(snap, NewCycleLoad(), "BTCUSDT", "scalping", "BUY", now)
	assert.True(t, v.OK)

	// Expired cooldowns stop blocking.
	v = g.Admit(snap, NewCycleLoad(), "BTCUSDT", "tendencia", "BUY", now.Add(11*time.Minute))
	assert.True(t, v.OK)
}

func TestAdmitRespectsGlobalBreaker(t *testing.T) {
	g := NewGatekeeper(testConfig())
	snap := emptyState()
	now := time.Now()

	until := now.Add(time.Hour)
	snap.GlobalPerf["tendencia"] = &state.GlobalPerf{CooldownUntil: &until}

	v := g.Admit(snap, NewCycleLoad(), "ETHUSDT", "tendencia", "SELL", now)
	assert.False(t, v.OK)
	assert.Contains(t, v.Reason, "globally disabled")
}

func TestAdmitRespectsVolatilityBlocklist(t *testing.T) {
	g := NewGatekeeper(testConfig())
	snap := emptyState()
	now := time.Now()
	snap.VolatilityBlocklist["BTCUSDT"] = now.Add(2 * time.Hour)

	v := g.Admit(snap, NewCycleLoad(), "BTCUSDT", "tendencia", "BUY", now)
	assert.False(t, v.OK)
	assert.Contains(t, v.Reason, "volatility-blocked")
}

func TestAdmitDirectionalConflict(t *testing.T) {
	g := NewGatekeeper(testConfig())
	snap := emptyState()
	snap.ActiveTrades["BTCUSDT_scalping"] = &state.Trade{Symbol: "BTCUSDT", Strategy: "scalping", Side: "SELL"}

	v := g.Admit(snap, NewCycleLoad(), "BTCUSDT", "tendencia", "BUY", time.Now())
	assert.False(t, v.OK)
	assert.Contains(t, v.Reason, "opposite-direction")

	// Same-direction stacking is allowed.
	v = g.Admit(snap, NewCycleLoad(), "BTCUSDT", "tendencia", "SELL", time.Now())
	assert.True(t, v.OK)
}

func TestAdmitCapsCountSameCyclePending(t *testing.T) {
	cfg := testConfig()
	cfg.Engine.MaxTradesGlobal = 2
	g := NewGatekeeper(cfg)
	snap := emptyState()
	snap.ActiveTrades["BTCUSDT_tendencia"] = &state.Trade{Symbol: "BTCUSDT", Strategy: "tendencia", Side: "BUY"}

	load := NewCycleLoad()
	v := g.Admit(snap, load, "ETHUSDT", "scalping", "BUY", time.Now())
	require.True(t, v.OK)
	load.Add("scalping", "BUY")

	// The pending admission fills the last global slot.
	v = g.Admit(snap, load, "SOLUSDT", "tendencia", "SELL", time.Now())
	assert.False(t, v.OK)
	assert.Contains(t, v.Reason, "global cap")
}

func TestAdmitPerStrategyAndPerSideCaps(t *testing.T) {
	cfg := testConfig()
	cfg.Engine.MaxTradesPerStrategy = 1
	cfg.Engine.MaxTradesPerSide = 2
	g := NewGatekeeper(cfg)
	snap := emptyState()
	snap.ActiveTrades["BTCUSDT_tendencia"] = &state.Trade{Symbol: "BTCUSDT", Strategy: "tendencia", Side: "BUY"}
	snap.ActiveTrades["ETHUSDT_scalping"] = &state.Trade{Symbol: "ETHUSDT", Strategy: "scalping", Side: "BUY"}

	v := g.Admit(snap, NewCycleLoad(), "SOLUSDT", "tendencia", "SELL", time.Now())
	assert.False(t, v.OK)
	assert.Contains(t, v.Reason, "strategy tendencia cap")

	v = g.Admit(snap, NewCycleLoad(), "SOLUSDT", "volatilidad", "BUY", time.Now())
	assert.False(t, v.OK)
	assert.Contains(t, v.Reason, "side BUY cap")
}

func TestSpreadFilter(t *testing.T) {
	g := NewGatekeeper(testConfig())

	tight := &exchange.Ticker{Symbol: "BTCUSDT", Bid: 99.9, Ask: 100.0}
	assert.True(t, g.SpreadOK(tight).OK)

	wide := &exchange.Ticker{Symbol: "BTCUSDT", Bid: 99.0, Ask: 100.0}
	assert.False(t, g.SpreadOK(wide).OK)
}

func TestDailyFuseExactBoundary(t *testing.T) {
	g := NewGatekeeper(testConfig())
	snap := emptyState()
	now := time.Now()

	// Limit is capital 100 x 5% = 5 USDT of losses.
	snap.ClosedHistory.Append(state.ClosedTrade{Mode: state.ModeReal, PnLUSD: -5.00, ClosedAt: now})
	blown, pnl := g.DailyFuseBlown(snap, state.ModeReal, now)
	assert.True(t, blown)
	assert.InDelta(t, -5.00, pnl, 1e-9)
}

func TestDailyFuseOneCentUnder(t *testing.T) {
	g := NewGatekeeper(testConfig())
	snap := emptyState()
	now := time.Now()

	snap.ClosedHistory.Append(state.ClosedTrade{Mode: state.ModeReal, PnLUSD: -4.99, ClosedAt: now})
	blown, _ := g.DailyFuseBlown(snap, state.ModeReal, now)
	assert.False(t, blown)
}

func TestDailyFuseIsolatesModeAndDay(t *testing.T) {
	g := NewGatekeeper(testConfig())
	snap := emptyState()
	now := time.Now()

	// Paper losses and yesterday's real losses must not count.
	snap.ClosedHistory.Append(state.ClosedTrade{Mode: state.ModePaper, PnLUSD: -50, ClosedAt: now})
	snap.ClosedHistory.Append(state.ClosedTrade{Mode: state.ModeReal, PnLUSD: -50, ClosedAt: now.Add(-25 * time.Hour)})

	blown, pnl := g.DailyFuseBlown(snap, state.ModeReal, now)
	assert.False(t, blown)
	assert.InDelta(t, 0, pnl, 1e-9)
}

func TestGlobalBreakerTripsAfterThreeLosses(t *testing.T) {
	g := NewGatekeeper(testConfig())
	gp := &state.GlobalPerf{}
	now := time.Now()

	g.RecordGlobalOutcome(gp, state.Loss, now)
	g.RecordGlobalOutcome(gp, state.Loss, now)
	require.Nil(t, gp.CooldownUntil)

	g.RecordGlobalOutcome(gp, state.Loss, now)
	require.NotNil(t, gp.CooldownUntil)
	assert.WithinDuration(t, now.Add(30*15*time.Minute), *gp.CooldownUntil, time.Second)
	assert.Equal(t, 0, gp.Fails)
}

func TestGlobalBreakerResetsOnWin(t *testing.T) {
	g := NewGatekeeper(testConfig())
	gp := &state.GlobalPerf{Fails: 2}
	g.RecordGlobalOutcome(gp, state.Win, time.Now())
	assert.Equal(t, 0, gp.Fails)
	assert.Nil(t, gp.CooldownUntil)
}

func TestRejectionCooldowns(t *testing.T) {
	assert.Equal(t, 30*time.Minute, RejectionCooldown(&exchange.APIError{Code: exchange.CodeOrderWouldTrigger}))
	assert.Equal(t, 60*time.Minute, RejectionCooldown(&exchange.APIError{Code: exchange.CodeMinNotional}))
	assert.Equal(t, 60*time.Minute, RejectionCooldown(&exchange.APIError{Code: exchange.CodeInsufficientMargin}))
	assert.Equal(t, time.Duration(0), RejectionCooldown(assert.AnError))
}
