package capital

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quanthelm/config"
	"quanthelm/exchange"
)

func testStrategy() config.StrategyConfig {
	return config.StrategyConfig{TPAtr: 2.0, SLAtr: 1.0, Threshold: 0.55, TargetBenchmark: 0.012}
}

func btcInfo() exchange.SymbolInfo {
	return exchange.SymbolInfo{
		Symbol:            "BTCUSDT",
		PricePrecision:    2,
		QuantityPrecision: 3,
		TickSize:          0.10,
		StepSize:          0.001,
		MinQty:            0.001,
		MinNotional:       5.0,
	}
}

func TestSizingAtReferenceRisk(t *testing.T) {
	c := NewController(testEngineConfig())

	// slPct == referenceSlPct: multiplier is exactly 1, notional is the base
	// allocation (capital 100 x 30% = 30 USDT).
	entry := 50000.0
	stop := entry * (1 - 0.0030)

	size, err := c.ComputeSize(testStrategy(), entry, stop, 6, btcInfo())
	require.NoError(t, err)

	// qty = 30*6/50000 = 0.0036, floored to 0.003 at 3 decimals.
	assert.Equal(t, 0.003, size.Quantity)
	assert.InDelta(t, 150.0, size.Notional, 1e-9)
	assert.InDelta(t, 25.0, size.Margin, 1e-9)
	assert.InDelta(t, 0.0030, size.SLPct, 1e-12)
}

func TestSizingTightStopScalesUpToCeiling(t *testing.T) {
	c := NewController(testEngineConfig())

	// slPct 0.1% (the floor) triples the base allocation: 30 x 3 = 90, but the
	// global ceiling is 95% of capital = 95, so 90 stands.
	entry := 50000.0
	stop := entry * (1 - 0.0005) // floored up to 0.001

	size, err := c.ComputeSize(testStrategy(), entry, stop, 1, btcInfo())
	require.NoError(t, err)
	assert.InDelta(t, 0.001, size.SLPct, 1e-12)
	// qty = 90*1/50000 = 0.0018 -> floored 0.001; notional = 50.
	assert.Equal(t, 0.001, size.Quantity)
	assert.InDelta(t, 50.0, size.Notional, 1e-9)
}

func TestSizingWideStopGetsBonus(t *testing.T) {
	c := NewController(testEngineConfig())

	// slPct 1%: raw multiplier 0.30, bonus 1.25 -> 0.375, notional 11.25.
	entry := 100.0
	stop := 99.0

	size, err := c.ComputeSize(testStrategy(), entry, stop, 6, exchange.SymbolInfo{
		QuantityPrecision: 2, MinQty: 0.01, MinNotional: 5,
	})
	require.NoError(t, err)
	// qty = 11.25*6/100 = 0.675 -> 0.67; notional 67.
	assert.Equal(t, 0.67, size.Quantity)
	assert.InDelta(t, 67.0, size.Notional, 1e-9)
}

func TestSizingStrategyCeilingApplies(t *testing.T) {
	cfg := testEngineConfig()
	c := NewController(cfg)

	// Tiny target benchmark drags the strategy ceiling below the base
	// allocation: ceiling = 0.95*100*0.0002/0.003 = 6.33.
	strat := testStrategy()
	strat.TargetBenchmark = 0.0002

	entry := 100.0
	stop := entry * (1 - 0.0030)
	size, err := c.ComputeSize(strat, entry, stop, 1, exchange.SymbolInfo{
		QuantityPrecision: 2, MinQty: 0.01, MinNotional: 5,
	})
	require.NoError(t, err)
	assert.Less(t, size.Notional, 7.0)
	assert.GreaterOrEqual(t, size.Notional, cfg.FloorNotionalUSDT*0.9)
}

func TestSizingMinQtyForcedWithinRiskLimit(t *testing.T) {
	c := NewController(testEngineConfig())

	// Intended qty 0.0036 but the exchange minimum is 0.005: ratio 1.39 < 2,
	// so the minimum is forced and margin recomputed.
	info := btcInfo()
	info.MinQty = 0.005

	entry := 50000.0
	stop := entry * (1 - 0.0030)
	size, err := c.ComputeSize(testStrategy(), entry, stop, 6, info)
	require.NoError(t, err)
	assert.Equal(t, 0.005, size.Quantity)
	assert.InDelta(t, 250.0, size.Notional, 1e-9)
	assert.InDelta(t, 250.0/6.0, size.Margin, 1e-9)
}

func TestSizingMinQtyAbortsWhenRiskDoubles(t *testing.T) {
	c := NewController(testEngineConfig())

	info := btcInfo()
	info.MinQty = 0.010 // ratio 0.010/0.003 > 2

	entry := 50000.0
	stop := entry * (1 - 0.0030)
	_, err := c.ComputeSize(testStrategy(), entry, stop, 6, info)
	assert.ErrorIs(t, err, ErrMinQtyRisk)
}

func TestSizingRejectsBelowMinNotional(t *testing.T) {
	c := NewController(testEngineConfig())

	info := exchange.SymbolInfo{QuantityPrecision: 0, MinQty: 1, MinNotional: 100}
	_, err := c.ComputeSize(testStrategy(), 10.0, 10.0*(1-0.0030), 1, info)
	assert.ErrorIs(t, err, ErrBelowMinNotional)
}
