package risk

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"quanthelm/exchange"
)

func TestVolatilityTripOnWideRange(t *testing.T) {
	g := NewGatekeeper(testConfig())

	klines := []exchange.Kline{
		{Open: 100, High: 101, Low: 99, Close: 100},
		{Open: 100, High: 125, Low: 100, Close: 110}, // 25% range, last closed bar
		{Open: 110, High: 111, Low: 109, Close: 110}, // forming bar, ignored
	}
	tripped, extreme := g.VolatilityTrip(klines)
	assert.True(t, tripped)
	assert.InDelta(t, 0.25, extreme, 1e-9)
}

func TestVolatilityTripOnCrashBar(t *testing.T) {
	g := NewGatekeeper(testConfig())

	// A 22% down bar trips both the range and the log-return measures.
	klines := []exchange.Kline{
		{Open: 100, High: 101, Low: 99, Close: 100},
		{Open: 100, High: 100, Low: 78, Close: 78},
		{Open: 78, High: 79, Low: 77, Close: 78},
	}
	tripped, _ := g.VolatilityTrip(klines)
	assert.True(t, tripped)
}

func TestVolatilityCalmBarPasses(t *testing.T) {
	g := NewGatekeeper(testConfig())

	klines := []exchange.Kline{
		{Open: 100, High: 102, Low: 99, Close: 101},
		{Open: 101, High: 103, Low: 100, Close: 102},
		{Open: 102, High: 103, Low: 101, Close: 102},
	}
	tripped, _ := g.VolatilityTrip(klines)
	assert.False(t, tripped)
}

func TestVolatilityIgnoresFormingBarSpike(t *testing.T) {
	g := NewGatekeeper(testConfig())

	klines := []exchange.Kline{
		{Open: 100, High: 101, Low: 99, Close: 100},
		{Open: 100, High: 101, Low: 99, Close: 100},
		{Open: 100, High: 140, Low: 100, Close: 140}, // spike on the forming bar
	}
	tripped, _ := g.VolatilityTrip(klines)
	assert.False(t, tripped)
}

func TestVolatilityNeedsEnoughBars(t *testing.T) {
	g := NewGatekeeper(testConfig())
	tripped, _ := g.VolatilityTrip([]exchange.Kline{{Open: 100, High: 150, Low: 50, Close: 100}})
	assert.False(t, tripped)
}

func TestVolatilityBlockWindow(t *testing.T) {
	g := NewGatekeeper(testConfig())
	now := time.Now()
	assert.Equal(t, now.Add(4*time.Hour), g.VolatilityBlockUntil(now))
}

func TestPruneBlocklistDropsExpiredOnly(t *testing.T) {
	g := NewGatekeeper(testConfig())
	snap := emptyState()
	now := time.Now()
	snap.VolatilityBlocklist["BTCUSDT"] = now.Add(-time.Minute)
	snap.VolatilityBlocklist["ETHUSDT"] = now.Add(time.Hour)

	assert.Equal(t, 1, g.PruneBlocklist(snap, now))
	assert.NotContains(t, snap.VolatilityBlocklist, "BTCUSDT")
	assert.Contains(t, snap.VolatilityBlocklist, "ETHUSDT")
}
