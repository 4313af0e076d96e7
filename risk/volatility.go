// risk/volatility.go
package risk

import (
	"math"
	"time"

	"quanthelm/exchange"
	"quanthelm/state"
)

// VolatilityTrip inspects the latest closed higher-timeframe bar and reports
// whether its realized range or absolute log return reaches the kill-switch
// limit, together with the measured extreme. The final bar of the series is
// assumed to still be forming and is skipped.
func (g *Gatekeeper) VolatilityTrip(klines []exchange.Kline) (bool, float64) {
	if len(klines) < 2 || len(klines) < g.cfg.Volatility.MinBars {
		return false, 0
	}
	bar := klines[len(klines)-2]
	if bar.Low <= 0 || bar.Open <= 0 || bar.Close <= 0 {
		return false, 0
	}

	rangePct := (bar.High - bar.Low) / bar.Low
	absReturn := math.Abs(math.Log(bar.Close / bar.Open))

	extreme := math.Max(rangePct, absReturn)
	return extreme >= g.cfg.Volatility.LimitPct, extreme
}

// VolatilityBlockUntil returns when a freshly tripped symbol becomes
// tradeable again.
func (g *Gatekeeper) VolatilityBlockUntil(now time.Time) time.Time {
	return now.Add(time.Duration(g.cfg.Volatility.BlockHours) * time.Hour)
}

// PruneBlocklist removes expired volatility blocks from the state. The caller
// must hold the store's write lock (run inside Update). It reports how many
// entries were dropped.
func (g *Gatekeeper) PruneBlocklist(s *state.EngineState, now time.Time) int {
	dropped := 0
	for sym, until := range s.VolatilityBlocklist {
		if !until.After(now) {
			delete(s.VolatilityBlocklist, sym)
			dropped++
		}
	}
	return dropped
}
