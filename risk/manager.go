// Package risk holds every pre-trade gate: cooldowns, the global strategy
// circuit breaker, the volatility kill-switch, the spread filter, the daily
// loss fuse, concurrency caps and directional conflict detection. All checks
// are pure over a state snapshot so they can run without holding any lock.
package risk

import (
	"fmt"
	"time"

	"quanthelm/config"
	"quanthelm/exchange"
	"quanthelm/state"
)

// Verdict is the outcome of a gate evaluation. Reason is empty when OK.
type Verdict struct {
	OK     bool
	Reason string
}

func pass() Verdict               { return Verdict{OK: true} }
func block(reason string) Verdict { return Verdict{Reason: reason} }

// CycleLoad counts candidates already admitted earlier in the same cycle, so
// the caps see them before their orders exist.
type CycleLoad struct {
	Global      int
	PerStrategy map[string]int
	PerSide     map[string]int
}

// NewCycleLoad creates an empty load tracker for one admission pass.
func NewCycleLoad() *CycleLoad {
	return &CycleLoad{
		PerStrategy: make(map[string]int),
		PerSide:     make(map[string]int),
	}
}

// Add records one admitted candidate.
func (l *CycleLoad) Add(strategy, side string) {
	l.Global++
	l.PerStrategy[strategy]++
	l.PerSide[side]++
}

// Gatekeeper evaluates candidates against the engine's risk rules.
type Gatekeeper struct {
	cfg *config.Config
}

// NewGatekeeper creates a gatekeeper over the loaded configuration.
func NewGatekeeper(cfg *config.Config) *Gatekeeper {
	return &Gatekeeper{cfg: cfg}
}

// Admit runs every per-candidate gate in order, short-circuiting on the first
// failure. A key with an open engine trade is refused outright: one trade per
// (symbol, strategy) at a time. The spread filter and the daily fuse run
// separately: spread needs live ticker data and the fuse gates the whole
// cycle, not one candidate.
func (g *Gatekeeper) Admit(snap *state.EngineState, load *CycleLoad, symbol, strategy, side string, now time.Time) Verdict {
	if v := g.keyAlreadyOpen(snap, symbol, strategy); !v.OK {
		return v
	}
	if v := g.volatilityBlocked(snap, symbol, now); !v.OK {
		return v
	}
	if v := g.cooldownActive(snap, symbol, strategy, now); !v.OK {
		return v
	}
	if v := g.breakerActive(snap, strategy, now); !v.OK {
		return v
	}
	if v := g.directionalConflict(snap, symbol, side); !v.OK {
		return v
	}
	return g.capsAllow(snap, load, strategy, side)
}

func (g *Gatekeeper) keyAlreadyOpen(snap *state.EngineState, symbol, strategy string) Verdict {
	if _, ok := snap.ActiveTrades[state.Key(symbol, strategy)]; ok {
		return block(fmt.Sprintf("%s/%s already holds an open trade", symbol, strategy))
	}
	return pass()
}

func (g *Gatekeeper) volatilityBlocked(snap *state.EngineState, symbol string, now time.Time) Verdict {
	if until, ok := snap.VolatilityBlocklist[symbol]; ok && now.Before(until) {
		return block(fmt.Sprintf("%s volatility-blocked until %s", symbol, until.Format(time.RFC3339)))
	}
	return pass()
}

func (g *Gatekeeper) cooldownActive(snap *state.EngineState, symbol, strategy string, now time.Time) Verdict {
	ss, ok := snap.StrategyState[state.Key(symbol, strategy)]
	if ok && ss.CooldownUntil != nil && now.Before(*ss.CooldownUntil) {
		return block(fmt.Sprintf("%s/%s cooling down until %s", symbol, strategy, ss.CooldownUntil.Format(time.RFC3339)))
	}
	return pass()
}

func (g *Gatekeeper) breakerActive(snap *state.EngineState, strategy string, now time.Time) Verdict {
	gp, ok := snap.GlobalPerf[strategy]
	if ok && gp.CooldownUntil != nil && now.Before(*gp.CooldownUntil) {
		return block(fmt.Sprintf("strategy %s globally disabled until %s", strategy, gp.CooldownUntil.Format(time.RFC3339)))
	}
	return pass()
}

func (g *Gatekeeper) directionalConflict(snap *state.EngineState, symbol, side string) Verdict {
	for _, tr := range snap.ActiveTrades {
		if tr.Symbol == symbol && tr.Side != side {
			return block(fmt.Sprintf("%s already holds an opposite-direction trade (%s)", symbol, tr.Side))
		}
	}
	return pass()
}

func (g *Gatekeeper) capsAllow(snap *state.EngineState, load *CycleLoad, strategy, side string) Verdict {
	e := g.cfg.Engine
	global, perStrategy, perSide := 0, 0, 0
	for _, tr := range snap.ActiveTrades {
		global++
		if tr.Strategy == strategy {
			perStrategy++
		}
		if tr.Side == side {
			perSide++
		}
	}
	if load != nil {
		global += load.Global
		perStrategy += load.PerStrategy[strategy]
		perSide += load.PerSide[side]
	}

	if global >= e.MaxTradesGlobal {
		return block(fmt.Sprintf("global cap reached (%d open)", global))
	}
	if perStrategy >= e.MaxTradesPerStrategy {
		return block(fmt.Sprintf("strategy %s cap reached (%d open)", strategy, perStrategy))
	}
	if perSide >= e.MaxTradesPerSide {
		return block(fmt.Sprintf("side %s cap reached (%d open)", side, perSide))
	}
	return pass()
}

// SpreadOK applies the spread filter on the live top of book.
func (g *Gatekeeper) SpreadOK(ticker *exchange.Ticker) Verdict {
	if spread := ticker.SpreadPct(); spread > g.cfg.Engine.MaxSpreadPct {
		return block(fmt.Sprintf("%s spread %.4f%% above ceiling", ticker.Symbol, spread*100))
	}
	return pass()
}

// DailyFuseBlown sums today's realized P&L for the given mode and reports
// whether the daily loss limit has been hit, along with the sum itself.
// Simulated and real closes never mix, and "today" is the calendar day of now
// in its own location.
func (g *Gatekeeper) DailyFuseBlown(snap *state.EngineState, mode state.Mode, now time.Time) (bool, float64) {
	y, m, d := now.Date()
	var pnl float64
	for _, ct := range snap.ClosedHistory.Items() {
		if ct.Mode != mode {
			continue
		}
		cy, cm, cd := ct.ClosedAt.In(now.Location()).Date()
		if cy == y && cm == m && cd == d {
			pnl += ct.PnLUSD
		}
	}
	limit := -(g.cfg.Engine.CapitalCeilingUSDT * g.cfg.Engine.DailyLossPct)
	return pnl <= limit, pnl
}
