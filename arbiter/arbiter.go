// arbiter/arbiter.go
package arbiter

import (
	"math"
	"sort"
	"time"

	"quanthelm/config"
	"quanthelm/logs"
	"quanthelm/risk"
	"quanthelm/signals"
	"quanthelm/state"
)

// Candidate is a fully specified entry proposal that survived the gates and
// thresholds for its symbol.
type Candidate struct {
	Symbol      string
	Strategy    string
	Side        string
	Probability float64
	Entry       float64
	TakeProfit  float64
	StopLoss    float64
	Leverage    int
	VIP         bool
}

// Arbiter turns advisor views into ranked, admissible candidates.
type Arbiter struct {
	cfg   *config.Config
	rules *RuleSet
	cal   *Calibrator
}

// New creates an arbiter with the given rule tables.
func New(cfg *config.Config, rules *RuleSet) *Arbiter {
	if rules == nil {
		rules = DefaultRules()
	}
	return &Arbiter{cfg: cfg, rules: rules, cal: NewCalibrator(cfg)}
}

// modeHistory filters the closed history down to the active mode; simulated
// and real outcomes never feed each other's calibration.
func modeHistory(snap *state.EngineState, mode state.Mode) []state.ClosedTrade {
	items := snap.ClosedHistory.Items()
	out := items[:0:0]
	for _, ct := range items {
		if ct.Mode == mode {
			out = append(out, ct)
		}
	}
	return out
}

// Evaluate builds the candidates one symbol view yields this cycle. Signals
// fall out for: unknown strategy, regime gate refusal (absent a VIP grant),
// confidence below the calibrated thresholds, probability below the adjusted
// strategy threshold, a degenerate price/ATR, or a stop wider than the
// configured ceiling. A doomed candidate must never reach admission, where it
// would claim its symbol and count against the cycle caps.
func (a *Arbiter) Evaluate(snap *state.EngineState, view signals.SymbolView, mode state.Mode, now time.Time) []Candidate {
	if view.Price <= 0 || view.ATR <= 0 {
		return nil
	}
	hist := modeHistory(snap, mode)

	var out []Candidate
	for _, sig := range view.Signals {
		strat, ok := a.cfg.Strategies[sig.Strategy]
		if !ok {
			logs.Warnf("[Arbiter] %s signal names unknown strategy %q, ignoring.", view.Symbol, sig.Strategy)
			continue
		}
		if sig.Side != "BUY" && sig.Side != "SELL" {
			continue
		}

		vipGrant := a.rules.VIPGrant(view.Cluster, sig.Strategy, sig.Side)
		if !a.rules.Allowed(view.Tactical.Regime, view.Macro.Regime, sig.Strategy, sig.Side) && !vipGrant {
			continue
		}

		macroThr, tacticalThr := a.cal.ConfidenceThresholds(hist, sig.Side, view.Tactical.Regime)
		if view.Macro.Confidence < macroThr || view.Tactical.Confidence < tacticalThr {
			continue
		}

		key := state.Key(view.Symbol, sig.Strategy)
		ss := snap.StrategyState[key]
		vipWindow := ss != nil && ss.VIPUntil != nil && now.Before(*ss.VIPUntil)

		thr := a.cal.StrategyThreshold(hist, sig.Strategy, sig.Side, vipGrant || vipWindow, now)
		if sig.Probability < thr {
			continue
		}

		entry := view.Price
		var tp, sl float64
		if sig.Side == "BUY" {
			tp = entry + strat.TPAtr*view.ATR
			sl = entry - strat.SLAtr*view.ATR
		} else {
			tp = entry - strat.TPAtr*view.ATR
			sl = entry + strat.SLAtr*view.ATR
		}
		if sl <= 0 || tp <= 0 {
			continue
		}
		if math.Abs(entry-sl)/entry > a.cfg.Engine.MaxSLPct {
			continue
		}

		leverage := a.cfg.Engine.LeverageBase
		if ss != nil && ss.Leverage > 0 {
			leverage = ss.Leverage
		}
		leverage = a.managerOverride(sig, leverage)

		out = append(out, Candidate{
			Symbol:      view.Symbol,
			Strategy:    sig.Strategy,
			Side:        sig.Side,
			Probability: sig.Probability,
			Entry:       entry,
			TakeProfit:  tp,
			StopLoss:    sl,
			Leverage:    leverage,
			VIP:         vipGrant || vipWindow,
		})
	}
	return out
}

// managerOverride applies the secondary classifier's verdict to the ladder's
// leverage. Below the veto cut the trade runs at the defensive floor; at or
// above the aggressive cut it runs at the aggressive rung unless the ladder
// already grants more; in between the ladder stands.
func (a *Arbiter) managerOverride(sig signals.StrategySignal, ladderLeverage int) int {
	m := a.cfg.Manager
	if m == nil || !m.Enabled || sig.ManagerProb == nil {
		return ladderLeverage
	}
	sides, ok := m.Thresholds[sig.Strategy]
	if !ok {
		return ladderLeverage
	}
	cuts, ok := sides[sig.Side]
	if !ok {
		return ladderLeverage
	}

	switch {
	case *sig.ManagerProb < cuts.Veto:
		return m.DefensiveLeverage
	case *sig.ManagerProb >= cuts.Aggressive:
		if m.AggressiveLeverage > ladderLeverage {
			return m.AggressiveLeverage
		}
	}
	return ladderLeverage
}

// SelectEntries ranks candidates by probability descending (stable, so
// discovery order breaks ties) and admits them greedily: one candidate per
// symbol per pass, each one re-checked against the gatekeeper with the
// already-admitted load counted in.
func (a *Arbiter) SelectEntries(snap *state.EngineState, gk *risk.Gatekeeper, cands []Candidate, now time.Time) []Candidate {
	ranked := make([]Candidate, len(cands))
	copy(ranked, cands)
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Probability > ranked[j].Probability
	})

	load := risk.NewCycleLoad()
	seen := make(map[string]bool)
	var admitted []Candidate
	for _, cand := range ranked {
		if seen[cand.Symbol] {
			continue
		}
		if v := gk.Admit(snap, load, cand.Symbol, cand.Strategy, cand.Side, now); !v.OK {
			logs.Debugf("[Arbiter] %s/%s %s rejected: %s", cand.Symbol, cand.Strategy, cand.Side, v.Reason)
			continue
		}
		admitted = append(admitted, cand)
		load.Add(cand.Strategy, cand.Side)
		seen[cand.Symbol] = true
	}
	return admitted
}
