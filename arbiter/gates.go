// Package arbiter decides which external signals become trade candidates:
// the regime gate tables, the dynamically calibrated thresholds, the manager
// override and the ranked admission pass all live here.
package arbiter

import (
	"quanthelm/signals"
)

// Permission names one strategy/side pair a gate rule allows.
type Permission struct {
	Strategy string
	Side     string
}

type gateKey struct {
	Tactical signals.Regime
	Macro    signals.Regime
}

// RuleSet holds the two independent permission tables: the standard gate
// keyed by (tactical, macro) regime pair, and the cluster ("VIP") grants that
// bypass it.
type RuleSet struct {
	standard map[gateKey][]Permission
	vip      map[int][]Permission
}

// DefaultRules builds the production rule tables. Trend entries need the two
// timeframes to agree; scalps tolerate a ranging macro; the volatility
// strategy only wakes up in chaos, where everything else is locked out.
func DefaultRules() *RuleSet {
	r := &RuleSet{
		standard: make(map[gateKey][]Permission),
		vip:      make(map[int][]Permission),
	}

	r.allow(signals.Bull, signals.Bull,
		Permission{"tendencia", "BUY"}, Permission{"scalping", "BUY"})
	r.allow(signals.Bull, signals.Range,
		Permission{"scalping", "BUY"})
	r.allow(signals.Bear, signals.Bear,
		Permission{"tendencia", "SELL"}, Permission{"scalping", "SELL"})
	r.allow(signals.Bear, signals.Range,
		Permission{"scalping", "SELL"})
	r.allow(signals.Range, signals.Range,
		Permission{"scalping", "BUY"}, Permission{"scalping", "SELL"})
	r.allow(signals.Range, signals.Bull,
		Permission{"scalping", "BUY"})
	r.allow(signals.Range, signals.Bear,
		Permission{"scalping", "SELL"})
	r.allow(signals.Chaos, signals.Chaos,
		Permission{"volatilidad", "BUY"}, Permission{"volatilidad", "SELL"})
	r.allow(signals.Chaos, signals.Bull,
		Permission{"volatilidad", "BUY"})
	r.allow(signals.Chaos, signals.Bear,
		Permission{"volatilidad", "SELL"})

	// Cluster grants learned offline: these market states historically paid
	// for entries the regime gate would refuse.
	r.grant(2, Permission{"volatilidad", "BUY"}, Permission{"volatilidad", "SELL"})
	r.grant(5, Permission{"tendencia", "BUY"})
	r.grant(7, Permission{"scalping", "BUY"}, Permission{"scalping", "SELL"})

	return r
}

func (r *RuleSet) allow(tactical, macro signals.Regime, perms ...Permission) {
	k := gateKey{Tactical: tactical, Macro: macro}
	r.standard[k] = append(r.standard[k], perms...)
}

func (r *RuleSet) grant(cluster int, perms ...Permission) {
	r.vip[cluster] = append(r.vip[cluster], perms...)
}

// Allowed reports whether the standard gate permits the strategy/side pair
// under the given regime combination.
func (r *RuleSet) Allowed(tactical, macro signals.Regime, strategy, side string) bool {
	for _, p := range r.standard[gateKey{Tactical: tactical, Macro: macro}] {
		if p.Strategy == strategy && p.Side == side {
			return true
		}
	}
	return false
}

// VIPGrant reports whether the cluster table grants the pair independently of
// the standard gate.
func (r *RuleSet) VIPGrant(cluster int, strategy, side string) bool {
	for _, p := range r.vip[cluster] {
		if p.Strategy == strategy && p.Side == side {
			return true
		}
	}
	return false
}
