// Package signals defines the advisor surface: the per-symbol decision
// bundle the engine consumes each cycle, and the providers that produce it.
package signals

import (
	"context"
	"time"
)

// Regime is one of the four market regime classes.
type Regime string

const (
	Range Regime = "RANGE"
	Bull  Regime = "BULL"
	Bear  Regime = "BEAR"
	Chaos Regime = "CHAOS"
)

// Valid reports whether r is one of the four known classes.
func (r Regime) Valid() bool {
	switch r {
	case Range, Bull, Bear, Chaos:
		return true
	}
	return false
}

// RegimeCall is a classifier output: a regime label with its confidence.
type RegimeCall struct {
	Regime     Regime  `json:"regime"`
	Confidence float64 `json:"confidence"`
}

// StrategySignal is one strategy's verdict for a symbol this cycle. The
// probability comes from the per-strategy direction classifier. ManagerProb,
// when present, is the secondary classifier's estimate from the extended
// feature vector; nil means the model produced no output for this candidate.
type StrategySignal struct {
	Strategy    string   `json:"strategy"`
	Side        string   `json:"side"` // BUY or SELL
	Probability float64  `json:"probability"`
	ManagerProb *float64 `json:"manager_prob,omitempty"`
}

// SymbolView is the full advisor output for one symbol in one cycle.
type SymbolView struct {
	Symbol   string           `json:"symbol"`
	Price    float64          `json:"price"`
	ATR      float64          `json:"atr"`
	Macro    RegimeCall       `json:"macro"`
	Tactical RegimeCall       `json:"tactical"`
	Cluster  int              `json:"cluster"`
	Signals  []StrategySignal `json:"signals"`
	AsOf     time.Time        `json:"as_of"`
}

// Provider produces advisor views. A provider failing for one symbol must not
// poison the others: implementations return the views they have and leave the
// failed symbols out of the map.
type Provider interface {
	Views(ctx context.Context, symbols []string) (map[string]SymbolView, error)
}
