// Package capital owns the leverage ladder feedback cycle and position
// sizing. It is the only writer of a strategy key's leverage, loss counters
// and ladder status.
package capital

import (
	"time"

	"quanthelm/config"
	"quanthelm/state"
)

// Controller applies closed-trade outcomes to the per-key ladder state and
// computes position sizes from the resulting leverage.
type Controller struct {
	cfg *config.EngineConfig
}

// NewController creates a controller over the engine parameters.
func NewController(cfg *config.EngineConfig) *Controller {
	return &Controller{cfg: cfg}
}

// BaseLeverage returns the ladder rung a fresh key starts at.
func (c *Controller) BaseLeverage() int {
	return c.cfg.LeverageBase
}

// MaxLeverage returns the top rung of the ladder.
func (c *Controller) MaxLeverage() int {
	return c.cfg.LeverageLadder[len(c.cfg.LeverageLadder)-1]
}

// rungIndex maps a leverage value to its ladder index. Values off the ladder
// (e.g. after a manual override) snap to the highest rung not above them.
func (c *Controller) rungIndex(leverage int) int {
	idx := 0
	for i, lv := range c.cfg.LeverageLadder {
		if lv <= leverage {
			idx = i
		}
	}
	return idx
}

func (c *Controller) baseIndex() int {
	return c.rungIndex(c.cfg.LeverageBase)
}

// LossCooldown is the per-key pause after a losing close.
func (c *Controller) LossCooldown() time.Duration {
	return time.Duration(c.cfg.CooldownCandles*c.cfg.CandleMinutes) * time.Minute
}

// NeutralCooldown is the short tactical pause after a break-even close.
func (c *Controller) NeutralCooldown() time.Duration {
	return time.Duration(c.cfg.NeutralCooldownMinutes) * time.Minute
}

// ApplyOutcome advances the ladder state machine for one closed trade. The
// caller must hold the store's write lock (run inside Update).
//
// WIN while NORMAL climbs one rung. WIN while RECOVERING returns to NORMAL at
// the current rung. WIN while PENALTY counts toward the two recovery wins
// needed to restore the base rung. A LOSS steps one rung down and enters
// RECOVERING; a second consecutive LOSS drops to the floor rung and enters
// PENALTY. NEUTRAL leaves the ladder alone but arms a short cooldown.
func (c *Controller) ApplyOutcome(ss *state.StrategyState, outcome state.Outcome, now time.Time) {
	ladder := c.cfg.LeverageLadder

	switch outcome {
	case state.Win:
		switch ss.Status {
		case state.StatusPenalty:
			ss.RecoveryWins++
			if ss.RecoveryWins >= 2 {
				ss.Leverage = c.cfg.LeverageBase
				ss.Status = state.StatusNormal
				ss.RecoveryWins = 0
			}
		case state.StatusRecovering:
			ss.Status = state.StatusNormal
			ss.RecoveryWins = 0
		default:
			idx := c.rungIndex(ss.Leverage)
			if idx < len(ladder)-1 {
				idx++
			}
			ss.Leverage = ladder[idx]
		}
		ss.ConsecutiveLosses = 0

	case state.Loss:
		ss.ConsecutiveLosses++
		ss.RecoveryWins = 0
		if ss.ConsecutiveLosses >= 2 {
			ss.Leverage = ladder[0]
			ss.Status = state.StatusPenalty
		} else {
			idx := c.rungIndex(ss.Leverage)
			if idx > 0 {
				idx--
			}
			ss.Leverage = ladder[idx]
			ss.Status = state.StatusRecovering
		}
		until := now.Add(c.LossCooldown())
		ss.CooldownUntil = &until

	case state.Neutral:
		until := now.Add(c.NeutralCooldown())
		ss.CooldownUntil = &until
	}
}
