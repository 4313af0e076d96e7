// risk/actions.go
package risk

import (
	"time"

	"quanthelm/exchange"
	"quanthelm/state"
)

// RecordGlobalOutcome feeds a closed trade into the strategy's cross-symbol
// circuit breaker. Consecutive losses accumulate; hitting the failure limit
// disables the strategy everywhere for the global cooldown window. Any win
// resets the breaker. The caller must hold the store's write lock.
func (g *Gatekeeper) RecordGlobalOutcome(gp *state.GlobalPerf, outcome state.Outcome, now time.Time) {
	switch outcome {
	case state.Win:
		gp.Fails = 0
		gp.CooldownUntil = nil
	case state.Loss:
		gp.Fails++
		if gp.Fails >= g.cfg.Engine.MaxStrategyFailures {
			until := now.Add(time.Duration(g.cfg.Engine.GlobalCooldownCandles*g.cfg.Engine.CandleMinutes) * time.Minute)
			gp.CooldownUntil = &until
			gp.Fails = 0
		}
	}
}

// RejectionCooldown maps a coded exchange rejection to the pause applied to
// the (symbol,strategy) key that triggered it, so the engine does not retry
// the same doomed order every cycle. Zero means no targeted cooldown applies.
func RejectionCooldown(err error) time.Duration {
	switch exchange.ErrorCode(err) {
	case exchange.CodeOrderWouldTrigger:
		return 30 * time.Minute
	case exchange.CodeMinNotional, exchange.CodeInsufficientMargin:
		return 60 * time.Minute
	}
	return 0
}
