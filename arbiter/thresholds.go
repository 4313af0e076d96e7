// arbiter/thresholds.go
package arbiter

import (
	"math"
	"time"

	"quanthelm/config"
	"quanthelm/signals"
	"quanthelm/state"
)

// Calibration constants. The clamp bounds are hard: no combination of skew,
// bias or VIP discount may push a threshold outside them.
const (
	macroFloor    = 0.45
	macroCeiling  = 0.60
	tacticalFloor = 0.23
	tacticalCeil  = 0.40

	skewRewardFactor  = 0.12
	skewPenalty       = 0.02
	skewMinWinRate    = 0.40
	tacticalSkewShare = 0.50

	biasPenaltyFactor = 0.015
	biasPenaltyCap    = 0.03
	biasBonusFactor   = 0.005
	biasBonusCap      = 0.05

	probabilityFloor   = 0.05
	probabilityCeiling = 0.95
)

// Calibrator turns recent closed-trade history into adjusted thresholds.
type Calibrator struct {
	cfg *config.Config
}

// NewCalibrator creates a calibrator over the loaded configuration.
func NewCalibrator(cfg *config.Config) *Calibrator {
	return &Calibrator{cfg: cfg}
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

// sideSkew computes the win-rate skew adjustment for one side over the last
// skew-window closes. Positive skew on a side with a win rate at or above the
// minimum earns a discount proportional to the gap; the disadvantaged side
// always pays a small flat penalty. Neutral closes do not count.
func (c *Calibrator) sideSkew(hist []state.ClosedTrade, side string) float64 {
	t := c.cfg.Thresholds
	if len(hist) > t.SkewWindowTrades {
		hist = hist[len(hist)-t.SkewWindowTrades:]
	}

	wins := map[string]float64{}
	decided := map[string]float64{}
	for _, ct := range hist {
		switch ct.Result {
		case state.Win:
			wins[ct.Side]++
			decided[ct.Side]++
		case state.Loss:
			decided[ct.Side]++
		}
	}
	if decided["BUY"]+decided["SELL"] < float64(t.SkewMinSample) {
		return 0
	}

	winRate := func(s string) float64 {
		if decided[s] == 0 {
			return 0
		}
		return wins[s] / decided[s]
	}
	other := "SELL"
	if side == "SELL" {
		other = "BUY"
	}

	skew := winRate(side) - winRate(other)
	switch {
	case skew > 0 && winRate(side) >= skewMinWinRate:
		return -skewRewardFactor * skew
	case skew < 0:
		return skewPenalty
	}
	return 0
}

// ConfidenceThresholds returns the adjusted macro and tactical confidence
// thresholds for a side. The tactical threshold takes half the skew
// adjustment; both results stay inside their hard bounds.
func (c *Calibrator) ConfidenceThresholds(hist []state.ClosedTrade, side string, tactical signals.Regime) (float64, float64) {
	t := c.cfg.Thresholds
	adj := c.sideSkew(hist, side)

	macro := clamp(t.MacroBase+adj, macroFloor, macroCeiling)

	base, ok := t.TacticalBase[string(tactical)]
	if !ok {
		base = tacticalCeil
	}
	tac := clamp(base+adj*tacticalSkewShare, tacticalFloor, tacticalCeil)
	return macro, tac
}

// strategyBias computes the P&L-driven adjustment for one strategy/side pair
// over its last bias-window closes. Net losses raise the threshold (halved if
// the latest close was a WIN, forgiven entirely once the latest close is
// older than the forgiveness window); net profits lower it.
func (c *Calibrator) strategyBias(hist []state.ClosedTrade, strategy, side string, now time.Time) float64 {
	t := c.cfg.Thresholds

	var matched []state.ClosedTrade
	for _, ct := range hist {
		if ct.Strategy == strategy && ct.Side == side {
			matched = append(matched, ct)
		}
	}
	if len(matched) == 0 {
		return 0
	}
	if len(matched) > t.BiasWindowTrades {
		matched = matched[len(matched)-t.BiasWindowTrades:]
	}

	var pnl float64
	for _, ct := range matched {
		pnl += ct.PnLUSD
	}
	last := matched[len(matched)-1]

	if pnl < 0 {
		if now.Sub(last.ClosedAt) > time.Duration(t.BiasForgivenessMinutes)*time.Minute {
			return 0
		}
		penalty := math.Min(math.Abs(pnl)*biasPenaltyFactor, biasPenaltyCap)
		if last.Result == state.Win {
			penalty /= 2
		}
		return penalty
	}
	return -math.Min(pnl*biasBonusFactor, biasBonusCap)
}

// StrategyThreshold returns the fully adjusted probability threshold for one
// candidate: the strategy's base threshold, plus the P&L bias, minus the VIP
// discount when the candidate qualifies.
func (c *Calibrator) StrategyThreshold(hist []state.ClosedTrade, strategy, side string, vip bool, now time.Time) float64 {
	strat, ok := c.cfg.Strategies[strategy]
	if !ok {
		return probabilityCeiling
	}

	thr := strat.Threshold + c.strategyBias(hist, strategy, side, now)
	if vip {
		thr -= c.cfg.Thresholds.VIPDiscount
	}
	return clamp(thr, probabilityFloor, probabilityCeiling)
}
