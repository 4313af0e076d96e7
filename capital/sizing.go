// capital/sizing.go
package capital

import (
	"errors"
	"fmt"
	"math"

	"quanthelm/config"
	"quanthelm/exchange"
	"quanthelm/utils"
)

const (
	// minSLPct floors the stop distance so a stop sitting on the entry price
	// cannot blow the multiplier up.
	minSLPct = 0.001

	// wideStopBonus softens the size reduction when the stop is wider than
	// the reference distance.
	wideStopBonus = 1.25

	// capitalUtilization caps how much of the capital ceiling a single trade
	// may commit.
	capitalUtilization = 0.95

	// minQtyRiskLimit aborts the trade when the exchange minimum quantity
	// implies more than this multiple of the intended risk.
	minQtyRiskLimit = 2.0
)

// Sizing errors the caller treats as "skip this candidate", not as faults.
var (
	ErrMinQtyRisk       = errors.New("exchange minimum quantity implies more than twice the intended risk")
	ErrBelowMinNotional = errors.New("order notional below the exchange minimum")
)

// Size is the result of the sizing computation for one candidate.
type Size struct {
	Notional float64 // position value in quote currency
	Quantity float64 // contracts, floored to the symbol's precision
	Margin   float64 // quote currency locked (notional / leverage)
	SLPct    float64 // effective stop distance used, after flooring
}

// ComputeSize derives the position size for a candidate. The stop distance
// drives everything: tight stops scale the base allocation up through the
// reference multiplier, wide stops scale it down (softened by the bonus). An
// independent per-strategy ceiling keeps high-multiplier trades from eating
// the account, and the result is clamped to the global floor and ceiling.
func (c *Controller) ComputeSize(strat config.StrategyConfig, entry, stop float64, leverage int, info exchange.SymbolInfo) (Size, error) {
	if entry <= 0 || stop <= 0 {
		return Size{}, fmt.Errorf("invalid prices for sizing: entry=%.8f stop=%.8f", entry, stop)
	}
	if leverage < 1 {
		return Size{}, fmt.Errorf("invalid leverage for sizing: %d", leverage)
	}

	slPct := math.Abs(entry-stop) / entry
	if slPct < minSLPct {
		slPct = minSLPct
	}

	capital := c.cfg.CapitalCeilingUSDT
	base := capital * c.cfg.BasePercent

	multiplier := c.cfg.ReferenceSLPct / slPct
	if multiplier < 1 {
		multiplier *= wideStopBonus
	}

	strategyCeiling := (capitalUtilization * capital * strat.TargetBenchmark) / slPct

	notional := math.Min(base*multiplier, strategyCeiling)
	notional = math.Max(notional, c.cfg.FloorNotionalUSDT)
	notional = math.Min(notional, capitalUtilization*capital)

	qty := utils.FloorToPrecision(notional*float64(leverage)/entry, info.QuantityPrecision)
	if qty <= 0 {
		return Size{}, ErrMinQtyRisk
	}
	if info.MinQty > qty {
		if info.MinQty/qty > minQtyRiskLimit {
			return Size{}, ErrMinQtyRisk
		}
		qty = info.MinQty
	}

	finalNotional := qty * entry
	if info.MinNotional > 0 && finalNotional < info.MinNotional {
		return Size{}, ErrBelowMinNotional
	}

	return Size{
		Notional: finalNotional,
		Quantity: qty,
		Margin:   finalNotional / float64(leverage),
		SLPct:    slPct,
	}, nil
}
