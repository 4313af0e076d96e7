package capital

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quanthelm/config"
	"quanthelm/state"
)

func testEngineConfig() *config.EngineConfig {
	return &config.EngineConfig{
		CapitalCeilingUSDT:     100,
		BasePercent:            0.30,
		DailyLossPct:           0.05,
		MaxSpreadPct:           0.002,
		FloorNotionalUSDT:      6.0,
		ReferenceSLPct:         0.0030,
		MaxSLPct:               0.05,
		LeverageLadder:         []int{1, 3, 6, 12, 24},
		LeverageBase:           3,
		CooldownCandles:        25,
		GlobalCooldownCandles:  30,
		MaxStrategyFailures:    3,
		NeutralCooldownMinutes: 15,
		CandleMinutes:          15,
		MaxTradesGlobal:        8,
		MaxTradesPerStrategy:   3,
		MaxTradesPerSide:       5,
	}
}

func freshState(c *Controller) *state.StrategyState {
	return &state.StrategyState{Leverage: c.BaseLeverage(), Status: state.StatusNormal}
}

func TestLadderWinsClimb(t *testing.T) {
	c := NewController(testEngineConfig())
	ss := freshState(c)
	now := time.Now()

	c.ApplyOutcome(ss, state.Win, now)
	assert.Equal(t, 6, ss.Leverage)
	assert.Equal(t, state.StatusNormal, ss.Status)

	c.ApplyOutcome(ss, state.Win, now)
	assert.Equal(t, 12, ss.Leverage)
}

func TestLadderCapsAtTopRung(t *testing.T) {
	c := NewController(testEngineConfig())
	ss := freshState(c)
	now := time.Now()

	for i := 0; i < 10; i++ {
		c.ApplyOutcome(ss, state.Win, now)
	}
	assert.Equal(t, 24, ss.Leverage)
}

func TestLadderSingleLossStepsDown(t *testing.T) {
	c := NewController(testEngineConfig())
	ss := freshState(c)
	now := time.Now()

	c.ApplyOutcome(ss, state.Loss, now)
	assert.Equal(t, 1, ss.Leverage)
	assert.Equal(t, state.StatusRecovering, ss.Status)
	assert.Equal(t, 1, ss.ConsecutiveLosses)
	require.NotNil(t, ss.CooldownUntil)
	assert.WithinDuration(t, now.Add(25*15*time.Minute), *ss.CooldownUntil, time.Second)
}

func TestLadderDoubleLossPenalty(t *testing.T) {
	c := NewController(testEngineConfig())
	ss := freshState(c)
	ss.Leverage = 12
	now := time.Now()

	c.ApplyOutcome(ss, state.Loss, now)
	assert.Equal(t, 6, ss.Leverage)
	assert.Equal(t, state.StatusRecovering, ss.Status)

	c.ApplyOutcome(ss, state.Loss, now)
	assert.Equal(t, 1, ss.Leverage)
	assert.Equal(t, state.StatusPenalty, ss.Status)
	assert.Equal(t, 2, ss.ConsecutiveLosses)
}

func TestLadderPenaltyNeedsTwoRecoveryWins(t *testing.T) {
	c := NewController(testEngineConfig())
	ss := freshState(c)
	now := time.Now()

	c.ApplyOutcome(ss, state.Loss, now)
	c.ApplyOutcome(ss, state.Loss, now)
	require.Equal(t, state.StatusPenalty, ss.Status)

	c.ApplyOutcome(ss, state.Win, now)
	assert.Equal(t, state.StatusPenalty, ss.Status)
	assert.Equal(t, 1, ss.Leverage)
	assert.Equal(t, 1, ss.RecoveryWins)

	c.ApplyOutcome(ss, state.Win, now)
	assert.Equal(t, state.StatusNormal, ss.Status)
	assert.Equal(t, 3, ss.Leverage)
	assert.Equal(t, 0, ss.RecoveryWins)
}

func TestLadderRecoveringHealsWithOneWin(t *testing.T) {
	c := NewController(testEngineConfig())
	ss := freshState(c)
	ss.Leverage = 12
	now := time.Now()

	c.ApplyOutcome(ss, state.Loss, now)
	require.Equal(t, state.StatusRecovering, ss.Status)
	require.Equal(t, 6, ss.Leverage)

	c.ApplyOutcome(ss, state.Win, now)
	assert.Equal(t, state.StatusNormal, ss.Status)
	assert.Equal(t, 6, ss.Leverage)
	assert.Equal(t, 0, ss.ConsecutiveLosses)
}

func TestLadderLossResetsRecoveryProgress(t *testing.T) {
	c := NewController(testEngineConfig())
	ss := freshState(c)
	now := time.Now()

	c.ApplyOutcome(ss, state.Loss, now)
	c.ApplyOutcome(ss, state.Loss, now)
	c.ApplyOutcome(ss, state.Win, now)
	require.Equal(t, 1, ss.RecoveryWins)

	c.ApplyOutcome(ss, state.Loss, now)
	assert.Equal(t, 0, ss.RecoveryWins)
	assert.Equal(t, state.StatusPenalty, ss.Status)
}

func TestLadderNeutralOnlyArmsCooldown(t *testing.T) {
	c := NewController(testEngineConfig())
	ss := freshState(c)
	ss.Leverage = 6
	now := time.Now()

	c.ApplyOutcome(ss, state.Neutral, now)
	assert.Equal(t, 6, ss.Leverage)
	assert.Equal(t, state.StatusNormal, ss.Status)
	assert.Equal(t, 0, ss.ConsecutiveLosses)
	require.NotNil(t, ss.CooldownUntil)
	assert.WithinDuration(t, now.Add(15*time.Minute), *ss.CooldownUntil, time.Second)
}

func TestLadderOffLadderLeverageSnapsDown(t *testing.T) {
	c := NewController(testEngineConfig())
	ss := freshState(c)
	ss.Leverage = 8 // manual override between rungs 6 and 12
	now := time.Now()

	c.ApplyOutcome(ss, state.Win, now)
	assert.Equal(t, 12, ss.Leverage)
}
