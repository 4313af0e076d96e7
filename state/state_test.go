package state

import (
	"encoding/json"
	"fmt"
	"io/ioutil"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tempStore(t *testing.T) (*Store, string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "engine_state.json")
	st, err := NewStore(path)
	require.NoError(t, err)
	return st, path
}

func TestStoreRoundTrip(t *testing.T) {
	st, path := tempStore(t)

	opened := time.Now().UTC().Truncate(time.Second)
	err := st.Update(func(s *EngineState) {
		key := Key("BTCUSDT", "tendencia")
		s.ActiveTrades[key] = &Trade{
			Symbol:     "BTCUSDT",
			Strategy:   "tendencia",
			Side:       "BUY",
			EntryPrice: 50000,
			TakeProfit: 51000,
			StopLoss:   49500,
			Leverage:   6,
			Margin:     30,
			Quantity:   0.003,
			Mode:       ModeReal,
			OpenedAt:   opened,
		}
		ss := s.EnsureStrategyState(key, 3)
		ss.Leverage = 6
		s.ClosedHistory.Append(ClosedTrade{Side: "SELL", Result: Win, PnLUSD: 4.2, Strategy: "scalping", ClosedAt: opened, Mode: ModeReal})
	})
	require.NoError(t, err)

	// Reload from disk into a fresh store.
	st2, err := NewStore(path)
	require.NoError(t, err)
	snap := st2.Snapshot()

	key := Key("BTCUSDT", "tendencia")
	require.Contains(t, snap.ActiveTrades, key)
	tr := snap.ActiveTrades[key]
	assert.Equal(t, "BUY", tr.Side)
	assert.Equal(t, 6, tr.Leverage)
	assert.Equal(t, ModeReal, tr.Mode)
	assert.True(t, tr.OpenedAt.Equal(opened))

	require.Contains(t, snap.StrategyState, key)
	assert.Equal(t, 6, snap.StrategyState[key].Leverage)
	assert.Equal(t, StatusNormal, snap.StrategyState[key].Status)

	require.Equal(t, 1, snap.ClosedHistory.Len())
	assert.Equal(t, Win, snap.ClosedHistory.Items()[0].Result)
}

func TestStoreCrashLeavesOldFileIntact(t *testing.T) {
	st, path := tempStore(t)
	require.NoError(t, st.Update(func(s *EngineState) { s.MarketCluster = 3 }))

	// The atomic write path goes through a sibling .tmp file; a stale .tmp
	// from an interrupted write must not corrupt the next load.
	require.NoError(t, ioutil.WriteFile(path+".tmp", []byte("{half a docum"), 0644))

	st2, err := NewStore(path)
	require.NoError(t, err)
	assert.Equal(t, 3, st2.Snapshot().MarketCluster)
}

func TestStoreCorruptFileStartsClean(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "engine_state.json")
	require.NoError(t, ioutil.WriteFile(path, []byte("not json at all"), 0644))

	st, err := NewStore(path)
	require.NoError(t, err)
	snap := st.Snapshot()
	assert.Empty(t, snap.ActiveTrades)
	assert.Equal(t, 0, snap.ClosedHistory.Len())
}

func TestSnapshotIsolation(t *testing.T) {
	st, _ := tempStore(t)
	key := Key("ETHUSDT", "volatilidad")
	require.NoError(t, st.Update(func(s *EngineState) {
		s.ActiveTrades[key] = &Trade{Symbol: "ETHUSDT", Strategy: "volatilidad", Side: "SELL", Leverage: 3}
	}))

	snap := st.Snapshot()
	snap.ActiveTrades[key].Leverage = 99
	delete(snap.ActiveTrades, key)

	fresh := st.Snapshot()
	require.Contains(t, fresh.ActiveTrades, key)
	assert.Equal(t, 3, fresh.ActiveTrades[key].Leverage)
}

func TestHistoryEviction(t *testing.T) {
	h := NewHistory(5)
	for i := 0; i < 8; i++ {
		h.Append(ClosedTrade{PnLUSD: float64(i)})
	}
	require.Equal(t, 5, h.Len())
	items := h.Items()
	assert.Equal(t, 3.0, items[0].PnLUSD)
	assert.Equal(t, 7.0, items[4].PnLUSD)

	last2 := h.Last(2)
	require.Len(t, last2, 2)
	assert.Equal(t, 6.0, last2[0].PnLUSD)
	assert.Equal(t, 7.0, last2[1].PnLUSD)
}

func TestHistoryJSONAsArray(t *testing.T) {
	h := NewHistory(3)
	h.Append(ClosedTrade{Side: "BUY", Result: Loss, Strategy: "scalping"})

	data, err := json.Marshal(h)
	require.NoError(t, err)
	assert.Equal(t, byte('['), data[0])

	var h2 History
	require.NoError(t, json.Unmarshal(data, &h2))
	require.Equal(t, 1, h2.Len())
	assert.Equal(t, Loss, h2.Items()[0].Result)
}

func TestHistoryUnmarshalTruncatesToCapacity(t *testing.T) {
	items := make([]ClosedTrade, HistoryCapacity+20)
	for i := range items {
		items[i].PnLUSD = float64(i)
	}
	data, err := json.Marshal(items)
	require.NoError(t, err)

	var h History
	require.NoError(t, json.Unmarshal(data, &h))
	require.Equal(t, HistoryCapacity, h.Len())
	assert.Equal(t, 20.0, h.Items()[0].PnLUSD)
}

func TestConcurrentUpdates(t *testing.T) {
	st, _ := tempStore(t)
	done := make(chan struct{})
	for g := 0; g < 4; g++ {
		go func(g int) {
			defer func() { done <- struct{}{} }()
			for i := 0; i < 25; i++ {
				key := Key(fmt.Sprintf("SYM%d", g), "tendencia")
				_ = st.Update(func(s *EngineState) {
					ss := s.EnsureStrategyState(key, 3)
					ss.ConsecutiveLosses++
				})
				_ = st.Snapshot()
			}
		}(g)
	}
	for g := 0; g < 4; g++ {
		<-done
	}
	snap := st.Snapshot()
	for g := 0; g < 4; g++ {
		key := Key(fmt.Sprintf("SYM%d", g), "tendencia")
		require.Contains(t, snap.StrategyState, key)
		assert.Equal(t, 25, snap.StrategyState[key].ConsecutiveLosses)
	}
}
