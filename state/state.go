// state/state.go
package state

import (
	"encoding/json"
	"fmt"
	"io/ioutil"
	"os"
	"sync"
	"time"
)

// Mode distinguishes simulated from real trades. The two never mix: history
// queries, the daily fuse and threshold calibration all filter by mode.
type Mode string

const (
	ModePaper Mode = "PAPER"
	ModeReal  Mode = "REAL"
)

// Outcome classifies a closed trade.
type Outcome string

const (
	Win     Outcome = "WIN"
	Loss    Outcome = "LOSS"
	Neutral Outcome = "NEUTRAL"
)

// LadderStatus tracks where a (symbol,strategy) key sits in the win/loss
// feedback cycle.
type LadderStatus string

const (
	StatusNormal     LadderStatus = "NORMAL"
	StatusPenalty    LadderStatus = "PENALTY"
	StatusRecovering LadderStatus = "RECOVERING"
)

// Trade is an open position as the engine believes it to exist.
type Trade struct {
	Symbol         string    `json:"symbol"`
	Strategy       string    `json:"strategy"`
	Side           string    `json:"side"` // BUY or SELL
	EntryPrice     float64   `json:"entry_price"`
	TakeProfit     float64   `json:"take_profit"`
	StopLoss       float64   `json:"stop_loss"`
	Leverage       int       `json:"leverage"`
	Margin         float64   `json:"margin_used"`
	Quantity       float64   `json:"quantity"`
	BreakEvenArmed bool      `json:"break_even_armed"`
	EntryOrderID   int64     `json:"entry_order_id,omitempty"`
	StopOrderID    int64     `json:"stop_order_id,omitempty"`
	TPOrderID      int64     `json:"tp_order_id,omitempty"`
	Mode           Mode      `json:"mode"`
	OpenedAt       time.Time `json:"opened_at"`
	Note           string    `json:"note,omitempty"`
	// Operator marks trades opened by a human command or a filled limit
	// watcher. They are exempt from the one-trade-per-key rule and never feed
	// the leverage ladder.
	Operator bool `json:"operator,omitempty"`
}

// StrategyState is the per-(symbol,strategy) runtime state owned by the
// capital controller.
type StrategyState struct {
	Leverage          int          `json:"leverage"`
	ConsecutiveLosses int          `json:"consecutive_losses"`
	RecoveryWins      int          `json:"recovery_wins"`
	CooldownUntil     *time.Time   `json:"cooldown_until,omitempty"`
	Status            LadderStatus `json:"status"`
	VIPUntil          *time.Time   `json:"vip_until,omitempty"`
}

// GlobalPerf is the cross-symbol circuit-breaker state for one strategy.
type GlobalPerf struct {
	Fails         int        `json:"fails"`
	CooldownUntil *time.Time `json:"cooldown_until,omitempty"`
}

// ClosedTrade is one immutable closed-trade outcome.
type ClosedTrade struct {
	Symbol   string    `json:"symbol"`
	Side     string    `json:"side"`
	Result   Outcome   `json:"result"`
	PnLUSD   float64   `json:"pnl_usd"`
	PnLPct   float64   `json:"pnl_pct"`
	Strategy string    `json:"strategy"`
	ClosedAt time.Time `json:"closed_at"`
	Mode     Mode      `json:"mode"`
	Note     string    `json:"note,omitempty"`
}

// RegimeView caches the latest classifier output for a symbol, for status
// reports only.
type RegimeView struct {
	Macro     string    `json:"macro"`
	Tactical  string    `json:"tactical"`
	UpdatedAt time.Time `json:"updated_at"`
}

// EngineState is the aggregate root: the single unit of persistence.
type EngineState struct {
	ActiveTrades        map[string]*Trade         `json:"active_trades"`
	StrategyState       map[string]*StrategyState `json:"strategy_state"`
	GlobalPerf          map[string]*GlobalPerf    `json:"global_strat_perf"`
	ClosedHistory       *History                  `json:"closed_history"`
	VolatilityBlocklist map[string]time.Time      `json:"volatility_blocklist"`
	RegimeViews         map[string]RegimeView     `json:"ai_views"`
	MarketCluster       int                       `json:"market_cluster"`
}

// Key builds the identity of an engine-originated trade.
func Key(symbol, strategy string) string {
	return symbol + "_" + strategy
}

func newEngineState() *EngineState {
	return &EngineState{
		ActiveTrades:        make(map[string]*Trade),
		StrategyState:       make(map[string]*StrategyState),
		GlobalPerf:          make(map[string]*GlobalPerf),
		ClosedHistory:       NewHistory(HistoryCapacity),
		VolatilityBlocklist: make(map[string]time.Time),
		RegimeViews:         make(map[string]RegimeView),
	}
}

// ensureMaps repairs nil members after unmarshaling an older document.
func (s *EngineState) ensureMaps() {
	if s.ActiveTrades == nil {
		s.ActiveTrades = make(map[string]*Trade)
	}
	if s.StrategyState == nil {
		s.StrategyState = make(map[string]*StrategyState)
	}
	if s.GlobalPerf == nil {
		s.GlobalPerf = make(map[string]*GlobalPerf)
	}
	if s.ClosedHistory == nil {
		s.ClosedHistory = NewHistory(HistoryCapacity)
	}
	if s.VolatilityBlocklist == nil {
		s.VolatilityBlocklist = make(map[string]time.Time)
	}
	if s.RegimeViews == nil {
		s.RegimeViews = make(map[string]RegimeView)
	}
}

// EnsureStrategyState returns the runtime state for a key, creating it at the
// base rung if missing. Callers must hold the store's write lock (i.e. run
// inside Update).
func (s *EngineState) EnsureStrategyState(key string, baseLeverage int) *StrategyState {
	st, ok := s.StrategyState[key]
	if !ok {
		st = &StrategyState{Leverage: baseLeverage, Status: StatusNormal}
		s.StrategyState[key] = st
	}
	return st
}

// EnsureGlobalPerf returns the circuit-breaker state for a strategy, creating
// it if missing.
func (s *EngineState) EnsureGlobalPerf(strategy string) *GlobalPerf {
	gp, ok := s.GlobalPerf[strategy]
	if !ok {
		gp = &GlobalPerf{}
		s.GlobalPerf[strategy] = gp
	}
	return gp
}

// clone produces a deep copy, safe to hand out or serialize without the lock.
func (s *EngineState) clone() *EngineState {
	c := newEngineState()
	for k, v := range s.ActiveTrades {
		t := *v
		c.ActiveTrades[k] = &t
	}
	for k, v := range s.StrategyState {
		st := *v
		if v.CooldownUntil != nil {
			cd := *v.CooldownUntil
			st.CooldownUntil = &cd
		}
		if v.VIPUntil != nil {
			vu := *v.VIPUntil
			st.VIPUntil = &vu
		}
		c.StrategyState[k] = &st
	}
	for k, v := range s.GlobalPerf {
		gp := *v
		if v.CooldownUntil != nil {
			cd := *v.CooldownUntil
			gp.CooldownUntil = &cd
		}
		c.GlobalPerf[k] = &gp
	}
	c.ClosedHistory = s.ClosedHistory.Clone()
	for k, v := range s.VolatilityBlocklist {
		c.VolatilityBlocklist[k] = v
	}
	for k, v := range s.RegimeViews {
		c.RegimeViews[k] = v
	}
	c.MarketCluster = s.MarketCluster
	return c
}

// Store owns the EngineState aggregate. Two independent locks: memMu guards
// in-memory reads/mutations and is never held across I/O; fileMu serializes
// the write-to-disk path so disk latency never blocks trade logic.
type Store struct {
	memMu    sync.RWMutex
	fileMu   sync.Mutex
	filePath string
	state    *EngineState
}

// NewStore loads the state document at filePath, or starts fresh when it does
// not exist or is unreadable (a corrupt document must not keep the engine
// down; exchange reconciliation restores the truth).
func NewStore(filePath string) (*Store, error) {
	st := &Store{filePath: filePath, state: newEngineState()}

	data, err := ioutil.ReadFile(filePath)
	switch {
	case os.IsNotExist(err):
		if err := st.Save(); err != nil {
			return nil, fmt.Errorf("failed to create initial state file: %w", err)
		}
		return st, nil
	case err != nil:
		return nil, fmt.Errorf("failed to read state file: %w", err)
	}

	if len(data) > 0 {
		if err := json.Unmarshal(data, st.state); err != nil {
			fmt.Printf("Warning: state file corrupt (%v), starting clean.\n", err)
			st.state = newEngineState()
		}
	}
	st.state.ensureMaps()
	return st, nil
}

// Snapshot returns a deep copy of the aggregate. Callers iterate and perform
// blocking I/O against the copy, never against live state.
func (s *Store) Snapshot() *EngineState {
	s.memMu.RLock()
	defer s.memMu.RUnlock()
	return s.state.clone()
}

// Update applies an in-memory mutation under the write lock, then persists.
// The mutator must not perform I/O; the lock is released before the disk
// write happens.
func (s *Store) Update(fn func(*EngineState)) error {
	s.memMu.Lock()
	fn(s.state)
	s.memMu.Unlock()
	return s.Save()
}

// Save serializes a deep snapshot and atomically replaces the state file.
func (s *Store) Save() error {
	snap := s.Snapshot()

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	s.fileMu.Lock()
	defer s.fileMu.Unlock()
	tmp := s.filePath + ".tmp"
	if err := ioutil.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write temporary state file: %w", err)
	}
	return os.Rename(tmp, s.filePath)
}

// Reset discards all state, keeping the file path. Used on a confirmed cold
// start when the exchange is flat.
func (s *Store) Reset() error {
	s.memMu.Lock()
	s.state = newEngineState()
	s.memMu.Unlock()
	return s.Save()
}
