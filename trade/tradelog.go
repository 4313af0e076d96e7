// trade/tradelog.go
package trade

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"quanthelm/logs"
	"quanthelm/state"
)

// tradeLogFile is the append-only per-close record kept next to the engine
// log, one line per closed trade.
const tradeLogFile = "live_trades_log.txt"

func (e *Executor) appendTradeLog(ct state.ClosedTrade) {
	if e.cfg.Normal == nil || e.cfg.Normal.LogDirectory == "" {
		return
	}
	path := filepath.Join(e.cfg.Normal.LogDirectory, tradeLogFile)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		logs.Warnf("[Executor] Trade log not writable: %v", err)
		return
	}
	defer f.Close()

	line := fmt.Sprintf("%s [%s] %s %s %s %s pnl=%.4f USDT (%.2f%%) %s\n",
		ct.ClosedAt.Format(time.RFC3339), ct.Mode, ct.Result,
		ct.Symbol, ct.Strategy, ct.Side, ct.PnLUSD, ct.PnLPct*100, ct.Note)
	if _, err := f.WriteString(line); err != nil {
		logs.Warnf("[Executor] Trade log write failed: %v", err)
	}
}
