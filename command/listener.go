// command/listener.go
package command

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"quanthelm/logs"
	"quanthelm/monitor"
	"quanthelm/reconcile"
	"quanthelm/state"
	"quanthelm/trade"
)

// Controller is the slice of the engine the operator channel drives.
type Controller interface {
	Pause()
	Resume()
	Paused() bool
	ForceClose(ctx context.Context, symbol string) (int, error)
	SetParam(name string, value float64) error
	SwitchMode(simulated bool) error
	PlaceLimit(ctx context.Context, req trade.LimitRequest) (int64, error)
	RunReconciliation(ctx context.Context) (*reconcile.Report, error)
	Status() monitor.Status
	History(n int) []state.ClosedTrade
}

// Listener long-polls Telegram and dispatches operator commands. Only the
// configured chat is obeyed; everything else is dropped.
type Listener struct {
	notifier *Notifier
	ctrl     Controller
	offset   int64
	http     *http.Client
}

// NewListener wires the listener to the notifier's chat and the engine.
func NewListener(notifier *Notifier, ctrl Controller) *Listener {
	return &Listener{
		notifier: notifier,
		ctrl:     ctrl,
		http:     &http.Client{Timeout: 35 * time.Second},
	}
}

type telegramUpdate struct {
	UpdateID int64 `json:"update_id"`
	Message  *struct {
		Text string `json:"text"`
		Chat struct {
			ID int64 `json:"id"`
		} `json:"chat"`
	} `json:"message"`
}

// Run polls until the context is canceled. Without Telegram credentials the
// listener exits immediately; the HTTP status surface remains available.
func (l *Listener) Run(ctx context.Context) {
	if !l.notifier.Enabled() {
		logs.Info("[Command] Telegram not configured, operator channel disabled.")
		return
	}
	logs.Info("[Command] Operator channel listening.")
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		updates, err := l.poll(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logs.Warnf("[Command] Poll failed: %v", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(5 * time.Second):
			}
			continue
		}
		for _, u := range updates {
			l.offset = u.UpdateID + 1
			if u.Message == nil {
				continue
			}
			if strconv.FormatInt(u.Message.Chat.ID, 10) != l.notifier.chatID {
				continue
			}
			if reply := l.Dispatch(ctx, u.Message.Text); reply != "" {
				l.notifier.Alert(reply)
			}
		}
	}
}

func (l *Listener) poll(ctx context.Context) ([]telegramUpdate, error) {
	endpoint := fmt.Sprintf("%s/bot%s/getUpdates", telegramAPIBase, l.notifier.token)
	form := url.Values{}
	form.Set("timeout", "30")
	form.Set("offset", strconv.FormatInt(l.offset, 10))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := l.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var body struct {
		OK     bool             `json:"ok"`
		Result []telegramUpdate `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, err
	}
	if !body.OK {
		return nil, fmt.Errorf("telegram getUpdates returned ok=false")
	}
	return body.Result, nil
}

// Dispatch parses one operator message and executes it, returning the reply
// text. Unknown input gets the help text.
func (l *Listener) Dispatch(ctx context.Context, text string) string {
	fields := strings.Fields(strings.TrimSpace(text))
	if len(fields) == 0 {
		return ""
	}
	cmd := strings.ToLower(fields[0])
	args := fields[1:]

	switch cmd {
	case "/pause":
		l.ctrl.Pause()
		return "Entries paused. Open trades remain managed."
	case "/resume":
		l.ctrl.Resume()
		return "Entries resumed."
	case "/close":
		symbol := ""
		if len(args) > 0 {
			symbol = strings.ToUpper(args[0])
		}
		closed, err := l.ctrl.ForceClose(ctx, symbol)
		if err != nil {
			return fmt.Sprintf("Force close finished with errors (%d closed): %v", closed, err)
		}
		if closed == 0 {
			return "Nothing to close."
		}
		return fmt.Sprintf("Closed %d trade(s).", closed)
	case "/set":
		if len(args) != 2 {
			return "Usage: /set <parameter> <value>"
		}
		value, err := strconv.ParseFloat(args[1], 64)
		if err != nil {
			return fmt.Sprintf("Invalid value %q.", args[1])
		}
		if err := l.ctrl.SetParam(strings.ToLower(args[0]), value); err != nil {
			return fmt.Sprintf("Rejected: %v", err)
		}
		return fmt.Sprintf("Parameter %s set to %s.", args[0], args[1])
	case "/mode":
		if len(args) != 1 {
			return "Usage: /mode <paper|real>"
		}
		var simulated bool
		switch strings.ToLower(args[0]) {
		case "paper":
			simulated = true
		case "real":
			simulated = false
		default:
			return "Usage: /mode <paper|real>"
		}
		if err := l.ctrl.SwitchMode(simulated); err != nil {
			return fmt.Sprintf("Rejected: %v", err)
		}
		return fmt.Sprintf("Mode switched to %s.", strings.ToUpper(args[0]))
	case "/limit":
		return l.dispatchLimit(ctx, args)
	case "/sync":
		report, err := l.ctrl.RunReconciliation(ctx)
		if err != nil {
			return fmt.Sprintf("Reconciliation failed: %v", err)
		}
		return report.Summary()
	case "/status":
		return formatStatus(l.ctrl.Status())
	case "/history":
		return formatHistory(l.ctrl.History(10))
	case "/help", "/start":
		return helpText
	default:
		return helpText
	}
}

const helpText = `Commands:
/status - engine snapshot
/history - last closed trades
/pause | /resume - gate new entries
/close [SYMBOL] - force close trades
/set <param> <value> - tune capital_ceiling, base_percent, daily_loss_pct, max_spread_pct
/mode <paper|real> - switch book (refused with open trades)
/limit <SYMBOL> <BUY|SELL> <price> <qty> <tp> <sl> [lev] - resting entry with protection
/sync - run reconciliation now`

// dispatchLimit parses "/limit SYMBOL SIDE price qty tp sl [lev]".
func (l *Listener) dispatchLimit(ctx context.Context, args []string) string {
	const usage = "Usage: /limit <SYMBOL> <BUY|SELL> <price> <qty> <tp> <sl> [lev]"
	if len(args) < 6 || len(args) > 7 {
		return usage
	}
	side := strings.ToUpper(args[1])
	if side != "BUY" && side != "SELL" {
		return usage
	}
	nums := make([]float64, 4)
	for i, raw := range args[2:6] {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil || v <= 0 {
			return fmt.Sprintf("Invalid value %q.", raw)
		}
		nums[i] = v
	}
	req := trade.LimitRequest{
		Symbol:     strings.ToUpper(args[0]),
		Side:       side,
		Price:      nums[0],
		Quantity:   nums[1],
		TakeProfit: nums[2],
		StopLoss:   nums[3],
	}
	if len(args) == 7 {
		lev, err := strconv.Atoi(args[6])
		if err != nil || lev < 1 {
			return fmt.Sprintf("Invalid leverage %q.", args[6])
		}
		req.Leverage = lev
	}
	id, err := l.ctrl.PlaceLimit(ctx, req)
	if err != nil {
		return fmt.Sprintf("Limit order rejected: %v", err)
	}
	return fmt.Sprintf("Limit order %d resting on %s, watcher attached.", id, req.Symbol)
}

func formatStatus(st monitor.Status) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Mode: %s | Paused: %v | Cycle: %d\n", st.Mode, st.Paused, st.Cycle)
	fmt.Fprintf(&b, "Daily P&L: %.2f USDT | Fuse: %v | Cluster: %d\n", st.DailyPnL, st.FuseBlown, st.MarketCluster)
	if len(st.OpenTrades) == 0 {
		b.WriteString("No open trades.")
		return b.String()
	}
	fmt.Fprintf(&b, "Open trades (%d):\n", len(st.OpenTrades))
	for _, tr := range st.OpenTrades {
		be := ""
		if tr.ArmedBE {
			be = " [BE]"
		}
		fmt.Fprintf(&b, "  %s %s %s x%d @ %.6g TP %.6g SL %.6g%s\n",
			tr.Symbol, tr.Strategy, tr.Side, tr.Leverage, tr.EntryPrice, tr.TakeProfit, tr.StopLoss, be)
	}
	return strings.TrimRight(b.String(), "\n")
}

func formatHistory(items []state.ClosedTrade) string {
	if len(items) == 0 {
		return "No closed trades yet."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Last %d closed trades:\n", len(items))
	for _, ct := range items {
		fmt.Fprintf(&b, "  %s %s %s %s %+.2f USDT (%s)\n",
			ct.ClosedAt.Format("01-02 15:04"), ct.Symbol, ct.Strategy, ct.Side, ct.PnLUSD, ct.Result)
	}
	return strings.TrimRight(b.String(), "\n")
}
