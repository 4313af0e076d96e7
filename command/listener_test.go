package command

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quanthelm/monitor"
	"quanthelm/reconcile"
	"quanthelm/state"
	"quanthelm/trade"
)

type fakeController struct {
	paused      bool
	closedCalls []string
	params      map[string]float64
	simulated   bool
	modeErr     error
	syncReport  *reconcile.Report
	status      monitor.Status
	history     []state.ClosedTrade
	limitReq    *trade.LimitRequest
}

func newFakeController() *fakeController {
	return &fakeController{
		params:     make(map[string]float64),
		syncReport: &reconcile.Report{At: time.Now(), Positions: 2},
		status:     monitor.Status{Mode: state.ModePaper, Cycle: 7},
	}
}

func (f *fakeController) Pause()       { f.paused = true }
func (f *fakeController) Resume()      { f.paused = false }
func (f *fakeController) Paused() bool { return f.paused }

func (f *fakeController) ForceClose(_ context.Context, symbol string) (int, error) {
	f.closedCalls = append(f.closedCalls, symbol)
	return 1, nil
}

func (f *fakeController) SetParam(name string, value float64) error {
	if name == "unknown" {
		return errors.New("unknown parameter")
	}
	f.params[name] = value
	return nil
}

func (f *fakeController) SwitchMode(simulated bool) error {
	if f.modeErr != nil {
		return f.modeErr
	}
	f.simulated = simulated
	return nil
}

func (f *fakeController) PlaceLimit(_ context.Context, req trade.LimitRequest) (int64, error) {
	f.limitReq = &req
	return 4242, nil
}

func (f *fakeController) RunReconciliation(context.Context) (*reconcile.Report, error) {
	return f.syncReport, nil
}

func (f *fakeController) Status() monitor.Status { return f.status }

func (f *fakeController) History(int) []state.ClosedTrade { return f.history }

func newTestListener(ctrl Controller) *Listener {
	return NewListener(NewNotifier("", ""), ctrl)
}

func TestDispatchPauseResume(t *testing.T) {
	ctrl := newFakeController()
	l := newTestListener(ctrl)

	reply := l.Dispatch(context.Background(), "/pause")
	assert.Contains(t, reply, "paused")
	assert.True(t, ctrl.paused)

	reply = l.Dispatch(context.Background(), "/resume")
	assert.Contains(t, reply, "resumed")
	assert.False(t, ctrl.paused)
}

func TestDispatchCloseUppercasesSymbol(t *testing.T) {
	ctrl := newFakeController()
	l := newTestListener(ctrl)

	reply := l.Dispatch(context.Background(), "/close btcusdt")
	assert.Contains(t, reply, "Closed 1")
	assert.Equal(t, []string{"BTCUSDT"}, ctrl.closedCalls)
}

func TestDispatchCloseAll(t *testing.T) {
	ctrl := newFakeController()
	l := newTestListener(ctrl)

	l.Dispatch(context.Background(), "/close")
	assert.Equal(t, []string{""}, ctrl.closedCalls)
}

func TestDispatchSetParam(t *testing.T) {
	ctrl := newFakeController()
	l := newTestListener(ctrl)

	reply := l.Dispatch(context.Background(), "/set base_percent 0.25")
	assert.Contains(t, reply, "base_percent")
	assert.Equal(t, 0.25, ctrl.params["base_percent"])

	reply = l.Dispatch(context.Background(), "/set unknown 1")
	assert.Contains(t, reply, "Rejected")

	reply = l.Dispatch(context.Background(), "/set base_percent abc")
	assert.Contains(t, reply, "Invalid value")

	reply = l.Dispatch(context.Background(), "/set base_percent")
	assert.Contains(t, reply, "Usage")
}

func TestDispatchModeSwitch(t *testing.T) {
	ctrl := newFakeController()
	l := newTestListener(ctrl)

	reply := l.Dispatch(context.Background(), "/mode paper")
	assert.Contains(t, reply, "PAPER")
	assert.True(t, ctrl.simulated)

	ctrl.modeErr = errors.New("cannot switch mode with 2 open trades")
	reply = l.Dispatch(context.Background(), "/mode real")
	assert.Contains(t, reply, "Rejected")
	assert.True(t, ctrl.simulated)

	reply = l.Dispatch(context.Background(), "/mode sideways")
	assert.Contains(t, reply, "Usage")
}

func TestDispatchSyncReturnsSummary(t *testing.T) {
	ctrl := newFakeController()
	l := newTestListener(ctrl)

	reply := l.Dispatch(context.Background(), "/sync")
	assert.Contains(t, reply, "2 positions verified")
}

func TestDispatchStatusAndHistory(t *testing.T) {
	ctrl := newFakeController()
	ctrl.status.OpenTrades = []monitor.TradeSummary{{
		Symbol: "BTCUSDT", Strategy: "tendencia", Side: "BUY",
		Leverage: 6, EntryPrice: 50000, TakeProfit: 51000, StopLoss: 49500,
	}}
	ctrl.history = []state.ClosedTrade{{
		Symbol: "ETHUSDT", Strategy: "scalping", Side: "SELL",
		Result: state.Win, PnLUSD: 3.21, ClosedAt: time.Now(),
	}}
	l := newTestListener(ctrl)

	reply := l.Dispatch(context.Background(), "/status")
	assert.Contains(t, reply, "Cycle: 7")
	assert.Contains(t, reply, "BTCUSDT")

	reply = l.Dispatch(context.Background(), "/history")
	assert.Contains(t, reply, "ETHUSDT")
	assert.Contains(t, reply, "+3.21")
}

func TestDispatchLimitOrder(t *testing.T) {
	ctrl := newFakeController()
	l := newTestListener(ctrl)

	reply := l.Dispatch(context.Background(), "/limit btcusdt buy 49000 0.002 50000 48500 6")
	assert.Contains(t, reply, "4242")
	require.NotNil(t, ctrl.limitReq)
	assert.Equal(t, "BTCUSDT", ctrl.limitReq.Symbol)
	assert.Equal(t, "BUY", ctrl.limitReq.Side)
	assert.Equal(t, 49000.0, ctrl.limitReq.Price)
	assert.Equal(t, 6, ctrl.limitReq.Leverage)

	assert.Contains(t, l.Dispatch(context.Background(), "/limit BTCUSDT BUY 49000"), "Usage")
	assert.Contains(t, l.Dispatch(context.Background(), "/limit BTCUSDT HOLD 49000 0.002 50000 48500"), "Usage")
	assert.Contains(t, l.Dispatch(context.Background(), "/limit BTCUSDT BUY x 0.002 50000 48500"), "Invalid value")
}

func TestDispatchUnknownGetsHelp(t *testing.T) {
	l := newTestListener(newFakeController())
	assert.Contains(t, l.Dispatch(context.Background(), "/frobnicate"), "Commands:")
	assert.Empty(t, l.Dispatch(context.Background(), "   "))
}
