// exchange/mock_client.go
package exchange

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"
)

// Ensure MockClient implements the Client interface.
var _ Client = (*MockClient)(nil)

// MockClient is an in-memory exchange used for simulation runs and tests.
// Market orders fill instantly at the configured price; limit and trigger
// orders rest until ForceFill or cancellation. Failures can be injected per
// order type to exercise partial-execution paths.
type MockClient struct {
	mu sync.Mutex

	prices    map[string]float64
	tickers   map[string]Ticker
	klines    map[string][]Kline // key: symbol|interval
	positions map[string]Position
	orders    map[int64]Order
	nextID    int64

	balance Balance
	info    map[string]SymbolInfo

	// placeErrs maps an order type to an error returned on the next place
	// attempt of that type. Consumed once per injection.
	placeErrs  map[OrderType]error
	cancelErrs int // number of cancel calls to fail before succeeding
}

// NewMockClient creates a mock exchange with an empty book.
func NewMockClient() *MockClient {
	return &MockClient{
		prices:    make(map[string]float64),
		tickers:   make(map[string]Ticker),
		klines:    make(map[string][]Kline),
		positions: make(map[string]Position),
		orders:    make(map[int64]Order),
		nextID:    1000,
		balance:   Balance{Asset: "USDT", Total: 1000, Available: 1000},
		info:      make(map[string]SymbolInfo),
		placeErrs: make(map[OrderType]error),
	}
}

// --- test / simulation hooks ---

// SetPrice sets the last price for a symbol and refreshes its ticker with a
// one-tick synthetic spread.
func (m *MockClient) SetPrice(symbol string, price float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prices[symbol] = price
	m.tickers[symbol] = Ticker{Symbol: symbol, Bid: price * 0.9999, Ask: price * 1.0001, Last: price}
}

// SetTicker overrides the full top of book for a symbol.
func (m *MockClient) SetTicker(t Ticker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tickers[t.Symbol] = t
	m.prices[t.Symbol] = t.Last
}

// SetKlines installs a canned kline series for GetKlines.
func (m *MockClient) SetKlines(symbol, interval string, ks []Kline) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.klines[symbol+"|"+interval] = ks
}

// SetPosition installs an exchange-side position, bypassing order flow.
func (m *MockClient) SetPosition(p Position) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.Contracts == 0 {
		delete(m.positions, p.Symbol)
		return
	}
	m.positions[p.Symbol] = p
}

// SetSymbolInfo installs trading rules for a symbol.
func (m *MockClient) SetSymbolInfo(info SymbolInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.info[info.Symbol] = info
}

// SetBalance overrides the account balance.
func (m *MockClient) SetBalance(b Balance) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balance = b
}

// FailNextPlace makes the next PlaceOrder of the given type return err.
func (m *MockClient) FailNextPlace(t OrderType, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.placeErrs[t] = err
}

// FailCancels makes the next n cancel calls fail.
func (m *MockClient) FailCancels(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelErrs = n
}

// ForceFill marks a resting order as filled at the given price and applies its
// effect on the position book.
func (m *MockClient) ForceFill(orderID int64, price float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return fmt.Errorf("mock: unknown order %d", orderID)
	}
	o.Status = Filled
	o.ExecutedQty = o.OrigQty
	o.AvgPrice = strconv.FormatFloat(price, 'f', -1, 64)
	m.orders[orderID] = o
	qty, _ := strconv.ParseFloat(o.OrigQty, 64)
	m.applyFill(o.Symbol, o.Side, qty, price, o.ReduceOnly)
	return nil
}

// OpenOrderCount reports resting (non-terminal) orders for assertions.
func (m *MockClient) OpenOrderCount(symbol string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, o := range m.orders {
		if o.Symbol == symbol && !o.Status.Terminal() {
			n++
		}
	}
	return n
}

// --- Client implementation ---

func (m *MockClient) SyncTime() error { return nil }

func (m *MockClient) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	return nil
}

func (m *MockClient) SetMarginType(ctx context.Context, symbol, marginType string) error {
	return nil
}

func (m *MockClient) PlaceOrder(ctx context.Context, order *Order) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err, ok := m.placeErrs[order.Type]; ok && err != nil {
		delete(m.placeErrs, order.Type)
		return nil, err
	}

	placed := *order
	m.nextID++
	placed.OrderID = m.nextID
	placed.UpdateTime = time.Now().UnixMilli()

	switch order.Type {
	case Market:
		price, ok := m.prices[order.Symbol]
		if !ok {
			return nil, fmt.Errorf("mock: no price for %s", order.Symbol)
		}
		qty, err := strconv.ParseFloat(order.OrigQty, 64)
		if err != nil || qty <= 0 {
			return nil, fmt.Errorf("mock: bad quantity %q", order.OrigQty)
		}
		placed.Status = Filled
		placed.ExecutedQty = order.OrigQty
		placed.AvgPrice = strconv.FormatFloat(price, 'f', -1, 64)
		m.applyFill(order.Symbol, order.Side, qty, price, order.ReduceOnly)
	default:
		placed.Status = New
	}

	m.orders[placed.OrderID] = placed
	return &placed, nil
}

// applyFill mutates the position book; caller holds the lock.
func (m *MockClient) applyFill(symbol string, side OrderSide, qty, price float64, reduceOnly bool) {
	pos, exists := m.positions[symbol]
	if !exists {
		if reduceOnly {
			return
		}
		m.positions[symbol] = Position{Symbol: symbol, Side: side, Contracts: qty, EntryPrice: price, MarkPrice: price}
		return
	}

	if pos.Side == side {
		total := pos.Contracts + qty
		pos.EntryPrice = (pos.EntryPrice*pos.Contracts + price*qty) / total
		pos.Contracts = total
		m.positions[symbol] = pos
		return
	}

	// Opposite side reduces, possibly to flat.
	if qty >= pos.Contracts {
		delete(m.positions, symbol)
		return
	}
	pos.Contracts -= qty
	m.positions[symbol] = pos
}

func (m *MockClient) CancelOrder(ctx context.Context, symbol string, orderID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancelErrs > 0 {
		m.cancelErrs--
		return fmt.Errorf("mock: cancel failure injected")
	}
	o, ok := m.orders[orderID]
	if !ok || o.Status.Terminal() {
		return fmt.Errorf("mock: unknown or terminal order %d", orderID)
	}
	o.Status = Canceled
	m.orders[orderID] = o
	return nil
}

func (m *MockClient) GetOrder(ctx context.Context, symbol string, orderID int64) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("mock: unknown order %d", orderID)
	}
	return &o, nil
}

func (m *MockClient) GetOpenOrders(ctx context.Context, symbol string) ([]Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Order
	for _, o := range m.orders {
		if o.Status.Terminal() {
			continue
		}
		if symbol != "" && o.Symbol != symbol {
			continue
		}
		out = append(out, o)
	}
	return out, nil
}

func (m *MockClient) CancelAllOpenOrders(ctx context.Context, symbol string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancelErrs > 0 {
		m.cancelErrs--
		return fmt.Errorf("mock: cancel failure injected")
	}
	for id, o := range m.orders {
		if o.Symbol == symbol && !o.Status.Terminal() {
			o.Status = Canceled
			m.orders[id] = o
		}
	}
	return nil
}

func (m *MockClient) GetPositions(ctx context.Context) ([]Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Position, 0, len(m.positions))
	for _, p := range m.positions {
		if last, ok := m.prices[p.Symbol]; ok {
			p.MarkPrice = last
		}
		out = append(out, p)
	}
	return out, nil
}

func (m *MockClient) GetBalance(ctx context.Context) (*Balance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b := m.balance
	return &b, nil
}

func (m *MockClient) GetTicker(ctx context.Context, symbol string) (*Ticker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tickers[symbol]
	if !ok {
		return nil, fmt.Errorf("mock: no ticker for %s", symbol)
	}
	return &t, nil
}

func (m *MockClient) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]Kline, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ks, ok := m.klines[symbol+"|"+interval]
	if !ok {
		return nil, fmt.Errorf("mock: no klines for %s %s", symbol, interval)
	}
	if limit > 0 && len(ks) > limit {
		ks = ks[len(ks)-limit:]
	}
	out := make([]Kline, len(ks))
	copy(out, ks)
	return out, nil
}

func (m *MockClient) GetSymbolInfo(symbol string) (SymbolInfo, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	info, ok := m.info[symbol]
	return info, ok
}
