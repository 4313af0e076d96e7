package exchange

import (
	"context"
	"time"
)

// SymbolInfo holds the trading rules for a single symbol.
type SymbolInfo struct {
	Symbol            string
	PricePrecision    int
	QuantityPrecision int
	TickSize          float64
	StepSize          float64
	MinQty            float64
	MinNotional       float64
}

// OrderSide defines the order direction (BUY or SELL).
type OrderSide string

const (
	Buy  OrderSide = "BUY"
	Sell OrderSide = "SELL"
)

// Opposite returns the side that closes a position opened with s.
func (s OrderSide) Opposite() OrderSide {
	if s == Buy {
		return Sell
	}
	return Buy
}

// OrderType defines the order type. StopMarket and TakeProfitMarket are the
// trigger ("conditional") classes used for protective orders.
type OrderType string

const (
	Limit            OrderType = "LIMIT"
	Market           OrderType = "MARKET"
	StopMarket       OrderType = "STOP_MARKET"
	TakeProfitMarket OrderType = "TAKE_PROFIT_MARKET"
)

// Conditional reports whether the type is a trigger order class.
func (t OrderType) Conditional() bool {
	return t == StopMarket || t == TakeProfitMarket
}

// OrderStatus defines the order status.
type OrderStatus string

const (
	New             OrderStatus = "NEW"
	PartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	Filled          OrderStatus = "FILLED"
	Canceled        OrderStatus = "CANCELED"
	Rejected        OrderStatus = "REJECTED"
	Expired         OrderStatus = "EXPIRED"
)

// Terminal reports whether the status can no longer change.
func (s OrderStatus) Terminal() bool {
	return s == Filled || s == Canceled || s == Rejected || s == Expired
}

// Order represents complete information of an order.
type Order struct {
	Symbol        string      `json:"symbol"`
	OrderID       int64       `json:"orderId"`
	ClientOrderID string      `json:"clientOrderId"`
	Price         string      `json:"price"`
	OrigQty       string      `json:"origQty"`
	ExecutedQty   string      `json:"executedQty"`
	AvgPrice      string      `json:"avgPrice"`
	StopPrice     string      `json:"stopPrice"`
	Status        OrderStatus `json:"status"`
	Type          OrderType   `json:"type"`
	Side          OrderSide   `json:"side"`
	ReduceOnly    bool        `json:"reduceOnly"`
	ClosePosition bool        `json:"closePosition"`
	UpdateTime    int64       `json:"updateTime"`
}

// Position is one exchange-reported open position.
type Position struct {
	Symbol        string
	Side          OrderSide // side that opened it: Buy = long, Sell = short
	Contracts     float64   // absolute size, 0 means flat
	EntryPrice    float64
	MarkPrice     float64
	Leverage      int
	UnrealizedPnL float64
}

// Ticker carries the current top of book for a symbol.
type Ticker struct {
	Symbol string
	Bid    float64
	Ask    float64
	Last   float64
}

// SpreadPct returns (ask-bid)/ask, the fraction used by the spread filter.
func (t *Ticker) SpreadPct() float64 {
	if t.Ask <= 0 {
		return 0
	}
	return (t.Ask - t.Bid) / t.Ask
}

// Kline is one closed (or forming) OHLCV bar.
type Kline struct {
	OpenTime time.Time
	Open     float64
	High     float64
	Low      float64
	Close    float64
	Volume   float64
}

// Balance is the account's quote-asset balance.
type Balance struct {
	Asset     string
	Total     float64
	Available float64
}

// Client is the exchange surface the engine consumes. Every method is a
// fallible remote call; implementations must honor the context deadline.
// GetOpenOrders and CancelAllOpenOrders cover both normal and conditional
// (trigger) order classes.
type Client interface {
	// SyncTime synchronizes the local clock offset with the exchange. Must be
	// called before any signed request.
	SyncTime() error

	// SetLeverage sets the leverage multiplier for a symbol.
	SetLeverage(ctx context.Context, symbol string, leverage int) error

	// SetMarginType sets the margin mode ("ISOLATED" or "CROSSED") for a symbol.
	SetMarginType(ctx context.Context, symbol, marginType string) error

	// PlaceOrder submits a new order and returns the exchange's view of it.
	PlaceOrder(ctx context.Context, order *Order) (*Order, error)

	// CancelOrder cancels an active order of any class.
	CancelOrder(ctx context.Context, symbol string, orderID int64) error

	// GetOrder fetches the current state of one order.
	GetOrder(ctx context.Context, symbol string, orderID int64) (*Order, error)

	// GetOpenOrders lists outstanding orders. An empty symbol lists them for
	// the whole account.
	GetOpenOrders(ctx context.Context, symbol string) ([]Order, error)

	// CancelAllOpenOrders cancels every outstanding order for a symbol,
	// including conditional classes.
	CancelAllOpenOrders(ctx context.Context, symbol string) error

	// GetPositions returns all positions with non-zero or zero contracts as
	// reported by the exchange.
	GetPositions(ctx context.Context) ([]Position, error)

	// GetBalance returns the quote-asset account balance.
	GetBalance(ctx context.Context) (*Balance, error)

	// GetTicker returns the current top of book for a symbol.
	GetTicker(ctx context.Context, symbol string) (*Ticker, error)

	// GetKlines returns up to limit bars of the given interval, oldest first.
	// The final bar may still be forming.
	GetKlines(ctx context.Context, symbol, interval string, limit int) ([]Kline, error)

	// GetSymbolInfo returns cached trading rules for a symbol.
	GetSymbolInfo(symbol string) (SymbolInfo, bool)
}
