// exchange/client.go
package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"quanthelm/logs"
)

// Ensure APIClient implements the Client interface.
var _ Client = (*APIClient)(nil)

// APIClient talks to the Binance USDT-M futures REST API.
type APIClient struct {
	apiKey     string
	apiSecret  string
	baseURL    string
	http       *http.Client
	limiter    *rate.Limiter
	recvWindow int64 // milliseconds

	timeOffset int64 // server time minus local time, milliseconds

	infoMu          sync.RWMutex
	symbolInfoCache map[string]SymbolInfo
}

type binanceError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

type positionRisk struct {
	Symbol           string `json:"symbol"`
	PositionAmt      string `json:"positionAmt"`
	EntryPrice       string `json:"entryPrice"`
	MarkPrice        string `json:"markPrice"`
	UnRealizedProfit string `json:"unRealizedProfit"`
	Leverage         string `json:"leverage"`
}

type serverTime struct {
	ServerTime int64 `json:"serverTime"`
}

// NewAPIClient creates a new API client instance. Requests are throttled to
// stay under the exchange request-weight ceiling even when reconciliation and
// entry bursts coincide.
func NewAPIClient(apiKey, apiSecret, baseURL string, timeoutSeconds, recvWindowSeconds int) *APIClient {
	return &APIClient{
		apiKey:          apiKey,
		apiSecret:       apiSecret,
		baseURL:         baseURL,
		http:            &http.Client{Timeout: time.Duration(timeoutSeconds) * time.Second},
		limiter:         rate.NewLimiter(rate.Limit(8), 16),
		recvWindow:      int64(recvWindowSeconds * 1000),
		symbolInfoCache: make(map[string]SymbolInfo),
	}
}

// SyncTime synchronizes with the server clock and refreshes the trading rules
// cache.
func (c *APIClient) SyncTime() error {
	var t serverTime
	if err := c.sendPublic(context.Background(), "/fapi/v1/time", nil, &t); err != nil {
		return fmt.Errorf("unable to get server time: %w", err)
	}
	c.timeOffset = t.ServerTime - time.Now().UnixMilli()
	logs.Infof("[API Client] Time synchronized, offset %d ms.", c.timeOffset)

	if err := c.fetchExchangeInfo(); err != nil {
		logs.Warnf("[API Client] Failed to refresh trading rules cache: %v", err)
	}
	return nil
}

func (c *APIClient) sendPublic(ctx context.Context, endpoint string, params url.Values, target interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	fullURL := c.baseURL + endpoint
	if len(params) > 0 {
		fullURL += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	return c.do(req, target)
}

// sendSigned signs the query string with HMAC-SHA256 and sends the request.
// All parameters travel in the URL; the body stays empty.
func (c *APIClient) sendSigned(ctx context.Context, method, endpoint string, params url.Values, target interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	if params == nil {
		params = url.Values{}
	}
	timestamp := time.Now().UnixMilli() + c.timeOffset
	params.Set("timestamp", strconv.FormatInt(timestamp, 10))
	params.Set("recvWindow", strconv.FormatInt(c.recvWindow, 10))

	queryString := params.Encode()
	mac := hmac.New(sha256.New, []byte(c.apiSecret))
	_, _ = mac.Write([]byte(queryString))
	signature := hex.EncodeToString(mac.Sum(nil))

	fullURL := fmt.Sprintf("%s%s?%s&signature=%s", c.baseURL, endpoint, queryString, signature)
	req, err := http.NewRequestWithContext(ctx, method, fullURL, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if method == http.MethodPost || method == http.MethodDelete {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	req.Header.Set("X-MBX-APIKEY", c.apiKey)
	return c.do(req, target)
}

func (c *APIClient) do(req *http.Request, target interface{}) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		var errResp binanceError
		if json.Unmarshal(body, &errResp) == nil && errResp.Code != 0 {
			return &APIError{Code: errResp.Code, Msg: errResp.Msg}
		}
		return fmt.Errorf("API error: HTTP %d, body: %s", resp.StatusCode, string(body))
	}

	if target != nil {
		if err := json.Unmarshal(body, target); err != nil {
			return fmt.Errorf("failed to decode JSON: %w, body: %s", err, string(body))
		}
	}
	return nil
}

// SetLeverage sets the leverage multiplier for a symbol.
func (c *APIClient) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("leverage", strconv.Itoa(leverage))
	return c.sendSigned(ctx, http.MethodPost, "/fapi/v1/leverage", params, nil)
}

// SetMarginType sets the margin mode for a symbol. Error -4046 (no change
// needed) is swallowed.
func (c *APIClient) SetMarginType(ctx context.Context, symbol, marginType string) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("marginType", marginType)
	err := c.sendSigned(ctx, http.MethodPost, "/fapi/v1/marginType", params, nil)
	if ErrorCode(err) == CodeNoNeedChangeMargin {
		return nil
	}
	return err
}

// PlaceOrder submits a new order to the exchange.
func (c *APIClient) PlaceOrder(ctx context.Context, order *Order) (*Order, error) {
	params := url.Values{}
	params.Set("symbol", order.Symbol)
	params.Set("side", string(order.Side))
	params.Set("type", string(order.Type))

	switch order.Type {
	case Limit:
		params.Set("timeInForce", "GTC")
		params.Set("price", order.Price)
		params.Set("quantity", order.OrigQty)
	case Market:
		params.Set("quantity", order.OrigQty)
	case StopMarket, TakeProfitMarket:
		params.Set("stopPrice", order.StopPrice)
		if order.ClosePosition {
			params.Set("closePosition", "true")
		} else {
			params.Set("quantity", order.OrigQty)
		}
	}
	if order.ReduceOnly && !order.ClosePosition {
		params.Set("reduceOnly", "true")
	}

	var placed Order
	if err := c.sendSigned(ctx, http.MethodPost, "/fapi/v1/order", params, &placed); err != nil {
		return nil, err
	}
	return &placed, nil
}

// GetOrder retrieves order details.
func (c *APIClient) GetOrder(ctx context.Context, symbol string, orderID int64) (*Order, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", strconv.FormatInt(orderID, 10))

	var order Order
	if err := c.sendSigned(ctx, http.MethodGet, "/fapi/v1/order", params, &order); err != nil {
		return nil, err
	}
	return &order, nil
}

// GetOpenOrders lists outstanding orders, conditional classes included. An
// empty symbol queries the whole account.
func (c *APIClient) GetOpenOrders(ctx context.Context, symbol string) ([]Order, error) {
	params := url.Values{}
	if symbol != "" {
		params.Set("symbol", symbol)
	}
	var orders []Order
	if err := c.sendSigned(ctx, http.MethodGet, "/fapi/v1/openOrders", params, &orders); err != nil {
		return nil, err
	}
	return orders, nil
}

// CancelOrder cancels an active order of any class.
func (c *APIClient) CancelOrder(ctx context.Context, symbol string, orderID int64) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", strconv.FormatInt(orderID, 10))
	return c.sendSigned(ctx, http.MethodDelete, "/fapi/v1/order", params, nil)
}

// CancelAllOpenOrders cancels every outstanding order for a symbol.
func (c *APIClient) CancelAllOpenOrders(ctx context.Context, symbol string) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	return c.sendSigned(ctx, http.MethodDelete, "/fapi/v1/allOpenOrders", params, nil)
}

// GetPositions returns all account positions as reported by the exchange.
func (c *APIClient) GetPositions(ctx context.Context) ([]Position, error) {
	var risks []positionRisk
	if err := c.sendSigned(ctx, http.MethodGet, "/fapi/v2/positionRisk", nil, &risks); err != nil {
		return nil, err
	}

	positions := make([]Position, 0, len(risks))
	for _, p := range risks {
		amt, _ := strconv.ParseFloat(p.PositionAmt, 64)
		entry, _ := strconv.ParseFloat(p.EntryPrice, 64)
		mark, _ := strconv.ParseFloat(p.MarkPrice, 64)
		pnl, _ := strconv.ParseFloat(p.UnRealizedProfit, 64)
		lev, _ := strconv.Atoi(p.Leverage)

		side := Buy
		size := amt
		if amt < 0 {
			side = Sell
			size = -amt
		}
		positions = append(positions, Position{
			Symbol:        p.Symbol,
			Side:          side,
			Contracts:     size,
			EntryPrice:    entry,
			MarkPrice:     mark,
			Leverage:      lev,
			UnrealizedPnL: pnl,
		})
	}
	return positions, nil
}

// GetBalance returns the USDT futures balance.
func (c *APIClient) GetBalance(ctx context.Context) (*Balance, error) {
	var entries []struct {
		Asset            string `json:"asset"`
		Balance          string `json:"balance"`
		AvailableBalance string `json:"availableBalance"`
	}
	if err := c.sendSigned(ctx, http.MethodGet, "/fapi/v2/balance", nil, &entries); err != nil {
		return nil, err
	}
	for _, e := range entries {
		if e.Asset == "USDT" {
			total, _ := strconv.ParseFloat(e.Balance, 64)
			avail, _ := strconv.ParseFloat(e.AvailableBalance, 64)
			return &Balance{Asset: e.Asset, Total: total, Available: avail}, nil
		}
	}
	return &Balance{Asset: "USDT"}, nil
}

// GetTicker returns the current top of book for a symbol.
func (c *APIClient) GetTicker(ctx context.Context, symbol string) (*Ticker, error) {
	params := url.Values{}
	params.Set("symbol", symbol)

	var book struct {
		Symbol   string `json:"symbol"`
		BidPrice string `json:"bidPrice"`
		AskPrice string `json:"askPrice"`
	}
	if err := c.sendPublic(ctx, "/fapi/v1/ticker/bookTicker", params, &book); err != nil {
		return nil, err
	}
	bid, _ := strconv.ParseFloat(book.BidPrice, 64)
	ask, _ := strconv.ParseFloat(book.AskPrice, 64)

	var last struct {
		Price string `json:"price"`
	}
	if err := c.sendPublic(ctx, "/fapi/v1/ticker/price", params, &last); err != nil {
		return nil, err
	}
	lastPx, _ := strconv.ParseFloat(last.Price, 64)

	return &Ticker{Symbol: symbol, Bid: bid, Ask: ask, Last: lastPx}, nil
}

// GetKlines returns up to limit OHLCV bars, oldest first.
func (c *APIClient) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]Kline, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("interval", interval)
	params.Set("limit", strconv.Itoa(limit))

	var raw [][]interface{}
	if err := c.sendPublic(ctx, "/fapi/v1/klines", params, &raw); err != nil {
		return nil, err
	}

	klines := make([]Kline, 0, len(raw))
	for _, row := range raw {
		if len(row) < 6 {
			continue
		}
		openTime, ok := row[0].(float64)
		if !ok {
			continue
		}
		k := Kline{OpenTime: time.UnixMilli(int64(openTime)).UTC()}
		k.Open = parseKlineField(row[1])
		k.High = parseKlineField(row[2])
		k.Low = parseKlineField(row[3])
		k.Close = parseKlineField(row[4])
		k.Volume = parseKlineField(row[5])
		klines = append(klines, k)
	}
	return klines, nil
}

func parseKlineField(v interface{}) float64 {
	s, ok := v.(string)
	if !ok {
		return 0
	}
	f, _ := strconv.ParseFloat(s, 64)
	return f
}

// GetSymbolInfo safely retrieves symbol trading rules from the cache.
func (c *APIClient) GetSymbolInfo(symbol string) (SymbolInfo, bool) {
	c.infoMu.RLock()
	defer c.infoMu.RUnlock()
	info, ok := c.symbolInfoCache[symbol]
	return info, ok
}

type exchangeInfoResponse struct {
	Symbols []struct {
		Symbol            string `json:"symbol"`
		PricePrecision    int    `json:"pricePrecision"`
		QuantityPrecision int    `json:"quantityPrecision"`
		Filters           []struct {
			FilterType  string `json:"filterType"`
			TickSize    string `json:"tickSize"`
			StepSize    string `json:"stepSize"`
			MinQty      string `json:"minQty"`
			MinNotional string `json:"notional"`
		} `json:"filters"`
	} `json:"symbols"`
}

func (c *APIClient) fetchExchangeInfo() error {
	var info exchangeInfoResponse
	if err := c.sendPublic(context.Background(), "/fapi/v1/exchangeInfo", nil, &info); err != nil {
		return fmt.Errorf("unable to get exchange info: %w", err)
	}

	c.infoMu.Lock()
	defer c.infoMu.Unlock()
	for _, s := range info.Symbols {
		entry := SymbolInfo{
			Symbol:            s.Symbol,
			PricePrecision:    s.PricePrecision,
			QuantityPrecision: s.QuantityPrecision,
		}
		for _, f := range s.Filters {
			switch f.FilterType {
			case "PRICE_FILTER":
				entry.TickSize, _ = strconv.ParseFloat(f.TickSize, 64)
			case "LOT_SIZE":
				entry.StepSize, _ = strconv.ParseFloat(f.StepSize, 64)
				entry.MinQty, _ = strconv.ParseFloat(f.MinQty, 64)
			case "MIN_NOTIONAL":
				entry.MinNotional, _ = strconv.ParseFloat(f.MinNotional, 64)
			}
		}
		c.symbolInfoCache[s.Symbol] = entry
	}
	logs.Infof("[API Client] Trading rules cache updated, %d symbols.", len(c.symbolInfoCache))
	return nil
}
