package binance

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// Retry configuration for API calls
const (
	maxRetries     = 3
	baseRetryDelay = 500 * time.Millisecond
	maxRetryDelay  = 5 * time.Second
)

const (
	// FuturesBaseURL is the production Binance Futures API URL
	FuturesBaseURL = "https://fapi.binance.com"
	// FuturesTestnetURL is the testnet Binance Futures API URL
	FuturesTestnetURL = "https://testnet.binancefuture.com"
)

// FuturesClientImpl implements ExecutionEngine and DataSource against the
// Binance USD-M futures REST API.
type FuturesClientImpl struct {
	apiKey     string
	secretKey  string
	baseURL    string
	httpClient *http.Client
}

// NewFuturesClient creates a new futures client
func NewFuturesClient(apiKey, secretKey, baseURL string, testnet bool) *FuturesClientImpl {
	if baseURL == "" {
		baseURL = FuturesBaseURL
	}
	if testnet {
		baseURL = FuturesTestnetURL
	}

	// Trim any whitespace from keys - critical for signature generation
	return &FuturesClientImpl{
		apiKey:     strings.TrimSpace(apiKey),
		secretKey:  strings.TrimSpace(secretKey),
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
}

// ==================== ACCOUNT ====================

// GetAccountBalance returns the USDT wallet balance
func (c *FuturesClientImpl) GetAccountBalance() (float64, error) {
	resp, err := c.signedGet("/fapi/v2/balance", map[string]string{})
	if err != nil {
		return 0, fmt.Errorf("error fetching balance: %w", err)
	}

	var balances []FuturesBalance
	if err := json.Unmarshal(resp, &balances); err != nil {
		return 0, fmt.Errorf("error parsing balance: %w", err)
	}

	for _, b := range balances {
		if b.Asset == "USDT" {
			return b.Balance, nil
		}
	}
	return 0, nil
}

// GetPositions retrieves positions for a symbol
func (c *FuturesClientImpl) GetPositions(symbol string) ([]FuturesPosition, error) {
	resp, err := c.signedGet("/fapi/v2/positionRisk", map[string]string{"symbol": symbol})
	if err != nil {
		return nil, fmt.Errorf("error fetching positions: %w", err)
	}

	var positions []FuturesPosition
	if err := json.Unmarshal(resp, &positions); err != nil {
		return nil, fmt.Errorf("error parsing positions: %w", err)
	}
	return positions, nil
}

// SetLeverage sets the leverage for a symbol
func (c *FuturesClientImpl) SetLeverage(symbol string, leverage int) error {
	params := map[string]string{
		"symbol":   symbol,
		"leverage": strconv.Itoa(leverage),
	}

	resp, err := c.signedPost("/fapi/v1/leverage", params)
	if err != nil {
		return fmt.Errorf("error setting leverage: %w", err)
	}

	var leverageResp LeverageResponse
	if err := json.Unmarshal(resp, &leverageResp); err != nil {
		return fmt.Errorf("error parsing leverage response: %w", err)
	}
	return nil
}

// ==================== TRADING ====================

// PlaceOrder places a new futures order
func (c *FuturesClientImpl) PlaceOrder(params FuturesOrderParams) (*FuturesOrderResponse, error) {
	reqParams := map[string]string{
		"symbol":   params.Symbol,
		"side":     params.Side,
		"type":     string(params.Type),
		"quantity": strconv.FormatFloat(params.Quantity, 'f', -1, 64),
	}

	if params.Price > 0 {
		reqParams["price"] = strconv.FormatFloat(params.Price, 'f', -1, 64)
	}
	if params.TimeInForce != "" {
		reqParams["timeInForce"] = string(params.TimeInForce)
	} else if params.Type == FuturesOrderTypeLimit {
		reqParams["timeInForce"] = string(TimeInForceGTC)
	}
	if params.ReduceOnly {
		reqParams["reduceOnly"] = "true"
	}
	if params.NewClientOrderID != "" {
		reqParams["newClientOrderId"] = params.NewClientOrderID
	}

	resp, err := c.signedPost("/fapi/v1/order", reqParams)
	if err != nil {
		return nil, fmt.Errorf("error placing order: %w", err)
	}

	var orderResp FuturesOrderResponse
	if err := json.Unmarshal(resp, &orderResp); err != nil {
		return nil, fmt.Errorf("error parsing order response: %w", err)
	}
	return &orderResp, nil
}

// CancelOrder cancels an existing futures order
func (c *FuturesClientImpl) CancelOrder(symbol string, orderID int64) error {
	params := map[string]string{
		"symbol":  symbol,
		"orderId": strconv.FormatInt(orderID, 10),
	}

	_, err := c.signedDelete("/fapi/v1/order", params)
	if err != nil {
		return fmt.Errorf("error canceling order: %w", err)
	}
	return nil
}

// CancelAllOrders cancels all open orders for a symbol and returns how many
// were resting before the call
func (c *FuturesClientImpl) CancelAllOrders(symbol string) (int, error) {
	open, err := c.GetOpenOrders(symbol)
	if err != nil {
		return 0, err
	}

	_, err = c.signedDelete("/fapi/v1/allOpenOrders", map[string]string{"symbol": symbol})
	if err != nil {
		return 0, fmt.Errorf("error canceling all orders: %w", err)
	}
	return len(open), nil
}

// GetOpenOrders retrieves all open orders for a symbol
func (c *FuturesClientImpl) GetOpenOrders(symbol string) ([]FuturesOrder, error) {
	resp, err := c.signedGet("/fapi/v1/openOrders", map[string]string{"symbol": symbol})
	if err != nil {
		return nil, fmt.Errorf("error fetching open orders: %w", err)
	}

	var orders []FuturesOrder
	if err := json.Unmarshal(resp, &orders); err != nil {
		return nil, fmt.Errorf("error parsing open orders: %w", err)
	}
	return orders, nil
}

// GetOrderStatus retrieves a specific order. Returns (nil, nil) when the
// venue answers "order does not exist" - the caller treats that as a vanished
// order rather than a transport failure.
func (c *FuturesClientImpl) GetOrderStatus(symbol string, orderID int64) (*FuturesOrder, error) {
	params := map[string]string{
		"symbol":  symbol,
		"orderId": strconv.FormatInt(orderID, 10),
	}

	resp, err := c.signedGet("/fapi/v1/order", params)
	if err != nil {
		// -2013: Order does not exist
		if strings.Contains(err.Error(), "-2013") {
			return nil, nil
		}
		return nil, fmt.Errorf("error fetching order: %w", err)
	}

	var order FuturesOrder
	if err := json.Unmarshal(resp, &order); err != nil {
		return nil, fmt.Errorf("error parsing order: %w", err)
	}
	return &order, nil
}

// GetMyTrades retrieves account trades for a symbol since a millisecond
// timestamp (0 to ignore)
func (c *FuturesClientImpl) GetMyTrades(symbol string, sinceMs int64, limit int) ([]FuturesTrade, error) {
	params := map[string]string{
		"symbol": symbol,
		"limit":  strconv.Itoa(limit),
	}
	if sinceMs > 0 {
		params["startTime"] = strconv.FormatInt(sinceMs, 10)
	}

	resp, err := c.signedGet("/fapi/v1/userTrades", params)
	if err != nil {
		return nil, fmt.Errorf("error fetching trades: %w", err)
	}

	var trades []FuturesTrade
	if err := json.Unmarshal(resp, &trades); err != nil {
		return nil, fmt.Errorf("error parsing trades: %w", err)
	}

	sort.Slice(trades, func(i, j int) bool { return trades[i].Time < trades[j].Time })
	return trades, nil
}

// ==================== MARKET DATA ====================

// GetMarkPrice retrieves the current mark price for a symbol
func (c *FuturesClientImpl) GetMarkPrice(symbol string) (float64, error) {
	resp, err := c.publicGet("/fapi/v1/premiumIndex", map[string]string{"symbol": symbol})
	if err != nil {
		return 0, fmt.Errorf("error fetching mark price: %w", err)
	}

	var mark MarkPrice
	if err := json.Unmarshal(resp, &mark); err != nil {
		return 0, fmt.Errorf("error parsing mark price: %w", err)
	}
	return mark.MarkPrice, nil
}

// GetFundingRate retrieves the latest funding rate for a symbol
func (c *FuturesClientImpl) GetFundingRate(symbol string) (float64, error) {
	resp, err := c.publicGet("/fapi/v1/premiumIndex", map[string]string{"symbol": symbol})
	if err != nil {
		return 0, fmt.Errorf("error fetching funding rate: %w", err)
	}

	var mark MarkPrice
	if err := json.Unmarshal(resp, &mark); err != nil {
		return 0, fmt.Errorf("error parsing funding rate: %w", err)
	}
	return mark.LastFundingRate, nil
}

// GetKlines retrieves candlestick data
func (c *FuturesClientImpl) GetKlines(symbol, interval string, limit int) ([]Kline, error) {
	resp, err := c.publicGet("/fapi/v1/klines", map[string]string{
		"symbol":   symbol,
		"interval": interval,
		"limit":    strconv.Itoa(limit),
	})
	if err != nil {
		return nil, fmt.Errorf("error fetching klines: %w", err)
	}

	var rawKlines [][]interface{}
	if err := json.Unmarshal(resp, &rawKlines); err != nil {
		return nil, fmt.Errorf("error parsing klines: %w", err)
	}

	klines := make([]Kline, len(rawKlines))
	for i, raw := range rawKlines {
		if len(raw) < 7 {
			return nil, fmt.Errorf("error parsing klines: short row")
		}
		klines[i] = Kline{
			OpenTime:  int64(raw[0].(float64)),
			Open:      parseFloat(raw[1]),
			High:      parseFloat(raw[2]),
			Low:       parseFloat(raw[3]),
			Close:     parseFloat(raw[4]),
			Volume:    parseFloat(raw[5]),
			CloseTime: int64(raw[6].(float64)),
		}
	}
	return klines, nil
}

// GetLatestBar retrieves the most recent closed bar, nil when the venue has
// not closed a new one yet
func (c *FuturesClientImpl) GetLatestBar(symbol, interval string) (*Kline, error) {
	klines, err := c.GetKlines(symbol, interval, 2)
	if err != nil {
		return nil, err
	}
	if len(klines) == 0 {
		return nil, nil
	}

	// The last row is the still-open candle; the one before it is closed.
	if len(klines) >= 2 && klines[len(klines)-1].CloseTime > time.Now().UnixMilli() {
		return &klines[len(klines)-2], nil
	}
	return &klines[len(klines)-1], nil
}

// ==================== REQUEST PLUMBING ====================

func (c *FuturesClientImpl) sign(query string) string {
	mac := hmac.New(sha256.New, []byte(c.secretKey))
	mac.Write([]byte(query))
	return hex.EncodeToString(mac.Sum(nil))
}

func (c *FuturesClientImpl) buildQueryString(params map[string]string) string {
	values := url.Values{}
	for k, v := range params {
		values.Set(k, v)
	}
	return values.Encode()
}

func (c *FuturesClientImpl) signParams(params map[string]string) string {
	query := c.buildQueryString(params)
	return query + "&signature=" + c.sign(query)
}

func calculateRetryDelay(attempt int) time.Duration {
	delay := baseRetryDelay * time.Duration(1<<uint(attempt)) // 2^attempt
	if delay > maxRetryDelay {
		delay = maxRetryDelay
	}
	// Add jitter (±25%)
	jitter := time.Duration(rand.Int63n(int64(delay) / 2))
	return delay + jitter - (delay / 4)
}

// publicGet performs an unauthenticated GET request with rate limiting and retry
func (c *FuturesClientImpl) publicGet(endpoint string, params map[string]string) ([]byte, error) {
	rateLimiter := GetRateLimiter()
	var lastErr error

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if !rateLimiter.WaitForSlot(endpoint, 30*time.Second) {
			return nil, fmt.Errorf("rate limit: circuit open, request blocked")
		}

		reqURL := c.baseURL + endpoint
		if len(params) > 0 {
			reqURL += "?" + c.buildQueryString(params)
		}

		resp, err := c.httpClient.Get(reqURL)
		if err != nil {
			lastErr = err
			if attempt < maxRetries {
				time.Sleep(calculateRetryDelay(attempt))
				continue
			}
			return nil, err
		}

		body, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			return nil, readErr
		}
		c.updateLimiterFromHeaders(resp)

		if resp.StatusCode != http.StatusOK {
			lastErr = fmt.Errorf("API error (%d): %s", resp.StatusCode, string(body))
			if retryableStatus(resp.StatusCode) && attempt < maxRetries {
				rateLimiter.RecordError(resp.StatusCode)
				time.Sleep(calculateRetryDelay(attempt))
				continue
			}
			return nil, lastErr
		}
		return body, nil
	}
	return nil, lastErr
}

// signedRequest performs an authenticated request with rate limiting and retry
func (c *FuturesClientImpl) signedRequest(method, endpoint string, params map[string]string) ([]byte, error) {
	rateLimiter := GetRateLimiter()
	var lastErr error

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if !rateLimiter.WaitForSlot(endpoint, 30*time.Second) {
			return nil, fmt.Errorf("rate limit: circuit open, request blocked")
		}

		if params == nil {
			params = make(map[string]string)
		}
		// Refresh timestamp for each attempt; recvWindow tolerates clock skew
		params["timestamp"] = strconv.FormatInt(time.Now().UnixMilli(), 10)
		params["recvWindow"] = "10000"
		reqURL := fmt.Sprintf("%s%s?%s", c.baseURL, endpoint, c.signParams(params))

		req, err := http.NewRequest(method, reqURL, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("X-MBX-APIKEY", c.apiKey)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			if attempt < maxRetries {
				log.Debug().Str("endpoint", endpoint).Int("attempt", attempt+1).Err(err).
					Msg("binance request failed, retrying")
				time.Sleep(calculateRetryDelay(attempt))
				continue
			}
			return nil, err
		}

		body, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			return nil, readErr
		}
		c.updateLimiterFromHeaders(resp)

		if resp.StatusCode != http.StatusOK {
			lastErr = fmt.Errorf("API error (%d): %s", resp.StatusCode, string(body))
			if retryableStatus(resp.StatusCode) && attempt < maxRetries {
				rateLimiter.RecordError(resp.StatusCode)
				time.Sleep(calculateRetryDelay(attempt))
				continue
			}
			return nil, lastErr
		}
		return body, nil
	}
	return nil, lastErr
}

func (c *FuturesClientImpl) signedGet(endpoint string, params map[string]string) ([]byte, error) {
	return c.signedRequest(http.MethodGet, endpoint, params)
}

func (c *FuturesClientImpl) signedPost(endpoint string, params map[string]string) ([]byte, error) {
	return c.signedRequest(http.MethodPost, endpoint, params)
}

func (c *FuturesClientImpl) signedDelete(endpoint string, params map[string]string) ([]byte, error) {
	return c.signedRequest(http.MethodDelete, endpoint, params)
}

func (c *FuturesClientImpl) updateLimiterFromHeaders(resp *http.Response) {
	if usedWeight := resp.Header.Get("X-MBX-USED-WEIGHT-1M"); usedWeight != "" {
		if weight, err := strconv.Atoi(usedWeight); err == nil {
			GetRateLimiter().UpdateFromHeaders(weight)
		}
	}
}

func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500
}

func parseFloat(v interface{}) float64 {
	switch t := v.(type) {
	case string:
		f, _ := strconv.ParseFloat(t, 64)
		return f
	case float64:
		return t
	default:
		return 0
	}
}
