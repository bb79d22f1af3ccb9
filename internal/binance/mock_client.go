package binance

import (
	"fmt"
	"sync"
	"time"
)

// FuturesMockClient implements ExecutionEngine and DataSource in-memory for
// dry-run mode and tests.
type FuturesMockClient struct {
	mu          sync.RWMutex
	orders      map[int64]*FuturesOrder
	vanished    map[int64]bool // orders dropped from venue history entirely
	positions   map[string]*FuturesPosition
	trades      []FuturesTrade
	klines      map[string][]Kline
	leverage    map[string]int
	balance     float64
	markPrice   float64
	fundingRate float64
	nextOrderID int64
	nextTradeID int64

	// Failure injection
	failNext   map[string]error // method name -> error returned once
	rejectNext bool             // next PlaceOrder acks with OrderID 0
}

// NewFuturesMockClient creates a mock venue with the given balance
func NewFuturesMockClient(initialBalance float64) *FuturesMockClient {
	return &FuturesMockClient{
		orders:      make(map[int64]*FuturesOrder),
		vanished:    make(map[int64]bool),
		positions:   make(map[string]*FuturesPosition),
		klines:      make(map[string][]Kline),
		leverage:    make(map[string]int),
		balance:     initialBalance,
		nextOrderID: 1000,
		nextTradeID: 1000,
		failNext:    make(map[string]error),
	}
}

// ==================== FAILURE INJECTION ====================

// FailNext makes the named method return err on its next call
func (c *FuturesMockClient) FailNext(method string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failNext[method] = err
}

// RejectNextOrder makes the next PlaceOrder return an ack without an order id
func (c *FuturesMockClient) RejectNextOrder() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rejectNext = true
}

func (c *FuturesMockClient) takeFailure(method string) error {
	if err, ok := c.failNext[method]; ok {
		delete(c.failNext, method)
		return err
	}
	return nil
}

// ==================== TEST DRIVERS ====================

// SetMarkPrice sets the simulated mark price
func (c *FuturesMockClient) SetMarkPrice(p float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.markPrice = p
}

// SetFundingRate sets the simulated funding rate
func (c *FuturesMockClient) SetFundingRate(r float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fundingRate = r
}

// SetKlines seeds candles for a symbol/interval
func (c *FuturesMockClient) SetKlines(symbol, interval string, klines []Kline) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.klines[symbol+":"+interval] = klines
}

// SetPosition seeds a venue-side position
func (c *FuturesMockClient) SetPosition(symbol string, amt, entryPrice float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.positions[symbol] = &FuturesPosition{
		Symbol:      symbol,
		PositionAmt: amt,
		EntryPrice:  entryPrice,
		MarkPrice:   c.markPrice,
	}
}

// FillOrder marks a resting order as fully filled and records the trade
func (c *FuturesMockClient) FillOrder(orderID int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	order, ok := c.orders[orderID]
	if !ok {
		return fmt.Errorf("mock: order %d not found", orderID)
	}
	order.Status = FuturesOrderStatusFilled
	order.ExecutedQty = order.OrigQty
	order.AvgPrice = order.Price
	order.UpdateTime = time.Now().UnixMilli()

	c.nextTradeID++
	c.trades = append(c.trades, FuturesTrade{
		ID:      c.nextTradeID,
		OrderID: orderID,
		Symbol:  order.Symbol,
		Side:    order.Side,
		Price:   order.Price,
		Qty:     order.OrigQty,
		Time:    order.UpdateTime,
	})

	pos := c.positions[order.Symbol]
	if pos == nil {
		pos = &FuturesPosition{Symbol: order.Symbol}
		c.positions[order.Symbol] = pos
	}
	delta := order.OrigQty
	if order.Side == "SELL" {
		delta = -delta
	}
	pos.PositionAmt += delta
	return nil
}

// CancelOrderPartially cancels a resting order after part of it executed,
// the way a manual cancel racing a fill lands: terminal CANCELED status with
// a nonzero executed quantity.
func (c *FuturesMockClient) CancelOrderPartially(orderID int64, executedQty float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	order, ok := c.orders[orderID]
	if !ok || order.Status.IsTerminal() {
		return fmt.Errorf("mock: order %d not open", orderID)
	}
	if executedQty > order.OrigQty {
		executedQty = order.OrigQty
	}
	order.Status = FuturesOrderStatusCanceled
	order.ExecutedQty = executedQty
	order.AvgPrice = order.Price
	order.UpdateTime = time.Now().UnixMilli()

	c.nextTradeID++
	c.trades = append(c.trades, FuturesTrade{
		ID:      c.nextTradeID,
		OrderID: orderID,
		Symbol:  order.Symbol,
		Side:    order.Side,
		Price:   order.Price,
		Qty:     executedQty,
		Time:    order.UpdateTime,
	})

	pos := c.positions[order.Symbol]
	if pos == nil {
		pos = &FuturesPosition{Symbol: order.Symbol}
		c.positions[order.Symbol] = pos
	}
	delta := executedQty
	if order.Side == "SELL" {
		delta = -delta
	}
	pos.PositionAmt += delta
	return nil
}

// VanishOrder removes an order from venue history entirely, so a later
// status lookup answers "does not exist"
func (c *FuturesMockClient) VanishOrder(orderID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.orders, orderID)
	c.vanished[orderID] = true
}

// PlacedOrders returns all orders the venue has seen, resting or not
func (c *FuturesMockClient) PlacedOrders() []FuturesOrder {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]FuturesOrder, 0, len(c.orders))
	for _, o := range c.orders {
		out = append(out, *o)
	}
	return out
}

// ==================== ExecutionEngine ====================

func (c *FuturesMockClient) PlaceOrder(params FuturesOrderParams) (*FuturesOrderResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.takeFailure("PlaceOrder"); err != nil {
		return nil, err
	}
	if c.rejectNext {
		c.rejectNext = false
		return &FuturesOrderResponse{Symbol: params.Symbol}, nil
	}

	for _, o := range c.orders {
		if o.ClientOrderID != "" && o.ClientOrderID == params.NewClientOrderID {
			return nil, fmt.Errorf("mock: duplicate client order id %s", params.NewClientOrderID)
		}
	}

	c.nextOrderID++
	order := &FuturesOrder{
		OrderID:       c.nextOrderID,
		Symbol:        params.Symbol,
		Status:        FuturesOrderStatusNew,
		ClientOrderID: params.NewClientOrderID,
		Price:         params.Price,
		OrigQty:       params.Quantity,
		Side:          params.Side,
		Type:          string(params.Type),
		Time:          time.Now().UnixMilli(),
	}
	c.orders[order.OrderID] = order

	return &FuturesOrderResponse{
		OrderID:       order.OrderID,
		Symbol:        order.Symbol,
		Status:        order.Status,
		ClientOrderID: order.ClientOrderID,
		Price:         order.Price,
		OrigQty:       order.OrigQty,
		Side:          order.Side,
	}, nil
}

func (c *FuturesMockClient) CancelOrder(symbol string, orderID int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.takeFailure("CancelOrder"); err != nil {
		return err
	}
	order, ok := c.orders[orderID]
	if !ok || order.Status.IsTerminal() {
		return fmt.Errorf("mock: order %d not open", orderID)
	}
	order.Status = FuturesOrderStatusCanceled
	order.UpdateTime = time.Now().UnixMilli()
	return nil
}

func (c *FuturesMockClient) CancelAllOrders(symbol string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.takeFailure("CancelAllOrders"); err != nil {
		return 0, err
	}
	count := 0
	for _, o := range c.orders {
		if o.Symbol == symbol && !o.Status.IsTerminal() {
			o.Status = FuturesOrderStatusCanceled
			count++
		}
	}
	return count, nil
}

func (c *FuturesMockClient) GetOpenOrders(symbol string) ([]FuturesOrder, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.takeFailure("GetOpenOrders"); err != nil {
		return nil, err
	}
	var open []FuturesOrder
	for _, o := range c.orders {
		if o.Symbol == symbol && !o.Status.IsTerminal() {
			open = append(open, *o)
		}
	}
	return open, nil
}

func (c *FuturesMockClient) GetOrderStatus(symbol string, orderID int64) (*FuturesOrder, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.takeFailure("GetOrderStatus"); err != nil {
		return nil, err
	}
	if c.vanished[orderID] {
		return nil, nil
	}
	order, ok := c.orders[orderID]
	if !ok {
		return nil, nil
	}
	copied := *order
	return &copied, nil
}

func (c *FuturesMockClient) GetPositions(symbol string) ([]FuturesPosition, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.takeFailure("GetPositions"); err != nil {
		return nil, err
	}
	if pos, ok := c.positions[symbol]; ok {
		return []FuturesPosition{*pos}, nil
	}
	return []FuturesPosition{{Symbol: symbol}}, nil
}

func (c *FuturesMockClient) GetAccountBalance() (float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.takeFailure("GetAccountBalance"); err != nil {
		return 0, err
	}
	return c.balance, nil
}

func (c *FuturesMockClient) GetMyTrades(symbol string, sinceMs int64, limit int) ([]FuturesTrade, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.takeFailure("GetMyTrades"); err != nil {
		return nil, err
	}
	var out []FuturesTrade
	for _, t := range c.trades {
		if t.Symbol == symbol && (sinceMs == 0 || t.Time > sinceMs) {
			out = append(out, t)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (c *FuturesMockClient) SetLeverage(symbol string, leverage int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.leverage[symbol] = leverage
	return nil
}

func (c *FuturesMockClient) GetMarkPrice(symbol string) (float64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.markPrice, nil
}

func (c *FuturesMockClient) GetFundingRate(symbol string) (float64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.fundingRate, nil
}

// ==================== DataSource ====================

func (c *FuturesMockClient) GetKlines(symbol, interval string, limit int) ([]Kline, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.takeFailure("GetKlines"); err != nil {
		return nil, err
	}
	klines := c.klines[symbol+":"+interval]
	if limit > 0 && len(klines) > limit {
		klines = klines[len(klines)-limit:]
	}
	out := make([]Kline, len(klines))
	copy(out, klines)
	return out, nil
}

func (c *FuturesMockClient) GetLatestBar(symbol, interval string) (*Kline, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.takeFailure("GetLatestBar"); err != nil {
		return nil, err
	}
	klines := c.klines[symbol+":"+interval]
	if len(klines) == 0 {
		return nil, nil
	}
	last := klines[len(klines)-1]
	return &last, nil
}
