package binance

// ExecutionEngine is the venue surface the reconciliation engine depends on.
// Implemented by FuturesClientImpl (live) and FuturesMockClient (dry-run/tests).
type ExecutionEngine interface {
	// PlaceOrder submits a new order. A response with OrderID == 0 means the
	// venue accepted the request but rejected the order (PlacementRejected).
	PlaceOrder(params FuturesOrderParams) (*FuturesOrderResponse, error)

	// CancelOrder cancels a single resting order
	CancelOrder(symbol string, orderID int64) error

	// CancelAllOrders cancels every open order for the symbol and returns how
	// many were resting before the call
	CancelAllOrders(symbol string) (int, error)

	// GetOpenOrders retrieves all open orders for a symbol
	GetOpenOrders(symbol string) ([]FuturesOrder, error)

	// GetOrderStatus retrieves a specific order. Returns (nil, nil) when the
	// venue no longer knows the order at all.
	GetOrderStatus(symbol string, orderID int64) (*FuturesOrder, error)

	// GetPositions retrieves positions for a symbol
	GetPositions(symbol string) ([]FuturesPosition, error)

	// GetAccountBalance returns the USDT wallet balance
	GetAccountBalance() (float64, error)

	// GetMyTrades retrieves account trades since a millisecond timestamp
	// (0 to ignore), newest last
	GetMyTrades(symbol string, sinceMs int64, limit int) ([]FuturesTrade, error)

	// SetLeverage sets the leverage for a symbol
	SetLeverage(symbol string, leverage int) error

	// GetMarkPrice retrieves the current mark price
	GetMarkPrice(symbol string) (float64, error)

	// GetFundingRate retrieves the latest funding rate
	GetFundingRate(symbol string) (float64, error)
}

// DataSource is the market data surface the strategy depends on
type DataSource interface {
	// GetKlines retrieves up to limit most recent candlesticks
	GetKlines(symbol, interval string, limit int) ([]Kline, error)

	// GetLatestBar retrieves the most recent closed bar, nil when the venue
	// has nothing newer
	GetLatestBar(symbol, interval string) (*Kline, error)
}

// Compile-time interface checks
var (
	_ ExecutionEngine = (*FuturesClientImpl)(nil)
	_ DataSource      = (*FuturesClientImpl)(nil)
	_ ExecutionEngine = (*FuturesMockClient)(nil)
	_ DataSource      = (*FuturesMockClient)(nil)
)
