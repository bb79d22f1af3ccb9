package binance

// ==================== ENUMS ====================

// FuturesOrderType represents order types for futures
type FuturesOrderType string

const (
	FuturesOrderTypeLimit  FuturesOrderType = "LIMIT"
	FuturesOrderTypeMarket FuturesOrderType = "MARKET"
)

// TimeInForce represents order time-in-force options
type TimeInForce string

const (
	TimeInForceGTC TimeInForce = "GTC" // Good Till Cancel
	TimeInForceIOC TimeInForce = "IOC" // Immediate or Cancel
	TimeInForceGTX TimeInForce = "GTX" // Good Till Crossing (Post Only)
)

// FuturesOrderStatus represents order status
type FuturesOrderStatus string

const (
	FuturesOrderStatusNew             FuturesOrderStatus = "NEW"
	FuturesOrderStatusPartiallyFilled FuturesOrderStatus = "PARTIALLY_FILLED"
	FuturesOrderStatusFilled          FuturesOrderStatus = "FILLED"
	FuturesOrderStatusCanceled        FuturesOrderStatus = "CANCELED"
	FuturesOrderStatusExpired         FuturesOrderStatus = "EXPIRED"
)

// IsTerminal reports whether the status can no longer change
func (s FuturesOrderStatus) IsTerminal() bool {
	return s == FuturesOrderStatusFilled || s == FuturesOrderStatusCanceled || s == FuturesOrderStatusExpired
}

// ==================== MARKET DATA ====================

// Kline represents one candlestick
type Kline struct {
	OpenTime  int64
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
	CloseTime int64
}

// MarkPrice represents the mark price response
type MarkPrice struct {
	Symbol          string  `json:"symbol"`
	MarkPrice       float64 `json:"markPrice,string"`
	IndexPrice      float64 `json:"indexPrice,string"`
	LastFundingRate float64 `json:"lastFundingRate,string"`
	NextFundingTime int64   `json:"nextFundingTime"`
	Time            int64   `json:"time"`
}

// FundingRate represents one funding rate record
type FundingRate struct {
	Symbol      string  `json:"symbol"`
	FundingRate float64 `json:"fundingRate,string"`
	FundingTime int64   `json:"fundingTime"`
}

// ==================== ACCOUNT & POSITIONS ====================

// FuturesBalance represents one asset balance from /fapi/v2/balance
type FuturesBalance struct {
	Asset              string  `json:"asset"`
	Balance            float64 `json:"balance,string"`
	CrossWalletBalance float64 `json:"crossWalletBalance,string"`
	AvailableBalance   float64 `json:"availableBalance,string"`
}

// FuturesPosition represents a futures position from the positionRisk endpoint
type FuturesPosition struct {
	Symbol           string  `json:"symbol"`
	PositionAmt      float64 `json:"positionAmt,string"`
	EntryPrice       float64 `json:"entryPrice,string"`
	MarkPrice        float64 `json:"markPrice,string"`
	UnRealizedProfit float64 `json:"unRealizedProfit,string"`
	Leverage         int     `json:"leverage,string"`
	PositionSide     string  `json:"positionSide"`
}

// ==================== ORDERS ====================

// FuturesOrderParams holds parameters for placing a futures order
type FuturesOrderParams struct {
	Symbol           string
	Side             string // BUY or SELL
	Type             FuturesOrderType
	Quantity         float64
	Price            float64
	TimeInForce      TimeInForce
	ReduceOnly       bool
	NewClientOrderID string
}

// FuturesOrderResponse is the venue's acknowledgment of a new order
type FuturesOrderResponse struct {
	OrderID       int64              `json:"orderId"`
	Symbol        string             `json:"symbol"`
	Status        FuturesOrderStatus `json:"status"`
	ClientOrderID string             `json:"clientOrderId"`
	Price         float64            `json:"price,string"`
	OrigQty       float64            `json:"origQty,string"`
	ExecutedQty   float64            `json:"executedQty,string"`
	Side          string             `json:"side"`
	UpdateTime    int64              `json:"updateTime"`
}

// FuturesOrder represents an order as reported by the venue
type FuturesOrder struct {
	OrderID       int64              `json:"orderId"`
	Symbol        string             `json:"symbol"`
	Status        FuturesOrderStatus `json:"status"`
	ClientOrderID string             `json:"clientOrderId"`
	Price         float64            `json:"price,string"`
	AvgPrice      float64            `json:"avgPrice,string"`
	OrigQty       float64            `json:"origQty,string"`
	ExecutedQty   float64            `json:"executedQty,string"`
	Side          string             `json:"side"`
	Type          string             `json:"type"`
	Time          int64              `json:"time"`
	UpdateTime    int64              `json:"updateTime"`
}

// FuturesTrade represents one account trade (fill)
type FuturesTrade struct {
	ID            int64   `json:"id"`
	OrderID       int64   `json:"orderId"`
	Symbol        string  `json:"symbol"`
	Side          string  `json:"side"`
	Price         float64 `json:"price,string"`
	Qty           float64 `json:"qty,string"`
	RealizedPnl   float64 `json:"realizedPnl,string"`
	Commission    float64 `json:"commission,string"`
	Time          int64   `json:"time"`
	Buyer         bool    `json:"buyer"`
	Maker         bool    `json:"maker"`
}

// LeverageResponse is the response to a leverage change
type LeverageResponse struct {
	Leverage         int     `json:"leverage"`
	MaxNotionalValue string  `json:"maxNotionalValue"`
	Symbol           string  `json:"symbol"`
}
