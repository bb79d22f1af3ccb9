// Package grid owns the grid level ladder, the pending-order ledger, order
// sizing under risk factors, and inventory/PnL tracking for one symbol.
package grid

import (
	"binance-grid-bot/internal/orders"
)

// Level is one fixed price at which a resting limit order is intended.
// Levels are immutable once computed for a session and regenerated only on a
// support/resistance or regime change.
type Level struct {
	Index int
	Side  orders.Direction
	Price float64
}

// PendingOrder is one logical grid slot. There is at most one per order key.
//
// Placed is a reversible enable flag (active-level filtering toggles it);
// Triggered marks "already fired this resting instance, awaiting fill or
// refresh" and blocks re-triggering until explicitly reset.
type PendingOrder struct {
	Key            orders.OrderKey
	Price          float64
	Placed         bool
	Triggered      bool
	LastCheckedBar int // -1 when never checked
}

// LedgerEntry records one open lot acquired at a grid level
type LedgerEntry struct {
	LevelIndex      int
	Size            float64
	EntryPrice      float64
	TargetPairLevel int
}

// InventoryState is the derived aggregate over ledger entries
type InventoryState struct {
	LongExposure  float64
	ShortExposure float64
	RealizedPnl   float64
}

// ThrottleDecision is the result of composing the independent risk factors.
// A zero multiplier means the order is suppressed, not cancelled.
type ThrottleDecision struct {
	SizeMultiplier float64
	Reason         string
}

// Suppressed reports whether the decision blocks the order entirely
func (d ThrottleDecision) Suppressed() bool {
	return d.SizeMultiplier <= 0
}

// FactorInputs is the per-bar market/portfolio snapshot the sizing factors
// consume. The coordinator assembles it once per bar.
type FactorInputs struct {
	Price       float64
	Equity      float64
	DailyPnl    float64
	HoldingsBtc float64
	RangePos    float64 // (price - support) / (resistance - support), clamped to [0,1]
	ATRPct      float64 // ATR / price
	RealizedVol float64 // stddev of close-to-close returns
	EMAFast     float64
	EMASlow     float64
	RSI         float64 // 0 means unknown
	FundingRate float64
}

// MatchResult is the outcome of pairing a sell fill against the ledger
type MatchResult struct {
	BuyLevelIndex int
	BuyPrice      float64
	MatchedSize   float64
}
