package grid

import (
	"errors"
	"fmt"
	"math"

	"github.com/rs/zerolog/log"

	"binance-grid-bot/config"
	"binance-grid-bot/internal/binance"
	"binance-grid-bot/internal/indicators"
	"binance-grid-bot/internal/orders"
)

// ErrInvalidConfiguration is fatal and raised only at setup
var ErrInvalidConfiguration = errors.New("invalid configuration")

const qtyPrecision = 1000 // quantities rounded down to 0.001

// Manager owns the level ladder, the pending-order ledger and the inventory
// for one symbol. It is mutated only by the bar loop, so it carries no lock.
type Manager struct {
	cfg *config.Config

	pivot      float64
	spacingPct float64
	buyLevels  []Level
	sellLevels []Level

	pending map[orders.OrderKey]*PendingOrder

	longLedger  []LedgerEntry // FIFO, keyed by buy level index
	shortLedger []LedgerEntry // FIFO, keyed by sell level index
	inventory   InventoryState

	enabled       bool
	disableReason string
}

// NewManager creates an empty manager; SetupGrid must run before trading
func NewManager(cfg *config.Config) *Manager {
	return &Manager{
		cfg:     cfg,
		pending: make(map[orders.OrderKey]*PendingOrder),
		enabled: true,
	}
}

// SetupGrid computes the level ladder and initializes one placed pending
// order per level.
//
// Spacing starts from the cost-covering floor (min_return + 2*fee), is widened
// to the recent ATR when volatility calls for more room, then scaled by the
// configured multiplier. Levels fan out from the range midpoint and stop at
// the range boundaries.
func (m *Manager) SetupGrid(historicalBars []binance.Kline) error {
	g := m.cfg.Grid
	if g.Support >= g.Resistance {
		return fmt.Errorf("%w: support %.2f must be below resistance %.2f",
			ErrInvalidConfiguration, g.Support, g.Resistance)
	}

	m.pivot = (g.Support + g.Resistance) / 2

	costFloor := (g.MinReturn + 2*g.FeeRate)
	spacing := costFloor
	if atr := indicators.CalculateATR(historicalBars, g.ATRPeriod); atr > 0 && m.pivot > 0 {
		if atrPct := atr / m.pivot; atrPct > spacing {
			spacing = atrPct
		}
	}
	spacing *= g.SpacingMultiplier
	if spacing < costFloor {
		spacing = costFloor
	}

	// Levels fan out from the pivot and cover the half-range when it is wide
	// enough; the spacing floor wins when the range is tight.
	buyStep := math.Max((m.pivot-g.Support)/float64(g.LevelsPerSide), spacing*m.pivot)
	sellStep := math.Max((g.Resistance-m.pivot)/float64(g.LevelsPerSide), spacing*m.pivot)
	m.spacingPct = math.Min(buyStep, sellStep) / m.pivot

	m.buyLevels = m.buyLevels[:0]
	m.sellLevels = m.sellLevels[:0]
	for i := 0; i < g.LevelsPerSide; i++ {
		buyPrice := m.pivot - float64(i+1)*buyStep
		if buyPrice < g.Support-1e-9 {
			break
		}
		m.buyLevels = append(m.buyLevels, Level{Index: i, Side: orders.DirectionBuy, Price: buyPrice})
	}
	for i := 0; i < g.LevelsPerSide; i++ {
		sellPrice := m.pivot + float64(i+1)*sellStep
		if sellPrice > g.Resistance+1e-9 {
			break
		}
		m.sellLevels = append(m.sellLevels, Level{Index: i, Side: orders.DirectionSell, Price: sellPrice})
	}

	if len(m.buyLevels) == 0 || len(m.sellLevels) == 0 {
		return fmt.Errorf("%w: spacing %.4f%% leaves no levels inside [%.2f, %.2f]",
			ErrInvalidConfiguration, spacing*100, g.Support, g.Resistance)
	}

	m.pending = make(map[orders.OrderKey]*PendingOrder)
	for _, lvl := range m.buyLevels {
		m.initPending(orders.OrderKey{Direction: orders.DirectionBuy, LevelIndex: lvl.Index, Leg: orders.LegLong}, lvl.Price)
	}
	for _, lvl := range m.sellLevels {
		m.initPending(orders.OrderKey{Direction: orders.DirectionSell, LevelIndex: lvl.Index, Leg: orders.LegLong}, lvl.Price)
	}
	if g.ShortOverlay {
		for _, lvl := range m.sellLevels {
			m.initPending(orders.OrderKey{Direction: orders.DirectionSell, LevelIndex: lvl.Index, Leg: orders.LegShortOpen}, lvl.Price)
		}
		for _, lvl := range m.buyLevels {
			m.initPending(orders.OrderKey{Direction: orders.DirectionBuy, LevelIndex: lvl.Index, Leg: orders.LegShortCover}, lvl.Price)
		}
	}

	log.Info().
		Str("symbol", g.Symbol).
		Float64("pivot", m.pivot).
		Float64("spacing_pct", spacing*100).
		Int("buy_levels", len(m.buyLevels)).
		Int("sell_levels", len(m.sellLevels)).
		Msg("grid constructed")

	return nil
}

func (m *Manager) initPending(key orders.OrderKey, price float64) {
	m.pending[key] = &PendingOrder{
		Key:            key,
		Price:          price,
		Placed:         true,
		LastCheckedBar: -1,
	}
}

// RegenerateGrid rebuilds the ladder around a new support/resistance range
// (mid-shift). The ledger and inventory survive; pending orders are rebuilt.
func (m *Manager) RegenerateGrid(support, resistance float64, historicalBars []binance.Kline) error {
	m.cfg.Grid.Support = support
	m.cfg.Grid.Resistance = resistance
	return m.SetupGrid(historicalBars)
}

// SpacingPct returns the level-to-level spacing as a fraction of the pivot
func (m *Manager) SpacingPct() float64 {
	return m.spacingPct
}

// BuyLevels returns the buy side of the ladder
func (m *Manager) BuyLevels() []Level {
	return m.buyLevels
}

// SellLevels returns the sell side of the ladder
func (m *Manager) SellLevels() []Level {
	return m.sellLevels
}

// LevelPrice looks up the ladder price for a direction and index
func (m *Manager) LevelPrice(direction orders.Direction, levelIndex int) (float64, bool) {
	levels := m.buyLevels
	if direction == orders.DirectionSell {
		levels = m.sellLevels
	}
	for _, lvl := range levels {
		if lvl.Index == levelIndex {
			return lvl.Price, true
		}
	}
	return 0, false
}

// PairedLevel maps a buy level to its hedge sell level and vice versa.
// Levels pair by index, which guarantees a non-losing spread by construction.
func (m *Manager) PairedLevel(levelIndex int) int {
	return levelIndex
}

// RangePosition places a price inside [support, resistance], clamped to [0,1]
func (m *Manager) RangePosition(price float64) float64 {
	g := m.cfg.Grid
	span := g.Resistance - g.Support
	if span <= 0 {
		return 0.5
	}
	return math.Min(1, math.Max(0, (price-g.Support)/span))
}

// Enabled reports whether the grid is allowed to place orders
func (m *Manager) Enabled() bool {
	return m.enabled
}

// Disable turns off the grid; reconciliation then cancels everything resting
func (m *Manager) Disable(reason string) {
	if m.enabled {
		log.Warn().Str("reason", reason).Msg("grid disabled")
	}
	m.enabled = false
	m.disableReason = reason
}

// Enable re-arms a previously disabled grid
func (m *Manager) Enable() {
	m.enabled = true
	m.disableReason = ""
}

// DisableReason returns why the grid was last disabled
func (m *Manager) DisableReason() string {
	return m.disableReason
}

func roundQty(qty float64) float64 {
	return math.Floor(qty*qtyPrecision) / qtyPrecision
}
