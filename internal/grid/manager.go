package grid

import (
	"math"
	"sort"

	"github.com/rs/zerolog/log"

	"binance-grid-bot/internal/orders"
)

// CheckTrigger scans placed, untriggered pending orders and returns the one
// whose price was touched by the bar, or nil.
//
// Touch rule: [barLow, barHigh] contains the order price. When several orders
// touch, the one closest to the current price wins. At most one order is
// returned per call; callers loop up to max_fills_per_bar. A SELL trigger
// additionally requires long exposure (a short cover requires short exposure);
// without inventory the order stays untriggered so it can fire later.
//
// The returned order is marked triggered and will not fire again until
// ResetTriggeredOrders or a fill refreshes it.
func (m *Manager) CheckTrigger(currentPrice, prevPrice, barHigh, barLow float64, barIndex int) *PendingOrder {
	if !m.enabled {
		return nil
	}

	var best *PendingOrder
	bestDist := math.MaxFloat64

	for _, po := range m.sortedPending() {
		if !po.Placed || po.Triggered {
			continue
		}
		if po.Price < barLow || po.Price > barHigh {
			continue
		}
		if !m.eligibleForTrigger(po.Key) {
			continue
		}
		if dist := math.Abs(po.Price - currentPrice); dist < bestDist {
			best = po
			bestDist = dist
		}
	}

	if best == nil {
		return nil
	}

	best.Triggered = true
	best.LastCheckedBar = barIndex

	log.Debug().
		Str("side", string(best.Key.Direction)).
		Int("level", best.Key.LevelIndex).
		Str("leg", string(best.Key.Leg)).
		Float64("price", best.Price).
		Int("bar", barIndex).
		Msg("grid level touched")

	return best
}

// eligibleForTrigger enforces the inventory preconditions per leg
func (m *Manager) eligibleForTrigger(key orders.OrderKey) bool {
	switch key.Leg {
	case orders.LegLong:
		if key.Direction == orders.DirectionSell {
			return m.inventory.LongExposure > 0
		}
		return true
	case orders.LegShortOpen:
		return true
	case orders.LegShortCover:
		return m.inventory.ShortExposure > 0
	}
	return false
}

// ResetTriggeredOrders re-arms every triggered order whose fill attempt did
// not complete downstream (zero size, safety cap, rejection), so the same
// price touch can fire again on a later bar.
func (m *Manager) ResetTriggeredOrders() {
	for _, po := range m.pending {
		po.Triggered = false
	}
}

// ResetTrigger re-arms a single order key
func (m *Manager) ResetTrigger(key orders.OrderKey) {
	if po, ok := m.pending[key]; ok {
		po.Triggered = false
	}
}

// Pending returns the pending order at key, or nil
func (m *Manager) Pending(key orders.OrderKey) *PendingOrder {
	return m.pending[key]
}

// PlacedPending snapshots every placed pending order in deterministic order.
// This is the raw material of the desired resting-order set.
func (m *Manager) PlacedPending() []PendingOrder {
	out := make([]PendingOrder, 0, len(m.pending))
	for _, po := range m.sortedPending() {
		if po.Placed {
			out = append(out, *po)
		}
	}
	return out
}

// RemovePending drops a consumed slot (its order filled)
func (m *Manager) RemovePending(key orders.OrderKey) {
	delete(m.pending, key)
}

// PlacePending creates or refreshes a slot at the given price with a clean
// trigger state.
func (m *Manager) PlacePending(key orders.OrderKey, price float64) {
	m.pending[key] = &PendingOrder{
		Key:            key,
		Price:          price,
		Placed:         true,
		LastCheckedBar: -1,
	}
}

// ApplyActiveBand keeps only the levels nearest the current price enabled.
// A zero band leaves every level armed. Disabling is reversible: the slot
// and its trigger state survive, only Placed flips.
func (m *Manager) ApplyActiveBand(currentPrice float64) {
	band := m.cfg.Grid.ActiveLevelBand
	if band <= 0 {
		return
	}

	nearestBuy := m.nearestLevelIndex(m.buyLevels, currentPrice)
	nearestSell := m.nearestLevelIndex(m.sellLevels, currentPrice)

	for _, po := range m.pending {
		var nearest int
		if po.Key.Direction == orders.DirectionBuy {
			nearest = nearestBuy
		} else {
			nearest = nearestSell
		}
		po.Placed = abs(po.Key.LevelIndex-nearest) < band
	}
}

func (m *Manager) nearestLevelIndex(levels []Level, price float64) int {
	nearest := 0
	bestDist := math.MaxFloat64
	for _, lvl := range levels {
		if d := math.Abs(lvl.Price - price); d < bestDist {
			nearest = lvl.Index
			bestDist = d
		}
	}
	return nearest
}

// sortedPending returns the pending orders in a stable order: buys before
// sells, shallow levels first, long leg before the short overlay.
func (m *Manager) sortedPending() []*PendingOrder {
	out := make([]*PendingOrder, 0, len(m.pending))
	for _, po := range m.pending {
		out = append(out, po)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Key, out[j].Key
		if a.Direction != b.Direction {
			return a.Direction == orders.DirectionBuy
		}
		if a.LevelIndex != b.LevelIndex {
			return a.LevelIndex < b.LevelIndex
		}
		return a.Leg < b.Leg
	})
	return out
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
