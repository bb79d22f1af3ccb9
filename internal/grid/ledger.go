package grid

import (
	"github.com/rs/zerolog/log"
)

const dustSize = 1e-9

// RecordBuy stores an open long lot acquired at a grid level
func (m *Manager) RecordBuy(levelIndex int, size, entryPrice float64) {
	m.longLedger = append(m.longLedger, LedgerEntry{
		LevelIndex:      levelIndex,
		Size:            size,
		EntryPrice:      entryPrice,
		TargetPairLevel: m.PairedLevel(levelIndex),
	})
	m.inventory.LongExposure += size

	log.Debug().
		Int("level", levelIndex).
		Float64("size", size).
		Float64("entry", entryPrice).
		Float64("long_exposure", m.inventory.LongExposure).
		Msg("ledger buy recorded")
}

// RecordShortOpen stores an open short lot from the short overlay
func (m *Manager) RecordShortOpen(levelIndex int, size, entryPrice float64) {
	m.shortLedger = append(m.shortLedger, LedgerEntry{
		LevelIndex:      levelIndex,
		Size:            size,
		EntryPrice:      entryPrice,
		TargetPairLevel: m.PairedLevel(levelIndex),
	})
	m.inventory.ShortExposure += size
}

// MatchSellOrder pairs a sell fill against the long ledger.
//
// The entry whose target pair is the filled sell level is consumed first
// (grid pairing); when it is missing or too small the remainder is taken
// FIFO across the other entries. Consumed entries are mutated or removed.
// Returns nil when the ledger holds no long inventory at all.
func (m *Manager) MatchSellOrder(sellLevelIndex int, sellSize float64) *MatchResult {
	if m.inventory.LongExposure <= 0 || len(m.longLedger) == 0 {
		return nil
	}

	result := &MatchResult{BuyLevelIndex: -1}
	remaining := sellSize

	// Same-level pairing first
	for i := range m.longLedger {
		if m.longLedger[i].TargetPairLevel != sellLevelIndex {
			continue
		}
		remaining = m.consumeLong(i, remaining, result)
		break
	}

	// FIFO for whatever is left
	for i := 0; i < len(m.longLedger) && remaining > dustSize; {
		if m.longLedger[i].Size <= dustSize {
			i++
			continue
		}
		remaining = m.consumeLong(i, remaining, result)
		if m.longLedger[i].Size > dustSize {
			i++
		}
	}
	m.compactLong()

	if result.MatchedSize <= dustSize {
		return nil
	}

	log.Debug().
		Int("sell_level", sellLevelIndex).
		Int("buy_level", result.BuyLevelIndex).
		Float64("matched", result.MatchedSize).
		Float64("long_exposure", m.inventory.LongExposure).
		Msg("sell fill matched")

	return result
}

// consumeLong takes up to want from entry i and folds it into result.
// The first consumed entry defines the reported buy level and a size-weighted
// average defines the reported buy price.
func (m *Manager) consumeLong(i int, want float64, result *MatchResult) float64 {
	entry := &m.longLedger[i]
	take := want
	if entry.Size < take {
		take = entry.Size
	}
	if take <= dustSize {
		return want
	}

	if result.MatchedSize == 0 {
		result.BuyLevelIndex = entry.LevelIndex
		result.BuyPrice = entry.EntryPrice
	} else {
		total := result.MatchedSize + take
		result.BuyPrice = (result.BuyPrice*result.MatchedSize + entry.EntryPrice*take) / total
	}
	result.MatchedSize += take

	entry.Size -= take
	m.inventory.LongExposure -= take
	if m.inventory.LongExposure < 0 {
		m.inventory.LongExposure = 0
	}
	return want - take
}

func (m *Manager) compactLong() {
	kept := m.longLedger[:0]
	for _, e := range m.longLedger {
		if e.Size > dustSize {
			kept = append(kept, e)
		}
	}
	m.longLedger = kept
}

// MatchShortCover consumes short ledger entries against a cover fill,
// same-level first then FIFO.
func (m *Manager) MatchShortCover(coverLevelIndex int, coverSize float64) *MatchResult {
	if m.inventory.ShortExposure <= 0 || len(m.shortLedger) == 0 {
		return nil
	}

	result := &MatchResult{BuyLevelIndex: -1}
	remaining := coverSize

	for i := range m.shortLedger {
		if m.shortLedger[i].TargetPairLevel != coverLevelIndex {
			continue
		}
		remaining = m.consumeShort(i, remaining, result)
		break
	}
	for i := 0; i < len(m.shortLedger) && remaining > dustSize; {
		if m.shortLedger[i].Size <= dustSize {
			i++
			continue
		}
		remaining = m.consumeShort(i, remaining, result)
		if m.shortLedger[i].Size > dustSize {
			i++
		}
	}

	kept := m.shortLedger[:0]
	for _, e := range m.shortLedger {
		if e.Size > dustSize {
			kept = append(kept, e)
		}
	}
	m.shortLedger = kept

	if result.MatchedSize <= dustSize {
		return nil
	}
	return result
}

func (m *Manager) consumeShort(i int, want float64, result *MatchResult) float64 {
	entry := &m.shortLedger[i]
	take := want
	if entry.Size < take {
		take = entry.Size
	}
	if take <= dustSize {
		return want
	}

	if result.MatchedSize == 0 {
		result.BuyLevelIndex = entry.LevelIndex
		result.BuyPrice = entry.EntryPrice
	} else {
		total := result.MatchedSize + take
		result.BuyPrice = (result.BuyPrice*result.MatchedSize + entry.EntryPrice*take) / total
	}
	result.MatchedSize += take

	entry.Size -= take
	m.inventory.ShortExposure -= take
	if m.inventory.ShortExposure < 0 {
		m.inventory.ShortExposure = 0
	}
	return want - take
}

// AddRealizedPnl folds a settled spread into the running realized total
func (m *Manager) AddRealizedPnl(delta float64) {
	m.inventory.RealizedPnl += delta
}

// Inventory returns the derived aggregate over ledger entries
func (m *Manager) Inventory() InventoryState {
	return m.inventory
}

// AvgCost returns the size-weighted average entry price of the long ledger,
// or 0 when the ledger is empty.
func (m *Manager) AvgCost() float64 {
	totalSize := 0.0
	totalCost := 0.0
	for _, e := range m.longLedger {
		totalSize += e.Size
		totalCost += e.Size * e.EntryPrice
	}
	if totalSize <= dustSize {
		return 0
	}
	return totalCost / totalSize
}

// LedgerEntries returns a copy of the long ledger for reporting
func (m *Manager) LedgerEntries() []LedgerEntry {
	out := make([]LedgerEntry, len(m.longLedger))
	copy(out, m.longLedger)
	return out
}

// SeedLedger replaces the long ledger with a single lot at the given price.
// Used at bootstrap to adopt a venue position found on startup; seeding at
// mark price assumes zero unrealized PnL at seed time.
func (m *Manager) SeedLedger(size, markPrice float64) {
	m.longLedger = m.longLedger[:0]
	m.inventory.LongExposure = 0
	if size <= dustSize {
		return
	}

	levelIndex := m.nearestLevelIndex(m.buyLevels, markPrice)
	m.longLedger = append(m.longLedger, LedgerEntry{
		LevelIndex:      levelIndex,
		Size:            size,
		EntryPrice:      markPrice,
		TargetPairLevel: m.PairedLevel(levelIndex),
	})
	m.inventory.LongExposure = size

	log.Info().
		Float64("size", size).
		Float64("mark_price", markPrice).
		Int("level", levelIndex).
		Msg("ledger seeded from venue position")
}

// GrossNotional returns total open exposure in quote terms at the given price
func (m *Manager) GrossNotional(price float64) float64 {
	return (m.inventory.LongExposure + m.inventory.ShortExposure) * price
}
