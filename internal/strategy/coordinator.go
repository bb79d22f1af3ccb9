// Package strategy turns market bars into order intents and fills into
// ledger updates, driving the grid manager one bar at a time.
package strategy

import (
	"github.com/rs/zerolog/log"

	"binance-grid-bot/config"
	"binance-grid-bot/internal/binance"
	"binance-grid-bot/internal/events"
	"binance-grid-bot/internal/grid"
	"binance-grid-bot/internal/orders"
)

// Signal is an order intent emitted by OnData. In live mode only risk
// signals come out this way; ordinary grid orders rest on the venue and
// their fills arrive asynchronously through reconciliation.
type Signal struct {
	Key    orders.OrderKey
	Price  float64
	Size   float64
	Reason string
}

// Fill is one executed order routed into OnOrderFilled
type Fill struct {
	Key     orders.OrderKey
	Price   float64
	Size    float64
	Time    int64
	Phantom bool // synthesized from a vanished venue order
}

// Coordinator is the per-bar event handler. It owns no state beyond the
// grid manager it drives and is called only from the bar loop.
type Coordinator struct {
	cfg  *config.Config
	mgr  *grid.Manager
	bus  *events.EventBus
	live bool
}

// NewCoordinator wires the coordinator to its grid manager.
// live=false means simulated fills: a trigger is treated as an execution.
func NewCoordinator(cfg *config.Config, mgr *grid.Manager, bus *events.EventBus, live bool) *Coordinator {
	return &Coordinator{cfg: cfg, mgr: mgr, bus: bus, live: live}
}

// Manager exposes the driven grid manager
func (c *Coordinator) Manager() *grid.Manager {
	return c.mgr
}

// OnData processes one closed bar.
//
// In simulated mode, price touches become immediate fills. In live mode the
// resting venue orders do the triggering, so this only emits risk signals
// (forced deleverage, emergency short stop). Triggered orders that did not
// turn into a placed or filled order this bar are re-armed before returning.
func (c *Coordinator) OnData(barIndex int, bar binance.Kline, in grid.FactorInputs) []Signal {
	if !c.mgr.Enabled() {
		return nil
	}

	c.mgr.ApplyActiveBand(bar.Close)

	var signals []Signal
	if sig := c.forcedDeleverageSignal(in); sig != nil {
		signals = append(signals, *sig)
	}
	if sig := c.shortStopSignal(in); sig != nil {
		signals = append(signals, *sig)
	}

	if !c.live {
		c.simulateFills(barIndex, bar, in)
	}

	// Anything still marked triggered did not complete this bar
	c.mgr.ResetTriggeredOrders()

	return signals
}

// simulateFills loops price-touch triggers into immediate executions,
// bounded by max_fills_per_bar.
func (c *Coordinator) simulateFills(barIndex int, bar binance.Kline, in grid.FactorInputs) {
	prevPrice := bar.Open
	for i := 0; i < c.cfg.Grid.MaxFillsPerBar; i++ {
		trigger := c.mgr.CheckTrigger(bar.Close, prevPrice, bar.High, bar.Low, barIndex)
		if trigger == nil {
			return
		}

		size, decision := c.mgr.CalculateOrderSize(trigger.Key.Direction, trigger.Key.LevelIndex, trigger.Price, in)
		if size <= 0 {
			log.Debug().
				Str("side", string(trigger.Key.Direction)).
				Int("level", trigger.Key.LevelIndex).
				Str("reason", decision.Reason).
				Msg("triggered order suppressed")
			if c.bus != nil {
				c.bus.PublishSizeSuppressed(c.cfg.Grid.Symbol, string(trigger.Key.Direction), trigger.Key.LevelIndex, decision.Reason)
			}
			continue
		}

		c.OnOrderFilled(Fill{
			Key:   trigger.Key,
			Price: trigger.Price,
			Size:  size,
			Time:  bar.CloseTime,
		})
	}
}

// OnOrderFilled applies one fill to the ledger and re-arms the grid.
//
// A buy fill at level i yields a sell hedge at the paired sell level AND a
// fresh buy at level i, so the buy side is always resting regardless of the
// hedge's fate. A sell fill consumes ledger inventory, books the realized
// spread and re-opens the paired buy level.
func (c *Coordinator) OnOrderFilled(fill Fill) {
	switch {
	case fill.Key.Leg == orders.LegLong && fill.Key.Direction == orders.DirectionBuy:
		c.onBuyFilled(fill)
	case fill.Key.Leg == orders.LegLong && fill.Key.Direction == orders.DirectionSell:
		c.onSellFilled(fill)
	case fill.Key.Leg == orders.LegShortOpen:
		c.onShortOpenFilled(fill)
	case fill.Key.Leg == orders.LegShortCover:
		c.onShortCoverFilled(fill)
	}

	// Orders cancelled or skipped mid-processing can re-arm next bar
	c.mgr.ResetTriggeredOrders()

	if c.bus != nil {
		c.bus.PublishOrderFilled(c.cfg.Grid.Symbol, "", string(fill.Key.Direction), fill.Price, fill.Size, fill.Phantom)
	}
}

// OnSignalFilled books a market-executed risk signal against the ledger.
// Signal orders never owned a resting grid slot, so the pending book stays
// untouched and no re-entry is armed: a forced deleverage that immediately
// re-bought (or a short stop that re-shorted) would defeat its own purpose.
func (c *Coordinator) OnSignalFilled(fill Fill, reason string) {
	var pnl float64
	switch {
	case fill.Key.Direction == orders.DirectionSell && fill.Key.Leg == orders.LegLong:
		match := c.mgr.MatchSellOrder(fill.Key.LevelIndex, fill.Size)
		if match == nil {
			log.Warn().Str("reason", reason).Msg("signal fill with no matching inventory")
			return
		}
		fee := c.cfg.Grid.FeeRate * (fill.Price + match.BuyPrice) * match.MatchedSize
		pnl = (fill.Price-match.BuyPrice)*match.MatchedSize - fee
	case fill.Key.Leg == orders.LegShortCover:
		match := c.mgr.MatchShortCover(fill.Key.LevelIndex, fill.Size)
		if match == nil {
			log.Warn().Str("reason", reason).Msg("signal cover with no short inventory")
			return
		}
		fee := c.cfg.Grid.FeeRate * (fill.Price + match.BuyPrice) * match.MatchedSize
		pnl = (match.BuyPrice-fill.Price)*match.MatchedSize - fee
	default:
		log.Warn().Str("reason", reason).Msg("signal fill with unexpected key, ignoring")
		return
	}
	c.mgr.AddRealizedPnl(pnl)

	log.Info().
		Str("reason", reason).
		Float64("price", fill.Price).
		Float64("size", fill.Size).
		Float64("pnl", pnl).
		Msg("risk signal executed")

	if c.bus != nil {
		c.bus.PublishOrderFilled(c.cfg.Grid.Symbol, "", string(fill.Key.Direction), fill.Price, fill.Size, false)
	}
}

func (c *Coordinator) onBuyFilled(fill Fill) {
	level := fill.Key.LevelIndex
	c.mgr.RecordBuy(level, fill.Size, fill.Price)

	pairedLevel := c.mgr.PairedLevel(level)
	sellKey := orders.OrderKey{Direction: orders.DirectionSell, LevelIndex: pairedLevel, Leg: orders.LegLong}
	if sellPrice, ok := c.mgr.LevelPrice(orders.DirectionSell, pairedLevel); ok {
		c.mgr.PlacePending(sellKey, sellPrice)
	}

	// Fresh buy at the same level, independent of the hedge
	c.mgr.PlacePending(fill.Key, fill.Price)

	log.Info().
		Int("level", level).
		Float64("price", fill.Price).
		Float64("size", fill.Size).
		Int("hedge_level", pairedLevel).
		Msg("buy filled, hedge and re-entry armed")
}

func (c *Coordinator) onSellFilled(fill Fill) {
	level := fill.Key.LevelIndex
	match := c.mgr.MatchSellOrder(level, fill.Size)
	if match == nil {
		log.Warn().
			Int("level", level).
			Float64("size", fill.Size).
			Msg("sell fill with no matching inventory")
		c.mgr.RemovePending(fill.Key)
		return
	}

	fee := c.cfg.Grid.FeeRate * (fill.Price + match.BuyPrice) * match.MatchedSize
	pnl := (fill.Price-match.BuyPrice)*match.MatchedSize - fee
	c.mgr.AddRealizedPnl(pnl)

	c.mgr.RemovePending(fill.Key)

	// Re-open the buy level this sell was paired against
	buyKey := orders.OrderKey{Direction: orders.DirectionBuy, LevelIndex: match.BuyLevelIndex, Leg: orders.LegLong}
	if buyPrice, ok := c.mgr.LevelPrice(orders.DirectionBuy, match.BuyLevelIndex); ok {
		c.mgr.PlacePending(buyKey, buyPrice)
	}

	log.Info().
		Int("level", level).
		Float64("price", fill.Price).
		Float64("size", match.MatchedSize).
		Float64("pnl", pnl).
		Int("reentry_level", match.BuyLevelIndex).
		Msg("sell filled, spread realized")
}

func (c *Coordinator) onShortOpenFilled(fill Fill) {
	level := fill.Key.LevelIndex
	c.mgr.RecordShortOpen(level, fill.Size, fill.Price)

	coverLevel := c.mgr.PairedLevel(level)
	coverKey := orders.OrderKey{Direction: orders.DirectionBuy, LevelIndex: coverLevel, Leg: orders.LegShortCover}
	if coverPrice, ok := c.mgr.LevelPrice(orders.DirectionBuy, coverLevel); ok {
		c.mgr.PlacePending(coverKey, coverPrice)
	}
	c.mgr.PlacePending(fill.Key, fill.Price)

	log.Info().
		Int("level", level).
		Float64("price", fill.Price).
		Float64("size", fill.Size).
		Msg("short opened, cover armed")
}

func (c *Coordinator) onShortCoverFilled(fill Fill) {
	level := fill.Key.LevelIndex
	match := c.mgr.MatchShortCover(level, fill.Size)
	if match == nil {
		log.Warn().Int("level", level).Msg("short cover fill with no short inventory")
		c.mgr.RemovePending(fill.Key)
		return
	}

	fee := c.cfg.Grid.FeeRate * (fill.Price + match.BuyPrice) * match.MatchedSize
	pnl := (match.BuyPrice-fill.Price)*match.MatchedSize - fee
	c.mgr.AddRealizedPnl(pnl)

	c.mgr.RemovePending(fill.Key)

	openKey := orders.OrderKey{Direction: orders.DirectionSell, LevelIndex: match.BuyLevelIndex, Leg: orders.LegShortOpen}
	if openPrice, ok := c.mgr.LevelPrice(orders.DirectionSell, match.BuyLevelIndex); ok {
		c.mgr.PlacePending(openKey, openPrice)
	}

	log.Info().
		Int("level", level).
		Float64("pnl", pnl).
		Msg("short covered")
}

// forcedDeleverageSignal emits an inventory-reducing sell once daily drawdown
// breaches every configured deleverage level.
func (c *Coordinator) forcedDeleverageSignal(in grid.FactorInputs) *Signal {
	levels := c.cfg.Factors.DeleverageLevels
	if !c.cfg.Factors.Deleverage.Enabled || len(levels) == 0 {
		return nil
	}
	if in.DailyPnl >= 0 || in.Equity <= 0 {
		return nil
	}
	drawdown := -in.DailyPnl / in.Equity
	if drawdown < levels[len(levels)-1] {
		return nil
	}

	exposure := c.mgr.Inventory().LongExposure
	if exposure <= 0 {
		return nil
	}

	size := exposure / 2
	log.Warn().
		Float64("drawdown", drawdown).
		Float64("size", size).
		Msg("forced deleverage signal")

	return &Signal{
		Key:    orders.OrderKey{Direction: orders.DirectionSell, LevelIndex: 0, Leg: orders.LegLong},
		Price:  in.Price,
		Size:   size,
		Reason: "forced_deleverage",
	}
}

// shortStopSignal covers the entire short overlay when price breaks above
// the range.
func (c *Coordinator) shortStopSignal(in grid.FactorInputs) *Signal {
	if !c.cfg.Grid.ShortOverlay {
		return nil
	}
	exposure := c.mgr.Inventory().ShortExposure
	if exposure <= 0 || in.Price <= c.cfg.Grid.Resistance {
		return nil
	}

	log.Warn().
		Float64("price", in.Price).
		Float64("exposure", exposure).
		Msg("emergency short stop signal")

	return &Signal{
		Key:    orders.OrderKey{Direction: orders.DirectionBuy, LevelIndex: 0, Leg: orders.LegShortCover},
		Price:  in.Price,
		Size:   exposure,
		Reason: "short_stop",
	}
}
