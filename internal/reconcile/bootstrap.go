package reconcile

import (
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog/log"

	"binance-grid-bot/internal/binance"
	"binance-grid-bot/internal/grid"
	"binance-grid-bot/internal/orders"
	"binance-grid-bot/internal/strategy"
)

const (
	cancelRounds     = 3
	cancelRoundDelay = 2 * time.Second
	driftDust        = 1e-6
	tradeReplayLimit = 1000
)

// Bootstrap recovers state after a (re)start:
//
//  1. Cancel every previous-session bot order, retried across rounds to
//     absorb venue-side races.
//  2. Set leverage, replay venue trade history past the persisted cursor to
//     backfill fills missed during downtime.
//  3. Seed the ledger from the current venue position at mark price
//     (assumes zero unrealized PnL at seed time).
//  4. Place the initial desired order set, bypassing safety limits.
//  5. Hedge any remaining position drift with a SELL priced to a
//     non-losing spread.
//
// Returns the advanced trade cursor for the caller to persist.
func (e *Engine) Bootstrap(tradeCursor int64, markIn grid.FactorInputs) (int64, error) {
	symbol := e.cfg.Grid.Symbol

	if err := e.cancelPreviousSessionOrders(); err != nil {
		return tradeCursor, fmt.Errorf("bootstrap: cancel rounds: %w", err)
	}

	if err := e.client.SetLeverage(symbol, e.cfg.Grid.Leverage); err != nil {
		e.governor.RecordAPIError()
		log.Warn().Err(err).Int("leverage", e.cfg.Grid.Leverage).Msg("bootstrap: leverage set failed")
	} else {
		e.governor.RecordAPISuccess()
	}
	e.throttle()

	markPrice, err := e.client.GetMarkPrice(symbol)
	if err != nil {
		e.governor.RecordAPIError()
		return tradeCursor, fmt.Errorf("bootstrap: mark price: %w", err)
	}
	e.governor.RecordAPISuccess()
	e.throttle()

	venueAmt, err := e.longPositionAmount()
	if err != nil {
		return tradeCursor, fmt.Errorf("bootstrap: positions: %w", err)
	}

	// Replay books downtime PnL and re-arms hedges; seeding afterwards makes
	// the venue position the single source of truth for exposure, so replayed
	// buys are never double counted.
	newCursor, err := e.replayTrades(tradeCursor)
	if err != nil {
		log.Warn().Err(err).Msg("bootstrap: trade replay failed, seeding from venue position only")
		newCursor = tradeCursor
	}
	e.mgr.SeedLedger(venueAmt, markPrice)

	if err := e.Sync(markPrice, time.Now(), markIn, true); err != nil {
		return newCursor, fmt.Errorf("bootstrap: initial sync: %w", err)
	}

	if err := e.hedgePositionDrift(markPrice); err != nil {
		log.Warn().Err(err).Msg("bootstrap: drift hedge failed")
	}

	log.Info().
		Float64("mark_price", markPrice).
		Float64("position", venueAmt).
		Int64("trade_cursor", newCursor).
		Msg("bootstrap complete")

	return newCursor, nil
}

// cancelPreviousSessionOrders cancels bot-owned orders across several rounds;
// a round that finds nothing left ends early.
func (e *Engine) cancelPreviousSessionOrders() error {
	symbol := e.cfg.Grid.Symbol
	prefix := e.cfg.Binance.ClientOrderIDPrefix

	var lastErr error
	for round := 0; round < cancelRounds; round++ {
		venueOrders, err := e.client.GetOpenOrders(symbol)
		if err != nil {
			e.governor.RecordAPIError()
			lastErr = err
			time.Sleep(cancelRoundDelay)
			continue
		}
		e.governor.RecordAPISuccess()
		e.throttle()

		remaining := 0
		for _, vo := range venueOrders {
			if !orders.IsBotOrder(prefix, vo.ClientOrderID) {
				continue
			}
			remaining++
			if err := e.client.CancelOrder(symbol, vo.OrderID); err != nil {
				e.governor.RecordAPIError()
				log.Warn().Err(err).Int64("order_id", vo.OrderID).Int("round", round).Msg("bootstrap cancel failed")
			} else {
				e.governor.RecordAPISuccess()
			}
			e.throttle()

			if key, version, perr := orders.ParseClientOrderID(prefix, vo.ClientOrderID); perr == nil {
				e.versions.Observe(key, version)
			}
		}
		if remaining == 0 {
			return nil
		}
		time.Sleep(cancelRoundDelay)
	}
	return lastErr
}

// longPositionAmount returns the net long amount of the symbol's position
func (e *Engine) longPositionAmount() (float64, error) {
	positions, err := e.client.GetPositions(e.cfg.Grid.Symbol)
	if err != nil {
		e.governor.RecordAPIError()
		return 0, err
	}
	e.governor.RecordAPISuccess()
	e.throttle()

	amt := 0.0
	for _, p := range positions {
		if p.Symbol == e.cfg.Grid.Symbol {
			amt += p.PositionAmt
		}
	}
	if amt < 0 {
		amt = 0
	}
	return amt, nil
}

// replayTrades backfills fills executed while the bot was down. Each trade
// past the cursor is mapped to the grid level nearest its price and routed
// through the ordinary fill path.
func (e *Engine) replayTrades(cursor int64) (int64, error) {
	trades, err := e.client.GetMyTrades(e.cfg.Grid.Symbol, cursor, tradeReplayLimit)
	if err != nil {
		e.governor.RecordAPIError()
		return cursor, err
	}
	e.governor.RecordAPISuccess()
	e.throttle()

	newCursor := cursor
	replayed := 0
	for _, t := range trades {
		if t.Time <= cursor {
			continue
		}
		if t.Time > newCursor {
			newCursor = t.Time
		}
		// Only a fresh cursor replays: a zero cursor means first run, where
		// the seeded ledger already covers the position
		if cursor == 0 {
			continue
		}

		direction := orders.DirectionBuy
		if t.Side == "SELL" {
			direction = orders.DirectionSell
		}
		key := orders.OrderKey{
			Direction:  direction,
			LevelIndex: e.nearestLevelIndex(direction, t.Price),
			Leg:        orders.LegLong,
		}
		e.coord.OnOrderFilled(strategy.Fill{
			Key:   key,
			Price: t.Price,
			Size:  t.Qty,
			Time:  t.Time,
		})
		replayed++
	}

	if replayed > 0 {
		log.Info().Int("trades", replayed).Int64("cursor", newCursor).Msg("downtime fills replayed")
	}
	return newCursor, nil
}

func (e *Engine) nearestLevelIndex(direction orders.Direction, price float64) int {
	levels := e.mgr.BuyLevels()
	if direction == orders.DirectionSell {
		levels = e.mgr.SellLevels()
	}
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

// hedgePositionDrift compares the venue position against the internal ledger
// and hedges any excess with a SELL priced to a non-losing spread. When price
// has already passed the natural paired level, an aggressive above-market
// limit is used instead.
func (e *Engine) hedgePositionDrift(markPrice float64) error {
	venueAmt, err := e.longPositionAmount()
	if err != nil {
		return err
	}

	drift := venueAmt - e.mgr.Inventory().LongExposure
	if drift <= driftDust {
		return nil
	}

	log.Warn().
		Float64("venue", venueAmt).
		Float64("ledger", e.mgr.Inventory().LongExposure).
		Float64("drift", drift).
		Msg("position drift detected, hedging")

	// Adopt the drift as a buy at the nearest level, then hedge it
	level := e.nearestLevelIndex(orders.DirectionBuy, markPrice)
	e.mgr.RecordBuy(level, drift, markPrice)

	minSpread := e.cfg.Grid.MinReturn + 2*e.cfg.Grid.FeeRate
	hedgePrice := markPrice * (1 + minSpread)
	pairedLevel := e.mgr.PairedLevel(level)
	if naturalPrice, ok := e.mgr.LevelPrice(orders.DirectionSell, pairedLevel); ok && naturalPrice > hedgePrice {
		hedgePrice = naturalPrice
	}

	key := orders.OrderKey{Direction: orders.DirectionSell, LevelIndex: pairedLevel, Leg: orders.LegLong}
	version := e.versions.Next(key)
	clientID, err := orders.BuildClientOrderID(e.cfg.Binance.ClientOrderIDPrefix, key, version)
	if err != nil {
		return err
	}

	resp, err := e.client.PlaceOrder(binance.FuturesOrderParams{
		Symbol:           e.cfg.Grid.Symbol,
		Side:             string(orders.DirectionSell),
		Type:             binance.FuturesOrderTypeLimit,
		Quantity:         roundDriftQty(drift),
		Price:            hedgePrice,
		TimeInForce:      binance.TimeInForceGTC,
		NewClientOrderID: clientID,
	})
	e.throttle()
	if err != nil {
		e.governor.RecordAPIError()
		return err
	}
	e.governor.RecordAPISuccess()
	if resp == nil || resp.OrderID == 0 {
		return fmt.Errorf("drift hedge rejected by venue")
	}

	e.tracked[key] = TrackedOrder{
		OrderID:       resp.OrderID,
		ClientOrderID: clientID,
		Key:           key,
		Price:         hedgePrice,
		Qty:           roundDriftQty(drift),
	}
	e.mgr.PlacePending(key, hedgePrice)

	log.Info().
		Int64("order_id", resp.OrderID).
		Float64("price", hedgePrice).
		Float64("qty", drift).
		Msg("drift hedge placed")
	return nil
}

func roundDriftQty(qty float64) float64 {
	return math.Floor(qty*1000) / 1000
}
