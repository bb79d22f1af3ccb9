package reconcile

import (
	"math"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"binance-grid-bot/config"
	"binance-grid-bot/internal/binance"
	"binance-grid-bot/internal/events"
	"binance-grid-bot/internal/grid"
	"binance-grid-bot/internal/orders"
	"binance-grid-bot/internal/strategy"
)

// TrackedOrder is the engine's local record of an order it placed
type TrackedOrder struct {
	OrderID       int64
	ClientOrderID string
	Key           orders.OrderKey
	Price         float64
	Qty           float64
}

// desiredOrder is one entry of the point-in-time desired resting-order set
type desiredOrder struct {
	Key   orders.OrderKey
	Price float64
	Qty   float64
}

// SyncStats counts the actions of the most recent Sync pass
type SyncStats struct {
	OrdersPlaced   int
	OrdersReplaced int
	CancelsIssued  int
	Suppressed     int
	SafetyLimited  int
}

// Engine reconciles desired resting orders against the venue. All methods
// run on the bar loop; the engine is single-writer and carries no lock.
type Engine struct {
	cfg      *config.Config
	client   binance.ExecutionEngine
	coord    *strategy.Coordinator
	mgr      *grid.Manager
	governor *Governor
	versions *orders.VersionCounter
	bus      *events.EventBus

	tracked   map[orders.OrderKey]TrackedOrder
	callDelay time.Duration
	lastStats SyncStats
}

// NewEngine wires the engine to its collaborators
func NewEngine(cfg *config.Config, client binance.ExecutionEngine, coord *strategy.Coordinator, governor *Governor, versions *orders.VersionCounter, bus *events.EventBus) *Engine {
	return &Engine{
		cfg:       cfg,
		client:    client,
		coord:     coord,
		mgr:       coord.Manager(),
		governor:  governor,
		versions:  versions,
		bus:       bus,
		tracked:   make(map[orders.OrderKey]TrackedOrder),
		callDelay: cfg.CallDelay(),
	}
}

// LastStats returns the counters of the most recent Sync pass
func (e *Engine) LastStats() SyncStats {
	return e.lastStats
}

// TrackedOrders returns a snapshot of locally tracked venue orders
func (e *Engine) TrackedOrders() []TrackedOrder {
	out := make([]TrackedOrder, 0, len(e.tracked))
	for _, t := range e.tracked {
		out = append(out, t)
	}
	return out
}

// Sync runs the reconciliation algorithm once:
//
//  1. Grid disabled: cancel every bot-owned resting order and return.
//  2. Kill switch: same cancel-only short circuit.
//  3. Degrade (stale data or API error streak): cancel undesired orders,
//     place nothing new.
//  4. Otherwise diff desired vs venue: cancel strays, cancel-then-replace
//     quantity drift beyond the tolerance band, place what is missing under
//     the governor's rate and notional limits (skipped at bootstrap).
//
// Cancels always precede placements within one pass.
func (e *Engine) Sync(currentPrice float64, now time.Time, in grid.FactorInputs, skipSafetyLimits bool) error {
	e.lastStats = SyncStats{}

	if !e.mgr.Enabled() {
		log.Warn().Str("reason", e.mgr.DisableReason()).Msg("grid disabled, cancelling all orders")
		return e.cancelAllBotOrders(now, true)
	}
	if e.governor.KillSwitchActive() {
		log.Warn().Msg("kill switch active, cancel-only")
		if e.bus != nil {
			e.bus.Publish(events.Event{Type: events.EventKillSwitch, Data: map[string]interface{}{"symbol": e.cfg.Grid.Symbol}})
		}
		return e.cancelAllBotOrders(now, true)
	}
	cancelOnly := e.governor.Degraded(now)

	desired := e.buildDesiredSet(currentPrice, in)

	venueOrders, err := e.client.GetOpenOrders(e.cfg.Grid.Symbol)
	if err != nil {
		e.governor.RecordAPIError()
		log.Error().Err(err).Msg("sync: open orders fetch failed")
		return err
	}
	e.governor.RecordAPISuccess()
	e.throttle()

	venueByKey := e.indexVenueOrders(venueOrders)

	// Cancel pass: venue orders with no desired counterpart, then quantity
	// drift beyond tolerance (cancel half of cancel-then-replace). A drifted
	// order whose cancel did not go through stays tracked and keeps its
	// desired slot out of the placement pass, so no duplicate can appear.
	for key, vo := range venueByKey {
		want, ok := desired[key]
		if !ok {
			e.cancelVenueOrder(vo, "undesired", now)
			continue
		}
		if e.qtyDrift(vo.OrigQty, want.Qty) {
			if e.cancelVenueOrder(vo, "qty_drift", now) {
				e.lastStats.OrdersReplaced++
			} else {
				e.track(vo, key)
				delete(desired, key)
			}
			continue
		}
		// Within tolerance: leave it alone, keep tracking
		e.track(vo, key)
		delete(desired, key)
	}

	if cancelOnly {
		e.lastStats.Suppressed += len(desired)
		return nil
	}

	// Placement pass
	for _, want := range sortedDesired(desired) {
		e.placeDesiredOrder(want, now, skipSafetyLimits)
	}

	return nil
}

// buildDesiredSet projects placed pending orders into concrete price/qty
// intents, dropping anything that would cross the market inside the buffer
// or that sizing suppressed this bar.
func (e *Engine) buildDesiredSet(currentPrice float64, in grid.FactorInputs) map[orders.OrderKey]desiredOrder {
	buffer := e.cfg.Grid.CrossBuffer
	desired := make(map[orders.OrderKey]desiredOrder)

	for _, po := range e.mgr.PlacedPending() {
		if crossesMarket(po.Key.Direction, po.Price, currentPrice, buffer) {
			continue
		}
		size, decision := e.mgr.CalculateOrderSize(po.Key.Direction, po.Key.LevelIndex, po.Price, in)
		if size <= 0 {
			e.lastStats.Suppressed++
			if e.bus != nil {
				e.bus.PublishSizeSuppressed(e.cfg.Grid.Symbol, string(po.Key.Direction), po.Key.LevelIndex, decision.Reason)
			}
			continue
		}
		desired[po.Key] = desiredOrder{Key: po.Key, Price: po.Price, Qty: size}
	}
	return desired
}

// crossesMarket reports whether a resting limit at price would fill
// immediately (or nearly) against the current market.
func crossesMarket(direction orders.Direction, price, market, buffer float64) bool {
	if market <= 0 {
		return false
	}
	if direction == orders.DirectionBuy {
		return price >= market*(1-buffer)
	}
	return price <= market*(1+buffer)
}

// indexVenueOrders keys bot-owned venue orders by their embedded order key
// and syncs version counters so re-placements never reuse a client id.
func (e *Engine) indexVenueOrders(venueOrders []binance.FuturesOrder) map[orders.OrderKey]binance.FuturesOrder {
	prefix := e.cfg.Binance.ClientOrderIDPrefix
	out := make(map[orders.OrderKey]binance.FuturesOrder)
	for _, vo := range venueOrders {
		if !orders.IsBotOrder(prefix, vo.ClientOrderID) {
			continue
		}
		key, version, err := orders.ParseClientOrderID(prefix, vo.ClientOrderID)
		if err != nil {
			log.Warn().Str("client_order_id", vo.ClientOrderID).Err(err).Msg("unparseable bot order id")
			continue
		}
		e.versions.Observe(key, version)
		out[key] = vo
	}
	return out
}

// qtyDrift reports whether the venue quantity differs from the desired one
// by more than the tolerance band (absorbs venue rounding).
func (e *Engine) qtyDrift(venueQty, wantQty float64) bool {
	if wantQty <= 0 {
		return true
	}
	return math.Abs(venueQty-wantQty)/wantQty > e.cfg.Sizing.QtyTolerance
}

// cancelVenueOrder cancels one venue order under the cancel-rate cap.
// Returns true when the cancel went through.
func (e *Engine) cancelVenueOrder(vo binance.FuturesOrder, reason string, now time.Time) bool {
	if !e.governor.AllowCancel(now) {
		e.lastStats.SafetyLimited++
		log.Warn().Int64("order_id", vo.OrderID).Msg("cancel rate limited")
		return false
	}
	if err := e.client.CancelOrder(vo.Symbol, vo.OrderID); err != nil {
		e.governor.RecordAPIError()
		log.Error().Err(err).Int64("order_id", vo.OrderID).Msg("cancel failed")
		return false
	}
	e.governor.RecordAPISuccess()
	e.governor.RecordCancel(now)
	e.throttle()
	e.lastStats.CancelsIssued++

	if key, _, err := orders.ParseClientOrderID(e.cfg.Binance.ClientOrderIDPrefix, vo.ClientOrderID); err == nil {
		delete(e.tracked, key)
	}
	if e.bus != nil {
		e.bus.PublishOrderCancelled(vo.OrderID, vo.Symbol, reason)
	}
	log.Info().Int64("order_id", vo.OrderID).Str("reason", reason).Float64("price", vo.Price).Msg("order cancelled")
	return true
}

// placeDesiredOrder places one missing desired order with a freshly
// versioned idempotent client order id.
func (e *Engine) placeDesiredOrder(want desiredOrder, now time.Time, skipSafetyLimits bool) {
	notional := want.Qty * want.Price
	if !skipSafetyLimits && !e.governor.AllowPlacement(notional, now) {
		e.lastStats.SafetyLimited++
		if e.bus != nil {
			e.bus.Publish(events.Event{Type: events.EventSafetyLimited, Data: map[string]interface{}{
				"symbol": e.cfg.Grid.Symbol, "side": string(want.Key.Direction), "level": want.Key.LevelIndex,
			}})
		}
		log.Warn().
			Str("side", string(want.Key.Direction)).
			Int("level", want.Key.LevelIndex).
			Msg("placement safety limited, retry next bar")
		return
	}

	version := e.versions.Next(want.Key)
	clientID, err := orders.BuildClientOrderID(e.cfg.Binance.ClientOrderIDPrefix, want.Key, version)
	if err != nil {
		log.Error().Err(err).Msg("client order id build failed")
		return
	}

	resp, err := e.client.PlaceOrder(binance.FuturesOrderParams{
		Symbol:           e.cfg.Grid.Symbol,
		Side:             string(want.Key.Direction),
		Type:             binance.FuturesOrderTypeLimit,
		Quantity:         want.Qty,
		Price:            want.Price,
		TimeInForce:      binance.TimeInForceGTC,
		ReduceOnly:       want.Key.Leg == orders.LegShortCover,
		NewClientOrderID: clientID,
	})
	e.throttle()
	if err != nil {
		e.governor.RecordAPIError()
		log.Error().Err(err).Str("client_order_id", clientID).Msg("placement failed")
		return
	}
	e.governor.RecordAPISuccess()

	if resp == nil || resp.OrderID == 0 {
		// Venue acked without an order id: rejected, retried next bar
		log.Warn().Str("client_order_id", clientID).Msg("placement rejected by venue")
		return
	}

	if !skipSafetyLimits {
		e.governor.RecordPlacement(notional, now)
	}
	e.tracked[want.Key] = TrackedOrder{
		OrderID:       resp.OrderID,
		ClientOrderID: clientID,
		Key:           want.Key,
		Price:         want.Price,
		Qty:           want.Qty,
	}
	e.lastStats.OrdersPlaced++

	if e.bus != nil {
		e.bus.PublishOrderPlaced(resp.OrderID, e.cfg.Grid.Symbol, clientID, string(want.Key.Direction), want.Price, want.Qty)
	}
	log.Info().
		Int64("order_id", resp.OrderID).
		Str("client_order_id", clientID).
		Float64("price", want.Price).
		Float64("qty", want.Qty).
		Msg("order placed")
}

// track adopts a venue order that matched the desired set untouched
func (e *Engine) track(vo binance.FuturesOrder, key orders.OrderKey) {
	e.tracked[key] = TrackedOrder{
		OrderID:       vo.OrderID,
		ClientOrderID: vo.ClientOrderID,
		Key:           key,
		Price:         vo.Price,
		Qty:           vo.OrigQty,
	}
}

// CancelAll cancels every bot-owned resting order regardless of rate caps.
// Used at clean shutdown.
func (e *Engine) CancelAll(now time.Time) error {
	return e.cancelAllBotOrders(now, true)
}

// cancelAllBotOrders cancels every bot-owned resting order. When force is
// set the cancel-rate cap is ignored (risk shutdown must always complete).
func (e *Engine) cancelAllBotOrders(now time.Time, force bool) error {
	venueOrders, err := e.client.GetOpenOrders(e.cfg.Grid.Symbol)
	if err != nil {
		e.governor.RecordAPIError()
		return err
	}
	e.governor.RecordAPISuccess()
	e.throttle()

	prefix := e.cfg.Binance.ClientOrderIDPrefix
	for _, vo := range venueOrders {
		if !orders.IsBotOrder(prefix, vo.ClientOrderID) {
			continue
		}
		if !force && !e.governor.AllowCancel(now) {
			break
		}
		if err := e.client.CancelOrder(vo.Symbol, vo.OrderID); err != nil {
			e.governor.RecordAPIError()
			log.Error().Err(err).Int64("order_id", vo.OrderID).Msg("shutdown cancel failed")
			continue
		}
		e.governor.RecordAPISuccess()
		e.governor.RecordCancel(now)
		e.throttle()
		e.lastStats.CancelsIssued++
		if key, _, perr := orders.ParseClientOrderID(prefix, vo.ClientOrderID); perr == nil {
			delete(e.tracked, key)
		}
	}
	return nil
}

// throttle spaces consecutive venue calls to respect the request-rate cap
func (e *Engine) throttle() {
	if e.callDelay > 0 {
		time.Sleep(e.callDelay)
	}
}

// sortedDesired returns desired orders in deterministic placement order:
// buys shallow-first, then sells shallow-first.
func sortedDesired(desired map[orders.OrderKey]desiredOrder) []desiredOrder {
	out := make([]desiredOrder, 0, len(desired))
	for _, d := range desired {
		out = append(out, d)
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
