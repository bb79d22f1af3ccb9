package reconcile

import (
	"github.com/rs/zerolog/log"

	"binance-grid-bot/internal/binance"
	"binance-grid-bot/internal/events"
	"binance-grid-bot/internal/strategy"
)

// ProcessFilledOrders detects fills: every locally tracked order that is no
// longer resting on the venue gets a status lookup and its executed quantity
// becomes a fill event routed to the coordinator.
//
// When the lookup answers "order unknown" (it vanished from venue history),
// a full fill at the original limit price is synthesized. That risks booking
// a phantom fill, but never silently loses hedge coverage, which is the
// worse failure. Returns the number of fills processed.
func (e *Engine) ProcessFilledOrders() (int, error) {
	if len(e.tracked) == 0 {
		return 0, nil
	}

	venueOrders, err := e.client.GetOpenOrders(e.cfg.Grid.Symbol)
	if err != nil {
		e.governor.RecordAPIError()
		return 0, err
	}
	e.governor.RecordAPISuccess()
	e.throttle()

	stillOpen := make(map[int64]bool, len(venueOrders))
	for _, vo := range venueOrders {
		stillOpen[vo.OrderID] = true
	}

	var gone []TrackedOrder
	for _, t := range e.tracked {
		if !stillOpen[t.OrderID] {
			gone = append(gone, t)
		}
	}

	fills := 0
	for _, t := range gone {
		status, err := e.client.GetOrderStatus(e.cfg.Grid.Symbol, t.OrderID)
		e.throttle()
		if err != nil {
			e.governor.RecordAPIError()
			log.Error().Err(err).Int64("order_id", t.OrderID).Msg("order status lookup failed")
			continue // stays tracked, retried next bar
		}
		e.governor.RecordAPISuccess()

		delete(e.tracked, t.Key)

		if status == nil {
			// Vanished from venue history: conservative full-fill recovery
			log.Warn().
				Int64("order_id", t.OrderID).
				Str("client_order_id", t.ClientOrderID).
				Msg("tracked order vanished, synthesizing fill at limit price")
			e.coord.OnOrderFilled(strategy.Fill{
				Key:     t.Key,
				Price:   t.Price,
				Size:    t.Qty,
				Phantom: true,
			})
			if e.bus != nil {
				e.bus.PublishOrderFilled(e.cfg.Grid.Symbol, t.ClientOrderID, string(t.Key.Direction), t.Price, t.Qty, true)
			}
			fills++
			continue
		}

		switch status.Status {
		case binance.FuturesOrderStatusFilled, binance.FuturesOrderStatusPartiallyFilled:
			price := status.AvgPrice
			if price <= 0 {
				price = status.Price
			}
			qty := status.ExecutedQty
			if qty <= 0 {
				qty = status.OrigQty
			}
			e.coord.OnOrderFilled(strategy.Fill{
				Key:   t.Key,
				Price: price,
				Size:  qty,
				Time:  status.UpdateTime,
			})
			if e.bus != nil {
				e.bus.PublishOrderFilled(e.cfg.Grid.Symbol, t.ClientOrderID, string(t.Key.Direction), price, qty, false)
			}
			fills++

		case binance.FuturesOrderStatusCanceled, binance.FuturesOrderStatusExpired:
			// Cancelled out-of-band (manual or venue-side); the slot re-arms
			// and the next sync re-places it. Any quantity that executed
			// before the cancel is real exposure and must be booked first.
			if status.ExecutedQty > 0 {
				price := status.AvgPrice
				if price <= 0 {
					price = status.Price
				}
				log.Warn().
					Int64("order_id", t.OrderID).
					Str("status", string(status.Status)).
					Float64("executed_qty", status.ExecutedQty).
					Msg("cancelled order had partial execution, booking fill")
				e.coord.OnOrderFilled(strategy.Fill{
					Key:   t.Key,
					Price: price,
					Size:  status.ExecutedQty,
					Time:  status.UpdateTime,
				})
				if e.bus != nil {
					e.bus.PublishOrderFilled(e.cfg.Grid.Symbol, t.ClientOrderID, string(t.Key.Direction), price, status.ExecutedQty, false)
				}
				fills++
			} else {
				log.Info().
					Int64("order_id", t.OrderID).
					Str("status", string(status.Status)).
					Msg("tracked order cancelled venue-side")
			}
			e.mgr.ResetTrigger(t.Key)
			if e.bus != nil {
				e.bus.Publish(events.Event{Type: events.EventOrderCancelled, Data: map[string]interface{}{
					"order_id": t.OrderID, "symbol": e.cfg.Grid.Symbol, "reason": "venue_side",
				}})
			}

		default:
			// Still live after all (race with the open-orders snapshot)
			e.tracked[t.Key] = t
		}
	}

	return fills, nil
}
