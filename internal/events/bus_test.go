package events

import (
	"testing"
	"time"
)

func waitFor(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestSubscribeReceivesMatchingType(t *testing.T) {
	bus := NewEventBus()
	got := make(chan Event, 1)
	bus.Subscribe(EventOrderPlaced, func(e Event) { got <- e })

	bus.PublishOrderPlaced(42, "BTCUSDT", "grid_buy_0_long_v1", "BUY", 108000, 0.005)

	e := waitFor(t, got)
	if e.Type != EventOrderPlaced {
		t.Errorf("type = %v, want ORDER_PLACED", e.Type)
	}
	if e.Data["order_id"] != int64(42) {
		t.Errorf("order_id = %v, want 42", e.Data["order_id"])
	}
	if e.Timestamp.IsZero() {
		t.Error("timestamp not stamped")
	}
}

func TestSubscribeIgnoresOtherTypes(t *testing.T) {
	bus := NewEventBus()
	got := make(chan Event, 1)
	bus.Subscribe(EventOrderCancelled, func(e Event) { got <- e })

	bus.PublishOrderPlaced(1, "BTCUSDT", "grid_buy_0_long_v1", "BUY", 108000, 0.005)

	select {
	case e := <-got:
		t.Errorf("cancelled subscriber received %v", e.Type)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSubscribeAllReceivesEverything(t *testing.T) {
	bus := NewEventBus()
	got := make(chan Event, 2)
	bus.SubscribeAll(func(e Event) { got <- e })

	bus.PublishOrderCancelled(7, "BTCUSDT", "undesired")
	bus.PublishError("sync", "open orders fetch failed", nil)

	seen := map[EventType]bool{}
	seen[waitFor(t, got).Type] = true
	seen[waitFor(t, got).Type] = true
	if !seen[EventOrderCancelled] || !seen[EventError] {
		t.Errorf("seen = %v, want both event types", seen)
	}
}

func TestPublishOrderFilledPhantomRouting(t *testing.T) {
	bus := NewEventBus()
	filled := make(chan Event, 1)
	phantom := make(chan Event, 1)
	bus.Subscribe(EventOrderFilled, func(e Event) { filled <- e })
	bus.Subscribe(EventPhantomFill, func(e Event) { phantom <- e })

	bus.PublishOrderFilled("BTCUSDT", "grid_buy_2_long_v1", "BUY", 104000, 0.005, false)
	if e := waitFor(t, filled); e.Type != EventOrderFilled {
		t.Errorf("type = %v, want ORDER_FILLED", e.Type)
	}

	bus.PublishOrderFilled("BTCUSDT", "grid_buy_3_long_v1", "BUY", 102000, 0.005, true)
	if e := waitFor(t, phantom); e.Type != EventPhantomFill {
		t.Errorf("type = %v, want PHANTOM_FILL", e.Type)
	}
}
