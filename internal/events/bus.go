package events

import (
	"sync"
	"time"
)

// EventType represents different types of events in the system
type EventType string

const (
	EventGridConstructed EventType = "GRID_CONSTRUCTED"
	EventLevelTriggered  EventType = "LEVEL_TRIGGERED"
	EventOrderPlaced     EventType = "ORDER_PLACED"
	EventOrderCancelled  EventType = "ORDER_CANCELLED"
	EventOrderFilled     EventType = "ORDER_FILLED"
	EventPhantomFill     EventType = "PHANTOM_FILL"
	EventSizeSuppressed  EventType = "SIZE_SUPPRESSED"
	EventSafetyLimited   EventType = "SAFETY_LIMITED"
	EventDegradeEntered  EventType = "DEGRADE_ENTERED"
	EventDegradeCleared  EventType = "DEGRADE_CLEARED"
	EventKillSwitch      EventType = "KILL_SWITCH"
	EventLedgerDrift     EventType = "LEDGER_DRIFT"
	EventBotStarted      EventType = "BOT_STARTED"
	EventBotStopped      EventType = "BOT_STOPPED"
	EventError           EventType = "ERROR"
)

// Event represents a system event
type Event struct {
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Subscriber is a function that handles events
type Subscriber func(Event)

// EventBus manages event publishing and subscriptions
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]Subscriber
	allSubs     []Subscriber
}

// NewEventBus creates a new event bus
func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: make(map[EventType][]Subscriber),
		allSubs:     make([]Subscriber, 0),
	}
}

// Subscribe registers a subscriber for a specific event type
func (eb *EventBus) Subscribe(eventType EventType, subscriber Subscriber) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.subscribers[eventType] = append(eb.subscribers[eventType], subscriber)
}

// SubscribeAll registers a subscriber for all events
func (eb *EventBus) SubscribeAll(subscriber Subscriber) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.allSubs = append(eb.allSubs, subscriber)
}

// Publish sends an event to all subscribers
func (eb *EventBus) Publish(event Event) {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	if subs, ok := eb.subscribers[event.Type]; ok {
		for _, sub := range subs {
			go sub(event) // Run in goroutine to avoid blocking
		}
	}

	for _, sub := range eb.allSubs {
		go sub(event)
	}
}

// PublishOrderPlaced publishes an order placed event
func (eb *EventBus) PublishOrderPlaced(orderID int64, symbol, clientOrderID, side string, price, quantity float64) {
	eb.Publish(Event{
		Type: EventOrderPlaced,
		Data: map[string]interface{}{
			"order_id":        orderID,
			"symbol":          symbol,
			"client_order_id": clientOrderID,
			"side":            side,
			"price":           price,
			"quantity":        quantity,
		},
	})
}

// PublishOrderFilled publishes a fill event; phantom marks synthesized fills
func (eb *EventBus) PublishOrderFilled(symbol, clientOrderID, side string, price, quantity float64, phantom bool) {
	eventType := EventOrderFilled
	if phantom {
		eventType = EventPhantomFill
	}
	eb.Publish(Event{
		Type: eventType,
		Data: map[string]interface{}{
			"symbol":          symbol,
			"client_order_id": clientOrderID,
			"side":            side,
			"price":           price,
			"quantity":        quantity,
		},
	})
}

// PublishOrderCancelled publishes an order cancelled event
func (eb *EventBus) PublishOrderCancelled(orderID int64, symbol, reason string) {
	eb.Publish(Event{
		Type: EventOrderCancelled,
		Data: map[string]interface{}{
			"order_id": orderID,
			"symbol":   symbol,
			"reason":   reason,
		},
	})
}

// PublishSizeSuppressed reports an order attempt throttled to zero
func (eb *EventBus) PublishSizeSuppressed(symbol, side string, levelIndex int, reason string) {
	eb.Publish(Event{
		Type: EventSizeSuppressed,
		Data: map[string]interface{}{
			"symbol": symbol,
			"side":   side,
			"level":  levelIndex,
			"reason": reason,
		},
	})
}

// PublishError publishes an error event
func (eb *EventBus) PublishError(source, message string, err error) {
	data := map[string]interface{}{
		"source":  source,
		"message": message,
	}
	if err != nil {
		data["error"] = err.Error()
	}
	eb.Publish(Event{
		Type: EventError,
		Data: data,
	})
}
