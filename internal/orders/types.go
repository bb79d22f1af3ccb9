// Package orders provides the structured order key and client order ID codec
// for grid orders resting on Binance futures.
package orders

// Direction is the order side of a grid slot
type Direction string

const (
	DirectionBuy  Direction = "BUY"
	DirectionSell Direction = "SELL"
)

// Opposite returns the mirror side
func (d Direction) Opposite() Direction {
	if d == DirectionBuy {
		return DirectionSell
	}
	return DirectionBuy
}

// Tag returns the lowercase client-order-id tag for the direction
func (d Direction) Tag() string {
	if d == DirectionBuy {
		return "buy"
	}
	return "sell"
}

// Leg is the role an order plays in the grid
type Leg string

const (
	// LegLong is an ordinary long-side grid order
	LegLong Leg = "long"
	// LegShortOpen opens the short overlay at a sell level
	LegShortOpen Leg = "short_open"
	// LegShortCover covers the short overlay at a buy level
	LegShortCover Leg = "short_cover"
)

// OrderKey identifies one logical grid slot. At most one placed, untriggered
// order per key is ever intended to rest on the venue.
type OrderKey struct {
	Direction  Direction
	LevelIndex int
	Leg        Leg
}

// AllLegs returns the legs in a stable order
func AllLegs() []Leg {
	return []Leg{LegLong, LegShortOpen, LegShortCover}
}
