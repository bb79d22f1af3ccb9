package orders

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const (
	// MaxClientOrderIDLength is the maximum length allowed by Binance
	MaxClientOrderIDLength = 36
)

// Errors for client order ID operations
var (
	ErrClientOrderIDTooLong = errors.New("client order ID exceeds maximum length of 36 characters")
	ErrInvalidClientOrderID = errors.New("invalid client order ID format")
	ErrForeignClientOrderID = errors.New("client order ID does not belong to this bot")
)

// BuildClientOrderID renders the idempotent client order ID for one resting
// instance of a grid slot.
// Format: {prefix}{direction}_{levelIndex}_{legTag}_v{version}
// The version increments on every re-placement at the same key so a venue
// that rejects duplicate client ids (even for cancelled orders) never sees
// the same id twice.
func BuildClientOrderID(prefix string, key OrderKey, version int) (string, error) {
	id := fmt.Sprintf("%s%s_%d_%s_v%d", prefix, key.Direction.Tag(), key.LevelIndex, key.Leg, version)
	if len(id) > MaxClientOrderIDLength {
		return "", fmt.Errorf("%w: %q", ErrClientOrderIDTooLong, id)
	}
	return id, nil
}

// ParseClientOrderID recovers the order key and version from a venue-returned
// client order ID. It is used only to classify bot-owned orders during
// reconciliation and bootstrap; the live flow carries the OrderKey on the
// tracked order and never re-derives it.
func ParseClientOrderID(prefix, id string) (OrderKey, int, error) {
	if !strings.HasPrefix(id, prefix) {
		return OrderKey{}, 0, ErrForeignClientOrderID
	}
	rest := strings.TrimPrefix(id, prefix)

	parts := strings.Split(rest, "_")
	// buy_3_long_v2 → 4 parts; sell_3_short_open_v2 → 5; sell_3_short_cover_v2 → 5
	if len(parts) < 4 {
		return OrderKey{}, 0, fmt.Errorf("%w: %q", ErrInvalidClientOrderID, id)
	}

	var dir Direction
	switch parts[0] {
	case "buy":
		dir = DirectionBuy
	case "sell":
		dir = DirectionSell
	default:
		return OrderKey{}, 0, fmt.Errorf("%w: unknown direction in %q", ErrInvalidClientOrderID, id)
	}

	level, err := strconv.Atoi(parts[1])
	if err != nil || level < 0 {
		return OrderKey{}, 0, fmt.Errorf("%w: bad level index in %q", ErrInvalidClientOrderID, id)
	}

	versionPart := parts[len(parts)-1]
	if !strings.HasPrefix(versionPart, "v") {
		return OrderKey{}, 0, fmt.Errorf("%w: missing version in %q", ErrInvalidClientOrderID, id)
	}
	version, err := strconv.Atoi(strings.TrimPrefix(versionPart, "v"))
	if err != nil || version < 1 {
		return OrderKey{}, 0, fmt.Errorf("%w: bad version in %q", ErrInvalidClientOrderID, id)
	}

	legTag := strings.Join(parts[2:len(parts)-1], "_")
	var leg Leg
	switch legTag {
	case string(LegLong):
		leg = LegLong
	case string(LegShortOpen):
		leg = LegShortOpen
	case string(LegShortCover):
		leg = LegShortCover
	default:
		return OrderKey{}, 0, fmt.Errorf("%w: unknown leg %q in %q", ErrInvalidClientOrderID, legTag, id)
	}

	return OrderKey{Direction: dir, LevelIndex: level, Leg: leg}, version, nil
}

// IsBotOrder reports whether a venue client order ID belongs to this bot
func IsBotOrder(prefix, id string) bool {
	_, _, err := ParseClientOrderID(prefix, id)
	return err == nil
}

// VersionCounter issues monotonically increasing versions per order key.
// It lives in RunnerState: init on bootstrap, mutate per bar, gone at teardown.
type VersionCounter struct {
	versions map[OrderKey]int
}

// NewVersionCounter creates an empty counter
func NewVersionCounter() *VersionCounter {
	return &VersionCounter{versions: make(map[OrderKey]int)}
}

// Next returns the next version for the key, starting at 1
func (vc *VersionCounter) Next(key OrderKey) int {
	vc.versions[key]++
	return vc.versions[key]
}

// Observe records an externally seen version (bootstrap recovery) so future
// placements at the key stay unique.
func (vc *VersionCounter) Observe(key OrderKey, version int) {
	if version > vc.versions[key] {
		vc.versions[key] = version
	}
}

// Current returns the last issued version for the key, 0 if none
func (vc *VersionCounter) Current(key OrderKey) int {
	return vc.versions[key]
}
