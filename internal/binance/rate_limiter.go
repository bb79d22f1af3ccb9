package binance

import (
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// RateLimiter implements proactive, weight-based rate limiting for the
// Binance futures API with a protective circuit on repeated throttling.
type RateLimiter struct {
	mu sync.Mutex

	// Circuit state
	circuitOpen   bool
	circuitOpenAt time.Time
	banUntil      time.Time

	// Weight tracking (Binance uses weight-based limits, 2400/min for futures)
	currentWeight int
	weightResetAt time.Time
	maxWeight     int

	// Backoff state
	consecutiveErrors int
}

// Endpoint weights for the Binance futures API
var endpointWeights = map[string]int{
	"/fapi/v2/balance":      5,
	"/fapi/v2/positionRisk": 5,

	"/fapi/v1/order":         1,
	"/fapi/v1/openOrders":    1, // with symbol
	"/fapi/v1/allOpenOrders": 1,
	"/fapi/v1/userTrades":    5,
	"/fapi/v1/leverage":      1,

	"/fapi/v1/ticker/price": 1,
	"/fapi/v1/klines":       5,
	"/fapi/v1/premiumIndex": 1,
}

const (
	futuresMaxWeight  = 2400
	weightSafetyLimit = 0.9 // stop issuing requests at 90% of the budget
	circuitCooldown   = 2 * time.Minute
)

var globalRateLimiter = NewRateLimiter()

// GetRateLimiter returns the process-wide rate limiter
func GetRateLimiter() *RateLimiter {
	return globalRateLimiter
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		maxWeight:     futuresMaxWeight,
		weightResetAt: time.Now().Truncate(time.Minute).Add(time.Minute),
	}
}

// WaitForSlot blocks until the endpoint's weight fits in the current window,
// up to maxWait. Returns false when the circuit is open or the wait expired.
func (r *RateLimiter) WaitForSlot(endpoint string, maxWait time.Duration) bool {
	deadline := time.Now().Add(maxWait)
	for {
		ok, wait := r.tryAcquire(endpoint)
		if ok {
			return true
		}
		if wait == 0 || time.Now().Add(wait).After(deadline) {
			return false
		}
		time.Sleep(wait)
	}
}

// tryAcquire atomically checks and records the endpoint's weight.
// Returns (false, suggested wait) when the request cannot go out now;
// a zero wait means the circuit is open.
func (r *RateLimiter) tryAcquire(endpoint string) (bool, time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()

	if r.circuitOpen {
		if now.Before(r.banUntil) || now.Sub(r.circuitOpenAt) < circuitCooldown {
			return false, 0
		}
		r.circuitOpen = false
		r.consecutiveErrors = 0
		log.Info().Msg("rate limiter circuit closed")
	}

	if now.After(r.weightResetAt) {
		r.currentWeight = 0
		r.weightResetAt = now.Truncate(time.Minute).Add(time.Minute)
	}

	weight, ok := endpointWeights[endpoint]
	if !ok {
		weight = 5
	}

	budget := int(float64(r.maxWeight) * weightSafetyLimit)
	if r.currentWeight+weight > budget {
		return false, time.Until(r.weightResetAt)
	}

	r.currentWeight += weight
	return true, 0
}

// UpdateFromHeaders syncs local weight tracking with the venue's own count
func (r *RateLimiter) UpdateFromHeaders(usedWeight int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if usedWeight > r.currentWeight {
		r.currentWeight = usedWeight
	}
	r.consecutiveErrors = 0
}

// RecordError tracks throttling responses; repeated 429s or any 418 (IP ban)
// open the circuit.
func (r *RateLimiter) RecordError(statusCode int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.consecutiveErrors++

	if statusCode == http.StatusTeapot { // 418: Binance IP ban
		r.circuitOpen = true
		r.circuitOpenAt = time.Now()
		r.banUntil = time.Now().Add(10 * time.Minute)
		log.Error().Msg("binance IP ban detected, rate limiter circuit opened")
		return
	}

	if statusCode == http.StatusTooManyRequests && r.consecutiveErrors >= 3 {
		r.circuitOpen = true
		r.circuitOpenAt = time.Now()
		log.Warn().Int("consecutive_errors", r.consecutiveErrors).
			Msg("repeated 429s, rate limiter circuit opened")
	}
}

// CurrentUsage returns the weight used in the current window as a fraction
func (r *RateLimiter) CurrentUsage() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return float64(r.currentWeight) / float64(r.maxWeight)
}
