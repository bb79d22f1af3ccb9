package database

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"binance-grid-bot/config"
)

// Redis key layout for the resting-order mirror
// Format: grid:order:{symbol}:{orderID}, plus a per-symbol set of ids
const (
	orderKeyPrefix    = "grid:order"
	orderSetKeyPrefix = "grid:orders"
	heartbeatKey      = "grid:heartbeat"

	mirrorTTL = 24 * time.Hour
)

// MirroredOrder is the external view of one resting order
type MirroredOrder struct {
	OrderID       int64     `json:"order_id"`
	ClientOrderID string    `json:"client_order_id"`
	Symbol        string    `json:"symbol"`
	Side          string    `json:"side"`
	Price         float64   `json:"price"`
	Quantity      float64   `json:"quantity"`
	PlacedAt      time.Time `json:"placed_at"`
}

// OrderMirror mirrors the bot's resting orders into Redis so external
// tooling can observe the live book without touching the venue. All writes
// are best-effort and never block trading.
type OrderMirror struct {
	client *redis.Client
	symbol string
}

// NewOrderMirror connects to Redis and verifies the connection
func NewOrderMirror(cfg config.RedisConfig, symbol string) (*OrderMirror, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	log.Info().Str("address", cfg.Address).Msg("connected to redis")
	return &OrderMirror{client: client, symbol: symbol}, nil
}

// Close releases the Redis connection
func (m *OrderMirror) Close() {
	if m.client != nil {
		_ = m.client.Close()
	}
}

func (m *OrderMirror) orderKey(orderID int64) string {
	return fmt.Sprintf("%s:%s:%d", orderKeyPrefix, m.symbol, orderID)
}

func (m *OrderMirror) setKey() string {
	return fmt.Sprintf("%s:%s", orderSetKeyPrefix, m.symbol)
}

// TrackOrder mirrors a freshly placed order
func (m *OrderMirror) TrackOrder(ctx context.Context, order MirroredOrder) {
	data, err := json.Marshal(order)
	if err != nil {
		return
	}

	pipe := m.client.Pipeline()
	pipe.Set(ctx, m.orderKey(order.OrderID), data, mirrorTTL)
	pipe.SAdd(ctx, m.setKey(), order.OrderID)
	pipe.Expire(ctx, m.setKey(), mirrorTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		log.Debug().Err(err).Int64("order_id", order.OrderID).Msg("redis mirror write failed")
	}
}

// UntrackOrder removes a cancelled or filled order from the mirror
func (m *OrderMirror) UntrackOrder(ctx context.Context, orderID int64) {
	pipe := m.client.Pipeline()
	pipe.Del(ctx, m.orderKey(orderID))
	pipe.SRem(ctx, m.setKey(), orderID)
	if _, err := pipe.Exec(ctx); err != nil {
		log.Debug().Err(err).Int64("order_id", orderID).Msg("redis mirror delete failed")
	}
}

// ListOrders returns every mirrored order for the symbol
func (m *OrderMirror) ListOrders(ctx context.Context) ([]MirroredOrder, error) {
	ids, err := m.client.SMembers(ctx, m.setKey()).Result()
	if err != nil {
		return nil, err
	}

	out := make([]MirroredOrder, 0, len(ids))
	for _, id := range ids {
		data, err := m.client.Get(ctx, fmt.Sprintf("%s:%s:%s", orderKeyPrefix, m.symbol, id)).Bytes()
		if err != nil {
			continue // expired or deleted mid-scan
		}
		var order MirroredOrder
		if json.Unmarshal(data, &order) == nil {
			out = append(out, order)
		}
	}
	return out, nil
}

// Heartbeat publishes bot liveness with a short TTL; external tooling treats
// an expired key as "bot down".
func (m *OrderMirror) Heartbeat(ctx context.Context, barIndex int, equity float64) {
	payload, err := json.Marshal(map[string]interface{}{
		"symbol":    m.symbol,
		"bar_index": barIndex,
		"equity":    equity,
		"at":        time.Now().UTC(),
	})
	if err != nil {
		return
	}
	if err := m.client.Set(ctx, fmt.Sprintf("%s:%s", heartbeatKey, m.symbol), payload, 3*time.Minute).Err(); err != nil {
		log.Debug().Err(err).Msg("redis heartbeat failed")
	}
}
