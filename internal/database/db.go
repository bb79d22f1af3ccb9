// Package database provides the best-effort audit store: PostgreSQL for the
// session/order/fill history and Redis for the live resting-order mirror.
// Nothing in here may ever block or fail the trading loop.
package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"binance-grid-bot/config"
)

// DB wraps the PostgreSQL connection pool
type DB struct {
	Pool *pgxpool.Pool
}

// NewDB creates a new database connection pool
func NewDB(cfg config.DatabaseConfig) (*DB, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
	)

	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	poolConfig.MaxConns = 10
	poolConfig.MinConns = 2
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	log.Info().Str("database", cfg.Database).Msg("connected to PostgreSQL")

	return &DB{Pool: pool}, nil
}

// Close closes the database connection
func (db *DB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
		log.Info().Msg("database connection closed")
	}
}

// RunMigrations executes database migrations
func (db *DB) RunMigrations(ctx context.Context) error {
	log.Info().Msg("running database migrations")

	migrations := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id UUID PRIMARY KEY,
			bot_id VARCHAR(64) NOT NULL,
			symbol VARCHAR(20) NOT NULL,
			mode VARCHAR(10) NOT NULL,
			started_at TIMESTAMP NOT NULL,
			ended_at TIMESTAMP,
			end_reason VARCHAR(64),
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_symbol ON sessions(symbol)`,

		`CREATE TABLE IF NOT EXISTS order_events (
			id SERIAL PRIMARY KEY,
			session_id UUID REFERENCES sessions(id) ON DELETE SET NULL,
			event_type VARCHAR(32) NOT NULL,
			order_id BIGINT,
			client_order_id VARCHAR(64),
			symbol VARCHAR(20) NOT NULL,
			side VARCHAR(4),
			price DECIMAL(20, 8),
			quantity DECIMAL(20, 8),
			reason VARCHAR(128),
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_order_events_session ON order_events(session_id)`,
		`CREATE INDEX IF NOT EXISTS idx_order_events_type ON order_events(event_type)`,

		`CREATE TABLE IF NOT EXISTS trade_fills (
			id SERIAL PRIMARY KEY,
			session_id UUID REFERENCES sessions(id) ON DELETE SET NULL,
			symbol VARCHAR(20) NOT NULL,
			side VARCHAR(4) NOT NULL,
			level_index INTEGER,
			price DECIMAL(20, 8) NOT NULL,
			quantity DECIMAL(20, 8) NOT NULL,
			phantom BOOLEAN DEFAULT FALSE,
			fill_time TIMESTAMP,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_trade_fills_session ON trade_fills(session_id)`,

		`CREATE TABLE IF NOT EXISTS heartbeats (
			id SERIAL PRIMARY KEY,
			session_id UUID REFERENCES sessions(id) ON DELETE SET NULL,
			bar_index INTEGER,
			equity DECIMAL(20, 8),
			long_exposure DECIMAL(20, 8),
			realized_pnl DECIMAL(20, 8),
			open_orders INTEGER,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE TABLE IF NOT EXISTS error_log (
			id SERIAL PRIMARY KEY,
			session_id UUID REFERENCES sessions(id) ON DELETE SET NULL,
			source VARCHAR(64) NOT NULL,
			message TEXT NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
	}

	for i, migration := range migrations {
		if _, err := db.Pool.Exec(ctx, migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i, err)
		}
	}

	log.Info().Msg("database migrations completed")
	return nil
}
