package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"binance-grid-bot/config"
	"binance-grid-bot/internal/binance"
	"binance-grid-bot/internal/bot"
	"binance-grid-bot/internal/database"
	"binance-grid-bot/internal/events"
	"binance-grid-bot/internal/state"
	"binance-grid-bot/internal/vault"
)

const cursorPath = "data/trade_cursor.json"

func main() {
	if err := godotenv.Load(); err != nil {
		log.Debug().Msg("no .env file found, using environment")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("configuration error")
	}

	setupLogging(cfg.Logging)

	creds, err := loadCredentials(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("credential load failed")
	}

	var client binance.ExecutionEngine
	var data binance.DataSource
	if cfg.Binance.MockMode {
		mock := binance.NewFuturesMockClient(10000)
		client, data = mock, mock
		log.Warn().Msg("mock mode: no real orders will be placed")
	} else {
		real := binance.NewFuturesClient(creds.APIKey, creds.SecretKey, cfg.Binance.BaseURL, cfg.Binance.TestNet)
		client, data = real, real
	}

	bus := events.NewEventBus()

	store, db := setupStore(cfg, bus)
	if db != nil {
		defer db.Close()
	}

	mirror := setupMirror(cfg, bus)
	if mirror != nil {
		defer mirror.Close()
	}

	writer, err := state.NewWriter(cfg.State.SnapshotPath, cfg.State.BarLogPath)
	if err != nil {
		log.Fatal().Err(err).Msg("state writer init failed")
	}
	subscribeFillBlotter(bus, writer)

	var stream *binance.KlineStream
	if cfg.State.StreamEnabled && !cfg.Binance.MockMode {
		stream = binance.NewKlineStream(cfg.Grid.Symbol, cfg.Grid.Timeframe, cfg.Binance.TestNet, func(bar binance.Kline) {
			writer.AppendBar(state.BarRecord{
				Symbol: cfg.Grid.Symbol, OpenTime: bar.OpenTime,
				Open: bar.Open, High: bar.High, Low: bar.Low, Close: bar.Close,
				Volume: bar.Volume, CloseTime: bar.CloseTime,
			})
		})
		go stream.Start()
		defer stream.Stop()
	}

	live := !cfg.Binance.MockMode
	b := bot.New(cfg, bot.Deps{
		Client: client,
		Data:   data,
		Store:  store,
		Mirror: mirror,
		Writer: writer,
		Bus:    bus,
	}, live)

	if err := b.Bootstrap(cursorPath); err != nil {
		if store != nil {
			store.EndSession("bootstrap_failed")
		}
		log.Fatal().Err(err).Msg("bootstrap failed")
	}

	if store != nil {
		mode := "sim"
		if live {
			mode = "live"
		}
		if err := store.CreateSession(hostID(), cfg.Grid.Symbol, mode); err != nil {
			log.Warn().Err(err).Msg("session create failed, continuing without session row")
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	endReason := "shutdown"
	defer func() {
		if r := recover(); r != nil {
			endReason = "crash"
			if store != nil {
				store.EndSession(endReason)
			}
			panic(r)
		}
		b.Shutdown()
		if store != nil {
			store.EndSession(endReason)
		}
		log.Info().Str("reason", endReason).Msg("session ended")
	}()

	if err := b.Run(ctx, cursorPath); err != nil {
		endReason = "error"
		log.Error().Err(err).Msg("bar loop exited with error")
	}
}

func setupLogging(cfg config.LoggingConfig) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339

	if !cfg.JSONFormat {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	}
}

func loadCredentials(cfg *config.Config) (vault.Credentials, error) {
	fallback := vault.Credentials{
		APIKey:    cfg.Binance.APIKey,
		SecretKey: cfg.Binance.SecretKey,
	}
	if cfg.Binance.MockMode {
		return fallback, nil
	}

	vc, err := vault.NewClient(cfg.Vault)
	if err != nil {
		return fallback, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	creds, err := vc.GetCredentials(ctx, fallback)
	if err != nil {
		return fallback, err
	}
	if creds.APIKey == "" || creds.SecretKey == "" {
		return fallback, fmt.Errorf("no venue credentials configured")
	}
	return creds, nil
}

// setupStore opens PostgreSQL when enabled and wires the audit subscribers.
// A connection failure degrades to outbox-only buffering, never a fatal.
func setupStore(cfg *config.Config, bus *events.EventBus) (*database.Store, *database.DB) {
	if !cfg.Database.Enabled {
		return nil, nil
	}

	outbox, err := database.NewOutbox(cfg.Database.OutboxPath, cfg.Database.OutboxDrainBatch)
	if err != nil {
		log.Warn().Err(err).Msg("outbox init failed, persistence disabled")
		return nil, nil
	}

	db, err := database.NewDB(cfg.Database)
	if err != nil {
		log.Warn().Err(err).Msg("database unavailable, persistence disabled")
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := db.RunMigrations(ctx); err != nil {
		log.Warn().Err(err).Msg("migrations failed, persistence disabled")
		db.Close()
		return nil, nil
	}

	store := database.NewStore(db, outbox)
	subscribeAudit(bus, store, cfg.Grid.Symbol)
	return store, db
}

// subscribeAudit routes bus events into the audit store
func subscribeAudit(bus *events.EventBus, store *database.Store, symbol string) {
	bus.Subscribe(events.EventOrderPlaced, func(e events.Event) {
		store.LogOrderEvent("placed",
			asInt64(e.Data["order_id"]), asString(e.Data["client_order_id"]), symbol,
			asString(e.Data["side"]), asFloat(e.Data["price"]), asFloat(e.Data["quantity"]), "")
	})
	bus.Subscribe(events.EventOrderCancelled, func(e events.Event) {
		store.LogOrderEvent("cancelled",
			asInt64(e.Data["order_id"]), "", symbol, "", 0, 0, asString(e.Data["reason"]))
	})
	bus.Subscribe(events.EventOrderFilled, func(e events.Event) {
		store.LogFill(symbol, asString(e.Data["side"]), 0,
			asFloat(e.Data["price"]), asFloat(e.Data["quantity"]), false, e.Timestamp)
	})
	bus.Subscribe(events.EventPhantomFill, func(e events.Event) {
		store.LogFill(symbol, asString(e.Data["side"]), 0,
			asFloat(e.Data["price"]), asFloat(e.Data["quantity"]), true, e.Timestamp)
	})
	bus.Subscribe(events.EventSizeSuppressed, func(e events.Event) {
		store.LogOrderEvent("suppressed", 0, "", symbol,
			asString(e.Data["side"]), 0, 0, asString(e.Data["reason"]))
	})
	bus.Subscribe(events.EventError, func(e events.Event) {
		store.LogError(asString(e.Data["source"]), asString(e.Data["message"]))
	})
}

// setupMirror opens the Redis order mirror when enabled
func setupMirror(cfg *config.Config, bus *events.EventBus) *database.OrderMirror {
	if !cfg.Redis.Enabled {
		return nil
	}
	mirror, err := database.NewOrderMirror(cfg.Redis, cfg.Grid.Symbol)
	if err != nil {
		log.Warn().Err(err).Msg("redis unavailable, order mirror disabled")
		return nil
	}

	bus.Subscribe(events.EventOrderPlaced, func(e events.Event) {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		mirror.TrackOrder(ctx, database.MirroredOrder{
			OrderID:       asInt64(e.Data["order_id"]),
			ClientOrderID: asString(e.Data["client_order_id"]),
			Symbol:        cfg.Grid.Symbol,
			Side:          asString(e.Data["side"]),
			Price:         asFloat(e.Data["price"]),
			Quantity:      asFloat(e.Data["quantity"]),
			PlacedAt:      e.Timestamp,
		})
	})
	bus.Subscribe(events.EventOrderCancelled, func(e events.Event) {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		mirror.UntrackOrder(ctx, asInt64(e.Data["order_id"]))
	})
	return mirror
}

// subscribeFillBlotter keeps the snapshot's recent-fill list current
func subscribeFillBlotter(bus *events.EventBus, writer *state.Writer) {
	record := func(phantom bool) events.Subscriber {
		return func(e events.Event) {
			writer.RecordFill(state.FillView{
				Side:    asString(e.Data["side"]),
				Price:   asFloat(e.Data["price"]),
				Size:    asFloat(e.Data["quantity"]),
				Phantom: phantom,
				Time:    e.Timestamp,
			})
		}
	}
	bus.Subscribe(events.EventOrderFilled, record(false))
	bus.Subscribe(events.EventPhantomFill, record(true))
}

func hostID() string {
	if h, err := os.Hostname(); err == nil {
		return h
	}
	return "grid-bot"
}

func asString(v interface{}) string {
	s, _ := v.(string)
	return s
}

func asFloat(v interface{}) float64 {
	f, _ := v.(float64)
	return f
}

func asInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case float64:
		return int64(n)
	case int:
		return int64(n)
	}
	return 0
}
