// Package bot owns the process lifecycle: bootstrap, the single-threaded
// bar-driven trading loop, and session teardown.
package bot

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"binance-grid-bot/config"
	"binance-grid-bot/internal/binance"
	"binance-grid-bot/internal/database"
	"binance-grid-bot/internal/events"
	"binance-grid-bot/internal/grid"
	"binance-grid-bot/internal/indicators"
	"binance-grid-bot/internal/orders"
	"binance-grid-bot/internal/reconcile"
	"binance-grid-bot/internal/state"
	"binance-grid-bot/internal/strategy"
)

const (
	emaFastPeriod  = 12
	emaSlowPeriod  = 26
	rsiPeriod      = 14
	volPeriod      = 20
	historyBars    = 200
	barPollRetries = 3
	barPollDelay   = 2 * time.Second
)

// RunnerState scopes the per-run process state the loop mutates between bars
type RunnerState struct {
	StartedAt       time.Time
	BarIndex        int
	TradeCursor     int64
	LastBarClose    int64
	DayStart        time.Time
	DayStartBalance float64 // wallet balance at the start of the UTC day
}

// Bot wires every component and drives the bar loop
type Bot struct {
	cfg      *config.Config
	client   binance.ExecutionEngine
	data     binance.DataSource
	mgr      *grid.Manager
	coord    *strategy.Coordinator
	engine   *reconcile.Engine
	governor *reconcile.Governor
	bus      *events.EventBus
	store    *database.Store       // nil when persistence is disabled
	mirror   *database.OrderMirror // nil when redis is disabled
	writer   *state.Writer
	live     bool

	runner RunnerState
}

// Deps bundles the optional collaborators main wires in
type Deps struct {
	Client binance.ExecutionEngine
	Data   binance.DataSource
	Store  *database.Store
	Mirror *database.OrderMirror
	Writer *state.Writer
	Bus    *events.EventBus
}

// New assembles the bot. live=false runs simulated fills against the venue
// data feed without resting real orders beyond the mock.
func New(cfg *config.Config, deps Deps, live bool) *Bot {
	mgr := grid.NewManager(cfg)
	coord := strategy.NewCoordinator(cfg, mgr, deps.Bus, live)
	governor := reconcile.NewGovernor(cfg)
	versions := orders.NewVersionCounter()
	engine := reconcile.NewEngine(cfg, deps.Client, coord, governor, versions, deps.Bus)

	return &Bot{
		cfg:      cfg,
		client:   deps.Client,
		data:     deps.Data,
		mgr:      mgr,
		coord:    coord,
		engine:   engine,
		governor: governor,
		bus:      deps.Bus,
		store:    deps.Store,
		mirror:   deps.Mirror,
		writer:   deps.Writer,
		live:     live,
	}
}

// Manager exposes the grid manager (status reporting)
func (b *Bot) Manager() *grid.Manager {
	return b.mgr
}

// Bootstrap builds the grid from history and recovers venue state
func (b *Bot) Bootstrap(cursorPath string) error {
	g := b.cfg.Grid

	history, err := b.data.GetKlines(g.Symbol, g.Timeframe, historyBars)
	if err != nil {
		return err
	}
	if err := b.mgr.SetupGrid(history); err != nil {
		return err
	}
	if b.bus != nil {
		b.bus.Publish(events.Event{Type: events.EventGridConstructed, Data: map[string]interface{}{
			"symbol": g.Symbol, "spacing_pct": b.mgr.SpacingPct(),
		}})
	}

	in, err := b.factorInputs(history)
	if err != nil {
		return err
	}

	cursor := state.LoadTradeCursor(cursorPath, g.Symbol)
	newCursor, err := b.engine.Bootstrap(cursor, in)
	if err != nil {
		return err
	}
	b.runner = RunnerState{
		StartedAt:       time.Now(),
		TradeCursor:     newCursor,
		DayStart:        time.Now().UTC().Truncate(24 * time.Hour),
		DayStartBalance: in.Equity,
	}
	if err := state.SaveTradeCursor(cursorPath, g.Symbol, newCursor); err != nil {
		log.Warn().Err(err).Msg("trade cursor save failed")
	}

	if b.bus != nil {
		b.bus.Publish(events.Event{Type: events.EventBotStarted, Data: map[string]interface{}{"symbol": g.Symbol}})
	}
	return nil
}

// Run drives the bar loop until the context is cancelled. Each iteration
// blocks on the next closed bar, then runs fill detection, the coordinator
// and reconciliation synchronously. The trading core is single-writer;
// shared sinks (snapshot writer, outbox) carry their own locks because bus
// subscribers run on goroutines.
func (b *Bot) Run(ctx context.Context, cursorPath string) error {
	log.Info().
		Str("symbol", b.cfg.Grid.Symbol).
		Bool("live", b.live).
		Msg("bar loop started")

	for {
		if err := sleepToNextMinute(ctx); err != nil {
			return nil // cancelled
		}

		bar, ok := b.fetchNewBar(ctx)
		if !ok {
			continue
		}
		b.runner.BarIndex++
		b.runner.LastBarClose = bar.CloseTime
		b.governor.MarkDataFresh(time.Now())
		b.rollDailyWindow()

		if b.writer != nil {
			b.writer.AppendBar(state.BarRecord{
				Symbol: b.cfg.Grid.Symbol, OpenTime: bar.OpenTime,
				Open: bar.Open, High: bar.High, Low: bar.Low, Close: bar.Close,
				Volume: bar.Volume, CloseTime: bar.CloseTime,
			})
		}

		b.runBar(*bar, cursorPath)
	}
}

// runBar executes one full pipeline pass for a closed bar
func (b *Bot) runBar(bar binance.Kline, cursorPath string) {
	g := b.cfg.Grid

	history, err := b.data.GetKlines(g.Symbol, g.Timeframe, historyBars)
	if err != nil {
		b.governor.RecordAPIError()
		log.Error().Err(err).Msg("history fetch failed, skipping bar")
		return
	}
	b.governor.RecordAPISuccess()

	in, err := b.factorInputs(history)
	if err != nil {
		log.Error().Err(err).Msg("factor snapshot failed, skipping bar")
		return
	}

	// Fill processing always precedes sync so hedges land in the same bar
	if fills, err := b.engine.ProcessFilledOrders(); err != nil {
		log.Error().Err(err).Msg("fill detection failed")
	} else if fills > 0 {
		b.runner.TradeCursor = time.Now().UnixMilli()
		if err := state.SaveTradeCursor(cursorPath, g.Symbol, b.runner.TradeCursor); err != nil {
			log.Warn().Err(err).Msg("trade cursor save failed")
		}
	}

	signals := b.coord.OnData(b.runner.BarIndex, bar, in)
	for _, sig := range signals {
		b.executeSignal(sig)
	}

	if err := b.engine.Sync(bar.Close, time.Now(), in, false); err != nil {
		log.Error().Err(err).Msg("sync failed")
	}

	b.report(bar, in)
}

// executeSignal places a risk signal (deleverage, short stop) as a market
// order so it executes regardless of price movement.
func (b *Bot) executeSignal(sig strategy.Signal) {
	log.Warn().
		Str("reason", sig.Reason).
		Str("side", string(sig.Key.Direction)).
		Float64("size", sig.Size).
		Msg("executing risk signal")

	resp, err := b.client.PlaceOrder(binance.FuturesOrderParams{
		Symbol:     b.cfg.Grid.Symbol,
		Side:       string(sig.Key.Direction),
		Type:       binance.FuturesOrderTypeMarket,
		Quantity:   sig.Size,
		ReduceOnly: true,
	})
	if err != nil {
		b.governor.RecordAPIError()
		log.Error().Err(err).Str("reason", sig.Reason).Msg("risk signal placement failed")
		return
	}
	b.governor.RecordAPISuccess()
	if resp == nil || resp.OrderID == 0 {
		log.Error().Str("reason", sig.Reason).Msg("risk signal rejected by venue")
		return
	}

	// Market order: treat as immediately executed against the ledger. Signal
	// fills bypass the grid fill path so no resting slot is consumed.
	b.coord.OnSignalFilled(strategy.Fill{
		Key:   sig.Key,
		Price: sig.Price,
		Size:  sig.Size,
		Time:  time.Now().UnixMilli(),
	}, sig.Reason)
}

// factorInputs assembles the per-bar market/portfolio snapshot
func (b *Bot) factorInputs(history []binance.Kline) (grid.FactorInputs, error) {
	g := b.cfg.Grid

	equity, err := b.client.GetAccountBalance()
	if err != nil {
		b.governor.RecordAPIError()
		return grid.FactorInputs{}, err
	}
	b.governor.RecordAPISuccess()

	price := 0.0
	if len(history) > 0 {
		price = history[len(history)-1].Close
	}
	if mark, err := b.client.GetMarkPrice(g.Symbol); err == nil && mark > 0 {
		price = mark
		b.governor.RecordAPISuccess()
	}

	funding := 0.0
	if rate, err := b.client.GetFundingRate(g.Symbol); err == nil {
		funding = rate
		b.governor.RecordAPISuccess()
	}

	atr := indicators.CalculateATR(history, g.ATRPeriod)
	atrPct := 0.0
	if price > 0 {
		atrPct = atr / price
	}

	inv := b.mgr.Inventory()

	// Wallet balance already reflects realized PnL, so the equity delta IS
	// the day's realized result; adding the realized delta on top would
	// count it twice.
	dailyPnl := equity - b.runner.DayStartBalance

	return grid.FactorInputs{
		Price:       price,
		Equity:      equity,
		DailyPnl:    dailyPnl,
		HoldingsBtc: inv.LongExposure,
		RangePos:    b.mgr.RangePosition(price),
		ATRPct:      atrPct,
		RealizedVol: indicators.CalculateStdDev(history, volPeriod),
		EMAFast:     indicators.CalculateEMA(history, emaFastPeriod),
		EMASlow:     indicators.CalculateEMA(history, emaSlowPeriod),
		RSI:         indicators.CalculateRSI(history, rsiPeriod),
		FundingRate: funding,
	}, nil
}

// rollDailyWindow resets the daily PnL reference at each UTC midnight
func (b *Bot) rollDailyWindow() {
	today := time.Now().UTC().Truncate(24 * time.Hour)
	if today.After(b.runner.DayStart) {
		b.runner.DayStart = today
		if equity, err := b.client.GetAccountBalance(); err == nil {
			b.runner.DayStartBalance = equity
		}
	}
}

// fetchNewBar polls for a bar newer than the last processed one
func (b *Bot) fetchNewBar(ctx context.Context) (*binance.Kline, bool) {
	g := b.cfg.Grid
	for attempt := 0; attempt < barPollRetries; attempt++ {
		bar, err := b.data.GetLatestBar(g.Symbol, g.Timeframe)
		if err != nil {
			b.governor.RecordAPIError()
			log.Warn().Err(err).Msg("latest bar fetch failed")
		} else if bar != nil && bar.CloseTime > b.runner.LastBarClose {
			b.governor.RecordAPISuccess()
			return bar, true
		}

		select {
		case <-ctx.Done():
			return nil, false
		case <-time.After(barPollDelay):
		}
	}
	return nil, false
}

// report writes the per-bar snapshot, heartbeat and mirror updates
func (b *Bot) report(bar binance.Kline, in grid.FactorInputs) {
	inv := b.mgr.Inventory()
	stats := b.engine.LastStats()

	if b.writer != nil {
		resting := make([]state.RestingOrderView, 0)
		for _, t := range b.engine.TrackedOrders() {
			resting = append(resting, state.RestingOrderView{
				OrderID:       t.OrderID,
				ClientOrderID: t.ClientOrderID,
				Side:          string(t.Key.Direction),
				LevelIndex:    t.Key.LevelIndex,
				Price:         t.Price,
				Quantity:      t.Qty,
			})
		}
		mode := "sim"
		if b.live {
			mode = "live"
		}
		b.writer.WriteSnapshot(state.Snapshot{
			Symbol:        b.cfg.Grid.Symbol,
			Mode:          mode,
			BarIndex:      b.runner.BarIndex,
			Price:         bar.Close,
			Equity:        in.Equity,
			LongExposure:  inv.LongExposure,
			ShortExposure: inv.ShortExposure,
			RealizedPnl:   inv.RealizedPnl,
			DailyPnl:      in.DailyPnl,
			AvgCost:       b.mgr.AvgCost(),
			GridEnabled:   b.mgr.Enabled(),
			Degraded:      b.governor.APIErrorStreak() >= b.cfg.Safety.MaxAPIErrorStreak,
			KillSwitch:    b.governor.KillSwitchActive(),
			ErrorStreak:   b.governor.APIErrorStreak(),
			RestingOrders: resting,
		})
	}

	if b.store != nil {
		b.store.Heartbeat(b.runner.BarIndex, in.Equity, inv.LongExposure, inv.RealizedPnl, len(b.engine.TrackedOrders()))
	}
	if b.mirror != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		b.mirror.Heartbeat(ctx, b.runner.BarIndex, in.Equity)
		cancel()
	}

	log.Info().
		Int("bar", b.runner.BarIndex).
		Float64("close", bar.Close).
		Float64("equity", in.Equity).
		Float64("long_exposure", inv.LongExposure).
		Float64("realized_pnl", inv.RealizedPnl).
		Int("placed", stats.OrdersPlaced).
		Int("cancelled", stats.CancelsIssued).
		Msg("bar processed")
}

// Shutdown cancels resting orders and closes out the run
func (b *Bot) Shutdown() {
	log.Info().Msg("shutting down, cancelling resting orders")
	if err := b.engine.CancelAll(time.Now()); err != nil {
		log.Warn().Err(err).Msg("shutdown cancel incomplete")
	}
	if b.bus != nil {
		b.bus.Publish(events.Event{Type: events.EventBotStopped, Data: map[string]interface{}{"symbol": b.cfg.Grid.Symbol}})
	}
}

// sleepToNextMinute blocks until just after the next wall-clock minute
// boundary, when the venue has a freshly closed bar.
func sleepToNextMinute(ctx context.Context) error {
	now := time.Now()
	next := now.Truncate(time.Minute).Add(time.Minute + 2*time.Second)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(next.Sub(now)):
		return nil
	}
}
