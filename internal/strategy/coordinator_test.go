package strategy

import (
	"math"
	"testing"

	"binance-grid-bot/config"
	"binance-grid-bot/internal/binance"
	"binance-grid-bot/internal/grid"
	"binance-grid-bot/internal/orders"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Grid.Support = 100000
	cfg.Grid.Resistance = 120000
	cfg.Grid.MaxFillsPerBar = 3
	cfg.Sizing.RiskBudget = 0.05

	// Sizing factors off so fills depend on price touches alone
	off := config.FactorConfig{Enabled: false}
	cfg.Factors.Breakout = off
	cfg.Factors.RangePosition = off
	cfg.Factors.Funding = off
	cfg.Factors.Volatility = off
	cfg.Factors.Trend = off
	cfg.Factors.Capacity = off
	cfg.Factors.CostBasis = off
	cfg.Factors.Deleverage = off
	cfg.Factors.MMRiskZones = nil
	return cfg
}

func newCoordinator(t *testing.T, cfg *config.Config, live bool) *Coordinator {
	t.Helper()
	mgr := grid.NewManager(cfg)
	if err := mgr.SetupGrid(nil); err != nil {
		t.Fatalf("SetupGrid: %v", err)
	}
	return NewCoordinator(cfg, mgr, nil, live)
}

func baseInputs(price float64) grid.FactorInputs {
	return grid.FactorInputs{Price: price, Equity: 10000, RangePos: 0.5}
}

func pendingByKey(mgr *grid.Manager) map[orders.OrderKey]grid.PendingOrder {
	out := make(map[orders.OrderKey]grid.PendingOrder)
	for _, po := range mgr.PlacedPending() {
		out[po.Key] = po
	}
	return out
}

func TestBuyFillArmsHedgeAndReentry(t *testing.T) {
	c := newCoordinator(t, testConfig(), true)

	buyKey := orders.OrderKey{Direction: orders.DirectionBuy, LevelIndex: 2, Leg: orders.LegLong}
	c.OnOrderFilled(Fill{Key: buyKey, Price: 104000, Size: 0.01})

	pending := pendingByKey(c.Manager())

	// The sell hedge rests at the paired sell level
	sellKey := orders.OrderKey{Direction: orders.DirectionSell, LevelIndex: 2, Leg: orders.LegLong}
	hedge, ok := pending[sellKey]
	if !ok {
		t.Fatal("no sell hedge pending after buy fill")
	}
	if math.Abs(hedge.Price-116000) > 1e-6 {
		t.Errorf("hedge price = %.2f, want 116000", hedge.Price)
	}

	// The same buy level is re-armed with a clean trigger state
	reentry, ok := pending[buyKey]
	if !ok {
		t.Fatal("buy level not re-armed after fill")
	}
	if reentry.Triggered {
		t.Error("re-armed buy still marked triggered")
	}

	if got := c.Manager().Inventory().LongExposure; math.Abs(got-0.01) > 1e-9 {
		t.Errorf("long exposure = %.4f, want 0.01", got)
	}
}

func TestSignalFillLeavesPendingBookAlone(t *testing.T) {
	cfg := testConfig()
	c := newCoordinator(t, cfg, true)

	buyKey := orders.OrderKey{Direction: orders.DirectionBuy, LevelIndex: 2, Leg: orders.LegLong}
	c.OnOrderFilled(Fill{Key: buyKey, Price: 104000, Size: 0.01})
	before := pendingByKey(c.Manager())

	// A forced deleverage executes at market with a key no resting order owns
	sigKey := orders.OrderKey{Direction: orders.DirectionSell, LevelIndex: 0, Leg: orders.LegLong}
	c.OnSignalFilled(Fill{Key: sigKey, Price: 109000, Size: 0.005}, "forced_deleverage")

	after := pendingByKey(c.Manager())
	if len(after) != len(before) {
		t.Errorf("pending book size %d -> %d, want unchanged", len(before), len(after))
	}
	if _, ok := after[sigKey]; !ok {
		t.Error("resting sell slot at level 0 consumed by the signal fill")
	}

	if got := c.Manager().Inventory().LongExposure; math.Abs(got-0.005) > 1e-9 {
		t.Errorf("long exposure = %.4f, want 0.005 after half deleverage", got)
	}

	fee := cfg.Grid.FeeRate * (109000 + 104000) * 0.005
	wantPnl := (109000-104000)*0.005 - fee
	if got := c.Manager().Inventory().RealizedPnl; math.Abs(got-wantPnl) > 1e-6 {
		t.Errorf("realized pnl = %.4f, want %.4f", got, wantPnl)
	}
}

func TestSignalFillWithoutInventoryIsIgnored(t *testing.T) {
	c := newCoordinator(t, testConfig(), true)
	before := pendingByKey(c.Manager())

	sigKey := orders.OrderKey{Direction: orders.DirectionSell, LevelIndex: 0, Leg: orders.LegLong}
	c.OnSignalFilled(Fill{Key: sigKey, Price: 109000, Size: 0.005}, "forced_deleverage")

	if got := c.Manager().Inventory().RealizedPnl; got != 0 {
		t.Errorf("realized pnl = %.4f, want 0 with nothing to match", got)
	}
	if len(pendingByKey(c.Manager())) != len(before) {
		t.Error("pending book changed by an unmatched signal fill")
	}
}

func TestSellFillRealizesSpreadAndReopensBuy(t *testing.T) {
	cfg := testConfig()
	c := newCoordinator(t, cfg, true)

	buyKey := orders.OrderKey{Direction: orders.DirectionBuy, LevelIndex: 2, Leg: orders.LegLong}
	c.OnOrderFilled(Fill{Key: buyKey, Price: 104000, Size: 0.01})

	sellKey := orders.OrderKey{Direction: orders.DirectionSell, LevelIndex: 2, Leg: orders.LegLong}
	c.OnOrderFilled(Fill{Key: sellKey, Price: 116000, Size: 0.01})

	// Spread minus round-trip fees on both notionals
	fee := cfg.Grid.FeeRate * (116000 + 104000) * 0.01
	wantPnl := (116000-104000)*0.01 - fee
	if got := c.Manager().Inventory().RealizedPnl; math.Abs(got-wantPnl) > 1e-6 {
		t.Errorf("realized pnl = %.4f, want %.4f", got, wantPnl)
	}
	if got := c.Manager().Inventory().LongExposure; got > 1e-9 {
		t.Errorf("long exposure = %.6f, want 0 after full hedge", got)
	}

	pending := pendingByKey(c.Manager())
	if _, ok := pending[sellKey]; ok {
		t.Error("consumed sell slot still pending")
	}
	if _, ok := pending[buyKey]; !ok {
		t.Error("matched buy level not re-opened")
	}
}

func TestSimulatedFillOnTouch(t *testing.T) {
	cfg := testConfig()
	cfg.Grid.MaxFillsPerBar = 1
	c := newCoordinator(t, cfg, false)

	// Bar dips to the deepest buy level at 100k and closes back up
	bar := binance.Kline{Open: 101000, High: 101000, Low: 99000, Close: 100500, CloseTime: 1}
	signals := c.OnData(1, bar, baseInputs(100500))

	if len(signals) != 0 {
		t.Errorf("sim bar emitted %d risk signals, want 0", len(signals))
	}
	if got := c.Manager().Inventory().LongExposure; got <= 0 {
		t.Error("touched buy level did not fill in sim mode")
	}

	// The invariant holds after the simulated fill too
	pending := pendingByKey(c.Manager())
	buyKey := orders.OrderKey{Direction: orders.DirectionBuy, LevelIndex: 4, Leg: orders.LegLong}
	sellKey := orders.OrderKey{Direction: orders.DirectionSell, LevelIndex: 4, Leg: orders.LegLong}
	if _, ok := pending[buyKey]; !ok {
		t.Error("filled buy level not re-armed")
	}
	if _, ok := pending[sellKey]; !ok {
		t.Error("hedge sell not armed")
	}
}

func TestLiveModeDoesNotSimulate(t *testing.T) {
	c := newCoordinator(t, testConfig(), true)

	bar := binance.Kline{Open: 101000, High: 101000, Low: 99000, Close: 100500, CloseTime: 1}
	c.OnData(1, bar, baseInputs(100500))

	if got := c.Manager().Inventory().LongExposure; got != 0 {
		t.Errorf("live mode simulated a fill: exposure %.4f", got)
	}
}

func TestOnDataResetsTriggers(t *testing.T) {
	cfg := testConfig()
	c := newCoordinator(t, cfg, false)

	// Equity zero suppresses every size, so the trigger cannot complete
	bar := binance.Kline{Open: 101000, High: 101000, Low: 99000, Close: 100500, CloseTime: 1}
	c.OnData(1, bar, grid.FactorInputs{Price: 100500, Equity: 0})

	// The suppressed level must be armed again on the next bar
	trigger := c.Manager().CheckTrigger(100500, 101000, 101000, 99000, 2)
	if trigger == nil {
		t.Fatal("suppressed trigger was not re-armed")
	}
}

func TestForcedDeleverageSignal(t *testing.T) {
	cfg := testConfig()
	cfg.Factors.Deleverage = config.FactorConfig{Enabled: true, Floor: 0, Ceiling: 1}
	cfg.Factors.DeleverageLevels = []float64{0.03, 0.05}
	c := newCoordinator(t, cfg, true)

	c.Manager().RecordBuy(2, 0.04, 104000)

	// 6% daily drawdown breaches every level
	in := baseInputs(103000)
	in.DailyPnl = -600
	signals := c.OnData(1, binance.Kline{Open: 103000, High: 103500, Low: 102500, Close: 103000}, in)

	if len(signals) != 1 {
		t.Fatalf("signals = %d, want 1", len(signals))
	}
	sig := signals[0]
	if sig.Reason != "forced_deleverage" {
		t.Errorf("reason = %q, want forced_deleverage", sig.Reason)
	}
	if sig.Key.Direction != orders.DirectionSell {
		t.Errorf("direction = %v, want sell", sig.Key.Direction)
	}
	if math.Abs(sig.Size-0.02) > 1e-9 {
		t.Errorf("size = %.4f, want half of exposure 0.02", sig.Size)
	}

	// Below the last level no signal fires
	in.DailyPnl = -400
	if got := c.OnData(2, binance.Kline{Open: 103000, High: 103500, Low: 102500, Close: 103000}, in); len(got) != 0 {
		t.Errorf("partial drawdown emitted %d signals, want 0", len(got))
	}
}

func TestShortStopSignal(t *testing.T) {
	cfg := testConfig()
	cfg.Grid.ShortOverlay = true
	c := newCoordinator(t, cfg, true)

	c.Manager().RecordShortOpen(0, 0.03, 112000)

	// Price above resistance forces a full cover
	in := baseInputs(121000)
	signals := c.OnData(1, binance.Kline{Open: 120500, High: 121500, Low: 120400, Close: 121000}, in)

	found := false
	for _, sig := range signals {
		if sig.Reason == "short_stop" {
			found = true
			if sig.Key.Leg != orders.LegShortCover {
				t.Errorf("leg = %v, want short cover", sig.Key.Leg)
			}
			if math.Abs(sig.Size-0.03) > 1e-9 {
				t.Errorf("size = %.4f, want full exposure 0.03", sig.Size)
			}
		}
	}
	if !found {
		t.Fatal("no short stop signal above resistance")
	}

	// Inside the range the overlay is left alone
	if got := c.OnData(2, binance.Kline{Open: 119000, High: 119500, Low: 118500, Close: 119000}, baseInputs(119000)); len(got) != 0 {
		t.Errorf("in-range bar emitted %d signals, want 0", len(got))
	}
}

func TestDisabledGridIgnoresBars(t *testing.T) {
	c := newCoordinator(t, testConfig(), false)
	c.Manager().Disable("test")

	bar := binance.Kline{Open: 101000, High: 101000, Low: 99000, Close: 100500}
	if got := c.OnData(1, bar, baseInputs(100500)); got != nil {
		t.Errorf("disabled grid returned signals: %v", got)
	}
	if got := c.Manager().Inventory().LongExposure; got != 0 {
		t.Errorf("disabled grid filled: exposure %.4f", got)
	}
}
