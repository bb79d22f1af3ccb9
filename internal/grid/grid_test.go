package grid

import (
	"errors"
	"math"
	"testing"

	"binance-grid-bot/config"
	"binance-grid-bot/internal/orders"
)

// testConfig is the range scenario used throughout: 100k-120k, 5 levels per
// side, spacing floor 0.54% (0.5% return + 2x0.02% fee).
func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Grid.Symbol = "BTCUSDT"
	cfg.Grid.Support = 100000
	cfg.Grid.Resistance = 120000
	cfg.Grid.LevelsPerSide = 5
	cfg.Grid.MinReturn = 0.005
	cfg.Grid.FeeRate = 0.0002
	cfg.Grid.SpacingMultiplier = 1.0
	cfg.Grid.Leverage = 3
	return cfg
}

// plainSizingConfig disables every factor so sizing tests see base size only
func plainSizingConfig() *config.Config {
	cfg := testConfig()
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

func setupManager(t *testing.T, cfg *config.Config) *Manager {
	t.Helper()
	m := NewManager(cfg)
	if err := m.SetupGrid(nil); err != nil {
		t.Fatalf("SetupGrid: %v", err)
	}
	return m
}

func TestSetupGridLevels(t *testing.T) {
	m := setupManager(t, testConfig())

	if got := len(m.BuyLevels()); got != 5 {
		t.Fatalf("buy levels = %d, want 5", got)
	}
	if got := len(m.SellLevels()); got != 5 {
		t.Fatalf("sell levels = %d, want 5", got)
	}

	// Pivot 110k, half-range 10k over 5 levels: 2k steps
	wantBuys := []float64{108000, 106000, 104000, 102000, 100000}
	for i, lvl := range m.BuyLevels() {
		if math.Abs(lvl.Price-wantBuys[i]) > 1e-6 {
			t.Errorf("buy level %d price = %.2f, want %.2f", i, lvl.Price, wantBuys[i])
		}
	}
	wantSells := []float64{112000, 114000, 116000, 118000, 120000}
	for i, lvl := range m.SellLevels() {
		if math.Abs(lvl.Price-wantSells[i]) > 1e-6 {
			t.Errorf("sell level %d price = %.2f, want %.2f", i, lvl.Price, wantSells[i])
		}
	}

	// Spacing never below the cost-covering floor of 0.54%
	if m.SpacingPct() < 0.0054 {
		t.Errorf("spacing %.4f%% below cost floor 0.54%%", m.SpacingPct()*100)
	}

	// One placed, untriggered pending order per level
	pending := m.PlacedPending()
	if len(pending) != 10 {
		t.Fatalf("pending orders = %d, want 10", len(pending))
	}
	for _, po := range pending {
		if po.Triggered {
			t.Errorf("fresh pending %+v already triggered", po.Key)
		}
	}
}

func TestSetupGridInvalidRange(t *testing.T) {
	cfg := testConfig()
	cfg.Grid.Support = 120000
	cfg.Grid.Resistance = 100000

	m := NewManager(cfg)
	if err := m.SetupGrid(nil); !errors.Is(err, ErrInvalidConfiguration) {
		t.Errorf("inverted range error = %v, want ErrInvalidConfiguration", err)
	}
}

func TestSetupGridNoLevelsFit(t *testing.T) {
	cfg := testConfig()
	// Range so tight the cost-covering spacing pushes every level outside it
	cfg.Grid.Support = 100000
	cfg.Grid.Resistance = 100100

	m := NewManager(cfg)
	if err := m.SetupGrid(nil); !errors.Is(err, ErrInvalidConfiguration) {
		t.Errorf("tight range error = %v, want ErrInvalidConfiguration", err)
	}
}

func TestCheckTriggerTouchRule(t *testing.T) {
	m := setupManager(t, testConfig())

	// Bar spans 99k-101k: only buy level 4 at 100k is inside
	trigger := m.CheckTrigger(100500, 101000, 101000, 99000, 1)
	if trigger == nil {
		t.Fatal("expected a trigger for the touched level")
	}
	if trigger.Key.Direction != orders.DirectionBuy || trigger.Key.LevelIndex != 4 {
		t.Errorf("triggered %+v, want buy level 4", trigger.Key)
	}
	if !trigger.Triggered {
		t.Error("returned order not marked triggered")
	}
	if trigger.LastCheckedBar != 1 {
		t.Errorf("LastCheckedBar = %d, want 1", trigger.LastCheckedBar)
	}

	// Exactly one trigger per touch: the same bar cannot re-fire it
	if again := m.CheckTrigger(100500, 101000, 101000, 99000, 1); again != nil {
		t.Errorf("second call returned %+v, want nil", again.Key)
	}

	// After an explicit reset the same touch fires again
	m.ResetTriggeredOrders()
	if again := m.CheckTrigger(100500, 101000, 101000, 99000, 2); again == nil {
		t.Error("trigger did not re-arm after reset")
	}
}

func TestCheckTriggerNearestWins(t *testing.T) {
	m := setupManager(t, testConfig())

	// Bar spans three buy levels: 100k, 102k, 104k. Current price 103k is
	// closest to 102k and 104k (1k each); 102k wins on iteration order but
	// either is acceptable as long as it is at least as close as any other.
	trigger := m.CheckTrigger(103000, 104500, 104500, 99500, 1)
	if trigger == nil {
		t.Fatal("expected a trigger")
	}
	dist := math.Abs(trigger.Price - 103000)
	for _, lvl := range m.BuyLevels() {
		if lvl.Price >= 99500 && lvl.Price <= 104500 {
			if other := math.Abs(lvl.Price - 103000); other < dist-1e-9 {
				t.Errorf("triggered level at %.0f but %.0f is closer", trigger.Price, lvl.Price)
			}
		}
	}
}

func TestSellTriggerRequiresInventory(t *testing.T) {
	m := setupManager(t, testConfig())

	// Bar touches sell level 0 at 112k with no long inventory
	if trigger := m.CheckTrigger(112000, 111000, 112500, 111000, 1); trigger != nil {
		t.Fatalf("sell triggered without inventory: %+v", trigger.Key)
	}

	// With inventory the same touch fires
	m.RecordBuy(0, 0.01, 108000)
	trigger := m.CheckTrigger(112000, 111000, 112500, 111000, 2)
	if trigger == nil {
		t.Fatal("sell did not trigger with inventory")
	}
	if trigger.Key.Direction != orders.DirectionSell || trigger.Key.LevelIndex != 0 {
		t.Errorf("triggered %+v, want sell level 0", trigger.Key)
	}
}

func TestCheckTriggerDisabledGrid(t *testing.T) {
	m := setupManager(t, testConfig())
	m.Disable("risk shutdown")

	if trigger := m.CheckTrigger(100500, 101000, 101000, 99000, 1); trigger != nil {
		t.Errorf("disabled grid triggered %+v", trigger.Key)
	}
}

func TestLedgerSameLevelPairing(t *testing.T) {
	m := setupManager(t, testConfig())

	m.RecordBuy(1, 0.02, 106000)
	m.RecordBuy(3, 0.01, 102000)

	// Sell at level 3 pairs with the level-3 entry first, not FIFO
	match := m.MatchSellOrder(3, 0.01)
	if match == nil {
		t.Fatal("no match")
	}
	if match.BuyLevelIndex != 3 {
		t.Errorf("matched level %d, want 3 (same-level pairing)", match.BuyLevelIndex)
	}
	if math.Abs(match.BuyPrice-102000) > 1e-6 {
		t.Errorf("matched price %.2f, want 102000", match.BuyPrice)
	}
	if math.Abs(m.Inventory().LongExposure-0.02) > 1e-9 {
		t.Errorf("long exposure = %.4f, want 0.02", m.Inventory().LongExposure)
	}
}

func TestLedgerFIFOFallback(t *testing.T) {
	m := setupManager(t, testConfig())

	m.RecordBuy(0, 0.01, 108000)
	m.RecordBuy(1, 0.01, 106000)

	// No entry pairs with sell level 4: fall back to FIFO (level 0 first)
	match := m.MatchSellOrder(4, 0.015)
	if match == nil {
		t.Fatal("no match")
	}
	if match.BuyLevelIndex != 0 {
		t.Errorf("FIFO matched level %d, want 0", match.BuyLevelIndex)
	}
	if math.Abs(match.MatchedSize-0.015) > 1e-9 {
		t.Errorf("matched size %.4f, want 0.015", match.MatchedSize)
	}
	// Weighted average of 0.01@108k and 0.005@106k
	wantPrice := (0.01*108000 + 0.005*106000) / 0.015
	if math.Abs(match.BuyPrice-wantPrice) > 1e-6 {
		t.Errorf("matched price %.2f, want %.2f", match.BuyPrice, wantPrice)
	}
	if math.Abs(m.Inventory().LongExposure-0.005) > 1e-9 {
		t.Errorf("long exposure = %.4f, want 0.005", m.Inventory().LongExposure)
	}
}

func TestMatchSellOrderNoInventory(t *testing.T) {
	m := setupManager(t, testConfig())
	if match := m.MatchSellOrder(0, 0.01); match != nil {
		t.Errorf("empty ledger matched %+v", match)
	}
}

func TestCalculateOrderSizeBase(t *testing.T) {
	cfg := plainSizingConfig()
	cfg.Sizing.RiskBudget = 0.1
	m := setupManager(t, cfg)

	in := FactorInputs{Price: 104000, Equity: 10000, RangePos: 0.2}
	size, decision := m.CalculateOrderSize(orders.DirectionBuy, 2, 104000, in)
	if size <= 0 {
		t.Fatalf("size = %v suppressed: %s", size, decision.Reason)
	}

	// base = equity * riskBudget * levelWeight / price * leverage, weight 1.0
	want := math.Floor((10000*0.1*1.0/104000)*3*1000) / 1000
	if math.Abs(size-want) > 1e-9 {
		t.Errorf("size = %.4f, want %.4f", size, want)
	}
	if decision.Reason != "ok" {
		t.Errorf("reason = %q, want ok", decision.Reason)
	}
}

func TestCalculateOrderSizeCapacityBlock(t *testing.T) {
	cfg := plainSizingConfig()
	cfg.Sizing.RiskBudget = 0.5
	cfg.Sizing.EquityFloor = 1000
	cfg.Sizing.CapacityThreshold = 0.8
	cfg.Factors.Capacity = config.FactorConfig{Enabled: true, Floor: 0, Ceiling: 1}
	m := setupManager(t, cfg)

	// Cap = 1000 * 3 * 0.8 = 2400 notional; this order alone projects 30k
	in := FactorInputs{Price: 100000, Equity: 20000, RangePos: 0.5}
	size, decision := m.CalculateOrderSize(orders.DirectionBuy, 4, 100000, in)
	if size != 0 {
		t.Errorf("size = %.4f, want 0 (capacity)", size)
	}
	if decision.Reason != "size_suppressed:capacity" {
		t.Errorf("reason = %q, want capacity", decision.Reason)
	}
}

func TestCalculateOrderSizeMinNotional(t *testing.T) {
	cfg := plainSizingConfig()
	cfg.Sizing.RiskBudget = 0.001
	cfg.Sizing.MinOrderNotional = 100
	m := setupManager(t, cfg)

	// base notional = 10 * 3 = 30, below the 100 minimum after rounding
	in := FactorInputs{Price: 100000, Equity: 10000, RangePos: 0.5}
	size, decision := m.CalculateOrderSize(orders.DirectionBuy, 4, 100000, in)
	if size != 0 {
		t.Errorf("size = %.4f, want 0 (min notional)", size)
	}
	if decision.Reason == "ok" {
		t.Error("expected a suppression reason")
	}
}

func TestCalculateOrderSizeCostBasisZone(t *testing.T) {
	cfg := plainSizingConfig()
	cfg.Sizing.RiskBudget = 0.1
	cfg.Factors.CostBasis = config.FactorConfig{Enabled: true, Floor: 0, Ceiling: 1}
	cfg.Sizing.CostBasisZonePct = 0.03
	cfg.Sizing.CostBasisZoneFloor = 0
	m := setupManager(t, cfg)

	m.RecordBuy(0, 0.01, 108000)

	// Price 3%+ below the 108k average cost: buys blocked
	in := FactorInputs{Price: 104000, Equity: 10000, RangePos: 0.2}
	size, decision := m.CalculateOrderSize(orders.DirectionBuy, 2, 104000, in)
	if size != 0 {
		t.Errorf("size = %.4f, want 0 in cost-basis zone", size)
	}
	if decision.Reason != "size_suppressed:cost_basis" {
		t.Errorf("reason = %q, want cost_basis", decision.Reason)
	}

	// Just above the zone buys flow again
	in.Price = 107000
	size, _ = m.CalculateOrderSize(orders.DirectionBuy, 1, 106000, in)
	if size <= 0 {
		t.Error("buy suppressed above the cost-basis zone")
	}
}

func TestCalculateOrderSizeDeleverage(t *testing.T) {
	cfg := plainSizingConfig()
	cfg.Sizing.RiskBudget = 0.1
	cfg.Factors.Deleverage = config.FactorConfig{Enabled: true, Floor: 0, Ceiling: 1}
	cfg.Factors.DeleverageLevels = []float64{0.03, 0.05}
	m := setupManager(t, cfg)

	// First breach halves, full breach blocks
	in := FactorInputs{Price: 104000, Equity: 10000, DailyPnl: -400, RangePos: 0.2}
	halved, _ := m.CalculateOrderSize(orders.DirectionBuy, 2, 104000, in)

	in.DailyPnl = 0
	full, _ := m.CalculateOrderSize(orders.DirectionBuy, 2, 104000, in)
	if halved <= 0 || full <= 0 {
		t.Fatal("baseline sizes suppressed")
	}
	if math.Abs(halved-math.Floor(full/2*1000)/1000) > 1e-3 {
		t.Errorf("one breach size = %.4f, want about half of %.4f", halved, full)
	}

	in.DailyPnl = -600
	blocked, decision := m.CalculateOrderSize(orders.DirectionBuy, 2, 104000, in)
	if blocked != 0 {
		t.Errorf("size = %.4f, want 0 past all deleverage levels", blocked)
	}
	if decision.Reason != "size_suppressed:deleverage" {
		t.Errorf("reason = %q, want deleverage", decision.Reason)
	}
}

func TestSeedLedger(t *testing.T) {
	m := setupManager(t, testConfig())

	m.SeedLedger(0.05, 103000)
	inv := m.Inventory()
	if math.Abs(inv.LongExposure-0.05) > 1e-9 {
		t.Errorf("seeded exposure = %.4f, want 0.05", inv.LongExposure)
	}
	if math.Abs(m.AvgCost()-103000) > 1e-6 {
		t.Errorf("seeded avg cost = %.2f, want 103000", m.AvgCost())
	}

	// Seeding replaces, never accumulates
	m.SeedLedger(0.02, 104000)
	if math.Abs(m.Inventory().LongExposure-0.02) > 1e-9 {
		t.Errorf("re-seeded exposure = %.4f, want 0.02", m.Inventory().LongExposure)
	}
}

func TestApplyActiveBand(t *testing.T) {
	cfg := testConfig()
	cfg.Grid.ActiveLevelBand = 2
	m := setupManager(t, cfg)

	// Price near the pivot: nearest buy is level 0 (108k), nearest sell
	// level 0 (112k); only indices 0-1 stay placed on each side
	m.ApplyActiveBand(110000)

	placed := make(map[orders.OrderKey]bool)
	for _, po := range m.PlacedPending() {
		placed[po.Key] = true
	}
	for _, want := range []orders.OrderKey{
		{Direction: orders.DirectionBuy, LevelIndex: 0, Leg: orders.LegLong},
		{Direction: orders.DirectionBuy, LevelIndex: 1, Leg: orders.LegLong},
		{Direction: orders.DirectionSell, LevelIndex: 0, Leg: orders.LegLong},
		{Direction: orders.DirectionSell, LevelIndex: 1, Leg: orders.LegLong},
	} {
		if !placed[want] {
			t.Errorf("expected %+v placed inside the active band", want)
		}
	}
	if len(placed) != 4 {
		t.Errorf("placed count = %d, want 4", len(placed))
	}

	// Band zero re-arms nothing (it is a no-op)
	cfg.Grid.ActiveLevelBand = 0
	m.ApplyActiveBand(110000)
	if got := len(m.PlacedPending()); got != 4 {
		t.Errorf("zero band changed placement: %d", got)
	}
}

func TestRealizedPnlAccumulates(t *testing.T) {
	m := setupManager(t, testConfig())

	m.RecordBuy(4, 0.01, 100000)
	match := m.MatchSellOrder(4, 0.01)
	if match == nil {
		t.Fatal("no match")
	}
	m.AddRealizedPnl((112000 - match.BuyPrice) * match.MatchedSize)

	if got := m.Inventory().RealizedPnl; math.Abs(got-120) > 1e-6 {
		t.Errorf("realized pnl = %.2f, want 120", got)
	}
}

func TestCalculateOrderSizeRealizedVolRegime(t *testing.T) {
	cfg := plainSizingConfig()
	cfg.Factors.Volatility = config.FactorConfig{Enabled: true, Floor: 0.2, Ceiling: 1}
	cfg.Factors.HighVolATRPct = 0.01
	m := setupManager(t, cfg)

	calm := FactorInputs{Price: 110000, Equity: 10000, RangePos: 0.5, ATRPct: 0.005, RealizedVol: 0.005}
	full, decision := m.CalculateOrderSize(orders.DirectionBuy, 2, 104000, calm)
	if full <= 0 || decision.Reason != "ok" {
		t.Fatalf("calm regime: size %.4f reason %q, want full size", full, decision.Reason)
	}

	// Tight bar ranges but gappy closes: realized vol alone flags the regime
	gappy := calm
	gappy.RealizedVol = 0.02
	shrunk, decision := m.CalculateOrderSize(orders.DirectionBuy, 2, 104000, gappy)
	if decision.Reason != "ok" {
		t.Fatalf("gappy regime: reason %q, want ok", decision.Reason)
	}
	if math.Abs(decision.SizeMultiplier-0.5) > 1e-9 {
		t.Errorf("multiplier = %.4f, want 0.5 (threshold / realized vol)", decision.SizeMultiplier)
	}
	if shrunk >= full {
		t.Errorf("size %.4f not shrunk from %.4f under realized-vol spike", shrunk, full)
	}
}

func TestTrendBoostWithheldWhenOverbought(t *testing.T) {
	cfg := plainSizingConfig()
	cfg.Factors.Trend = config.FactorConfig{Enabled: true, Floor: 0.5, Ceiling: 1.2}
	cfg.Factors.TrendStrength = 0.01
	m := setupManager(t, cfg)

	up := FactorInputs{Price: 110000, Equity: 10000, RangePos: 0.5, EMAFast: 102, EMASlow: 100, RSI: 50}
	_, boosted := m.CalculateOrderSize(orders.DirectionBuy, 2, 104000, up)
	if math.Abs(boosted.SizeMultiplier-1.2) > 1e-9 {
		t.Errorf("with-trend multiplier = %.4f, want ceiling 1.2", boosted.SizeMultiplier)
	}

	// Same uptrend, but momentum already overextended: no boost
	hot := up
	hot.RSI = 75
	_, plain := m.CalculateOrderSize(orders.DirectionBuy, 2, 104000, hot)
	if math.Abs(plain.SizeMultiplier-1.0) > 1e-9 {
		t.Errorf("overbought multiplier = %.4f, want 1.0", plain.SizeMultiplier)
	}

	// The counter-trend throttle is unaffected by RSI
	_, throttled := m.CalculateOrderSize(orders.DirectionSell, 2, 116000, hot)
	if math.Abs(throttled.SizeMultiplier-0.5) > 1e-9 {
		t.Errorf("counter-trend multiplier = %.4f, want floor 0.5", throttled.SizeMultiplier)
	}
}
