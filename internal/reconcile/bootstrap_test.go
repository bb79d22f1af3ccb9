package reconcile

import (
	"math"
	"testing"

	"binance-grid-bot/internal/binance"
	"binance-grid-bot/internal/orders"
)

func TestBootstrapRecoversSession(t *testing.T) {
	f := newEngineFixture(t, testConfig())

	// Leftovers from the previous session: one stale bot order that must go
	if _, err := f.mock.PlaceOrder(binance.FuturesOrderParams{
		Symbol: "BTCUSDT", Side: "BUY", Type: binance.FuturesOrderTypeLimit,
		Quantity: 0.01, Price: 108000, NewClientOrderID: "grid_buy_0_long_v3",
	}); err != nil {
		t.Fatalf("seed stale order: %v", err)
	}
	f.mock.SetPosition("BTCUSDT", 0.04, 104000)

	newCursor, err := f.engine.Bootstrap(0, pivotInputs(10000))
	if err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	if newCursor != 0 {
		t.Errorf("cursor = %d, want 0 with no trade history", newCursor)
	}

	// Ledger adopted the venue position at mark price
	inv := f.coord.Manager().Inventory()
	if math.Abs(inv.LongExposure-0.04) > 1e-9 {
		t.Errorf("seeded exposure = %.4f, want 0.04", inv.LongExposure)
	}
	if got := f.coord.Manager().AvgCost(); math.Abs(got-110000) > 1e-6 {
		t.Errorf("seeded avg cost = %.2f, want mark 110000", got)
	}

	// The stale order is gone and the fresh grid rests in its place
	open := openOrders(t, f.mock, "BTCUSDT")
	if len(open) != 10 {
		t.Errorf("venue open orders = %d, want 10", len(open))
	}
	for _, vo := range open {
		if vo.ClientOrderID == "grid_buy_0_long_v3" {
			t.Error("previous-session order survived bootstrap")
		}
	}

	// The observed version is never reused: buy level 0 re-places at v4
	for _, tr := range f.engine.TrackedOrders() {
		if tr.Key.Direction == orders.DirectionBuy && tr.Key.LevelIndex == 0 && tr.Key.Leg == orders.LegLong {
			if tr.ClientOrderID != "grid_buy_0_long_v4" {
				t.Errorf("buy 0 client id = %q, want grid_buy_0_long_v4", tr.ClientOrderID)
			}
		}
	}
}

func TestBootstrapReplaysDowntimeTrades(t *testing.T) {
	f := newEngineFixture(t, testConfig())

	// A buy filled while the bot was down: the venue has both the trade and
	// the resulting position
	resp, err := f.mock.PlaceOrder(binance.FuturesOrderParams{
		Symbol: "BTCUSDT", Side: "BUY", Type: binance.FuturesOrderTypeLimit,
		Quantity: 0.006, Price: 100000, NewClientOrderID: "grid_buy_4_long_v1",
	})
	if err != nil {
		t.Fatalf("seed order: %v", err)
	}
	if err := f.mock.FillOrder(resp.OrderID); err != nil {
		t.Fatalf("fill order: %v", err)
	}

	newCursor, err := f.engine.Bootstrap(1, pivotInputs(10000))
	if err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	if newCursor <= 1 {
		t.Errorf("cursor = %d, want advanced past the replayed trade", newCursor)
	}

	// Exposure comes from the venue position exactly once, replay or not
	if got := f.coord.Manager().Inventory().LongExposure; math.Abs(got-0.006) > 1e-9 {
		t.Errorf("exposure = %.4f, want 0.006 (no double count)", got)
	}

	// The replayed buy armed its hedge before the initial sync, so the sell
	// at the paired level is resting
	hedgeResting := false
	for _, tr := range f.engine.TrackedOrders() {
		if tr.Key.Direction == orders.DirectionSell && tr.Key.LevelIndex == 4 && tr.Key.Leg == orders.LegLong {
			hedgeResting = true
		}
	}
	if !hedgeResting {
		t.Error("replayed buy's hedge sell not resting after bootstrap")
	}
}

func TestHedgePositionDrift(t *testing.T) {
	f := newEngineFixture(t, testConfig())
	f.mock.SetMarkPrice(110000)

	// Venue says 0.05 long, the ledger knows nothing about it
	f.mock.SetPosition("BTCUSDT", 0.05, 109000)

	if err := f.engine.hedgePositionDrift(110000); err != nil {
		t.Fatalf("hedgePositionDrift: %v", err)
	}

	// The drift is adopted at the nearest buy level
	if got := f.coord.Manager().Inventory().LongExposure; math.Abs(got-0.05) > 1e-9 {
		t.Errorf("adopted exposure = %.4f, want 0.05", got)
	}

	// The hedge rests at the natural paired level (112000 beats the
	// minimum-spread price of about 110594)
	open := openOrders(t, f.mock, "BTCUSDT")
	if len(open) != 1 {
		t.Fatalf("venue open orders = %d, want 1 hedge", len(open))
	}
	hedge := open[0]
	if hedge.Side != "SELL" {
		t.Errorf("hedge side = %q, want SELL", hedge.Side)
	}
	if math.Abs(hedge.Price-112000) > 1e-6 {
		t.Errorf("hedge price = %.2f, want 112000", hedge.Price)
	}
	if math.Abs(hedge.OrigQty-0.05) > 1e-9 {
		t.Errorf("hedge qty = %.4f, want 0.05", hedge.OrigQty)
	}

	// No drift left: a second pass places nothing
	if err := f.engine.hedgePositionDrift(110000); err != nil {
		t.Fatalf("second hedgePositionDrift: %v", err)
	}
	if got := len(openOrders(t, f.mock, "BTCUSDT")); got != 1 {
		t.Errorf("venue open orders = %d, want still 1", got)
	}
}
