package reconcile

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"binance-grid-bot/config"
)

func safetyConfig() *config.Config {
	cfg := config.Default()
	cfg.Grid.Support = 100000
	cfg.Grid.Resistance = 120000
	cfg.Safety.MaxOrdersPerMinute = 3
	cfg.Safety.MaxCancelsPerMinute = 2
	cfg.Safety.MaxNotionalPerMinute = 1000
	cfg.Safety.MaxAPIErrorStreak = 3
	cfg.Safety.StaleDataSeconds = 60
	return cfg
}

func TestGovernorPlacementRateCap(t *testing.T) {
	g := NewGovernor(safetyConfig())
	now := time.Now()

	for i := 0; i < 3; i++ {
		if !g.AllowPlacement(100, now) {
			t.Fatalf("placement %d blocked below the cap", i+1)
		}
		g.RecordPlacement(100, now)
	}
	if g.AllowPlacement(100, now) {
		t.Error("placement allowed past the per-minute cap")
	}

	// The next minute opens fresh budget
	if !g.AllowPlacement(100, now.Add(time.Minute)) {
		t.Error("placement blocked after the window rolled")
	}
}

func TestGovernorNotionalCap(t *testing.T) {
	g := NewGovernor(safetyConfig())
	now := time.Now()

	if !g.AllowPlacement(900, now) {
		t.Fatal("placement inside the notional cap blocked")
	}
	g.RecordPlacement(900, now)

	// 900 + 200 breaches the 1000 cap even though the order count does not
	if g.AllowPlacement(200, now) {
		t.Error("placement allowed past the notional cap")
	}
	if !g.AllowPlacement(100, now) {
		t.Error("placement exactly at the notional cap blocked")
	}
}

func TestGovernorCancelRateCap(t *testing.T) {
	g := NewGovernor(safetyConfig())
	now := time.Now()

	for i := 0; i < 2; i++ {
		if !g.AllowCancel(now) {
			t.Fatalf("cancel %d blocked below the cap", i+1)
		}
		g.RecordCancel(now)
	}
	if g.AllowCancel(now) {
		t.Error("cancel allowed past the per-minute cap")
	}
	if !g.AllowCancel(now.Add(time.Minute)) {
		t.Error("cancel blocked after the window rolled")
	}
}

func TestGovernorWindowCounters(t *testing.T) {
	g := NewGovernor(safetyConfig())
	now := time.Now()

	g.RecordPlacement(250, now)
	g.RecordPlacement(250, now)
	g.RecordCancel(now)

	w := g.Window(now)
	if w.OrdersPlaced != 2 || w.CancelsIssued != 1 || w.NotionalAdded != 500 {
		t.Errorf("window = %+v, want 2 orders / 1 cancel / 500 notional", w)
	}

	w = g.Window(now.Add(2 * time.Minute))
	if w.OrdersPlaced != 0 || w.CancelsIssued != 0 || w.NotionalAdded != 0 {
		t.Errorf("rolled window = %+v, want zeroed counters", w)
	}
}

func TestGovernorKillSwitchEnv(t *testing.T) {
	g := NewGovernor(safetyConfig())
	if g.KillSwitchActive() {
		t.Fatal("kill switch active with no signal")
	}

	t.Setenv("GRID_KILL_SWITCH", "1")
	if !g.KillSwitchActive() {
		t.Error("env kill switch not detected")
	}

	t.Setenv("GRID_KILL_SWITCH", "0")
	if g.KillSwitchActive() {
		t.Error("cleared env kill switch still active")
	}
}

func TestGovernorKillSwitchFile(t *testing.T) {
	cfg := safetyConfig()
	cfg.Safety.KillSwitchFile = filepath.Join(t.TempDir(), "KILL_SWITCH")
	g := NewGovernor(cfg)

	if g.KillSwitchActive() {
		t.Fatal("kill switch active before the file exists")
	}
	if err := os.WriteFile(cfg.Safety.KillSwitchFile, nil, 0o644); err != nil {
		t.Fatalf("write kill file: %v", err)
	}
	if !g.KillSwitchActive() {
		t.Error("file kill switch not detected")
	}
}

func TestGovernorDegradeOnErrorStreak(t *testing.T) {
	g := NewGovernor(safetyConfig())
	now := time.Now()

	g.RecordAPIError()
	g.RecordAPIError()
	if g.Degraded(now) {
		t.Error("degraded below the streak threshold")
	}

	g.RecordAPIError()
	if !g.Degraded(now) {
		t.Error("not degraded at the streak threshold")
	}
	if g.APIErrorStreak() != 3 {
		t.Errorf("streak = %d, want 3", g.APIErrorStreak())
	}

	// One success clears the streak and the degrade state
	g.RecordAPISuccess()
	if g.Degraded(now) {
		t.Error("still degraded after a successful call")
	}
}

func TestGovernorDegradeOnStaleData(t *testing.T) {
	g := NewGovernor(safetyConfig())
	now := time.Now()

	g.MarkDataFresh(now)
	if g.Degraded(now.Add(30 * time.Second)) {
		t.Error("degraded with fresh data")
	}
	if !g.Degraded(now.Add(2 * time.Minute)) {
		t.Error("not degraded with stale data")
	}

	g.MarkDataFresh(now.Add(2 * time.Minute))
	if g.Degraded(now.Add(2*time.Minute + time.Second)) {
		t.Error("still degraded after fresh data arrived")
	}
}
