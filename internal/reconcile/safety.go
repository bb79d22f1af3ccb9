// Package reconcile keeps the venue's resting orders matched to the grid's
// desired order set, detects fills, and recovers state after restarts.
package reconcile

import (
	"os"
	"time"

	"github.com/rs/zerolog/log"

	"binance-grid-bot/config"
)

// SafetyWindow counts order activity inside one wall-clock minute
type SafetyWindow struct {
	WindowStart   time.Time
	OrdersPlaced  int
	CancelsIssued int
	NotionalAdded float64
}

// Governor enforces per-minute rate and notional limits, the kill switch
// and the degrade-mode check. One instance per engine, bar-loop owned.
type Governor struct {
	cfg      config.SafetyConfig
	window   SafetyWindow
	killFile string

	apiErrorStreak int
	lastFreshData  time.Time
	staleWindow    time.Duration

	degraded bool
}

// NewGovernor creates a governor with fresh counters
func NewGovernor(cfg *config.Config) *Governor {
	return &Governor{
		cfg:           cfg.Safety,
		killFile:      cfg.Safety.KillSwitchFile,
		staleWindow:   cfg.StaleDataWindow(),
		lastFreshData: time.Now(),
	}
}

func (g *Governor) rollWindow(now time.Time) {
	minute := now.Truncate(time.Minute)
	if !minute.Equal(g.window.WindowStart) {
		g.window = SafetyWindow{WindowStart: minute}
	}
}

// AllowPlacement checks the placement rate and per-minute notional caps.
// It does not consume budget; call RecordPlacement once the order is out.
func (g *Governor) AllowPlacement(notional float64, now time.Time) bool {
	g.rollWindow(now)
	if g.window.OrdersPlaced >= g.cfg.MaxOrdersPerMinute {
		return false
	}
	if g.window.NotionalAdded+notional > g.cfg.MaxNotionalPerMinute {
		return false
	}
	return true
}

// RecordPlacement consumes placement budget
func (g *Governor) RecordPlacement(notional float64, now time.Time) {
	g.rollWindow(now)
	g.window.OrdersPlaced++
	g.window.NotionalAdded += notional
}

// AllowCancel checks the cancel rate cap
func (g *Governor) AllowCancel(now time.Time) bool {
	g.rollWindow(now)
	return g.window.CancelsIssued < g.cfg.MaxCancelsPerMinute
}

// RecordCancel consumes cancel budget
func (g *Governor) RecordCancel(now time.Time) {
	g.rollWindow(now)
	g.window.CancelsIssued++
}

// Window returns the current minute's counters
func (g *Governor) Window(now time.Time) SafetyWindow {
	g.rollWindow(now)
	return g.window
}

// KillSwitchActive reports the out-of-band stop signal: an environment flag
// or the existence of a sentinel file. Checked once per sync pass.
func (g *Governor) KillSwitchActive() bool {
	if v := os.Getenv(g.cfg.KillSwitchEnv); v == "1" || v == "true" {
		return true
	}
	if g.killFile != "" {
		if _, err := os.Stat(g.killFile); err == nil {
			return true
		}
	}
	return false
}

// RecordAPIError counts one failed venue call toward the degrade streak
func (g *Governor) RecordAPIError() {
	g.apiErrorStreak++
	if g.apiErrorStreak == g.cfg.MaxAPIErrorStreak {
		log.Warn().Int("streak", g.apiErrorStreak).Msg("api error streak reached degrade threshold")
	}
}

// RecordAPISuccess clears the error streak
func (g *Governor) RecordAPISuccess() {
	g.apiErrorStreak = 0
}

// APIErrorStreak returns the current consecutive failure count
func (g *Governor) APIErrorStreak() int {
	return g.apiErrorStreak
}

// MarkDataFresh records a successful market-data fetch
func (g *Governor) MarkDataFresh(now time.Time) {
	g.lastFreshData = now
}

// Degraded reports whether the engine must run cancel-only: either the data
// feed is stale or the venue has failed too many calls in a row.
func (g *Governor) Degraded(now time.Time) bool {
	stale := now.Sub(g.lastFreshData) > g.staleWindow
	errored := g.apiErrorStreak >= g.cfg.MaxAPIErrorStreak

	nowDegraded := stale || errored
	if nowDegraded && !g.degraded {
		log.Warn().Bool("stale_data", stale).Int("error_streak", g.apiErrorStreak).
			Msg("entering degrade mode, cancel-only")
	} else if !nowDegraded && g.degraded {
		log.Info().Msg("degrade mode cleared")
	}
	g.degraded = nowDegraded
	return nowDegraded
}
