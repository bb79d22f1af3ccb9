// Package state writes the bot's externally consumed outputs: a compact
// status snapshot and a raw market-bar append log. Both are pure outputs
// for dashboards and tooling, never read back by the trading core.
package state

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// RestingOrderView is one resting order in the snapshot
type RestingOrderView struct {
	OrderID       int64   `json:"order_id"`
	ClientOrderID string  `json:"client_order_id"`
	Side          string  `json:"side"`
	LevelIndex    int     `json:"level_index"`
	Price         float64 `json:"price"`
	Quantity      float64 `json:"quantity"`
}

// FillView is one recent fill in the snapshot blotter
type FillView struct {
	Side    string    `json:"side"`
	Level   int       `json:"level"`
	Price   float64   `json:"price"`
	Size    float64   `json:"size"`
	Phantom bool      `json:"phantom"`
	Time    time.Time `json:"time"`
}

// Snapshot is the status document consumed by external tooling
type Snapshot struct {
	UpdatedAt     time.Time          `json:"updated_at"`
	Symbol        string             `json:"symbol"`
	Mode          string             `json:"mode"`
	BarIndex      int                `json:"bar_index"`
	Price         float64            `json:"price"`
	Equity        float64            `json:"equity"`
	LongExposure  float64            `json:"long_exposure"`
	ShortExposure float64            `json:"short_exposure"`
	RealizedPnl   float64            `json:"realized_pnl"`
	DailyPnl      float64            `json:"daily_pnl"`
	AvgCost       float64            `json:"avg_cost"`
	GridEnabled   bool               `json:"grid_enabled"`
	Degraded      bool               `json:"degraded"`
	KillSwitch    bool               `json:"kill_switch"`
	ErrorStreak   int                `json:"error_streak"`
	RestingOrders []RestingOrderView `json:"resting_orders"`
	RecentFills   []FillView         `json:"recent_fills"`
}

// Writer persists snapshots atomically and appends bars to the bar log.
// Fills arrive from event-bus goroutines while the bar loop writes snapshots
// and the kline stream appends bars, so every method takes the mutex.
type Writer struct {
	mu           sync.Mutex
	snapshotPath string
	barLogPath   string
	recentFills  []FillView
}

// NewWriter creates a writer, creating parent directories as needed
func NewWriter(snapshotPath, barLogPath string) (*Writer, error) {
	for _, p := range []string{snapshotPath, barLogPath} {
		if p == "" {
			continue
		}
		if dir := filepath.Dir(p); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, err
			}
		}
	}
	return &Writer{snapshotPath: snapshotPath, barLogPath: barLogPath}, nil
}

// RecordFill adds a fill to the rolling blotter (newest first, capped)
func (w *Writer) RecordFill(fill FillView) {
	w.mu.Lock()
	defer w.mu.Unlock()

	const blotterCap = 50
	w.recentFills = append([]FillView{fill}, w.recentFills...)
	if len(w.recentFills) > blotterCap {
		w.recentFills = w.recentFills[:blotterCap]
	}
}

// WriteSnapshot writes the status document via temp-file-then-rename so
// readers never observe a torn write. Best-effort: failures are logged only.
func (w *Writer) WriteSnapshot(snap Snapshot) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.snapshotPath == "" {
		return
	}
	snap.UpdatedAt = time.Now().UTC()
	snap.RecentFills = append([]FillView(nil), w.recentFills...)

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		log.Warn().Err(err).Msg("snapshot marshal failed")
		return
	}

	tmp := w.snapshotPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		log.Warn().Err(err).Msg("snapshot write failed")
		return
	}
	if err := os.Rename(tmp, w.snapshotPath); err != nil {
		log.Warn().Err(err).Msg("snapshot rename failed")
	}
}

// BarRecord is one line of the raw bar append log
type BarRecord struct {
	Symbol    string  `json:"symbol"`
	OpenTime  int64   `json:"open_time"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
	CloseTime int64   `json:"close_time"`
}

// AppendBar appends one bar to the JSONL log. Best-effort.
func (w *Writer) AppendBar(record BarRecord) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.barLogPath == "" {
		return
	}
	f, err := os.OpenFile(w.barLogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		log.Warn().Err(err).Msg("bar log open failed")
		return
	}
	defer f.Close()

	line, err := json.Marshal(record)
	if err != nil {
		return
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		log.Warn().Err(err).Msg("bar log append failed")
	}
}
