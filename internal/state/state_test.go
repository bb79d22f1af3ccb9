package state

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestTradeCursorRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cursor.json")

	if err := SaveTradeCursor(path, "BTCUSDT", 1700000000123); err != nil {
		t.Fatalf("SaveTradeCursor: %v", err)
	}
	if got := LoadTradeCursor(path, "BTCUSDT"); got != 1700000000123 {
		t.Errorf("cursor = %d, want 1700000000123", got)
	}

	// A cursor saved for another symbol never leaks across
	if got := LoadTradeCursor(path, "ETHUSDT"); got != 0 {
		t.Errorf("foreign-symbol cursor = %d, want 0", got)
	}
}

func TestTradeCursorMissingOrCorrupt(t *testing.T) {
	dir := t.TempDir()

	if got := LoadTradeCursor(filepath.Join(dir, "absent.json"), "BTCUSDT"); got != 0 {
		t.Errorf("absent cursor = %d, want 0", got)
	}

	corrupt := filepath.Join(dir, "corrupt.json")
	if err := os.WriteFile(corrupt, []byte("{broken"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if got := LoadTradeCursor(corrupt, "BTCUSDT"); got != 0 {
		t.Errorf("corrupt cursor = %d, want 0", got)
	}
}

func TestWriteSnapshot(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(filepath.Join(dir, "status.json"), "")
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}

	w.RecordFill(FillView{Side: "BUY", Level: 4, Price: 100000, Size: 0.006, Time: time.Now()})
	w.WriteSnapshot(Snapshot{
		Symbol:       "BTCUSDT",
		Mode:         "live",
		BarIndex:     42,
		Price:        104500,
		Equity:       10000,
		LongExposure: 0.006,
		GridEnabled:  true,
	})

	data, err := os.ReadFile(filepath.Join(dir, "status.json"))
	if err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		t.Fatalf("unmarshal snapshot: %v", err)
	}
	if snap.Symbol != "BTCUSDT" || snap.BarIndex != 42 {
		t.Errorf("snapshot = %+v, want symbol and bar index preserved", snap)
	}
	if snap.UpdatedAt.IsZero() {
		t.Error("UpdatedAt not stamped")
	}
	if len(snap.RecentFills) != 1 || snap.RecentFills[0].Level != 4 {
		t.Errorf("recent fills = %v, want the recorded fill", snap.RecentFills)
	}

	// No temp file left behind
	if _, err := os.Stat(filepath.Join(dir, "status.json.tmp")); !os.IsNotExist(err) {
		t.Error("temp file left after rename")
	}
}

func TestRecordFillCapsBlotter(t *testing.T) {
	w, err := NewWriter("", "")
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	for i := 0; i < 60; i++ {
		w.RecordFill(FillView{Level: i})
	}
	if len(w.recentFills) != 50 {
		t.Errorf("blotter size = %d, want capped at 50", len(w.recentFills))
	}
	if w.recentFills[0].Level != 59 {
		t.Errorf("newest fill level = %d, want 59 first", w.recentFills[0].Level)
	}
}

func TestWriterConcurrentFillsAndSnapshots(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(filepath.Join(dir, "status.json"), filepath.Join(dir, "bars.jsonl"))
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}

	// Fills arrive from bus goroutines while the bar loop snapshots and the
	// stream appends bars; run all three at once and let the race detector
	// judge the locking.
	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				w.RecordFill(FillView{Side: "BUY", Level: g, Price: 100000, Size: 0.001})
			}
		}(g)
	}
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			w.WriteSnapshot(Snapshot{Symbol: "BTCUSDT", BarIndex: i})
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			w.AppendBar(BarRecord{Symbol: "BTCUSDT", OpenTime: int64(i)})
		}
	}()
	wg.Wait()

	if len(w.recentFills) != 50 {
		t.Errorf("blotter size = %d, want capped at 50", len(w.recentFills))
	}

	data, err := os.ReadFile(filepath.Join(dir, "status.json"))
	if err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		t.Fatalf("unmarshal snapshot after concurrent writes: %v", err)
	}
}

func TestAppendBar(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bars.jsonl")
	w, err := NewWriter("", path)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}

	w.AppendBar(BarRecord{Symbol: "BTCUSDT", OpenTime: 1, Close: 100000, CloseTime: 2})
	w.AppendBar(BarRecord{Symbol: "BTCUSDT", OpenTime: 2, Close: 100100, CloseTime: 3})

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read bar log: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		t.Fatalf("bar log lines = %d, want 2", len(lines))
	}
	var rec BarRecord
	if err := json.Unmarshal([]byte(lines[1]), &rec); err != nil {
		t.Fatalf("unmarshal bar: %v", err)
	}
	if rec.Close != 100100 {
		t.Errorf("second bar close = %v, want 100100", rec.Close)
	}
}
