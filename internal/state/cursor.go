package state

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// cursorDoc is the persisted trade-replay position
type cursorDoc struct {
	Symbol      string `json:"symbol"`
	LastTradeMs int64  `json:"last_trade_ms"`
}

// LoadTradeCursor reads the persisted trade-history cursor; 0 when absent
// or written for a different symbol.
func LoadTradeCursor(path, symbol string) int64 {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	var doc cursorDoc
	if json.Unmarshal(data, &doc) != nil || doc.Symbol != symbol {
		return 0
	}
	return doc.LastTradeMs
}

// SaveTradeCursor persists the cursor atomically. Best-effort.
func SaveTradeCursor(path, symbol string, lastTradeMs int64) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	data, err := json.Marshal(cursorDoc{Symbol: symbol, LastTradeMs: lastTradeMs})
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
