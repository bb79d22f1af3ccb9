package database

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// OutboxEntry is one buffered audit record awaiting replay
type OutboxEntry struct {
	Kind      string                 `json:"kind"`
	Timestamp time.Time              `json:"timestamp"`
	Payload   map[string]interface{} `json:"payload"`
}

// Outbox is an append-only JSONL buffer for audit records that could not be
// written to PostgreSQL. Entries are taken in bounded batches and requeued
// when replay fails partway. Store methods run from event-bus goroutines as
// well as the bar loop, so the file is guarded by a mutex.
type Outbox struct {
	mu        sync.Mutex
	path      string
	takeBatch int
}

// NewOutbox creates an outbox at path, creating parent directories as needed
func NewOutbox(path string, takeBatch int) (*Outbox, error) {
	if takeBatch <= 0 {
		takeBatch = 50
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	return &Outbox{path: path, takeBatch: takeBatch}, nil
}

// Append writes one entry to the end of the buffer
func (o *Outbox) Append(kind string, payload map[string]interface{}) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	f, err := os.OpenFile(o.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	line, err := json.Marshal(OutboxEntry{Kind: kind, Timestamp: time.Now().UTC(), Payload: payload})
	if err != nil {
		return err
	}
	_, err = f.Write(append(line, '\n'))
	return err
}

// Take removes and returns up to the configured batch of oldest entries.
// Entries beyond the batch stay buffered.
func (o *Outbox) Take() ([]OutboxEntry, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	f, err := os.Open(o.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var taken []OutboxEntry
	var rest [][]byte
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		raw := scanner.Bytes()
		if len(taken) < o.takeBatch {
			var entry OutboxEntry
			if json.Unmarshal(raw, &entry) == nil {
				taken = append(taken, entry)
				continue
			}
			// Corrupt line: drop it
			continue
		}
		rest = append(rest, append([]byte(nil), raw...))
	}
	f.Close()
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	if err := o.rewrite(rest); err != nil {
		return nil, err
	}
	return taken, nil
}

// Requeue puts entries back at the front of the buffer
func (o *Outbox) Requeue(entries []OutboxEntry) {
	if len(entries) == 0 {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()

	var existing [][]byte
	if f, err := os.Open(o.path); err == nil {
		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			existing = append(existing, append([]byte(nil), scanner.Bytes()...))
		}
		f.Close()
	}

	lines := make([][]byte, 0, len(entries)+len(existing))
	for _, entry := range entries {
		if raw, err := json.Marshal(entry); err == nil {
			lines = append(lines, raw)
		}
	}
	lines = append(lines, existing...)
	_ = o.rewrite(lines)
}

// Len counts buffered entries
func (o *Outbox) Len() (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	f, err := os.Open(o.path)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	defer f.Close()

	count := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		count++
	}
	return count, scanner.Err()
}

// rewrite atomically replaces the buffer file with the given lines
func (o *Outbox) rewrite(lines [][]byte) error {
	if len(lines) == 0 {
		err := os.Remove(o.path)
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	tmp := o.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	for _, line := range lines {
		if _, err := f.Write(append(line, '\n')); err != nil {
			f.Close()
			return err
		}
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, o.path)
}
