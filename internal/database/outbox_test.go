package database

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
)

func newTestOutbox(t *testing.T, batch int) *Outbox {
	t.Helper()
	o, err := NewOutbox(filepath.Join(t.TempDir(), "outbox.jsonl"), batch)
	if err != nil {
		t.Fatalf("NewOutbox: %v", err)
	}
	return o
}

func TestOutboxAppendTake(t *testing.T) {
	o := newTestOutbox(t, 10)

	for i := 0; i < 3; i++ {
		if err := o.Append("order_event", map[string]interface{}{"seq": float64(i)}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	if n, _ := o.Len(); n != 3 {
		t.Errorf("Len = %d, want 3", n)
	}

	taken, err := o.Take()
	if err != nil {
		t.Fatalf("Take: %v", err)
	}
	if len(taken) != 3 {
		t.Fatalf("took %d entries, want 3", len(taken))
	}
	for i, entry := range taken {
		if entry.Kind != "order_event" {
			t.Errorf("entry %d kind = %q", i, entry.Kind)
		}
		if entry.Payload["seq"] != float64(i) {
			t.Errorf("entry %d seq = %v, want %d (FIFO order)", i, entry.Payload["seq"], i)
		}
	}

	// Taking drained the buffer
	if n, _ := o.Len(); n != 0 {
		t.Errorf("Len after Take = %d, want 0", n)
	}
	if taken, _ := o.Take(); taken != nil {
		t.Errorf("Take on empty buffer = %v, want nil", taken)
	}
}

func TestOutboxTakeBatchBound(t *testing.T) {
	o := newTestOutbox(t, 2)

	for i := 0; i < 5; i++ {
		if err := o.Append("fill", map[string]interface{}{"seq": float64(i)}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	taken, err := o.Take()
	if err != nil {
		t.Fatalf("Take: %v", err)
	}
	if len(taken) != 2 {
		t.Errorf("took %d, want batch of 2", len(taken))
	}
	if n, _ := o.Len(); n != 3 {
		t.Errorf("Len after batch = %d, want 3 left", n)
	}

	// The remainder comes out oldest-first on the next take
	taken, err = o.Take()
	if err != nil {
		t.Fatalf("second Take: %v", err)
	}
	if len(taken) != 2 || taken[0].Payload["seq"] != float64(2) {
		t.Errorf("second batch = %v, want seq 2 first", taken)
	}
}

func TestOutboxRequeue(t *testing.T) {
	o := newTestOutbox(t, 10)

	if err := o.Append("heartbeat", map[string]interface{}{"seq": float64(9)}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	taken, err := o.Take()
	if err != nil {
		t.Fatalf("Take: %v", err)
	}

	// A second record arrives while the first batch is being replayed
	if err := o.Append("heartbeat", map[string]interface{}{"seq": float64(10)}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	// Replay failed: the batch goes back in front of newer entries
	o.Requeue(taken)

	replayed, err := o.Take()
	if err != nil {
		t.Fatalf("Take after requeue: %v", err)
	}
	if len(replayed) != 2 {
		t.Fatalf("took %d after requeue, want 2", len(replayed))
	}
	if replayed[0].Payload["seq"] != float64(9) {
		t.Errorf("first replayed seq = %v, want the requeued 9", replayed[0].Payload["seq"])
	}
	if replayed[1].Payload["seq"] != float64(10) {
		t.Errorf("second replayed seq = %v, want 10", replayed[1].Payload["seq"])
	}
}

func TestOutboxSkipsCorruptLines(t *testing.T) {
	o := newTestOutbox(t, 10)

	if err := o.Append("error", map[string]interface{}{"seq": float64(1)}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	f, err := os.OpenFile(o.path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := f.WriteString("{not json\n"); err != nil {
		t.Fatalf("write corrupt line: %v", err)
	}
	f.Close()
	if err := o.Append("error", map[string]interface{}{"seq": float64(2)}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	taken, err := o.Take()
	if err != nil {
		t.Fatalf("Take: %v", err)
	}
	if len(taken) != 2 {
		t.Errorf("took %d, want 2 with the corrupt line dropped", len(taken))
	}
}

func TestOutboxConcurrentAppendAndTake(t *testing.T) {
	o := newTestOutbox(t, 10)

	// Subscribers append from bus goroutines while the bar loop drains;
	// every entry must come out exactly once.
	const writers = 4
	const perWriter = 25

	var wg sync.WaitGroup
	seen := make(map[float64]int)
	var seenMu sync.Mutex

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 40; i++ {
			taken, err := o.Take()
			if err != nil {
				t.Errorf("Take: %v", err)
				return
			}
			seenMu.Lock()
			for _, entry := range taken {
				seen[entry.Payload["seq"].(float64)]++
			}
			seenMu.Unlock()
		}
	}()
	for g := 0; g < writers; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				seq := float64(g*perWriter + i)
				if err := o.Append("order_event", map[string]interface{}{"seq": seq}); err != nil {
					t.Errorf("Append: %v", err)
					return
				}
			}
		}(g)
	}
	wg.Wait()

	for {
		taken, err := o.Take()
		if err != nil {
			t.Fatalf("drain Take: %v", err)
		}
		if len(taken) == 0 {
			break
		}
		for _, entry := range taken {
			seen[entry.Payload["seq"].(float64)]++
		}
	}

	if len(seen) != writers*perWriter {
		t.Errorf("distinct entries = %d, want %d", len(seen), writers*perWriter)
	}
	for seq, count := range seen {
		if count != 1 {
			t.Errorf("seq %.0f taken %d times, want exactly once", seq, count)
		}
	}
}

func TestOutboxEmptyBuffer(t *testing.T) {
	o := newTestOutbox(t, 10)

	if n, err := o.Len(); err != nil || n != 0 {
		t.Errorf("Len = %d, %v; want 0, nil", n, err)
	}
	if taken, err := o.Take(); err != nil || taken != nil {
		t.Errorf("Take = %v, %v; want nil, nil", taken, err)
	}
	o.Requeue(nil)
}
