package database

import (
	"testing"
	"time"
)

func TestReplayableQuerySurvivesOutboxRoundTrip(t *testing.T) {
	o := newTestOutbox(t, 10)

	err := o.Append("end_session", map[string]interface{}{
		"query": `UPDATE sessions SET ended_at = $1, end_reason = $2 WHERE id = $3`,
		"args":  []interface{}{time.Now().UTC(), "shutdown", "9f2c1a00-0000-0000-0000-000000000000"},
	})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}

	taken, err := o.Take()
	if err != nil {
		t.Fatalf("Take: %v", err)
	}
	if len(taken) != 1 {
		t.Fatalf("took %d entries, want 1", len(taken))
	}

	query, args, ok := replayableQuery(taken[0])
	if !ok {
		t.Fatal("buffered end_session not replayable")
	}
	if query != `UPDATE sessions SET ended_at = $1, end_reason = $2 WHERE id = $3` {
		t.Errorf("query = %q", query)
	}
	if len(args) != 3 || args[1] != "shutdown" {
		t.Errorf("args = %v, want 3 with reason preserved", args)
	}
}

func TestReplayableQueryRejectsQuerylessEntries(t *testing.T) {
	entry := OutboxEntry{
		Kind:    "end_session",
		Payload: map[string]interface{}{"reason": "crash"},
	}
	if _, _, ok := replayableQuery(entry); ok {
		t.Error("entry without a query reported as replayable")
	}
}
