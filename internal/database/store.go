package database

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const writeTimeout = 3 * time.Second

// Store is the fire-and-forget audit surface the bot writes through. Every
// insert is best-effort: a failure lands in the local outbox and a bounded
// batch of buffered entries is retried after the next successful write.
type Store struct {
	db        *DB
	outbox    *Outbox
	sessionID uuid.UUID
}

// NewStore creates a store over an open DB and a local outbox
func NewStore(db *DB, outbox *Outbox) *Store {
	return &Store{db: db, outbox: outbox}
}

// SessionID returns the active session id (zero before CreateSession)
func (s *Store) SessionID() uuid.UUID {
	return s.sessionID
}

// CreateSession opens the session row that bookends this process run.
// Unlike the audit inserts this one reports its error: the caller decides
// whether to run without persistence.
func (s *Store) CreateSession(botID, symbol, mode string) error {
	s.sessionID = uuid.New()

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	_, err := s.db.Pool.Exec(ctx,
		`INSERT INTO sessions (id, bot_id, symbol, mode, started_at) VALUES ($1, $2, $3, $4, $5)`,
		s.sessionID, botID, symbol, mode, time.Now().UTC())
	if err != nil {
		return err
	}

	log.Info().Str("session_id", s.sessionID.String()).Str("mode", mode).Msg("session created")
	return nil
}

// EndSession closes the session row with a reason ("shutdown", "crash", ...)
func (s *Store) EndSession(reason string) {
	if s.sessionID == uuid.Nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	_, err := s.db.Pool.Exec(ctx,
		`UPDATE sessions SET ended_at = $1, end_reason = $2 WHERE id = $3`,
		time.Now().UTC(), reason, s.sessionID)
	if err != nil {
		log.Warn().Err(err).Msg("session end write failed")
		s.buffer("end_session", map[string]interface{}{
			"query": `UPDATE sessions SET ended_at = $1, end_reason = $2 WHERE id = $3`,
			"args":  []interface{}{time.Now().UTC(), reason, s.sessionID.String()},
		})
	}
}

// LogOrderEvent records one order lifecycle event
func (s *Store) LogOrderEvent(eventType string, orderID int64, clientOrderID, symbol, side string, price, quantity float64, reason string) {
	s.exec("order_event",
		`INSERT INTO order_events (session_id, event_type, order_id, client_order_id, symbol, side, price, quantity, reason)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		s.sessionID, eventType, orderID, clientOrderID, symbol, side, price, quantity, reason)
}

// LogFill records one executed (or synthesized) fill
func (s *Store) LogFill(symbol, side string, levelIndex int, price, quantity float64, phantom bool, fillTime time.Time) {
	s.exec("trade_fill",
		`INSERT INTO trade_fills (session_id, symbol, side, level_index, price, quantity, phantom, fill_time)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		s.sessionID, symbol, side, levelIndex, price, quantity, phantom, fillTime.UTC())
}

// Heartbeat records one per-bar liveness row
func (s *Store) Heartbeat(barIndex int, equity, longExposure, realizedPnl float64, openOrders int) {
	s.exec("heartbeat",
		`INSERT INTO heartbeats (session_id, bar_index, equity, long_exposure, realized_pnl, open_orders)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		s.sessionID, barIndex, equity, longExposure, realizedPnl, openOrders)
}

// LogError records one error condition
func (s *Store) LogError(source, message string) {
	s.exec("error",
		`INSERT INTO error_log (session_id, source, message) VALUES ($1, $2, $3)`,
		s.sessionID, source, message)
}

// exec runs one fire-and-forget insert. Failures are buffered to the outbox;
// successes trigger a bounded outbox drain.
func (s *Store) exec(kind, query string, args ...interface{}) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	if _, err := s.db.Pool.Exec(ctx, query, args...); err != nil {
		log.Warn().Err(err).Str("kind", kind).Msg("audit write failed, buffering to outbox")
		s.buffer(kind, map[string]interface{}{"query": query, "args": args})
		return
	}

	s.drainOutbox()
}

func (s *Store) buffer(kind string, payload map[string]interface{}) {
	if s.outbox == nil {
		return
	}
	if err := s.outbox.Append(kind, payload); err != nil {
		log.Error().Err(err).Msg("outbox append failed, audit record lost")
	}
}

// drainOutbox retries a bounded batch of buffered entries
func (s *Store) drainOutbox() {
	if s.outbox == nil {
		return
	}
	entries, err := s.outbox.Take()
	if err != nil || len(entries) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	replayed := 0
	for _, entry := range entries {
		query, args, ok := replayableQuery(entry)
		if !ok {
			log.Warn().Str("kind", entry.Kind).Msg("outbox entry has no replayable query, discarding")
			replayed++
			continue
		}
		if _, err := s.db.Pool.Exec(ctx, query, args...); err != nil {
			// Put the rest back and stop; the next success retries again
			s.outbox.Requeue(entries[replayed:])
			return
		}
		replayed++
	}

	if replayed > 0 {
		log.Info().Int("entries", replayed).Msg("outbox drained")
	}
}

// replayableQuery extracts the buffered statement and its arguments.
// Entries buffered by exec and EndSession carry both; anything else is not
// replayable.
func replayableQuery(entry OutboxEntry) (string, []interface{}, bool) {
	query, _ := entry.Payload["query"].(string)
	if query == "" {
		return "", nil, false
	}
	args, _ := entry.Payload["args"].([]interface{})
	return query, args, true
}
