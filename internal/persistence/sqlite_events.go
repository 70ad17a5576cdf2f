package persistence

import (
	"context"
	"database/sql"
	"time"

	"github.com/petrijr/stepflow/pkg/api"
)

// SQLiteEventStore is the append-only event log on SQLite. The integer
// primary key doubles as the event's insertion ID, so event order within
// a session is the insertion order.
type SQLiteEventStore struct {
	db *sql.DB
}

var _ EventStore = (*SQLiteEventStore)(nil)

// NewSQLiteEventStore initializes the event table and returns the store.
func NewSQLiteEventStore(db *sql.DB) (*SQLiteEventStore, error) {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS flow_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			type TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT '',
			step_id TEXT NOT NULL DEFAULT '',
			payload BLOB,
			prompt_tokens INTEGER NOT NULL DEFAULT 0,
			completion_tokens INTEGER NOT NULL DEFAULT 0,
			cost_micros INTEGER NOT NULL DEFAULT 0,
			trace_id TEXT NOT NULL DEFAULT '',
			span_id TEXT NOT NULL DEFAULT '',
			at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_flow_events_session
			ON flow_events(session_id, id);
	`)
	if err != nil {
		return nil, err
	}
	return &SQLiteEventStore{db: db}, nil
}

func (s *SQLiteEventStore) AppendEvent(ctx context.Context, ev *api.FlowEvent) error {
	payload, err := EncodeJSON(ev.Payload)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO flow_events (
			session_id, type, status, step_id, payload,
			prompt_tokens, completion_tokens, cost_micros,
			trace_id, span_id, at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.SessionID, string(ev.Type), ev.Status, ev.StepID, payload,
		ev.Usage.PromptTokens, ev.Usage.CompletionTokens, ev.Usage.CostMicros,
		ev.TraceID, ev.SpanID, ev.At.UnixNano(),
	)
	if err != nil {
		return err
	}
	ev.ID, err = res.LastInsertId()
	return err
}

func (s *SQLiteEventStore) ListEvents(ctx context.Context, sessionID string, sinceID int64) ([]api.FlowEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, type, status, step_id, payload,
		       prompt_tokens, completion_tokens, cost_micros,
		       trace_id, span_id, at
		FROM flow_events
		WHERE session_id = ? AND id > ?
		ORDER BY id`,
		sessionID, sinceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []api.FlowEvent
	for rows.Next() {
		var (
			ev      api.FlowEvent
			typeStr string
			payload []byte
			atNano  int64
		)
		err := rows.Scan(
			&ev.ID, &ev.SessionID, &typeStr, &ev.Status, &ev.StepID,
			&payload, &ev.Usage.PromptTokens, &ev.Usage.CompletionTokens,
			&ev.Usage.CostMicros, &ev.TraceID, &ev.SpanID, &atNano,
		)
		if err != nil {
			return nil, err
		}
		ev.Type = api.EventType(typeStr)
		if ev.Payload, err = DecodeMap(payload); err != nil {
			return nil, err
		}
		ev.At = time.Unix(0, atNano)
		events = append(events, ev)
	}
	return events, rows.Err()
}
