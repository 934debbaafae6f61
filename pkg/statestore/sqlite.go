package statestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/wehubfusion/Colony/pkg/flow"
)

// SQLiteStore persists events and bindings in SQLite.
type SQLiteStore struct {
	db *sql.DB
}

var _ flow.StateStore = (*SQLiteStore)(nil)

// Open opens (or creates) the SQLite database at dsn and prepares the schema.
// Use ":memory:" for a throwaway database.
func Open(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dsn, err)
	}
	// every connection to ":memory:" is its own database
	db.SetMaxOpenConns(1)

	s, err := NewSQLiteStore(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLiteStore initializes the schema in db.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("init state store schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS flow_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			trace_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			node_name TEXT NOT NULL DEFAULT '',
			node_id TEXT NOT NULL DEFAULT '',
			attempt INTEGER NOT NULL DEFAULT 0,
			latency_ms REAL NOT NULL DEFAULT 0,
			error TEXT NOT NULL DEFAULT '',
			fields TEXT NOT NULL DEFAULT '',
			at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_flow_events_trace_id ON flow_events(trace_id, id);
		CREATE TABLE IF NOT EXISTS remote_bindings (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			trace_id TEXT NOT NULL,
			context_id TEXT NOT NULL,
			task_id TEXT NOT NULL,
			agent_url TEXT NOT NULL,
			created_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_remote_bindings_trace_id ON remote_bindings(trace_id, id);
	`)
	return err
}

func (s *SQLiteStore) SaveEvent(ctx context.Context, ev flow.StoredEvent) error {
	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}
	fields := ""
	if len(ev.Fields) > 0 {
		raw, err := json.Marshal(ev.Fields)
		if err != nil {
			return fmt.Errorf("encode fields of %s event: %w", ev.Kind, err)
		}
		fields = string(raw)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO flow_events (trace_id, kind, node_name, node_id, attempt, latency_ms, error, fields, at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.TraceID,
		ev.Kind,
		ev.NodeName,
		ev.NodeID,
		ev.Attempt,
		ev.LatencyMs,
		ev.Error,
		fields,
		at.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("save %s event: %w", ev.Kind, err)
	}
	return nil
}

func (s *SQLiteStore) LoadHistory(ctx context.Context, traceID string) ([]flow.StoredEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT trace_id, kind, node_name, node_id, attempt, latency_ms, error, fields, at
		FROM flow_events
		WHERE trace_id = ?
		ORDER BY id ASC`, traceID)
	if err != nil {
		return nil, fmt.Errorf("load history of %s: %w", traceID, err)
	}
	defer rows.Close()

	var out []flow.StoredEvent
	for rows.Next() {
		var (
			ev     flow.StoredEvent
			fields string
			atN    int64
		)
		if err := rows.Scan(&ev.TraceID, &ev.Kind, &ev.NodeName, &ev.NodeID, &ev.Attempt,
			&ev.LatencyMs, &ev.Error, &fields, &atN); err != nil {
			return nil, err
		}
		if fields != "" {
			if err := json.Unmarshal([]byte(fields), &ev.Fields); err != nil {
				return nil, fmt.Errorf("decode fields of %s event: %w", ev.Kind, err)
			}
		}
		ev.At = time.Unix(0, atN)
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) SaveBinding(ctx context.Context, b flow.RemoteBinding) error {
	created := b.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO remote_bindings (trace_id, context_id, task_id, agent_url, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		b.TraceID, b.ContextID, b.TaskID, b.AgentURL, created.UnixNano())
	if err != nil {
		return fmt.Errorf("save binding of %s: %w", b.TraceID, err)
	}
	return nil
}

// Bindings returns the remote bindings recorded for a trace, oldest first.
func (s *SQLiteStore) Bindings(ctx context.Context, traceID string) ([]flow.RemoteBinding, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT trace_id, context_id, task_id, agent_url, created_at
		FROM remote_bindings
		WHERE trace_id = ?
		ORDER BY id ASC`, traceID)
	if err != nil {
		return nil, fmt.Errorf("load bindings of %s: %w", traceID, err)
	}
	defer rows.Close()

	var out []flow.RemoteBinding
	for rows.Next() {
		var (
			b        flow.RemoteBinding
			createdN int64
		)
		if err := rows.Scan(&b.TraceID, &b.ContextID, &b.TaskID, &b.AgentURL, &createdN); err != nil {
			return nil, err
		}
		b.CreatedAt = time.Unix(0, createdN)
		out = append(out, b)
	}
	return out, rows.Err()
}

// Close closes the underlying database
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
