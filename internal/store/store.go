// Package store provides the durable, transactional event log and relational
// state store for plans, steps, routes, learning records, tickets,
// attestations, branches, and capabilities. Every state transition happens
// inside a transaction that also appends the event describing it
// (invariant: every state transition emits exactly one event). Bookkeeping
// writes that change no status (ReleaseLease, UpdateStepMetadata,
// RegisterCapability) append no event.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Store is the SQLite-backed persistence layer for the orchestration core.
type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS plans (
	id TEXT PRIMARY KEY,
	goal TEXT NOT NULL,
	context TEXT NOT NULL DEFAULT '{}',
	budget TEXT NOT NULL DEFAULT '{}',
	owner TEXT NOT NULL DEFAULT '',
	priority INTEGER NOT NULL DEFAULT 5,
	deadline INTEGER,
	status TEXT NOT NULL DEFAULT 'active',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS steps (
	id TEXT PRIMARY KEY,
	plan_id TEXT NOT NULL REFERENCES plans(id) ON DELETE CASCADE,
	capability TEXT NOT NULL,
	critical INTEGER NOT NULL DEFAULT 0,
	priority INTEGER NOT NULL DEFAULT 5,
	contract TEXT NOT NULL DEFAULT '{}',
	constraints TEXT NOT NULL DEFAULT '{}',
	dependencies TEXT NOT NULL DEFAULT '[]',
	parallel_group TEXT NOT NULL DEFAULT '',
	timeout_ms INTEGER NOT NULL DEFAULT 300000,
	retry_count INTEGER NOT NULL DEFAULT 2,
	status TEXT NOT NULL DEFAULT 'todo',
	assignee TEXT NOT NULL DEFAULT '',
	lease_owner TEXT,
	lease_expires_at INTEGER,
	branch TEXT NOT NULL DEFAULT '',
	parent_step_id TEXT NOT NULL DEFAULT '',
	order_index INTEGER NOT NULL DEFAULT 0,
	metadata TEXT NOT NULL DEFAULT '{}',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS capabilities (
	name TEXT PRIMARY KEY,
	description TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS routes (
	id TEXT PRIMARY KEY,
	capability TEXT NOT NULL,
	mcp_id TEXT NOT NULL DEFAULT '',
	tool TEXT NOT NULL DEFAULT '',
	score REAL NOT NULL DEFAULT 0.5,
	policy TEXT NOT NULL DEFAULT '',
	healthy INTEGER NOT NULL DEFAULT 1,
	cost_weight REAL NOT NULL DEFAULT 1,
	latency_weight REAL NOT NULL DEFAULT 1,
	reliability_weight REAL NOT NULL DEFAULT 1,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS learning (
	route_id TEXT PRIMARY KEY REFERENCES routes(id) ON DELETE CASCADE,
	alpha REAL NOT NULL DEFAULT 1,
	beta REAL NOT NULL DEFAULT 1,
	avg_latency_ms REAL NOT NULL DEFAULT 0,
	avg_cost REAL NOT NULL DEFAULT 0,
	avg_reliability REAL NOT NULL DEFAULT 1,
	confidence_radius REAL NOT NULL DEFAULT 1,
	success_count INTEGER NOT NULL DEFAULT 0,
	total_count INTEGER NOT NULL DEFAULT 0,
	last_reward REAL NOT NULL DEFAULT 0,
	consecutive_failures INTEGER NOT NULL DEFAULT 0,
	circuit_opened_at INTEGER,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS tickets (
	id TEXT PRIMARY KEY,
	step_id TEXT NOT NULL REFERENCES steps(id) ON DELETE CASCADE,
	route_id TEXT NOT NULL REFERENCES routes(id),
	status TEXT NOT NULL DEFAULT 'pending',
	started_at INTEGER,
	ended_at INTEGER,
	cost REAL NOT NULL DEFAULT 0,
	latency_ms INTEGER NOT NULL DEFAULT 0,
	result TEXT NOT NULL DEFAULT '{}',
	error TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS attestations (
	id TEXT PRIMARY KEY,
	step_id TEXT NOT NULL REFERENCES steps(id) ON DELETE CASCADE,
	ticket_id TEXT NOT NULL REFERENCES tickets(id),
	subject_digest TEXT NOT NULL,
	statement TEXT NOT NULL,
	signature TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS branches (
	id TEXT PRIMARY KEY,
	plan_id TEXT NOT NULL REFERENCES plans(id) ON DELETE CASCADE,
	parent_branch_id TEXT NOT NULL DEFAULT '',
	score REAL NOT NULL DEFAULT 0,
	rationale TEXT NOT NULL DEFAULT '[]',
	step_ids TEXT NOT NULL DEFAULT '[]',
	active INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	ts INTEGER NOT NULL,
	actor TEXT NOT NULL,
	type TEXT NOT NULL,
	payload TEXT NOT NULL DEFAULT '{}'
);

CREATE INDEX IF NOT EXISTS idx_steps_plan ON steps(plan_id);
CREATE INDEX IF NOT EXISTS idx_steps_status ON steps(plan_id, status);
CREATE INDEX IF NOT EXISTS idx_steps_lease ON steps(lease_expires_at);
CREATE INDEX IF NOT EXISTS idx_routes_capability ON routes(capability, healthy);
CREATE INDEX IF NOT EXISTS idx_tickets_step ON tickets(step_id);
CREATE INDEX IF NOT EXISTS idx_tickets_route ON tickets(route_id);
CREATE INDEX IF NOT EXISTS idx_attestations_step ON attestations(step_id);
CREATE INDEX IF NOT EXISTS idx_branches_plan ON branches(plan_id, active);
CREATE INDEX IF NOT EXISTS idx_events_ts ON events(ts);
CREATE INDEX IF NOT EXISTS idx_events_type ON events(type);
`

// Open creates or opens a SQLite database at the given path and ensures the
// schema exists. WAL journal mode and foreign-key enforcement give the
// durable, crash-consistent store the event log and plan state rely on.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)&_pragma=synchronous(NORMAL)")
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", dbPath, err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: create schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying sql.DB for advanced queries (reporting, CLI tools).
func (s *Store) DB() *sql.DB {
	return s.db
}

// NowMS returns the current time as a monotonic-looking millisecond
// timestamp. All entity timestamps are millisecond integers; wall clock
// is the practical source since the store is the single writer.
func NowMS() int64 {
	return time.Now().UnixMilli()
}

// Tx wraps a *sql.Tx with the event-log convenience method so every caller
// that mutates state inside a transaction can also append its event without
// threading a second handle through call sites.
type Tx struct {
	tx *sql.Tx
}

// Raw exposes the underlying *sql.Tx for entity-specific query/execute calls.
func (t *Tx) Raw() *sql.Tx { return t.tx }

// Event inserts an append-only audit record. Call sites must invoke this
// inside the same transaction as the state mutation it describes so that
// failure of either half aborts both.
func (t *Tx) Event(actor, typ string, payload []byte) error {
	_, err := t.tx.Exec(
		`INSERT INTO events (ts, actor, type, payload) VALUES (?, ?, ?, ?)`,
		NowMS(), actor, typ, string(payload),
	)
	if err != nil {
		return fmt.Errorf("store: insert event %s: %w", typ, err)
	}
	return nil
}

// WithTx runs fn inside a transaction, committing on success and rolling
// back on error or panic. This is the only way callers should mutate
// cross-table state, guaranteeing the transaction+event pairing invariant.
func (s *Store) WithTx(ctx context.Context, fn func(*Tx) error) (err error) {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			sqlTx.Rollback()
			panic(p)
		}
		if err != nil {
			sqlTx.Rollback()
			return
		}
		err = sqlTx.Commit()
	}()

	err = fn(&Tx{tx: sqlTx})
	return err
}

// Event appends a standalone event outside of an entity transaction (e.g.
// scheduler diagnostics that are not themselves a state mutation).
func (s *Store) Event(ctx context.Context, actor, typ string, payload []byte) error {
	return s.WithTx(ctx, func(tx *Tx) error {
		return tx.Event(actor, typ, payload)
	})
}

// RecentEvents returns the most recent events, oldest-first, capped at
// limit, for the events/stream resource.
func (s *Store) RecentEvents(ctx context.Context, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, ts, actor, type, payload FROM events ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: recent events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Actor, &e.Type, &e.Payload); err != nil {
			return nil, fmt.Errorf("store: scan event: %w", err)
		}
		out = append(out, e)
	}
	// reverse to oldest-first
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, rows.Err()
}

// Event is an append-only audit record.
type Event struct {
	ID      int64
	TS      int64
	Actor   string
	Type    string
	Payload string
}
