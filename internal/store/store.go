// Package store is the single source of truth for DotClaw's durable state:
// chats, registered groups, sessions, the message log, chat cursors,
// queued messages, scheduled tasks, background jobs, trace links, and
// feedback. It is implemented over mattn/go-sqlite3 with a single writer
// connection and serializable transactions, following the teacher's
// internal/persistence package.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dotsetlabs/dotclaw/internal/bus"
	_ "github.com/mattn/go-sqlite3"
)

const (
	schemaVersion  = 1
	schemaChecksum = "dotclaw-v1-2026-07-orchestration-core"

	defaultLeaseDuration = 30 * time.Second
	defaultMaxAttempts   = 3
)

// ErrStoreUnavailable wraps any error surfaced when the underlying engine is
// unreachable. Callers apply their own retry policy.
type ErrStoreUnavailable struct{ Cause error }

func (e *ErrStoreUnavailable) Error() string { return "store unavailable: " + e.Cause.Error() }
func (e *ErrStoreUnavailable) Unwrap() error { return e.Cause }

// Store is the durable-state engine.
type Store struct {
	db  *sql.DB
	bus *bus.Bus // may be nil in tests
}

// DefaultDBPath returns the conventional per-user database location.
func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".dotclaw", "dotclaw.db")
}

// Open opens (and, if needed, creates/migrates) the store at path.
func Open(path string, eventBus *bus.Bus) (*Store, error) {
	if path == "" {
		path = DefaultDBPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db, bus: eventBus}
	if err := s.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// DB exposes the underlying *sql.DB for audit/metrics wiring at startup only.
func (s *Store) DB() *sql.DB { return s.db }

// Close releases the database connection.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) configurePragmas(ctx context.Context) error {
	for _, q := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
		"PRAGMA foreign_keys=ON;",
	} {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration max version: %w", err)
	}
	if maxVersion > schemaVersion {
		return fmt.Errorf("db schema version %d is newer than supported %d", maxVersion, schemaVersion)
	}
	if maxVersion == schemaVersion {
		var existing string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, schemaVersion).Scan(&existing); err != nil {
			return fmt.Errorf("read schema checksum: %w", err)
		}
		if existing != schemaChecksum {
			return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", schemaVersion, existing, schemaChecksum)
		}
		return tx.Commit()
	}

	for _, stmt := range schemaDDL {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version, checksum) VALUES (?, ?);`, schemaVersion, schemaChecksum); err != nil {
		return fmt.Errorf("record schema migration: %w", err)
	}
	return tx.Commit()
}

var schemaDDL = []string{
	`CREATE TABLE IF NOT EXISTS chats (
		chat_id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		last_message_time DATETIME
	);`,
	`CREATE TABLE IF NOT EXISTS registered_groups (
		chat_id TEXT PRIMARY KEY REFERENCES chats(chat_id),
		name TEXT NOT NULL,
		folder TEXT NOT NULL UNIQUE,
		trigger_pattern TEXT,
		added_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		container_config TEXT,
		model_override TEXT
	);`,
	`CREATE TABLE IF NOT EXISTS sessions (
		group_folder TEXT PRIMARY KEY,
		session_id TEXT NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		chat_jid TEXT NOT NULL,
		sender_id TEXT NOT NULL,
		sender_name TEXT NOT NULL DEFAULT '',
		content TEXT NOT NULL DEFAULT '',
		timestamp DATETIME NOT NULL,
		is_outbound INTEGER NOT NULL DEFAULT 0,
		attachments_json TEXT
	);`,
	`CREATE INDEX IF NOT EXISTS idx_messages_chat_order ON messages(chat_jid, timestamp, id);`,
	`CREATE TABLE IF NOT EXISTS chat_cursors (
		chat_id TEXT PRIMARY KEY,
		last_agent_timestamp DATETIME,
		last_agent_message_id TEXT
	);`,
	`CREATE TABLE IF NOT EXISTS queued_messages (
		auto_id INTEGER PRIMARY KEY AUTOINCREMENT,
		chat_jid TEXT NOT NULL,
		message_id TEXT NOT NULL,
		sender_id TEXT NOT NULL,
		sender_name TEXT NOT NULL DEFAULT '',
		content TEXT NOT NULL DEFAULT '',
		timestamp DATETIME NOT NULL,
		is_group INTEGER NOT NULL DEFAULT 0,
		chat_type TEXT NOT NULL DEFAULT 'private',
		message_thread_id TEXT,
		status TEXT NOT NULL DEFAULT 'pending',
		attempt_count INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(chat_jid, message_id)
	);`,
	`CREATE INDEX IF NOT EXISTS idx_queued_pending ON queued_messages(chat_jid, status, auto_id);`,
	`CREATE TABLE IF NOT EXISTS scheduled_tasks (
		id TEXT PRIMARY KEY,
		group_folder TEXT NOT NULL,
		chat_jid TEXT NOT NULL,
		prompt TEXT NOT NULL,
		schedule_type TEXT NOT NULL,
		schedule_value TEXT NOT NULL,
		timezone TEXT NOT NULL DEFAULT 'UTC',
		context_mode TEXT NOT NULL DEFAULT 'group',
		next_run DATETIME,
		last_run DATETIME,
		last_result TEXT,
		state_json TEXT,
		retry_count INTEGER NOT NULL DEFAULT 0,
		last_error TEXT,
		running_since DATETIME,
		status TEXT NOT NULL DEFAULT 'active',
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_due ON scheduled_tasks(status, next_run, running_since);`,
	`CREATE TABLE IF NOT EXISTS background_jobs (
		id TEXT PRIMARY KEY,
		group_folder TEXT NOT NULL,
		chat_jid TEXT,
		prompt TEXT NOT NULL,
		context_mode TEXT NOT NULL DEFAULT 'isolated',
		status TEXT NOT NULL DEFAULT 'queued',
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		started_at DATETIME,
		finished_at DATETIME,
		timeout_ms INTEGER,
		max_tool_steps INTEGER,
		tool_policy_json TEXT,
		model_override TEXT,
		priority INTEGER NOT NULL DEFAULT 0,
		tags TEXT,
		parent_trace_id TEXT,
		parent_message_id TEXT,
		result_summary TEXT,
		output_path TEXT,
		output_truncated INTEGER NOT NULL DEFAULT 0,
		last_error TEXT,
		lease_owner TEXT,
		lease_expires_at DATETIME
	);`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_queue ON background_jobs(status, priority DESC, created_at ASC);`,
	`CREATE TABLE IF NOT EXISTS background_job_events (
		event_id INTEGER PRIMARY KEY AUTOINCREMENT,
		job_id TEXT NOT NULL,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		level TEXT NOT NULL,
		message TEXT NOT NULL,
		data_json TEXT
	);`,
	`CREATE INDEX IF NOT EXISTS idx_job_events_job ON background_job_events(job_id, event_id);`,
	`CREATE TABLE IF NOT EXISTS trace_links (
		sent_message_id TEXT PRIMARY KEY,
		chat_jid TEXT NOT NULL,
		trace_id TEXT NOT NULL,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);`,
	`CREATE TABLE IF NOT EXISTS feedback (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		trace_id TEXT NOT NULL,
		chat_jid TEXT NOT NULL,
		sender_id TEXT NOT NULL,
		emoji TEXT NOT NULL,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);`,
}

// retryOnBusy retries f when SQLite returns BUSY or LOCKED, using bounded
// exponential backoff with jitter.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return &ErrStoreUnavailable{Cause: err}
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		jitter := time.Duration(rand.IntN(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") ||
		strings.Contains(msg, "(6)")
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
