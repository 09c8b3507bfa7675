package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// OpenSQLite opens (and creates if needed) the SQLite database at path and
// ensures required tables exist.
func OpenSQLite(ctx context.Context, path string) (*sql.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite directory: %w", err)
	}
	if err := checkLocalDisk(path); err != nil {
		return nil, err
	}

	// Pragmas go in the DSN so every pooled connection gets them.
	dsn := path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// A single writer connection keeps transactions from tripping over
	// SQLITE_BUSY under concurrent webhook load.
	db.SetMaxOpenConns(1)

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := BootstrapSQLite(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// BootstrapSQLite creates tables/indexes if missing.
func BootstrapSQLite(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS projects (
  id             TEXT PRIMARY KEY,
  name           TEXT NOT NULL,
  repository     TEXT NOT NULL,
  branch         TEXT NOT NULL,
  webhook_secret TEXT NOT NULL,
  chat_id        TEXT NOT NULL DEFAULT '',
  agent_url      TEXT NOT NULL DEFAULT '',
  connected      INTEGER NOT NULL DEFAULT 0,
  created_at     TEXT NOT NULL,
  updated_at     TEXT NOT NULL
);`,
		`CREATE TABLE IF NOT EXISTS webhook_events (
  id          TEXT PRIMARY KEY,
  project_id  TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
  kind        TEXT NOT NULL,
  delivery_id TEXT NOT NULL DEFAULT '',
  fingerprint TEXT NOT NULL,
  payload     BLOB NOT NULL,
  received_at TEXT NOT NULL
);`,
		`CREATE TABLE IF NOT EXISTS deployments (
  id               TEXT PRIMARY KEY,
  project_id       TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
  state            TEXT NOT NULL,
  commit_hash      TEXT NOT NULL,
  commit_message   TEXT NOT NULL DEFAULT '',
  triggered_by     TEXT NOT NULL,
  trigger_event_id TEXT NOT NULL DEFAULT '',
  dedupe_key       TEXT NOT NULL,
  reason           TEXT NOT NULL DEFAULT '',
  output           TEXT NOT NULL DEFAULT '',
  exit_code        INTEGER,
  created_at       TEXT NOT NULL,
  resolved_at      TEXT,
  deployed_at      TEXT,
  updated_at       TEXT NOT NULL,
  UNIQUE(project_id, commit_hash, dedupe_key)
);`,
		`CREATE TABLE IF NOT EXISTS deployment_transitions (
  id            INTEGER PRIMARY KEY AUTOINCREMENT,
  deployment_id TEXT NOT NULL REFERENCES deployments(id) ON DELETE CASCADE,
  from_state    TEXT NOT NULL,
  to_state      TEXT NOT NULL,
  actor         TEXT NOT NULL,
  reason        TEXT NOT NULL DEFAULT '',
  at            TEXT NOT NULL
);`,
		`CREATE TABLE IF NOT EXISTS job_queue (
  id            TEXT PRIMARY KEY,
  kind          TEXT NOT NULL,
  deployment_id TEXT NOT NULL,
  payload       JSON,
  status        TEXT NOT NULL,
  attempt       INTEGER NOT NULL DEFAULT 1,
  max_attempts  INTEGER NOT NULL DEFAULT 5,
  submitted_by  TEXT NOT NULL,
  dedupe_key    TEXT,
  created_at    TEXT NOT NULL,
  started_at    TEXT,
  completed_at  TEXT,
  next_retry_at TEXT,
  last_error    TEXT
);`,
		`CREATE TABLE IF NOT EXISTS job_log (
  id            TEXT PRIMARY KEY,
  kind          TEXT NOT NULL,
  deployment_id TEXT NOT NULL,
  status        TEXT NOT NULL,
  attempt       INTEGER NOT NULL,
  submitted_by  TEXT NOT NULL,
  created_at    TEXT NOT NULL,
  completed_at  TEXT NOT NULL,
  last_error    TEXT
);`,
		`CREATE INDEX IF NOT EXISTS webhook_events_project_received_idx ON webhook_events(project_id, received_at);`,
		`CREATE INDEX IF NOT EXISTS deployments_project_created_idx ON deployments(project_id, created_at);`,
		`CREATE INDEX IF NOT EXISTS deployments_state_created_idx ON deployments(state, created_at);`,
		`CREATE INDEX IF NOT EXISTS deployment_transitions_deployment_idx ON deployment_transitions(deployment_id, id);`,
		`CREATE INDEX IF NOT EXISTS job_queue_status_created_at_idx ON job_queue(status, created_at);`,
		`CREATE INDEX IF NOT EXISTS job_queue_dedupe_idx ON job_queue(dedupe_key, status);`,
	}

	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap sqlite: %w", err)
		}
	}
	return nil
}

// timeLayout is RFC 3339 with a fixed-width fraction so stored timestamps
// sort lexically in time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// FormatTime is the canonical timestamp encoding for every table.
func FormatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// ParseTime decodes a timestamp written by FormatTime. Bad values decode to
// the zero time.
func ParseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// ParseNullTime decodes a nullable timestamp column.
func ParseNullTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return nil
	}
	return &t
}
