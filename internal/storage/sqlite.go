package storage

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// TimeLayout is the fixed-width UTC layout used for every timestamp column.
// Fixed width keeps lexicographic and chronological order identical.
const TimeLayout = "2006-01-02T15:04:05.000000000Z"

// FormatTime renders t in TimeLayout.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseTime parses a TimeLayout column value.
func ParseTime(s string) (time.Time, error) {
	return time.Parse(TimeLayout, s)
}

// OpenSQLite opens (and creates if needed) the SQLite database at path and
// ensures required tables exist.
func OpenSQLite(ctx context.Context, path string) (*sql.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}
	if err := CheckLocalFilesystem(path); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite directory: %w", err)
	}

	// Pragmas go in the DSN so every pooled connection gets them.
	q := url.Values{}
	q.Add("_pragma", "foreign_keys(1)")
	q.Add("_pragma", "busy_timeout(5000)")
	q.Add("_pragma", "journal_mode(WAL)")
	db, err := sql.Open("sqlite", "file:"+path+"?"+q.Encode())
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

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
		`CREATE TABLE IF NOT EXISTS delegate_tasks (
  tenant                        TEXT NOT NULL,
  id                            TEXT NOT NULL,
  status                        TEXT NOT NULL,
  assigned_agent_id             TEXT,
  assigned_instance_id          TEXT,
  validating_agent_ids          JSON NOT NULL DEFAULT '[]',
  validation_complete_agent_ids JSON NOT NULL DEFAULT '[]',
  validation_started_at         TEXT,
  expiry                        TEXT NOT NULL,
  definition                    JSON NOT NULL DEFAULT '{}',
  created_at                    TEXT NOT NULL,
  updated_at                    TEXT NOT NULL,
  PRIMARY KEY (tenant, id)
);`,
		`CREATE TABLE IF NOT EXISTS delegates (
  tenant         TEXT NOT NULL,
  id             TEXT NOT NULL,
  name           TEXT NOT NULL DEFAULT '',
  status         TEXT NOT NULL,
  ng             INTEGER NOT NULL DEFAULT 0,
  last_heartbeat TEXT NOT NULL,
  created_at     TEXT NOT NULL,
  updated_at     TEXT NOT NULL,
  PRIMARY KEY (tenant, id)
);`,
		`CREATE TABLE IF NOT EXISTS delegate_connection_results (
  agent_id        TEXT NOT NULL,
  criterion       TEXT NOT NULL,
  validated       INTEGER NOT NULL,
  last_updated_at TEXT NOT NULL,
  PRIMARY KEY (agent_id, criterion)
);`,
		`CREATE TABLE IF NOT EXISTS selection_logs (
  id         TEXT PRIMARY KEY,
  tenant     TEXT NOT NULL,
  task_id    TEXT NOT NULL,
  agent_id   TEXT NOT NULL,
  outcome    TEXT NOT NULL,
  message    TEXT NOT NULL,
  created_at TEXT NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS delegate_tasks_status_expiry_idx ON delegate_tasks(status, expiry);`,
		`CREATE INDEX IF NOT EXISTS delegates_tenant_status_idx ON delegates(tenant, status);`,
		`CREATE INDEX IF NOT EXISTS selection_logs_tenant_task_idx ON selection_logs(tenant, task_id);`,
		`CREATE INDEX IF NOT EXISTS selection_logs_created_at_idx ON selection_logs(created_at);`,
	}

	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap sqlite: %w", err)
		}
	}
	return nil
}
