package agent

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattjoyce/taskrelay/internal/storage"
)

// SQLiteSource reads and writes the delegates table.
type SQLiteSource struct {
	db *sql.DB
}

func NewSQLiteSource(db *sql.DB) *SQLiteSource {
	return &SQLiteSource{db: db}
}

// ListNonDeleted returns the projected fields of every non-deleted agent in tenant.
func (s *SQLiteSource) ListNonDeleted(ctx context.Context, tenant string) ([]Snapshot, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT tenant, id, name, status, last_heartbeat, ng
FROM delegates
WHERE tenant = ? AND status != ?
ORDER BY id ASC;
`, tenant, StatusDeleted)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var out []Snapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate agents: %w", err)
	}
	return out, nil
}

func (s *SQLiteSource) Get(ctx context.Context, tenant, id string) (*Snapshot, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT tenant, id, name, status, last_heartbeat, ng
FROM delegates
WHERE tenant = ? AND id = ?;
`, tenant, id)
	snap, err := scanSnapshot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// Upsert registers or updates an agent.
func (s *SQLiteSource) Upsert(ctx context.Context, snap Snapshot) error {
	if snap.Tenant == "" || snap.ID == "" {
		return fmt.Errorf("tenant and agent id are required")
	}
	if snap.Status == "" {
		snap.Status = StatusEnabled
	}
	now := storage.FormatTime(time.Now())
	hb := now
	if !snap.LastHeartbeat.IsZero() {
		hb = storage.FormatTime(snap.LastHeartbeat)
	}
	ng := 0
	if snap.NG {
		ng = 1
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO delegates(tenant, id, name, status, ng, last_heartbeat, created_at, updated_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(tenant, id) DO UPDATE SET
  name = excluded.name,
  status = excluded.status,
  ng = excluded.ng,
  last_heartbeat = excluded.last_heartbeat,
  updated_at = excluded.updated_at;
`, snap.Tenant, snap.ID, snap.Name, snap.Status, ng, hb, now, now)
	if err != nil {
		return fmt.Errorf("upsert agent: %w", err)
	}
	return nil
}

// Heartbeat stamps the agent's last heartbeat. Returns false if the agent is unknown.
func (s *SQLiteSource) Heartbeat(ctx context.Context, tenant, id string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE delegates SET last_heartbeat = ?, updated_at = ?
WHERE tenant = ? AND id = ? AND status != ?;
`, storage.FormatTime(at), storage.FormatTime(time.Now()), tenant, id, StatusDeleted)
	if err != nil {
		return false, fmt.Errorf("heartbeat: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("heartbeat: %w", err)
	}
	return n > 0, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSnapshot(row rowScanner) (*Snapshot, error) {
	var (
		snap    Snapshot
		statusS string
		hbS     string
		ng      int
	)
	if err := row.Scan(&snap.Tenant, &snap.ID, &snap.Name, &statusS, &hbS, &ng); err != nil {
		return nil, err
	}
	snap.Status = Status(statusS)
	snap.NG = ng != 0
	ts, err := storage.ParseTime(hbS)
	if err != nil {
		return nil, fmt.Errorf("parse last_heartbeat: %w", err)
	}
	snap.LastHeartbeat = ts
	return &snap, nil
}
