package selectionlog

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/mattjoyce/taskrelay/internal/storage"
)

// SQLiteSink appends batches to the selection_logs table in one transaction.
type SQLiteSink struct {
	db *sql.DB
}

func NewSQLiteSink(db *sql.DB) *SQLiteSink {
	return &SQLiteSink{db: db}
}

func (s *SQLiteSink) Name() string { return "sqlite" }

func (s *SQLiteSink) Write(ctx context.Context, tenant string, batch []Entry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
INSERT OR IGNORE INTO selection_logs(id, tenant, task_id, agent_id, outcome, message, created_at)
VALUES(?, ?, ?, ?, ?, ?, ?);
`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, e := range batch {
		if _, err := stmt.ExecContext(ctx, e.ID, tenant, e.TaskID, e.AgentID, e.Outcome, e.Message, storage.FormatTime(e.CreatedAt)); err != nil {
			return fmt.Errorf("insert selection log: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// ForTask returns the entries recorded for one task, oldest first.
func (s *SQLiteSink) ForTask(ctx context.Context, tenant, taskID string) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, tenant, task_id, agent_id, outcome, message, created_at
FROM selection_logs
WHERE tenant = ? AND task_id = ?
ORDER BY created_at ASC, rowid ASC;
`, tenant, taskID)
	if err != nil {
		return nil, fmt.Errorf("query selection logs: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e          Entry
			createdAtS string
		)
		if err := rows.Scan(&e.ID, &e.Tenant, &e.TaskID, &e.AgentID, &e.Outcome, &e.Message, &createdAtS); err != nil {
			return nil, fmt.Errorf("scan selection log: %w", err)
		}
		if ts, err := storage.ParseTime(createdAtS); err == nil {
			e.CreatedAt = ts
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Prune deletes entries older than the retention window.
func (s *SQLiteSink) Prune(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM selection_logs WHERE created_at < ?;`, storage.FormatTime(before))
	if err != nil {
		return 0, fmt.Errorf("prune selection logs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune selection logs: %w", err)
	}
	return int(n), nil
}
