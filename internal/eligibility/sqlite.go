package eligibility

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/mattjoyce/taskrelay/internal/storage"
)

// SQLiteSource reads and writes delegate_connection_results.
type SQLiteSource struct {
	db *sql.DB
}

func NewSQLiteSource(db *sql.DB) *SQLiteSource {
	return &SQLiteSource{db: db}
}

func (s *SQLiteSource) Find(ctx context.Context, agentID, criterion string) (*Result, error) {
	var (
		r          = Result{AgentID: agentID, Criterion: criterion}
		validated  int
		updatedAtS string
	)
	err := s.db.QueryRowContext(ctx, `
SELECT validated, last_updated_at
FROM delegate_connection_results
WHERE agent_id = ? AND criterion = ?;
`, agentID, criterion).Scan(&validated, &updatedAtS)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find validation result: %w", err)
	}
	r.Validated = validated != 0
	ts, err := storage.ParseTime(updatedAtS)
	if err != nil {
		return nil, fmt.Errorf("parse last_updated_at: %w", err)
	}
	r.LastUpdatedAt = ts
	return &r, nil
}

func (s *SQLiteSource) Record(ctx context.Context, r Result) error {
	if r.AgentID == "" || r.Criterion == "" {
		return fmt.Errorf("agent id and criterion are required")
	}
	validated := 0
	if r.Validated {
		validated = 1
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO delegate_connection_results(agent_id, criterion, validated, last_updated_at)
VALUES(?, ?, ?, ?)
ON CONFLICT(agent_id, criterion) DO UPDATE SET
  validated = excluded.validated,
  last_updated_at = excluded.last_updated_at;
`, r.AgentID, r.Criterion, validated, storage.FormatTime(r.LastUpdatedAt))
	if err != nil {
		return fmt.Errorf("record validation result: %w", err)
	}
	return nil
}
