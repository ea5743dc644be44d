package task

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattjoyce/taskrelay/internal/storage"
)

const taskColumns = `tenant, id, status, assigned_agent_id, assigned_instance_id,
  validating_agent_ids, validation_complete_agent_ids, validation_started_at,
  expiry, definition, created_at, updated_at`

// SQLiteBackend stores tasks in delegate_tasks. Conditional updates are a
// single UPDATE ... WHERE ... RETURNING statement.
type SQLiteBackend struct {
	db *sql.DB
}

func NewSQLiteBackend(db *sql.DB) *SQLiteBackend {
	return &SQLiteBackend{db: db}
}

func (b *SQLiteBackend) Insert(ctx context.Context, t *Task) error {
	def, err := json.Marshal(t.Definition)
	if err != nil {
		return fmt.Errorf("marshal definition: %w", err)
	}
	_, err = b.db.ExecContext(ctx, `
INSERT INTO delegate_tasks(tenant, id, status, expiry, definition, created_at, updated_at)
VALUES(?, ?, ?, ?, ?, ?, ?);
`, t.Tenant, t.ID, t.Status, storage.FormatTime(t.Expiry), string(def),
		storage.FormatTime(t.CreatedAt), storage.FormatTime(t.UpdatedAt))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("%w: %s/%s", ErrTaskExists, t.Tenant, t.ID)
		}
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

func (b *SQLiteBackend) Get(ctx context.Context, tenant, id string) (*Task, error) {
	row := b.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM delegate_tasks WHERE tenant = ? AND id = ?;`, tenant, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (b *SQLiteBackend) ConditionalUpdate(ctx context.Context, f Filter, m Mutation) (*Task, bool, error) {
	sets, setArgs := sqliteSets(m)
	where, whereArgs := sqliteWhere(f)

	query := `UPDATE delegate_tasks SET ` + strings.Join(sets, ", ") +
		` WHERE ` + strings.Join(where, " AND ") +
		` RETURNING ` + taskColumns + `;`
	row := b.db.QueryRowContext(ctx, query, append(setArgs, whereArgs...)...)

	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("conditional update: %w", err)
	}
	return t, true, nil
}

func (b *SQLiteBackend) ExpireOverdue(ctx context.Context, now time.Time) (int, error) {
	nowS := storage.FormatTime(now)
	res, err := b.db.ExecContext(ctx, `
UPDATE delegate_tasks
SET status = ?, assigned_agent_id = NULL, assigned_instance_id = NULL, updated_at = ?
WHERE status IN (?, ?) AND expiry < ?;
`, StatusExpired, nowS, StatusQueued, StatusStarted, nowS)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// Close is a no-op; the *sql.DB is shared and closed by its opener.
func (b *SQLiteBackend) Close() error { return nil }

func sqliteSets(m Mutation) ([]string, []any) {
	var (
		sets []string
		args []any
	)
	if m.ClearValidation {
		sets = append(sets, `validating_agent_ids = '[]'`, `validation_complete_agent_ids = '[]'`)
	} else if m.AddValidatingAgent != "" {
		sets = append(sets, `validating_agent_ids = CASE
    WHEN EXISTS (SELECT 1 FROM json_each(validating_agent_ids) WHERE value = ?) THEN validating_agent_ids
    ELSE json_insert(validating_agent_ids, '$[#]', ?)
  END`)
		args = append(args, m.AddValidatingAgent, m.AddValidatingAgent)
	}
	if m.ValidationStartedAt != nil {
		sets = append(sets, `validation_started_at = COALESCE(validation_started_at, ?)`)
		args = append(args, storage.FormatTime(*m.ValidationStartedAt))
	}
	if m.Assign != nil {
		sets = append(sets, `assigned_agent_id = ?`, `assigned_instance_id = ?`)
		args = append(args, m.Assign.AgentID, m.Assign.InstanceID)
	}
	if m.Status != "" {
		sets = append(sets, `status = ?`)
		args = append(args, m.Status)
	}
	if m.Expiry != nil {
		sets = append(sets, `expiry = ?`)
		args = append(args, storage.FormatTime(*m.Expiry))
	}
	updatedAt := m.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}
	sets = append(sets, `updated_at = ?`)
	args = append(args, storage.FormatTime(updatedAt))
	return sets, args
}

func sqliteWhere(f Filter) ([]string, []any) {
	where := []string{`tenant = ?`, `id = ?`}
	args := []any{f.Tenant, f.ID}
	if f.Status != "" {
		where = append(where, `status = ?`)
		args = append(args, f.Status)
	}
	if f.AssigneeAbsent {
		where = append(where, `COALESCE(assigned_agent_id, '') = ''`)
	}
	if f.InstanceAbsent {
		where = append(where, `COALESCE(assigned_instance_id, '') = ''`)
	}
	if f.AssignedAgentID != "" {
		where = append(where, `assigned_agent_id = ?`)
		args = append(args, f.AssignedAgentID)
	}
	if f.AssignedInstanceID != "" {
		where = append(where, `assigned_instance_id = ?`)
		args = append(args, f.AssignedInstanceID)
	}
	return where, args
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*Task, error) {
	var (
		t               Task
		statusS         string
		assignedAgent   sql.NullString
		assignedInst    sql.NullString
		validatingJSON  string
		completeJSON    string
		validationStart sql.NullString
		expiryS         string
		defJSON         string
		createdAtS      string
		updatedAtS      string
	)
	if err := row.Scan(
		&t.Tenant, &t.ID, &statusS, &assignedAgent, &assignedInst,
		&validatingJSON, &completeJSON, &validationStart,
		&expiryS, &defJSON, &createdAtS, &updatedAtS,
	); err != nil {
		return nil, err
	}

	t.Status = Status(statusS)
	t.AssignedAgentID = assignedAgent.String
	t.AssignedInstanceID = assignedInst.String
	if err := json.Unmarshal([]byte(validatingJSON), &t.ValidatingAgentIDs); err != nil {
		return nil, fmt.Errorf("decode validating_agent_ids: %w", err)
	}
	if err := json.Unmarshal([]byte(completeJSON), &t.ValidationCompleteAgentIDs); err != nil {
		return nil, fmt.Errorf("decode validation_complete_agent_ids: %w", err)
	}
	if err := json.Unmarshal([]byte(defJSON), &t.Definition); err != nil {
		return nil, fmt.Errorf("decode definition: %w", err)
	}
	if validationStart.Valid {
		if ts, err := storage.ParseTime(validationStart.String); err == nil {
			t.ValidationStartedAt = &ts
		}
	}
	if ts, err := storage.ParseTime(expiryS); err == nil {
		t.Expiry = ts
	}
	if ts, err := storage.ParseTime(createdAtS); err == nil {
		t.CreatedAt = ts
	}
	if ts, err := storage.ParseTime(updatedAtS); err == nil {
		t.UpdatedAt = ts
	}
	return &t, nil
}
