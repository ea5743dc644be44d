package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const pgTasksTable = "delegate_tasks"

// PostgresBackend stores tasks in Postgres. Conditional updates are a single
// UPDATE ... WHERE ... RETURNING statement, so row-level locking decides races.
type PostgresBackend struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects to dsn, pings, and ensures the schema exists.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresBackend, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}

	cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	pool, err := pgxpool.NewWithConfig(cctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	if err := pool.Ping(cctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	b := NewPostgresBackend(pool)
	if err := b.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return b, nil
}

func NewPostgresBackend(pool *pgxpool.Pool) *PostgresBackend {
	return &PostgresBackend{pool: pool}
}

// EnsureSchema creates the delegate_tasks table if it doesn't exist.
func (b *PostgresBackend) EnsureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS ` + pgTasksTable + ` (
    tenant                        TEXT NOT NULL,
    id                            TEXT NOT NULL,
    status                        TEXT NOT NULL,
    assigned_agent_id             TEXT NOT NULL DEFAULT '',
    assigned_instance_id          TEXT NOT NULL DEFAULT '',
    validating_agent_ids          TEXT[] NOT NULL DEFAULT '{}',
    validation_complete_agent_ids TEXT[] NOT NULL DEFAULT '{}',
    validation_started_at         TIMESTAMPTZ,
    expiry                        TIMESTAMPTZ NOT NULL,
    definition                    JSONB NOT NULL DEFAULT '{}',
    created_at                    TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at                    TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (tenant, id)
)`,
		`CREATE INDEX IF NOT EXISTS delegate_tasks_status_expiry_idx ON ` + pgTasksTable + ` (status, expiry)`,
	}
	for _, stmt := range statements {
		if _, err := b.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

func pgColumns() string {
	return `tenant, id, status, assigned_agent_id, assigned_instance_id,
    validating_agent_ids, validation_complete_agent_ids, validation_started_at,
    expiry, definition, created_at, updated_at`
}

func (b *PostgresBackend) Insert(ctx context.Context, t *Task) error {
	def, err := json.Marshal(t.Definition)
	if err != nil {
		return fmt.Errorf("marshal definition: %w", err)
	}
	_, err = b.pool.Exec(ctx, `
INSERT INTO `+pgTasksTable+` (tenant, id, status, expiry, definition, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5::jsonb, $6, $7)`,
		t.Tenant, t.ID, string(t.Status), t.Expiry, string(def), t.CreatedAt, t.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("%w: %s/%s", ErrTaskExists, t.Tenant, t.ID)
		}
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

func (b *PostgresBackend) Get(ctx context.Context, tenant, id string) (*Task, error) {
	row := b.pool.QueryRow(ctx, `SELECT `+pgColumns()+` FROM `+pgTasksTable+` WHERE tenant = $1 AND id = $2`, tenant, id)
	t, err := scanPgTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

// pgArgs numbers placeholders as they are added.
type pgArgs struct{ vals []any }

func (a *pgArgs) add(v any) string {
	a.vals = append(a.vals, v)
	return fmt.Sprintf("$%d", len(a.vals))
}

func (b *PostgresBackend) ConditionalUpdate(ctx context.Context, f Filter, m Mutation) (*Task, bool, error) {
	var args pgArgs
	var sets []string

	if m.ClearValidation {
		sets = append(sets, `validating_agent_ids = '{}'`, `validation_complete_agent_ids = '{}'`)
	} else if m.AddValidatingAgent != "" {
		p := args.add(m.AddValidatingAgent)
		sets = append(sets, fmt.Sprintf(`validating_agent_ids = CASE
        WHEN %[1]s = ANY(validating_agent_ids) THEN validating_agent_ids
        ELSE array_append(validating_agent_ids, %[1]s)
    END`, p))
	}
	if m.ValidationStartedAt != nil {
		sets = append(sets, `validation_started_at = COALESCE(validation_started_at, `+args.add(*m.ValidationStartedAt)+`)`)
	}
	if m.Assign != nil {
		sets = append(sets,
			`assigned_agent_id = `+args.add(m.Assign.AgentID),
			`assigned_instance_id = `+args.add(m.Assign.InstanceID))
	}
	if m.Status != "" {
		sets = append(sets, `status = `+args.add(string(m.Status)))
	}
	if m.Expiry != nil {
		sets = append(sets, `expiry = `+args.add(*m.Expiry))
	}
	updatedAt := m.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}
	sets = append(sets, `updated_at = `+args.add(updatedAt))

	where := []string{
		`tenant = ` + args.add(f.Tenant),
		`id = ` + args.add(f.ID),
	}
	if f.Status != "" {
		where = append(where, `status = `+args.add(string(f.Status)))
	}
	if f.AssigneeAbsent {
		where = append(where, `assigned_agent_id = ''`)
	}
	if f.InstanceAbsent {
		where = append(where, `assigned_instance_id = ''`)
	}
	if f.AssignedAgentID != "" {
		where = append(where, `assigned_agent_id = `+args.add(f.AssignedAgentID))
	}
	if f.AssignedInstanceID != "" {
		where = append(where, `assigned_instance_id = `+args.add(f.AssignedInstanceID))
	}

	row := b.pool.QueryRow(ctx, `UPDATE `+pgTasksTable+` SET `+strings.Join(sets, ", ")+
		` WHERE `+strings.Join(where, " AND ")+
		` RETURNING `+pgColumns(), args.vals...)
	t, err := scanPgTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("conditional update: %w", err)
	}
	return t, true, nil
}

func (b *PostgresBackend) ExpireOverdue(ctx context.Context, now time.Time) (int, error) {
	tag, err := b.pool.Exec(ctx, `
UPDATE `+pgTasksTable+`
SET status = $1, assigned_agent_id = '', assigned_instance_id = '', updated_at = $2
WHERE status = ANY($3) AND expiry < $2`,
		string(StatusExpired), now, []string{string(StatusQueued), string(StatusStarted)})
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (b *PostgresBackend) Close() error {
	if b.pool != nil {
		b.pool.Close()
	}
	return nil
}

func scanPgTask(row pgx.Row) (*Task, error) {
	var (
		t               Task
		statusS         string
		validationStart *time.Time
		defJSON         []byte
	)
	if err := row.Scan(
		&t.Tenant, &t.ID, &statusS, &t.AssignedAgentID, &t.AssignedInstanceID,
		&t.ValidatingAgentIDs, &t.ValidationCompleteAgentIDs, &validationStart,
		&t.Expiry, &defJSON, &t.CreatedAt, &t.UpdatedAt,
	); err != nil {
		return nil, err
	}
	t.Status = Status(statusS)
	t.ValidationStartedAt = validationStart
	if len(defJSON) > 0 {
		if err := json.Unmarshal(defJSON, &t.Definition); err != nil {
			return nil, fmt.Errorf("decode definition: %w", err)
		}
	}
	return &t, nil
}
