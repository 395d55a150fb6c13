package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/oriys/orbit/internal/domain"
)

// PostgresStore keeps definitions and executions as JSONB documents with the
// columns needed for filtering pulled out alongside.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres DSN is required")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}

	s := &PostgresStore{pool: pool}

	if err := s.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return s, nil
}

func (s *PostgresStore) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	if s.pool == nil {
		return fmt.Errorf("postgres not initialized")
	}
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS orbit_workflow_definitions (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			enabled BOOLEAN NOT NULL DEFAULT TRUE,
			data JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS orbit_workflow_executions (
			id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			status TEXT NOT NULL,
			data JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_orbit_executions_workflow ON orbit_workflow_executions (workflow_id, created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_orbit_executions_status ON orbit_workflow_executions (status)`,
		`CREATE INDEX IF NOT EXISTS idx_orbit_executions_created ON orbit_workflow_executions (created_at)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) SaveDefinition(ctx context.Context, def *domain.WorkflowDefinition) error {
	data, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("marshal workflow %s: %w", def.ID, err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO orbit_workflow_definitions (id, name, enabled, data, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			enabled = EXCLUDED.enabled,
			data = EXCLUDED.data,
			updated_at = EXCLUDED.updated_at`,
		def.ID, def.Name, def.Enabled, data, def.CreatedAt, def.UpdatedAt)
	return err
}

func (s *PostgresStore) GetDefinition(ctx context.Context, id string) (*domain.WorkflowDefinition, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT data FROM orbit_workflow_definitions WHERE id = $1`, id).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("workflow %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	var def domain.WorkflowDefinition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("unmarshal workflow %s: %w", id, err)
	}
	return &def, nil
}

func (s *PostgresStore) DeleteDefinition(ctx context.Context, id string) error {
	ct, err := s.pool.Exec(ctx, `DELETE FROM orbit_workflow_definitions WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("workflow %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) ListDefinitions(ctx context.Context) ([]*domain.WorkflowDefinition, error) {
	rows, err := s.pool.Query(ctx, `SELECT data FROM orbit_workflow_definitions ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.WorkflowDefinition
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var def domain.WorkflowDefinition
		if err := json.Unmarshal(data, &def); err != nil {
			return nil, fmt.Errorf("unmarshal workflow: %w", err)
		}
		out = append(out, &def)
	}
	return out, rows.Err()
}

func (s *PostgresStore) SaveExecution(ctx context.Context, exec *domain.WorkflowExecution) error {
	data, err := json.Marshal(exec)
	if err != nil {
		return fmt.Errorf("marshal execution %s: %w", exec.ID, err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO orbit_workflow_executions (id, workflow_id, status, data, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			data = EXCLUDED.data,
			updated_at = EXCLUDED.updated_at`,
		exec.ID, exec.WorkflowID, string(exec.Status), data, exec.CreatedAt, exec.UpdatedAt)
	return err
}

func (s *PostgresStore) GetExecution(ctx context.Context, id string) (*domain.WorkflowExecution, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT data FROM orbit_workflow_executions WHERE id = $1`, id).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("execution %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	var exec domain.WorkflowExecution
	if err := json.Unmarshal(data, &exec); err != nil {
		return nil, fmt.Errorf("unmarshal execution %s: %w", id, err)
	}
	return &exec, nil
}

func (s *PostgresStore) DeleteExecution(ctx context.Context, id string) error {
	ct, err := s.pool.Exec(ctx, `DELETE FROM orbit_workflow_executions WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("execution %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*domain.WorkflowExecution, error) {
	query, args := buildExecutionQuery(filter)
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.WorkflowExecution
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var exec domain.WorkflowExecution
		if err := json.Unmarshal(data, &exec); err != nil {
			return nil, fmt.Errorf("unmarshal execution: %w", err)
		}
		out = append(out, &exec)
	}
	return out, rows.Err()
}

func buildExecutionQuery(f ExecutionFilter) (string, []any) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if f.WorkflowID != "" {
		where = append(where, "workflow_id = "+arg(f.WorkflowID))
	}
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			statuses[i] = string(st)
		}
		where = append(where, "status = ANY("+arg(statuses)+")")
	}
	if !f.CreatedBefore.IsZero() {
		where = append(where, "created_at < "+arg(f.CreatedBefore))
	}
	if !f.CreatedSince.IsZero() {
		where = append(where, "created_at >= "+arg(f.CreatedSince))
	}

	var b strings.Builder
	b.WriteString("SELECT data FROM orbit_workflow_executions")
	if len(where) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(where, " AND "))
	}
	b.WriteString(" ORDER BY created_at DESC, id DESC")
	if f.Limit > 0 {
		b.WriteString(" LIMIT " + arg(f.Limit))
	}
	return b.String(), args
}
