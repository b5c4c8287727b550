package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/tendant/simple-migrate/pkg/simplemigrate"
)

// Schema creates the ledger tables. It is idempotent.
//
//go:embed schema.sql
var Schema string

// DBTX is an interface that allows us to use either a database connection or a transaction
type DBTX interface {
	Exec(context.Context, string, ...interface{}) (pgconn.CommandTag, error)
	Query(context.Context, string, ...interface{}) (pgx.Rows, error)
	QueryRow(context.Context, string, ...interface{}) pgx.Row
}

// Repository implements simplemigrate.Repository using PostgreSQL
type Repository struct {
	db DBTX
}

// New creates a new PostgreSQL repository
func New(db DBTX) simplemigrate.Repository {
	return &Repository{db: db}
}

// NewWithPool creates a new PostgreSQL repository with connection pool
func NewWithPool(pool *pgxpool.Pool) simplemigrate.Repository {
	return &Repository{db: pool}
}

// EnsureSchema applies Schema in the connection's search_path.
func EnsureSchema(ctx context.Context, db DBTX) error {
	if _, err := db.Exec(ctx, Schema); err != nil {
		return handlePostgresError("ensure schema", err)
	}
	return nil
}

// Error handling helper
func handlePostgresError(operation string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505": // unique_violation
			return fmt.Errorf("duplicate entry in %s: %s", operation, pgErr.ConstraintName)
		case "23503": // foreign_key_violation
			return fmt.Errorf("%s: %w", operation, simplemigrate.ErrRunNotFound)
		case "23502": // not_null_violation
			return fmt.Errorf("required field %s is missing", pgErr.ColumnName)
		case "42P01": // undefined_table
			return fmt.Errorf("table does not exist - database migration required")
		default:
			return fmt.Errorf("database error in %s: %s (code: %s)", operation, pgErr.Message, pgErr.Code)
		}
	}
	return fmt.Errorf("database error in %s: %w", operation, err)
}

const runColumns = `id, destination_node_id, status, started_at, finished_at,
		accepted, malformed, chains, complete_chains, aborted_chains,
		created, updated, skipped`

// Run operations

func (r *Repository) CreateRun(ctx context.Context, run *simplemigrate.Run) error {
	query := `
		INSERT INTO migrate_run (` + runColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

	_, err := r.db.Exec(ctx, query,
		run.ID, run.DestinationNodeID, string(run.Status), run.StartedAt, run.FinishedAt,
		run.Accepted, run.Malformed, run.Chains, run.CompleteChains, run.AbortedChains,
		run.Created, run.Updated, run.Skipped)
	if err != nil {
		return handlePostgresError("create run", err)
	}
	return nil
}

func (r *Repository) UpdateRun(ctx context.Context, run *simplemigrate.Run) error {
	query := `
		UPDATE migrate_run SET
			status = $2, finished_at = $3, accepted = $4, malformed = $5,
			chains = $6, complete_chains = $7, aborted_chains = $8,
			created = $9, updated = $10, skipped = $11
		WHERE id = $1`

	tag, err := r.db.Exec(ctx, query,
		run.ID, string(run.Status), run.FinishedAt, run.Accepted, run.Malformed,
		run.Chains, run.CompleteChains, run.AbortedChains,
		run.Created, run.Updated, run.Skipped)
	if err != nil {
		return handlePostgresError("update run", err)
	}
	if tag.RowsAffected() == 0 {
		return simplemigrate.ErrRunNotFound
	}
	return nil
}

func (r *Repository) GetRun(ctx context.Context, id uuid.UUID) (*simplemigrate.Run, error) {
	query := `SELECT ` + runColumns + ` FROM migrate_run WHERE id = $1`

	run, err := scanRun(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, simplemigrate.ErrRunNotFound
		}
		return nil, handlePostgresError("get run", err)
	}
	return run, nil
}

// ListRuns returns the most recent runs first. A limit <= 0 returns all runs.
func (r *Repository) ListRuns(ctx context.Context, limit int) ([]*simplemigrate.Run, error) {
	query := `SELECT ` + runColumns + ` FROM migrate_run ORDER BY started_at DESC`
	args := []interface{}{}
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, handlePostgresError("list runs", err)
	}
	defer rows.Close()

	var runs []*simplemigrate.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, handlePostgresError("list runs", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, handlePostgresError("list runs", err)
	}
	return runs, nil
}

func scanRun(row pgx.Row) (*simplemigrate.Run, error) {
	var run simplemigrate.Run
	var status string
	err := row.Scan(
		&run.ID, &run.DestinationNodeID, &status, &run.StartedAt, &run.FinishedAt,
		&run.Accepted, &run.Malformed, &run.Chains, &run.CompleteChains, &run.AbortedChains,
		&run.Created, &run.Updated, &run.Skipped)
	if err != nil {
		return nil, err
	}
	run.Status = simplemigrate.RunStatus(status)
	return &run, nil
}

// Step operations

func (r *Repository) RecordStep(ctx context.Context, step *simplemigrate.StepRecord) error {
	query := `
		INSERT INTO migrate_step (id, run_id, pid, group_key, stage, status, source, detail, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	_, err := r.db.Exec(ctx, query,
		step.ID, step.RunID, step.PID, step.GroupKey, string(step.Stage), string(step.Status),
		step.Source, step.Detail, step.CreatedAt)
	if err != nil {
		return handlePostgresError("record step", err)
	}
	return nil
}

func (r *Repository) ListSteps(ctx context.Context, runID uuid.UUID, status simplemigrate.StepStatus) ([]*simplemigrate.StepRecord, error) {
	if _, err := r.GetRun(ctx, runID); err != nil {
		return nil, err
	}

	query := `
		SELECT id, run_id, pid, group_key, stage, status, source, detail, created_at
		FROM migrate_step
		WHERE run_id = $1 AND ($2 = '' OR status = $2)
		ORDER BY seq`

	rows, err := r.db.Query(ctx, query, runID, string(status))
	if err != nil {
		return nil, handlePostgresError("list steps", err)
	}
	defer rows.Close()

	var steps []*simplemigrate.StepRecord
	for rows.Next() {
		var step simplemigrate.StepRecord
		var stage, stepStatus string
		if err := rows.Scan(&step.ID, &step.RunID, &step.PID, &step.GroupKey, &stage, &stepStatus,
			&step.Source, &step.Detail, &step.CreatedAt); err != nil {
			return nil, handlePostgresError("list steps", err)
		}
		step.Stage = simplemigrate.Stage(stage)
		step.Status = simplemigrate.StepStatus(stepStatus)
		steps = append(steps, &step)
	}
	if err := rows.Err(); err != nil {
		return nil, handlePostgresError("list steps", err)
	}
	return steps, nil
}
