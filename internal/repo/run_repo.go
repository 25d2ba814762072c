package repo

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/shaiso/Courier/internal/domain"
)

// RunRepo — репозиторий для работы с runs.
type RunRepo struct {
	db DB
}

// NewRunRepo создаёт новый RunRepo.
func NewRunRepo(db DB) *RunRepo {
	return &RunRepo{db: db}
}

// WithTx возвращает копию репозитория, работающую внутри транзакции.
func (r *RunRepo) WithTx(tx pgx.Tx) *RunRepo {
	return &RunRepo{db: tx}
}

const runColumns = `
	id, job_id, environment_id, organization_id, queue_id, status,
	payload, properties, output, execution_count, execution_duration_ms,
	yielded_executions, started_at, completed_at, created_at
`

// Create создаёт новый run.
func (r *RunRepo) Create(ctx context.Context, run *domain.Run) error {
	query := `
		INSERT INTO runs (` + runColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`
	_, err := r.db.Exec(ctx, query,
		run.ID,
		run.JobID,
		run.EnvironmentID,
		run.OrganizationID,
		run.QueueID,
		run.Status,
		nullJSON(run.Payload),
		nullJSON(run.Properties),
		nullJSON(run.Output),
		run.ExecutionCount,
		run.ExecutionDurationMs,
		run.YieldedExecutions,
		run.StartedAt,
		run.CompletedAt,
		run.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// GetByID возвращает run по ID.
func (r *RunRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE id = $1`
	return scanRun(r.db.QueryRow(ctx, query, id))
}

// GetForUpdate возвращает run по ID с блокировкой строки.
// Используется оркестратором внутри транзакции решения.
func (r *RunRepo) GetForUpdate(ctx context.Context, id uuid.UUID) (*domain.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE id = $1 FOR UPDATE`
	return scanRun(r.db.QueryRow(ctx, query, id))
}

// Update сохраняет мутабельные поля run.
func (r *RunRepo) Update(ctx context.Context, run *domain.Run) error {
	query := `
		UPDATE runs
		SET status = $2, properties = $3, output = $4, execution_count = $5,
		    execution_duration_ms = $6, yielded_executions = $7,
		    started_at = $8, completed_at = $9
		WHERE id = $1
	`
	result, err := r.db.Exec(ctx, query,
		run.ID,
		run.Status,
		nullJSON(run.Properties),
		nullJSON(run.Output),
		run.ExecutionCount,
		run.ExecutionDurationMs,
		run.YieldedExecutions,
		run.StartedAt,
		run.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Cancel переводит незавершённый run в CANCELED.
// Терминальные runs не трогаются (возвращается ErrInvalidState).
func (r *RunRepo) Cancel(ctx context.Context, id uuid.UUID) (*domain.Run, error) {
	query := `
		UPDATE runs
		SET status = 'CANCELED', completed_at = now()
		WHERE id = $1 AND status IN ('QUEUED', 'STARTED')
		RETURNING ` + runColumns

	run, err := scanRun(r.db.QueryRow(ctx, query, id))
	if errors.Is(err, ErrNotFound) {
		// Либо run не существует, либо уже терминален.
		if _, getErr := r.GetByID(ctx, id); getErr == nil {
			return nil, ErrInvalidState
		}
		return nil, ErrNotFound
	}
	return run, err
}

// List возвращает runs окружения, новые первыми.
func (r *RunRepo) List(ctx context.Context, environmentID uuid.UUID, limit, offset int) ([]domain.Run, error) {
	query := `
		SELECT ` + runColumns + `
		FROM runs
		WHERE environment_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`
	rows, err := r.db.Query(ctx, query, environmentID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []domain.Run
	for rows.Next() {
		run, err := scanRunRows(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

// --- Helpers ---

func scanRun(row pgx.Row) (*domain.Run, error) {
	run, err := scanRunFrom(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return run, err
}

func scanRunRows(rows pgx.Rows) (*domain.Run, error) {
	return scanRunFrom(rows)
}

func scanRunFrom(row pgx.Row) (*domain.Run, error) {
	var run domain.Run
	err := row.Scan(
		&run.ID,
		&run.JobID,
		&run.EnvironmentID,
		&run.OrganizationID,
		&run.QueueID,
		&run.Status,
		&run.Payload,
		&run.Properties,
		&run.Output,
		&run.ExecutionCount,
		&run.ExecutionDurationMs,
		&run.YieldedExecutions,
		&run.StartedAt,
		&run.CompletedAt,
		&run.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan run: %w", err)
	}
	return &run, nil
}

// nullJSON возвращает nil для пустого JSON (NULL в БД).
func nullJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}
