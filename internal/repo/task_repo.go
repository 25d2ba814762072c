package repo

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/shaiso/Courier/internal/domain"
)

// TaskRepo — репозиторий для работы с tasks.
type TaskRepo struct {
	db DB
}

// NewTaskRepo создаёт новый TaskRepo.
func NewTaskRepo(db DB) *TaskRepo {
	return &TaskRepo{db: db}
}

// WithTx возвращает копию репозитория, работающую внутри транзакции.
func (r *TaskRepo) WithTx(tx pgx.Tx) *TaskRepo {
	return &TaskRepo{db: tx}
}

const taskColumns = `
	id, run_id, idempotency_key, parent_id, status, noop, output,
	delay_until, operation, callback_url, error, started_at, completed_at,
	created_at
`

// Create создаёт новый task.
// Конфликт по (run_id, idempotency_key) возвращается как ErrAlreadyExists:
// endpoint может повторно описать тот же шаг после redelivery.
func (r *TaskRepo) Create(ctx context.Context, task *domain.Task) error {
	query := `
		INSERT INTO tasks (` + taskColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (run_id, idempotency_key) DO NOTHING
	`
	result, err := r.db.Exec(ctx, query,
		task.ID,
		task.RunID,
		task.IdempotencyKey,
		task.ParentID,
		task.Status,
		task.Noop,
		nullJSON(task.Output),
		task.DelayUntil,
		nullString(task.Operation),
		nullString(task.CallbackURL),
		nullJSON(task.Error),
		task.StartedAt,
		task.CompletedAt,
		task.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrAlreadyExists
	}
	return nil
}

// GetByID возвращает task по ID.
func (r *TaskRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE id = $1`
	return scanTask(r.db.QueryRow(ctx, query, id))
}

// GetByKey возвращает task по idempotency key в пределах run.
func (r *TaskRepo) GetByKey(ctx context.Context, runID uuid.UUID, key string) (*domain.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE run_id = $1 AND idempotency_key = $2`
	return scanTask(r.db.QueryRow(ctx, query, runID, key))
}

// Update сохраняет мутабельные поля task.
func (r *TaskRepo) Update(ctx context.Context, task *domain.Task) error {
	query := `
		UPDATE tasks
		SET status = $2, noop = $3, output = $4, delay_until = $5,
		    operation = $6, callback_url = $7, error = $8,
		    started_at = $9, completed_at = $10
		WHERE id = $1
	`
	result, err := r.db.Exec(ctx, query,
		task.ID,
		task.Status,
		task.Noop,
		nullJSON(task.Output),
		task.DelayUntil,
		nullString(task.Operation),
		nullString(task.CallbackURL),
		nullJSON(task.Error),
		task.StartedAt,
		task.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListCompleted возвращает завершённые tasks run'а для replay-кэша.
// Порядок стабильный (по created_at, id) — packer требует детерминизма.
func (r *TaskRepo) ListCompleted(ctx context.Context, runID uuid.UUID) ([]domain.Task, error) {
	query := `
		SELECT ` + taskColumns + `
		FROM tasks
		WHERE run_id = $1 AND status = 'COMPLETED'
		ORDER BY created_at ASC, id ASC
	`
	return r.list(ctx, query, runID)
}

// ListByRunID возвращает все tasks run'а.
func (r *TaskRepo) ListByRunID(ctx context.Context, runID uuid.UUID) ([]domain.Task, error) {
	query := `
		SELECT ` + taskColumns + `
		FROM tasks
		WHERE run_id = $1
		ORDER BY created_at ASC, id ASC
	`
	return r.list(ctx, query, runID)
}

func (r *TaskRepo) list(ctx context.Context, query string, args ...any) ([]domain.Task, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []domain.Task
	for rows.Next() {
		task, err := scanTaskFrom(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *task)
	}
	return tasks, rows.Err()
}

// --- Helpers ---

func scanTask(row pgx.Row) (*domain.Task, error) {
	task, err := scanTaskFrom(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return task, err
}

func scanTaskFrom(row pgx.Row) (*domain.Task, error) {
	var task domain.Task
	var operation, callbackURL *string

	err := row.Scan(
		&task.ID,
		&task.RunID,
		&task.IdempotencyKey,
		&task.ParentID,
		&task.Status,
		&task.Noop,
		&task.Output,
		&task.DelayUntil,
		&operation,
		&callbackURL,
		&task.Error,
		&task.StartedAt,
		&task.CompletedAt,
		&task.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan task: %w", err)
	}

	if operation != nil {
		task.Operation = *operation
	}
	if callbackURL != nil {
		task.CallbackURL = *callbackURL
	}

	return &task, nil
}

// nullString возвращает nil для пустой строки (NULL в БД).
func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
