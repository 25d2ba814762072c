package repo

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/shaiso/Courier/internal/domain"
)

// AttemptRepo — репозиторий retry-попыток tasks.
type AttemptRepo struct {
	db DB
}

// NewAttemptRepo создаёт новый AttemptRepo.
func NewAttemptRepo(db DB) *AttemptRepo {
	return &AttemptRepo{db: db}
}

// WithTx возвращает копию репозитория, работающую внутри транзакции.
func (r *AttemptRepo) WithTx(tx pgx.Tx) *AttemptRepo {
	return &AttemptRepo{db: tx}
}

// Create создаёт новую попытку.
func (r *AttemptRepo) Create(ctx context.Context, a *domain.TaskAttempt) error {
	query := `
		INSERT INTO task_attempts (id, task_id, number, status, run_at, error, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := r.db.Exec(ctx, query,
		a.ID,
		a.TaskID,
		a.Number,
		a.Status,
		a.RunAt,
		nullJSON(a.Error),
		a.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert task attempt: %w", err)
	}
	return nil
}

// MarkPendingErrored помечает текущую PENDING попытку task'а как ERRORED.
// Возвращает число затронутых строк (0 или 1 — инвариант «не более одной
// PENDING попытки» поддерживается этим вызовом перед Create).
func (r *AttemptRepo) MarkPendingErrored(ctx context.Context, taskID uuid.UUID) (int, error) {
	query := `
		UPDATE task_attempts
		SET status = 'ERRORED'
		WHERE task_id = $1 AND status = 'PENDING'
	`
	result, err := r.db.Exec(ctx, query, taskID)
	if err != nil {
		return 0, fmt.Errorf("mark pending attempt errored: %w", err)
	}
	return int(result.RowsAffected()), nil
}

// NextNumber возвращает номер следующей попытки task'а (строго возрастающий).
func (r *AttemptRepo) NextNumber(ctx context.Context, taskID uuid.UUID) (int, error) {
	query := `SELECT COALESCE(MAX(number), 0) + 1 FROM task_attempts WHERE task_id = $1`

	var number int
	if err := r.db.QueryRow(ctx, query, taskID).Scan(&number); err != nil {
		return 0, fmt.Errorf("next attempt number: %w", err)
	}
	return number, nil
}

// GetPending возвращает PENDING попытку task'а, если она есть.
func (r *AttemptRepo) GetPending(ctx context.Context, taskID uuid.UUID) (*domain.TaskAttempt, error) {
	query := `
		SELECT id, task_id, number, status, run_at, error, created_at
		FROM task_attempts
		WHERE task_id = $1 AND status = 'PENDING'
	`

	var a domain.TaskAttempt
	err := r.db.QueryRow(ctx, query, taskID).Scan(
		&a.ID,
		&a.TaskID,
		&a.Number,
		&a.Status,
		&a.RunAt,
		&a.Error,
		&a.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan task attempt: %w", err)
	}
	return &a, nil
}
