package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/shaiso/Courier/internal/domain"
)

// ContinuationRepo — репозиторий continuations (outbox-очередь).
//
// Таблица continuations и есть durable-очередь: вставка происходит в
// транзакции решения оркестратора, dispatcher публикует наступившие
// записи в MQ, runner помечает обработанные DONE в транзакции
// следующего решения.
type ContinuationRepo struct {
	db DB
}

// NewContinuationRepo создаёт новый ContinuationRepo.
func NewContinuationRepo(db DB) *ContinuationRepo {
	return &ContinuationRepo{db: db}
}

// WithTx возвращает копию репозитория, работающую внутри транзакции.
func (r *ContinuationRepo) WithTx(tx pgx.Tx) *ContinuationRepo {
	return &ContinuationRepo{db: tx}
}

const continuationColumns = `
	id, run_id, reason, resume_task_id, is_retry, retry_count, retry_limit,
	status, run_at, last_error, created_at
`

// Create вставляет continuation в outbox.
func (r *ContinuationRepo) Create(ctx context.Context, c *domain.Continuation) error {
	query := `
		INSERT INTO continuations (` + continuationColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	_, err := r.db.Exec(ctx, query,
		c.ID,
		c.RunID,
		c.Reason,
		c.ResumeTaskID,
		c.IsRetry,
		c.RetryCount,
		c.RetryLimit,
		c.Status,
		c.RunAt,
		nullJSON(c.LastError),
		c.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert continuation: %w", err)
	}
	return nil
}

// GetByID возвращает continuation по ID.
func (r *ContinuationRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.Continuation, error) {
	query := `SELECT ` + continuationColumns + ` FROM continuations WHERE id = $1`
	return scanContinuation(r.db.QueryRow(ctx, query, id))
}

// GetForUpdate возвращает continuation, блокируя строку до конца
// транзакции. Под read committed обычный SELECT не видит чужой
// незакоммиченный DONE — проверка идемпотентности обязана читать
// под этой блокировкой.
func (r *ContinuationRepo) GetForUpdate(ctx context.Context, id uuid.UUID) (*domain.Continuation, error) {
	query := `SELECT ` + continuationColumns + ` FROM continuations WHERE id = $1 FOR UPDATE`
	return scanContinuation(r.db.QueryRow(ctx, query, id))
}

// ListDue возвращает PENDING continuations с наступившим run_at.
// Блокирует строки (SKIP LOCKED) — несколько dispatcher'ов не заберут
// одну и ту же запись.
func (r *ContinuationRepo) ListDue(ctx context.Context, limit int) ([]domain.Continuation, error) {
	query := `
		SELECT ` + continuationColumns + `
		FROM continuations
		WHERE status = 'PENDING' AND run_at <= now()
		ORDER BY run_at ASC
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	`
	return r.list(ctx, query, limit)
}

// ListStaleDispatched возвращает DISPATCHED continuations старше cutoff —
// fallback для runner'а на случай потери MQ-сообщения.
func (r *ContinuationRepo) ListStaleDispatched(ctx context.Context, cutoff time.Time, limit int) ([]domain.Continuation, error) {
	query := `
		SELECT ` + continuationColumns + `
		FROM continuations
		WHERE status = 'DISPATCHED' AND run_at <= $1
		ORDER BY run_at ASC
		LIMIT $2
	`
	return r.list(ctx, query, cutoff, limit)
}

// MarkDispatched переводит continuation в DISPATCHED.
func (r *ContinuationRepo) MarkDispatched(ctx context.Context, id uuid.UUID) error {
	query := `UPDATE continuations SET status = 'DISPATCHED' WHERE id = $1 AND status = 'PENDING'`
	result, err := r.db.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("mark continuation dispatched: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrInvalidState
	}
	return nil
}

// MarkDone переводит continuation в DONE.
// Идемпотентен: повторный вызов для DONE записи — no-op.
func (r *ContinuationRepo) MarkDone(ctx context.Context, id uuid.UUID) error {
	query := `UPDATE continuations SET status = 'DONE' WHERE id = $1`
	if _, err := r.db.Exec(ctx, query, id); err != nil {
		return fmt.Errorf("mark continuation done: %w", err)
	}
	return nil
}

// --- Helpers ---

func (r *ContinuationRepo) list(ctx context.Context, query string, args ...any) ([]domain.Continuation, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list continuations: %w", err)
	}
	defer rows.Close()

	var items []domain.Continuation
	for rows.Next() {
		c, err := scanContinuationFrom(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *c)
	}
	return items, rows.Err()
}

func scanContinuation(row pgx.Row) (*domain.Continuation, error) {
	c, err := scanContinuationFrom(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return c, err
}

func scanContinuationFrom(row pgx.Row) (*domain.Continuation, error) {
	var c domain.Continuation
	err := row.Scan(
		&c.ID,
		&c.RunID,
		&c.Reason,
		&c.ResumeTaskID,
		&c.IsRetry,
		&c.RetryCount,
		&c.RetryLimit,
		&c.Status,
		&c.RunAt,
		&c.LastError,
		&c.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan continuation: %w", err)
	}
	return &c, nil
}
