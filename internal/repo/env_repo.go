package repo

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/shaiso/Courier/internal/domain"
)

// EnvRepo — репозиторий окружений, организаций и очередей job'ов.
type EnvRepo struct {
	db DB
}

// NewEnvRepo создаёт новый EnvRepo.
func NewEnvRepo(db DB) *EnvRepo {
	return &EnvRepo{db: db}
}

// WithTx возвращает копию репозитория, работающую внутри транзакции.
func (r *EnvRepo) WithTx(tx pgx.Tx) *EnvRepo {
	return &EnvRepo{db: tx}
}

const envColumns = `
	id, slug, organization_id, endpoint_url, api_key, version,
	run_chunk_execution_limit_ms, created_at
`

// GetEnvironment возвращает окружение по ID.
func (r *EnvRepo) GetEnvironment(ctx context.Context, id uuid.UUID) (*domain.Environment, error) {
	query := `SELECT ` + envColumns + ` FROM environments WHERE id = $1`
	return scanEnvironment(r.db.QueryRow(ctx, query, id))
}

// GetEnvironmentBySlug возвращает окружение по слагу.
func (r *EnvRepo) GetEnvironmentBySlug(ctx context.Context, slug string) (*domain.Environment, error) {
	query := `SELECT ` + envColumns + ` FROM environments WHERE slug = $1`
	return scanEnvironment(r.db.QueryRow(ctx, query, slug))
}

// ListEnvironments возвращает все окружения (для probe-рекалибровки).
func (r *EnvRepo) ListEnvironments(ctx context.Context) ([]domain.Environment, error) {
	query := `SELECT ` + envColumns + ` FROM environments ORDER BY created_at ASC`
	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list environments: %w", err)
	}
	defer rows.Close()

	var envs []domain.Environment
	for rows.Next() {
		env, err := scanEnvironmentFrom(rows)
		if err != nil {
			return nil, err
		}
		envs = append(envs, *env)
	}
	return envs, rows.Err()
}

// UpdateChunkLimit сохраняет откалиброванный потолок одного EXECUTE_JOB.
func (r *EnvRepo) UpdateChunkLimit(ctx context.Context, envID uuid.UUID, limitMs int64) error {
	query := `UPDATE environments SET run_chunk_execution_limit_ms = $2 WHERE id = $1`
	result, err := r.db.Exec(ctx, query, envID, limitMs)
	if err != nil {
		return fmt.Errorf("update chunk limit: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// GetOrganization возвращает организацию по ID.
func (r *EnvRepo) GetOrganization(ctx context.Context, id uuid.UUID) (*domain.Organization, error) {
	query := `
		SELECT id, slug, maximum_execution_time_per_run_ms
		FROM organizations
		WHERE id = $1
	`

	var org domain.Organization
	err := r.db.QueryRow(ctx, query, id).Scan(
		&org.ID,
		&org.Slug,
		&org.MaximumExecutionTimePerRunMs,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan organization: %w", err)
	}
	return &org, nil
}

// GetQueue возвращает очередь job'ов по ID.
func (r *EnvRepo) GetQueue(ctx context.Context, id uuid.UUID) (*domain.JobQueue, error) {
	query := `SELECT id, name, job_count, max_concurrent FROM job_queues WHERE id = $1`

	var q domain.JobQueue
	err := r.db.QueryRow(ctx, query, id).Scan(&q.ID, &q.Name, &q.JobCount, &q.MaxConcurrent)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan job queue: %w", err)
	}
	return &q, nil
}

// IncrementQueueCount увеличивает счётчик runs в полёте.
// Потолок max_concurrent проверяется тем же UPDATE: ноль затронутых
// строк означает либо отсутствие очереди, либо исчерпанный лимит.
func (r *EnvRepo) IncrementQueueCount(ctx context.Context, queueID uuid.UUID) error {
	query := `
		UPDATE job_queues
		SET job_count = job_count + 1
		WHERE id = $1 AND (max_concurrent <= 0 OR job_count < max_concurrent)`

	tag, err := r.db.Exec(ctx, query, queueID)
	if err != nil {
		return fmt.Errorf("increment queue count: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrQueueFull
	}
	return nil
}

// ReleaseQueueCount уменьшает счётчик runs в полёте (не ниже нуля).
// Вызывается в транзакции каждого терминального исхода (legacy-протокол).
func (r *EnvRepo) ReleaseQueueCount(ctx context.Context, queueID uuid.UUID) error {
	query := `UPDATE job_queues SET job_count = GREATEST(job_count - 1, 0) WHERE id = $1`
	if _, err := r.db.Exec(ctx, query, queueID); err != nil {
		return fmt.Errorf("release queue count: %w", err)
	}
	return nil
}

// --- Helpers ---

func scanEnvironment(row pgx.Row) (*domain.Environment, error) {
	env, err := scanEnvironmentFrom(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return env, err
}

func scanEnvironmentFrom(row pgx.Row) (*domain.Environment, error) {
	var env domain.Environment
	err := row.Scan(
		&env.ID,
		&env.Slug,
		&env.OrganizationID,
		&env.EndpointURL,
		&env.APIKey,
		&env.Version,
		&env.RunChunkExecutionLimitMs,
		&env.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan environment: %w", err)
	}
	return &env, nil
}
