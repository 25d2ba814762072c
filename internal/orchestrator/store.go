package orchestrator

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shaiso/Courier/internal/domain"
	"github.com/shaiso/Courier/internal/repo"
)

// Store — персистентное состояние, которое читает и мутирует
// оркестратор. Вынесено в интерфейс ради явной инъекции зависимостей:
// decision tables тестируются на in-memory реализации без Postgres.
type Store interface {
	GetContinuation(ctx context.Context, id uuid.UUID) (*domain.Continuation, error)
	// GetContinuationForUpdate блокирует строку continuation до конца
	// транзакции. Каждая транзакция решения перепроверяет статус под
	// этой блокировкой: одна и та же continuation приходит и из MQ, и
	// из polling fallback, проигравший обязан увидеть DONE победителя.
	GetContinuationForUpdate(ctx context.Context, id uuid.UUID) (*domain.Continuation, error)
	CreateContinuation(ctx context.Context, c *domain.Continuation) error
	MarkContinuationDone(ctx context.Context, id uuid.UUID) error

	GetRun(ctx context.Context, id uuid.UUID) (*domain.Run, error)
	// GetRunForUpdate блокирует строку run до конца транзакции.
	GetRunForUpdate(ctx context.Context, id uuid.UUID) (*domain.Run, error)
	UpdateRun(ctx context.Context, run *domain.Run) error

	GetEnvironment(ctx context.Context, id uuid.UUID) (*domain.Environment, error)
	GetOrganization(ctx context.Context, id uuid.UUID) (*domain.Organization, error)
	// ReleaseQueueCount освобождает слот очереди при терминальном исходе
	// (только протокол с явным учётом, см. Capabilities.TracksQueueCounts).
	ReleaseQueueCount(ctx context.Context, queueID uuid.UUID) error

	GetTask(ctx context.Context, id uuid.UUID) (*domain.Task, error)
	GetTaskByKey(ctx context.Context, runID uuid.UUID, key string) (*domain.Task, error)
	CreateTask(ctx context.Context, task *domain.Task) error
	UpdateTask(ctx context.Context, task *domain.Task) error
	ListCompletedTasks(ctx context.Context, runID uuid.UUID) ([]domain.Task, error)

	MarkPendingAttemptsErrored(ctx context.Context, taskID uuid.UUID) (int, error)
	NextAttemptNumber(ctx context.Context, taskID uuid.UUID) (int, error)
	CreateAttempt(ctx context.Context, a *domain.TaskAttempt) error

	// InTx выполняет fn на транзакционной копии Store. Все мутации
	// одного решения — run/task/attempt плюс continuation — обязаны
	// проходить через один вызов InTx.
	InTx(ctx context.Context, fn func(s Store) error) error
}

// PgStore — Store поверх Postgres-репозиториев.
type PgStore struct {
	pool *pgxpool.Pool

	runs          *repo.RunRepo
	tasks         *repo.TaskRepo
	attempts      *repo.AttemptRepo
	continuations *repo.ContinuationRepo
	envs          *repo.EnvRepo

	// inTx — true для транзакционной копии: вложенный InTx запрещён.
	inTx bool
}

// NewPgStore создаёт PgStore на пуле соединений.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{
		pool:          pool,
		runs:          repo.NewRunRepo(pool),
		tasks:         repo.NewTaskRepo(pool),
		attempts:      repo.NewAttemptRepo(pool),
		continuations: repo.NewContinuationRepo(pool),
		envs:          repo.NewEnvRepo(pool),
	}
}

// withTx возвращает копию Store, привязанную к транзакции.
func (s *PgStore) withTx(tx pgx.Tx) *PgStore {
	return &PgStore{
		pool:          s.pool,
		runs:          s.runs.WithTx(tx),
		tasks:         s.tasks.WithTx(tx),
		attempts:      s.attempts.WithTx(tx),
		continuations: s.continuations.WithTx(tx),
		envs:          s.envs.WithTx(tx),
		inTx:          true,
	}
}

func (s *PgStore) GetContinuation(ctx context.Context, id uuid.UUID) (*domain.Continuation, error) {
	return s.continuations.GetByID(ctx, id)
}

func (s *PgStore) GetContinuationForUpdate(ctx context.Context, id uuid.UUID) (*domain.Continuation, error) {
	return s.continuations.GetForUpdate(ctx, id)
}

func (s *PgStore) CreateContinuation(ctx context.Context, c *domain.Continuation) error {
	return s.continuations.Create(ctx, c)
}

func (s *PgStore) MarkContinuationDone(ctx context.Context, id uuid.UUID) error {
	return s.continuations.MarkDone(ctx, id)
}

func (s *PgStore) GetRun(ctx context.Context, id uuid.UUID) (*domain.Run, error) {
	return s.runs.GetByID(ctx, id)
}

func (s *PgStore) GetRunForUpdate(ctx context.Context, id uuid.UUID) (*domain.Run, error) {
	return s.runs.GetForUpdate(ctx, id)
}

func (s *PgStore) UpdateRun(ctx context.Context, run *domain.Run) error {
	return s.runs.Update(ctx, run)
}

func (s *PgStore) GetEnvironment(ctx context.Context, id uuid.UUID) (*domain.Environment, error) {
	return s.envs.GetEnvironment(ctx, id)
}

func (s *PgStore) GetOrganization(ctx context.Context, id uuid.UUID) (*domain.Organization, error) {
	return s.envs.GetOrganization(ctx, id)
}

func (s *PgStore) ReleaseQueueCount(ctx context.Context, queueID uuid.UUID) error {
	return s.envs.ReleaseQueueCount(ctx, queueID)
}

func (s *PgStore) GetTask(ctx context.Context, id uuid.UUID) (*domain.Task, error) {
	return s.tasks.GetByID(ctx, id)
}

func (s *PgStore) GetTaskByKey(ctx context.Context, runID uuid.UUID, key string) (*domain.Task, error) {
	return s.tasks.GetByKey(ctx, runID, key)
}

func (s *PgStore) CreateTask(ctx context.Context, task *domain.Task) error {
	return s.tasks.Create(ctx, task)
}

func (s *PgStore) UpdateTask(ctx context.Context, task *domain.Task) error {
	return s.tasks.Update(ctx, task)
}

func (s *PgStore) ListCompletedTasks(ctx context.Context, runID uuid.UUID) ([]domain.Task, error) {
	return s.tasks.ListCompleted(ctx, runID)
}

func (s *PgStore) MarkPendingAttemptsErrored(ctx context.Context, taskID uuid.UUID) (int, error) {
	return s.attempts.MarkPendingErrored(ctx, taskID)
}

func (s *PgStore) NextAttemptNumber(ctx context.Context, taskID uuid.UUID) (int, error) {
	return s.attempts.NextNumber(ctx, taskID)
}

func (s *PgStore) CreateAttempt(ctx context.Context, a *domain.TaskAttempt) error {
	return s.attempts.Create(ctx, a)
}

// ListDueContinuations выбирает наступившие continuations под
// FOR UPDATE SKIP LOCKED (для polling fallback).
func (s *PgStore) ListDueContinuations(ctx context.Context, limit int) ([]domain.Continuation, error) {
	return s.continuations.ListDue(ctx, limit)
}

func (s *PgStore) InTx(ctx context.Context, fn func(s Store) error) error {
	if s.inTx {
		// Уже в транзакции (redelivery через polling fallback) —
		// выполняем на месте.
		return fn(s)
	}
	return repo.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		return fn(s.withTx(tx))
	})
}

// rawError сериализует payload ошибки для хранения на run/task.
func rawError(payload any) json.RawMessage {
	b, err := json.Marshal(payload)
	if err != nil {
		return json.RawMessage(`{"message":"unserializable error"}`)
	}
	return b
}
