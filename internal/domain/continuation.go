package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Continuation — одна запланированная попытка продвинуть run на один шаг
// протокола. Является сообщением durable-очереди (outbox-таблица в БД):
// оркестратор вставляет continuation в той же транзакции, что и изменение
// состояния run, dispatcher публикует наступившие continuations в MQ,
// runner обрабатывает их.
type Continuation struct {
	// ID — уникальный идентификатор continuation.
	ID uuid.UUID `json:"id"`

	// RunID — run, который нужно продвинуть.
	RunID uuid.UUID `json:"run_id"`

	// Reason — шаг протокола: PREPROCESS или EXECUTE_JOB.
	Reason ExecutionReason `json:"reason"`

	// ResumeTaskID — task, завершение которого разблокирует этот шаг.
	ResumeTaskID *uuid.UUID `json:"resume_task_id,omitempty"`

	// IsRetry — true, если это повтор после retryable-ошибки.
	IsRetry bool `json:"is_retry"`

	// RetryCount — число retry-попыток этого логического шага.
	// Soft-timeout continuations не увеличивают счётчик.
	RetryCount int `json:"retry_count"`

	// RetryLimit — потолок retry для этого шага.
	RetryLimit int `json:"retry_limit"`

	// Status — статус в outbox-очереди.
	Status ContinuationStatus `json:"status"`

	// RunAt — время, не раньше которого continuation должен быть обработан.
	RunAt time.Time `json:"run_at"`

	// LastError — сериализованная ошибка последней неудачной попытки
	// (для наблюдаемости).
	LastError json.RawMessage `json:"last_error,omitempty"`

	// CreatedAt — время создания.
	CreatedAt time.Time `json:"created_at"`
}

// DefaultRetryLimit — потолок retry на один логический шаг протокола.
const DefaultRetryLimit = 10

// NewContinuation создаёт continuation для run.
func NewContinuation(runID uuid.UUID, reason ExecutionReason, runAt time.Time) *Continuation {
	return &Continuation{
		ID:         uuid.New(),
		RunID:      runID,
		Reason:     reason,
		RetryLimit: DefaultRetryLimit,
		Status:     ContinuationPending,
		RunAt:      runAt,
		CreatedAt:  time.Now(),
	}
}
