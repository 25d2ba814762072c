package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// TaskAttempt — одна retry-попытка task'а.
//
// Создаётся когда endpoint возвращает RETRY_WITH_TASK: предыдущая PENDING
// попытка (если была) помечается ERRORED, создаётся новая с инкрементом
// номера. Инварианты:
//   - не более одной PENDING попытки на task одновременно
//   - номера попыток строго возрастают
type TaskAttempt struct {
	// ID — уникальный идентификатор попытки.
	ID uuid.UUID `json:"id"`

	// TaskID — ссылка на task.
	TaskID uuid.UUID `json:"task_id"`

	// Number — номер попытки (начиная с 1, монотонный для task).
	Number int `json:"number"`

	// Status — PENDING или ERRORED.
	Status AttemptStatus `json:"status"`

	// RunAt — запланированное время повторного выполнения.
	RunAt time.Time `json:"run_at"`

	// Error — payload ошибки, из-за которой назначена попытка.
	Error json.RawMessage `json:"error,omitempty"`

	// CreatedAt — время создания попытки.
	CreatedAt time.Time `json:"created_at"`
}

// MarkErrored помечает попытку как вытесненную следующей.
func (a *TaskAttempt) MarkErrored() {
	a.Status = AttemptStatusErrored
}
