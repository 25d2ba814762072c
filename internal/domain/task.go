package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Task — идемпотентная единица пользовательского кода внутри run,
// адресуемая стабильным idempotency key.
//
// Task создаётся когда endpoint возвращает RESUME_WITH_TASK или
// RETRY_WITH_TASK: endpoint описывает шаг, на котором остановился,
// а оркестратор решает, когда его возобновить.
//
// Завершённые tasks попадают в replay-кэш (см. internal/replay) и
// отправляются endpoint'у при следующем EXECUTE_JOB, чтобы тот не
// выполнял side effect повторно.
type Task struct {
	// ID — уникальный идентификатор task.
	ID uuid.UUID `json:"id"`

	// RunID — ссылка на родительский run.
	RunID uuid.UUID `json:"run_id"`

	// IdempotencyKey — стабильный ключ шага в коде пользователя.
	// Уникален в пределах run.
	IdempotencyKey string `json:"idempotency_key"`

	// ParentID — родительский task (tasks образуют лес для вложенных шагов).
	ParentID *uuid.UUID `json:"parent_id,omitempty"`

	// Status — текущий статус task.
	Status TaskStatus `json:"status"`

	// Noop — true, если шаг не выполняет удалённого эффекта
	// (например, уже разрешён на стороне endpoint'а).
	Noop bool `json:"noop"`

	// Output — результат шага, как его вернул endpoint.
	Output json.RawMessage `json:"output,omitempty"`

	// DelayUntil — запланированное время возобновления (для delayed tasks).
	DelayUntil *time.Time `json:"delay_until,omitempty"`

	// Operation — маркер внешней операции: завершение task'а приходит
	// внешним событием, а не немедленным continuation.
	Operation string `json:"operation,omitempty"`

	// CallbackURL — URL обратного вызова для внешнего завершения.
	CallbackURL string `json:"callback_url,omitempty"`

	// Error — payload ошибки при статусе ERRORED.
	Error json.RawMessage `json:"error,omitempty"`

	// StartedAt — время первого возобновления.
	StartedAt *time.Time `json:"started_at,omitempty"`

	// CompletedAt — время завершения.
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// CreatedAt — время создания task.
	CreatedAt time.Time `json:"created_at"`
}

// IsFinished возвращает true, если task завершён.
func (t *Task) IsFinished() bool {
	return t.Status.IsTerminal()
}

// HasExternalCompletion возвращает true, если завершение task'а приходит
// внешним событием (operation/callback), а не немедленным continuation.
func (t *Task) HasExternalCompletion() bool {
	return t.Operation != "" || t.CallbackURL != ""
}

// MarkRunning переводит task в статус RUNNING.
func (t *Task) MarkRunning() {
	now := time.Now()
	t.Status = TaskStatusRunning
	if t.StartedAt == nil {
		t.StartedAt = &now
	}
}

// MarkCompleted переводит task в статус COMPLETED.
func (t *Task) MarkCompleted() {
	now := time.Now()
	t.Status = TaskStatusCompleted
	t.CompletedAt = &now
}

// MarkWaiting переводит task в статус WAITING (ожидание retry или события).
func (t *Task) MarkWaiting() {
	t.Status = TaskStatusWaiting
}

// MarkErrored переводит task в статус ERRORED с payload ошибки.
func (t *Task) MarkErrored(errPayload json.RawMessage) {
	now := time.Now()
	t.Status = TaskStatusErrored
	t.CompletedAt = &now
	t.Error = errPayload
}
