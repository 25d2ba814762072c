package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Run — одно выполнение пользовательского job.
//
// Run создаётся когда:
// - Пользователь или внешний триггер запускает job (через API/CLI)
// - Событие доставляется в зарегистрированный job
//
// Каждый run продвигается оркестратором через шаги PREPROCESS → EXECUTE_JOB
// против endpoint'а пользователя. EXECUTE_JOB может выполняться много раз
// (continuations), пока endpoint не вернёт терминальный статус.
type Run struct {
	// ID — уникальный идентификатор run.
	ID uuid.UUID `json:"id"`

	// JobID — слаг job, который выполняется.
	JobID string `json:"job_id"`

	// EnvironmentID — окружение (несёт endpoint URL и API-ключ).
	EnvironmentID uuid.UUID `json:"environment_id"`

	// OrganizationID — организация (несёт лимит суммарного времени выполнения).
	OrganizationID uuid.UUID `json:"organization_id"`

	// QueueID — очередь job'ов для учёта конкурентности.
	QueueID uuid.UUID `json:"queue_id"`

	// Status — текущий статус выполнения.
	Status RunStatus `json:"status"`

	// Payload — событие, с которым был запущен run.
	Payload json.RawMessage `json:"payload,omitempty"`

	// Properties — свойства, установленные endpoint'ом на шаге PREPROCESS.
	Properties json.RawMessage `json:"properties,omitempty"`

	// Output — терминальный payload (результат или ошибка).
	Output json.RawMessage `json:"output,omitempty"`

	// ExecutionCount — число выполненных EXECUTE_JOB попыток.
	// Инкрементируется ровно один раз на попытку.
	ExecutionCount int `json:"execution_count"`

	// ExecutionDurationMs — суммарное wall-clock время endpoint'а в миллисекундах.
	// Монотонно растёт; сверяется с лимитом организации.
	ExecutionDurationMs int64 `json:"execution_duration_ms"`

	// YieldedExecutions — ключи yield'ов, записанные endpoint'ом
	// (только legacy-версия протокола).
	YieldedExecutions []string `json:"yielded_executions,omitempty"`

	// StartedAt — время перехода в STARTED.
	StartedAt *time.Time `json:"started_at,omitempty"`

	// CompletedAt — время перехода в терминальный статус.
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// CreatedAt — время создания run.
	CreatedAt time.Time `json:"created_at"`
}

// IsFinished возвращает true, если run завершён (в любом терминальном статусе).
func (r *Run) IsFinished() bool {
	return r.Status.IsTerminal()
}

// MarkStarted переводит run в статус STARTED (после успешного PREPROCESS).
func (r *Run) MarkStarted(properties json.RawMessage) {
	now := time.Now()
	r.Status = RunStatusStarted
	r.StartedAt = &now
	if len(properties) > 0 {
		r.Properties = properties
	}
}

// MarkSuccess переводит run в статус SUCCESS с output endpoint'а.
func (r *Run) MarkSuccess(output json.RawMessage) {
	now := time.Now()
	r.Status = RunStatusSuccess
	r.CompletedAt = &now
	r.Output = output
}

// MarkFailed переводит run в терминальный статус ошибки.
// status должен быть одним из FAILURE/TIMED_OUT/UNRESOLVED_AUTH/INVALID_PAYLOAD.
func (r *Run) MarkFailed(status RunStatus, output json.RawMessage) {
	now := time.Now()
	r.Status = status
	r.CompletedAt = &now
	r.Output = output
}

// MarkAborted переводит run в статус ABORTED (abort на PREPROCESS).
func (r *Run) MarkAborted() {
	now := time.Now()
	r.Status = RunStatusAborted
	r.CompletedAt = &now
}

// MarkCanceled фиксирует терминальную запись об отмене.
func (r *Run) MarkCanceled() {
	now := time.Now()
	r.Status = RunStatusCanceled
	r.CompletedAt = &now
}

// AddExecutionDuration добавляет измеренное время вызова endpoint'а.
// Отрицательные значения игнорируются — счётчик монотонный.
func (r *Run) AddExecutionDuration(d time.Duration) {
	ms := d.Milliseconds()
	if ms < 0 {
		return
	}
	r.ExecutionDurationMs += ms
}

// DurationExceeded проверяет, достигнут ли лимит организации.
func (r *Run) DurationExceeded(maxMs int64) bool {
	return maxMs > 0 && r.ExecutionDurationMs >= maxMs
}

// RecordYield записывает ключ yielded execution (legacy-протокол).
func (r *Run) RecordYield(key string) {
	r.YieldedExecutions = append(r.YieldedExecutions, key)
}
