package endpoint

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/Courier/internal/replay"
)

// ExecStatus — дискриминатор тела ответа EXECUTE_JOB.
//
// Closed sum: неизвестное значение трактуется как OutcomeInvalidBody,
// допустимость конкретного значения для версии протокола проверяет
// capability-дескриптор оркестратора.
type ExecStatus string

const (
	ExecStatusSuccess        ExecStatus = "SUCCESS"
	ExecStatusResumeWithTask ExecStatus = "RESUME_WITH_TASK"
	ExecStatusRetryWithTask  ExecStatus = "RETRY_WITH_TASK"
	ExecStatusError          ExecStatus = "ERROR"
	ExecStatusCanceled       ExecStatus = "CANCELED"

	// Только legacy-версия протокола.
	ExecStatusUnresolvedAuth ExecStatus = "UNRESOLVED_AUTH_ERROR"
	ExecStatusInvalidPayload ExecStatus = "INVALID_PAYLOAD"
	ExecStatusYieldExecution ExecStatus = "YIELD_EXECUTION"
)

// knownExecStatuses — множество допустимых значений дискриминатора.
var knownExecStatuses = map[ExecStatus]bool{
	ExecStatusSuccess:        true,
	ExecStatusResumeWithTask: true,
	ExecStatusRetryWithTask:  true,
	ExecStatusError:          true,
	ExecStatusCanceled:       true,
	ExecStatusUnresolvedAuth: true,
	ExecStatusInvalidPayload: true,
	ExecStatusYieldExecution: true,
}

// TaskSpec — описание task'а, на котором endpoint остановился
// (RESUME_WITH_TASK / RETRY_WITH_TASK).
type TaskSpec struct {
	// IdempotencyKey — стабильный ключ шага (wire-поле id).
	IdempotencyKey string `json:"id"`

	// Noop — шаг без удалённого эффекта.
	Noop bool `json:"noop,omitempty"`

	// Output — результат шага, если уже известен.
	Output json.RawMessage `json:"output,omitempty"`

	// ParentKey — idempotency key родительского шага.
	ParentKey string `json:"parentId,omitempty"`

	// DelayUntil — запланированное время возобновления.
	DelayUntil *time.Time `json:"delayUntil,omitempty"`

	// Operation — маркер внешней операции (завершение придёт извне).
	Operation string `json:"operation,omitempty"`

	// CallbackURL — URL обратного вызова внешнего завершения.
	CallbackURL string `json:"callbackUrl,omitempty"`
}

// ErrorPayload — структура ошибки из тела ответа endpoint'а.
type ErrorPayload struct {
	Message    string `json:"message,omitempty"`
	Name       string `json:"name,omitempty"`
	StackTrace string `json:"stackTrace,omitempty"`

	// Retryable — endpoint явно пометил ошибку как временную.
	Retryable bool `json:"retryable,omitempty"`
}

// ExecuteResponse — разобранное тело ответа EXECUTE_JOB.
type ExecuteResponse struct {
	Status  ExecStatus      `json:"status"`
	Output  json.RawMessage `json:"output,omitempty"`
	Task    *TaskSpec       `json:"task,omitempty"`
	RetryAt *time.Time      `json:"retryAt,omitempty"`
	Error   *ErrorPayload   `json:"error,omitempty"`

	// YieldKey — ключ yielded execution (YIELD_EXECUTION, legacy).
	YieldKey string `json:"key,omitempty"`
}

// PreprocessResponse — разобранное тело ответа PREPROCESS_RUN.
type PreprocessResponse struct {
	// Abort — endpoint требует прервать run.
	Abort bool `json:"abort,omitempty"`

	// Properties — свойства run, которые нужно сохранить.
	Properties json.RawMessage `json:"properties,omitempty"`
}

// ExecuteRequest — тело запроса EXECUTE_JOB.
type ExecuteRequest struct {
	RunID          uuid.UUID       `json:"runId"`
	JobID          string          `json:"jobId"`
	EnvironmentID  uuid.UUID       `json:"environmentId"`
	OrganizationID uuid.UUID       `json:"organizationId"`
	Event          json.RawMessage `json:"event,omitempty"`
	Properties     json.RawMessage `json:"properties,omitempty"`

	// Connections — разрешённые third-party авторизации run'а.
	Connections map[string]json.RawMessage `json:"connections,omitempty"`

	// Tasks — replay-кэш завершённых tasks (см. internal/replay).
	Tasks []replay.CachedTask `json:"tasks,omitempty"`

	// ResumedTaskKey — idempotency key task'а, с которого возобновляемся.
	ResumedTaskKey string `json:"resumedTaskId,omitempty"`

	// YieldedExecutions — ключи записанных yield'ов (legacy).
	YieldedExecutions []string `json:"yieldedExecutions,omitempty"`
}

// PreprocessRequest — тело запроса PREPROCESS_RUN.
type PreprocessRequest struct {
	RunID          uuid.UUID       `json:"runId"`
	JobID          string          `json:"jobId"`
	EnvironmentID  uuid.UUID       `json:"environmentId"`
	OrganizationID uuid.UUID       `json:"organizationId"`
	AccountID      string          `json:"accountId,omitempty"`
	Event          json.RawMessage `json:"event,omitempty"`
}

// CallInfo — общие поля результата одного вызова протокола.
type CallInfo struct {
	// Outcome — классифицированный исход вызова.
	Outcome Outcome

	// StatusCode — HTTP-статус (0 при Outcome == no_response).
	StatusCode int

	// Duration — измеренное wall-clock время вызова.
	Duration time.Duration

	// SDKVersion / APIVersion — отражённые заголовки ответа.
	SDKVersion string
	APIVersion string
}

// ExecuteResult — результат вызова EXECUTE_JOB.
type ExecuteResult struct {
	CallInfo

	// Response — разобранное тело при Outcome == ok.
	Response *ExecuteResponse

	// ErrorBody — разобранное тело ошибки при не-2xx, если парсится.
	// Несёт флаг retryable для 4xx.
	ErrorBody *ErrorPayload
}

// PreprocessResult — результат вызова PREPROCESS_RUN.
type PreprocessResult struct {
	CallInfo

	// Response — разобранное тело при Outcome == ok.
	Response *PreprocessResponse
}

// PingResult — результат PING/VALIDATE.
type PingResult struct {
	// OK — endpoint ответил 2xx с валидным телом.
	OK bool

	// InvalidAPIKey — endpoint вернул 401.
	InvalidAPIKey bool

	// Error — описание проблемы для не-OK результата.
	Error string
}

// IndexResult — результат INDEX_ENDPOINT: сырой каталог jobs/sources,
// интерпретация — забота регистрации endpoint'ов.
type IndexResult struct {
	CallInfo

	Body json.RawMessage
}

// ProbeResult — результат PROBE_EXECUTION_TIMEOUT.
type ProbeResult struct {
	// Elapsed — сколько endpoint реально продержал запрос.
	Elapsed time.Duration

	// Completed — endpoint ответил сам (не обрыв/не таймаут шлюза).
	Completed bool

	StatusCode int
}
