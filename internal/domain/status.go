package domain

// RunStatus — статус выполнения run.
//
// Жизненный цикл:
//
//	QUEUED → STARTED → SUCCESS
//	                 ↘ FAILURE / TIMED_OUT
//	        (или) → ABORTED (endpoint прервал run на preprocessing)
//	        (или) → CANCELED (отменён внешним актором)
type RunStatus string

const (
	// RunStatusQueued — run создан и ожидает первого continuation.
	RunStatusQueued RunStatus = "QUEUED"

	// RunStatusStarted — preprocessing прошёл, run выполняется.
	RunStatusStarted RunStatus = "STARTED"

	// RunStatusSuccess — endpoint вернул SUCCESS, run завершён.
	RunStatusSuccess RunStatus = "SUCCESS"

	// RunStatusFailure — постоянная ошибка (protocol, HTTP 4xx, ERROR body).
	RunStatusFailure RunStatus = "FAILURE"

	// RunStatusAborted — endpoint вернул abort на PREPROCESS.
	RunStatusAborted RunStatus = "ABORTED"

	// RunStatusCanceled — run отменён пользователем.
	RunStatusCanceled RunStatus = "CANCELED"

	// RunStatusTimedOut — суммарное время выполнения превысило лимит организации.
	RunStatusTimedOut RunStatus = "TIMED_OUT"

	// RunStatusUnresolvedAuth — endpoint не смог разрешить авторизацию
	// (только legacy-версия протокола).
	RunStatusUnresolvedAuth RunStatus = "UNRESOLVED_AUTH"

	// RunStatusInvalidPayload — endpoint отклонил payload как некорректный
	// (только legacy-версия протокола).
	RunStatusInvalidPayload RunStatus = "INVALID_PAYLOAD"
)

// IsTerminal возвращает true, если статус финальный (run завершён).
// Терминальный run больше не мутируется — только чтение.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunStatusSuccess, RunStatusFailure, RunStatusAborted,
		RunStatusCanceled, RunStatusTimedOut,
		RunStatusUnresolvedAuth, RunStatusInvalidPayload:
		return true
	default:
		return false
	}
}

// TaskStatus — статус выполнения task.
//
// Жизненный цикл:
//
//	PENDING → RUNNING → COMPLETED
//	WAITING ↗        ↘ ERRORED (порождает TaskAttempt)
type TaskStatus string

const (
	// TaskStatusPending — task создан endpoint'ом, ожидает возобновления.
	TaskStatusPending TaskStatus = "PENDING"

	// TaskStatusWaiting — task ожидает retry или внешнего события.
	TaskStatusWaiting TaskStatus = "WAITING"

	// TaskStatusRunning — task возобновлён оркестратором.
	TaskStatusRunning TaskStatus = "RUNNING"

	// TaskStatusCompleted — task завершён; его output попадает в replay-кэш.
	TaskStatusCompleted TaskStatus = "COMPLETED"

	// TaskStatusErrored — task завершился с ошибкой.
	TaskStatusErrored TaskStatus = "ERRORED"
)

// IsTerminal возвращает true, если статус финальный.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusErrored:
		return true
	default:
		return false
	}
}

// AttemptStatus — статус retry-попытки task.
type AttemptStatus string

const (
	// AttemptStatusPending — попытка запланирована на RunAt.
	AttemptStatusPending AttemptStatus = "PENDING"

	// AttemptStatusErrored — попытка не удалась (вытеснена следующей).
	AttemptStatusErrored AttemptStatus = "ERRORED"
)

// ExecutionReason — причина continuation: какой шаг протокола выполнять.
type ExecutionReason string

const (
	// ReasonPreprocess — шаг PREPROCESS_RUN.
	ReasonPreprocess ExecutionReason = "PREPROCESS"

	// ReasonExecuteJob — шаг EXECUTE_JOB.
	ReasonExecuteJob ExecutionReason = "EXECUTE_JOB"
)

// ContinuationStatus — статус continuation в durable-очереди (outbox).
//
// Жизненный цикл:
//
//	PENDING → DISPATCHED → DONE
//
// Redelivery возможна на любом не-DONE шаге — обработка идемпотентна.
type ContinuationStatus string

const (
	// ContinuationPending — ожидает наступления RunAt.
	ContinuationPending ContinuationStatus = "PENDING"

	// ContinuationDispatched — опубликован в MQ, ожидает обработки runner'ом.
	ContinuationDispatched ContinuationStatus = "DISPATCHED"

	// ContinuationDone — обработан; финальный статус.
	ContinuationDone ContinuationStatus = "DONE"
)
