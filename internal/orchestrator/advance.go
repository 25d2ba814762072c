package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/Courier/internal/backoff"
	"github.com/shaiso/Courier/internal/domain"
	"github.com/shaiso/Courier/internal/endpoint"
	"github.com/shaiso/Courier/internal/probe"
	"github.com/shaiso/Courier/internal/repo"
	"github.com/shaiso/Courier/internal/telemetry"
)

// connRetryDelay — пауза перед повтором при неудачном разрешении
// подключений. Это сбой платформы, не endpoint'а: повторяем без
// ограничения числа попыток и без траты RetryCount.
const connRetryDelay = 10 * time.Second

// Advance продвигает run на один шаг протокола по continuation.
//
// Возвращает ошибку только при инфраструктурных сбоях (БД недоступна,
// баг протокола) — consumer вернёт сообщение в очередь. Все решения
// протокола фиксируются в состоянии run и ошибкой не являются.
func (o *Orchestrator) Advance(ctx context.Context, continuationID uuid.UUID) error {
	cont, err := o.store.GetContinuation(ctx, continuationID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			o.logger.Warn("continuation not found, dropping", "continuation_id", continuationID)
			return nil
		}
		return fmt.Errorf("load continuation: %w", err)
	}

	// Redelivery уже обработанного сообщения: состояние зафиксировано,
	// подтверждаем без побочных эффектов.
	if cont.Status == domain.ContinuationDone {
		o.logger.Debug("continuation already done, skipping", "continuation_id", cont.ID)
		return nil
	}

	run, err := o.store.GetRun(ctx, cont.RunID)
	if err != nil {
		return fmt.Errorf("load run %s: %w", cont.RunID, err)
	}

	env, err := o.store.GetEnvironment(ctx, run.EnvironmentID)
	if err != nil {
		return fmt.Errorf("load environment %s: %w", run.EnvironmentID, err)
	}

	caps := CapabilitiesFor(env.Version)

	logger := telemetry.WithRunID(o.logger, run.ID.String()).With(
		"continuation_id", cont.ID,
		"reason", cont.Reason,
	)

	switch cont.Reason {
	case domain.ReasonPreprocess:
		return o.preprocess(ctx, logger, cont, run, env, caps)
	case domain.ReasonExecuteJob:
		return o.execute(ctx, logger, cont, run, env, caps)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownReason, cont.Reason)
	}
}

// preprocess выполняет шаг PREPROCESS_RUN.
//
// Decision table:
//   - нет ответа / не-2xx      → retry с backoff
//   - невалидное тело          → постоянная FAILURE
//   - abort = true             → ABORTED, терминально
//   - иначе                    → STARTED, сохранить properties,
//     поставить EXECUTE_JOB continuation
func (o *Orchestrator) preprocess(ctx context.Context, logger *slog.Logger, cont *domain.Continuation, run *domain.Run, env *domain.Environment, caps Capabilities) error {
	// Run отменили до первого шага: фиксируем отмену (и освобождение
	// слота очереди) без вызова endpoint'а.
	if run.Status == domain.RunStatusCanceled {
		logger.Info("run canceled, short-circuiting")
		return o.applyDecision(ctx, cont, func(s Store, run *domain.Run) error {
			run.MarkCanceled()
			return o.finishRun(ctx, s, run, caps)
		})
	}

	if run.IsFinished() {
		logger.Debug("run already finished, acknowledging continuation")
		return o.ackOnly(ctx, cont)
	}

	result := o.client.PreprocessRun(ctx, env, &endpoint.PreprocessRequest{
		RunID:          run.ID,
		JobID:          run.JobID,
		EnvironmentID:  env.ID,
		OrganizationID: run.OrganizationID,
		Event:          run.Payload,
	})

	switch result.Outcome {
	case endpoint.OutcomeNoResponse, endpoint.OutcomeHTTPError, endpoint.OutcomeTimeout:
		errPayload := rawError(endpoint.ErrorPayload{
			Message: fmt.Sprintf("preprocess failed: HTTP %d", result.StatusCode),
			Name:    "EndpointUnavailable",
		})
		return o.retryOrFail(ctx, logger, cont, caps, errPayload, 0)

	case endpoint.OutcomeInvalidBody:
		return o.applyDecision(ctx, cont, func(s Store, run *domain.Run) error {
			run.MarkFailed(domain.RunStatusFailure, rawError(endpoint.ErrorPayload{
				Message: "endpoint returned an unparsable preprocess response",
				Name:    "InvalidResponse",
			}))
			return o.finishRun(ctx, s, run, caps)
		})

	case endpoint.OutcomeOK:
		resp := result.Response
		if resp.Abort {
			logger.Info("preprocess aborted run")
			return o.applyDecision(ctx, cont, func(s Store, run *domain.Run) error {
				run.MarkAborted()
				return o.finishRun(ctx, s, run, caps)
			})
		}

		return o.applyDecision(ctx, cont, func(s Store, run *domain.Run) error {
			run.MarkStarted(resp.Properties)
			if err := s.UpdateRun(ctx, run); err != nil {
				return err
			}
			return o.enqueue(ctx, s, domain.NewContinuation(run.ID, domain.ReasonExecuteJob, time.Now()))
		})

	default:
		return fmt.Errorf("unexpected preprocess outcome %q", result.Outcome)
	}
}

// execute выполняет шаг EXECUTE_JOB: один вызов endpoint'а и применение
// decision table к результату.
func (o *Orchestrator) execute(ctx context.Context, logger *slog.Logger, cont *domain.Continuation, run *domain.Run, env *domain.Environment, caps Capabilities) error {
	// Отмена проверяется здесь, не посреди вызова: in-flight запрос
	// к endpoint'у не прерываем.
	if run.Status == domain.RunStatusCanceled {
		logger.Info("run canceled, short-circuiting")
		return o.applyDecision(ctx, cont, func(s Store, run *domain.Run) error {
			run.MarkCanceled()
			return o.finishRun(ctx, s, run, caps)
		})
	}

	if run.IsFinished() {
		logger.Debug("run already finished, acknowledging continuation")
		return o.ackOnly(ctx, cont)
	}

	conns, err := o.resolver.Resolve(ctx, run.ID)
	if err != nil {
		// Сбой разрешения подключений — всегда временный и всегда наш:
		// переносим тот же шаг без траты RetryCount.
		logger.Warn("connection resolution failed, rescheduling", "error", err)
		return o.reschedule(ctx, cont, time.Now().Add(connRetryDelay), rawError(endpoint.ErrorPayload{
			Message:   err.Error(),
			Name:      "ConnectionResolution",
			Retryable: true,
		}))
	}

	resumedTask, err := o.resumeTask(ctx, logger, cont)
	if err != nil {
		return err
	}

	completed, err := o.store.ListCompletedTasks(ctx, run.ID)
	if err != nil {
		return fmt.Errorf("list completed tasks: %w", err)
	}
	cached := o.packer.Pack(completed, resumedTask)

	req := &endpoint.ExecuteRequest{
		RunID:          run.ID,
		JobID:          run.JobID,
		EnvironmentID:  env.ID,
		OrganizationID: run.OrganizationID,
		Event:          run.Payload,
		Properties:     run.Properties,
		Connections:    conns,
		Tasks:          cached,
	}
	if resumedTask != nil {
		req.ResumedTaskKey = resumedTask.IdempotencyKey
	}
	if caps.SupportsYieldExecution {
		req.YieldedExecutions = run.YieldedExecutions
	}

	timeout := probe.DefaultChunkLimit
	if env.RunChunkExecutionLimitMs > 0 {
		timeout = time.Duration(env.RunChunkExecutionLimitMs) * time.Millisecond
	}

	result := o.client.ExecuteJob(ctx, env, req, timeout)

	return o.decideExecute(ctx, logger, cont, caps, result)
}

// decideExecute применяет decision table EXECUTE_JOB к результату вызова.
func (o *Orchestrator) decideExecute(ctx context.Context, logger *slog.Logger, cont *domain.Continuation, caps Capabilities, result *endpoint.ExecuteResult) error {
	d := result.Duration

	switch result.Outcome {
	case endpoint.OutcomeNoResponse:
		// Endpoint недоступен: вызов не состоялся, duration не копится.
		return o.retryOrFail(ctx, logger, cont, caps, rawError(endpoint.ErrorPayload{
			Message: "endpoint did not respond",
			Name:    "EndpointUnavailable",
		}), 0)

	case endpoint.OutcomeTimeout:
		// Soft timeout — не ошибка: endpoint упёрся в собственный
		// потолок. Копим duration; RetryCount не тратится.
		return o.continueAfterTimeout(ctx, logger, cont, caps, d)

	case endpoint.OutcomeHTTPError:
		retryable := result.StatusCode >= 500 ||
			(result.ErrorBody != nil && result.ErrorBody.Retryable)
		errPayload := executeErrorPayload(result)
		if retryable {
			return o.retryOrFail(ctx, logger, cont, caps, errPayload, d)
		}
		return o.applyDecision(ctx, cont, func(s Store, run *domain.Run) error {
			o.chargeExecution(run, d)
			run.MarkFailed(domain.RunStatusFailure, errPayload)
			return o.finishRun(ctx, s, run, caps)
		})

	case endpoint.OutcomeInvalidBody:
		return o.applyDecision(ctx, cont, func(s Store, run *domain.Run) error {
			o.chargeExecution(run, d)
			run.MarkFailed(domain.RunStatusFailure, rawError(endpoint.ErrorPayload{
				Message: "endpoint returned an unparsable execute response",
				Name:    "InvalidResponse",
			}))
			return o.finishRun(ctx, s, run, caps)
		})

	case endpoint.OutcomeOK:
		return o.decideExecuteBody(ctx, logger, cont, caps, result.Response, d)

	default:
		return fmt.Errorf("unexpected execute outcome %q", result.Outcome)
	}
}

// decideExecuteBody обрабатывает 2xx-ответ с валидным телом.
func (o *Orchestrator) decideExecuteBody(ctx context.Context, logger *slog.Logger, cont *domain.Continuation, caps Capabilities, resp *endpoint.ExecuteResponse, d time.Duration) error {
	if !caps.Allows(resp.Status) {
		// Статус легален в другой версии протокола: endpoint сломан.
		return o.applyDecision(ctx, cont, func(s Store, run *domain.Run) error {
			o.chargeExecution(run, d)
			run.MarkFailed(domain.RunStatusFailure, rawError(endpoint.ErrorPayload{
				Message: fmt.Sprintf("status %s is not valid for protocol version", resp.Status),
				Name:    "InvalidResponse",
			}))
			return o.finishRun(ctx, s, run, caps)
		})
	}

	switch resp.Status {
	case endpoint.ExecStatusSuccess:
		logger.Info("run succeeded")
		return o.applyDecision(ctx, cont, func(s Store, run *domain.Run) error {
			o.chargeExecution(run, d)
			run.MarkSuccess(resp.Output)
			return o.finishRun(ctx, s, run, caps)
		})

	case endpoint.ExecStatusResumeWithTask:
		return o.resumeWithTask(ctx, logger, cont, caps, resp, d)

	case endpoint.ExecStatusRetryWithTask:
		return o.retryWithTask(ctx, logger, cont, caps, resp, d)

	case endpoint.ExecStatusError:
		return o.applyDecision(ctx, cont, func(s Store, run *domain.Run) error {
			o.chargeExecution(run, d)
			if resp.Task != nil {
				if err := o.markTaskErrored(ctx, s, run.ID, resp.Task.IdempotencyKey, resp.Error); err != nil {
					return err
				}
			}
			run.MarkFailed(domain.RunStatusFailure, rawError(resp.Error))
			return o.finishRun(ctx, s, run, caps)
		})

	case endpoint.ExecStatusCanceled:
		return o.applyDecision(ctx, cont, func(s Store, run *domain.Run) error {
			o.chargeExecution(run, d)
			run.MarkCanceled()
			return o.finishRun(ctx, s, run, caps)
		})

	case endpoint.ExecStatusUnresolvedAuth:
		return o.applyDecision(ctx, cont, func(s Store, run *domain.Run) error {
			o.chargeExecution(run, d)
			run.MarkFailed(domain.RunStatusUnresolvedAuth, rawError(resp.Error))
			return o.finishRun(ctx, s, run, caps)
		})

	case endpoint.ExecStatusInvalidPayload:
		return o.applyDecision(ctx, cont, func(s Store, run *domain.Run) error {
			o.chargeExecution(run, d)
			run.MarkFailed(domain.RunStatusInvalidPayload, rawError(resp.Error))
			return o.finishRun(ctx, s, run, caps)
		})

	case endpoint.ExecStatusYieldExecution:
		return o.applyDecision(ctx, cont, func(s Store, run *domain.Run) error {
			o.chargeExecution(run, d)
			run.RecordYield(resp.YieldKey)
			if err := s.UpdateRun(ctx, run); err != nil {
				return err
			}
			return o.enqueue(ctx, s, domain.NewContinuation(run.ID, domain.ReasonExecuteJob, time.Now()))
		})

	default:
		return fmt.Errorf("%w: %q", ErrUnknownStatus, resp.Status)
	}
}

// continueAfterTimeout — ветка soft timeout: накопить duration и либо
// перенести тот же логический шаг (тот же resumeTaskId, тот же
// RetryCount), либо завершить run как TIMED_OUT, когда суммарное время
// впервые достигло потолка организации.
func (o *Orchestrator) continueAfterTimeout(ctx context.Context, logger *slog.Logger, cont *domain.Continuation, caps Capabilities, d time.Duration) error {
	return o.applyDecision(ctx, cont, func(s Store, run *domain.Run) error {
		o.chargeExecution(run, d)

		org, err := s.GetOrganization(ctx, run.OrganizationID)
		if err != nil {
			return err
		}

		if run.DurationExceeded(org.MaximumExecutionTimePerRunMs) {
			logger.Warn("execution time ceiling reached",
				"duration_ms", run.ExecutionDurationMs,
				"ceiling_ms", org.MaximumExecutionTimePerRunMs,
			)
			run.MarkFailed(domain.RunStatusTimedOut, rawError(endpoint.ErrorPayload{
				Message: fmt.Sprintf("run exceeded maximum execution time of %dms", org.MaximumExecutionTimePerRunMs),
				Name:    "ExecutionTimeout",
			}))
			return o.finishRun(ctx, s, run, caps)
		}

		logger.Info("endpoint hit execution chunk limit, continuing",
			"duration_ms", run.ExecutionDurationMs)

		if err := s.UpdateRun(ctx, run); err != nil {
			return err
		}

		next := domain.NewContinuation(run.ID, domain.ReasonExecuteJob, time.Now())
		next.ResumeTaskID = cont.ResumeTaskID
		next.IsRetry = cont.IsRetry
		next.RetryCount = cont.RetryCount
		next.RetryLimit = cont.RetryLimit
		return o.enqueue(ctx, s, next)
	})
}

// resumeWithTask — ветка RESUME_WITH_TASK: endpoint описал task, на
// котором остановился. Если завершение task'а не ждёт внешнего события,
// ставим continuation с resumeTaskId (с учётом delayUntil).
func (o *Orchestrator) resumeWithTask(ctx context.Context, logger *slog.Logger, cont *domain.Continuation, caps Capabilities, resp *endpoint.ExecuteResponse, d time.Duration) error {
	if resp.Task == nil {
		return fmt.Errorf("RESUME_WITH_TASK response without task")
	}

	return o.applyDecision(ctx, cont, func(s Store, run *domain.Run) error {
		o.chargeExecution(run, d)
		if err := s.UpdateRun(ctx, run); err != nil {
			return err
		}

		task, err := o.upsertTask(ctx, s, run, resp.Task)
		if err != nil {
			return err
		}

		if task.HasExternalCompletion() {
			// Завершение придёт внешним событием (operation/callback) —
			// continuation поставит его обработчик.
			logger.Info("task waits for external completion",
				"task_id", task.ID, "operation", task.Operation)
			return nil
		}

		runAt := time.Now()
		if task.DelayUntil != nil && task.DelayUntil.After(runAt) {
			runAt = *task.DelayUntil
		}

		next := domain.NewContinuation(run.ID, domain.ReasonExecuteJob, runAt)
		next.ResumeTaskID = &task.ID
		return o.enqueue(ctx, s, next)
	})
}

// retryWithTask — ветка RETRY_WITH_TASK: шаг упал, endpoint просит
// повторить его в retryAt. Существующая PENDING попытка вытесняется,
// номера попыток строго растут.
func (o *Orchestrator) retryWithTask(ctx context.Context, logger *slog.Logger, cont *domain.Continuation, caps Capabilities, resp *endpoint.ExecuteResponse, d time.Duration) error {
	if resp.Task == nil {
		return fmt.Errorf("RETRY_WITH_TASK response without task")
	}

	retryAt := time.Now()
	if resp.RetryAt != nil {
		retryAt = *resp.RetryAt
	}

	return o.applyDecision(ctx, cont, func(s Store, run *domain.Run) error {
		o.chargeExecution(run, d)
		if err := s.UpdateRun(ctx, run); err != nil {
			return err
		}

		task, err := o.upsertTask(ctx, s, run, resp.Task)
		if err != nil {
			return err
		}

		if _, err := s.MarkPendingAttemptsErrored(ctx, task.ID); err != nil {
			return err
		}

		number, err := s.NextAttemptNumber(ctx, task.ID)
		if err != nil {
			return err
		}

		attempt := &domain.TaskAttempt{
			ID:        uuid.New(),
			TaskID:    task.ID,
			Number:    number,
			Status:    domain.AttemptStatusPending,
			RunAt:     retryAt,
			Error:     rawError(resp.Error),
			CreatedAt: time.Now(),
		}
		if err := s.CreateAttempt(ctx, attempt); err != nil {
			return err
		}

		task.MarkWaiting()
		if err := s.UpdateTask(ctx, task); err != nil {
			return err
		}

		logger.Info("task scheduled for retry",
			"task_id", task.ID, "attempt", number, "retry_at", retryAt)

		next := domain.NewContinuation(run.ID, domain.ReasonExecuteJob, retryAt)
		next.ResumeTaskID = &task.ID
		return o.enqueue(ctx, s, next)
	})
}

// resumeTask переводит возобновляемый task в RUNNING (или сразу в
// COMPLETED для noop) до вызова endpoint'а. Переход идемпотентен:
// redelivery повторит его без эффекта.
func (o *Orchestrator) resumeTask(ctx context.Context, logger *slog.Logger, cont *domain.Continuation) (*domain.Task, error) {
	if cont.ResumeTaskID == nil {
		return nil, nil
	}

	task, err := o.store.GetTask(ctx, *cont.ResumeTaskID)
	if err != nil {
		return nil, fmt.Errorf("load resume task %s: %w", *cont.ResumeTaskID, err)
	}

	if task.IsFinished() {
		return task, nil
	}

	if task.Noop {
		task.MarkCompleted()
	} else {
		task.MarkRunning()
	}

	err = o.store.InTx(ctx, func(s Store) error {
		return s.UpdateTask(ctx, task)
	})
	if err != nil {
		return nil, fmt.Errorf("resume task %s: %w", task.ID, err)
	}

	telemetry.WithTaskID(logger, task.ID.String()).Debug("task resumed", "status", task.Status)
	return task, nil
}

// upsertTask находит task по idempotency key или создаёт его из
// описания endpoint'а. Создание идемпотентно: при гонке с redelivery
// выигравшая вставка перечитывается.
func (o *Orchestrator) upsertTask(ctx context.Context, s Store, run *domain.Run, spec *endpoint.TaskSpec) (*domain.Task, error) {
	task, err := s.GetTaskByKey(ctx, run.ID, spec.IdempotencyKey)
	if err == nil {
		return task, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return nil, err
	}

	task = &domain.Task{
		ID:             uuid.New(),
		RunID:          run.ID,
		IdempotencyKey: spec.IdempotencyKey,
		Status:         domain.TaskStatusPending,
		Noop:           spec.Noop,
		Output:         spec.Output,
		DelayUntil:     spec.DelayUntil,
		Operation:      spec.Operation,
		CallbackURL:    spec.CallbackURL,
		CreatedAt:      time.Now(),
	}
	if task.HasExternalCompletion() {
		task.Status = domain.TaskStatusWaiting
	}

	if spec.ParentKey != "" {
		parent, err := s.GetTaskByKey(ctx, run.ID, spec.ParentKey)
		if err == nil {
			task.ParentID = &parent.ID
		} else if !errors.Is(err, repo.ErrNotFound) {
			return nil, err
		}
	}

	if err := s.CreateTask(ctx, task); err != nil {
		if errors.Is(err, repo.ErrAlreadyExists) {
			return s.GetTaskByKey(ctx, run.ID, spec.IdempotencyKey)
		}
		return nil, err
	}

	return task, nil
}

// markTaskErrored помечает task ERRORED по idempotency key, если он есть.
func (o *Orchestrator) markTaskErrored(ctx context.Context, s Store, runID uuid.UUID, key string, errPayload *endpoint.ErrorPayload) error {
	task, err := s.GetTaskByKey(ctx, runID, key)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil
		}
		return err
	}
	task.MarkErrored(rawError(errPayload))
	return s.UpdateTask(ctx, task)
}

// retryOrFail — общий retryable-путь PREPROCESS/EXECUTE_JOB: перенести
// тот же логический шаг с экспоненциальной задержкой или, если потолок
// исчерпан, завершить run постоянной ошибкой.
func (o *Orchestrator) retryOrFail(ctx context.Context, logger *slog.Logger, cont *domain.Continuation, caps Capabilities, errPayload []byte, d time.Duration) error {
	if backoff.ExceedsLimit(cont.RetryCount, cont.RetryLimit) {
		logger.Warn("retry limit exhausted, failing run", "retry_count", cont.RetryCount)
		return o.applyDecision(ctx, cont, func(s Store, run *domain.Run) error {
			// d == 0 — вызов не состоялся (no_response, PREPROCESS):
			// нечего учитывать.
			if d > 0 {
				o.chargeExecution(run, d)
			}
			run.MarkFailed(domain.RunStatusFailure, errPayload)
			return o.finishRun(ctx, s, run, caps)
		})
	}

	nextCount := cont.RetryCount + 1
	delay := backoff.Delay(nextCount)
	logger.Info("scheduling retry", "retry_count", nextCount, "delay", delay)

	return o.applyDecision(ctx, cont, func(s Store, run *domain.Run) error {
		// Retry не отменяет учёт: если вызов дошёл до endpoint'а,
		// он считается выполнением наравне с успешным.
		if d > 0 {
			o.chargeExecution(run, d)
			if err := s.UpdateRun(ctx, run); err != nil {
				return err
			}
		}

		next := domain.NewContinuation(cont.RunID, cont.Reason, time.Now().Add(delay))
		next.ResumeTaskID = cont.ResumeTaskID
		next.IsRetry = true
		next.RetryCount = nextCount
		next.RetryLimit = cont.RetryLimit
		next.LastError = errPayload
		return o.enqueue(ctx, s, next)
	})
}

// reschedule переносит тот же логический шаг на runAt без изменения
// RetryCount (ветки soft timeout и connection resolution).
func (o *Orchestrator) reschedule(ctx context.Context, cont *domain.Continuation, runAt time.Time, lastError []byte) error {
	return o.store.InTx(ctx, func(s Store) error {
		ok, err := claimContinuation(ctx, s, cont.ID)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}

		next := domain.NewContinuation(cont.RunID, cont.Reason, runAt)
		next.ResumeTaskID = cont.ResumeTaskID
		next.IsRetry = cont.IsRetry
		next.RetryCount = cont.RetryCount
		next.RetryLimit = cont.RetryLimit
		next.LastError = lastError
		if err := o.enqueue(ctx, s, next); err != nil {
			return err
		}
		return s.MarkContinuationDone(ctx, cont.ID)
	})
}

// claimContinuation блокирует строку continuation и перепроверяет её
// статус под блокировкой. false — continuation уже применена: одна и
// та же запись приходит и из MQ, и из polling fallback, проигравший
// конкурентную доставку дожидается коммита победителя и видит DONE.
func claimContinuation(ctx context.Context, s Store, id uuid.UUID) (bool, error) {
	cur, err := s.GetContinuationForUpdate(ctx, id)
	if err != nil {
		return false, err
	}
	return cur.Status != domain.ContinuationDone, nil
}

// applyDecision применяет решение над run в одной транзакции: блокирует
// continuation (перепроверка идемпотентности), затем строку run —
// порядок блокировок единый во всех ветках — вызывает fn и закрывает
// continuation.
func (o *Orchestrator) applyDecision(ctx context.Context, cont *domain.Continuation, fn func(s Store, run *domain.Run) error) error {
	return o.store.InTx(ctx, func(s Store) error {
		ok, err := claimContinuation(ctx, s, cont.ID)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}

		run, err := s.GetRunForUpdate(ctx, cont.RunID)
		if err != nil {
			return err
		}

		// Терминальный run дальше не мутируем, только читаем.
		if run.IsFinished() && run.Status != domain.RunStatusCanceled {
			return s.MarkContinuationDone(ctx, cont.ID)
		}

		if err := fn(s, run); err != nil {
			return err
		}

		return s.MarkContinuationDone(ctx, cont.ID)
	})
}

// ackOnly закрывает continuation без изменений состояния.
func (o *Orchestrator) ackOnly(ctx context.Context, cont *domain.Continuation) error {
	return o.store.InTx(ctx, func(s Store) error {
		return s.MarkContinuationDone(ctx, cont.ID)
	})
}

// finishRun фиксирует терминальный статус run внутри транзакции решения:
// запись run, освобождение слота очереди (если протокол его учитывает).
// Уведомление о завершении публикуется после коммита.
func (o *Orchestrator) finishRun(ctx context.Context, s Store, run *domain.Run, caps Capabilities) error {
	if err := s.UpdateRun(ctx, run); err != nil {
		return err
	}
	if caps.TracksQueueCounts {
		if err := s.ReleaseQueueCount(ctx, run.QueueID); err != nil {
			return err
		}
	}
	o.noteFinished(ctx, run)
	return nil
}

// enqueue ставит следующий continuation в outbox внутри текущей
// транзакции.
func (o *Orchestrator) enqueue(ctx context.Context, s Store, next *domain.Continuation) error {
	if err := s.CreateContinuation(ctx, next); err != nil {
		return err
	}
	telemetry.ContinuationsEnqueued.WithLabelValues(string(next.Reason)).Inc()
	return nil
}

// chargeExecution учитывает один состоявшийся вызов EXECUTE_JOB:
// инкремент счётчика попыток и накопление измеренного времени.
// Не вызывается для PREPROCESS и для вызовов, не дошедших до endpoint'а.
func (o *Orchestrator) chargeExecution(run *domain.Run, d time.Duration) {
	if d < 0 {
		d = 0
	}
	run.ExecutionCount++
	run.AddExecutionDuration(d)
}

// executeErrorPayload строит payload ошибки из не-2xx результата.
func executeErrorPayload(result *endpoint.ExecuteResult) []byte {
	if result.ErrorBody != nil {
		return rawError(result.ErrorBody)
	}
	return rawError(endpoint.ErrorPayload{
		Message: fmt.Sprintf("endpoint returned HTTP %d", result.StatusCode),
		Name:    "EndpointError",
	})
}
