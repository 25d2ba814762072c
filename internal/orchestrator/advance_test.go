package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/Courier/internal/domain"
	"github.com/shaiso/Courier/internal/endpoint"
)

// fixture — собранный оркестратор на фейках с одним посеянным run.
type fixture struct {
	store    *fakeStore
	client   *fakeClient
	resolver *fakeResolver
	orch     *Orchestrator

	org *domain.Organization
	env *domain.Environment
	run *domain.Run
}

func newFixture(version domain.ProtocolVersion, runStatus domain.RunStatus) *fixture {
	store := newFakeStore()
	client := &fakeClient{}
	resolver := &fakeResolver{}

	org := &domain.Organization{
		ID:                           uuid.New(),
		Slug:                         "acme",
		MaximumExecutionTimePerRunMs: 10_000,
	}
	env := &domain.Environment{
		ID:             uuid.New(),
		Slug:           "prod",
		OrganizationID: org.ID,
		EndpointURL:    "http://endpoint.test",
		APIKey:         "key",
		Version:        version,
	}
	run := &domain.Run{
		ID:             uuid.New(),
		JobID:          "job-1",
		EnvironmentID:  env.ID,
		OrganizationID: org.ID,
		QueueID:        uuid.New(),
		Status:         runStatus,
		Payload:        json.RawMessage(`{"event":"created"}`),
		CreatedAt:      time.Now(),
	}

	store.orgs[org.ID] = org
	store.envs[env.ID] = env
	store.runs[run.ID] = run

	orch := New(Config{
		Store:    store,
		Client:   client,
		Resolver: resolver,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})

	return &fixture{
		store:    store,
		client:   client,
		resolver: resolver,
		orch:     orch,
		org:      org,
		env:      env,
		run:      run,
	}
}

func (fx *fixture) continuation(reason domain.ExecutionReason) *domain.Continuation {
	cont := domain.NewContinuation(fx.run.ID, reason, time.Now())
	fx.store.CreateContinuation(context.Background(), cont)
	return cont
}

func (fx *fixture) currentRun(t *testing.T) *domain.Run {
	t.Helper()
	run, err := fx.store.GetRun(context.Background(), fx.run.ID)
	if err != nil {
		t.Fatalf("load run: %v", err)
	}
	return run
}

func (fx *fixture) advance(t *testing.T, cont *domain.Continuation) {
	t.Helper()
	if err := fx.orch.Advance(context.Background(), cont.ID); err != nil {
		t.Fatalf("Advance: %v", err)
	}
}

func (fx *fixture) assertDone(t *testing.T, cont *domain.Continuation) {
	t.Helper()
	cur, err := fx.store.GetContinuation(context.Background(), cont.ID)
	if err != nil {
		t.Fatalf("load continuation: %v", err)
	}
	if cur.Status != domain.ContinuationDone {
		t.Errorf("continuation status = %s, want DONE", cur.Status)
	}
}

// --- PREPROCESS ---

func TestAdvance_PreprocessOK(t *testing.T) {
	fx := newFixture(domain.ProtocolV2, domain.RunStatusQueued)
	fx.client.preprocessResults = []*endpoint.PreprocessResult{{
		CallInfo: endpoint.CallInfo{Outcome: endpoint.OutcomeOK, StatusCode: 200},
		Response: &endpoint.PreprocessResponse{Properties: json.RawMessage(`{"source":"api"}`)},
	}}

	cont := fx.continuation(domain.ReasonPreprocess)
	fx.advance(t, cont)

	run := fx.currentRun(t)
	if run.Status != domain.RunStatusStarted {
		t.Errorf("run status = %s, want STARTED", run.Status)
	}
	if string(run.Properties) != `{"source":"api"}` {
		t.Errorf("properties not saved: %s", run.Properties)
	}
	if run.StartedAt == nil {
		t.Error("StartedAt should be set")
	}

	fx.assertDone(t, cont)

	next := fx.store.pendingContinuations(cont.ID)
	if len(next) != 1 {
		t.Fatalf("expected 1 EXECUTE_JOB continuation, got %d", len(next))
	}
	if next[0].Reason != domain.ReasonExecuteJob {
		t.Errorf("next reason = %s, want EXECUTE_JOB", next[0].Reason)
	}
}

func TestAdvance_PreprocessAbort(t *testing.T) {
	fx := newFixture(domain.ProtocolV2, domain.RunStatusQueued)
	fx.client.preprocessResults = []*endpoint.PreprocessResult{{
		CallInfo: endpoint.CallInfo{Outcome: endpoint.OutcomeOK, StatusCode: 200},
		Response: &endpoint.PreprocessResponse{Abort: true},
	}}

	cont := fx.continuation(domain.ReasonPreprocess)
	fx.advance(t, cont)

	run := fx.currentRun(t)
	if run.Status != domain.RunStatusAborted {
		t.Errorf("run status = %s, want ABORTED", run.Status)
	}
	if run.CompletedAt == nil {
		t.Error("CompletedAt should be set")
	}
	if next := fx.store.pendingContinuations(cont.ID); len(next) != 0 {
		t.Errorf("aborted run should not get an EXECUTE_JOB continuation, got %d", len(next))
	}
}

func TestAdvance_PreprocessInvalidBody(t *testing.T) {
	fx := newFixture(domain.ProtocolV2, domain.RunStatusQueued)
	fx.client.preprocessResults = []*endpoint.PreprocessResult{{
		CallInfo: endpoint.CallInfo{Outcome: endpoint.OutcomeInvalidBody, StatusCode: 200},
	}}

	cont := fx.continuation(domain.ReasonPreprocess)
	fx.advance(t, cont)

	run := fx.currentRun(t)
	if run.Status != domain.RunStatusFailure {
		t.Errorf("run status = %s, want FAILURE", run.Status)
	}
}

// --- EXECUTE_JOB: терминальные исходы ---

func TestAdvance_ExecuteSuccess(t *testing.T) {
	fx := newFixture(domain.ProtocolV2, domain.RunStatusStarted)
	fx.client.executeResults = []*endpoint.ExecuteResult{
		okExecute(&endpoint.ExecuteResponse{
			Status: endpoint.ExecStatusSuccess,
			Output: json.RawMessage(`{"sent":42}`),
		}, 1200*time.Millisecond),
	}

	cont := fx.continuation(domain.ReasonExecuteJob)
	fx.advance(t, cont)

	run := fx.currentRun(t)
	if run.Status != domain.RunStatusSuccess {
		t.Errorf("run status = %s, want SUCCESS", run.Status)
	}
	if string(run.Output) != `{"sent":42}` {
		t.Errorf("output = %s", run.Output)
	}
	if run.ExecutionCount != 1 {
		t.Errorf("execution count = %d, want 1", run.ExecutionCount)
	}
	if run.ExecutionDurationMs != 1200 {
		t.Errorf("execution duration = %dms, want 1200", run.ExecutionDurationMs)
	}
	fx.assertDone(t, cont)
}

func TestAdvance_Execute4xxIsPermanentFailure(t *testing.T) {
	fx := newFixture(domain.ProtocolV2, domain.RunStatusStarted)
	fx.client.executeResults = []*endpoint.ExecuteResult{{
		CallInfo:  endpoint.CallInfo{Outcome: endpoint.OutcomeHTTPError, StatusCode: 422, Duration: 300 * time.Millisecond},
		ErrorBody: &endpoint.ErrorPayload{Message: "no such job"},
	}}

	cont := fx.continuation(domain.ReasonExecuteJob)
	fx.advance(t, cont)

	run := fx.currentRun(t)
	if run.Status != domain.RunStatusFailure {
		t.Errorf("run status = %s, want FAILURE", run.Status)
	}
	if run.ExecutionCount != 1 {
		t.Errorf("4xx is a completed call, should be charged: count = %d", run.ExecutionCount)
	}
	if next := fx.store.pendingContinuations(cont.ID); len(next) != 0 {
		t.Errorf("permanent failure should not schedule a retry")
	}
}

func TestAdvance_ExecuteErrorStatus(t *testing.T) {
	fx := newFixture(domain.ProtocolV2, domain.RunStatusStarted)
	fx.client.executeResults = []*endpoint.ExecuteResult{
		okExecute(&endpoint.ExecuteResponse{
			Status: endpoint.ExecStatusError,
			Error:  &endpoint.ErrorPayload{Message: "boom", Name: "Error"},
		}, 500*time.Millisecond),
	}

	cont := fx.continuation(domain.ReasonExecuteJob)
	fx.advance(t, cont)

	run := fx.currentRun(t)
	if run.Status != domain.RunStatusFailure {
		t.Errorf("run status = %s, want FAILURE", run.Status)
	}

	var errBody endpoint.ErrorPayload
	if err := json.Unmarshal(run.Output, &errBody); err != nil || errBody.Message != "boom" {
		t.Errorf("error payload not stored on run: %s", run.Output)
	}
}

// --- Soft timeout ---

func TestAdvance_SoftTimeoutAccumulatesUntilCeiling(t *testing.T) {
	// Потолок организации 10000ms, каждый вызов держится 4000ms:
	// после третьего таймаута 12000 >= 10000 — run завершается TIMED_OUT
	// ровно на третьем, без четвёртого continuation.
	fx := newFixture(domain.ProtocolV2, domain.RunStatusStarted)

	cont := fx.continuation(domain.ReasonExecuteJob)
	for i := 0; i < 3; i++ {
		fx.client.executeResults = []*endpoint.ExecuteResult{timeoutExecute(4000 * time.Millisecond)}
		fx.advance(t, cont)

		run := fx.currentRun(t)
		next := fx.store.pendingContinuations(cont.ID)

		if i < 2 {
			if run.Status != domain.RunStatusStarted {
				t.Fatalf("call %d: run status = %s, want STARTED", i+1, run.Status)
			}
			if len(next) != 1 {
				t.Fatalf("call %d: expected 1 follow-up continuation, got %d", i+1, len(next))
			}
			// Таймаут не retry: счётчик retry не тратится.
			if next[0].RetryCount != 0 || next[0].IsRetry {
				t.Errorf("call %d: timeout continuation should not consume RetryCount: %+v", i+1, next[0])
			}
			cont = &next[0]
		} else {
			if run.Status != domain.RunStatusTimedOut {
				t.Fatalf("call 3: run status = %s, want TIMED_OUT", run.Status)
			}
			if run.ExecutionDurationMs != 12000 {
				t.Errorf("duration = %dms, want 12000", run.ExecutionDurationMs)
			}
			if run.ExecutionCount != 3 {
				t.Errorf("execution count = %d, want 3", run.ExecutionCount)
			}
			if len(next) != 0 {
				t.Errorf("timed out run should not get a fourth continuation")
			}
		}
	}
}

func TestAdvance_SoftTimeoutPreservesResumeTask(t *testing.T) {
	fx := newFixture(domain.ProtocolV2, domain.RunStatusStarted)

	task := &domain.Task{
		ID:             uuid.New(),
		RunID:          fx.run.ID,
		IdempotencyKey: "step-1",
		Status:         domain.TaskStatusWaiting,
		CreatedAt:      time.Now(),
	}
	fx.store.CreateTask(context.Background(), task)

	cont := fx.continuation(domain.ReasonExecuteJob)
	cont.ResumeTaskID = &task.ID
	fx.store.CreateContinuation(context.Background(), cont)

	fx.client.executeResults = []*endpoint.ExecuteResult{timeoutExecute(time.Second)}
	fx.advance(t, cont)

	next := fx.store.pendingContinuations(cont.ID)
	if len(next) != 1 {
		t.Fatalf("expected follow-up continuation, got %d", len(next))
	}
	if next[0].ResumeTaskID == nil || *next[0].ResumeTaskID != task.ID {
		t.Error("timeout continuation should carry the same resume task")
	}
}

// --- Retry с backoff ---

func TestAdvance_NoResponseSchedulesBackoffRetry(t *testing.T) {
	fx := newFixture(domain.ProtocolV2, domain.RunStatusStarted)
	// fakeClient без результатов отвечает no_response

	cont := fx.continuation(domain.ReasonExecuteJob)
	before := time.Now()
	fx.advance(t, cont)

	run := fx.currentRun(t)
	if run.Status != domain.RunStatusStarted {
		t.Errorf("run status = %s, want STARTED", run.Status)
	}
	// Вызов не состоялся: не считается выполнением.
	if run.ExecutionCount != 0 {
		t.Errorf("no_response should not be charged: count = %d", run.ExecutionCount)
	}

	next := fx.store.pendingContinuations(cont.ID)
	if len(next) != 1 {
		t.Fatalf("expected retry continuation, got %d", len(next))
	}
	retry := next[0]
	if !retry.IsRetry || retry.RetryCount != 1 {
		t.Errorf("retry continuation: IsRetry=%v RetryCount=%d, want true/1", retry.IsRetry, retry.RetryCount)
	}

	// delay(1) = 500ms
	wantAt := before.Add(500 * time.Millisecond)
	if retry.RunAt.Before(wantAt) || retry.RunAt.After(wantAt.Add(time.Second)) {
		t.Errorf("retry RunAt = %v, want ~%v", retry.RunAt, wantAt)
	}
	if len(retry.LastError) == 0 {
		t.Error("retry continuation should carry last error")
	}
}

func TestAdvance_Execute5xxChargesAndRetries(t *testing.T) {
	fx := newFixture(domain.ProtocolV2, domain.RunStatusStarted)
	fx.client.executeResults = []*endpoint.ExecuteResult{{
		CallInfo:  endpoint.CallInfo{Outcome: endpoint.OutcomeHTTPError, StatusCode: 503, Duration: 700 * time.Millisecond},
		ErrorBody: &endpoint.ErrorPayload{Message: "overloaded"},
	}}

	cont := fx.continuation(domain.ReasonExecuteJob)
	fx.advance(t, cont)

	run := fx.currentRun(t)
	if run.Status != domain.RunStatusStarted {
		t.Errorf("run status = %s, want STARTED", run.Status)
	}
	// 5xx дошёл до endpoint'а: учитывается, как и на постоянных путях.
	if run.ExecutionCount != 1 {
		t.Errorf("5xx is a completed call, should be charged: count = %d", run.ExecutionCount)
	}
	if run.ExecutionDurationMs != 700 {
		t.Errorf("execution duration = %dms, want 700", run.ExecutionDurationMs)
	}

	next := fx.store.pendingContinuations(cont.ID)
	if len(next) != 1 {
		t.Fatalf("expected retry continuation, got %d", len(next))
	}
	if !next[0].IsRetry || next[0].RetryCount != 1 {
		t.Errorf("retry continuation: IsRetry=%v RetryCount=%d, want true/1", next[0].IsRetry, next[0].RetryCount)
	}
	fx.assertDone(t, cont)
}

func TestAdvance_RetryLimitExhausted(t *testing.T) {
	fx := newFixture(domain.ProtocolV2, domain.RunStatusStarted)

	cont := fx.continuation(domain.ReasonExecuteJob)
	cont.RetryCount = cont.RetryLimit
	fx.store.CreateContinuation(context.Background(), cont)

	fx.advance(t, cont)

	run := fx.currentRun(t)
	if run.Status != domain.RunStatusFailure {
		t.Errorf("run status = %s, want FAILURE", run.Status)
	}
	if next := fx.store.pendingContinuations(cont.ID); len(next) != 0 {
		t.Errorf("exhausted retry should not schedule another continuation")
	}
}

// --- RESUME_WITH_TASK / RETRY_WITH_TASK ---

func TestAdvance_ResumeWithTask(t *testing.T) {
	fx := newFixture(domain.ProtocolV2, domain.RunStatusStarted)
	fx.client.executeResults = []*endpoint.ExecuteResult{
		okExecute(&endpoint.ExecuteResponse{
			Status: endpoint.ExecStatusResumeWithTask,
			Task:   &endpoint.TaskSpec{IdempotencyKey: "send-email"},
		}, time.Second),
	}

	cont := fx.continuation(domain.ReasonExecuteJob)
	fx.advance(t, cont)

	task, err := fx.store.GetTaskByKey(context.Background(), fx.run.ID, "send-email")
	if err != nil {
		t.Fatalf("task not created: %v", err)
	}
	if task.Status != domain.TaskStatusPending {
		t.Errorf("task status = %s, want PENDING", task.Status)
	}

	next := fx.store.pendingContinuations(cont.ID)
	if len(next) != 1 {
		t.Fatalf("expected resume continuation, got %d", len(next))
	}
	if next[0].ResumeTaskID == nil || *next[0].ResumeTaskID != task.ID {
		t.Error("continuation should resume the created task")
	}
}

func TestAdvance_ResumeWithTaskDelayed(t *testing.T) {
	fx := newFixture(domain.ProtocolV2, domain.RunStatusStarted)
	delayUntil := time.Now().Add(time.Hour)
	fx.client.executeResults = []*endpoint.ExecuteResult{
		okExecute(&endpoint.ExecuteResponse{
			Status: endpoint.ExecStatusResumeWithTask,
			Task:   &endpoint.TaskSpec{IdempotencyKey: "wait-1h", DelayUntil: &delayUntil},
		}, time.Second),
	}

	cont := fx.continuation(domain.ReasonExecuteJob)
	fx.advance(t, cont)

	next := fx.store.pendingContinuations(cont.ID)
	if len(next) != 1 {
		t.Fatalf("expected delayed continuation, got %d", len(next))
	}
	if !next[0].RunAt.Equal(delayUntil) {
		t.Errorf("continuation RunAt = %v, want delayUntil %v", next[0].RunAt, delayUntil)
	}
}

func TestAdvance_ResumeWithTaskExternalCompletion(t *testing.T) {
	fx := newFixture(domain.ProtocolV2, domain.RunStatusStarted)
	fx.client.executeResults = []*endpoint.ExecuteResult{
		okExecute(&endpoint.ExecuteResponse{
			Status: endpoint.ExecStatusResumeWithTask,
			Task:   &endpoint.TaskSpec{IdempotencyKey: "wait-webhook", Operation: "fetch"},
		}, time.Second),
	}

	cont := fx.continuation(domain.ReasonExecuteJob)
	fx.advance(t, cont)

	task, err := fx.store.GetTaskByKey(context.Background(), fx.run.ID, "wait-webhook")
	if err != nil {
		t.Fatalf("task not created: %v", err)
	}
	if task.Status != domain.TaskStatusWaiting {
		t.Errorf("task status = %s, want WAITING", task.Status)
	}
	// Завершение придёт внешним событием: continuation не ставится.
	if next := fx.store.pendingContinuations(cont.ID); len(next) != 0 {
		t.Errorf("external-completion task should not get a continuation, got %d", len(next))
	}
}

func TestAdvance_RetryWithTask(t *testing.T) {
	fx := newFixture(domain.ProtocolV2, domain.RunStatusStarted)
	retryAt := time.Now().Add(30 * time.Second)
	fx.client.executeResults = []*endpoint.ExecuteResult{
		okExecute(&endpoint.ExecuteResponse{
			Status:  endpoint.ExecStatusRetryWithTask,
			Task:    &endpoint.TaskSpec{IdempotencyKey: "flaky-step"},
			RetryAt: &retryAt,
			Error:   &endpoint.ErrorPayload{Message: "rate limited", Retryable: true},
		}, time.Second),
	}

	cont := fx.continuation(domain.ReasonExecuteJob)
	fx.advance(t, cont)

	task, err := fx.store.GetTaskByKey(context.Background(), fx.run.ID, "flaky-step")
	if err != nil {
		t.Fatalf("task not created: %v", err)
	}
	if task.Status != domain.TaskStatusWaiting {
		t.Errorf("task status = %s, want WAITING", task.Status)
	}

	attempts := fx.store.attemptsFor(task.ID)
	if len(attempts) != 1 {
		t.Fatalf("expected 1 attempt, got %d", len(attempts))
	}
	if attempts[0].Number != 1 || attempts[0].Status != domain.AttemptStatusPending {
		t.Errorf("attempt = %+v, want number 1 PENDING", attempts[0])
	}
	if !attempts[0].RunAt.Equal(retryAt) {
		t.Errorf("attempt RunAt = %v, want %v", attempts[0].RunAt, retryAt)
	}

	next := fx.store.pendingContinuations(cont.ID)
	if len(next) != 1 {
		t.Fatalf("expected retry continuation, got %d", len(next))
	}
	if !next[0].RunAt.Equal(retryAt) {
		t.Errorf("continuation RunAt = %v, want %v", next[0].RunAt, retryAt)
	}
	if next[0].ResumeTaskID == nil || *next[0].ResumeTaskID != task.ID {
		t.Error("retry continuation should resume the failed task")
	}
}

func TestAdvance_RetryWithTask_SupersedesPendingAttempt(t *testing.T) {
	fx := newFixture(domain.ProtocolV2, domain.RunStatusStarted)

	task := &domain.Task{
		ID:             uuid.New(),
		RunID:          fx.run.ID,
		IdempotencyKey: "flaky-step",
		Status:         domain.TaskStatusWaiting,
		CreatedAt:      time.Now(),
	}
	fx.store.CreateTask(context.Background(), task)
	fx.store.CreateAttempt(context.Background(), &domain.TaskAttempt{
		ID:     uuid.New(),
		TaskID: task.ID,
		Number: 1,
		Status: domain.AttemptStatusPending,
		RunAt:  time.Now(),
	})

	fx.client.executeResults = []*endpoint.ExecuteResult{
		okExecute(&endpoint.ExecuteResponse{
			Status: endpoint.ExecStatusRetryWithTask,
			Task:   &endpoint.TaskSpec{IdempotencyKey: "flaky-step"},
		}, time.Second),
	}

	cont := fx.continuation(domain.ReasonExecuteJob)
	fx.advance(t, cont)

	attempts := fx.store.attemptsFor(task.ID)
	if len(attempts) != 2 {
		t.Fatalf("expected 2 attempts, got %d", len(attempts))
	}
	if attempts[0].Status != domain.AttemptStatusErrored {
		t.Errorf("first attempt should be superseded: %s", attempts[0].Status)
	}
	if attempts[1].Number != 2 {
		t.Errorf("attempt numbers should grow: got %d", attempts[1].Number)
	}
}

// --- Protocol capabilities ---

func TestAdvance_YieldRejectedOnCurrentProtocol(t *testing.T) {
	fx := newFixture(domain.ProtocolV2, domain.RunStatusStarted)
	fx.client.executeResults = []*endpoint.ExecuteResult{
		okExecute(&endpoint.ExecuteResponse{
			Status:   endpoint.ExecStatusYieldExecution,
			YieldKey: "yield-1",
		}, time.Second),
	}

	cont := fx.continuation(domain.ReasonExecuteJob)
	fx.advance(t, cont)

	run := fx.currentRun(t)
	if run.Status != domain.RunStatusFailure {
		t.Errorf("yield on current protocol should fail the run, got %s", run.Status)
	}
}

func TestAdvance_YieldRecordedOnLegacyProtocol(t *testing.T) {
	fx := newFixture(domain.ProtocolV1, domain.RunStatusStarted)
	fx.client.executeResults = []*endpoint.ExecuteResult{
		okExecute(&endpoint.ExecuteResponse{
			Status:   endpoint.ExecStatusYieldExecution,
			YieldKey: "yield-1",
		}, time.Second),
	}

	cont := fx.continuation(domain.ReasonExecuteJob)
	fx.advance(t, cont)

	run := fx.currentRun(t)
	if run.Status != domain.RunStatusStarted {
		t.Errorf("run status = %s, want STARTED", run.Status)
	}
	if len(run.YieldedExecutions) != 1 || run.YieldedExecutions[0] != "yield-1" {
		t.Errorf("yield key not recorded: %v", run.YieldedExecutions)
	}
	if next := fx.store.pendingContinuations(cont.ID); len(next) != 1 {
		t.Errorf("yield should schedule a fresh execute continuation")
	}
}

// --- Идемпотентность и отмена ---

func TestAdvance_DoneContinuationIsNoop(t *testing.T) {
	fx := newFixture(domain.ProtocolV2, domain.RunStatusStarted)

	cont := fx.continuation(domain.ReasonExecuteJob)
	fx.store.MarkContinuationDone(context.Background(), cont.ID)

	fx.advance(t, cont)

	if len(fx.client.executeCalls) != 0 {
		t.Error("done continuation must not call the endpoint")
	}
	run := fx.currentRun(t)
	if run.ExecutionCount != 0 {
		t.Error("done continuation must not charge the run")
	}
}

// Одна continuation приходит двумя путями сразу: polling fallback уже
// выполняет Advance, а dispatcher тем временем публикует ту же запись
// в MQ. Вторая доставка стартует со снимком PENDING, сделанным до
// первого коммита; решение она обязана не применять — статус
// перечитывается под блокировкой строки continuation.
func TestAdvance_DuplicateDeliveryAppliesOnce(t *testing.T) {
	fx := newFixture(domain.ProtocolV2, domain.RunStatusStarted)

	retryAt := time.Now().Add(30 * time.Second)
	retryResult := func() *endpoint.ExecuteResult {
		return okExecute(&endpoint.ExecuteResponse{
			Status:  endpoint.ExecStatusRetryWithTask,
			Task:    &endpoint.TaskSpec{IdempotencyKey: "flaky-step"},
			RetryAt: &retryAt,
			Error:   &endpoint.ErrorPayload{Message: "rate limited", Retryable: true},
		}, 2*time.Second)
	}
	fx.client.executeResults = []*endpoint.ExecuteResult{retryResult(), retryResult()}

	cont := fx.continuation(domain.ReasonExecuteJob)

	orch := New(Config{
		Store: &readCommittedStore{
			fakeStore: fx.store,
			snapshot:  map[uuid.UUID]domain.Continuation{cont.ID: *cont},
		},
		Client:   fx.client,
		Resolver: fx.resolver,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})

	for i := 0; i < 2; i++ {
		if err := orch.Advance(context.Background(), cont.ID); err != nil {
			t.Fatalf("Advance #%d: %v", i+1, err)
		}
	}

	run := fx.currentRun(t)
	if run.ExecutionCount != 1 {
		t.Errorf("execution count = %d, want 1", run.ExecutionCount)
	}
	if run.ExecutionDurationMs != 2000 {
		t.Errorf("execution duration = %dms, want 2000", run.ExecutionDurationMs)
	}

	task, err := fx.store.GetTaskByKey(context.Background(), fx.run.ID, "flaky-step")
	if err != nil {
		t.Fatalf("task not created: %v", err)
	}
	if attempts := fx.store.attemptsFor(task.ID); len(attempts) != 1 {
		t.Errorf("expected 1 attempt, got %d", len(attempts))
	}

	if next := fx.store.pendingContinuations(cont.ID); len(next) != 1 {
		t.Errorf("expected 1 follow-up continuation, got %d", len(next))
	}
	fx.assertDone(t, cont)
}

func TestAdvance_MissingContinuationDropped(t *testing.T) {
	fx := newFixture(domain.ProtocolV2, domain.RunStatusStarted)

	if err := fx.orch.Advance(context.Background(), uuid.New()); err != nil {
		t.Errorf("missing continuation should be dropped, got %v", err)
	}
}

func TestAdvance_CanceledRunShortCircuits(t *testing.T) {
	// Legacy-протокол учитывает очереди: отмена должна освободить слот.
	fx := newFixture(domain.ProtocolV1, domain.RunStatusCanceled)

	cont := fx.continuation(domain.ReasonExecuteJob)
	fx.advance(t, cont)

	if len(fx.client.executeCalls) != 0 {
		t.Error("canceled run must not call the endpoint")
	}

	run := fx.currentRun(t)
	if run.Status != domain.RunStatusCanceled {
		t.Errorf("run status = %s, want CANCELED", run.Status)
	}
	if run.CompletedAt == nil {
		t.Error("cancellation should be finalized with CompletedAt")
	}

	if len(fx.store.releasedQueues) != 1 || fx.store.releasedQueues[0] != fx.run.QueueID {
		t.Errorf("queue slot not released: %v", fx.store.releasedQueues)
	}
	fx.assertDone(t, cont)
}

// --- Connections ---

func TestAdvance_ConnectionResolutionReschedules(t *testing.T) {
	fx := newFixture(domain.ProtocolV2, domain.RunStatusStarted)
	fx.resolver.err = errors.New("oauth token expired")

	cont := fx.continuation(domain.ReasonExecuteJob)
	before := time.Now()
	fx.advance(t, cont)

	if len(fx.client.executeCalls) != 0 {
		t.Error("unresolved connections must not reach the endpoint")
	}

	run := fx.currentRun(t)
	if run.ExecutionCount != 0 {
		t.Error("connection failure is a platform fault, not a charged call")
	}

	next := fx.store.pendingContinuations(cont.ID)
	if len(next) != 1 {
		t.Fatalf("expected rescheduled continuation, got %d", len(next))
	}
	// Тот же логический шаг: RetryCount не тронут.
	if next[0].RetryCount != 0 {
		t.Errorf("reschedule must not consume RetryCount: %d", next[0].RetryCount)
	}
	wantAt := before.Add(connRetryDelay)
	if next[0].RunAt.Before(wantAt) || next[0].RunAt.After(wantAt.Add(time.Second)) {
		t.Errorf("rescheduled RunAt = %v, want ~%v", next[0].RunAt, wantAt)
	}
}

func TestAdvance_ConnectionsPassedToEndpoint(t *testing.T) {
	fx := newFixture(domain.ProtocolV2, domain.RunStatusStarted)
	fx.resolver.conns = map[string]json.RawMessage{
		"slack": json.RawMessage(`{"accessToken":"xoxb"}`),
	}
	fx.client.executeResults = []*endpoint.ExecuteResult{
		okExecute(&endpoint.ExecuteResponse{Status: endpoint.ExecStatusSuccess}, time.Second),
	}

	cont := fx.continuation(domain.ReasonExecuteJob)
	fx.advance(t, cont)

	if len(fx.client.executeCalls) != 1 {
		t.Fatalf("expected 1 execute call, got %d", len(fx.client.executeCalls))
	}
	req := fx.client.executeCalls[0]
	if string(req.Connections["slack"]) != `{"accessToken":"xoxb"}` {
		t.Errorf("connections not passed: %v", req.Connections)
	}
}

// --- Replay-кэш и возобновление ---

func TestAdvance_ReplayCacheSentToEndpoint(t *testing.T) {
	fx := newFixture(domain.ProtocolV2, domain.RunStatusStarted)

	done := &domain.Task{
		ID:             uuid.New(),
		RunID:          fx.run.ID,
		IdempotencyKey: "step-done",
		Status:         domain.TaskStatusCompleted,
		Output:         json.RawMessage(`{"ok":true}`),
		CreatedAt:      time.Now(),
	}
	fx.store.CreateTask(context.Background(), done)

	resume := &domain.Task{
		ID:             uuid.New(),
		RunID:          fx.run.ID,
		IdempotencyKey: "step-resume",
		Status:         domain.TaskStatusWaiting,
		CreatedAt:      time.Now(),
	}
	fx.store.CreateTask(context.Background(), resume)

	cont := fx.continuation(domain.ReasonExecuteJob)
	cont.ResumeTaskID = &resume.ID
	fx.store.CreateContinuation(context.Background(), cont)

	fx.client.executeResults = []*endpoint.ExecuteResult{
		okExecute(&endpoint.ExecuteResponse{Status: endpoint.ExecStatusSuccess}, time.Second),
	}
	fx.advance(t, cont)

	req := fx.client.executeCalls[0]
	if req.ResumedTaskKey != "step-resume" {
		t.Errorf("resumedTaskId = %q, want step-resume", req.ResumedTaskKey)
	}

	keys := make(map[string]bool)
	for _, ct := range req.Tasks {
		keys[ct.ID] = true
	}
	if !keys["step-done"] {
		t.Errorf("completed task missing from replay cache: %v", keys)
	}

	// Возобновлённый task переведён в RUNNING до вызова.
	cur, _ := fx.store.GetTask(context.Background(), resume.ID)
	if cur.Status != domain.TaskStatusRunning {
		t.Errorf("resumed task status = %s, want RUNNING", cur.Status)
	}
}

func TestAdvance_NoopTaskCompletedOnResume(t *testing.T) {
	fx := newFixture(domain.ProtocolV2, domain.RunStatusStarted)

	task := &domain.Task{
		ID:             uuid.New(),
		RunID:          fx.run.ID,
		IdempotencyKey: "noop-step",
		Status:         domain.TaskStatusPending,
		Noop:           true,
		CreatedAt:      time.Now(),
	}
	fx.store.CreateTask(context.Background(), task)

	cont := fx.continuation(domain.ReasonExecuteJob)
	cont.ResumeTaskID = &task.ID
	fx.store.CreateContinuation(context.Background(), cont)

	fx.client.executeResults = []*endpoint.ExecuteResult{
		okExecute(&endpoint.ExecuteResponse{Status: endpoint.ExecStatusSuccess}, time.Second),
	}
	fx.advance(t, cont)

	cur, _ := fx.store.GetTask(context.Background(), task.ID)
	if cur.Status != domain.TaskStatusCompleted {
		t.Errorf("noop task status = %s, want COMPLETED", cur.Status)
	}
}
