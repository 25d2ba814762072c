package orchestrator

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/Courier/internal/domain"
	"github.com/shaiso/Courier/internal/endpoint"
	"github.com/shaiso/Courier/internal/repo"
)

// fakeStore — in-memory Store для тестов decision tables.
// Get-методы отдают копии: мутация видна только после Update*.
type fakeStore struct {
	mu sync.Mutex

	runs     map[uuid.UUID]*domain.Run
	envs     map[uuid.UUID]*domain.Environment
	orgs     map[uuid.UUID]*domain.Organization
	tasks    map[uuid.UUID]*domain.Task
	conts    map[uuid.UUID]*domain.Continuation
	attempts []*domain.TaskAttempt

	releasedQueues []uuid.UUID
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		runs:  make(map[uuid.UUID]*domain.Run),
		envs:  make(map[uuid.UUID]*domain.Environment),
		orgs:  make(map[uuid.UUID]*domain.Organization),
		tasks: make(map[uuid.UUID]*domain.Task),
		conts: make(map[uuid.UUID]*domain.Continuation),
	}
}

func (f *fakeStore) GetContinuation(ctx context.Context, id uuid.UUID) (*domain.Continuation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.conts[id]
	if !ok {
		return nil, repo.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (f *fakeStore) GetContinuationForUpdate(ctx context.Context, id uuid.UUID) (*domain.Continuation, error) {
	return f.GetContinuation(ctx, id)
}

func (f *fakeStore) CreateContinuation(ctx context.Context, c *domain.Continuation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *c
	f.conts[c.ID] = &cp
	return nil
}

func (f *fakeStore) MarkContinuationDone(ctx context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.conts[id]
	if !ok {
		return repo.ErrNotFound
	}
	c.Status = domain.ContinuationDone
	return nil
}

func (f *fakeStore) GetRun(ctx context.Context, id uuid.UUID) (*domain.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.runs[id]
	if !ok {
		return nil, repo.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (f *fakeStore) GetRunForUpdate(ctx context.Context, id uuid.UUID) (*domain.Run, error) {
	return f.GetRun(ctx, id)
}

func (f *fakeStore) UpdateRun(ctx context.Context, run *domain.Run) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *run
	f.runs[run.ID] = &cp
	return nil
}

func (f *fakeStore) GetEnvironment(ctx context.Context, id uuid.UUID) (*domain.Environment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.envs[id]
	if !ok {
		return nil, repo.ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (f *fakeStore) GetOrganization(ctx context.Context, id uuid.UUID) (*domain.Organization, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orgs[id]
	if !ok {
		return nil, repo.ErrNotFound
	}
	cp := *o
	return &cp, nil
}

func (f *fakeStore) ReleaseQueueCount(ctx context.Context, queueID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.releasedQueues = append(f.releasedQueues, queueID)
	return nil
}

func (f *fakeStore) GetTask(ctx context.Context, id uuid.UUID) (*domain.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[id]
	if !ok {
		return nil, repo.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (f *fakeStore) GetTaskByKey(ctx context.Context, runID uuid.UUID, key string) (*domain.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range f.tasks {
		if t.RunID == runID && t.IdempotencyKey == key {
			cp := *t
			return &cp, nil
		}
	}
	return nil, repo.ErrNotFound
}

func (f *fakeStore) CreateTask(ctx context.Context, task *domain.Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range f.tasks {
		if t.RunID == task.RunID && t.IdempotencyKey == task.IdempotencyKey {
			return repo.ErrAlreadyExists
		}
	}
	cp := *task
	f.tasks[task.ID] = &cp
	return nil
}

func (f *fakeStore) UpdateTask(ctx context.Context, task *domain.Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *task
	f.tasks[task.ID] = &cp
	return nil
}

func (f *fakeStore) ListCompletedTasks(ctx context.Context, runID uuid.UUID) ([]domain.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Task
	for _, t := range f.tasks {
		if t.RunID == runID && t.Status == domain.TaskStatusCompleted {
			out = append(out, *t)
		}
	}
	return out, nil
}

func (f *fakeStore) MarkPendingAttemptsErrored(ctx context.Context, taskID uuid.UUID) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, a := range f.attempts {
		if a.TaskID == taskID && a.Status == domain.AttemptStatusPending {
			a.Status = domain.AttemptStatusErrored
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) NextAttemptNumber(ctx context.Context, taskID uuid.UUID) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	max := 0
	for _, a := range f.attempts {
		if a.TaskID == taskID && a.Number > max {
			max = a.Number
		}
	}
	return max + 1, nil
}

func (f *fakeStore) CreateAttempt(ctx context.Context, a *domain.TaskAttempt) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *a
	f.attempts = append(f.attempts, &cp)
	return nil
}

func (f *fakeStore) InTx(ctx context.Context, fn func(s Store) error) error {
	return fn(f)
}

// readCommittedStore моделирует изоляцию read committed: обычное чтение
// continuation возвращает снимок на момент публикации сообщения (чужой
// незакоммиченный DONE не виден), GetContinuationForUpdate — текущее
// состояние строки под блокировкой.
type readCommittedStore struct {
	*fakeStore
	snapshot map[uuid.UUID]domain.Continuation
}

func (s *readCommittedStore) GetContinuation(ctx context.Context, id uuid.UUID) (*domain.Continuation, error) {
	if c, ok := s.snapshot[id]; ok {
		cp := c
		return &cp, nil
	}
	return s.fakeStore.GetContinuation(ctx, id)
}

// pendingContinuations возвращает continuations в статусе PENDING,
// кроме перечисленных.
func (f *fakeStore) pendingContinuations(except ...uuid.UUID) []domain.Continuation {
	f.mu.Lock()
	defer f.mu.Unlock()
	skip := make(map[uuid.UUID]bool, len(except))
	for _, id := range except {
		skip[id] = true
	}
	var out []domain.Continuation
	for _, c := range f.conts {
		if c.Status == domain.ContinuationPending && !skip[c.ID] {
			out = append(out, *c)
		}
	}
	return out
}

// attemptsFor возвращает попытки task'а.
func (f *fakeStore) attemptsFor(taskID uuid.UUID) []domain.TaskAttempt {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.TaskAttempt
	for _, a := range f.attempts {
		if a.TaskID == taskID {
			out = append(out, *a)
		}
	}
	return out
}

// fakeClient — ProtocolClient, отдающий заранее подготовленные результаты
// в порядке вызовов.
type fakeClient struct {
	mu sync.Mutex

	preprocessResults []*endpoint.PreprocessResult
	executeResults    []*endpoint.ExecuteResult

	preprocessCalls []*endpoint.PreprocessRequest
	executeCalls    []*endpoint.ExecuteRequest
}

func (c *fakeClient) PreprocessRun(ctx context.Context, env *domain.Environment, req *endpoint.PreprocessRequest) *endpoint.PreprocessResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.preprocessCalls = append(c.preprocessCalls, req)
	if len(c.preprocessResults) == 0 {
		return &endpoint.PreprocessResult{CallInfo: endpoint.CallInfo{Outcome: endpoint.OutcomeNoResponse}}
	}
	r := c.preprocessResults[0]
	c.preprocessResults = c.preprocessResults[1:]
	return r
}

func (c *fakeClient) ExecuteJob(ctx context.Context, env *domain.Environment, req *endpoint.ExecuteRequest, timeout time.Duration) *endpoint.ExecuteResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.executeCalls = append(c.executeCalls, req)
	if len(c.executeResults) == 0 {
		return &endpoint.ExecuteResult{CallInfo: endpoint.CallInfo{Outcome: endpoint.OutcomeNoResponse}}
	}
	r := c.executeResults[0]
	c.executeResults = c.executeResults[1:]
	return r
}

// fakeResolver — Resolver с фиксированным результатом.
type fakeResolver struct {
	conns map[string]json.RawMessage
	err   error
}

func (r *fakeResolver) Resolve(ctx context.Context, runID uuid.UUID) (map[string]json.RawMessage, error) {
	if r.err != nil {
		return nil, r.err
	}
	return r.conns, nil
}

// okExecute строит 2xx-результат с заданным телом и длительностью.
func okExecute(resp *endpoint.ExecuteResponse, d time.Duration) *endpoint.ExecuteResult {
	return &endpoint.ExecuteResult{
		CallInfo: endpoint.CallInfo{Outcome: endpoint.OutcomeOK, StatusCode: 200, Duration: d},
		Response: resp,
	}
}

// timeoutExecute строит soft-timeout результат с заданной длительностью.
func timeoutExecute(d time.Duration) *endpoint.ExecuteResult {
	return &endpoint.ExecuteResult{
		CallInfo: endpoint.CallInfo{Outcome: endpoint.OutcomeTimeout, StatusCode: 504, Duration: d},
	}
}
