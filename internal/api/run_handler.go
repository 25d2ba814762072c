package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/shaiso/Courier/internal/domain"
	"github.com/shaiso/Courier/internal/mq"
	"github.com/shaiso/Courier/internal/orchestrator"
	"github.com/shaiso/Courier/internal/repo"
	"github.com/shaiso/Courier/internal/telemetry"
)

// CreateRun создаёт новый run и ставит первый continuation (PREPROCESS).
// POST /api/v1/runs
//
// Вставка run, постановка continuation и учёт очереди — одна транзакция:
// continuation-outbox не должен расходиться с состоянием run.
func (h *Handler) CreateRun(w http.ResponseWriter, r *http.Request) {
	var req CreateRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "invalid request body")
		return
	}

	if req.JobID == "" {
		BadRequest(w, "job_id is required")
		return
	}

	env, err := h.envRepo.GetEnvironment(r.Context(), req.EnvironmentID)
	if HandleRepoError(w, h.logger, err, "environment not found") {
		return
	}

	run := &domain.Run{
		ID:             uuid.New(),
		JobID:          req.JobID,
		EnvironmentID:  env.ID,
		OrganizationID: env.OrganizationID,
		QueueID:        req.QueueID,
		Status:         domain.RunStatusQueued,
		Payload:        req.Payload,
		CreatedAt:      time.Now(),
	}

	caps := orchestrator.CapabilitiesFor(env.Version)
	cont := domain.NewContinuation(run.ID, domain.ReasonPreprocess, time.Now())

	err = repo.InTx(r.Context(), h.pool, func(tx pgx.Tx) error {
		if err := h.runRepo.WithTx(tx).Create(r.Context(), run); err != nil {
			return err
		}

		if err := h.contRepo.WithTx(tx).Create(r.Context(), cont); err != nil {
			return err
		}

		if caps.TracksQueueCounts {
			if err := h.envRepo.WithTx(tx).IncrementQueueCount(r.Context(), run.QueueID); err != nil {
				return err
			}
		}
		return nil
	})
	if HandleRepoError(w, h.logger, err, "job queue not found") {
		return
	}

	telemetry.ContinuationsEnqueued.WithLabelValues(string(domain.ReasonPreprocess)).Inc()

	// Подсказка runner'у, чтобы не ждать тика dispatcher'а; outbox
	// всё равно доставит, если публикация не удалась.
	if h.publisher != nil {
		err := h.publisher.PublishContinuationDue(r.Context(), mq.ContinuationDuePayload{
			ContinuationID: cont.ID,
			RunID:          run.ID,
			Reason:         string(cont.Reason),
		})
		if err != nil {
			h.logger.Warn("failed to publish continuation.due", "run_id", run.ID, "error", err)
		}
	}

	h.logger.Info("run created",
		"run_id", run.ID,
		"job_id", run.JobID,
		"environment_id", env.ID,
	)

	Created(w, RunFromDomain(*run))
}

// ListRuns возвращает runs окружения.
// GET /api/v1/runs?environment_id=...&limit=...&offset=...
func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	envIDStr := r.URL.Query().Get("environment_id")
	envID, err := uuid.Parse(envIDStr)
	if err != nil {
		BadRequest(w, "invalid environment_id")
		return
	}

	limit := intQuery(r, "limit", 50)
	offset := intQuery(r, "offset", 0)

	runs, err := h.runRepo.List(r.Context(), envID, limit, offset)
	if HandleRepoError(w, h.logger, err, "") {
		return
	}

	result := make([]RunResponse, len(runs))
	for i, run := range runs {
		result[i] = RunFromDomain(run)
	}

	List(w, result, len(result))
}

// GetRun возвращает run по ID.
// GET /api/v1/runs/{id}
func (h *Handler) GetRun(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		BadRequest(w, "invalid run id")
		return
	}

	run, err := h.runRepo.GetByID(r.Context(), id)
	if HandleRepoError(w, h.logger, err, "run not found") {
		return
	}

	Success(w, RunFromDomain(*run))
}

// CancelRun отменяет run.
// POST /api/v1/runs/{id}/cancel
//
// Отмена — выставление статуса: in-flight вызов endpoint'а не
// прерывается, оркестратор увидит CANCELED в начале следующего шага.
func (h *Handler) CancelRun(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		BadRequest(w, "invalid run id")
		return
	}

	run, err := h.runRepo.Cancel(r.Context(), id)
	if HandleRepoError(w, h.logger, err, "run not found") {
		return
	}

	h.logger.Info("run canceled", "run_id", run.ID)

	Success(w, RunFromDomain(*run))
}

// ListRunTasks возвращает задачи run.
// GET /api/v1/runs/{id}/tasks
func (h *Handler) ListRunTasks(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		BadRequest(w, "invalid run id")
		return
	}

	// Проверяем, что run существует
	_, err = h.runRepo.GetByID(r.Context(), id)
	if HandleRepoError(w, h.logger, err, "run not found") {
		return
	}

	tasks, err := h.taskRepo.ListByRunID(r.Context(), id)
	if HandleRepoError(w, h.logger, err, "") {
		return
	}

	result := make([]TaskResponse, len(tasks))
	for i, t := range tasks {
		result[i] = TaskFromDomain(t)
	}

	List(w, result, len(result))
}

// intQuery парсит числовой query-параметр с дефолтным значением.
func intQuery(r *http.Request, name string, defaultVal int) int {
	s := r.URL.Query().Get(name)
	if s == "" {
		return defaultVal
	}
	n, err := json.Number(s).Int64()
	if err != nil {
		return defaultVal
	}
	return int(n)
}
