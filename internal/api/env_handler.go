package api

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/shaiso/Courier/internal/endpoint"
)

// ListEnvironments возвращает зарегистрированные окружения.
// GET /api/v1/environments
func (h *Handler) ListEnvironments(w http.ResponseWriter, r *http.Request) {
	envs, err := h.envRepo.ListEnvironments(r.Context())
	if HandleRepoError(w, h.logger, err, "") {
		return
	}

	result := make([]EnvironmentResponse, len(envs))
	for i, env := range envs {
		result[i] = EnvironmentFromDomain(env)
	}

	List(w, result, len(result))
}

// PingEnvironment проверяет доступность endpoint'а окружения.
// POST /api/v1/environments/{id}/ping
func (h *Handler) PingEnvironment(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		BadRequest(w, "invalid environment id")
		return
	}

	env, err := h.envRepo.GetEnvironment(r.Context(), id)
	if HandleRepoError(w, h.logger, err, "environment not found") {
		return
	}

	result := h.client.Ping(r.Context(), env)

	Success(w, PingResponse{
		OK:            result.OK,
		InvalidAPIKey: result.InvalidAPIKey,
		Error:         result.Error,
	})
}

// ValidateEnvironment проверяет endpoint и его API-ключ (VALIDATE).
// POST /api/v1/environments/{id}/validate
func (h *Handler) ValidateEnvironment(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		BadRequest(w, "invalid environment id")
		return
	}

	env, err := h.envRepo.GetEnvironment(r.Context(), id)
	if HandleRepoError(w, h.logger, err, "environment not found") {
		return
	}

	result := h.client.Validate(r.Context(), env)

	Success(w, PingResponse{
		OK:            result.OK,
		InvalidAPIKey: result.InvalidAPIKey,
		Error:         result.Error,
	})
}

// IndexEnvironment запрашивает у endpoint'а каталог jobs/sources.
// POST /api/v1/environments/{id}/index
func (h *Handler) IndexEnvironment(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		BadRequest(w, "invalid environment id")
		return
	}

	env, err := h.envRepo.GetEnvironment(r.Context(), id)
	if HandleRepoError(w, h.logger, err, "environment not found") {
		return
	}

	result := h.client.IndexEndpoint(r.Context(), env)
	if result.Outcome != endpoint.OutcomeOK {
		h.logger.Warn("endpoint index failed",
			"environment_id", env.ID,
			"outcome", result.Outcome,
			"status_code", result.StatusCode,
		)
		BadGateway(w, "endpoint did not return a catalog")
		return
	}

	Success(w, IndexResponse{Catalog: result.Body})
}

// ProbeEnvironment калибрует потолок времени выполнения endpoint'а.
// POST /api/v1/environments/{id}/probe
//
// Синхронный вызов: probe держит запрос открытым до потолка endpoint'а,
// ответ может занять минуты.
func (h *Handler) ProbeEnvironment(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		BadRequest(w, "invalid environment id")
		return
	}

	env, err := h.envRepo.GetEnvironment(r.Context(), id)
	if HandleRepoError(w, h.logger, err, "environment not found") {
		return
	}

	limit, err := h.calibrator.Calibrate(r.Context(), env)
	if err != nil {
		h.logger.Warn("probe failed", "environment_id", env.ID, "error", err)
		BadGateway(w, "endpoint did not complete the probe")
		return
	}

	Success(w, ProbeResponse{LimitMs: limit.Milliseconds()})
}
