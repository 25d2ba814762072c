package api

import (
	"net/http"
)

// RegisterRoutes регистрирует все маршруты API.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	// Middleware chain
	chain := Chain(
		Recovery(h.logger),
		Logging(h.logger),
		Metrics(),
	)

	// Runs
	mux.Handle("POST /api/v1/runs", chain(http.HandlerFunc(h.CreateRun)))
	mux.Handle("GET /api/v1/runs", chain(http.HandlerFunc(h.ListRuns)))
	mux.Handle("GET /api/v1/runs/{id}", chain(http.HandlerFunc(h.GetRun)))
	mux.Handle("POST /api/v1/runs/{id}/cancel", chain(http.HandlerFunc(h.CancelRun)))
	mux.Handle("GET /api/v1/runs/{id}/tasks", chain(http.HandlerFunc(h.ListRunTasks)))

	// Environments
	mux.Handle("GET /api/v1/environments", chain(http.HandlerFunc(h.ListEnvironments)))
	mux.Handle("POST /api/v1/environments/{id}/ping", chain(http.HandlerFunc(h.PingEnvironment)))
	mux.Handle("POST /api/v1/environments/{id}/validate", chain(http.HandlerFunc(h.ValidateEnvironment)))
	mux.Handle("POST /api/v1/environments/{id}/index", chain(http.HandlerFunc(h.IndexEnvironment)))
	mux.Handle("POST /api/v1/environments/{id}/probe", chain(http.HandlerFunc(h.ProbeEnvironment)))
}
