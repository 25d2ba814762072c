package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Метрики протокола и оркестратора.
//
// Labels:
//   - action: значение заголовка x-trigger-action
//   - outcome: ok | no_response | http_error | timeout | invalid_body
//   - status: терминальный статус run
//   - reason: PREPROCESS | EXECUTE_JOB
var (
	// EndpointRequests — счётчик запросов к endpoint'ам пользователей.
	EndpointRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "courier_endpoint_requests_total",
		Help: "Requests issued to user endpoints by action and outcome",
	}, []string{"action", "outcome"})

	// EndpointRequestDuration — длительность запросов к endpoint'ам.
	EndpointRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "courier_endpoint_request_duration_seconds",
		Help:    "Duration of requests to user endpoints",
		Buckets: []float64{0.05, 0.25, 1, 5, 15, 30, 60, 120},
	}, []string{"action"})

	// RunsFinished — счётчик завершённых runs по терминальному статусу.
	RunsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "courier_runs_finished_total",
		Help: "Runs reaching a terminal status",
	}, []string{"status"})

	// ContinuationsEnqueued — счётчик поставленных continuations.
	ContinuationsEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "courier_continuations_enqueued_total",
		Help: "Continuations enqueued by reason",
	}, []string{"reason"})

	// NotificationsDelivered — счётчик доставок run-уведомлений.
	NotificationsDelivered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "courier_run_notifications_total",
		Help: "Outbound run notifications by result",
	}, []string{"result"})

	// APIRequestDuration — длительность запросов к управляющему API.
	APIRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "courier_api_request_duration_seconds",
		Help:    "Duration of control API requests",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "status"})
)
