package api

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/Courier/internal/domain"
)

// CreateRunRequest — запрос на создание run.
type CreateRunRequest struct {
	// EnvironmentID — окружение, в котором выполняется job.
	EnvironmentID uuid.UUID `json:"environment_id"`

	// JobID — слаг job'а.
	JobID string `json:"job_id"`

	// QueueID — очередь для учёта конкурентности.
	QueueID uuid.UUID `json:"queue_id"`

	// Payload — событие, с которым запускается run.
	Payload json.RawMessage `json:"payload,omitempty"`
}

// RunResponse — представление run в API.
type RunResponse struct {
	ID                  uuid.UUID       `json:"id"`
	JobID               string          `json:"job_id"`
	EnvironmentID       uuid.UUID       `json:"environment_id"`
	Status              string          `json:"status"`
	Output              json.RawMessage `json:"output,omitempty"`
	Properties          json.RawMessage `json:"properties,omitempty"`
	ExecutionCount      int             `json:"execution_count"`
	ExecutionDurationMs int64           `json:"execution_duration_ms"`
	StartedAt           *time.Time      `json:"started_at,omitempty"`
	CompletedAt         *time.Time      `json:"completed_at,omitempty"`
	CreatedAt           time.Time       `json:"created_at"`
}

// RunFromDomain конвертирует доменный run в DTO.
func RunFromDomain(run domain.Run) RunResponse {
	return RunResponse{
		ID:                  run.ID,
		JobID:               run.JobID,
		EnvironmentID:       run.EnvironmentID,
		Status:              string(run.Status),
		Output:              run.Output,
		Properties:          run.Properties,
		ExecutionCount:      run.ExecutionCount,
		ExecutionDurationMs: run.ExecutionDurationMs,
		StartedAt:           run.StartedAt,
		CompletedAt:         run.CompletedAt,
		CreatedAt:           run.CreatedAt,
	}
}

// TaskResponse — представление task в API.
type TaskResponse struct {
	ID             uuid.UUID       `json:"id"`
	IdempotencyKey string          `json:"idempotency_key"`
	Status         string          `json:"status"`
	Noop           bool            `json:"noop"`
	Output         json.RawMessage `json:"output,omitempty"`
	ParentID       *uuid.UUID      `json:"parent_id,omitempty"`
	DelayUntil     *time.Time      `json:"delay_until,omitempty"`
	Operation      string          `json:"operation,omitempty"`
	Error          json.RawMessage `json:"error,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// TaskFromDomain конвертирует доменный task в DTO.
func TaskFromDomain(t domain.Task) TaskResponse {
	return TaskResponse{
		ID:             t.ID,
		IdempotencyKey: t.IdempotencyKey,
		Status:         string(t.Status),
		Noop:           t.Noop,
		Output:         t.Output,
		ParentID:       t.ParentID,
		DelayUntil:     t.DelayUntil,
		Operation:      t.Operation,
		Error:          t.Error,
		CreatedAt:      t.CreatedAt,
	}
}

// EnvironmentResponse — представление окружения в API.
// APIKey наружу не отдаётся.
type EnvironmentResponse struct {
	ID                       uuid.UUID `json:"id"`
	Slug                     string    `json:"slug"`
	EndpointURL              string    `json:"endpoint_url"`
	Version                  string    `json:"version"`
	RunChunkExecutionLimitMs int64     `json:"run_chunk_execution_limit_ms"`
}

// EnvironmentFromDomain конвертирует доменное окружение в DTO.
func EnvironmentFromDomain(env domain.Environment) EnvironmentResponse {
	return EnvironmentResponse{
		ID:                       env.ID,
		Slug:                     env.Slug,
		EndpointURL:              env.EndpointURL,
		Version:                  string(env.Version),
		RunChunkExecutionLimitMs: env.RunChunkExecutionLimitMs,
	}
}

// PingResponse — результат проверки endpoint'а.
type PingResponse struct {
	OK            bool   `json:"ok"`
	InvalidAPIKey bool   `json:"invalid_api_key,omitempty"`
	Error         string `json:"error,omitempty"`
}

// ProbeResponse — результат калибровки endpoint'а.
type ProbeResponse struct {
	LimitMs int64 `json:"limit_ms"`
}

// IndexResponse — каталог jobs/sources, как его отдал endpoint.
// Тело не интерпретируется, отдаётся как есть.
type IndexResponse struct {
	Catalog json.RawMessage `json:"catalog"`
}
