package domain

import (
	"time"

	"github.com/google/uuid"
)

// ProtocolVersion — версия протокола endpoint'а.
//
// Исторически сосуществуют две версии: legacy (v1) с yield-execution и
// отдельными статусами авторизации, и v2 с duration-based учётом времени.
// Версия хранится на environment и выбирает capability-дескриптор
// оркестратора.
type ProtocolVersion string

const (
	// ProtocolV1 — legacy-версия: yield execution, UNRESOLVED_AUTH_ERROR /
	// INVALID_PAYLOAD, учёт конкурентности через счётчик очереди.
	ProtocolV1 ProtocolVersion = "2023-01-25"

	// ProtocolV2 — текущая версия: duration-based учёт, continuation
	// напрямую от run.
	ProtocolV2 ProtocolVersion = "2023-09-29"
)

// Environment — окружение пользователя: куда и с каким ключом ходить.
type Environment struct {
	// ID — уникальный идентификатор окружения.
	ID uuid.UUID `json:"id"`

	// Slug — человекочитаемое имя (prod, staging, ...).
	Slug string `json:"slug"`

	// OrganizationID — организация-владелец.
	OrganizationID uuid.UUID `json:"organization_id"`

	// EndpointURL — URL endpoint'а, реализующего job-код.
	EndpointURL string `json:"endpoint_url"`

	// APIKey — ключ, которым подписываются запросы к endpoint'у.
	APIKey string `json:"api_key"`

	// Version — версия протокола endpoint'а.
	Version ProtocolVersion `json:"version"`

	// RunChunkExecutionLimitMs — откалиброванный потолок одного вызова
	// EXECUTE_JOB в миллисекундах (см. internal/probe).
	RunChunkExecutionLimitMs int64 `json:"run_chunk_execution_limit_ms"`

	// CreatedAt — время создания.
	CreatedAt time.Time `json:"created_at"`
}

// Organization — владелец окружений; несёт лимит времени выполнения.
type Organization struct {
	// ID — уникальный идентификатор организации.
	ID uuid.UUID `json:"id"`

	// Slug — человекочитаемое имя.
	Slug string `json:"slug"`

	// MaximumExecutionTimePerRunMs — жёсткий потолок суммарного
	// ExecutionDuration одного run.
	MaximumExecutionTimePerRunMs int64 `json:"maximum_execution_time_per_run_ms"`
}

// JobQueue — очередь job'ов: учёт числа выполняющихся runs.
//
// JobCount инкрементируется при постановке run и декрементируется
// при каждом терминальном исходе (только legacy-протокол; v2 выводит
// загрузку из статусов runs напрямую).
type JobQueue struct {
	// ID — уникальный идентификатор очереди.
	ID uuid.UUID `json:"id"`

	// Name — имя очереди.
	Name string `json:"name"`

	// JobCount — число runs в полёте.
	JobCount int `json:"job_count"`

	// MaxConcurrent — потолок одновременных runs.
	MaxConcurrent int `json:"max_concurrent"`
}
