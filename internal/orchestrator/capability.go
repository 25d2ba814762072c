package orchestrator

import (
	"github.com/shaiso/Courier/internal/domain"
	"github.com/shaiso/Courier/internal/endpoint"
)

// Capabilities — дескриптор возможностей версии протокола.
//
// Исторически сосуществовали почти одинаковые оркестраторы на версию
// протокола; вместо параллельных реализаций один state machine
// параметризуется этим дескриптором.
type Capabilities struct {
	// SupportsYieldExecution — endpoint может вернуть YIELD_EXECUTION:
	// записать ключ yield'а на run и продолжить свежим EXECUTE_JOB.
	SupportsYieldExecution bool

	// SupportsAuthStatuses — endpoint может вернуть
	// UNRESOLVED_AUTH_ERROR / INVALID_PAYLOAD как отдельные
	// терминальные статусы.
	SupportsAuthStatuses bool

	// TracksQueueCounts — конкурентность учитывается явным счётчиком
	// на очереди: каждый терминальный исход обязан освободить слот
	// в той же транзакции. Иначе загрузка выводится из статусов runs.
	TracksQueueCounts bool
}

// CapabilitiesFor возвращает дескриптор для версии протокола.
func CapabilitiesFor(v domain.ProtocolVersion) Capabilities {
	switch v {
	case domain.ProtocolV1:
		return Capabilities{
			SupportsYieldExecution: true,
			SupportsAuthStatuses:   true,
			TracksQueueCounts:      true,
		}
	default:
		return Capabilities{}
	}
}

// Allows проверяет, допустим ли статус ответа для этой версии протокола.
// Недопустимый статус трактуется как сломанный endpoint (permanent
// failure), не как retryable-ошибка.
func (c Capabilities) Allows(status endpoint.ExecStatus) bool {
	switch status {
	case endpoint.ExecStatusSuccess,
		endpoint.ExecStatusResumeWithTask,
		endpoint.ExecStatusRetryWithTask,
		endpoint.ExecStatusError,
		endpoint.ExecStatusCanceled:
		return true
	case endpoint.ExecStatusYieldExecution:
		return c.SupportsYieldExecution
	case endpoint.ExecStatusUnresolvedAuth, endpoint.ExecStatusInvalidPayload:
		return c.SupportsAuthStatuses
	default:
		return false
	}
}
