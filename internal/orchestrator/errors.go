package orchestrator

import "errors"

// Ошибки оркестратора.
var (
	// ErrUnknownReason — continuation с неизвестным шагом протокола.
	// Это баг, а не пользовательская ошибка: сообщение уходит в DLQ.
	ErrUnknownReason = errors.New("unknown execution reason")

	// ErrUnknownStatus — endpoint вернул статус, который decision table
	// не знает. Клиент протокола обязан был отсеять его как invalid
	// body, поэтому сюда попадаем только из-за бага.
	ErrUnknownStatus = errors.New("unknown execution status")
)
