// Package endpoint — типизированный RPC-over-HTTP клиент протокола
// endpoint'ов пользователей.
//
// Каждый метод выполняет ровно один HTTP POST на URL окружения с
// заголовком x-trigger-action, идентифицирующим действие, и разбирает
// JSON-ответ по схеме этого действия.
//
// Клиент никогда не возвращает Go-ошибку на сетевой сбой: результат
// вызова несёт явный discriminator Outcome, чтобы оркестратор отличал
// «endpoint недоступен» (retryable) от «endpoint вернул ошибку»
// (смотреть на статус-код) и от «endpoint сломан» (невалидный JSON,
// постоянная ошибка).
package endpoint
