// Package api содержит HTTP API сервер.
//
// Структура:
//   - handler.go     — Handler с DI (pool, репозитории, publisher, logger)
//   - routes.go      — регистрация маршрутов
//   - middleware.go  — middleware (logging, recovery, metrics)
//   - response.go    — унифицированные JSON-ответы и обработка ошибок
//   - dto.go         — Data Transfer Objects (request/response)
//   - run_handler.go — обработчики для /runs
//   - env_handler.go — обработчики для /environments (ping, validate, index, probe)
//
// API — управляющая поверхность платформы: создание и отмена runs,
// инспекция tasks, проверка и калибровка endpoint'ов. Это внешний
// актор из протокола: именно отсюда run получает статус CANCELED.
package api
