// Package mq предоставляет инфраструктуру для работы с RabbitMQ.
//
// Структура:
//   - connection.go — управление соединением с RabbitMQ (reconnect, graceful shutdown)
//   - topology.go   — объявление exchanges, queues, bindings
//   - publisher.go  — публикация сообщений в очереди
//   - consumer.go   — потребление сообщений из очередей
//
// Типы сообщений:
//   - continuation.due — continuation готова к выполнению (runner)
//   - run.finished     — run достиг терминального статуса (dispatcher)
//
// MQ здесь — транспорт уведомлений, не источник истины: каждая
// continuation сначала фиксируется в Postgres той же транзакцией,
// что и изменение состояния run'а, и лишь затем релеится в очередь.
// Потеря или дублирование сообщения не ломает семантику — runner
// обрабатывает continuations идемпотентно, а polling-fallback
// подбирает то, что очередь не донесла.
package mq
