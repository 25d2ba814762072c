// Package dispatch реализует релей continuation-outbox'а и доставку
// run-уведомлений.
//
// Dispatcher периодически выбирает наступившие continuations из
// Postgres-outbox'а и публикует их в RabbitMQ для runner'ов. Outbox —
// источник истины: continuation вставляется оркестратором в одной
// транзакции с изменением состояния run, поэтому потеря MQ-сообщения
// не теряет прогресс (перепубликация stale-строк + polling fallback
// runner'а).
//
// Структура:
//   - dispatcher.go — релей outbox → MQ (Tick, RequeueStale)
//   - notifier.go   — consumer runs.finished: доставка уведомлений
//     endpoint'у run'а и внешнему webhook-подписчику
//
// Leader Election:
//
// Dispatcher не реализует leader election самостоятельно.
// Это делается в main.go через pg_try_advisory_lock.
// Метод Tick() вызывается только лидером.
package dispatch
