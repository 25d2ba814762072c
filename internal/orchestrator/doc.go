// Package orchestrator — state machine, продвигающий run через шаги
// протокола endpoint'а.
//
// Точка входа — Advance(continuationID): загрузить continuation и run,
// выполнить один вызов протокола (PREPROCESS_RUN или EXECUTE_JOB),
// применить decision table к результату и зафиксировать все изменения
// состояния вместе с постановкой следующего continuation в одной
// транзакции БД.
//
// Транзакционность — центральный инвариант корректности: если процесс
// умирает после вызова endpoint'а, но до коммита, at-least-once
// redelivery очереди повторит Advance, и endpoint обязан быть
// идемпотентным per task (replay-кэш из internal/replay позволяет ему
// не выполнять завершённые шаги заново). Обратное тоже верно: никогда
// не коммитим изменение состояния без постановки continuation — иначе
// run молча застревает.
//
// Различия версий протокола (yield execution, статусы авторизации,
// учёт очереди) инкапсулированы в Capabilities — один state machine
// вместо параллельных реализаций на версию.
package orchestrator
