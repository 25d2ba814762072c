// Package telemetry — структурированное логирование и метрики.
//
// Логирование построено на log/slog: JSON для production, text для
// разработки. Метрики — prometheus; каждый daemon отдаёт их на /metrics.
package telemetry
