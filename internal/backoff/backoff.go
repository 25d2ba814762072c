// Package backoff — политика экспоненциальной задержки retry.
//
// Применяется только к PREPROCESS/EXECUTE_JOB попыткам, классифицированным
// как retryable-but-not-timeout. Soft-timeout (HTTP 504/408) не проходит
// через эту политику: таймауты не тратят retryCount, только суммарный
// ExecutionDuration.
package backoff

import (
	"math"
	"time"
)

const (
	initialDelayMs = 500
	factor         = 1.5
)

// Delay вычисляет задержку перед retry номер retryCount.
//
//	delay(n) = round(500 * 1.5^(n-1)) миллисекунд
//
// delay(1) = 500ms, delay(2) = 750ms, delay(3) = 1125ms, ...
func Delay(retryCount int) time.Duration {
	if retryCount < 1 {
		retryCount = 1
	}
	ms := math.Round(initialDelayMs * math.Pow(factor, float64(retryCount-1)))
	return time.Duration(ms) * time.Millisecond
}

// ExceedsLimit возвращает true, если следующая попытка превысит потолок.
// В этом случае попытка конвертируется в постоянную ошибку.
func ExceedsLimit(retryCount, retryLimit int) bool {
	return retryCount+1 > retryLimit
}
