// Package probe — калибровка потолка времени выполнения endpoint'а.
//
// Endpoint просят держать PROBE_EXECUTION_TIMEOUT запрос открытым
// максимально допустимое время; реально продержанное время (шлюз может
// оборвать раньше) становится runChunkExecutionLimit окружения —
// таймаутом одного вызова EXECUTE_JOB.
package probe

import (
	"context"
	"log/slog"
	"time"

	"github.com/shaiso/Courier/internal/domain"
	"github.com/shaiso/Courier/internal/endpoint"
	"github.com/shaiso/Courier/internal/repo"
	"github.com/shaiso/Courier/internal/telemetry"
)

// Пределы калиброванного лимита.
const (
	// MinChunkLimit — ниже не опускаемся: слишком мелкие чанки множат
	// continuations без пользы.
	MinChunkLimit = 10 * time.Second

	// MaxChunkLimit — выше не поднимаемся: один вызов не должен
	// блокировать worker дольше.
	MaxChunkLimit = 5 * time.Minute

	// DefaultChunkLimit — до первой калибровки.
	DefaultChunkLimit = 60 * time.Second
)

// Calibrator прогоняет probe и сохраняет результат на окружении.
type Calibrator struct {
	client  *endpoint.Client
	envRepo *repo.EnvRepo
	logger  *slog.Logger
}

// NewCalibrator создаёт Calibrator.
func NewCalibrator(client *endpoint.Client, envRepo *repo.EnvRepo, logger *slog.Logger) *Calibrator {
	return &Calibrator{client: client, envRepo: envRepo, logger: logger}
}

// Calibrate измеряет потолок endpoint'а и сохраняет клампированное
// значение. Возвращает итоговый лимит.
func (c *Calibrator) Calibrate(ctx context.Context, env *domain.Environment) (time.Duration, error) {
	result := c.client.Probe(ctx, env, MaxChunkLimit)

	limit := Clamp(result.Elapsed)
	if !result.Completed && result.Elapsed < MinChunkLimit {
		// Endpoint не дожил даже до минимума — оставляем default,
		// вероятно временный сбой, а не реальный потолок.
		limit = DefaultChunkLimit
	}

	if err := c.envRepo.UpdateChunkLimit(ctx, env.ID, limit.Milliseconds()); err != nil {
		return 0, err
	}

	telemetry.WithEnvironmentID(c.logger, env.ID.String()).Info(
		"endpoint execution limit calibrated",
		"elapsed", result.Elapsed,
		"limit", limit,
		"completed", result.Completed,
	)

	return limit, nil
}

// Clamp зажимает измеренное значение в [MinChunkLimit, MaxChunkLimit].
func Clamp(d time.Duration) time.Duration {
	if d < MinChunkLimit {
		return MinChunkLimit
	}
	if d > MaxChunkLimit {
		return MaxChunkLimit
	}
	return d
}
