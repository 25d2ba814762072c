package probe

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/shaiso/Courier/internal/repo"
)

// cronParser — парсер cron-выражений (стандартные 5 полей).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Recalibrator периодически перекалибровывает потолки выполнения всех
// окружений по cron-расписанию. PaaS-провайдеры меняют лимиты без
// предупреждения, поэтому разовая калибровка при регистрации устаревает.
type Recalibrator struct {
	calibrator *Calibrator
	envs       *repo.EnvRepo
	schedule   cron.Schedule
	logger     *slog.Logger
}

// NewRecalibrator создаёт Recalibrator по cron-выражению.
func NewRecalibrator(calibrator *Calibrator, envs *repo.EnvRepo, cronExpr string, logger *slog.Logger) (*Recalibrator, error) {
	schedule, err := cronParser.Parse(cronExpr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", cronExpr, err)
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Recalibrator{
		calibrator: calibrator,
		envs:       envs,
		schedule:   schedule,
		logger:     logger,
	}, nil
}

// Run выполняет рекалибровку по расписанию до отмены контекста.
func (r *Recalibrator) Run(ctx context.Context) error {
	for {
		next := r.schedule.Next(time.Now())
		timer := time.NewTimer(time.Until(next))

		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		r.RecalibrateAll(ctx)
	}
}

// RecalibrateAll перекалибровывает все окружения по очереди.
// Ошибки отдельных окружений логируются, остальные не блокируются.
func (r *Recalibrator) RecalibrateAll(ctx context.Context) {
	envs, err := r.envs.ListEnvironments(ctx)
	if err != nil {
		r.logger.Error("failed to list environments for recalibration", "error", err)
		return
	}

	r.logger.Info("recalibrating environments", "count", len(envs))

	for i := range envs {
		env := &envs[i]
		limit, err := r.calibrator.Calibrate(ctx, env)
		if err != nil {
			r.logger.Warn("recalibration failed",
				"environment_id", env.ID,
				"error", err,
			)
			continue
		}
		r.logger.Info("environment recalibrated",
			"environment_id", env.ID,
			"limit_ms", limit.Milliseconds(),
		)
	}
}
