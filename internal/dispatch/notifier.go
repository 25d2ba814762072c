package dispatch

import (
	"context"
	"errors"
	"log/slog"

	"github.com/shaiso/Courier/internal/endpoint"
	"github.com/shaiso/Courier/internal/mq"
	"github.com/shaiso/Courier/internal/notify"
	"github.com/shaiso/Courier/internal/repo"
	"github.com/shaiso/Courier/internal/telemetry"
)

// Notifier доставляет уведомления о завершённых runs.
//
// Потребляет runs.finished и отправляет два вида уведомлений:
//   - RUN_NOTIFICATION на endpoint самого run'а (endpoint может быть
//     и получателем уведомлений)
//   - подписанный webhook на внешний URL подписчика, если настроен
//
// Сообщение из MQ — подсказка: статус перечитывается из БД, незавершённый
// run пропускается молча.
type Notifier struct {
	runs    *repo.RunRepo
	envs    *repo.EnvRepo
	client  *endpoint.Client
	webhook *notify.Deliverer

	// webhookURL — внешний подписчик на завершения runs (опционально).
	webhookURL string

	logger *slog.Logger
}

// NotifierConfig — конфигурация Notifier.
type NotifierConfig struct {
	Runs       *repo.RunRepo
	Envs       *repo.EnvRepo
	Client     *endpoint.Client
	Webhook    *notify.Deliverer
	WebhookURL string
	Logger     *slog.Logger
}

// NewNotifier создаёт Notifier.
func NewNotifier(cfg NotifierConfig) *Notifier {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		runs:       cfg.Runs,
		envs:       cfg.Envs,
		client:     cfg.Client,
		webhook:    cfg.Webhook,
		webhookURL: cfg.WebhookURL,
		logger:     logger,
	}
}

// HandleRunFinished обрабатывает событие run.finished.
//
// Ошибки доставки логируются, но не возвращаются: доставка уведомлений
// fire-and-forget, повторный requeue лишь продублирует уведомление.
func (n *Notifier) HandleRunFinished(ctx context.Context, delivery *mq.Delivery) error {
	payload, err := mq.ParsePayload[mq.RunFinishedPayload](&delivery.Message)
	if err != nil {
		telemetry.FromContext(ctx).Error("failed to parse run.finished payload", "error", err)
		return err
	}

	logger := telemetry.WithRunID(n.logger, payload.RunID.String())

	run, err := n.runs.GetByID(ctx, payload.RunID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			logger.Warn("finished run not found, dropping")
			return nil
		}
		return err
	}

	// Событие могло опередить откат транзакции оркестратора.
	if !run.IsFinished() {
		logger.Debug("run not finished yet, dropping hint")
		return nil
	}

	env, err := n.envs.GetEnvironment(ctx, run.EnvironmentID)
	if err != nil {
		return err
	}

	notification := notify.FromRun(run)

	if err := n.client.DeliverRunNotification(ctx, env, notification); err != nil {
		logger.Warn("run notification to endpoint failed", "error", err)
	}

	if n.webhookURL != "" {
		if err := n.webhook.Deliver(ctx, n.webhookURL, env.APIKey, notification); err != nil {
			logger.Warn("run notification webhook failed",
				"url", n.webhookURL, "error", err)
		}
	}

	return nil
}
