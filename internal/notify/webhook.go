package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/shaiso/Courier/internal/domain"
	"github.com/shaiso/Courier/internal/telemetry"
)

const deliverTimeout = 30 * time.Second

// SignatureHeader — заголовок подписи тела уведомления.
const SignatureHeader = "X-Trigger-Signature-256"

// RunNotification — payload уведомления о статусе run.
type RunNotification struct {
	ID                  string          `json:"id"`
	JobID               string          `json:"jobId"`
	Status              string          `json:"status"`
	Output              json.RawMessage `json:"output,omitempty"`
	ExecutionCount      int             `json:"executionCount"`
	ExecutionDurationMs int64           `json:"executionDuration"`
	StartedAt           *time.Time      `json:"startedAt,omitempty"`
	CompletedAt         *time.Time      `json:"completedAt,omitempty"`
}

// FromRun строит уведомление из run'а.
func FromRun(run *domain.Run) *RunNotification {
	return &RunNotification{
		ID:                  run.ID.String(),
		JobID:               run.JobID,
		Status:              string(run.Status),
		Output:              run.Output,
		ExecutionCount:      run.ExecutionCount,
		ExecutionDurationMs: run.ExecutionDurationMs,
		StartedAt:           run.StartedAt,
		CompletedAt:         run.CompletedAt,
	}
}

// Deliverer доставляет уведомления подписчикам.
type Deliverer struct {
	httpClient *http.Client
	logger     *slog.Logger
}

// NewDeliverer создаёт Deliverer.
func NewDeliverer(logger *slog.Logger) *Deliverer {
	return &Deliverer{
		httpClient: &http.Client{Timeout: deliverTimeout},
		logger:     logger,
	}
}

// Deliver отправляет уведомление на url, подписав тело ключом secret.
func (d *Deliverer) Deliver(ctx context.Context, url, secret string, notification *RunNotification) error {
	body, err := json.Marshal(notification)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, Sign(body, secret))

	resp, err := d.httpClient.Do(req)
	if err != nil {
		telemetry.NotificationsDelivered.WithLabelValues("unreachable").Inc()
		return fmt.Errorf("deliver notification: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		telemetry.NotificationsDelivered.WithLabelValues("rejected").Inc()
		return fmt.Errorf("deliver notification: subscriber returned HTTP %d", resp.StatusCode)
	}

	telemetry.NotificationsDelivered.WithLabelValues("ok").Inc()

	d.logger.Debug("run notification delivered",
		"url", url,
		"run_id", notification.ID,
		"status", notification.Status,
	)

	return nil
}

// Sign возвращает hex HMAC-SHA256 подписи body ключом secret.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
