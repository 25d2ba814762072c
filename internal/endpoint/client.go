package endpoint

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/shaiso/Courier/internal/domain"
	"github.com/shaiso/Courier/internal/telemetry"
)

const (
	defaultTimeout   = 30 * time.Second
	defaultUserAgent = "courier/1.0"

	// maxResponseBytes — потолок читаемого тела ответа.
	maxResponseBytes = 10 << 20
)

// Client — клиент протокола endpoint'ов. Чистый transport/marshalling
// слой: никаких side effects кроме самого HTTP-вызова.
type Client struct {
	httpClient *http.Client
	userAgent  string
	logger     *slog.Logger
}

// Config — конфигурация Client.
type Config struct {
	// HTTPClient — опционально; по умолчанию клиент без общего таймаута
	// (таймаут задаётся per-call через context).
	HTTPClient *http.Client

	// UserAgent — значение заголовка user-agent.
	UserAgent string

	// Logger — логгер.
	Logger *slog.Logger
}

// NewClient создаёт новый Client.
func NewClient(cfg Config) *Client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}

	userAgent := cfg.UserAgent
	if userAgent == "" {
		userAgent = defaultUserAgent
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		httpClient: httpClient,
		userAgent:  userAgent,
		logger:     logger,
	}
}

// rawResult — сырой исход одного POST до классификации по схеме действия.
type rawResult struct {
	noResponse bool
	statusCode int
	header     http.Header
	body       []byte
	duration   time.Duration
}

// post выполняет один HTTP POST с заголовками протокола.
// Сетевой сбой не является ошибкой — он кодируется в noResponse.
func (c *Client) post(ctx context.Context, env *domain.Environment, action Action, payload any, timeout time.Duration) rawResult {
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	body, err := json.Marshal(payload)
	if err != nil {
		// Наши типы запросов всегда сериализуемы; сюда попадает только
		// программная ошибка — трактуем как недоступность.
		c.logger.Error("marshal request", "action", action, "error", err)
		return rawResult{noResponse: true}
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, env.EndpointURL, bytes.NewReader(body))
	if err != nil {
		c.logger.Error("create request", "action", action, "error", err)
		return rawResult{noResponse: true}
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set(HeaderAPIKey, env.APIKey)
	req.Header.Set(HeaderAction, string(action))
	req.Header.Set(HeaderVersion, string(env.Version))

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		elapsed := time.Since(start)
		c.logger.Debug("endpoint unreachable",
			"action", action,
			"url", env.EndpointURL,
			"error", err,
		)
		telemetry.EndpointRequests.WithLabelValues(string(action), string(OutcomeNoResponse)).Inc()
		return rawResult{noResponse: true, duration: elapsed}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	elapsed := time.Since(start)
	if err != nil {
		// Обрыв посреди тела — эквивалент недоступности.
		telemetry.EndpointRequests.WithLabelValues(string(action), string(OutcomeNoResponse)).Inc()
		return rawResult{noResponse: true, duration: elapsed}
	}

	telemetry.EndpointRequestDuration.WithLabelValues(string(action)).Observe(elapsed.Seconds())

	return rawResult{
		statusCode: resp.StatusCode,
		header:     resp.Header,
		body:       respBody,
		duration:   elapsed,
	}
}

// callInfo строит CallInfo из сырого результата.
func (raw rawResult) callInfo(outcome Outcome) CallInfo {
	return CallInfo{
		Outcome:    outcome,
		StatusCode: raw.statusCode,
		Duration:   raw.duration,
		SDKVersion: raw.header.Get(HeaderEchoSDKVersion),
		APIVersion: raw.header.Get(HeaderEchoVersion),
	}
}

// ExecuteJob выполняет шаг EXECUTE_JOB.
//
// timeout — откалиброванный потолок одного вызова (environment's
// runChunkExecutionLimit); вызов может блокироваться на десятки секунд.
func (c *Client) ExecuteJob(ctx context.Context, env *domain.Environment, req *ExecuteRequest, timeout time.Duration) *ExecuteResult {
	raw := c.post(ctx, env, ActionExecuteJob, req, timeout)

	result := &ExecuteResult{}

	switch {
	case raw.noResponse:
		result.CallInfo = raw.callInfo(OutcomeNoResponse)

	case isSoftTimeout(raw.statusCode, raw.body):
		result.CallInfo = raw.callInfo(OutcomeTimeout)

	case raw.statusCode >= 200 && raw.statusCode < 300:
		var resp ExecuteResponse
		if err := json.Unmarshal(raw.body, &resp); err != nil || !knownExecStatuses[resp.Status] {
			result.CallInfo = raw.callInfo(OutcomeInvalidBody)
			break
		}
		result.CallInfo = raw.callInfo(OutcomeOK)
		result.Response = &resp

	default:
		result.CallInfo = raw.callInfo(OutcomeHTTPError)
		// 4xx может нести разобранное тело ошибки с флагом retryable.
		var errBody ErrorPayload
		if json.Unmarshal(raw.body, &errBody) == nil && errBody.Message != "" {
			result.ErrorBody = &errBody
		}
	}

	c.recordOutcome(ActionExecuteJob, result.Outcome, raw.noResponse)
	return result
}

// PreprocessRun выполняет шаг PREPROCESS_RUN.
func (c *Client) PreprocessRun(ctx context.Context, env *domain.Environment, req *PreprocessRequest) *PreprocessResult {
	raw := c.post(ctx, env, ActionPreprocessRun, req, defaultTimeout)

	result := &PreprocessResult{}

	switch {
	case raw.noResponse:
		result.CallInfo = raw.callInfo(OutcomeNoResponse)

	case raw.statusCode >= 200 && raw.statusCode < 300:
		var resp PreprocessResponse
		if err := json.Unmarshal(raw.body, &resp); err != nil {
			result.CallInfo = raw.callInfo(OutcomeInvalidBody)
			break
		}
		result.CallInfo = raw.callInfo(OutcomeOK)
		result.Response = &resp

	case isSoftTimeout(raw.statusCode, raw.body):
		result.CallInfo = raw.callInfo(OutcomeTimeout)

	default:
		result.CallInfo = raw.callInfo(OutcomeHTTPError)
	}

	c.recordOutcome(ActionPreprocessRun, result.Outcome, raw.noResponse)
	return result
}

// Ping проверяет достижимость endpoint'а (регистрация окружения).
func (c *Client) Ping(ctx context.Context, env *domain.Environment) *PingResult {
	return c.pingLike(ctx, env, ActionPing)
}

// Validate проверяет endpoint и его API-ключ (действие VALIDATE).
func (c *Client) Validate(ctx context.Context, env *domain.Environment) *PingResult {
	return c.pingLike(ctx, env, ActionValidate)
}

func (c *Client) pingLike(ctx context.Context, env *domain.Environment, action Action) *PingResult {
	raw := c.post(ctx, env, action, struct{}{}, defaultTimeout)

	switch {
	case raw.noResponse:
		return &PingResult{Error: "could not connect to endpoint"}

	case raw.statusCode == http.StatusUnauthorized:
		return &PingResult{InvalidAPIKey: true, Error: "invalid API key"}

	case raw.statusCode >= 200 && raw.statusCode < 300:
		var resp struct {
			OK    bool   `json:"ok"`
			Error string `json:"error,omitempty"`
		}
		if err := json.Unmarshal(raw.body, &resp); err != nil {
			// Непарсабельное тело — общая ошибка связности.
			return &PingResult{Error: "endpoint returned an unexpected response"}
		}
		return &PingResult{OK: resp.OK, Error: resp.Error}

	default:
		return &PingResult{Error: fmt.Sprintf("endpoint returned HTTP %d", raw.statusCode)}
	}
}

// IndexEndpoint запрашивает каталог jobs/sources endpoint'а.
func (c *Client) IndexEndpoint(ctx context.Context, env *domain.Environment) *IndexResult {
	raw := c.post(ctx, env, ActionIndexEndpoint, struct{}{}, defaultTimeout)

	result := &IndexResult{}

	switch {
	case raw.noResponse:
		result.CallInfo = raw.callInfo(OutcomeNoResponse)

	case raw.statusCode >= 200 && raw.statusCode < 300:
		if !json.Valid(raw.body) {
			result.CallInfo = raw.callInfo(OutcomeInvalidBody)
			break
		}
		result.CallInfo = raw.callInfo(OutcomeOK)
		result.Body = json.RawMessage(raw.body)

	default:
		result.CallInfo = raw.callInfo(OutcomeHTTPError)
	}

	return result
}

// Probe измеряет реальный потолок времени выполнения endpoint'а:
// просит endpoint держать запрос открытым timeout миллисекунд и меряет,
// сколько он реально продержал (шлюз может оборвать раньше).
func (c *Client) Probe(ctx context.Context, env *domain.Environment, timeout time.Duration) *ProbeResult {
	payload := struct {
		Timeout int64 `json:"timeout"`
	}{Timeout: timeout.Milliseconds()}

	// Даём запас сверх запрошенного, чтобы отличить ответ endpoint'а
	// от нашего собственного обрыва.
	raw := c.post(ctx, env, ActionProbeExecutionTimeout, payload, timeout+15*time.Second)

	return &ProbeResult{
		Elapsed:    raw.duration,
		Completed:  !raw.noResponse && raw.statusCode >= 200 && raw.statusCode < 300,
		StatusCode: raw.statusCode,
	}
}

// DeliverRunNotification отправляет run-статус на собственный endpoint
// run'а (fire-and-forget; endpoint сам является получателем уведомления).
func (c *Client) DeliverRunNotification(ctx context.Context, env *domain.Environment, notification any) error {
	raw := c.post(ctx, env, ActionRunNotification, notification, defaultTimeout)

	if raw.noResponse {
		return fmt.Errorf("deliver run notification: endpoint unreachable")
	}
	if raw.statusCode < 200 || raw.statusCode >= 300 {
		return fmt.Errorf("deliver run notification: endpoint returned HTTP %d", raw.statusCode)
	}
	return nil
}

// recordOutcome инкрементирует метрику исходов (no_response уже учтён в post).
func (c *Client) recordOutcome(action Action, outcome Outcome, noResponse bool) {
	if noResponse {
		return
	}
	telemetry.EndpointRequests.WithLabelValues(string(action), string(outcome)).Inc()
}

// isSoftTimeout определяет soft timeout.
//
// 504/408 — всегда таймаут. Дополнительно: 5xx с не-JSON телом,
// содержащим "timeout"/"timed out" — шлюзы endpoint'а часто отдают
// текстовую страницу вместо корректного 504.
func isSoftTimeout(statusCode int, body []byte) bool {
	if statusCode == http.StatusGatewayTimeout || statusCode == http.StatusRequestTimeout {
		return true
	}

	if statusCode >= 500 && !json.Valid(body) {
		s := strings.ToLower(string(body))
		if strings.Contains(s, "timed out") || strings.Contains(s, "timeout") {
			return true
		}
	}

	return false
}
