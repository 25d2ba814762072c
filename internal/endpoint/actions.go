package endpoint

// Action — значение заголовка x-trigger-action.
type Action string

// Действия протокола.
const (
	ActionPing                  Action = "PING"
	ActionIndexEndpoint         Action = "INDEX_ENDPOINT"
	ActionExecuteJob            Action = "EXECUTE_JOB"
	ActionPreprocessRun         Action = "PREPROCESS_RUN"
	ActionInitializeTrigger     Action = "INITIALIZE_TRIGGER"
	ActionDeliverHTTPSource     Action = "DELIVER_HTTP_SOURCE_REQUEST"
	ActionDeliverWebhook        Action = "DELIVER_WEBHOOK_REQUEST"
	ActionDeliverHTTPEndpoint   Action = "DELIVER_HTTP_ENDPOINT_REQUEST_FOR_RESPONSE"
	ActionValidate              Action = "VALIDATE"
	ActionProbeExecutionTimeout Action = "PROBE_EXECUTION_TIMEOUT"
	ActionRunNotification       Action = "RUN_NOTIFICATION"
)

// Заголовки запроса.
const (
	HeaderAPIKey  = "x-trigger-api-key"
	HeaderAction  = "x-trigger-action"
	HeaderVersion = "x-trigger-version"
)

// Заголовки ответа, отражаемые в результат вызова.
const (
	HeaderEchoVersion    = "trigger-version"
	HeaderEchoSDKVersion = "trigger-sdk-version"
)

// Outcome — исход одного вызова протокола.
//
// Closed set: оркестратор матчится по нему исчерпывающе.
type Outcome string

const (
	// OutcomeOK — 2xx с валидным телом по схеме действия.
	OutcomeOK Outcome = "ok"

	// OutcomeNoResponse — endpoint недоступен (сетевой сбой). Retryable.
	OutcomeNoResponse Outcome = "no_response"

	// OutcomeHTTPError — не-2xx статус, не являющийся таймаутом.
	OutcomeHTTPError Outcome = "http_error"

	// OutcomeTimeout — soft timeout: 504/408 либо эвристика по телу.
	// Не ошибка: endpoint упёрся в собственный потолок времени.
	OutcomeTimeout Outcome = "timeout"

	// OutcomeInvalidBody — 2xx, но тело не парсится или не
	// соответствует схеме. Endpoint считается сломанным: permanent.
	OutcomeInvalidBody Outcome = "invalid_body"
)
