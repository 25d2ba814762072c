package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// --- Response types (дублируются из api/dto.go, CLI не импортирует internal/api) ---

// RunResponse — run из API.
type RunResponse struct {
	ID                  string          `json:"id"`
	JobID               string          `json:"job_id"`
	EnvironmentID       string          `json:"environment_id"`
	Status              string          `json:"status"`
	Output              json.RawMessage `json:"output,omitempty"`
	ExecutionCount      int             `json:"execution_count"`
	ExecutionDurationMs int64           `json:"execution_duration_ms"`
	StartedAt           string          `json:"started_at,omitempty"`
	CompletedAt         string          `json:"completed_at,omitempty"`
	CreatedAt           string          `json:"created_at"`
}

// TaskResponse — task из API.
type TaskResponse struct {
	ID             string          `json:"id"`
	IdempotencyKey string          `json:"idempotency_key"`
	Status         string          `json:"status"`
	Noop           bool            `json:"noop"`
	Output         json.RawMessage `json:"output,omitempty"`
	Operation      string          `json:"operation,omitempty"`
	CreatedAt      string          `json:"created_at"`
}

// EnvironmentResponse — окружение из API.
type EnvironmentResponse struct {
	ID                       string `json:"id"`
	Slug                     string `json:"slug"`
	EndpointURL              string `json:"endpoint_url"`
	Version                  string `json:"version"`
	RunChunkExecutionLimitMs int64  `json:"run_chunk_execution_limit_ms"`
}

// PingResponse — результат проверки endpoint'а.
type PingResponse struct {
	OK            bool   `json:"ok"`
	InvalidAPIKey bool   `json:"invalid_api_key,omitempty"`
	Error         string `json:"error,omitempty"`
}

// ProbeResponse — результат калибровки endpoint'а.
type ProbeResponse struct {
	LimitMs int64 `json:"limit_ms"`
}

// IndexResponse — каталог jobs/sources endpoint'а, как есть.
type IndexResponse struct {
	Catalog json.RawMessage `json:"catalog"`
}

// --- Request types ---

// CreateRunRequest — создание run.
type CreateRunRequest struct {
	EnvironmentID string          `json:"environment_id"`
	JobID         string          `json:"job_id"`
	QueueID       string          `json:"queue_id,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// ListRunsOpts — параметры фильтрации runs.
type ListRunsOpts struct {
	EnvironmentID string
	Limit         int
	Offset        int
}

// --- API response wrappers ---

type dataResponse struct {
	Data json.RawMessage `json:"data"`
}

type listResponse struct {
	Data  json.RawMessage `json:"data"`
	Total int             `json:"total"`
}

type errorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// --- Client ---

// Client — HTTP-клиент для Courier API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient создаёт клиент для API.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			// Probe держит запрос до потолка endpoint'а.
			Timeout: 10 * time.Minute,
		},
	}
}

// --- Runs ---

// ListRuns возвращает runs окружения.
func (c *Client) ListRuns(opts ListRunsOpts) ([]RunResponse, error) {
	params := url.Values{}
	params.Set("environment_id", opts.EnvironmentID)
	if opts.Limit > 0 {
		params.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Offset > 0 {
		params.Set("offset", strconv.Itoa(opts.Offset))
	}

	var runs []RunResponse
	err := c.list("/api/v1/runs", params, &runs)
	return runs, err
}

// CreateRun запускает новый run.
func (c *Client) CreateRun(req CreateRunRequest) (*RunResponse, error) {
	var run RunResponse
	err := c.post("/api/v1/runs", req, &run)
	return &run, err
}

// GetRun возвращает run по ID.
func (c *Client) GetRun(id string) (*RunResponse, error) {
	var run RunResponse
	err := c.get("/api/v1/runs/"+id, &run)
	return &run, err
}

// CancelRun отменяет run.
func (c *Client) CancelRun(id string) (*RunResponse, error) {
	var run RunResponse
	err := c.post("/api/v1/runs/"+id+"/cancel", nil, &run)
	return &run, err
}

// ListRunTasks возвращает tasks run'а.
func (c *Client) ListRunTasks(runID string) ([]TaskResponse, error) {
	var tasks []TaskResponse
	err := c.list("/api/v1/runs/"+runID+"/tasks", nil, &tasks)
	return tasks, err
}

// --- Environments ---

// ListEnvironments возвращает окружения.
func (c *Client) ListEnvironments() ([]EnvironmentResponse, error) {
	var envs []EnvironmentResponse
	err := c.list("/api/v1/environments", nil, &envs)
	return envs, err
}

// PingEnvironment проверяет доступность endpoint'а окружения.
func (c *Client) PingEnvironment(id string) (*PingResponse, error) {
	var ping PingResponse
	err := c.post("/api/v1/environments/"+id+"/ping", nil, &ping)
	return &ping, err
}

// ValidateEnvironment проверяет endpoint и его API-ключ.
func (c *Client) ValidateEnvironment(id string) (*PingResponse, error) {
	var ping PingResponse
	err := c.post("/api/v1/environments/"+id+"/validate", nil, &ping)
	return &ping, err
}

// IndexEnvironment запрашивает каталог jobs/sources endpoint'а.
func (c *Client) IndexEnvironment(id string) (*IndexResponse, error) {
	var index IndexResponse
	err := c.post("/api/v1/environments/"+id+"/index", nil, &index)
	return &index, err
}

// ProbeEnvironment калибрует потолок времени выполнения endpoint'а.
func (c *Client) ProbeEnvironment(id string) (*ProbeResponse, error) {
	var probe ProbeResponse
	err := c.post("/api/v1/environments/"+id+"/probe", nil, &probe)
	return &probe, err
}

// --- HTTP helpers ---

func (c *Client) get(path string, result any) error {
	return c.doData(http.MethodGet, path, nil, result)
}

func (c *Client) post(path string, body any, result any) error {
	return c.doData(http.MethodPost, path, body, result)
}

func (c *Client) list(path string, params url.Values, result any) error {
	if len(params) > 0 {
		path = path + "?" + params.Encode()
	}

	resp, err := c.do(http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := c.checkError(resp); err != nil {
		return err
	}

	var lr listResponse
	if err := json.NewDecoder(resp.Body).Decode(&lr); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	return json.Unmarshal(lr.Data, result)
}

func (c *Client) doData(method, path string, body any, result any) error {
	resp, err := c.do(method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := c.checkError(resp); err != nil {
		return err
	}

	// 204 No Content
	if resp.StatusCode == http.StatusNoContent {
		return nil
	}

	var dr dataResponse
	if err := json.NewDecoder(resp.Body).Decode(&dr); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	if result != nil {
		return json.Unmarshal(dr.Data, result)
	}
	return nil
}

func (c *Client) do(method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return c.httpClient.Do(req)
}

func (c *Client) checkError(resp *http.Response) error {
	if resp.StatusCode < 400 {
		return nil
	}

	var er errorResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
		return fmt.Errorf("API error: HTTP %d", resp.StatusCode)
	}

	return fmt.Errorf("%s: %s", er.Error.Code, er.Error.Message)
}
