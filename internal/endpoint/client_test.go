package endpoint

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/Courier/internal/domain"
)

func testEnv(url string) *domain.Environment {
	return &domain.Environment{
		ID:          uuid.New(),
		Slug:        "test",
		EndpointURL: url,
		APIKey:      "trigger-key-123",
		Version:     domain.ProtocolV2,
	}
}

func TestExecuteJob_Headers(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get(HeaderAPIKey); got != "trigger-key-123" {
			t.Errorf("x-trigger-api-key = %q, want trigger-key-123", got)
		}
		if got := r.Header.Get(HeaderAction); got != string(ActionExecuteJob) {
			t.Errorf("x-trigger-action = %q, want EXECUTE_JOB", got)
		}
		if got := r.Header.Get(HeaderVersion); got != string(domain.ProtocolV2) {
			t.Errorf("x-trigger-version = %q, want %s", got, domain.ProtocolV2)
		}
		if got := r.Header.Get("Content-Type"); got != "application/json" {
			t.Errorf("Content-Type = %q", got)
		}
		json.NewEncoder(w).Encode(map[string]any{"status": "SUCCESS"})
	}))
	defer server.Close()

	client := NewClient(Config{})
	result := client.ExecuteJob(context.Background(), testEnv(server.URL), &ExecuteRequest{RunID: uuid.New()}, 0)

	if result.Outcome != OutcomeOK {
		t.Fatalf("outcome = %s, want ok", result.Outcome)
	}
	if result.Response.Status != ExecStatusSuccess {
		t.Errorf("status = %s, want SUCCESS", result.Response.Status)
	}
}

func TestExecuteJob_SoftTimeout504(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusGatewayTimeout)
	}))
	defer server.Close()

	client := NewClient(Config{})
	result := client.ExecuteJob(context.Background(), testEnv(server.URL), &ExecuteRequest{}, 0)

	if result.Outcome != OutcomeTimeout {
		t.Errorf("outcome = %s, want timeout", result.Outcome)
	}
	if result.StatusCode != http.StatusGatewayTimeout {
		t.Errorf("status code = %d, want 504", result.StatusCode)
	}
}

func TestExecuteJob_SoftTimeout408(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusRequestTimeout)
	}))
	defer server.Close()

	client := NewClient(Config{})
	result := client.ExecuteJob(context.Background(), testEnv(server.URL), &ExecuteRequest{}, 0)

	if result.Outcome != OutcomeTimeout {
		t.Errorf("outcome = %s, want timeout", result.Outcome)
	}
}

func TestExecuteJob_TimeoutBodyHeuristic(t *testing.T) {
	// 502 с текстовой страницей шлюза, упоминающей timeout
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte("<html>The request timed out.</html>"))
	}))
	defer server.Close()

	client := NewClient(Config{})
	result := client.ExecuteJob(context.Background(), testEnv(server.URL), &ExecuteRequest{}, 0)

	if result.Outcome != OutcomeTimeout {
		t.Errorf("outcome = %s, want timeout", result.Outcome)
	}
}

func TestExecuteJob_HTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		json.NewEncoder(w).Encode(map[string]any{"message": "bad job", "retryable": false})
	}))
	defer server.Close()

	client := NewClient(Config{})
	result := client.ExecuteJob(context.Background(), testEnv(server.URL), &ExecuteRequest{}, 0)

	if result.Outcome != OutcomeHTTPError {
		t.Fatalf("outcome = %s, want http_error", result.Outcome)
	}
	if result.ErrorBody == nil || result.ErrorBody.Message != "bad job" {
		t.Errorf("error body not parsed: %+v", result.ErrorBody)
	}
}

func TestExecuteJob_InvalidBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not json at all"))
	}))
	defer server.Close()

	client := NewClient(Config{})
	result := client.ExecuteJob(context.Background(), testEnv(server.URL), &ExecuteRequest{}, 0)

	if result.Outcome != OutcomeInvalidBody {
		t.Errorf("outcome = %s, want invalid_body", result.Outcome)
	}
}

func TestExecuteJob_UnknownStatusIsInvalidBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"status": "SOMETHING_NEW"})
	}))
	defer server.Close()

	client := NewClient(Config{})
	result := client.ExecuteJob(context.Background(), testEnv(server.URL), &ExecuteRequest{}, 0)

	if result.Outcome != OutcomeInvalidBody {
		t.Errorf("outcome = %s, want invalid_body", result.Outcome)
	}
}

func TestExecuteJob_NoResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close() // сразу закрываем: соединение откажет

	client := NewClient(Config{})
	result := client.ExecuteJob(context.Background(), testEnv(server.URL), &ExecuteRequest{}, 0)

	if result.Outcome != OutcomeNoResponse {
		t.Errorf("outcome = %s, want no_response", result.Outcome)
	}
	if result.StatusCode != 0 {
		t.Errorf("status code = %d, want 0", result.StatusCode)
	}
}

func TestPreprocessRun_Abort(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get(HeaderAction); got != string(ActionPreprocessRun) {
			t.Errorf("x-trigger-action = %q, want PREPROCESS_RUN", got)
		}
		json.NewEncoder(w).Encode(map[string]any{"abort": true})
	}))
	defer server.Close()

	client := NewClient(Config{})
	result := client.PreprocessRun(context.Background(), testEnv(server.URL), &PreprocessRequest{})

	if result.Outcome != OutcomeOK {
		t.Fatalf("outcome = %s, want ok", result.Outcome)
	}
	if !result.Response.Abort {
		t.Error("abort flag should be set")
	}
}

func TestPing_OK(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer server.Close()

	client := NewClient(Config{})
	result := client.Ping(context.Background(), testEnv(server.URL))

	if !result.OK {
		t.Errorf("ping should succeed: %+v", result)
	}
}

func TestPing_InvalidAPIKey(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	client := NewClient(Config{})
	result := client.Ping(context.Background(), testEnv(server.URL))

	if result.OK {
		t.Error("ping should fail")
	}
	if !result.InvalidAPIKey {
		t.Error("401 should be classified as invalid API key")
	}
}

func TestValidate_SendsValidateAction(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get(HeaderAction); got != string(ActionValidate) {
			t.Errorf("x-trigger-action = %q, want VALIDATE", got)
		}
		json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer server.Close()

	client := NewClient(Config{})
	result := client.Validate(context.Background(), testEnv(server.URL))

	if !result.OK {
		t.Errorf("validate should succeed: %+v", result)
	}
}

func TestIndexEndpoint_ReturnsCatalog(t *testing.T) {
	catalog := `{"jobs":[{"id":"send-email"}],"sources":[]}`
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get(HeaderAction); got != string(ActionIndexEndpoint) {
			t.Errorf("x-trigger-action = %q, want INDEX_ENDPOINT", got)
		}
		w.Write([]byte(catalog))
	}))
	defer server.Close()

	client := NewClient(Config{})
	result := client.IndexEndpoint(context.Background(), testEnv(server.URL))

	if result.Outcome != OutcomeOK {
		t.Fatalf("outcome = %s, want ok", result.Outcome)
	}
	if string(result.Body) != catalog {
		t.Errorf("catalog = %s", result.Body)
	}
}

func TestIndexEndpoint_InvalidBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html>not json</html>"))
	}))
	defer server.Close()

	client := NewClient(Config{})
	result := client.IndexEndpoint(context.Background(), testEnv(server.URL))

	if result.Outcome != OutcomeInvalidBody {
		t.Errorf("outcome = %s, want invalid_body", result.Outcome)
	}
}

func TestProbe_MeasuresElapsed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload struct {
			Timeout int64 `json:"timeout"`
		}
		json.NewDecoder(r.Body).Decode(&payload)
		if payload.Timeout != 100 {
			t.Errorf("probe timeout = %d, want 100", payload.Timeout)
		}
		time.Sleep(50 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := NewClient(Config{})
	result := client.Probe(context.Background(), testEnv(server.URL), 100*time.Millisecond)

	if !result.Completed {
		t.Error("probe should complete")
	}
	if result.Elapsed < 50*time.Millisecond {
		t.Errorf("elapsed = %v, want >= 50ms", result.Elapsed)
	}
}

func TestIsSoftTimeout(t *testing.T) {
	cases := []struct {
		status int
		body   string
		want   bool
	}{
		{504, "", true},
		{408, "", true},
		{502, "upstream request timeout", true},
		{500, "the request timed out", true},
		{502, "bad gateway", false},
		{500, `{"message":"timeout"}`, false}, // валидный JSON — не эвристика
		{200, "timeout", false},
		{404, "timeout", false},
	}

	for _, tc := range cases {
		if got := isSoftTimeout(tc.status, []byte(tc.body)); got != tc.want {
			t.Errorf("isSoftTimeout(%d, %q) = %v, want %v", tc.status, tc.body, got, tc.want)
		}
	}
}
