package notify

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"

	"github.com/shaiso/Courier/internal/domain"
)

func TestSign_HexHMACSHA256(t *testing.T) {
	body := []byte(`{"id":"run-1","status":"SUCCESS"}`)
	secret := "trigger-key-123"

	got := Sign(body, secret)

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	want := hex.EncodeToString(mac.Sum(nil))

	if got != want {
		t.Errorf("Sign() = %s, want %s", got, want)
	}
	if len(got) != 64 {
		t.Errorf("hex SHA-256 signature should be 64 chars, got %d", len(got))
	}
}

func TestSign_DependsOnSecret(t *testing.T) {
	body := []byte(`{"id":"run-1"}`)
	if Sign(body, "key-a") == Sign(body, "key-b") {
		t.Error("signatures with different secrets should differ")
	}
}

func TestDeliver_SignsBody(t *testing.T) {
	secret := "env-api-key"

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)

		sig := r.Header.Get(SignatureHeader)
		if sig == "" {
			t.Error("missing signature header")
		}
		if sig != Sign(body, secret) {
			t.Error("signature does not match body")
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("Content-Type = %q", ct)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	d := NewDeliverer(slog.Default())
	n := &RunNotification{ID: uuid.NewString(), JobID: "job-1", Status: "SUCCESS"}

	if err := d.Deliver(context.Background(), server.URL, secret, n); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestDeliver_Non2xxIsError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	d := NewDeliverer(slog.Default())
	err := d.Deliver(context.Background(), server.URL, "secret", &RunNotification{ID: "run-1"})

	if err == nil {
		t.Error("5xx from subscriber should be an error")
	}
}

func TestFromRun(t *testing.T) {
	run := &domain.Run{
		ID:                  uuid.New(),
		JobID:               "job-1",
		Status:              domain.RunStatusSuccess,
		ExecutionCount:      3,
		ExecutionDurationMs: 12500,
	}

	n := FromRun(run)

	if n.ID != run.ID.String() {
		t.Errorf("ID = %s, want %s", n.ID, run.ID)
	}
	if n.Status != "SUCCESS" {
		t.Errorf("Status = %s", n.Status)
	}
	if n.ExecutionCount != 3 || n.ExecutionDurationMs != 12500 {
		t.Errorf("execution accounting not carried over: %+v", n)
	}
}
