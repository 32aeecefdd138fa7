package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestNewRespectsLevelAndFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: "warn", Writer: &buf, Format: "json"})

	logger.Info("hidden")
	logger.Warn("visible", "key", "value")

	output := buf.String()
	if strings.Contains(output, "hidden") {
		t.Fatalf("info entry should be filtered at warn level: %s", output)
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(output)), &entry); err != nil {
		t.Fatalf("expected JSON output: %v (%s)", err, output)
	}
	if entry["msg"] != "visible" {
		t.Fatalf("msg = %v, want visible", entry["msg"])
	}
	if entry["key"] != "value" {
		t.Fatalf("key = %v, want value", entry["key"])
	}
}

func TestNewTextFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Writer: &buf, Format: "text"})
	logger.Info("hello")
	if !strings.Contains(buf.String(), "msg=hello") {
		t.Fatalf("expected text handler output, got %s", buf.String())
	}
}

func TestWithContextAnnotatesIDs(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Writer: &buf})

	ctx := ContextWithRequestID(context.Background(), "req-1")
	ctx = ContextWithSessionID(ctx, "sess-9")

	WithContext(ctx, logger).Info("annotated")

	var entry map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry); err != nil {
		t.Fatalf("decode log entry: %v", err)
	}
	if entry["request_id"] != "req-1" {
		t.Fatalf("request_id = %v, want req-1", entry["request_id"])
	}
	if entry["session_id"] != "sess-9" {
		t.Fatalf("session_id = %v, want sess-9", entry["session_id"])
	}
}

func TestContextHelpersIgnoreEmptyValues(t *testing.T) {
	ctx := ContextWithRequestID(context.Background(), "   ")
	if _, ok := RequestIDFromContext(ctx); ok {
		t.Fatal("blank request id should not be stored")
	}
	ctx = ContextWithSessionID(ctx, "")
	if _, ok := SessionIDFromContext(ctx); ok {
		t.Fatal("blank session id should not be stored")
	}
}

func TestRequestLoggerCapturesStatusAndDuration(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Writer: &buf})

	handler := RequestLogger(RequestLoggerConfig{
		Logger: logger,
		AdditionalFields: func(r *http.Request, status int, d time.Duration) []any {
			return []any{"extra", "field"}
		},
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/upload", nil)
	handler.ServeHTTP(httptest.NewRecorder(), req)

	var entry map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry); err != nil {
		t.Fatalf("decode log entry: %v", err)
	}
	if entry["status"] != float64(http.StatusCreated) {
		t.Fatalf("status = %v, want %d", entry["status"], http.StatusCreated)
	}
	if entry["path"] != "/api/upload" {
		t.Fatalf("path = %v, want /api/upload", entry["path"])
	}
	if entry["extra"] != "field" {
		t.Fatalf("extra = %v, want field", entry["extra"])
	}
}
