package server

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"chunkstream/internal/observability/logging"
)

func TestRequestIDMiddlewareGeneratesAndEchoes(t *testing.T) {
	var seen string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := logging.RequestIDFromContext(r.Context())
		if !ok {
			t.Fatal("expected request id in context")
		}
		seen = id
	})
	handler := requestIDMiddlewareWithGenerator(nil, func() string { return "generated-id" }, next)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if seen != "generated-id" {
		t.Fatalf("context request id = %q", seen)
	}
	if got := rec.Header().Get("X-Request-Id"); got != "generated-id" {
		t.Fatalf("response header = %q", got)
	}
}

func TestRequestIDMiddlewarePreservesClientID(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})
	handler := requestIDMiddleware(nil, next)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-Id", "client-chosen")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if got := rec.Header().Get("X-Request-Id"); got != "client-chosen" {
		t.Fatalf("response header = %q, want client value", got)
	}
}

func TestRequestIDMiddlewareCapturesSessionHeader(t *testing.T) {
	var sessionID string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sessionID, _ = logging.SessionIDFromContext(r.Context())
	})
	handler := requestIDMiddleware(nil, next)

	req := httptest.NewRequest(http.MethodPost, "/api/upload", nil)
	req.Header.Set("X-Upload-Session", "sess-42")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if sessionID != "sess-42" {
		t.Fatalf("context session id = %q", sessionID)
	}
}
