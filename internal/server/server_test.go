package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"chunkstream/internal/api"
	"chunkstream/internal/catalog"
	"chunkstream/internal/observability/logging"
	"chunkstream/internal/observability/metrics"
	"chunkstream/internal/upload"
)

type serverFixture struct {
	server    *Server
	publicDir string
}

func newServerFixture(t *testing.T, cfg Config) *serverFixture {
	t.Helper()
	root := t.TempDir()
	repo, err := catalog.NewJSONRepository(filepath.Join(root, "catalog.json"))
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	logger := logging.New(logging.Config{Level: "error", Writer: io.Discard})
	publicDir := filepath.Join(root, "public")
	registry, err := upload.NewRegistry(upload.Config{
		WorkDir:   filepath.Join(root, "work"),
		PublicDir: publicDir,
		Catalog:   repo,
		Logger:    logger,
	})
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	t.Cleanup(func() { registry.Close() })

	handler := api.NewHandler(api.HandlerConfig{Uploads: registry, Catalog: repo, Logger: logger})
	cfg.Logger = logger
	cfg.PublicDir = publicDir
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New()
	}
	srv, err := New(handler, cfg)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	return &serverFixture{server: srv, publicDir: publicDir}
}

func multipartChunk(t *testing.T, session string, index, total int, payload []byte) *http.Request {
	t.Helper()
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	writer.WriteField("session", session)
	writer.WriteField("chunkIndex", fmt.Sprint(index))
	if total > 0 {
		writer.WriteField("totalChunks", fmt.Sprint(total))
	}
	writer.WriteField("fileName", "clip.webm")
	part, err := writer.CreateFormFile("videoChunk", "clip.webm")
	if err != nil {
		t.Fatalf("create part: %v", err)
	}
	part.Write(payload)
	writer.Close()
	req := httptest.NewRequest(http.MethodPost, "/api/upload", &body)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	return req
}

func TestNewReturnsErrorWhenHandlerNil(t *testing.T) {
	t.Parallel()

	srv, err := New(nil, Config{})
	if err == nil {
		t.Fatalf("expected error when handler is nil, got server: %#v", srv)
	}
}

func TestServerRoutesUploadThroughMiddleware(t *testing.T) {
	fx := newServerFixture(t, Config{})
	payload := bytes.Repeat([]byte{0x5A}, 1024)

	rec := httptest.NewRecorder()
	fx.server.Handler().ServeHTTP(rec, multipartChunk(t, "routed", 0, 1, payload))
	if rec.Code != http.StatusCreated {
		t.Fatalf("upload status = %d: %s", rec.Code, rec.Body)
	}
	if rec.Header().Get("X-Request-Id") == "" {
		t.Fatal("expected request id header")
	}
	if rec.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Fatal("expected security headers on API responses")
	}

	var resp struct {
		Artifact catalog.Artifact `json:"artifact"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}

	rec = httptest.NewRecorder()
	fx.server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/files/uploads/"+resp.Artifact.Name, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("artifact fetch status = %d", rec.Code)
	}
	if !bytes.Equal(rec.Body.Bytes(), payload) {
		t.Fatal("served artifact differs from uploaded payload")
	}
}

func TestServerFilesEndpointRejectsTraversalAndWrites(t *testing.T) {
	fx := newServerFixture(t, Config{})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/files/uploads/", nil)
	req.URL.Path = "/files/uploads/../catalog.json"
	fx.server.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound && rec.Code != http.StatusMovedPermanently {
		t.Fatalf("traversal status = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	fx.server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/files/uploads/x.webm", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("POST to files status = %d, want 405", rec.Code)
	}

	rec = httptest.NewRecorder()
	fx.server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/files/uploads/", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("directory listing status = %d, want 404", rec.Code)
	}
}

func TestRateLimitMiddlewareGlobal(t *testing.T) {
	rl := newRateLimiter(RateLimitConfig{GlobalRPS: 0.0001, GlobalBurst: 1})
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	handler := rateLimitMiddleware(rl, nil, next)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/artifacts", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("first request status = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/artifacts", nil))
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second request status = %d, want 429", rec.Code)
	}
}

func TestRateLimitMiddlewarePerClientChunks(t *testing.T) {
	rl := newRateLimiter(RateLimitConfig{ChunkLimit: 2, ChunkWindow: time.Minute})
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	handler := rateLimitMiddleware(rl, nil, next)

	send := func(ip string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/api/upload", nil)
		req.Header.Set("X-Forwarded-For", ip)
		handler.ServeHTTP(rec, req)
		return rec
	}

	for i := 0; i < 2; i++ {
		if rec := send("10.0.0.1"); rec.Code != http.StatusOK {
			t.Fatalf("request %d status = %d", i, rec.Code)
		}
	}
	rec := send("10.0.0.1")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("limited status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatal("expected Retry-After header")
	}

	// A different client keeps its own budget.
	if rec := send("10.0.0.2"); rec.Code != http.StatusOK {
		t.Fatalf("second client status = %d", rec.Code)
	}

	// GET traffic is never chunk limited.
	plain := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/artifacts", nil)
	req.Header.Set("X-Forwarded-For", "10.0.0.1")
	handler.ServeHTTP(plain, req)
	if plain.Code != http.StatusOK {
		t.Fatalf("GET status = %d", plain.Code)
	}
}

func TestMetricsEndpointExposesCounters(t *testing.T) {
	recorder := metrics.New()
	fx := newServerFixture(t, Config{Metrics: recorder})

	rec := httptest.NewRecorder()
	fx.server.Handler().ServeHTTP(rec, multipartChunk(t, "metered", 0, 1, []byte("payload")))
	if rec.Code != http.StatusCreated {
		t.Fatalf("upload status = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	fx.server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics status = %d", rec.Code)
	}
	body := rec.Body.String()
	if !bytes.Contains([]byte(body), []byte("chunkstream_chunks_total")) {
		t.Fatalf("metrics output missing chunk counters:\n%s", body)
	}
}

func TestExtractClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.7:4455"
	if got := extractClientIP(req); got != "192.0.2.7" {
		t.Fatalf("remote addr ip = %q", got)
	}

	req.Header.Set("X-Forwarded-For", "203.0.113.9, 192.0.2.7")
	if got := extractClientIP(req); got != "203.0.113.9" {
		t.Fatalf("forwarded ip = %q", got)
	}
}
