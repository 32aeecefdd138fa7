// Package api exposes the chunked upload protocol over HTTP: chunk intake,
// finalization, session inspection, and the artifact catalog.
package api

import (
	"log/slog"
	"net/http"

	"chunkstream/internal/catalog"
	"chunkstream/internal/upload"
)

// DefaultMaxChunkBytes bounds a single uploaded chunk. Clients splitting at
// the usual 128 KiB stay far below it; the cap exists to stop a hostile
// part from ballooning server memory.
const DefaultMaxChunkBytes = 16 << 20

type HandlerConfig struct {
	Uploads *upload.Registry
	Catalog catalog.Repository
	Logger  *slog.Logger

	// MaxChunkBytes caps one multipart chunk; zero selects
	// DefaultMaxChunkBytes.
	MaxChunkBytes int64
}

// Handler carries the dependencies shared by every endpoint.
type Handler struct {
	uploads       *upload.Registry
	catalog       catalog.Repository
	logger        *slog.Logger
	maxChunkBytes int64
}

func NewHandler(cfg HandlerConfig) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxChunk := cfg.MaxChunkBytes
	if maxChunk <= 0 {
		maxChunk = DefaultMaxChunkBytes
	}
	return &Handler{
		uploads:       cfg.Uploads,
		catalog:       cfg.Catalog,
		logger:        logger.With("component", "api"),
		maxChunkBytes: maxChunk,
	}
}

// Health reports liveness plus catalog reachability, degrading to 503 when
// the catalog backend is down.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		methodNotAllowed(w, r, http.MethodGet, http.MethodHead)
		return
	}
	status := http.StatusOK
	payload := map[string]string{"status": "ok"}
	if err := h.catalog.Ping(r.Context()); err != nil {
		status = http.StatusServiceUnavailable
		payload["status"] = "degraded"
		payload["catalog"] = err.Error()
		h.logger.Warn("catalog ping failed", "error", err)
	}
	writeJSON(w, status, payload)
}
