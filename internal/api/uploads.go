package api

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"strconv"
	"strings"

	"chunkstream/internal/catalog"
	"chunkstream/internal/observability/logging"
	"chunkstream/internal/upload"
)

const chunkPartName = "videoChunk"

type chunkResponse struct {
	Outcome      string            `json:"outcome"`
	SessionID    string            `json:"sessionId"`
	NextIndex    int               `json:"nextIndex"`
	FlushedBytes int64             `json:"flushedBytes"`
	Completed    bool              `json:"completed"`
	Artifact     *catalog.Artifact `json:"artifact,omitempty"`
}

// UploadChunk accepts one multipart chunk. Expected parts: session,
// chunkIndex, fileName, optional totalChunks, and the videoChunk payload.
// Redelivered chunks answer 200 with outcome "duplicate".
func (h *Handler) UploadChunk(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	req, err := h.parseChunkForm(r)
	if err != nil {
		WriteError(w, http.StatusBadRequest, err)
		return
	}

	ctx := logging.ContextWithSessionID(r.Context(), req.SessionID)
	result, err := h.uploads.AcceptChunk(ctx, req)
	if err != nil {
		writeUploadError(w, err)
		return
	}

	status := http.StatusOK
	if result.Completed {
		status = http.StatusCreated
	}
	writeJSON(w, status, chunkResponse{
		Outcome:      string(result.Outcome),
		SessionID:    result.SessionID,
		NextIndex:    result.NextIndex,
		FlushedBytes: result.FlushedBytes,
		Completed:    result.Completed,
		Artifact:     result.Artifact,
	})
}

// parseChunkForm walks the multipart stream part by part so the chunk
// payload never transits a temp file.
func (h *Handler) parseChunkForm(r *http.Request) (upload.ChunkRequest, error) {
	var req upload.ChunkRequest
	reader, err := r.MultipartReader()
	if err != nil {
		return req, fmt.Errorf("read multipart form: %w", err)
	}

	chunkIndexSet := false
	for {
		part, err := reader.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return req, fmt.Errorf("read multipart form: %w", err)
		}
		switch part.FormName() {
		case "session":
			req.SessionID, err = readFormValue(part)
		case "chunkIndex":
			var raw string
			if raw, err = readFormValue(part); err == nil {
				if req.Index, err = strconv.Atoi(raw); err != nil {
					err = fmt.Errorf("chunkIndex %q is not a number", raw)
				} else {
					chunkIndexSet = true
				}
			}
		case "totalChunks":
			var raw string
			if raw, err = readFormValue(part); err == nil && raw != "" {
				if req.TotalChunks, err = strconv.Atoi(raw); err != nil {
					err = fmt.Errorf("totalChunks %q is not a number", raw)
				}
			}
		case "fileName":
			req.FileName, err = readFormValue(part)
		case chunkPartName:
			if req.FileName == "" {
				req.FileName = part.FileName()
			}
			req.Payload, err = h.readChunkPayload(part)
		}
		part.Close()
		if err != nil {
			return req, err
		}
	}

	switch {
	case req.SessionID == "":
		return req, fmt.Errorf("session field is required")
	case !chunkIndexSet:
		return req, fmt.Errorf("chunkIndex field is required")
	case req.Payload == nil:
		return req, fmt.Errorf("%s part is required", chunkPartName)
	}
	return req, nil
}

func readFormValue(part *multipart.Part) (string, error) {
	value, err := io.ReadAll(io.LimitReader(part, 1024))
	if err != nil {
		return "", fmt.Errorf("read %s field: %w", part.FormName(), err)
	}
	return strings.TrimSpace(string(value)), nil
}

func (h *Handler) readChunkPayload(part *multipart.Part) ([]byte, error) {
	payload, err := io.ReadAll(io.LimitReader(part, h.maxChunkBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read chunk payload: %w", err)
	}
	if int64(len(payload)) > h.maxChunkBytes {
		return nil, fmt.Errorf("chunk exceeds the %d byte limit", h.maxChunkBytes)
	}
	return payload, nil
}

type finalizeRequest struct {
	SessionID   string `json:"sessionId"`
	TotalChunks int    `json:"totalChunks,omitempty"`
}

type finalizeResponse struct {
	Outcome  string           `json:"outcome"`
	Artifact catalog.Artifact `json:"artifact"`
}

// FinalizeSession publishes a complete session on the client's say-so. It
// exists for uploads that never declared totalChunks on their chunks, and
// as the retry path when publication hit a transient failure.
func (h *Handler) FinalizeSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req finalizeRequest
	if err := decodeJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, err)
		return
	}

	ctx := logging.ContextWithSessionID(r.Context(), req.SessionID)
	artifact, err := h.uploads.Finalize(ctx, req.SessionID, req.TotalChunks)
	if err != nil {
		writeUploadError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, finalizeResponse{Outcome: "finalized", Artifact: artifact})
}

// SessionByID serves the progress snapshot clients use to resume an
// interrupted upload.
func (h *Handler) SessionByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	sessionID := strings.TrimPrefix(r.URL.Path, "/api/sessions/")
	if sessionID == "" || strings.Contains(sessionID, "/") {
		WriteError(w, http.StatusNotFound, fmt.Errorf("unknown session path"))
		return
	}
	snapshot, err := h.uploads.Snapshot(sessionID)
	if err != nil {
		writeUploadError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

// Artifacts lists every published artifact, newest first.
func (h *Handler) Artifacts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	artifacts, err := h.catalog.List(r.Context())
	if err != nil {
		WriteError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, artifacts)
}

// ArtifactByName resolves or deletes one published artifact.
func (h *Handler) ArtifactByName(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimPrefix(r.URL.Path, "/api/artifacts/")
	if name == "" || strings.Contains(name, "/") {
		WriteError(w, http.StatusNotFound, fmt.Errorf("unknown artifact path"))
		return
	}
	switch r.Method {
	case http.MethodGet:
		artifact, ok, err := h.catalog.Get(r.Context(), name)
		if err != nil {
			WriteError(w, http.StatusInternalServerError, err)
			return
		}
		if !ok {
			WriteError(w, http.StatusNotFound, fmt.Errorf("artifact %s not found", name))
			return
		}
		writeJSON(w, http.StatusOK, artifact)
	case http.MethodDelete:
		artifact, ok, err := h.catalog.Get(r.Context(), name)
		if err != nil {
			WriteError(w, http.StatusInternalServerError, err)
			return
		}
		if !ok {
			WriteError(w, http.StatusNotFound, fmt.Errorf("artifact %s not found", name))
			return
		}
		if err := os.Remove(artifact.Path); err != nil && !os.IsNotExist(err) {
			WriteError(w, http.StatusInternalServerError, fmt.Errorf("remove artifact file: %w", err))
			return
		}
		if err := h.catalog.Delete(r.Context(), name); err != nil {
			WriteError(w, http.StatusInternalServerError, err)
			return
		}
		h.logger.Info("artifact deleted", "artifact", name)
		w.WriteHeader(http.StatusNoContent)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodDelete)
	}
}
