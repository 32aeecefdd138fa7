package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"chunkstream/internal/upload"
)

// RequestError is the JSON error shape every endpoint returns.
type RequestError struct {
	Status  int    `json:"status"`
	Message string `json:"message"`
}

func (e RequestError) Error() string {
	return e.Message
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

// WriteError normalises an error to the API JSON shape. Middleware outside
// this package reuses it so every failure looks the same on the wire.
func WriteError(w http.ResponseWriter, status int, err error) {
	message := http.StatusText(status)
	if err != nil {
		message = err.Error()
	}
	writeJSON(w, status, map[string]RequestError{
		"error": {Status: status, Message: message},
	})
}

func decodeJSON(r *http.Request, dst any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		return fmt.Errorf("decode request body: %w", err)
	}
	return nil
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	for _, method := range allowed {
		w.Header().Add("Allow", method)
	}
	WriteError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
}

// writeUploadError maps registry failures onto HTTP statuses. Transient
// failures carry a Retry-After hint so well-behaved clients back off
// instead of hammering.
func writeUploadError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, upload.ErrUnknownSession):
		status = http.StatusNotFound
	case errors.Is(err, upload.ErrSessionIncomplete):
		status = http.StatusConflict
	default:
		switch upload.Classify(err) {
		case upload.OutcomeCaller:
			status = http.StatusBadRequest
		case upload.OutcomeTransient:
			status = http.StatusServiceUnavailable
			w.Header().Set("Retry-After", "2")
		}
	}
	WriteError(w, status, err)
}
