package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/starford/kioku/internal/apperr"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("json encode failed", slog.String("error", err.Error()))
	}
}

type errResponse struct {
	Error       string `json:"error" validate:"required"`
	Kind        string `json:"kind,omitempty"`
	Remediation string `json:"remediation,omitempty"`
}

func errorBody(msg string) errResponse {
	return errResponse{Error: msg}
}

// writeError maps an error kind to one status and one user-facing message.
func writeError(w http.ResponseWriter, op string, err error) {
	body := errResponse{Error: apperr.Message(err)}
	var conn *apperr.ConnectionError
	if errors.As(err, &conn) {
		body.Remediation = conn.Remediation()
	}

	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, apperr.ErrMediaStore):
		status, body.Kind = http.StatusBadGateway, "media_store"
	case conn != nil:
		status, body.Kind = http.StatusServiceUnavailable, "connection:"+string(conn.Kind)
	case errors.Is(err, apperr.ErrParse):
		status, body.Kind = http.StatusBadRequest, "parse"
	case errors.Is(err, apperr.ErrValidation):
		status, body.Kind = http.StatusBadRequest, "validation"
	case errors.Is(err, apperr.ErrMineInFlight):
		status, body.Kind = http.StatusConflict, "mine_in_flight"
	case errors.Is(err, apperr.ErrSyncConflict):
		status, body.Kind = http.StatusConflict, "sync_conflict"
	case errors.Is(err, apperr.ErrNoTrack):
		status, body.Kind = http.StatusNotFound, "no_track"
	case errors.Is(err, apperr.ErrNotFound):
		status, body.Kind = http.StatusNotFound, "not_found"
	case errors.Is(err, context.Canceled):
		status, body.Kind, body.Error = http.StatusConflict, "cancelled", "The request was cancelled."
	case errors.Is(err, apperr.ErrMediaCapture):
		body.Kind = "media_capture"
	}
	if status >= http.StatusInternalServerError {
		slog.Error(op+" failed", slog.String("error", err.Error()))
	}
	writeJSON(w, status, body)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON body"))
		return false
	}
	return true
}
