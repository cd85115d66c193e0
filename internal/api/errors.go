package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gamblescope/wager-engine/internal/model"
)

// statusFor maps the error taxonomy to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrRefund):
		return http.StatusConflict
	case errors.Is(err, model.ErrValidation), errors.Is(err, model.ErrInvalidAmount):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrPermission):
		return http.StatusForbidden
	case errors.Is(err, model.ErrInsufficientFunds):
		return http.StatusUnprocessableEntity
	case errors.Is(err, model.ErrInvalidState),
		errors.Is(err, model.ErrConflict),
		errors.Is(err, model.ErrSelfWager),
		errors.Is(err, model.ErrExposureLimit):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

// writeFailure classifies err and writes it. Internal errors are logged
// and their text is not exposed.
func writeFailure(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	kind := model.ErrorKind(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "err", err)
		msg = "internal error"
	}
	writeErrorKind(w, msg, kind, status)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeErrorKind(w, message, "ValidationError", status)
}

func writeErrorKind(w http.ResponseWriter, message, kind string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message, "kind": kind})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
