package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// envelope is the common response wrapper: a success flag, a
// human-readable message, and optional context for the caller.
type envelope map[string]any

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

// writeEmpty answers an unknown entity id: 204 with an empty body, so the
// caller can tell "no such query" from a failed lookup.
func writeEmpty(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}

// writeFailure writes a business failure: the request was understood but
// could not be honored. The payload echoes enough context to retry.
func writeFailure(w http.ResponseWriter, message string, extra envelope) {
	body := envelope{"success": false, "message": message}
	for k, v := range extra {
		body[k] = v
	}
	writeJSON(w, http.StatusBadRequest, body)
}

// writeInternal writes an unhandled failure with the request payload echoed
// for diagnosis. Internal error details stay in the logs.
func writeInternal(w http.ResponseWriter, r *http.Request, err error, payload any) {
	slog.Error("request failed",
		"component", "api",
		"path", r.URL.Path,
		"method", r.Method,
		"error", err,
	)
	writeJSON(w, http.StatusInternalServerError, envelope{
		"success": false,
		"message": "An unexpected error occurred. Please try again later.",
		"payload": payload,
	})
}
