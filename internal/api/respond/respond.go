// Package respond writes JSON responses and the shared error envelope.
package respond

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/tjfontaine/intentguard/internal/core/domain"
)

// ErrorBody is the payload of every error response.
type ErrorBody struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// ErrorEnvelope wraps ErrorBody as {"error": {...}}.
type ErrorEnvelope struct {
	Error ErrorBody `json:"error"`
}

// JSON writes payload with the given status.
func JSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// Error maps err to a status and writes the error envelope. Errors outside
// the domain taxonomy are reported as internal errors without their text.
func Error(w http.ResponseWriter, err error) {
	var de *domain.Error
	if errors.As(err, &de) {
		msg := de.Message
		if msg == "" {
			msg = de.Error()
		}
		JSON(w, de.HTTPStatusCode(), ErrorEnvelope{Error: ErrorBody{Type: string(de.Kind), Message: msg}})
		return
	}
	Status(w, http.StatusInternalServerError, "internal_error", "internal server error")
}

// Status writes an error envelope with an explicit status and type.
func Status(w http.ResponseWriter, status int, errType, message string) {
	JSON(w, status, ErrorEnvelope{Error: ErrorBody{Type: errType, Message: message}})
}
