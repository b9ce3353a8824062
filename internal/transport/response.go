// Package transport contains the HTTP router, middleware chain, and all
// request handlers for the sequencer API.
package transport

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/pitabwire/sequencer/internal/observability"
	"github.com/pitabwire/sequencer/model"
)

// statusForCode maps ErrorEnvelope codes to HTTP status codes.
var statusForCode = map[string]int{
	model.ErrBadRequest:          http.StatusBadRequest,
	model.ErrNotFound:            http.StatusNotFound,
	model.ErrConflict:            http.StatusConflict,
	model.ErrValidationError:     http.StatusUnprocessableEntity,
	model.ErrRateLimited:         http.StatusTooManyRequests,
	model.ErrInternalError:       http.StatusInternalServerError,
	model.ErrSkillUnavailable:    http.StatusBadGateway,
	model.ErrSkillTimeout:        http.StatusGatewayTimeout,
	model.ErrSequenceNotFound:    http.StatusNotFound,
	model.ErrStepFailed:          http.StatusUnprocessableEntity,
	model.ErrStateSealed:         http.StatusConflict,
	model.ErrHITLAlreadyResolved: http.StatusConflict,
}

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if body != nil {
		_ = json.NewEncoder(w).Encode(body)
	}
}

// WriteError writes the ErrorEnvelope found in err's chain as a JSON
// response with the matching HTTP status code. Errors without an envelope
// become a generic 500.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	var env *model.ErrorEnvelope
	if !errors.As(err, &env) {
		observability.RequestLogger(r.Context(), zap.NewNop()).Error("unhandled error", zap.Error(err))
		env = model.NewInternalError()
	}

	status := statusForCode[env.Code]
	if status == 0 {
		status = http.StatusInternalServerError
	}

	out := *env
	out.TraceID = observability.TraceIDFromContext(r.Context())

	type errorResponse struct {
		Error *model.ErrorEnvelope `json:"error"`
	}
	WriteJSON(w, status, errorResponse{Error: &out})
}

// WriteNotFound writes a 404 error response.
func WriteNotFound(w http.ResponseWriter, r *http.Request, msg string) {
	WriteError(w, r, model.NewNotFoundError(msg))
}

// WriteValidationError writes a 422 error response with field-level details.
func WriteValidationError(w http.ResponseWriter, r *http.Request, details []model.FieldError) {
	WriteError(w, r, model.NewValidationError(details))
}
