package model

import (
	"errors"
	"fmt"
)

// Standard error codes.
const (
	ErrBadRequest       = "BAD_REQUEST"
	ErrNotFound         = "NOT_FOUND"
	ErrConflict         = "CONFLICT"
	ErrValidationError  = "VALIDATION_ERROR"
	ErrInternalError    = "INTERNAL_ERROR"
	ErrRateLimited      = "RATE_LIMITED"
	ErrSkillUnavailable = "SKILL_UNAVAILABLE"
	ErrSkillTimeout     = "SKILL_TIMEOUT"
)

// Sequence-specific error codes.
const (
	ErrSequenceNotFound    = "SEQUENCE_NOT_FOUND"
	ErrStepFailed          = "STEP_FAILED"
	ErrStateSealed         = "STATE_SEALED"
	ErrHITLAlreadyResolved = "HITL_ALREADY_RESOLVED"
)

// ErrorEnvelope is the standard error value returned by the engine and the
// HTTP API. It implements the error interface.
type ErrorEnvelope struct {
	Code    string       `json:"code"`
	Message string       `json:"message"`
	Details []FieldError `json:"details,omitempty"`
	TraceID string       `json:"trace_id,omitempty"`
}

// Error implements the error interface.
func (e *ErrorEnvelope) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// FieldError describes a field-level validation error.
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ErrorCode returns the envelope code carried anywhere in err's chain, or
// the empty string.
func ErrorCode(err error) string {
	var env *ErrorEnvelope
	if errors.As(err, &env) {
		return env.Code
	}
	return ""
}

// NewBadRequestError returns a BAD_REQUEST error.
func NewBadRequestError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrBadRequest, Message: msg}
}

// NewNotFoundError returns a NOT_FOUND error.
func NewNotFoundError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrNotFound, Message: msg}
}

// NewConflictError returns a CONFLICT error.
func NewConflictError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrConflict, Message: msg}
}

// NewValidationError returns a VALIDATION_ERROR with field-level details.
func NewValidationError(details []FieldError) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrValidationError,
		Message: "One or more fields are invalid",
		Details: details,
	}
}

// NewInternalError returns an INTERNAL_ERROR.
func NewInternalError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInternalError,
		Message: "An unexpected error occurred",
	}
}

// NewRateLimitedError returns a RATE_LIMITED error.
func NewRateLimitedError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrRateLimited,
		Message: "Rate limit exceeded. Please try again later.",
	}
}

// NewSkillUnavailableError returns a SKILL_UNAVAILABLE error.
func NewSkillUnavailableError(skillKey string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrSkillUnavailable,
		Message: fmt.Sprintf("skill %q is temporarily unavailable", skillKey),
	}
}

// NewSkillTimeoutError returns a SKILL_TIMEOUT error.
func NewSkillTimeoutError(skillKey string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrSkillTimeout,
		Message: fmt.Sprintf("skill %q did not respond in time", skillKey),
	}
}

// NewSequenceNotFoundError returns a SEQUENCE_NOT_FOUND error.
func NewSequenceNotFoundError(key string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrSequenceNotFound,
		Message: fmt.Sprintf("sequence %q not found", key),
	}
}

// NewStepFailedError returns a STEP_FAILED error for a stop-policy failure.
func NewStepFailedError(stepIndex int, skillKey, reason string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrStepFailed,
		Message: fmt.Sprintf("step %d (%s) failed: %s", stepIndex, skillKey, reason),
	}
}

// NewStateSealedError returns a STATE_SEALED error.
func NewStateSealedError(instanceID string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrStateSealed,
		Message: fmt.Sprintf("execution %s has finished and no longer accepts changes", instanceID),
	}
}

// NewHITLAlreadyResolvedError returns a HITL_ALREADY_RESOLVED error.
func NewHITLAlreadyResolvedError(requestID, status string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrHITLAlreadyResolved,
		Message: fmt.Sprintf("approval request %s is already %s", requestID, status),
	}
}
