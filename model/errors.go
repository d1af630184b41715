package model

import (
	"errors"
	"fmt"
)

// Standard error codes.
const (
	ErrBadRequest    = "BAD_REQUEST"
	ErrUnauthorized  = "UNAUTHORIZED"
	ErrForbidden     = "FORBIDDEN"
	ErrNotFound      = "NOT_FOUND"
	ErrConflict      = "CONFLICT"
	ErrInternalError = "INTERNAL_ERROR"
)

// Workflow-specific error codes.
const (
	// ErrDefinition marks a malformed or missing template or step. It is
	// never retried automatically.
	ErrDefinition = "DEFINITION_ERROR"
	// ErrPrecondition marks an action that is not legal in the instance's
	// current state.
	ErrPrecondition = "PRECONDITION_FAILED"
	// ErrCascadeLimit marks an automatic cascade that exceeded its hop bound.
	// It is reported as a definition error.
	ErrCascadeLimit = "CASCADE_LIMIT"
)

// ErrorEnvelope is the error type returned by the engine and rendered by the
// HTTP layer. It implements the error interface.
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

// FieldError describes a single validation failure.
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewBadRequestError returns a BAD_REQUEST error.
func NewBadRequestError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrBadRequest, Message: msg}
}

// NewUnauthorizedError returns an UNAUTHORIZED error.
func NewUnauthorizedError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrUnauthorized, Message: msg}
}

// NewForbiddenError returns a FORBIDDEN error (AuthorizationError).
func NewForbiddenError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrForbidden, Message: msg}
}

// NewNotFoundError returns a NOT_FOUND error.
func NewNotFoundError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrNotFound, Message: msg}
}

// NewConflictError returns a CONFLICT error (ConcurrencyError). Callers may
// retry once.
func NewConflictError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrConflict, Message: msg}
}

// NewPreconditionError returns a PRECONDITION_FAILED error.
func NewPreconditionError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrPrecondition, Message: msg}
}

// NewDefinitionError returns a DEFINITION_ERROR with optional field details.
func NewDefinitionError(msg string, details ...FieldError) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrDefinition, Message: msg, Details: details}
}

// NewCascadeLimitError returns the error raised when an automatic cascade
// exceeds the configured hop bound.
func NewCascadeLimitError(limit int) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrCascadeLimit,
		Message: fmt.Sprintf("automatic cascade exceeded %d hops; template likely contains a cycle of auto steps", limit),
	}
}

// NewInternalError returns an INTERNAL_ERROR.
func NewInternalError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInternalError,
		Message: "An unexpected error occurred",
	}
}

// CodeOf returns the envelope code of err, or "" if err is not (and does not
// wrap) an *ErrorEnvelope.
func CodeOf(err error) string {
	var ee *ErrorEnvelope
	if errors.As(err, &ee) {
		return ee.Code
	}
	return ""
}

// IsCode reports whether err carries the given envelope code.
func IsCode(err error, code string) bool {
	return err != nil && CodeOf(err) == code
}

// IsDefinitionError reports whether err belongs to the definition-error
// family, which includes cascade limit violations.
func IsDefinitionError(err error) bool {
	c := CodeOf(err)
	return c == ErrDefinition || c == ErrCascadeLimit
}
