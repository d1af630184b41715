package model

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorEnvelope_Error(t *testing.T) {
	e := &ErrorEnvelope{Code: ErrNotFound, Message: "instance not found"}
	want := "NOT_FOUND: instance not found"
	if got := e.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestErrorEnvelope_implements_error(t *testing.T) {
	var _ error = (*ErrorEnvelope)(nil)
}

func TestConstructors(t *testing.T) {
	tests := []struct {
		name string
		err  *ErrorEnvelope
		code string
	}{
		{"bad request", NewBadRequestError("x"), ErrBadRequest},
		{"unauthorized", NewUnauthorizedError("x"), ErrUnauthorized},
		{"forbidden", NewForbiddenError("x"), ErrForbidden},
		{"not found", NewNotFoundError("x"), ErrNotFound},
		{"conflict", NewConflictError("x"), ErrConflict},
		{"precondition", NewPreconditionError("x"), ErrPrecondition},
		{"definition", NewDefinitionError("x"), ErrDefinition},
		{"cascade", NewCascadeLimitError(8), ErrCascadeLimit},
		{"internal", NewInternalError(), ErrInternalError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.err.Code != tt.code {
				t.Errorf("Code = %q, want %q", tt.err.Code, tt.code)
			}
		})
	}
}

func TestNewDefinitionError_details(t *testing.T) {
	e := NewDefinitionError("invalid template", FieldError{Field: "steps[0].id", Code: "DUPLICATE", Message: "dup"})
	if len(e.Details) != 1 {
		t.Fatalf("Details length = %d, want 1", len(e.Details))
	}
	if e.Details[0].Field != "steps[0].id" {
		t.Errorf("Details[0].Field = %q, want %q", e.Details[0].Field, "steps[0].id")
	}
}

func TestCodeOf_wrapped(t *testing.T) {
	err := fmt.Errorf("hop 3: %w", NewConflictError("version changed"))
	if got := CodeOf(err); got != ErrConflict {
		t.Errorf("CodeOf() = %q, want %q", got, ErrConflict)
	}
	if !IsCode(err, ErrConflict) {
		t.Error("IsCode(wrapped conflict, CONFLICT) = false, want true")
	}
}

func TestCodeOf_plain(t *testing.T) {
	if got := CodeOf(errors.New("boom")); got != "" {
		t.Errorf("CodeOf(plain) = %q, want empty", got)
	}
	if IsCode(nil, ErrNotFound) {
		t.Error("IsCode(nil) = true, want false")
	}
}

func TestIsDefinitionError(t *testing.T) {
	if !IsDefinitionError(NewDefinitionError("x")) {
		t.Error("definition error not recognised")
	}
	if !IsDefinitionError(NewCascadeLimitError(4)) {
		t.Error("cascade limit should be a definition error")
	}
	if IsDefinitionError(NewNotFoundError("x")) {
		t.Error("not found should not be a definition error")
	}
}
