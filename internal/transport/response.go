// Package transport contains the HTTP router, middleware chain, and request
// handlers for the workflow API.
package transport

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/pitabwire/officeflow/model"
)

// maxBodyBytes bounds decoded request bodies.
const maxBodyBytes = 1 << 20

// statusForCode maps ErrorEnvelope codes to HTTP status codes.
var statusForCode = map[string]int{
	model.ErrBadRequest:    http.StatusBadRequest,
	model.ErrUnauthorized:  http.StatusUnauthorized,
	model.ErrForbidden:     http.StatusForbidden,
	model.ErrNotFound:      http.StatusNotFound,
	model.ErrConflict:      http.StatusConflict,
	model.ErrPrecondition:  http.StatusBadRequest,
	model.ErrDefinition:    http.StatusUnprocessableEntity,
	model.ErrCascadeLimit:  http.StatusUnprocessableEntity,
	model.ErrInternalError: http.StatusInternalServerError,
}

// StatusForError returns the HTTP status an error is rendered with.
func StatusForError(err error) int {
	status := statusForCode[model.CodeOf(err)]
	if status == 0 {
		return http.StatusInternalServerError
	}
	return status
}

type errorResponse struct {
	Error *model.ErrorEnvelope `json:"error"`
}

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if body != nil {
		json.NewEncoder(w).Encode(body)
	}
}

// WriteError writes an ErrorEnvelope as a JSON response with the correct
// HTTP status code. Errors that are not envelopes become a generic 500 so
// infrastructure details never leak.
func WriteError(w http.ResponseWriter, err error) {
	var ee *model.ErrorEnvelope
	if !errors.As(err, &ee) {
		ee = model.NewInternalError()
	}
	WriteJSON(w, StatusForError(ee), errorResponse{Error: ee})
}

// decodeJSON decodes a bounded JSON request body into v. An empty body
// leaves v untouched.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return model.NewBadRequestError("invalid JSON body")
	}
	return nil
}

// queryInt reads a positive integer query parameter, falling back to def.
func queryInt(r *http.Request, key string, def int) int {
	v, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil || v < 1 {
		return def
	}
	return v
}
