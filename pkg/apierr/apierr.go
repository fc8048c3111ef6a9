// Package apierr is the small error taxonomy the HTTP layer translates
// into status codes and {"detail": "..."} response bodies.
package apierr

import (
	"net/http"
)

// Error carries the HTTP status a handler should respond with alongside
// a message safe to show the caller.
type Error struct {
	Status  int
	Message string
}

func (e *Error) Error() string { return e.Message }

func New(status int, message string) *Error {
	return &Error{Status: status, Message: message}
}

var (
	ErrUnauthenticated = &Error{Status: http.StatusUnauthorized, Message: "authentication required"}
	ErrForbidden       = &Error{Status: http.StatusForbidden, Message: "not permitted"}
	ErrNotFound        = &Error{Status: http.StatusNotFound, Message: "not found"}
)

// Validation builds a 422 response with a caller-supplied message,
// mirroring the original system's FastAPI validation error shape.
func Validation(message string) *Error {
	return New(http.StatusUnprocessableEntity, message)
}
