package crud

import (
	"fmt"
	"net/http"
)

// FieldError is one structured validation violation.
type FieldError struct {
	Code    string `json:"code"`
	Field   string `json:"field"`
	Message string `json:"message"`
}

const (
	ErrRequired     = "required"
	ErrTypeMismatch = "type_mismatch"
	ErrEnumInvalid  = "enum_invalid"
)

func ferr(code, field, msg string) FieldError {
	return FieldError{Code: code, Field: field, Message: msg}
}

// Error is a status-coded failure surfaced to the transport layer as a
// JSON envelope. The engine never lets classified failures escape as
// anything else.
type Error struct {
	Status  int          `json:"-"`
	Message string       `json:"error,omitempty"`
	Details []FieldError `json:"errors,omitempty"`
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.cause }

func errNotFound(what string) *Error {
	return &Error{Status: http.StatusNotFound, Message: what + " not found"}
}

func errForbidden() *Error {
	return &Error{Status: http.StatusForbidden, Message: "forbidden"}
}

func errBadRequest(msg string) *Error {
	return &Error{Status: http.StatusBadRequest, Message: msg}
}

func errValidation(details []FieldError) *Error {
	return &Error{Status: http.StatusUnprocessableEntity, Message: "validation failed", Details: details}
}

func errTooManyRequests() *Error {
	return &Error{Status: http.StatusTooManyRequests, Message: "rate limit exceeded"}
}

func errInternal(msg string, cause error) *Error {
	return &Error{Status: http.StatusInternalServerError, Message: msg, cause: cause}
}
