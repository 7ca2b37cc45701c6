package response

import (
	"fmt"
	"net/http"
)

// Error is an HTTP error carried through handlers until it is written by WriteError
type Error struct {
	StatusCode int
	Message    string
	Messages   []string
	Retryable  bool
}

func (e *Error) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

func (e *Error) WithMessage(msg string) *Error {
	e.Message = msg
	return e
}

func (e *Error) AddMessages(msgs ...string) *Error {
	e.Messages = append(e.Messages, msgs...)
	return e
}

// AsRetryable marks the error as transient, the caller should try again later
func (e *Error) AsRetryable() *Error {
	e.Retryable = true
	return e
}

func makeError(status int) *Error {
	return &Error{
		StatusCode: status,
		Messages:   make([]string, 0),
	}
}

// -----------------------------------------------

func ErrUnexpected() *Error {
	return makeError(http.StatusInternalServerError).
		WithMessage("An unexpected error has occured")
}

func ErrBadRequest() *Error {
	return makeError(http.StatusBadRequest).
		WithMessage("Bad request")
}

func ErrUnauthorized() *Error {
	return makeError(http.StatusUnauthorized).
		WithMessage("Unauthorized")
}

func ErrForbidden() *Error {
	return makeError(http.StatusForbidden).
		WithMessage("Forbidden")
}

func ErrNotFound() *Error {
	return makeError(http.StatusNotFound).
		WithMessage("Requested resources not found")
}

func ErrMethodNotAllowed() *Error {
	return makeError(http.StatusMethodNotAllowed).
		WithMessage("Method not allowed")
}

func ErrConflict() *Error {
	return makeError(http.StatusConflict).
		WithMessage("Conflict")
}

func ErrRequestTooLarge() *Error {
	return makeError(http.StatusRequestEntityTooLarge).
		WithMessage("Request body too large")
}

func ErrQuotaExceeded() *Error {
	return makeError(http.StatusTooManyRequests).
		WithMessage("Usage quota exceeded")
}

func ErrTooManyRequests() *Error {
	return makeError(http.StatusTooManyRequests).
		WithMessage("Too many requests")
}

func ErrServiceUnavailable() *Error {
	return makeError(http.StatusServiceUnavailable).
		WithMessage("Service temporarily unavailable").
		AsRetryable()
}

func ErrInvalidJson() *Error {
	return ErrBadRequest().AddMessages("Invalid JSON body")
}

func ErrNoBearer() *Error {
	return ErrUnauthorized().AddMessages("No valid Bearer token found in header")
}

func ErrMissingSignature() *Error {
	return ErrBadRequest().WithMessage("Missing signature")
}

func ErrInvalidSignature() *Error {
	return ErrBadRequest().WithMessage("Invalid signature")
}
