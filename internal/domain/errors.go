package domain

import (
	"errors"
	"fmt"
)

// ErrorCode is the machine-readable code sent to clients.
type ErrorCode string

const (
	ErrCodeNotFound     ErrorCode = "NOT_FOUND"
	ErrCodeAccessDenied ErrorCode = "ACCESS_DENIED"
	ErrCodeInvalidState ErrorCode = "INVALID_STATUS"
	ErrCodeValidation   ErrorCode = "VALIDATION_ERROR"
	ErrCodeInvalidXpub  ErrorCode = "INVALID_XPUB"
	ErrCodeConflict     ErrorCode = "CONFLICT"
)

// Error is a precondition failure. No state was changed when one is
// returned.
type Error struct {
	Code    ErrorCode
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is matches on code so callers can use errors.Is with the sentinels below.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// Sentinels for errors.Is.
var (
	ErrNotFound     = &Error{Code: ErrCodeNotFound}
	ErrAccessDenied = &Error{Code: ErrCodeAccessDenied}
	ErrInvalidState = &Error{Code: ErrCodeInvalidState}
	ErrValidation   = &Error{Code: ErrCodeValidation}
	ErrInvalidXpub  = &Error{Code: ErrCodeInvalidXpub}
	ErrConflict     = &Error{Code: ErrCodeConflict}
)

// NotFound returns a NOT_FOUND error for the named entity.
func NotFound(kind string, id fmt.Stringer) *Error {
	return &Error{Code: ErrCodeNotFound, Message: fmt.Sprintf("%s %s not found", kind, id)}
}

// AccessDenied returns an ACCESS_DENIED error.
func AccessDenied(msg string) *Error {
	return &Error{Code: ErrCodeAccessDenied, Message: msg}
}

// InvalidStatus returns an INVALID_STATUS error.
func InvalidStatus(format string, args ...any) *Error {
	return &Error{Code: ErrCodeInvalidState, Message: fmt.Sprintf(format, args...)}
}

// Validation returns a VALIDATION_ERROR.
func Validation(format string, args ...any) *Error {
	return &Error{Code: ErrCodeValidation, Message: fmt.Sprintf(format, args...)}
}

// AsError extracts a domain error from err.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}
