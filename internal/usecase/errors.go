package usecase

import (
	"errors"
	"fmt"
)

type ErrorCode string

const (
	ErrorInvalidInput ErrorCode = "INVALID_INPUT"
	ErrorNotFound     ErrorCode = "NOT_FOUND"
	ErrorInternal     ErrorCode = "INTERNAL_ERROR"
)

// Error is the only error type the service surfaces to its callers. Gateway
// and persistence failures during Handle never become an Error; they are
// absorbed into the result.
type Error struct {
	Code   ErrorCode
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("usecase: %s (%s)", e.Code, e.Reason)
	}
	return fmt.Sprintf("usecase: %s (%s): %v", e.Code, e.Reason, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is matches another *Error with the same code, so callers can test with
// errors.Is(err, &Error{Code: ErrorNotFound}). An empty Reason on the target
// matches any reason.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || e == nil || t == nil {
		return false
	}
	return e.Code == t.Code && (t.Reason == "" || e.Reason == t.Reason)
}

// CodeOf returns the code carried by err, or ErrorInternal for any error
// that did not originate here.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) && e != nil {
		return e.Code
	}
	return ErrorInternal
}

// ReasonOf returns the reason carried by err, or "" for foreign errors.
func ReasonOf(err error) string {
	var e *Error
	if errors.As(err, &e) && e != nil {
		return e.Reason
	}
	return ""
}

func newError(code ErrorCode, reason string, err error) *Error {
	return &Error{Code: code, Reason: reason, Err: err}
}
