// Package errclass defines the stable, machine-readable error classes returned by
// the timeline engine and its storage and lock adapters.
package errclass

import (
	"errors"
	"fmt"
)

// Error is a stable, machine-readable error class.
type Error struct {
	Code    string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	msg := e.Code
	if e.Message != "" {
		msg = fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

// Is matches any error of the same class, regardless of message or cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && e.Code == t.Code
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// WithMessage returns a new Error with the same Code but a specific message.
func (e *Error) WithMessage(msg string) *Error {
	return &Error{Code: e.Code, Message: msg}
}

// WithMessagef returns a new Error with a formatted message.
func (e *Error) WithMessagef(format string, args ...any) *Error {
	return &Error{Code: e.Code, Message: fmt.Sprintf(format, args...)}
}

// Wrap returns a new Error of the same class carrying cause.
func (e *Error) Wrap(cause error, format string, args ...any) *Error {
	return &Error{Code: e.Code, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// Timeline error classes.
var (
	ErrValidation    = &Error{Code: "E_VALIDATION"}
	ErrAlreadyExists = &Error{Code: "E_ALREADY_EXISTS"}
	ErrNotFound      = &Error{Code: "E_NOT_FOUND"}
	ErrStorageIO     = &Error{Code: "E_STORAGE_IO"}
)

// Ambient error classes.
var (
	ErrNameInvalid       = &Error{Code: "E_NAME_INVALID"}
	ErrLockConflict      = &Error{Code: "E_LOCK_CONFLICT"}
	ErrLockExpired       = &Error{Code: "E_LOCK_EXPIRED"}
	ErrLockNotHeld       = &Error{Code: "E_LOCK_NOT_HELD"}
	ErrFencingMismatch   = &Error{Code: "E_FENCING_MISMATCH"}
	ErrFormatUnsupported = &Error{Code: "E_FORMAT_UNSUPPORTED"}
	ErrAuditChainBroken  = &Error{Code: "E_AUDIT_CHAIN_BROKEN"}
)

// Checkf returns a validation error when cond is false.
func Checkf(cond bool, format string, args ...any) error {
	if cond {
		return nil
	}
	return ErrValidation.WithMessagef(format, args...)
}

// CodeOf returns the class code carried by err, or "" when err is unclassed.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
