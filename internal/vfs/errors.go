package vfs

import (
	"errors"
	"fmt"
)

// Error kinds. Match them with errors.Is; every error produced by this
// package and its providers wraps exactly one of them.
var (
	ErrNotFound           = errors.New("not found")
	ErrAlreadyExists      = errors.New("already exists")
	ErrPermissionDenied   = errors.New("permission denied")
	ErrPartialFailure     = errors.New("partial failure")
	ErrBackendUnavailable = errors.New("backend unavailable")
	ErrInvalidArgument    = errors.New("invalid argument")
	ErrDirectoryNotEmpty  = errors.New("directory not empty")
)

// Error wraps a filesystem error with the operation and the subject it
// concerns. Subject is a selector description and is safe to log.
type Error struct {
	Op      string
	Subject string
	Err     error
}

func (e *Error) Error() string {
	if e.Subject == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Subject, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates an Error for op on subject.
func NewError(op, subject string, err error) *Error {
	return &Error{Op: op, Subject: subject, Err: err}
}

// Unavailable marks a transport or provider failure as BackendUnavailable
// while keeping the cause in the chain.
func Unavailable(op, subject string, cause error) error {
	if cause == nil {
		return nil
	}
	if errors.Is(cause, ErrBackendUnavailable) {
		return NewError(op, subject, cause)
	}
	return NewError(op, subject, fmt.Errorf("%w: %w", ErrBackendUnavailable, cause))
}

// SafeMessage returns a stable, non-leaking message for user-facing errors.
func SafeMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrPartialFailure):
		return "operation partially failed"
	case errors.Is(err, ErrNotFound):
		return "subject does not exist"
	case errors.Is(err, ErrPermissionDenied):
		return "access denied"
	case errors.Is(err, ErrAlreadyExists):
		return "an item with the same name already exists"
	case errors.Is(err, ErrDirectoryNotEmpty):
		return "directory is not empty"
	case errors.Is(err, ErrInvalidArgument):
		return "invalid argument"
	case errors.Is(err, ErrBackendUnavailable):
		return "storage temporarily unavailable"
	default:
		return "internal error"
	}
}
