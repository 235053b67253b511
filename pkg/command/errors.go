package command

import (
	"errors"
	"fmt"
)

var (
	// ErrDuplicateIdempotencyKey is returned when a submission reuses an
	// idempotency key. Callers should re-fetch the original command by
	// key instead of retrying the submission.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

	// ErrCommandNotFound is returned when no command exists for an id.
	ErrCommandNotFound = errors.New("command not found")

	// ErrHandlerConflict is returned when a second handler is registered
	// for a command type. This is a configuration error and must abort
	// startup.
	ErrHandlerConflict = errors.New("handler already registered")

	// ErrNoHandler is returned when no handler is registered for a
	// command type.
	ErrNoHandler = errors.New("no handler registered")
)

// HandlerConflictError names the command type whose registration collided.
type HandlerConflictError struct {
	CommandType string
}

func (e *HandlerConflictError) Error() string {
	return fmt.Sprintf("handler already registered for command type: %s", e.CommandType)
}

func (e *HandlerConflictError) Is(target error) bool {
	return target == ErrHandlerConflict
}

// PermanentError marks a business or validation failure that must not
// be retried. It drives the command to FAILED and, inside a process,
// triggers compensation.
type PermanentError struct {
	Reason string
}

func (e *PermanentError) Error() string { return e.Reason }

// NewPermanentError creates a non-retryable failure.
func NewPermanentError(format string, args ...any) error {
	return &PermanentError{Reason: fmt.Sprintf(format, args...)}
}

// TransientError marks a failure that is expected to clear on retry
// (timeouts, connection failures, temporary unavailability).
type TransientError struct {
	Reason string
}

func (e *TransientError) Error() string { return e.Reason }

// NewTransientError creates a retryable failure.
func NewTransientError(format string, args ...any) error {
	return &TransientError{Reason: fmt.Sprintf(format, args...)}
}

// IsPermanent reports whether err is classified as non-retryable.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// IsTransient reports whether err is classified as retryable.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
