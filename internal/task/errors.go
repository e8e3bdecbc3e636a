package task

import (
	"errors"
	"fmt"
)

// Common errors returned by executors and managers
var (
	// ErrInvalidState is returned when a lifecycle method is called on a record
	// whose status does not allow it (e.g. Start while already DOING).
	ErrInvalidState = errors.New("invalid task state")

	// ErrUnattached is returned when an executor is used before it has been
	// added to a Manager.
	ErrUnattached = errors.New("executor is not attached to a manager")

	// ErrCancelled is the root cause of every pause and abort request.
	ErrCancelled = errors.New("task cancelled")

	// ErrPaused is the cancellation cause used by Executor.Pause.
	ErrPaused = fmt.Errorf("%w: paused", ErrCancelled)

	// ErrAborted is the cancellation cause used by Executor.Abort.
	ErrAborted = fmt.Errorf("%w: aborted", ErrCancelled)

	// ErrDuplicateTask is returned when a manager already tracks an executor
	// with the same record id.
	ErrDuplicateTask = errors.New("task already registered")

	// ErrTaskNotFound is returned when no active executor has the given id.
	ErrTaskNotFound = errors.New("task not found")

	// ErrManagerClosed is returned once Shutdown has been called.
	ErrManagerClosed = errors.New("task manager is closed")
)

// OperationError reports that the underlying work of a task failed. Retry is a
// hint to the manager; whether the task actually runs again is decided by the
// manager's retry policy.
type OperationError struct {
	Message string
	Retry   bool
	Err     error
}

// Error implements the error interface
func (e *OperationError) Error() string {
	if e.Err != nil && e.Message != e.Err.Error() {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the wrapped cause
func (e *OperationError) Unwrap() error {
	return e.Err
}

// Failure wraps err as an OperationError with the given retry hint
func Failure(err error, retry bool) error {
	if err == nil {
		return nil
	}
	return &OperationError{
		Message: err.Error(),
		Retry:   retry,
		Err:     err,
	}
}

// Failuref builds a non-wrapping OperationError from a format string
func Failuref(retry bool, format string, args ...any) error {
	return &OperationError{
		Message: fmt.Sprintf(format, args...),
		Retry:   retry,
	}
}

// retryHint extracts the retry hint from err. Errors that are not
// OperationErrors never ask for a retry.
func retryHint(err error) bool {
	var opErr *OperationError
	if errors.As(err, &opErr) {
		return opErr.Retry
	}
	return false
}
