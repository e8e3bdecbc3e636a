package task

import "context"

// ProgressFunc receives the cumulative amount of completed work, typically a
// byte count.
type ProgressFunc func(completed int64)

// Operation is the work an Executor performs for its record.
//
// Execute must return promptly once ctx is cancelled; that is how pause and
// abort reach the work. Returning an *OperationError lets the operation hint
// whether the failure is worth retrying.
// Version: 1.0
type Operation interface {
	Execute(ctx context.Context, progress ProgressFunc) error
}

// OperationFunc adapts an ordinary function to the Operation interface
type OperationFunc func(ctx context.Context, progress ProgressFunc) error

// Execute calls f(ctx, progress)
func (f OperationFunc) Execute(ctx context.Context, progress ProgressFunc) error {
	return f(ctx, progress)
}
