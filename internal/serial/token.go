package serial

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// Cancellation causes attached to a token's context
var (
	// ErrTokenCancelled is the cause used by Token.Cancel
	ErrTokenCancelled = errors.New("serial token cancelled")

	// ErrQueueReset is the cause used when StopAndReset discards a token
	ErrQueueReset = errors.New("serial queue reset")
)

// WorkFunc is one unit of serial work. It receives the token it runs under so
// it can check Invalidated before publishing a result.
type WorkFunc func(ctx context.Context, tok *Token) error

// Token wraps one unit of work queued on a Queue. The optional key and
// request identify the target the work is bound to and what it produces for
// that target; see Binder.
type Token struct {
	key     string
	request string
	work    WorkFunc

	ctx    context.Context
	cancel context.CancelCauseFunc

	started     atomic.Bool
	invalidated atomic.Bool

	finishOnce sync.Once
	done       chan struct{}
	err        error

	// onFinish runs once before Done is closed. It may be called with the
	// queue's lock held.
	onFinish func(*Token)
}

// NewToken creates a pending token
func NewToken(key, request string, work WorkFunc) *Token {
	ctx, cancel := context.WithCancelCause(context.Background())
	return &Token{
		key:     key,
		request: request,
		work:    work,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
}

// Key returns the target key, empty for unbound work
func (t *Token) Key() string {
	return t.key
}

// Request returns the logical request the token was created for
func (t *Token) Request() string {
	return t.request
}

// Started reports whether the queue has begun executing the token
func (t *Token) Started() bool {
	return t.started.Load()
}

// Invalidated reports whether the token finished or was superseded. Results
// produced by an invalidated token must be discarded.
func (t *Token) Invalidated() bool {
	return t.invalidated.Load()
}

// Cancelled reports whether cancellation was requested
func (t *Token) Cancelled() bool {
	return t.ctx.Err() != nil
}

// Cancel invalidates the token and cancels its context. A pending token is
// skipped when it reaches the head of the queue; a running one is asked to
// stop.
func (t *Token) Cancel() {
	t.cancelWithCause(ErrTokenCancelled)
}

// Done is closed once the token's work has returned or the token was
// discarded without running.
func (t *Token) Done() <-chan struct{} {
	return t.done
}

// Err returns the error from the work function once Done is closed
func (t *Token) Err() error {
	select {
	case <-t.done:
		return t.err
	default:
		return nil
	}
}

func (t *Token) cancelWithCause(cause error) {
	t.invalidated.Store(true)
	t.cancel(cause)
}

func (t *Token) invalidate() {
	t.invalidated.Store(true)
}

// finish records the outcome and closes Done. Only the first call counts.
func (t *Token) finish(err error) {
	t.finishOnce.Do(func() {
		t.err = err
		if t.onFinish != nil {
			t.onFinish(t)
		}
		close(t.done)
	})
}
