package serial

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"slices"
	"sync"
	"time"
)

// QueueConfig holds configuration options for a serial queue
type QueueConfig struct {
	// TokenTimeout bounds how long one token may run. Zero waits forever.
	TokenTimeout time.Duration
}

// DefaultQueueConfig returns a QueueConfig with reasonable defaults
func DefaultQueueConfig() QueueConfig {
	return QueueConfig{}
}

// Queue runs tokens one at a time in FIFO order.
//
// The head of the queue is only removed by NotifyTaskFinished, never when it
// starts, so repeated TryStart calls cannot start the same token twice. Once
// started the queue pumps itself: every finished token triggers TryStart for
// the next one. Stop only suppresses new starts; the running token is left
// alone. A token cancelled by StopAndReset stays current until its work
// returns, so a restarted queue never runs two tokens at once.
type Queue struct {
	mu      sync.Mutex
	pending []*Token
	working bool
	current *Token

	timeout time.Duration
	logger  *slog.Logger
}

// NewQueue creates a stopped, empty queue
func NewQueue(config QueueConfig, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		timeout: config.TokenTimeout,
		logger:  logger.With("component", "serial_queue"),
	}
}

// AddNewTask appends tok to the tail. It does not start anything.
func (q *Queue) AddNewTask(tok *Token) {
	q.mu.Lock()
	q.pending = append(q.pending, tok)
	n := len(q.pending)
	q.mu.Unlock()

	q.logger.Debug("token enqueued", "key", tok.Key(), "request", tok.Request(), "queue_len", n)
}

// Start allows the queue to start tokens. Call TryStart to begin pumping.
func (q *Queue) Start() {
	q.mu.Lock()
	q.working = true
	q.mu.Unlock()
}

// Stop prevents new tokens from starting. The current token keeps running.
func (q *Queue) Stop() {
	q.mu.Lock()
	q.working = false
	q.mu.Unlock()
}

// Working reports whether the queue may start tokens
func (q *Queue) Working() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.working
}

// Len returns the number of queued tokens, including a running head
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Current returns the running token, or nil. After StopAndReset it is the
// cancelled token until that token's work returns.
func (q *Queue) Current() *Token {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.current
}

// TryStart starts the head token if the queue is working and the head has not
// started yet. Tokens cancelled while pending are discarded on the way.
func (q *Queue) TryStart() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tryStartLocked()
}

func (q *Queue) tryStartLocked() {
	if !q.working || q.current != nil {
		return
	}
	for len(q.pending) > 0 {
		head := q.pending[0]
		if head.Started() {
			return
		}
		if head.Cancelled() {
			q.pending = q.pending[1:]
			head.invalidate()
			head.finish(context.Cause(head.ctx))
			q.logger.Debug("skipped cancelled token", "key", head.Key(), "request", head.Request())
			continue
		}
		head.started.Store(true)
		q.current = head
		q.logger.Debug("token started", "key", head.Key(), "request", head.Request(), "queue_len", len(q.pending))
		go q.run(head)
		return
	}
}

// NotifyTaskFinished removes tok from the queue, invalidates it and pumps the
// next token if the queue is working. A token that is neither queued nor
// current is only invalidated.
func (q *Queue) NotifyTaskFinished(tok *Token) {
	q.mu.Lock()
	defer q.mu.Unlock()

	tok.invalidate()
	idx := slices.Index(q.pending, tok)
	if idx >= 0 {
		q.pending = slices.Delete(q.pending, idx, idx+1)
	}
	current := q.current == tok
	if current {
		q.current = nil
	}
	if idx < 0 && !current {
		return
	}
	q.tryStartLocked()
}

// StopAndReset cancels the running token, discards every pending token and
// stops the queue. The cancelled token keeps the queue busy until its work
// returns.
func (q *Queue) StopAndReset() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.current != nil {
		q.current.cancelWithCause(ErrQueueReset)
	}
	discarded := 0
	for _, tok := range q.pending {
		if tok.Started() {
			continue
		}
		tok.cancelWithCause(ErrQueueReset)
		tok.finish(ErrQueueReset)
		discarded++
	}
	q.pending = nil
	q.working = false
	q.logger.Debug("queue reset", "discarded", discarded, "draining", q.current != nil)
}

// run executes tok and reports it finished
func (q *Queue) run(tok *Token) {
	ctx := tok.ctx
	if q.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, q.timeout)
		defer cancel()
	}

	err := q.invoke(ctx, tok)
	if err != nil {
		q.logger.Debug("token failed", "key", tok.Key(), "request", tok.Request(), "error", err)
	}
	q.NotifyTaskFinished(tok)
	tok.finish(err)
}

func (q *Queue) invoke(ctx context.Context, tok *Token) (err error) {
	defer func() {
		if p := recover(); p != nil {
			q.logger.Error("serial work panicked",
				"key", tok.Key(),
				"panic", p,
				"stack", string(debug.Stack()))
			err = fmt.Errorf("serial work panicked: %v", p)
		}
	}()
	return tok.work(ctx, tok)
}
