package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/phrazzld/xengine/internal/speed"
)

// closedDone is returned by Executor.Done before the first run
var closedDone = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

// ExecutorOption customises an Executor
type ExecutorOption func(*Executor)

// WithSpeedTracker feeds every progress report into t
func WithSpeedTracker(t *speed.Tracker) ExecutorOption {
	return func(e *Executor) {
		e.tracker = t
	}
}

// WithLogger sets the logger used for operation panics and lifecycle debugging
func WithLogger(logger *slog.Logger) ExecutorOption {
	return func(e *Executor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithAbortStatus sets the status a DOING record is moved to by Abort.
// The default is StatusTodo.
func WithAbortStatus(status Status) ExecutorOption {
	return func(e *Executor) {
		e.abortStatus = status
	}
}

// WithClock replaces time.Now for speed sampling
func WithClock(now func() time.Time) ExecutorOption {
	return func(e *Executor) {
		if now != nil {
			e.now = now
		}
	}
}

// run is one attempt at executing the operation
type run struct {
	manager  *Manager
	ctx      context.Context
	cancel   context.CancelCauseFunc
	done     chan struct{}
	finished atomic.Bool

	// Guarded by Executor.mu. reported is set once the run's final events went
	// out; abandoned once Abort ruled out a retry of the run.
	reported  bool
	abandoned bool
}

// Executor drives one Record through start, pause, abort and completion.
//
// An executor must be added to a Manager before any lifecycle method is used;
// the manager relays its events to listeners and decides about retries. The
// executor holds a non-owning reference back to that manager.
type Executor struct {
	record      Record
	op          Operation
	tracker     *speed.Tracker
	logger      *slog.Logger
	now         func() time.Time
	abortStatus Status

	mu       sync.Mutex
	manager  *Manager
	current  *run
	attempts int
}

// NewExecutor creates an executor for record that performs op when started
func NewExecutor(record Record, op Operation, opts ...ExecutorOption) *Executor {
	e := &Executor{
		record:      record,
		op:          op,
		logger:      slog.Default(),
		now:         time.Now,
		abortStatus: StatusTodo,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("task_id", record.ID(), "task_type", record.Type())
	return e
}

// ID returns the id of the wrapped record
func (e *Executor) ID() string {
	return e.record.ID()
}

// Record returns the wrapped record
func (e *Executor) Record() Record {
	return e.record
}

// Speed returns the smoothed progress rate in units per second, or 0 when the
// executor has no speed tracker.
func (e *Executor) Speed() float64 {
	if e.tracker == nil {
		return 0
	}
	return e.tracker.Rate()
}

// Attempts returns how many times the executor has been started
func (e *Executor) Attempts() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.attempts
}

// Done returns a channel that is closed when the most recent run has returned
// from its operation. It is already closed if the executor never ran.
func (e *Executor) Done() <-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.current == nil {
		return closedDone
	}
	return e.current.done
}

func (e *Executor) attach(m *Manager) {
	e.mu.Lock()
	e.manager = m
	e.mu.Unlock()
}

// Start moves a TODO or ERROR record to DOING, emits OnStart and runs the
// operation on a new goroutine. It fails with ErrInvalidState while the
// previous run is still reporting its outcome.
func (e *Executor) Start() error {
	return e.start(nil)
}

// start begins a new run. after is the run whose failure asked for this
// retry; only that run's own report may start the executor before it is
// reported.
func (e *Executor) start(after *run) error {
	e.mu.Lock()
	m := e.manager
	if m == nil {
		e.mu.Unlock()
		return fmt.Errorf("start task %s: %w", e.ID(), ErrUnattached)
	}
	prev := e.current
	if after != nil && (prev != after || after.abandoned) {
		e.mu.Unlock()
		return fmt.Errorf("retry task %s: run was superseded or aborted: %w", e.ID(), ErrInvalidState)
	}
	if prev != nil && prev != after && !prev.reported {
		e.mu.Unlock()
		return fmt.Errorf("start task %s: previous run still finishing: %w", e.ID(), ErrInvalidState)
	}
	status := e.record.Status()
	if !Startable(status) {
		e.mu.Unlock()
		return fmt.Errorf("start task %s in status %s: %w", e.ID(), status, ErrInvalidState)
	}

	ctx, cancel := context.WithCancelCause(context.Background())
	r := &run{
		manager: m,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	e.record.SetStatus(StatusDoing)
	e.current = r
	e.attempts++
	attempt := e.attempts
	if e.tracker != nil {
		e.tracker.Reset()
	}
	e.mu.Unlock()

	e.logger.Debug("starting task", "attempt", attempt)
	m.notifyStart(e.record)
	go e.execute(r)
	return nil
}

// Pause asks a DOING record's operation to stop at its next safe point. When
// the operation returns the record goes back to TODO and OnStop is emitted.
func (e *Executor) Pause() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.manager == nil {
		return fmt.Errorf("pause task %s: %w", e.ID(), ErrUnattached)
	}
	status := e.record.Status()
	if status != StatusDoing || e.current == nil || e.current.finished.Load() {
		return fmt.Errorf("pause task %s in status %s: %w", e.ID(), status, ErrInvalidState)
	}
	e.current.cancel(ErrPaused)
	return nil
}

// Abort cancels the in-flight run, if any, and any retry the manager has
// scheduled for it, then emits OnAbort. A DOING record is moved to the
// executor's abort status; nothing else is emitted for the aborted run.
func (e *Executor) Abort() error {
	e.mu.Lock()
	m := e.manager
	if m == nil {
		e.mu.Unlock()
		return fmt.Errorf("abort task %s: %w", e.ID(), ErrUnattached)
	}
	if r := e.current; r != nil {
		r.abandoned = true
		if r.finished.CompareAndSwap(false, true) {
			r.reported = true
			r.cancel(ErrAborted)
		}
	}
	if e.record.Status() == StatusDoing {
		e.record.SetStatus(e.abortStatus)
	}
	e.mu.Unlock()

	m.cancelRetry(e)
	e.logger.Debug("task aborted")
	m.notifyAbort(e.record)
	return nil
}

// execute runs the operation and converts its outcome into lifecycle events
func (e *Executor) execute(r *run) {
	defer close(r.done)

	err := e.invoke(r)

	e.mu.Lock()
	if !r.finished.CompareAndSwap(false, true) {
		// Aborted while running; Abort already reported it.
		e.mu.Unlock()
		r.cancel(nil)
		return
	}
	paused := err != nil && errors.Is(context.Cause(r.ctx), ErrPaused)
	switch {
	case err == nil:
		e.record.SetStatus(StatusDone)
	case paused:
		e.record.SetStatus(StatusTodo)
	default:
		e.record.SetStatus(StatusError)
	}
	e.mu.Unlock()
	r.cancel(nil)

	m := r.manager
	switch {
	case err == nil:
		e.logger.Debug("task completed")
		m.notifyComplete(e.record)
		m.notifyTaskFinished(e, r, false)
	case paused:
		e.logger.Debug("task paused")
		m.notifyStop(e.record)
	default:
		retry := retryHint(err)
		e.logger.Debug("task failed", "error", err, "retry_hint", retry)
		m.notifyError(e.record, err.Error())
		m.notifyTaskFinished(e, r, retry)
	}

	e.mu.Lock()
	r.reported = true
	e.mu.Unlock()
}

// invoke calls the operation, turning a panic into a non-retryable failure
func (e *Executor) invoke(r *run) (err error) {
	defer func() {
		if p := recover(); p != nil {
			e.logger.Error("task operation panicked",
				"panic", p,
				"stack", string(debug.Stack()))
			err = Failuref(false, "task panicked: %v", p)
		}
	}()
	return e.op.Execute(r.ctx, func(completed int64) {
		e.reportProgress(r, completed)
	})
}

// reportProgress emits OnDoing for a run that has not finished yet
func (e *Executor) reportProgress(r *run, completed int64) {
	if r.finished.Load() {
		return
	}
	if e.tracker != nil {
		e.tracker.Sample(completed, e.now())
	}
	r.manager.notifyDoing(e.record, completed)
}
