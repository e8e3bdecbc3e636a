package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sethvargo/go-retry"
)

// ManagerConfig holds configuration options for the task manager
type ManagerConfig struct {
	// Retry is the policy applied when a failed executor asks to be retried
	Retry RetryPolicy

	// Backoff, when set, produces the per-task backoff sequence instead of Retry
	Backoff func() retry.Backoff
}

// DefaultManagerConfig returns a ManagerConfig with reasonable defaults
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		Retry: DefaultRetryPolicy(),
	}
}

// Manager tracks active executors by record id, relays their lifecycle events
// to listeners and restarts failed tasks according to its retry policy.
//
// The listener list is copy-on-write: registration swaps in a new immutable
// snapshot, and each fan-out iterates the snapshot it loaded when it began.
type Manager struct {
	listeners  atomic.Pointer[[]Listener]
	listenerMu sync.Mutex

	mu         sync.Mutex
	active     map[string]*Executor
	order      []string
	backoffs   map[string]retry.Backoff
	timers     map[string]*time.Timer
	newBackoff func() retry.Backoff
	closed     bool

	logger *slog.Logger
}

// NewManager creates a new manager with the specified configuration
func NewManager(config ManagerConfig, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	newBackoff := config.Backoff
	if newBackoff == nil {
		newBackoff = config.Retry.NewBackoff
	}

	m := &Manager{
		active:     make(map[string]*Executor),
		backoffs:   make(map[string]retry.Backoff),
		timers:     make(map[string]*time.Timer),
		newBackoff: newBackoff,
		logger:     logger.With("component", "task_manager"),
	}
	empty := []Listener{}
	m.listeners.Store(&empty)
	return m
}

// SetRetryPolicy replaces the retry policy for tasks that fail from now on.
// Backoff sequences already in progress are kept.
func (m *Manager) SetRetryPolicy(policy RetryPolicy) {
	m.mu.Lock()
	m.newBackoff = policy.NewBackoff
	m.mu.Unlock()
	m.logger.Info("retry policy updated",
		"max_retries", policy.MaxRetries,
		"base_delay", policy.BaseDelay,
		"max_delay", policy.MaxDelay)
}

// Add attaches e to the manager and tracks it as active
func (m *Manager) Add(e *Executor) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrManagerClosed
	}
	id := e.ID()
	if _, ok := m.active[id]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateTask, id)
	}
	e.attach(m)
	m.trackLocked(e)
	m.logger.Debug("task added", "task_id", id, "active_count", len(m.active))
	return nil
}

// Get returns the active executor for id
func (m *Manager) Get(id string) (*Executor, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.active[id]
	return e, ok
}

// Len returns the number of active executors
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// Active returns the records of all active executors in the order they were
// added.
func (m *Manager) Active() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	records := make([]Record, 0, len(m.order))
	for _, id := range m.order {
		records = append(records, m.active[id].Record())
	}
	return records
}

// Start starts the active executor for id, cancelling any pending retry
func (m *Manager) Start(id string) error {
	e, err := m.lookup(id)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.stopTimerLocked(id)
	m.mu.Unlock()
	return e.Start()
}

// Pause pauses the active executor for id
func (m *Manager) Pause(id string) error {
	e, err := m.lookup(id)
	if err != nil {
		return err
	}
	return e.Pause()
}

// Abort aborts the active executor for id and stops tracking it
func (m *Manager) Abort(id string) error {
	m.mu.Lock()
	e, ok := m.active[id]
	if ok {
		m.untrackLocked(id)
		m.stopTimerLocked(id)
		delete(m.backoffs, id)
	}
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	return e.Abort()
}

// Shutdown stops accepting executors, cancels pending retries and aborts every
// active executor. It waits for their operations to return or for ctx to end.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	for id := range m.timers {
		m.stopTimerLocked(id)
	}
	executors := make([]*Executor, 0, len(m.order))
	for _, id := range m.order {
		executors = append(executors, m.active[id])
	}
	m.active = make(map[string]*Executor)
	m.order = nil
	m.backoffs = make(map[string]retry.Backoff)
	m.mu.Unlock()

	m.logger.Info("shutting down task manager", "active_count", len(executors))
	for _, e := range executors {
		if err := e.Abort(); err != nil {
			m.logger.Warn("failed to abort task during shutdown", "task_id", e.ID(), "error", err)
		}
	}
	for _, e := range executors {
		select {
		case <-e.Done():
		case <-ctx.Done():
			return fmt.Errorf("waiting for tasks to stop: %w", ctx.Err())
		}
	}
	return nil
}

// RegisterListener adds l to the listener set. Registering the same listener
// twice has no effect.
func (m *Manager) RegisterListener(l Listener) {
	if l == nil {
		return
	}
	m.listenerMu.Lock()
	defer m.listenerMu.Unlock()

	current := *m.listeners.Load()
	if slices.Contains(current, l) {
		return
	}
	next := make([]Listener, len(current), len(current)+1)
	copy(next, current)
	next = append(next, l)
	m.listeners.Store(&next)
	m.logger.Debug("registered listener", "listener_count", len(next))
}

// UnregisterListener removes l from the listener set
func (m *Manager) UnregisterListener(l Listener) {
	m.listenerMu.Lock()
	defer m.listenerMu.Unlock()

	current := *m.listeners.Load()
	idx := slices.Index(current, l)
	if idx < 0 {
		return
	}
	next := make([]Listener, 0, len(current)-1)
	next = append(next, current[:idx]...)
	next = append(next, current[idx+1:]...)
	m.listeners.Store(&next)
	m.logger.Debug("unregistered listener", "listener_count", len(next))
}

// Listeners returns the current listener snapshot. The slice must not be modified.
func (m *Manager) Listeners() []Listener {
	return *m.listeners.Load()
}

// notifyTaskFinished is called by an executor after run r emitted OnComplete
// or OnError. The executor leaves the registry; if it asked for a retry and
// the backoff allows another attempt it is tracked again and restarted. The
// executor refuses other starts until r is reported, so e is not running here.
func (m *Manager) notifyTaskFinished(e *Executor, r *run, retryRequested bool) {
	id := e.ID()

	m.mu.Lock()
	if m.active[id] == e {
		m.untrackLocked(id)
	}
	if m.closed || !retryRequested {
		delete(m.backoffs, id)
		m.mu.Unlock()
		m.logger.Debug("task finished", "task_id", id, "status", e.Record().Status())
		return
	}
	if _, ok := m.active[id]; ok {
		// Another executor took the id over in the meantime.
		delete(m.backoffs, id)
		m.mu.Unlock()
		m.logger.Warn("not retrying task, id reused", "task_id", id)
		return
	}

	b, ok := m.backoffs[id]
	if !ok {
		b = m.newBackoff()
		m.backoffs[id] = b
	}
	delay, stop := b.Next()
	if stop {
		delete(m.backoffs, id)
		m.mu.Unlock()
		m.logger.Info("task retry budget exhausted", "task_id", id, "attempts", e.Attempts())
		return
	}

	m.trackLocked(e)
	if delay <= 0 {
		m.mu.Unlock()
		m.restart(e, r)
		return
	}
	m.timers[id] = time.AfterFunc(delay, func() {
		m.mu.Lock()
		_, pending := m.timers[id]
		delete(m.timers, id)
		closed := m.closed
		m.mu.Unlock()
		if pending && !closed {
			m.restart(e, r)
		}
	})
	m.mu.Unlock()
	m.logger.Info("task retry scheduled", "task_id", id, "delay", delay, "attempts", e.Attempts())
}

// restart starts e again as a retry of run r
func (m *Manager) restart(e *Executor, r *run) {
	err := e.start(r)
	if err == nil {
		m.logger.Info("retrying task", "task_id", e.ID(), "attempt", e.Attempts())
		return
	}
	if errors.Is(err, ErrInvalidState) {
		// Restarted by hand or aborted in the meantime.
		m.mu.Lock()
		delete(m.backoffs, e.ID())
		m.mu.Unlock()
		m.logger.Debug("skipping retry", "task_id", e.ID(), "error", err)
		return
	}
	m.logger.Error("failed to retry task", "task_id", e.ID(), "error", err)
	m.mu.Lock()
	if m.active[e.ID()] == e {
		m.untrackLocked(e.ID())
	}
	delete(m.backoffs, e.ID())
	m.mu.Unlock()
}

// cancelRetry drops a retry scheduled for e, if any. e stays registered.
func (m *Manager) cancelRetry(e *Executor) {
	id := e.ID()
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active[id] != e {
		return
	}
	if _, ok := m.timers[id]; !ok {
		return
	}
	m.stopTimerLocked(id)
	delete(m.backoffs, id)
	m.logger.Debug("pending retry cancelled", "task_id", id)
}

func (m *Manager) lookup(id string) (*Executor, error) {
	e, ok := m.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	return e, nil
}

func (m *Manager) trackLocked(e *Executor) {
	m.active[e.ID()] = e
	m.order = append(m.order, e.ID())
}

func (m *Manager) untrackLocked(id string) {
	delete(m.active, id)
	if idx := slices.Index(m.order, id); idx >= 0 {
		m.order = slices.Delete(m.order, idx, idx+1)
	}
}

func (m *Manager) stopTimerLocked(id string) {
	if t, ok := m.timers[id]; ok {
		t.Stop()
		delete(m.timers, id)
	}
}

// fanOut delivers one event to every listener in the current snapshot. A
// panicking listener is logged and skipped.
func (m *Manager) fanOut(event string, r Record, deliver func(Listener)) {
	for i, l := range *m.listeners.Load() {
		func() {
			defer func() {
				if p := recover(); p != nil {
					m.logger.Error("listener panicked",
						"event", event,
						"task_id", r.ID(),
						"listener_index", i,
						"panic", p)
				}
			}()
			deliver(l)
		}()
	}
}

func (m *Manager) notifyStart(r Record) {
	m.fanOut("start", r, func(l Listener) { l.OnStart(r) })
}

func (m *Manager) notifyStop(r Record) {
	m.fanOut("stop", r, func(l Listener) { l.OnStop(r) })
}

func (m *Manager) notifyAbort(r Record) {
	m.fanOut("abort", r, func(l Listener) { l.OnAbort(r) })
}

func (m *Manager) notifyDoing(r Record, completed int64) {
	m.fanOut("doing", r, func(l Listener) { l.OnDoing(r, completed) })
}

func (m *Manager) notifyComplete(r Record) {
	m.fanOut("complete", r, func(l Listener) { l.OnComplete(r) })
}

func (m *Manager) notifyError(r Record, message string) {
	m.fanOut("error", r, func(l Listener) { l.OnError(r, message) })
}
