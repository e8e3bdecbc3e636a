package task

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManager_AddAndActive(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(noRetry())
	for _, id := range []string{"c", "a", "b"} {
		require.NoError(t, m.Add(NewExecutor(NewRecord(id, 0), newBlockingOperation())))
	}

	err := m.Add(NewExecutor(NewRecord("a", 0), newBlockingOperation()))
	assert.ErrorIs(t, err, ErrDuplicateTask)

	ids := make([]string, 0, 3)
	for _, r := range m.Active() {
		ids = append(ids, r.ID())
	}
	assert.Equal(t, []string{"c", "a", "b"}, ids)
	assert.Equal(t, 3, m.Len())

	_, ok := m.Get("a")
	assert.True(t, ok)
	_, ok = m.Get("missing")
	assert.False(t, ok)
}

func TestManager_ControlByID(t *testing.T) {
	t.Parallel()

	m, l := newTestManager(noRetry())
	op := newBlockingOperation()
	e := NewExecutor(NewRecord("t1", 0), op)
	require.NoError(t, m.Add(e))

	assert.ErrorIs(t, m.Start("nope"), ErrTaskNotFound)
	assert.ErrorIs(t, m.Pause("nope"), ErrTaskNotFound)
	assert.ErrorIs(t, m.Abort("nope"), ErrTaskNotFound)

	require.NoError(t, m.Start("t1"))
	op.waitStarted(t)
	require.NoError(t, m.Pause("t1"))
	l.waitForCount(t, EventStop, 1)

	require.NoError(t, m.Start("t1"))
	require.NoError(t, m.Abort("t1"))
	waitDone(t, e)

	assert.Zero(t, m.Len(), "abort drops the executor")
	assert.Equal(t, []EventKind{EventStart, EventStop, EventStart, EventAbort}, l.kinds())
}

// flakyOperation fails with a retryable error until it has been called failures+1 times
func flakyOperation(failures int32, calls *atomic.Int32) Operation {
	return OperationFunc(func(ctx context.Context, p ProgressFunc) error {
		n := calls.Add(1)
		if n <= failures {
			return Failure(fmt.Errorf("attempt %d failed", n), true)
		}
		return nil
	})
}

func TestManager_RetryRestartsFailedTask(t *testing.T) {
	t.Parallel()

	m, l := newTestManager(RetryPolicy{MaxRetries: 3})
	var calls atomic.Int32
	e := NewExecutor(NewRecord("t1", 0), flakyOperation(1, &calls))
	require.NoError(t, m.Add(e))
	require.NoError(t, e.Start())

	l.waitForCount(t, EventComplete, 1)
	assert.Equal(t, []EventKind{EventStart, EventError, EventStart, EventComplete}, l.kinds())

	events := l.snapshot()
	assert.Equal(t, StatusError, events[1].status)
	assert.Equal(t, StatusDoing, events[2].status, "retry moves ERROR back to DOING")
	assert.Equal(t, StatusDone, e.Record().Status())
	assert.Equal(t, 2, e.Attempts())
	require.Eventually(t, func() bool { return m.Len() == 0 }, time.Second, 5*time.Millisecond)
}

func TestManager_RetryBudgetExhausted(t *testing.T) {
	t.Parallel()

	m, l := newTestManager(RetryPolicy{MaxRetries: 2})
	var calls atomic.Int32
	e := NewExecutor(NewRecord("t1", 0), flakyOperation(100, &calls))
	require.NoError(t, m.Add(e))
	require.NoError(t, e.Start())

	l.waitForCount(t, EventError, 3)
	waitDone(t, e)
	time.Sleep(20 * time.Millisecond)

	assert.Equal(t, int32(3), calls.Load(), "one run plus two retries")
	assert.Equal(t, 3, l.count(EventStart))
	assert.Equal(t, StatusError, e.Record().Status())
	assert.Zero(t, m.Len())
}

func TestManager_NoRetryWhenNotRequested(t *testing.T) {
	t.Parallel()

	m, l := newTestManager(RetryPolicy{MaxRetries: 5})
	e := NewExecutor(NewRecord("t1", 0), OperationFunc(func(ctx context.Context, p ProgressFunc) error {
		return Failure(errors.New("bad request"), false)
	}))
	require.NoError(t, m.Add(e))
	require.NoError(t, e.Start())

	l.waitForCount(t, EventError, 1)
	waitDone(t, e)
	time.Sleep(20 * time.Millisecond)

	assert.Equal(t, 1, e.Attempts())
	assert.Equal(t, StatusError, e.Record().Status())
	assert.Zero(t, m.Len())
}

func TestManager_RetryWithBackoffDelay(t *testing.T) {
	t.Parallel()

	m, l := newTestManager(RetryPolicy{MaxRetries: 1, BaseDelay: 20 * time.Millisecond})
	var calls atomic.Int32
	e := NewExecutor(NewRecord("t1", 0), flakyOperation(1, &calls))
	require.NoError(t, m.Add(e))
	require.NoError(t, e.Start())

	l.waitForCount(t, EventError, 1)
	// While the retry is pending the executor is tracked again
	require.Eventually(t, func() bool { return m.Len() == 1 }, time.Second, time.Millisecond)

	l.waitForCount(t, EventComplete, 1)
	assert.Equal(t, int32(2), calls.Load())
}

func TestManager_CustomBackoffHook(t *testing.T) {
	t.Parallel()

	var created atomic.Int32
	m := NewManager(ManagerConfig{
		Backoff: func() retry.Backoff {
			created.Add(1)
			return retry.WithMaxRetries(1, retry.BackoffFunc(func() (time.Duration, bool) {
				return 0, false
			}))
		},
	}, testLogger())
	l := &recordingListener{}
	m.RegisterListener(l)

	var calls atomic.Int32
	e := NewExecutor(NewRecord("t1", 0), flakyOperation(10, &calls))
	require.NoError(t, m.Add(e))
	require.NoError(t, e.Start())

	l.waitForCount(t, EventError, 2)
	waitDone(t, e)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, int32(1), created.Load(), "one backoff sequence per task")
}

func TestManager_AbortCancelsPendingRetry(t *testing.T) {
	t.Parallel()

	m, l := newTestManager(RetryPolicy{MaxRetries: 1, BaseDelay: 50 * time.Millisecond})
	var calls atomic.Int32
	e := NewExecutor(NewRecord("t1", 0), flakyOperation(1, &calls))
	require.NoError(t, m.Add(e))
	require.NoError(t, e.Start())

	l.waitForCount(t, EventError, 1)
	require.Eventually(t, func() bool { return m.Len() == 1 }, time.Second, time.Millisecond)
	require.NoError(t, m.Abort("t1"))

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
	assert.Zero(t, l.count(EventComplete))
}

func TestManager_SetRetryPolicy(t *testing.T) {
	t.Parallel()

	m, l := newTestManager(noRetry())
	m.SetRetryPolicy(RetryPolicy{MaxRetries: 1})

	var calls atomic.Int32
	e := NewExecutor(NewRecord("t1", 0), flakyOperation(1, &calls))
	require.NoError(t, m.Add(e))
	require.NoError(t, e.Start())

	l.waitForCount(t, EventComplete, 1)
	assert.Equal(t, int32(2), calls.Load())
}

func TestManager_ListenerRegistration(t *testing.T) {
	t.Parallel()

	m := NewManager(DefaultManagerConfig(), testLogger())
	a := &recordingListener{}
	b := &recordingListener{}

	m.RegisterListener(a)
	m.RegisterListener(a)
	m.RegisterListener(b)
	m.RegisterListener(nil)
	assert.Len(t, m.Listeners(), 2, "duplicate registration is a no-op")

	m.UnregisterListener(a)
	m.UnregisterListener(a)
	assert.Equal(t, []Listener{b}, m.Listeners())
}

func TestManager_FanOutOrder(t *testing.T) {
	t.Parallel()

	m := NewManager(DefaultManagerConfig(), testLogger())
	var mu sync.Mutex
	var order []string
	for _, name := range []string{"first", "second", "third"} {
		m.RegisterListener(&funcListener{onStart: func(Record) {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
		}})
	}

	e := NewExecutor(NewRecord("t1", 0), newBlockingOperation())
	require.NoError(t, m.Add(e))
	require.NoError(t, e.Start())
	require.NoError(t, e.Abort())
	waitDone(t, e)

	assert.Equal(t, []string{"first", "second", "third"}, order)
}

// funcListener forwards OnStart to a function
type funcListener struct {
	NopListener
	onStart func(Record)
}

func (l *funcListener) OnStart(r Record) {
	l.onStart(r)
}

func TestManager_RegistrationDuringFanOut(t *testing.T) {
	t.Parallel()

	m := NewManager(DefaultManagerConfig(), testLogger())
	late := &recordingListener{}
	observer := &recordingListener{}

	var self *funcListener
	self = &funcListener{onStart: func(Record) {
		m.UnregisterListener(self)
		m.RegisterListener(late)
	}}
	m.RegisterListener(self)
	m.RegisterListener(observer)

	e := NewExecutor(NewRecord("t1", 0), OperationFunc(func(ctx context.Context, progress ProgressFunc) error {
		progress(1)
		return nil
	}))
	require.NoError(t, m.Add(e))
	require.NoError(t, e.Start())

	observer.waitForCount(t, EventComplete, 1)

	// observer was in the snapshot taken for OnStart and still gets it
	assert.Equal(t, []EventKind{EventStart, EventDoing, EventComplete}, observer.kinds())
	// late joined during the OnStart fan-out and only sees later events
	assert.Equal(t, []EventKind{EventDoing, EventComplete}, late.kinds())
	assert.Equal(t, []Listener{observer, late}, m.Listeners())
}

func TestManager_ConcurrentRegistration(t *testing.T) {
	t.Parallel()

	m := NewManager(DefaultManagerConfig(), testLogger())
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				l := &recordingListener{}
				m.RegisterListener(l)
				m.UnregisterListener(l)
			}
		}(i)
	}
	for i := 0; i < 20; i++ {
		id := fmt.Sprintf("t%d", i)
		e := NewExecutor(NewRecord(id, 0), OperationFunc(func(ctx context.Context, progress ProgressFunc) error {
			progress(1)
			return nil
		}))
		require.NoError(t, m.Add(e))
		require.NoError(t, e.Start())
	}
	wg.Wait()
	assert.Empty(t, m.Listeners())
}

// panicListener panics on every start event
type panicListener struct {
	NopListener
}

func (panicListener) OnStart(Record) {
	panic("listener bug")
}

func TestManager_PanickingListenerIsIsolated(t *testing.T) {
	t.Parallel()

	m := NewManager(DefaultManagerConfig(), testLogger())
	m.RegisterListener(&panicListener{})
	l := &recordingListener{}
	m.RegisterListener(l)

	e := NewExecutor(NewRecord("t1", 0), OperationFunc(func(ctx context.Context, p ProgressFunc) error {
		return nil
	}))
	require.NoError(t, m.Add(e))
	require.NoError(t, e.Start())

	l.waitForCount(t, EventComplete, 1)
	assert.Equal(t, []EventKind{EventStart, EventComplete}, l.kinds())
}

func TestManager_Shutdown(t *testing.T) {
	t.Parallel()

	m, l := newTestManager(noRetry())
	ops := []*blockingOperation{newBlockingOperation(), newBlockingOperation()}
	for i, op := range ops {
		e := NewExecutor(NewRecord(fmt.Sprintf("t%d", i), 0), op)
		require.NoError(t, m.Add(e))
		require.NoError(t, e.Start())
		op.waitStarted(t)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, m.Shutdown(ctx))

	assert.Equal(t, 2, l.count(EventAbort))
	assert.Zero(t, m.Len())
	assert.ErrorIs(t, m.Add(NewExecutor(NewRecord("late", 0), newBlockingOperation())), ErrManagerClosed)
	assert.NoError(t, m.Shutdown(ctx), "second shutdown is a no-op")
}

func TestManager_ShutdownTimesOut(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(noRetry())
	release := make(chan struct{})
	defer close(release)
	e := NewExecutor(NewRecord("stubborn", 0), OperationFunc(func(ctx context.Context, p ProgressFunc) error {
		<-release
		return nil
	}))
	require.NoError(t, m.Add(e))
	require.NoError(t, e.Start())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := m.Shutdown(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRetryPolicy_NewBackoff(t *testing.T) {
	b := RetryPolicy{MaxRetries: 3, BaseDelay: 10 * time.Millisecond, MaxDelay: 25 * time.Millisecond}.NewBackoff()
	var delays []time.Duration
	for {
		d, stop := b.Next()
		if stop {
			break
		}
		delays = append(delays, d)
	}
	assert.Equal(t, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 25 * time.Millisecond}, delays)

	_, stop := RetryPolicy{}.NewBackoff().Next()
	assert.True(t, stop, "zero retries never restarts")
}

// restartingListener starts the task again from inside a lifecycle callback,
// the way a concurrent control request can land while a run is reporting.
type restartingListener struct {
	NopListener
	m    *Manager
	on   EventKind
	errs chan error
}

func (l *restartingListener) try(kind EventKind, r Record) {
	if kind == l.on {
		l.errs <- l.m.Start(r.ID())
	}
}

func (l *restartingListener) OnStop(r Record)            { l.try(EventStop, r) }
func (l *restartingListener) OnError(r Record, _ string) { l.try(EventError, r) }

func TestManager_StartWhileRunReportsFailureIsRejected(t *testing.T) {
	t.Parallel()

	m, l := newTestManager(noRetry())
	restarter := &restartingListener{m: m, on: EventError, errs: make(chan error, 1)}
	m.RegisterListener(restarter)

	var calls atomic.Int32
	e := NewExecutor(NewRecord("t1", 0), flakyOperation(1, &calls))
	require.NoError(t, m.Add(e))
	require.NoError(t, e.Start())

	select {
	case err := <-restarter.errs:
		assert.ErrorIs(t, err, ErrInvalidState)
	case <-time.After(2 * time.Second):
		t.Fatal("error callback not delivered")
	}
	waitDone(t, e)

	assert.Equal(t, StatusError, e.Record().Status())
	assert.Equal(t, 1, e.Attempts())
	assert.Equal(t, int32(1), calls.Load())
	assert.Zero(t, m.Len(), "a failed task without retry leaves the registry")
	assert.Equal(t, []EventKind{EventStart, EventError}, l.kinds())
}

func TestManager_StartWhilePauseReportsIsRejected(t *testing.T) {
	t.Parallel()

	m, l := newTestManager(noRetry())
	restarter := &restartingListener{m: m, on: EventStop, errs: make(chan error, 1)}
	m.RegisterListener(restarter)

	op := newBlockingOperation()
	e := NewExecutor(NewRecord("t1", 0), op)
	require.NoError(t, m.Add(e))
	require.NoError(t, e.Start())
	op.waitStarted(t)
	require.NoError(t, e.Pause())

	select {
	case err := <-restarter.errs:
		assert.ErrorIs(t, err, ErrInvalidState)
	case <-time.After(2 * time.Second):
		t.Fatal("stop callback not delivered")
	}
	waitDone(t, e)

	// Once reported, the paused task resumes normally
	require.NoError(t, m.Start("t1"))
	close(op.release)
	l.waitForCount(t, EventComplete, 1)
	assert.Equal(t, []EventKind{EventStart, EventStop, EventStart, EventComplete}, l.kinds())
}

func TestExecutor_AbortCancelsScheduledRetry(t *testing.T) {
	t.Parallel()

	m, l := newTestManager(RetryPolicy{MaxRetries: 3, BaseDelay: 50 * time.Millisecond})
	var calls atomic.Int32
	e := NewExecutor(NewRecord("t1", 0), flakyOperation(10, &calls))
	require.NoError(t, m.Add(e))
	require.NoError(t, e.Start())

	l.waitForCount(t, EventError, 1)
	waitDone(t, e)
	require.Eventually(t, func() bool { return m.Len() == 1 }, time.Second, time.Millisecond)

	require.NoError(t, e.Abort())
	time.Sleep(150 * time.Millisecond)

	assert.Equal(t, int32(1), calls.Load(), "no retry after abort")
	assert.Equal(t, 1, l.count(EventStart))
	assert.Equal(t, 1, l.count(EventAbort))
	assert.Equal(t, StatusError, e.Record().Status())

	_, tracked := m.Get("t1")
	assert.True(t, tracked, "executor abort keeps the task registered")

	// A manual start still works after the abort
	require.NoError(t, e.Start())
	l.waitForCount(t, EventError, 2)
	assert.GreaterOrEqual(t, calls.Load(), int32(2))
	require.NoError(t, m.Abort("t1"))
}

func TestExecutor_AbortDuringFailureReportCancelsRetry(t *testing.T) {
	t.Parallel()

	m, l := newTestManager(RetryPolicy{MaxRetries: 3})
	var once sync.Once
	aborter := &abortingListener{abort: func(r Record) {
		once.Do(func() {
			e, ok := m.Get(r.ID())
			if ok {
				_ = e.Abort()
			}
		})
	}}
	m.RegisterListener(aborter)

	var calls atomic.Int32
	e := NewExecutor(NewRecord("t1", 0), flakyOperation(10, &calls))
	require.NoError(t, m.Add(e))
	require.NoError(t, e.Start())

	l.waitForCount(t, EventAbort, 1)
	waitDone(t, e)
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, int32(1), calls.Load(), "immediate retry is skipped for an aborted run")
	assert.Equal(t, 1, l.count(EventStart))
}

// abortingListener aborts the task when it reports an error
type abortingListener struct {
	NopListener
	abort func(Record)
}

func (l *abortingListener) OnError(r Record, _ string) { l.abort(r) }
