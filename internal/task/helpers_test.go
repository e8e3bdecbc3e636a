package task

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
}

// recordedEvent is one callback seen by a recordingListener
type recordedEvent struct {
	kind      EventKind
	taskID    string
	status    Status
	completed int64
	message   string
}

func (e recordedEvent) String() string {
	return fmt.Sprintf("%s:%s", e.kind, e.taskID)
}

// recordingListener stores every callback it receives
type recordingListener struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (l *recordingListener) add(kind EventKind, r Record, completed int64, message string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, recordedEvent{
		kind:      kind,
		taskID:    r.ID(),
		status:    r.Status(),
		completed: completed,
		message:   message,
	})
}

func (l *recordingListener) OnStart(r Record)    { l.add(EventStart, r, 0, "") }
func (l *recordingListener) OnStop(r Record)     { l.add(EventStop, r, 0, "") }
func (l *recordingListener) OnAbort(r Record)    { l.add(EventAbort, r, 0, "") }
func (l *recordingListener) OnComplete(r Record) { l.add(EventComplete, r, 0, "") }

func (l *recordingListener) OnDoing(r Record, completed int64) {
	l.add(EventDoing, r, completed, "")
}

func (l *recordingListener) OnError(r Record, message string) {
	l.add(EventError, r, 0, message)
}

func (l *recordingListener) snapshot() []recordedEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]recordedEvent, len(l.events))
	copy(out, l.events)
	return out
}

func (l *recordingListener) kinds() []EventKind {
	events := l.snapshot()
	kinds := make([]EventKind, 0, len(events))
	for _, e := range events {
		kinds = append(kinds, e.kind)
	}
	return kinds
}

func (l *recordingListener) count(kind EventKind) int {
	n := 0
	for _, e := range l.snapshot() {
		if e.kind == kind {
			n++
		}
	}
	return n
}

// waitForCount blocks until the listener has seen n events of the given kind
func (l *recordingListener) waitForCount(t *testing.T, kind EventKind, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return l.count(kind) >= n
	}, 2*time.Second, 5*time.Millisecond, "expected %d %s events, got %v", n, kind, l.kinds())
}

// blockingOperation waits for cancellation, or for release to be closed
type blockingOperation struct {
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func newBlockingOperation() *blockingOperation {
	return &blockingOperation{
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
}

func (o *blockingOperation) Execute(ctx context.Context, progress ProgressFunc) error {
	o.once.Do(func() { close(o.started) })
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-o.release:
		return nil
	}
}

func (o *blockingOperation) waitStarted(t *testing.T) {
	t.Helper()
	select {
	case <-o.started:
	case <-time.After(2 * time.Second):
		t.Fatal("operation did not start")
	}
}

func newTestManager(policy RetryPolicy) (*Manager, *recordingListener) {
	m := NewManager(ManagerConfig{Retry: policy}, testLogger())
	l := &recordingListener{}
	m.RegisterListener(l)
	return m, l
}

func noRetry() RetryPolicy {
	return RetryPolicy{}
}

func waitDone(t *testing.T, e *Executor) {
	t.Helper()
	select {
	case <-e.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("executor run did not finish")
	}
}
