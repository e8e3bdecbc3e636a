package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/phrazzld/xengine/internal/task"
)

// ErrJournalClosed is returned by Close when called a second time
var ErrJournalClosed = errors.New("journal closed")

const (
	// DefaultBuffer is the event queue size used when NewJournal gets a size below 1
	DefaultBuffer = 256

	// DefaultRecentLimit bounds Recent when the caller passes a limit below 1
	DefaultRecentLimit = 100

	writeTimeout = 5 * time.Second
)

const insertEvent = `
	INSERT INTO task_events (id, task_id, task_type, kind, status, completed, message, at_us)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
`

const selectRecent = `
	SELECT kind, task_id, task_type, status, completed, message, at_us
	FROM task_events
	WHERE task_id = ?
	ORDER BY seq DESC
	LIMIT ?
`

// Journal records lifecycle events into the task_events table. Listener
// callbacks never block: when the queue is full the event is dropped and
// counted.
type Journal struct {
	db     *sql.DB
	driver string
	logger *slog.Logger

	events  chan task.Event
	done    chan struct{}
	dropped atomic.Int64
	written atomic.Int64

	mu     sync.RWMutex
	closed bool
}

// NewJournal starts the background writer. driver selects the placeholder
// style and must match the driver db was opened with.
func NewJournal(db *sql.DB, driver string, buffer int, logger *slog.Logger) *Journal {
	if buffer < 1 {
		buffer = DefaultBuffer
	}
	j := &Journal{
		db:     db,
		driver: driver,
		logger: logger.With("component", "journal"),
		events: make(chan task.Event, buffer),
		done:   make(chan struct{}),
	}
	go j.run()
	return j
}

// Dropped returns how many events were discarded because the queue was full
func (j *Journal) Dropped() int64 {
	return j.dropped.Load()
}

// Written returns how many events were inserted successfully
func (j *Journal) Written() int64 {
	return j.written.Load()
}

// Close stops accepting events and waits until the queued ones are written or
// ctx ends. The database handle is left open.
func (j *Journal) Close(ctx context.Context) error {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return ErrJournalClosed
	}
	j.closed = true
	close(j.events)
	j.mu.Unlock()

	select {
	case <-j.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Recent returns up to limit of the latest events for taskID, oldest first
func (j *Journal) Recent(ctx context.Context, taskID string, limit int) ([]task.Event, error) {
	if limit < 1 {
		limit = DefaultRecentLimit
	}

	rows, err := j.db.QueryContext(ctx, rebind(j.driver, selectRecent), taskID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query task events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []task.Event
	for rows.Next() {
		var (
			e      task.Event
			kind   string
			status int
			atUS   int64
		)
		if err := rows.Scan(&kind, &e.TaskID, &e.TaskType, &status, &e.Completed, &e.Message, &atUS); err != nil {
			return nil, fmt.Errorf("failed to scan task event: %w", err)
		}
		e.Kind = task.EventKind(kind)
		e.Status = task.Status(status)
		e.At = time.UnixMicro(atUS).UTC()
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read task events: %w", err)
	}

	slices.Reverse(events)
	return events, nil
}

func (j *Journal) run() {
	defer close(j.done)
	for e := range j.events {
		if err := j.write(e); err != nil {
			j.logger.Error("failed to write task event",
				"task_id", e.TaskID,
				"kind", e.Kind,
				"error", err)
			continue
		}
		j.written.Add(1)
	}
}

func (j *Journal) write(e task.Event) error {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	_, err := j.db.ExecContext(ctx, rebind(j.driver, insertEvent),
		uuid.New().String(),
		e.TaskID,
		e.TaskType,
		string(e.Kind),
		int(e.Status),
		e.Completed,
		e.Message,
		e.At.UnixMicro(),
	)
	return err
}

func (j *Journal) enqueue(e task.Event) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		return
	}
	select {
	case j.events <- e:
	default:
		j.dropped.Add(1)
	}
}

func (j *Journal) OnStart(r task.Record) { j.enqueue(task.NewEvent(task.EventStart, r)) }
func (j *Journal) OnStop(r task.Record)  { j.enqueue(task.NewEvent(task.EventStop, r)) }
func (j *Journal) OnAbort(r task.Record) { j.enqueue(task.NewEvent(task.EventAbort, r)) }

// OnDoing is not journaled
func (j *Journal) OnDoing(task.Record, int64) {}

func (j *Journal) OnComplete(r task.Record) { j.enqueue(task.NewEvent(task.EventComplete, r)) }

func (j *Journal) OnError(r task.Record, message string) {
	e := task.NewEvent(task.EventError, r)
	e.Message = message
	j.enqueue(e)
}

var _ task.Listener = (*Journal)(nil)
