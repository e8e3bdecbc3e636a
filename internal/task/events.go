package task

import (
	"sync"
	"sync/atomic"
	"time"
)

// EventKind tags a lifecycle event
type EventKind string

// Lifecycle event kinds, one per Listener callback
const (
	EventStart    EventKind = "start"
	EventStop     EventKind = "stop"
	EventAbort    EventKind = "abort"
	EventDoing    EventKind = "doing"
	EventComplete EventKind = "complete"
	EventError    EventKind = "error"
)

// Event is a self-contained copy of one lifecycle callback
type Event struct {
	Kind      EventKind `json:"kind"`
	TaskID    string    `json:"task_id"`
	TaskType  int       `json:"task_type"`
	Status    Status    `json:"status"`
	Completed int64     `json:"completed,omitempty"`
	Message   string    `json:"message,omitempty"`
	At        time.Time `json:"at"`
}

// NewEvent captures record r for an event of the given kind
func NewEvent(kind EventKind, r Record) Event {
	return Event{
		Kind:     kind,
		TaskID:   r.ID(),
		TaskType: r.Type(),
		Status:   r.Status(),
		At:       time.Now().UTC(),
	}
}

// EventStream is a Listener that turns callbacks into Events on a buffered
// channel. When the buffer is full the event is dropped and counted so that a
// slow consumer never blocks an executor.
type EventStream struct {
	events  chan Event
	dropped atomic.Int64

	mu     sync.RWMutex
	closed bool
}

// NewEventStream creates a stream with the given buffer size (minimum 1)
func NewEventStream(buffer int) *EventStream {
	if buffer < 1 {
		buffer = 1
	}
	return &EventStream{events: make(chan Event, buffer)}
}

// Events returns the receive side of the stream
func (s *EventStream) Events() <-chan Event {
	return s.events
}

// Dropped returns how many events were discarded because the buffer was full
func (s *EventStream) Dropped() int64 {
	return s.dropped.Load()
}

// Close closes the event channel. Events arriving afterwards are discarded.
func (s *EventStream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.events)
	}
}

func (s *EventStream) publish(e Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.events <- e:
	default:
		s.dropped.Add(1)
	}
}

func (s *EventStream) OnStart(r Record) { s.publish(NewEvent(EventStart, r)) }
func (s *EventStream) OnStop(r Record)  { s.publish(NewEvent(EventStop, r)) }
func (s *EventStream) OnAbort(r Record) { s.publish(NewEvent(EventAbort, r)) }

func (s *EventStream) OnDoing(r Record, completed int64) {
	e := NewEvent(EventDoing, r)
	e.Completed = completed
	s.publish(e)
}

func (s *EventStream) OnComplete(r Record) { s.publish(NewEvent(EventComplete, r)) }

func (s *EventStream) OnError(r Record, message string) {
	e := NewEvent(EventError, r)
	e.Message = message
	s.publish(e)
}

var _ Listener = (*EventStream)(nil)
