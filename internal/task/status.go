package task

import "fmt"

// Status represents the current state of a task record
type Status int

// Possible status values. The numeric values are stable and are what gets
// written to the lifecycle journal.
const (
	StatusError Status = -1
	StatusTodo  Status = 0
	StatusDoing Status = 1
	StatusDone  Status = 2
)

// String returns the lowercase name of the status
func (s Status) String() string {
	switch s {
	case StatusError:
		return "error"
	case StatusTodo:
		return "todo"
	case StatusDoing:
		return "doing"
	case StatusDone:
		return "done"
	default:
		return "unknown"
	}
}

// Valid reports whether s is one of the declared statuses
func (s Status) Valid() bool {
	switch s {
	case StatusError, StatusTodo, StatusDoing, StatusDone:
		return true
	default:
		return false
	}
}

// CanTransition reports whether moving a record from one status to another is
// part of the lifecycle table. DONE and ERROR are only reachable from DOING.
//
// The table is a contract for executors. Record.SetStatus does not consult it.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusTodo:
		return to == StatusDoing
	case StatusDoing:
		return to == StatusTodo || to == StatusDone || to == StatusError
	case StatusError:
		return to == StatusDoing
	default:
		return false
	}
}

// Startable reports whether a record in status s may be started
func Startable(s Status) bool {
	return s == StatusTodo || s == StatusError
}

// MarshalText encodes the status by name
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a status name produced by MarshalText
func (s *Status) UnmarshalText(text []byte) error {
	switch string(text) {
	case "error":
		*s = StatusError
	case "todo":
		*s = StatusTodo
	case "doing":
		*s = StatusDoing
	case "done":
		*s = StatusDone
	default:
		return fmt.Errorf("unknown task status %q", text)
	}
	return nil
}
