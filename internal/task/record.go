package task

import "sync"

// Task type constants
const (
	// TypeDownload identifies records whose operation fetches a remote file
	TypeDownload = 1
)

// Record is the data-only description of one unit of trackable work.
// Version: 1.0
type Record interface {
	// ID returns the record's unique identifier within a manager
	ID() string

	// Type returns the caller-defined task type
	Type() int

	// Status returns the current status
	Status() Status

	// SetStatus overwrites the current status without validation
	SetStatus(status Status)
}

// BaseRecord is the default Record implementation. Status access is guarded so
// listeners may read it while an executor goroutine writes it.
type BaseRecord struct {
	id       string
	taskType int

	mu     sync.RWMutex
	status Status
}

// NewRecord creates a record in TODO status
func NewRecord(id string, taskType int) *BaseRecord {
	return &BaseRecord{
		id:       id,
		taskType: taskType,
		status:   StatusTodo,
	}
}

// ID returns the record's unique identifier
func (r *BaseRecord) ID() string {
	return r.id
}

// Type returns the caller-defined task type
func (r *BaseRecord) Type() int {
	return r.taskType
}

// Status returns the current status
func (r *BaseRecord) Status() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.status
}

// SetStatus overwrites the current status
func (r *BaseRecord) SetStatus(status Status) {
	r.mu.Lock()
	r.status = status
	r.mu.Unlock()
}

// Snapshot is an immutable copy of a record's fields at one point in time
type Snapshot struct {
	ID     string `json:"id"`
	Type   int    `json:"type"`
	Status Status `json:"status"`
}

// SnapshotOf copies the observable fields of r
func SnapshotOf(r Record) Snapshot {
	return Snapshot{
		ID:     r.ID(),
		Type:   r.Type(),
		Status: r.Status(),
	}
}
