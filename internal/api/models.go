package api

import (
	"github.com/phrazzld/xengine/internal/task"
)

// CreateDownloadRequest is the body of POST /api/tasks/downloads.
type CreateDownloadRequest struct {
	// URL is the remote file to fetch
	URL string `json:"url" validate:"required,http_url,max=2048"`

	// Name is the stored file name; derived from the URL when empty
	Name string `json:"name,omitempty" validate:"omitempty,max=255,excludesall=/\\"`

	// Start runs the task immediately after it is added
	Start bool `json:"start,omitempty"`
}

// TaskResponse describes one active task.
type TaskResponse struct {
	ID       string      `json:"id"`
	Type     int         `json:"type"`
	Status   task.Status `json:"status"`
	Attempts int         `json:"attempts"`
	Speed    float64     `json:"speed"`
}

// TaskListResponse is the body of GET /api/tasks.
type TaskListResponse struct {
	Tasks []TaskResponse `json:"tasks"`
}

// EventListResponse is the body of GET /api/tasks/{id}/events.
type EventListResponse struct {
	TaskID string       `json:"task_id"`
	Events []task.Event `json:"events"`
}

func taskToResponse(e *task.Executor) TaskResponse {
	snap := task.SnapshotOf(e.Record())
	return TaskResponse{
		ID:       snap.ID,
		Type:     snap.Type,
		Status:   snap.Status,
		Attempts: e.Attempts(),
		Speed:    e.Speed(),
	}
}
