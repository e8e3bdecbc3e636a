package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"path"

	"github.com/google/uuid"

	"github.com/phrazzld/xengine/internal/api/shared"
	"github.com/phrazzld/xengine/internal/platform/logger"
	"github.com/phrazzld/xengine/internal/speed"
	"github.com/phrazzld/xengine/internal/task"
)

const (
	defaultEventLimit = 50
	maxEventLimit     = 500
)

// DownloadFunc builds the operation for a new download of rawURL stored as name
type DownloadFunc func(rawURL, name string) task.Operation

// EventReader reads journaled lifecycle events
type EventReader interface {
	Recent(ctx context.Context, taskID string, limit int) ([]task.Event, error)
}

// TaskHandler serves the task control endpoints.
type TaskHandler struct {
	manager     *task.Manager
	newDownload DownloadFunc
	journal     EventReader
	logger      *slog.Logger
}

// NewTaskHandler creates a TaskHandler. journal may be nil, in which case the
// events endpoint reports an empty history.
func NewTaskHandler(manager *task.Manager, newDownload DownloadFunc, journal EventReader, logger *slog.Logger) *TaskHandler {
	return &TaskHandler{
		manager:     manager,
		newDownload: newDownload,
		journal:     journal,
		logger:      logger.With("component", "task_handler"),
	}
}

// ListTasks handles GET /api/tasks
func (h *TaskHandler) ListTasks(w http.ResponseWriter, r *http.Request) {
	records := h.manager.Active()
	resp := TaskListResponse{Tasks: make([]TaskResponse, 0, len(records))}
	for _, rec := range records {
		if e, ok := h.manager.Get(rec.ID()); ok {
			resp.Tasks = append(resp.Tasks, taskToResponse(e))
		}
	}
	shared.RespondWithJSON(w, r, http.StatusOK, resp)
}

// GetTask handles GET /api/tasks/{id}
func (h *TaskHandler) GetTask(w http.ResponseWriter, r *http.Request) {
	id, err := getPathID(r, "id")
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}
	e, ok := h.manager.Get(id)
	if !ok {
		HandleAPIError(w, r, fmt.Errorf("%w: %s", task.ErrTaskNotFound, id), "")
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, taskToResponse(e))
}

// CreateDownload handles POST /api/tasks/downloads
func (h *TaskHandler) CreateDownload(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContextOrDefault(r.Context(), h.logger)

	var req CreateDownloadRequest
	if err := shared.DecodeJSON(w, r, &req); err != nil {
		HandleAPIError(w, r, fmt.Errorf("%w: %w", ErrValidation, err), "")
		return
	}
	if err := shared.ValidateRequest(&req); err != nil {
		HandleAPIError(w, r, err, "")
		return
	}

	id := uuid.NewString()
	name := req.Name
	if name == "" {
		name = nameFromURL(req.URL, id)
	}

	e := task.NewExecutor(
		task.NewRecord(id, task.TypeDownload),
		h.newDownload(req.URL, name),
		task.WithSpeedTracker(speed.NewTracker(speed.DefaultAlpha)),
		task.WithLogger(h.logger),
	)
	if err := h.manager.Add(e); err != nil {
		HandleAPIError(w, r, err, "")
		return
	}
	log.Info("download task created", "task_id", id, "name", name)

	if req.Start {
		if err := h.manager.Start(id); err != nil {
			HandleAPIError(w, r, err, "")
			return
		}
	}
	shared.RespondWithJSON(w, r, http.StatusCreated, taskToResponse(e))
}

// StartTask handles POST /api/tasks/{id}/start
func (h *TaskHandler) StartTask(w http.ResponseWriter, r *http.Request) {
	h.control(w, r, "start", h.manager.Start)
}

// PauseTask handles POST /api/tasks/{id}/pause
func (h *TaskHandler) PauseTask(w http.ResponseWriter, r *http.Request) {
	h.control(w, r, "pause", h.manager.Pause)
}

// AbortTask handles POST /api/tasks/{id}/abort
func (h *TaskHandler) AbortTask(w http.ResponseWriter, r *http.Request) {
	h.control(w, r, "abort", h.manager.Abort)
}

func (h *TaskHandler) control(w http.ResponseWriter, r *http.Request, action string, fn func(string) error) {
	id, err := getPathID(r, "id")
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}
	e, ok := h.manager.Get(id)
	if !ok {
		HandleAPIError(w, r, fmt.Errorf("%w: %s", task.ErrTaskNotFound, id), "")
		return
	}
	if err := fn(id); err != nil {
		HandleAPIError(w, r, err, "")
		return
	}
	logger.FromContextOrDefault(r.Context(), h.logger).Info("task control",
		"task_id", id,
		"action", action)
	shared.RespondWithJSON(w, r, http.StatusOK, taskToResponse(e))
}

// ListEvents handles GET /api/tasks/{id}/events
func (h *TaskHandler) ListEvents(w http.ResponseWriter, r *http.Request) {
	id, err := getPathID(r, "id")
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}
	limit, err := getQueryInt(r, "limit", defaultEventLimit, maxEventLimit)
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}

	resp := EventListResponse{TaskID: id, Events: []task.Event{}}
	if h.journal != nil {
		events, err := h.journal.Recent(r.Context(), id, limit)
		if err != nil {
			HandleAPIError(w, r, err, "Failed to read task events")
			return
		}
		if events != nil {
			resp.Events = events
		}
	}
	shared.RespondWithJSON(w, r, http.StatusOK, resp)
}

// nameFromURL derives a file name from the last path segment of rawURL
func nameFromURL(rawURL, fallback string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fallback
	}
	base := path.Base(u.Path)
	if base == "." || base == "/" || base == "" {
		return fallback
	}
	return base
}
