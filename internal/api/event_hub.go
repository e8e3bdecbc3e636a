package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/phrazzld/xengine/internal/platform/logger"
	"github.com/phrazzld/xengine/internal/task"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
	clientBuffer   = 64
)

// EventHub is a task.Listener that fans lifecycle events out to websocket
// subscribers. A subscriber that cannot keep up is disconnected rather than
// allowed to block an executor.
type EventHub struct {
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*hubClient]struct{}
	closed  bool
}

type hubClient struct {
	conn   *websocket.Conn
	taskID string // empty subscribes to every task
	send   chan []byte
	once   sync.Once
	done   chan struct{}
}

func (c *hubClient) close() {
	c.once.Do(func() { close(c.done) })
}

// NewEventHub creates an empty hub
func NewEventHub(logger *slog.Logger) *EventHub {
	return &EventHub{
		logger: logger.With("component", "event_hub"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:   1024,
			WriteBufferSize:  1024,
			HandshakeTimeout: 10 * time.Second,
		},
		clients: make(map[*hubClient]struct{}),
	}
}

// Clients returns the number of connected subscribers
func (h *EventHub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeHTTP handles GET /api/events. The optional "task" query parameter
// limits the stream to one task id.
func (h *EventHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContextOrDefault(r.Context(), h.logger)

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an HTTP error
		log.Debug("websocket upgrade failed", "error", err)
		return
	}

	c := &hubClient{
		conn:   conn,
		taskID: r.URL.Query().Get("task"),
		send:   make(chan []byte, clientBuffer),
		done:   make(chan struct{}),
	}
	if !h.register(c) {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(writeWait))
		_ = conn.Close()
		return
	}
	log.Debug("event subscriber connected", "task_filter", c.taskID)

	go h.writePump(c)
	h.readPump(c)

	h.unregister(c)
	log.Debug("event subscriber disconnected")
}

// Close disconnects every subscriber and rejects new ones
func (h *EventHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		c.close()
		delete(h.clients, c)
	}
}

func (h *EventHub) register(c *hubClient) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	return true
}

func (h *EventHub) unregister(c *hubClient) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	c.close()
}

// readPump discards client messages and returns when the connection fails
// or the client is closed.
func (h *EventHub) readPump(c *hubClient) {
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *EventHub) writePump(c *hubClient) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.close()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		case <-c.done:
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		}
	}
}

func (h *EventHub) broadcast(e task.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if len(h.clients) == 0 {
		return
	}

	msg, err := json.Marshal(e)
	if err != nil {
		h.logger.Error("failed to encode task event", "error", err, "task_id", e.TaskID)
		return
	}

	for c := range h.clients {
		if c.taskID != "" && c.taskID != e.TaskID {
			continue
		}
		select {
		case c.send <- msg:
		default:
			h.logger.Warn("event subscriber too slow, disconnecting", "task_id", e.TaskID)
			c.close()
		}
	}
}

func (h *EventHub) OnStart(r task.Record) { h.broadcast(task.NewEvent(task.EventStart, r)) }
func (h *EventHub) OnStop(r task.Record)  { h.broadcast(task.NewEvent(task.EventStop, r)) }
func (h *EventHub) OnAbort(r task.Record) { h.broadcast(task.NewEvent(task.EventAbort, r)) }

func (h *EventHub) OnDoing(r task.Record, completed int64) {
	e := task.NewEvent(task.EventDoing, r)
	e.Completed = completed
	h.broadcast(e)
}

func (h *EventHub) OnComplete(r task.Record) { h.broadcast(task.NewEvent(task.EventComplete, r)) }

func (h *EventHub) OnError(r task.Record, message string) {
	e := task.NewEvent(task.EventError, r)
	e.Message = message
	h.broadcast(e)
}

var _ task.Listener = (*EventHub)(nil)
