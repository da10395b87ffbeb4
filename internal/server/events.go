package server

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ayusman/objectlens/internal/task"
)

const writeWait = 5 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow local connections
	},
}

// Event is one message pushed to websocket clients.
type Event struct {
	Type   string `json:"type"`
	Status string `json:"status,omitempty"`
	Mode   string `json:"mode,omitempty"`
	Active *bool  `json:"active,omitempty"`
	TaskID string `json:"task_id,omitempty"`
	Result string `json:"result,omitempty"`
}

// Hub broadcasts presentation updates to websocket clients. It implements
// task.View and remembers the current status and active controls so a new
// client starts from the same picture.
type Hub struct {
	mu      sync.RWMutex
	clients map[*websocket.Conn]bool
	status  string
	active  map[task.Mode]bool
}

func NewHub() *Hub {
	return &Hub{
		clients: make(map[*websocket.Conn]bool),
		status:  task.StatusIdle,
		active:  make(map[task.Mode]bool),
	}
}

// SetStatus records and broadcasts the status line.
func (h *Hub) SetStatus(text string) {
	h.mu.Lock()
	h.status = text
	h.mu.Unlock()

	h.broadcast(Event{Type: "status", Status: text})
}

// SetActive records and broadcasts whether the control for mode is shown.
func (h *Hub) SetActive(mode task.Mode, active bool) {
	h.mu.Lock()
	h.active[mode] = active
	h.mu.Unlock()

	h.broadcast(activeEvent(mode, active))
}

// ShowResult tells clients where to fetch the annotated image.
func (h *Hub) ShowResult(taskID, path string) {
	h.broadcast(Event{
		Type:   "result",
		TaskID: taskID,
		Result: "/api/tasks/" + taskID + "/result?preview=1",
	})
}

// Status returns the last status line.
func (h *Hub) Status() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.status
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		conn.Close()
		delete(h.clients, conn)
	}
}

func activeEvent(mode task.Mode, active bool) Event {
	return Event{Type: "active", Mode: string(mode), Active: &active}
}

// ServeHTTP handles WebSocket upgrade requests.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("websocket upgrade error: %v", err)
		return
	}
	defer conn.Close()

	// The snapshot is written under the same lock that registers the
	// client, so no broadcast can reach it first.
	h.mu.Lock()
	err = h.sendSnapshotLocked(conn)
	if err == nil {
		h.clients[conn] = true
	}
	h.mu.Unlock()
	if err != nil {
		return
	}

	defer func() {
		h.mu.Lock()
		delete(h.clients, conn)
		h.mu.Unlock()
	}()

	// Keep connection alive by reading messages
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
}

// sendSnapshotLocked brings a new client up to date with the current
// status line and active controls.
func (h *Hub) sendSnapshotLocked(conn *websocket.Conn) error {
	if err := writeEvent(conn, Event{Type: "status", Status: h.status}); err != nil {
		return err
	}
	for _, mode := range task.Modes {
		if err := writeEvent(conn, activeEvent(mode, h.active[mode])); err != nil {
			return err
		}
	}
	return nil
}

func (h *Hub) broadcast(ev Event) {
	msg, err := json.Marshal(ev)
	if err != nil {
		log.Printf("Failed to encode event: %v", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			conn.Close()
			delete(h.clients, conn)
		}
	}
}

func writeEvent(conn *websocket.Conn, ev Event) error {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(ev)
}
