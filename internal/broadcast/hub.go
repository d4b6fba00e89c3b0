// Package broadcast pushes annotation events to WebSocket subscribers, one
// group of clients per session.
package broadcast

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeDeadline     = 5 * time.Second
	messageBufferSize = 16
)

// Event is one annotation change, pushed to every subscriber of a session.
type Event struct {
	Type         string `json:"type"`
	SessionID    string `json:"session_id"`
	AnnotationID string `json:"annotation_id,omitempty"`
	Label        string `json:"label,omitempty"`
}

// Event types.
const (
	EventDetected = "detected"
	EventAdded    = "added"
	EventUpdated  = "updated"
	EventDeleted  = "deleted"
	EventExported = "exported"
)

type client struct {
	conn     *websocket.Conn
	send     chan []byte
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// Hub fans annotation events out to the WebSocket clients subscribed to
// each session.
type Hub struct {
	mu       sync.RWMutex
	sessions map[uuid.UUID]map[*websocket.Conn]*client
	logger   *slog.Logger
}

// NewHub creates a hub. logger may be nil.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		sessions: make(map[uuid.UUID]map[*websocket.Conn]*client),
		logger:   logger,
	}
}

// Register subscribes a connection to a session's events and starts its
// writer. The hub owns all writes to the connection from here on.
func (h *Hub) Register(sessionID uuid.UUID, conn *websocket.Conn) {
	c := &client{
		conn: conn,
		send: make(chan []byte, messageBufferSize),
		done: make(chan struct{}),
	}
	c.wg.Add(1)
	go c.run()

	h.mu.Lock()
	clients, ok := h.sessions[sessionID]
	if !ok {
		clients = make(map[*websocket.Conn]*client)
		h.sessions[sessionID] = clients
	}
	clients[conn] = c
	total := len(clients)
	h.mu.Unlock()

	h.logger.Info("websocket client connected", "session_id", sessionID.String(), "clients", total)
}

// Unregister drops a connection from a session and closes it.
func (h *Hub) Unregister(sessionID uuid.UUID, conn *websocket.Conn) {
	h.mu.Lock()
	c := h.remove(sessionID, conn)
	h.mu.Unlock()

	if c != nil {
		c.stop()
		h.logger.Info("websocket client disconnected", "session_id", sessionID.String())
	}
}

// Publish sends an event to every client subscribed to the session. Clients
// whose send buffer is full are dropped.
func (h *Hub) Publish(sessionID uuid.UUID, event Event) {
	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Error("failed to marshal event", "error", err)
		return
	}

	h.mu.Lock()
	var slow []*client
	for conn, c := range h.sessions[sessionID] {
		select {
		case c.send <- data:
		default:
			h.logger.Warn("dropping slow websocket client", "session_id", sessionID.String())
			if removed := h.remove(sessionID, conn); removed != nil {
				slow = append(slow, removed)
			}
		}
	}
	h.mu.Unlock()

	for _, c := range slow {
		c.stop()
	}
}

// ClientCount returns the number of clients subscribed to a session.
func (h *Hub) ClientCount(sessionID uuid.UUID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions[sessionID])
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	var all []*client
	for sessionID, clients := range h.sessions {
		for conn := range clients {
			if c := h.remove(sessionID, conn); c != nil {
				all = append(all, c)
			}
		}
	}
	h.mu.Unlock()

	for _, c := range all {
		c.stop()
	}
}

// remove detaches a client from the session map. Caller holds the write lock
// and must call stop on the returned client outside it.
func (h *Hub) remove(sessionID uuid.UUID, conn *websocket.Conn) *client {
	clients, ok := h.sessions[sessionID]
	if !ok {
		return nil
	}
	c, ok := clients[conn]
	if !ok {
		return nil
	}
	delete(clients, conn)
	if len(clients) == 0 {
		delete(h.sessions, sessionID)
	}
	return c
}

func (c *client) run() {
	defer c.wg.Done()
	for {
		select {
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *client) stop() {
	c.stopOnce.Do(func() {
		close(c.done)
		// The writer goroutine must exit before the close frame goes out;
		// gorilla connections do not allow concurrent writers.
		c.wg.Wait()
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
		_ = c.conn.WriteMessage(websocket.CloseMessage, msg)
		_ = c.conn.Close()
	})
}
