// Package progress streams walk-forward run progress to WebSocket
// subscribers: a long optimization can take hours, and a dashboard polling
// /healthz learns nothing about how far along the run is.
package progress

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// EventType distinguishes progress frames.
type EventType string

const (
	EventRunStarted   EventType = "run_started"
	EventWindowDone   EventType = "window_done"
	EventItemFinished EventType = "item_finished"
	EventRunFinished  EventType = "run_finished"
	eventHeartbeat    EventType = "heartbeat"
)

// Event is one progress frame pushed to every connected client.
type Event struct {
	Type      EventType       `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// client is one WebSocket subscriber with a buffered outbound queue; slow
// readers are dropped rather than allowed to stall the broadcast path.
type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
}

// Hub fans progress events out to every connected WebSocket client.
type Hub struct {
	logger     *zap.Logger
	mu         sync.RWMutex
	clients    map[*client]bool
	register   chan *client
	unregister chan *client
	broadcast  chan []byte
	done       chan struct{}
}

// NewHub constructs a Hub. Call Run in a goroutine before serving Handler.
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		logger:     logger,
		clients:    make(map[*client]bool),
		register:   make(chan *client),
		unregister: make(chan *client),
		broadcast:  make(chan []byte, 256),
		done:       make(chan struct{}),
	}
}

// Run drives the hub's register/unregister/broadcast loop until Close.
func (h *Hub) Run() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()
			h.logger.Debug("progress client connected", zap.String("id", c.id))

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
			h.logger.Debug("progress client disconnected", zap.String("id", c.id))

		case message := <-h.broadcast:
			h.mu.Lock()
			for c := range h.clients {
				select {
				case c.send <- message:
				default:
					close(c.send)
					delete(h.clients, c)
				}
			}
			h.mu.Unlock()

		case <-ticker.C:
			h.publishRaw(eventHeartbeat, nil)

		case <-h.done:
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.mu.Unlock()
			return
		}
	}
}

// Close stops the hub loop and disconnects every client.
func (h *Hub) Close() { close(h.done) }

// Publish fans one typed event out to every connected client. Marshal
// failures are logged and dropped; progress is best-effort and must never
// fail a run.
func (h *Hub) Publish(eventType EventType, data interface{}) {
	h.publishRaw(eventType, data)
}

func (h *Hub) publishRaw(eventType EventType, data interface{}) {
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			h.logger.Warn("failed to marshal progress event", zap.Error(err))
			return
		}
		raw = b
	}
	msg, err := json.Marshal(Event{Type: eventType, Data: raw, Timestamp: time.Now().UnixMilli()})
	if err != nil {
		h.logger.Warn("failed to marshal progress frame", zap.Error(err))
		return
	}
	select {
	case h.broadcast <- msg:
	default:
		h.logger.Warn("progress broadcast queue full, dropping frame", zap.String("type", string(eventType)))
	}
}

// ClientCount returns the number of connected subscribers.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Handler upgrades an HTTP request to a WebSocket subscription on this hub.
func (h *Hub) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			h.logger.Warn("websocket upgrade failed", zap.Error(err))
			return
		}
		c := &client{
			id:   uuid.New().String(),
			conn: conn,
			send: make(chan []byte, 256),
		}
		h.register <- c
		go c.writePump()
		go c.readPump(h)
	}
}

// readPump drains (and discards) inbound frames so pings/pongs and closes
// are processed; subscribers have nothing to say to the hub.
func (c *client) readPump(h *Hub) {
	defer func() {
		h.unregister <- c
		c.conn.Close()
	}()
	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writePump pushes queued frames to the socket with a periodic ping.
func (c *client) writePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
