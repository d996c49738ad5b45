package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ycopyer/yumna-panel-sub002/control_plane/streaming"
)

const maxWSConnections = 200

// EventHub fans node health and deployment events out to connected
// panel browsers and forwards them to the downstream publisher.
// Single broadcaster pattern: one goroutine owns all client writes.
type EventHub struct {
	next   streaming.Publisher
	logger *slog.Logger

	clients    map[*websocket.Conn]struct{}
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	broadcast  chan hubMessage
	done       chan struct{}
	mu         sync.RWMutex
}

type hubMessage struct {
	Topic   string      `json:"topic"`
	Payload interface{} `json:"payload"`
	At      time.Time   `json:"at"`
}

// NewEventHub creates a hub forwarding to next, which may be nil.
func NewEventHub(next streaming.Publisher, logger *slog.Logger) *EventHub {
	return &EventHub{
		next:       next,
		logger:     logger.With("component", "events"),
		clients:    make(map[*websocket.Conn]struct{}),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		broadcast:  make(chan hubMessage, 64),
		done:       make(chan struct{}),
	}
}

// Run starts the hub's main loop.
func (h *EventHub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return

		case conn := <-h.register:
			h.mu.Lock()
			if len(h.clients) >= maxWSConnections {
				h.mu.Unlock()
				conn.Close()
				h.logger.Warn("event stream client rejected", "max", maxWSConnections)
				continue
			}
			h.clients[conn] = struct{}{}
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("event stream client registered", "total", total)

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			h.mu.Unlock()

		case msg := <-h.broadcast:
			h.send(msg)
		}
	}
}

func (h *EventHub) send(msg hubMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		// Set write deadline to prevent blocking on dead connections
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteJSON(msg); err != nil {
			h.logger.Debug("event stream write failed", "error", err)
			delete(h.clients, conn)
			conn.Close()
		}
	}
}

// Publish implements streaming.Publisher. Browser delivery is best
// effort; a full buffer drops the event for browsers only.
func (h *EventHub) Publish(ctx context.Context, topic string, payload interface{}) error {
	select {
	case h.broadcast <- hubMessage{Topic: topic, Payload: payload, At: time.Now()}:
	default:
		h.logger.Warn("event stream buffer full, dropping", "topic", topic)
	}
	if h.next == nil {
		return nil
	}
	return h.next.Publish(ctx, topic, payload)
}

// Close closes the downstream publisher.
func (h *EventHub) Close() error {
	if h.next == nil {
		return nil
	}
	return h.next.Close()
}

func (h *EventHub) shutdown() {
	close(h.done)
	h.mu.Lock()
	defer h.mu.Unlock()

	h.logger.Info("shutting down event stream", "clients", len(h.clients))
	for conn := range h.clients {
		conn.Close()
	}
	h.clients = make(map[*websocket.Conn]struct{})
}

// Register adds a new client connection.
func (h *EventHub) Register(conn *websocket.Conn) {
	select {
	case h.register <- conn:
	case <-h.done:
		conn.Close()
	}
}

// Unregister removes a client connection.
func (h *EventHub) Unregister(conn *websocket.Conn) {
	select {
	case h.unregister <- conn:
	case <-h.done:
	}
}

// ClientCount returns the number of connected clients.
func (h *EventHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
