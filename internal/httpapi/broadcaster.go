package httpapi

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Client is one connected WebSocket subscriber.
type Client struct {
	ID          string
	Conn        *websocket.Conn
	ConnectedAt time.Time

	writeMu sync.Mutex
}

// WriteJSON sends a JSON message, serializing writes to the connection.
func (c *Client) WriteJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.Conn.WriteJSON(v)
}

// ClientRegistry tracks connected WebSocket clients.
type ClientRegistry struct {
	mu      sync.RWMutex
	clients map[string]*Client
}

// NewClientRegistry creates a new client registry
func NewClientRegistry() *ClientRegistry {
	return &ClientRegistry{
		clients: make(map[string]*Client),
	}
}

// Add adds a client to the registry
func (r *ClientRegistry) Add(client *Client) {
	r.mu.Lock()
	r.clients[client.ID] = client
	r.mu.Unlock()
}

// Remove removes a client from the registry
func (r *ClientRegistry) Remove(id string) {
	r.mu.Lock()
	delete(r.clients, id)
	r.mu.Unlock()
}

// GetAll returns all connected clients
func (r *ClientRegistry) GetAll() []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	clients := make([]*Client, 0, len(r.clients))
	for _, c := range r.clients {
		clients = append(clients, c)
	}
	return clients
}

// Count returns the number of connected clients
func (r *ClientRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// EventMessage is the wire shape of a broadcast event.
type EventMessage struct {
	Type      string `json:"type"`
	Event     string `json:"event"`
	Data      any    `json:"data,omitempty"`
	Timestamp int64  `json:"timestamp"`
	Seq       int64  `json:"seq"`
}

// EventBroadcaster pushes events to every connected client.
type EventBroadcaster struct {
	clients *ClientRegistry
	logger  zerolog.Logger
	seq     uint64
}

// NewEventBroadcaster creates a new event broadcaster
func NewEventBroadcaster(clients *ClientRegistry, logger zerolog.Logger) *EventBroadcaster {
	return &EventBroadcaster{
		clients: clients,
		logger:  logger.With().Str("component", "broadcaster").Logger(),
	}
}

// Broadcast sends an event to all connected clients
func (b *EventBroadcaster) Broadcast(event string, data any) {
	msg := EventMessage{
		Type:      "event",
		Event:     event,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
		Seq:       int64(atomic.AddUint64(&b.seq, 1)),
	}

	clients := b.clients.GetAll()
	if len(clients) == 0 {
		return
	}

	failureCount := 0
	for _, client := range clients {
		if err := client.WriteJSON(msg); err != nil {
			b.logger.Warn().
				Err(err).
				Str("clientId", client.ID).
				Str("event", event).
				Msg("Failed to broadcast to client")
			failureCount++
		}
	}

	b.logger.Debug().
		Str("event", event).
		Int("clients", len(clients)).
		Int("failed", failureCount).
		Msg("Event broadcast complete")
}
