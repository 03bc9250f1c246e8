// Package ws fans live annotations out to connected websocket subscribers.
// Delivery is best effort: a subscriber that cannot keep up is dropped, and
// no subscriber ever blocks delivery to the others.
package ws

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"rtap-server/internal/rtap"
)

// sendBuffer is how many pending messages a subscriber may accumulate before
// it is considered dead.
const sendBuffer = 64

// Event is the message pushed to every subscriber for each new annotation.
type Event struct {
	StreamName string           `json:"stream_name"`
	Annotation *rtap.Annotation `json:"annotation"`
}

// Client is one connected live subscriber. Writes go through the send
// channel so a publish never blocks on a slow connection.
type Client struct {
	ID   string
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	done chan struct{}

	closeOnce sync.Once
}

// Hub owns the live subscriber set.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]struct{}
	log     *slog.Logger

	// OnClientChange, if set, is called with the subscriber count after
	// every add or remove. OnDrop is called when a send failure removes a
	// subscriber.
	OnClientChange func(n int)
	OnDrop         func()
}

// NewHub returns an empty hub.
func NewHub(log *slog.Logger) *Hub {
	return &Hub{
		clients: make(map[*Client]struct{}),
		log:     log,
	}
}

// Subscribe registers conn as a live subscriber and starts its read and
// write pumps. The subscriber receives only annotations published after
// this call returns.
func (h *Hub) Subscribe(conn *websocket.Conn) *Client {
	client := &Client{
		ID:   uuid.NewString(),
		hub:  h,
		conn: conn,
		send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
	}

	h.mu.Lock()
	h.clients[client] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()

	h.log.Info("subscriber connected", slog.String("client_id", client.ID), slog.Int("clients", n))
	h.notifyClientChange(n)

	go client.writePump()
	go client.readPump()
	return client
}

// Unsubscribe removes the client and closes its connection. Safe to call
// more than once.
func (h *Hub) Unsubscribe(client *Client) {
	h.mu.Lock()
	_, present := h.clients[client]
	if present {
		delete(h.clients, client)
	}
	n := len(h.clients)
	h.mu.Unlock()

	client.close()

	if present {
		h.log.Info("subscriber disconnected", slog.String("client_id", client.ID), slog.Int("clients", n))
		h.notifyClientChange(n)
	}
}

// Publish delivers {stream_name, annotation} to every current subscriber.
// A subscriber whose send buffer is full is dropped during this same pass
// and receives nothing further.
func (h *Hub) Publish(streamName string, annotation *rtap.Annotation) {
	payload, err := json.Marshal(Event{StreamName: streamName, Annotation: annotation})
	if err != nil {
		h.log.Error("marshal broadcast event", slog.String("error", err.Error()))
		return
	}

	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.mu.RUnlock()

	for _, client := range clients {
		select {
		case <-client.done:
			// Already closing; skip.
		case client.send <- payload:
		default:
			h.log.Warn("dropping stalled subscriber", slog.String("client_id", client.ID))
			if h.OnDrop != nil {
				h.OnDrop()
			}
			h.Unsubscribe(client)
		}
	}
}

// Count returns the number of connected subscribers.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every subscriber, used at orchestrator shutdown.
func (h *Hub) Close() {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.clients = make(map[*Client]struct{})
	h.mu.Unlock()

	for _, client := range clients {
		client.close()
	}
	h.notifyClientChange(0)
}

func (h *Hub) notifyClientChange(n int) {
	if h.OnClientChange != nil {
		h.OnClientChange(n)
	}
}

// close signals the pumps and closes the underlying connection exactly once.
// The send channel is never closed: concurrent publishes may still be
// selecting on it.
func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// writePump drains the send channel onto the connection. A write failure
// removes the subscriber.
func (c *Client) writePump() {
	for {
		select {
		case <-c.done:
			return
		case payload := <-c.send:
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.hub.log.Debug("subscriber write failed",
					slog.String("client_id", c.ID),
					slog.String("error", err.Error()))
				c.hub.Unsubscribe(c)
				return
			}
		}
	}
}

// readPump discards inbound messages until the peer closes, which
// unsubscribes the client. The feed is push-only; reads exist to detect
// closure.
func (c *Client) readPump() {
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			c.hub.Unsubscribe(c)
			return
		}
	}
}
