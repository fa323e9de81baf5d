package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/yeelightd/internal/eventbus"
)

const (
	// clientBufferSize is the per-client outbound message buffer size.
	clientBufferSize = 64

	writeTimeout = 5 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true
	},
}

// Message is a single websocket frame sent to clients.
type Message struct {
	Type      eventbus.EventType     `json:"type"`
	Timestamp string                 `json:"timestamp"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// Hub fans bus events out to websocket clients. Slow clients lose messages
// rather than stalling the bus.
type Hub struct {
	mu      sync.RWMutex
	clients map[*client]struct{}
	closed  bool
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		clients: make(map[*client]struct{}),
	}
}

// HandleEvent is an eventbus.Handler broadcasting the event to all clients.
func (h *Hub) HandleEvent(event eventbus.Event) {
	data, err := encodeMessage(event)
	if err != nil {
		log.Error().Err(err).Str("event_type", string(event.Type)).Msg("Failed to encode websocket message")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			log.Warn().Str("remote", c.conn.RemoteAddr().String()).Msg("Websocket client too slow, dropping message")
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.closed = true
	for c := range h.clients {
		close(c.send)
		delete(h.clients, c)
	}
}

// serve upgrades the request and streams events until the client goes away.
// snapshot runs while the client registers, so its messages come first and no
// broadcast can fall between the snapshot and the live stream.
func (h *Hub) serve(w http.ResponseWriter, r *http.Request, snapshot func() []eventbus.Event) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debug().Err(err).Msg("Websocket upgrade failed")
		return
	}

	c := &client{conn: conn}
	if !h.register(c, snapshot) {
		conn.Close()
		return
	}
	log.Debug().Str("remote", conn.RemoteAddr().String()).Int("clients", h.ClientCount()).Msg("Websocket client connected")

	go h.writeLoop(c)
	h.readLoop(c)
}

func (h *Hub) register(c *client, snapshot func() []eventbus.Event) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return false
	}

	var initial []eventbus.Event
	if snapshot != nil {
		initial = snapshot()
	}
	c.send = make(chan []byte, clientBufferSize+len(initial))
	for _, event := range initial {
		if data, err := encodeMessage(event); err == nil {
			c.send <- data
		}
	}

	h.clients[c] = struct{}{}
	return true
}

// unregister removes the client; only the remover closes its send channel.
func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	h.mu.Unlock()

	if ok {
		close(c.send)
	}
}

func (h *Hub) writeLoop(c *client) {
	defer c.conn.Close()

	for data := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			log.Debug().Err(err).Msg("Websocket write failed")
			h.unregister(c)
			return
		}
	}
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(time.Second))
}

// readLoop discards inbound messages; it only detects the client leaving.
func (h *Hub) readLoop(c *client) {
	defer h.unregister(c)

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug().Err(err).Msg("Websocket closed unexpectedly")
			}
			return
		}
	}
}

func encodeMessage(event eventbus.Event) ([]byte, error) {
	return json.Marshal(Message{
		Type:      event.Type,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Data:      event.Data,
	})
}
