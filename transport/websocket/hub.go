package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/wricardo/mtls-chat/chat"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 512

	// Messages buffered between the broadcaster and the hub loop.
	inboxSize = 1024

	clientBufferSize = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// The admin listener is expected to be bound to a private address.
		return true
	},
}

// Event is the JSON frame sent to feed clients
type Event struct {
	Type   string    `json:"type"` // "chat" or "system"
	Sender string    `json:"sender"`
	Text   string    `json:"text"`
	At     time.Time `json:"at"`
}

// Client represents a WebSocket feed subscriber
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	// user limits the feed to lines sent by one username; empty means all.
	user string
}

// Hub fans chat traffic out to WebSocket subscribers. It implements
// broadcast.Observer.
type Hub struct {
	clients map[*Client]bool

	// Messages observed from the broadcaster
	inbox chan chat.Message

	// Register requests from clients
	register chan *Client

	// Unregister requests from clients
	unregister chan *Client

	// Closed when Run returns
	done chan struct{}

	logger      *slog.Logger
	subscribers atomic.Int64
	dropped     atomic.Int64
}

// NewHub creates a new WebSocket hub
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		clients:    make(map[*Client]bool),
		inbox:      make(chan chat.Message, inboxSize),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		logger:     logger,
	}
}

// Run starts the hub's event loop and returns when ctx is done.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case client := <-h.register:
			h.registerClient(client)

		case client := <-h.unregister:
			h.unregisterClient(client)

		case msg := <-h.inbox:
			h.broadcastMessage(msg)

		case <-ctx.Done():
			for client := range h.clients {
				h.unregisterClient(client)
			}
			return
		}
	}
}

// Observe queues msg for the feed without blocking the broadcaster. When
// the hub falls behind the message is dropped from the feed only.
func (h *Hub) Observe(msg chat.Message) {
	select {
	case h.inbox <- msg:
	default:
		h.dropped.Add(1)
	}
}

// Subscribers returns the number of connected feed clients.
func (h *Hub) Subscribers() int {
	return int(h.subscribers.Load())
}

// Dropped returns the number of messages the feed could not keep up with.
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}

// ServeWS upgrades the request and subscribes the connection to the feed.
// The optional user query parameter filters by sender.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed", "error", err)
		return
	}

	client := &Client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, clientBufferSize),
		user: r.URL.Query().Get("user"),
	}

	select {
	case client.hub.register <- client:
	case <-h.done:
		conn.Close()
		return
	case <-r.Context().Done():
		conn.Close()
		return
	}

	// Start client goroutines
	go client.writePump()
	go client.readPump()
}

// registerClient adds a client to the feed
func (h *Hub) registerClient(client *Client) {
	h.clients[client] = true
	h.subscribers.Store(int64(len(h.clients)))

	h.logger.Debug("feed client registered", "user_filter", client.user, "clients", len(h.clients))
}

// unregisterClient removes a client from the feed
func (h *Hub) unregisterClient(client *Client) {
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)
		h.subscribers.Store(int64(len(h.clients)))

		h.logger.Debug("feed client unregistered", "clients", len(h.clients))
	}
}

// broadcastMessage sends msg to every interested client
func (h *Hub) broadcastMessage(msg chat.Message) {
	event := Event{
		Type:   "chat",
		Sender: msg.Sender,
		Text:   msg.Text,
		At:     msg.At,
	}
	if msg.IsSystem() {
		event.Type = "system"
	}

	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Error("failed to marshal feed event", "error", err)
		return
	}

	for client := range h.clients {
		if client.user != "" && client.user != msg.Sender {
			continue
		}
		select {
		case client.send <- data:
		default:
			// Client's send channel is full, close it
			h.unregisterClient(client)
		}
	}
}

// readPump keeps the connection alive and detects disconnects. Feed
// clients never send anything meaningful.
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, _, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Debug("WebSocket read error", "error", err)
			}
			break
		}
	}
}

// writePump pumps events from the hub to the WebSocket connection
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
