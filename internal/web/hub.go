package web

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/BenjaminHolderbein/wallpaper-gen/internal/models"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	clientReadSize = 512
	clientSendSize = 64
)

// StateMessage is what browsers receive on /ws/session
type StateMessage struct {
	Type string              `json:"type"`
	Data models.SessionState `json:"data"`
	Time int64               `json:"time"`
}

// Client is one browser connection
type Client struct {
	ID   string
	Conn *websocket.Conn
	Send chan []byte
	Hub  *SessionHub

	mu     sync.Mutex
	closed bool
}

// SessionHub relays session snapshots to connected browsers. A new client
// first receives the latest snapshot the hub has seen.
type SessionHub struct {
	clients    map[string]*Client
	register   chan *Client
	unregister chan *Client
	broadcast  chan models.SessionState
	done       chan struct{}
	mu         sync.RWMutex
	last       models.SessionState
	logger     zerolog.Logger
}

// NewSessionHub creates a hub seeded with the session's current snapshot
func NewSessionHub(initial models.SessionState, logger zerolog.Logger) *SessionHub {
	return &SessionHub{
		clients:    make(map[string]*Client),
		register:   make(chan *Client, 16),
		unregister: make(chan *Client, 16),
		broadcast:  make(chan models.SessionState, 256),
		done:       make(chan struct{}),
		last:       initial.Clone(),
		logger:     logger.With().Str("component", "hub").Logger(),
	}
}

// Run is the hub's event loop; it returns when ctx is done
func (h *SessionHub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			close(h.done)
			h.closeAll()
			return

		case client := <-h.register:
			h.registerClient(client)

		case client := <-h.unregister:
			h.unregisterClient(client)

		case state := <-h.broadcast:
			h.broadcastState(state)
		}
	}
}

// OnStateChange queues a snapshot for every client
func (h *SessionHub) OnStateChange(state models.SessionState) {
	select {
	case h.broadcast <- state:
	default:
		h.logger.Warn().Str("status", string(state.Phase)).Msg("broadcast channel full, dropping snapshot")
	}
}

// ClientCount returns the number of connected clients
func (h *SessionHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Attach registers conn and starts its pumps
func (h *SessionHub) Attach(id string, conn *websocket.Conn) *Client {
	client := &Client{
		ID:   id,
		Conn: conn,
		Send: make(chan []byte, clientSendSize),
		Hub:  h,
	}
	select {
	case h.register <- client:
	case <-h.done:
		client.Close()
		return client
	}
	go client.readPump()
	return client
}

func (h *SessionHub) registerClient(client *Client) {
	h.mu.Lock()
	h.clients[client.ID] = client
	last := h.last
	total := len(h.clients)
	h.mu.Unlock()

	h.logger.Info().Str("client", client.ID).Int("total", total).Msg("client connected")

	if data, err := encodeState(last); err == nil {
		client.Send <- data
	}
	go client.writePump()
}

func (h *SessionHub) unregisterClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client.ID]; ok {
		delete(h.clients, client.ID)
		close(client.Send)
		h.logger.Info().Str("client", client.ID).Int("total", len(h.clients)).Msg("client disconnected")
	}
}

func (h *SessionHub) broadcastState(state models.SessionState) {
	data, err := encodeState(state)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to marshal snapshot")
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.last = state

	for _, client := range h.clients {
		select {
		case client.Send <- data:
		default:
			h.logger.Warn().Str("client", client.ID).Msg("client send buffer full")
		}
	}
}

func (h *SessionHub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, client := range h.clients {
		delete(h.clients, id)
		close(client.Send)
	}
}

func encodeState(state models.SessionState) ([]byte, error) {
	return json.Marshal(StateMessage{
		Type: "state",
		Data: state,
		Time: time.Now().Unix(),
	})
}

// writePump pumps messages from the hub to the connection
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.mu.Lock()
			if c.closed {
				c.mu.Unlock()
				return
			}
			_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				c.mu.Unlock()
				return
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.mu.Unlock()
				return
			}
			c.mu.Unlock()

		case <-ticker.C:
			c.mu.Lock()
			if c.closed {
				c.mu.Unlock()
				return
			}
			_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.mu.Unlock()
				return
			}
			c.mu.Unlock()
		}
	}
}

// Close closes the connection once
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	c.Conn.Close()
}

// readPump discards client input and detects disconnects
func (c *Client) readPump() {
	defer func() {
		select {
		case c.Hub.unregister <- c:
		case <-c.Hub.done:
		}
		c.Close()
	}()

	c.Conn.SetReadLimit(clientReadSize)
	_ = c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		return c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.Conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.Hub.logger.Debug().Err(err).Str("client", c.ID).Msg("unexpected close")
			}
			return
		}
	}
}
