// Package wsstatus broadcasts worker state-change events over WebSocket,
// grounded on the teacher's internal/api/websocket.go Hub (client
// registration, broadcast channel, write pump with ping keepalive) but
// fed by internal/eventbus heartbeats instead of the teacher's direct
// in-process camera-state calls, and trimmed of the teacher's per-camera
// subscription filtering and doorbell/audio message types, which have no
// equivalent in this spec.
package wsstatus

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/nvrcore/nvrcore/internal/eventbus"
	"github.com/nvrcore/nvrcore/internal/worker"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Client is one connected WebSocket subscriber.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

// Hub maintains the set of connected clients and fans out worker
// heartbeats received off the event bus to all of them.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
	logger     zerolog.Logger
}

// NewHub creates a Hub. Call Run in its own goroutine to start it.
func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     logger.With().Str("component", "wsstatus").Logger(),
	}
}

// Run drives the hub's main loop until stop is closed.
func (h *Hub) Run(stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
		case message := <-h.broadcast:
			h.mu.RLock()
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					h.logger.Warn().Msg("client buffer full, dropping message")
				}
			}
			h.mu.RUnlock()
		}
	}
}

// SubscribeHeartbeats subscribes the hub to every worker's heartbeat
// subject and broadcasts each one to connected WebSocket clients.
func (h *Hub) SubscribeHeartbeats(bus *eventbus.Bus) error {
	_, err := bus.Subscribe(eventbus.SubjectWorkerHeartbeatGlob, func(msg *nats.Msg) {
		h.broadcastRaw(msg.Data)
	})
	return err
}

func (h *Hub) broadcastRaw(data []byte) {
	select {
	case h.broadcast <- data:
	default:
		h.logger.Warn().Msg("broadcast channel full, dropping message")
	}
}

// BroadcastHeartbeat re-marshals and broadcasts a heartbeat directly
// (used by callers that already hold a worker.Heartbeat rather than a raw
// NATS message, e.g. tests).
func (h *Hub) BroadcastHeartbeat(hb worker.Heartbeat) {
	data, err := json.Marshal(hb)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to marshal heartbeat")
		return
	}
	h.broadcastRaw(data)
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeWS upgrades r to a WebSocket connection and registers it with the
// hub. Mount under the external HTTP layer's router.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to upgrade connection")
		return
	}

	client := &Client{hub: h, conn: conn, send: make(chan []byte, 256)}
	h.register <- client

	go client.writePump()
	go client.readPump()
}

func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(4096)
	_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			break
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
