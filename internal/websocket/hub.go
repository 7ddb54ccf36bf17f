// Package websocket pushes live fleet state to dashboard clients. The
// hub fans one broadcast out to every connected client; slow clients
// are dropped rather than allowed to stall the rest.
package websocket

import (
	"encoding/json"
	"net/http"
	"net/url"
	"sync"
	"time"

	wildcard "github.com/IGLOU-EU/go-wildcard/v2"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = 30 * time.Second
	clientSendSize = 64
)

// Message is the envelope pushed to clients.
type Message struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// Client is one dashboard connection.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	id   string
}

// Hub tracks clients and broadcasts fleet updates.
type Hub struct {
	upgrader   websocket.Upgrader
	getState   func() any
	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client

	mu      sync.RWMutex
	clients map[*Client]struct{}
}

// NewHub builds a hub. getState supplies the snapshot sent to every
// newly connected client. allowedOrigins is matched against the Origin
// host; empty means same-origin only.
func NewHub(getState func() any, allowedOrigins []string) *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     originChecker(allowedOrigins),
		},
		getState:   getState,
		broadcast:  make(chan []byte, 64),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		clients:    make(map[*Client]struct{}),
	}
}

// originChecker admits same-origin requests plus any configured
// origin pattern. Wildcards inside a pattern are allowed; a bare "*"
// is rejected at config validation, not here.
func originChecker(allowed []string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		if u.Host == r.Host {
			return true
		}
		for _, pattern := range allowed {
			if wildcard.Match(pattern, u.Host) || wildcard.Match(pattern, origin) {
				return true
			}
		}
		return false
	}
}

// Run drives the hub until stopCh closes.
func (h *Hub) Run(stopCh <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			h.closeAll()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = struct{}{}
			h.mu.Unlock()
			log.Debug().Str("client", client.id).Msg("Websocket client connected")
			h.sendInitialState(client)

		case client := <-h.unregister:
			h.drop(client)
			log.Debug().Str("client", client.id).Msg("Websocket client disconnected")

		case payload := <-h.broadcast:
			h.mu.RLock()
			clients := make([]*Client, 0, len(h.clients))
			for c := range h.clients {
				clients = append(clients, c)
			}
			h.mu.RUnlock()

			for _, c := range clients {
				select {
				case c.send <- payload:
				default:
					h.drop(c)
					log.Warn().Str("client", c.id).Msg("Dropping slow websocket client")
				}
			}

		case <-ticker.C:
			h.mu.RLock()
			for c := range h.clients {
				c.conn.SetWriteDeadline(time.Now().Add(writeWait))
				c.conn.WriteMessage(websocket.PingMessage, nil)
			}
			h.mu.RUnlock()
		}
	}
}

func (h *Hub) sendInitialState(client *Client) {
	if h.getState == nil {
		return
	}
	payload, err := json.Marshal(Message{Type: "fleet_state", Data: h.getState()})
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal initial fleet state")
		return
	}
	select {
	case client.send <- payload:
	default:
	}
}

func (h *Hub) drop(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		close(c.send)
		delete(h.clients, c)
	}
}

// ClientCount reports connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// BroadcastFleet pushes a fleet update to every client.
func (h *Hub) BroadcastFleet(state any) {
	payload, err := json.Marshal(Message{Type: "fleet_state", Data: state})
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal fleet broadcast")
		return
	}
	select {
	case h.broadcast <- payload:
	default:
		log.Warn().Msg("Websocket broadcast queue full, dropping update")
	}
}

// Handle upgrades a dashboard request to a websocket connection.
func (h *Hub) Handle(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("Websocket upgrade failed")
		return
	}

	client := &Client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, clientSendSize),
		id:   uuid.NewString()[:8],
	}
	h.register <- client

	go client.writePump()
	go client.readPump()
}

// readPump discards client frames; the dashboard channel is one-way.
// It exists to process control frames and detect disconnects.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()
	c.conn.SetReadLimit(1024)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *Client) writePump() {
	defer c.conn.Close()
	for payload := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			return
		}
	}
	c.conn.WriteMessage(websocket.CloseMessage, nil)
}
