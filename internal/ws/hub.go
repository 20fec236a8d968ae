// Package ws broadcasts harvest and announce events to any number of
// connected dashboard clients over WebSocket. Adapted from the teacher's
// register/unregister/broadcast hub, stripped of its server-auth and
// command/response machinery — this feed is one-way only.
package ws

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Client is one connected dashboard.
type Client struct {
	ID   uuid.UUID
	conn *websocket.Conn
	send chan []byte
	hub  *Hub
}

// Hub fans broadcast messages out to every registered Client.
type Hub struct {
	clientsMu sync.RWMutex
	clients   map[uuid.UUID]*Client

	register   chan *Client
	unregister chan *Client
	broadcast  chan []byte
}

// NewHub builds an idle Hub; call Run to start its loop.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[uuid.UUID]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan []byte, 256),
	}
}

// Run drives the hub's main loop until ch is closed.
func (h *Hub) Run() {
	for {
		select {
		case c := <-h.register:
			h.clientsMu.Lock()
			h.clients[c.ID] = c
			h.clientsMu.Unlock()
			log.Printf("[ws] client connected: %s (%d total)", c.ID, len(h.clients))

		case c := <-h.unregister:
			h.clientsMu.Lock()
			if _, ok := h.clients[c.ID]; ok {
				delete(h.clients, c.ID)
				close(c.send)
			}
			h.clientsMu.Unlock()

		case msg := <-h.broadcast:
			h.clientsMu.RLock()
			for _, c := range h.clients {
				select {
				case c.send <- msg:
				default:
					go func(c *Client) { h.unregister <- c }(c)
				}
			}
			h.clientsMu.RUnlock()
		}
	}
}

// Broadcast enqueues msg for every connected client. Non-blocking up to
// the broadcast channel's buffer; the hub itself never blocks a caller.
func (h *Hub) Broadcast(msg []byte) {
	select {
	case h.broadcast <- msg:
	default:
		log.Printf("[ws] broadcast buffer full, dropping message")
	}
}

// ServeHTTP upgrades the request to a WebSocket and registers the
// resulting client with the hub.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[ws] upgrade failed: %v", err)
		return
	}
	c := &Client{ID: uuid.New(), conn: conn, send: make(chan []byte, 32), hub: h}
	h.register <- c

	go c.writePump()
	go c.readPump()
}

func (c *Client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
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

// harvestEvent is the JSON shape pushed to every connected dashboard.
type harvestEvent struct {
	Type         string `json:"type"`
	InfoHashHex  string `json:"info_hash_hex"`
	Peer         string `json:"peer"`
	MetadataSize int    `json:"metadata_size"`
}

// Feed adapts a Hub to orchestrator.Sink, broadcasting one JSON event
// per harvest.
type Feed struct {
	hub *Hub
}

// NewFeed wraps hub as an orchestrator.Sink.
func NewFeed(hub *Hub) *Feed {
	return &Feed{hub: hub}
}

// Harvest implements orchestrator.Sink.
func (f *Feed) Harvest(infoHashHex string, peer string, metadata []byte) {
	msg, err := json.Marshal(harvestEvent{
		Type:         "harvest",
		InfoHashHex:  infoHashHex,
		Peer:         peer,
		MetadataSize: len(metadata),
	})
	if err != nil {
		return
	}
	f.hub.Broadcast(msg)
}

// readPump only exists to notice disconnects and drain pongs; this feed
// never accepts client-sent commands.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()
	c.conn.SetReadDeadline(time.Now().Add(90 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(90 * time.Second))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
