package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kimhsiao/shopsync/internal/logging"
	"github.com/kimhsiao/shopsync/internal/sync/events"
	"github.com/kimhsiao/shopsync/internal/uuid"
)

const (
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 30 * time.Second
	wsWriteWait  = 10 * time.Second
	wsSendBuffer = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     localOrigin,
}

// localOrigin accepts clients that send no Origin and pages served from
// this machine.
func localOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	switch u.Hostname() {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}

// WSClient represents a WebSocket client connection.
type WSClient struct {
	id   string
	conn *websocket.Conn
	hub  *WSHub

	mu            sync.Mutex
	send          chan []byte
	closed        bool
	subscriptions map[events.Type]bool // empty means every event
}

// enqueue hands msg to the write pump. It reports false when the client is
// closed or its buffer is full.
func (c *WSClient) enqueue(msg []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

func (c *WSClient) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *WSClient) wants(t events.Type) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subscriptions) == 0 || c.subscriptions[t]
}

func (c *WSClient) setSubscribed(types []events.Type, on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range types {
		if on {
			c.subscriptions[t] = true
		} else {
			delete(c.subscriptions, t)
		}
	}
}

type wsMessage struct {
	eventType events.Type
	data      []byte
}

// WSHub fans sync events out to connected clients. The client set is owned
// by the Run goroutine.
type WSHub struct {
	clients    map[string]*WSClient
	broadcast  chan wsMessage
	register   chan *WSClient
	unregister chan *WSClient
	done       chan struct{}
	count      atomic.Int32
}

// NewWSHub creates a new WebSocket hub. Call Run to start it.
func NewWSHub() *WSHub {
	return &WSHub{
		clients:    make(map[string]*WSClient),
		broadcast:  make(chan wsMessage, wsSendBuffer),
		register:   make(chan *WSClient),
		unregister: make(chan *WSClient),
		done:       make(chan struct{}),
	}
}

// Run manages client connections and broadcasts until ctx is done.
func (h *WSHub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for id, client := range h.clients {
				delete(h.clients, id)
				client.close()
			}
			h.count.Store(0)
			return

		case client := <-h.register:
			h.clients[client.id] = client
			h.count.Store(int32(len(h.clients)))
			logging.Debug("WebSocket client connected", map[string]interface{}{
				"client_id": client.id,
				"total":     len(h.clients),
			})

		case client := <-h.unregister:
			if _, ok := h.clients[client.id]; ok {
				delete(h.clients, client.id)
				client.close()
			}
			h.count.Store(int32(len(h.clients)))
			logging.Debug("WebSocket client disconnected", map[string]interface{}{
				"client_id": client.id,
				"total":     len(h.clients),
			})

		case msg := <-h.broadcast:
			for id, client := range h.clients {
				if !client.wants(msg.eventType) {
					continue
				}
				if !client.enqueue(msg.data) {
					delete(h.clients, id)
					client.close()
					logging.Warn("Dropping slow WebSocket client", map[string]interface{}{"client_id": id})
				}
			}
			h.count.Store(int32(len(h.clients)))
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *WSHub) ClientCount() int {
	return int(h.count.Load())
}

// Broadcast queues evt for every subscribed client. It has the shape of an
// events.Listener and never blocks the publisher; when the hub is backed up
// the event is dropped.
func (h *WSHub) Broadcast(evt events.Event) {
	data, err := json.Marshal(evt)
	if err != nil {
		logging.Error("Failed to marshal event", err, map[string]interface{}{"event": string(evt.Type)})
		return
	}
	select {
	case h.broadcast <- wsMessage{eventType: evt.Type, data: data}:
	default:
		logging.Warn("WebSocket hub backed up, dropping event", map[string]interface{}{"event": string(evt.Type)})
	}
}

// clientMessage is what clients send: subscribe, unsubscribe or ping.
type clientMessage struct {
	Action string        `json:"action"`
	Events []events.Type `json:"events"`
}

// readPump pumps messages from the WebSocket connection.
func (c *WSClient) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logging.Warn("WebSocket read failed", map[string]interface{}{"client_id": c.id, "error": err.Error()})
			}
			return
		}

		var msg clientMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			logging.Debug("Ignoring malformed WebSocket message", map[string]interface{}{"client_id": c.id})
			continue
		}

		switch msg.Action {
		case "subscribe":
			c.setSubscribed(msg.Events, true)
			c.reply(map[string]interface{}{"action": "subscribe_ack", "subscribed": msg.Events})
		case "unsubscribe":
			c.setSubscribed(msg.Events, false)
			c.reply(map[string]interface{}{"action": "unsubscribe_ack", "unsubscribed": msg.Events})
		case "ping":
			c.reply(map[string]interface{}{"action": "pong"})
		}
	}
}

// reply sends a control message to this client only.
func (c *WSClient) reply(body map[string]interface{}) {
	body["timestamp"] = time.Now().UnixMilli()
	data, err := json.Marshal(body)
	if err != nil {
		return
	}
	c.enqueue(data)
}

// writePump pumps messages to the WebSocket connection.
func (c *WSClient) writePump() {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// HandleWebSocket handles GET /ws.
func HandleWebSocket(hub *WSHub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logging.Warn("WebSocket upgrade failed", map[string]interface{}{"error": err.Error()})
			return
		}

		client := &WSClient{
			id:            uuid.NewPrefixed("ws"),
			conn:          conn,
			hub:           hub,
			send:          make(chan []byte, wsSendBuffer),
			subscriptions: make(map[events.Type]bool),
		}

		select {
		case hub.register <- client:
		case <-hub.done:
			conn.Close()
			return
		}

		go client.writePump()
		go client.readPump()
	}
}
