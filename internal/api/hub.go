package api

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kimhsiao/possync/internal/logging"
	syncpkg "github.com/kimhsiao/possync/internal/sync"
	"github.com/kimhsiao/possync/internal/uuid"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	writeWait  = 10 * time.Second
	sendBuffer = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     localOrigin,
}

// localOrigin accepts clients without an Origin header (native shells) and
// pages served from the loopback interface.
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

// Envelope wraps every message pushed to clients.
type Envelope struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data"`
	Timestamp int64       `json:"timestamp"`
}

// client is one websocket connection.
type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	hub  *Hub

	mu            sync.Mutex
	subscriptions map[string]bool
}

// wants reports whether the client should receive messages of type t. A
// client with no subscriptions receives everything.
func (c *client) wants(t string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subscriptions) == 0 || c.subscriptions[t]
}

// Hub fans sync events out to connected clients.
type Hub struct {
	log        *logging.Logger
	clients    map[string]*client
	broadcast  chan Envelope
	register   chan *client
	unregister chan *client
	done       chan struct{}
	closeOnce  sync.Once
	mu         sync.RWMutex
}

var _ syncpkg.SyncEventHandler = (*Hub)(nil)

// NewHub creates a hub and starts its loop. Close stops it.
func NewHub(log *logging.Logger) *Hub {
	if log == nil {
		log = logging.Nop()
	}
	h := &Hub{
		log:        log,
		clients:    make(map[string]*client),
		broadcast:  make(chan Envelope, sendBuffer),
		register:   make(chan *client),
		unregister: make(chan *client),
		done:       make(chan struct{}),
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	for {
		select {
		case <-h.done:
			h.mu.Lock()
			for id, c := range h.clients {
				close(c.send)
				delete(h.clients, id)
			}
			h.mu.Unlock()
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c.id] = c
			n := len(h.clients)
			h.mu.Unlock()
			h.log.Debug("ws client connected", map[string]interface{}{"client_id": c.id, "total": n})

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c.id]; ok {
				delete(h.clients, c.id)
				close(c.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			h.log.Debug("ws client disconnected", map[string]interface{}{"client_id": c.id, "total": n})

		case env := <-h.broadcast:
			msg, err := json.Marshal(env)
			if err != nil {
				h.log.Error("failed to marshal ws message", err, map[string]interface{}{"type": env.Type})
				continue
			}
			h.mu.Lock()
			for id, c := range h.clients {
				if !c.wants(env.Type) {
					continue
				}
				select {
				case c.send <- msg:
				default:
					// Slow client: drop it rather than stall everyone else.
					close(c.send)
					delete(h.clients, id)
					h.log.Warn("ws client dropped, send buffer full", map[string]interface{}{"client_id": id})
				}
			}
			h.mu.Unlock()
		}
	}
}

// Broadcast queues a message for every interested client. It never blocks:
// when the queue is full the message is dropped.
func (h *Hub) Broadcast(messageType string, data interface{}) {
	env := Envelope{Type: messageType, Data: data, Timestamp: time.Now().Unix()}
	select {
	case <-h.done:
	case h.broadcast <- env:
	default:
		h.log.Warn("ws broadcast queue full, message dropped", map[string]interface{}{"type": messageType})
	}
}

// OnSyncEvent forwards engine events to clients.
func (h *Hub) OnSyncEvent(event syncpkg.SyncEvent) {
	h.Broadcast(string(event.Type), event)
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every client and stops the hub.
func (h *Hub) Close() {
	h.closeOnce.Do(func() { close(h.done) })
}

// ServeWS upgrades the request and attaches the connection to the hub.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("ws upgrade failed", map[string]interface{}{"error": err.Error()})
		return
	}

	c := &client{
		id:            uuid.New(),
		conn:          conn,
		send:          make(chan []byte, sendBuffer),
		hub:           h,
		subscriptions: make(map[string]bool),
	}

	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}

// clientMessage is what clients may send: subscribe, unsubscribe or ping.
type clientMessage struct {
	Action string   `json:"action"`
	Events []string `json:"events"`
}

func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Debug("ws read error", map[string]interface{}{"client_id": c.id, "error": err.Error()})
			}
			return
		}

		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.hub.log.Debug("ws invalid message", map[string]interface{}{"client_id": c.id})
			continue
		}

		switch strings.ToLower(msg.Action) {
		case "subscribe":
			c.mu.Lock()
			for _, e := range msg.Events {
				c.subscriptions[e] = true
			}
			c.mu.Unlock()
			c.reply(map[string]interface{}{"action": "subscribe_ack", "subscribed": msg.Events})
		case "unsubscribe":
			c.mu.Lock()
			for _, e := range msg.Events {
				delete(c.subscriptions, e)
			}
			c.mu.Unlock()
		case "ping":
			c.reply(map[string]interface{}{"action": "pong"})
		}
	}
}

// reply queues a direct answer to this client. The hub may already have
// closed send, so the write is guarded.
func (c *client) reply(body map[string]interface{}) {
	body["timestamp"] = time.Now().Unix()
	msg, err := json.Marshal(body)
	if err != nil {
		return
	}
	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	if _, ok := c.hub.clients[c.id]; !ok {
		return
	}
	select {
	case c.send <- msg:
	default:
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
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
