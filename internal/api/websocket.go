package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/gerlofvanek/basicswap/pkg/logging"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Event is a message pushed to websocket clients. Type carries the audit
// log event type, so clients can subscribe to a subset.
type Event struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data"`
	Timestamp int64       `json:"timestamp"`
}

// Subscription is a client subscription request. A client with no
// subscriptions receives everything.
type Subscription struct {
	Action string   `json:"action"` // "subscribe" or "unsubscribe"
	Events []string `json:"events"`
}

// Client is one connected websocket client.
type Client struct {
	conn          *websocket.Conn
	send          chan []byte
	subscriptions map[string]bool
	mu            sync.RWMutex
	hub           *Hub
}

// Hub manages all websocket connections.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan *Event
	register   chan *Client
	unregister chan *Client
	log        *logging.Logger
	mu         sync.RWMutex
}

// NewHub creates the websocket hub.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan *Event, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		log:        logging.Component("ws"),
	}
}

// Run drives the hub until the context is cancelled.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.log.Debug("websocket client connected", "clients", h.ClientCount())

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			h.log.Debug("websocket client disconnected", "clients", h.ClientCount())

		case event := <-h.broadcast:
			data, err := json.Marshal(event)
			if err != nil {
				h.log.Error("marshaling event", "err", err)
				continue
			}

			h.mu.Lock()
			for client := range h.clients {
				client.mu.RLock()
				subscribed := len(client.subscriptions) == 0 || client.subscriptions[event.Type]
				client.mu.RUnlock()
				if !subscribed {
					continue
				}
				select {
				case client.send <- data:
				default:
					// Slow client, drop it.
					delete(h.clients, client)
					close(client.send)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Broadcast queues an event for every subscribed client. Events are
// dropped when the hub is saturated.
func (h *Hub) Broadcast(eventType string, data interface{}) {
	event := &Event{
		Type:      eventType,
		Data:      data,
		Timestamp: time.Now().Unix(),
	}
	select {
	case h.broadcast <- event:
	default:
		h.log.Warn("broadcast channel full, dropping event", "type", eventType)
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("websocket upgrade failed", "err", err)
		return
	}

	client := &Client{
		conn:          conn,
		send:          make(chan []byte, 256),
		subscriptions: make(map[string]bool),
		hub:           s.hub,
	}
	s.hub.register <- client

	go client.writePump()
	go client.readPump()
}

// streamEvents polls the audit log and pushes new records to the hub.
func (s *Server) streamEvents(ctx context.Context, interval time.Duration) {
	var lastID int64
	if events, err := s.store.RecentEvents(1); err == nil && len(events) > 0 {
		lastID = events[0].ID
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if s.hub.ClientCount() == 0 {
			continue
		}
		events, err := s.store.EventsSince(lastID, 100)
		if err != nil {
			s.log.Error("polling events", "err", err)
			continue
		}
		for _, ev := range events {
			s.hub.Broadcast(ev.EventType, ev)
			if ev.ID > lastID {
				lastID = ev.ID
			}
		}
	}
}

func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Debug("websocket read error", "err", err)
			}
			break
		}

		var sub Subscription
		if err := json.Unmarshal(message, &sub); err == nil {
			c.handleSubscription(&sub)
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
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

func (c *Client) handleSubscription(sub *Subscription) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, ev := range sub.Events {
		switch sub.Action {
		case "subscribe":
			c.subscriptions[ev] = true
		case "unsubscribe":
			delete(c.subscriptions, ev)
		}
	}
}
