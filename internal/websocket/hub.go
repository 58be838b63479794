// Package websocket pushes committed booking events to connected browsers.
// Clients subscribe to the "appointments" and/or "rooms" topics and receive
// every event on those topics as a JSON text frame.
package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	gorillawebsocket "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/hackgods/booking-arbiter/internal/booking"
)

const (
	sendBuffer = 256
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	maxMessage = 4096
)

// Message is the frame sent to clients.
type Message struct {
	Topic string        `json:"topic"`
	Event booking.Event `json:"event"`
}

// ClientMessage is an inbound subscription change.
type ClientMessage struct {
	Action string   `json:"action"`
	Topics []string `json:"topics"`
}

type Client struct {
	ID     string
	Topics []string
	Send   chan []byte
}

// Hub tracks clients by topic. Slow clients lose frames rather than block a
// broadcast.
type Hub struct {
	log *zap.Logger

	mu      sync.RWMutex
	clients map[string]map[*Client]struct{} // topic -> subscribers
	all     map[*Client]struct{}
}

func NewHub(log *zap.Logger) *Hub {
	return &Hub{
		log:     log,
		clients: make(map[string]map[*Client]struct{}),
		all:     make(map[*Client]struct{}),
	}
}

func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.all[c] = struct{}{}
	h.subscribeLocked(c, c.Topics)
}

// Unregister removes the client everywhere and closes its Send channel.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.all[c]; !ok {
		return
	}
	h.unsubscribeLocked(c, c.Topics)
	delete(h.all, c)
	close(c.Send)
}

func (h *Hub) Subscribe(c *Client, topics []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	fresh := make([]string, 0, len(topics))
	seen := make(map[string]struct{}, len(topics))
	for _, t := range topics {
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		if _, ok := h.clients[t][c]; !ok {
			fresh = append(fresh, t)
		}
	}
	h.subscribeLocked(c, fresh)
	c.Topics = append(c.Topics, fresh...)
}

func (h *Hub) Unsubscribe(c *Client, topics []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.unsubscribeLocked(c, topics)

	drop := make(map[string]struct{}, len(topics))
	for _, t := range topics {
		drop[t] = struct{}{}
	}
	remaining := c.Topics[:0]
	for _, t := range c.Topics {
		if _, ok := drop[t]; !ok {
			remaining = append(remaining, t)
		}
	}
	c.Topics = remaining
}

func (h *Hub) subscribeLocked(c *Client, topics []string) {
	for _, t := range topics {
		if h.clients[t] == nil {
			h.clients[t] = make(map[*Client]struct{})
		}
		h.clients[t][c] = struct{}{}
	}
}

func (h *Hub) unsubscribeLocked(c *Client, topics []string) {
	for _, t := range topics {
		if subs, ok := h.clients[t]; ok {
			delete(subs, c)
			if len(subs) == 0 {
				delete(h.clients, t)
			}
		}
	}
}

func (h *Hub) ProcessMessage(c *Client, msg ClientMessage) {
	switch msg.Action {
	case "subscribe":
		h.Subscribe(c, msg.Topics)
	case "unsubscribe":
		h.Unsubscribe(c, msg.Topics)
	}
}

func (h *Hub) Broadcast(e booking.Event) {
	topic := e.Topic()
	data, err := json.Marshal(Message{Topic: topic, Event: e})
	if err != nil {
		h.log.Error("failed to marshal websocket message", zap.String("event_type", string(e.Type)), zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.clients[topic] {
		select {
		case c.Send <- data:
		default:
			h.log.Debug("websocket client buffer full, dropping frame", zap.String("client_id", c.ID))
		}
	}
}

// Publish broadcasts every event to its topic. It never fails.
func (h *Hub) Publish(_ context.Context, events []booking.Event) error {
	for _, e := range events {
		h.Broadcast(e)
	}
	return nil
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.all)
}

func (h *Hub) TopicCount(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[topic])
}

var upgrader = gorillawebsocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// ServeHTTP upgrades the connection. Initial topics come from the "topics"
// query parameter (comma separated) and default to all topics.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	c := &Client{
		ID:     uuid.NewString(),
		Topics: parseTopics(r.URL.Query().Get("topics")),
		Send:   make(chan []byte, sendBuffer),
	}
	h.Register(c)

	go h.writePump(c, ws)
	go h.readPump(c, ws)
}

func parseTopics(raw string) []string {
	if raw == "" {
		return []string{booking.TopicAppointments, booking.TopicRooms}
	}
	var topics []string
	for _, t := range strings.Split(raw, ",") {
		if t = strings.TrimSpace(t); t != "" {
			topics = append(topics, t)
		}
	}
	return topics
}

func (h *Hub) readPump(c *Client, ws *gorillawebsocket.Conn) {
	defer func() {
		h.Unregister(c)
		ws.Close()
	}()

	ws.SetReadLimit(maxMessage)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		h.ProcessMessage(c, msg)
	}
}

func (h *Hub) writePump(c *Client, ws *gorillawebsocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		ws.Close()
	}()

	for {
		select {
		case msg, ok := <-c.Send:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = ws.WriteMessage(gorillawebsocket.CloseMessage, []byte{})
				return
			}
			if err := ws.WriteMessage(gorillawebsocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(gorillawebsocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
