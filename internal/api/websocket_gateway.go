package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/praxis/a2a-fabric/internal/bus"
	"github.com/praxis/a2a-fabric/internal/logger"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 64 * 1024
)

// MessageType is the type of a client message.
type MessageType string

const (
	// MessageSubscribe narrows the stream to the listed event types. An empty
	// list restores the full stream.
	MessageSubscribe MessageType = "SUBSCRIBE"
	MessagePing      MessageType = "PING"
)

// ClientMessage is a message from a stream client.
type ClientMessage struct {
	Type    MessageType            `json:"type"`
	Payload map[string]interface{} `json:"payload"`
}

// StreamMessage is what clients receive for every bus event.
type StreamMessage struct {
	Type      bus.EventType          `json:"type"`
	Payload   map[string]interface{} `json:"payload"`
	Timestamp int64                  `json:"timestamp"`
}

// Client is one WebSocket connection.
type Client struct {
	hub      *Hub
	conn     *websocket.Conn
	send     chan []byte
	clientID string

	mu     sync.RWMutex
	filter map[bus.EventType]bool
}

func (c *Client) wants(t bus.EventType) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.filter) == 0 || c.filter[t]
}

func (c *Client) setFilter(types []bus.EventType) {
	f := make(map[bus.EventType]bool, len(types))
	for _, t := range types {
		f[t] = true
	}
	c.mu.Lock()
	c.filter = f
	c.mu.Unlock()
}

type envelope struct {
	eventType bus.EventType
	data      []byte
}

// Hub maintains the set of active clients and broadcasts events to them.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan envelope
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	mu         sync.RWMutex
}

func newHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan envelope, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
	}
}

func (h *Hub) run() {
	for {
		select {
		case <-h.done:
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			h.mu.Unlock()
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

		case msg := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				if !client.wants(msg.eventType) {
					continue
				}
				select {
				case client.send <- msg.data:
				default:
					// slow consumer
					close(client.send)
					delete(h.clients, client)
				}
			}
			h.mu.Unlock()
		}
	}
}

func (h *Hub) count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// EventStreamGateway streams event bus traffic (security events, registry
// changes, connection lifecycle, session-tagged logs) to WebSocket clients.
type EventStreamGateway struct {
	hub         *Hub
	eventBus    *bus.EventBus
	unsubscribe func()
	logger      *logrus.Logger
	upgrader    websocket.Upgrader
	closeOnce   sync.Once
}

// NewEventStreamGateway subscribes to every event type. allowedOrigins empty
// or containing "*" accepts any origin.
func NewEventStreamGateway(eventBus *bus.EventBus, allowedOrigins []string, log *logrus.Logger) *EventStreamGateway {
	gw := &EventStreamGateway{
		hub:      newHub(),
		eventBus: eventBus,
		logger:   logger.OrDefault(log),
	}
	gw.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(allowedOrigins),
	}
	go gw.hub.run()
	gw.unsubscribe = eventBus.SubscribeAll(gw.handleEvent)
	return gw
}

func originChecker(allowed []string) func(r *http.Request) bool {
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		set[o] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || len(set) == 0 || set[origin]
	}
}

// Close stops delivery and disconnects every client.
func (gw *EventStreamGateway) Close() {
	gw.closeOnce.Do(func() {
		gw.unsubscribe()
		close(gw.hub.done)
	})
}

// Clients returns the number of connected clients.
func (gw *EventStreamGateway) Clients() int { return gw.hub.count() }

func (gw *EventStreamGateway) handleWebSocket(c *gin.Context) {
	conn, err := gw.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		gw.logger.Errorf("WebSocket upgrade failed: %v", err)
		return
	}

	client := &Client{
		hub:      gw.hub,
		conn:     conn,
		send:     make(chan []byte, 256),
		clientID: fmt.Sprintf("client-%d", time.Now().UnixNano()),
	}
	if types := c.QueryArray("event"); len(types) > 0 {
		client.setFilter(toEventTypes(types))
	}

	select {
	case gw.hub.register <- client:
	case <-gw.hub.done:
		_ = conn.Close()
		return
	}
	gw.logger.Debugf("Event stream client connected: %s", client.clientID)

	go client.writePump()
	go gw.readPump(client)
}

func (gw *EventStreamGateway) readPump(client *Client) {
	defer func() {
		select {
		case client.hub.unregister <- client:
		case <-client.hub.done:
		}
		_ = client.conn.Close()
		gw.logger.Debugf("Event stream client disconnected: %s", client.clientID)
	}()

	client.conn.SetReadLimit(maxMessageSize)
	_ = client.conn.SetReadDeadline(time.Now().Add(pongWait))
	client.conn.SetPongHandler(func(string) error {
		_ = client.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := client.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				gw.logger.Warnf("Event stream read error: %v", err)
			}
			return
		}
		var msg ClientMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			gw.logger.Debugf("Ignoring malformed client message: %v", err)
			continue
		}
		gw.handleClientMessage(client, msg)
	}
}

func (gw *EventStreamGateway) handleClientMessage(client *Client, msg ClientMessage) {
	switch msg.Type {
	case MessageSubscribe:
		var names []string
		if list, ok := msg.Payload["events"].([]interface{}); ok {
			for _, v := range list {
				if s, ok := v.(string); ok {
					names = append(names, s)
				}
			}
		}
		client.setFilter(toEventTypes(names))
	case MessagePing:
		gw.sendDirect(client, StreamMessage{Type: "pong", Timestamp: time.Now().UnixMilli()})
	default:
		gw.logger.Debugf("Unknown client message type: %s", msg.Type)
	}
}

// writePump pumps messages from the hub to the WebSocket connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (gw *EventStreamGateway) handleEvent(event bus.Event) {
	data, err := json.Marshal(StreamMessage{
		Type:      event.Type,
		Payload:   event.Payload,
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		gw.logger.Errorf("Failed to marshal event: %v", err)
		return
	}
	select {
	case gw.hub.broadcast <- envelope{eventType: event.Type, data: data}:
	case <-gw.hub.done:
	}
}

func (gw *EventStreamGateway) sendDirect(client *Client, msg StreamMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	gw.hub.mu.RLock()
	defer gw.hub.mu.RUnlock()
	if gw.hub.clients[client] {
		select {
		case client.send <- data:
		default:
		}
	}
}

func toEventTypes(names []string) []bus.EventType {
	out := make([]bus.EventType, 0, len(names))
	for _, n := range names {
		out = append(out, bus.EventType(n))
	}
	return out
}
