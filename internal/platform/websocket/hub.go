// Package websocket streams rule-registry changes to connected clients.
// Clients subscribe to topics and receive every registry event that matches
// one of them:
//
//	*            every event
//	rule:<TOKEN> events for one rule token
//	tag:<tag>    tag.added and tag.removed events for one tag
package websocket

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"
	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/logic/internal/platform/events"
)

const (
	TopicAll    = "*"
	rulePrefix  = "rule:"
	tagPrefix   = "tag:"
	sendBuffer  = 256
	maxTopics   = 64
	readLimitKB = 4
)

func RuleTopic(token string) string { return rulePrefix + token }

func TagTopic(tag string) string { return tagPrefix + tag }

// Topics lists the topics an event is delivered to.
func Topics(evt events.Event) []string {
	topics := []string{TopicAll, RuleTopic(evt.Token)}
	if evt.Tag != "" {
		topics = append(topics, TagTopic(evt.Tag))
	}
	return topics
}

// ClientMessage is an inbound subscribe or unsubscribe request.
type ClientMessage struct {
	Action string   `json:"action"`
	Topics []string `json:"topics"`
}

// Conn abstracts a WebSocket connection for testability.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

type Client struct {
	ID     string
	Topics []string
	Send   chan []byte
}

func NewClient(topics ...string) *Client {
	return &Client{ID: uuid.NewString(), Topics: topics, Send: make(chan []byte, sendBuffer)}
}

// Hub tracks clients and their topic subscriptions.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*Client]struct{} // topic -> subscribers
	all     map[*Client]struct{}
	dropped int
	logger  zerolog.Logger
}

func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		clients: make(map[string]map[*Client]struct{}),
		all:     make(map[*Client]struct{}),
		logger:  logger.With().Str("component", "websocket").Logger(),
	}
}

func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.all[client] = struct{}{}
	for _, topic := range client.Topics {
		h.add(topic, client)
	}
}

// Unregister removes the client and closes its Send channel. It is safe to
// call more than once.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.all[client]; !ok {
		return
	}
	for _, topic := range client.Topics {
		h.remove(topic, client)
	}
	delete(h.all, client)
	close(client.Send)
}

func (h *Hub) Subscribe(client *Client, topics []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, topic := range topics {
		if len(client.Topics) >= maxTopics {
			return
		}
		if containsTopic(client.Topics, topic) {
			continue
		}
		h.add(topic, client)
		client.Topics = append(client.Topics, topic)
	}
}

func (h *Hub) Unsubscribe(client *Client, topics []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	remaining := client.Topics[:0]
	for _, t := range client.Topics {
		if containsTopic(topics, t) {
			h.remove(t, client)
			continue
		}
		remaining = append(remaining, t)
	}
	client.Topics = remaining
}

func (h *Hub) add(topic string, client *Client) {
	if h.clients[topic] == nil {
		h.clients[topic] = make(map[*Client]struct{})
	}
	h.clients[topic][client] = struct{}{}
}

func (h *Hub) remove(topic string, client *Client) {
	if subscribers, ok := h.clients[topic]; ok {
		delete(subscribers, client)
		if len(subscribers) == 0 {
			delete(h.clients, topic)
		}
	}
}

func (h *Hub) ProcessMessage(client *Client, msg ClientMessage) {
	switch msg.Action {
	case "subscribe":
		h.Subscribe(client, msg.Topics)
	case "unsubscribe":
		h.Unsubscribe(client, msg.Topics)
	}
}

// Notify delivers evt once to every client subscribed to any of its topics.
// Slow clients whose buffer is full miss the event.
func (h *Hub) Notify(evt events.Event) {
	data, err := json.Marshal(evt)
	if err != nil {
		h.logger.Error().Err(err).Msg("marshal registry event")
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	seen := make(map[*Client]struct{})
	for _, topic := range Topics(evt) {
		for client := range h.clients[topic] {
			if _, ok := seen[client]; ok {
				continue
			}
			seen[client] = struct{}{}
			select {
			case client.Send <- data:
			default:
				h.dropped++
			}
		}
	}
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

// Dropped returns how many deliveries were skipped because a client buffer
// was full.
func (h *Hub) Dropped() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.dropped
}

func containsTopic(topics []string, topic string) bool {
	for _, t := range topics {
		if t == topic {
			return true
		}
	}
	return false
}

// ---------------------------------------------------------------------------
// Handler
// ---------------------------------------------------------------------------

type Handler struct {
	hub      *Hub
	upgrader gorillawebsocket.Upgrader
}

// NewHandler serves the event stream. An empty origins list accepts any
// origin.
func NewHandler(hub *Hub, origins []string) *Handler {
	return &Handler{
		hub: hub,
		upgrader: gorillawebsocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin(origins),
		},
	}
}

func checkOrigin(origins []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || len(origins) == 0 {
			return true
		}
		for _, o := range origins {
			if o == "*" || strings.EqualFold(o, origin) {
				return true
			}
		}
		return false
	}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/logic/events", h.Connect)
}

// Connect upgrades the request and streams events. Initial topics come from
// repeated ?topic= parameters and default to every event.
func (h *Handler) Connect(c echo.Context) error {
	topics := c.QueryParams()["topic"]
	if len(topics) == 0 {
		topics = []string{TopicAll}
	}
	if len(topics) > maxTopics {
		return echo.NewHTTPError(http.StatusBadRequest, "too many topics")
	}

	ws, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	ws.SetReadLimit(readLimitKB << 10)

	client := NewClient(topics...)
	h.hub.Register(client)
	h.hub.logger.Debug().Str("client", client.ID).Strs("topics", topics).Msg("event stream opened")

	conn := &gorillaConn{ws}
	go writePump(client, conn)
	go readPump(h.hub, client, conn)
	return nil
}

func readPump(hub *Hub, client *Client, conn Conn) {
	defer func() {
		hub.Unregister(client)
		conn.Close()
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var msg ClientMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}
		hub.ProcessMessage(client, msg)
	}
}

func writePump(client *Client, conn Conn) {
	defer conn.Close()

	for message := range client.Send {
		if err := conn.WriteMessage(gorillawebsocket.TextMessage, message); err != nil {
			return
		}
	}
}

type gorillaConn struct {
	conn *gorillawebsocket.Conn
}

func (a *gorillaConn) ReadMessage() (int, []byte, error) { return a.conn.ReadMessage() }

func (a *gorillaConn) WriteMessage(messageType int, data []byte) error {
	return a.conn.WriteMessage(messageType, data)
}

func (a *gorillaConn) Close() error { return a.conn.Close() }
