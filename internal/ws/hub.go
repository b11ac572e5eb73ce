package ws

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"messaging-core/internal/models"
	"messaging-core/internal/observability"
	"messaging-core/internal/rabbitmq"
)

const (
	wsKind       = "user"
	wsRoutingKey = "ws_events.users"
)

const (
	sendBuffer = 64
	writeWait  = 10 * time.Second
)

// Conn is the part of *websocket.Conn the hub writes through.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Client is one registered connection. Frames are queued on send and written
// by the client's own write pump, so a slow peer only ever stalls itself.
type Client struct {
	conn Conn
	info ConnInfo
	send chan []byte
	done chan struct{}
	once sync.Once
}

// stop ends the write pump. It reports whether this call did the stopping.
func (c *Client) stop() bool {
	stopped := false
	c.once.Do(func() {
		close(c.done)
		stopped = true
	})
	return stopped
}

// Hub maintains the active websocket connections of every user and fans
// bus events out to their recipients.
type Hub struct {
	clients map[string]map[*Client]struct{}
	mu      sync.RWMutex
	pub     rabbitmq.Publisher
	log     zerolog.Logger
}

// NewHub creates an empty hub. pub receives ws_events records and may be nil.
func NewHub(pub rabbitmq.Publisher, log zerolog.Logger) *Hub {
	return &Hub{
		clients: make(map[string]map[*Client]struct{}),
		pub:     pub,
		log:     log,
	}
}

// Register adds a connection for info.UserID and starts its write pump.
func (h *Hub) Register(conn Conn, info ConnInfo) *Client {
	client := &Client{
		conn: conn,
		info: info,
		send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
	}
	h.mu.Lock()
	if _, ok := h.clients[info.UserID]; !ok {
		h.clients[info.UserID] = make(map[*Client]struct{})
	}
	h.clients[info.UserID][client] = struct{}{}
	h.mu.Unlock()

	go h.writePump(client)
	return client
}

func (h *Hub) writePump(c *Client) {
	for {
		select {
		case payload := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				h.drop(c, "ws_error", err.Error())
				return
			}
		case <-c.done:
			return
		}
	}
}

// Unregister removes the client, stops its write pump and reports how many
// connections its user still has.
func (h *Hub) Unregister(client *Client) int {
	client.stop()
	h.mu.Lock()
	defer h.mu.Unlock()
	conns, ok := h.clients[client.info.UserID]
	if !ok {
		return 0
	}
	delete(conns, client)
	if len(conns) == 0 {
		delete(h.clients, client.info.UserID)
	}
	return len(conns)
}

// Connected returns the number of live connections of userID.
func (h *Hub) Connected(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[userID])
}

func (h *Hub) snapshot(userIDs []string) []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []*Client
	for _, id := range userIDs {
		for c := range h.clients[id] {
			out = append(out, c)
		}
	}
	return out
}

// Dispatch queues evt for every connection of its recipients. It is
// registered on the event bus and never blocks on a socket.
func (h *Hub) Dispatch(evt models.Event) {
	targets := h.snapshot(evt.Recipients)
	if len(targets) == 0 {
		return
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		h.log.Error().Err(err).Str("kind", string(evt.Kind)).Msg("encode websocket event")
		return
	}
	for _, c := range targets {
		h.Send(c, payload)
	}
}

// Send queues one frame for a client without waiting on the network. A
// client whose queue is full is disconnected.
func (h *Hub) Send(c *Client, payload []byte) {
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.send <- payload:
	default:
		h.drop(c, "ws_slow_consumer", "send queue full")
	}
}

func (h *Hub) drop(c *Client, event, reason string) {
	if !c.stop() {
		return
	}
	h.log.Warn().Str("conn_id", c.info.ConnID).Str("user_id", c.info.UserID).Str("reason", reason).Msg("dropping websocket client")
	_ = c.conn.Close()
	h.Unregister(c)
	h.publishWSEvent(c.info, event, reason)
}

func (h *Hub) publishWSEvent(info ConnInfo, event, reason string) {
	observability.IncWSEvent(wsKind, event)
	if h.pub == nil {
		return
	}
	headers := observability.BuildHeaders(info.RequestID, info.TraceID)
	err := h.pub.Publish(context.Background(), wsRoutingKey, observability.NewEnvelope("ws_events", event, info.payload(event, reason), time.Now()), headers)
	if err != nil {
		observability.IncAMQPPublishError()
	}
}
