package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"messaging-core/internal/calls"
	"messaging-core/internal/middleware"
	"messaging-core/internal/models"
	"messaging-core/internal/observability"
	"messaging-core/internal/telemetry"
)

// Inbound frame types.
const (
	FrameHeartbeat    = "heartbeat"
	FrameTyping       = "typing"
	FrameTypingStop   = "typing_stop"
	FrameAck          = "ack"
	FrameCallOffer    = string(calls.SignalOffer)
	FrameCallAnswer   = string(calls.SignalAnswer)
	FrameICECandidate = string(calls.SignalICECandidate)
)

var ErrUnknownFrame = errors.New("unknown frame type")

// Frame is one inbound client message.
type Frame struct {
	Type      string          `json:"type"`
	ThreadID  string          `json:"thread_id,omitempty"`
	MessageID string          `json:"message_id,omitempty"`
	CallID    string          `json:"call_id,omitempty"`
	To        string          `json:"to,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

type errorFrame struct {
	Type    string `json:"type"`
	Request string `json:"request"`
	Error   string `json:"error"`
}

type Presence interface {
	Heartbeat(userID string) models.PresenceRecord
	Disconnect(userID string)
}

type Typing interface {
	Signal(threadID, userID string, audience []string)
	Clear(threadID, userID string)
}

type Threads interface {
	Get(ctx context.Context, threadID, userID string) (models.ThreadSummary, error)
}

type Messages interface {
	AdvanceState(ctx context.Context, messageID, actorID string, state models.DeliveryState) (models.Message, error)
}

type Calls interface {
	Relay(ctx context.Context, callID, fromID, toID string, kind calls.SignalKind, data json.RawMessage) error
}

// Deps are the services inbound frames are routed to.
type Deps struct {
	Presence Presence
	Typing   Typing
	Threads  Threads
	Messages Messages
	Calls    Calls
}

// Handler upgrades /ws requests and runs the per-connection read loop.
type Handler struct {
	hub      *Hub
	verifier middleware.Verifier
	deps     Deps
	log      zerolog.Logger
	upgrader websocket.Upgrader
}

func NewHandler(hub *Hub, verifier middleware.Verifier, deps Deps, log zerolog.Logger) *Handler {
	return &Handler{
		hub:      hub,
		verifier: verifier,
		deps:     deps,
		log:      log,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Handle authenticates, upgrades and registers the connection.
func (h *Handler) Handle(c *gin.Context) {
	ctx, span := telemetry.StartSpan(c.Request.Context(), "ws.handshake")
	defer span.End()
	c.Request = c.Request.WithContext(ctx)

	token, ok := middleware.BearerToken(c.Request)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing authorization"})
		return
	}
	userID, err := h.verifier.Verify(token)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}
	span.SetAttributes(attribute.String("user_id", userID))

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	info := ConnInfo{
		ConnID:      newConnID(),
		UserID:      userID,
		DeviceID:    observability.DeviceIDFromRequest(c.Request),
		IP:          observability.IPFromRequest(c.Request),
		RequestID:   observability.RequestIDFromRequest(c.Request),
		TraceID:     span.SpanContext().TraceID().String(),
		ConnectedAt: time.Now(),
	}
	client := h.Connect(conn, info)

	go h.readLoop(conn, client)
}

// Connect registers the client and marks the user online.
func (h *Handler) Connect(conn Conn, info ConnInfo) *Client {
	client := h.hub.Register(conn, info)
	if h.deps.Presence != nil {
		h.deps.Presence.Heartbeat(info.UserID)
	}
	observability.IncWSActive(wsKind)
	h.hub.publishWSEvent(info, "ws_connect", "")
	h.log.Debug().Str("conn_id", info.ConnID).Str("user_id", info.UserID).Msg("websocket connected")
	return client
}

// Disconnect unregisters the client; the user goes offline with its last
// connection.
func (h *Handler) Disconnect(client *Client, reason string) {
	remaining := h.hub.Unregister(client)
	if remaining == 0 && h.deps.Presence != nil {
		h.deps.Presence.Disconnect(client.info.UserID)
	}
	observability.DecWSActive(wsKind)
	h.hub.publishWSEvent(client.info, "ws_disconnect", reason)
	_ = client.conn.Close()
}

func (h *Handler) readLoop(conn *websocket.Conn, client *Client) {
	var closeReason string
	defer func() { h.Disconnect(client, closeReason) }()

	ctx := context.Background()
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			closeReason = err.Error()
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.hub.publishWSEvent(client.info, "ws_error", closeReason)
			}
			return
		}
		var frame Frame
		if err := json.Unmarshal(raw, &frame); err != nil {
			h.reply(client, "", err)
			continue
		}
		if err := h.HandleFrame(ctx, client.info.UserID, frame); err != nil {
			h.reply(client, frame.Type, err)
		}
	}
}

func (h *Handler) reply(client *Client, request string, err error) {
	payload, _ := json.Marshal(errorFrame{Type: "error", Request: request, Error: err.Error()})
	h.hub.Send(client, payload)
}

// HandleFrame routes one inbound frame from userID.
func (h *Handler) HandleFrame(ctx context.Context, userID string, f Frame) error {
	switch f.Type {
	case FrameHeartbeat:
		h.deps.Presence.Heartbeat(userID)
		return nil
	case FrameTyping:
		thread, err := h.deps.Threads.Get(ctx, f.ThreadID, userID)
		if err != nil {
			return err
		}
		h.deps.Typing.Signal(f.ThreadID, userID, thread.ParticipantIDs())
		return nil
	case FrameTypingStop:
		h.deps.Typing.Clear(f.ThreadID, userID)
		return nil
	case FrameAck:
		_, err := h.deps.Messages.AdvanceState(ctx, f.MessageID, userID, models.StateDelivered)
		if errors.Is(err, models.ErrInvalidTransition) {
			return nil
		}
		return err
	case FrameCallOffer, FrameCallAnswer, FrameICECandidate:
		return h.deps.Calls.Relay(ctx, f.CallID, userID, f.To, calls.SignalKind(f.Type), f.Data)
	default:
		return fmt.Errorf("%q: %w", f.Type, ErrUnknownFrame)
	}
}
