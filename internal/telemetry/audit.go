package telemetry

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Publisher is the broker side of the audit trail.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, event any, headers map[string]string) error
	Close() error
}

// AuditEmitter records group administration and call moderation actions.
type AuditEmitter struct {
	publisher   Publisher
	routingKey  string
	service     string
	environment string
	log         zerolog.Logger
	now         func() time.Time
}

type AuditEnvelope struct {
	SchemaVersion int          `json:"schema_version"`
	EventType     string       `json:"event_type"`
	OccurredAt    string       `json:"occurred_at"`
	Service       string       `json:"service"`
	Environment   string       `json:"environment"`
	RequestID     string       `json:"request_id"`
	UserID        *string      `json:"user_id,omitempty"`
	Payload       AuditPayload `json:"payload"`
}

type AuditPayload struct {
	Level    string `json:"level"`
	Text     string `json:"text"`
	ThreadID string `json:"thread_id,omitempty"`
	Action   string `json:"action,omitempty"`
}

func NewAuditEmitter(publisher Publisher, routingKey, service, environment string, log zerolog.Logger) *AuditEmitter {
	return &AuditEmitter{
		publisher:   publisher,
		routingKey:  routingKey,
		service:     service,
		environment: environment,
		log:         log,
		now:         time.Now,
	}
}

// Emit publishes one audit record. Failures are logged, never returned.
func (e *AuditEmitter) Emit(ctx context.Context, level string, payload AuditPayload, requestID string, userID *string) {
	if e == nil || e.publisher == nil {
		return
	}
	payload.Level = level

	e.log.Debug().Str("level", level).Str("request_id", requestID).Str("action", payload.Action).Str("text", payload.Text).Msg("audit emit")
	envelope := AuditEnvelope{
		SchemaVersion: 1,
		EventType:     "audit_log",
		OccurredAt:    e.now().UTC().Format(time.RFC3339Nano),
		Service:       e.service,
		Environment:   e.environment,
		RequestID:     requestID,
		UserID:        userID,
		Payload:       payload,
	}

	headers := map[string]string{}
	if traceID := TraceIDFromContext(ctx); traceID != "" {
		headers["trace_id"] = traceID
	}
	if err := e.publisher.Publish(ctx, e.routingKey, envelope, headers); err != nil {
		e.log.Warn().Err(err).Str("action", payload.Action).Msg("audit publish failed")
	}
}

type requestIDKey struct{}

// WithRequestID attaches the inbound request id so services can audit with it.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, requestID)
}

// RequestIDFromContext returns the id set by WithRequestID or "".
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// Action is a shorthand for auditing a user-initiated change at INFO level.
func (e *AuditEmitter) Action(ctx context.Context, actorID, threadID, action, text string) {
	if e == nil {
		return
	}
	e.Emit(ctx, "INFO", AuditPayload{ThreadID: threadID, Action: action, Text: text}, RequestIDFromContext(ctx), &actorID)
}
