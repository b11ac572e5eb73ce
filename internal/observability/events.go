package observability

import "time"

// EnvelopeVersion is bumped when envelope fields change incompatibly.
const EnvelopeVersion = 1

// EventEnvelope wraps records published to the broker.
type EventEnvelope struct {
	SchemaVersion int       `json:"schema_version"`
	EventType     string    `json:"event_type"`
	EventName     string    `json:"event_name"`
	OccurredAt    time.Time `json:"occurred_at"`
	Payload       any       `json:"payload"`
}

func NewEnvelope(eventType, eventName string, payload any, at time.Time) EventEnvelope {
	return EventEnvelope{
		SchemaVersion: EnvelopeVersion,
		EventType:     eventType,
		EventName:     eventName,
		OccurredAt:    at.UTC(),
		Payload:       payload,
	}
}

// BuildHeaders correlates a broker record with the request and trace that
// caused it. Empty ids are left out.
func BuildHeaders(requestID, traceID string) map[string]string {
	headers := make(map[string]string, 2)
	if requestID != "" {
		headers["x-request-id"] = requestID
	}
	if traceID != "" {
		headers["trace_id"] = traceID
	}
	return headers
}
