package models

import "time"

// EventKind names the domain events published on the bus.
type EventKind string

const (
	EventMessageAppended EventKind = "message"
	EventMessageUpdated  EventKind = "message_updated"
	EventMessageDeleted  EventKind = "delete_for_all"
	EventMessageState    EventKind = "message_state"
	EventReaction        EventKind = "reaction"
	EventThreadRead      EventKind = "thread_read"
	EventMemberAdded     EventKind = "member_added"
	EventMemberRemoved   EventKind = "member_removed"
	EventGroupUpdated    EventKind = "group_updated"
	EventTyping          EventKind = "typing"
	EventPresence        EventKind = "presence"
	EventCallRinging     EventKind = "call_ringing"
	EventCallUpdated     EventKind = "call_updated"
	EventCallEnded       EventKind = "call_ended"
	EventCallSignal      EventKind = "call_signal"
)

// Event is emitted by the core and delivered to the recipients listed.
type Event struct {
	Kind       EventKind    `json:"type"`
	ThreadID   string       `json:"thread_id,omitempty"`
	ActorID    string       `json:"actor_id,omitempty"`
	Recipients []string     `json:"-"`
	Subject    string       `json:"subject,omitempty"`
	Message    *Message     `json:"message,omitempty"`
	Call       *CallSession `json:"call,omitempty"`
	Payload    any          `json:"payload,omitempty"`
	OccurredAt time.Time    `json:"occurred_at"`
}

// Notification is the record handed to the external notification transport.
type Notification struct {
	Kind        string    `json:"kind"`
	ThreadID    string    `json:"thread_id"`
	RecipientID string    `json:"recipient_id"`
	Summary     string    `json:"summary"`
	Timestamp   time.Time `json:"timestamp"`
}
