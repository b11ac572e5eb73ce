package models

import "time"

// Domain classifies the business context a thread belongs to.
type Domain string

const (
	DomainSocial      Domain = "social"
	DomainFreelance   Domain = "freelance"
	DomainMarketplace Domain = "marketplace"
	DomainP2P         Domain = "p2p"
	DomainAIAssistant Domain = "ai_assistant"
)

// Domains lists every domain in tab order.
var Domains = []Domain{DomainSocial, DomainFreelance, DomainMarketplace, DomainP2P, DomainAIAssistant}

// Valid reports whether d is a known domain.
func (d Domain) Valid() bool {
	for _, known := range Domains {
		if d == known {
			return true
		}
	}
	return false
}

// Role is a participant's role inside a group thread.
type Role string

const (
	RoleOwner  Role = "owner"
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
)

func (r Role) rank() int {
	switch r {
	case RoleOwner:
		return 2
	case RoleAdmin:
		return 1
	default:
		return 0
	}
}

// Outranks reports whether r sits strictly above other.
func (r Role) Outranks(other Role) bool {
	return r.rank() > other.rank()
}

// IsAdmin is true for admins and the owner.
func (r Role) IsAdmin() bool {
	return r == RoleOwner || r == RoleAdmin
}

// Participant is one member of a thread together with its per-user counters.
type Participant struct {
	UserID      string    `json:"user_id"`
	Role        Role      `json:"role,omitempty"`
	JoinedAt    time.Time `json:"joined_at"`
	Unread      int       `json:"unread"`
	LastReadSeq int64     `json:"last_read_seq"`
}

// MessagePreview is the last-message projection kept on the thread.
type MessagePreview struct {
	MessageID string    `json:"message_id"`
	Seq       int64     `json:"seq"`
	SenderID  string    `json:"sender_id"`
	Snippet   string    `json:"snippet"`
	SentAt    time.Time `json:"sent_at"`
}

// Thread represents one conversation, direct or group.
type Thread struct {
	ID             string          `json:"id"`
	Domain         Domain          `json:"domain"`
	IsGroup        bool            `json:"is_group"`
	Participants   []Participant   `json:"participants"`
	Group          *GroupInfo      `json:"group,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	LastActivityAt time.Time       `json:"last_activity_at"`
	LastMessage    *MessagePreview `json:"last_message,omitempty"`
	LastSeq        int64           `json:"last_seq"`
	Archived       bool            `json:"archived"`
	Version        int64           `json:"version"`
}

// Participant returns the participant entry for userID.
func (t *Thread) Participant(userID string) (*Participant, bool) {
	for i := range t.Participants {
		if t.Participants[i].UserID == userID {
			return &t.Participants[i], true
		}
	}
	return nil, false
}

// HasParticipant reports membership.
func (t *Thread) HasParticipant(userID string) bool {
	_, ok := t.Participant(userID)
	return ok
}

// ParticipantIDs returns the member ids in stored order.
func (t *Thread) ParticipantIDs() []string {
	ids := make([]string, 0, len(t.Participants))
	for _, p := range t.Participants {
		ids = append(ids, p.UserID)
	}
	return ids
}

// RoleOf returns the role of userID, or "" when not a member.
func (t *Thread) RoleOf(userID string) Role {
	if p, ok := t.Participant(userID); ok {
		return p.Role
	}
	return ""
}

// Owner returns the owner's user id for group threads.
func (t *Thread) Owner() string {
	for _, p := range t.Participants {
		if p.Role == RoleOwner {
			return p.UserID
		}
	}
	return ""
}

// RemoveParticipant drops userID and reports whether it was present.
func (t *Thread) RemoveParticipant(userID string) bool {
	for i := range t.Participants {
		if t.Participants[i].UserID == userID {
			t.Participants = append(t.Participants[:i], t.Participants[i+1:]...)
			return true
		}
	}
	return false
}

// Clone returns a deep copy so callers can mutate without aliasing stored state.
func (t Thread) Clone() Thread {
	out := t
	out.Participants = append([]Participant(nil), t.Participants...)
	if t.Group != nil {
		g := *t.Group
		out.Group = &g
	}
	if t.LastMessage != nil {
		lm := *t.LastMessage
		out.LastMessage = &lm
	}
	return out
}

// ThreadSummary is the per-user projection returned by thread listings.
type ThreadSummary struct {
	Thread
	Unread int `json:"unread"`
}
