package models

import "time"

// PresenceStatus is the user-visible availability.
type PresenceStatus string

const (
	PresenceOnline  PresenceStatus = "online"
	PresenceAway    PresenceStatus = "away"
	PresenceOffline PresenceStatus = "offline"
)

// Valid reports whether s is a known status.
func (s PresenceStatus) Valid() bool {
	return s == PresenceOnline || s == PresenceAway || s == PresenceOffline
}

// PresenceRecord is ephemeral and rebuilt from live connections.
type PresenceRecord struct {
	UserID   string         `json:"user_id"`
	Status   PresenceStatus `json:"status"`
	LastSeen time.Time      `json:"last_seen"`
}
