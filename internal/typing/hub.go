// Package typing keeps short-lived "user is typing" signals per thread.
package typing

import (
	"sort"
	"sync"
	"time"

	"messaging-core/internal/events"
	"messaging-core/internal/models"
)

// DefaultTTL is how long a signal lives without a refresh.
const DefaultTTL = 5 * time.Second

// PresenceToucher is refreshed whenever a user types.
type PresenceToucher interface {
	Touch(userID string)
}

type signal struct {
	expires  time.Time
	audience []string
}

// Hub stores signals keyed by thread then user. Expired signals are ignored
// on read and removed by Sweep.
type Hub struct {
	mu       sync.Mutex
	threads  map[string]map[string]signal
	ttl      time.Duration
	presence PresenceToucher
	events   events.Publisher
	now      func() time.Time
}

// TypingState is the payload of typing events.
type TypingState struct {
	UserID string `json:"user_id"`
	Typing bool   `json:"typing"`
}

// NewHub creates a Hub. presence may be nil.
func NewHub(ttl time.Duration, presence PresenceToucher, pub events.Publisher) *Hub {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if pub == nil {
		pub = events.Discard{}
	}
	return &Hub{
		threads:  make(map[string]map[string]signal),
		ttl:      ttl,
		presence: presence,
		events:   pub,
		now:      time.Now,
	}
}

// SetClock replaces the time source.
func (h *Hub) SetClock(now func() time.Time) {
	h.now = now
}

// Signal sets or refreshes the user's signal and announces it to audience
// when the user was not already typing.
func (h *Hub) Signal(threadID, userID string, audience []string) {
	now := h.now()
	h.mu.Lock()
	users, ok := h.threads[threadID]
	if !ok {
		users = make(map[string]signal)
		h.threads[threadID] = users
	}
	prev, had := users[userID]
	started := !had || !now.Before(prev.expires)
	users[userID] = signal{expires: now.Add(h.ttl), audience: audience}
	h.mu.Unlock()

	if h.presence != nil {
		h.presence.Touch(userID)
	}
	if started {
		h.announce(threadID, userID, true, audience)
	}
}

// Clear expires the user's signal immediately.
func (h *Hub) Clear(threadID, userID string) {
	h.mu.Lock()
	sig, ok := h.threads[threadID][userID]
	if ok {
		delete(h.threads[threadID], userID)
		if len(h.threads[threadID]) == 0 {
			delete(h.threads, threadID)
		}
	}
	h.mu.Unlock()

	if ok && h.now().Before(sig.expires) {
		h.announce(threadID, userID, false, sig.audience)
	}
}

// Users lists who is typing in the thread right now, sorted.
func (h *Hub) Users(threadID string) []string {
	now := h.now()
	h.mu.Lock()
	defer h.mu.Unlock()

	var out []string
	for userID, sig := range h.threads[threadID] {
		if now.Before(sig.expires) {
			out = append(out, userID)
		}
	}
	sort.Strings(out)
	return out
}

// Sweep drops expired signals, announces the stop to their audience and
// reports how many were removed.
func (h *Hub) Sweep() int {
	now := h.now()
	type expired struct {
		threadID, userID string
		audience         []string
	}
	var gone []expired

	h.mu.Lock()
	for threadID, users := range h.threads {
		for userID, sig := range users {
			if !now.Before(sig.expires) {
				gone = append(gone, expired{threadID, userID, sig.audience})
				delete(users, userID)
			}
		}
		if len(users) == 0 {
			delete(h.threads, threadID)
		}
	}
	h.mu.Unlock()

	for _, g := range gone {
		h.announce(g.threadID, g.userID, false, g.audience)
	}
	return len(gone)
}

func (h *Hub) announce(threadID, userID string, typing bool, audience []string) {
	if len(audience) == 0 {
		return
	}
	h.events.Publish(models.Event{
		Kind:       models.EventTyping,
		ThreadID:   threadID,
		ActorID:    userID,
		Recipients: audience,
		Payload:    TypingState{UserID: userID, Typing: typing},
	})
}
