// Package presence tracks per-user availability without touching durable storage.
package presence

import (
	"sync"
	"time"

	"messaging-core/internal/events"
	"messaging-core/internal/models"
	"messaging-core/internal/observability"
)

// Windows configures how quickly a silent user decays.
type Windows struct {
	Grace   time.Duration
	Offline time.Duration
}

// DefaultWindows decays to away after a minute and offline after five.
func DefaultWindows() Windows {
	return Windows{Grace: 60 * time.Second, Offline: 5 * time.Minute}
}

type record struct {
	status   models.PresenceStatus
	lastSeen time.Time
}

// Tracker holds one immutable record per user in a sync.Map so reads never
// contend with writers. Concurrent updates resolve last writer wins.
type Tracker struct {
	records sync.Map
	windows Windows
	events  events.Publisher
	now     func() time.Time
}

// NewTracker creates a Tracker that announces status changes on pub.
func NewTracker(windows Windows, pub events.Publisher) *Tracker {
	if pub == nil {
		pub = events.Discard{}
	}
	return &Tracker{windows: windows, events: pub, now: time.Now}
}

// SetClock replaces the time source.
func (t *Tracker) SetClock(now func() time.Time) {
	t.now = now
}

// SetStatus records an explicit status change.
func (t *Tracker) SetStatus(userID string, status models.PresenceStatus) (models.PresenceRecord, error) {
	if !status.Valid() {
		return models.PresenceRecord{}, models.ErrInvalidState
	}
	before := t.Get(userID).Status
	rec := record{status: status, lastSeen: t.now().UTC()}
	t.records.Store(userID, rec)
	t.announce(userID, before, status)
	return t.view(userID, rec), nil
}

// Heartbeat marks the user online and refreshes last seen.
func (t *Tracker) Heartbeat(userID string) models.PresenceRecord {
	before := t.Get(userID).Status
	rec := record{status: models.PresenceOnline, lastSeen: t.now().UTC()}
	t.records.Store(userID, rec)
	t.announce(userID, before, models.PresenceOnline)
	return t.view(userID, rec)
}

// Touch refreshes last seen while keeping an explicit away status.
func (t *Tracker) Touch(userID string) {
	prev, ok := t.load(userID)
	if ok && prev.status == models.PresenceAway && t.effective(prev) == models.PresenceAway {
		t.records.Store(userID, record{status: models.PresenceAway, lastSeen: t.now().UTC()})
		return
	}
	t.Heartbeat(userID)
}

// Disconnect marks the user offline immediately.
func (t *Tracker) Disconnect(userID string) {
	before := t.Get(userID).Status
	t.records.Store(userID, record{status: models.PresenceOffline, lastSeen: t.now().UTC()})
	t.announce(userID, before, models.PresenceOffline)
}

// Get returns the effective status; unknown users are offline.
func (t *Tracker) Get(userID string) models.PresenceRecord {
	rec, ok := t.load(userID)
	if !ok {
		return models.PresenceRecord{UserID: userID, Status: models.PresenceOffline}
	}
	return t.view(userID, rec)
}

// Snapshot returns the effective status of every id in order.
func (t *Tracker) Snapshot(userIDs []string) []models.PresenceRecord {
	out := make([]models.PresenceRecord, 0, len(userIDs))
	for _, id := range userIDs {
		out = append(out, t.Get(id))
	}
	return out
}

// IsOnline reports whether the user currently counts as online.
func (t *Tracker) IsOnline(userID string) bool {
	return t.Get(userID).Status == models.PresenceOnline
}

// Prune drops records that decayed to offline and reports how many remain.
// A record refreshed while Prune runs is kept.
func (t *Tracker) Prune() int {
	remaining := 0
	t.records.Range(func(key, value any) bool {
		if t.effective(value.(record)) == models.PresenceOffline && t.records.CompareAndDelete(key, value) {
			return true
		}
		remaining++
		return true
	})
	observability.SetPresenceTracked(remaining)
	return remaining
}

func (t *Tracker) load(userID string) (record, bool) {
	v, ok := t.records.Load(userID)
	if !ok {
		return record{}, false
	}
	return v.(record), true
}

func (t *Tracker) view(userID string, rec record) models.PresenceRecord {
	return models.PresenceRecord{UserID: userID, Status: t.effective(rec), LastSeen: rec.lastSeen}
}

// effective applies lazy decay: silence past the grace window demotes online
// to away, and past the offline window anything becomes offline.
func (t *Tracker) effective(rec record) models.PresenceStatus {
	idle := t.now().Sub(rec.lastSeen)
	switch {
	case rec.status == models.PresenceOffline:
		return models.PresenceOffline
	case idle >= t.windows.Offline:
		return models.PresenceOffline
	case idle >= t.windows.Grace:
		return models.PresenceAway
	default:
		return rec.status
	}
}

func (t *Tracker) announce(userID string, before, after models.PresenceStatus) {
	if before == after {
		return
	}
	t.events.Publish(models.Event{
		Kind:    models.EventPresence,
		ActorID: userID,
		Payload: models.PresenceRecord{UserID: userID, Status: after, LastSeen: t.now().UTC()},
	})
}
