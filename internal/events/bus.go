// Package events fans domain events out to the in-process consumers
// (websocket hub, notification aggregator, audit).
package events

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"messaging-core/internal/models"
	"messaging-core/internal/observability"
)

// Handler consumes an event. Handlers run on the publisher's goroutine and
// must hand slow work off instead of blocking.
type Handler func(models.Event)

// Publisher is what the domain services emit through.
type Publisher interface {
	Publish(evt models.Event)
}

type subscription struct {
	name    string
	handler Handler
}

// Bus is a synchronous in-process fan-out.
type Bus struct {
	mu   sync.RWMutex
	subs []subscription
	log  zerolog.Logger
	now  func() time.Time
}

// NewBus creates a Bus with no subscribers.
func NewBus(log zerolog.Logger) *Bus {
	return &Bus{log: log, now: time.Now}
}

// Subscribe registers handler under name.
func (b *Bus) Subscribe(name string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, subscription{name: name, handler: handler})
}

// Publish stamps the event and delivers it to every subscriber. A panicking
// subscriber is logged and does not stop delivery to the others.
func (b *Bus) Publish(evt models.Event) {
	if evt.OccurredAt.IsZero() {
		evt.OccurredAt = b.now().UTC()
	}
	observability.IncEventPublished(string(evt.Kind))

	b.mu.RLock()
	subs := append([]subscription(nil), b.subs...)
	b.mu.RUnlock()

	for _, s := range subs {
		b.deliver(s, evt)
	}
}

func (b *Bus) deliver(s subscription, evt models.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error().Str("subscriber", s.name).Str("event", string(evt.Kind)).Interface("panic", r).Msg("event subscriber panicked")
		}
	}()
	s.handler(evt)
}

// Discard drops every event.
type Discard struct{}

func (Discard) Publish(models.Event) {}

// Recorder keeps every published event in memory.
type Recorder struct {
	mu     sync.Mutex
	events []models.Event
}

func (r *Recorder) Publish(evt models.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

// Events returns a copy of what was recorded.
func (r *Recorder) Events() []models.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.Event(nil), r.events...)
}

// OfKind filters the recorded events.
func (r *Recorder) OfKind(kind models.EventKind) []models.Event {
	var out []models.Event
	for _, evt := range r.Events() {
		if evt.Kind == kind {
			out = append(out, evt)
		}
	}
	return out
}

// Reset clears the recorded events.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}
