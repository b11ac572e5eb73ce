// Package notify turns bus events into push notification records for users
// who are not connected, and answers unread counters per domain.
package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"

	"messaging-core/internal/models"
	"messaging-core/internal/observability"
	"messaging-core/internal/rabbitmq"
	"messaging-core/internal/repositories"
)

const (
	KindNewMessage    = "new_message"
	KindCallRinging   = "call_ringing"
	KindMemberAdded   = "member_added"
	KindMemberRemoved = "member_removed"

	RoutingKeyPrefix = "notifications."

	DefaultDedupWindow = 30 * time.Second
	DefaultDedupSize   = 10000
	DefaultQueueSize   = 1024

	publishTimeout = 5 * time.Second
)

// OnlineChecker reports whether a user currently has a live connection.
type OnlineChecker interface {
	IsOnline(userID string) bool
}

// Options tunes the dedup window and the outbound queue.
type Options struct {
	DedupWindow time.Duration
	DedupSize   int
	QueueSize   int
}

type outbound struct {
	kind        string
	threadID    string
	recipientID string
	envelope    observability.EventEnvelope
}

// Aggregator subscribes to the event bus. Delivery is fire-and-forget:
// records are queued for a background publisher, and transport failures are
// logged and counted, never surfaced to the writer that produced the event.
type Aggregator struct {
	pub      rabbitmq.Publisher
	presence OnlineChecker
	threads  repositories.ThreadRepository
	log      zerolog.Logger
	now      func() time.Time

	mu     sync.Mutex
	window time.Duration
	seen   *expirable.LRU[string, time.Time]
	queue  chan outbound
	closed bool
	done   chan struct{}
}

func NewAggregator(pub rabbitmq.Publisher, presence OnlineChecker, threads repositories.ThreadRepository, opts Options, log zerolog.Logger) *Aggregator {
	if opts.DedupWindow <= 0 {
		opts.DedupWindow = DefaultDedupWindow
	}
	if opts.DedupSize <= 0 {
		opts.DedupSize = DefaultDedupSize
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	a := &Aggregator{
		pub:      pub,
		presence: presence,
		threads:  threads,
		log:      log,
		now:      time.Now,
		window:   opts.DedupWindow,
		seen:     expirable.NewLRU[string, time.Time](opts.DedupSize, nil, opts.DedupWindow),
		queue:    make(chan outbound, opts.QueueSize),
		done:     make(chan struct{}),
	}
	go a.run()
	return a
}

// Close stops accepting records and waits until the queued ones are
// published.
func (a *Aggregator) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		<-a.done
		return
	}
	a.closed = true
	close(a.queue)
	a.mu.Unlock()
	<-a.done
}

func (a *Aggregator) run() {
	defer close(a.done)
	for out := range a.queue {
		a.publish(out)
	}
}

// SetClock replaces the timestamp source of emitted records.
func (a *Aggregator) SetClock(now func() time.Time) {
	a.now = now
}

// Handle is registered on the event bus.
func (a *Aggregator) Handle(evt models.Event) {
	switch evt.Kind {
	case models.EventMessageAppended:
		if evt.Message == nil {
			return
		}
		summary := evt.Message.Content.Snippet()
		for _, id := range evt.Recipients {
			if id == evt.ActorID || a.online(id) {
				continue
			}
			a.emit(KindNewMessage, evt.ThreadID, id, summary)
		}
	case models.EventCallRinging:
		summary := "incoming call"
		if evt.Call != nil {
			summary = fmt.Sprintf("incoming %s call", evt.Call.Kind)
		}
		for _, id := range evt.Recipients {
			if id != evt.ActorID {
				a.emit(KindCallRinging, evt.ThreadID, id, summary)
			}
		}
	case models.EventMemberAdded:
		if evt.Subject != "" && evt.Subject != evt.ActorID {
			a.emit(KindMemberAdded, evt.ThreadID, evt.Subject, "you were added to a group")
		}
	case models.EventMemberRemoved:
		if evt.Subject != "" && evt.Subject != evt.ActorID {
			a.emit(KindMemberRemoved, evt.ThreadID, evt.Subject, "you were removed from a group")
		}
	}
}

func (a *Aggregator) online(userID string) bool {
	return a.presence != nil && a.presence.IsOnline(userID)
}

func dedupKey(kind, threadID, recipientID string) string {
	return kind + "|" + threadID + "|" + recipientID
}

func (a *Aggregator) emit(kind, threadID, recipientID, summary string) {
	now := a.now().UTC()
	record := models.Notification{
		Kind:        kind,
		ThreadID:    threadID,
		RecipientID: recipientID,
		Summary:     summary,
		Timestamp:   now,
	}
	out := outbound{
		kind:        kind,
		threadID:    threadID,
		recipientID: recipientID,
		envelope:    observability.NewEnvelope("notification", kind, record, now),
	}

	key := dedupKey(kind, threadID, recipientID)
	a.mu.Lock()
	defer a.mu.Unlock()
	if last, ok := a.seen.Get(key); ok && now.Sub(last) < a.window {
		observability.IncNotification(kind, "deduplicated")
		return
	}
	if a.closed {
		observability.IncNotification(kind, "dropped")
		return
	}
	select {
	case a.queue <- out:
		a.seen.Add(key, now)
	default:
		observability.IncNotification(kind, "dropped")
		a.log.Warn().Str("kind", kind).Str("thread_id", threadID).Str("recipient_id", recipientID).Msg("notification queue full")
	}
}

func (a *Aggregator) publish(out outbound) {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := a.pub.Publish(ctx, RoutingKeyPrefix+out.kind, out.envelope, observability.BuildHeaders("", "")); err != nil {
		observability.IncNotification(out.kind, "error")
		a.log.Warn().Err(err).Str("kind", out.kind).Str("thread_id", out.threadID).Str("recipient_id", out.recipientID).Msg("notification publish failed")
		return
	}
	observability.IncNotification(out.kind, "sent")
}

// UnreadCountByDomain sums unread counters of the user's non-archived
// threads. Every domain is present in the result.
func (a *Aggregator) UnreadCountByDomain(ctx context.Context, userID string) (map[models.Domain]int, error) {
	threads, err := a.threads.ListThreadsForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	counts := make(map[models.Domain]int, len(models.Domains))
	for _, d := range models.Domains {
		counts[d] = 0
	}
	for _, t := range threads {
		if t.Archived {
			continue
		}
		if p, ok := t.Participant(userID); ok {
			counts[t.Domain] += p.Unread
		}
	}
	return counts, nil
}
