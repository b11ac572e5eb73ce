package presence

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"messaging-core/internal/events"
	"messaging-core/internal/models"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTracker(t *testing.T) (*Tracker, *fakeClock, *events.Recorder) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)}
	rec := &events.Recorder{}
	tr := NewTracker(DefaultWindows(), rec)
	tr.SetClock(clock.Now)
	return tr, clock, rec
}

func TestUnknownUserIsOffline(t *testing.T) {
	tr, _, _ := newTracker(t)
	assert.Equal(t, models.PresenceOffline, tr.Get("ghost").Status)
}

func TestHeartbeatDecaysLazily(t *testing.T) {
	tr, clock, _ := newTracker(t)
	tr.Heartbeat("alice")
	assert.Equal(t, models.PresenceOnline, tr.Get("alice").Status)

	clock.Advance(61 * time.Second)
	assert.Equal(t, models.PresenceAway, tr.Get("alice").Status)

	clock.Advance(5 * time.Minute)
	assert.Equal(t, models.PresenceOffline, tr.Get("alice").Status)

	tr.Heartbeat("alice")
	assert.True(t, tr.IsOnline("alice"))
}

func TestSetStatusAndAnnounceChangesOnly(t *testing.T) {
	tr, _, rec := newTracker(t)

	_, err := tr.SetStatus("bob", "busy")
	require.ErrorIs(t, err, models.ErrInvalidState)

	got, err := tr.SetStatus("bob", models.PresenceAway)
	require.NoError(t, err)
	assert.Equal(t, models.PresenceAway, got.Status)

	tr.Heartbeat("bob")
	tr.Heartbeat("bob")
	tr.Disconnect("bob")

	kinds := rec.OfKind(models.EventPresence)
	require.Len(t, kinds, 3)
	assert.Equal(t, models.PresenceOffline, kinds[2].Payload.(models.PresenceRecord).Status)
}

func TestTouchKeepsExplicitAway(t *testing.T) {
	tr, _, _ := newTracker(t)
	_, _ = tr.SetStatus("carol", models.PresenceAway)
	tr.Touch("carol")
	assert.Equal(t, models.PresenceAway, tr.Get("carol").Status)

	tr.Touch("dave")
	assert.Equal(t, models.PresenceOnline, tr.Get("dave").Status)
}

func TestSnapshotAndPrune(t *testing.T) {
	tr, clock, _ := newTracker(t)
	tr.Heartbeat("a")
	clock.Advance(10 * time.Minute)
	tr.Heartbeat("b")

	snap := tr.Snapshot([]string{"a", "b", "c"})
	require.Len(t, snap, 3)
	assert.Equal(t, models.PresenceOffline, snap[0].Status)
	assert.Equal(t, models.PresenceOnline, snap[1].Status)
	assert.Equal(t, models.PresenceOffline, snap[2].Status)

	assert.Equal(t, 1, tr.Prune())
}

func TestConcurrentHeartbeats(t *testing.T) {
	tr, _, _ := newTracker(t)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tr.Heartbeat("shared")
			_ = tr.Get("shared")
		}()
	}
	wg.Wait()
	assert.True(t, tr.IsOnline("shared"))
}

func TestPruneKeepsRecordRefreshedMidSweep(t *testing.T) {
	tr, clock, _ := newTracker(t)
	tr.Heartbeat("a")
	clock.Advance(10 * time.Minute)

	var once sync.Once
	tr.SetClock(func() time.Time {
		now := clock.Now()
		once.Do(func() {
			tr.records.Store("a", record{status: models.PresenceOnline, lastSeen: now})
		})
		return now
	})

	assert.Equal(t, 1, tr.Prune())
	assert.Equal(t, models.PresenceOnline, tr.Get("a").Status)
}
