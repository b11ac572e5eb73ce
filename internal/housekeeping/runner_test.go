package housekeeping

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"messaging-core/internal/models"
	"messaging-core/internal/presence"
	"messaging-core/internal/repositories"
	"messaging-core/internal/typing"
)

type failingArchiver struct{}

func (failingArchiver) ArchiveEndedCalls(context.Context, time.Time) (int, error) {
	return 0, errors.New("disk full")
}

func TestRunOnceCleansEphemeralState(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 7, 1, 10, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	tracker := presence.NewTracker(presence.DefaultWindows(), nil)
	tracker.SetClock(clock)
	tracker.Heartbeat("alice")
	tracker.Heartbeat("bob")

	hub := typing.NewHub(5*time.Second, nil, nil)
	hub.SetClock(clock)
	hub.Signal("t1", "alice", []string{"alice", "bob"})

	store := repositories.NewMemoryStore()
	old := now.Add(-48 * time.Hour)
	recent := now.Add(-time.Hour)
	require.NoError(t, store.SaveCall(ctx, models.CallSession{ID: "old", ThreadID: "t1", State: models.CallEnded, EndedAt: &old}))
	require.NoError(t, store.SaveCall(ctx, models.CallSession{ID: "recent", ThreadID: "t1", State: models.CallEnded, EndedAt: &recent}))
	require.NoError(t, store.SaveCall(ctx, models.CallSession{ID: "live", ThreadID: "t1", State: models.CallActive}))

	r := NewRunner("", hub, tracker, store, 24*time.Hour, zerolog.Nop())
	r.now = clock

	now = now.Add(10 * time.Minute)
	tracker.Heartbeat("bob")

	res, err := r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, Result{TypingExpired: 1, PresenceTracked: 1, CallsArchived: 1}, res)

	archived, err := store.GetCall(ctx, "old")
	require.NoError(t, err)
	assert.Equal(t, models.CallEnded, archived.State)
	_, err = store.GetCall(ctx, "recent")
	require.NoError(t, err)

	res, err = r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.CallsArchived)
	assert.Empty(t, hub.Users("t1"))
}

func TestRunOnceReportsArchiveFailure(t *testing.T) {
	r := NewRunner("", nil, nil, failingArchiver{}, time.Hour, zerolog.Nop())
	_, err := r.RunOnce(context.Background())
	assert.Error(t, err)
}

func TestStartRejectsInvalidCron(t *testing.T) {
	r := NewRunner("every tuesday", nil, nil, nil, 0, zerolog.Nop())
	assert.Error(t, r.Start(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	assert.NoError(t, NewRunner("", nil, nil, nil, 0, zerolog.Nop()).Start(ctx))
}
