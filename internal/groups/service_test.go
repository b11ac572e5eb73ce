package groups

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"messaging-core/internal/events"
	"messaging-core/internal/models"
	"messaging-core/internal/repositories"
	"messaging-core/internal/txn"
)

type fixture struct {
	svc   *Service
	store *repositories.MemoryStore
	rec   *events.Recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := repositories.NewMemoryStore()
	rec := &events.Recorder{}
	svc := NewService(txn.NewRunner(store, nil, nil), store, rec, nil, zerolog.Nop())
	svc.SetClock(func() time.Time { return time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC) })

	th := *groupThread(models.DefaultGroupSettings())
	_, err := store.CreateThread(context.Background(), th)
	require.NoError(t, err)
	return &fixture{svc: svc, store: store, rec: rec}
}

func (f *fixture) thread(t *testing.T) models.Thread {
	t.Helper()
	th, err := f.store.GetThread(context.Background(), "g1")
	require.NoError(t, err)
	return th
}

func TestUpdateSettingsRequiresAdmin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	settings := models.DefaultGroupSettings()
	settings.WhoCanSend = models.AudienceAdminsOnly
	settings.InviteToken = "smuggled"

	_, err := f.svc.UpdateSettings(ctx, "g1", "member", settings)
	require.ErrorIs(t, err, models.ErrNotAuthorized)

	updated, err := f.svc.UpdateSettings(ctx, "g1", "admin", settings)
	require.NoError(t, err)
	assert.Equal(t, models.AudienceAdminsOnly, updated.Group.Settings.WhoCanSend)
	assert.Empty(t, updated.Group.Settings.InviteToken)

	_, err = f.svc.UpdateSettings(ctx, "g1", "admin", models.GroupSettings{WhoCanSend: "nobody"})
	require.ErrorIs(t, err, models.ErrInvalidContent)

	assert.Len(t, f.rec.OfKind(models.EventGroupUpdated), 1)
}

func TestUpdateInfo(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	name := "  renamed  "
	desc := "weekly sync"

	updated, err := f.svc.UpdateInfo(ctx, "g1", "owner", InfoPatch{Name: &name, Description: &desc})
	require.NoError(t, err)
	assert.Equal(t, "renamed", updated.Group.Name)
	assert.Equal(t, "weekly sync", updated.Group.Description)

	_, err = f.svc.UpdateInfo(ctx, "g1", "member", InfoPatch{Description: &desc})
	require.ErrorIs(t, err, models.ErrNotAuthorized)

	blank := " "
	_, err = f.svc.UpdateInfo(ctx, "g1", "owner", InfoPatch{Name: &blank})
	require.ErrorIs(t, err, models.ErrInvalidContent)
}

func TestInviteLinkLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.CreateInviteLink(ctx, "g1", "member")
	require.ErrorIs(t, err, models.ErrNotAuthorized)

	token, err := f.svc.CreateInviteLink(ctx, "g1", "admin")
	require.NoError(t, err)
	assert.Len(t, token, 43)

	joined, err := f.svc.JoinByInvite(ctx, token, "newbie")
	require.NoError(t, err)
	assert.Equal(t, models.RoleMember, joined.RoleOf("newbie"))

	again, err := f.svc.JoinByInvite(ctx, token, "newbie")
	require.NoError(t, err)
	assert.Equal(t, joined.Version, again.Version)
	assert.Len(t, f.rec.OfKind(models.EventMemberAdded), 1)

	require.NoError(t, f.svc.RevokeInviteLink(ctx, "g1", "owner"))
	_, err = f.svc.JoinByInvite(ctx, token, "late")
	require.ErrorIs(t, err, models.ErrNotFound)
}

func TestJoinByInviteRespectsMemberInvitesSetting(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	token, err := f.svc.CreateInviteLink(ctx, "g1", "owner")
	require.NoError(t, err)

	settings := f.thread(t).Group.Settings
	settings.AllowMemberInvites = false
	_, err = f.svc.UpdateSettings(ctx, "g1", "owner", settings)
	require.NoError(t, err)

	_, err = f.svc.JoinByInvite(ctx, token, "newbie")
	require.ErrorIs(t, err, models.ErrNotAuthorized)
}

func TestJoinByInviteRejectsClosedGroups(t *testing.T) {
	tests := []struct {
		name  string
		close func(th *models.Thread) error
	}{
		{"archived", func(th *models.Thread) error {
			th.Archived = true
			return nil
		}},
		{"ownerless", func(th *models.Thread) error {
			th.RemoveParticipant("owner")
			return nil
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			token, err := f.svc.CreateInviteLink(ctx, "g1", "admin")
			require.NoError(t, err)
			_, err = f.svc.tx.UpdateThread(ctx, "g1", tt.close)
			require.NoError(t, err)

			_, err = f.svc.JoinByInvite(ctx, token, "newbie")
			require.ErrorIs(t, err, models.ErrNotFound)
			thread := f.thread(t)
			assert.False(t, thread.HasParticipant("newbie"))
			assert.Empty(t, f.rec.OfKind(models.EventMemberAdded))
		})
	}
}

func TestTransferOwnershipKeepsSingleOwner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.TransferOwnership(ctx, "g1", "admin", "member")
	require.ErrorIs(t, err, models.ErrNotAuthorized)

	_, err = f.svc.TransferOwnership(ctx, "g1", "owner", "stranger")
	require.ErrorIs(t, err, models.ErrNotFound)

	updated, err := f.svc.TransferOwnership(ctx, "g1", "owner", "member")
	require.NoError(t, err)
	assert.Equal(t, "member", updated.Owner())
	assert.Equal(t, models.RoleAdmin, updated.RoleOf("owner"))
	assert.Equal(t, 1, CountOwners(&updated))
}

func TestConcurrentTransfersLeaveOneOwner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for _, target := range []string{"admin", "member"} {
		wg.Add(1)
		go func(target string) {
			defer wg.Done()
			_, _ = f.svc.TransferOwnership(ctx, "g1", "owner", target)
		}(target)
	}
	wg.Wait()

	th := f.thread(t)
	assert.Equal(t, 1, CountOwners(&th))
}

// racingThreads bumps the stored version between read and write, the way a
// writer in another process would.
type racingThreads struct {
	*repositories.MemoryStore
}

func (r racingThreads) UpdateThread(ctx context.Context, thread models.Thread) (models.Thread, error) {
	current, err := r.MemoryStore.GetThread(ctx, thread.ID)
	if err != nil {
		return models.Thread{}, err
	}
	if _, err := r.MemoryStore.UpdateThread(ctx, current); err != nil {
		return models.Thread{}, err
	}
	return r.MemoryStore.UpdateThread(ctx, thread)
}

func TestTransferOwnershipLostRaceIsConflict(t *testing.T) {
	store := repositories.NewMemoryStore()
	_, err := store.CreateThread(context.Background(), *groupThread(models.DefaultGroupSettings()))
	require.NoError(t, err)
	repo := racingThreads{MemoryStore: store}
	svc := NewService(txn.NewRunner(repo, nil, nil), repo, nil, nil, zerolog.Nop())

	_, err = svc.TransferOwnership(context.Background(), "g1", "owner", "admin")
	require.ErrorIs(t, err, models.ErrConflict)

	th, _ := store.GetThread(context.Background(), "g1")
	assert.Equal(t, "owner", th.Owner())
}

func TestSetRole(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.SetRole(ctx, "g1", "member", "member", models.RoleAdmin)
	require.ErrorIs(t, err, models.ErrNotAuthorized)

	updated, err := f.svc.SetRole(ctx, "g1", "admin", "member", models.RoleAdmin)
	require.NoError(t, err)
	assert.Equal(t, models.RoleAdmin, updated.RoleOf("member"))

	_, err = f.svc.SetRole(ctx, "g1", "admin", "member", models.RoleMember)
	require.ErrorIs(t, err, models.ErrNotAuthorized)

	updated, err = f.svc.SetRole(ctx, "g1", "owner", "member", models.RoleMember)
	require.NoError(t, err)
	assert.Equal(t, models.RoleMember, updated.RoleOf("member"))

	_, err = f.svc.SetRole(ctx, "g1", "admin", "owner", models.RoleMember)
	require.ErrorIs(t, err, models.ErrNotAuthorized)

	_, err = f.svc.SetRole(ctx, "g1", "owner", "admin", models.RoleOwner)
	require.ErrorIs(t, err, models.ErrInvalidContent)
}

func TestGroupOnlyOperationsOnDirectThread(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.store.CreateThread(ctx, models.Thread{ID: "d1", Participants: []models.Participant{{UserID: "a"}, {UserID: "b"}}})
	require.NoError(t, err)

	_, err = f.svc.CreateInviteLink(ctx, "d1", "a")
	require.ErrorIs(t, err, models.ErrUnsupportedOperation)
}
