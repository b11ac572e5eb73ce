package threads

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"messaging-core/internal/events"
	"messaging-core/internal/groups"
	"messaging-core/internal/messages"
	"messaging-core/internal/models"
	"messaging-core/internal/repositories"
	"messaging-core/internal/txn"
)

type fixture struct {
	svc   *Service
	msgs  *messages.Service
	store *repositories.MemoryStore
	rec   *events.Recorder
	now   time.Time
	mu    sync.Mutex
}

func (f *fixture) clock() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(time.Second)
	return f.now
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := repositories.NewMemoryStore()
	f := &fixture{store: store, rec: &events.Recorder{}, now: time.Date(2024, 4, 1, 8, 0, 0, 0, time.UTC)}
	tx := txn.NewRunner(store, nil, nil)
	f.svc = NewService(tx, store, store, f.rec, nil, zerolog.Nop())
	f.svc.SetClock(f.clock)
	f.msgs = messages.NewService(tx, store, f.rec, messages.Options{}, zerolog.Nop())
	f.msgs.SetClock(f.clock)
	return f
}

func (f *fixture) send(t *testing.T, threadID, sender, body string) models.Message {
	t.Helper()
	msg, err := f.msgs.Append(context.Background(), messages.AppendInput{ThreadID: threadID, SenderID: sender, Content: models.TextContent(body)})
	require.NoError(t, err)
	return msg
}

func (f *fixture) group(t *testing.T, settings *models.GroupSettings) models.Thread {
	t.Helper()
	thread, err := f.svc.CreateGroup(context.Background(), CreateGroupInput{
		CreatorID:      "owner",
		Name:           "  launch crew ",
		Domain:         models.DomainFreelance,
		ParticipantIDs: []string{"admin", "member", "member", "owner"},
		Settings:       settings,
	})
	require.NoError(t, err)
	_, err = f.svc.tx.UpdateThread(context.Background(), thread.ID, func(th *models.Thread) error {
		p, _ := th.Participant("admin")
		p.Role = models.RoleAdmin
		return nil
	})
	require.NoError(t, err)
	f.rec.Reset()
	return thread
}

func TestGetOrCreateDirectIsStable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.svc.GetOrCreateDirect(ctx, "alice", "bob", "")
	require.NoError(t, err)
	assert.Equal(t, models.DomainSocial, first.Domain)
	assert.False(t, first.IsGroup)

	again, err := f.svc.GetOrCreateDirect(ctx, "bob", "alice", models.DomainSocial)
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)

	other, err := f.svc.GetOrCreateDirect(ctx, "alice", "bob", models.DomainMarketplace)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, other.ID)

	_, err = f.svc.GetOrCreateDirect(ctx, "alice", "alice", "")
	require.ErrorIs(t, err, models.ErrInvalidGroupSize)

	_, err = f.svc.GetOrCreateDirect(ctx, "alice", "bob", "dating")
	require.ErrorIs(t, err, models.ErrInvalidContent)
}

func TestGetOrCreateDirectConcurrentCallersShareThread(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ids := make([]string, 10)
	var wg sync.WaitGroup
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a, b := "alice", "bob"
			if i%2 == 1 {
				a, b = b, a
			}
			thread, err := f.svc.GetOrCreateDirect(ctx, a, b, "")
			assert.NoError(t, err)
			ids[i] = thread.ID
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
}

func TestCreateGroup(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	thread, err := f.svc.CreateGroup(ctx, CreateGroupInput{
		CreatorID:      "owner",
		Name:           " crew ",
		ParticipantIDs: []string{"a", "b", "a"},
	})
	require.NoError(t, err)
	assert.Equal(t, "crew", thread.Group.Name)
	assert.Equal(t, []string{"owner", "a", "b"}, thread.ParticipantIDs())
	assert.Equal(t, "owner", thread.Owner())
	assert.Equal(t, models.RoleMember, thread.RoleOf("a"))
	assert.Len(t, f.rec.OfKind(models.EventMemberAdded), 2)

	_, err = f.svc.CreateGroup(ctx, CreateGroupInput{CreatorID: "owner", Name: "solo", ParticipantIDs: []string{"owner"}})
	require.ErrorIs(t, err, models.ErrInvalidGroupSize)

	_, err = f.svc.CreateGroup(ctx, CreateGroupInput{CreatorID: "owner", Name: "  ", ParticipantIDs: []string{"a"}})
	require.ErrorIs(t, err, models.ErrInvalidContent)

	bad := models.GroupSettings{WhoCanSend: "nobody"}
	_, err = f.svc.CreateGroup(ctx, CreateGroupInput{CreatorID: "owner", Name: "x", ParticipantIDs: []string{"a"}, Settings: &bad})
	require.ErrorIs(t, err, models.ErrInvalidContent)
}

func TestAddParticipantsRespectsAudience(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	thread := f.group(t, nil)

	_, _, err := f.svc.AddParticipants(ctx, thread.ID, "member", []string{"carol"})
	require.ErrorIs(t, err, models.ErrNotAuthorized)

	_, _, err = f.svc.AddParticipants(ctx, thread.ID, "stranger", []string{"carol"})
	require.ErrorIs(t, err, models.ErrNotAuthorized)

	updated, added, err := f.svc.AddParticipants(ctx, thread.ID, "admin", []string{"carol", "member"})
	require.NoError(t, err)
	assert.Equal(t, []string{"carol"}, added)
	assert.True(t, updated.HasParticipant("carol"))

	evts := f.rec.OfKind(models.EventMemberAdded)
	require.Len(t, evts, 1)
	assert.Equal(t, "carol", evts[0].Subject)
	assert.Contains(t, evts[0].Recipients, "carol")

	_, added, err = f.svc.AddParticipants(ctx, thread.ID, "admin", []string{"carol"})
	require.NoError(t, err)
	assert.Empty(t, added)
	assert.Len(t, f.rec.OfKind(models.EventMemberAdded), 1)

	direct, err := f.svc.GetOrCreateDirect(ctx, "alice", "bob", "")
	require.NoError(t, err)
	_, _, err = f.svc.AddParticipants(ctx, direct.ID, "alice", []string{"carol"})
	require.ErrorIs(t, err, models.ErrUnsupportedOperation)
}

func TestRemoveParticipantRanks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	thread := f.group(t, nil)
	_, _, err := f.svc.AddParticipants(ctx, thread.ID, "owner", []string{"admin2"})
	require.NoError(t, err)
	_, err = f.svc.tx.UpdateThread(ctx, thread.ID, func(th *models.Thread) error {
		p, _ := th.Participant("admin2")
		p.Role = models.RoleAdmin
		return nil
	})
	require.NoError(t, err)

	_, err = f.svc.RemoveParticipant(ctx, thread.ID, "member", "admin")
	require.ErrorIs(t, err, models.ErrNotAuthorized)

	_, err = f.svc.RemoveParticipant(ctx, thread.ID, "admin", "owner")
	require.ErrorIs(t, err, models.ErrNotAuthorized)

	_, err = f.svc.RemoveParticipant(ctx, thread.ID, "admin", "admin2")
	require.ErrorIs(t, err, models.ErrNotAuthorized)

	_, err = f.svc.RemoveParticipant(ctx, thread.ID, "admin", "ghost")
	require.ErrorIs(t, err, models.ErrNotFound)

	updated, err := f.svc.RemoveParticipant(ctx, thread.ID, "admin", "member")
	require.NoError(t, err)
	assert.False(t, updated.HasParticipant("member"))

	updated, err = f.svc.RemoveParticipant(ctx, thread.ID, "owner", "admin2")
	require.NoError(t, err)
	assert.False(t, updated.HasParticipant("admin2"))

	evts := f.rec.OfKind(models.EventMemberRemoved)
	require.Len(t, evts, 2)
	assert.Contains(t, evts[0].Recipients, "member")
}

func TestOwnerLeavePromotesSuccessor(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	thread := f.group(t, nil)

	updated, err := f.svc.Leave(ctx, thread.ID, "owner")
	require.NoError(t, err)
	assert.Equal(t, "admin", updated.Owner())
	assert.False(t, updated.HasParticipant("owner"))

	evts := f.rec.OfKind(models.EventMemberRemoved)
	require.Len(t, evts, 1)
	change, ok := evts[0].Payload.(MembershipChange)
	require.True(t, ok)
	assert.Equal(t, "admin", change.NewOwner)
	assert.Equal(t, "left", change.Reason)

	_, err = f.svc.Leave(ctx, thread.ID, "owner")
	require.ErrorIs(t, err, models.ErrNotAuthorized)

	updated, err = f.svc.RemoveParticipant(ctx, thread.ID, "admin", "admin")
	require.NoError(t, err)
	assert.Equal(t, "member", updated.Owner())

	updated, err = f.svc.Leave(ctx, thread.ID, "member")
	require.NoError(t, err)
	assert.Empty(t, updated.Participants)
	assert.True(t, updated.Archived)
}

func TestEmptiedGroupCannotBeRevivedByInvite(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	thread, err := f.svc.CreateGroup(ctx, CreateGroupInput{
		CreatorID:      "u1",
		Name:           "pair",
		Domain:         models.DomainSocial,
		ParticipantIDs: []string{"u2"},
	})
	require.NoError(t, err)

	grp := groups.NewService(f.svc.tx, f.store, f.rec, nil, zerolog.Nop())
	token, err := grp.CreateInviteLink(ctx, thread.ID, "u1")
	require.NoError(t, err)

	_, err = f.svc.Leave(ctx, thread.ID, "u2")
	require.NoError(t, err)
	emptied, err := f.svc.Leave(ctx, thread.ID, "u1")
	require.NoError(t, err)
	assert.True(t, emptied.Archived)
	assert.Empty(t, emptied.Group.Settings.InviteToken)
	assert.False(t, emptied.Group.Settings.InviteLinkEnabled)

	_, err = grp.JoinByInvite(ctx, token, "stranger")
	require.ErrorIs(t, err, models.ErrNotFound)

	stored, err := f.store.GetThread(ctx, thread.ID)
	require.NoError(t, err)
	assert.Empty(t, stored.Participants)
	assert.True(t, stored.Archived)
}

func TestLeaveDirectIsUnsupported(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	direct, err := f.svc.GetOrCreateDirect(ctx, "alice", "bob", "")
	require.NoError(t, err)

	_, err = f.svc.Leave(ctx, direct.ID, "alice")
	require.ErrorIs(t, err, models.ErrUnsupportedOperation)
}

func TestMarkReadClearsUnreadAndAdvancesMessages(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	direct, err := f.svc.GetOrCreateDirect(ctx, "alice", "bob", "")
	require.NoError(t, err)

	m1 := f.send(t, direct.ID, "alice", "one")
	m2 := f.send(t, direct.ID, "alice", "two")
	own := f.send(t, direct.ID, "bob", "mine")

	summary, err := f.svc.Get(ctx, direct.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Unread)

	f.rec.Reset()
	updated, err := f.svc.MarkRead(ctx, direct.ID, "bob")
	require.NoError(t, err)
	p, _ := updated.Participant("bob")
	assert.Equal(t, 0, p.Unread)
	assert.Equal(t, own.Seq, p.LastReadSeq)

	for _, id := range []string{m1.ID, m2.ID} {
		msg, err := f.store.GetMessage(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.StateRead, msg.State)
	}
	stored, err := f.store.GetMessage(ctx, own.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateSending, stored.State)

	reads := f.rec.OfKind(models.EventThreadRead)
	require.Len(t, reads, 1)
	assert.Equal(t, ReadReceipt{UserID: "bob", LastReadSeq: own.Seq}, reads[0].Payload)

	states := f.rec.OfKind(models.EventMessageState)
	require.Len(t, states, 2)
	for i, id := range []string{m1.ID, m2.ID} {
		require.NotNil(t, states[i].Message)
		assert.Equal(t, id, states[i].Message.ID)
		assert.Equal(t, models.StateRead, states[i].Message.State)
		assert.ElementsMatch(t, []string{"alice", "bob"}, states[i].Recipients)
	}

	before := updated.Version
	again, err := f.svc.MarkRead(ctx, direct.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, before, again.Version)
	assert.Len(t, f.rec.OfKind(models.EventThreadRead), 1)
	assert.Len(t, f.rec.OfKind(models.EventMessageState), 2)

	_, err = f.svc.MarkRead(ctx, direct.ID, "mallory")
	require.ErrorIs(t, err, models.ErrNotAuthorized)
}

func TestListThreadsFiltersAndPages(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	social, err := f.svc.GetOrCreateDirect(ctx, "alice", "bob", models.DomainSocial)
	require.NoError(t, err)
	market, err := f.svc.GetOrCreateDirect(ctx, "alice", "carol", models.DomainMarketplace)
	require.NoError(t, err)
	p2p, err := f.svc.GetOrCreateDirect(ctx, "alice", "dave", models.DomainP2P)
	require.NoError(t, err)
	_, err = f.svc.GetOrCreateDirect(ctx, "bob", "carol", models.DomainSocial)
	require.NoError(t, err)

	f.send(t, market.ID, "carol", "offer")
	f.send(t, social.ID, "bob", "hey")

	page, err := f.svc.ListThreads(ctx, "alice", ListFilter{})
	require.NoError(t, err)
	require.Len(t, page.Threads, 3)
	assert.Equal(t, social.ID, page.Threads[0].ID)
	assert.Equal(t, market.ID, page.Threads[1].ID)
	assert.Equal(t, p2p.ID, page.Threads[2].ID)
	assert.Empty(t, page.NextCursor)

	page, err = f.svc.ListThreads(ctx, "alice", ListFilter{Domain: models.DomainMarketplace})
	require.NoError(t, err)
	require.Len(t, page.Threads, 1)
	assert.Equal(t, 1, page.Threads[0].Unread)

	page, err = f.svc.ListThreads(ctx, "alice", ListFilter{UnreadOnly: true})
	require.NoError(t, err)
	assert.Len(t, page.Threads, 2)

	first, err := f.svc.ListThreads(ctx, "alice", ListFilter{Limit: 2})
	require.NoError(t, err)
	require.Len(t, first.Threads, 2)
	require.NotEmpty(t, first.NextCursor)
	second, err := f.svc.ListThreads(ctx, "alice", ListFilter{Limit: 2, Cursor: first.NextCursor})
	require.NoError(t, err)
	require.Len(t, second.Threads, 1)
	assert.Equal(t, p2p.ID, second.Threads[0].ID)
	assert.Empty(t, second.NextCursor)

	_, err = f.svc.Archive(ctx, p2p.ID, "alice")
	require.NoError(t, err)
	page, err = f.svc.ListThreads(ctx, "alice", ListFilter{})
	require.NoError(t, err)
	assert.Len(t, page.Threads, 2)
	page, err = f.svc.ListThreads(ctx, "alice", ListFilter{IncludeArchived: true})
	require.NoError(t, err)
	assert.Len(t, page.Threads, 3)

	_, err = f.svc.ListThreads(ctx, "alice", ListFilter{Cursor: "%%%"})
	require.ErrorIs(t, err, models.ErrInvalidContent)
}

func TestArchiveGroupOwnerOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	thread := f.group(t, nil)

	_, err := f.svc.Archive(ctx, thread.ID, "admin")
	require.ErrorIs(t, err, models.ErrNotAuthorized)

	archived, err := f.svc.Archive(ctx, thread.ID, "owner")
	require.NoError(t, err)
	assert.True(t, archived.Archived)
}

func TestGetHidesInviteTokenFromMembers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	thread := f.group(t, nil)
	_, err := f.svc.tx.UpdateThread(ctx, thread.ID, func(th *models.Thread) error {
		th.Group.Settings.InviteToken = "secret"
		th.Group.Settings.InviteLinkEnabled = true
		return nil
	})
	require.NoError(t, err)

	asMember, err := f.svc.Get(ctx, thread.ID, "member")
	require.NoError(t, err)
	assert.Empty(t, asMember.Group.Settings.InviteToken)

	asAdmin, err := f.svc.Get(ctx, thread.ID, "admin")
	require.NoError(t, err)
	assert.Equal(t, "secret", asAdmin.Group.Settings.InviteToken)

	_, err = f.svc.Get(ctx, thread.ID, "stranger")
	require.ErrorIs(t, err, models.ErrNotAuthorized)
}
