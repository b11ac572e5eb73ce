// Package threads manages conversations: creation, membership, read state
// and per-user listings.
package threads

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"messaging-core/internal/events"
	"messaging-core/internal/groups"
	"messaging-core/internal/keylock"
	"messaging-core/internal/models"
	"messaging-core/internal/repositories"
	"messaging-core/internal/telemetry"
	"messaging-core/internal/txn"
)

const (
	DefaultListLimit = 50
	MaxListLimit     = 200
)

// CreateGroupInput describes a new group thread.
type CreateGroupInput struct {
	CreatorID      string
	Name           string
	Avatar         string
	Description    string
	Domain         models.Domain
	ParticipantIDs []string
	Settings       *models.GroupSettings
}

// ListFilter narrows a thread listing. Cursor is opaque and comes from a
// previous page.
type ListFilter struct {
	Domain          models.Domain
	UnreadOnly      bool
	IncludeArchived bool
	Cursor          string
	Limit           int
}

// ThreadPage is one page of a listing.
type ThreadPage struct {
	Threads    []models.ThreadSummary `json:"threads"`
	NextCursor string                 `json:"next_cursor,omitempty"`
}

// ReadReceipt is the payload of thread_read events.
type ReadReceipt struct {
	UserID      string `json:"user_id"`
	LastReadSeq int64  `json:"last_read_seq"`
}

// MembershipChange is the payload of member events.
type MembershipChange struct {
	Reason   string `json:"reason"`
	NewOwner string `json:"new_owner,omitempty"`
	Notify   bool   `json:"notify"`
}

// Service is the thread manager.
type Service struct {
	tx       *txn.Runner
	threads  repositories.ThreadRepository
	messages repositories.MessageRepository
	events   events.Publisher
	audit    *telemetry.AuditEmitter
	log      zerolog.Logger
	now      func() time.Time
	newID    func() string
}

func NewService(tx *txn.Runner, threads repositories.ThreadRepository, messages repositories.MessageRepository, pub events.Publisher, audit *telemetry.AuditEmitter, log zerolog.Logger) *Service {
	if pub == nil {
		pub = events.Discard{}
	}
	return &Service{
		tx:       tx,
		threads:  threads,
		messages: messages,
		events:   pub,
		audit:    audit,
		log:      log,
		now:      time.Now,
		newID:    uuid.NewString,
	}
}

// SetClock replaces the time source.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

func normalizeDomain(d models.Domain) (models.Domain, error) {
	if d == "" {
		return models.DomainSocial, nil
	}
	if !d.Valid() {
		return "", fmt.Errorf("domain %q: %w", d, models.ErrInvalidContent)
	}
	return d, nil
}

// GetOrCreateDirect returns the pair's direct thread in domain, creating it
// on first use.
func (s *Service) GetOrCreateDirect(ctx context.Context, userA, userB string, domain models.Domain) (models.Thread, error) {
	if userA == "" || userB == "" || userA == userB {
		return models.Thread{}, fmt.Errorf("direct thread needs two distinct users: %w", models.ErrInvalidGroupSize)
	}
	domain, err := normalizeDomain(domain)
	if err != nil {
		return models.Thread{}, err
	}

	unlock := s.tx.Locks().Lock("direct:" + repositories.DirectKey(domain, userA, userB))
	defer unlock()

	var thread models.Thread
	err = s.tx.Retry(ctx, func(ctx context.Context) error {
		found, err := s.threads.FindDirect(ctx, domain, userA, userB)
		if err == nil {
			thread = found
			return nil
		}
		if !errors.Is(err, models.ErrNotFound) {
			return err
		}

		now := s.now().UTC()
		thread, err = s.threads.CreateThread(ctx, models.Thread{
			ID:     s.newID(),
			Domain: domain,
			Participants: []models.Participant{
				{UserID: userA, JoinedAt: now},
				{UserID: userB, JoinedAt: now},
			},
			CreatedAt:      now,
			LastActivityAt: now,
		})
		if errors.Is(err, models.ErrConflict) {
			thread, err = s.threads.FindDirect(ctx, domain, userA, userB)
		}
		return err
	})
	if err != nil {
		return models.Thread{}, err
	}
	return thread, nil
}

// CreateGroup creates a group owned by the creator with everyone else as members.
func (s *Service) CreateGroup(ctx context.Context, in CreateGroupInput) (models.Thread, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" || len(name) > groups.MaxNameLength {
		return models.Thread{}, fmt.Errorf("group name: %w", models.ErrInvalidContent)
	}
	domain, err := normalizeDomain(in.Domain)
	if err != nil {
		return models.Thread{}, err
	}
	settings := models.DefaultGroupSettings()
	if in.Settings != nil {
		settings = in.Settings.Normalize()
		if !settings.Validate() {
			return models.Thread{}, fmt.Errorf("group settings: %w", models.ErrInvalidContent)
		}
	}
	settings.InviteToken = ""
	settings.InviteLinkEnabled = false

	now := s.now().UTC()
	thread := models.Thread{
		ID:             s.newID(),
		Domain:         domain,
		IsGroup:        true,
		Participants:   []models.Participant{{UserID: in.CreatorID, Role: models.RoleOwner, JoinedAt: now}},
		Group:          &models.GroupInfo{Name: name, Avatar: in.Avatar, Description: in.Description, Settings: settings},
		CreatedAt:      now,
		LastActivityAt: now,
	}
	members := groups.AppendMembers(&thread, in.ParticipantIDs, now)
	if in.CreatorID == "" || len(members) == 0 {
		return models.Thread{}, fmt.Errorf("group needs members besides the creator: %w", models.ErrInvalidGroupSize)
	}

	err = s.tx.Retry(ctx, func(ctx context.Context) error {
		var err error
		thread, err = s.threads.CreateThread(ctx, thread)
		return err
	})
	if err != nil {
		return models.Thread{}, err
	}

	recipients := thread.ParticipantIDs()
	for _, id := range members {
		s.events.Publish(models.Event{
			Kind:       models.EventMemberAdded,
			ThreadID:   thread.ID,
			ActorID:    in.CreatorID,
			Subject:    id,
			Recipients: recipients,
			Payload:    MembershipChange{Reason: "created", Notify: true},
		})
	}
	s.audit.Action(ctx, in.CreatorID, thread.ID, "group_created", "group "+name+" created")
	s.log.Info().Str("thread_id", thread.ID).Str("creator_id", in.CreatorID).Int("members", len(recipients)).Msg("group created")
	return thread, nil
}

// AddParticipants adds users to a group. Users already present are skipped.
func (s *Service) AddParticipants(ctx context.Context, threadID, actorID string, userIDs []string) (models.Thread, []string, error) {
	var added []string
	updated, err := s.tx.UpdateThread(ctx, threadID, func(t *models.Thread) error {
		if err := groups.Authorize(t, actorID, groups.ActionAddMembers); err != nil {
			return err
		}
		added = groups.AppendMembers(t, userIDs, s.now().UTC())
		if len(added) == 0 {
			return txn.ErrNoChange
		}
		return nil
	})
	if err != nil {
		return models.Thread{}, nil, err
	}

	notify := updated.Group != nil && updated.Group.Settings.NotifyOnJoin
	for _, id := range added {
		s.events.Publish(models.Event{
			Kind:       models.EventMemberAdded,
			ThreadID:   threadID,
			ActorID:    actorID,
			Subject:    id,
			Recipients: updated.ParticipantIDs(),
			Payload:    MembershipChange{Reason: "added", Notify: notify},
		})
	}
	if len(added) > 0 {
		s.audit.Action(ctx, actorID, threadID, "members_added", strings.Join(added, ","))
	}
	return updated, added, nil
}

// RemoveParticipant removes targetID from a group. Removing yourself is Leave.
// Admins cannot remove the owner and only the owner removes admins.
func (s *Service) RemoveParticipant(ctx context.Context, threadID, actorID, targetID string) (models.Thread, error) {
	if actorID == targetID {
		return s.Leave(ctx, threadID, actorID)
	}

	updated, err := s.tx.UpdateThread(ctx, threadID, func(t *models.Thread) error {
		if err := groups.Authorize(t, actorID, groups.ActionRemoveMembers); err != nil {
			return err
		}
		target, ok := t.Participant(targetID)
		if !ok {
			return fmt.Errorf("member %s: %w", targetID, models.ErrNotFound)
		}
		if target.Role.IsAdmin() && !t.RoleOf(actorID).Outranks(target.Role) {
			return fmt.Errorf("remove %s: %w", target.Role, models.ErrNotAuthorized)
		}
		t.RemoveParticipant(targetID)
		return nil
	})
	if err != nil {
		return models.Thread{}, err
	}

	notify := updated.Group != nil && updated.Group.Settings.NotifyOnLeave
	s.events.Publish(models.Event{
		Kind:       models.EventMemberRemoved,
		ThreadID:   threadID,
		ActorID:    actorID,
		Subject:    targetID,
		Recipients: append(updated.ParticipantIDs(), targetID),
		Payload:    MembershipChange{Reason: "removed", Notify: notify},
	})
	s.audit.Action(ctx, actorID, threadID, "member_removed", targetID)
	return updated, nil
}

// Leave removes userID from a group. A departing owner hands the group to the
// longest-tenured admin, else the longest-tenured member; an emptied group is
// archived.
func (s *Service) Leave(ctx context.Context, threadID, userID string) (models.Thread, error) {
	var newOwner string
	updated, err := s.tx.UpdateThread(ctx, threadID, func(t *models.Thread) error {
		if !t.IsGroup {
			return fmt.Errorf("leave direct thread: %w", models.ErrUnsupportedOperation)
		}
		leaving, ok := t.Participant(userID)
		if !ok {
			return fmt.Errorf("leave: %w", models.ErrNotAuthorized)
		}
		if leaving.Role == models.RoleOwner {
			if next := groups.Successor(t, userID); next != "" {
				p, _ := t.Participant(next)
				p.Role = models.RoleOwner
				newOwner = next
			}
		}
		t.RemoveParticipant(userID)
		if len(t.Participants) == 0 {
			t.Archived = true
			if t.Group != nil {
				t.Group.Settings.InviteToken = ""
				t.Group.Settings.InviteLinkEnabled = false
			}
		}
		return nil
	})
	if err != nil {
		return models.Thread{}, err
	}

	notify := updated.Group != nil && updated.Group.Settings.NotifyOnLeave
	s.events.Publish(models.Event{
		Kind:       models.EventMemberRemoved,
		ThreadID:   threadID,
		ActorID:    userID,
		Subject:    userID,
		Recipients: append(updated.ParticipantIDs(), userID),
		Payload:    MembershipChange{Reason: "left", NewOwner: newOwner, Notify: notify},
	})
	if newOwner != "" {
		s.audit.Action(ctx, userID, threadID, "ownership_inherited", newOwner+" inherited ownership")
		s.log.Info().Str("thread_id", threadID).Str("new_owner", newOwner).Msg("owner left, ownership promoted")
	}
	return updated, nil
}

// MarkRead clears the user's unread counter, moves its read marker to the
// newest message and advances messages from others to read, announcing each
// advanced message as message_state. Calling it again with nothing new is a
// no-op.
func (s *Service) MarkRead(ctx context.Context, threadID, userID string) (models.Thread, error) {
	var (
		updated  models.Thread
		changed  bool
		advanced []models.Message
	)
	err := s.tx.Locked(keylock.Thread(threadID), func() error {
		var err error
		updated, err = s.tx.UpdateThreadLocked(ctx, threadID, func(t *models.Thread) error {
			changed, advanced = false, nil
			p, ok := t.Participant(userID)
			if !ok {
				return fmt.Errorf("mark read: %w", models.ErrNotAuthorized)
			}
			if p.Unread == 0 && p.LastReadSeq >= t.LastSeq {
				return txn.ErrNoChange
			}
			var err error
			advanced, err = s.advanceToRead(ctx, t.ID, userID, p.LastReadSeq, t.LastSeq)
			if err != nil {
				return err
			}
			p.Unread = 0
			p.LastReadSeq = t.LastSeq
			changed = true
			return nil
		})
		return err
	})
	if err != nil {
		return models.Thread{}, err
	}

	if changed {
		recipients := updated.ParticipantIDs()
		for i := range advanced {
			s.events.Publish(models.Event{
				Kind:       models.EventMessageState,
				ThreadID:   threadID,
				ActorID:    userID,
				Recipients: recipients,
				Message:    &advanced[i],
			})
		}
		p, _ := updated.Participant(userID)
		s.events.Publish(models.Event{
			Kind:       models.EventThreadRead,
			ThreadID:   threadID,
			ActorID:    userID,
			Recipients: recipients,
			Payload:    ReadReceipt{UserID: userID, LastReadSeq: p.LastReadSeq},
		})
	}
	return updated, nil
}

func (s *Service) advanceToRead(ctx context.Context, threadID, readerID string, afterSeq, uptoSeq int64) ([]models.Message, error) {
	msgs, err := s.messages.RangeMessages(ctx, threadID, afterSeq, uptoSeq)
	if err != nil {
		return nil, err
	}
	var advanced []models.Message
	for _, msg := range msgs {
		if msg.SenderID == readerID || msg.State.Rank() >= models.StateRead.Rank() {
			continue
		}
		msg.State = models.StateRead
		if err := s.messages.UpdateMessage(ctx, msg); err != nil {
			return nil, err
		}
		advanced = append(advanced, msg)
	}
	return advanced, nil
}

// Archive hides a thread from default listings. Groups are archived by their
// owner, direct threads by either participant.
func (s *Service) Archive(ctx context.Context, threadID, actorID string) (models.Thread, error) {
	updated, err := s.tx.UpdateThread(ctx, threadID, func(t *models.Thread) error {
		if !t.HasParticipant(actorID) {
			return fmt.Errorf("archive: %w", models.ErrNotAuthorized)
		}
		if t.IsGroup && t.RoleOf(actorID) != models.RoleOwner {
			return fmt.Errorf("only the owner archives a group: %w", models.ErrNotAuthorized)
		}
		if t.Archived {
			return txn.ErrNoChange
		}
		t.Archived = true
		return nil
	})
	if err != nil {
		return models.Thread{}, err
	}
	s.audit.Action(ctx, actorID, threadID, "thread_archived", "")
	return updated, nil
}

// Get returns the thread as seen by userID.
func (s *Service) Get(ctx context.Context, threadID, userID string) (models.ThreadSummary, error) {
	thread, err := s.tx.LoadThread(ctx, threadID)
	if err != nil {
		return models.ThreadSummary{}, err
	}
	if !thread.HasParticipant(userID) {
		return models.ThreadSummary{}, fmt.Errorf("thread: %w", models.ErrNotAuthorized)
	}
	return summarize(thread, userID), nil
}

func summarize(t models.Thread, userID string) models.ThreadSummary {
	p, _ := t.Participant(userID)
	if !p.Role.IsAdmin() {
		t.Group = groups.PublicInfo(t.Group)
	}
	return models.ThreadSummary{Thread: t, Unread: p.Unread}
}

// ListThreads returns the user's threads ordered by last activity, newest
// first. It only reads, so paging through with cursors is restartable.
func (s *Service) ListThreads(ctx context.Context, userID string, filter ListFilter) (ThreadPage, error) {
	if filter.Domain != "" && !filter.Domain.Valid() {
		return ThreadPage{}, fmt.Errorf("domain %q: %w", filter.Domain, models.ErrInvalidContent)
	}
	after, err := decodeCursor(filter.Cursor)
	if err != nil {
		return ThreadPage{}, err
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}

	var all []models.Thread
	err = s.tx.Retry(ctx, func(ctx context.Context) error {
		var err error
		all, err = s.threads.ListThreadsForUser(ctx, userID)
		return err
	})
	if err != nil {
		return ThreadPage{}, err
	}

	var matched []models.ThreadSummary
	for _, t := range all {
		if filter.Domain != "" && t.Domain != filter.Domain {
			continue
		}
		if t.Archived && !filter.IncludeArchived {
			continue
		}
		summary := summarize(t, userID)
		if filter.UnreadOnly && summary.Unread == 0 {
			continue
		}
		matched = append(matched, summary)
	}
	sort.Slice(matched, func(i, j int) bool {
		return cursorOf(matched[i].Thread).before(cursorOf(matched[j].Thread))
	})

	page := ThreadPage{Threads: []models.ThreadSummary{}}
	for _, summary := range matched {
		if after != nil && !after.before(cursorOf(summary.Thread)) {
			continue
		}
		if len(page.Threads) == limit {
			page.NextCursor = encodeCursor(cursorOf(page.Threads[len(page.Threads)-1].Thread))
			break
		}
		page.Threads = append(page.Threads, summary)
	}
	return page, nil
}

type cursor struct {
	activity int64
	id       string
}

func cursorOf(t models.Thread) cursor {
	return cursor{activity: t.LastActivityAt.UnixNano(), id: t.ID}
}

// before orders by activity descending then id descending.
func (c cursor) before(other cursor) bool {
	if c.activity != other.activity {
		return c.activity > other.activity
	}
	return c.id > other.id
}

func encodeCursor(c cursor) string {
	return base64.RawURLEncoding.EncodeToString([]byte(strconv.FormatInt(c.activity, 10) + "|" + c.id))
}

func decodeCursor(raw string) (*cursor, error) {
	if raw == "" {
		return nil, nil
	}
	b, err := base64.RawURLEncoding.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("cursor: %w", models.ErrInvalidContent)
	}
	activity, id, ok := strings.Cut(string(b), "|")
	if !ok {
		return nil, fmt.Errorf("cursor: %w", models.ErrInvalidContent)
	}
	n, err := strconv.ParseInt(activity, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("cursor: %w", models.ErrInvalidContent)
	}
	return &cursor{activity: n, id: id}, nil
}
