// Package messages appends, orders and mutates messages inside threads.
package messages

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"messaging-core/internal/events"
	"messaging-core/internal/groups"
	"messaging-core/internal/keylock"
	"messaging-core/internal/models"
	"messaging-core/internal/observability"
	"messaging-core/internal/repositories"
	"messaging-core/internal/txn"
)

const (
	DefaultPageLimit = 50
	MaxPageLimit     = 200
	maxEmojiLength   = 32
)

// AppendInput is a send request from a client.
type AppendInput struct {
	ThreadID        string
	SenderID        string
	ClientID        string
	Content         models.Content
	ReplyTo         string
	ClientTimestamp *time.Time
}

// Page selects a window of history, newest first. BeforeSeq 0 starts at the newest.
type Page struct {
	BeforeSeq int64
	Limit     int
}

// View is a message as handed to readers, with its reply reference resolved.
type View struct {
	models.Message
	Reply *models.ReplyPreview `json:"reply,omitempty"`
}

// History is one page of messages plus the cursor for the next one.
type History struct {
	Messages   []View `json:"messages"`
	NextBefore int64  `json:"next_before,omitempty"`
}

// ReactionChange is the payload of reaction events.
type ReactionChange struct {
	UserID string `json:"user_id"`
	Emoji  string `json:"emoji,omitempty"`
}

// Options tunes the service.
type Options struct {
	DisappearAfter time.Duration
	PageLimit      int
}

// Service is the message store and per-thread sequencer.
type Service struct {
	tx       *txn.Runner
	messages repositories.MessageRepository
	events   events.Publisher
	log      zerolog.Logger
	opts     Options
	now      func() time.Time
	newID    func() string
}

func NewService(tx *txn.Runner, messages repositories.MessageRepository, pub events.Publisher, opts Options, log zerolog.Logger) *Service {
	if pub == nil {
		pub = events.Discard{}
	}
	if opts.DisappearAfter <= 0 {
		opts.DisappearAfter = 24 * time.Hour
	}
	if opts.PageLimit <= 0 || opts.PageLimit > MaxPageLimit {
		opts.PageLimit = DefaultPageLimit
	}
	return &Service{
		tx:       tx,
		messages: messages,
		events:   pub,
		log:      log,
		opts:     opts,
		now:      time.Now,
		newID:    uuid.NewString,
	}
}

// SetClock replaces the time source.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

func validateContent(c models.Content) error {
	if reason, ok := c.Validate(); !ok {
		return fmt.Errorf("%s: %w", reason, models.ErrInvalidContent)
	}
	return nil
}

// Append stores a new message at the end of its thread. The sequence number
// is assigned under the thread lock and written together with the thread's
// counters, so concurrent senders get gap-free strictly increasing numbers.
// A repeated ClientID from the same sender returns the stored message.
func (s *Service) Append(ctx context.Context, in AppendInput) (models.Message, error) {
	if err := validateContent(in.Content); err != nil {
		return models.Message{}, err
	}

	msg, thread, existing, err := s.store(ctx, in)
	if err != nil {
		return models.Message{}, err
	}
	if existing {
		return msg, nil
	}

	observability.IncMessageAppended(string(thread.Domain), string(msg.Content.Type))
	published := msg.Clone()
	s.events.Publish(models.Event{
		Kind:       models.EventMessageAppended,
		ThreadID:   msg.ThreadID,
		ActorID:    msg.SenderID,
		Recipients: thread.ParticipantIDs(),
		Message:    &published,
	})
	s.log.Debug().Str("thread_id", msg.ThreadID).Int64("seq", msg.Seq).Str("message_id", msg.ID).Msg("message appended")
	return msg, nil
}

// store sequences and writes the message under the thread lock. The lock is
// released before Append publishes, so subscribers never hold up writers.
func (s *Service) store(ctx context.Context, in AppendInput) (models.Message, models.Thread, bool, error) {
	unlock := s.tx.Locks().Lock(keylock.Thread(in.ThreadID))
	defer unlock()

	var (
		msg      models.Message
		thread   models.Thread
		existing bool
	)
	err := s.tx.Retry(ctx, func(ctx context.Context) error {
		var err error
		existing = false
		thread, err = s.loadThread(ctx, in.ThreadID)
		if err != nil {
			return err
		}
		if err := groups.Authorize(&thread, in.SenderID, groups.ActionSend); err != nil {
			return err
		}

		if in.ClientID != "" {
			prior, err := s.messages.GetMessageByClientID(ctx, in.ThreadID, in.SenderID, in.ClientID)
			if err == nil {
				msg, existing = prior, true
				return nil
			}
			if !errors.Is(err, models.ErrNotFound) {
				return err
			}
		}

		if in.ReplyTo != "" {
			target, err := s.messages.GetMessage(ctx, in.ReplyTo)
			if err != nil {
				return fmt.Errorf("reply target: %w", err)
			}
			if target.ThreadID != in.ThreadID {
				return fmt.Errorf("reply target %s: %w", in.ReplyTo, models.ErrNotFound)
			}
		}

		now := s.now().UTC()
		msg = models.Message{
			ID:              s.newID(),
			ThreadID:        in.ThreadID,
			Seq:             thread.LastSeq + 1,
			SenderID:        in.SenderID,
			ClientID:        in.ClientID,
			Content:         in.Content,
			CreatedAt:       now,
			ClientTimestamp: in.ClientTimestamp,
			State:           models.StateSending,
			ReplyTo:         in.ReplyTo,
		}
		if thread.Group != nil && thread.Group.Settings.DisappearingMessages {
			expires := now.Add(s.opts.DisappearAfter)
			msg.ExpiresAt = &expires
		}

		next := thread.Clone()
		next.LastSeq = msg.Seq
		next.LastActivityAt = now
		next.LastMessage = &models.MessagePreview{
			MessageID: msg.ID,
			Seq:       msg.Seq,
			SenderID:  msg.SenderID,
			Snippet:   msg.Content.Snippet(),
			SentAt:    now,
		}
		for i := range next.Participants {
			if next.Participants[i].UserID != in.SenderID {
				next.Participants[i].Unread++
			}
		}
		thread, err = s.messages.AppendMessage(ctx, msg, next)
		return err
	})
	if err != nil {
		return models.Message{}, models.Thread{}, false, err
	}
	return msg, thread, existing, nil
}

func (s *Service) loadThread(ctx context.Context, threadID string) (models.Thread, error) {
	thread, err := s.tx.LoadThread(ctx, threadID)
	if err != nil {
		return models.Thread{}, err
	}
	return thread, nil
}

// mutate runs fn on the message under its thread's lock. fn returning
// txn.ErrNoChange skips the write and the event.
func (s *Service) mutate(ctx context.Context, messageID string, fn func(thread *models.Thread, msg *models.Message) error) (models.Message, models.Thread, bool, error) {
	var located models.Message
	err := s.tx.Retry(ctx, func(ctx context.Context) error {
		var err error
		located, err = s.messages.GetMessage(ctx, messageID)
		return err
	})
	if err != nil {
		return models.Message{}, models.Thread{}, false, err
	}

	unlock := s.tx.Locks().Lock(keylock.Thread(located.ThreadID))
	defer unlock()

	var (
		msg     models.Message
		thread  models.Thread
		changed bool
	)
	err = s.tx.Retry(ctx, func(ctx context.Context) error {
		var err error
		changed = false
		if thread, err = s.tx.LoadThread(ctx, located.ThreadID); err != nil {
			return err
		}
		if msg, err = s.messages.GetMessage(ctx, messageID); err != nil {
			return err
		}
		if msg.Expired(s.now()) {
			return fmt.Errorf("message %s expired: %w", messageID, models.ErrNotFound)
		}
		if err := fn(&thread, &msg); err != nil {
			if errors.Is(err, txn.ErrNoChange) {
				return nil
			}
			return err
		}
		if err := s.messages.UpdateMessage(ctx, msg); err != nil {
			return err
		}
		changed = true
		return nil
	})
	if err != nil {
		return models.Message{}, models.Thread{}, false, err
	}
	return msg, thread, changed, nil
}

// refreshPreview rewrites the thread's last message snippet when msg is it.
func (s *Service) refreshPreview(ctx context.Context, msg models.Message, snippet string) {
	_, err := s.tx.UpdateThread(ctx, msg.ThreadID, func(t *models.Thread) error {
		if t.LastMessage == nil || t.LastMessage.MessageID != msg.ID {
			return txn.ErrNoChange
		}
		t.LastMessage.Snippet = snippet
		return nil
	})
	if err != nil {
		s.log.Warn().Err(err).Str("thread_id", msg.ThreadID).Msg("refresh last message preview failed")
	}
}

// AdvanceState moves a message forward through sending, sent, delivered and
// read. The sender confirms sent; recipients report delivered and read.
// Re-applying the current state is a no-op, going backwards is rejected.
func (s *Service) AdvanceState(ctx context.Context, messageID, actorID string, state models.DeliveryState) (models.Message, error) {
	if state.Rank() < 0 {
		return models.Message{}, fmt.Errorf("state %q: %w", state, models.ErrInvalidTransition)
	}

	msg, thread, changed, err := s.mutate(ctx, messageID, func(thread *models.Thread, msg *models.Message) error {
		if !thread.HasParticipant(actorID) {
			return fmt.Errorf("advance state: %w", models.ErrNotAuthorized)
		}
		switch state {
		case models.StateSending, models.StateSent:
			if actorID != msg.SenderID {
				return fmt.Errorf("only the sender confirms %s: %w", state, models.ErrNotAuthorized)
			}
		default:
			if actorID == msg.SenderID {
				return fmt.Errorf("only recipients report %s: %w", state, models.ErrNotAuthorized)
			}
		}
		switch {
		case state.Rank() == msg.State.Rank():
			return txn.ErrNoChange
		case state.Rank() < msg.State.Rank():
			return fmt.Errorf("%s -> %s: %w", msg.State, state, models.ErrInvalidTransition)
		}
		msg.State = state
		return nil
	})
	if err != nil {
		return models.Message{}, err
	}
	if changed {
		s.publishState(thread, msg, actorID)
	}
	return msg, nil
}

func (s *Service) publishState(thread models.Thread, msg models.Message, actorID string) {
	published := msg.Clone()
	s.events.Publish(models.Event{
		Kind:       models.EventMessageState,
		ThreadID:   thread.ID,
		ActorID:    actorID,
		Recipients: thread.ParticipantIDs(),
		Message:    &published,
	})
}

// Edit replaces the text of a message. Only the sender edits, only text
// messages are editable, and tombstones stay tombstones.
func (s *Service) Edit(ctx context.Context, messageID, editorID string, content models.Content) (models.Message, error) {
	if err := validateContent(content); err != nil {
		return models.Message{}, err
	}

	msg, thread, _, err := s.mutate(ctx, messageID, func(_ *models.Thread, msg *models.Message) error {
		if msg.SenderID != editorID {
			return fmt.Errorf("edit: %w", models.ErrNotAuthorized)
		}
		if msg.Deleted {
			return fmt.Errorf("edit removed message: %w", models.ErrInvalidTransition)
		}
		if msg.Content.Type != models.ContentText || content.Type != models.ContentText {
			return fmt.Errorf("edit %s message: %w", msg.Content.Type, models.ErrUnsupportedOperation)
		}
		now := s.now().UTC()
		msg.Content = content
		msg.Edited = true
		msg.EditedAt = &now
		return nil
	})
	if err != nil {
		return models.Message{}, err
	}

	s.refreshPreview(ctx, msg, msg.Content.Snippet())
	published := msg.Clone()
	s.events.Publish(models.Event{
		Kind:       models.EventMessageUpdated,
		ThreadID:   msg.ThreadID,
		ActorID:    editorID,
		Recipients: thread.ParticipantIDs(),
		Message:    &published,
	})
	return msg, nil
}

// SoftDelete turns a message into a tombstone for everyone. The sender may
// always do it; in groups admins may too when member removal is open to them.
func (s *Service) SoftDelete(ctx context.Context, messageID, requesterID string) (models.Message, error) {
	msg, thread, changed, err := s.mutate(ctx, messageID, func(thread *models.Thread, msg *models.Message) error {
		if msg.SenderID != requesterID {
			moderator := thread.IsGroup && thread.RoleOf(requesterID).IsAdmin() &&
				groups.CanRemoveMembers(thread, requesterID)
			if !moderator {
				return fmt.Errorf("delete: %w", models.ErrNotAuthorized)
			}
		}
		if msg.Deleted {
			return txn.ErrNoChange
		}
		msg.Tombstone(s.now().UTC())
		return nil
	})
	if err != nil {
		return models.Message{}, err
	}
	if !changed {
		return msg, nil
	}

	s.refreshPreview(ctx, msg, models.RemovedPlaceholder)
	published := msg.Clone()
	s.events.Publish(models.Event{
		Kind:       models.EventMessageDeleted,
		ThreadID:   msg.ThreadID,
		ActorID:    requesterID,
		Recipients: thread.ParticipantIDs(),
		Message:    &published,
	})
	s.log.Info().Str("message_id", messageID).Str("requester_id", requesterID).Msg("message deleted for all")
	return msg, nil
}

// React sets the user's single reaction on a message; the latest one wins.
func (s *Service) React(ctx context.Context, messageID, userID, emoji string) (models.Message, error) {
	emoji = strings.TrimSpace(emoji)
	if emoji == "" || utf8.RuneCountInString(emoji) > maxEmojiLength {
		return models.Message{}, fmt.Errorf("reaction: %w", models.ErrInvalidContent)
	}
	return s.setReaction(ctx, messageID, userID, emoji)
}

// Unreact removes the user's reaction if there is one.
func (s *Service) Unreact(ctx context.Context, messageID, userID string) (models.Message, error) {
	return s.setReaction(ctx, messageID, userID, "")
}

func (s *Service) setReaction(ctx context.Context, messageID, userID, emoji string) (models.Message, error) {
	msg, thread, changed, err := s.mutate(ctx, messageID, func(thread *models.Thread, msg *models.Message) error {
		if !thread.HasParticipant(userID) {
			return fmt.Errorf("react: %w", models.ErrNotAuthorized)
		}
		if msg.Deleted {
			return fmt.Errorf("react to removed message: %w", models.ErrInvalidTransition)
		}
		current, has := msg.Reactions[userID]
		if emoji == "" {
			if !has {
				return txn.ErrNoChange
			}
			delete(msg.Reactions, userID)
			return nil
		}
		if has && current == emoji {
			return txn.ErrNoChange
		}
		if msg.Reactions == nil {
			msg.Reactions = make(map[string]string)
		}
		msg.Reactions[userID] = emoji
		return nil
	})
	if err != nil {
		return models.Message{}, err
	}
	if changed {
		s.events.Publish(models.Event{
			Kind:       models.EventReaction,
			ThreadID:   msg.ThreadID,
			ActorID:    userID,
			Recipients: thread.ParticipantIDs(),
			Payload:    ReactionChange{UserID: userID, Emoji: emoji},
			Subject:    msg.ID,
		})
	}
	return msg, nil
}

// List returns one page of history, newest first, skipping messages that
// have disappeared.
func (s *Service) List(ctx context.Context, threadID, userID string, page Page) (History, error) {
	thread, err := s.loadThread(ctx, threadID)
	if err != nil {
		return History{}, err
	}
	if !thread.HasParticipant(userID) {
		return History{}, fmt.Errorf("history: %w", models.ErrNotAuthorized)
	}

	limit := page.Limit
	if limit <= 0 {
		limit = s.opts.PageLimit
	}
	if limit > MaxPageLimit {
		limit = MaxPageLimit
	}

	var raw []models.Message
	err = s.tx.Retry(ctx, func(ctx context.Context) error {
		var err error
		raw, err = s.messages.ListMessages(ctx, threadID, page.BeforeSeq, limit)
		return err
	})
	if err != nil {
		return History{}, err
	}

	now := s.now()
	out := History{Messages: make([]View, 0, len(raw))}
	for _, msg := range raw {
		if msg.Expired(now) {
			continue
		}
		reply, err := s.ResolveReply(ctx, msg)
		if err != nil {
			return History{}, err
		}
		out.Messages = append(out.Messages, View{Message: msg, Reply: reply})
	}
	if len(raw) == limit && raw[len(raw)-1].Seq > 1 {
		out.NextBefore = raw[len(raw)-1].Seq
	}
	return out, nil
}

// Get returns one message visible to userID.
func (s *Service) Get(ctx context.Context, messageID, userID string) (View, error) {
	var msg models.Message
	err := s.tx.Retry(ctx, func(ctx context.Context) error {
		var err error
		msg, err = s.messages.GetMessage(ctx, messageID)
		return err
	})
	if err != nil {
		return View{}, err
	}
	thread, err := s.loadThread(ctx, msg.ThreadID)
	if err != nil {
		return View{}, err
	}
	if !thread.HasParticipant(userID) {
		return View{}, fmt.Errorf("message: %w", models.ErrNotAuthorized)
	}
	if msg.Expired(s.now()) {
		return View{}, fmt.Errorf("message %s expired: %w", messageID, models.ErrNotFound)
	}
	reply, err := s.ResolveReply(ctx, msg)
	if err != nil {
		return View{}, err
	}
	return View{Message: msg, Reply: reply}, nil
}

// ResolveReply renders the message msg replies to. Targets that were deleted,
// disappeared or cannot be found render as the removed placeholder.
func (s *Service) ResolveReply(ctx context.Context, msg models.Message) (*models.ReplyPreview, error) {
	if msg.ReplyTo == "" {
		return nil, nil
	}
	var target models.Message
	err := s.tx.Retry(ctx, func(ctx context.Context) error {
		var err error
		target, err = s.messages.GetMessage(ctx, msg.ReplyTo)
		return err
	})
	switch {
	case errors.Is(err, models.ErrNotFound):
		return &models.ReplyPreview{MessageID: msg.ReplyTo, Snippet: models.RemovedPlaceholder, Removed: true}, nil
	case err != nil:
		return nil, err
	}
	if target.Deleted || target.Expired(s.now()) {
		return &models.ReplyPreview{MessageID: target.ID, SenderID: target.SenderID, Snippet: models.RemovedPlaceholder, Removed: true}, nil
	}
	return &models.ReplyPreview{MessageID: target.ID, SenderID: target.SenderID, Snippet: target.Content.Snippet()}, nil
}
