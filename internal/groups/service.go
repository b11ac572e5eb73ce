package groups

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"messaging-core/internal/events"
	"messaging-core/internal/models"
	"messaging-core/internal/repositories"
	"messaging-core/internal/telemetry"
	"messaging-core/internal/txn"
)

// MaxNameLength bounds group names, in bytes.
const MaxNameLength = 128

// InfoPatch carries the group info fields to change; nil fields are kept.
type InfoPatch struct {
	Name        *string `json:"name"`
	Avatar      *string `json:"avatar"`
	Description *string `json:"description"`
}

// RoleChange is the payload of role and ownership events.
type RoleChange struct {
	UserID string      `json:"user_id"`
	Role   models.Role `json:"role"`
}

// Service administers group threads.
type Service struct {
	tx      *txn.Runner
	threads repositories.ThreadRepository
	events  events.Publisher
	audit   *telemetry.AuditEmitter
	log     zerolog.Logger
	now     func() time.Time
	token   func() (string, error)
}

func NewService(tx *txn.Runner, threads repositories.ThreadRepository, pub events.Publisher, audit *telemetry.AuditEmitter, log zerolog.Logger) *Service {
	if pub == nil {
		pub = events.Discard{}
	}
	return &Service{
		tx:      tx,
		threads: threads,
		events:  pub,
		audit:   audit,
		log:     log,
		now:     time.Now,
		token:   newInviteToken,
	}
}

// SetClock replaces the time source.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// newInviteToken returns 32 random bytes, base64url encoded.
func newInviteToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func requireGroup(t *models.Thread) error {
	if !t.IsGroup || t.Group == nil {
		return fmt.Errorf("thread %s is not a group: %w", t.ID, models.ErrUnsupportedOperation)
	}
	return nil
}

func (s *Service) publishGroupUpdated(t models.Thread, actorID string, payload any) {
	s.events.Publish(models.Event{
		Kind:       models.EventGroupUpdated,
		ThreadID:   t.ID,
		ActorID:    actorID,
		Recipients: t.ParticipantIDs(),
		Payload:    payload,
	})
}

// UpdateSettings replaces the group's settings. Invite link fields are kept
// as they are and only change through the invite link calls.
func (s *Service) UpdateSettings(ctx context.Context, threadID, actorID string, settings models.GroupSettings) (models.Thread, error) {
	settings = settings.Normalize()
	if !settings.Validate() {
		return models.Thread{}, fmt.Errorf("group settings: %w", models.ErrInvalidContent)
	}

	updated, err := s.tx.UpdateThread(ctx, threadID, func(t *models.Thread) error {
		if err := requireGroup(t); err != nil {
			return err
		}
		if err := Authorize(t, actorID, ActionManageSettings); err != nil {
			return err
		}
		settings.InviteToken = t.Group.Settings.InviteToken
		settings.InviteLinkEnabled = t.Group.Settings.InviteLinkEnabled
		t.Group.Settings = settings
		return nil
	})
	if err != nil {
		return models.Thread{}, err
	}

	s.publishGroupUpdated(updated, actorID, PublicInfo(updated.Group))
	s.audit.Action(ctx, actorID, threadID, "group_settings_updated", "group settings changed")
	s.log.Info().Str("thread_id", threadID).Str("actor_id", actorID).Msg("group settings updated")
	return updated, nil
}

// UpdateInfo edits name, avatar or description.
func (s *Service) UpdateInfo(ctx context.Context, threadID, actorID string, patch InfoPatch) (models.Thread, error) {
	if patch.Name != nil {
		name := strings.TrimSpace(*patch.Name)
		if name == "" || len(name) > MaxNameLength {
			return models.Thread{}, fmt.Errorf("group name: %w", models.ErrInvalidContent)
		}
		patch.Name = &name
	}

	updated, err := s.tx.UpdateThread(ctx, threadID, func(t *models.Thread) error {
		if err := requireGroup(t); err != nil {
			return err
		}
		if err := Authorize(t, actorID, ActionEditInfo); err != nil {
			return err
		}
		if patch.Name != nil {
			t.Group.Name = *patch.Name
		}
		if patch.Avatar != nil {
			t.Group.Avatar = *patch.Avatar
		}
		if patch.Description != nil {
			t.Group.Description = *patch.Description
		}
		return nil
	})
	if err != nil {
		return models.Thread{}, err
	}

	s.publishGroupUpdated(updated, actorID, PublicInfo(updated.Group))
	s.audit.Action(ctx, actorID, threadID, "group_info_updated", "group info changed")
	return updated, nil
}

// CreateInviteLink issues a fresh token, replacing any previous one.
func (s *Service) CreateInviteLink(ctx context.Context, threadID, actorID string) (string, error) {
	token, err := s.token()
	if err != nil {
		return "", fmt.Errorf("generate invite token: %w", err)
	}

	_, err = s.tx.UpdateThread(ctx, threadID, func(t *models.Thread) error {
		if err := requireGroup(t); err != nil {
			return err
		}
		if err := Authorize(t, actorID, ActionAddMembers); err != nil {
			return err
		}
		t.Group.Settings.InviteToken = token
		t.Group.Settings.InviteLinkEnabled = true
		return nil
	})
	if err != nil {
		return "", err
	}

	s.audit.Action(ctx, actorID, threadID, "invite_link_created", "invite link issued")
	return token, nil
}

// RevokeInviteLink disables the current token.
func (s *Service) RevokeInviteLink(ctx context.Context, threadID, actorID string) error {
	_, err := s.tx.UpdateThread(ctx, threadID, func(t *models.Thread) error {
		if err := requireGroup(t); err != nil {
			return err
		}
		if err := Authorize(t, actorID, ActionAddMembers); err != nil {
			return err
		}
		t.Group.Settings.InviteToken = ""
		t.Group.Settings.InviteLinkEnabled = false
		return nil
	})
	if err != nil {
		return err
	}
	s.audit.Action(ctx, actorID, threadID, "invite_link_revoked", "invite link revoked")
	return nil
}

// JoinByInvite adds userID to the group bound to token. Joining twice is a
// no-op. Archived or ownerless groups cannot be joined.
func (s *Service) JoinByInvite(ctx context.Context, token, userID string) (models.Thread, error) {
	if token == "" {
		return models.Thread{}, fmt.Errorf("invite: %w", models.ErrNotFound)
	}
	var found models.Thread
	err := s.tx.Retry(ctx, func(ctx context.Context) error {
		var err error
		found, err = s.threads.FindByInviteToken(ctx, token)
		return err
	})
	if err != nil {
		return models.Thread{}, err
	}

	var added []string
	updated, err := s.tx.UpdateThread(ctx, found.ID, func(t *models.Thread) error {
		if err := requireGroup(t); err != nil {
			return err
		}
		settings := t.Group.Settings
		if settings.InviteToken != token {
			return fmt.Errorf("invite: %w", models.ErrNotFound)
		}
		if t.Archived || CountOwners(t) == 0 {
			return fmt.Errorf("invite: group closed: %w", models.ErrNotFound)
		}
		if !settings.InviteLinkEnabled || !settings.AllowMemberInvites {
			return fmt.Errorf("invite link disabled: %w", models.ErrNotAuthorized)
		}
		if t.HasParticipant(userID) {
			return txn.ErrNoChange
		}
		added = AppendMembers(t, []string{userID}, s.now().UTC())
		return nil
	})
	if err != nil {
		return models.Thread{}, err
	}

	if len(added) > 0 {
		s.events.Publish(models.Event{
			Kind:       models.EventMemberAdded,
			ThreadID:   updated.ID,
			ActorID:    userID,
			Subject:    userID,
			Recipients: updated.ParticipantIDs(),
			Payload:    map[string]any{"via": "invite", "notify": updated.Group.Settings.NotifyOnJoin},
		})
		s.log.Info().Str("thread_id", updated.ID).Str("user_id", userID).Msg("joined group by invite")
	}
	return updated, nil
}

// TransferOwnership demotes the current owner to admin and promotes newOwnerID
// in one compare-and-swap write, so a concurrent change makes it fail with
// ErrConflict instead of leaving two owners.
func (s *Service) TransferOwnership(ctx context.Context, threadID, currentOwnerID, newOwnerID string) (models.Thread, error) {
	updated, err := s.tx.UpdateThread(ctx, threadID, func(t *models.Thread) error {
		if err := requireGroup(t); err != nil {
			return err
		}
		if t.RoleOf(currentOwnerID) != models.RoleOwner {
			return fmt.Errorf("only the owner transfers ownership: %w", models.ErrNotAuthorized)
		}
		next, ok := t.Participant(newOwnerID)
		if !ok {
			return fmt.Errorf("new owner %s: %w", newOwnerID, models.ErrNotFound)
		}
		if newOwnerID == currentOwnerID {
			return txn.ErrNoChange
		}
		current, _ := t.Participant(currentOwnerID)
		current.Role = models.RoleAdmin
		next.Role = models.RoleOwner
		return nil
	})
	if err != nil {
		return models.Thread{}, err
	}

	s.publishGroupUpdated(updated, currentOwnerID, RoleChange{UserID: newOwnerID, Role: models.RoleOwner})
	s.audit.Action(ctx, currentOwnerID, threadID, "ownership_transferred", "ownership transferred to "+newOwnerID)
	s.log.Info().Str("thread_id", threadID).Str("from", currentOwnerID).Str("to", newOwnerID).Msg("group ownership transferred")
	return updated, nil
}

// SetRole promotes a member to admin or demotes an admin to member. Admins
// promote, only the owner demotes, and the owner's role changes only through
// TransferOwnership.
func (s *Service) SetRole(ctx context.Context, threadID, actorID, targetID string, role models.Role) (models.Thread, error) {
	if role != models.RoleAdmin && role != models.RoleMember {
		return models.Thread{}, fmt.Errorf("role %q: %w", role, models.ErrInvalidContent)
	}

	updated, err := s.tx.UpdateThread(ctx, threadID, func(t *models.Thread) error {
		if err := requireGroup(t); err != nil {
			return err
		}
		actorRole := t.RoleOf(actorID)
		target, ok := t.Participant(targetID)
		if !ok {
			return fmt.Errorf("member %s: %w", targetID, models.ErrNotFound)
		}
		if target.Role == role {
			return txn.ErrNoChange
		}
		switch {
		case target.Role == models.RoleOwner:
			return fmt.Errorf("owner role changes by transfer: %w", models.ErrNotAuthorized)
		case role == models.RoleAdmin && !actorRole.IsAdmin():
			return fmt.Errorf("promote: %w", models.ErrNotAuthorized)
		case role == models.RoleMember && actorRole != models.RoleOwner:
			return fmt.Errorf("demote: %w", models.ErrNotAuthorized)
		}
		target.Role = role
		return nil
	})
	if err != nil {
		return models.Thread{}, err
	}

	s.publishGroupUpdated(updated, actorID, RoleChange{UserID: targetID, Role: role})
	s.audit.Action(ctx, actorID, threadID, "role_changed", targetID+" is now "+string(role))
	return updated, nil
}
