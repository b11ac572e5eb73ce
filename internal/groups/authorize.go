// Package groups decides who may do what inside a thread and owns group
// administration: settings, info, invite links, roles and ownership.
package groups

import (
	"fmt"
	"time"

	"messaging-core/internal/models"
)

// Action is something a participant asks to do in a thread.
type Action string

const (
	ActionSend           Action = "send"
	ActionAddMembers     Action = "add_members"
	ActionEditInfo       Action = "edit_info"
	ActionRemoveMembers  Action = "remove_members"
	ActionManageSettings Action = "manage_settings"
)

// Authorize is the single decision point for thread permissions. It returns
// nil, ErrNotAuthorized, or ErrUnsupportedOperation for group-only actions
// on direct threads.
func Authorize(t *models.Thread, userID string, action Action) error {
	p, ok := t.Participant(userID)
	if !ok {
		return fmt.Errorf("%s in thread %s: %w", action, t.ID, models.ErrNotAuthorized)
	}
	if !t.IsGroup {
		if action == ActionSend {
			return nil
		}
		return fmt.Errorf("%s in direct thread: %w", action, models.ErrUnsupportedOperation)
	}

	settings := models.DefaultGroupSettings()
	if t.Group != nil {
		settings = t.Group.Settings.Normalize()
	}

	var allowed bool
	switch action {
	case ActionSend:
		allowed = permits(settings.WhoCanSend, p.Role)
	case ActionAddMembers:
		allowed = permits(settings.WhoCanAddMembers, p.Role)
	case ActionEditInfo:
		allowed = permits(settings.WhoCanEditInfo, p.Role)
	case ActionRemoveMembers:
		allowed = permits(settings.WhoCanRemoveMembers, p.Role)
	case ActionManageSettings:
		allowed = p.Role.IsAdmin() && permits(settings.WhoCanEditInfo, p.Role)
	}
	if !allowed {
		return fmt.Errorf("%s in thread %s: %w", action, t.ID, models.ErrNotAuthorized)
	}
	return nil
}

func permits(audience models.Audience, role models.Role) bool {
	if audience == models.AudienceEveryone {
		return true
	}
	return role.IsAdmin()
}

func CanSend(t *models.Thread, userID string) bool {
	return Authorize(t, userID, ActionSend) == nil
}

func CanAddMembers(t *models.Thread, userID string) bool {
	return Authorize(t, userID, ActionAddMembers) == nil
}

func CanEditInfo(t *models.Thread, userID string) bool {
	return Authorize(t, userID, ActionEditInfo) == nil
}

func CanRemoveMembers(t *models.Thread, userID string) bool {
	return Authorize(t, userID, ActionRemoveMembers) == nil
}

func CanManageSettings(t *models.Thread, userID string) bool {
	return Authorize(t, userID, ActionManageSettings) == nil
}

// AppendMembers adds ids as members, skipping blanks, duplicates and users
// already present, and returns the ids actually added.
func AppendMembers(t *models.Thread, ids []string, at time.Time) []string {
	var added []string
	for _, id := range ids {
		if id == "" || t.HasParticipant(id) {
			continue
		}
		role := models.Role("")
		if t.IsGroup {
			role = models.RoleMember
		}
		t.Participants = append(t.Participants, models.Participant{UserID: id, Role: role, JoinedAt: at})
		added = append(added, id)
	}
	return added
}

// Successor picks who inherits ownership when leaving departs: the
// longest-tenured admin, else the longest-tenured member. Empty when nobody
// else remains.
func Successor(t *models.Thread, leaving string) string {
	var best *models.Participant
	for i := range t.Participants {
		p := &t.Participants[i]
		if p.UserID == leaving {
			continue
		}
		if best == nil {
			best = p
			continue
		}
		if p.Role.IsAdmin() != best.Role.IsAdmin() {
			if p.Role.IsAdmin() {
				best = p
			}
			continue
		}
		if p.JoinedAt.Before(best.JoinedAt) {
			best = p
		}
	}
	if best == nil {
		return ""
	}
	return best.UserID
}

// CountOwners is used to check the single-owner rule.
func CountOwners(t *models.Thread) int {
	n := 0
	for _, p := range t.Participants {
		if p.Role == models.RoleOwner {
			n++
		}
	}
	return n
}

// PublicInfo strips the invite token before group info leaves the service.
func PublicInfo(g *models.GroupInfo) *models.GroupInfo {
	if g == nil {
		return nil
	}
	out := *g
	out.Settings.InviteToken = ""
	return &out
}
