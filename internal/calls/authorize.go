package calls

import (
	"fmt"

	"messaging-core/internal/models"
)

type action int

const (
	actView action = iota
	actAccept
	actDecline
	actMedia
	actHand
	actRole
	actQuality
	actLeave
	actTerminate
	actRelay
)

func (a action) String() string {
	switch a {
	case actAccept:
		return "accept"
	case actDecline:
		return "decline"
	case actMedia:
		return "media"
	case actHand:
		return "hand"
	case actRole:
		return "role"
	case actQuality:
		return "quality"
	case actLeave:
		return "leave"
	case actTerminate:
		return "terminate"
	case actRelay:
		return "relay"
	default:
		return "view"
	}
}

// authorize is the single decision point for what userID may do to a
// session in its current state. It returns the caller's participant entry.
func authorize(s *models.CallSession, userID string, act action) (*models.CallParticipant, error) {
	p, ok := s.Participant(userID)
	if !ok {
		return nil, fmt.Errorf("%s call: %w", act, models.ErrNotAuthorized)
	}
	if act == actView {
		return p, nil
	}

	group := s.Kind == models.CallGroup
	switch act {
	case actHand, actRole:
		if !group {
			return nil, fmt.Errorf("%s on %s call: %w", act, s.Kind, models.ErrUnsupportedOperation)
		}
	}

	if s.Ended() || s.State == models.CallDeclined {
		return nil, fmt.Errorf("%s %s call: %w", act, s.State, models.ErrInvalidTransition)
	}

	switch act {
	case actAccept:
		if s.State == models.CallRinging && userID == s.InitiatorID && !group {
			return nil, fmt.Errorf("caller cannot accept: %w", models.ErrNotAuthorized)
		}
	case actDecline:
		if s.State != models.CallRinging {
			return nil, fmt.Errorf("decline %s call: %w", s.State, models.ErrInvalidTransition)
		}
		if p.Status != models.CallInvited {
			return nil, fmt.Errorf("decline as %s: %w", p.Status, models.ErrInvalidTransition)
		}
	case actMedia, actHand, actQuality:
		if s.State != models.CallActive {
			return nil, fmt.Errorf("%s while %s: %w", act, s.State, models.ErrInvalidState)
		}
		if p.Status != models.CallJoined {
			return nil, fmt.Errorf("%s before joining: %w", act, models.ErrNotAuthorized)
		}
	case actRole:
		if p.Role != models.CallHost {
			return nil, fmt.Errorf("only the host assigns roles: %w", models.ErrNotAuthorized)
		}
	case actTerminate:
		if group && p.Role != models.CallHost {
			return nil, fmt.Errorf("only the host terminates a group call: %w", models.ErrNotAuthorized)
		}
	case actRelay:
		if p.Status == models.CallLeft || p.Status == models.CallRejected {
			return nil, fmt.Errorf("relay from %s participant: %w", p.Status, models.ErrNotAuthorized)
		}
	}
	return p, nil
}
