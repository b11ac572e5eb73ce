package models

import "time"

// CallKind distinguishes 1:1 and group calls.
type CallKind string

const (
	CallVoice CallKind = "voice"
	CallVideo CallKind = "video"
	CallGroup CallKind = "group"
)

// Valid reports whether k is a known call kind.
func (k CallKind) Valid() bool {
	return k == CallVoice || k == CallVideo || k == CallGroup
}

// CallState is a node of the call session state machine.
type CallState string

const (
	CallIdle       CallState = "idle"
	CallRinging    CallState = "ringing"
	CallConnecting CallState = "connecting"
	CallActive     CallState = "active"
	CallDeclined   CallState = "declined"
	CallEnded      CallState = "ended"
)

// EndReason records why a session reached ended.
type EndReason string

const (
	EndNoAnswer   EndReason = "no_answer"
	EndDeclined   EndReason = "declined"
	EndHangup     EndReason = "hangup"
	EndTerminated EndReason = "terminated"
	EndCancelled  EndReason = "cancelled"
	EndAllLeft    EndReason = "all_left"
)

// CallRole is a participant's role inside a call.
type CallRole string

const (
	CallHost     CallRole = "host"
	CallSpeaker  CallRole = "speaker"
	CallAttendee CallRole = "participant"
)

// CallParticipantStatus tracks a participant's membership in the session.
type CallParticipantStatus string

const (
	CallInvited  CallParticipantStatus = "invited"
	CallJoined   CallParticipantStatus = "joined"
	CallRejected CallParticipantStatus = "declined"
	CallLeft     CallParticipantStatus = "left"
)

// CallParticipant is the per-participant call state.
type CallParticipant struct {
	UserID        string                `json:"user_id"`
	Role          CallRole              `json:"role"`
	Status        CallParticipantStatus `json:"status"`
	AudioMuted    bool                  `json:"audio_muted"`
	VideoEnabled  bool                  `json:"video_enabled"`
	ScreenSharing bool                  `json:"screen_sharing"`
	HandRaised    bool                  `json:"hand_raised"`
	Quality       int                   `json:"quality"`
	JoinedAt      *time.Time            `json:"joined_at,omitempty"`
}

// CallSession is one voice, video or group call.
type CallSession struct {
	ID           string            `json:"id"`
	ThreadID     string            `json:"thread_id"`
	Kind         CallKind          `json:"kind"`
	State        CallState         `json:"state"`
	EndReason    EndReason         `json:"end_reason,omitempty"`
	InitiatorID  string            `json:"initiator_id"`
	Participants []CallParticipant `json:"participants"`
	CreatedAt    time.Time         `json:"created_at"`
	StartedAt    *time.Time        `json:"started_at,omitempty"`
	EndedAt      *time.Time        `json:"ended_at,omitempty"`
}

// Participant returns the call state of userID.
func (s *CallSession) Participant(userID string) (*CallParticipant, bool) {
	for i := range s.Participants {
		if s.Participants[i].UserID == userID {
			return &s.Participants[i], true
		}
	}
	return nil, false
}

// Joined returns the participants currently in the call.
func (s *CallSession) Joined() []*CallParticipant {
	var out []*CallParticipant
	for i := range s.Participants {
		if s.Participants[i].Status == CallJoined {
			out = append(out, &s.Participants[i])
		}
	}
	return out
}

// Ended reports whether the session is over.
func (s *CallSession) Ended() bool {
	return s.State == CallEnded
}

// Clone deep-copies the participant list.
func (s CallSession) Clone() CallSession {
	out := s
	out.Participants = append([]CallParticipant(nil), s.Participants...)
	return out
}

// ParticipantIDs returns every user attached to the session.
func (s *CallSession) ParticipantIDs() []string {
	ids := make([]string, 0, len(s.Participants))
	for _, p := range s.Participants {
		ids = append(ids, p.UserID)
	}
	return ids
}
