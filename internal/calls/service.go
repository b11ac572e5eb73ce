// Package calls coordinates voice, video and group call sessions: the
// session state machine, roles and the signalling relay between peers.
package calls

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"messaging-core/internal/events"
	"messaging-core/internal/keylock"
	"messaging-core/internal/models"
	"messaging-core/internal/observability"
	"messaging-core/internal/repositories"
	"messaging-core/internal/txn"
)

// DefaultRingTimeout ends unanswered calls.
const DefaultRingTimeout = 45 * time.Second

// MaxQuality is the top of the connection quality scale.
const MaxQuality = 5

// Scheduler runs fn after d and returns a function that cancels it.
type Scheduler func(d time.Duration, fn func()) (stop func() bool)

func afterFunc(d time.Duration, fn func()) func() bool {
	return time.AfterFunc(d, fn).Stop
}

// MediaPatch carries the media flags a participant changes; nil fields are
// left alone.
type MediaPatch struct {
	AudioMuted    *bool `json:"audio_muted"`
	VideoEnabled  *bool `json:"video_enabled"`
	ScreenSharing *bool `json:"screen_sharing"`
}

// SignalKind names a WebRTC signalling hop.
type SignalKind string

const (
	SignalOffer        SignalKind = "call_offer"
	SignalAnswer       SignalKind = "call_answer"
	SignalICECandidate SignalKind = "ice_candidate"
)

func (k SignalKind) Valid() bool {
	return k == SignalOffer || k == SignalAnswer || k == SignalICECandidate
}

// Signal is the payload of call_signal events. Data is passed through
// untouched.
type Signal struct {
	Kind   SignalKind      `json:"kind"`
	CallID string          `json:"call_id"`
	FromID string          `json:"from_id"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// Service is the call session coordinator.
type Service struct {
	tx          *txn.Runner
	calls       repositories.CallRepository
	events      events.Publisher
	log         zerolog.Logger
	ringTimeout time.Duration
	now         func() time.Time
	newID       func() string
	schedule    Scheduler

	mu     sync.Mutex
	timers map[string]func() bool
}

func NewService(tx *txn.Runner, calls repositories.CallRepository, pub events.Publisher, ringTimeout time.Duration, log zerolog.Logger) *Service {
	if pub == nil {
		pub = events.Discard{}
	}
	if ringTimeout <= 0 {
		ringTimeout = DefaultRingTimeout
	}
	return &Service{
		tx:          tx,
		calls:       calls,
		events:      pub,
		log:         log,
		ringTimeout: ringTimeout,
		now:         time.Now,
		newID:       uuid.NewString,
		schedule:    afterFunc,
		timers:      make(map[string]func() bool),
	}
}

// SetClock replaces the time source.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// SetScheduler replaces the ringing timer.
func (s *Service) SetScheduler(schedule Scheduler) {
	s.schedule = schedule
}

// Close cancels pending ringing timers.
func (s *Service) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, stop := range s.timers {
		stop()
		delete(s.timers, id)
	}
}

func (s *Service) arm(callID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timers[callID] = s.schedule(s.ringTimeout, func() { s.expire(callID) })
}

func (s *Service) disarm(callID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if stop, ok := s.timers[callID]; ok {
		stop()
		delete(s.timers, callID)
	}
}

// expire ends a session that is still ringing when its timer fires.
func (s *Service) expire(callID string) {
	defer s.disarm(callID)
	sess, changed, err := s.update(context.Background(), callID, func(c *models.CallSession) error {
		if c.State != models.CallRinging {
			return txn.ErrNoChange
		}
		s.end(c, models.EndNoAnswer)
		return nil
	})
	if err != nil {
		s.log.Warn().Err(err).Str("call_id", callID).Msg("ringing timeout failed")
		return
	}
	if changed {
		s.announce(sess, "")
	}
}

func (s *Service) end(c *models.CallSession, reason models.EndReason) {
	now := s.now().UTC()
	c.State = models.CallEnded
	c.EndReason = reason
	c.EndedAt = &now
	for i := range c.Participants {
		c.Participants[i].HandRaised = false
		c.Participants[i].ScreenSharing = false
	}
}

// update runs fn on a copy of the session under the call lock and saves the
// result. fn returning txn.ErrNoChange skips the save.
func (s *Service) update(ctx context.Context, callID string, fn func(c *models.CallSession) error) (models.CallSession, bool, error) {
	unlock := s.tx.Locks().Lock(keylock.Call(callID))
	defer unlock()

	var (
		sess    models.CallSession
		changed bool
	)
	err := s.tx.Retry(ctx, func(ctx context.Context) error {
		changed = false
		current, err := s.calls.GetCall(ctx, callID)
		if err != nil {
			return err
		}
		next := current.Clone()
		if err := fn(&next); err != nil {
			if errors.Is(err, txn.ErrNoChange) {
				sess = current
				return nil
			}
			return err
		}
		if err := s.calls.SaveCall(ctx, next); err != nil {
			return err
		}
		sess, changed = next, true
		return nil
	})
	return sess, changed, err
}

func (s *Service) announce(c models.CallSession, actorID string) {
	kind := models.EventCallUpdated
	if c.State != models.CallRinging {
		s.disarm(c.ID)
	}
	if c.Ended() {
		kind = models.EventCallEnded
		observability.IncCallEnded(string(c.Kind), string(c.EndReason))
		s.log.Info().Str("call_id", c.ID).Str("thread_id", c.ThreadID).Str("reason", string(c.EndReason)).Msg("call ended")
	}
	published := c.Clone()
	s.events.Publish(models.Event{
		Kind:       kind,
		ThreadID:   c.ThreadID,
		ActorID:    actorID,
		Recipients: c.ParticipantIDs(),
		Call:       &published,
	})
}

func (s *Service) mutate(ctx context.Context, callID, actorID string, fn func(c *models.CallSession) error) (models.CallSession, error) {
	sess, changed, err := s.update(ctx, callID, fn)
	if err != nil {
		return models.CallSession{}, err
	}
	if changed {
		s.announce(sess, actorID)
	}
	return sess, nil
}

// Initiate starts ringing every other participant of the thread.
func (s *Service) Initiate(ctx context.Context, threadID, callerID string, kind models.CallKind) (models.CallSession, error) {
	if !kind.Valid() {
		return models.CallSession{}, fmt.Errorf("call kind %q: %w", kind, models.ErrInvalidContent)
	}

	sess, err := s.open(ctx, threadID, callerID, kind)
	if err != nil {
		return models.CallSession{}, err
	}
	s.arm(sess.ID)

	published := sess.Clone()
	s.events.Publish(models.Event{
		Kind:       models.EventCallRinging,
		ThreadID:   threadID,
		ActorID:    callerID,
		Recipients: sess.ParticipantIDs(),
		Call:       &published,
	})
	s.log.Info().Str("call_id", sess.ID).Str("thread_id", threadID).Str("kind", string(kind)).Msg("call ringing")
	return sess, nil
}

// open checks for calls already running in the thread and stores the new
// session, all under the thread's call lock.
func (s *Service) open(ctx context.Context, threadID, callerID string, kind models.CallKind) (models.CallSession, error) {
	unlock := s.tx.Locks().Lock("calls:" + threadID)
	defer unlock()

	thread, err := s.tx.LoadThread(ctx, threadID)
	if err != nil {
		return models.CallSession{}, err
	}
	if !thread.HasParticipant(callerID) {
		return models.CallSession{}, fmt.Errorf("call in thread %s: %w", threadID, models.ErrNotAuthorized)
	}
	if n := len(thread.Participants); n < 2 || (kind != models.CallGroup && n != 2) {
		return models.CallSession{}, fmt.Errorf("%s call with %d participants: %w", kind, n, models.ErrInvalidGroupSize)
	}

	var open []models.CallSession
	err = s.tx.Retry(ctx, func(ctx context.Context) error {
		var err error
		open, err = s.calls.ListOpenCalls(ctx, threadID)
		return err
	})
	if err != nil {
		return models.CallSession{}, err
	}
	for _, other := range open {
		for _, p := range other.Participants {
			busy := p.Status == models.CallInvited || p.Status == models.CallJoined
			if busy && thread.HasParticipant(p.UserID) {
				return models.CallSession{}, fmt.Errorf("%s in call %s: %w", p.UserID, other.ID, models.ErrAlreadyInCall)
			}
		}
	}

	now := s.now().UTC()
	sess := models.CallSession{
		ID:          s.newID(),
		ThreadID:    threadID,
		Kind:        kind,
		State:       models.CallRinging,
		InitiatorID: callerID,
		CreatedAt:   now,
	}
	for _, id := range thread.ParticipantIDs() {
		p := models.CallParticipant{UserID: id, Role: models.CallAttendee, Status: models.CallInvited, VideoEnabled: kind == models.CallVideo}
		if id == callerID {
			joined := now
			p.Role, p.Status, p.JoinedAt = models.CallHost, models.CallJoined, &joined
		}
		sess.Participants = append(sess.Participants, p)
	}

	err = s.tx.Retry(ctx, func(ctx context.Context) error {
		return s.calls.SaveCall(ctx, sess)
	})
	if err != nil {
		return models.CallSession{}, err
	}
	return sess, nil
}

func (s *Service) admit(c *models.CallSession, p *models.CallParticipant) error {
	if p.Status == models.CallJoined {
		return txn.ErrNoChange
	}
	if c.State == models.CallActive && c.Kind != models.CallGroup {
		return fmt.Errorf("rejoin %s call: %w", c.Kind, models.ErrInvalidTransition)
	}
	now := s.now().UTC()
	p.Status = models.CallJoined
	p.JoinedAt = &now
	if c.State != models.CallActive {
		c.State = models.CallConnecting
		s.log.Debug().Str("call_id", c.ID).Msg("call connecting")
		c.State = models.CallActive
		c.StartedAt = &now
	}
	return nil
}

// Accept answers a ringing call, or joins an active group call. Accepting
// again once joined is a no-op.
func (s *Service) Accept(ctx context.Context, callID, userID string) (models.CallSession, error) {
	return s.mutate(ctx, callID, userID, func(c *models.CallSession) error {
		p, err := authorize(c, userID, actAccept)
		if err != nil {
			return err
		}
		return s.admit(c, p)
	})
}

// Join lets any thread participant enter a ringing or active group call,
// including members added to the thread after the call started.
func (s *Service) Join(ctx context.Context, callID, userID string) (models.CallSession, error) {
	return s.mutate(ctx, callID, userID, func(c *models.CallSession) error {
		if c.Kind != models.CallGroup {
			return fmt.Errorf("join %s call: %w", c.Kind, models.ErrUnsupportedOperation)
		}
		if _, ok := c.Participant(userID); !ok {
			thread, err := s.tx.LoadThread(ctx, c.ThreadID)
			if err != nil {
				return err
			}
			if !thread.HasParticipant(userID) {
				return fmt.Errorf("join call: %w", models.ErrNotAuthorized)
			}
			c.Participants = append(c.Participants, models.CallParticipant{UserID: userID, Role: models.CallAttendee, Status: models.CallInvited})
		}
		p, err := authorize(c, userID, actAccept)
		if err != nil {
			return err
		}
		return s.admit(c, p)
	})
}

func anyInvited(c *models.CallSession) bool {
	for _, p := range c.Participants {
		if p.Status == models.CallInvited {
			return true
		}
	}
	return false
}

func (s *Service) decline(c *models.CallSession, p *models.CallParticipant) {
	p.Status = models.CallRejected
	if c.Kind != models.CallGroup || !anyInvited(c) {
		c.State = models.CallDeclined
		s.end(c, models.EndDeclined)
	}
}

// Decline rejects a ringing call. A 1:1 call ends; a group call ends once
// every invitee has declined.
func (s *Service) Decline(ctx context.Context, callID, userID string) (models.CallSession, error) {
	return s.mutate(ctx, callID, userID, func(c *models.CallSession) error {
		p, err := authorize(c, userID, actDecline)
		if err != nil {
			return err
		}
		s.decline(c, p)
		return nil
	})
}

// UpdateMediaState changes a joined participant's media flags.
func (s *Service) UpdateMediaState(ctx context.Context, callID, userID string, patch MediaPatch) (models.CallSession, error) {
	return s.mutate(ctx, callID, userID, func(c *models.CallSession) error {
		p, err := authorize(c, userID, actMedia)
		if err != nil {
			return err
		}
		before := *p
		if patch.AudioMuted != nil {
			p.AudioMuted = *patch.AudioMuted
		}
		if patch.VideoEnabled != nil {
			p.VideoEnabled = *patch.VideoEnabled
		}
		if patch.ScreenSharing != nil {
			p.ScreenSharing = *patch.ScreenSharing
		}
		if before.AudioMuted == p.AudioMuted && before.VideoEnabled == p.VideoEnabled && before.ScreenSharing == p.ScreenSharing {
			return txn.ErrNoChange
		}
		return nil
	})
}

func (s *Service) setHand(ctx context.Context, callID, userID string, raised bool) (models.CallSession, error) {
	return s.mutate(ctx, callID, userID, func(c *models.CallSession) error {
		p, err := authorize(c, userID, actHand)
		if err != nil {
			return err
		}
		if p.HandRaised == raised {
			return txn.ErrNoChange
		}
		p.HandRaised = raised
		return nil
	})
}

func (s *Service) RaiseHand(ctx context.Context, callID, userID string) (models.CallSession, error) {
	return s.setHand(ctx, callID, userID, true)
}

func (s *Service) LowerHand(ctx context.Context, callID, userID string) (models.CallSession, error) {
	return s.setHand(ctx, callID, userID, false)
}

// SetCallRole lets the host promote or demote participants. Granting host
// hands the role over and leaves the previous host a speaker.
func (s *Service) SetCallRole(ctx context.Context, callID, actorID, targetID string, role models.CallRole) (models.CallSession, error) {
	switch role {
	case models.CallHost, models.CallSpeaker, models.CallAttendee:
	default:
		return models.CallSession{}, fmt.Errorf("call role %q: %w", role, models.ErrInvalidContent)
	}
	return s.mutate(ctx, callID, actorID, func(c *models.CallSession) error {
		host, err := authorize(c, actorID, actRole)
		if err != nil {
			return err
		}
		target, ok := c.Participant(targetID)
		if !ok {
			return fmt.Errorf("call participant %s: %w", targetID, models.ErrNotFound)
		}
		if target.Role == role {
			return txn.ErrNoChange
		}
		if targetID == actorID {
			return fmt.Errorf("host cannot demote itself: %w", models.ErrInvalidTransition)
		}
		if role == models.CallHost {
			if target.Status != models.CallJoined {
				return fmt.Errorf("host must be in the call: %w", models.ErrInvalidState)
			}
			host.Role = models.CallSpeaker
		}
		target.Role = role
		return nil
	})
}

// ReportQuality records a participant's connection quality on a 0..5 scale.
func (s *Service) ReportQuality(ctx context.Context, callID, userID string, quality int) (models.CallSession, error) {
	if quality < 0 || quality > MaxQuality {
		return models.CallSession{}, fmt.Errorf("quality %d: %w", quality, models.ErrInvalidContent)
	}
	return s.mutate(ctx, callID, userID, func(c *models.CallSession) error {
		p, err := authorize(c, userID, actQuality)
		if err != nil {
			return err
		}
		if p.Quality == quality {
			return txn.ErrNoChange
		}
		p.Quality = quality
		return nil
	})
}

// Leave takes userID out of the call. A 1:1 call ends; a group call passes
// the host role on and ends when the last participant leaves.
func (s *Service) Leave(ctx context.Context, callID, userID string) (models.CallSession, error) {
	return s.mutate(ctx, callID, userID, func(c *models.CallSession) error {
		p, err := authorize(c, userID, actView)
		if err != nil {
			return err
		}
		if c.Ended() || c.State == models.CallDeclined {
			return txn.ErrNoChange
		}

		if c.Kind != models.CallGroup {
			switch {
			case c.State != models.CallRinging:
				p.Status = models.CallLeft
				s.end(c, models.EndHangup)
			case userID == c.InitiatorID:
				p.Status = models.CallLeft
				s.end(c, models.EndCancelled)
			default:
				s.decline(c, p)
			}
			return nil
		}

		switch p.Status {
		case models.CallInvited:
			if c.State == models.CallRinging {
				s.decline(c, p)
				return nil
			}
			p.Status = models.CallLeft
			return nil
		case models.CallJoined:
		default:
			return txn.ErrNoChange
		}

		wasHost := p.Role == models.CallHost
		p.Status = models.CallLeft
		p.HandRaised = false
		p.ScreenSharing = false
		joined := c.Joined()
		if len(joined) == 0 {
			reason := models.EndAllLeft
			if c.State == models.CallRinging {
				reason = models.EndCancelled
			}
			s.end(c, reason)
			return nil
		}
		if wasHost {
			p.Role = models.CallAttendee
			next := joined[0]
			for _, candidate := range joined[1:] {
				if candidate.JoinedAt != nil && (next.JoinedAt == nil || candidate.JoinedAt.Before(*next.JoinedAt)) {
					next = candidate
				}
			}
			next.Role = models.CallHost
		}
		return nil
	})
}

// Terminate ends the call for everyone. Group calls need the host.
func (s *Service) Terminate(ctx context.Context, callID, actorID string) (models.CallSession, error) {
	return s.mutate(ctx, callID, actorID, func(c *models.CallSession) error {
		if _, err := authorize(c, actorID, actView); err != nil {
			return err
		}
		if c.Ended() {
			return txn.ErrNoChange
		}
		if _, err := authorize(c, actorID, actTerminate); err != nil {
			return err
		}
		s.end(c, models.EndTerminated)
		return nil
	})
}

// Get returns a session visible to userID.
func (s *Service) Get(ctx context.Context, callID, userID string) (models.CallSession, error) {
	var sess models.CallSession
	err := s.tx.Retry(ctx, func(ctx context.Context) error {
		var err error
		sess, err = s.calls.GetCall(ctx, callID)
		return err
	})
	if err != nil {
		return models.CallSession{}, err
	}
	if _, err := authorize(&sess, userID, actView); err != nil {
		return models.CallSession{}, err
	}
	return sess, nil
}

// Relay forwards one signalling hop between two participants of a live
// session.
func (s *Service) Relay(ctx context.Context, callID, fromID, toID string, kind SignalKind, data json.RawMessage) error {
	if !kind.Valid() {
		return fmt.Errorf("signal %q: %w", kind, models.ErrInvalidContent)
	}
	if fromID == toID {
		return fmt.Errorf("signal to self: %w", models.ErrInvalidContent)
	}
	sess, err := s.Get(ctx, callID, fromID)
	if err != nil {
		return err
	}
	if _, err := authorize(&sess, fromID, actRelay); err != nil {
		return err
	}
	to, ok := sess.Participant(toID)
	if !ok {
		return fmt.Errorf("signal target %s: %w", toID, models.ErrNotFound)
	}
	if to.Status == models.CallLeft || to.Status == models.CallRejected {
		return fmt.Errorf("signal target %s: %w", to.Status, models.ErrInvalidState)
	}

	s.events.Publish(models.Event{
		Kind:       models.EventCallSignal,
		ThreadID:   sess.ThreadID,
		ActorID:    fromID,
		Recipients: []string{toID},
		Payload:    Signal{Kind: kind, CallID: callID, FromID: fromID, Data: data},
	})
	return nil
}
