package repositories

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"messaging-core/internal/models"
)

// MemoryStore keeps everything in process memory. It is the default driver
// and the one services are tested against.
type MemoryStore struct {
	mu       sync.RWMutex
	threads  map[string]models.Thread
	direct   map[string]string
	messages map[string]models.Message
	byThread map[string][]string
	byClient map[string]string
	calls    map[string]models.CallSession
	archived map[string]models.CallSession
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		threads:  make(map[string]models.Thread),
		direct:   make(map[string]string),
		messages: make(map[string]models.Message),
		byThread: make(map[string][]string),
		byClient: make(map[string]string),
		calls:    make(map[string]models.CallSession),
		archived: make(map[string]models.CallSession),
	}
}

func (s *MemoryStore) Close() error { return nil }

func clientKey(threadID, senderID, clientID string) string {
	return threadID + "|" + senderID + "|" + clientID
}

func (s *MemoryStore) CreateThread(_ context.Context, thread models.Thread) (models.Thread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.threads[thread.ID]; exists {
		return models.Thread{}, fmt.Errorf("thread %s: %w", thread.ID, models.ErrConflict)
	}
	key := directKeyOf(thread)
	if key != "" {
		if _, exists := s.direct[key]; exists {
			return models.Thread{}, fmt.Errorf("direct thread %s: %w", key, models.ErrConflict)
		}
		s.direct[key] = thread.ID
	}
	thread.Version = 1
	s.threads[thread.ID] = thread.Clone()
	return thread, nil
}

func (s *MemoryStore) GetThread(_ context.Context, threadID string) (models.Thread, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.threads[threadID]
	if !ok {
		return models.Thread{}, fmt.Errorf("thread %s: %w", threadID, models.ErrNotFound)
	}
	return t.Clone(), nil
}

func (s *MemoryStore) UpdateThread(_ context.Context, thread models.Thread) (models.Thread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.swapThreadLocked(thread)
}

func (s *MemoryStore) swapThreadLocked(thread models.Thread) (models.Thread, error) {
	current, ok := s.threads[thread.ID]
	if !ok {
		return models.Thread{}, fmt.Errorf("thread %s: %w", thread.ID, models.ErrNotFound)
	}
	if current.Version != thread.Version {
		return models.Thread{}, fmt.Errorf("thread %s at version %d, have %d: %w", thread.ID, current.Version, thread.Version, models.ErrConflict)
	}
	thread.Version++
	s.threads[thread.ID] = thread.Clone()
	return thread, nil
}

func (s *MemoryStore) FindDirect(_ context.Context, domain models.Domain, userA, userB string) (models.Thread, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.direct[DirectKey(domain, userA, userB)]
	if !ok {
		return models.Thread{}, fmt.Errorf("direct thread: %w", models.ErrNotFound)
	}
	return s.threads[id].Clone(), nil
}

func (s *MemoryStore) FindByInviteToken(_ context.Context, token string) (models.Thread, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if token != "" {
		for _, t := range s.threads {
			if inviteTokenOf(t) == token {
				return t.Clone(), nil
			}
		}
	}
	return models.Thread{}, fmt.Errorf("invite: %w", models.ErrNotFound)
}

func (s *MemoryStore) ListThreadsForUser(_ context.Context, userID string) ([]models.Thread, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.Thread
	for _, t := range s.threads {
		if t.HasParticipant(userID) {
			out = append(out, t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) AppendMessage(_ context.Context, msg models.Message, thread models.Thread) (models.Thread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.messages[msg.ID]; exists {
		return models.Thread{}, fmt.Errorf("message %s: %w", msg.ID, models.ErrConflict)
	}
	updated, err := s.swapThreadLocked(thread)
	if err != nil {
		return models.Thread{}, err
	}
	s.messages[msg.ID] = msg.Clone()
	s.byThread[msg.ThreadID] = append(s.byThread[msg.ThreadID], msg.ID)
	if msg.ClientID != "" {
		s.byClient[clientKey(msg.ThreadID, msg.SenderID, msg.ClientID)] = msg.ID
	}
	return updated, nil
}

func (s *MemoryStore) GetMessage(_ context.Context, messageID string) (models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.messages[messageID]
	if !ok {
		return models.Message{}, fmt.Errorf("message %s: %w", messageID, models.ErrNotFound)
	}
	return m.Clone(), nil
}

func (s *MemoryStore) GetMessageByClientID(_ context.Context, threadID, senderID, clientID string) (models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byClient[clientKey(threadID, senderID, clientID)]
	if !ok {
		return models.Message{}, fmt.Errorf("client message %s: %w", clientID, models.ErrNotFound)
	}
	return s.messages[id].Clone(), nil
}

func (s *MemoryStore) UpdateMessage(_ context.Context, msg models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.messages[msg.ID]; !ok {
		return fmt.Errorf("message %s: %w", msg.ID, models.ErrNotFound)
	}
	s.messages[msg.ID] = msg.Clone()
	return nil
}

// ids in byThread are appended in seq order because appends are serialized per thread.
func (s *MemoryStore) ListMessages(_ context.Context, threadID string, beforeSeq int64, limit int) ([]models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.byThread[threadID]
	var out []models.Message
	for i := len(ids) - 1; i >= 0; i-- {
		m := s.messages[ids[i]]
		if beforeSeq > 0 && m.Seq >= beforeSeq {
			continue
		}
		out = append(out, m.Clone())
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) RangeMessages(_ context.Context, threadID string, afterSeq, uptoSeq int64) ([]models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.Message
	for _, id := range s.byThread[threadID] {
		m := s.messages[id]
		if m.Seq > afterSeq && m.Seq <= uptoSeq {
			out = append(out, m.Clone())
		}
	}
	return out, nil
}

func (s *MemoryStore) SaveCall(_ context.Context, call models.CallSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[call.ID] = call.Clone()
	return nil
}

func (s *MemoryStore) GetCall(_ context.Context, callID string) (models.CallSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.calls[callID]
	if !ok {
		c, ok = s.archived[callID]
	}
	if !ok {
		return models.CallSession{}, fmt.Errorf("call %s: %w", callID, models.ErrNotFound)
	}
	return c.Clone(), nil
}

func (s *MemoryStore) ListOpenCalls(_ context.Context, threadID string) ([]models.CallSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.CallSession
	for _, c := range s.calls {
		if c.ThreadID == threadID && !c.Ended() {
			out = append(out, c.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) ArchiveEndedCalls(_ context.Context, endedBefore time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	archived := 0
	for id, c := range s.calls {
		if c.Ended() && c.EndedAt != nil && c.EndedAt.Before(endedBefore) {
			s.archived[id] = c
			delete(s.calls, id)
			archived++
		}
	}
	return archived, nil
}
