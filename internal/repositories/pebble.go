package repositories

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"

	"messaging-core/internal/models"
)

// Key layout:
//
//	t:<thread>                      thread document
//	m:<thread>:<seq %020d>          message document, ordered by seq
//	mi:<message>                    -> message key
//	mc:<thread>:<sender>:<client>   -> message id
//	d:<direct key>                  -> thread id
//	i:<invite token>                -> thread id
//	u:<user>:<thread>               membership index
//	c:<call>                        call document
const (
	prefixThread  = "t:"
	prefixMessage = "m:"
	prefixMsgID   = "mi:"
	prefixClient  = "mc:"
	prefixDirect  = "d:"
	prefixInvite  = "i:"
	prefixMember  = "u:"
	prefixCall    = "c:"
	prefixArchive = "ac:"
)

// PebbleStore keeps threads as append-only per-thread message logs in an
// embedded Pebble database. Pebble has no multi-key transactions, so writes
// that check a version are serialized by mu and committed as one batch.
type PebbleStore struct {
	db *pebble.DB
	mu sync.Mutex
}

// OpenPebbleStore opens or creates the database at path.
func OpenPebbleStore(path string) (*PebbleStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open pebble: %w", err)
	}
	return &PebbleStore{db: db}, nil
}

func (s *PebbleStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func messageKey(threadID string, seq int64) string {
	return fmt.Sprintf("%s%s:%020d", prefixMessage, threadID, seq)
}

func memberKey(userID, threadID string) string {
	return prefixMember + userID + ":" + threadID
}

func (s *PebbleStore) get(key string) ([]byte, error) {
	v, closer, err := s.db.Get([]byte(key))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrTransient, err)
	}
	defer closer.Close()
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (s *PebbleStore) getJSON(key string, dst any) error {
	raw, err := s.get(key)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, dst)
}

// scan visits every key in [lower, upper) in order, or in reverse.
func (s *PebbleStore) scan(lower, upper string, reverse bool, fn func(key, value []byte) bool) error {
	it, err := s.db.NewIter(&pebble.IterOptions{LowerBound: []byte(lower), UpperBound: []byte(upper)})
	if err != nil {
		return fmt.Errorf("%w: %v", models.ErrTransient, err)
	}
	defer it.Close()

	if reverse {
		for ok := it.Last(); ok; ok = it.Prev() {
			if !fn(it.Key(), it.Value()) {
				break
			}
		}
	} else {
		for ok := it.First(); ok; ok = it.Next() {
			if !fn(it.Key(), it.Value()) {
				break
			}
		}
	}
	return it.Error()
}

func (s *PebbleStore) commit(b *pebble.Batch) error {
	if err := b.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("%w: %v", models.ErrTransient, err)
	}
	return nil
}

func (s *PebbleStore) CreateThread(_ context.Context, thread models.Thread) (models.Thread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.get(prefixThread + thread.ID); err == nil {
		return models.Thread{}, fmt.Errorf("thread %s: %w", thread.ID, models.ErrConflict)
	}
	b := s.db.NewBatch()
	defer b.Close()

	if key := directKeyOf(thread); key != "" {
		if _, err := s.get(prefixDirect + key); err == nil {
			return models.Thread{}, fmt.Errorf("direct thread %s: %w", key, models.ErrConflict)
		}
		_ = b.Set([]byte(prefixDirect+key), []byte(thread.ID), nil)
	}
	thread.Version = 1
	if err := s.stageThread(b, nil, thread); err != nil {
		return models.Thread{}, err
	}
	if err := s.commit(b); err != nil {
		return models.Thread{}, err
	}
	return thread, nil
}

// stageThread writes the thread and keeps the member and invite indexes in
// step with the previous version.
func (s *PebbleStore) stageThread(b *pebble.Batch, prev *models.Thread, thread models.Thread) error {
	raw, err := json.Marshal(thread)
	if err != nil {
		return err
	}
	_ = b.Set([]byte(prefixThread+thread.ID), raw, nil)

	if prev != nil {
		for _, p := range prev.Participants {
			if !thread.HasParticipant(p.UserID) {
				_ = b.Delete([]byte(memberKey(p.UserID, thread.ID)), nil)
			}
		}
		if old := inviteTokenOf(*prev); old != "" && old != inviteTokenOf(thread) {
			_ = b.Delete([]byte(prefixInvite+old), nil)
		}
	}
	for _, p := range thread.Participants {
		_ = b.Set([]byte(memberKey(p.UserID, thread.ID)), nil, nil)
	}
	if token := inviteTokenOf(thread); token != "" {
		_ = b.Set([]byte(prefixInvite+token), []byte(thread.ID), nil)
	}
	return nil
}

func (s *PebbleStore) GetThread(_ context.Context, threadID string) (models.Thread, error) {
	var t models.Thread
	if err := s.getJSON(prefixThread+threadID, &t); err != nil {
		return models.Thread{}, fmt.Errorf("thread %s: %w", threadID, err)
	}
	return t, nil
}

func (s *PebbleStore) UpdateThread(ctx context.Context, thread models.Thread) (models.Thread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.db.NewBatch()
	defer b.Close()
	updated, err := s.stageSwap(ctx, b, thread)
	if err != nil {
		return models.Thread{}, err
	}
	if err := s.commit(b); err != nil {
		return models.Thread{}, err
	}
	return updated, nil
}

func (s *PebbleStore) stageSwap(ctx context.Context, b *pebble.Batch, thread models.Thread) (models.Thread, error) {
	current, err := s.GetThread(ctx, thread.ID)
	if err != nil {
		return models.Thread{}, err
	}
	if current.Version != thread.Version {
		return models.Thread{}, fmt.Errorf("thread %s at version %d, have %d: %w", thread.ID, current.Version, thread.Version, models.ErrConflict)
	}
	thread.Version++
	if err := s.stageThread(b, &current, thread); err != nil {
		return models.Thread{}, err
	}
	return thread, nil
}

func (s *PebbleStore) threadByIndex(ctx context.Context, key string) (models.Thread, error) {
	id, err := s.get(key)
	if err != nil {
		return models.Thread{}, fmt.Errorf("thread index: %w", err)
	}
	return s.GetThread(ctx, string(id))
}

func (s *PebbleStore) FindDirect(ctx context.Context, domain models.Domain, userA, userB string) (models.Thread, error) {
	return s.threadByIndex(ctx, prefixDirect+DirectKey(domain, userA, userB))
}

func (s *PebbleStore) FindByInviteToken(ctx context.Context, token string) (models.Thread, error) {
	if token == "" {
		return models.Thread{}, fmt.Errorf("invite: %w", models.ErrNotFound)
	}
	return s.threadByIndex(ctx, prefixInvite+token)
}

func (s *PebbleStore) ListThreadsForUser(ctx context.Context, userID string) ([]models.Thread, error) {
	prefix := prefixMember + userID + ":"
	var ids []string
	err := s.scan(prefix, prefix+"\xff", false, func(key, _ []byte) bool {
		ids = append(ids, string(key[len(prefix):]))
		return true
	})
	if err != nil {
		return nil, err
	}
	out := make([]models.Thread, 0, len(ids))
	for _, id := range ids {
		t, err := s.GetThread(ctx, id)
		if errors.Is(err, models.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

func (s *PebbleStore) AppendMessage(ctx context.Context, msg models.Message, thread models.Thread) (models.Thread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.get(prefixMsgID + msg.ID); err == nil {
		return models.Thread{}, fmt.Errorf("message %s: %w", msg.ID, models.ErrConflict)
	}
	b := s.db.NewBatch()
	defer b.Close()

	updated, err := s.stageSwap(ctx, b, thread)
	if err != nil {
		return models.Thread{}, err
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		return models.Thread{}, err
	}
	key := messageKey(msg.ThreadID, msg.Seq)
	_ = b.Set([]byte(key), raw, nil)
	_ = b.Set([]byte(prefixMsgID+msg.ID), []byte(key), nil)
	if msg.ClientID != "" {
		_ = b.Set([]byte(prefixClient+clientKey(msg.ThreadID, msg.SenderID, msg.ClientID)), []byte(msg.ID), nil)
	}
	if err := s.commit(b); err != nil {
		return models.Thread{}, err
	}
	return updated, nil
}

func (s *PebbleStore) GetMessage(_ context.Context, messageID string) (models.Message, error) {
	key, err := s.get(prefixMsgID + messageID)
	if err != nil {
		return models.Message{}, fmt.Errorf("message %s: %w", messageID, err)
	}
	var msg models.Message
	if err := s.getJSON(string(key), &msg); err != nil {
		return models.Message{}, fmt.Errorf("message %s: %w", messageID, err)
	}
	return msg, nil
}

func (s *PebbleStore) GetMessageByClientID(ctx context.Context, threadID, senderID, clientID string) (models.Message, error) {
	id, err := s.get(prefixClient + clientKey(threadID, senderID, clientID))
	if err != nil {
		return models.Message{}, fmt.Errorf("client message %s: %w", clientID, err)
	}
	return s.GetMessage(ctx, string(id))
}

func (s *PebbleStore) UpdateMessage(_ context.Context, msg models.Message) error {
	key, err := s.get(prefixMsgID + msg.ID)
	if err != nil {
		return fmt.Errorf("message %s: %w", msg.ID, err)
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if err := s.db.Set(key, raw, pebble.Sync); err != nil {
		return fmt.Errorf("%w: %v", models.ErrTransient, err)
	}
	return nil
}

func (s *PebbleStore) collectMessages(lower, upper string, reverse bool, limit int) ([]models.Message, error) {
	var out []models.Message
	var decodeErr error
	err := s.scan(lower, upper, reverse, func(_, value []byte) bool {
		var msg models.Message
		if decodeErr = json.Unmarshal(value, &msg); decodeErr != nil {
			return false
		}
		out = append(out, msg)
		return limit <= 0 || len(out) < limit
	})
	if err != nil {
		return nil, err
	}
	return out, decodeErr
}

func (s *PebbleStore) ListMessages(_ context.Context, threadID string, beforeSeq int64, limit int) ([]models.Message, error) {
	upper := prefixMessage + threadID + ";"
	if beforeSeq > 0 {
		upper = messageKey(threadID, beforeSeq)
	}
	return s.collectMessages(messageKey(threadID, 0), upper, true, limit)
}

func (s *PebbleStore) RangeMessages(_ context.Context, threadID string, afterSeq, uptoSeq int64) ([]models.Message, error) {
	if uptoSeq <= afterSeq {
		return nil, nil
	}
	return s.collectMessages(messageKey(threadID, afterSeq+1), messageKey(threadID, uptoSeq+1), false, 0)
}

func (s *PebbleStore) SaveCall(_ context.Context, call models.CallSession) error {
	raw, err := json.Marshal(call)
	if err != nil {
		return err
	}
	if err := s.db.Set([]byte(prefixCall+call.ID), raw, pebble.Sync); err != nil {
		return fmt.Errorf("%w: %v", models.ErrTransient, err)
	}
	return nil
}

func (s *PebbleStore) GetCall(_ context.Context, callID string) (models.CallSession, error) {
	var call models.CallSession
	err := s.getJSON(prefixCall+callID, &call)
	if errors.Is(err, models.ErrNotFound) {
		err = s.getJSON(prefixArchive+callID, &call)
	}
	if err != nil {
		return models.CallSession{}, fmt.Errorf("call %s: %w", callID, err)
	}
	return call, nil
}

func (s *PebbleStore) allCalls() ([]models.CallSession, error) {
	var out []models.CallSession
	var decodeErr error
	err := s.scan(prefixCall, prefixCall+"\xff", false, func(_, value []byte) bool {
		var call models.CallSession
		if decodeErr = json.Unmarshal(value, &call); decodeErr != nil {
			return false
		}
		out = append(out, call)
		return true
	})
	if err != nil {
		return nil, err
	}
	return out, decodeErr
}

func (s *PebbleStore) ListOpenCalls(_ context.Context, threadID string) ([]models.CallSession, error) {
	calls, err := s.allCalls()
	if err != nil {
		return nil, err
	}
	var out []models.CallSession
	for _, c := range calls {
		if c.ThreadID == threadID && !c.Ended() {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// ArchiveEndedCalls rewrites old ended sessions under the archive prefix in
// one batch, so a crash never leaves a session in both places.
func (s *PebbleStore) ArchiveEndedCalls(_ context.Context, endedBefore time.Time) (int, error) {
	calls, err := s.allCalls()
	if err != nil {
		return 0, err
	}
	b := s.db.NewBatch()
	defer b.Close()
	archived := 0
	for _, c := range calls {
		if !c.Ended() || c.EndedAt == nil || !c.EndedAt.Before(endedBefore) {
			continue
		}
		raw, err := json.Marshal(c)
		if err != nil {
			return 0, err
		}
		_ = b.Set([]byte(prefixArchive+c.ID), raw, nil)
		_ = b.Delete([]byte(prefixCall+c.ID), nil)
		archived++
	}
	if archived == 0 {
		return 0, nil
	}
	return archived, s.commit(b)
}
