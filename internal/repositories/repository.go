package repositories

import (
	"context"
	"sort"
	"strings"
	"time"

	"messaging-core/internal/models"
)

// ThreadRepository persists threads. UpdateThread is a compare-and-swap on
// Thread.Version: the caller passes the thread as read, the store rejects it
// with models.ErrConflict when someone else wrote first and otherwise stores
// it with the version bumped.
type ThreadRepository interface {
	CreateThread(ctx context.Context, thread models.Thread) (models.Thread, error)
	GetThread(ctx context.Context, threadID string) (models.Thread, error)
	UpdateThread(ctx context.Context, thread models.Thread) (models.Thread, error)
	FindDirect(ctx context.Context, domain models.Domain, userA, userB string) (models.Thread, error)
	FindByInviteToken(ctx context.Context, token string) (models.Thread, error)
	ListThreadsForUser(ctx context.Context, userID string) ([]models.Thread, error)
}

// MessageRepository persists messages. AppendMessage writes the message and
// the thread (compare-and-swap, as UpdateThread) in one atomic step.
type MessageRepository interface {
	AppendMessage(ctx context.Context, msg models.Message, thread models.Thread) (models.Thread, error)
	GetMessage(ctx context.Context, messageID string) (models.Message, error)
	GetMessageByClientID(ctx context.Context, threadID, senderID, clientID string) (models.Message, error)
	UpdateMessage(ctx context.Context, msg models.Message) error
	// ListMessages returns up to limit messages with seq < beforeSeq, newest
	// first. beforeSeq <= 0 starts from the newest message.
	ListMessages(ctx context.Context, threadID string, beforeSeq int64, limit int) ([]models.Message, error)
	// RangeMessages returns messages with afterSeq < seq <= uptoSeq in order.
	RangeMessages(ctx context.Context, threadID string, afterSeq, uptoSeq int64) ([]models.Message, error)
}

// CallRepository persists call sessions.
type CallRepository interface {
	SaveCall(ctx context.Context, call models.CallSession) error
	GetCall(ctx context.Context, callID string) (models.CallSession, error)
	ListOpenCalls(ctx context.Context, threadID string) ([]models.CallSession, error)
	// ArchiveEndedCalls moves sessions ended before the cutoff out of the
	// live set. Archived sessions stay readable through GetCall.
	ArchiveEndedCalls(ctx context.Context, endedBefore time.Time) (int, error)
}

// Store bundles the three repositories behind one driver.
type Store interface {
	ThreadRepository
	MessageRepository
	CallRepository
	Close() error
}

// DirectKey identifies the direct thread of a pair inside a domain regardless of argument order.
func DirectKey(domain models.Domain, userA, userB string) string {
	pair := []string{userA, userB}
	sort.Strings(pair)
	return string(domain) + "|" + strings.Join(pair, "|")
}

func directKeyOf(t models.Thread) string {
	if t.IsGroup || len(t.Participants) != 2 {
		return ""
	}
	return DirectKey(t.Domain, t.Participants[0].UserID, t.Participants[1].UserID)
}

func inviteTokenOf(t models.Thread) string {
	if t.Group == nil {
		return ""
	}
	return t.Group.Settings.InviteToken
}
