package repositories

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/jmoiron/sqlx/types"

	"messaging-core/internal/models"
)

// MessageRepo is a sqlx implementation of MessageRepository. The full message
// is kept as a JSONB document next to the columns used for lookups.
type MessageRepo struct {
	db *sqlx.DB
}

// NewMessageRepo constructs a MessageRepo.
func NewMessageRepo(db *sqlx.DB) *MessageRepo {
	return &MessageRepo{db: db}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// AppendMessage inserts the message and swaps the thread in one transaction.
func (r *MessageRepo) AppendMessage(ctx context.Context, msg models.Message, thread models.Thread) (models.Thread, error) {
	doc, err := json.Marshal(msg)
	if err != nil {
		return models.Thread{}, err
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return models.Thread{}, classify(err)
	}
	defer rollback(tx)

	updated, err := swapThread(ctx, tx, thread)
	if err != nil {
		return models.Thread{}, err
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO messages (id, thread_id, seq, sender_id, client_id, doc, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		msg.ID, msg.ThreadID, msg.Seq, msg.SenderID, nullString(msg.ClientID), string(doc), msg.CreatedAt); err != nil {
		return models.Thread{}, classify(err)
	}
	if err := tx.Commit(); err != nil {
		return models.Thread{}, classify(err)
	}
	return updated, nil
}

func (r *MessageRepo) getOne(ctx context.Context, query string, args ...any) (models.Message, error) {
	var doc types.JSONText
	err := r.db.GetContext(ctx, &doc, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Message{}, fmt.Errorf("message: %w", models.ErrNotFound)
	}
	if err != nil {
		return models.Message{}, classify(err)
	}
	var msg models.Message
	if err := doc.Unmarshal(&msg); err != nil {
		return models.Message{}, fmt.Errorf("decode message: %w", err)
	}
	return msg, nil
}

// GetMessage fetches a single message.
func (r *MessageRepo) GetMessage(ctx context.Context, messageID string) (models.Message, error) {
	return r.getOne(ctx, `SELECT doc FROM messages WHERE id=$1`, messageID)
}

// GetMessageByClientID finds a message by the id the sending client chose.
func (r *MessageRepo) GetMessageByClientID(ctx context.Context, threadID, senderID, clientID string) (models.Message, error) {
	return r.getOne(ctx, `SELECT doc FROM messages WHERE thread_id=$1 AND sender_id=$2 AND client_id=$3`, threadID, senderID, clientID)
}

// UpdateMessage overwrites the stored document.
func (r *MessageRepo) UpdateMessage(ctx context.Context, msg models.Message) error {
	doc, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	res, err := r.db.ExecContext(ctx, `UPDATE messages SET doc=$2 WHERE id=$1`, msg.ID, string(doc))
	if err != nil {
		return classify(err)
	}
	count, err := res.RowsAffected()
	if err != nil {
		return classify(err)
	}
	if count == 0 {
		return fmt.Errorf("message %s: %w", msg.ID, models.ErrNotFound)
	}
	return nil
}

// ListMessages pages backwards from beforeSeq.
func (r *MessageRepo) ListMessages(ctx context.Context, threadID string, beforeSeq int64, limit int) ([]models.Message, error) {
	if beforeSeq <= 0 {
		beforeSeq = 1<<63 - 1
	}
	if limit <= 0 {
		limit = 1000
	}
	return r.selectDocs(ctx, `SELECT doc FROM messages WHERE thread_id=$1 AND seq < $2 ORDER BY seq DESC LIMIT $3`, threadID, beforeSeq, limit)
}

// RangeMessages returns messages with afterSeq < seq <= uptoSeq ascending.
func (r *MessageRepo) RangeMessages(ctx context.Context, threadID string, afterSeq, uptoSeq int64) ([]models.Message, error) {
	return r.selectDocs(ctx, `SELECT doc FROM messages WHERE thread_id=$1 AND seq > $2 AND seq <= $3 ORDER BY seq ASC`, threadID, afterSeq, uptoSeq)
}

func (r *MessageRepo) selectDocs(ctx context.Context, query string, args ...any) ([]models.Message, error) {
	var docs []types.JSONText
	if err := r.db.SelectContext(ctx, &docs, query, args...); err != nil {
		return nil, classify(err)
	}
	msgs := make([]models.Message, 0, len(docs))
	for _, doc := range docs {
		var msg models.Message
		if err := doc.Unmarshal(&msg); err != nil {
			return nil, fmt.Errorf("decode message: %w", err)
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}
