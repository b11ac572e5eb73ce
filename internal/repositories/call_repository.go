package repositories

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/jmoiron/sqlx/types"

	"messaging-core/internal/models"
)

// CallRepo is a sqlx implementation of CallRepository.
type CallRepo struct {
	db *sqlx.DB
}

// NewCallRepo constructs a CallRepo.
func NewCallRepo(db *sqlx.DB) *CallRepo {
	return &CallRepo{db: db}
}

// SaveCall upserts the session document.
func (r *CallRepo) SaveCall(ctx context.Context, call models.CallSession) error {
	doc, err := json.Marshal(call)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `INSERT INTO call_sessions (id, thread_id, state, doc, created_at, ended_at) VALUES ($1, $2, $3, $4, $5, $6)
        ON CONFLICT (id) DO UPDATE SET state = EXCLUDED.state, doc = EXCLUDED.doc, ended_at = EXCLUDED.ended_at`,
		call.ID, call.ThreadID, call.State, string(doc), call.CreatedAt, call.EndedAt)
	return classify(err)
}

// GetCall fetches a session by id, live or archived.
func (r *CallRepo) GetCall(ctx context.Context, callID string) (models.CallSession, error) {
	var doc types.JSONText
	err := r.db.GetContext(ctx, &doc, `SELECT doc FROM call_sessions WHERE id=$1
        UNION ALL SELECT doc FROM archived_call_sessions WHERE id=$1 LIMIT 1`, callID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.CallSession{}, fmt.Errorf("call %s: %w", callID, models.ErrNotFound)
	}
	if err != nil {
		return models.CallSession{}, classify(err)
	}
	var call models.CallSession
	if err := doc.Unmarshal(&call); err != nil {
		return models.CallSession{}, fmt.Errorf("decode call: %w", err)
	}
	return call, nil
}

// ListOpenCalls returns the non-ended sessions of a thread, oldest first.
func (r *CallRepo) ListOpenCalls(ctx context.Context, threadID string) ([]models.CallSession, error) {
	var docs []types.JSONText
	if err := r.db.SelectContext(ctx, &docs, `SELECT doc FROM call_sessions WHERE thread_id=$1 AND state <> 'ended' ORDER BY created_at`, threadID); err != nil {
		return nil, classify(err)
	}
	calls := make([]models.CallSession, 0, len(docs))
	for _, doc := range docs {
		var call models.CallSession
		if err := doc.Unmarshal(&call); err != nil {
			return nil, fmt.Errorf("decode call: %w", err)
		}
		calls = append(calls, call)
	}
	return calls, nil
}

// ArchiveEndedCalls moves sessions that ended before the cutoff out of the
// live table in one statement.
func (r *CallRepo) ArchiveEndedCalls(ctx context.Context, endedBefore time.Time) (int, error) {
	res, err := r.db.ExecContext(ctx, `WITH moved AS (
            DELETE FROM call_sessions WHERE state = 'ended' AND ended_at < $1
            RETURNING id, thread_id, doc, created_at, ended_at
        )
        INSERT INTO archived_call_sessions (id, thread_id, doc, created_at, ended_at)
        SELECT id, thread_id, doc, created_at, ended_at FROM moved
        ON CONFLICT (id) DO NOTHING`, endedBefore)
	if err != nil {
		return 0, classify(err)
	}
	count, err := res.RowsAffected()
	return int(count), classify(err)
}

