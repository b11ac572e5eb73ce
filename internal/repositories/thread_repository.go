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

const threadColumns = `id, domain, is_group, participants, group_info, last_message, last_seq, archived, version, created_at, last_activity_at`

type threadRow struct {
	ID             string         `db:"id"`
	Domain         string         `db:"domain"`
	IsGroup        bool           `db:"is_group"`
	Participants   types.JSONText `db:"participants"`
	GroupInfo      types.JSONText `db:"group_info"`
	LastMessage    types.JSONText `db:"last_message"`
	LastSeq        int64          `db:"last_seq"`
	Archived       bool           `db:"archived"`
	Version        int64          `db:"version"`
	CreatedAt      time.Time      `db:"created_at"`
	LastActivityAt time.Time      `db:"last_activity_at"`
}

func (r threadRow) toModel() (models.Thread, error) {
	t := models.Thread{
		ID:             r.ID,
		Domain:         models.Domain(r.Domain),
		IsGroup:        r.IsGroup,
		LastSeq:        r.LastSeq,
		Archived:       r.Archived,
		Version:        r.Version,
		CreatedAt:      r.CreatedAt,
		LastActivityAt: r.LastActivityAt,
	}
	if err := r.Participants.Unmarshal(&t.Participants); err != nil {
		return models.Thread{}, fmt.Errorf("decode participants: %w", err)
	}
	if len(r.GroupInfo) > 0 {
		if err := r.GroupInfo.Unmarshal(&t.Group); err != nil {
			return models.Thread{}, fmt.Errorf("decode group info: %w", err)
		}
	}
	if len(r.LastMessage) > 0 {
		if err := r.LastMessage.Unmarshal(&t.LastMessage); err != nil {
			return models.Thread{}, fmt.Errorf("decode last message: %w", err)
		}
	}
	return t, nil
}

type threadArgs struct {
	participants string
	group        string
	lastMessage  string
	directKey    sql.NullString
	inviteToken  sql.NullString
}

func encodeThread(t models.Thread) (threadArgs, error) {
	var a threadArgs
	participants, err := json.Marshal(t.Participants)
	if err != nil {
		return a, err
	}
	group, err := json.Marshal(t.Group)
	if err != nil {
		return a, err
	}
	lastMessage, err := json.Marshal(t.LastMessage)
	if err != nil {
		return a, err
	}
	a.participants, a.group, a.lastMessage = string(participants), string(group), string(lastMessage)
	if key := directKeyOf(t); key != "" {
		a.directKey = sql.NullString{String: key, Valid: true}
	}
	if token := inviteTokenOf(t); token != "" {
		a.inviteToken = sql.NullString{String: token, Valid: true}
	}
	return a, nil
}

// ThreadRepo is a sqlx implementation of ThreadRepository.
type ThreadRepo struct {
	db *sqlx.DB
}

// NewThreadRepo constructs a ThreadRepo.
func NewThreadRepo(db *sqlx.DB) *ThreadRepo {
	return &ThreadRepo{db: db}
}

// CreateThread inserts a new thread at version 1.
func (r *ThreadRepo) CreateThread(ctx context.Context, thread models.Thread) (models.Thread, error) {
	args, err := encodeThread(thread)
	if err != nil {
		return models.Thread{}, err
	}
	thread.Version = 1
	_, err = r.db.ExecContext(ctx, `INSERT INTO threads (id, domain, is_group, direct_key, invite_token, participants, group_info, last_message, last_seq, archived, version, created_at, last_activity_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 1, $11, $12)`,
		thread.ID, thread.Domain, thread.IsGroup, args.directKey, args.inviteToken, args.participants, args.group, args.lastMessage,
		thread.LastSeq, thread.Archived, thread.CreatedAt, thread.LastActivityAt)
	if err != nil {
		return models.Thread{}, classify(err)
	}
	return thread, nil
}

// GetThread fetches a thread by id.
func (r *ThreadRepo) GetThread(ctx context.Context, threadID string) (models.Thread, error) {
	return r.getOne(ctx, `SELECT `+threadColumns+` FROM threads WHERE id=$1`, threadID)
}

func (r *ThreadRepo) getOne(ctx context.Context, query string, arg any) (models.Thread, error) {
	var row threadRow
	err := r.db.GetContext(ctx, &row, query, arg)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Thread{}, fmt.Errorf("thread: %w", models.ErrNotFound)
	}
	if err != nil {
		return models.Thread{}, classify(err)
	}
	return row.toModel()
}

// UpdateThread writes the thread if its version is unchanged since it was read.
func (r *ThreadRepo) UpdateThread(ctx context.Context, thread models.Thread) (models.Thread, error) {
	return swapThread(ctx, r.db, thread)
}

func swapThread(ctx context.Context, exec sqlx.ExtContext, thread models.Thread) (models.Thread, error) {
	args, err := encodeThread(thread)
	if err != nil {
		return models.Thread{}, err
	}
	res, err := exec.ExecContext(ctx, `UPDATE threads SET invite_token=$3, participants=$4, group_info=$5, last_message=$6,
        last_seq=$7, archived=$8, last_activity_at=$9, version = version + 1
        WHERE id=$1 AND version=$2`,
		thread.ID, thread.Version, args.inviteToken, args.participants, args.group, args.lastMessage,
		thread.LastSeq, thread.Archived, thread.LastActivityAt)
	if err != nil {
		return models.Thread{}, classify(err)
	}
	count, err := res.RowsAffected()
	if err != nil {
		return models.Thread{}, classify(err)
	}
	if count == 0 {
		var exists bool
		if err := sqlx.GetContext(ctx, exec, &exists, `SELECT EXISTS(SELECT 1 FROM threads WHERE id=$1)`, thread.ID); err != nil {
			return models.Thread{}, classify(err)
		}
		if !exists {
			return models.Thread{}, fmt.Errorf("thread %s: %w", thread.ID, models.ErrNotFound)
		}
		return models.Thread{}, fmt.Errorf("thread %s: %w", thread.ID, models.ErrConflict)
	}
	thread.Version++
	return thread, nil
}

// FindDirect returns the direct thread for the pair in domain.
func (r *ThreadRepo) FindDirect(ctx context.Context, domain models.Domain, userA, userB string) (models.Thread, error) {
	return r.getOne(ctx, `SELECT `+threadColumns+` FROM threads WHERE direct_key=$1`, DirectKey(domain, userA, userB))
}

// FindByInviteToken resolves an active invite token.
func (r *ThreadRepo) FindByInviteToken(ctx context.Context, token string) (models.Thread, error) {
	return r.getOne(ctx, `SELECT `+threadColumns+` FROM threads WHERE invite_token=$1`, token)
}

// ListThreadsForUser returns every thread the user participates in.
func (r *ThreadRepo) ListThreadsForUser(ctx context.Context, userID string) ([]models.Thread, error) {
	filter, err := json.Marshal([]map[string]string{{"user_id": userID}})
	if err != nil {
		return nil, err
	}
	rows, err := r.db.QueryxContext(ctx, `SELECT `+threadColumns+` FROM threads WHERE participants @> $1::jsonb ORDER BY id`, string(filter))
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var result []models.Thread
	for rows.Next() {
		var row threadRow
		if err := rows.StructScan(&row); err != nil {
			return nil, err
		}
		t, err := row.toModel()
		if err != nil {
			return nil, err
		}
		result = append(result, t)
	}
	return result, classify(rows.Err())
}
