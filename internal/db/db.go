package db

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
)

// Connect opens the Postgres pool and applies the schema.
func Connect(ctx context.Context, dsn string, log zerolog.Logger) (*sqlx.DB, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect db: %w", err)
	}

	if err := runMigrations(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	log.Info().Int("statements", len(migrations)).Msg("database migrations applied")
	return db, nil
}

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS threads (
        id TEXT PRIMARY KEY,
        domain TEXT NOT NULL,
        is_group BOOLEAN NOT NULL DEFAULT FALSE,
        direct_key TEXT UNIQUE,
        invite_token TEXT,
        participants JSONB NOT NULL DEFAULT '[]',
        group_info JSONB,
        last_message JSONB,
        last_seq BIGINT NOT NULL DEFAULT 0,
        archived BOOLEAN NOT NULL DEFAULT FALSE,
        version BIGINT NOT NULL DEFAULT 1,
        created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
        last_activity_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
    );`,
	`CREATE INDEX IF NOT EXISTS threads_participants_idx ON threads USING GIN (participants jsonb_path_ops);`,
	`CREATE UNIQUE INDEX IF NOT EXISTS threads_invite_token_idx ON threads (invite_token) WHERE invite_token IS NOT NULL;`,
	`CREATE TABLE IF NOT EXISTS messages (
        id TEXT PRIMARY KEY,
        thread_id TEXT NOT NULL REFERENCES threads(id) ON DELETE CASCADE,
        seq BIGINT NOT NULL,
        sender_id TEXT NOT NULL,
        client_id TEXT,
        doc JSONB NOT NULL,
        created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
        UNIQUE(thread_id, seq)
    );`,
	`CREATE UNIQUE INDEX IF NOT EXISTS messages_client_idx ON messages (thread_id, sender_id, client_id) WHERE client_id IS NOT NULL;`,
	`CREATE TABLE IF NOT EXISTS call_sessions (
        id TEXT PRIMARY KEY,
        thread_id TEXT NOT NULL,
        state TEXT NOT NULL,
        doc JSONB NOT NULL,
        created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
        ended_at TIMESTAMPTZ
    );`,
	`CREATE INDEX IF NOT EXISTS call_sessions_thread_idx ON call_sessions (thread_id) WHERE state <> 'ended';`,
	`CREATE TABLE IF NOT EXISTS archived_call_sessions (
        id TEXT PRIMARY KEY,
        thread_id TEXT NOT NULL,
        doc JSONB NOT NULL,
        created_at TIMESTAMPTZ NOT NULL,
        ended_at TIMESTAMPTZ,
        archived_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
    );`,
}

func runMigrations(ctx context.Context, db *sqlx.DB) error {
	for _, m := range migrations {
		if _, err := db.ExecContext(ctx, m); err != nil {
			return err
		}
	}
	return nil
}
