package db

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

// Connect opens the Postgres pool and runs migrations.
func Connect(ctx context.Context, log *slog.Logger, dsn string) (*sqlx.DB, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect db: %w", err)
	}

	if err := runMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	log.Info("database migrations applied", "count", len(migrations))
	return db, nil
}

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS conversations (
            id BIGSERIAL PRIMARY KEY,
            initiator_id BIGINT NOT NULL,
            counterpart_id BIGINT NOT NULL,
            status TEXT NOT NULL DEFAULT 'open' CHECK (status IN ('open', 'contracted', 'blocked')),
            quota_used INT NOT NULL DEFAULT 0 CHECK (quota_used >= 0),
            quota_limit INT NOT NULL CHECK (quota_limit > 0),
            contract_valid_until TIMESTAMPTZ,
            last_message_text TEXT,
            last_message_author_id BIGINT,
            last_message_at TIMESTAMPTZ,
            created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
            updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
            UNIQUE (initiator_id, counterpart_id),
            CHECK (initiator_id <> counterpart_id)
        );`,
	`CREATE INDEX IF NOT EXISTS conversations_initiator_idx ON conversations (initiator_id);`,
	`CREATE INDEX IF NOT EXISTS conversations_counterpart_idx ON conversations (counterpart_id);`,
	`CREATE INDEX IF NOT EXISTS conversations_contract_idx ON conversations (contract_valid_until)
            WHERE contract_valid_until IS NOT NULL;`,
	`CREATE TABLE IF NOT EXISTS messages (
            id BIGSERIAL PRIMARY KEY,
            conversation_id BIGINT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
            author_id BIGINT NOT NULL,
            text TEXT NOT NULL,
            client_token TEXT,
            created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
            read_at TIMESTAMPTZ,
            UNIQUE (conversation_id, author_id, client_token)
        );`,
	`CREATE INDEX IF NOT EXISTS messages_log_idx ON messages (conversation_id, created_at DESC, id DESC);`,
	`CREATE INDEX IF NOT EXISTS messages_unread_idx ON messages (conversation_id, author_id)
            WHERE read_at IS NULL;`,
}

func runMigrations(ctx context.Context, db *sqlx.DB) error {
	for _, m := range migrations {
		if _, err := db.ExecContext(ctx, m); err != nil {
			return err
		}
	}
	return nil
}
