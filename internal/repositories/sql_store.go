package repositories

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// SQLStore is the Postgres-backed Store.
type SQLStore struct {
	db            *sqlx.DB
	conversations *ConversationRepo
	messages      *MessageRepo
}

// NewSQLStore constructs a SQLStore over the connection pool.
func NewSQLStore(db *sqlx.DB) *SQLStore {
	return &SQLStore{
		db:            db,
		conversations: NewConversationRepo(db),
		messages:      NewMessageRepo(db),
	}
}

func (s *SQLStore) Conversations() ConversationRepository { return s.conversations }

func (s *SQLStore) Messages() MessageRepository { return s.messages }

// InTx runs fn in a read-committed transaction. Row locks taken with
// GetForUpdate are released on commit or rollback.
func (s *SQLStore) InTx(ctx context.Context, fn func(tx Store) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if err := fn(&sqlTxStore{
		conversations: NewConversationRepo(tx),
		messages:      NewMessageRepo(tx),
	}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

type sqlTxStore struct {
	conversations *ConversationRepo
	messages      *MessageRepo
}

func (s *sqlTxStore) Conversations() ConversationRepository { return s.conversations }

func (s *sqlTxStore) Messages() MessageRepository { return s.messages }

// InTx joins the transaction that is already open.
func (s *sqlTxStore) InTx(_ context.Context, fn func(tx Store) error) error {
	return fn(s)
}
