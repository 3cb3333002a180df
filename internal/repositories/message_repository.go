package repositories

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"coach-chat-service/internal/models"
)

const messageColumns = `id, conversation_id, author_id, text, COALESCE(client_token, '') AS client_token, created_at, read_at`

// MessageRepo is a sqlx-backed repository.
type MessageRepo struct {
	db sqlx.ExtContext
}

// NewMessageRepo constructs MessageRepo.
func NewMessageRepo(db sqlx.ExtContext) *MessageRepo {
	return &MessageRepo{db: db}
}

// Create appends a message to the conversation log.
func (r *MessageRepo) Create(ctx context.Context, msg models.Message) (models.Message, error) {
	var created models.Message
	err := sqlx.GetContext(ctx, r.db, &created, `INSERT INTO messages (conversation_id, author_id, text, client_token, created_at)
        VALUES ($1, $2, $3, NULLIF($4, ''), $5)
        RETURNING `+messageColumns,
		msg.ConversationID, msg.AuthorID, msg.Text, msg.ClientToken, msg.CreatedAt)
	if err != nil {
		return models.Message{}, err
	}
	created.Status = models.MessageSent
	return created, nil
}

// FindByClientToken looks up a message by the author's idempotency token.
func (r *MessageRepo) FindByClientToken(ctx context.Context, conversationID, authorID int64, token string) (models.Message, error) {
	var msg models.Message
	err := sqlx.GetContext(ctx, r.db, &msg, `SELECT `+messageColumns+` FROM messages
        WHERE conversation_id=$1 AND author_id=$2 AND client_token=$3`, conversationID, authorID, token)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Message{}, ErrMessageNotFound
	}
	if err != nil {
		return models.Message{}, err
	}
	msg.Status = models.MessageSent
	return msg, nil
}

// ListBefore returns messages older than before, newest first.
func (r *MessageRepo) ListBefore(ctx context.Context, conversationID int64, before *Position, limit int) ([]models.Message, error) {
	var (
		msgs []models.Message
		err  error
	)
	if before == nil {
		err = sqlx.SelectContext(ctx, r.db, &msgs, `SELECT `+messageColumns+` FROM messages
            WHERE conversation_id=$1
            ORDER BY created_at DESC, id DESC
            LIMIT $2`, conversationID, limit)
	} else {
		err = sqlx.SelectContext(ctx, r.db, &msgs, `SELECT `+messageColumns+` FROM messages
            WHERE conversation_id=$1 AND (created_at, id) < ($2, $3)
            ORDER BY created_at DESC, id DESC
            LIMIT $4`, conversationID, before.CreatedAt, before.ID, limit)
	}
	if err != nil {
		return nil, err
	}
	for i := range msgs {
		msgs[i].Status = models.MessageSent
	}
	return msgs, nil
}

// MarkRead stamps read_at on every unread message not authored by readerID.
func (r *MessageRepo) MarkRead(ctx context.Context, conversationID, readerID int64, now time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE messages SET read_at=$3
        WHERE conversation_id=$1 AND author_id<>$2 AND read_at IS NULL`, conversationID, readerID, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// CountUnread counts messages from the other participant the viewer has not read.
func (r *MessageRepo) CountUnread(ctx context.Context, conversationID, viewerID int64) (int, error) {
	var count int
	err := sqlx.GetContext(ctx, r.db, &count, `SELECT COUNT(*) FROM messages
        WHERE conversation_id=$1 AND author_id<>$2 AND read_at IS NULL`, conversationID, viewerID)
	return count, err
}
