package repositories

import (
	"context"
	"errors"
	"time"

	"coach-chat-service/internal/models"
)

var (
	ErrConversationNotFound = errors.New("conversation not found")
	ErrMessageNotFound      = errors.New("message not found")
)

// ConversationRepository abstracts conversation persistence.
type ConversationRepository interface {
	CreateOrGet(ctx context.Context, initiatorID, counterpartID int64, quotaLimit int, now time.Time) (models.Conversation, bool, error)
	Get(ctx context.Context, conversationID int64) (models.Conversation, error)
	// GetForUpdate loads the conversation and locks it until the surrounding
	// transaction ends.
	GetForUpdate(ctx context.Context, conversationID int64) (models.Conversation, error)
	Update(ctx context.Context, conv models.Conversation) error
	ListForParticipant(ctx context.Context, userID int64) ([]models.ConversationSummary, error)
	ListExpiredContracts(ctx context.Context, now time.Time, limit int) ([]int64, error)
}

// MessageRepository defines interactions for conversation messages.
type MessageRepository interface {
	Create(ctx context.Context, msg models.Message) (models.Message, error)
	FindByClientToken(ctx context.Context, conversationID, authorID int64, token string) (models.Message, error)
	// ListBefore returns up to limit messages strictly older than before,
	// newest first. A nil position starts from the newest message.
	ListBefore(ctx context.Context, conversationID int64, before *Position, limit int) ([]models.Message, error)
	MarkRead(ctx context.Context, conversationID, readerID int64, now time.Time) (int64, error)
	CountUnread(ctx context.Context, conversationID, viewerID int64) (int, error)
}

// Store bundles the repositories. Repositories handed to the InTx callback
// share one transaction, which commits when fn returns nil.
type Store interface {
	Conversations() ConversationRepository
	Messages() MessageRepository
	InTx(ctx context.Context, fn func(tx Store) error) error
}
