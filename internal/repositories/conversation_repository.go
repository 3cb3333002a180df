package repositories

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"coach-chat-service/internal/models"
)

const conversationColumns = `id, initiator_id, counterpart_id, status, quota_used, quota_limit, contract_valid_until,
        last_message_text, last_message_author_id, last_message_at, created_at, updated_at`

type conversationRow struct {
	ID                  int64          `db:"id"`
	InitiatorID         int64          `db:"initiator_id"`
	CounterpartID       int64          `db:"counterpart_id"`
	Status              string         `db:"status"`
	QuotaUsed           int            `db:"quota_used"`
	QuotaLimit          int            `db:"quota_limit"`
	ContractValidUntil  sql.NullTime   `db:"contract_valid_until"`
	LastMessageText     sql.NullString `db:"last_message_text"`
	LastMessageAuthorID sql.NullInt64  `db:"last_message_author_id"`
	LastMessageAt       sql.NullTime   `db:"last_message_at"`
	CreatedAt           time.Time      `db:"created_at"`
	UpdatedAt           time.Time      `db:"updated_at"`
}

func (r conversationRow) model() models.Conversation {
	conv := models.Conversation{
		ID:            r.ID,
		InitiatorID:   r.InitiatorID,
		CounterpartID: r.CounterpartID,
		Status:        models.ConversationStatus(r.Status),
		QuotaUsed:     r.QuotaUsed,
		QuotaLimit:    r.QuotaLimit,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}
	if r.ContractValidUntil.Valid {
		until := r.ContractValidUntil.Time.UTC()
		conv.ContractValidUntil = &until
	}
	if r.LastMessageAt.Valid {
		conv.LastMessage = &models.MessageSnapshot{
			Text:      r.LastMessageText.String,
			AuthorID:  r.LastMessageAuthorID.Int64,
			CreatedAt: r.LastMessageAt.Time,
		}
	}
	return conv
}

// ConversationRepo is a sqlx implementation of ConversationRepository.
// It runs against either the pool or an open transaction.
type ConversationRepo struct {
	db sqlx.ExtContext
}

// NewConversationRepo constructs a ConversationRepo.
func NewConversationRepo(db sqlx.ExtContext) *ConversationRepo {
	return &ConversationRepo{db: db}
}

// CreateOrGet returns the conversation for the pair, creating it when absent.
func (r *ConversationRepo) CreateOrGet(ctx context.Context, initiatorID, counterpartID int64, quotaLimit int, now time.Time) (models.Conversation, bool, error) {
	var row conversationRow
	err := sqlx.GetContext(ctx, r.db, &row, `INSERT INTO conversations (initiator_id, counterpart_id, status, quota_used, quota_limit, created_at, updated_at)
        VALUES ($1, $2, $3, 0, $4, $5, $5)
        ON CONFLICT (initiator_id, counterpart_id) DO NOTHING
        RETURNING `+conversationColumns, initiatorID, counterpartID, models.StatusOpen, quotaLimit, now)
	if err == nil {
		return row.model(), true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return models.Conversation{}, false, err
	}

	err = sqlx.GetContext(ctx, r.db, &row, `SELECT `+conversationColumns+` FROM conversations WHERE initiator_id=$1 AND counterpart_id=$2`, initiatorID, counterpartID)
	if err != nil {
		return models.Conversation{}, false, err
	}
	return row.model(), false, nil
}

// Get fetches a conversation by id.
func (r *ConversationRepo) Get(ctx context.Context, conversationID int64) (models.Conversation, error) {
	return r.get(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id=$1`, conversationID)
}

// GetForUpdate fetches a conversation and holds its row lock.
func (r *ConversationRepo) GetForUpdate(ctx context.Context, conversationID int64) (models.Conversation, error) {
	return r.get(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id=$1 FOR UPDATE`, conversationID)
}

func (r *ConversationRepo) get(ctx context.Context, query string, conversationID int64) (models.Conversation, error) {
	var row conversationRow
	err := sqlx.GetContext(ctx, r.db, &row, query, conversationID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Conversation{}, ErrConversationNotFound
	}
	if err != nil {
		return models.Conversation{}, err
	}
	return row.model(), nil
}

// Update persists the mutable fields of a conversation.
func (r *ConversationRepo) Update(ctx context.Context, conv models.Conversation) error {
	var (
		lastText   sql.NullString
		lastAuthor sql.NullInt64
		lastAt     sql.NullTime
	)
	if conv.LastMessage != nil {
		lastText = sql.NullString{String: conv.LastMessage.Text, Valid: true}
		lastAuthor = sql.NullInt64{Int64: conv.LastMessage.AuthorID, Valid: true}
		lastAt = sql.NullTime{Time: conv.LastMessage.CreatedAt, Valid: true}
	}
	res, err := r.db.ExecContext(ctx, `UPDATE conversations
        SET status=$2, quota_used=$3, quota_limit=$4, contract_valid_until=$5,
            last_message_text=$6, last_message_author_id=$7, last_message_at=$8, updated_at=$9
        WHERE id=$1`,
		conv.ID, conv.Status, conv.QuotaUsed, conv.QuotaLimit, conv.ContractValidUntil,
		lastText, lastAuthor, lastAt, conv.UpdatedAt)
	if err != nil {
		return err
	}
	count, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if count == 0 {
		return ErrConversationNotFound
	}
	return nil
}

// ListForParticipant returns the user's conversations, most recent activity first.
func (r *ConversationRepo) ListForParticipant(ctx context.Context, userID int64) ([]models.ConversationSummary, error) {
	query := `SELECT ` + conversationColumns + `, COALESCE(uc.unread_count, 0) AS unread_count
        FROM conversations c
        LEFT JOIN LATERAL (
            SELECT COUNT(*) AS unread_count
            FROM messages
            WHERE conversation_id = c.id AND author_id <> $1 AND read_at IS NULL
        ) uc ON TRUE
        WHERE c.initiator_id = $1 OR c.counterpart_id = $1
        ORDER BY COALESCE(c.last_message_at, c.updated_at) DESC, c.id DESC`

	rows, err := r.db.QueryxContext(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []models.ConversationSummary
	for rows.Next() {
		var row struct {
			conversationRow
			UnreadCount int `db:"unread_count"`
		}
		if err := rows.StructScan(&row); err != nil {
			return nil, err
		}
		conv := row.model()
		role, _ := conv.RoleOf(userID)
		result = append(result, models.ConversationSummary{Conversation: conv, Role: role, UnreadCount: row.UnreadCount})
	}
	return result, rows.Err()
}

// ListExpiredContracts returns ids of conversations still marked contracted
// whose contract ended at or before now.
func (r *ConversationRepo) ListExpiredContracts(ctx context.Context, now time.Time, limit int) ([]int64, error) {
	var ids []int64
	err := sqlx.SelectContext(ctx, r.db, &ids, `SELECT id FROM conversations
        WHERE status=$1 AND contract_valid_until <= $2
        ORDER BY contract_valid_until ASC LIMIT $3`, models.StatusContracted, now, limit)
	return ids, err
}
