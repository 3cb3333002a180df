package repositories

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coach-chat-service/internal/models"
)

var (
	conversationCols = []string{"id", "initiator_id", "counterpart_id", "status", "quota_used", "quota_limit",
		"contract_valid_until", "last_message_text", "last_message_author_id", "last_message_at", "created_at", "updated_at"}
	messageCols = []string{"id", "conversation_id", "author_id", "text", "client_token", "created_at", "read_at"}
)

func newMockDB(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return sqlx.NewDb(db, "postgres"), mock
}

func TestCreateOrGetFallsBackToExistingRowOnConflict(t *testing.T) {
	db, mock := newMockDB(t)
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta("ON CONFLICT (initiator_id, counterpart_id) DO NOTHING")).
		WithArgs(int64(1), int64(2), models.StatusOpen, 3, now).
		WillReturnRows(sqlmock.NewRows(conversationCols))
	mock.ExpectQuery(regexp.QuoteMeta("FROM conversations WHERE initiator_id=$1 AND counterpart_id=$2")).
		WithArgs(int64(1), int64(2)).
		WillReturnRows(sqlmock.NewRows(conversationCols).
			AddRow(7, 1, 2, "blocked", 3, 3, nil, "hi", 1, now, now, now))

	conv, created, err := NewConversationRepo(db).CreateOrGet(context.Background(), 1, 2, 3, now)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, int64(7), conv.ID)
	assert.Equal(t, models.StatusBlocked, conv.Status)
	require.NotNil(t, conv.LastMessage)
	assert.Equal(t, "hi", conv.LastMessage.Text)
	assert.Nil(t, conv.ContractValidUntil)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateOrGetReturnsInsertedRow(t *testing.T) {
	db, mock := newMockDB(t)
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO conversations")).
		WithArgs(int64(1), int64(2), models.StatusOpen, 3, now).
		WillReturnRows(sqlmock.NewRows(conversationCols).
			AddRow(8, 1, 2, "open", 0, 3, nil, nil, nil, nil, now, now))

	conv, created, err := NewConversationRepo(db).CreateOrGet(context.Background(), 1, 2, 3, now)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, int64(8), conv.ID)
	assert.Nil(t, conv.LastMessage)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetForUpdateLocksRowAndMapsNotFound(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectQuery(regexp.QuoteMeta("FROM conversations WHERE id=$1 FOR UPDATE")).
		WithArgs(int64(42)).
		WillReturnError(sql.ErrNoRows)

	_, err := NewConversationRepo(db).GetForUpdate(context.Background(), 42)
	assert.ErrorIs(t, err, ErrConversationNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListBeforeUsesRowValueCursor(t *testing.T) {
	db, mock := newMockDB(t)
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	cursor := &Position{CreatedAt: at, ID: 10}

	mock.ExpectQuery(regexp.QuoteMeta("WHERE conversation_id=$1 AND (created_at, id) < ($2, $3)")).
		WithArgs(int64(5), at, int64(10), 2).
		WillReturnRows(sqlmock.NewRows(messageCols).
			AddRow(9, 5, 1, "b", "", at, nil).
			AddRow(8, 5, 2, "a", "tok", at.Add(-time.Second), at))

	msgs, err := NewMessageRepo(db).ListBefore(context.Background(), 5, cursor, 2)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, int64(9), msgs[0].ID)
	assert.Nil(t, msgs[0].ReadAt)
	assert.Equal(t, "tok", msgs[1].ClientToken)
	require.NotNil(t, msgs[1].ReadAt)
	for _, m := range msgs {
		assert.Equal(t, models.MessageSent, m.Status)
	}
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListBeforeWithoutCursorReadsNewestPage(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectQuery(regexp.QuoteMeta("ORDER BY created_at DESC, id DESC")).
		WithArgs(int64(5), 20).
		WillReturnRows(sqlmock.NewRows(messageCols))

	msgs, err := NewMessageRepo(db).ListBefore(context.Background(), 5, nil, 20)
	require.NoError(t, err)
	assert.Empty(t, msgs)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFindByClientTokenScopesToAuthor(t *testing.T) {
	db, mock := newMockDB(t)
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	repo := NewMessageRepo(db)

	mock.ExpectQuery(regexp.QuoteMeta("WHERE conversation_id=$1 AND author_id=$2 AND client_token=$3")).
		WithArgs(int64(5), int64(1), "tok-1").
		WillReturnRows(sqlmock.NewRows(messageCols).AddRow(3, 5, 1, "hello", "tok-1", at, nil))
	mock.ExpectQuery(regexp.QuoteMeta("WHERE conversation_id=$1 AND author_id=$2 AND client_token=$3")).
		WithArgs(int64(5), int64(2), "tok-1").
		WillReturnRows(sqlmock.NewRows(messageCols))

	msg, err := repo.FindByClientToken(context.Background(), 5, 1, "tok-1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), msg.ID)
	assert.Equal(t, models.MessageSent, msg.Status)

	_, err = repo.FindByClientToken(context.Background(), 5, 2, "tok-1")
	assert.ErrorIs(t, err, ErrMessageNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMessageCreateStoresEmptyTokenAsNull(t *testing.T) {
	db, mock := newMockDB(t)
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta("NULLIF($4, '')")).
		WithArgs(int64(5), int64(1), "hi", "", at).
		WillReturnRows(sqlmock.NewRows(messageCols).AddRow(1, 5, 1, "hi", "", at, nil))

	msg, err := NewMessageRepo(db).Create(context.Background(), models.Message{ConversationID: 5, AuthorID: 1, Text: "hi", CreatedAt: at})
	require.NoError(t, err)
	assert.Equal(t, "", msg.ClientToken)
	assert.NoError(t, mock.ExpectationsWereMet())
}
