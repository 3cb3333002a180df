package mocks

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"coach-chat-service/internal/models"
	"coach-chat-service/internal/services"
)

type CoreMock struct {
	mock.Mock
}

var _ services.Core = (*CoreMock)(nil)

func (m *CoreMock) GetOrCreateConversation(ctx context.Context, callerID, initiatorID, counterpartID int64) (models.Conversation, error) {
	args := m.Called(ctx, callerID, initiatorID, counterpartID)
	return conversation(args.Get(0)), args.Error(1)
}

func (m *CoreMock) GetConversation(ctx context.Context, callerID, conversationID int64) (models.Conversation, error) {
	args := m.Called(ctx, callerID, conversationID)
	return conversation(args.Get(0)), args.Error(1)
}

func (m *CoreMock) ListConversations(ctx context.Context, callerID int64) ([]models.ConversationSummary, error) {
	args := m.Called(ctx, callerID)
	var list []models.ConversationSummary
	if val := args.Get(0); val != nil {
		list = val.([]models.ConversationSummary)
	}
	return list, args.Error(1)
}

func (m *CoreMock) SendMessage(ctx context.Context, in services.SendInput) (models.Message, error) {
	args := m.Called(ctx, in)
	var msg models.Message
	if val := args.Get(0); val != nil {
		msg = val.(models.Message)
	}
	return msg, args.Error(1)
}

func (m *CoreMock) ListMessages(ctx context.Context, callerID, conversationID int64, cursor string, limit int) (models.MessagePage, error) {
	args := m.Called(ctx, callerID, conversationID, cursor, limit)
	var page models.MessagePage
	if val := args.Get(0); val != nil {
		page = val.(models.MessagePage)
	}
	return page, args.Error(1)
}

func (m *CoreMock) MarkAsRead(ctx context.Context, viewerID, conversationID int64) (int64, error) {
	args := m.Called(ctx, viewerID, conversationID)
	return args.Get(0).(int64), args.Error(1)
}

func (m *CoreMock) UnreadCount(ctx context.Context, viewerID, conversationID int64) (int, error) {
	args := m.Called(ctx, viewerID, conversationID)
	return args.Int(0), args.Error(1)
}

func (m *CoreMock) MarkContract(ctx context.Context, callerID, conversationID int64, validUntil time.Time) (models.Conversation, error) {
	args := m.Called(ctx, callerID, conversationID, validUntil)
	return conversation(args.Get(0)), args.Error(1)
}

func (m *CoreMock) CancelContract(ctx context.Context, callerID, conversationID int64) (models.Conversation, error) {
	args := m.Called(ctx, callerID, conversationID)
	return conversation(args.Get(0)), args.Error(1)
}

func conversation(val any) models.Conversation {
	if val == nil {
		return models.Conversation{}
	}
	return val.(models.Conversation)
}
