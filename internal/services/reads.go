package services

import (
	"context"
	"fmt"

	"coach-chat-service/internal/models"
)

// MarkAsRead stamps read_at on every message from the other participant
// that the viewer has not read yet. Calling it again is a no-op.
func (s *Service) MarkAsRead(ctx context.Context, viewerID, conversationID int64) (int64, error) {
	ctx, span := tracer.Start(ctx, "MarkAsRead")
	defer span.End()

	if _, err := s.participantConversation(ctx, viewerID, conversationID); err != nil {
		return 0, err
	}
	count, err := s.store.Messages().MarkRead(ctx, conversationID, viewerID, s.now())
	if err != nil {
		return 0, fmt.Errorf("mark read: %w", err)
	}
	if count > 0 {
		s.publish(ctx, models.ChatEvent{Type: models.EventRead, ConversationID: conversationID, ReaderID: viewerID, ReadCount: count})
	}
	return count, nil
}

// UnreadCount is always recomputed from the log.
func (s *Service) UnreadCount(ctx context.Context, viewerID, conversationID int64) (int, error) {
	ctx, span := tracer.Start(ctx, "UnreadCount")
	defer span.End()

	if _, err := s.participantConversation(ctx, viewerID, conversationID); err != nil {
		return 0, err
	}
	count, err := s.store.Messages().CountUnread(ctx, conversationID, viewerID)
	if err != nil {
		return 0, fmt.Errorf("count unread: %w", err)
	}
	return count, nil
}
