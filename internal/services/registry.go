package services

import (
	"context"
	"fmt"
	"time"

	"coach-chat-service/internal/apperr"
	"coach-chat-service/internal/entitlement"
	"coach-chat-service/internal/models"
	"coach-chat-service/internal/repositories"
)

// GetOrCreateConversation returns the conversation between initiator and
// counterpart, creating an OPEN one with the default quota when absent.
// The caller must be one of the two participants.
func (s *Service) GetOrCreateConversation(ctx context.Context, callerID, initiatorID, counterpartID int64) (models.Conversation, error) {
	ctx, span := tracer.Start(ctx, "GetOrCreateConversation")
	defer span.End()

	if initiatorID <= 0 || counterpartID <= 0 {
		return models.Conversation{}, fmt.Errorf("%w: participant ids must be positive", apperr.ErrValidation)
	}
	if initiatorID == counterpartID {
		return models.Conversation{}, fmt.Errorf("%w: cannot start a conversation with yourself", apperr.ErrValidation)
	}
	if callerID != initiatorID && callerID != counterpartID {
		return models.Conversation{}, fmt.Errorf("%w: caller is not a participant", apperr.ErrPermissionDenied)
	}

	conv, created, err := s.store.Conversations().CreateOrGet(ctx, initiatorID, counterpartID, s.cfg.DefaultQuotaLimit, s.now())
	if err != nil {
		return models.Conversation{}, fmt.Errorf("create or get conversation: %w", err)
	}
	if created {
		s.log.Info("conversation created", "conversation_id", conv.ID, "initiator_id", initiatorID, "counterpart_id", counterpartID, "quota_limit", conv.QuotaLimit)
		return conv, nil
	}
	return s.fresh(ctx, conv)
}

// GetConversation returns a conversation visible to the caller, with the
// status re-evaluated against the current time.
func (s *Service) GetConversation(ctx context.Context, callerID, conversationID int64) (models.Conversation, error) {
	ctx, span := tracer.Start(ctx, "GetConversation")
	defer span.End()

	conv, err := s.participantConversation(ctx, callerID, conversationID)
	if err != nil {
		return models.Conversation{}, err
	}
	return s.fresh(ctx, conv)
}

// ListConversations returns the caller's conversations with per-viewer
// unread counts.
func (s *Service) ListConversations(ctx context.Context, callerID int64) ([]models.ConversationSummary, error) {
	ctx, span := tracer.Start(ctx, "ListConversations")
	defer span.End()

	summaries, err := s.store.Conversations().ListForParticipant(ctx, callerID)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	for i := range summaries {
		conv, err := s.fresh(ctx, summaries[i].Conversation)
		if err != nil {
			return nil, err
		}
		summaries[i].Conversation = conv
	}
	if summaries == nil {
		summaries = []models.ConversationSummary{}
	}
	return summaries, nil
}

// fresh returns conv unchanged when its persisted status is current, and
// otherwise applies the expiry under the conversation lock.
func (s *Service) fresh(ctx context.Context, conv models.Conversation) (models.Conversation, error) {
	if !stale(conv, s.now()) {
		return conv, nil
	}
	refreshed, before, err := s.withConversation(ctx, conv.ID, func(repositories.Store, *models.Conversation, time.Time) error {
		return nil
	})
	if err != nil {
		return models.Conversation{}, err
	}
	if before != refreshed.Status {
		s.publish(ctx, statusEvent(refreshed))
	}
	return refreshed, nil
}

func stale(conv models.Conversation, now time.Time) bool {
	if conv.ContractValidUntil != nil && !conv.ContractValidUntil.After(now) {
		return true
	}
	return entitlement.EffectiveStatus(conv, now) != conv.Status
}
