package services

import (
	"context"
	"fmt"
	"time"

	"coach-chat-service/internal/apperr"
	"coach-chat-service/internal/entitlement"
	"coach-chat-service/internal/models"
	"coach-chat-service/internal/observability"
	"coach-chat-service/internal/repositories"
)

// MarkContract grants unlimited messaging until validUntil. Only the
// counterpart may call it.
func (s *Service) MarkContract(ctx context.Context, callerID, conversationID int64, validUntil time.Time) (models.Conversation, error) {
	ctx, span := tracer.Start(ctx, "MarkContract")
	defer span.End()

	conv, err := s.contractOperation(ctx, callerID, conversationID, func(conv *models.Conversation, now time.Time) error {
		return entitlement.MarkContract(conv, validUntil, now)
	})
	if err != nil {
		return models.Conversation{}, err
	}
	observability.IncContractOperation("mark")
	s.log.Info("contract marked", "conversation_id", conv.ID, "counterpart_id", callerID, "valid_until", conv.ContractValidUntil)
	s.emitAudit(ctx, "INFO", fmt.Sprintf("contract marked on conversation %d until %s", conv.ID, validUntil.UTC().Format(time.RFC3339)), callerID)
	return conv, nil
}

// CancelContract ends the active contract; the status falls back to the
// quota rules. Only the counterpart may call it.
func (s *Service) CancelContract(ctx context.Context, callerID, conversationID int64) (models.Conversation, error) {
	ctx, span := tracer.Start(ctx, "CancelContract")
	defer span.End()

	conv, err := s.contractOperation(ctx, callerID, conversationID, entitlement.CancelContract)
	if err != nil {
		return models.Conversation{}, err
	}
	observability.IncContractOperation("cancel")
	s.log.Info("contract cancelled", "conversation_id", conv.ID, "counterpart_id", callerID, "status", conv.Status)
	s.emitAudit(ctx, "INFO", fmt.Sprintf("contract cancelled on conversation %d", conv.ID), callerID)
	return conv, nil
}

func (s *Service) contractOperation(ctx context.Context, callerID, conversationID int64, op func(*models.Conversation, time.Time) error) (models.Conversation, error) {
	if conversationID <= 0 {
		return models.Conversation{}, fmt.Errorf("%w: invalid conversation id", apperr.ErrValidation)
	}
	conv, _, err := s.withConversation(ctx, conversationID, func(_ repositories.Store, conv *models.Conversation, now time.Time) error {
		role, ok := conv.RoleOf(callerID)
		if !ok || role != models.RoleCounterpart {
			return fmt.Errorf("%w: only the counterpart manages contracts", apperr.ErrPermissionDenied)
		}
		return op(conv, now)
	})
	if err != nil {
		return models.Conversation{}, err
	}
	s.publish(ctx, statusEvent(conv))
	return conv, nil
}

// SweepExpiredContracts applies expiry to contracted conversations nobody
// touched since their contract ended. It returns how many were updated.
func (s *Service) SweepExpiredContracts(ctx context.Context) (int, error) {
	ids, err := s.store.Conversations().ListExpiredContracts(ctx, s.now(), s.cfg.SweepBatchSize)
	if err != nil {
		return 0, fmt.Errorf("list expired contracts: %w", err)
	}
	swept := 0
	for _, id := range ids {
		conv, before, err := s.withConversation(ctx, id, func(repositories.Store, *models.Conversation, time.Time) error {
			return nil
		})
		if err != nil {
			return swept, fmt.Errorf("expire contract on conversation %d: %w", id, err)
		}
		if before != conv.Status {
			swept++
			s.publish(ctx, statusEvent(conv))
		}
	}
	return swept, nil
}

// RunContractSweeper sweeps on every tick until ctx is done. A zero
// interval disables the sweeper and expiry stays lazy.
func (s *Service) RunContractSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		s.log.Info("contract sweeper disabled, expiry evaluated on access")
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	s.log.Info("contract sweeper started", "interval", interval)
	for {
		select {
		case <-ctx.Done():
			s.log.Info("contract sweeper stopped")
			return
		case <-ticker.C:
			swept, err := s.SweepExpiredContracts(ctx)
			if err != nil {
				s.log.Error("contract sweep failed", "error", err)
				continue
			}
			if swept > 0 {
				s.log.Info("expired contracts swept", "count", swept)
			}
		}
	}
}
