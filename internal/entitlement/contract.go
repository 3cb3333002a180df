package entitlement

import (
	"fmt"
	"time"

	"coach-chat-service/internal/apperr"
	"coach-chat-service/internal/models"
)

// MarkContract grants a contract valid until validUntil. It is legal from
// OPEN and BLOCKED; an active contract must be cancelled before a new
// duration can be set.
func MarkContract(conv *models.Conversation, validUntil, now time.Time) error {
	if !validUntil.After(now) {
		return fmt.Errorf("%w: valid_until must be in the future", apperr.ErrValidation)
	}
	Refresh(conv, now)
	if ContractActive(*conv, now) {
		return fmt.Errorf("%w: contract valid until %s", apperr.ErrContractAlreadyActive, conv.ContractValidUntil.UTC().Format(time.RFC3339))
	}
	until := validUntil.UTC()
	conv.ContractValidUntil = &until
	conv.Status = models.StatusContracted
	conv.UpdatedAt = now
	return nil
}

// CancelContract removes the active contract and falls back to quota
// gating. It is only legal while the conversation is contracted.
func CancelContract(conv *models.Conversation, now time.Time) error {
	Refresh(conv, now)
	if conv.Status != models.StatusContracted {
		return fmt.Errorf("%w: no active contract", apperr.ErrValidation)
	}
	conv.ContractValidUntil = nil
	conv.Status = EffectiveStatus(*conv, now)
	conv.UpdatedAt = now
	return nil
}
