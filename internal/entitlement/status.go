// Package entitlement decides who may send in a conversation. It combines
// the free-message quota with time-bounded contracts into the single
// status field stored on the conversation.
//
// Every function here is pure over a conversation and an explicit now.
// Callers are expected to hold the conversation lock and persist the
// result in the same transaction.
package entitlement

import (
	"fmt"
	"time"

	"coach-chat-service/internal/apperr"
	"coach-chat-service/internal/models"
)

// ContractActive reports whether the conversation carries a contract that
// has not yet expired.
func ContractActive(conv models.Conversation, now time.Time) bool {
	return conv.ContractValidUntil != nil && conv.ContractValidUntil.After(now)
}

// QuotaExhausted reports whether the initiator used all free messages.
func QuotaExhausted(conv models.Conversation) bool {
	return conv.QuotaUsed >= conv.QuotaLimit
}

// EffectiveStatus computes the status from quota and contract. A contract
// always takes precedence over the quota.
func EffectiveStatus(conv models.Conversation, now time.Time) models.ConversationStatus {
	switch {
	case ContractActive(conv, now):
		return models.StatusContracted
	case QuotaExhausted(conv):
		return models.StatusBlocked
	default:
		return models.StatusOpen
	}
}

// Refresh applies lazy contract expiry: an expired contract is cleared and
// the status recomputed. It reports whether the conversation changed.
func Refresh(conv *models.Conversation, now time.Time) bool {
	changed := false
	if conv.ContractValidUntil != nil && !conv.ContractValidUntil.After(now) {
		conv.ContractValidUntil = nil
		changed = true
	}
	if status := EffectiveStatus(*conv, now); status != conv.Status {
		conv.Status = status
		changed = true
	}
	if changed {
		conv.UpdatedAt = now
	}
	return changed
}

// Check verifies that the persisted status agrees with quota and contract.
func Check(conv models.Conversation, now time.Time) error {
	if conv.QuotaLimit <= 0 {
		return fmt.Errorf("%w: conversation %d has quota limit %d", apperr.ErrInvariantViolation, conv.ID, conv.QuotaLimit)
	}
	if conv.QuotaUsed < 0 {
		return fmt.Errorf("%w: conversation %d has negative quota usage", apperr.ErrInvariantViolation, conv.ID)
	}
	if want := EffectiveStatus(conv, now); conv.Status != want {
		return fmt.Errorf("%w: conversation %d status %s, expected %s (used %d/%d)",
			apperr.ErrInvariantViolation, conv.ID, conv.Status, want, conv.QuotaUsed, conv.QuotaLimit)
	}
	return nil
}
