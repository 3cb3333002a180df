package entitlement

import (
	"time"

	"coach-chat-service/internal/models"
)

// Decision is the admission outcome for a send.
type Decision int

const (
	Admitted Decision = iota
	QuotaExceeded
)

func (d Decision) String() string {
	if d == Admitted {
		return "admitted"
	}
	return "quota_exceeded"
}

// CanSend decides whether a participant with the given role may send.
// Counterpart messages are always admitted.
func CanSend(conv models.Conversation, role models.Role, now time.Time) Decision {
	if role == models.RoleCounterpart {
		return Admitted
	}
	if ContractActive(conv, now) || !QuotaExhausted(conv) {
		return Admitted
	}
	return QuotaExceeded
}

// RecordUsage accounts for one admitted message. Only initiator messages
// sent without an active contract consume quota. The status transition
// OPEN -> BLOCKED happens here when the last free message is used.
func RecordUsage(conv *models.Conversation, role models.Role, now time.Time) {
	if role != models.RoleInitiator || ContractActive(*conv, now) {
		return
	}
	conv.QuotaUsed++
	conv.Status = EffectiveStatus(*conv, now)
	conv.UpdatedAt = now
}
