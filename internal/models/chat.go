package models

import "time"

// ConversationStatus is the gating state of a conversation.
type ConversationStatus string

const (
	StatusOpen       ConversationStatus = "open"
	StatusContracted ConversationStatus = "contracted"
	StatusBlocked    ConversationStatus = "blocked"
)

// Role is the fixed role a participant holds inside a conversation.
type Role string

const (
	// RoleInitiator is the client side, subject to the message quota.
	RoleInitiator Role = "initiator"
	// RoleCounterpart is the trainer side, never limited and able to grant contracts.
	RoleCounterpart Role = "counterpart"
)

// Conversation is a two-party conversation between an initiator and a counterpart.
type Conversation struct {
	ID                 int64              `db:"id" json:"id"`
	InitiatorID        int64              `db:"initiator_id" json:"initiator_id"`
	CounterpartID      int64              `db:"counterpart_id" json:"counterpart_id"`
	Status             ConversationStatus `db:"status" json:"status"`
	QuotaUsed          int                `db:"quota_used" json:"quota_used"`
	QuotaLimit         int                `db:"quota_limit" json:"quota_limit"`
	ContractValidUntil *time.Time         `db:"contract_valid_until" json:"contract_valid_until,omitempty"`
	LastMessage        *MessageSnapshot   `db:"-" json:"last_message,omitempty"`
	CreatedAt          time.Time          `db:"created_at" json:"created_at"`
	UpdatedAt          time.Time          `db:"updated_at" json:"updated_at"`
}

// MessageSnapshot is the denormalized last message kept on the conversation for listings.
type MessageSnapshot struct {
	Text      string    `json:"text"`
	AuthorID  int64     `json:"author_id"`
	CreatedAt time.Time `json:"created_at"`
}

// RoleOf reports the role userID holds in the conversation.
func (c Conversation) RoleOf(userID int64) (Role, bool) {
	switch userID {
	case c.InitiatorID:
		return RoleInitiator, true
	case c.CounterpartID:
		return RoleCounterpart, true
	}
	return "", false
}

// IsParticipant reports whether userID is one of the two participants.
func (c Conversation) IsParticipant(userID int64) bool {
	_, ok := c.RoleOf(userID)
	return ok
}

// OtherParticipant returns the id of the participant that is not userID.
func (c Conversation) OtherParticipant(userID int64) int64 {
	if userID == c.InitiatorID {
		return c.CounterpartID
	}
	return c.InitiatorID
}

// ConversationSummary provides an API-friendly view of a conversation for one viewer.
type ConversationSummary struct {
	Conversation
	Role        Role `json:"role"`
	UnreadCount int  `json:"unread_count"`
}
