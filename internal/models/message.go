package models

import "time"

// MessageStatus tracks delivery state. Only MessageSent is ever persisted;
// the other values exist on the client before confirmation.
type MessageStatus string

const (
	MessageSent    MessageStatus = "sent"
	MessageSending MessageStatus = "sending"
	MessageError   MessageStatus = "error"
)

// Message represents a conversation message.
type Message struct {
	ID             int64         `db:"id" json:"id"`
	ConversationID int64         `db:"conversation_id" json:"conversation_id"`
	AuthorID       int64         `db:"author_id" json:"author_id"`
	Text           string        `db:"text" json:"text"`
	ClientToken    string        `db:"client_token" json:"client_token,omitempty"`
	Status         MessageStatus `db:"-" json:"status"`
	CreatedAt      time.Time     `db:"created_at" json:"created_at"`
	ReadAt         *time.Time    `db:"read_at" json:"read_at,omitempty"`
}

// Snapshot returns the listing snapshot of the message.
func (m Message) Snapshot() *MessageSnapshot {
	return &MessageSnapshot{Text: m.Text, AuthorID: m.AuthorID, CreatedAt: m.CreatedAt}
}

// MessagePage is one page of the message log, ordered oldest to newest.
type MessagePage struct {
	Messages   []Message `json:"messages"`
	NextCursor *string   `json:"next_cursor"`
}

// Event types broadcast to conversation subscribers.
const (
	EventMessage = "message"
	EventStatus  = "status"
	EventRead    = "read"
)

// ChatEvent is broadcast to subscribers of a conversation.
type ChatEvent struct {
	Type           string        `json:"type"`
	ConversationID int64         `json:"conversation_id"`
	Message        *Message      `json:"message,omitempty"`
	Conversation   *Conversation `json:"conversation,omitempty"`
	ReaderID       int64         `json:"reader_id,omitempty"`
	ReadCount      int64         `json:"read_count,omitempty"`
}
