package repositories

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"

	"coach-chat-service/internal/apperr"
	"coach-chat-service/internal/models"
)

// Position is a point in a conversation log. Messages are ordered by
// created_at and then by id, which follows insertion order.
type Position struct {
	CreatedAt time.Time
	ID        int64
}

// PositionOf returns the log position of msg.
func PositionOf(msg models.Message) Position {
	return Position{CreatedAt: msg.CreatedAt, ID: msg.ID}
}

// Before reports whether p sorts strictly before other.
func (p Position) Before(other Position) bool {
	if p.CreatedAt.Equal(other.CreatedAt) {
		return p.ID < other.ID
	}
	return p.CreatedAt.Before(other.CreatedAt)
}

// EncodeCursor turns a position into an opaque token.
func EncodeCursor(p Position) string {
	raw := strconv.FormatInt(p.CreatedAt.UnixNano(), 10) + ":" + strconv.FormatInt(p.ID, 10)
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// DecodeCursor parses a token produced by EncodeCursor.
func DecodeCursor(token string) (Position, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return Position{}, fmt.Errorf("%w: malformed cursor", apperr.ErrValidation)
	}
	nanos, id, ok := strings.Cut(string(raw), ":")
	if !ok {
		return Position{}, fmt.Errorf("%w: malformed cursor", apperr.ErrValidation)
	}
	ts, err := strconv.ParseInt(nanos, 10, 64)
	if err != nil {
		return Position{}, fmt.Errorf("%w: malformed cursor", apperr.ErrValidation)
	}
	msgID, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return Position{}, fmt.Errorf("%w: malformed cursor", apperr.ErrValidation)
	}
	return Position{CreatedAt: time.Unix(0, ts).UTC(), ID: msgID}, nil
}
