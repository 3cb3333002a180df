package services

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"coach-chat-service/internal/apperr"
	"coach-chat-service/internal/entitlement"
	"coach-chat-service/internal/models"
	"coach-chat-service/internal/observability"
	"coach-chat-service/internal/repositories"
)

const maxClientTokenLength = 128

// SendInput is a request to append a message.
type SendInput struct {
	ConversationID int64
	AuthorID       int64
	Text           string
	// ClientToken identifies one logical send across retries. A repeated
	// token returns the message stored by the first attempt.
	ClientToken string
}

// SendMessage admits and appends a message. Admission, quota accounting,
// the status transition and the insert commit as one unit.
func (s *Service) SendMessage(ctx context.Context, in SendInput) (models.Message, error) {
	ctx, span := tracer.Start(ctx, "SendMessage")
	defer span.End()

	text, err := s.validateText(in.Text)
	if err != nil {
		return models.Message{}, err
	}
	if len(in.ClientToken) > maxClientTokenLength {
		return models.Message{}, fmt.Errorf("%w: client token longer than %d bytes", apperr.ErrValidation, maxClientTokenLength)
	}
	if in.ConversationID <= 0 {
		return models.Message{}, fmt.Errorf("%w: invalid conversation id", apperr.ErrValidation)
	}

	var (
		msg       models.Message
		role      models.Role
		duplicate bool
		rejected  error
	)
	conv, before, err := s.withConversation(ctx, in.ConversationID, func(tx repositories.Store, conv *models.Conversation, now time.Time) error {
		var ok bool
		role, ok = conv.RoleOf(in.AuthorID)
		if !ok {
			return fmt.Errorf("%w: not a conversation participant", apperr.ErrPermissionDenied)
		}

		if in.ClientToken != "" {
			existing, err := tx.Messages().FindByClientToken(ctx, conv.ID, in.AuthorID, in.ClientToken)
			switch {
			case err == nil:
				msg, duplicate = existing, true
				return nil
			case !errors.Is(err, repositories.ErrMessageNotFound):
				return fmt.Errorf("lookup client token: %w", err)
			}
		}

		// The refreshed status is still persisted when the send is refused.
		if entitlement.CanSend(*conv, role, now) == entitlement.QuotaExceeded {
			rejected = fmt.Errorf("%w: %d of %d free messages used", apperr.ErrQuotaExceeded, conv.QuotaUsed, conv.QuotaLimit)
			return nil
		}

		created, err := tx.Messages().Create(ctx, models.Message{
			ConversationID: conv.ID,
			AuthorID:       in.AuthorID,
			Text:           text,
			ClientToken:    in.ClientToken,
			CreatedAt:      now,
		})
		if err != nil {
			return fmt.Errorf("store message: %w", err)
		}
		msg = created

		entitlement.RecordUsage(conv, role, now)
		conv.LastMessage = msg.Snapshot()
		conv.UpdatedAt = now
		return nil
	})
	if err != nil {
		return models.Message{}, err
	}

	var events []models.ChatEvent
	if before != conv.Status {
		events = append(events, statusEvent(conv))
	}
	if rejected != nil {
		observability.IncQuotaExceeded()
		s.log.Info("send refused", "conversation_id", conv.ID, "author_id", in.AuthorID, "quota_used", conv.QuotaUsed, "quota_limit", conv.QuotaLimit)
		s.publish(ctx, events...)
		return models.Message{}, rejected
	}
	if duplicate {
		observability.IncDuplicateSend()
		s.log.Debug("duplicate send resolved by client token", "conversation_id", conv.ID, "message_id", msg.ID)
		s.publish(ctx, events...)
		return msg, nil
	}

	observability.IncMessagesSent(string(role))
	s.log.Debug("message stored", "conversation_id", conv.ID, "message_id", msg.ID, "role", role, "quota_used", conv.QuotaUsed)
	events = append([]models.ChatEvent{{Type: models.EventMessage, ConversationID: conv.ID, Message: &msg}}, events...)
	s.publish(ctx, events...)
	return msg, nil
}

func (s *Service) validateText(raw string) (string, error) {
	text := strings.TrimSpace(raw)
	n := utf8.RuneCountInString(text)
	if n == 0 {
		return "", fmt.Errorf("%w: text is empty", apperr.ErrValidation)
	}
	if n > s.cfg.MaxMessageLength {
		return "", fmt.Errorf("%w: text longer than %d characters", apperr.ErrValidation, s.cfg.MaxMessageLength)
	}
	return text, nil
}

// ListMessages returns one page of the log, oldest to newest. Without a
// cursor the page holds the newest messages; NextCursor points at older
// messages and is nil once the start of the log is reached.
func (s *Service) ListMessages(ctx context.Context, callerID, conversationID int64, cursor string, limit int) (models.MessagePage, error) {
	ctx, span := tracer.Start(ctx, "ListMessages")
	defer span.End()

	switch {
	case limit < 0:
		return models.MessagePage{}, fmt.Errorf("%w: limit must not be negative", apperr.ErrValidation)
	case limit == 0:
		limit = s.cfg.DefaultPageSize
	case limit > s.cfg.MaxPageSize:
		limit = s.cfg.MaxPageSize
	}

	var before *repositories.Position
	if cursor != "" {
		pos, err := repositories.DecodeCursor(cursor)
		if err != nil {
			return models.MessagePage{}, err
		}
		before = &pos
	}

	if _, err := s.participantConversation(ctx, callerID, conversationID); err != nil {
		return models.MessagePage{}, err
	}

	msgs, err := s.store.Messages().ListBefore(ctx, conversationID, before, limit+1)
	if err != nil {
		return models.MessagePage{}, fmt.Errorf("list messages: %w", err)
	}

	page := models.MessagePage{Messages: []models.Message{}}
	if len(msgs) > limit {
		msgs = msgs[:limit]
		next := repositories.EncodeCursor(repositories.PositionOf(msgs[len(msgs)-1]))
		page.NextCursor = &next
	}
	slices.Reverse(msgs)
	page.Messages = append(page.Messages, msgs...)
	return page, nil
}
