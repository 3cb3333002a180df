// Package services implements the conversation core: the registry, the
// admission-controlled send path, contracts and read tracking.
package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"

	"coach-chat-service/internal/apperr"
	"coach-chat-service/internal/entitlement"
	"coach-chat-service/internal/models"
	"coach-chat-service/internal/observability"
	"coach-chat-service/internal/repositories"
)

var tracer = otel.Tracer("coach-chat-service/services")

// Core is the set of operations exposed to transports.
type Core interface {
	GetOrCreateConversation(ctx context.Context, callerID, initiatorID, counterpartID int64) (models.Conversation, error)
	GetConversation(ctx context.Context, callerID, conversationID int64) (models.Conversation, error)
	ListConversations(ctx context.Context, callerID int64) ([]models.ConversationSummary, error)
	SendMessage(ctx context.Context, in SendInput) (models.Message, error)
	ListMessages(ctx context.Context, callerID, conversationID int64, cursor string, limit int) (models.MessagePage, error)
	MarkAsRead(ctx context.Context, viewerID, conversationID int64) (int64, error)
	UnreadCount(ctx context.Context, viewerID, conversationID int64) (int, error)
	MarkContract(ctx context.Context, callerID, conversationID int64, validUntil time.Time) (models.Conversation, error)
	CancelContract(ctx context.Context, callerID, conversationID int64) (models.Conversation, error)
}

// Config holds the tunables of the core.
type Config struct {
	DefaultQuotaLimit int
	MaxMessageLength  int
	DefaultPageSize   int
	MaxPageSize       int
	SweepBatchSize    int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		DefaultQuotaLimit: 3,
		MaxMessageLength:  4000,
		DefaultPageSize:   30,
		MaxPageSize:       100,
		SweepBatchSize:    100,
	}
}

// Validate rejects settings under which new conversations would start
// in an inconsistent state.
func (c Config) Validate() error {
	switch {
	case c.DefaultQuotaLimit <= 0:
		return fmt.Errorf("%w: default quota limit must be positive, got %d", apperr.ErrValidation, c.DefaultQuotaLimit)
	case c.MaxMessageLength <= 0:
		return fmt.Errorf("%w: max message length must be positive, got %d", apperr.ErrValidation, c.MaxMessageLength)
	case c.DefaultPageSize <= 0 || c.MaxPageSize < c.DefaultPageSize:
		return fmt.Errorf("%w: page sizes must satisfy 0 < default <= max", apperr.ErrValidation)
	case c.SweepBatchSize <= 0:
		return fmt.Errorf("%w: sweep batch size must be positive", apperr.ErrValidation)
	}
	return nil
}

// Clock supplies the current time. Tests inject a fake one.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Auditor records security relevant operations.
type Auditor interface {
	Emit(ctx context.Context, level, text, requestID string, userID *string)
}

// Service implements Core.
type Service struct {
	store    repositories.Store
	cfg      Config
	log      *slog.Logger
	clock    Clock
	notifier Notifier
	audit    Auditor
	events   *dispatcher
}

// Option customizes a Service.
type Option func(*Service)

// WithClock overrides the time source.
func WithClock(clock Clock) Option {
	return func(s *Service) { s.clock = clock }
}

// WithNotifier sets the sink for conversation events.
func WithNotifier(n Notifier) Option {
	return func(s *Service) { s.notifier = n }
}

// WithAuditor sets the audit sink for contract operations.
func WithAuditor(a Auditor) Option {
	return func(s *Service) { s.audit = a }
}

// New builds a Service and starts its event dispatcher. Call Close to
// stop it.
func New(store repositories.Store, log *slog.Logger, cfg Config, opts ...Option) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Service{
		store:    store,
		cfg:      cfg,
		log:      log,
		clock:    realClock{},
		notifier: NopNotifier{},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.events = newDispatcher(s.notifier)
	return s, nil
}

// Close delivers queued events and stops the dispatcher.
func (s *Service) Close() {
	s.events.close()
}

var _ Core = (*Service)(nil)

// now is truncated to the storage precision so that cursors built from
// stored rows and from freshly created ones agree.
func (s *Service) now() time.Time {
	return s.clock.Now().UTC().Truncate(time.Microsecond)
}

// withConversation loads and locks the conversation, applies lazy contract
// expiry, runs fn, checks invariants and persists the result atomically.
func (s *Service) withConversation(ctx context.Context, conversationID int64, fn func(tx repositories.Store, conv *models.Conversation, now time.Time) error) (models.Conversation, models.ConversationStatus, error) {
	var (
		conv   models.Conversation
		before models.ConversationStatus
	)
	err := s.store.InTx(ctx, func(tx repositories.Store) error {
		var err error
		conv, err = tx.Conversations().GetForUpdate(ctx, conversationID)
		if err != nil {
			return mapRepoErr(err)
		}
		before = conv.Status
		now := s.now()
		entitlement.Refresh(&conv, now)
		if err := fn(tx, &conv, now); err != nil {
			return err
		}
		if err := entitlement.Check(conv, now); err != nil {
			s.log.Error("refusing to persist inconsistent conversation", "conversation_id", conv.ID, "error", err)
			return err
		}
		return tx.Conversations().Update(ctx, conv)
	})
	if err != nil {
		return models.Conversation{}, "", err
	}
	if before != conv.Status {
		observability.IncStatusTransition(string(before), string(conv.Status))
		s.log.Info("conversation status changed", "conversation_id", conv.ID, "from", before, "to", conv.Status)
	}
	return conv, before, nil
}

// participantConversation loads a conversation and verifies membership.
func (s *Service) participantConversation(ctx context.Context, callerID, conversationID int64) (models.Conversation, error) {
	if conversationID <= 0 {
		return models.Conversation{}, fmt.Errorf("%w: invalid conversation id", apperr.ErrValidation)
	}
	conv, err := s.store.Conversations().Get(ctx, conversationID)
	if err != nil {
		return models.Conversation{}, mapRepoErr(err)
	}
	if !conv.IsParticipant(callerID) {
		return models.Conversation{}, fmt.Errorf("%w: not a conversation participant", apperr.ErrPermissionDenied)
	}
	return conv, nil
}

func (s *Service) emitAudit(ctx context.Context, level, text string, userID int64) {
	if s.audit == nil {
		return
	}
	id := strconv.FormatInt(userID, 10)
	s.audit.Emit(ctx, level, text, observability.RequestIDFromContext(ctx), &id)
}

func mapRepoErr(err error) error {
	switch {
	case errors.Is(err, repositories.ErrConversationNotFound):
		return fmt.Errorf("%w: conversation", apperr.ErrNotFound)
	case errors.Is(err, repositories.ErrMessageNotFound):
		return fmt.Errorf("%w: message", apperr.ErrNotFound)
	}
	return err
}
