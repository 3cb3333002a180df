package chatclient

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"coach-chat-service/internal/apperr"
	"coach-chat-service/internal/models"
)

// Sender performs the server call for a staged message.
type Sender interface {
	SendMessage(ctx context.Context, conversationID int64, text, clientToken string) (models.Message, error)
}

// Entry is a locally staged message that the server has not confirmed.
type Entry struct {
	TempID      string
	Text        string
	ClientToken string
	Status      models.MessageStatus
	CreatedAt   time.Time

	// Reason is a human-readable failure description when Status is MessageError.
	Reason    string
	Retryable bool
	Err       error
}

// Pipeline stages sends optimistically for one conversation. Staged entries
// live apart from the confirmed log and are merged only for display.
type Pipeline struct {
	sender         Sender
	conversationID int64
	authorID       int64
	ctx            context.Context
	timeout        time.Duration
	now            func() time.Time

	mu      sync.Mutex
	entries map[string]*Entry
	changes chan struct{}
	wg      sync.WaitGroup
}

type PipelineOption func(*Pipeline)

// WithSendTimeout bounds each server call. A timeout surfaces as ERROR.
func WithSendTimeout(d time.Duration) PipelineOption {
	return func(p *Pipeline) { p.timeout = d }
}

// WithBaseContext sets the context sends run under. Cancelling it does not
// abort staged entries; in-flight calls fail and surface as ERROR.
func WithBaseContext(ctx context.Context) PipelineOption {
	return func(p *Pipeline) { p.ctx = ctx }
}

func WithNow(now func() time.Time) PipelineOption {
	return func(p *Pipeline) { p.now = now }
}

// NewPipeline creates a pipeline for authorID writing into conversationID.
func NewPipeline(sender Sender, conversationID, authorID int64, opts ...PipelineOption) *Pipeline {
	p := &Pipeline{
		sender:         sender,
		conversationID: conversationID,
		authorID:       authorID,
		ctx:            context.Background(),
		now:            time.Now,
		entries:        make(map[string]*Entry),
		changes:        make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Send stages text and returns its temporary id. The server call runs in
// the background.
func (p *Pipeline) Send(text string) string {
	return p.stage(text, uuid.NewString())
}

// Retry replaces a failed entry with a new attempt carrying the same text
// and idempotency token. It returns the new temporary id, or false when
// tempID is unknown or not in ERROR.
func (p *Pipeline) Retry(tempID string) (string, bool) {
	p.mu.Lock()
	entry, ok := p.entries[tempID]
	if !ok || entry.Status != models.MessageError {
		p.mu.Unlock()
		return "", false
	}
	delete(p.entries, tempID)
	p.mu.Unlock()

	return p.stage(entry.Text, entry.ClientToken), true
}

// Dismiss drops a failed entry without retrying it.
func (p *Pipeline) Dismiss(tempID string) bool {
	p.mu.Lock()
	entry, ok := p.entries[tempID]
	if ok && entry.Status == models.MessageError {
		delete(p.entries, tempID)
	}
	p.mu.Unlock()
	if ok {
		p.signal()
	}
	return ok
}

func (p *Pipeline) stage(text, token string) string {
	entry := &Entry{
		TempID:      uuid.NewString(),
		Text:        text,
		ClientToken: token,
		Status:      models.MessageSending,
		CreatedAt:   p.now(),
	}
	p.mu.Lock()
	p.entries[entry.TempID] = entry
	p.mu.Unlock()
	p.signal()

	p.wg.Add(1)
	go p.deliver(entry.TempID, text, token)
	return entry.TempID
}

func (p *Pipeline) deliver(tempID, text, token string) {
	defer p.wg.Done()

	ctx := p.ctx
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}
	_, err := p.sender.SendMessage(ctx, p.conversationID, text, token)

	p.mu.Lock()
	entry, ok := p.entries[tempID]
	if ok {
		if err == nil {
			delete(p.entries, tempID)
		} else {
			entry.Status = models.MessageError
			entry.Err = err
			entry.Reason = reason(err)
			entry.Retryable = IsRetryable(err) || errors.Is(err, context.DeadlineExceeded)
		}
	}
	p.mu.Unlock()
	p.signal()
}

// Entries returns a snapshot of all staged entries ordered by created_at.
func (p *Pipeline) Entries() []Entry {
	p.mu.Lock()
	defer p.mu.Unlock()
	entries := lo.Map(lo.Values(p.entries), func(e *Entry, _ int) Entry { return *e })
	slices.SortStableFunc(entries, func(a, b Entry) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.TempID, b.TempID)
	})
	return entries
}

// Errors returns the staged entries that failed.
func (p *Pipeline) Errors() []Entry {
	return lo.Filter(p.Entries(), func(e Entry, _ int) bool { return e.Status == models.MessageError })
}

// Merge returns confirmed followed by staged entries as one display list
// ordered by created_at. confirmed is not modified. Staged timestamps are
// local, so the interleaving with concurrent remote messages is approximate.
func (p *Pipeline) Merge(confirmed []models.Message) []models.Message {
	staged := lo.Map(p.Entries(), func(e Entry, _ int) models.Message {
		return models.Message{
			ConversationID: p.conversationID,
			AuthorID:       p.authorID,
			Text:           e.Text,
			ClientToken:    e.ClientToken,
			Status:         e.Status,
			CreatedAt:      e.CreatedAt,
		}
	})
	view := make([]models.Message, 0, len(confirmed)+len(staged))
	view = append(view, confirmed...)
	view = append(view, staged...)
	slices.SortStableFunc(view, func(a, b models.Message) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return view
}

// Changes signals after every state change. Signals coalesce.
func (p *Pipeline) Changes() <-chan struct{} {
	return p.changes
}

// Wait blocks until every in-flight send has settled.
func (p *Pipeline) Wait() {
	p.wg.Wait()
}

func (p *Pipeline) signal() {
	select {
	case p.changes <- struct{}{}:
	default:
	}
}

func reason(err error) string {
	var apiErr *APIError
	switch {
	case errors.Is(err, apperr.ErrQuotaExceeded):
		return "free message limit reached, a contract is needed to keep writing"
	case errors.Is(err, apperr.ErrValidation):
		if errors.As(err, &apiErr) {
			return "message rejected: " + apiErr.Message
		}
		return "message rejected: " + err.Error()
	case errors.Is(err, apperr.ErrPermissionDenied):
		return "you are not a participant of this conversation"
	case errors.Is(err, context.DeadlineExceeded):
		return "sending timed out"
	case IsRetryable(err):
		return "network error, message not sent"
	case errors.As(err, &apiErr):
		return apiErr.Message
	default:
		return err.Error()
	}
}
