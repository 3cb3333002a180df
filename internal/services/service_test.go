package services

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mama165/sdk-go/logs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coach-chat-service/internal/apperr"
	"coach-chat-service/internal/entitlement"
	"coach-chat-service/internal/models"
	"coach-chat-service/internal/repositories"
)

const (
	client  int64 = 10
	trainer int64 = 20
	other   int64 = 30
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []models.ChatEvent
}

func (r *recordingNotifier) Notify(_ context.Context, event models.ChatEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recordingNotifier) byType(kind string) []models.ChatEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.ChatEvent
	for _, e := range r.events {
		if e.Type == kind {
			out = append(out, e)
		}
	}
	return out
}

type fixture struct {
	svc      *Service
	store    *repositories.MemoryStore
	clock    *fakeClock
	notifier *recordingNotifier
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:    repositories.NewMemoryStore(),
		clock:    &fakeClock{now: time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)},
		notifier: &recordingNotifier{},
	}
	svc, err := New(f.store, logs.GetLoggerFromLevel(slog.LevelDebug), DefaultConfig(), WithClock(f.clock), WithNotifier(f.notifier))
	require.NoError(t, err)
	t.Cleanup(svc.Close)
	f.svc = svc
	return f
}

func (f *fixture) conversation(t *testing.T) models.Conversation {
	t.Helper()
	conv, err := f.svc.GetOrCreateConversation(context.Background(), client, client, trainer)
	require.NoError(t, err)
	return conv
}

func (f *fixture) send(t *testing.T, convID, author int64, text string) (models.Message, error) {
	t.Helper()
	f.clock.Advance(time.Second)
	return f.svc.SendMessage(context.Background(), SendInput{ConversationID: convID, AuthorID: author, Text: text})
}

// assertConsistent checks the status invariant after a mutating operation.
func (f *fixture) assertConsistent(t *testing.T, convID int64) models.Conversation {
	t.Helper()
	conv, err := f.store.Conversations().Get(context.Background(), convID)
	require.NoError(t, err)
	require.NoError(t, entitlement.Check(conv, f.clock.Now()))
	return conv
}

func TestGetOrCreateConversation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	conv := f.conversation(t)
	assert.Equal(t, models.StatusOpen, conv.Status)
	assert.Equal(t, 0, conv.QuotaUsed)
	assert.Equal(t, 3, conv.QuotaLimit)

	again, err := f.svc.GetOrCreateConversation(ctx, trainer, client, trainer)
	require.NoError(t, err)
	assert.Equal(t, conv.ID, again.ID)

	_, err = f.svc.GetOrCreateConversation(ctx, other, client, trainer)
	assert.ErrorIs(t, err, apperr.ErrPermissionDenied)

	_, err = f.svc.GetOrCreateConversation(ctx, client, client, client)
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestGetConversationErrors(t *testing.T) {
	f := newFixture(t)
	conv := f.conversation(t)

	_, err := f.svc.GetConversation(context.Background(), client, conv.ID+100)
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	_, err = f.svc.GetConversation(context.Background(), other, conv.ID)
	assert.ErrorIs(t, err, apperr.ErrPermissionDenied)
}

func TestQuotaBlocksOnLimitAndRejectsNextSend(t *testing.T) {
	f := newFixture(t)
	conv := f.conversation(t)

	for i := 1; i <= 3; i++ {
		_, err := f.send(t, conv.ID, client, fmt.Sprintf("hello %d", i))
		require.NoError(t, err)
		got := f.assertConsistent(t, conv.ID)
		if i < 3 {
			assert.Equal(t, models.StatusOpen, got.Status)
		} else {
			assert.Equal(t, models.StatusBlocked, got.Status)
		}
	}

	_, err := f.send(t, conv.ID, client, "one more")
	assert.ErrorIs(t, err, apperr.ErrQuotaExceeded)
	got := f.assertConsistent(t, conv.ID)
	assert.Equal(t, 3, got.QuotaUsed)

	assert.Eventually(t, func() bool { return len(f.notifier.byType(models.EventStatus)) == 1 }, time.Second, 5*time.Millisecond)
}

func TestContractScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	conv := f.conversation(t)

	for i := 0; i < 3; i++ {
		_, err := f.send(t, conv.ID, client, "question")
		require.NoError(t, err)
	}
	assert.Equal(t, models.StatusBlocked, f.assertConsistent(t, conv.ID).Status)

	for i := 0; i < 5; i++ {
		_, err := f.send(t, conv.ID, trainer, "answer")
		require.NoError(t, err)
	}
	got := f.assertConsistent(t, conv.ID)
	assert.Equal(t, models.StatusBlocked, got.Status)
	assert.Equal(t, 3, got.QuotaUsed)

	_, err := f.svc.MarkContract(ctx, client, conv.ID, f.clock.Now().Add(30*24*time.Hour))
	assert.ErrorIs(t, err, apperr.ErrPermissionDenied)

	contracted, err := f.svc.MarkContract(ctx, trainer, conv.ID, f.clock.Now().Add(30*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, models.StatusContracted, contracted.Status)
	f.assertConsistent(t, conv.ID)

	for i := 0; i < 10; i++ {
		_, err := f.send(t, conv.ID, client, "paid question")
		require.NoError(t, err)
	}
	got = f.assertConsistent(t, conv.ID)
	assert.Equal(t, models.StatusContracted, got.Status)
	assert.Equal(t, 3, got.QuotaUsed)

	_, err = f.svc.MarkContract(ctx, trainer, conv.ID, f.clock.Now().Add(60*24*time.Hour))
	assert.ErrorIs(t, err, apperr.ErrContractAlreadyActive)
}

func TestCancelContractAfterExhaustedQuotaReturnsToBlocked(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	conv := f.conversation(t)
	for i := 0; i < 3; i++ {
		_, err := f.send(t, conv.ID, client, "q")
		require.NoError(t, err)
	}
	_, err := f.svc.MarkContract(ctx, trainer, conv.ID, f.clock.Now().Add(time.Hour))
	require.NoError(t, err)

	_, err = f.svc.CancelContract(ctx, client, conv.ID)
	assert.ErrorIs(t, err, apperr.ErrPermissionDenied)

	cancelled, err := f.svc.CancelContract(ctx, trainer, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusBlocked, cancelled.Status)
	assert.Nil(t, cancelled.ContractValidUntil)
	f.assertConsistent(t, conv.ID)

	_, err = f.svc.CancelContract(ctx, trainer, conv.ID)
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestCounterpartMessagesNeverConsumeQuota(t *testing.T) {
	f := newFixture(t)
	conv := f.conversation(t)

	for i := 0; i < 7; i++ {
		_, err := f.send(t, conv.ID, trainer, "tip")
		require.NoError(t, err)
	}
	got := f.assertConsistent(t, conv.ID)
	assert.Equal(t, 0, got.QuotaUsed)
	assert.Equal(t, models.StatusOpen, got.Status)
	require.NotNil(t, got.LastMessage)
	assert.Equal(t, trainer, got.LastMessage.AuthorID)
}

func TestLazyContractExpiry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	conv := f.conversation(t)
	for i := 0; i < 3; i++ {
		_, err := f.send(t, conv.ID, client, "q")
		require.NoError(t, err)
	}
	_, err := f.svc.MarkContract(ctx, trainer, conv.ID, f.clock.Now().Add(time.Hour))
	require.NoError(t, err)

	f.clock.Advance(2 * time.Hour)

	stored, err := f.store.Conversations().Get(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusContracted, stored.Status, "idle conversation keeps its persisted status")

	_, err = f.send(t, conv.ID, client, "still there?")
	assert.ErrorIs(t, err, apperr.ErrQuotaExceeded)

	got := f.assertConsistent(t, conv.ID)
	assert.Equal(t, models.StatusBlocked, got.Status)
	assert.Nil(t, got.ContractValidUntil)
}

func TestStatusReadAppliesExpiry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	conv := f.conversation(t)
	_, err := f.svc.MarkContract(ctx, trainer, conv.ID, f.clock.Now().Add(time.Minute))
	require.NoError(t, err)

	f.clock.Advance(time.Hour)
	got, err := f.svc.GetConversation(ctx, client, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusOpen, got.Status)
	f.assertConsistent(t, conv.ID)

	list, err := f.svc.ListConversations(ctx, trainer)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, models.StatusOpen, list[0].Status)
	assert.Equal(t, models.RoleCounterpart, list[0].Role)
}

func TestSweepExpiredContracts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	conv := f.conversation(t)
	_, err := f.svc.MarkContract(ctx, trainer, conv.ID, f.clock.Now().Add(time.Minute))
	require.NoError(t, err)

	swept, err := f.svc.SweepExpiredContracts(ctx)
	require.NoError(t, err)
	assert.Zero(t, swept)

	f.clock.Advance(time.Hour)
	swept, err = f.svc.SweepExpiredContracts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, swept)
	assert.Equal(t, models.StatusOpen, f.assertConsistent(t, conv.ID).Status)
}

func TestSendValidation(t *testing.T) {
	f := newFixture(t)
	conv := f.conversation(t)

	_, err := f.send(t, conv.ID, client, "   \n\t ")
	assert.ErrorIs(t, err, apperr.ErrValidation)

	_, err = f.send(t, conv.ID, client, strings.Repeat("é", DefaultConfig().MaxMessageLength+1))
	assert.ErrorIs(t, err, apperr.ErrValidation)

	longest, err := f.send(t, conv.ID, client, strings.Repeat("é", DefaultConfig().MaxMessageLength))
	require.NoError(t, err)
	assert.Equal(t, models.MessageSent, longest.Status)

	_, err = f.send(t, conv.ID, other, "intruder")
	assert.ErrorIs(t, err, apperr.ErrPermissionDenied)

	_, err = f.send(t, conv.ID+9, client, "nowhere")
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	assert.Equal(t, 1, f.assertConsistent(t, conv.ID).QuotaUsed)
}

func TestSendTrimsText(t *testing.T) {
	f := newFixture(t)
	conv := f.conversation(t)

	msg, err := f.send(t, conv.ID, client, "  hi coach  ")
	require.NoError(t, err)
	assert.Equal(t, "hi coach", msg.Text)
}

func TestClientTokenMakesRetriesIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	conv := f.conversation(t)

	in := SendInput{ConversationID: conv.ID, AuthorID: client, Text: "are you there?", ClientToken: "tok-1"}
	first, err := f.svc.SendMessage(ctx, in)
	require.NoError(t, err)
	second, err := f.svc.SendMessage(ctx, in)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	got := f.assertConsistent(t, conv.ID)
	assert.Equal(t, 1, got.QuotaUsed)

	page, err := f.svc.ListMessages(ctx, client, conv.ID, "", 10)
	require.NoError(t, err)
	assert.Len(t, page.Messages, 1)
}

func TestConcurrentSendsNeverExceedLimit(t *testing.T) {
	f := newFixture(t)
	conv := f.conversation(t)

	var wg sync.WaitGroup
	results := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.svc.SendMessage(context.Background(), SendInput{ConversationID: conv.ID, AuthorID: client, Text: fmt.Sprintf("msg %d", i)})
			results <- err
		}(i)
	}
	wg.Wait()
	close(results)

	admitted, refused := 0, 0
	for err := range results {
		switch {
		case err == nil:
			admitted++
		case assert.ErrorIs(t, err, apperr.ErrQuotaExceeded):
			refused++
		}
	}
	assert.Equal(t, 3, admitted)
	assert.Equal(t, 17, refused)
	got := f.assertConsistent(t, conv.ID)
	assert.Equal(t, 3, got.QuotaUsed)
	assert.Equal(t, models.StatusBlocked, got.Status)
}

func TestListMessagesPagesCoverLogExactlyOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	conv := f.conversation(t)
	_, err := f.svc.MarkContract(ctx, trainer, conv.ID, f.clock.Now().Add(time.Hour))
	require.NoError(t, err)

	total := 17
	for i := 0; i < total; i++ {
		author := client
		if i%3 == 0 {
			author = trainer
		}
		if i%4 != 0 {
			f.clock.Advance(time.Millisecond)
		}
		_, err := f.svc.SendMessage(ctx, SendInput{ConversationID: conv.ID, AuthorID: author, Text: fmt.Sprintf("m%02d", i)})
		require.NoError(t, err)
	}

	var all []models.Message
	cursor := ""
	pages := 0
	for {
		page, err := f.svc.ListMessages(ctx, client, conv.ID, cursor, 5)
		require.NoError(t, err)
		pages++
		all = append(append([]models.Message{}, page.Messages...), all...)
		if page.NextCursor == nil {
			break
		}
		cursor = *page.NextCursor
	}

	assert.Equal(t, 4, pages)
	require.Len(t, all, total)
	seen := map[int64]bool{}
	for i, msg := range all {
		assert.False(t, seen[msg.ID], "message %d returned twice", msg.ID)
		seen[msg.ID] = true
		assert.Equal(t, fmt.Sprintf("m%02d", i), msg.Text)
		if i > 0 {
			assert.False(t, msg.CreatedAt.Before(all[i-1].CreatedAt))
		}
	}
}

func TestListMessagesLastPageHasNoCursor(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	conv := f.conversation(t)
	for i := 0; i < 2; i++ {
		_, err := f.send(t, conv.ID, client, "x")
		require.NoError(t, err)
	}

	page, err := f.svc.ListMessages(ctx, trainer, conv.ID, "", 2)
	require.NoError(t, err)
	assert.Len(t, page.Messages, 2)
	assert.Nil(t, page.NextCursor)

	_, err = f.svc.ListMessages(ctx, trainer, conv.ID, "%%", 2)
	assert.ErrorIs(t, err, apperr.ErrValidation)

	_, err = f.svc.ListMessages(ctx, other, conv.ID, "", 2)
	assert.ErrorIs(t, err, apperr.ErrPermissionDenied)
}

func TestMarkAsReadIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	conv := f.conversation(t)
	for _, author := range []int64{trainer, trainer, client} {
		_, err := f.send(t, conv.ID, author, "x")
		require.NoError(t, err)
	}

	unread, err := f.svc.UnreadCount(ctx, client, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, unread)

	marked, err := f.svc.MarkAsRead(ctx, client, conv.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 2, marked)

	marked, err = f.svc.MarkAsRead(ctx, client, conv.ID)
	require.NoError(t, err)
	assert.Zero(t, marked)

	unread, err = f.svc.UnreadCount(ctx, client, conv.ID)
	require.NoError(t, err)
	assert.Zero(t, unread)

	unread, err = f.svc.UnreadCount(ctx, trainer, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, unread)

	assert.Eventually(t, func() bool { return len(f.notifier.byType(models.EventRead)) == 1 }, time.Second, 5*time.Millisecond)

	_, err = f.svc.MarkAsRead(ctx, other, conv.ID)
	assert.ErrorIs(t, err, apperr.ErrPermissionDenied)
}

func TestSendPublishesMessageEvent(t *testing.T) {
	f := newFixture(t)
	conv := f.conversation(t)

	msg, err := f.send(t, conv.ID, client, "ping")
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		events := f.notifier.byType(models.EventMessage)
		return len(events) == 1 && events[0].Message.ID == msg.ID
	}, time.Second, 5*time.Millisecond)
}

// slowNotifier stalls on BLOCKED status events to widen any reordering window.
type slowNotifier struct {
	recordingNotifier
}

func (n *slowNotifier) Notify(ctx context.Context, event models.ChatEvent) {
	if event.Type == models.EventStatus && event.Conversation.Status == models.StatusBlocked {
		time.Sleep(50 * time.Millisecond)
	}
	n.recordingNotifier.Notify(ctx, event)
}

func TestStatusEventsArriveInCommitOrder(t *testing.T) {
	store := repositories.NewMemoryStore()
	clock := &fakeClock{now: time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)}
	notifier := &slowNotifier{}
	svc, err := New(store, logs.GetLoggerFromLevel(slog.LevelDebug), DefaultConfig(), WithClock(clock), WithNotifier(notifier))
	require.NoError(t, err)
	ctx := context.Background()

	conv, err := svc.GetOrCreateConversation(ctx, client, client, trainer)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		clock.Advance(time.Second)
		_, err := svc.SendMessage(ctx, SendInput{ConversationID: conv.ID, AuthorID: client, Text: "question"})
		require.NoError(t, err)
	}
	_, err = svc.MarkContract(ctx, trainer, conv.ID, clock.Now().Add(24*time.Hour))
	require.NoError(t, err)

	svc.Close()
	statuses := make([]models.ConversationStatus, 0, 2)
	for _, e := range notifier.byType(models.EventStatus) {
		statuses = append(statuses, e.Conversation.Status)
	}
	assert.Equal(t, []models.ConversationStatus{models.StatusBlocked, models.StatusContracted}, statuses)
}

func TestDispatcherPreservesOrder(t *testing.T) {
	rec := &recordingNotifier{}
	d := newDispatcher(rec)
	for i := int64(1); i <= 200; i++ {
		d.enqueue(context.Background(), []models.ChatEvent{{Type: models.EventMessage, ConversationID: i}})
	}
	d.close()

	require.Len(t, rec.events, 200)
	for i, e := range rec.events {
		assert.Equal(t, int64(i+1), e.ConversationID)
	}
	assert.NotPanics(t, d.close)
}

func TestNewRejectsNonPositiveQuotaLimit(t *testing.T) {
	for _, limit := range []int{0, -1} {
		cfg := DefaultConfig()
		cfg.DefaultQuotaLimit = limit
		_, err := New(repositories.NewMemoryStore(), logs.GetLoggerFromLevel(slog.LevelDebug), cfg)
		assert.ErrorIs(t, err, apperr.ErrValidation, fmt.Sprintf("limit %d", limit))
	}
}
