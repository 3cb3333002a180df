package rabbitmq

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/mama165/sdk-go/logs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coach-chat-service/internal/models"
	"coach-chat-service/internal/observability"
)

type recordingPublisher struct {
	keys      []string
	envelopes []any
	err       error
}

func (p *recordingPublisher) Publish(_ context.Context, routingKey string, event any, _ map[string]string) error {
	p.keys = append(p.keys, routingKey)
	p.envelopes = append(p.envelopes, event)
	return p.err
}

func TestEventNotifierPublishesEnvelope(t *testing.T) {
	pub := &recordingPublisher{}
	observability.SetPublisher(pub)
	t.Cleanup(func() { observability.SetPublisher(nil) })

	n := NewEventNotifier(logs.GetLoggerFromLevel(slog.LevelDebug))
	n.Notify(context.Background(), models.ChatEvent{Type: models.EventMessage, ConversationID: 7})

	require.Len(t, pub.keys, 1)
	assert.Equal(t, "chat_events.message", pub.keys[0])
	envelope, ok := pub.envelopes[0].(observability.EventEnvelope)
	require.True(t, ok)
	assert.Equal(t, "chat_events", envelope.EventType)
	assert.Equal(t, models.EventMessage, envelope.EventName)
}

func TestEventNotifierSwallowsPublishErrors(t *testing.T) {
	pub := &recordingPublisher{err: errors.New("channel closed")}
	observability.SetPublisher(pub)
	t.Cleanup(func() { observability.SetPublisher(nil) })

	n := NewEventNotifier(logs.GetLoggerFromLevel(slog.LevelDebug))
	assert.NotPanics(t, func() {
		n.Notify(context.Background(), models.ChatEvent{Type: models.EventRead, ConversationID: 1})
	})
	assert.Equal(t, []string{"chat_events.read"}, pub.keys)
}

func TestNoopPublisherReportsReason(t *testing.T) {
	p := NewPublisher(logs.GetLoggerFromLevel(slog.LevelDebug), "", "chat")
	assert.Equal(t, "noop", PublisherMode(p))
	assert.Equal(t, "empty amqp url", PublisherNoopReason(p))
	assert.NoError(t, p.Publish(context.Background(), "k", map[string]string{}, nil))
	assert.NoError(t, p.Close())
}
