package telemetry

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/mama165/sdk-go/logs"
	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coach-chat-service/internal/observability"
)

type capturePublisher struct {
	routingKey string
	event      any
	headers    map[string]string
}

func (p *capturePublisher) Publish(_ context.Context, routingKey string, event any, headers map[string]string) error {
	p.routingKey = routingKey
	p.event = event
	p.headers = headers
	return nil
}

func TestAuditEmitterBuildsEnvelope(t *testing.T) {
	pub := &capturePublisher{}
	emitter := NewAuditEmitter(pub, logs.GetLoggerFromLevel(slog.LevelDebug), "audit.chat", "coach-chat-service", "test")
	emitter.now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }

	ctx := observability.WithRequestID(context.Background(), "req-9")
	emitter.Emit(ctx, "info", "contract marked", "", lo.ToPtr("42"))

	require.Equal(t, "audit.chat", pub.routingKey)
	envelope, ok := pub.event.(AuditEnvelope)
	require.True(t, ok)
	assert.Equal(t, "audit_log", envelope.EventType)
	assert.Equal(t, "req-9", envelope.RequestID)
	assert.Equal(t, "2026-01-02T03:04:05Z", envelope.OccurredAt)
	assert.Equal(t, "42", *envelope.UserID)
	assert.Equal(t, AuditPayload{Level: "info", Text: "contract marked"}, envelope.Payload)
	assert.Equal(t, "req-9", pub.headers["x-request-id"])
}

func TestNilAuditEmitterIsSafe(t *testing.T) {
	var emitter *AuditEmitter
	assert.NotPanics(t, func() {
		emitter.Emit(context.Background(), "info", "x", "", nil)
	})
}
