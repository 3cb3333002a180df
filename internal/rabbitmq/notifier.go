package rabbitmq

import (
	"context"
	"log/slog"

	"coach-chat-service/internal/models"
	"coach-chat-service/internal/observability"
)

const chatEventsPrefix = "chat_events."

// EventNotifier forwards committed conversation events to the exchange.
// Delivery is best effort; failures are logged and counted.
type EventNotifier struct {
	log *slog.Logger
}

func NewEventNotifier(log *slog.Logger) *EventNotifier {
	return &EventNotifier{log: log}
}

func (n *EventNotifier) Notify(ctx context.Context, event models.ChatEvent) {
	envelope := observability.EventEnvelope{
		EventType: "chat_events",
		EventName: event.Type,
		Payload:   event,
	}
	if err := observability.PublishEvent(ctx, RoutingKey(event), envelope, observability.HeadersFromContext(ctx)); err != nil {
		n.log.Warn("chat event publish failed", "type", event.Type, "conversation_id", event.ConversationID, "error", err)
	}
}

// RoutingKey returns the topic routing key for a conversation event.
func RoutingKey(event models.ChatEvent) string {
	return chatEventsPrefix + event.Type
}
