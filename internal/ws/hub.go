package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"coach-chat-service/internal/models"
	"coach-chat-service/internal/observability"
)

const (
	kindConversation = "conversation"
	sendBuffer       = 32
)

// client is one websocket connection subscribed to a conversation. Only
// its write pump writes to conn.
type client struct {
	conn *websocket.Conn
	send chan []byte
	info ConnInfo
	once sync.Once
}

func (c *client) close() {
	c.once.Do(func() { close(c.send) })
}

// Hub maintains conversation rooms and fans committed events out to them.
type Hub struct {
	log         *slog.Logger
	rooms       map[int64]map[*client]struct{}
	subscribers map[int64]map[chan models.ChatEvent]struct{}
	mu          sync.RWMutex
}

// NewHub creates an empty hub.
func NewHub(log *slog.Logger) *Hub {
	return &Hub{
		log:         log,
		rooms:       make(map[int64]map[*client]struct{}),
		subscribers: make(map[int64]map[chan models.ChatEvent]struct{}),
	}
}

func (h *Hub) addClient(conversationID int64, c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.rooms[conversationID]; !ok {
		h.rooms[conversationID] = make(map[*client]struct{})
	}
	h.rooms[conversationID][c] = struct{}{}
}

func (h *Hub) removeClient(conversationID int64, c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if conns, ok := h.rooms[conversationID]; ok {
		delete(conns, c)
		if len(conns) == 0 {
			delete(h.rooms, conversationID)
		}
	}
	c.close()
}

// Subscribe registers an in-process listener for a conversation. The
// returned cancel func must be called to release it.
func (h *Hub) Subscribe(conversationID int64) (<-chan models.ChatEvent, func()) {
	ch := make(chan models.ChatEvent, sendBuffer)
	h.mu.Lock()
	if _, ok := h.subscribers[conversationID]; !ok {
		h.subscribers[conversationID] = make(map[chan models.ChatEvent]struct{})
	}
	h.subscribers[conversationID][ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if subs, ok := h.subscribers[conversationID]; ok {
				delete(subs, ch)
				if len(subs) == 0 {
					delete(h.subscribers, conversationID)
				}
			}
			close(ch)
		})
	}
	return ch, cancel
}

// Notify delivers event to every connection and listener of its
// conversation. Slow websocket clients are dropped; slow listeners miss
// the event.
func (h *Hub) Notify(_ context.Context, event models.ChatEvent) {
	payload, err := json.Marshal(event)
	if err != nil {
		h.log.Error("marshal chat event", "type", event.Type, "error", err)
		return
	}

	var slow []*client
	h.mu.RLock()
	for c := range h.rooms[event.ConversationID] {
		select {
		case c.send <- payload:
		default:
			slow = append(slow, c)
		}
	}
	for ch := range h.subscribers[event.ConversationID] {
		select {
		case ch <- event:
		default:
			h.log.Warn("dropping event for slow subscriber", "conversation_id", event.ConversationID, "type", event.Type)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.removeClient(event.ConversationID, c)
		h.publishWSError(event.ConversationID, c.info, "send buffer full")
	}
}

// Connections reports the number of websocket clients in a conversation.
func (h *Hub) Connections(conversationID int64) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[conversationID])
}

func (h *Hub) publishWSError(conversationID int64, info ConnInfo, reason string) {
	observability.IncWSEvent(kindConversation, "ws_error")
	_ = observability.PublishEvent(context.Background(), wsRoutingKey, wsEnvelope("ws_error", conversationID, info, reason), observability.BuildHeaders(info.RequestID, info.TraceID))
}

const wsRoutingKey = "ws_events.conversations"

func wsEnvelope(event string, conversationID int64, info ConnInfo, reason string) observability.EventEnvelope {
	var duration int64
	if !info.ConnectedAt.IsZero() {
		duration = time.Since(info.ConnectedAt).Milliseconds()
	}
	return observability.EventEnvelope{
		EventType: "ws_events",
		EventName: event,
		Payload: map[string]interface{}{
			"ws": map[string]interface{}{
				"kind":        kindConversation,
				"resource_id": conversationID,
				"event":       event,
				"conn_id":     info.ConnID,
				"duration_ms": duration,
				"reason":      reason,
			},
			"identity": map[string]interface{}{
				"user_id":   info.UserID,
				"device_id": info.DeviceID,
				"ip":        info.IP,
			},
		},
	}
}
