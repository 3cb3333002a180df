package ws

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"

	"coach-chat-service/internal/apperr"
	"coach-chat-service/internal/auth"
	"coach-chat-service/internal/models"
	"coach-chat-service/internal/observability"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// ConversationReader checks that a caller may see a conversation.
type ConversationReader interface {
	GetConversation(ctx context.Context, callerID, conversationID int64) (models.Conversation, error)
}

// ConversationWebSocketHandler streams conversation events to participants.
type ConversationWebSocketHandler struct {
	hub      *Hub
	core     ConversationReader
	verifier auth.Verifier
}

// NewConversationWebSocketHandler constructs a ConversationWebSocketHandler.
func NewConversationWebSocketHandler(hub *Hub, core ConversationReader, verifier auth.Verifier) *ConversationWebSocketHandler {
	return &ConversationWebSocketHandler{hub: hub, core: core, verifier: verifier}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Handle authenticates the caller, upgrades the connection and registers it.
func (h *ConversationWebSocketHandler) Handle(c *gin.Context) {
	conversationID, err := strconv.ParseInt(c.Param("conversation_id"), 10, 64)
	if err != nil || conversationID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid conversation id", "code": apperr.CodeValidation})
		return
	}

	ctx, span := otel.Tracer("coach-chat-service/ws").Start(c.Request.Context(), "ws.handshake")
	defer span.End()
	c.Request = c.Request.WithContext(ctx)

	token, ok := auth.BearerToken(c.GetHeader("Authorization"))
	if !ok {
		token = c.Query("token")
	}
	userID, err := h.verifier.Verify(token)
	if token == "" || err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token", "code": apperr.CodeUnauthenticated})
		return
	}

	if _, err := h.core.GetConversation(ctx, userID, conversationID); err != nil {
		status := apperr.HTTPStatus(err)
		if status == http.StatusInternalServerError {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load conversation", "code": apperr.Code(err)})
			return
		}
		c.JSON(status, gin.H{"error": "not authorized for conversation", "code": apperr.Code(err)})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	traceID := span.SpanContext().TraceID().String()
	requestID := observability.RequestIDFromContext(ctx)
	if requestID == "" {
		requestID = observability.RequestIDFromRequest(c.Request)
	}
	cl := &client{
		conn: conn,
		send: make(chan []byte, sendBuffer),
		info: ConnInfo{
			ConnID:      uuid.NewString(),
			UserID:      userID,
			DeviceID:    observability.DeviceIDFromRequest(c.Request),
			IP:          observability.IPFromRequest(c.Request),
			RequestID:   requestID,
			TraceID:     traceID,
			ConnectedAt: time.Now(),
		},
	}
	h.hub.addClient(conversationID, cl)

	observability.IncWSActive(kindConversation)
	observability.IncWSEvent(kindConversation, "ws_connect")
	headers := observability.BuildHeaders(requestID, traceID)
	pubCtx := context.WithoutCancel(ctx)
	_ = observability.PublishEvent(pubCtx, wsRoutingKey, wsEnvelope("ws_connect", conversationID, cl.info, ""), headers)

	go h.writePump(cl)
	go func() {
		var closeReason string
		defer func() {
			h.hub.removeClient(conversationID, cl)
			observability.DecWSActive(kindConversation)
			observability.IncWSEvent(kindConversation, "ws_disconnect")
			_ = observability.PublishEvent(pubCtx, wsRoutingKey, wsEnvelope("ws_disconnect", conversationID, cl.info, closeReason), headers)
			conn.Close()
		}()
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				closeReason = err.Error()
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					observability.IncWSEvent(kindConversation, "ws_error")
					_ = observability.PublishEvent(pubCtx, wsRoutingKey, wsEnvelope("ws_error", conversationID, cl.info, closeReason), headers)
				}
				return
			}
		}
	}()
}

func (h *ConversationWebSocketHandler) writePump(cl *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		cl.conn.Close()
	}()
	for {
		select {
		case payload, ok := <-cl.send:
			_ = cl.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = cl.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := cl.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				h.hub.log.Debug("websocket write error", "conn_id", cl.info.ConnID, "error", err)
				return
			}
		case <-ticker.C:
			_ = cl.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := cl.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
