package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/samber/lo"

	"coach-chat-service/internal/apperr"
	"coach-chat-service/internal/models"
	"coach-chat-service/internal/services"
)

// IdempotencyKeyHeader carries the client token when the body omits it.
const IdempotencyKeyHeader = "Idempotency-Key"

// ConversationHandler exposes the conversation core over HTTP.
type ConversationHandler struct {
	core services.Core
}

// NewConversationHandler builds a ConversationHandler.
func NewConversationHandler(core services.Core) *ConversationHandler {
	return &ConversationHandler{core: core}
}

// Register mounts the conversation routes on an authenticated group.
func (h *ConversationHandler) Register(r gin.IRoutes) {
	r.GET("/conversations", h.ListConversations)
	r.POST("/conversations", h.StartConversation)
	r.GET("/conversations/:conversation_id", h.GetConversation)
	r.GET("/conversations/:conversation_id/messages", h.ListMessages)
	r.POST("/conversations/:conversation_id/messages", h.PostMessage)
	r.POST("/conversations/:conversation_id/read", h.MarkRead)
	r.GET("/conversations/:conversation_id/unread", h.UnreadCount)
	r.PUT("/conversations/:conversation_id/contract", h.MarkContract)
	r.DELETE("/conversations/:conversation_id/contract", h.CancelContract)
}

type conversationSummaryResponse struct {
	models.ConversationSummary
	OtherParticipantID int64 `json:"other_participant_id"`
}

// ListConversations returns the caller's conversations, most recent first.
func (h *ConversationHandler) ListConversations(c *gin.Context) {
	userID := callerID(c)
	summaries, err := h.core.ListConversations(c.Request.Context(), userID)
	if err != nil {
		respondError(c, err, "failed to load conversations")
		return
	}

	resp := lo.Map(summaries, func(s models.ConversationSummary, _ int) conversationSummaryResponse {
		return conversationSummaryResponse{ConversationSummary: s, OtherParticipantID: s.OtherParticipant(userID)}
	})
	c.JSON(http.StatusOK, gin.H{"conversations": resp})
}

// StartConversation creates or returns the conversation for an ordered pair.
func (h *ConversationHandler) StartConversation(c *gin.Context) {
	var req struct {
		InitiatorID   int64 `json:"initiator_id"`
		CounterpartID int64 `json:"counterpart_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": apperr.CodeValidation})
		return
	}

	userID := callerID(c)
	initiatorID := lo.Ternary(req.InitiatorID != 0, req.InitiatorID, userID)
	conv, err := h.core.GetOrCreateConversation(c.Request.Context(), userID, initiatorID, req.CounterpartID)
	if err != nil {
		respondError(c, err, "could not create conversation")
		return
	}
	c.JSON(http.StatusOK, conv)
}

// GetConversation returns one conversation with its effective status.
func (h *ConversationHandler) GetConversation(c *gin.Context) {
	conversationID, ok := parseConversationID(c)
	if !ok {
		return
	}
	conv, err := h.core.GetConversation(c.Request.Context(), callerID(c), conversationID)
	if err != nil {
		respondError(c, err, "failed to load conversation")
		return
	}
	c.JSON(http.StatusOK, conv)
}

// ListMessages returns one page of history walking backward from cursor.
// Unless mark_read=false the caller's unread messages are marked read first,
// so the returned page carries their read_at.
func (h *ConversationHandler) ListMessages(c *gin.Context) {
	conversationID, ok := parseConversationID(c)
	if !ok {
		return
	}

	limit := 0
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit", "code": apperr.CodeValidation})
			return
		}
		limit = parsed
	}

	userID := callerID(c)
	if c.Query("mark_read") != "false" {
		if _, err := h.core.MarkAsRead(c.Request.Context(), userID, conversationID); err != nil {
			respondError(c, err, "failed to mark messages read")
			return
		}
	}

	page, err := h.core.ListMessages(c.Request.Context(), userID, conversationID, c.Query("cursor"), limit)
	if err != nil {
		respondError(c, err, "failed to load messages")
		return
	}
	c.JSON(http.StatusOK, page)
}

// PostMessage appends a message subject to the conversation's entitlement.
func (h *ConversationHandler) PostMessage(c *gin.Context) {
	conversationID, ok := parseConversationID(c)
	if !ok {
		return
	}

	var req struct {
		Text        string `json:"text" binding:"required"`
		ClientToken string `json:"client_token"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": apperr.CodeValidation})
		return
	}

	msg, err := h.core.SendMessage(c.Request.Context(), services.SendInput{
		ConversationID: conversationID,
		AuthorID:       callerID(c),
		Text:           req.Text,
		ClientToken:    lo.Ternary(req.ClientToken != "", req.ClientToken, c.GetHeader(IdempotencyKeyHeader)),
	})
	if err != nil {
		respondError(c, err, "failed to send message")
		return
	}
	c.JSON(http.StatusCreated, msg)
}

// MarkRead marks every message from the other participant as read.
func (h *ConversationHandler) MarkRead(c *gin.Context) {
	conversationID, ok := parseConversationID(c)
	if !ok {
		return
	}
	marked, err := h.core.MarkAsRead(c.Request.Context(), callerID(c), conversationID)
	if err != nil {
		respondError(c, err, "failed to mark messages read")
		return
	}
	c.JSON(http.StatusOK, gin.H{"marked": marked})
}

func (h *ConversationHandler) UnreadCount(c *gin.Context) {
	conversationID, ok := parseConversationID(c)
	if !ok {
		return
	}
	count, err := h.core.UnreadCount(c.Request.Context(), callerID(c), conversationID)
	if err != nil {
		respondError(c, err, "failed to count unread messages")
		return
	}
	c.JSON(http.StatusOK, gin.H{"unread": count})
}

// MarkContract records an active paid engagement (counterpart only).
func (h *ConversationHandler) MarkContract(c *gin.Context) {
	conversationID, ok := parseConversationID(c)
	if !ok {
		return
	}

	var req struct {
		ValidUntil time.Time `json:"valid_until" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": apperr.CodeValidation})
		return
	}

	conv, err := h.core.MarkContract(c.Request.Context(), callerID(c), conversationID, req.ValidUntil)
	if err != nil {
		respondError(c, err, "could not mark contract")
		return
	}
	c.JSON(http.StatusOK, conv)
}

// CancelContract ends the engagement early (counterpart only).
func (h *ConversationHandler) CancelContract(c *gin.Context) {
	conversationID, ok := parseConversationID(c)
	if !ok {
		return
	}
	conv, err := h.core.CancelContract(c.Request.Context(), callerID(c), conversationID)
	if err != nil {
		respondError(c, err, "could not cancel contract")
		return
	}
	c.JSON(http.StatusOK, conv)
}

func parseConversationID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("conversation_id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid conversation id", "code": apperr.CodeValidation})
		return 0, false
	}
	return id, true
}

// respondError writes err as {"error", "code"}. Internal failures get the
// fallback message instead of the error text.
func respondError(c *gin.Context, err error, fallback string) {
	status := apperr.HTTPStatus(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		_ = c.Error(err)
		msg = fallback
	}
	c.JSON(status, gin.H{"error": msg, "code": apperr.Code(err)})
}
