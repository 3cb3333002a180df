package handlers

import (
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"coach-chat-service/internal/middleware"
)

func requestIDFromContext(c *gin.Context) string {
	if val, ok := c.Get(middleware.RequestIDKey); ok {
		if id, ok := val.(string); ok && id != "" {
			return id
		}
	}

	requestID := c.GetHeader(middleware.RequestIDHeader)
	if requestID == "" {
		requestID = uuid.NewString()
	}
	c.Set(middleware.RequestIDKey, requestID)
	return requestID
}

// callerID returns the authenticated user id set by AuthMiddleware.
func callerID(c *gin.Context) int64 {
	return c.GetInt64(middleware.UserIDKey)
}

// auditUserID renders the caller for audit envelopes, nil when anonymous.
func auditUserID(c *gin.Context) *string {
	if id := callerID(c); id != 0 {
		value := strconv.FormatInt(id, 10)
		return &value
	}
	return nil
}
