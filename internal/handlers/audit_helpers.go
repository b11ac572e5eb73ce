package handlers

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"messaging-core/internal/middleware"
	"messaging-core/internal/telemetry"
)

const requestIDContextKey = "request_id"

func requestIDFromContext(c *gin.Context) string {
	if val, ok := c.Get(requestIDContextKey); ok {
		if id, ok := val.(string); ok && id != "" {
			return id
		}
	}

	requestID := c.GetHeader("X-Request-ID")
	if requestID == "" {
		requestID = uuid.NewString()
	}
	c.Set(requestIDContextKey, requestID)
	return requestID
}

func userIDFromContext(c *gin.Context) *string {
	if userID := middleware.UserID(c); userID != "" {
		return &userID
	}
	if header := c.GetHeader("X-User-ID"); header != "" {
		return &header
	}
	return nil
}

// RequestID assigns every request an id, echoes it back and makes it
// available to audit records emitted by the services.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := requestIDFromContext(c)
		c.Header("X-Request-ID", requestID)
		c.Request = c.Request.WithContext(telemetry.WithRequestID(c.Request.Context(), requestID))
		c.Next()
	}
}
