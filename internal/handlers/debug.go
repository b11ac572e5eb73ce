package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"messaging-core/internal/rabbitmq"
	"messaging-core/internal/telemetry"
)

// DebugDeps are what the debug routes inspect.
type DebugDeps struct {
	Audit     *telemetry.AuditEmitter
	Publisher rabbitmq.Publisher
	Storage   string
}

// RegisterDebugRoutes wires debug-only endpoints.
func RegisterDebugRoutes(router gin.IRoutes, deps DebugDeps, enabled bool) {
	if !enabled {
		return
	}

	router.GET("/debug/audit-test", func(c *gin.Context) {
		if deps.Audit == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "audit emitter not configured"})
			return
		}
		payload := telemetry.AuditPayload{Text: "audit test", Action: "debug", ThreadID: c.Query("thread_id")}
		deps.Audit.Emit(c.Request.Context(), "INFO", payload, requestIDFromContext(c), userIDFromContext(c))
		c.JSON(http.StatusOK, gin.H{"status": "ok", "request_id": requestIDFromContext(c)})
	})

	router.GET("/debug/runtime", func(c *gin.Context) {
		resp := gin.H{"storage": deps.Storage, "publisher": "none"}
		if deps.Publisher != nil {
			resp["publisher"] = rabbitmq.PublisherMode(deps.Publisher)
			if reason := rabbitmq.PublisherNoopReason(deps.Publisher); reason != "" {
				resp["publisher_reason"] = reason
			}
		}
		c.JSON(http.StatusOK, resp)
	})
}
