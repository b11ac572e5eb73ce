package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"messaging-core/internal/calls"
	"messaging-core/internal/middleware"
	"messaging-core/internal/models"
)

// CallHandler manages call session endpoints.
type CallHandler struct {
	calls *calls.Service
}

func NewCallHandler(calls *calls.Service) *CallHandler {
	return &CallHandler{calls: calls}
}

func (h *CallHandler) respond(c *gin.Context, sess models.CallSession, err error) {
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"call": sess})
}

// Initiate starts ringing the other participants of a thread.
func (h *CallHandler) Initiate(c *gin.Context) {
	var req struct {
		ThreadID string          `json:"thread_id" binding:"required"`
		Kind     models.CallKind `json:"kind" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	sess, err := h.calls.Initiate(c.Request.Context(), req.ThreadID, middleware.UserID(c), req.Kind)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"call": sess})
}

func (h *CallHandler) transition(fn func(ctx context.Context, callID, userID string) (models.CallSession, error)) gin.HandlerFunc {
	return func(c *gin.Context) {
		sess, err := fn(c.Request.Context(), c.Param("call_id"), middleware.UserID(c))
		h.respond(c, sess, err)
	}
}

func (h *CallHandler) Get() gin.HandlerFunc       { return h.transition(h.calls.Get) }
func (h *CallHandler) Accept() gin.HandlerFunc    { return h.transition(h.calls.Accept) }
func (h *CallHandler) Join() gin.HandlerFunc      { return h.transition(h.calls.Join) }
func (h *CallHandler) Decline() gin.HandlerFunc   { return h.transition(h.calls.Decline) }
func (h *CallHandler) Leave() gin.HandlerFunc     { return h.transition(h.calls.Leave) }
func (h *CallHandler) Terminate() gin.HandlerFunc { return h.transition(h.calls.Terminate) }

// Hand raises or lowers the caller's hand in a group call.
func (h *CallHandler) Hand(c *gin.Context) {
	var req struct {
		Raised bool `json:"raised"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	ctx, callID, userID := c.Request.Context(), c.Param("call_id"), middleware.UserID(c)
	if req.Raised {
		sess, err := h.calls.RaiseHand(ctx, callID, userID)
		h.respond(c, sess, err)
		return
	}
	sess, err := h.calls.LowerHand(ctx, callID, userID)
	h.respond(c, sess, err)
}

// Media updates the caller's audio, video and screen share flags.
func (h *CallHandler) Media(c *gin.Context) {
	var patch calls.MediaPatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		badRequest(c, err.Error())
		return
	}
	sess, err := h.calls.UpdateMediaState(c.Request.Context(), c.Param("call_id"), middleware.UserID(c), patch)
	h.respond(c, sess, err)
}

// Role lets the host change a participant's call role.
func (h *CallHandler) Role(c *gin.Context) {
	var req struct {
		Role models.CallRole `json:"role" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	sess, err := h.calls.SetCallRole(c.Request.Context(), c.Param("call_id"), middleware.UserID(c), c.Param("user_id"), req.Role)
	h.respond(c, sess, err)
}

// Quality records the caller's connection quality.
func (h *CallHandler) Quality(c *gin.Context) {
	var req struct {
		Quality *int `json:"quality" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	sess, err := h.calls.ReportQuality(c.Request.Context(), c.Param("call_id"), middleware.UserID(c), *req.Quality)
	h.respond(c, sess, err)
}
