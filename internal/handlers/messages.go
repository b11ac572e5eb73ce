package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"messaging-core/internal/messages"
	"messaging-core/internal/middleware"
	"messaging-core/internal/models"
)

// MessageHandler manages message endpoints.
type MessageHandler struct {
	messages *messages.Service
}

func NewMessageHandler(messages *messages.Service) *MessageHandler {
	return &MessageHandler{messages: messages}
}

// ListMessages returns a page of history, newest first.
func (h *MessageHandler) ListMessages(c *gin.Context) {
	before, ok := queryInt(c, "before")
	if !ok {
		badRequest(c, "invalid before")
		return
	}
	limit, ok := queryInt(c, "limit")
	if !ok {
		badRequest(c, "invalid limit")
		return
	}

	history, err := h.messages.List(c.Request.Context(), c.Param("thread_id"), middleware.UserID(c), messages.Page{BeforeSeq: before, Limit: int(limit)})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, history)
}

// PostMessage appends a message and confirms it as sent. Retrying with the
// same client_id returns the original message.
func (h *MessageHandler) PostMessage(c *gin.Context) {
	var req struct {
		ClientID        string         `json:"client_id"`
		Content         models.Content `json:"content"`
		ReplyTo         string         `json:"reply_to"`
		ClientTimestamp *time.Time     `json:"client_timestamp"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	ctx := c.Request.Context()
	userID := middleware.UserID(c)
	msg, err := h.messages.Append(ctx, messages.AppendInput{
		ThreadID:        c.Param("thread_id"),
		SenderID:        userID,
		ClientID:        req.ClientID,
		Content:         req.Content,
		ReplyTo:         req.ReplyTo,
		ClientTimestamp: req.ClientTimestamp,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	if msg.State == models.StateSending {
		sent, err := h.messages.AdvanceState(ctx, msg.ID, userID, models.StateSent)
		switch {
		case err == nil:
			msg = sent
		case !errors.Is(err, models.ErrInvalidTransition):
			respondError(c, err)
			return
		}
	}
	c.JSON(http.StatusCreated, gin.H{"message": msg})
}

// EditMessage replaces the text of the caller's message.
func (h *MessageHandler) EditMessage(c *gin.Context) {
	var req struct {
		Content models.Content `json:"content"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	msg, err := h.messages.Edit(c.Request.Context(), c.Param("message_id"), middleware.UserID(c), req.Content)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": msg})
}

// DeleteMessage tombstones a message for everyone.
func (h *MessageHandler) DeleteMessage(c *gin.Context) {
	msg, err := h.messages.SoftDelete(c.Request.Context(), c.Param("message_id"), middleware.UserID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": msg})
}

// AdvanceState moves the delivery state forward.
func (h *MessageHandler) AdvanceState(c *gin.Context) {
	var req struct {
		State models.DeliveryState `json:"state" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	msg, err := h.messages.AdvanceState(c.Request.Context(), c.Param("message_id"), middleware.UserID(c), req.State)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": msg})
}

// React sets the caller's reaction.
func (h *MessageHandler) React(c *gin.Context) {
	var req struct {
		Emoji string `json:"emoji" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	msg, err := h.messages.React(c.Request.Context(), c.Param("message_id"), middleware.UserID(c), req.Emoji)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": msg})
}

// Unreact removes the caller's reaction.
func (h *MessageHandler) Unreact(c *gin.Context) {
	msg, err := h.messages.Unreact(c.Request.Context(), c.Param("message_id"), middleware.UserID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": msg})
}
