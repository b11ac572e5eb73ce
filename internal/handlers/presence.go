package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"messaging-core/internal/middleware"
	"messaging-core/internal/models"
	"messaging-core/internal/presence"
	"messaging-core/internal/threads"
	"messaging-core/internal/typing"
)

const maxPresenceLookup = 200

// PresenceHandler serves presence and typing endpoints.
type PresenceHandler struct {
	tracker *presence.Tracker
	typing  *typing.Hub
	threads *threads.Service
}

func NewPresenceHandler(tracker *presence.Tracker, typing *typing.Hub, threads *threads.Service) *PresenceHandler {
	return &PresenceHandler{tracker: tracker, typing: typing, threads: threads}
}

// SetStatus sets an explicit status, or records a heartbeat when none is
// given.
func (h *PresenceHandler) SetStatus(c *gin.Context) {
	var req struct {
		Status models.PresenceStatus `json:"status"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	userID := middleware.UserID(c)
	if req.Status == "" {
		c.JSON(http.StatusOK, gin.H{"presence": h.tracker.Heartbeat(userID)})
		return
	}
	if !req.Status.Valid() {
		badRequest(c, "invalid status")
		return
	}
	rec, err := h.tracker.SetStatus(userID, req.Status)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"presence": rec})
}

// GetPresence returns the effective status of the requested users.
func (h *PresenceHandler) GetPresence(c *gin.Context) {
	var ids []string
	for _, id := range strings.Split(c.Query("ids"), ",") {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 || len(ids) > maxPresenceLookup {
		badRequest(c, "ids must list between 1 and 200 users")
		return
	}
	c.JSON(http.StatusOK, gin.H{"presence": h.tracker.Snapshot(ids)})
}

// StartTyping signals that the caller is typing in the thread.
func (h *PresenceHandler) StartTyping(c *gin.Context) {
	userID := middleware.UserID(c)
	thread, err := h.threads.Get(c.Request.Context(), c.Param("thread_id"), userID)
	if err != nil {
		respondError(c, err)
		return
	}
	h.typing.Signal(thread.ID, userID, thread.ParticipantIDs())
	c.Status(http.StatusNoContent)
}

// StopTyping clears the caller's typing signal.
func (h *PresenceHandler) StopTyping(c *gin.Context) {
	h.typing.Clear(c.Param("thread_id"), middleware.UserID(c))
	c.Status(http.StatusNoContent)
}

// ListTyping returns who is typing in the thread.
func (h *PresenceHandler) ListTyping(c *gin.Context) {
	thread, err := h.threads.Get(c.Request.Context(), c.Param("thread_id"), middleware.UserID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	users := h.typing.Users(thread.ID)
	if users == nil {
		users = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"users": users})
}
