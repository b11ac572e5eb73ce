package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"messaging-core/internal/groups"
	"messaging-core/internal/middleware"
	"messaging-core/internal/models"
	"messaging-core/internal/threads"
)

// GroupHandler manages group endpoints.
type GroupHandler struct {
	threads *threads.Service
	groups  *groups.Service
}

func NewGroupHandler(threads *threads.Service, groups *groups.Service) *GroupHandler {
	return &GroupHandler{threads: threads, groups: groups}
}

// CreateGroup creates a group owned by the caller.
func (h *GroupHandler) CreateGroup(c *gin.Context) {
	var req struct {
		Name           string                `json:"name" binding:"required"`
		Avatar         string                `json:"avatar"`
		Description    string                `json:"description"`
		Domain         models.Domain         `json:"domain"`
		ParticipantIDs []string              `json:"participant_ids" binding:"required"`
		Settings       *models.GroupSettings `json:"settings"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	thread, err := h.threads.CreateGroup(c.Request.Context(), threads.CreateGroupInput{
		CreatorID:      middleware.UserID(c),
		Name:           req.Name,
		Avatar:         req.Avatar,
		Description:    req.Description,
		Domain:         req.Domain,
		ParticipantIDs: req.ParticipantIDs,
		Settings:       req.Settings,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"thread": thread})
}

// AddMembers adds users to the group.
func (h *GroupHandler) AddMembers(c *gin.Context) {
	var req struct {
		UserIDs []string `json:"user_ids" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	thread, added, err := h.threads.AddParticipants(c.Request.Context(), c.Param("thread_id"), middleware.UserID(c), req.UserIDs)
	if err != nil {
		respondError(c, err)
		return
	}
	if added == nil {
		added = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"thread_id": thread.ID, "added": added, "participants": thread.ParticipantIDs()})
}

// RemoveMember removes a user from the group.
func (h *GroupHandler) RemoveMember(c *gin.Context) {
	thread, err := h.threads.RemoveParticipant(c.Request.Context(), c.Param("thread_id"), middleware.UserID(c), c.Param("user_id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"thread_id": thread.ID, "participants": thread.ParticipantIDs()})
}

// Leave removes the caller from the group.
func (h *GroupHandler) Leave(c *gin.Context) {
	thread, err := h.threads.Leave(c.Request.Context(), c.Param("thread_id"), middleware.UserID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"thread_id": thread.ID, "owner": thread.Owner(), "archived": thread.Archived})
}

// UpdateSettings replaces the group's permission settings.
func (h *GroupHandler) UpdateSettings(c *gin.Context) {
	var settings models.GroupSettings
	if err := c.ShouldBindJSON(&settings); err != nil {
		badRequest(c, err.Error())
		return
	}

	thread, err := h.groups.UpdateSettings(c.Request.Context(), c.Param("thread_id"), middleware.UserID(c), settings)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"settings": thread.Group.Settings})
}

// UpdateInfo changes name, avatar or description.
func (h *GroupHandler) UpdateInfo(c *gin.Context) {
	var patch groups.InfoPatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		badRequest(c, err.Error())
		return
	}

	thread, err := h.groups.UpdateInfo(c.Request.Context(), c.Param("thread_id"), middleware.UserID(c), patch)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"group": groups.PublicInfo(thread.Group)})
}

// CreateInvite enables the invite link and returns its token.
func (h *GroupHandler) CreateInvite(c *gin.Context) {
	token, err := h.groups.CreateInviteLink(c.Request.Context(), c.Param("thread_id"), middleware.UserID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"token": token})
}

// RevokeInvite disables the invite link.
func (h *GroupHandler) RevokeInvite(c *gin.Context) {
	if err := h.groups.RevokeInviteLink(c.Request.Context(), c.Param("thread_id"), middleware.UserID(c)); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// JoinByInvite adds the caller through an invite link.
func (h *GroupHandler) JoinByInvite(c *gin.Context) {
	thread, err := h.groups.JoinByInvite(c.Request.Context(), c.Param("token"), middleware.UserID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"thread_id": thread.ID, "group": groups.PublicInfo(thread.Group)})
}

// TransferOwnership hands the group to another member.
func (h *GroupHandler) TransferOwnership(c *gin.Context) {
	var req struct {
		UserID string `json:"user_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	thread, err := h.groups.TransferOwnership(c.Request.Context(), c.Param("thread_id"), middleware.UserID(c), req.UserID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"thread_id": thread.ID, "owner": thread.Owner()})
}

// SetRole promotes or demotes a member.
func (h *GroupHandler) SetRole(c *gin.Context) {
	var req struct {
		Role models.Role `json:"role" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	target := c.Param("user_id")
	thread, err := h.groups.SetRole(c.Request.Context(), c.Param("thread_id"), middleware.UserID(c), target, req.Role)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, groups.RoleChange{UserID: target, Role: thread.RoleOf(target)})
}
