package handlers

import "github.com/gin-gonic/gin"

// Handlers groups every HTTP handler of the service.
type Handlers struct {
	Threads  *ThreadHandler
	Messages *MessageHandler
	Groups   *GroupHandler
	Calls    *CallHandler
	Presence *PresenceHandler
}

// Register mounts the API. r is expected to carry auth and rate limiting.
func (h Handlers) Register(r gin.IRoutes) {
	r.GET("/threads", h.Threads.ListThreads)
	r.GET("/threads/unread", h.Threads.Unread)
	r.POST("/threads/direct", h.Threads.StartDirect)
	r.GET("/threads/:thread_id", h.Threads.GetThread)
	r.POST("/threads/:thread_id/read", h.Threads.MarkRead)
	r.POST("/threads/:thread_id/archive", h.Threads.Archive)

	r.GET("/threads/:thread_id/messages", h.Messages.ListMessages)
	r.POST("/threads/:thread_id/messages", h.Messages.PostMessage)
	r.PATCH("/messages/:message_id", h.Messages.EditMessage)
	r.DELETE("/messages/:message_id", h.Messages.DeleteMessage)
	r.POST("/messages/:message_id/state", h.Messages.AdvanceState)
	r.PUT("/messages/:message_id/reaction", h.Messages.React)
	r.DELETE("/messages/:message_id/reaction", h.Messages.Unreact)

	r.POST("/groups", h.Groups.CreateGroup)
	r.POST("/groups/join/:token", h.Groups.JoinByInvite)
	r.POST("/groups/:thread_id/members", h.Groups.AddMembers)
	r.DELETE("/groups/:thread_id/members/:user_id", h.Groups.RemoveMember)
	r.POST("/groups/:thread_id/leave", h.Groups.Leave)
	r.PATCH("/groups/:thread_id/settings", h.Groups.UpdateSettings)
	r.PATCH("/groups/:thread_id/info", h.Groups.UpdateInfo)
	r.POST("/groups/:thread_id/invite", h.Groups.CreateInvite)
	r.DELETE("/groups/:thread_id/invite", h.Groups.RevokeInvite)
	r.POST("/groups/:thread_id/owner", h.Groups.TransferOwnership)
	r.PUT("/groups/:thread_id/roles/:user_id", h.Groups.SetRole)

	r.POST("/calls", h.Calls.Initiate)
	r.GET("/calls/:call_id", h.Calls.Get())
	r.POST("/calls/:call_id/accept", h.Calls.Accept())
	r.POST("/calls/:call_id/join", h.Calls.Join())
	r.POST("/calls/:call_id/decline", h.Calls.Decline())
	r.POST("/calls/:call_id/leave", h.Calls.Leave())
	r.POST("/calls/:call_id/terminate", h.Calls.Terminate())
	r.POST("/calls/:call_id/hand", h.Calls.Hand)
	r.PATCH("/calls/:call_id/media", h.Calls.Media)
	r.PUT("/calls/:call_id/roles/:user_id", h.Calls.Role)
	r.POST("/calls/:call_id/quality", h.Calls.Quality)

	r.POST("/presence", h.Presence.SetStatus)
	r.GET("/presence", h.Presence.GetPresence)
	r.POST("/threads/:thread_id/typing", h.Presence.StartTyping)
	r.DELETE("/threads/:thread_id/typing", h.Presence.StopTyping)
	r.GET("/threads/:thread_id/typing", h.Presence.ListTyping)
}
