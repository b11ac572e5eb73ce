package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	grpcclient "messaging-core/internal/grpc"
	"messaging-core/internal/middleware"
	"messaging-core/internal/models"
	"messaging-core/internal/threads"
)

// UnreadCounter answers the per-domain unread badges.
type UnreadCounter interface {
	UnreadCountByDomain(ctx context.Context, userID string) (map[models.Domain]int, error)
}

// ProfileLookup enriches responses with display names and avatars.
type ProfileLookup interface {
	BulkProfiles(ctx context.Context, ids []string) (map[string]grpcclient.Profile, error)
}

// ThreadHandler manages conversation listing and read state.
type ThreadHandler struct {
	threads  *threads.Service
	unread   UnreadCounter
	profiles ProfileLookup
}

// NewThreadHandler builds a ThreadHandler. profiles may be nil.
func NewThreadHandler(threads *threads.Service, unread UnreadCounter, profiles ProfileLookup) *ThreadHandler {
	return &ThreadHandler{threads: threads, unread: unread, profiles: profiles}
}

func queryBool(c *gin.Context, key string) (bool, bool) {
	raw := c.Query(key)
	if raw == "" {
		return false, true
	}
	v, err := strconv.ParseBool(raw)
	return v, err == nil
}

func queryInt(c *gin.Context, key string) (int64, bool) {
	raw := c.Query(key)
	if raw == "" {
		return 0, true
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	return v, err == nil && v >= 0
}

// profilesFor looks up participants' profiles. Enrichment is best effort.
func (h *ThreadHandler) profilesFor(c *gin.Context, summaries []models.ThreadSummary) map[string]grpcclient.Profile {
	if h.profiles == nil {
		return nil
	}
	seen := map[string]bool{}
	var ids []string
	for _, s := range summaries {
		for _, id := range s.ParticipantIDs() {
			if !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
	}
	profiles, err := h.profiles.BulkProfiles(c.Request.Context(), ids)
	if err != nil {
		_ = c.Error(err)
		return nil
	}
	return profiles
}

// ListThreads returns the caller's threads, newest activity first.
func (h *ThreadHandler) ListThreads(c *gin.Context) {
	unreadOnly, ok := queryBool(c, "unread_only")
	if !ok {
		badRequest(c, "invalid unread_only")
		return
	}
	archived, ok := queryBool(c, "archived")
	if !ok {
		badRequest(c, "invalid archived")
		return
	}
	limit, ok := queryInt(c, "limit")
	if !ok {
		badRequest(c, "invalid limit")
		return
	}

	page, err := h.threads.ListThreads(c.Request.Context(), middleware.UserID(c), threads.ListFilter{
		Domain:          models.Domain(c.Query("domain")),
		UnreadOnly:      unreadOnly,
		IncludeArchived: archived,
		Cursor:          c.Query("cursor"),
		Limit:           int(limit),
	})
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"threads":     page.Threads,
		"next_cursor": page.NextCursor,
		"profiles":    h.profilesFor(c, page.Threads),
	})
}

// StartDirect returns the direct thread with another user, creating it.
func (h *ThreadHandler) StartDirect(c *gin.Context) {
	var req struct {
		UserID string        `json:"user_id" binding:"required"`
		Domain models.Domain `json:"domain"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	thread, err := h.threads.GetOrCreateDirect(c.Request.Context(), middleware.UserID(c), req.UserID, req.Domain)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"thread": thread})
}

// GetThread returns one thread as seen by the caller.
func (h *ThreadHandler) GetThread(c *gin.Context) {
	summary, err := h.threads.Get(c.Request.Context(), c.Param("thread_id"), middleware.UserID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"thread":   summary,
		"profiles": h.profilesFor(c, []models.ThreadSummary{summary}),
	})
}

// MarkRead clears the caller's unread counter.
func (h *ThreadHandler) MarkRead(c *gin.Context) {
	userID := middleware.UserID(c)
	thread, err := h.threads.MarkRead(c.Request.Context(), c.Param("thread_id"), userID)
	if err != nil {
		respondError(c, err)
		return
	}
	p, _ := thread.Participant(userID)
	c.JSON(http.StatusOK, gin.H{"thread_id": thread.ID, "unread": p.Unread, "last_read_seq": p.LastReadSeq})
}

// Archive hides the thread from default listings.
func (h *ThreadHandler) Archive(c *gin.Context) {
	thread, err := h.threads.Archive(c.Request.Context(), c.Param("thread_id"), middleware.UserID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"thread_id": thread.ID, "archived": thread.Archived})
}

// Unread returns the caller's unread totals per domain.
func (h *ThreadHandler) Unread(c *gin.Context) {
	counts, err := h.unread.UnreadCountByDomain(c.Request.Context(), middleware.UserID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"unread": counts})
}
