package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"messaging-core/internal/calls"
	"messaging-core/internal/events"
	"messaging-core/internal/groups"
	grpcclient "messaging-core/internal/grpc"
	"messaging-core/internal/messages"
	"messaging-core/internal/middleware"
	"messaging-core/internal/mocks"
	"messaging-core/internal/models"
	"messaging-core/internal/presence"
	"messaging-core/internal/repositories"
	"messaging-core/internal/threads"
	"messaging-core/internal/txn"
	"messaging-core/internal/typing"
)

const testUserHeader = "X-Test-User"

type testEnv struct {
	router   *gin.Engine
	threads  *threads.Service
	calls    *calls.Service
	rec      *events.Recorder
	profiles *mocks.ProfileLookupMock
	unread   *mocks.UnreadCounterMock
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := repositories.NewMemoryStore()
	rec := &events.Recorder{}
	tx := txn.NewRunner(store, nil, nil)

	threadSvc := threads.NewService(tx, store, store, rec, nil, zerolog.Nop())
	messageSvc := messages.NewService(tx, store, rec, messages.Options{}, zerolog.Nop())
	groupSvc := groups.NewService(tx, store, rec, nil, zerolog.Nop())
	callSvc := calls.NewService(tx, store, rec, time.Hour, zerolog.Nop())
	t.Cleanup(callSvc.Close)
	tracker := presence.NewTracker(presence.DefaultWindows(), rec)
	typingHub := typing.NewHub(5*time.Second, tracker, rec)

	env := &testEnv{
		threads:  threadSvc,
		calls:    callSvc,
		rec:      rec,
		profiles: new(mocks.ProfileLookupMock),
		unread:   new(mocks.UnreadCounterMock),
	}

	r := gin.New()
	r.Use(func(c *gin.Context) {
		c.Set(middleware.ContextUserID, c.GetHeader(testUserHeader))
		c.Next()
	})
	Handlers{
		Threads:  NewThreadHandler(threadSvc, env.unread, env.profiles),
		Messages: NewMessageHandler(messageSvc),
		Groups:   NewGroupHandler(threadSvc, groupSvc),
		Calls:    NewCallHandler(callSvc),
		Presence: NewPresenceHandler(tracker, typingHub, threadSvc),
	}.Register(r)
	env.router = r
	return env
}

func (e *testEnv) do(t *testing.T, user, method, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set(testUserHeader, user)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)

	var resp map[string]any
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	}
	return rec, resp
}

func (e *testEnv) direct(t *testing.T, a, b string) string {
	t.Helper()
	rec, resp := e.do(t, a, http.MethodPost, "/threads/direct", gin.H{"user_id": b, "domain": "social"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	return resp["thread"].(map[string]any)["id"].(string)
}

func (e *testEnv) group(t *testing.T) string {
	t.Helper()
	rec, resp := e.do(t, "alice", http.MethodPost, "/groups", gin.H{
		"name":            "crew",
		"domain":          "freelance",
		"participant_ids": []string{"bob", "carol"},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return resp["thread"].(map[string]any)["id"].(string)
}

func TestStartDirectIsStable(t *testing.T) {
	env := newTestEnv(t)

	first := env.direct(t, "alice", "bob")
	second := env.direct(t, "bob", "alice")
	assert.Equal(t, first, second)

	rec, _ := env.do(t, "alice", http.MethodPost, "/threads/direct", gin.H{"user_id": "alice"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPostMessageAndReadFlow(t *testing.T) {
	env := newTestEnv(t)
	threadID := env.direct(t, "alice", "bob")

	body := gin.H{"client_id": "c-1", "content": models.TextContent("hi")}
	rec, resp := env.do(t, "alice", http.MethodPost, "/threads/"+threadID+"/messages", body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	msg := resp["message"].(map[string]any)
	assert.Equal(t, "sent", msg["state"])
	assert.EqualValues(t, 1, msg["seq"])

	rec, resp = env.do(t, "alice", http.MethodPost, "/threads/"+threadID+"/messages", body)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, msg["id"], resp["message"].(map[string]any)["id"])

	rec, resp = env.do(t, "bob", http.MethodGet, "/threads/"+threadID+"/messages", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, resp["messages"], 1)

	rec, resp = env.do(t, "bob", http.MethodPost, "/threads/"+threadID+"/read", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 0, resp["unread"])
	assert.EqualValues(t, 1, resp["last_read_seq"])

	rec, _ = env.do(t, "mallory", http.MethodGet, "/threads/"+threadID+"/messages", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestPostMessageRejectsEmptyText(t *testing.T) {
	env := newTestEnv(t)
	threadID := env.direct(t, "alice", "bob")

	rec, _ := env.do(t, "alice", http.MethodPost, "/threads/"+threadID+"/messages", gin.H{"content": models.TextContent("   ")})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEditByNonSenderForbidden(t *testing.T) {
	env := newTestEnv(t)
	threadID := env.direct(t, "alice", "bob")
	_, resp := env.do(t, "alice", http.MethodPost, "/threads/"+threadID+"/messages", gin.H{"content": models.TextContent("hi")})
	msgID := resp["message"].(map[string]any)["id"].(string)

	rec, _ := env.do(t, "bob", http.MethodPatch, "/messages/"+msgID, gin.H{"content": models.TextContent("edited")})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec, resp = env.do(t, "alice", http.MethodPatch, "/messages/"+msgID, gin.H{"content": models.TextContent("edited")})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, true, resp["message"].(map[string]any)["edited"])
}

func TestListThreadsEnrichesProfiles(t *testing.T) {
	env := newTestEnv(t)
	env.direct(t, "alice", "bob")

	env.profiles.On("BulkProfiles", mock.Anything, mock.MatchedBy(func(ids []string) bool {
		return assert.ElementsMatch(t, []string{"alice", "bob"}, ids)
	})).Return(map[string]grpcclient.Profile{"bob": {UserID: "bob", DisplayName: "Bob"}}, nil).Once()

	rec, resp := env.do(t, "alice", http.MethodGet, "/threads", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Len(t, resp["threads"], 1)
	profiles := resp["profiles"].(map[string]any)
	assert.Equal(t, "Bob", profiles["bob"].(map[string]any)["display_name"])
	env.profiles.AssertExpectations(t)
}

func TestListThreadsProfileFailureIsIgnored(t *testing.T) {
	env := newTestEnv(t)
	env.direct(t, "alice", "bob")
	env.profiles.On("BulkProfiles", mock.Anything, mock.Anything).Return(nil, models.ErrUnavailable).Once()

	rec, resp := env.do(t, "alice", http.MethodGet, "/threads", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, resp["threads"], 1)
}

func TestListThreadsBadQuery(t *testing.T) {
	env := newTestEnv(t)

	rec, _ := env.do(t, "alice", http.MethodGet, "/threads?limit=abc", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec, _ = env.do(t, "alice", http.MethodGet, "/threads?cursor=@@@", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUnreadByDomain(t *testing.T) {
	env := newTestEnv(t)
	env.unread.On("UnreadCountByDomain", mock.Anything, "alice").Return(map[models.Domain]int{models.DomainSocial: 2}, nil).Once()

	rec, resp := env.do(t, "alice", http.MethodGet, "/threads/unread", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 2, resp["unread"].(map[string]any)["social"])

	env.unread.On("UnreadCountByDomain", mock.Anything, "bob").Return(nil, assert.AnError).Once()
	rec, resp = env.do(t, "bob", http.MethodGet, "/threads/unread", nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "internal error", resp["error"])
	env.unread.AssertExpectations(t)
}

func TestGroupAdministration(t *testing.T) {
	env := newTestEnv(t)
	threadID := env.group(t)

	rec, _ := env.do(t, "bob", http.MethodPost, "/groups/"+threadID+"/members", gin.H{"user_ids": []string{"dave"}})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec, resp := env.do(t, "alice", http.MethodPost, "/groups/"+threadID+"/members", gin.H{"user_ids": []string{"dave", "bob"}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, []any{"dave"}, resp["added"])

	rec, resp = env.do(t, "alice", http.MethodPut, "/groups/"+threadID+"/roles/bob", gin.H{"role": "admin"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "admin", resp["role"])

	rec, _ = env.do(t, "bob", http.MethodDelete, "/groups/"+threadID+"/members/alice", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec, _ = env.do(t, "bob", http.MethodDelete, "/groups/"+threadID+"/members/dave", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, resp = env.do(t, "alice", http.MethodPost, "/groups/"+threadID+"/leave", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "bob", resp["owner"])
}

func TestInviteLinkEndpoints(t *testing.T) {
	env := newTestEnv(t)
	threadID := env.group(t)

	rec, resp := env.do(t, "alice", http.MethodPost, "/groups/"+threadID+"/invite", nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	token := resp["token"].(string)
	require.NotEmpty(t, token)

	rec, resp = env.do(t, "erin", http.MethodPost, "/groups/join/"+token, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, threadID, resp["thread_id"])
	assert.NotContains(t, resp["group"].(map[string]any), "invite_token")

	rec, _ = env.do(t, "alice", http.MethodDelete, "/groups/"+threadID+"/invite", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec, _ = env.do(t, "frank", http.MethodPost, "/groups/join/"+token, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGroupOnlyRoutesOnDirectThread(t *testing.T) {
	env := newTestEnv(t)
	threadID := env.direct(t, "alice", "bob")

	rec, _ := env.do(t, "alice", http.MethodPost, "/groups/"+threadID+"/leave", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestCallLifecycleOverHTTP(t *testing.T) {
	env := newTestEnv(t)
	threadID := env.direct(t, "alice", "bob")

	rec, resp := env.do(t, "alice", http.MethodPost, "/calls", gin.H{"thread_id": threadID, "kind": "video"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	callID := resp["call"].(map[string]any)["id"].(string)

	rec, _ = env.do(t, "alice", http.MethodPost, "/calls", gin.H{"thread_id": threadID, "kind": "video"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec, _ = env.do(t, "alice", http.MethodPost, "/calls/"+callID+"/accept", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec, resp = env.do(t, "bob", http.MethodPost, "/calls/"+callID+"/accept", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "active", resp["call"].(map[string]any)["state"])

	rec, _ = env.do(t, "bob", http.MethodPatch, "/calls/"+callID+"/media", gin.H{"audio_muted": true})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, _ = env.do(t, "bob", http.MethodPost, "/calls/"+callID+"/hand", gin.H{"raised": true})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec, resp = env.do(t, "alice", http.MethodPost, "/calls/"+callID+"/leave", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	call := resp["call"].(map[string]any)
	assert.Equal(t, "ended", call["state"])
	assert.Equal(t, "hangup", call["end_reason"])

	rec, _ = env.do(t, "mallory", http.MethodGet, "/calls/"+callID, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestCallQualityValidation(t *testing.T) {
	env := newTestEnv(t)
	threadID := env.group(t)

	_, resp := env.do(t, "alice", http.MethodPost, "/calls", gin.H{"thread_id": threadID, "kind": "group"})
	callID := resp["call"].(map[string]any)["id"].(string)

	rec, _ := env.do(t, "alice", http.MethodPost, "/calls/"+callID+"/quality", gin.H{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = env.do(t, "bob", http.MethodPost, "/calls/"+callID+"/join", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec, _ = env.do(t, "bob", http.MethodPost, "/calls/"+callID+"/quality", gin.H{"quality": 4})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, _ = env.do(t, "bob", http.MethodPost, "/calls/"+callID+"/terminate", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	rec, _ = env.do(t, "alice", http.MethodPost, "/calls/"+callID+"/terminate", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestPresenceEndpoints(t *testing.T) {
	env := newTestEnv(t)

	rec, resp := env.do(t, "alice", http.MethodPost, "/presence", gin.H{})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "online", resp["presence"].(map[string]any)["status"])

	rec, _ = env.do(t, "alice", http.MethodPost, "/presence", gin.H{"status": "busy"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = env.do(t, "bob", http.MethodPost, "/presence", gin.H{"status": "away"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec, resp = env.do(t, "carol", http.MethodGet, "/presence?ids=alice,bob,zed", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	records := resp["presence"].([]any)
	require.Len(t, records, 3)
	assert.Equal(t, "away", records[1].(map[string]any)["status"])
	assert.Equal(t, "offline", records[2].(map[string]any)["status"])

	rec, _ = env.do(t, "carol", http.MethodGet, "/presence", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTypingEndpoints(t *testing.T) {
	env := newTestEnv(t)
	threadID := env.direct(t, "alice", "bob")

	rec, _ := env.do(t, "alice", http.MethodPost, "/threads/"+threadID+"/typing", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec, resp := env.do(t, "bob", http.MethodGet, "/threads/"+threadID+"/typing", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []any{"alice"}, resp["users"])

	rec, _ = env.do(t, "mallory", http.MethodPost, "/threads/"+threadID+"/typing", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec, _ = env.do(t, "alice", http.MethodDelete, "/threads/"+threadID+"/typing", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
	_, resp = env.do(t, "bob", http.MethodGet, "/threads/"+threadID+"/typing", nil)
	assert.Empty(t, resp["users"])
}
