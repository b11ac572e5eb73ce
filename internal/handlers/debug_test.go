package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"messaging-core/internal/mocks"
	"messaging-core/internal/telemetry"
)

func TestDebugRoutesDisabled(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	RegisterDebugRoutes(r, DebugDeps{}, false)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/runtime", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDebugAuditTestEmits(t *testing.T) {
	gin.SetMode(gin.TestMode)
	pub := new(mocks.PublisherMock)
	pub.ExpectPublish("audit.messaging", mock.MatchedBy(func(env telemetry.AuditEnvelope) bool {
		return env.RequestID == "req-1" && env.Payload.ThreadID == "t1" && env.Payload.Action == "debug"
	})).Return(nil).Once()

	r := gin.New()
	RegisterDebugRoutes(r, DebugDeps{
		Audit:   telemetry.NewAuditEmitter(pub, "audit.messaging", "messaging-core", "test", zerolog.Nop()),
		Storage: "memory",
	}, true)

	req := httptest.NewRequest(http.MethodGet, "/debug/audit-test?thread_id=t1", nil)
	req.Header.Set("X-Request-ID", "req-1")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	pub.AssertExpectations(t)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/runtime", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "memory", resp["storage"])
	assert.Equal(t, "none", resp["publisher"])
}
