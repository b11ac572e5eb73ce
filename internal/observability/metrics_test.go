package observability

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestHTTPMetricsMiddlewareCountsRoute(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(HTTPMetricsMiddleware())
	r.GET("/threads/:thread_id", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	before := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "/threads/:thread_id", "204"))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/threads/abc", nil))

	assert.Equal(t, before+1, testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "/threads/:thread_id", "204")))
}

func TestSplitFullMethod(t *testing.T) {
	service, method := splitFullMethod("/profile.ProfileService/BulkProfiles")
	assert.Equal(t, "profile.ProfileService", service)
	assert.Equal(t, "BulkProfiles", method)

	service, method = splitFullMethod("bad")
	assert.Equal(t, "unknown", service)
	assert.Equal(t, "unknown", method)
}

func TestBuildHeadersSkipsEmpty(t *testing.T) {
	assert.Empty(t, BuildHeaders("", ""))
	assert.Equal(t, map[string]string{"x-request-id": "r1", "trace_id": "t1"}, BuildHeaders("r1", "t1"))
}
