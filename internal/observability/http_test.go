package observability

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestConnectionMetadataFallsBackToQuery(t *testing.T) {
	req := httptest.NewRequest("GET", "/ws?device_id=phone-1&request_id=r-9", nil)
	assert.Equal(t, "phone-1", DeviceIDFromRequest(req))
	assert.Equal(t, "r-9", RequestIDFromRequest(req))

	req.Header.Set("X-Device-ID", "tablet")
	assert.Equal(t, "tablet", DeviceIDFromRequest(req))
}

func TestIPFromRequest(t *testing.T) {
	req := httptest.NewRequest("GET", "/ws", nil)
	req.RemoteAddr = "10.0.0.5:4411"
	assert.Equal(t, "10.0.0.5", IPFromRequest(req))

	req.Header.Set("X-Real-IP", "192.0.2.1")
	assert.Equal(t, "192.0.2.1", IPFromRequest(req))

	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	assert.Equal(t, "203.0.113.7", IPFromRequest(req))
}

func TestNewEnvelope(t *testing.T) {
	env := NewEnvelope("notification", "new_message", "x", time.Date(2024, 6, 1, 14, 0, 0, 0, time.FixedZone("CEST", 2*3600)))
	assert.Equal(t, EnvelopeVersion, env.SchemaVersion)
	assert.Equal(t, "UTC", env.OccurredAt.Location().String())
	assert.Empty(t, BuildHeaders("", ""))
	assert.Equal(t, map[string]string{"x-request-id": "r", "trace_id": "t"}, BuildHeaders("r", "t"))
}
