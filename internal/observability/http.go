package observability

import (
	"net"
	"net/http"
	"strings"
)

// Browsers cannot set headers on a websocket handshake, so the connection
// metadata below falls back to query parameters.

func DeviceIDFromRequest(r *http.Request) string {
	if id := r.Header.Get("X-Device-ID"); id != "" {
		return id
	}
	return r.URL.Query().Get("device_id")
}

func RequestIDFromRequest(r *http.Request) string {
	if id := r.Header.Get("X-Request-ID"); id != "" {
		return id
	}
	return r.URL.Query().Get("request_id")
}

// IPFromRequest prefers the first proxy hop, then X-Real-IP, then the peer.
func IPFromRequest(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if realIP := strings.TrimSpace(r.Header.Get("X-Real-IP")); realIP != "" {
		return realIP
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
