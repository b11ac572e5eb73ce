package middleware

import (
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

const (
	defaultRPS   = 20
	defaultBurst = 40
)

// RateLimiter hands out one token bucket per key.
type RateLimiter struct {
	mu    sync.Mutex
	m     map[string]*rate.Limiter
	rps   float64
	burst int
}

func NewRateLimiter(rps float64, burst int) *RateLimiter {
	if rps <= 0 {
		rps = defaultRPS
	}
	if burst <= 0 {
		burst = defaultBurst
	}
	return &RateLimiter{m: make(map[string]*rate.Limiter), rps: rps, burst: burst}
}

func (l *RateLimiter) get(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	if lim, ok := l.m[key]; ok {
		return lim
	}
	lim := rate.NewLimiter(rate.Limit(l.rps), l.burst)
	l.m[key] = lim
	return lim
}

func (l *RateLimiter) Allow(key string) bool {
	return l.get(key).Allow()
}

// RateLimit throttles per authenticated user, or per client ip before auth.
func RateLimit(l *RateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := UserID(c)
		if key == "" {
			key = "ip:" + c.ClientIP()
		}
		if !l.Allow(key) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}
