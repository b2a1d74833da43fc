// Package middleware holds gin middlewares shared by the HTTP handlers.
package middleware

import (
	"net/http"
	"time"

	ttlworker "github.com/FloatTech/ttl"
	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// KeyFunc picks the bucket a request is counted against.
type KeyFunc func(c *gin.Context) string

// ByClientIP buckets requests by client address.
func ByClientIP(c *gin.Context) string {
	return c.ClientIP()
}

// ByParam buckets requests by a route parameter, e.g. the session id.
func ByParam(name string) KeyFunc {
	return func(c *gin.Context) string {
		return c.FullPath() + ":" + c.Param(name)
	}
}

// RateLimiter allows limit requests per second with the given burst per key.
// Idle limiters are dropped after idle.
func RateLimiter(limit rate.Limit, burst int, idle time.Duration, key KeyFunc) gin.HandlerFunc {
	limiters := ttlworker.NewCache[string, *rate.Limiter](idle)

	return func(c *gin.Context) {
		limiter := limiterFor(limiters, key(c), limit, burst)

		if !limiter.Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "too many requests"})
			return
		}
		c.Next()
	}
}

// limiterFor returns the limiter stored under k, creating it atomically so
// concurrent first requests share one bucket.
func limiterFor(limiters *ttlworker.Cache[string, *rate.Limiter], k string, limit rate.Limit, burst int) *rate.Limiter {
	fresh := rate.NewLimiter(limit, burst)
	limiter, _ := limiters.GetOrSet(k, fresh)
	if limiter == nil {
		// an expired entry is evicted by the first lookup
		limiter, _ = limiters.GetOrSet(k, fresh)
	}
	return limiter
}
