package middleware

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// RateLimiter is a fixed-window counter per key.
type RateLimiter struct {
	mu       sync.Mutex
	requests map[string]*window
	limit    int
	period   time.Duration
	now      func() time.Time
}

type window struct {
	count   int
	resetAt time.Time
}

func NewRateLimiter(limit int, period time.Duration) *RateLimiter {
	return NewRateLimiterWithNow(limit, period, time.Now)
}

func NewRateLimiterWithNow(limit int, period time.Duration, now func() time.Time) *RateLimiter {
	return &RateLimiter{
		requests: make(map[string]*window),
		limit:    limit,
		period:   period,
		now:      now,
	}
}

func (rl *RateLimiter) Allow(key string) bool {
	ok, _ := rl.Take(key)
	return ok
}

// Take counts one request for key. When the window is exhausted it
// reports how long until the window resets.
func (rl *RateLimiter) Take(key string) (bool, time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	rl.sweep(now)

	w, exists := rl.requests[key]
	if !exists || !now.Before(w.resetAt) {
		rl.requests[key] = &window{count: 1, resetAt: now.Add(rl.period)}
		return true, 0
	}
	if w.count >= rl.limit {
		return false, w.resetAt.Sub(now)
	}
	w.count++
	return true, 0
}

// sweep drops expired windows once the map grows; callers hold mu.
func (rl *RateLimiter) sweep(now time.Time) {
	if len(rl.requests) < 1024 {
		return
	}
	for key, w := range rl.requests {
		if !now.Before(w.resetAt) {
			delete(rl.requests, key)
		}
	}
}

// RateLimitMiddleware limits requests per client IP and sets Retry-After
// on rejection.
func RateLimitMiddleware(rl *RateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		ok, retry := rl.Take(c.ClientIP())
		if !ok {
			c.Header("Retry-After", strconv.Itoa(int(math.Ceil(retry.Seconds()))))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "Rate limit exceeded"})
			return
		}
		c.Next()
	}
}
