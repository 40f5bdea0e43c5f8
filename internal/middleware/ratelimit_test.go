package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func TestRateLimiter_AllowAndDeny(t *testing.T) {
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rl := NewRateLimiterWithNow(2, time.Minute, func() time.Time { return clock })

	if !rl.Allow("ip") || !rl.Allow("ip") {
		t.Fatalf("expected first two requests allowed")
	}
	ok, retry := rl.Take("ip")
	if ok || retry != time.Minute {
		t.Fatalf("expected deny with full window left, got ok=%v retry=%v", ok, retry)
	}
	if !rl.Allow("other-ip") {
		t.Fatalf("keys must not share a window")
	}

	clock = clock.Add(time.Minute)
	if !rl.Allow("ip") {
		t.Fatalf("expected allow after window")
	}
}

func TestRateLimitMiddleware_SetsRetryAfter(t *testing.T) {
	gin.SetMode(gin.TestMode)
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rl := NewRateLimiterWithNow(1, 30*time.Second, func() time.Time { return clock })

	r := gin.New()
	r.POST("/login", RateLimitMiddleware(rl), func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/login", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	clock = clock.Add(10 * time.Second)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/login", nil))
	if w.Code != http.StatusTooManyRequests || w.Header().Get("Retry-After") != "20" {
		t.Fatalf("expected 429 with Retry-After 20, got %d %q", w.Code, w.Header().Get("Retry-After"))
	}
}
