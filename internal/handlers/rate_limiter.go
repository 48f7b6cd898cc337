package handlers

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cobalt-commerce/api/internal/platform/httpx"
)

type rateLimiter interface {
	Allow(key string) bool
}

// windowLimiter counts requests per key over a fixed window. Expired keys are
// pruned opportunistically whenever a fresh window starts.
type windowLimiter struct {
	limit  int
	window time.Duration
	clock  func() time.Time

	mu      sync.Mutex
	windows map[string]requestWindow
}

type requestWindow struct {
	count   int
	expires time.Time
}

func newWindowLimiter(limit int, window time.Duration, clock func() time.Time) rateLimiter {
	if limit <= 0 || window <= 0 {
		return nil
	}
	if clock == nil {
		clock = time.Now
	}
	return &windowLimiter{
		limit:   limit,
		window:  window,
		clock:   clock,
		windows: make(map[string]requestWindow),
	}
}

func (l *windowLimiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	if key = strings.TrimSpace(key); key == "" {
		key = "anonymous"
	}
	now := l.clock()

	l.mu.Lock()
	defer l.mu.Unlock()

	current, ok := l.windows[key]
	if !ok || now.After(current.expires) {
		l.prune(now)
		l.windows[key] = requestWindow{count: 1, expires: now.Add(l.window)}
		return true
	}
	if current.count >= l.limit {
		return false
	}
	current.count++
	l.windows[key] = current
	return true
}

func (l *windowLimiter) prune(now time.Time) {
	for key, w := range l.windows {
		if now.After(w.expires) {
			delete(l.windows, key)
		}
	}
}

// NewRateLimitMiddleware builds an HTTP middleware that throttles requests
// per remote address over a fixed window. A nil limiter (non-positive limit
// or window) disables throttling.
func NewRateLimitMiddleware(limit int, window time.Duration) func(http.Handler) http.Handler {
	limiter := newWindowLimiter(limit, window, nil)
	return func(next http.Handler) http.Handler {
		if limiter == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow(r.RemoteAddr) {
				httpx.WriteError(r.Context(), w, httpx.NewError("rate_limited", "too many requests", http.StatusTooManyRequests))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
