package httpmiddleware

import (
	"context"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// RateLimitConfig configures the sliding window rate limiter.
type RateLimitConfig struct {
	// Max is the number of requests a client may make per window.
	Max int
	// Window is the length of the sliding window.
	Window time.Duration
	// KeyFunc identifies the client. Defaults to ClientKey.
	KeyFunc func(*http.Request) string
	// Skip exempts matching requests, e.g. gateway webhooks that must never
	// be throttled.
	Skip func(*http.Request) bool
}

// counter holds request counts for the current aligned window and the one
// before it. The sliding count is estimated from both.
type counter struct {
	start time.Time
	curr  int
	prev  int
}

// advance moves the counter to the window containing now.
func (c *counter) advance(now time.Time, window time.Duration) {
	start := now.Truncate(window)
	gap := start.Sub(c.start)
	if gap <= 0 {
		return
	}
	if gap == window {
		c.prev = c.curr
	} else {
		c.prev = 0
	}
	c.curr = 0
	c.start = start
}

// estimate weights the previous window by the share of it that still falls
// inside the sliding window ending at now.
func (c *counter) estimate(now time.Time, window time.Duration) float64 {
	covered := 1 - float64(now.Sub(c.start))/float64(window)
	return float64(c.prev)*max(covered, 0) + float64(c.curr)
}

type verdict struct {
	allowed   bool
	remaining int
	resetAt   time.Time
}

type rateLimiter struct {
	cfg RateLimitConfig

	mu       sync.Mutex
	counters map[string]*counter
}

func newRateLimiter(cfg RateLimitConfig) *rateLimiter {
	if cfg.KeyFunc == nil {
		cfg.KeyFunc = ClientKey
	}
	return &rateLimiter{
		cfg:      cfg,
		counters: make(map[string]*counter),
	}
}

// allow records a request for key unless the client is over the limit.
func (rl *rateLimiter) allow(key string, now time.Time) verdict {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	window := rl.cfg.Window
	c, ok := rl.counters[key]
	if !ok {
		c = &counter{start: now.Truncate(window)}
		rl.counters[key] = c
	}
	c.advance(now, window)

	v := verdict{resetAt: c.start.Add(window)}
	used := c.estimate(now, window)
	if used >= float64(rl.cfg.Max) {
		return v
	}
	c.curr++
	v.allowed = true
	v.remaining = max(rl.cfg.Max-int(math.Ceil(used))-1, 0)
	return v
}

// evict drops clients that made no request in the last two windows.
func (rl *rateLimiter) evict(now time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	for key, c := range rl.counters {
		if now.Sub(c.start) >= 2*rl.cfg.Window {
			delete(rl.counters, key)
		}
	}
}

func (rl *rateLimiter) evictEvery(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			rl.evict(now)
		}
	}
}

// RateLimit limits each client to cfg.Max requests per sliding window.
// Responses carry X-RateLimit-Limit, X-RateLimit-Remaining and
// X-RateLimit-Reset; rejected requests get 429 with Retry-After.
//
// Idle clients are never evicted. Long-running servers should use
// RateLimitWithCleanup.
func RateLimit(cfg RateLimitConfig) Middleware {
	return newRateLimiter(cfg).middleware
}

// RateLimitWithCleanup is RateLimit with a goroutine that evicts idle
// clients every two windows until ctx is done.
func RateLimitWithCleanup(ctx context.Context, cfg RateLimitConfig) Middleware {
	rl := newRateLimiter(cfg)
	go rl.evictEvery(ctx, 2*cfg.Window)
	return rl.middleware
}

func (rl *rateLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if rl.cfg.Skip != nil && rl.cfg.Skip(r) {
			next.ServeHTTP(w, r)
			return
		}
		now := time.Now()
		v := rl.allow(rl.cfg.KeyFunc(r), now)

		h := w.Header()
		h.Set("X-RateLimit-Limit", strconv.Itoa(rl.cfg.Max))
		h.Set("X-RateLimit-Remaining", strconv.Itoa(v.remaining))
		h.Set("X-RateLimit-Reset", strconv.FormatInt(v.resetAt.Unix(), 10))

		if !v.allowed {
			wait := max(v.resetAt.Sub(now), 0)
			h.Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
			WriteError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ClientKey limits authenticated callers per API key and anonymous ones per
// client IP.
func ClientKey(r *http.Request) string {
	if key := r.Header.Get("X-API-Key"); key != "" {
		return "key:" + key
	}
	return "ip:" + clientIP(r)
}

// clientIP prefers the first X-Forwarded-For hop, then X-Real-IP, then the
// connection address.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
