package api

import (
	"net"
	"net/http"
	"sync"
	"time"
)

// maxTrackedClients bounds the per-IP bucket map; stale entries are pruned
// inline once the map reaches this size.
const maxTrackedClients = 1024

// RateLimiter is a per-IP token bucket guarding the mutating endpoints. An
// operator dragging a slider stays far below the limit; a dashboard stuck in
// a request loop does not.
type RateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	rate    int
	window  time.Duration
}

type bucket struct {
	tokens     int
	lastRefill time.Time
}

// NewRateLimiter allows rate requests per window for each client IP.
func NewRateLimiter(rate int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		buckets: make(map[string]*bucket),
		rate:    rate,
		window:  window,
	}
}

// Allow reports whether a request from ip fits the budget.
func (rl *RateLimiter) Allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()

	b, ok := rl.buckets[ip]
	if !ok {
		if len(rl.buckets) >= maxTrackedClients {
			rl.prune(now)
		}
		rl.buckets[ip] = &bucket{tokens: rl.rate - 1, lastRefill: now}
		return true
	}

	if now.Sub(b.lastRefill) >= rl.window {
		b.tokens = rl.rate - 1
		b.lastRefill = now
		return true
	}

	if b.tokens > 0 {
		b.tokens--
		return true
	}
	return false
}

// prune drops buckets idle for more than two windows. Called with the lock
// held.
func (rl *RateLimiter) prune(now time.Time) {
	for ip, b := range rl.buckets {
		if now.Sub(b.lastRefill) > 2*rl.window {
			delete(rl.buckets, ip)
		}
	}
}

// Middleware wraps a handler with the rate limit.
func (rl *RateLimiter) Middleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !rl.Allow(clientIP(r)) {
			http.Error(w, "Rate limit exceeded. Please try again later.", http.StatusTooManyRequests)
			return
		}
		next(w, r)
	}
}

// clientIP uses only the connection's remote address. X-Forwarded-For is
// client-controlled and would let a looping client dodge the limit.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
