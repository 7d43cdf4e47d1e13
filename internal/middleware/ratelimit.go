// Package middleware holds HTTP middleware shared by the API surface.
package middleware

import (
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/metricore/metricore/internal/metrics"
)

// RateLimiter enforces a per-client token bucket over the ingestion
// endpoints. Buckets refill continuously at the configured per-minute rate.
type RateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*tokenBucket
	perMin  int

	done chan struct{}
}

type tokenBucket struct {
	tokens   float64
	lastSeen time.Time
}

// NewRateLimiter creates a limiter allowing perMin requests per client per
// minute. perMin <= 0 disables limiting.
func NewRateLimiter(perMin int) *RateLimiter {
	rl := &RateLimiter{
		buckets: make(map[string]*tokenBucket),
		perMin:  perMin,
		done:    make(chan struct{}),
	}
	if perMin > 0 {
		go rl.evictIdle()
	}
	return rl
}

// Wrap applies the limit to one handler. Disabled limiters pass through.
func (rl *RateLimiter) Wrap(next http.HandlerFunc) http.HandlerFunc {
	if rl.perMin <= 0 {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if !rl.allow(clientKey(r)) {
			metrics.RequestsThrottled.Inc()
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next(w, r)
	}
}

// clientKey identifies the caller: the forwarded address when a proxy set
// one, the connection address otherwise.
func clientKey(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (rl *RateLimiter) allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	b, ok := rl.buckets[key]
	if !ok {
		rl.buckets[key] = &tokenBucket{tokens: float64(rl.perMin) - 1, lastSeen: now}
		return true
	}

	b.tokens += now.Sub(b.lastSeen).Minutes() * float64(rl.perMin)
	if b.tokens > float64(rl.perMin) {
		b.tokens = float64(rl.perMin)
	}
	b.lastSeen = now

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// evictIdle drops buckets for clients quiet long enough to have refilled
// completely.
func (rl *RateLimiter) evictIdle() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			rl.mu.Lock()
			now := time.Now()
			for key, b := range rl.buckets {
				if now.Sub(b.lastSeen) > 10*time.Minute {
					delete(rl.buckets, key)
				}
			}
			rl.mu.Unlock()
		case <-rl.done:
			return
		}
	}
}

// Stop terminates the eviction worker.
func (rl *RateLimiter) Stop() {
	close(rl.done)
}
