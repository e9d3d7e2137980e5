package gateway

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/basket/taskward/internal/config"
)

// bucket is a token bucket refilled lazily on each take.
type bucket struct {
	tokens   float64
	refilled time.Time
	seen     time.Time
}

// RateLimitMiddleware throttles callers with one token bucket per key. HTTP
// requests are keyed by bearer token (or remote host); websocket calls that
// mutate coordination state are additionally keyed by acting agent, since a
// single upgraded connection never passes through Wrap again.
type RateLimitMiddleware struct {
	enabled bool
	perSec  float64
	burst   float64
	now     func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket
}

// NewRateLimitMiddleware builds a limiter from cfg. RequestsPerMinute of 0
// disables it; BurstSize of 0 defaults to 10.
func NewRateLimitMiddleware(cfg config.RateLimitConfig) *RateLimitMiddleware {
	burst := cfg.BurstSize
	if burst <= 0 {
		burst = 10
	}
	return &RateLimitMiddleware{
		enabled: cfg.RequestsPerMinute > 0,
		perSec:  float64(cfg.RequestsPerMinute) / 60.0,
		burst:   float64(burst),
		now:     time.Now,
		buckets: make(map[string]*bucket),
	}
}

// take consumes one token for key and reports whether it was available.
func (rl *RateLimitMiddleware) take(key string) bool {
	if !rl.enabled {
		return true
	}
	now := rl.now()

	rl.mu.Lock()
	defer rl.mu.Unlock()
	b, ok := rl.buckets[key]
	if !ok {
		b = &bucket{tokens: rl.burst, refilled: now}
		rl.buckets[key] = b
	}
	b.tokens += now.Sub(b.refilled).Seconds() * rl.perSec
	if b.tokens > rl.burst {
		b.tokens = rl.burst
	}
	b.refilled = now
	b.seen = now
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// AllowAgent charges one mutating call to agentID. Calls without an acting
// agent are only limited at the HTTP layer.
func (rl *RateLimitMiddleware) AllowAgent(agentID string) bool {
	if agentID == "" {
		return true
	}
	return rl.take("agent:" + agentID)
}

// StartEviction drops idle buckets every interval until ctx is done.
func (rl *RateLimitMiddleware) StartEviction(ctx context.Context, interval, maxAge time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				rl.EvictStale(maxAge)
			}
		}
	}()
}

// EvictStale removes buckets untouched for longer than maxAge.
func (rl *RateLimitMiddleware) EvictStale(maxAge time.Duration) {
	cutoff := rl.now().Add(-maxAge)

	rl.mu.Lock()
	defer rl.mu.Unlock()
	evicted := 0
	for key, b := range rl.buckets {
		if !b.seen.After(cutoff) {
			delete(rl.buckets, key)
			evicted++
		}
	}
	if evicted > 0 {
		slog.Debug("rate limiter eviction", "evicted", evicted, "remaining", len(rl.buckets))
	}
}

// BucketCount reports how many keys are tracked.
func (rl *RateLimitMiddleware) BucketCount() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.buckets)
}

// Wrap limits every request except /healthz.
func (rl *RateLimitMiddleware) Wrap(next http.Handler) http.Handler {
	if !rl.enabled {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" {
			next.ServeHTTP(w, r)
			return
		}
		key := "ip:" + remoteHost(r)
		if tok := ExtractToken(r); tok != "" {
			key = "token:" + tok
		}
		if !rl.take(key) {
			w.Header().Set("Retry-After", "1")
			writeJSONError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
