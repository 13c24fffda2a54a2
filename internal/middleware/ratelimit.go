package middleware

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/iimez/llmpool/internal/config"
)

// limiterSet holds one golang.org/x/time/rate.Limiter per key (API key or
// client IP).
type limiterSet struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	lastSeen map[string]time.Time
	limit    rate.Limit
	burst    int
}

func newLimiterSet(requestsPerMin, burstSize int) *limiterSet {
	return &limiterSet{
		limiters: make(map[string]*rate.Limiter),
		lastSeen: make(map[string]time.Time),
		limit:    rate.Limit(float64(requestsPerMin) / 60.0),
		burst:    burstSize,
	}
}

func (s *limiterSet) allow(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.limiters[key]
	if !ok {
		l = rate.NewLimiter(s.limit, s.burst)
		s.limiters[key] = l
	}
	s.lastSeen[key] = time.Now()
	return l.Allow()
}

// sweep drops limiters untouched since cutoff, bounding memory for a
// process that sees a long tail of distinct IPs/keys over its lifetime.
func (s *limiterSet) sweep(cutoff time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, seen := range s.lastSeen {
		if seen.Before(cutoff) {
			delete(s.limiters, key)
			delete(s.lastSeen, key)
		}
	}
}

// limiterKey buckets a request by presented API key, else by client IP.
func limiterKey(r *http.Request) string {
	if key := clientKey(r); key != "" {
		return key
	}
	return clientIP(r)
}

func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if idx := strings.Index(xff, ","); idx > 0 {
			return strings.TrimSpace(xff[:idx])
		}
		return strings.TrimSpace(xff)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	addr := r.RemoteAddr
	if idx := strings.LastIndex(addr, ":"); idx >= 0 {
		addr = addr[:idx]
	}
	return addr
}

// RateLimit returns middleware enforcing a per-key (API key, else IP) rate
// limit. Like RequireKey, exempt routes are decided by where the router
// mounts it, not by path checks here. stop, if non-nil, is closed to end
// the background sweep goroutine.
func RateLimit(cfg config.RateLimitConfig, stop <-chan struct{}) func(http.Handler) http.Handler {
	rl := newLimiterSet(cfg.RequestsPerMin, cfg.BurstSize)

	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				rl.sweep(time.Now().Add(-5 * time.Minute))
			case <-stop:
				return
			}
		}
	}()

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !cfg.Enabled {
				next.ServeHTTP(w, r)
				return
			}

			if !rl.allow(limiterKey(r)) {
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("Retry-After", "60")
				w.WriteHeader(http.StatusTooManyRequests)
				w.Write([]byte(`{"error":{"message":"Rate limit exceeded","type":"rate_limit_error","code":"rate_limit_exceeded"}}`))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
