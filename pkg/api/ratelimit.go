package api

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	rateLimitCleanupInterval = 5 * time.Minute
	rateLimitEntryTTL        = 10 * time.Minute
)

type ipLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// rateLimiterMap holds one token bucket per client IP. Idle buckets are
// swept on access once per cleanup interval.
type rateLimiterMap struct {
	mu        sync.Mutex
	limiters  map[string]*ipLimiter
	rps       rate.Limit
	burst     int
	lastSweep time.Time
	now       func() time.Time
}

func newRateLimiterMap(requestsPerMinute int) *rateLimiterMap {
	return &rateLimiterMap{
		limiters:  make(map[string]*ipLimiter, 64),
		rps:       rate.Limit(float64(requestsPerMinute) / 60.0),
		burst:     requestsPerMinute, // Allow burst up to the per-minute limit.
		lastSweep: time.Now(),
		now:       time.Now,
	}
}

func (rl *rateLimiterMap) allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()

	if now.Sub(rl.lastSweep) > rateLimitCleanupInterval {
		for k, entry := range rl.limiters {
			if now.Sub(entry.lastSeen) > rateLimitEntryTTL {
				delete(rl.limiters, k)
			}
		}

		rl.lastSweep = now
	}

	entry, ok := rl.limiters[ip]
	if !ok {
		entry = &ipLimiter{limiter: rate.NewLimiter(rl.rps, rl.burst)}
		rl.limiters[ip] = entry
	}

	entry.lastSeen = now

	return entry.limiter.AllowN(now, 1)
}

// rateLimitMiddleware returns a per-IP rate limiting middleware allowing
// requestsPerMinute requests per client.
func (s *server) rateLimitMiddleware(
	requestsPerMinute int,
) func(http.Handler) http.Handler {
	limiterMap := newRateLimiterMap(requestsPerMinute)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiterMap.allow(extractIP(r)) {
				writeError(w, http.StatusTooManyRequests,
					"rate limit exceeded", "")

				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// extractIP returns the client's IP address from the request.
func extractIP(r *http.Request) string {
	// X-Forwarded-For carries the original client first.
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")

		return strings.TrimSpace(first)
	}

	// Fall back to RemoteAddr.
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}

	return ip
}
