package auth

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"brevity-server/internal/observability"
)

// RateLimiter is a process-local sliding window keyed by caller identity:
// the account id when the guard resolved one, the client IP otherwise.
// Replicas do not share counters.
type RateLimiter struct {
	mu        sync.Mutex
	maxHits   int
	window    time.Duration
	hitsByKey map[string][]time.Time
	maxMemory int
	message   string
}

func NewRateLimiter(maxHits int, window time.Duration, message string) *RateLimiter {
	if maxHits <= 0 {
		maxHits = 10
	}
	if window <= 0 {
		window = time.Minute
	}
	if message == "" {
		message = "Too many requests, please try again later"
	}

	return &RateLimiter{
		maxHits:   maxHits,
		window:    window,
		hitsByKey: make(map[string][]time.Time),
		maxMemory: 5000,
		message:   message,
	}
}

func (l *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		allowed, retryAfter := l.allow(callerKey(r), time.Now().UTC())
		if !allowed {
			w.Header().Set("Retry-After", strconv.Itoa(int(retryAfter.Seconds())))
			writeError(w, http.StatusTooManyRequests, l.message)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (l *RateLimiter) allow(key string, now time.Time) (bool, time.Duration) {
	threshold := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	hits := l.hitsByKey[key]
	filtered := make([]time.Time, 0, len(hits)+1)
	for _, hit := range hits {
		if hit.After(threshold) {
			filtered = append(filtered, hit)
		}
	}

	if len(filtered) >= l.maxHits {
		retryAfter := filtered[0].Add(l.window).Sub(now)
		if retryAfter < time.Second {
			retryAfter = time.Second
		}
		l.hitsByKey[key] = filtered
		return false, retryAfter
	}

	filtered = append(filtered, now)
	l.hitsByKey[key] = filtered

	if len(l.hitsByKey) > l.maxMemory {
		l.evict(threshold)
	}

	return true, 0
}

// evict drops keys whose newest hit has left the window.
func (l *RateLimiter) evict(threshold time.Time) {
	for key, value := range l.hitsByKey {
		if len(value) == 0 || !value[len(value)-1].After(threshold) {
			delete(l.hitsByKey, key)
		}
	}
}

func (l *RateLimiter) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.hitsByKey)
}

func callerKey(r *http.Request) string {
	if identity, ok := IdentityFrom(r.Context()); ok && !identity.Anonymous && identity.Account.ID != "" {
		return "account:" + identity.Account.ID
	}
	return "ip:" + observability.ClientIP(r)
}
