package api

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// clientLimiter throttles per client address. Idle clients are evicted on
// the next lookup so the map stays bounded.
type clientLimiter struct {
	mu       sync.Mutex
	rps      rate.Limit
	burst    int
	idleTTL  time.Duration
	limiters map[string]*clientEntry
}

type clientEntry struct {
	limiter *rate.Limiter
	seenAt  time.Time
}

func newClientLimiter(requestsPerSec float64, burst int) *clientLimiter {
	if requestsPerSec <= 0 || burst <= 0 {
		return nil
	}

	return &clientLimiter{
		rps:      rate.Limit(requestsPerSec),
		burst:    burst,
		idleTTL:  10 * time.Minute,
		limiters: make(map[string]*clientEntry),
	}
}

func (l *clientLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.allow(clientAddress(r)) {
			writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate limit exceeded"})
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (l *clientLimiter) allow(clientID string) bool {
	if clientID == "" {
		clientID = "unknown"
	}

	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	for key, entry := range l.limiters {
		if now.Sub(entry.seenAt) > l.idleTTL {
			delete(l.limiters, key)
		}
	}

	entry, exists := l.limiters[clientID]
	if !exists {
		entry = &clientEntry{limiter: rate.NewLimiter(l.rps, l.burst)}
		l.limiters[clientID] = entry
	}
	entry.seenAt = now

	return entry.limiter.Allow()
}

func clientAddress(r *http.Request) string {
	forwarded := strings.TrimSpace(r.Header.Get("X-Forwarded-For"))
	if forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		return strings.TrimSpace(first)
	}

	if realIP := strings.TrimSpace(r.Header.Get("X-Real-IP")); realIP != "" {
		return realIP
	}

	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err == nil && host != "" {
		return host
	}

	return strings.TrimSpace(r.RemoteAddr)
}
