package session

import (
	"sync"
	"time"
)

const (
	// DefaultRateLimit is the maximum inbound messages per window.
	DefaultRateLimit = 50
	// DefaultRateWindow is the fixed counting window.
	DefaultRateWindow = 10 * time.Second
)

// RateLimiter is a per-token fixed-window message counter. Exceeding
// the limit drops messages but never disconnects the client.
type RateLimiter struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	counts map[string]*rateWindow
}

type rateWindow struct {
	start time.Time
	count int
}

// NewRateLimiter creates a limiter; non-positive arguments use defaults.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if limit <= 0 {
		limit = DefaultRateLimit
	}
	if window <= 0 {
		window = DefaultRateWindow
	}
	return &RateLimiter{
		limit:  limit,
		window: window,
		counts: make(map[string]*rateWindow),
	}
}

// Allow counts one message for the token at the given instant and
// reports whether it is within the limit. The counter resets when the
// window expires.
func (l *RateLimiter) Allow(token string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.counts[token]
	if !ok || now.Sub(w.start) >= l.window {
		l.counts[token] = &rateWindow{start: now, count: 1}
		return true
	}

	w.count++
	return w.count <= l.limit
}

// Forget drops the token's counter, called when its connection closes.
func (l *RateLimiter) Forget(token string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.counts, token)
}
