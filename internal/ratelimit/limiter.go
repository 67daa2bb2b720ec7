// Package ratelimit provides fixed-window request budgets keyed by caller.
// Tool dispatch uses it to enforce per-tool invocation limits.
package ratelimit

import (
	"strings"
	"sync"
	"time"
)

// window tracks consumption inside one fixed window.
type window struct {
	start time.Time
	used  int
}

// Limiter tracks fixed-window budgets for many keys. Each call supplies the
// key's own limit and window length, so differently configured tools share
// one limiter.
type Limiter struct {
	mu      sync.Mutex
	windows map[string]*window
	maxKeys int
}

// NewLimiter creates an empty limiter.
func NewLimiter() *Limiter {
	return &Limiter{
		windows: make(map[string]*window),
		maxKeys: 10000,
	}
}

// Allow consumes one request from the key's current window. A non-positive
// limit or window disables limiting for the key.
func (l *Limiter) Allow(key string, limit int, span time.Duration) bool {
	return l.AllowAt(time.Now(), key, limit, span)
}

// AllowAt is Allow with an explicit clock, for tests.
func (l *Limiter) AllowAt(now time.Time, key string, limit int, span time.Duration) bool {
	if limit <= 0 || span <= 0 {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[key]
	if !ok || now.Sub(w.start) >= span {
		if !ok && len(l.windows) >= l.maxKeys {
			l.pruneLocked(now, span)
		}
		l.windows[key] = &window{start: now, used: 1}
		return true
	}

	if w.used >= limit {
		return false
	}
	w.used++
	return true
}

// Remaining reports how many requests the key may still make in its current
// window.
func (l *Limiter) Remaining(now time.Time, key string, limit int, span time.Duration) int {
	if limit <= 0 || span <= 0 {
		return limit
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[key]
	if !ok || now.Sub(w.start) >= span {
		return limit
	}
	if w.used >= limit {
		return 0
	}
	return limit - w.used
}

// Reset forgets the key's window.
func (l *Limiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.windows, key)
}

// pruneLocked drops windows older than span. Called with the lock held when
// the key table is full.
func (l *Limiter) pruneLocked(now time.Time, span time.Duration) {
	for key, w := range l.windows {
		if now.Sub(w.start) >= span {
			delete(l.windows, key)
		}
	}
}

// CompositeKey joins key parts with a colon separator.
func CompositeKey(parts ...string) string {
	return strings.Join(parts, ":")
}
