// Package cache holds small in-process caches. The dedupe cache is the fast
// path in front of the store lookup for webhook deduplication.
package cache

import (
	"sync"
	"time"
)

// Dedupe remembers recently seen keys for a TTL, bounded in size. The zero
// TTL means entries never expire; eviction then happens only by size.
type Dedupe struct {
	mu      sync.Mutex
	seen    map[string]time.Time
	ttl     time.Duration
	maxSize int
}

// NewDedupe creates a dedupe cache. Non-positive maxSize falls back to 1024.
func NewDedupe(ttl time.Duration, maxSize int) *Dedupe {
	if maxSize <= 0 {
		maxSize = 1024
	}
	if ttl < 0 {
		ttl = 0
	}
	return &Dedupe{
		seen:    make(map[string]time.Time),
		ttl:     ttl,
		maxSize: maxSize,
	}
}

// Seen reports whether key was recorded within the TTL, recording it either
// way. The empty key is never a duplicate.
func (d *Dedupe) Seen(key string) bool {
	return d.SeenAt(key, time.Now())
}

// SeenAt is Seen with an explicit clock, for tests.
func (d *Dedupe) SeenAt(key string, now time.Time) bool {
	if key == "" {
		return false
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if at, ok := d.seen[key]; ok {
		if d.ttl <= 0 || now.Sub(at) < d.ttl {
			d.seen[key] = now
			return true
		}
	}

	d.seen[key] = now
	d.pruneLocked(now)
	return false
}

// Contains peeks without recording.
func (d *Dedupe) Contains(key string, now time.Time) bool {
	if key == "" {
		return false
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	at, ok := d.seen[key]
	if !ok {
		return false
	}
	return d.ttl <= 0 || now.Sub(at) < d.ttl
}

// Remove forgets a key.
func (d *Dedupe) Remove(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.seen, key)
}

// Size returns the current entry count.
func (d *Dedupe) Size() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}

// Clear drops every entry.
func (d *Dedupe) Clear() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seen = make(map[string]time.Time)
}

// pruneLocked drops expired entries, then evicts oldest-first until the size
// bound holds. Called with the lock held.
func (d *Dedupe) pruneLocked(now time.Time) {
	if d.ttl > 0 {
		for key, at := range d.seen {
			if now.Sub(at) >= d.ttl {
				delete(d.seen, key)
			}
		}
	}

	for len(d.seen) > d.maxSize {
		var oldestKey string
		var oldestAt time.Time
		first := true
		for key, at := range d.seen {
			if first || at.Before(oldestAt) {
				oldestKey, oldestAt = key, at
				first = false
			}
		}
		delete(d.seen, oldestKey)
	}
}

// WebhookKey builds the dedupe key for an inbound provider message id.
func WebhookKey(channel, messageID string) string {
	if messageID == "" {
		return ""
	}
	if channel == "" {
		return messageID
	}
	return channel + ":" + messageID
}
