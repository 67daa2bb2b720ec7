package llm

import (
	"sync"
	"time"
)

// breaker is a per-provider three-state circuit breaker. Closed until
// threshold consecutive failures, then open for resetTimeout, then a single
// probe is let through: success closes the circuit, failure reopens it.
type breaker struct {
	mu        sync.Mutex
	threshold int
	reset     time.Duration

	failures  int
	openUntil time.Time
}

func newBreaker(threshold int, reset time.Duration) *breaker {
	return &breaker{threshold: threshold, reset: reset}
}

// allow reports whether a request may proceed at now. While the circuit is
// open it stays false until the reset timeout elapses; after that the
// half-open probe is admitted.
func (b *breaker) allow(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.failures < b.threshold {
		return true
	}
	return !now.Before(b.openUntil)
}

// success closes the circuit.
func (b *breaker) success() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	b.openUntil = time.Time{}
}

// failure records one breaker failure and reports whether the circuit is
// now open. A failed half-open probe re-arms the full timeout.
func (b *breaker) failure(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	if b.failures >= b.threshold {
		b.openUntil = now.Add(b.reset)
		return true
	}
	return false
}

// state reports the current failure count and open flag for health output.
func (b *breaker) state(now time.Time) (failures int, open bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.failures, b.failures >= b.threshold && now.Before(b.openUntil)
}

// latencyRing keeps a rolling window of completion latencies for the
// least_latency strategy.
type latencyRing struct {
	mu      sync.Mutex
	samples []time.Duration
	next    int
	full    bool
}

func newLatencyRing(size int) *latencyRing {
	if size <= 0 {
		size = 100
	}
	return &latencyRing{samples: make([]time.Duration, size)}
}

func (r *latencyRing) record(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.samples[r.next] = d
	r.next++
	if r.next == len(r.samples) {
		r.next = 0
		r.full = true
	}
}

// average returns the mean of the window and false when no samples exist.
func (r *latencyRing) average() (time.Duration, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := r.next
	if r.full {
		n = len(r.samples)
	}
	if n == 0 {
		return 0, false
	}

	var total time.Duration
	for i := 0; i < n; i++ {
		total += r.samples[i]
	}
	return total / time.Duration(n), true
}
