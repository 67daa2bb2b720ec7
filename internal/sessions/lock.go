package sessions

import (
	"strings"
	"sync"
)

type keyLock struct {
	mu   sync.Mutex
	refs int
}

// locker serializes work per key. Waiters on the same key run in arrival
// order; distinct keys never contend.
type locker struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

func newLocker() *locker {
	return &locker{locks: make(map[string]*keyLock)}
}

// acquire blocks until the key is free and returns the release func. Entries
// are dropped once the last holder releases, so the map never grows past the
// number of keys currently in flight.
func (l *locker) acquire(key string) func() {
	if strings.TrimSpace(key) == "" {
		return func() {}
	}

	l.mu.Lock()
	lock := l.locks[key]
	if lock == nil {
		lock = &keyLock{}
		l.locks[key] = lock
	}
	lock.refs++
	l.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		l.mu.Lock()
		lock.refs--
		if lock.refs <= 0 {
			delete(l.locks, key)
		}
		l.mu.Unlock()
	}
}
