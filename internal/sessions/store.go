package sessions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// keyPrefix namespaces session keys in a shared Redis.
const keyPrefix = "relay:session:"

// maxMemorySessions bounds the in-process fallback store.
const maxMemorySessions = 4096

// Store is the cache layer sessions live in between turns. Load returns
// (nil, nil) on a miss.
type Store interface {
	Load(ctx context.Context, id string) (*Session, error)
	Save(ctx context.Context, s *Session) error
	Delete(ctx context.Context, id string) error
}

// RedisStore keeps sessions in Redis so any process can resume a
// conversation. Entries expire after the configured TTL.
type RedisStore struct {
	rdb redis.UniversalClient
	ttl time.Duration
}

// NewRedisStore creates a Redis-backed session store. A non-positive ttl
// falls back to one hour.
func NewRedisStore(rdb redis.UniversalClient, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &RedisStore{rdb: rdb, ttl: ttl}
}

func (s *RedisStore) Load(ctx context.Context, id string) (*Session, error) {
	raw, err := s.rdb.Get(ctx, keyPrefix+id).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", id, err)
	}

	var session Session
	if err := json.Unmarshal([]byte(raw), &session); err != nil {
		// A corrupt entry is a miss; hydration rebuilds it from the store.
		return nil, nil
	}
	return &session, nil
}

func (s *RedisStore) Save(ctx context.Context, session *Session) error {
	if session == nil || session.ID == "" {
		return errors.New("session id is required")
	}
	raw, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("encode session %s: %w", session.ID, err)
	}
	if err := s.rdb.Set(ctx, keyPrefix+session.ID, raw, s.ttl).Err(); err != nil {
		return fmt.Errorf("save session %s: %w", session.ID, err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, id string) error {
	if err := s.rdb.Del(ctx, keyPrefix+id).Err(); err != nil {
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	return nil
}

// Ping reports Redis reachability.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

type memoryEntry struct {
	session   *Session
	expiresAt time.Time
}

// MemoryStore is the in-process session store used when Redis is not
// configured, and the fallback when it is down. Entries expire lazily.
type MemoryStore struct {
	mu       sync.Mutex
	ttl      time.Duration
	sessions map[string]*memoryEntry
}

// NewMemoryStore creates an in-memory session store. A non-positive ttl
// falls back to one hour.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &MemoryStore{
		ttl:      ttl,
		sessions: make(map[string]*memoryEntry),
	}
}

func (s *MemoryStore) Load(ctx context.Context, id string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.sessions[id]
	if !ok {
		return nil, nil
	}
	if time.Now().After(entry.expiresAt) {
		delete(s.sessions, id)
		return nil, nil
	}
	return entry.session.clone(), nil
}

func (s *MemoryStore) Save(ctx context.Context, session *Session) error {
	if session == nil || session.ID == "" {
		return errors.New("session id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.sessions[session.ID] = &memoryEntry{
		session:   session.clone(),
		expiresAt: time.Now().Add(s.ttl),
	}
	if len(s.sessions) > maxMemorySessions {
		s.pruneLocked()
	}
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
	return nil
}

// pruneLocked drops expired entries, then the soonest-to-expire live ones
// until the store is back under its bound.
func (s *MemoryStore) pruneLocked() {
	now := time.Now()
	for id, entry := range s.sessions {
		if now.After(entry.expiresAt) {
			delete(s.sessions, id)
		}
	}
	for len(s.sessions) > maxMemorySessions {
		var oldestID string
		var oldest time.Time
		for id, entry := range s.sessions {
			if oldestID == "" || entry.expiresAt.Before(oldest) {
				oldestID, oldest = id, entry.expiresAt
			}
		}
		delete(s.sessions, oldestID)
	}
}

// FallbackStore reads and writes through the primary store, degrading to the
// backup when the primary errors. The session cache is a soft dependency:
// Redis being down must not fail a turn.
type FallbackStore struct {
	primary Store
	backup  Store
	logger  *slog.Logger
}

// NewFallbackStore layers a backup store behind a primary one.
func NewFallbackStore(primary, backup Store, logger *slog.Logger) *FallbackStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &FallbackStore{primary: primary, backup: backup, logger: logger}
}

func (s *FallbackStore) Load(ctx context.Context, id string) (*Session, error) {
	session, err := s.primary.Load(ctx, id)
	if err == nil {
		if session != nil {
			return session, nil
		}
		return s.backup.Load(ctx, id)
	}

	s.logger.Warn("session store unavailable, reading in-memory fallback", "error", err)
	return s.backup.Load(ctx, id)
}

func (s *FallbackStore) Save(ctx context.Context, session *Session) error {
	if err := s.primary.Save(ctx, session); err != nil {
		s.logger.Warn("session store unavailable, saving to in-memory fallback", "error", err)
		return s.backup.Save(ctx, session)
	}
	return nil
}

func (s *FallbackStore) Delete(ctx context.Context, id string) error {
	err := s.primary.Delete(ctx, id)
	if berr := s.backup.Delete(ctx, id); err == nil {
		err = berr
	}
	return err
}

// Ping reports the primary store's health. The backup keeps turns running
// while the primary is down, but the component still counts as degraded.
func (s *FallbackStore) Ping(ctx context.Context) error {
	if p, ok := s.primary.(interface{ Ping(context.Context) error }); ok {
		return p.Ping(ctx)
	}
	return nil
}
