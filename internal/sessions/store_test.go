package sessions

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/solvia-ai/relay/pkg/models"
)

type failingStore struct {
	err error
}

func (f *failingStore) Load(ctx context.Context, id string) (*Session, error) { return nil, f.err }
func (f *failingStore) Save(ctx context.Context, s *Session) error            { return f.err }
func (f *failingStore) Delete(ctx context.Context, id string) error           { return f.err }
func (f *failingStore) Ping(ctx context.Context) error                        { return f.err }

func TestMemoryStoreRoundTrip(t *testing.T) {
	store := NewMemoryStore(time.Hour)
	ctx := context.Background()

	session := &Session{
		ID:             "s1",
		ConversationID: "conv-1",
		History:        []*models.Message{{ID: "m1", Content: "hi"}},
	}
	if err := store.Save(ctx, session); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := store.Load(ctx, "s1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded == nil || loaded.ConversationID != "conv-1" || len(loaded.History) != 1 {
		t.Fatalf("loaded = %+v", loaded)
	}

	// The store hands out copies.
	loaded.History = append(loaded.History, &models.Message{ID: "m2"})
	again, _ := store.Load(ctx, "s1")
	if len(again.History) != 1 {
		t.Error("mutating a loaded session changed the stored one")
	}

	if err := store.Delete(ctx, "s1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if gone, _ := store.Load(ctx, "s1"); gone != nil {
		t.Error("session survived delete")
	}
}

func TestMemoryStoreMiss(t *testing.T) {
	store := NewMemoryStore(time.Hour)
	session, err := store.Load(context.Background(), "absent")
	if err != nil || session != nil {
		t.Fatalf("miss = (%+v, %v), want (nil, nil)", session, err)
	}
}

func TestMemoryStoreExpiry(t *testing.T) {
	store := NewMemoryStore(10 * time.Millisecond)
	ctx := context.Background()

	if err := store.Save(ctx, &Session{ID: "s1"}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	time.Sleep(25 * time.Millisecond)

	if session, _ := store.Load(ctx, "s1"); session != nil {
		t.Error("expired session still served")
	}
}

func TestMemoryStoreRequiresID(t *testing.T) {
	store := NewMemoryStore(time.Hour)
	if err := store.Save(context.Background(), &Session{}); err == nil {
		t.Error("expected error for session without id")
	}
}

func TestFallbackStoreDegrades(t *testing.T) {
	down := &failingStore{err: errors.New("connection refused")}
	backup := NewMemoryStore(time.Hour)
	store := NewFallbackStore(down, backup, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx := context.Background()

	if err := store.Save(ctx, &Session{ID: "s1", ConversationID: "conv-1"}); err != nil {
		t.Fatalf("Save should degrade to backup: %v", err)
	}

	loaded, err := store.Load(ctx, "s1")
	if err != nil {
		t.Fatalf("Load should degrade to backup: %v", err)
	}
	if loaded == nil || loaded.ConversationID != "conv-1" {
		t.Fatalf("loaded = %+v", loaded)
	}
}

func TestFallbackStorePrefersPrimary(t *testing.T) {
	primary := NewMemoryStore(time.Hour)
	backup := NewMemoryStore(time.Hour)
	store := NewFallbackStore(primary, backup, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx := context.Background()

	if err := store.Save(ctx, &Session{ID: "s1", ConversationID: "from-primary"}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if backed, _ := backup.Load(ctx, "s1"); backed != nil {
		t.Error("healthy primary should not spill into the backup")
	}

	loaded, err := store.Load(ctx, "s1")
	if err != nil || loaded == nil || loaded.ConversationID != "from-primary" {
		t.Fatalf("loaded = (%+v, %v)", loaded, err)
	}
}

func TestFallbackStorePing(t *testing.T) {
	down := &failingStore{err: errors.New("connection refused")}
	backup := NewMemoryStore(time.Hour)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	store := NewFallbackStore(down, backup, logger)
	if err := store.Ping(context.Background()); err == nil {
		t.Error("a down primary should surface through Ping")
	}

	healthy := NewFallbackStore(NewMemoryStore(time.Hour), backup, logger)
	if err := healthy.Ping(context.Background()); err != nil {
		t.Errorf("Ping = %v, want nil for a primary without a health check", err)
	}
}

func TestFallbackStoreMissFallsThrough(t *testing.T) {
	primary := NewMemoryStore(time.Hour)
	backup := NewMemoryStore(time.Hour)
	store := NewFallbackStore(primary, backup, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx := context.Background()

	// Only the backup holds the session, e.g. written while the primary
	// was down.
	if err := backup.Save(ctx, &Session{ID: "s1", ConversationID: "from-backup"}); err != nil {
		t.Fatalf("seed backup: %v", err)
	}

	loaded, err := store.Load(ctx, "s1")
	if err != nil || loaded == nil || loaded.ConversationID != "from-backup" {
		t.Fatalf("loaded = (%+v, %v)", loaded, err)
	}
}
