package logging

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"ERROR", slog.LevelError},
		{"", slog.LevelInfo},
		{"banana", slog.LevelInfo},
	}

	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestNew_JSONOutput(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Options{Level: "info", Format: "json", Output: &buf})

	logger.Info("hello", "channel", "whatsapp")

	out := buf.String()
	if !strings.Contains(out, `"msg":"hello"`) {
		t.Errorf("output missing message: %s", out)
	}
	if !strings.Contains(out, `"channel":"whatsapp"`) {
		t.Errorf("output missing attr: %s", out)
	}
}

func TestNew_LevelFilters(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Options{Level: "warn", Format: "json", Output: &buf})

	logger.Info("quiet")
	if buf.Len() != 0 {
		t.Errorf("info should be filtered at warn level, got %s", buf.String())
	}

	logger.Warn("loud")
	if buf.Len() == 0 {
		t.Error("warn should pass")
	}
}

type recordingSink struct {
	mu      sync.Mutex
	entries []Entry
}

func (s *recordingSink) WriteSystemLog(_ context.Context, entry Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entry)
	return nil
}

func (s *recordingSink) snapshot() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Entry{}, s.entries...)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestStoreHandler_TeesWarnAndAbove(t *testing.T) {
	sink := &recordingSink{}
	var buf bytes.Buffer
	handler := NewStoreHandler(slog.NewJSONHandler(&buf, nil), sink, 16)
	defer handler.Close()

	logger := slog.New(handler)
	logger.Info("not teed")
	logger.Warn("queue backlog", "depth", 12)
	logger.Error("send failed", "component", "queue")

	waitFor(t, func() bool { return len(sink.snapshot()) == 2 })

	entries := sink.snapshot()
	if entries[0].Message != "queue backlog" || entries[0].Level != "warn" {
		t.Errorf("first entry = %+v", entries[0])
	}
	if entries[0].Fields["depth"] != int64(12) {
		t.Errorf("depth field = %v (%T)", entries[0].Fields["depth"], entries[0].Fields["depth"])
	}
	if entries[1].Component != "queue" {
		t.Errorf("component = %q, want queue", entries[1].Component)
	}
	// All three records still reach the inner handler.
	if got := strings.Count(buf.String(), `"msg"`); got != 3 {
		t.Errorf("inner handler records = %d, want 3", got)
	}
}

func TestStoreHandler_WithAttrsCarriesComponent(t *testing.T) {
	sink := &recordingSink{}
	handler := NewStoreHandler(slog.NewJSONHandler(&bytes.Buffer{}, nil), sink, 16)
	defer handler.Close()

	logger := slog.New(handler).With("component", "gateway")
	logger.Warn("provider unhealthy")

	waitFor(t, func() bool { return len(sink.snapshot()) == 1 })

	if got := sink.snapshot()[0].Component; got != "gateway" {
		t.Errorf("component = %q, want gateway", got)
	}
}

func TestStoreHandler_DropsOnOverflow(t *testing.T) {
	block := make(chan struct{})
	sink := &blockingSink{release: block}
	handler := NewStoreHandler(slog.NewJSONHandler(&bytes.Buffer{}, nil), sink, 1)

	logger := slog.New(handler)
	for i := 0; i < 10; i++ {
		logger.Warn("burst")
	}
	close(block)
	handler.Close()

	if handler.Dropped() == 0 {
		t.Error("expected dropped entries under overflow")
	}
}

type blockingSink struct {
	release chan struct{}
	once    sync.Once
}

func (s *blockingSink) WriteSystemLog(_ context.Context, _ Entry) error {
	s.once.Do(func() { <-s.release })
	return nil
}
