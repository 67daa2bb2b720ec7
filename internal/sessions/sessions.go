// Package sessions is the context manager: it gives every conversation a
// deterministic session identity, restores recent history from the message
// store, and carries the merged external context the orchestrator injects
// into prompts. Turns for the same user on the same channel are serialized.
package sessions

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"time"
	"unicode/utf8"

	"github.com/solvia-ai/relay/pkg/models"
)

const (
	// defaultHistoryLimit caps how many messages a session retains.
	defaultHistoryLimit = 100

	// externalContextMaxChars caps the JSON payload injected into the
	// system prompt.
	externalContextMaxChars = 4000
)

// Session is the in-memory projection of a conversation: the history window,
// the recent tool-execution log, and the merged metadata bag.
type Session struct {
	ID             string                  `json:"id"`
	ConversationID string                  `json:"conversation_id"`
	ChannelType    models.ChannelType      `json:"channel_type"`
	UserID         string                  `json:"user_id"`
	History        []*models.Message       `json:"history,omitempty"`
	ToolExecutions []*models.ToolExecution `json:"tool_executions,omitempty"`
	Metadata       map[string]any          `json:"metadata,omitempty"`
	UpdatedAt      time.Time               `json:"updated_at"`
}

func (s *Session) clone() *Session {
	if s == nil {
		return nil
	}
	out := *s
	out.History = slices.Clone(s.History)
	out.ToolExecutions = slices.Clone(s.ToolExecutions)
	out.Metadata = maps.Clone(s.Metadata)
	return &out
}

// ExternalContextBlock renders the merged external context as a delimited
// prompt section. Empty when the session carries no external context.
func (s *Session) ExternalContextBlock() string {
	byNS, ok := models.ExternalContextOf(s.Metadata)
	if !ok {
		return ""
	}
	raw, err := json.MarshalIndent(byNS, "", "  ")
	if err != nil {
		return ""
	}
	return "=== EXTERNAL CONTEXT ===\n" +
		truncate(string(raw), externalContextMaxChars) +
		"\n=== END EXTERNAL CONTEXT ==="
}

// SessionID derives the stable session identity: the same
// (channel, user, conversation) tuple yields the same id in every process.
func SessionID(channel models.ChannelType, userID, conversationID string) string {
	sum := sha256.Sum256([]byte(string(channel) + "|" + userID + "|" + conversationID))
	return hex.EncodeToString(sum[:])
}

// HistorySource is the authoritative message record sessions hydrate from.
// *store.Store satisfies it.
type HistorySource interface {
	ListRecentMessages(ctx context.Context, conversationID string, limit int) ([]*models.Message, error)
	CountMessages(ctx context.Context, conversationID string) (int, error)
}

// Options configures a Manager.
type Options struct {
	// Store is the session cache. Defaults to an in-memory store with a
	// one hour TTL.
	Store Store

	// History is the persistent message record. Required.
	History HistorySource

	// HistoryLimit caps the session history window. Defaults to 100.
	HistoryLimit int

	// Logger receives degrade warnings. Defaults to slog.Default().
	Logger *slog.Logger
}

func (o *Options) applyDefaults() {
	if o.Store == nil {
		o.Store = NewMemoryStore(time.Hour)
	}
	if o.HistoryLimit <= 0 {
		o.HistoryLimit = defaultHistoryLimit
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Manager owns session contexts. Sessions are lazily rebuilt from the
// message store and cached between turns.
type Manager struct {
	store   Store
	history HistorySource
	limit   int
	locks   *locker
	logger  *slog.Logger
}

// NewManager creates a session manager.
func NewManager(opts Options) (*Manager, error) {
	opts.applyDefaults()
	if opts.History == nil {
		return nil, errors.New("sessions: history source is required")
	}
	return &Manager{
		store:   opts.Store,
		history: opts.History,
		limit:   opts.HistoryLimit,
		locks:   newLocker(),
		logger:  opts.Logger.With("component", "sessions"),
	}, nil
}

// Acquire checks out the session for a conversation, holding its turn lock
// until release is called. Turns for the same (channel, user) run in arrival
// order. The returned session is hydrated and has the conversation's
// external context merged in.
func (m *Manager) Acquire(ctx context.Context, conv *models.Conversation) (*Session, func(), error) {
	if conv == nil || conv.ID == "" {
		return nil, nil, errors.New("sessions: conversation is required")
	}

	release := m.locks.acquire(string(conv.ChannelType) + "|" + conv.ChannelUserID)

	session, err := m.checkout(ctx, conv)
	if err != nil {
		release()
		return nil, nil, err
	}
	return session, release, nil
}

func (m *Manager) checkout(ctx context.Context, conv *models.Conversation) (*Session, error) {
	id := SessionID(conv.ChannelType, conv.ChannelUserID, conv.ID)

	session, err := m.store.Load(ctx, id)
	if err != nil {
		m.logger.Warn("session load failed, rebuilding", "session_id", id, "error", err)
		session = nil
	}
	if session == nil {
		session = &Session{
			ID:             id,
			ConversationID: conv.ID,
			ChannelType:    conv.ChannelType,
			UserID:         conv.ChannelUserID,
		}
	}

	if err := m.hydrate(ctx, session); err != nil {
		return nil, err
	}

	MergeExternalContext(session, conv.Metadata)
	return session, nil
}

// hydrate reconciles the session history with the message store. The store
// is authoritative: a session holding fewer messages than persisted is
// cleared and reloaded.
func (m *Manager) hydrate(ctx context.Context, s *Session) error {
	persisted, err := m.history.CountMessages(ctx, s.ConversationID)
	if err != nil {
		return fmt.Errorf("count messages: %w", err)
	}

	want := min(persisted, m.limit)
	if len(s.History) >= want {
		return nil
	}

	msgs, err := m.history.ListRecentMessages(ctx, s.ConversationID, m.limit)
	if err != nil {
		return fmt.Errorf("load history: %w", err)
	}
	s.History = msgs
	return nil
}

// Append adds a message to the session history, evicting the oldest entries
// past the cap, and writes the session through to the cache. Cache failures
// degrade: the message store already holds the truth.
func (m *Manager) Append(ctx context.Context, s *Session, msg *models.Message) {
	if s == nil || msg == nil {
		return
	}
	s.History = append(s.History, msg)
	if excess := len(s.History) - m.limit; excess > 0 {
		s.History = s.History[excess:]
	}
	s.UpdatedAt = time.Now()
	m.save(ctx, s)
}

// RecordExecutions appends tool executions to the session log, bounded the
// same way history is.
func (m *Manager) RecordExecutions(ctx context.Context, s *Session, execs ...*models.ToolExecution) {
	if s == nil || len(execs) == 0 {
		return
	}
	s.ToolExecutions = append(s.ToolExecutions, execs...)
	if excess := len(s.ToolExecutions) - m.limit; excess > 0 {
		s.ToolExecutions = s.ToolExecutions[excess:]
	}
	s.UpdatedAt = time.Now()
	m.save(ctx, s)
}

// Invalidate drops the cached session so the next turn rebuilds it from the
// message store. Used when conversation metadata changes out of band.
func (m *Manager) Invalidate(ctx context.Context, channel models.ChannelType, userID, conversationID string) {
	id := SessionID(channel, userID, conversationID)
	if err := m.store.Delete(ctx, id); err != nil {
		m.logger.Warn("session invalidate failed", "session_id", id, "error", err)
	}
}

// Ping reports the session cache's health. Stores without a health check,
// the in-memory one included, always report healthy.
func (m *Manager) Ping(ctx context.Context) error {
	if p, ok := m.store.(interface{ Ping(context.Context) error }); ok {
		return p.Ping(ctx)
	}
	return nil
}

func (m *Manager) save(ctx context.Context, s *Session) {
	if err := m.store.Save(ctx, s); err != nil {
		m.logger.Warn("session save failed", "session_id", s.ID, "error", err)
	}
}

// MergeExternalContext copies the external-context envelopes from
// conversation metadata into the session bag, namespace by namespace.
// Namespaces already present are replaced by the incoming envelope.
func MergeExternalContext(s *Session, metadata map[string]any) {
	byNS, ok := models.ExternalContextOf(metadata)
	if !ok {
		return
	}
	if s.Metadata == nil {
		s.Metadata = make(map[string]any)
	}
	merged, _ := s.Metadata[models.ExternalContextKey].(map[string]any)
	if merged == nil {
		merged = make(map[string]any, len(byNS))
	}
	for ns, envelope := range byNS {
		merged[ns] = envelope
	}
	s.Metadata[models.ExternalContextKey] = merged
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
