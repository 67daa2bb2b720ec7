package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/solvia-ai/relay/internal/logging"
)

// WriteSystemLog appends one record to system_logs. It implements
// logging.Sink so warn-and-above records survive process restarts.
func (s *Store) WriteSystemLog(ctx context.Context, entry logging.Entry) error {
	fields, err := json.Marshal(entry.Fields)
	if err != nil {
		fields = []byte(`{}`)
	}
	at := entry.Time
	if at.IsZero() {
		at = time.Now()
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO system_logs (time, level, component, message, fields)
		VALUES ($1, $2, $3, $4, $5)
	`, at, entry.Level, entry.Component, entry.Message, fields)
	if err != nil {
		return fmt.Errorf("write system log: %w", err)
	}
	return nil
}

// AnalyticsEvent is one business-level occurrence, e.g. message_processed.
type AnalyticsEvent struct {
	Event          string
	ConversationID string
	ChannelType    string
	Properties     map[string]any
}

// InsertAnalyticsEvent records an analytics event.
func (s *Store) InsertAnalyticsEvent(ctx context.Context, ev AnalyticsEvent) error {
	props, err := json.Marshal(ev.Properties)
	if err != nil {
		props = []byte(`{}`)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO analytics_events (event, conversation_id, channel_type, properties)
		VALUES ($1, $2, $3, $4)
	`, ev.Event, ev.ConversationID, ev.ChannelType, props)
	if err != nil {
		return fmt.Errorf("insert analytics event: %w", err)
	}
	return nil
}
