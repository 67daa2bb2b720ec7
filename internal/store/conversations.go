package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/solvia-ai/relay/pkg/models"
)

const conversationColumns = `id, channel_type, channel_user_id, COALESCE(flow_id, ''), status, metadata, created_at, last_activity`

func scanConversation(row interface{ Scan(...any) error }) (*models.Conversation, error) {
	var conv models.Conversation
	var metadataJSON []byte

	err := row.Scan(
		&conv.ID, &conv.ChannelType, &conv.ChannelUserID, &conv.FlowID,
		&conv.Status, &metadataJSON, &conv.CreatedAt, &conv.LastActivity)
	if err != nil {
		return nil, err
	}
	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &conv.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal conversation metadata: %w", err)
		}
	}
	return &conv, nil
}

// GetConversation fetches a conversation by id.
func (s *Store) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+conversationColumns+`
		FROM conversations
		WHERE id = $1
	`, id)

	conv, err := scanConversation(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query conversation: %w", err)
	}
	return conv, nil
}

// FindLatestConversation returns the most recently active non-archived
// conversation for a channel user, regardless of flow pinning.
func (s *Store) FindLatestConversation(ctx context.Context, channelType models.ChannelType, channelUserID string) (*models.Conversation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+conversationColumns+`
		FROM conversations
		WHERE channel_type = $1 AND channel_user_id = $2 AND status != 'archived'
		ORDER BY last_activity DESC
		LIMIT 1
	`, channelType, channelUserID)

	conv, err := scanConversation(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query latest conversation: %w", err)
	}
	return conv, nil
}

// GetOrCreateConversation returns the conversation for the identity tuple,
// creating it when absent. The boolean reports creation.
func (s *Store) GetOrCreateConversation(ctx context.Context, channelType models.ChannelType, channelUserID, flowID string) (*models.Conversation, bool, error) {
	var flowArg any
	if flowID != "" {
		flowArg = flowID
	}

	row := s.db.QueryRowContext(ctx, `
		INSERT INTO conversations (id, channel_type, channel_user_id, flow_id)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (channel_type, channel_user_id, COALESCE(flow_id, '')) DO UPDATE
			SET last_activity = now()
		RETURNING `+conversationColumns+`, (xmax = 0) AS inserted
	`, uuid.New().String(), channelType, channelUserID, flowArg)

	var conv models.Conversation
	var metadataJSON []byte
	var inserted bool
	err := row.Scan(
		&conv.ID, &conv.ChannelType, &conv.ChannelUserID, &conv.FlowID,
		&conv.Status, &metadataJSON, &conv.CreatedAt, &conv.LastActivity, &inserted)
	if err != nil {
		return nil, false, fmt.Errorf("upsert conversation: %w", err)
	}
	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &conv.Metadata); err != nil {
			return nil, false, fmt.Errorf("unmarshal conversation metadata: %w", err)
		}
	}
	return &conv, inserted, nil
}

// UpdateConversationMetadata replaces the metadata bag.
func (s *Store) UpdateConversationMetadata(ctx context.Context, id string, metadata map[string]any) error {
	data, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("marshal conversation metadata: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE conversations SET metadata = $2, last_activity = now() WHERE id = $1
	`, id, data)
	if err != nil {
		return fmt.Errorf("update conversation metadata: %w", err)
	}
	return requireRow(res)
}

// PinConversationFlow sets the conversation's flow binding.
func (s *Store) PinConversationFlow(ctx context.Context, id, flowID string) error {
	var flowArg any
	if flowID != "" {
		flowArg = flowID
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE conversations SET flow_id = $2 WHERE id = $1
	`, id, flowArg)
	if err != nil {
		return fmt.Errorf("pin conversation flow: %w", err)
	}
	return requireRow(res)
}

// UpdateConversationStatus moves the conversation through its lifecycle.
func (s *Store) UpdateConversationStatus(ctx context.Context, id string, status models.ConversationStatus) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE conversations SET status = $2 WHERE id = $1
	`, id, status)
	if err != nil {
		return fmt.Errorf("update conversation status: %w", err)
	}
	return requireRow(res)
}

// TouchConversation advances last_activity.
func (s *Store) TouchConversation(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE conversations SET last_activity = $2 WHERE id = $1
	`, id, at)
	if err != nil {
		return fmt.Errorf("touch conversation: %w", err)
	}
	return nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return nil
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
