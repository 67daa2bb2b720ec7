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

const messageColumns = `id, conversation_id, role, content, timestamp,
		COALESCE(original_message_id, ''), COALESCE(provider, ''), COALESCE(model, ''),
		tokens_in, tokens_out, cost, metadata`

func scanMessage(row interface{ Scan(...any) error }) (*models.Message, error) {
	var msg models.Message
	var metadataJSON []byte

	err := row.Scan(
		&msg.ID, &msg.ConversationID, &msg.Role, &msg.Content, &msg.Timestamp,
		&msg.OriginalMessageID, &msg.Provider, &msg.Model,
		&msg.TokensIn, &msg.TokensOut, &msg.Cost, &metadataJSON)
	if err != nil {
		return nil, err
	}
	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &msg.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal message metadata: %w", err)
		}
	}
	return &msg, nil
}

// InsertMessage persists a message, assigning an id and timestamp when unset.
func (s *Store) InsertMessage(ctx context.Context, msg *models.Message) error {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}

	metadataJSON, err := json.Marshal(msg.Metadata)
	if err != nil {
		return fmt.Errorf("marshal message metadata: %w", err)
	}

	var originalID, provider, model any
	if msg.OriginalMessageID != "" {
		originalID = msg.OriginalMessageID
	}
	if msg.Provider != "" {
		provider = msg.Provider
	}
	if msg.Model != "" {
		model = msg.Model
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, role, content, timestamp,
			original_message_id, provider, model, tokens_in, tokens_out, cost, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, msg.ID, msg.ConversationID, msg.Role, msg.Content, msg.Timestamp,
		originalID, provider, model, msg.TokensIn, msg.TokensOut, msg.Cost, metadataJSON)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// ListRecentMessages returns the last limit messages of a conversation in
// chronological order.
func (s *Store) ListRecentMessages(ctx context.Context, conversationID string, limit int) ([]*models.Message, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE conversation_id = $1
		ORDER BY timestamp DESC, id DESC
		LIMIT $2
	`, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var msgs []*models.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}

	// Newest-first from the query; callers want oldest-first.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// FindUserMessageByOriginalID looks up an inbound message by its channel
// message id. Used to detect webhooks already processed to completion.
func (s *Store) FindUserMessageByOriginalID(ctx context.Context, originalID string) (*models.Message, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE original_message_id = $1 AND role = 'user'
		LIMIT 1
	`, originalID)

	msg, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query message by original id: %w", err)
	}
	return msg, nil
}

// CountMessages reports how many messages a conversation holds.
func (s *Store) CountMessages(ctx context.Context, conversationID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM messages WHERE conversation_id = $1
	`, conversationID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}
