package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/solvia-ai/relay/pkg/models"
)

const toolDefinitionColumns = `id, name, description, parameters, kind, COALESCE(spec, 'null'::jsonb), permissions, active, created_at, updated_at`

func scanToolDefinition(row interface{ Scan(...any) error }) (*models.ToolDefinition, error) {
	var def models.ToolDefinition
	var params, spec, perms []byte

	err := row.Scan(
		&def.ID, &def.Name, &def.Description, &params, &def.Kind,
		&spec, &perms, &def.Active, &def.CreatedAt, &def.UpdatedAt)
	if err != nil {
		return nil, err
	}
	def.Parameters = json.RawMessage(params)
	if string(spec) != "null" {
		def.Spec = json.RawMessage(spec)
	}
	if len(perms) > 0 {
		if err := json.Unmarshal(perms, &def.Permissions); err != nil {
			return nil, fmt.Errorf("unmarshal tool permissions: %w", err)
		}
	}
	return &def, nil
}

// GetToolDefinition fetches an active tool definition by name.
func (s *Store) GetToolDefinition(ctx context.Context, name string) (*models.ToolDefinition, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+toolDefinitionColumns+`
		FROM tool_definitions
		WHERE name = $1 AND active
	`, name)

	def, err := scanToolDefinition(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query tool definition: %w", err)
	}
	return def, nil
}

// ListActiveToolDefinitions returns every active tool definition. The tool
// runtime syncs its registry from this.
func (s *Store) ListActiveToolDefinitions(ctx context.Context) ([]*models.ToolDefinition, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+toolDefinitionColumns+`
		FROM tool_definitions
		WHERE active
		ORDER BY name ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query tool definitions: %w", err)
	}
	defer rows.Close()

	var defs []*models.ToolDefinition
	for rows.Next() {
		def, err := scanToolDefinition(rows)
		if err != nil {
			return nil, fmt.Errorf("scan tool definition: %w", err)
		}
		defs = append(defs, def)
	}
	return defs, rows.Err()
}

// ListToolDefinitions returns the active definitions for the named tools.
// Names without an active definition are silently absent from the result.
func (s *Store) ListToolDefinitions(ctx context.Context, names []string) ([]*models.ToolDefinition, error) {
	if len(names) == 0 {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+toolDefinitionColumns+`
		FROM tool_definitions
		WHERE name = ANY($1) AND active
		ORDER BY name ASC
	`, pq.Array(names))
	if err != nil {
		return nil, fmt.Errorf("query tool definitions: %w", err)
	}
	defer rows.Close()

	var defs []*models.ToolDefinition
	for rows.Next() {
		def, err := scanToolDefinition(rows)
		if err != nil {
			return nil, fmt.Errorf("scan tool definition: %w", err)
		}
		defs = append(defs, def)
	}
	return defs, rows.Err()
}

// InsertToolExecution records one tool invocation. The status normalizes
// legacy spellings before it hits the CHECK constraint.
func (s *Store) InsertToolExecution(ctx context.Context, exec *models.ToolExecution) error {
	if exec.ID == "" {
		exec.ID = uuid.New().String()
	}
	params := exec.Parameters
	if len(params) == 0 {
		params = json.RawMessage(`{}`)
	}
	var messageArg any
	if exec.MessageID != "" {
		messageArg = exec.MessageID
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tool_executions (id, message_id, conversation_id, tool_name, parameters, result, status, error, execution_time_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, exec.ID, messageArg, exec.ConversationID, exec.ToolName, []byte(params),
		exec.Result, models.NormalizeExecutionStatus(string(exec.Status)), exec.Error, exec.ExecutionTimeMS)
	if err != nil {
		return fmt.Errorf("insert tool execution: %w", err)
	}
	return nil
}

// LinkToolExecutions backfills the assistant message id onto executions
// recorded before the turn's message persisted.
func (s *Store) LinkToolExecutions(ctx context.Context, executionIDs []string, messageID string) error {
	if len(executionIDs) == 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE tool_executions SET message_id = $2 WHERE id = ANY($1)
	`, pq.Array(executionIDs), messageID)
	if err != nil {
		return fmt.Errorf("link tool executions: %w", err)
	}
	return nil
}

// ListToolExecutions returns a conversation's executions, newest first.
func (s *Store) ListToolExecutions(ctx context.Context, conversationID string, limit int) ([]*models.ToolExecution, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, COALESCE(message_id, ''), conversation_id, tool_name, parameters, result, status, error, execution_time_ms, created_at
		FROM tool_executions
		WHERE conversation_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("query tool executions: %w", err)
	}
	defer rows.Close()

	var execs []*models.ToolExecution
	for rows.Next() {
		var exec models.ToolExecution
		var params []byte
		err := rows.Scan(
			&exec.ID, &exec.MessageID, &exec.ConversationID, &exec.ToolName,
			&params, &exec.Result, &exec.Status, &exec.Error, &exec.ExecutionTimeMS, &exec.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("scan tool execution: %w", err)
		}
		exec.Parameters = json.RawMessage(params)
		execs = append(execs, &exec)
	}
	return execs, rows.Err()
}
