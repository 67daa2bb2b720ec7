package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/solvia-ai/relay/pkg/models"
)

const flowColumns = `id, name, COALESCE(llm_config_id, ''), tools, config, routing,
		priority, active, COALESCE(greeting, ''), created_at, updated_at`

func scanFlow(row interface{ Scan(...any) error }) (*models.Flow, error) {
	var flow models.Flow
	var toolsJSON, configJSON, routingJSON []byte

	err := row.Scan(
		&flow.ID, &flow.Name, &flow.LLMConfigID, &toolsJSON, &configJSON, &routingJSON,
		&flow.Priority, &flow.Active, &flow.Greeting, &flow.CreatedAt, &flow.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if len(toolsJSON) > 0 {
		if err := json.Unmarshal(toolsJSON, &flow.Tools); err != nil {
			return nil, fmt.Errorf("unmarshal flow tools: %w", err)
		}
	}
	if len(configJSON) > 0 {
		if err := json.Unmarshal(configJSON, &flow.Config); err != nil {
			return nil, fmt.Errorf("unmarshal flow config: %w", err)
		}
	}
	if len(routingJSON) > 0 {
		if err := json.Unmarshal(routingJSON, &flow.Routing); err != nil {
			return nil, fmt.Errorf("unmarshal flow routing: %w", err)
		}
	}
	return &flow, nil
}

// GetFlow fetches a flow by id.
func (s *Store) GetFlow(ctx context.Context, id string) (*models.Flow, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+flowColumns+`
		FROM flows
		WHERE id = $1
	`, id)

	flow, err := scanFlow(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query flow: %w", err)
	}
	return flow, nil
}

// ListActiveFlows returns active flows ordered by ascending priority, so the
// first matching rule wins during routing.
func (s *Store) ListActiveFlows(ctx context.Context) ([]*models.Flow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+flowColumns+`
		FROM flows
		WHERE active = TRUE
		ORDER BY priority ASC, created_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query active flows: %w", err)
	}
	defer rows.Close()

	var flows []*models.Flow
	for rows.Next() {
		flow, err := scanFlow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan flow: %w", err)
		}
		flows = append(flows, flow)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate flows: %w", err)
	}
	return flows, nil
}

// ListBindingsForChannel returns flow bindings for a channel config ordered by
// binding priority, joined against active flows only.
func (s *Store) ListBindingsForChannel(ctx context.Context, channelConfigID string) ([]models.FlowChannelBinding, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT fc.flow_id, fc.channel_config_id, fc.priority
		FROM flow_channels fc
		JOIN flows f ON f.id = fc.flow_id
		WHERE fc.channel_config_id = $1 AND f.active = TRUE
		ORDER BY fc.priority ASC
	`, channelConfigID)
	if err != nil {
		return nil, fmt.Errorf("query channel bindings: %w", err)
	}
	defer rows.Close()

	var bindings []models.FlowChannelBinding
	for rows.Next() {
		var b models.FlowChannelBinding
		if err := rows.Scan(&b.FlowID, &b.ChannelConfigID, &b.Priority); err != nil {
			return nil, fmt.Errorf("scan channel binding: %w", err)
		}
		bindings = append(bindings, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate channel bindings: %w", err)
	}
	return bindings, nil
}

// ListFlowChannelBindings returns the channel bindings of one flow.
func (s *Store) ListFlowChannelBindings(ctx context.Context, flowID string) ([]models.FlowChannelBinding, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT flow_id, channel_config_id, priority
		FROM flow_channels
		WHERE flow_id = $1
		ORDER BY priority ASC
	`, flowID)
	if err != nil {
		return nil, fmt.Errorf("query flow channel bindings: %w", err)
	}
	defer rows.Close()

	var bindings []models.FlowChannelBinding
	for rows.Next() {
		var b models.FlowChannelBinding
		if err := rows.Scan(&b.FlowID, &b.ChannelConfigID, &b.Priority); err != nil {
			return nil, fmt.Errorf("scan flow channel binding: %w", err)
		}
		bindings = append(bindings, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate flow channel bindings: %w", err)
	}
	return bindings, nil
}
