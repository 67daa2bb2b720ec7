package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/solvia-ai/relay/pkg/models"
)

const channelConfigColumns = `id, channel_type, provider, name, credentials, settings,
		active, created_at, updated_at`

func scanChannelConfig(row interface{ Scan(...any) error }) (*models.ChannelConfig, error) {
	var cc models.ChannelConfig
	var credentialsJSON, settingsJSON []byte

	err := row.Scan(
		&cc.ID, &cc.ChannelType, &cc.Provider, &cc.Name, &credentialsJSON, &settingsJSON,
		&cc.Active, &cc.CreatedAt, &cc.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if len(credentialsJSON) > 0 {
		if err := json.Unmarshal(credentialsJSON, &cc.Credentials); err != nil {
			return nil, fmt.Errorf("unmarshal channel credentials: %w", err)
		}
	}
	if len(settingsJSON) > 0 {
		if err := json.Unmarshal(settingsJSON, &cc.Settings); err != nil {
			return nil, fmt.Errorf("unmarshal channel settings: %w", err)
		}
	}
	return &cc, nil
}

// GetChannelConfig fetches a channel config by id.
func (s *Store) GetChannelConfig(ctx context.Context, id string) (*models.ChannelConfig, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+channelConfigColumns+`
		FROM channel_configs
		WHERE id = $1
	`, id)

	cc, err := scanChannelConfig(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query channel config: %w", err)
	}
	return cc, nil
}

// ListActiveChannelConfigs returns active channel configs, optionally
// restricted to one channel type. An empty channelType lists every channel.
func (s *Store) ListActiveChannelConfigs(ctx context.Context, channelType models.ChannelType) ([]*models.ChannelConfig, error) {
	query := `
		SELECT ` + channelConfigColumns + `
		FROM channel_configs
		WHERE active = TRUE
	`
	args := []any{}
	if channelType != "" {
		query += ` AND channel_type = $1`
		args = append(args, channelType)
	}
	query += ` ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query channel configs: %w", err)
	}
	defer rows.Close()

	var configs []*models.ChannelConfig
	for rows.Next() {
		cc, err := scanChannelConfig(rows)
		if err != nil {
			return nil, fmt.Errorf("scan channel config: %w", err)
		}
		configs = append(configs, cc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate channel configs: %w", err)
	}
	return configs, nil
}
