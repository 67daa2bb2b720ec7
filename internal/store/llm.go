package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/solvia-ai/relay/pkg/models"
)

const llmConfigColumns = `id, name, provider, model, COALESCE(api_key, ''), COALESCE(base_url, ''),
		temperature, max_tokens, price_in, price_out, timeout_seconds, priority, active,
		created_at, updated_at`

func scanLLMConfig(row interface{ Scan(...any) error }) (*models.LLMConfig, error) {
	var cfg models.LLMConfig
	err := row.Scan(
		&cfg.ID, &cfg.Name, &cfg.Provider, &cfg.Model, &cfg.APIKey, &cfg.BaseURL,
		&cfg.Temperature, &cfg.MaxTokens, &cfg.PriceIn, &cfg.PriceOut,
		&cfg.TimeoutSeconds, &cfg.Priority, &cfg.Active, &cfg.CreatedAt, &cfg.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

// GetLLMConfig fetches an LLM provider config by id.
func (s *Store) GetLLMConfig(ctx context.Context, id string) (*models.LLMConfig, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+llmConfigColumns+`
		FROM llm_configs
		WHERE id = $1
	`, id)

	cfg, err := scanLLMConfig(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query llm config: %w", err)
	}
	return cfg, nil
}

// ListActiveLLMConfigs returns active provider configs ordered by priority.
func (s *Store) ListActiveLLMConfigs(ctx context.Context) ([]*models.LLMConfig, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+llmConfigColumns+`
		FROM llm_configs
		WHERE active = TRUE
		ORDER BY priority ASC, created_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query llm configs: %w", err)
	}
	defer rows.Close()

	var configs []*models.LLMConfig
	for rows.Next() {
		cfg, err := scanLLMConfig(rows)
		if err != nil {
			return nil, fmt.Errorf("scan llm config: %w", err)
		}
		configs = append(configs, cfg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate llm configs: %w", err)
	}
	return configs, nil
}
