package store

import (
	"context"
	"database/sql"

	"github.com/calliopehq/calliope/errors"
)

// ModelConfig is an explicitly registered model endpoint. Executions must
// name one; the queue path permits no implicit default.
type ModelConfig struct {
	ID          string
	TeamID      string
	Provider    string
	BaseURL     string
	APIKey      string
	Model       string
	Temperature *float64
	MaxTokens   *int
}

// ModelConfigStore reads model configurations.
type ModelConfigStore struct {
	db *sql.DB
}

// NewModelConfigStore creates a model configuration store.
func NewModelConfigStore(db *sql.DB) *ModelConfigStore {
	return &ModelConfigStore{db: db}
}

// Get loads a model configuration and verifies team ownership. A config
// belonging to another team reads as unknown: the caller learns nothing
// about other teams' configs.
func (s *ModelConfigStore) Get(ctx context.Context, id, teamID string) (*ModelConfig, error) {
	var m ModelConfig
	err := s.db.QueryRowContext(ctx, `
		SELECT id, team_id, provider, base_url, api_key, model, temperature, max_tokens
		FROM model_configs WHERE id = ?`, id,
	).Scan(&m.ID, &m.TeamID, &m.Provider, &m.BaseURL, &m.APIKey, &m.Model, &m.Temperature, &m.MaxTokens)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("unknown model %q", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load model config %q", id)
	}

	if m.TeamID != "" && m.TeamID != teamID {
		return nil, errors.NewNotFoundError("unknown model %q", id)
	}
	return &m, nil
}

// Create inserts a model configuration. Management/test use only.
func (s *ModelConfigStore) Create(ctx context.Context, m *ModelConfig) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO model_configs (id, team_id, provider, base_url, api_key, model, temperature, max_tokens)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.TeamID, m.Provider, m.BaseURL, m.APIKey, m.Model, m.Temperature, m.MaxTokens,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to create model config %q", m.ID)
	}
	return nil
}
