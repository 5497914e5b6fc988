// Package store is the persistence layer for prompt templates, placeholder
// definitions, tabular data, model configurations, tool server bindings, and
// execution tasks. All entities except ExecutionTask are managed externally
// and read-only to the execution pipeline.
package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/calliopehq/calliope/errors"
	"github.com/calliopehq/calliope/resolver"
)

// DefaultTenant is the sentinel tenant id for non-tenant-specific templates.
const DefaultTenant = "default"

// PromptTemplate is a scene's raw prompt content with embedded tokens.
type PromptTemplate struct {
	ID        int64
	SceneID   string
	TenantID  string
	TeamID    string
	Content   string
	TokenKeys []string
	IsDefault bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// TemplateStore reads prompt templates.
type TemplateStore struct {
	db *sql.DB
}

// NewTemplateStore creates a template store.
func NewTemplateStore(db *sql.DB) *TemplateStore {
	return &TemplateStore{db: db}
}

const templateColumns = `id, scene_id, tenant_id, team_id, content, is_default, created_at, updated_at`

func scanTemplate(row *sql.Row) (*PromptTemplate, error) {
	var t PromptTemplate
	err := row.Scan(&t.ID, &t.SceneID, &t.TenantID, &t.TeamID, &t.Content, &t.IsDefault, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	// Token-key list is derived, not stored.
	t.TokenKeys = resolver.ExtractTokens(t.Content)
	return &t, nil
}

// ResolveTemplate returns the template applicable to a scene for the given
// scope: the tenant-specific override first, else the team default, else the
// global default. Returns errors.ErrNotFound when no template applies.
func (s *TemplateStore) ResolveTemplate(ctx context.Context, sceneID, teamID, tenantID string) (*PromptTemplate, error) {
	// Tenant-specific override
	if tenantID != "" && tenantID != DefaultTenant {
		t, err := s.get(ctx, sceneID, tenantID, teamID)
		if err == nil {
			return t, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, errors.Wrap(err, "failed to load tenant template")
		}
	}

	// Team default
	t, err := s.get(ctx, sceneID, DefaultTenant, teamID)
	if err == nil {
		return t, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrap(err, "failed to load team template")
	}

	// Global default
	t, err = s.getGlobalDefault(ctx, sceneID)
	if err == nil {
		return t, nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("no template for scene %q", sceneID)
	}
	return nil, errors.Wrap(err, "failed to load default template")
}

func (s *TemplateStore) get(ctx context.Context, sceneID, tenantID, teamID string) (*PromptTemplate, error) {
	query := `SELECT ` + templateColumns + ` FROM prompt_templates
		WHERE scene_id = ? AND tenant_id = ? AND team_id = ?`
	return scanTemplate(s.db.QueryRowContext(ctx, query, sceneID, tenantID, teamID))
}

func (s *TemplateStore) getGlobalDefault(ctx context.Context, sceneID string) (*PromptTemplate, error) {
	query := `SELECT ` + templateColumns + ` FROM prompt_templates
		WHERE scene_id = ? AND is_default = 1
		ORDER BY id LIMIT 1`
	return scanTemplate(s.db.QueryRowContext(ctx, query, sceneID))
}

// Create inserts a template. Used by management operations and tests; the
// execution pipeline never writes templates.
func (s *TemplateStore) Create(ctx context.Context, t *PromptTemplate) error {
	if t.TenantID == "" {
		t.TenantID = DefaultTenant
	}
	now := time.Now()
	t.CreatedAt = now
	t.UpdatedAt = now

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO prompt_templates (scene_id, tenant_id, team_id, content, is_default, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		t.SceneID, t.TenantID, t.TeamID, t.Content, t.IsDefault, t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		return errors.Wrap(err, "failed to create template")
	}
	t.ID, _ = res.LastInsertId()
	t.TokenKeys = resolver.ExtractTokens(t.Content)
	return nil
}
