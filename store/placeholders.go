package store

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/calliopehq/calliope/errors"
	"github.com/calliopehq/calliope/resolver"
)

// PlaceholderStore reads placeholder definitions. It implements
// resolver.DefinitionLookup: team-scoped definitions shadow global ones.
type PlaceholderStore struct {
	db *sql.DB
}

// NewPlaceholderStore creates a placeholder definition store.
func NewPlaceholderStore(db *sql.DB) *PlaceholderStore {
	return &PlaceholderStore{db: db}
}

const placeholderColumns = `key, label, source, table_id, column_key, row_param, method_name, static_params, tenant_param_key`

func scanDefinition(row *sql.Row) (*resolver.Definition, error) {
	var d resolver.Definition
	var source, staticParams string
	err := row.Scan(&d.Key, &d.Label, &source, &d.TableID, &d.ColumnKey, &d.RowParam,
		&d.MethodName, &staticParams, &d.TenantParamKey)
	if err != nil {
		return nil, err
	}
	d.Source = resolver.Source(source)

	if staticParams != "" {
		if err := json.Unmarshal([]byte(staticParams), &d.StaticParams); err != nil {
			return nil, errors.Wrapf(err, "failed to unmarshal static params for %q", d.Key)
		}
	}
	return &d, nil
}

// DefinitionByKeyOrLabel looks a definition up by key or label within the
// team scope, falling back to global definitions (empty team scope).
func (s *PlaceholderStore) DefinitionByKeyOrLabel(ctx context.Context, token, teamID string) (*resolver.Definition, error) {
	query := `SELECT ` + placeholderColumns + ` FROM placeholder_definitions
		WHERE (key = ? OR label = ?) AND team_id = ?
		LIMIT 1`

	if teamID != "" {
		d, err := scanDefinition(s.db.QueryRowContext(ctx, query, token, token, teamID))
		if err == nil {
			return d, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, errors.Wrapf(err, "failed to load definition %q", token)
		}
	}

	d, err := scanDefinition(s.db.QueryRowContext(ctx, query, token, token, ""))
	if err == nil {
		return d, nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("placeholder definition %q", token)
	}
	return nil, errors.Wrapf(err, "failed to load definition %q", token)
}

// CreateDefinition inserts a definition. Management/test use only; the key is
// unique within its team scope.
func (s *PlaceholderStore) CreateDefinition(ctx context.Context, teamID string, d *resolver.Definition) error {
	staticParams := "{}"
	if d.StaticParams != nil {
		data, err := json.Marshal(d.StaticParams)
		if err != nil {
			return errors.Wrap(err, "failed to marshal static params")
		}
		staticParams = string(data)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO placeholder_definitions
			(key, label, team_id, source, table_id, column_key, row_param, method_name, static_params, tenant_param_key)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.Key, d.Label, teamID, string(d.Source), d.TableID, d.ColumnKey, d.RowParam,
		d.MethodName, staticParams, d.TenantParamKey,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to create definition %q", d.Key)
	}
	return nil
}
