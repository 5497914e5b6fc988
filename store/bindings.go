package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/calliopehq/calliope/errors"
)

// Transport kinds for tool server bindings.
const (
	TransportSSE            = "sse"
	TransportStreamableHTTP = "streamable_http"
)

// ToolSpec is one cached tool manifest entry.
type ToolSpec struct {
	Name        string          `json:"name"`
	Title       string          `json:"title,omitempty"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// ToolServerBinding is a registered external tool server with its cached
// manifest. Bindings are refreshed by management operations and read-only to
// the execution pipeline.
type ToolServerBinding struct {
	ID          string
	TeamID      string
	URL         string
	Transport   string
	AuthHeader  string
	Manifest    []ToolSpec
	RefreshedAt *time.Time
}

// BindingStore reads tool server bindings.
type BindingStore struct {
	db *sql.DB
}

// NewBindingStore creates a tool server binding store.
func NewBindingStore(db *sql.DB) *BindingStore {
	return &BindingStore{db: db}
}

// Get loads a binding and verifies team ownership; foreign bindings read as
// unknown.
func (s *BindingStore) Get(ctx context.Context, id, teamID string) (*ToolServerBinding, error) {
	var b ToolServerBinding
	var manifest string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, team_id, url, transport, auth_header, manifest, refreshed_at
		FROM tool_server_bindings WHERE id = ?`, id,
	).Scan(&b.ID, &b.TeamID, &b.URL, &b.Transport, &b.AuthHeader, &manifest, &b.RefreshedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("unknown tool binding %q", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load tool binding %q", id)
	}

	if b.TeamID != "" && b.TeamID != teamID {
		return nil, errors.NewNotFoundError("unknown tool binding %q", id)
	}

	if manifest != "" {
		if err := json.Unmarshal([]byte(manifest), &b.Manifest); err != nil {
			return nil, errors.Wrapf(err, "failed to unmarshal manifest for binding %q", id)
		}
	}
	return &b, nil
}

// Create inserts a binding. Management/test use only.
func (s *BindingStore) Create(ctx context.Context, b *ToolServerBinding) error {
	manifest := "[]"
	if b.Manifest != nil {
		data, err := json.Marshal(b.Manifest)
		if err != nil {
			return errors.Wrap(err, "failed to marshal manifest")
		}
		manifest = string(data)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tool_server_bindings (id, team_id, url, transport, auth_header, manifest, refreshed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		b.ID, b.TeamID, b.URL, b.Transport, b.AuthHeader, manifest, b.RefreshedAt,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to create tool binding %q", b.ID)
	}
	return nil
}
