package resolver

import "context"

// Source identifies where a placeholder definition pulls its value from.
type Source string

const (
	SourceUserInput     Source = "user_input"
	SourceTabularLookup Source = "tabular_lookup"
	SourceDynamicMethod Source = "dynamic_method"
)

// Definition describes one named template variable. Definitions are managed
// externally and read-only to the resolver.
type Definition struct {
	Key   string
	Label string

	Source Source

	// tabular_lookup config
	TableID   string
	ColumnKey string // target column whose cell becomes the value
	RowParam  string // caller-bag key carrying the row locator

	// dynamic_method config
	MethodName     string
	StaticParams   map[string]string
	TenantParamKey string // arg key receiving the tenant id when one is in scope
}

// DefinitionLookup resolves a bare token to its placeholder definition.
// Implementations look up by key or label within the team scope first,
// falling back to global definitions (empty team scope).
type DefinitionLookup interface {
	// DefinitionByKeyOrLabel returns errors.ErrNotFound when no definition
	// matches in either scope.
	DefinitionByKeyOrLabel(ctx context.Context, token, teamID string) (*Definition, error)
}

// TableLookup reads single cells out of the tabular data store. A missing
// table, row, or column yields an empty string, never an error; errors are
// reserved for transport failures.
type TableLookup interface {
	// CellByRowSeq locates a row by its numeric row-sequence id.
	CellByRowSeq(ctx context.Context, tableID string, rowSeq int64, column string) (string, error)

	// CellByColumnMatch locates the first row whose matchColumn cell equals
	// matchValue.
	CellByColumnMatch(ctx context.Context, tableID, matchColumn, matchValue, column string) (string, error)
}
