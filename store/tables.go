package store

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/calliopehq/calliope/errors"
)

// TableStore reads tabular data. It implements resolver.TableLookup: a
// missing table, row, or column yields an empty string, never an error.
type TableStore struct {
	db *sql.DB
}

// NewTableStore creates a tabular data store.
func NewTableStore(db *sql.DB) *TableStore {
	return &TableStore{db: db}
}

// CellByRowSeq returns the cell at (tableID, rowSeq, column), or "" when the
// row or column does not exist.
func (s *TableStore) CellByRowSeq(ctx context.Context, tableID string, rowSeq int64, column string) (string, error) {
	var cells string
	err := s.db.QueryRowContext(ctx,
		`SELECT cells FROM data_rows WHERE table_id = ? AND row_seq = ?`,
		tableID, rowSeq,
	).Scan(&cells)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", errors.Wrap(err, "failed to read data row")
	}

	return cellValue(cells, column), nil
}

// CellByColumnMatch returns the target column's cell from the first row (in
// row-sequence order) whose matchColumn cell equals matchValue, or "" when no
// row matches.
func (s *TableStore) CellByColumnMatch(ctx context.Context, tableID, matchColumn, matchValue, column string) (string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT cells FROM data_rows WHERE table_id = ? ORDER BY row_seq`,
		tableID,
	)
	if err != nil {
		return "", errors.Wrap(err, "failed to scan data rows")
	}
	defer rows.Close()

	for rows.Next() {
		var cells string
		if err := rows.Scan(&cells); err != nil {
			return "", errors.Wrap(err, "failed to scan data row")
		}
		if cellValue(cells, matchColumn) == matchValue {
			return cellValue(cells, column), nil
		}
	}
	if err := rows.Err(); err != nil {
		return "", errors.Wrap(err, "error iterating data rows")
	}
	return "", nil
}

// cellValue extracts one column from a JSON cells blob. Malformed rows and
// missing columns read as empty.
func cellValue(cells, column string) string {
	var m map[string]any
	if err := json.Unmarshal([]byte(cells), &m); err != nil {
		return ""
	}
	v, ok := m[column]
	if !ok {
		return ""
	}
	switch val := v.(type) {
	case string:
		return val
	case float64:
		data, _ := json.Marshal(val)
		return string(data)
	case bool:
		if val {
			return "true"
		}
		return "false"
	default:
		return ""
	}
}

// CreateTable registers a data table. Management/test use only.
func (s *TableStore) CreateTable(ctx context.Context, id, teamID, name string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO data_tables (id, team_id, name) VALUES (?, ?, ?)`,
		id, teamID, name,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to create data table %q", id)
	}
	return nil
}

// InsertRow stores one row of cells. Management/test use only.
func (s *TableStore) InsertRow(ctx context.Context, tableID string, rowSeq int64, cells map[string]any) error {
	data, err := json.Marshal(cells)
	if err != nil {
		return errors.Wrap(err, "failed to marshal cells")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO data_rows (table_id, row_seq, cells) VALUES (?, ?, ?)`,
		tableID, rowSeq, string(data),
	)
	if err != nil {
		return errors.Wrapf(err, "failed to insert row %d into %q", rowSeq, tableID)
	}
	return nil
}
