// Package schema resolves table descriptors from the PostgreSQL catalog.
package schema

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/oriys/tether/internal/db"
)

// DefaultSchema is used for unqualified table names.
const DefaultSchema = "public"

var (
	// ErrSchemaNotFound is returned when the catalog has no columns for a table.
	ErrSchemaNotFound = errors.New("table schema not found")
	// ErrInvalidName is returned for names that are not "table" or
	// "schema.table".
	ErrInvalidName = errors.New("invalid table name")
)

// Table describes one table: its columns in ordinal order and its primary
// key columns in key order. PrimaryKey is empty for tables without one.
type Table struct {
	Schema     string   `json:"schema"`
	Name       string   `json:"name"`
	Columns    []string `json:"columns"`
	PrimaryKey []string `json:"primary_key"`
}

// QualifiedName returns "schema.name".
func (t *Table) QualifiedName() string {
	return t.Schema + "." + t.Name
}

// HasColumn reports whether the table has a column called name.
func (t *Table) HasColumn(name string) bool {
	for _, c := range t.Columns {
		if c == name {
			return true
		}
	}
	return false
}

// ValidName reports whether name is "table" or "schema.table" with no
// empty part.
func ValidName(name string) bool {
	parts := strings.Split(name, ".")
	if len(parts) > 2 {
		return false
	}
	for _, p := range parts {
		if strings.TrimSpace(p) == "" {
			return false
		}
	}
	return true
}

// SplitName splits "schema.table" into its parts, defaulting the schema.
// Callers check ValidName first.
func SplitName(name string) (schemaName, table string) {
	if i := strings.IndexByte(name, '.'); i >= 0 {
		return name[:i], name[i+1:]
	}
	return DefaultSchema, name
}

const columnsQuery = `
	SELECT column_name
	FROM information_schema.columns
	WHERE table_schema = $1 AND table_name = $2
	ORDER BY ordinal_position`

const primaryKeyQuery = `
	SELECT a.attname
	FROM pg_index i
	JOIN pg_class c ON c.oid = i.indrelid
	JOIN pg_namespace n ON n.oid = c.relnamespace
	JOIN LATERAL unnest(i.indkey) WITH ORDINALITY AS k(attnum, pos) ON true
	JOIN pg_attribute a ON a.attrelid = c.oid AND a.attnum = k.attnum
	WHERE i.indisprimary AND n.nspname = $1 AND c.relname = $2
	ORDER BY k.pos`

// Resolve reads the descriptor of name through q.
func Resolve(ctx context.Context, q db.Executor, name string) (*Table, error) {
	if !ValidName(name) {
		return nil, fmt.Errorf("%q: %w", name, ErrInvalidName)
	}
	schemaName, table := SplitName(name)

	columns, err := queryStrings(ctx, q, columnsQuery, schemaName, table)
	if err != nil {
		return nil, fmt.Errorf("read columns of %s: %w", name, err)
	}
	if len(columns) == 0 {
		return nil, fmt.Errorf("%s.%s: %w", schemaName, table, ErrSchemaNotFound)
	}

	pk, err := queryStrings(ctx, q, primaryKeyQuery, schemaName, table)
	if err != nil {
		return nil, fmt.Errorf("read primary key of %s: %w", name, err)
	}

	return &Table{
		Schema:     schemaName,
		Name:       table,
		Columns:    columns,
		PrimaryKey: pk,
	}, nil
}

func queryStrings(ctx context.Context, q db.Executor, sql string, args ...any) ([]string, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
