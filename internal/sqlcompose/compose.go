// Package sqlcompose builds PostgreSQL statements for arbitrary tables.
//
// Table and column names are always quoted as identifiers. Values supplied by
// a caller for a single statement are rendered as escaped literals; bulk row
// payloads are left to $n placeholders bound at execution time. Nothing in
// this package executes SQL.
package sqlcompose

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
)

var (
	// ErrEmptyCondition is returned when an UPDATE or DELETE has no predicate.
	ErrEmptyCondition = errors.New("sqlcompose: empty condition")
	// ErrEmptyIdentifier is returned for blank table or column names.
	ErrEmptyIdentifier = errors.New("sqlcompose: empty identifier")
	// ErrNoColumns is returned when a statement needs at least one column.
	ErrNoColumns = errors.New("sqlcompose: no columns")
	// ErrQualifiedName is returned for table names with more than two parts.
	ErrQualifiedName = errors.New("sqlcompose: table name must be table or schema.table")
)

// Values maps column names to values. Map order is irrelevant: columns are
// emitted sorted by name so the same input always yields the same SQL.
type Values map[string]any

// Columns returns the keys of v in sorted order.
func (v Values) Columns() []string {
	cols := make([]string, 0, len(v))
	for c := range v {
		cols = append(cols, c)
	}
	sort.Strings(cols)
	return cols
}

// Ident quotes a single identifier (column name).
func Ident(name string) (string, error) {
	if strings.TrimSpace(name) == "" {
		return "", ErrEmptyIdentifier
	}
	return pgx.Identifier{name}.Sanitize(), nil
}

// TableIdent quotes a possibly schema-qualified table name ("schema.table").
func TableIdent(name string) (string, error) {
	parts := strings.Split(name, ".")
	if len(parts) > 2 {
		return "", fmt.Errorf("table %q: %w", name, ErrQualifiedName)
	}
	for _, p := range parts {
		if strings.TrimSpace(p) == "" {
			return "", fmt.Errorf("table %q: %w", name, ErrEmptyIdentifier)
		}
	}
	return pgx.Identifier(parts).Sanitize(), nil
}

func identList(cols []string) (string, error) {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		q, err := Ident(c)
		if err != nil {
			return "", err
		}
		quoted[i] = q
	}
	return strings.Join(quoted, ", "), nil
}

func returningClause(cols []string) (string, error) {
	if len(cols) == 0 {
		return "", nil
	}
	list, err := identList(cols)
	if err != nil {
		return "", err
	}
	return " RETURNING " + list, nil
}

func placeholders(n int) string {
	ps := make([]string, n)
	for i := range ps {
		ps[i] = fmt.Sprintf("$%d", i+1)
	}
	return strings.Join(ps, ", ")
}

// Where renders " WHERE a = x AND b IS NULL" from cond. An empty cond
// renders as the empty string.
func Where(cond Values) (string, error) {
	if len(cond) == 0 {
		return "", nil
	}
	preds := make([]string, 0, len(cond))
	for _, col := range cond.Columns() {
		ident, err := Ident(col)
		if err != nil {
			return "", err
		}
		v := cond[col]
		if v == nil {
			preds = append(preds, ident+" IS NULL")
			continue
		}
		lit, err := Literal(v)
		if err != nil {
			return "", fmt.Errorf("condition %s: %w", col, err)
		}
		preds = append(preds, ident+" = "+lit)
	}
	return " WHERE " + strings.Join(preds, " AND "), nil
}

// Select builds SELECT columns FROM table [WHERE cond]. No columns selects *.
func Select(table string, columns []string, cond Values) (string, error) {
	t, err := TableIdent(table)
	if err != nil {
		return "", err
	}
	list := "*"
	if len(columns) > 0 {
		if list, err = identList(columns); err != nil {
			return "", err
		}
	}
	where, err := Where(cond)
	if err != nil {
		return "", err
	}
	return "SELECT " + list + " FROM " + t + where, nil
}

// Insert builds INSERT INTO table (cols) VALUES (literals) [RETURNING ...].
func Insert(table string, values Values, returning []string) (string, error) {
	t, err := TableIdent(table)
	if err != nil {
		return "", err
	}
	ret, err := returningClause(returning)
	if err != nil {
		return "", err
	}
	if len(values) == 0 {
		return "INSERT INTO " + t + " DEFAULT VALUES" + ret, nil
	}

	cols := values.Columns()
	list, err := identList(cols)
	if err != nil {
		return "", err
	}
	lits := make([]string, len(cols))
	for i, c := range cols {
		if lits[i], err = Literal(values[c]); err != nil {
			return "", fmt.Errorf("value %s: %w", c, err)
		}
	}
	return "INSERT INTO " + t + " (" + list + ") VALUES (" + strings.Join(lits, ", ") + ")" + ret, nil
}

func assignments(set Values) (string, error) {
	if len(set) == 0 {
		return "", ErrNoColumns
	}
	parts := make([]string, 0, len(set))
	for _, c := range set.Columns() {
		ident, err := Ident(c)
		if err != nil {
			return "", err
		}
		lit, err := Literal(set[c])
		if err != nil {
			return "", fmt.Errorf("value %s: %w", c, err)
		}
		parts = append(parts, ident+" = "+lit)
	}
	return strings.Join(parts, ", "), nil
}

// Update builds UPDATE table SET ... WHERE cond [RETURNING ...]. cond must
// not be empty.
func Update(table string, set, cond Values, returning []string) (string, error) {
	if len(cond) == 0 {
		return "", ErrEmptyCondition
	}
	t, err := TableIdent(table)
	if err != nil {
		return "", err
	}
	sets, err := assignments(set)
	if err != nil {
		return "", err
	}
	where, err := Where(cond)
	if err != nil {
		return "", err
	}
	ret, err := returningClause(returning)
	if err != nil {
		return "", err
	}
	return "UPDATE " + t + " SET " + sets + where + ret, nil
}

// Delete builds DELETE FROM table WHERE cond [RETURNING ...]. cond must not
// be empty.
func Delete(table string, cond Values, returning []string) (string, error) {
	if len(cond) == 0 {
		return "", ErrEmptyCondition
	}
	t, err := TableIdent(table)
	if err != nil {
		return "", err
	}
	where, err := Where(cond)
	if err != nil {
		return "", err
	}
	ret, err := returningClause(returning)
	if err != nil {
		return "", err
	}
	return "DELETE FROM " + t + where + ret, nil
}

// Compare builds the check run before an update. It returns one row:
// the number of rows matching cond, and whether every one of them already
// holds values (NULL-safe comparison).
func Compare(table string, values, cond Values) (string, error) {
	if len(cond) == 0 {
		return "", ErrEmptyCondition
	}
	if len(values) == 0 {
		return "", ErrNoColumns
	}
	t, err := TableIdent(table)
	if err != nil {
		return "", err
	}
	checks := make([]string, 0, len(values))
	for _, c := range values.Columns() {
		ident, err := Ident(c)
		if err != nil {
			return "", err
		}
		lit, err := Literal(values[c])
		if err != nil {
			return "", fmt.Errorf("value %s: %w", c, err)
		}
		checks = append(checks, "("+ident+" IS NOT DISTINCT FROM "+lit+")")
	}
	where, err := Where(cond)
	if err != nil {
		return "", err
	}
	return "SELECT count(*), coalesce(bool_and(" + strings.Join(checks, " AND ") + "), true) FROM " + t + where, nil
}

// VersionedUpsert builds an insert of one row bound to $1..$n that, on a
// conflict over conflictCols, overwrites every column only when the stored
// row's versionCol is strictly lower than the incoming one.
func VersionedUpsert(table string, columns, conflictCols []string, versionCol string) (string, error) {
	if len(columns) == 0 {
		return "", ErrNoColumns
	}
	if len(conflictCols) == 0 {
		return "", fmt.Errorf("versioned upsert into %s: %w", table, ErrNoColumns)
	}
	t, err := TableIdent(table)
	if err != nil {
		return "", err
	}
	list, err := identList(columns)
	if err != nil {
		return "", err
	}
	conflict, err := identList(conflictCols)
	if err != nil {
		return "", err
	}
	version, err := Ident(versionCol)
	if err != nil {
		return "", err
	}
	sets := make([]string, len(columns))
	for i, c := range columns {
		ident, _ := Ident(c)
		sets[i] = ident + " = EXCLUDED." + ident
	}
	return "INSERT INTO " + t + " AS r (" + list + ") VALUES (" + placeholders(len(columns)) + ")" +
		" ON CONFLICT (" + conflict + ") DO UPDATE SET " + strings.Join(sets, ", ") +
		" WHERE r." + version + " < EXCLUDED." + version, nil
}

// InsertIfAbsent builds an insert of one row bound to $1..$n that does
// nothing on any conflict.
func InsertIfAbsent(table string, columns []string) (string, error) {
	if len(columns) == 0 {
		return "", ErrNoColumns
	}
	t, err := TableIdent(table)
	if err != nil {
		return "", err
	}
	list, err := identList(columns)
	if err != nil {
		return "", err
	}
	return "INSERT INTO " + t + " AS r (" + list + ") VALUES (" + placeholders(len(columns)) + ") ON CONFLICT DO NOTHING", nil
}
