package mutation

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

// Outcome tags the result of a single mutation statement.
type Outcome int

const (
	OK Outcome = iota
	// UniqueViolation means the statement collided with a unique constraint.
	UniqueViolation
	// ForeignKeyViolation means a referenced row does not exist.
	ForeignKeyViolation
	// NotFound means an update condition matched no row.
	NotFound
	// NoOp means every matched row already held the requested values.
	NoOp
)

var outcomeNames = map[Outcome]string{
	OK:                  "ok",
	UniqueViolation:     "unique_violation",
	ForeignKeyViolation: "foreign_key_violation",
	NotFound:            "not_found",
	NoOp:                "no_op",
}

func (o Outcome) String() string {
	if s, ok := outcomeNames[o]; ok {
		return s
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// MarshalText implements encoding.TextMarshaler.
func (o Outcome) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

// Result is the outcome of one insert, update or delete.
type Result struct {
	Outcome Outcome `json:"outcome"`
	// Key holds the primary key of the first affected row, in key column
	// order. It is nil for tables without a primary key.
	Key []any `json:"key,omitempty"`
	// Keys holds the primary keys of every affected row.
	Keys         [][]any `json:"keys,omitempty"`
	RowsAffected int64   `json:"rows_affected"`
	// Detail names the violated constraint, when there is one.
	Detail string `json:"detail,omitempty"`
}

const (
	sqlStateUniqueViolation     = "23505"
	sqlStateForeignKeyViolation = "23503"
)

// classify maps constraint violations to outcomes. ok is false for every
// other error.
func classify(err error) (Result, bool) {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return Result{}, false
	}
	detail := pgErr.ConstraintName
	if detail == "" {
		detail = pgErr.Detail
	}
	switch pgErr.Code {
	case sqlStateUniqueViolation:
		return Result{Outcome: UniqueViolation, Detail: detail}, true
	case sqlStateForeignKeyViolation:
		return Result{Outcome: ForeignKeyViolation, Detail: detail}, true
	}
	return Result{}, false
}
