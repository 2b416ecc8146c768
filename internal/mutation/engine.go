// Package mutation runs inserts, updates, deletes and selects against
// arbitrary tables of one database, composing the SQL from the table's
// catalog descriptor.
package mutation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/oriys/tether/internal/db"
	"github.com/oriys/tether/internal/metrics"
	"github.com/oriys/tether/internal/observability"
	"github.com/oriys/tether/internal/schema"
	"github.com/oriys/tether/internal/sqlcompose"
)

var (
	// ErrUnknownColumn is returned when values or conditions name a column
	// the table does not have.
	ErrUnknownColumn = errors.New("unknown column")
	// ErrMissingKey is returned by UpdateMultiple when a row lacks one of
	// the key columns.
	ErrMissingKey = errors.New("missing key column")
)

// RowSet is the result of Select.
type RowSet struct {
	Columns []string `json:"columns"`
	Rows    [][]any  `json:"rows"`
}

// Engine mutates tables of a single database.
type Engine struct {
	manager    *db.Manager
	resolver   schema.Resolver
	databaseID string
}

// NewEngine creates an Engine for databaseID. A nil resolver reads the
// catalog directly.
func NewEngine(manager *db.Manager, resolver schema.Resolver, databaseID string) *Engine {
	if resolver == nil {
		resolver = schema.Catalog{}
	}
	return &Engine{manager: manager, resolver: resolver, databaseID: databaseID}
}

// session is one handle plus the descriptor of the table it works on.
type session struct {
	h     *db.Handle
	table *schema.Table
}

func (e *Engine) withTable(ctx context.Context, op, table string, readOnly bool, fn func(ctx context.Context, s *session) error) error {
	ctx, span := observability.StartClientSpan(ctx, "mutation."+op,
		observability.AttrTable.String(table),
		observability.AttrOperation.String(op),
		observability.AttrDatabase.String(e.databaseID),
	)
	start := time.Now()

	err := e.manager.WithHandle(ctx, e.databaseID, &db.TxOptions{ReadOnly: readOnly}, func(ctx context.Context, h *db.Handle) error {
		desc, err := schema.NewMemo(e.resolver, h).Table(ctx, table)
		if err != nil {
			return err
		}
		return fn(ctx, &session{h: h, table: desc})
	})

	metrics.RecordMutationDuration(op, float64(time.Since(start).Microseconds())/1000)
	observability.EndSpan(span, err)
	if err != nil {
		return fmt.Errorf("%s %s: %w", op, table, err)
	}
	return nil
}

func (e *Engine) record(ctx context.Context, op, table string, r Result) {
	metrics.Global().RecordMutation(op, r.Outcome.String())
	metrics.RecordPrometheusMutation(table, op, r.Outcome.String())

	log := observability.Logger(ctx)
	switch r.Outcome {
	case UniqueViolation, ForeignKeyViolation:
		log.Info("mutation rejected", "op", op, "table", table, "outcome", r.Outcome.String(), "constraint", r.Detail)
	default:
		log.Debug("mutation applied", "op", op, "table", table, "outcome", r.Outcome.String(), "rows", r.RowsAffected)
	}
}

func (s *session) checkColumns(sets ...sqlcompose.Values) error {
	for _, set := range sets {
		for col := range set {
			if !s.table.HasColumn(col) {
				return fmt.Errorf("%s.%s: %w", s.table.QualifiedName(), col, ErrUnknownColumn)
			}
		}
	}
	return nil
}

// exec runs sql inside a savepoint. Constraint violations roll back only
// this statement and come back as a Result; other errors are returned.
func (s *session) exec(ctx context.Context, sql string) (Result, error) {
	var res Result
	err := s.h.Savepoint(ctx, func(ctx context.Context) error {
		if len(s.table.PrimaryKey) == 0 {
			r, err := s.h.Exec(ctx, sql)
			if err != nil {
				return err
			}
			res.RowsAffected = r.RowsAffected()
			return nil
		}

		rows, err := s.h.Query(ctx, sql)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			key, err := rows.Values()
			if err != nil {
				return err
			}
			res.Keys = append(res.Keys, key)
		}
		if err := rows.Err(); err != nil {
			return err
		}
		res.RowsAffected = int64(len(res.Keys))
		return nil
	})
	if err != nil {
		if violation, ok := classify(err); ok {
			return violation, nil
		}
		return Result{}, err
	}
	if len(res.Keys) > 0 {
		res.Key = res.Keys[0]
	}
	return res, nil
}

func (s *session) insert(ctx context.Context, values sqlcompose.Values) (Result, error) {
	if err := s.checkColumns(values); err != nil {
		return Result{}, err
	}
	sql, err := sqlcompose.Insert(s.table.QualifiedName(), values, s.table.PrimaryKey)
	if err != nil {
		return Result{}, err
	}
	return s.exec(ctx, sql)
}

func (s *session) update(ctx context.Context, values, cond sqlcompose.Values) (Result, error) {
	if err := s.checkColumns(values, cond); err != nil {
		return Result{}, err
	}
	if len(cond) == 0 {
		return Result{}, sqlcompose.ErrEmptyCondition
	}
	check, err := sqlcompose.Compare(s.table.QualifiedName(), values, cond)
	if err != nil {
		return Result{}, err
	}
	var (
		matched int64
		same    bool
	)
	if err := s.h.QueryRow(ctx, check).Scan(&matched, &same); err != nil {
		return Result{}, fmt.Errorf("compare: %w", err)
	}
	switch {
	case matched == 0:
		return Result{Outcome: NotFound}, nil
	case same:
		return Result{Outcome: NoOp}, nil
	}

	sql, err := sqlcompose.Update(s.table.QualifiedName(), values, cond, s.table.PrimaryKey)
	if err != nil {
		return Result{}, err
	}
	return s.exec(ctx, sql)
}

// Insert adds one row and returns its primary key.
func (e *Engine) Insert(ctx context.Context, table string, values sqlcompose.Values) (Result, error) {
	var res Result
	err := e.withTable(ctx, "insert", table, false, func(ctx context.Context, s *session) error {
		var err error
		res, err = s.insert(ctx, values)
		return err
	})
	if err != nil {
		return Result{}, err
	}
	e.record(ctx, "insert", table, res)
	return res, nil
}

// Update sets values on the rows matching cond. It reports NotFound when
// nothing matches and NoOp, without writing, when every match already holds
// values.
func (e *Engine) Update(ctx context.Context, table string, values, cond sqlcompose.Values) (Result, error) {
	var res Result
	err := e.withTable(ctx, "update", table, false, func(ctx context.Context, s *session) error {
		var err error
		res, err = s.update(ctx, values, cond)
		return err
	})
	if err != nil {
		return Result{}, err
	}
	e.record(ctx, "update", table, res)
	return res, nil
}

// Delete removes the rows matching cond. Matching nothing is not an error.
func (e *Engine) Delete(ctx context.Context, table string, cond sqlcompose.Values) (Result, error) {
	var res Result
	err := e.withTable(ctx, "delete", table, false, func(ctx context.Context, s *session) error {
		if err := s.checkColumns(cond); err != nil {
			return err
		}
		sql, err := sqlcompose.Delete(s.table.QualifiedName(), cond, s.table.PrimaryKey)
		if err != nil {
			return err
		}
		res, err = s.exec(ctx, sql)
		return err
	})
	if err != nil {
		return Result{}, err
	}
	e.record(ctx, "delete", table, res)
	return res, nil
}

// Select returns the rows matching cond, or every row for an empty cond.
func (e *Engine) Select(ctx context.Context, table string, cond sqlcompose.Values) (*RowSet, error) {
	out := &RowSet{Rows: [][]any{}}
	err := e.withTable(ctx, "select", table, true, func(ctx context.Context, s *session) error {
		if err := s.checkColumns(cond); err != nil {
			return err
		}
		sql, err := sqlcompose.Select(s.table.QualifiedName(), s.table.Columns, cond)
		if err != nil {
			return err
		}
		rows, err := s.h.Query(ctx, sql)
		if err != nil {
			return err
		}
		defer rows.Close()
		out.Columns = s.table.Columns
		for rows.Next() {
			vals, err := rows.Values()
			if err != nil {
				return err
			}
			out.Rows = append(out.Rows, vals)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// InsertMultiple inserts rows one by one in a single transaction. A
// constraint violation rolls back only its own row; the result slice is
// aligned with rows.
func (e *Engine) InsertMultiple(ctx context.Context, table string, rows []sqlcompose.Values) ([]Result, error) {
	results := make([]Result, 0, len(rows))
	err := e.withTable(ctx, "insert_multiple", table, false, func(ctx context.Context, s *session) error {
		for i, values := range rows {
			r, err := s.insert(ctx, values)
			if err != nil {
				return fmt.Errorf("row %d: %w", i, err)
			}
			results = append(results, r)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for _, r := range results {
		e.record(ctx, "insert", table, r)
	}
	return results, nil
}

// UpdateMultiple updates each row by the values of its key columns, which
// default to the primary key. The remaining columns of the row are the new
// values. Results are aligned with rows.
func (e *Engine) UpdateMultiple(ctx context.Context, table string, rows []sqlcompose.Values, keyColumns []string) ([]Result, error) {
	results := make([]Result, 0, len(rows))
	err := e.withTable(ctx, "update_multiple", table, false, func(ctx context.Context, s *session) error {
		keys := keyColumns
		if len(keys) == 0 {
			keys = s.table.PrimaryKey
		}
		if len(keys) == 0 {
			return sqlcompose.ErrEmptyCondition
		}
		for i, row := range rows {
			cond, values := splitRow(row, keys)
			if len(cond) != len(keys) {
				return fmt.Errorf("row %d: %w", i, ErrMissingKey)
			}
			var r Result
			// The check and the update share one savepoint so a failed row
			// leaves the transaction usable.
			err := s.h.Savepoint(ctx, func(ctx context.Context) error {
				var err error
				r, err = s.update(ctx, values, cond)
				return err
			})
			if err != nil {
				return fmt.Errorf("row %d: %w", i, err)
			}
			results = append(results, r)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for _, r := range results {
		e.record(ctx, "update", table, r)
	}
	return results, nil
}

func splitRow(row sqlcompose.Values, keys []string) (cond, values sqlcompose.Values) {
	cond = sqlcompose.Values{}
	values = sqlcompose.Values{}
	isKey := make(map[string]bool, len(keys))
	for _, k := range keys {
		isKey[k] = true
	}
	for col, v := range row {
		if isKey[col] {
			cond[col] = v
		} else {
			values[col] = v
		}
	}
	return cond, values
}
