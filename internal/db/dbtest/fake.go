// Package dbtest provides a scripted, in-process implementation of the db
// interfaces for tests. Statements are routed to caller-supplied handlers and
// every call is recorded so tests can assert on transaction boundaries.
package dbtest

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/oriys/tether/internal/db"
)

// ErrNoRows is returned by QueryRow scans when the handler produced no rows.
var ErrNoRows = errors.New("dbtest: no rows in result set")

// ResultSet is what a query handler returns.
type ResultSet struct {
	Columns []string
	Rows    [][]any
}

// ExecFunc handles a statement and returns the affected row count.
type ExecFunc func(databaseID, sql string, args []any) (int64, error)

// QueryFunc handles a query.
type QueryFunc func(databaseID, sql string, args []any) (*ResultSet, error)

// Call is one recorded interaction.
type Call struct {
	DatabaseID string
	SQL        string
	Args       []any
}

// Fake is a scripted database. The zero value answers every statement with
// zero affected rows and every query with an empty result.
type Fake struct {
	Exec  ExecFunc
	Query QueryFunc
	// OpenErr fails Open for the given database id.
	OpenErr map[string]error
	// BeginErr fails BeginTx for the given database id.
	BeginErr map[string]error

	mu    sync.Mutex
	calls []Call
	opts  map[string][]db.TxOptions
}

// Opener returns a db.Opener that hands out connections to this fake.
func (f *Fake) Opener() db.Opener {
	return db.OpenerFunc(func(_ context.Context, databaseID string) (db.Database, error) {
		if err := f.OpenErr[databaseID]; err != nil {
			return nil, err
		}
		f.record(databaseID, "OPEN", nil)
		return &conn{fake: f, id: databaseID}, nil
	})
}

// Calls returns a copy of the recorded calls.
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Call, len(f.calls))
	copy(out, f.calls)
	return out
}

// Statements returns the recorded SQL for databaseID, in order.
func (f *Fake) Statements(databaseID string) []string {
	var out []string
	for _, c := range f.Calls() {
		if c.DatabaseID == databaseID {
			out = append(out, c.SQL)
		}
	}
	return out
}

// Count returns how many recorded statements for databaseID start with prefix.
func (f *Fake) Count(databaseID, prefix string) int {
	n := 0
	for _, s := range f.Statements(databaseID) {
		if strings.HasPrefix(s, prefix) {
			n++
		}
	}
	return n
}

// TxOptions returns the options every BeginTx for databaseID was called with.
func (f *Fake) TxOptions(databaseID string) []db.TxOptions {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]db.TxOptions(nil), f.opts[databaseID]...)
}

func (f *Fake) record(databaseID, sql string, args []any) {
	f.mu.Lock()
	f.calls = append(f.calls, Call{DatabaseID: databaseID, SQL: sql, Args: args})
	f.mu.Unlock()
}

func (f *Fake) exec(databaseID, sql string, args []any) (db.Result, error) {
	f.record(databaseID, sql, args)
	if isTxControl(sql) || f.Exec == nil {
		return result(0), nil
	}
	n, err := f.Exec(databaseID, sql, args)
	if err != nil {
		return nil, err
	}
	return result(n), nil
}

func (f *Fake) query(databaseID, sql string, args []any) (db.Rows, error) {
	f.record(databaseID, sql, args)
	if f.Query == nil {
		return &rows{}, nil
	}
	rs, err := f.Query(databaseID, sql, args)
	if err != nil {
		return nil, err
	}
	if rs == nil {
		rs = &ResultSet{}
	}
	return &rows{set: rs, pos: -1}, nil
}

func isTxControl(sql string) bool {
	for _, p := range []string{"SAVEPOINT ", "RELEASE SAVEPOINT ", "ROLLBACK TO SAVEPOINT "} {
		if strings.HasPrefix(sql, p) {
			return true
		}
	}
	return false
}

type result int64

func (r result) RowsAffected() int64 { return int64(r) }

type conn struct {
	fake *Fake
	id   string
}

func (c *conn) Exec(_ context.Context, sql string, args ...any) (db.Result, error) {
	return c.fake.exec(c.id, sql, args)
}

func (c *conn) Query(_ context.Context, sql string, args ...any) (db.Rows, error) {
	return c.fake.query(c.id, sql, args)
}

func (c *conn) QueryRow(ctx context.Context, sql string, args ...any) db.Row {
	r, err := c.Query(ctx, sql, args...)
	return &row{rows: r, err: err}
}

func (c *conn) BeginTx(_ context.Context, opts *db.TxOptions) (db.Tx, error) {
	if err := c.fake.BeginErr[c.id]; err != nil {
		return nil, err
	}
	c.fake.mu.Lock()
	if c.fake.opts == nil {
		c.fake.opts = make(map[string][]db.TxOptions)
	}
	var o db.TxOptions
	if opts != nil {
		o = *opts
	}
	c.fake.opts[c.id] = append(c.fake.opts[c.id], o)
	c.fake.mu.Unlock()
	c.fake.record(c.id, "BEGIN", nil)
	return &tx{conn: c}, nil
}

func (c *conn) Ping(context.Context) error { return nil }

func (c *conn) Close() error {
	c.fake.record(c.id, "CLOSE", nil)
	return nil
}

func (c *conn) DriverName() string { return "dbtest" }

type tx struct {
	*conn
	done bool
}

func (t *tx) Commit(context.Context) error {
	if t.done {
		return fmt.Errorf("dbtest: transaction already finished")
	}
	t.done = true
	t.fake.record(t.id, "COMMIT", nil)
	return nil
}

func (t *tx) Rollback(context.Context) error {
	if t.done {
		return fmt.Errorf("dbtest: transaction already finished")
	}
	t.done = true
	t.fake.record(t.id, "ROLLBACK", nil)
	return nil
}

type rows struct {
	set *ResultSet
	pos int
	err error
}

func (r *rows) Next() bool {
	if r.set == nil {
		return false
	}
	r.pos++
	return r.pos < len(r.set.Rows)
}

func (r *rows) Values() ([]any, error) {
	if r.set == nil || r.pos < 0 || r.pos >= len(r.set.Rows) {
		return nil, fmt.Errorf("dbtest: no current row")
	}
	return append([]any(nil), r.set.Rows[r.pos]...), nil
}

func (r *rows) Scan(dest ...any) error {
	vals, err := r.Values()
	if err != nil {
		return err
	}
	if len(dest) != len(vals) {
		return fmt.Errorf("dbtest: scan %d values into %d destinations", len(vals), len(dest))
	}
	for i, d := range dest {
		if err := assign(d, vals[i]); err != nil {
			return fmt.Errorf("dbtest: column %d: %w", i, err)
		}
	}
	return nil
}

func (r *rows) Columns() []string {
	if r.set == nil {
		return nil
	}
	return r.set.Columns
}

func (r *rows) Err() error { return r.err }
func (r *rows) Close()     {}

type row struct {
	rows db.Rows
	err  error
}

func (r *row) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	defer r.rows.Close()
	if !r.rows.Next() {
		return ErrNoRows
	}
	return r.rows.Scan(dest...)
}

func assign(dest, v any) error {
	dv := reflect.ValueOf(dest)
	if dv.Kind() != reflect.Pointer || dv.IsNil() {
		return fmt.Errorf("destination must be a non-nil pointer")
	}
	elem := dv.Elem()
	if v == nil {
		elem.Set(reflect.Zero(elem.Type()))
		return nil
	}
	sv := reflect.ValueOf(v)
	switch {
	case sv.Type().AssignableTo(elem.Type()):
		elem.Set(sv)
	case sv.Type().ConvertibleTo(elem.Type()):
		elem.Set(sv.Convert(elem.Type()))
	default:
		return fmt.Errorf("cannot assign %T to %s", v, elem.Type())
	}
	return nil
}
