package db

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const closeTimeout = 5 * time.Second

// PostgresConn is a Database backed by a single pgx connection.
type PostgresConn struct {
	conn *pgx.Conn
}

// Connect opens a single pgx connection for the given connection string.
func Connect(ctx context.Context, connString string) (*PostgresConn, error) {
	if connString == "" {
		return nil, fmt.Errorf("postgres connection string is required")
	}
	conn, err := pgx.Connect(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &PostgresConn{conn: conn}, nil
}

// PostgresOpener opens pgx connections from a database id -> connection
// string map.
type PostgresOpener struct {
	ConnStrings map[string]string
}

// Open implements Opener.
func (o *PostgresOpener) Open(ctx context.Context, databaseID string) (Database, error) {
	cs, ok := o.ConnStrings[databaseID]
	if !ok {
		return nil, fmt.Errorf("no credentials for database %q", databaseID)
	}
	return Connect(ctx, cs)
}

func (c *PostgresConn) Exec(ctx context.Context, sql string, args ...any) (Result, error) {
	tag, err := c.conn.Exec(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	return tag, nil
}

func (c *PostgresConn) QueryRow(ctx context.Context, sql string, args ...any) Row {
	return c.conn.QueryRow(ctx, sql, args...)
}

func (c *PostgresConn) Query(ctx context.Context, sql string, args ...any) (Rows, error) {
	rows, err := c.conn.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	return &pgxRows{Rows: rows}, nil
}

func (c *PostgresConn) BeginTx(ctx context.Context, opts *TxOptions) (Tx, error) {
	var txOpts pgx.TxOptions
	if opts != nil {
		if opts.ReadOnly {
			txOpts.AccessMode = pgx.ReadOnly
		}
		iso, err := isoLevel(opts.IsolationLevel)
		if err != nil {
			return nil, err
		}
		txOpts.IsoLevel = iso
	}
	tx, err := c.conn.BeginTx(ctx, txOpts)
	if err != nil {
		return nil, err
	}
	return &pgxTx{tx: tx}, nil
}

func (c *PostgresConn) Ping(ctx context.Context) error {
	return c.conn.Ping(ctx)
}

func (c *PostgresConn) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	return c.conn.Close(ctx)
}

func (c *PostgresConn) DriverName() string { return "postgres" }

func isoLevel(level string) (pgx.TxIsoLevel, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "":
		return "", nil
	case "serializable":
		return pgx.Serializable, nil
	case "repeatable read":
		return pgx.RepeatableRead, nil
	case "read committed":
		return pgx.ReadCommitted, nil
	case "read uncommitted":
		return pgx.ReadUncommitted, nil
	default:
		return "", fmt.Errorf("unsupported isolation level %q", level)
	}
}

type pgxTx struct {
	tx pgx.Tx
}

func (t *pgxTx) Exec(ctx context.Context, sql string, args ...any) (Result, error) {
	tag, err := t.tx.Exec(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	return tag, nil
}

func (t *pgxTx) QueryRow(ctx context.Context, sql string, args ...any) Row {
	return t.tx.QueryRow(ctx, sql, args...)
}

func (t *pgxTx) Query(ctx context.Context, sql string, args ...any) (Rows, error) {
	rows, err := t.tx.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	return &pgxRows{Rows: rows}, nil
}

func (t *pgxTx) Commit(ctx context.Context) error   { return t.tx.Commit(ctx) }
func (t *pgxTx) Rollback(ctx context.Context) error { return t.tx.Rollback(ctx) }

type pgxRows struct {
	pgx.Rows
}

func (r *pgxRows) Columns() []string {
	fields := r.FieldDescriptions()
	cols := make([]string, len(fields))
	for i, f := range fields {
		cols[i] = f.Name
	}
	return cols
}

var _ Result = pgconn.CommandTag{}
