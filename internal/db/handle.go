package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/oriys/tether/internal/logging"
)

// ErrConnectionFailure marks errors raised while opening a connection or
// starting its transaction. They are fatal to the current operation.
var ErrConnectionFailure = errors.New("connection failure")

// ConnectionError carries the database id and phase of a connection failure.
type ConnectionError struct {
	DatabaseID string
	Op         string
	Err        error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.DatabaseID, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

func (e *ConnectionError) Is(target error) bool { return target == ErrConnectionFailure }

// Handle is one open connection plus its transaction, owned by the function
// passed to Manager.WithHandle for the duration of the call.
type Handle struct {
	databaseID string
	driver     string
	tx         Tx
	savepoints int
}

// DatabaseID returns the logical database id the handle was acquired for.
func (h *Handle) DatabaseID() string { return h.databaseID }

// Driver returns the driver name of the underlying connection.
func (h *Handle) Driver() string { return h.driver }

func (h *Handle) Exec(ctx context.Context, sql string, args ...any) (Result, error) {
	return h.tx.Exec(ctx, sql, args...)
}

func (h *Handle) QueryRow(ctx context.Context, sql string, args ...any) Row {
	return h.tx.QueryRow(ctx, sql, args...)
}

func (h *Handle) Query(ctx context.Context, sql string, args ...any) (Rows, error) {
	return h.tx.Query(ctx, sql, args...)
}

// Savepoint runs fn inside a savepoint of the handle's transaction. If fn
// fails the savepoint is rolled back, leaving earlier work in the transaction
// intact, and fn's error is returned.
func (h *Handle) Savepoint(ctx context.Context, fn func(ctx context.Context) error) error {
	h.savepoints++
	name := fmt.Sprintf("sp_%d", h.savepoints)
	if _, err := h.tx.Exec(ctx, "SAVEPOINT "+name); err != nil {
		return fmt.Errorf("create savepoint: %w", err)
	}
	if err := fn(ctx); err != nil {
		if _, rbErr := h.tx.Exec(ctx, "ROLLBACK TO SAVEPOINT "+name); rbErr != nil {
			return errors.Join(err, fmt.Errorf("rollback to savepoint: %w", rbErr))
		}
		return err
	}
	if _, err := h.tx.Exec(ctx, "RELEASE SAVEPOINT "+name); err != nil {
		return fmt.Errorf("release savepoint: %w", err)
	}
	return nil
}

// Manager hands out scoped handles.
type Manager struct {
	opener Opener
}

// NewManager creates a Manager that opens connections through opener.
func NewManager(opener Opener) *Manager {
	return &Manager{opener: opener}
}

// WithHandle opens a connection to databaseID, begins a transaction and calls
// fn with the resulting handle. When fn returns nil the transaction is
// committed; when it returns an error or panics the transaction is rolled
// back and fn's error (or panic) is propagated. The connection is closed on
// every path. There is no retry.
func (m *Manager) WithHandle(ctx context.Context, databaseID string, opts *TxOptions, fn func(ctx context.Context, h *Handle) error) (err error) {
	conn, err := m.opener.Open(ctx, databaseID)
	if err != nil {
		return &ConnectionError{DatabaseID: databaseID, Op: "connect", Err: err}
	}

	tx, err := conn.BeginTx(ctx, opts)
	if err != nil {
		closeConn(databaseID, conn)
		return &ConnectionError{DatabaseID: databaseID, Op: "begin", Err: err}
	}

	// Rollback and commit must still run after ctx is cancelled.
	finishCtx := context.WithoutCancel(ctx)

	defer func() {
		if p := recover(); p != nil {
			rollback(finishCtx, databaseID, tx)
			closeConn(databaseID, conn)
			panic(p)
		}
		if err != nil {
			rollback(finishCtx, databaseID, tx)
		} else if cErr := tx.Commit(finishCtx); cErr != nil {
			err = fmt.Errorf("commit %s: %w", databaseID, cErr)
		}
		closeConn(databaseID, conn)
	}()

	h := &Handle{databaseID: databaseID, driver: conn.DriverName(), tx: tx}
	return fn(ctx, h)
}

// Ping opens a short-lived connection to databaseID and pings it.
func (m *Manager) Ping(ctx context.Context, databaseID string) error {
	conn, err := m.opener.Open(ctx, databaseID)
	if err != nil {
		return &ConnectionError{DatabaseID: databaseID, Op: "connect", Err: err}
	}
	defer closeConn(databaseID, conn)
	return conn.Ping(ctx)
}

func rollback(ctx context.Context, databaseID string, tx Tx) {
	if err := tx.Rollback(ctx); err != nil {
		logging.Op().Warn("rollback failed", "database", databaseID, "error", err)
	}
}

func closeConn(databaseID string, conn Database) {
	if err := conn.Close(); err != nil {
		logging.Op().Warn("close connection failed", "database", databaseID, "error", err)
	}
}
