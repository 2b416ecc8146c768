// Package replication copies tables from the source database into the
// target database. Each table is applied in a single target transaction
// using the conflict strategy chosen for its name.
package replication

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/oriys/tether/internal/db"
	"github.com/oriys/tether/internal/metrics"
	"github.com/oriys/tether/internal/observability"
	"github.com/oriys/tether/internal/schema"
	"github.com/oriys/tether/internal/sqlcompose"
)

var (
	// ErrUnknownGroup is returned by ReplicateGroup for undeclared groups.
	ErrUnknownGroup = errors.New("unknown sync group")
	// ErrMissingVersionColumn is returned when a versioned table lacks the
	// version column in the target.
	ErrMissingVersionColumn = errors.New("missing version column")
	// ErrMissingPrimaryKey is returned when a versioned table has no primary
	// key in the target.
	ErrMissingPrimaryKey = errors.New("missing primary key")
)

// RowFailurePolicy decides what happens when a single row fails to apply.
type RowFailurePolicy string

const (
	// AbortTable rolls back the whole table on the first failing row.
	AbortTable RowFailurePolicy = "abort"
	// SkipRow rolls back only the failing row and keeps going.
	SkipRow RowFailurePolicy = "skip"
)

// Options configures an Engine.
type Options struct {
	SourceID      string // default "source"
	TargetID      string // default "target"
	VersionColumn string // default "_version"
	RowFailure    RowFailurePolicy
	// Groups maps a group name to its tables, replicated in list order.
	Groups map[string][]string
	// Strategies forces a strategy for the named tables.
	Strategies map[string]Strategy
}

// Engine replicates tables between two logical databases.
type Engine struct {
	manager  *db.Manager
	resolver schema.Resolver
	opts     Options
}

// NewEngine creates an Engine. A nil resolver reads the catalog directly.
func NewEngine(manager *db.Manager, resolver schema.Resolver, opts Options) *Engine {
	if opts.SourceID == "" {
		opts.SourceID = "source"
	}
	if opts.TargetID == "" {
		opts.TargetID = "target"
	}
	if opts.VersionColumn == "" {
		opts.VersionColumn = "_version"
	}
	if opts.RowFailure == "" {
		opts.RowFailure = AbortTable
	}
	if resolver == nil {
		resolver = schema.Catalog{}
	}
	return &Engine{manager: manager, resolver: resolver, opts: opts}
}

// SkippedRow describes a source row dropped under the SkipRow policy.
type SkippedRow struct {
	Index int    `json:"index"`
	Error string `json:"error"`
}

// Report summarizes one table replication.
type Report struct {
	RunID    string   `json:"run_id"`
	Table    string   `json:"table"`
	Strategy Strategy `json:"strategy"`
	RowsRead int      `json:"rows_read"`
	// RowsApplied counts rows the target actually inserted or overwrote.
	// Rows rejected by the version gate or already present are not counted.
	RowsApplied int64         `json:"rows_applied"`
	Skipped     []SkippedRow  `json:"skipped,omitempty"`
	Duration    time.Duration `json:"duration_ns"`
}

// TableResult is the outcome of one table within a batch.
type TableResult struct {
	Group  string  `json:"group,omitempty"`
	Table  string  `json:"table"`
	Report *Report `json:"report,omitempty"`
	Err    error   `json:"-"`
	Error  string  `json:"error,omitempty"`
}

// Replicate copies every row of table from the source into the target.
// On success all rows are committed together; on failure none are, unless
// the SkipRow policy is configured.
func (e *Engine) Replicate(ctx context.Context, table string) (*Report, error) {
	strategy, err := Classify(table, e.opts.Strategies)
	if err != nil {
		return nil, err
	}

	report := &Report{RunID: uuid.NewString(), Table: table, Strategy: strategy}
	ctx, span := observability.StartSpan(ctx, "replication.replicate",
		observability.AttrTable.String(table),
		observability.AttrStrategy.String(strategy.String()),
		observability.AttrRunID.String(report.RunID),
	)
	log := observability.Logger(ctx)

	metrics.IncActiveReplications()
	start := time.Now()
	err = e.manager.WithHandle(ctx, e.opts.SourceID, &db.TxOptions{ReadOnly: true}, func(ctx context.Context, src *db.Handle) error {
		return e.manager.WithHandle(ctx, e.opts.TargetID, nil, func(ctx context.Context, dst *db.Handle) error {
			return e.apply(ctx, src, dst, report)
		})
	})
	report.Duration = time.Since(start)
	metrics.DecActiveReplications()

	durationMs := report.Duration.Milliseconds()
	skipped := int64(len(report.Skipped))
	metrics.Global().RecordReplication(table, int64(report.RowsRead), report.RowsApplied, skipped, durationMs, err)
	metrics.RecordPrometheusReplication(table, strategy.String(), durationMs, report.RowsApplied, skipped, err == nil)

	span.SetAttributes(
		observability.AttrRows.Int(report.RowsRead),
		observability.AttrRowsSkipped.Int(len(report.Skipped)),
	)
	observability.EndSpan(span, err)

	if err != nil {
		log.Error("replication failed",
			"table", table, "strategy", strategy.String(), "run_id", report.RunID, "error", err)
		return nil, fmt.Errorf("replicate %s: %w", table, err)
	}
	log.Info("table replicated",
		"table", table,
		"strategy", strategy.String(),
		"run_id", report.RunID,
		"rows", report.RowsRead,
		"applied", report.RowsApplied,
		"skipped", len(report.Skipped),
		"duration_ms", durationMs,
	)
	return report, nil
}

func (e *Engine) apply(ctx context.Context, src, dst *db.Handle, report *Report) error {
	table := report.Table

	// Serializes concurrent replications of the same table until commit,
	// however the caller spelled its name.
	if _, err := dst.Exec(ctx, "SELECT pg_advisory_xact_lock(hashtext($1))", lockKey(table)); err != nil {
		return fmt.Errorf("lock %s: %w", table, err)
	}

	desc, err := schema.NewMemo(e.resolver, dst).Table(ctx, table)
	if err != nil {
		return err
	}

	insert, err := e.statement(report.Strategy, desc)
	if err != nil {
		return err
	}
	query, err := sqlcompose.Select(table, desc.Columns, nil)
	if err != nil {
		return err
	}

	rows, err := src.Query(ctx, query)
	if err != nil {
		return fmt.Errorf("read source: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return fmt.Errorf("decode source row %d: %w", report.RowsRead, err)
		}
		idx := report.RowsRead
		report.RowsRead++

		if e.opts.RowFailure == SkipRow {
			var affected int64
			err := dst.Savepoint(ctx, func(ctx context.Context) error {
				res, err := dst.Exec(ctx, insert, vals...)
				if err != nil {
					return err
				}
				affected = res.RowsAffected()
				return nil
			})
			if err != nil {
				if ctxErr := ctx.Err(); ctxErr != nil {
					return ctxErr
				}
				report.Skipped = append(report.Skipped, SkippedRow{Index: idx, Error: err.Error()})
				observability.Logger(ctx).Warn("row skipped",
					"table", table, "run_id", report.RunID, "row", idx, "error", err)
				continue
			}
			report.RowsApplied += affected
			continue
		}

		res, err := dst.Exec(ctx, insert, vals...)
		if err != nil {
			return fmt.Errorf("apply row %d: %w", idx, err)
		}
		report.RowsApplied += res.RowsAffected()
	}
	return rows.Err()
}

// lockKey returns the schema-qualified form of table.
func lockKey(table string) string {
	s, t := schema.SplitName(table)
	return s + "." + t
}

func (e *Engine) statement(strategy Strategy, desc *schema.Table) (string, error) {
	switch strategy {
	case VersionedUpsert:
		if len(desc.PrimaryKey) == 0 {
			return "", fmt.Errorf("%s: %w", desc.QualifiedName(), ErrMissingPrimaryKey)
		}
		if !desc.HasColumn(e.opts.VersionColumn) {
			return "", fmt.Errorf("%s has no %s column: %w", desc.QualifiedName(), e.opts.VersionColumn, ErrMissingVersionColumn)
		}
		return sqlcompose.VersionedUpsert(desc.QualifiedName(), desc.Columns, desc.PrimaryKey, e.opts.VersionColumn)
	case InsertIfAbsent:
		return sqlcompose.InsertIfAbsent(desc.QualifiedName(), desc.Columns)
	}
	return "", fmt.Errorf("unsupported strategy %s", strategy)
}

// Groups returns the configured group names, sorted.
func (e *Engine) Groups() []string {
	names := make([]string, 0, len(e.opts.Groups))
	for g := range e.opts.Groups {
		names = append(names, g)
	}
	sort.Strings(names)
	return names
}

// GroupTables returns the tables of group in replication order.
func (e *Engine) GroupTables(group string) ([]string, bool) {
	tables, ok := e.opts.Groups[group]
	return append([]string(nil), tables...), ok
}

// ReplicateGroup replicates every table of group in order. A failing table
// does not stop the others; its error is carried in its TableResult.
func (e *Engine) ReplicateGroup(ctx context.Context, group string) ([]TableResult, error) {
	tables, ok := e.opts.Groups[group]
	if !ok {
		return nil, fmt.Errorf("%s: %w", group, ErrUnknownGroup)
	}

	ctx, span := observability.StartSpan(ctx, "replication.group", observability.AttrGroup.String(group))
	defer span.End()

	results := make([]TableResult, 0, len(tables))
	failed := 0
	for _, table := range tables {
		r := TableResult{Group: group, Table: table}
		r.Report, r.Err = e.Replicate(ctx, table)
		if r.Err != nil {
			r.Error = r.Err.Error()
			failed++
		}
		results = append(results, r)
	}

	observability.Logger(ctx).Info("sync group finished",
		"group", group, "tables", len(tables), "failed", failed)
	return results, nil
}

// ReplicateAll replicates every configured group, in group name order.
func (e *Engine) ReplicateAll(ctx context.Context) []TableResult {
	var results []TableResult
	for _, group := range e.Groups() {
		r, _ := e.ReplicateGroup(ctx, group)
		results = append(results, r...)
	}
	return results
}

// Failed returns the results that carry an error.
func Failed(results []TableResult) []TableResult {
	var out []TableResult
	for _, r := range results {
		if r.Err != nil {
			out = append(out, r)
		}
	}
	return out
}
