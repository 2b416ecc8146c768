package replication

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/oriys/tether/internal/db"
	"github.com/oriys/tether/internal/db/dbtest"
	"github.com/oriys/tether/internal/schema"
)

type tableDef struct {
	columns []string
	pk      []string
}

// env wires a fake source and target. Catalog queries against the target
// are answered from defs; SELECTs against the source from data.
type env struct {
	fake *dbtest.Fake
	defs map[string]tableDef
	data map[string][][]any
	// apply handles INSERTs on the target. Defaults to one affected row.
	apply func(sql string, args []any) (int64, error)
}

func newEnv() *env {
	e := &env{defs: map[string]tableDef{}, data: map[string][][]any{}}
	e.fake = &dbtest.Fake{
		Query: func(id, sql string, args []any) (*dbtest.ResultSet, error) {
			if id == "target" {
				return e.catalog(sql, args), nil
			}
			for name, rows := range e.data {
				if strings.HasSuffix(sql, `"`+name+`"`) {
					return &dbtest.ResultSet{Columns: e.defs[name].columns, Rows: rows}, nil
				}
			}
			return nil, errors.New("relation does not exist")
		},
		Exec: func(id, sql string, args []any) (int64, error) {
			if strings.HasPrefix(sql, "SELECT pg_advisory_xact_lock") {
				return 1, nil
			}
			if e.apply != nil {
				return e.apply(sql, args)
			}
			return 1, nil
		},
	}
	return e
}

func (e *env) catalog(sql string, args []any) *dbtest.ResultSet {
	def, ok := e.defs[args[1].(string)]
	rs := &dbtest.ResultSet{Columns: []string{"name"}}
	if !ok {
		return rs
	}
	names := def.columns
	if strings.Contains(sql, "pg_index") {
		names = def.pk
	}
	for _, n := range names {
		rs.Rows = append(rs.Rows, []any{n})
	}
	return rs
}

func (e *env) engine(opts Options) *Engine {
	return NewEngine(db.NewManager(e.fake.Opener()), nil, opts)
}

func TestReplicate_VersionedUpsert(t *testing.T) {
	e := newEnv()
	e.defs["_reference300"] = tableDef{columns: []string{"_idrref", "_version", "_description"}, pk: []string{"_idrref"}}
	e.data["_reference300"] = [][]any{{[]byte{1}, 1, "Ivanov"}, {[]byte{2}, 4, "Petrov"}}

	report, err := e.engine(Options{}).Replicate(context.Background(), "_reference300")
	if err != nil {
		t.Fatalf("Replicate: %v", err)
	}
	if report.RowsRead != 2 || report.RowsApplied != 2 || report.Strategy != VersionedUpsert {
		t.Fatalf("unexpected report: %+v", report)
	}
	if report.RunID == "" {
		t.Fatal("report has no run id")
	}

	target := e.fake.Statements("target")
	if target[len(target)-2] != "COMMIT" || target[len(target)-1] != "CLOSE" {
		t.Fatalf("target should commit then close, got %v", target)
	}
	if n := e.fake.Count("target", "SELECT pg_advisory_xact_lock"); n != 1 {
		t.Fatalf("advisory lock taken %d times", n)
	}
	upserts := 0
	for _, c := range e.fake.Calls() {
		if c.DatabaseID == "target" && strings.HasPrefix(c.SQL, "INSERT") {
			upserts++
			if !strings.Contains(c.SQL, `WHERE r."_version" < EXCLUDED."_version"`) {
				t.Fatalf("upsert is not version gated: %s", c.SQL)
			}
			if len(c.Args) != 3 {
				t.Fatalf("expected 3 bound args, got %v", c.Args)
			}
		}
	}
	if upserts != 2 {
		t.Fatalf("expected one statement per row, got %d", upserts)
	}

	if opts := e.fake.TxOptions("source"); len(opts) != 1 || !opts[0].ReadOnly {
		t.Fatalf("source handle should be read-only, got %+v", opts)
	}
	if got := e.fake.Statements("source"); got[len(got)-1] != "CLOSE" {
		t.Fatalf("source connection not closed: %v", got)
	}
}

func TestReplicate_InsertIfAbsent(t *testing.T) {
	e := newEnv()
	e.defs["_inforg10632"] = tableDef{columns: []string{"_period", "_fld1"}}
	e.data["_inforg10632"] = [][]any{{"2024-01-01", 1}}

	report, err := e.engine(Options{}).Replicate(context.Background(), "_inforg10632")
	if err != nil {
		t.Fatalf("Replicate: %v", err)
	}
	if report.Strategy != InsertIfAbsent {
		t.Fatalf("strategy = %s", report.Strategy)
	}
	if n := e.fake.Count("target", `INSERT INTO "public"."_inforg10632" AS r ("_period", "_fld1") VALUES ($1, $2) ON CONFLICT DO NOTHING`); n != 1 {
		t.Fatalf("insert-if-absent statement not issued: %v", e.fake.Statements("target"))
	}
}

func TestReplicate_EmptySourceCommits(t *testing.T) {
	e := newEnv()
	e.defs["_enum57"] = tableDef{columns: []string{"_idrref", "_enumorder"}, pk: []string{"_idrref"}}
	e.data["_enum57"] = nil

	report, err := e.engine(Options{}).Replicate(context.Background(), "_enum57")
	if err != nil {
		t.Fatalf("Replicate: %v", err)
	}
	if report.RowsRead != 0 {
		t.Fatalf("rows = %d", report.RowsRead)
	}
	if e.fake.Count("target", "COMMIT") != 1 || e.fake.Count("target", "INSERT") != 0 {
		t.Fatalf("expected a no-op commit, got %v", e.fake.Statements("target"))
	}
}

func TestReplicate_AbortRollsBackTable(t *testing.T) {
	e := newEnv()
	e.defs["_reference89"] = tableDef{columns: []string{"_idrref", "_version"}, pk: []string{"_idrref"}}
	e.data["_reference89"] = [][]any{{1, 1}, {2, 1}, {3, 1}}
	e.apply = func(_ string, args []any) (int64, error) {
		if args[0] == 2 {
			return 0, errors.New("value too long")
		}
		return 1, nil
	}

	_, err := e.engine(Options{}).Replicate(context.Background(), "_reference89")
	if err == nil || !strings.Contains(err.Error(), "apply row 1") {
		t.Fatalf("expected row failure, got %v", err)
	}
	if e.fake.Count("target", "COMMIT") != 0 || e.fake.Count("target", "ROLLBACK") != 1 {
		t.Fatalf("table should be rolled back, got %v", e.fake.Statements("target"))
	}
	if n := e.fake.Count("target", "INSERT"); n != 2 {
		t.Fatalf("rows after the failure should not be applied, got %d inserts", n)
	}
}

func TestReplicate_SkipPolicy(t *testing.T) {
	e := newEnv()
	e.defs["_reference89"] = tableDef{columns: []string{"_idrref", "_version"}, pk: []string{"_idrref"}}
	e.data["_reference89"] = [][]any{{1, 1}, {2, 1}, {3, 1}}
	e.apply = func(_ string, args []any) (int64, error) {
		if args[0] == 2 {
			return 0, errors.New("value too long")
		}
		return 1, nil
	}

	report, err := e.engine(Options{RowFailure: SkipRow}).Replicate(context.Background(), "_reference89")
	if err != nil {
		t.Fatalf("Replicate: %v", err)
	}
	if report.RowsApplied != 2 || len(report.Skipped) != 1 || report.Skipped[0].Index != 1 {
		t.Fatalf("unexpected report: %+v", report)
	}
	if e.fake.Count("target", "ROLLBACK TO SAVEPOINT") != 1 || e.fake.Count("target", "RELEASE SAVEPOINT") != 2 {
		t.Fatalf("expected per-row savepoints, got %v", e.fake.Statements("target"))
	}
	if e.fake.Count("target", "COMMIT") != 1 {
		t.Fatal("table should commit under the skip policy")
	}
}

func TestReplicate_FailsBeforeConnecting(t *testing.T) {
	e := newEnv()
	_, err := e.engine(Options{}).Replicate(context.Background(), "drivers_place_table")
	if !errors.Is(err, ErrUnrecognizedTable) {
		t.Fatalf("expected ErrUnrecognizedTable, got %v", err)
	}
	if len(e.fake.Calls()) != 0 {
		t.Fatalf("no connection should be opened, got %v", e.fake.Calls())
	}
}

func TestReplicate_DescriptorErrors(t *testing.T) {
	e := newEnv()
	e.defs["_reference1"] = tableDef{columns: []string{"_idrref", "_description"}, pk: []string{"_idrref"}}
	e.defs["_reference2"] = tableDef{columns: []string{"_idrref", "_version"}}
	eng := e.engine(Options{})

	tests := []struct {
		table string
		want  error
	}{
		{"_reference1", ErrMissingVersionColumn},
		{"_reference2", ErrMissingPrimaryKey},
		{"_reference3", nil}, // not in the catalog
	}
	for _, tt := range tests {
		_, err := eng.Replicate(context.Background(), tt.table)
		if tt.want == nil {
			tt.want = schema.ErrSchemaNotFound
		}
		if !errors.Is(err, tt.want) {
			t.Fatalf("%s: expected %v, got %v", tt.table, tt.want, err)
		}
	}
}

func TestReplicate_ConnectionFailure(t *testing.T) {
	e := newEnv()
	e.fake.OpenErr = map[string]error{"target": errors.New("connection refused")}
	e.defs["_reference1"] = tableDef{columns: []string{"_idrref", "_version"}, pk: []string{"_idrref"}}

	_, err := e.engine(Options{}).Replicate(context.Background(), "_reference1")
	if !errors.Is(err, db.ErrConnectionFailure) {
		t.Fatalf("expected ErrConnectionFailure, got %v", err)
	}
	if got := e.fake.Statements("source"); got[len(got)-2] != "ROLLBACK" {
		t.Fatalf("source transaction should roll back, got %v", got)
	}
}

// itemsTarget simulates a versioned upsert on items(id, version, name).
type itemsTarget map[int][]any

func (it itemsTarget) apply(_ string, args []any) (int64, error) {
	id, version := args[0].(int), args[1].(int)
	if cur, ok := it[id]; ok && cur[1].(int) >= version {
		return 0, nil
	}
	it[id] = args
	return 1, nil
}

func TestReplicate_ItemsScenario(t *testing.T) {
	e := newEnv()
	e.defs["items"] = tableDef{columns: []string{"id", "version", "name"}, pk: []string{"id"}}
	target := itemsTarget{1: {1, 3, "old"}}
	e.apply = target.apply
	eng := e.engine(Options{
		VersionColumn: "version",
		Strategies:    map[string]Strategy{"items": VersionedUpsert},
	})

	e.data["items"] = [][]any{{1, 2, "stale"}}
	report, err := eng.Replicate(context.Background(), "items")
	if err != nil {
		t.Fatalf("run 1: %v", err)
	}
	if report.RowsApplied != 0 || target[1][2] != "old" {
		t.Fatalf("older version must not overwrite: %v", target[1])
	}

	e.data["items"] = [][]any{{1, 5, "new"}}
	if _, err := eng.Replicate(context.Background(), "items"); err != nil {
		t.Fatalf("run 2: %v", err)
	}
	if target[1][1] != 5 || target[1][2] != "new" {
		t.Fatalf("newer version should win: %v", target[1])
	}

	// Replaying the same snapshot changes nothing.
	report, err = eng.Replicate(context.Background(), "items")
	if err != nil || report.RowsApplied != 0 {
		t.Fatalf("replay should be a no-op: %+v, %v", report, err)
	}
}

func TestReplicateGroup(t *testing.T) {
	e := newEnv()
	e.defs["_reference300"] = tableDef{columns: []string{"_idrref", "_version"}, pk: []string{"_idrref"}}
	e.defs["_reference89"] = tableDef{columns: []string{"_idrref", "_version"}, pk: []string{"_idrref"}}
	e.data["_reference300"] = [][]any{{1, 1}}
	e.data["_reference89"] = [][]any{{1, 1}}
	eng := e.engine(Options{Groups: map[string][]string{
		"persons": {"_reference300", "bogus", "_reference89"},
		"cars":    {"_reference89"},
	}})

	if _, err := eng.ReplicateGroup(context.Background(), "trucks"); !errors.Is(err, ErrUnknownGroup) {
		t.Fatalf("expected ErrUnknownGroup, got %v", err)
	}

	results, err := eng.ReplicateGroup(context.Background(), "persons")
	if err != nil {
		t.Fatalf("ReplicateGroup: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	if results[0].Err != nil || results[2].Err != nil {
		t.Fatalf("independent tables should succeed: %+v", results)
	}
	if !errors.Is(results[1].Err, ErrUnrecognizedTable) || results[1].Error == "" {
		t.Fatalf("bogus table should fail on its own: %+v", results[1])
	}

	all := eng.ReplicateAll(context.Background())
	if len(all) != 4 || all[0].Group != "cars" {
		t.Fatalf("ReplicateAll should walk groups in name order: %+v", all)
	}
	if failed := Failed(all); len(failed) != 1 || failed[0].Table != "bogus" {
		t.Fatalf("Failed = %+v", failed)
	}
	if got := eng.Groups(); strings.Join(got, ",") != "cars,persons" {
		t.Fatalf("Groups = %v", got)
	}
}

func TestReplicate_LockKeyIgnoresSpelling(t *testing.T) {
	e := newEnv()
	e.defs["_reference300"] = tableDef{columns: []string{"_idrref", "_version"}, pk: []string{"_idrref"}}
	e.data["_reference300"] = [][]any{{[]byte{1}, 1}}
	eng := e.engine(Options{})

	for _, name := range []string{"_reference300", "public._reference300"} {
		if _, err := eng.Replicate(context.Background(), name); err != nil {
			t.Fatalf("Replicate(%s): %v", name, err)
		}
	}

	var keys []any
	for _, c := range e.fake.Calls() {
		if c.DatabaseID == "target" && strings.HasPrefix(c.SQL, "SELECT pg_advisory_xact_lock") {
			keys = append(keys, c.Args[0])
		}
	}
	if len(keys) != 2 {
		t.Fatalf("expected two lock calls, got %v", keys)
	}
	if keys[0] != "public._reference300" || keys[1] != keys[0] {
		t.Fatalf("lock keys differ by spelling: %v", keys)
	}
}
