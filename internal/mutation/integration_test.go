package mutation

import (
	"context"
	"os"
	"testing"

	"github.com/oriys/tether/internal/db"
	"github.com/oriys/tether/internal/schema"
	"github.com/oriys/tether/internal/sqlcompose"
)

// Set TETHER_TEST_TARGET_DSN to a PostgreSQL database to run these tests.
func integrationEngine(t *testing.T) *Engine {
	t.Helper()
	dsn := os.Getenv("TETHER_TEST_TARGET_DSN")
	if dsn == "" {
		t.Skipf("TETHER_TEST_TARGET_DSN not set")
	}

	ctx := context.Background()
	conn, err := db.Connect(ctx, dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer conn.Close()
	for _, stmt := range []string{
		"DROP TABLE IF EXISTS tether_it_runs",
		"DROP TABLE IF EXISTS tether_it_cars",
		"CREATE TABLE tether_it_cars (id serial PRIMARY KEY, plate text NOT NULL UNIQUE)",
		"CREATE TABLE tether_it_runs (id serial PRIMARY KEY, car integer REFERENCES tether_it_cars(id), waybill text)",
	} {
		if _, err := conn.Exec(ctx, stmt); err != nil {
			t.Fatalf("%s: %v", stmt, err)
		}
	}

	m := db.NewManager(&db.PostgresOpener{ConnStrings: map[string]string{"target": dsn}})
	return NewEngine(m, schema.Catalog{}, "target")
}

func TestIntegration_Outcomes(t *testing.T) {
	e := integrationEngine(t)
	ctx := context.Background()

	car, err := e.Insert(ctx, "tether_it_cars", sqlcompose.Values{"plate": "A123"})
	if err != nil || car.Outcome != OK || len(car.Key) != 1 {
		t.Fatalf("insert car: %+v, %v", car, err)
	}

	dup, err := e.Insert(ctx, "tether_it_cars", sqlcompose.Values{"plate": "A123"})
	if err != nil || dup.Outcome != UniqueViolation {
		t.Fatalf("duplicate plate: %+v, %v", dup, err)
	}

	orphan, err := e.Insert(ctx, "tether_it_runs", sqlcompose.Values{"car": 999999})
	if err != nil || orphan.Outcome != ForeignKeyViolation {
		t.Fatalf("orphan run: %+v, %v", orphan, err)
	}

	run, err := e.Insert(ctx, "tether_it_runs", sqlcompose.Values{"car": car.Key[0], "waybill": "W-1"})
	if err != nil || run.Outcome != OK {
		t.Fatalf("insert run: %+v, %v", run, err)
	}
	cond := sqlcompose.Values{"id": run.Key[0]}

	same, err := e.Update(ctx, "tether_it_runs", sqlcompose.Values{"waybill": "W-1"}, cond)
	if err != nil || same.Outcome != NoOp {
		t.Fatalf("unchanged update: %+v, %v", same, err)
	}

	changed, err := e.Update(ctx, "tether_it_runs", sqlcompose.Values{"waybill": "W-2"}, cond)
	if err != nil || changed.Outcome != OK || changed.RowsAffected != 1 {
		t.Fatalf("update: %+v, %v", changed, err)
	}

	missing, err := e.Update(ctx, "tether_it_runs", sqlcompose.Values{"waybill": "W-3"}, sqlcompose.Values{"id": -1})
	if err != nil || missing.Outcome != NotFound {
		t.Fatalf("update missing: %+v, %v", missing, err)
	}

	rows, err := e.Select(ctx, "tether_it_runs", cond)
	if err != nil || len(rows.Rows) != 1 {
		t.Fatalf("select: %+v, %v", rows, err)
	}
}

func TestIntegration_InsertMultipleKeepsGoodRows(t *testing.T) {
	e := integrationEngine(t)
	ctx := context.Background()

	results, err := e.InsertMultiple(ctx, "tether_it_cars", []sqlcompose.Values{
		{"plate": "B1"},
		{"plate": "B1"},
		{"plate": "B2"},
	})
	if err != nil {
		t.Fatalf("InsertMultiple: %v", err)
	}
	if results[0].Outcome != OK || results[1].Outcome != UniqueViolation || results[2].Outcome != OK {
		t.Fatalf("outcomes = %v %v %v", results[0].Outcome, results[1].Outcome, results[2].Outcome)
	}

	rows, err := e.Select(ctx, "tether_it_cars", nil)
	if err != nil || len(rows.Rows) != 2 {
		t.Fatalf("expected two committed rows: %+v, %v", rows, err)
	}
}
