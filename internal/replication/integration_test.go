package replication

import (
	"context"
	"os"
	"testing"

	"github.com/oriys/tether/internal/db"
	"github.com/oriys/tether/internal/schema"
)

// Set TETHER_TEST_SOURCE_DSN and TETHER_TEST_TARGET_DSN to two distinct
// PostgreSQL databases to run these tests.
func integrationManager(t *testing.T, setup map[string][]string) *db.Manager {
	t.Helper()
	dsns := map[string]string{
		"source": os.Getenv("TETHER_TEST_SOURCE_DSN"),
		"target": os.Getenv("TETHER_TEST_TARGET_DSN"),
	}
	if dsns["source"] == "" || dsns["target"] == "" {
		t.Skipf("TETHER_TEST_SOURCE_DSN and TETHER_TEST_TARGET_DSN not set")
	}
	if dsns["source"] == dsns["target"] {
		t.Skipf("source and target must be different databases")
	}

	ctx := context.Background()
	for id, stmts := range setup {
		conn, err := db.Connect(ctx, dsns[id])
		if err != nil {
			t.Fatalf("connect %s: %v", id, err)
		}
		for _, stmt := range stmts {
			if _, err := conn.Exec(ctx, stmt); err != nil {
				conn.Close()
				t.Fatalf("%s: %s: %v", id, stmt, err)
			}
		}
		conn.Close()
	}
	return db.NewManager(&db.PostgresOpener{ConnStrings: dsns})
}

func targetRow(t *testing.T, m *db.Manager, id int) (version int, name string) {
	t.Helper()
	err := m.WithHandle(context.Background(), "target", &db.TxOptions{ReadOnly: true}, func(ctx context.Context, h *db.Handle) error {
		return h.QueryRow(ctx, "SELECT version, name FROM tether_it_items WHERE id = $1", id).Scan(&version, &name)
	})
	if err != nil {
		t.Fatalf("read target row %d: %v", id, err)
	}
	return version, name
}

func TestIntegration_VersionedUpsert(t *testing.T) {
	ddl := []string{
		"DROP TABLE IF EXISTS tether_it_items",
		"CREATE TABLE tether_it_items (id integer PRIMARY KEY, version integer NOT NULL, name text)",
	}
	m := integrationManager(t, map[string][]string{
		"source": append(ddl, "INSERT INTO tether_it_items VALUES (1, 2, 'stale'), (2, 1, 'fresh')"),
		"target": append(ddl, "INSERT INTO tether_it_items VALUES (1, 3, 'old')"),
	})
	eng := NewEngine(m, schema.Catalog{}, Options{
		VersionColumn: "version",
		Strategies:    map[string]Strategy{"tether_it_items": VersionedUpsert},
	})
	ctx := context.Background()

	report, err := eng.Replicate(ctx, "tether_it_items")
	if err != nil {
		t.Fatalf("Replicate: %v", err)
	}
	if report.RowsRead != 2 || report.RowsApplied != 1 {
		t.Fatalf("report = %+v", report)
	}
	if v, name := targetRow(t, m, 1); v != 3 || name != "old" {
		t.Fatalf("older source version overwrote target: %d %q", v, name)
	}
	if _, name := targetRow(t, m, 2); name != "fresh" {
		t.Fatalf("missing row not inserted: %q", name)
	}

	report, err = eng.Replicate(ctx, "tether_it_items")
	if err != nil || report.RowsApplied != 0 {
		t.Fatalf("replay should apply nothing: %+v, %v", report, err)
	}
}

func TestIntegration_InsertIfAbsent(t *testing.T) {
	ddl := []string{
		"DROP TABLE IF EXISTS _inforg990001",
		"CREATE TABLE _inforg990001 (_period date NOT NULL, _fld1 text NOT NULL, UNIQUE (_period, _fld1))",
	}
	m := integrationManager(t, map[string][]string{
		"source": append(ddl, "INSERT INTO _inforg990001 VALUES ('2024-01-01', 'a'), ('2024-01-02', 'b')"),
		"target": append(ddl, "INSERT INTO _inforg990001 VALUES ('2024-01-01', 'a')"),
	})
	eng := NewEngine(m, schema.Catalog{}, Options{})

	report, err := eng.Replicate(context.Background(), "_inforg990001")
	if err != nil {
		t.Fatalf("Replicate: %v", err)
	}
	if report.Strategy != InsertIfAbsent || report.RowsApplied != 1 {
		t.Fatalf("report = %+v", report)
	}
}
