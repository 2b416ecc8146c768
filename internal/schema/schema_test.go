package schema

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/oriys/tether/internal/cache"
	"github.com/oriys/tether/internal/db"
	"github.com/oriys/tether/internal/db/dbtest"
)

// catalogFake answers catalog queries from a table -> (columns, pk) map.
func catalogFake(tables map[string][2][]string) *dbtest.Fake {
	return &dbtest.Fake{
		Query: func(_ string, sql string, args []any) (*dbtest.ResultSet, error) {
			name := args[0].(string) + "." + args[1].(string)
			def, ok := tables[name]
			var names []string
			switch {
			case strings.Contains(sql, "information_schema.columns"):
				if ok {
					names = def[0]
				}
			case strings.Contains(sql, "pg_index"):
				if ok {
					names = def[1]
				}
			}
			rs := &dbtest.ResultSet{Columns: []string{"name"}}
			for _, n := range names {
				rs.Rows = append(rs.Rows, []any{n})
			}
			return rs, nil
		},
	}
}

func withHandle(t *testing.T, f *dbtest.Fake, fn func(ctx context.Context, h *db.Handle) error) {
	t.Helper()
	m := db.NewManager(f.Opener())
	if err := m.WithHandle(context.Background(), "target", nil, fn); err != nil {
		t.Fatalf("WithHandle: %v", err)
	}
}

func TestResolve(t *testing.T) {
	f := catalogFake(map[string][2][]string{
		"public.drivers_place_table": {{"id", "car", "driver", "_date"}, {"id"}},
		"ref.pairs":                  {{"a", "b", "note"}, {"b", "a"}},
		"public.log":                 {{"msg"}, nil},
	})

	withHandle(t, f, func(ctx context.Context, h *db.Handle) error {
		tbl, err := Resolve(ctx, h, "drivers_place_table")
		if err != nil {
			t.Fatalf("Resolve: %v", err)
		}
		if tbl.Schema != "public" || tbl.Name != "drivers_place_table" {
			t.Fatalf("unexpected name %s", tbl.QualifiedName())
		}
		if strings.Join(tbl.Columns, ",") != "id,car,driver,_date" {
			t.Fatalf("columns = %v", tbl.Columns)
		}
		if strings.Join(tbl.PrimaryKey, ",") != "id" {
			t.Fatalf("pk = %v", tbl.PrimaryKey)
		}
		if !tbl.HasColumn("_date") || tbl.HasColumn("missing") {
			t.Fatal("HasColumn mismatch")
		}

		tbl, err = Resolve(ctx, h, "ref.pairs")
		if err != nil {
			t.Fatalf("Resolve qualified: %v", err)
		}
		if strings.Join(tbl.PrimaryKey, ",") != "b,a" {
			t.Fatalf("composite pk should keep key order, got %v", tbl.PrimaryKey)
		}

		tbl, err = Resolve(ctx, h, "log")
		if err != nil {
			t.Fatalf("Resolve keyless: %v", err)
		}
		if len(tbl.PrimaryKey) != 0 {
			t.Fatalf("expected empty pk, got %v", tbl.PrimaryKey)
		}
		return nil
	})
}

func TestResolve_NotFound(t *testing.T) {
	f := catalogFake(nil)
	withHandle(t, f, func(ctx context.Context, h *db.Handle) error {
		_, err := Resolve(ctx, h, "no_such_table")
		if !errors.Is(err, ErrSchemaNotFound) {
			t.Fatalf("expected ErrSchemaNotFound, got %v", err)
		}
		return nil
	})
	// The primary key query is skipped once the columns are known to be missing.
	if n := len(f.Statements("target")); n != 5 {
		t.Fatalf("expected OPEN, BEGIN, one catalog query, COMMIT, CLOSE; got %v", f.Statements("target"))
	}
}

func TestMemo_ResolvesOnce(t *testing.T) {
	f := catalogFake(map[string][2][]string{"public.runs": {{"id", "waybill"}, {"id"}}})
	withHandle(t, f, func(ctx context.Context, h *db.Handle) error {
		m := NewMemo(nil, h)
		for i := 0; i < 3; i++ {
			if _, err := m.Table(ctx, "runs"); err != nil {
				t.Fatalf("Table: %v", err)
			}
		}
		return nil
	})
	if n := f.Count("target", "\n\tSELECT column_name"); n != 1 {
		t.Fatalf("columns query ran %d times, want 1", n)
	}
}

func TestCached_SharesAcrossHandles(t *testing.T) {
	f := catalogFake(map[string][2][]string{"public.runs": {{"id", "waybill"}, {"id"}}})
	c := NewCached(cache.NewMemoryCache(), 0)

	for i := 0; i < 2; i++ {
		withHandle(t, f, func(ctx context.Context, h *db.Handle) error {
			tbl, err := c.Resolve(ctx, h, "runs")
			if err != nil {
				t.Fatalf("Resolve: %v", err)
			}
			if strings.Join(tbl.Columns, ",") != "id,waybill" {
				t.Fatalf("columns = %v", tbl.Columns)
			}
			return nil
		})
	}
	if n := f.Count("target", "\n\tSELECT column_name"); n != 1 {
		t.Fatalf("catalog read %d times, want 1", n)
	}

	if err := c.Invalidate(context.Background(), "target", "public.runs"); err != nil {
		t.Fatal(err)
	}
	withHandle(t, f, func(ctx context.Context, h *db.Handle) error {
		_, err := c.Resolve(ctx, h, "runs")
		return err
	})
	if n := f.Count("target", "\n\tSELECT column_name"); n != 2 {
		t.Fatalf("catalog read %d times after invalidate, want 2", n)
	}
}

func TestCached_DoesNotCacheMisses(t *testing.T) {
	f := catalogFake(nil)
	mem := cache.NewMemoryCache()
	c := NewCached(mem, 0)
	withHandle(t, f, func(ctx context.Context, h *db.Handle) error {
		if _, err := c.Resolve(ctx, h, "ghost"); !errors.Is(err, ErrSchemaNotFound) {
			t.Fatalf("expected ErrSchemaNotFound, got %v", err)
		}
		return nil
	})
	if mem.Len() != 0 {
		t.Fatalf("missing table should not be cached, cache has %d entries", mem.Len())
	}
}

func TestResolve_InvalidName(t *testing.T) {
	f := catalogFake(map[string][2][]string{"public.runs": {{"id"}, {"id"}}})
	withHandle(t, f, func(ctx context.Context, h *db.Handle) error {
		for _, name := range []string{"a.b.c", "public.runs.x", ".runs", "public.", ""} {
			if _, err := Resolve(ctx, h, name); !errors.Is(err, ErrInvalidName) {
				t.Fatalf("Resolve(%q): expected ErrInvalidName, got %v", name, err)
			}
		}
		return nil
	})
	if n := f.Count("target", "\n\tSELECT"); n != 0 {
		t.Fatalf("invalid names must not reach the catalog, %d queries ran", n)
	}
}

func TestValidName(t *testing.T) {
	for name, want := range map[string]bool{
		"runs": true, "public.runs": true, "a.b.c": false, "runs.": false, " ": false,
	} {
		if got := ValidName(name); got != want {
			t.Errorf("ValidName(%q) = %v, want %v", name, got, want)
		}
	}
}
