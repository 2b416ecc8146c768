package schema

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/oriys/tether/internal/cache"
	"github.com/oriys/tether/internal/db"
	"github.com/oriys/tether/internal/logging"
)

// Resolver resolves descriptors for the tables a handle touches. Engines
// build one per handle so each table is read from the catalog at most once
// while the handle is open.
type Resolver interface {
	Resolve(ctx context.Context, h *db.Handle, name string) (*Table, error)
}

// Catalog always reads from the database catalog.
type Catalog struct{}

func (Catalog) Resolve(ctx context.Context, h *db.Handle, name string) (*Table, error) {
	return Resolve(ctx, h, name)
}

// Cached keeps descriptors in a cache.Cache across handles, keyed by
// database id and qualified table name. Cache failures fall back to the
// catalog.
type Cached struct {
	cache cache.Cache
	ttl   time.Duration
}

// NewCached wraps c. A zero ttl stores entries without expiry.
func NewCached(c cache.Cache, ttl time.Duration) *Cached {
	return &Cached{cache: c, ttl: ttl}
}

func cacheKey(databaseID, name string) string {
	s, t := SplitName(name)
	return "schema:" + databaseID + ":" + s + "." + t
}

func (c *Cached) Resolve(ctx context.Context, h *db.Handle, name string) (*Table, error) {
	key := cacheKey(h.DatabaseID(), name)

	data, err := c.cache.Get(ctx, key)
	if err == nil {
		var t Table
		if jerr := json.Unmarshal(data, &t); jerr == nil {
			return &t, nil
		}
		_ = c.cache.Delete(ctx, key)
	} else if !errors.Is(err, cache.ErrNotFound) {
		logging.Op().Warn("schema cache read failed", "key", key, "error", err)
	}

	t, err := Resolve(ctx, h, name)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(t); err == nil {
		if err := c.cache.Set(ctx, key, data, c.ttl); err != nil {
			logging.Op().Warn("schema cache write failed", "key", key, "error", err)
		}
	}
	return t, nil
}

// Invalidate drops the cached descriptor of name in databaseID.
func (c *Cached) Invalidate(ctx context.Context, databaseID, name string) error {
	return c.cache.Delete(ctx, cacheKey(databaseID, name))
}

// Memo memoizes descriptors for the lifetime of a single handle.
type Memo struct {
	resolver Resolver
	handle   *db.Handle
	tables   map[string]*Table
}

// NewMemo returns a per-handle memo backed by r. A nil r reads the catalog.
func NewMemo(r Resolver, h *db.Handle) *Memo {
	if r == nil {
		r = Catalog{}
	}
	return &Memo{resolver: r, handle: h, tables: make(map[string]*Table)}
}

// Table returns the descriptor of name, resolving it on first use.
func (m *Memo) Table(ctx context.Context, name string) (*Table, error) {
	if t, ok := m.tables[name]; ok {
		return t, nil
	}
	t, err := m.resolver.Resolve(ctx, m.handle, name)
	if err != nil {
		return nil, err
	}
	m.tables[name] = t
	return t, nil
}
