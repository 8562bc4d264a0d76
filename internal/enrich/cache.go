package enrich

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/KuruwiC/prisma-audit-sub002/internal/model"
)

// Cache memoizes aggregate contexts for one top-level call, keyed by
// "{type}:{id}". Concurrent lookups of the same key share one enrichment.
// A Cache must not outlive its call.
type Cache struct {
	mu     sync.RWMutex
	values map[string]map[string]any
	group  singleflight.Group
	misses int
}

// NewCache returns an empty per-call cache.
func NewCache() *Cache {
	return &Cache{values: make(map[string]map[string]any)}
}

// Lookup returns the cached context for key.
func (c *Cache) Lookup(key string) (map[string]any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.values[key]
	return v, ok
}

// Store records ctxVal under key.
func (c *Cache) Store(key string, ctxVal map[string]any) {
	c.mu.Lock()
	c.values[key] = ctxVal
	c.mu.Unlock()
}

// Misses returns how many keys were computed rather than served from cache.
func (c *Cache) Misses() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.misses
}

// Get returns the cached context for key or computes it once with fn.
func (c *Cache) Get(ctx context.Context, key string, fn func(context.Context) (map[string]any, error)) (map[string]any, error) {
	if v, ok := c.Lookup(key); ok {
		return v, nil
	}
	v, err, _ := c.group.Do(key, func() (any, error) {
		if v, ok := c.Lookup(key); ok {
			return v, nil
		}
		res, err := fn(ctx)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.values[key] = res
		c.misses++
		c.mu.Unlock()
		return res, nil
	})
	if err != nil {
		return nil, err
	}
	m, _ := v.(map[string]any)
	return m, nil
}

// Aggregates fills the cache for every distinct root in refs. Roots of a type
// whose enricher has a batched form are enriched in one call per type; the
// rest go through Get one at a time.
func (c *Cache) Aggregates(ctx context.Context, logger *slog.Logger, db model.Reader, byType map[string]*Enricher, refs []model.Ref) error {
	pending := make(map[string][]Item)
	seen := make(map[string]struct{})
	for _, ref := range refs {
		key := ref.Key()
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		if _, ok := c.Lookup(key); ok {
			continue
		}
		e := ForRoot(byType, ref.Type)
		if !e.Configured() {
			c.Store(key, nil)
			continue
		}
		if e.Batch != nil {
			pending[ref.Type] = append(pending[ref.Type], Item{Ref: ref})
			continue
		}
		item := Item{Ref: ref}
		if _, err := c.Get(ctx, key, func(ctx context.Context) (map[string]any, error) {
			return e.Apply(ctx, logger, db, "aggregate", item)
		}); err != nil {
			return err
		}
	}
	for typ, items := range pending {
		e := ForRoot(byType, typ)
		res, err := e.ApplyBatch(ctx, logger, db, "aggregate", items)
		if err != nil {
			return err
		}
		c.mu.Lock()
		for i, it := range items {
			c.values[it.Ref.Key()] = res[i]
			c.misses++
		}
		c.mu.Unlock()
	}
	return nil
}
