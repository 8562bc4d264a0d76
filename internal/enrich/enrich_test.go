package enrich

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KuruwiC/prisma-audit-sub002/internal/model"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func ref(typ, id string) model.Ref { return model.Ref{Category: "model", Type: typ, ID: id} }

func TestApplyStrategies(t *testing.T) {
	boom := errors.New("boom")
	failing := func(context.Context, model.Reader, Item) (map[string]any, error) { return nil, boom }
	ctx := context.Background()
	item := Item{Ref: ref("User", "u1")}

	t.Run("log", func(t *testing.T) {
		e := &Enricher{One: failing}
		v, err := e.Apply(ctx, discard, nil, "entity", item)
		require.NoError(t, err)
		assert.Nil(t, v)
	})

	t.Run("fail", func(t *testing.T) {
		e := &Enricher{One: failing, OnError: Fail()}
		_, err := e.Apply(ctx, discard, nil, "entity", item)
		require.Error(t, err)
		assert.True(t, errors.Is(err, model.ErrEnrichmentFailed))
		assert.True(t, errors.Is(err, boom))
	})

	t.Run("fallback", func(t *testing.T) {
		e := &Enricher{One: failing, OnError: Fallback(map[string]any{"name": "unknown"})}
		v, err := e.Apply(ctx, discard, nil, "entity", item)
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"name": "unknown"}, v)
	})

	t.Run("unconfigured", func(t *testing.T) {
		var e *Enricher
		v, err := e.Apply(ctx, discard, nil, "entity", item)
		require.NoError(t, err)
		assert.Nil(t, v)
	})
}

func TestApplyBatchLengthMismatch(t *testing.T) {
	e := &Enricher{
		Batch: func(context.Context, model.Reader, []Item) ([]map[string]any, error) {
			return []map[string]any{{"a": 1}}, nil
		},
		OnError: Fail(),
	}
	_, err := e.ApplyBatch(context.Background(), discard, nil, "entity", []Item{{Ref: ref("A", "1")}, {Ref: ref("A", "2")}})
	require.ErrorIs(t, err, model.ErrEnrichmentFailed)
}

func TestForRootWildcard(t *testing.T) {
	specific := &Enricher{}
	wild := &Enricher{}
	byType := map[string]*Enricher{"User": specific, Wildcard: wild}
	assert.Same(t, specific, ForRoot(byType, "User"))
	assert.Same(t, wild, ForRoot(byType, "Org"))
	assert.Nil(t, ForRoot(map[string]*Enricher{}, "Org"))
}

func TestCacheGetDeduplicatesConcurrentCalls(t *testing.T) {
	c := NewCache()
	var calls atomic.Int32
	release := make(chan struct{})

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := c.Get(context.Background(), "User:u1", func(context.Context) (map[string]any, error) {
				calls.Add(1)
				<-release
				return map[string]any{"name": "Ann"}, nil
			})
			assert.NoError(t, err)
			assert.Equal(t, map[string]any{"name": "Ann"}, v)
		}()
	}
	close(release)
	wg.Wait()

	// Late callers may miss the in-flight call but must then hit the cache.
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, 1, c.Misses())
}

func TestCacheAggregatesEnrichesSharedRootOnce(t *testing.T) {
	var calls atomic.Int32
	byType := map[string]*Enricher{
		"User": {One: func(_ context.Context, _ model.Reader, it Item) (map[string]any, error) {
			calls.Add(1)
			return map[string]any{"id": it.Ref.ID}, nil
		}},
	}
	c := NewCache()
	refs := []model.Ref{ref("User", "u1"), ref("User", "u1"), ref("User", "u2")}

	require.NoError(t, c.Aggregates(context.Background(), discard, nil, byType, refs))
	require.NoError(t, c.Aggregates(context.Background(), discard, nil, byType, refs))

	assert.Equal(t, int32(2), calls.Load())
	v, ok := c.Lookup("User:u1")
	require.True(t, ok)
	assert.Equal(t, map[string]any{"id": "u1"}, v)
}

func TestCacheAggregatesBatchesPerType(t *testing.T) {
	var batches atomic.Int32
	byType := map[string]*Enricher{
		Wildcard: {Batch: func(_ context.Context, _ model.Reader, items []Item) ([]map[string]any, error) {
			batches.Add(1)
			out := make([]map[string]any, len(items))
			for i, it := range items {
				out[i] = map[string]any{"type": it.Ref.Type}
			}
			return out, nil
		}},
	}
	c := NewCache()
	refs := []model.Ref{ref("User", "u1"), ref("User", "u2"), ref("Org", "o1")}

	require.NoError(t, c.Aggregates(context.Background(), discard, nil, byType, refs))
	assert.Equal(t, int32(2), batches.Load())
	v, _ := c.Lookup("Org:o1")
	assert.Equal(t, map[string]any{"type": "Org"}, v)
}

func TestCacheAggregatesUnconfiguredStoresNull(t *testing.T) {
	c := NewCache()
	require.NoError(t, c.Aggregates(context.Background(), discard, nil, nil, []model.Ref{ref("User", "u1")}))
	v, ok := c.Lookup("User:u1")
	assert.True(t, ok)
	assert.Nil(t, v)
}
