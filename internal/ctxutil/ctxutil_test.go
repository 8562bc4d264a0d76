package ctxutil

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/KuruwiC/prisma-audit-sub002/internal/model"
)

func TestAccessors(t *testing.T) {
	ctx := context.Background()
	_, ok := ActorFromContext(ctx)
	assert.False(t, ok)
	assert.Nil(t, RequestContextFromContext(ctx))
	assert.False(t, SkipFromContext(ctx))
	assert.Nil(t, ScopeFromContext(ctx))

	actor := model.Ref{Category: "user", Type: "User", ID: "u1"}
	ctx = WithActor(ctx, actor)
	ctx = WithRequestContext(ctx, map[string]any{"ip": "10.0.0.1"})
	ctx = WithSkip(ctx)

	got, ok := ActorFromContext(ctx)
	assert.True(t, ok)
	assert.Equal(t, actor, got)
	assert.Equal(t, "10.0.0.1", RequestContextFromContext(ctx)["ip"])
	assert.True(t, SkipFromContext(ctx))
}

func TestTxScopeFlushRunsInOrder(t *testing.T) {
	s := NewTxScope(nil)
	var order []int
	assert.True(t, s.Enqueue(func(context.Context) error { order = append(order, 1); return nil }))
	assert.True(t, s.Enqueue(func(context.Context) error { order = append(order, 2); return nil }))
	assert.Equal(t, 2, s.Pending())

	assert.NoError(t, s.Flush(context.Background()))
	assert.Equal(t, []int{1, 2}, order)
	assert.False(t, s.Enqueue(func(context.Context) error { return nil }), "flushed scope accepts no more work")
}

func TestTxScopeFlushJoinsErrors(t *testing.T) {
	s := NewTxScope(nil)
	first, second := errors.New("first"), errors.New("second")
	ran := 0
	s.Enqueue(func(context.Context) error { ran++; return first })
	s.Enqueue(func(context.Context) error { ran++; return nil })
	s.Enqueue(func(context.Context) error { ran++; return second })

	err := s.Flush(context.Background())
	assert.Equal(t, 3, ran, "a failed write does not stop the rest")
	assert.ErrorIs(t, err, first)
	assert.ErrorIs(t, err, second)
}

func TestTxScopeDiscard(t *testing.T) {
	s := NewTxScope(nil)
	ran := false
	s.Enqueue(func(context.Context) error { ran = true; return nil })
	s.Discard()
	assert.NoError(t, s.Flush(context.Background()))
	assert.False(t, ran)
	assert.Equal(t, 0, s.Pending())
}
