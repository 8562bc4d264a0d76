// Package ctxutil provides the context accessors that carry ambient audit
// state through a call: the actor, the request context, the skip flag and
// the open transaction scope. Nothing here is process-wide.
package ctxutil

import (
	"context"

	"github.com/KuruwiC/prisma-audit-sub002/internal/model"
)

type contextKey string

const (
	keyActor   contextKey = "actor"
	keyRequest contextKey = "request_context"
	keySkip    contextKey = "skip"
	keyScope   contextKey = "tx_scope"
)

// WithActor returns a new context carrying the acting principal.
func WithActor(ctx context.Context, actor model.Ref) context.Context {
	return context.WithValue(ctx, keyActor, actor)
}

// ActorFromContext extracts the actor from the context.
func ActorFromContext(ctx context.Context) (model.Ref, bool) {
	v, ok := ctx.Value(keyActor).(model.Ref)
	return v, ok
}

// WithRequestContext returns a new context carrying free-form request
// metadata (ip, user agent, request id, ...).
func WithRequestContext(ctx context.Context, rc map[string]any) context.Context {
	return context.WithValue(ctx, keyRequest, rc)
}

// RequestContextFromContext extracts the request metadata from the context.
func RequestContextFromContext(ctx context.Context) map[string]any {
	if v, ok := ctx.Value(keyRequest).(map[string]any); ok {
		return v
	}
	return nil
}

// WithSkip marks the context so that writes issued with it are not audited.
func WithSkip(ctx context.Context) context.Context {
	return context.WithValue(ctx, keySkip, true)
}

// SkipFromContext reports whether auditing is disabled for this call.
func SkipFromContext(ctx context.Context) bool {
	v, _ := ctx.Value(keySkip).(bool)
	return v
}

// WithScope attaches an open transaction scope.
func WithScope(ctx context.Context, s *TxScope) context.Context {
	return context.WithValue(ctx, keyScope, s)
}

// ScopeFromContext returns the open transaction scope, or nil outside a
// transaction.
func ScopeFromContext(ctx context.Context) *TxScope {
	if v, ok := ctx.Value(keyScope).(*TxScope); ok {
		return v
	}
	return nil
}
