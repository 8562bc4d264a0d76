package audit

import (
	"context"

	"github.com/KuruwiC/prisma-audit-sub002/internal/ctxutil"
)

// WithActor attributes every write issued with ctx to actor. Calls without an
// actor are attributed to SystemActor.
func WithActor(ctx context.Context, actor Ref) context.Context {
	return ctxutil.WithActor(ctx, actor)
}

// ActorFrom returns the actor carried by ctx.
func ActorFrom(ctx context.Context) (Ref, bool) {
	return ctxutil.ActorFromContext(ctx)
}

// WithRequestContext attaches request metadata copied onto every record.
func WithRequestContext(ctx context.Context, rc map[string]any) context.Context {
	return ctxutil.WithRequestContext(ctx, rc)
}

// WithSkip disables auditing for writes issued with ctx. The writes still run.
func WithSkip(ctx context.Context) context.Context {
	return ctxutil.WithSkip(ctx)
}

// InTransaction reports whether ctx belongs to a Client.Transaction callback.
func InTransaction(ctx context.Context) bool {
	return ctxutil.ScopeFromContext(ctx) != nil
}
