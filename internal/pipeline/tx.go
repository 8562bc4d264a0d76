package pipeline

import (
	"context"

	"github.com/KuruwiC/prisma-audit-sub002/internal/ctxutil"
	"github.com/KuruwiC/prisma-audit-sub002/internal/model"
)

// Transaction runs fn inside a data client transaction. Calls made with the
// ctx passed to fn use the transaction handle; audit writes that are not
// awaited are queued and run after commit, or dropped on rollback. Awaited
// writes to a sink that cannot join the transaction are queued too, run
// right after commit, and their failures are returned. A nested call joins
// the open transaction.
func (p *Pipeline) Transaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctxutil.ScopeFromContext(ctx) != nil {
		return fn(ctx)
	}

	var scope *ctxutil.TxScope
	err := p.client.Transaction(ctx, func(ctx context.Context, tx model.DataClient) error {
		scope = ctxutil.NewTxScope(tx)
		return fn(ctxutil.WithScope(ctx, scope))
	})
	if scope == nil {
		return err
	}
	if err != nil {
		if n := scope.Pending(); n > 0 {
			p.logger.Debug("pipeline: transaction rolled back, audit writes dropped", "pending", n)
		}
		scope.Discard()
		return err
	}
	return scope.Flush(ctx)
}
