//go:build integration

package audit_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	audit "github.com/KuruwiC/prisma-audit-sub002"
	"github.com/KuruwiC/prisma-audit-sub002/internal/testutil"
)

func TestPostgresSinks(t *testing.T) {
	ctx := context.Background()
	tc, err := testutil.StartPostgres(ctx)
	require.NoError(t, err)
	t.Cleanup(tc.Terminate)

	t.Run("database url runs migrations", func(t *testing.T) {
		c := newClient(t, newDB(), users(),
			audit.WithDatabaseURL(tc.DSN),
			audit.WithAwaitWrite(true),
			audit.WithFetchBefore(true),
		)

		_, err := c.Update(ctx, "User", audit.Row{"id": "u1"}, audit.Row{"name": "Ann Lee"})
		require.NoError(t, err)
		_, err = c.Create(ctx, "Post", audit.Row{"title": "hello", "authorId": "u1"})
		require.NoError(t, err)

		check, err := c.VerifyAggregate(ctx, "User", "u1")
		require.NoError(t, err)
		assert.Equal(t, 2, check.Records)
		assert.True(t, check.OK())
		assert.NotEmpty(t, check.Root)
	})

	t.Run("caller pool", func(t *testing.T) {
		pool, err := pgxpool.New(ctx, tc.DSN)
		require.NoError(t, err)
		defer pool.Close()

		c := newClient(t, newDB(), users(),
			audit.WithPostgresSink(pool),
			audit.WithAwaitWrite(true),
		)
		u, err := c.Create(ctx, "User", audit.Row{"email": "bob@example.com", "name": "Bob"})
		require.NoError(t, err)
		require.NoError(t, c.Close(ctx))

		// Close leaves a caller's pool open.
		require.NoError(t, pool.Ping(ctx))

		check, err := c.VerifyAggregate(ctx, "User", fmt.Sprint(u["id"]))
		require.NoError(t, err)
		assert.Equal(t, 1, check.Records)
		assert.True(t, check.OK())
	})
}
