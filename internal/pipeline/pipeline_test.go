package pipeline_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KuruwiC/prisma-audit-sub002/internal/ctxutil"
	"github.com/KuruwiC/prisma-audit-sub002/internal/enrich"
	"github.com/KuruwiC/prisma-audit-sub002/internal/mapping"
	"github.com/KuruwiC/prisma-audit-sub002/internal/memclient"
	"github.com/KuruwiC/prisma-audit-sub002/internal/model"
	"github.com/KuruwiC/prisma-audit-sub002/internal/pipeline"
	"github.com/KuruwiC/prisma-audit-sub002/internal/telemetry"
	"github.com/KuruwiC/prisma-audit-sub002/internal/testutil"
	"github.com/KuruwiC/prisma-audit-sub002/internal/writer"
)

type env struct {
	p    *pipeline.Pipeline
	db   *memclient.Client
	sink *writer.MemorySink
	w    *writer.Writer
}

// setup builds a pipeline over the blog schema. Writes are awaited unless
// tweak changes the selector.
func setup(t *testing.T, m mapping.Mapping, tweak func(*pipeline.Config, *writer.Config)) *env {
	t.Helper()
	reg := testutil.BlogSchema()
	svc, err := mapping.Compile(m, mapping.Globals{}, reg.Has)
	require.NoError(t, err)

	db := memclient.New(reg)
	db.Seed("User", model.Row{"id": "u1", "email": "ann@example.com", "name": "Ann", "password": "hunter2"})
	sink := &writer.MemorySink{}

	wc := writer.Config{
		Sink:     sink,
		Base:     db,
		Selector: writer.Selector{Configs: svc, AwaitWrite: true},
		Logger:   testutil.TestLogger(),
	}
	pc := pipeline.Config{
		Client:  db,
		Schema:  reg,
		Configs: svc,
		Logger:  testutil.TestLogger(),
		Metrics: telemetry.NewAuditMetrics(),
	}
	if tweak != nil {
		tweak(&pc, &wc)
	}
	w := writer.New(wc)
	pc.Writer = w
	t.Cleanup(func() { _ = w.Close(context.Background()) })
	return &env{p: pipeline.New(pc), db: db, sink: sink, w: w}
}

func blogMapping() mapping.Mapping {
	return mapping.Mapping{
		"User": {
			RedactFields:  []string{"password"},
			ExcludeFields: []string{"updatedAt"},
		},
		"Post": {
			Roots: []mapping.Root{mapping.FieldRoot("User", "authorId")},
		},
		"Comment": {
			Roots: []mapping.Root{
				mapping.FieldRoot("Post", "postId"),
				mapping.LookupRoot("User", "Post", "postId", "authorId"),
			},
		},
		"Profile": {
			Roots: []mapping.Root{mapping.FieldRoot("User", "userId")},
		},
	}
}

func byType(recs []model.Record, typ string) []model.Record {
	var out []model.Record
	for _, r := range recs {
		if r.Entity.Type == typ {
			out = append(out, r)
		}
	}
	return out
}

func withFetchBefore(pc *pipeline.Config, _ *writer.Config) { pc.FetchBefore = true }

func TestCreateHasNoBefore(t *testing.T) {
	e := setup(t, blogMapping(), nil)

	res, err := e.p.Run(context.Background(), model.Operation{
		Kind:   model.OpCreate,
		Entity: "User",
		Data:   model.Row{"email": "bob@example.com", "name": "Bob"},
	})
	require.NoError(t, err)
	assert.Equal(t, model.WriteImmediate, res.Write.Kind)

	recs := e.sink.Records()
	require.Len(t, recs, 1)
	r := recs[0]
	assert.Equal(t, model.ActionCreate, r.Action)
	assert.Nil(t, r.Before)
	assert.Equal(t, "bob@example.com", r.After["email"])
	assert.Nil(t, r.Changes)
	assert.Equal(t, "User", r.Aggregate.Type)
	assert.Equal(t, r.Entity.ID, r.Aggregate.ID)
	assert.Equal(t, "system", r.Actor.ID)
}

func TestDeleteBeforeFollowsFetchBefore(t *testing.T) {
	t.Run("fetched", func(t *testing.T) {
		e := setup(t, blogMapping(), withFetchBefore)
		_, err := e.p.Run(context.Background(), model.Operation{
			Kind: model.OpDelete, Entity: "User", Where: model.Row{"id": "u1"},
		})
		require.NoError(t, err)

		recs := e.sink.Records()
		require.Len(t, recs, 1)
		assert.Equal(t, model.ActionDelete, recs[0].Action)
		assert.Nil(t, recs[0].After)
		assert.Equal(t, "Ann", recs[0].Before["name"])
		assert.Equal(t, "[REDACTED]", recs[0].Before["password"])
	})

	t.Run("not fetched", func(t *testing.T) {
		e := setup(t, blogMapping(), nil)
		_, err := e.p.Run(context.Background(), model.Operation{
			Kind: model.OpDelete, Entity: "User", Where: model.Row{"email": "ann@example.com"},
		})
		require.NoError(t, err)

		recs := e.sink.Records()
		require.Len(t, recs, 1)
		assert.Nil(t, recs[0].Before)
		assert.Nil(t, recs[0].After)
		assert.Equal(t, "u1", recs[0].Entity.ID)
	})
}

func TestUpsertResolvesByExistence(t *testing.T) {
	e := setup(t, blogMapping(), nil)
	ctx := context.Background()

	_, err := e.p.Run(ctx, model.Operation{
		Kind:   model.OpUpsert,
		Entity: "User",
		Where:  model.Row{"email": "ann@example.com"},
		Create: model.Row{"email": "ann@example.com", "name": "Ann"},
		Update: model.Row{"name": "Annie"},
	})
	require.NoError(t, err)
	_, err = e.p.Run(ctx, model.Operation{
		Kind:   model.OpUpsert,
		Entity: "User",
		Where:  model.Row{"email": "cat@example.com"},
		Create: model.Row{"email": "cat@example.com", "name": "Cat"},
		Update: model.Row{"name": "Kat"},
	})
	require.NoError(t, err)

	recs := e.sink.Records()
	require.Len(t, recs, 2)
	assert.Equal(t, model.ActionUpdate, recs[0].Action)
	assert.Equal(t, model.Change{Old: "Ann", New: "Annie"}, recs[0].Changes["name"])
	assert.Equal(t, model.ActionCreate, recs[1].Action)
	assert.Nil(t, recs[1].Before)
	assert.Equal(t, "Cat", recs[1].After["name"])
}

func TestNestedUpsertResolvesByExistence(t *testing.T) {
	e := setup(t, blogMapping(), nil)
	e.db.Seed("Post", model.Row{"id": "p1", "authorId": "u1", "title": "old"})

	_, err := e.p.Run(context.Background(), model.Operation{
		Kind:   model.OpUpdate,
		Entity: "User",
		Where:  model.Row{"id": "u1"},
		Data: model.Row{"posts": model.Row{"upsert": []any{
			model.Row{
				"where":  model.Row{"id": "p1"},
				"create": model.Row{"title": "unused"},
				"update": model.Row{"title": "new"},
			},
			model.Row{
				"where":  model.Row{"id": "p9"},
				"create": model.Row{"id": "p9", "title": "fresh"},
				"update": model.Row{"title": "unused"},
			},
		}}},
	})
	require.NoError(t, err)

	posts := byType(e.sink.Records(), "Post")
	require.Len(t, posts, 2)
	assert.Equal(t, model.ActionUpdate, posts[0].Action)
	assert.Equal(t, "p1", posts[0].Entity.ID)
	assert.Equal(t, model.Change{Old: "old", New: "new"}, posts[0].Changes["title"])
	assert.Equal(t, model.ActionCreate, posts[1].Action)
	assert.Equal(t, "p9", posts[1].Entity.ID)
	assert.Nil(t, posts[1].Before)
}

func TestUnchangedUpdateIsSuppressed(t *testing.T) {
	e := setup(t, blogMapping(), nil)
	ctx := context.Background()

	_, err := e.p.Run(ctx, model.Operation{
		Kind: model.OpUpdate, Entity: "User", Where: model.Row{"id": "u1"},
		Data: model.Row{"name": "Ann"},
	})
	require.NoError(t, err)
	_, err = e.p.Run(ctx, model.Operation{
		Kind: model.OpUpdate, Entity: "User", Where: model.Row{"id": "u1"},
		Data: model.Row{"updatedAt": "2026-01-01T00:00:00Z"},
	})
	require.NoError(t, err)

	assert.Empty(t, e.sink.Records())
}

func TestRedactedFieldsNeverUnmasked(t *testing.T) {
	e := setup(t, blogMapping(), withFetchBefore)

	_, err := e.p.Run(context.Background(), model.Operation{
		Kind: model.OpUpdate, Entity: "User", Where: model.Row{"id": "u1"},
		Data: model.Row{"password": "correct horse"},
	})
	require.NoError(t, err)

	recs := e.sink.Records()
	require.Len(t, recs, 1)
	r := recs[0]
	assert.Equal(t, "[REDACTED]", r.Before["password"])
	assert.Equal(t, "[REDACTED]", r.After["password"])
	assert.Equal(t, model.Change{Old: "[REDACTED]", New: "[REDACTED]"}, r.Changes["password"])
}

func TestFanOutSharesContextAndEnrichesRootsOnce(t *testing.T) {
	var mu sync.Mutex
	enriched := map[string]int{}
	agg := &enrich.Enricher{Batch: func(_ context.Context, _ model.Reader, items []enrich.Item) ([]map[string]any, error) {
		mu.Lock()
		defer mu.Unlock()
		out := make([]map[string]any, len(items))
		for i, it := range items {
			enriched[it.Ref.Key()]++
			out[i] = map[string]any{"label": it.Ref.Key()}
		}
		return out, nil
	}}
	m := blogMapping()
	post := m["Post"]
	post.Aggregates = map[string]*enrich.Enricher{"User": agg}
	m["Post"] = post
	comment := m["Comment"]
	comment.Aggregates = map[string]*enrich.Enricher{enrich.Wildcard: agg}
	m["Comment"] = comment

	e := setup(t, m, nil)
	ctx := ctxutil.WithActor(context.Background(), model.Ref{Category: "user", Type: "User", ID: "u1"})
	ctx = ctxutil.WithRequestContext(ctx, map[string]any{"requestId": "r-1"})

	res, err := e.p.Run(ctx, model.Operation{
		Kind:   model.OpCreate,
		Entity: "Post",
		Data: model.Row{
			"title":  "Hello",
			"author": model.Row{"connect": model.Row{"id": "u1"}},
			"comments": model.Row{"create": []any{
				model.Row{"body": "first"},
				model.Row{"body": "second"},
			}},
		},
	})
	require.NoError(t, err)

	recs := e.sink.Records()
	// One Post record with one root, two comments with two roots each.
	require.Len(t, recs, 1+2*2)
	assert.Len(t, byType(recs, "Post"), 1)
	assert.Len(t, byType(recs, "Comment"), 4)

	postID := res.Exec.First()["id"].(string)
	assert.Equal(t, map[string]int{"User:u1": 1, "Post:" + postID: 1}, enriched)

	for i, r := range recs {
		assert.Equal(t, "u1", r.Actor.ID)
		assert.Equal(t, map[string]any{"requestId": "r-1"}, r.RequestContext)
		assert.Equal(t, map[string]any{"label": r.Aggregate.Key()}, r.Aggregate.Context)
		assert.NotContains(t, r.After, "comments")
		if i > 0 {
			assert.False(t, r.CreatedAt.Before(recs[i-1].CreatedAt))
		}
	}
}

func TestConnectOrCreate(t *testing.T) {
	e := setup(t, blogMapping(), nil)
	e.db.Seed("Post", model.Row{"id": "p1", "authorId": "u1", "title": "kept"})

	_, err := e.p.Run(context.Background(), model.Operation{
		Kind:   model.OpUpdate,
		Entity: "User",
		Where:  model.Row{"id": "u1"},
		Data: model.Row{"posts": model.Row{"connectOrCreate": []any{
			model.Row{"where": model.Row{"id": "p1"}, "create": model.Row{"id": "p1", "title": "dup"}},
			model.Row{"where": model.Row{"id": "p2"}, "create": model.Row{"id": "p2", "title": "made"}},
		}}},
	})
	require.NoError(t, err)

	posts := byType(e.sink.Records(), "Post")
	require.Len(t, posts, 1)
	assert.Equal(t, model.ActionCreate, posts[0].Action)
	assert.Equal(t, "p2", posts[0].Entity.ID)
}

func TestUpdateManyAtMostOneRecordPerRow(t *testing.T) {
	e := setup(t, blogMapping(), nil)
	e.db.Seed("Post",
		model.Row{"id": "p1", "authorId": "u1", "status": "draft"},
		model.Row{"id": "p2", "authorId": "u1", "status": "draft"},
		model.Row{"id": "p3", "authorId": "u1", "status": "published"},
		model.Row{"id": "p4", "authorId": "u2", "status": "draft"},
	)

	res, err := e.p.Run(context.Background(), model.Operation{
		Kind:   model.OpUpdateMany,
		Entity: "Post",
		Where:  model.Row{"authorId": "u1"},
		Data:   model.Row{"status": "published"},
	})
	require.NoError(t, err)
	assert.EqualValues(t, 3, res.Exec.Count)

	recs := e.sink.Records()
	require.Len(t, recs, 2)
	for _, r := range recs {
		assert.Equal(t, model.ActionUpdate, r.Action)
		assert.Equal(t, model.Change{Old: "draft", New: "published"}, r.Changes["status"])
	}
}

func TestDeleteManyOneRecordPerRow(t *testing.T) {
	e := setup(t, blogMapping(), nil)
	e.db.Seed("Post",
		model.Row{"id": "p1", "authorId": "u1"},
		model.Row{"id": "p2", "authorId": "u1"},
	)

	_, err := e.p.Run(context.Background(), model.Operation{
		Kind: model.OpDeleteMany, Entity: "Post", Where: model.Row{"authorId": "u1"},
	})
	require.NoError(t, err)

	recs := e.sink.Records()
	require.Len(t, recs, 2)
	for _, r := range recs {
		assert.Equal(t, model.ActionDelete, r.Action)
		assert.Nil(t, r.After)
		assert.Equal(t, "u1", r.Before["authorId"])
	}
}

func TestNestedDeleteBeforeFollowsPolicy(t *testing.T) {
	run := func(t *testing.T, policy mapping.FetchPolicy) []model.Record {
		e := setup(t, blogMapping(), func(pc *pipeline.Config, _ *writer.Config) { pc.NestedFetch = policy })
		e.db.Seed("Post", model.Row{"id": "p1", "authorId": "u1", "title": "bye"})
		_, err := e.p.Run(context.Background(), model.Operation{
			Kind: model.OpUpdate, Entity: "User", Where: model.Row{"id": "u1"},
			Data: model.Row{"posts": model.Row{"delete": model.Row{"id": "p1"}}},
		})
		require.NoError(t, err)
		return byType(e.sink.Records(), "Post")
	}

	// Without a before state the author root cannot be resolved.
	assert.Empty(t, run(t, mapping.FetchPolicy{}))

	posts := run(t, mapping.FetchPolicy{Delete: true})
	require.Len(t, posts, 1)
	assert.Equal(t, model.ActionDelete, posts[0].Action)
	assert.Equal(t, "bye", posts[0].Before["title"])
}

func TestPrefetchFailureKeepsGoing(t *testing.T) {
	e := setup(t, blogMapping(), nil)
	e.db.Seed("Post", model.Row{"id": "p1", "authorId": "u1", "title": "old"})
	e.db.FailReads("Post", errors.New("connection reset"))

	_, err := e.p.Run(context.Background(), model.Operation{
		Kind:   model.OpUpdate,
		Entity: "User",
		Where:  model.Row{"id": "u1"},
		Data: model.Row{"posts": model.Row{"upsert": model.Row{
			"where":  model.Row{"id": "p1"},
			"create": model.Row{"title": "unused"},
			"update": model.Row{"title": "new"},
		}}},
	})
	require.NoError(t, err)

	posts := byType(e.sink.Records(), "Post")
	require.Len(t, posts, 1)
	assert.Equal(t, model.ActionUpdate, posts[0].Action)
	assert.Nil(t, posts[0].Before)
	assert.Nil(t, posts[0].Changes)
	assert.Equal(t, "new", posts[0].After["title"])
}

func TestSkipAndUnmappedStillWrite(t *testing.T) {
	e := setup(t, blogMapping(), nil)

	res, err := e.p.Run(ctxutil.WithSkip(context.Background()), model.Operation{
		Kind: model.OpCreate, Entity: "User", Data: model.Row{"email": "skip@example.com"},
	})
	require.NoError(t, err)
	assert.Equal(t, model.WriteSkipped, res.Write.Kind)
	assert.Equal(t, pipeline.SkipRequested, res.Write.Reason)

	res, err = e.p.Run(context.Background(), model.Operation{
		Kind: model.OpCreate, Entity: "Org", Data: model.Row{"name": "Acme"},
	})
	require.NoError(t, err)
	assert.Equal(t, pipeline.SkipUnmapped, res.Write.Reason)

	assert.Len(t, e.db.Rows("User"), 2)
	assert.Len(t, e.db.Rows("Org"), 1)
	assert.Empty(t, e.sink.Records())
}

func TestFailedWriteProducesNoRecords(t *testing.T) {
	e := setup(t, blogMapping(), nil)

	_, err := e.p.Run(context.Background(), model.Operation{
		Kind: model.OpCreate, Entity: "User", Data: model.Row{"id": "u1", "email": "dup@example.com"},
	})
	require.ErrorIs(t, err, memclient.ErrUniqueViolation)
	assert.Empty(t, e.sink.Records())
}

func TestEnrichmentFailureEscalates(t *testing.T) {
	m := blogMapping()
	user := m["User"]
	user.Entity = &enrich.Enricher{
		One: func(context.Context, model.Reader, enrich.Item) (map[string]any, error) {
			return nil, errors.New("directory down")
		},
		OnError: enrich.Fail(),
	}
	m["User"] = user
	e := setup(t, m, nil)

	_, err := e.p.Run(context.Background(), model.Operation{
		Kind: model.OpCreate, Entity: "User", Data: model.Row{"email": "x@example.com"},
	})
	require.ErrorIs(t, err, model.ErrEnrichmentFailed)
	assert.Empty(t, e.sink.Records())
}

type dropAll struct{ after int }

func (h *dropAll) BeforePersist(context.Context, []model.Record) ([]model.Record, error) {
	return nil, nil
}

func (h *dropAll) AfterPersist(context.Context, []model.Record, model.WriteResult) error {
	h.after++
	return nil
}

type counting struct {
	seen  int
	after []model.WriteKind
}

func (h *counting) BeforePersist(_ context.Context, recs []model.Record) ([]model.Record, error) {
	h.seen += len(recs)
	return recs, nil
}

func (h *counting) AfterPersist(_ context.Context, _ []model.Record, res model.WriteResult) error {
	h.after = append(h.after, res.Kind)
	return errors.New("ignored")
}

func TestHooks(t *testing.T) {
	t.Run("filter everything", func(t *testing.T) {
		h := &dropAll{}
		e := setup(t, blogMapping(), func(pc *pipeline.Config, _ *writer.Config) { pc.Hooks = []pipeline.Hook{h} })
		res, err := e.p.Run(context.Background(), model.Operation{
			Kind: model.OpCreate, Entity: "User", Data: model.Row{"email": "h@example.com"},
		})
		require.NoError(t, err)
		assert.Equal(t, model.WriteSkipped, res.Write.Kind)
		assert.Equal(t, pipeline.SkipFiltered, res.Write.Reason)
		assert.Zero(t, h.after)
		assert.Empty(t, e.sink.Records())
	})

	t.Run("observe", func(t *testing.T) {
		h := &counting{}
		e := setup(t, blogMapping(), func(pc *pipeline.Config, _ *writer.Config) { pc.Hooks = []pipeline.Hook{h} })
		_, err := e.p.Run(context.Background(), model.Operation{
			Kind: model.OpCreate, Entity: "User", Data: model.Row{"email": "h@example.com"},
		})
		require.NoError(t, err)
		assert.Equal(t, 1, h.seen)
		assert.Equal(t, []model.WriteKind{model.WriteImmediate}, h.after)
		assert.Len(t, e.sink.Records(), 1)
	})
}

func nonBlocking(_ *pipeline.Config, wc *writer.Config) { wc.Selector.AwaitWrite = false }

func TestTransactionRollbackPersistsNothing(t *testing.T) {
	e := setup(t, blogMapping(), nonBlocking)
	boom := errors.New("boom")

	err := e.p.Transaction(context.Background(), func(ctx context.Context) error {
		res, err := e.p.Run(ctx, model.Operation{
			Kind: model.OpCreate, Entity: "User", Data: model.Row{"email": "tx@example.com"},
		})
		require.NoError(t, err)
		assert.Equal(t, model.WriteDeferred, res.Write.Kind)
		return boom
	})
	require.ErrorIs(t, err, boom)
	require.NoError(t, e.w.Drain(context.Background()))

	assert.Len(t, e.db.Rows("User"), 1)
	assert.Empty(t, e.sink.Records())
}

func TestTransactionCommitFlushesDeferred(t *testing.T) {
	e := setup(t, blogMapping(), nonBlocking)

	err := e.p.Transaction(context.Background(), func(ctx context.Context) error {
		if _, err := e.p.Run(ctx, model.Operation{
			Kind: model.OpCreate, Entity: "User", Data: model.Row{"email": "tx@example.com"},
		}); err != nil {
			return err
		}
		// Reads inside the callback see the uncommitted row.
		_, err := e.p.Run(ctx, model.Operation{
			Kind: model.OpUpdate, Entity: "User", Where: model.Row{"email": "tx@example.com"},
			Data: model.Row{"name": "Tx"},
		})
		if err != nil {
			return err
		}
		assert.Empty(t, e.sink.Records())
		return nil
	})
	require.NoError(t, err)

	recs := e.sink.Records()
	require.Len(t, recs, 2)
	assert.Equal(t, model.ActionCreate, recs[0].Action)
	assert.Equal(t, model.ActionUpdate, recs[1].Action)
}

func TestFireAndForgetOutsideTransaction(t *testing.T) {
	e := setup(t, blogMapping(), nonBlocking)

	res, err := e.p.Run(context.Background(), model.Operation{
		Kind: model.OpCreate, Entity: "User", Data: model.Row{"email": "ff@example.com"},
	})
	require.NoError(t, err)
	assert.Equal(t, model.WriteImmediate, res.Write.Kind)

	require.NoError(t, e.w.Drain(context.Background()))
	assert.Len(t, e.sink.Records(), 1)
}
