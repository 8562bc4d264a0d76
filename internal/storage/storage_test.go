//go:build integration

package storage_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KuruwiC/prisma-audit-sub002/internal/model"
	"github.com/KuruwiC/prisma-audit-sub002/internal/storage"
	"github.com/KuruwiC/prisma-audit-sub002/internal/testutil"
	"github.com/KuruwiC/prisma-audit-sub002/migrations"
)

// testDB is shared by every test in this package.
var testDB *storage.DB

func TestMain(m *testing.M) {
	tc := testutil.MustStartPostgres()

	db, err := tc.NewTestDB(context.Background(), testutil.TestLogger())
	if err != nil {
		fmt.Fprintf(os.Stderr, "storage_test: %v\n", err)
		tc.Terminate()
		os.Exit(1)
	}
	testDB = db

	code := m.Run()
	db.Close()
	tc.Terminate()
	os.Exit(code)
}

func record(aggID string, at time.Time) model.Record {
	return model.Record{
		ID:        uuid.New(),
		Actor:     model.Ref{Category: "user", Type: "User", ID: "u1", Context: map[string]any{"name": "Ann"}},
		Entity:    model.Ref{Category: "model", Type: "Post", ID: uuid.NewString()},
		Aggregate: model.Ref{Category: "model", Type: "User", ID: aggID},
		Action:    model.ActionUpdate,
		Before:    model.Row{"title": "a"},
		After:     model.Row{"title": "b"},
		Changes:   map[string]model.Change{"title": {Old: "a", New: "b"}},
		CreatedAt: at,
	}
}

func TestMigrationsAreIdempotent(t *testing.T) {
	require.NoError(t, testDB.RunMigrations(context.Background(), migrations.FS))
}

func TestInsertAndListByAggregate(t *testing.T) {
	ctx := context.Background()
	agg := uuid.NewString()
	base := time.Now().UTC().Truncate(time.Microsecond)

	recs := []model.Record{record(agg, base), record(agg, base.Add(time.Millisecond))}
	n, err := testDB.InsertAuditRecords(ctx, recs)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	got, err := testDB.ListByAggregate(ctx, "User", agg, 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, recs[0].ID, got[0].ID)
	assert.Equal(t, model.ActionUpdate, got[0].Action)
	assert.Equal(t, "b", got[0].After["title"])
	assert.Equal(t, model.Change{Old: "a", New: "b"}, got[0].Changes["title"])
	assert.Equal(t, "Ann", got[0].Actor.Context["name"])
	assert.Nil(t, got[0].RequestContext)
	assert.True(t, recs[0].CreatedAt.Equal(got[0].CreatedAt))
}

func TestInsertLargeBatchUsesCopy(t *testing.T) {
	ctx := context.Background()
	agg := uuid.NewString()
	var recs []model.Record
	for i := 0; i < 20; i++ {
		recs = append(recs, record(agg, time.Now().UTC()))
	}
	n, err := testDB.InsertAuditRecords(ctx, recs)
	require.NoError(t, err)
	assert.EqualValues(t, 20, n)

	got, err := testDB.ListByAggregate(ctx, "User", agg, 5)
	require.NoError(t, err)
	assert.Len(t, got, 5)
}

func TestInsertJoinsTransaction(t *testing.T) {
	ctx := context.Background()
	agg := uuid.NewString()

	err := testDB.InTx(ctx, func(ctx context.Context) error {
		if _, err := testDB.InsertAuditRecords(ctx, []model.Record{record(agg, time.Now().UTC())}); err != nil {
			return err
		}
		return fmt.Errorf("roll back")
	})
	require.Error(t, err)

	got, err := testDB.ListByAggregate(ctx, "User", agg, 0)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestGetAuditRecordAndEntityTrail(t *testing.T) {
	ctx := context.Background()
	rec := record(uuid.NewString(), time.Now().UTC())
	sink := storage.NewSink(testDB)
	require.NoError(t, sink.Write(ctx, nil, rec))

	got, err := testDB.GetAuditRecord(ctx, rec.ID.String())
	require.NoError(t, err)
	assert.Equal(t, rec.Entity.ID, got.Entity.ID)

	trail, err := testDB.ListByEntity(ctx, "Post", rec.Entity.ID, 0)
	require.NoError(t, err)
	assert.Len(t, trail, 1)

	_, err = testDB.GetAuditRecord(ctx, uuid.NewString())
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestAuditLogsAreAppendOnly(t *testing.T) {
	ctx := context.Background()
	rec := record(uuid.NewString(), time.Now().UTC())
	_, err := testDB.InsertAuditRecords(ctx, []model.Record{rec})
	require.NoError(t, err)

	_, err = testDB.Pool().Exec(ctx, `DELETE FROM audit_logs WHERE id = $1`, rec.ID)
	assert.Error(t, err)
}

func TestVerifyAggregateDetectsTampering(t *testing.T) {
	ctx := context.Background()
	agg := uuid.NewString()
	base := time.Now().UTC()
	recs := []model.Record{record(agg, base), record(agg, base.Add(time.Millisecond)), record(agg, base.Add(2*time.Millisecond))}
	_, err := testDB.InsertAuditRecords(ctx, recs)
	require.NoError(t, err)

	check, err := testDB.VerifyAggregate(ctx, "User", agg)
	require.NoError(t, err)
	assert.True(t, check.OK())
	assert.Equal(t, 3, check.Records)
	assert.NotEmpty(t, check.Root)

	// Forge a row behind the append-only trigger, inside a transaction that
	// is rolled back afterwards.
	tx, err := testDB.Pool().Begin(ctx)
	require.NoError(t, err)
	defer func() { _ = tx.Rollback(ctx) }()
	_, err = tx.Exec(ctx, `ALTER TABLE audit_logs DISABLE TRIGGER trg_audit_logs_immutable`)
	require.NoError(t, err)
	_, err = tx.Exec(ctx, `UPDATE audit_logs SET after = '{"title":"forged"}' WHERE id = $1`, recs[1].ID)
	require.NoError(t, err)

	forged, err := testDB.VerifyAggregate(storage.WithTx(ctx, tx), "User", agg)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{recs[1].ID}, forged.Tampered)
	assert.Equal(t, check.Root, forged.Root)
}
