package storage

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KuruwiC/prisma-audit-sub002/internal/model"
)

func TestAuditRowNullsAndDecode(t *testing.T) {
	rec := model.Record{
		ID:        uuid.New(),
		Actor:     model.Ref{Category: "system", Type: "System", ID: "system"},
		Entity:    model.Ref{Category: "model", Type: "User", ID: "u1"},
		Aggregate: model.Ref{Category: "model", Type: "User", ID: "u1"},
		Action:    model.ActionCreate,
		After:     model.Row{"email": "ann@example.com", "age": float64(30)},
		CreatedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}

	row, err := RowFromRecord(rec)
	require.NoError(t, err)
	assert.Nil(t, row.Before)
	assert.Nil(t, row.Changes)
	assert.Nil(t, row.ActorContext)
	assert.JSONEq(t, `{"email":"ann@example.com","age":30}`, string(row.After))
	assert.Len(t, row.Values(), len(Columns))

	back, err := row.Record()
	require.NoError(t, err)
	assert.Equal(t, rec, back)
}

func TestAuditRowBadJSON(t *testing.T) {
	row := AuditRow{ID: uuid.New(), After: []byte("{")}
	_, err := row.Record()
	assert.ErrorContains(t, err, "decode after")
}

func TestJSONColumnsLineUp(t *testing.T) {
	want := []string{"actor_context", "entity_context", "aggregate_context", "before", "after", "changes", "request_context"}
	for i, col := range jsonColumns {
		assert.Equal(t, want[i], Columns[col])
	}
}

func TestIsRetriable(t *testing.T) {
	assert.True(t, isRetriable(&pgconn.PgError{Code: "40001"}))
	assert.True(t, isRetriable(&pgconn.PgError{Code: "40P01"}))
	assert.True(t, isRetriable(&pgconn.PgError{Code: "08006"}))
	assert.False(t, isRetriable(&pgconn.PgError{Code: "23505"}))
	assert.False(t, isRetriable(errors.New("plain")))
}

func TestCheckTrail(t *testing.T) {
	var rows []AuditRow
	for i := 0; i < 3; i++ {
		row, err := RowFromRecord(model.Record{
			ID:        uuid.New(),
			Entity:    model.Ref{Type: "Post", ID: "p1"},
			Aggregate: model.Ref{Type: "User", ID: "u1"},
			Action:    model.ActionCreate,
			After:     model.Row{"title": "hello"},
			CreatedAt: time.Date(2026, 1, 2, 3, 4, i, 0, time.UTC),
		})
		require.NoError(t, err)
		require.NotEmpty(t, row.ContentHash)
		rows = append(rows, row)
	}

	clean, err := CheckTrail(rows)
	require.NoError(t, err)
	assert.True(t, clean.OK())
	assert.Equal(t, 3, clean.Records)
	assert.NotEmpty(t, clean.Root)

	rows[1].After = []byte(`{"title":"rewritten"}`)
	check, err := CheckTrail(rows)
	require.NoError(t, err)
	assert.False(t, check.OK())
	assert.Equal(t, []uuid.UUID{rows[1].ID}, check.Tampered)
	assert.Equal(t, clean.Root, check.Root, "root covers the stored hashes")
}
