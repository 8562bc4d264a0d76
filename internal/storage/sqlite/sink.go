// Package sqlite stores audit records in a local SQLite file, for
// single-process deployments and the demo CLI.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // pure go sqlite driver

	"github.com/KuruwiC/prisma-audit-sub002/internal/model"
	"github.com/KuruwiC/prisma-audit-sub002/internal/storage"
)

const schema = `CREATE TABLE IF NOT EXISTS audit_logs (
	id                 TEXT PRIMARY KEY,
	actor_category     TEXT NOT NULL,
	actor_type         TEXT NOT NULL,
	actor_id           TEXT NOT NULL,
	actor_context      TEXT,
	entity_category    TEXT NOT NULL,
	entity_type        TEXT NOT NULL,
	entity_id          TEXT NOT NULL,
	entity_context     TEXT,
	aggregate_category TEXT NOT NULL,
	aggregate_type     TEXT NOT NULL,
	aggregate_id       TEXT NOT NULL,
	aggregate_context  TEXT,
	action             TEXT NOT NULL,
	before             TEXT,
	after              TEXT,
	changes            TEXT,
	request_context    TEXT,
	created_at         TEXT NOT NULL,
	content_hash       TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_logs_aggregate ON audit_logs (aggregate_type, aggregate_id, created_at);
CREATE INDEX IF NOT EXISTS idx_audit_logs_entity ON audit_logs (entity_type, entity_id, created_at);`

// Sink writes audit records to SQLite. Batches go in one transaction.
type Sink struct {
	db   *sql.DB
	path string
}

var _ model.BatchSink = (*Sink)(nil)

// Open creates or opens the database at path and ensures the table exists.
func Open(path string) (*Sink, error) {
	if path == "" {
		path = "audit.db"
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("sqlite: create dirs: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	// One writer at a time; SQLite serializes writes anyway.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: create audit_logs: %w", err)
	}
	return &Sink{db: db, path: path}, nil
}

// Path returns the database file path.
func (s *Sink) Path() string { return s.path }

// Close closes the database.
func (s *Sink) Close() error { return s.db.Close() }

func (s *Sink) Write(ctx context.Context, db model.DataClient, rec model.Record) error {
	return s.WriteBatch(ctx, db, []model.Record{rec})
}

func (s *Sink) WriteBatch(ctx context.Context, _ model.DataClient, recs []model.Record) error {
	if len(recs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(storage.Columns)), ", ")
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO audit_logs (`+strings.Join(storage.Columns, ", ")+`) VALUES (`+placeholders+`)`)
	if err != nil {
		return fmt.Errorf("sqlite: prepare insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, rec := range recs {
		row, err := storage.RowFromRecord(rec)
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx, values(row)...); err != nil {
			return fmt.Errorf("sqlite: insert %s: %w", rec.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: commit: %w", err)
	}
	return nil
}

// values converts a row into SQLite-friendly values: text ids, JSON as text,
// timestamps as RFC 3339 strings that sort correctly.
func values(row storage.AuditRow) []any {
	vals := row.Values()
	for i, v := range vals {
		switch t := v.(type) {
		case uuid.UUID:
			vals[i] = t.String()
		case []byte:
			if t == nil {
				vals[i] = nil
			} else {
				vals[i] = string(t)
			}
		case time.Time:
			vals[i] = t.UTC().Format(timeLayout)
		}
	}
	return vals
}

// timeLayout is fixed-width so lexical order matches time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// ListByAggregate returns the trail of one aggregate root, oldest first.
func (s *Sink) ListByAggregate(ctx context.Context, typ, id string) ([]model.Record, error) {
	return s.list(ctx, "aggregate_type = ? AND aggregate_id = ?", typ, id)
}

// ListByEntity returns every record about one entity, oldest first.
func (s *Sink) ListByEntity(ctx context.Context, typ, id string) ([]model.Record, error) {
	return s.list(ctx, "entity_type = ? AND entity_id = ?", typ, id)
}

// Count returns the number of stored records.
func (s *Sink) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_logs`).Scan(&n); err != nil {
		return 0, fmt.Errorf("sqlite: count: %w", err)
	}
	return n, nil
}

// VerifyAggregate re-hashes the trail of one aggregate root.
func (s *Sink) VerifyAggregate(ctx context.Context, typ, id string) (storage.TrailCheck, error) {
	rows, err := s.rows(ctx, "aggregate_type = ? AND aggregate_id = ?", typ, id)
	if err != nil {
		return storage.TrailCheck{}, err
	}
	return storage.CheckTrail(rows)
}

func (s *Sink) list(ctx context.Context, where string, args ...any) ([]model.Record, error) {
	rows, err := s.rows(ctx, where, args...)
	if err != nil {
		return nil, err
	}
	out := make([]model.Record, 0, len(rows))
	for _, r := range rows {
		rec, err := r.Record()
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *Sink) rows(ctx context.Context, where string, args ...any) ([]storage.AuditRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+strings.Join(storage.Columns, ", ")+` FROM audit_logs WHERE `+where+` ORDER BY created_at, id`, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []storage.AuditRow
	for rows.Next() {
		var (
			r             storage.AuditRow
			id, createdAt string
			jsonCols      [7]sql.NullString
		)
		if err := rows.Scan(
			&id,
			&r.ActorCategory, &r.ActorType, &r.ActorID, &jsonCols[0],
			&r.EntityCategory, &r.EntityType, &r.EntityID, &jsonCols[1],
			&r.AggregateCategory, &r.AggregateType, &r.AggregateID, &jsonCols[2],
			&r.Action, &jsonCols[3], &jsonCols[4], &jsonCols[5], &jsonCols[6],
			&createdAt, &r.ContentHash,
		); err != nil {
			return nil, fmt.Errorf("sqlite: scan: %w", err)
		}
		if r.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("sqlite: parse id %q: %w", id, err)
		}
		if r.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
			return nil, fmt.Errorf("sqlite: parse created_at %q: %w", createdAt, err)
		}
		dst := []*[]byte{&r.ActorContext, &r.EntityContext, &r.AggregateContext, &r.Before, &r.After, &r.Changes, &r.RequestContext}
		for i, c := range jsonCols {
			if c.Valid {
				*dst[i] = []byte(c.String)
			}
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterate: %w", err)
	}
	return out, nil
}
