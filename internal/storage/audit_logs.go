package storage

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/KuruwiC/prisma-audit-sub002/internal/model"
)

// copyThreshold is the batch size from which inserts switch to COPY.
const copyThreshold = 8

// InsertAuditRecords appends recs to audit_logs inside the transaction in
// ctx if there is one, otherwise on the pool with retry. Large batches use
// COPY.
func (db *DB) InsertAuditRecords(ctx context.Context, recs []model.Record) (int64, error) {
	if len(recs) == 0 {
		return 0, nil
	}
	rows := make([][]any, len(recs))
	for i, rec := range recs {
		r, err := RowFromRecord(rec)
		if err != nil {
			return 0, err
		}
		rows[i] = r.Values()
	}

	q, inTx := db.execer(ctx)
	var n int64
	insert := func() error {
		var err error
		n, err = insertRows(ctx, q, rows)
		return err
	}
	var err error
	if inTx {
		err = insert()
	} else {
		err = WithRetry(ctx, 3, 50*time.Millisecond, insert)
	}
	if err != nil {
		return 0, fmt.Errorf("storage: insert audit records: %w", err)
	}
	return n, nil
}

func insertRows(ctx context.Context, q querier, rows [][]any) (int64, error) {
	if len(rows) >= copyThreshold {
		copyCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		return q.CopyFrom(copyCtx, pgx.Identifier{"audit_logs"}, Columns, pgx.CopyFromRows(rows))
	}

	var b strings.Builder
	b.WriteString("INSERT INTO audit_logs (")
	b.WriteString(strings.Join(Columns, ", "))
	b.WriteString(") VALUES ")
	args := make([]any, 0, len(rows)*len(Columns))
	for i, row := range rows {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteByte('(')
		for j := range row {
			if j > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "$%d", len(args)+1)
			if isJSONColumn(j) {
				b.WriteString("::jsonb")
			}
			args = append(args, row[j])
		}
		b.WriteByte(')')
	}
	tag, err := q.Exec(ctx, b.String(), args...)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func isJSONColumn(i int) bool {
	for _, j := range jsonColumns {
		if i == j {
			return true
		}
	}
	return false
}

// ListByAggregate returns the trail of one aggregate root, oldest first.
// limit <= 0 means 1000.
func (db *DB) ListByAggregate(ctx context.Context, typ, id string, limit int) ([]model.Record, error) {
	return db.list(ctx, "aggregate_type = $1 AND aggregate_id = $2", typ, id, limit)
}

// ListByEntity returns every record about one entity, oldest first.
// limit <= 0 means 1000.
func (db *DB) ListByEntity(ctx context.Context, typ, id string, limit int) ([]model.Record, error) {
	return db.list(ctx, "entity_type = $1 AND entity_id = $2", typ, id, limit)
}

// GetAuditRecord returns one record by id.
func (db *DB) GetAuditRecord(ctx context.Context, id string) (model.Record, error) {
	q, _ := db.execer(ctx)
	rows, err := q.Query(ctx,
		`SELECT `+strings.Join(Columns, ", ")+` FROM audit_logs WHERE id = $1`, id)
	if err != nil {
		return model.Record{}, fmt.Errorf("storage: get audit record: %w", err)
	}
	found, err := scanRows(rows)
	if err != nil {
		return model.Record{}, err
	}
	if len(found) == 0 {
		return model.Record{}, fmt.Errorf("storage: audit record %s: %w", id, ErrNotFound)
	}
	return found[0].Record()
}

func (db *DB) list(ctx context.Context, where, typ, id string, limit int) ([]model.Record, error) {
	rows, err := db.listRows(ctx, where, typ, id, limit)
	if err != nil {
		return nil, err
	}
	return decodeRows(rows)
}

func (db *DB) listRows(ctx context.Context, where, typ, id string, limit int) ([]AuditRow, error) {
	if limit <= 0 {
		limit = 1000
	}
	q, _ := db.execer(ctx)
	rows, err := q.Query(ctx,
		`SELECT `+strings.Join(Columns, ", ")+` FROM audit_logs
		 WHERE `+where+`
		 ORDER BY created_at, id
		 LIMIT $3`,
		typ, id, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list audit records: %w", err)
	}
	return scanRows(rows)
}

// VerifyAggregate re-hashes the trail of one aggregate root and reports
// records whose content no longer matches the hash written with them.
func (db *DB) VerifyAggregate(ctx context.Context, typ, id string) (TrailCheck, error) {
	rows, err := db.listRows(ctx, "aggregate_type = $1 AND aggregate_id = $2", typ, id, math.MaxInt32)
	if err != nil {
		return TrailCheck{}, err
	}
	return CheckTrail(rows)
}

func scanRows(rows pgx.Rows) ([]AuditRow, error) {
	defer rows.Close()
	var out []AuditRow
	for rows.Next() {
		var r AuditRow
		if err := rows.Scan(
			&r.ID,
			&r.ActorCategory, &r.ActorType, &r.ActorID, &r.ActorContext,
			&r.EntityCategory, &r.EntityType, &r.EntityID, &r.EntityContext,
			&r.AggregateCategory, &r.AggregateType, &r.AggregateID, &r.AggregateContext,
			&r.Action, &r.Before, &r.After, &r.Changes, &r.RequestContext,
			&r.CreatedAt, &r.ContentHash,
		); err != nil {
			return nil, fmt.Errorf("storage: scan audit record: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: iterate audit records: %w", err)
	}
	return out, nil
}

func decodeRows(rows []AuditRow) ([]model.Record, error) {
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
