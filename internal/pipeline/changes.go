package pipeline

import (
	"context"
	"fmt"

	"github.com/KuruwiC/prisma-audit-sub002/internal/builder"
	"github.com/KuruwiC/prisma-audit-sub002/internal/model"
	"github.com/KuruwiC/prisma-audit-sub002/internal/schema"
)

// topBefore is what was read about the top-level target before the write.
type topBefore struct {
	snap model.Snapshot
	// rows are the matches of a batch update or delete; failed is set when
	// they could not be read.
	rows   []model.Row
	failed bool
}

func (b topBefore) single() model.Snapshot {
	return b.snap
}

// fetchTop reads the top-level before state. Upsert needs it to pick its
// action, update to diff against, and batch writes to know which rows
// change. Delete reads it only when FetchBefore is set.
func (p *Pipeline) fetchTop(ctx context.Context, db model.Reader, op model.Operation) topBefore {
	switch op.Kind {
	case model.OpUpsert, model.OpUpdate:
		return topBefore{snap: p.readOne(ctx, db, op)}
	case model.OpDelete:
		if !p.fetchBefore {
			return topBefore{}
		}
		return topBefore{snap: p.readOne(ctx, db, op)}
	case model.OpUpdateMany, model.OpDeleteMany:
		rows, err := db.FindMany(ctx, op.Entity, op.Where)
		if err != nil {
			p.prefetchFailed(ctx, op, fmt.Errorf("pipeline: read %s matches: %w", op.Entity, err))
			return topBefore{failed: true}
		}
		return topBefore{rows: rows}
	default:
		return topBefore{}
	}
}

func (p *Pipeline) readOne(ctx context.Context, db model.Reader, op model.Operation) model.Snapshot {
	where := op.Where
	if canon, ok := schema.CanonicalFilter(p.schema, op.Entity, where); ok {
		where = canon
	}
	row, err := db.FindUnique(ctx, op.Entity, where)
	if err != nil {
		err = fmt.Errorf("pipeline: read %s before: %w", op.Entity, err)
		p.prefetchFailed(ctx, op, err)
		return model.Unknown(err)
	}
	if row == nil {
		return model.Missing()
	}
	return model.Found(row)
}

func (p *Pipeline) prefetchFailed(ctx context.Context, op model.Operation, err error) {
	p.logger.Warn("pipeline: before state unavailable", "entity", op.Entity, "op", op.Kind.String(), "error", err)
	p.metrics.PrefetchFailed(ctx, op.Entity, op.Kind.String())
}

// changes turns the top-level write result into entity changes.
func (p *Pipeline) changes(ctx context.Context, db model.Reader, op model.Operation, before topBefore, exec model.ExecResult) []builder.Change {
	switch op.Kind {
	case model.OpCreate, model.OpUpdate, model.OpUpsert:
		after := exec.First()
		if after == nil {
			return nil
		}
		return []builder.Change{{Entity: op.Entity, Kind: op.Kind, Before: before.snap, After: after}}

	case model.OpCreateMany:
		out := make([]builder.Change, 0, len(exec.Rows))
		for _, row := range exec.Rows {
			out = append(out, builder.Change{Entity: op.Entity, Kind: op.Kind, After: row})
		}
		return out

	case model.OpDelete:
		// The returned row identifies the record even when the before state
		// was not read.
		identity := exec.First()
		if identity == nil {
			identity = op.Where
		}
		return []builder.Change{{Entity: op.Entity, Kind: op.Kind, Before: before.snap, Identity: identity}}

	case model.OpUpdateMany:
		out := make([]builder.Change, 0, len(before.rows))
		for _, row := range before.rows {
			after, err := p.reread(ctx, db, op.Entity, row)
			if err != nil {
				p.logger.Warn("pipeline: after state unavailable", "entity", op.Entity, "error", err)
				continue
			}
			if after == nil {
				continue
			}
			out = append(out, builder.Change{Entity: op.Entity, Kind: op.Kind, Before: model.Found(row), After: after})
		}
		return out

	case model.OpDeleteMany:
		out := make([]builder.Change, 0, len(before.rows))
		for _, row := range before.rows {
			still, err := p.reread(ctx, db, op.Entity, row)
			if err != nil || still != nil {
				continue
			}
			out = append(out, builder.Change{Entity: op.Entity, Kind: op.Kind, Before: model.Found(row)})
		}
		return out

	default:
		return nil
	}
}

// reread loads row again by its primary key.
func (p *Pipeline) reread(ctx context.Context, db model.Reader, entity string, row model.Row) (model.Row, error) {
	pk := schema.PrimaryKey(p.schema, entity)
	where := make(model.Row, len(pk))
	for _, f := range pk {
		v, ok := row[f]
		if !ok {
			return nil, fmt.Errorf("pipeline: %s row has no %s", entity, f)
		}
		where[f] = v
	}
	return db.FindUnique(ctx, entity, where)
}
