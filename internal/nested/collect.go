package nested

import (
	"context"

	"github.com/KuruwiC/prisma-audit-sub002/internal/diff"
	"github.com/KuruwiC/prisma-audit-sub002/internal/model"
	"github.com/KuruwiC/prisma-audit-sub002/internal/schema"
)

// Change pairs one nested operation with its before and after states after
// the real write has run. Identity is the filter that addressed the record,
// used when neither state can identify it.
type Change struct {
	Op       model.NestedOperation
	Index    int
	Before   model.Snapshot
	After    model.Row
	Identity model.Row
}

// Collect locates the after state of every operation inside top, the
// top-level write result fetched with Include(ops). db is the active handle;
// it is read only for batch operations whose rows are not in top.
func Collect(ctx context.Context, db model.Reader, p model.SchemaProvider, ops []model.NestedOperation, res *Results, top model.Row) []Change {
	c := &collector{db: db, p: p, res: res, afters: make(map[int][]model.Row), claimed: make(map[string]struct{})}
	var out []Change
	for i, op := range ops {
		var parents []model.Row
		if op.ParentOp < 0 {
			if top != nil {
				parents = []model.Row{top}
			}
		} else {
			parents = c.afters[op.ParentOp]
		}
		out = append(out, c.collect(ctx, i, op, related(parents, op.Field))...)
	}
	return out
}

type collector struct {
	db      model.Reader
	p       model.SchemaProvider
	res     *Results
	afters  map[int][]model.Row
	claimed map[string]struct{}
}

func (c *collector) collect(ctx context.Context, i int, op model.NestedOperation, candidates []model.Row) []Change {
	switch op.Kind {
	case model.OpCreate, model.OpCreateMany:
		payload, _ := op.Payload.(model.Row)
		after := c.claim(op, candidates, func(row model.Row) bool { return matchesData(c.p, op.Entity, payload, row) })
		c.setAfter(i, after)
		return []Change{{Op: op, Index: i, Before: model.Missing(), After: after}}

	case model.OpConnect:
		return []Change{{Op: op, Index: i, Before: model.Missing(), Identity: op.Where()}}

	case model.OpUpdate, model.OpUpsert, model.OpConnectOrCreate:
		before := c.res.First(op.Path, i)
		after := c.locate(op, before, candidates)
		c.setAfter(i, after)
		return []Change{{Op: op, Index: i, Before: before, After: after, Identity: c.identity(op)}}

	case model.OpUpdateMany:
		snaps, fetched := c.res.ForOp(op.Path, i)
		if !fetched {
			return []Change{{Op: op, Index: i, Before: model.Missing()}}
		}
		var out []Change
		for _, s := range snaps {
			if !s.Exists() {
				continue
			}
			after := c.reread(ctx, op, s.Row, candidates)
			out = append(out, Change{Op: op, Index: i, Before: s, After: after})
		}
		return out

	case model.OpDelete:
		before := c.res.First(op.Path, i)
		return []Change{{Op: op, Index: i, Before: before, Identity: c.identity(op)}}

	case model.OpDeleteMany:
		snaps, fetched := c.res.ForOp(op.Path, i)
		if !fetched {
			return []Change{{Op: op, Index: i, Before: model.Missing()}}
		}
		var out []Change
		for _, s := range snaps {
			if !s.Exists() {
				continue
			}
			// A row still present was not removed by this call.
			if still := c.reread(ctx, op, s.Row, nil); still != nil {
				continue
			}
			out = append(out, Change{Op: op, Index: i, Before: s})
		}
		return out

	default:
		return nil
	}
}

func (c *collector) setAfter(i int, row model.Row) {
	if row != nil {
		c.afters[i] = append(c.afters[i], row)
	}
}

func (c *collector) identity(op model.NestedOperation) model.Row {
	if canon, ok := schema.CanonicalFilter(c.p, op.Entity, op.Where()); ok {
		return canon
	}
	return nil
}

// locate finds the after state of an update-like operation: by the key of
// the pre-fetched record, by the unique filter, by the create branch, and
// finally the single to-one candidate.
func (c *collector) locate(op model.NestedOperation, before model.Snapshot, candidates []model.Row) model.Row {
	if before.Exists() {
		key := RowKey(c.p, op.Entity, before.Row)
		if row := find(candidates, func(r model.Row) bool { return RowKey(c.p, op.Entity, r) == key }); row != nil {
			return row
		}
	}
	if canon, ok := schema.CanonicalFilter(c.p, op.Entity, op.Where()); ok {
		if row := find(candidates, func(r model.Row) bool { return matchesFilter(canon, r) }); row != nil {
			return row
		}
	}
	if op.Kind == model.OpUpsert || op.Kind == model.OpConnectOrCreate {
		payload, _ := op.Payload.(model.Row)
		create, _ := payload["create"].(model.Row)
		if row := c.claim(op, candidates, func(r model.Row) bool { return matchesData(c.p, op.Entity, create, r) }); row != nil {
			return row
		}
	}
	if !op.Relation.List && len(candidates) == 1 {
		return candidates[0]
	}
	return nil
}

// reread finds row's current state among candidates or reads it by primary
// key. It returns nil when the record no longer exists or cannot be read.
func (c *collector) reread(ctx context.Context, op model.NestedOperation, row model.Row, candidates []model.Row) model.Row {
	key := RowKey(c.p, op.Entity, row)
	if found := find(candidates, func(r model.Row) bool { return RowKey(c.p, op.Entity, r) == key }); found != nil {
		return found
	}
	pk, ok := pick(row, schema.PrimaryKey(c.p, op.Entity))
	if !ok || c.db == nil {
		return nil
	}
	cur, err := c.db.FindUnique(ctx, op.Entity, pk)
	if err != nil {
		return nil
	}
	return cur
}

// claim returns the first unclaimed candidate accepted by match and marks it
// as claimed, so two identical creates never map to the same record.
func (c *collector) claim(op model.NestedOperation, candidates []model.Row, match func(model.Row) bool) model.Row {
	for _, row := range candidates {
		key := op.Path + "|" + RowKey(c.p, op.Entity, row)
		if _, taken := c.claimed[key]; taken {
			continue
		}
		if match(row) {
			c.claimed[key] = struct{}{}
			return row
		}
	}
	return nil
}

func related(parents []model.Row, field string) []model.Row {
	var out []model.Row
	for _, p := range parents {
		switch v := p[field].(type) {
		case model.Row:
			out = append(out, v)
		case []model.Row:
			out = append(out, v...)
		case []any:
			for _, e := range v {
				if r, ok := e.(model.Row); ok {
					out = append(out, r)
				}
			}
		}
	}
	return out
}

func find(rows []model.Row, match func(model.Row) bool) model.Row {
	for _, r := range rows {
		if match(r) {
			return r
		}
	}
	return nil
}

func matchesFilter(filter, row model.Row) bool {
	for k, v := range filter {
		if !diff.Equal(v, row[k]) {
			return false
		}
	}
	return true
}

// matchesData reports whether every scalar field written by data has the
// same value on row. Relation payloads and operator objects are ignored.
func matchesData(p model.SchemaProvider, entity string, data, row model.Row) bool {
	if data == nil {
		return false
	}
	for k, v := range data {
		if _, isRel := schema.Relation(p, entity, k); isRel {
			continue
		}
		if _, isMap := v.(model.Row); isMap {
			continue
		}
		got, ok := row[k]
		if !ok || !diff.Equal(v, got) {
			return false
		}
	}
	return true
}
