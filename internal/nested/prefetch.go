package nested

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/KuruwiC/prisma-audit-sub002/internal/model"
	"github.com/KuruwiC/prisma-audit-sub002/internal/schema"
)

// Policy says whether nested update and delete operations on an entity
// type read their before state.
type Policy struct {
	Update bool
	Delete bool
}

// Root describes the top-level write the nested operations hang off.
type Root struct {
	Entity string
	Kind   model.OpKind
	Where  model.Row
	Before model.Snapshot
}

// Coordinator pre-fetches before states for nested operations. A failed read
// never aborts the call: it is stored as Unknown, logged, and reported to
// OnFailure.
type Coordinator struct {
	Schema    model.SchemaProvider
	Policy    func(entity string) Policy
	Logger    *slog.Logger
	OnFailure func(ctx context.Context, op model.NestedOperation, err error)
}

// Needs reports whether op is pre-fetched.
func (c *Coordinator) Needs(op model.NestedOperation) bool {
	switch op.Kind {
	case model.OpUpsert, model.OpConnectOrCreate:
		return true
	case model.OpUpdate, model.OpUpdateMany:
		return c.policy(op.Entity).Update
	case model.OpDelete, model.OpDeleteMany:
		return c.policy(op.Entity).Delete
	default:
		return false
	}
}

func (c *Coordinator) policy(entity string) Policy {
	if c.Policy == nil {
		return Policy{}
	}
	return c.Policy(entity)
}

// Prefetch reads the before state of every operation that needs one, using
// db (the call's active handle). Operations run shallow to deep; ties keep
// detection order.
func (c *Coordinator) Prefetch(ctx context.Context, db model.Reader, root Root, ops []model.NestedOperation) *Results {
	res := NewResults()
	order := make([]int, len(ops))
	for i := range ops {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return ops[order[a]].Depth < ops[order[b]].Depth })

	run := &prefetchRun{c: c, db: db, root: root, ops: ops, res: res, parents: make(map[int]model.Snapshot)}
	for _, i := range order {
		if !c.Needs(ops[i]) {
			continue
		}
		run.fetch(ctx, i)
	}
	return res
}

type prefetchRun struct {
	c    *Coordinator
	db   model.Reader
	root Root
	ops  []model.NestedOperation
	res  *Results
	// parents caches extra parent reads by operation index; -1 is the root.
	parents map[int]model.Snapshot
}

type parentInfo struct {
	index   int
	entity  string
	created bool
	where   model.Row
	row     model.Row
}

func (r *prefetchRun) parent(op model.NestedOperation) parentInfo {
	if op.ParentOp < 0 {
		pi := parentInfo{
			index:   -1,
			entity:  r.root.Entity,
			created: r.root.Kind == model.OpCreate || r.root.Kind == model.OpCreateMany,
			where:   r.root.Where,
		}
		if r.root.Before.Exists() {
			pi.row = r.root.Before.Row
		}
		return pi
	}
	p := r.ops[op.ParentOp]
	pi := parentInfo{index: op.ParentOp, entity: p.Entity, created: p.Creates(), where: p.Where()}
	if snap, fetched := r.res.ForOp(p.Path, op.ParentOp); fetched && len(snap) > 0 {
		if snap[0].Exists() {
			pi.row = snap[0].Row
		} else if snap[0].State == model.SnapshotMissing && (p.Kind == model.OpUpsert || p.Kind == model.OpConnectOrCreate) {
			// The parent did not exist, so its create branch runs.
			pi.created = true
		}
	}
	return pi
}

func (r *prefetchRun) fetch(ctx context.Context, i int) {
	op := r.ops[i]
	switch {
	case op.Kind == model.OpUpdateMany || op.Kind == model.OpDeleteMany:
		r.fetchMany(ctx, i)
	case op.Relation.List:
		r.fetchByWhere(ctx, i, op.Where())
	default:
		if where := op.Where(); where != nil {
			if _, ok := schema.CanonicalFilter(r.c.Schema, op.Entity, where); ok {
				r.fetchByWhere(ctx, i, where)
				return
			}
		}
		r.fetchToOne(ctx, i)
	}
}

func (r *prefetchRun) fail(ctx context.Context, i int, key string, err error) {
	op := r.ops[i]
	r.res.Put(i, op.Path, key, model.Unknown(err))
	if r.c.Logger != nil {
		r.c.Logger.Warn("nested: prefetch failed",
			"path", op.Path, "op", op.Kind.String(), "entity", op.Entity, "error", err)
	}
	if r.c.OnFailure != nil {
		r.c.OnFailure(ctx, op, err)
	}
}

func (r *prefetchRun) fetchByWhere(ctx context.Context, i int, where model.Row) {
	op := r.ops[i]
	canon, ok := schema.CanonicalFilter(r.c.Schema, op.Entity, where)
	if !ok {
		r.fail(ctx, i, "where:"+schema.FilterKey(where), fmt.Errorf("nested: %s: filter is not unique", op.Path))
		return
	}
	key := filterKey(canon)
	row, err := r.db.FindUnique(ctx, op.Entity, canon)
	if err != nil {
		r.fail(ctx, i, key, fmt.Errorf("nested: read %s: %w", op.Entity, err))
		return
	}
	if row == nil {
		r.res.Put(i, op.Path, key, model.Missing())
		return
	}
	r.res.Put(i, op.Path, key, model.Found(row))
}

func (r *prefetchRun) fetchMany(ctx context.Context, i int) {
	op := r.ops[i]
	filter := model.Row{}
	for k, v := range op.Where() {
		filter[k] = v
	}
	pi := r.parent(op)
	if pi.created {
		r.res.mark(i)
		return
	}
	if inv, ok := inverse(r.c.Schema, op.Entity, op.Parent); ok {
		vals, known, err := r.parentValues(ctx, pi, inv.References)
		if err != nil {
			r.fail(ctx, i, "where:"+schema.FilterKey(filter), err)
			return
		}
		if known {
			for j, f := range inv.Fields {
				filter[f] = vals[inv.References[j]]
			}
		}
	}
	rows, err := r.db.FindMany(ctx, op.Entity, filter)
	if err != nil {
		r.fail(ctx, i, "where:"+schema.FilterKey(filter), fmt.Errorf("nested: read %s: %w", op.Entity, err))
		return
	}
	r.res.mark(i)
	for _, row := range rows {
		r.res.Put(i, op.Path, RowKey(r.c.Schema, op.Entity, row), model.Found(row))
	}
}

func (r *prefetchRun) fetchToOne(ctx context.Context, i int) {
	op := r.ops[i]
	pi := r.parent(op)
	if pi.created {
		r.res.Put(i, op.Path, "new-parent", model.Missing())
		return
	}

	var filter model.Row
	var many bool
	if op.Relation.OwnsForeignKey() {
		// FK lives on the parent: parent.Fields -> related.References.
		vals, known, err := r.parentValues(ctx, pi, op.Relation.Fields)
		if err != nil {
			r.fail(ctx, i, "to-one", err)
			return
		}
		if !known {
			r.res.Put(i, op.Path, "to-one", model.Missing())
			return
		}
		filter = make(model.Row, len(op.Relation.Fields))
		for j, f := range op.Relation.Fields {
			filter[op.Relation.References[j]] = vals[f]
		}
	} else {
		inv, ok := inverse(r.c.Schema, op.Entity, op.Parent)
		if !ok {
			r.fail(ctx, i, "to-one", fmt.Errorf("nested: %s: no owning relation from %s to %s", op.Path, op.Entity, op.Parent))
			return
		}
		vals, known, err := r.parentValues(ctx, pi, inv.References)
		if err != nil {
			r.fail(ctx, i, "to-one", err)
			return
		}
		if !known {
			r.res.Put(i, op.Path, "to-one", model.Missing())
			return
		}
		filter = make(model.Row, len(inv.Fields))
		for j, f := range inv.Fields {
			filter[f] = vals[inv.References[j]]
		}
		many = true
	}

	key := filterKey(filter)
	var row model.Row
	var err error
	if many {
		var rows []model.Row
		rows, err = r.db.FindMany(ctx, op.Entity, filter)
		if len(rows) > 0 {
			row = rows[0]
		}
	} else {
		row, err = r.db.FindUnique(ctx, op.Entity, filter)
	}
	if err != nil {
		r.fail(ctx, i, key, fmt.Errorf("nested: read %s: %w", op.Entity, err))
		return
	}
	if row == nil {
		r.res.Put(i, op.Path, key, model.Missing())
		return
	}
	r.res.Put(i, op.Path, key, model.Found(row))
}

var errParentKeyUnknown = errors.New("nested: parent key unknown")

// parentValues returns the parent's values for fields from, in order, its
// filter, its pre-fetched snapshot, or an extra read. known is false when
// the parent does not exist or a value is null.
func (r *prefetchRun) parentValues(ctx context.Context, pi parentInfo, fields []string) (model.Row, bool, error) {
	flat := schema.Flatten(pi.where)
	if vals, ok := pick(flat, fields); ok {
		return vals, true, nil
	}
	row := pi.row
	if row == nil {
		snap, cached := r.parents[pi.index]
		if !cached {
			canon, ok := schema.CanonicalFilter(r.c.Schema, pi.entity, pi.where)
			if !ok {
				return nil, false, fmt.Errorf("%w: %s", errParentKeyUnknown, pi.entity)
			}
			got, err := r.db.FindUnique(ctx, pi.entity, canon)
			switch {
			case err != nil:
				snap = model.Unknown(err)
			case got == nil:
				snap = model.Missing()
			default:
				snap = model.Found(got)
			}
			r.parents[pi.index] = snap
		}
		if snap.State == model.SnapshotUnknown {
			return nil, false, fmt.Errorf("nested: read parent %s: %w", pi.entity, snap.Err)
		}
		row = snap.Row
	}
	if row == nil {
		return nil, false, nil
	}
	vals, ok := pick(row, fields)
	return vals, ok, nil
}

func pick(row model.Row, fields []string) (model.Row, bool) {
	out := make(model.Row, len(fields))
	for _, f := range fields {
		v, ok := row[f]
		if !ok || v == nil {
			return nil, false
		}
		if _, isMap := v.(model.Row); isMap {
			return nil, false
		}
		out[f] = v
	}
	return out, true
}

// inverse finds the owning-side relation on entity that points back to
// parent. The first declared one wins when several link the same pair.
func inverse(p model.SchemaProvider, entity, parent string) (model.RelationField, bool) {
	if p == nil {
		return model.RelationField{}, false
	}
	for _, rel := range p.Relations(entity) {
		if rel.Related == parent && rel.OwnsForeignKey() {
			return rel, true
		}
	}
	return model.RelationField{}, false
}

func filterKey(filter model.Row) string {
	if len(filter) == 1 {
		if id, ok := filter["id"]; ok {
			return IDKey(id)
		}
	}
	return schema.FilterKey(filter)
}

// RowKey returns the snapshot key of a stored record.
func RowKey(p model.SchemaProvider, entity string, row model.Row) string {
	pk := schema.PrimaryKey(p, entity)
	if len(pk) == 1 {
		return IDKey(row[pk[0]])
	}
	vals, _ := pick(row, pk)
	return schema.FilterKey(vals)
}
