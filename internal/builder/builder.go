// Package builder turns resolved entity changes into audit records: one per
// aggregate root, with diffs, redaction, and enriched contexts.
package builder

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/KuruwiC/prisma-audit-sub002/internal/diff"
	"github.com/KuruwiC/prisma-audit-sub002/internal/enrich"
	"github.com/KuruwiC/prisma-audit-sub002/internal/mapping"
	"github.com/KuruwiC/prisma-audit-sub002/internal/model"
	"github.com/KuruwiC/prisma-audit-sub002/internal/resolve"
	"github.com/KuruwiC/prisma-audit-sub002/internal/schema"
)

// Skip reasons reported to OnSkip, beyond those from package resolve.
const (
	ReasonUnmapped     = "unmapped"
	ReasonUnresolvedID = "unresolved_id"
	ReasonNoRoot       = "no_aggregate_root"
	ReasonNoChanges    = "no_changes"
)

// SystemActor is recorded when the call carries no actor.
var SystemActor = model.Ref{Category: "system", Type: "System", ID: "system"}

// Change is one entity state transition produced by a write.
type Change struct {
	Entity string
	Kind   model.OpKind
	// Nested is set for relation writes.
	Nested   *model.NestedOperation
	Before   model.Snapshot
	After    model.Row
	Identity model.Row
}

// Call is the per-call context the records share.
type Call struct {
	Actor          model.Ref
	HasActor       bool
	RequestContext map[string]any
	Cache          *enrich.Cache
}

// Builder is stateless apart from its clock; one instance serves every call.
type Builder struct {
	Configs *mapping.Service
	Schema  model.SchemaProvider
	// IncludeRelations is the global default for keeping relation
	// sub-objects in before/after.
	IncludeRelations bool
	Actor            *enrich.Enricher
	Logger           *slog.Logger
	Now              func() time.Time
	OnSkip           func(ctx context.Context, entity, reason string)

	mu   sync.Mutex
	last time.Time
}

type pending struct {
	cfg     *mapping.EntityConfig
	entity  model.Ref
	roots   []model.Ref
	action  model.Action
	before  model.Row
	after   model.Row
	changes map[string]model.Change
	source  model.Row
}

// Build returns the records for changes. db is the call's active handle.
// The only error it returns is an escalated enrichment failure; every other
// problem skips the affected record.
func (b *Builder) Build(ctx context.Context, db model.Reader, call Call, changes []Change) ([]model.Record, error) {
	var items []pending
	for _, ch := range changes {
		if p, ok := b.prepare(ctx, db, ch); ok {
			items = append(items, p)
		}
	}
	if len(items) == 0 {
		return nil, nil
	}

	actor := SystemActor
	if call.HasActor {
		actor = call.Actor
	}
	actorCtx, err := b.actorContext(ctx, db, call, actor)
	if err != nil {
		return nil, err
	}
	actor.Context = actorCtx

	entityCtx, err := b.entityContexts(ctx, db, items)
	if err != nil {
		return nil, err
	}

	cache := call.Cache
	if cache == nil {
		cache = enrich.NewCache()
	}
	for _, group := range groupByConfig(items) {
		var refs []model.Ref
		for _, it := range group {
			refs = append(refs, it.roots...)
		}
		if err := cache.Aggregates(ctx, b.logger(), db, group[0].cfg.Aggregates, refs); err != nil {
			return nil, err
		}
	}

	var out []model.Record
	for i, it := range items {
		entity := it.entity
		entity.Context = entityCtx[i]
		for _, root := range it.roots {
			agg := root
			agg.Context, _ = cache.Lookup(root.Key())
			out = append(out, model.Record{
				ID:             uuid.New(),
				Actor:          actor,
				Entity:         entity,
				Aggregate:      agg,
				Action:         it.action,
				Before:         it.before,
				After:          it.after,
				Changes:        it.changes,
				RequestContext: call.RequestContext,
				CreatedAt:      b.now(),
			})
		}
	}
	return out, nil
}

func (b *Builder) prepare(ctx context.Context, db model.Reader, ch Change) (pending, bool) {
	cfg, ok := b.Configs.Lookup(ch.Entity)
	if !ok {
		b.skip(ctx, ch.Entity, ReasonUnmapped)
		return pending{}, false
	}

	var st resolve.State
	if ch.Nested != nil {
		st = resolve.ResolveNested(*ch.Nested, ch.Before, ch.After)
	} else {
		st = resolve.Resolve(ch.Kind, ch.Before, ch.After)
	}
	if st.Skip {
		if st.Warn {
			b.logger().Warn("builder: prior state unknown, record skipped",
				"entity", ch.Entity, "reason", st.Reason, "error", ch.Before.Err)
		}
		b.skip(ctx, ch.Entity, st.Reason)
		return pending{}, false
	}

	source := st.After
	if source == nil {
		source = st.Before
	}
	if source == nil {
		source = ch.Identity
	}

	var roots []model.Ref
	for _, r := range cfg.Roots {
		id, found, err := r.Resolve(ctx, db, source)
		if err != nil {
			b.logger().Debug("builder: aggregate root unresolved", "entity", ch.Entity, "root", r.Type, "error", err)
			continue
		}
		if !found {
			continue
		}
		roots = append(roots, model.Ref{Category: r.Category, Type: r.Type, ID: id})
	}
	if len(roots) == 0 {
		b.skip(ctx, ch.Entity, ReasonNoRoot)
		return pending{}, false
	}

	id, err := cfg.ID(source)
	if err != nil || id == "" {
		b.logger().Debug("builder: entity id unresolved", "entity", ch.Entity, "error", err)
		b.skip(ctx, ch.Entity, ReasonUnresolvedID)
		return pending{}, false
	}

	before := schema.StripRelations(b.Schema, ch.Entity, st.Before)
	after := schema.StripRelations(b.Schema, ch.Entity, st.After)

	var changes map[string]model.Change
	if st.Action.IsUpdateClass() && st.Before != nil {
		changes = diff.Compute(before, after, cfg.Exclude)
		if len(changes) == 0 {
			b.skip(ctx, ch.Entity, ReasonNoChanges)
			return pending{}, false
		}
	}

	include := b.IncludeRelations
	if cfg.IncludeRelations != nil {
		include = *cfg.IncludeRelations
	}
	if include {
		before, after = st.Before, st.After
	}

	return pending{
		cfg:     cfg,
		entity:  cfg.Ref(id),
		roots:   roots,
		action:  st.Action,
		before:  diff.Normalize(cfg.Redactor.Row(before)),
		after:   diff.Normalize(cfg.Redactor.Row(after)),
		changes: diff.NormalizeChanges(cfg.Redactor.Changes(changes)),
		source:  source,
	}, true
}

func (b *Builder) actorContext(ctx context.Context, db model.Reader, call Call, actor model.Ref) (map[string]any, error) {
	if !b.Actor.Configured() || !call.HasActor {
		return actor.Context, nil
	}
	key := "actor:" + actor.Key()
	compute := func(ctx context.Context) (map[string]any, error) {
		return b.Actor.Apply(ctx, b.logger(), db, "actor", enrich.Item{Ref: actor})
	}
	if call.Cache == nil {
		return compute(ctx)
	}
	return call.Cache.Get(ctx, key, compute)
}

// entityContexts enriches every item, batching per entity type.
func (b *Builder) entityContexts(ctx context.Context, db model.Reader, items []pending) ([]map[string]any, error) {
	out := make([]map[string]any, len(items))
	byEntity := make(map[string][]int)
	var order []string
	for i, it := range items {
		if !it.cfg.EntityEnricher.Configured() {
			continue
		}
		if _, seen := byEntity[it.cfg.Name]; !seen {
			order = append(order, it.cfg.Name)
		}
		byEntity[it.cfg.Name] = append(byEntity[it.cfg.Name], i)
	}
	for _, name := range order {
		idx := byEntity[name]
		batch := make([]enrich.Item, len(idx))
		for j, i := range idx {
			batch[j] = enrich.Item{Ref: items[i].entity, Row: items[i].source}
		}
		e := items[idx[0]].cfg.EntityEnricher
		res, err := e.ApplyBatch(ctx, b.logger(), db, "entity", batch)
		if err != nil {
			return nil, fmt.Errorf("builder: enrich %s: %w", name, err)
		}
		for j, i := range idx {
			out[i] = res[j]
		}
	}
	return out, nil
}

func groupByConfig(items []pending) [][]pending {
	index := make(map[*mapping.EntityConfig]int)
	var out [][]pending
	for _, it := range items {
		i, ok := index[it.cfg]
		if !ok {
			i = len(out)
			index[it.cfg] = i
			out = append(out, nil)
		}
		out[i] = append(out[i], it)
	}
	return out
}

func (b *Builder) skip(ctx context.Context, entity, reason string) {
	b.logger().Debug("builder: record skipped", "entity", entity, "reason", reason)
	if b.OnSkip != nil {
		b.OnSkip(ctx, entity, reason)
	}
}

// now returns a timestamp that never goes backwards across calls.
func (b *Builder) now() time.Time {
	clock := b.Now
	if clock == nil {
		clock = time.Now
	}
	t := clock().UTC()
	b.mu.Lock()
	defer b.mu.Unlock()
	if t.Before(b.last) {
		t = b.last
	}
	b.last = t
	return t
}

func (b *Builder) logger() *slog.Logger {
	if b.Logger == nil {
		return slog.Default()
	}
	return b.Logger
}
