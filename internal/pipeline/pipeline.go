// Package pipeline orchestrates one audited write: before-state reads, the
// real write, change collection, record building and persistence.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/KuruwiC/prisma-audit-sub002/internal/builder"
	"github.com/KuruwiC/prisma-audit-sub002/internal/ctxutil"
	"github.com/KuruwiC/prisma-audit-sub002/internal/enrich"
	"github.com/KuruwiC/prisma-audit-sub002/internal/mapping"
	"github.com/KuruwiC/prisma-audit-sub002/internal/model"
	"github.com/KuruwiC/prisma-audit-sub002/internal/nested"
	"github.com/KuruwiC/prisma-audit-sub002/internal/telemetry"
	"github.com/KuruwiC/prisma-audit-sub002/internal/writer"
)

// Skip reasons carried by Skipped write results.
const (
	SkipRequested = "skip_requested"
	SkipUnmapped  = "unmapped"
	SkipFiltered  = "filtered_by_hook"
)

// Hook observes records around persistence. BeforePersist may filter or
// rewrite records; an error aborts the call. AfterPersist errors are logged.
type Hook interface {
	BeforePersist(ctx context.Context, recs []model.Record) ([]model.Record, error)
	AfterPersist(ctx context.Context, recs []model.Record, res model.WriteResult) error
}

// Config wires a Pipeline.
type Config struct {
	Client  model.DataClient
	Schema  model.SchemaProvider
	Configs *mapping.Service
	Writer  *writer.Writer
	Logger  *slog.Logger
	Metrics *telemetry.AuditMetrics
	Hooks   []Hook

	// FetchBefore reads the before state of a top-level delete. Updates
	// always read it.
	FetchBefore bool
	// NestedFetch is the default policy for nested update and delete.
	NestedFetch      mapping.FetchPolicy
	IncludeRelations bool
	Actor            *enrich.Enricher
}

// Result is the outcome of Run.
type Result struct {
	Exec    model.ExecResult
	Records []model.Record
	Write   model.WriteResult
}

// Pipeline runs audited writes. One instance serves every call.
type Pipeline struct {
	client      model.DataClient
	schema      model.SchemaProvider
	configs     *mapping.Service
	writer      *writer.Writer
	logger      *slog.Logger
	metrics     *telemetry.AuditMetrics
	hooks       []Hook
	fetchBefore bool
	builder     *builder.Builder
	coordinator *nested.Coordinator
	tracer      trace.Tracer
}

// New builds a Pipeline from cfg.
func New(cfg Config) *Pipeline {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pipeline{
		client:      cfg.Client,
		schema:      cfg.Schema,
		configs:     cfg.Configs,
		writer:      cfg.Writer,
		logger:      logger,
		metrics:     cfg.Metrics,
		hooks:       cfg.Hooks,
		fetchBefore: cfg.FetchBefore,
		tracer:      telemetry.Tracer("prisma-audit/pipeline"),
	}
	p.builder = &builder.Builder{
		Configs:          cfg.Configs,
		Schema:           cfg.Schema,
		IncludeRelations: cfg.IncludeRelations,
		Actor:            cfg.Actor,
		Logger:           logger,
		OnSkip: func(ctx context.Context, entity, reason string) {
			p.metrics.Skipped(ctx, entity, reason)
			if reason == builder.ReasonNoChanges {
				p.metrics.Suppressed(ctx, entity)
			}
		},
	}
	global := cfg.NestedFetch
	p.coordinator = &nested.Coordinator{
		Schema: cfg.Schema,
		Logger: logger,
		Policy: func(entity string) nested.Policy {
			fp := global
			if c, ok := cfg.Configs.Lookup(entity); ok && c.NestedFetch != nil {
				fp = *c.NestedFetch
			}
			return nested.Policy{Update: fp.Update, Delete: fp.Delete}
		},
		OnFailure: func(ctx context.Context, op model.NestedOperation, _ error) {
			p.metrics.PrefetchFailed(ctx, op.Entity, op.Kind.String())
		},
	}
	return p
}

// Active returns the handle a call on ctx must use: the open transaction's
// handle, or the base client.
func (p *Pipeline) Active(ctx context.Context) model.DataClient {
	if s := ctxutil.ScopeFromContext(ctx); s != nil {
		return s.Handle()
	}
	return p.client
}

// Run executes op and audits it. A failed write returns its error and
// produces no records. Audit failures that must reach the caller (an
// escalated enrichment error, a synchronous persist error, a hook error)
// are returned after the write has run.
func (p *Pipeline) Run(ctx context.Context, op model.Operation) (Result, error) {
	active := p.Active(ctx)

	if ctxutil.SkipFromContext(ctx) {
		exec, err := active.Execute(ctx, op)
		return Result{Exec: exec, Write: model.Skipped(SkipRequested)}, err
	}
	if _, ok := p.configs.Lookup(op.Entity); !ok {
		exec, err := active.Execute(ctx, op)
		return Result{Exec: exec, Write: model.Skipped(SkipUnmapped)}, err
	}

	ctx, span := p.tracer.Start(ctx, "audit.run", trace.WithAttributes(
		attribute.String("audit.entity", op.Entity),
		attribute.String("audit.operation", op.Kind.String()),
		attribute.Bool("audit.in_transaction", ctxutil.ScopeFromContext(ctx) != nil),
	))
	defer span.End()

	res, err := p.run(ctx, active, op)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.SetAttributes(attribute.Int("audit.records", len(res.Records)))
	return res, err
}

func (p *Pipeline) run(ctx context.Context, active model.DataClient, op model.Operation) (Result, error) {
	call := p.call(ctx)

	before := p.fetchTop(ctx, active, op)

	ops := p.detect(op)
	var found *nested.Results
	if len(ops) > 0 {
		sctx, span := p.tracer.Start(ctx, "audit.prefetch", trace.WithAttributes(attribute.Int("audit.nested_ops", len(ops))))
		found = p.coordinator.Prefetch(sctx, active, nested.Root{
			Entity: op.Entity,
			Kind:   op.Kind,
			Where:  op.Where,
			Before: before.single(),
		}, ops)
		span.End()
		op.Include = mergeInclude(op.Include, nested.Include(ops))
	}

	sctx, span := p.tracer.Start(ctx, "audit.execute")
	exec, err := active.Execute(sctx, op)
	span.End()
	if err != nil {
		return Result{}, err
	}
	out := Result{Exec: exec}

	changes := p.changes(ctx, active, op, before, exec)
	if len(ops) > 0 {
		for _, c := range nested.Collect(ctx, active, p.schema, ops, found, exec.First()) {
			nop := c.Op
			changes = append(changes, builder.Change{
				Entity:   nop.Entity,
				Kind:     nop.Kind,
				Nested:   &nop,
				Before:   c.Before,
				After:    c.After,
				Identity: c.Identity,
			})
		}
	}

	sctx, span = p.tracer.Start(ctx, "audit.build", trace.WithAttributes(attribute.Int("audit.changes", len(changes))))
	recs, err := p.builder.Build(sctx, active, call, changes)
	span.End()
	if err != nil {
		return out, fmt.Errorf("pipeline: build %s %s: %w", op.Kind, op.Entity, err)
	}

	hadRecords := len(recs) > 0
	for _, h := range p.hooks {
		recs, err = h.BeforePersist(ctx, recs)
		if err != nil {
			return out, fmt.Errorf("pipeline: before persist hook: %w", err)
		}
	}
	out.Records = recs
	if hadRecords && len(recs) == 0 {
		out.Write = model.Skipped(SkipFiltered)
		return out, nil
	}

	sctx, span = p.tracer.Start(ctx, "audit.persist", trace.WithAttributes(attribute.Int("audit.records", len(recs))))
	wr, err := p.writer.Write(sctx, active, ctxutil.ScopeFromContext(ctx), recs)
	span.End()
	if err != nil {
		return out, err
	}
	out.Write = wr
	for _, r := range recs {
		p.metrics.Emitted(ctx, r.Entity.Type, 1)
	}

	for _, h := range p.hooks {
		if err := h.AfterPersist(ctx, recs, wr); err != nil {
			p.logger.Error("pipeline: after persist hook failed", "entity", op.Entity, "error", err)
		}
	}
	return out, nil
}

func (p *Pipeline) call(ctx context.Context) builder.Call {
	actor, ok := ctxutil.ActorFromContext(ctx)
	return builder.Call{
		Actor:          actor,
		HasActor:       ok,
		RequestContext: ctxutil.RequestContextFromContext(ctx),
		Cache:          enrich.NewCache(),
	}
}

// detect finds the nested operations of a write. Batch writes carry no
// relation payloads.
func (p *Pipeline) detect(op model.Operation) []model.NestedOperation {
	switch op.Kind {
	case model.OpCreate, model.OpUpdate:
		return nested.Detect(p.schema, op.Entity, op.Data)
	case model.OpUpsert:
		return nested.DetectUpsert(p.schema, op.Entity, op.Create, op.Update)
	default:
		return nil
	}
}

// mergeInclude returns a fresh tree so the caller's Include is never mutated.
func mergeInclude(base, extra model.Include) model.Include {
	if len(base) == 0 && len(extra) == 0 {
		return base
	}
	out := model.Include{}
	out.Merge(base)
	out.Merge(extra)
	return out
}
