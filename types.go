package audit

import (
	"github.com/KuruwiC/prisma-audit-sub002/internal/builder"
	"github.com/KuruwiC/prisma-audit-sub002/internal/enrich"
	"github.com/KuruwiC/prisma-audit-sub002/internal/mapping"
	"github.com/KuruwiC/prisma-audit-sub002/internal/model"
	"github.com/KuruwiC/prisma-audit-sub002/internal/pipeline"
	"github.com/KuruwiC/prisma-audit-sub002/internal/schema"
	"github.com/KuruwiC/prisma-audit-sub002/internal/writer"
)

// Records and the write contract.
type (
	Record       = model.Record
	Ref          = model.Ref
	Row          = model.Row
	Action       = model.Action
	Change       = model.Change
	Operation    = model.Operation
	OpKind       = model.OpKind
	Include      = model.Include
	ExecResult   = model.ExecResult
	WriteResult  = model.WriteResult
	WriteKind    = model.WriteKind
	Result       = pipeline.Result
	Hook         = pipeline.Hook
	ErrorHandler = writer.ErrorHandler
	AwaitFunc    = writer.AwaitFunc
)

// Collaborators supplied by the caller.
type (
	Reader         = model.Reader
	DataClient     = model.DataClient
	SchemaProvider = model.SchemaProvider
	RelationField  = model.RelationField
	Sink           = model.Sink
	BatchSink      = model.BatchSink
	MemorySink     = writer.MemorySink
	Schema         = schema.Registry
	SchemaModel    = schema.Model
)

// Mapping configuration.
type (
	Mapping         = mapping.Mapping
	Definition      = mapping.Definition
	Root            = mapping.Root
	FetchPolicy     = mapping.FetchPolicy
	IDResolver      = mapping.IDResolver
	RootResolver    = mapping.RootResolver
	Enricher        = enrich.Enricher
	EnrichItem      = enrich.Item
	EnrichFunc      = enrich.Func
	BatchEnrichFunc = enrich.BatchFunc
	ErrorStrategy   = enrich.ErrorStrategy
)

const (
	ActionCreate = model.ActionCreate
	ActionUpdate = model.ActionUpdate
	ActionDelete = model.ActionDelete

	OpCreate     = model.OpCreate
	OpCreateMany = model.OpCreateMany
	OpUpdate     = model.OpUpdate
	OpUpdateMany = model.OpUpdateMany
	OpUpsert     = model.OpUpsert
	OpDelete     = model.OpDelete
	OpDeleteMany = model.OpDeleteMany

	WriteImmediate = model.WriteImmediate
	WriteDeferred  = model.WriteDeferred
	WriteSkipped   = model.WriteSkipped

	// Wildcard keys an aggregate enricher that applies to every root type.
	Wildcard = enrich.Wildcard

	SkipRequested = pipeline.SkipRequested
	SkipUnmapped  = pipeline.SkipUnmapped
	SkipFiltered  = pipeline.SkipFiltered
)

// Sentinel errors. Match with errors.Is.
var (
	ErrInvalidConfig    = model.ErrInvalidConfig
	ErrEnrichmentFailed = model.ErrEnrichmentFailed
	ErrPersistFailed    = model.ErrPersistFailed
)

// SystemActor is recorded when a call carries no actor.
var SystemActor = builder.SystemActor

// NewSchema builds a schema registry from model declarations.
func NewSchema(models ...SchemaModel) (*Schema, error) {
	return schema.NewRegistry(models...)
}

// Self makes the entity its own aggregate root.
func Self(category, typ string, id IDResolver) Root { return mapping.Self(category, typ, id) }

// FieldRoot resolves a root of type typ from a foreign-key field on the row.
func FieldRoot(typ, field string) Root { return mapping.FieldRoot(typ, field) }

// LookupRoot resolves a root by reading the related record through fk and
// taking rootField from it.
func LookupRoot(typ, related, fk, rootField string) Root {
	return mapping.LookupRoot(typ, related, fk, rootField)
}

// Field resolves an id from a named field.
func Field(name string) IDResolver { return mapping.Field(name) }

// DefaultID resolves an id from "id", then "<singular entity>Id".
func DefaultID(entity string) IDResolver { return mapping.DefaultID(entity) }

// LogOnError logs enrichment failures and records a nil context.
func LogOnError() ErrorStrategy { return enrich.Log() }

// FailOnError surfaces enrichment failures as ErrEnrichmentFailed.
func FailOnError() ErrorStrategy { return enrich.Fail() }

// FallbackOnError records v in place of a failed enrichment.
func FallbackOnError(v map[string]any) ErrorStrategy { return enrich.Fallback(v) }
