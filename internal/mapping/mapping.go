// Package mapping compiles declarative per-entity audit definitions into
// immutable EntityConfig values, validated once at startup.
package mapping

import (
	"context"
	"fmt"
	"unicode"

	"github.com/jinzhu/inflection"

	"github.com/KuruwiC/prisma-audit-sub002/internal/enrich"
	"github.com/KuruwiC/prisma-audit-sub002/internal/model"
	"github.com/KuruwiC/prisma-audit-sub002/internal/redact"
)

// DefaultCategory labels entities and aggregates without an explicit category.
const DefaultCategory = "model"

// IDResolver extracts the entity id from a snapshot.
type IDResolver func(row model.Row) (string, error)

// RootResolver locates one aggregate root for an entity snapshot. ok=false
// means the entity has no root of this type for this change.
type RootResolver func(ctx context.Context, db model.Reader, row model.Row) (id string, ok bool, err error)

// Root declares one aggregate root an entity belongs to.
type Root struct {
	Category string
	Type     string
	Resolve  RootResolver
}

// FetchPolicy controls whether nested update/delete operations on an entity
// pre-fetch their before state.
type FetchPolicy struct {
	Update bool
	Delete bool
}

// Definition is the declarative audit configuration of one entity type.
type Definition struct {
	Category string
	// Type defaults to the entity name.
	Type string
	// ID defaults to DefaultID(entity).
	ID IDResolver
	// Roots defaults to the entity being its own aggregate root.
	Roots            []Root
	ExcludeFields    []string
	RedactFields     []string
	NestedFetch      *FetchPolicy
	IncludeRelations *bool
	AwaitWrite       *bool
	Entity           *enrich.Enricher
	Aggregates       map[string]*enrich.Enricher
	Tags             []string
}

// Mapping keys definitions by entity type.
type Mapping map[string]Definition

// Globals are the client-wide defaults merged into each EntityConfig.
type Globals struct {
	ExcludeFields []string
	RedactFields  []string
	RedactMask    any
}

// EntityConfig is the compiled, immutable configuration of one entity type.
type EntityConfig struct {
	Name             string
	Category         string
	Type             string
	ID               IDResolver
	Roots            []Root
	Exclude          map[string]struct{}
	Redactor         redact.Redactor
	NestedFetch      *FetchPolicy
	IncludeRelations *bool
	AwaitWrite       *bool
	EntityEnricher   *enrich.Enricher
	Aggregates       map[string]*enrich.Enricher
	Tags             []string
}

// Ref builds the entity reference for id.
func (c *EntityConfig) Ref(id string) model.Ref {
	return model.Ref{Category: c.Category, Type: c.Type, ID: id}
}

// Service answers per-operation config lookups. It is safe for concurrent use
// because it is never mutated after Compile.
type Service struct {
	configs map[string]*EntityConfig
	byType  map[string]*EntityConfig
}

// Lookup returns the config for entity, or false when it is not audited.
func (s *Service) Lookup(entity string) (*EntityConfig, bool) {
	if s == nil {
		return nil, false
	}
	c, ok := s.configs[entity]
	return c, ok
}

// ByType returns the config whose record type label is typ. When several
// entities share a label the lexically first entity name wins.
func (s *Service) ByType(typ string) (*EntityConfig, bool) {
	if s == nil {
		return nil, false
	}
	c, ok := s.byType[typ]
	return c, ok
}

// Entities returns the number of audited entity types.
func (s *Service) Entities() int {
	if s == nil {
		return 0
	}
	return len(s.configs)
}

// Compile validates m against the globals and the schema and returns the
// lookup service. known may be nil when no schema registry is available.
func Compile(m Mapping, g Globals, known func(entity string) bool) (*Service, error) {
	globalRedact := redact.New(g.RedactFields, g.RedactMask)
	for _, f := range g.ExcludeFields {
		if globalRedact.Has(f) {
			return nil, fmt.Errorf("%w: field %q is both excluded and redacted", model.ErrInvalidConfig, f)
		}
	}

	s := &Service{
		configs: make(map[string]*EntityConfig, len(m)),
		byType:  make(map[string]*EntityConfig, len(m)),
	}
	for entity, def := range m {
		c, err := compileOne(entity, def, g, globalRedact, known)
		if err != nil {
			return nil, err
		}
		s.configs[entity] = c
	}
	for _, c := range s.configs {
		if prev, ok := s.byType[c.Type]; !ok || c.Name < prev.Name {
			s.byType[c.Type] = c
		}
	}
	return s, nil
}

func compileOne(entity string, def Definition, g Globals, globalRedact redact.Redactor, known func(string) bool) (*EntityConfig, error) {
	if entity == "" {
		return nil, fmt.Errorf("%w: empty entity name", model.ErrInvalidConfig)
	}
	if known != nil && !known(entity) {
		return nil, fmt.Errorf("%w: entity %q is not in the schema", model.ErrInvalidConfig, entity)
	}

	c := &EntityConfig{
		Name:             entity,
		Category:         def.Category,
		Type:             def.Type,
		ID:               def.ID,
		Roots:            def.Roots,
		Exclude:          make(map[string]struct{}, len(g.ExcludeFields)+len(def.ExcludeFields)),
		NestedFetch:      def.NestedFetch,
		IncludeRelations: def.IncludeRelations,
		AwaitWrite:       def.AwaitWrite,
		EntityEnricher:   def.Entity,
		Aggregates:       def.Aggregates,
		Tags:             def.Tags,
	}
	if c.Category == "" {
		c.Category = DefaultCategory
	}
	if c.Type == "" {
		c.Type = entity
	}
	if c.ID == nil {
		c.ID = DefaultID(entity)
	}
	if len(c.Roots) == 0 {
		c.Roots = []Root{Self(c.Category, c.Type, c.ID)}
	}
	for i, r := range c.Roots {
		if r.Type == "" {
			return nil, fmt.Errorf("%w: %s: aggregate root %d has no type", model.ErrInvalidConfig, entity, i)
		}
		if r.Resolve == nil {
			return nil, fmt.Errorf("%w: %s: aggregate root %q has no resolver", model.ErrInvalidConfig, entity, r.Type)
		}
		if r.Category == "" {
			c.Roots[i].Category = DefaultCategory
		}
	}

	for _, f := range g.ExcludeFields {
		c.Exclude[f] = struct{}{}
	}
	for _, f := range def.ExcludeFields {
		c.Exclude[f] = struct{}{}
	}
	c.Redactor = globalRedact.Merge(redact.New(def.RedactFields, g.RedactMask))
	for f := range c.Exclude {
		if c.Redactor.Has(f) {
			return nil, fmt.Errorf("%w: %s: field %q is both excluded and redacted", model.ErrInvalidConfig, entity, f)
		}
	}
	return c, nil
}

// DefaultID resolves "id", then "<singular entity>Id" (for example "userId"
// for User or Users).
func DefaultID(entity string) IDResolver {
	fk := lowerFirst(inflection.Singular(entity)) + "Id"
	return func(row model.Row) (string, error) {
		if v, ok := row["id"]; ok && v != nil {
			return stringify(v), nil
		}
		if v, ok := row[fk]; ok && v != nil {
			return stringify(v), nil
		}
		return "", fmt.Errorf("mapping: no id or %s field", fk)
	}
}

// Field resolves the id from a single field.
func Field(name string) IDResolver {
	return func(row model.Row) (string, error) {
		v, ok := row[name]
		if !ok || v == nil {
			return "", fmt.Errorf("mapping: field %q is missing", name)
		}
		return stringify(v), nil
	}
}

// Self makes the entity its own aggregate root.
func Self(category, typ string, id IDResolver) Root {
	return Root{Category: category, Type: typ, Resolve: func(_ context.Context, _ model.Reader, row model.Row) (string, bool, error) {
		v, err := id(row)
		if err != nil {
			return "", false, err
		}
		return v, true, nil
	}}
}

// FieldRoot takes the root id from a foreign-key field on the entity. A null
// foreign key means the entity has no root of this type.
func FieldRoot(typ, field string) Root {
	return Root{Type: typ, Resolve: func(_ context.Context, _ model.Reader, row model.Row) (string, bool, error) {
		v, ok := row[field]
		if !ok || v == nil {
			return "", false, nil
		}
		return stringify(v), true, nil
	}}
}

// LookupRoot follows fk to the related entity and takes the root id from
// rootField on that record, for example Comment.postId -> Post.authorId.
func LookupRoot(typ, related, fk, rootField string) Root {
	return Root{Type: typ, Resolve: func(ctx context.Context, db model.Reader, row model.Row) (string, bool, error) {
		v, ok := row[fk]
		if !ok || v == nil {
			return "", false, nil
		}
		rec, err := db.FindUnique(ctx, related, model.Row{"id": v})
		if err != nil {
			return "", false, fmt.Errorf("mapping: lookup %s: %w", related, err)
		}
		if rec == nil || rec[rootField] == nil {
			return "", false, nil
		}
		return stringify(rec[rootField]), true, nil
	}}
}

func stringify(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

func lowerFirst(s string) string {
	if s == "" {
		return s
	}
	r := []rune(s)
	r[0] = unicode.ToLower(r[0])
	return string(r)
}
