// Package schema adapts relation and unique-constraint metadata for the audit
// pipeline. A Registry is a static SchemaProvider; the helpers here work on
// any provider.
package schema

import (
	"fmt"
	"sort"
	"strings"

	"github.com/KuruwiC/prisma-audit-sub002/internal/model"
)

// Model declares one entity type.
type Model struct {
	Name string
	// Unique lists unique field sets. The first entry is the primary key.
	// Defaults to [["id"]] when empty.
	Unique    [][]string
	Relations []model.RelationField
}

// Registry is an immutable, in-memory SchemaProvider.
type Registry struct {
	models map[string]Model
}

// NewRegistry validates models and builds a Registry. Relation targets must
// be declared, and owning-side Fields/References must have equal length.
func NewRegistry(models ...Model) (*Registry, error) {
	r := &Registry{models: make(map[string]Model, len(models))}
	for _, m := range models {
		if m.Name == "" {
			return nil, fmt.Errorf("schema: model name is required")
		}
		if _, dup := r.models[m.Name]; dup {
			return nil, fmt.Errorf("schema: duplicate model %q", m.Name)
		}
		if len(m.Unique) == 0 {
			m.Unique = [][]string{{"id"}}
		}
		r.models[m.Name] = m
	}
	for _, m := range r.models {
		for _, rel := range m.Relations {
			if _, ok := r.models[rel.Related]; !ok {
				return nil, fmt.Errorf("schema: %s.%s references unknown model %q", m.Name, rel.Name, rel.Related)
			}
			if len(rel.Fields) != len(rel.References) {
				return nil, fmt.Errorf("schema: %s.%s: fields and references differ in length", m.Name, rel.Name)
			}
		}
	}
	return r, nil
}

// Has reports whether entity is declared.
func (r *Registry) Has(entity string) bool {
	_, ok := r.models[entity]
	return ok
}

// Models returns the declared entity names, sorted.
func (r *Registry) Models() []string {
	out := make([]string, 0, len(r.models))
	for name := range r.models {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (r *Registry) UniqueConstraints(entity string) [][]string {
	return r.models[entity].Unique
}

func (r *Registry) Relations(entity string) []model.RelationField {
	return r.models[entity].Relations
}

// Relation returns the relation field named field on entity.
func Relation(p model.SchemaProvider, entity, field string) (model.RelationField, bool) {
	if p == nil {
		return model.RelationField{}, false
	}
	for _, rel := range p.Relations(entity) {
		if rel.Name == field {
			return rel, true
		}
	}
	return model.RelationField{}, false
}

// PrimaryKey returns the first unique constraint of entity, or ["id"].
func PrimaryKey(p model.SchemaProvider, entity string) []string {
	if p != nil {
		if u := p.UniqueConstraints(entity); len(u) > 0 && len(u[0]) > 0 {
			return u[0]
		}
	}
	return []string{"id"}
}

// StripRelations returns a shallow copy of row without relation fields.
func StripRelations(p model.SchemaProvider, entity string, row model.Row) model.Row {
	if row == nil || p == nil {
		return row
	}
	rels := p.Relations(entity)
	if len(rels) == 0 {
		return row
	}
	out := make(model.Row, len(row))
	for k, v := range row {
		out[k] = v
	}
	for _, rel := range rels {
		delete(out, rel.Name)
	}
	return out
}

// CanonicalFilter normalizes a where clause into a flat unique filter.
//
// Compound unique inputs of the form {"a_b": {"a": 1, "b": 2}} are expanded.
// The first unique constraint fully covered by the flattened filter wins and
// only its fields are kept. ok is false when no constraint is covered.
func CanonicalFilter(p model.SchemaProvider, entity string, where model.Row) (model.Row, bool) {
	if len(where) == 0 {
		return nil, false
	}
	flat := Flatten(where)
	constraints := [][]string{{"id"}}
	if p != nil {
		if u := p.UniqueConstraints(entity); len(u) > 0 {
			constraints = u
		}
	}
	for _, fields := range constraints {
		out := make(model.Row, len(fields))
		covered := true
		for _, f := range fields {
			v, ok := flat[f]
			if !ok || v == nil {
				covered = false
				break
			}
			if _, isMap := v.(model.Row); isMap {
				covered = false
				break
			}
			out[f] = v
		}
		if covered {
			return out, true
		}
	}
	return nil, false
}

// Flatten expands compound unique inputs one level deep. Keys that are not
// compound inputs are copied unchanged.
func Flatten(where model.Row) model.Row {
	out := make(model.Row, len(where))
	for k, v := range where {
		inner, ok := v.(model.Row)
		if !ok || !strings.Contains(k, "_") || !compoundOf(k, inner) {
			out[k] = v
			continue
		}
		for ik, iv := range inner {
			out[ik] = iv
		}
	}
	return out
}

func compoundOf(key string, inner model.Row) bool {
	parts := strings.Split(key, "_")
	if len(parts) != len(inner) {
		return false
	}
	for _, p := range parts {
		if _, ok := inner[p]; !ok {
			return false
		}
	}
	return true
}

// FilterKey renders filter as a stable string key: sorted field=value pairs
// joined with '&'.
func FilterKey(filter model.Row) string {
	keys := make([]string, 0, len(filter))
	for k := range filter {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		fmt.Fprintf(&b, "%s=%v", k, filter[k])
	}
	return b.String()
}

// IsScalarFilter reports whether every value in where is a plain equality
// value (no nested operators or relation filters).
func IsScalarFilter(where model.Row) bool {
	for _, v := range where {
		switch v.(type) {
		case model.Row, []any:
			return false
		}
	}
	return true
}
