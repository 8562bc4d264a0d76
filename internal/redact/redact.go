// Package redact masks sensitive fields in snapshots and change sets.
package redact

import (
	"github.com/KuruwiC/prisma-audit-sub002/internal/model"
)

// DefaultMask replaces redacted values.
const DefaultMask = "[REDACTED]"

// Func computes the replacement for one redacted value.
type Func func(field string, v any) any

// Redactor masks a fixed set of field names at any depth. The zero value
// redacts nothing.
type Redactor struct {
	fields map[string]Func
}

// New builds a Redactor that replaces each named field with mask.
func New(fields []string, mask any) Redactor {
	if mask == nil {
		mask = DefaultMask
	}
	m := make(map[string]Func, len(fields))
	for _, f := range fields {
		m[f] = func(string, any) any { return mask }
	}
	return Redactor{fields: m}
}

// With returns a copy of r that also redacts field using fn.
func (r Redactor) With(field string, fn Func) Redactor {
	m := make(map[string]Func, len(r.fields)+1)
	for k, v := range r.fields {
		m[k] = v
	}
	m[field] = fn
	return Redactor{fields: m}
}

// Merge returns a Redactor covering the fields of both.
func (r Redactor) Merge(other Redactor) Redactor {
	out := r
	for k, fn := range other.fields {
		out = out.With(k, fn)
	}
	return out
}

// Empty reports whether r redacts nothing.
func (r Redactor) Empty() bool {
	return len(r.fields) == 0
}

// Has reports whether field is redacted.
func (r Redactor) Has(field string) bool {
	_, ok := r.fields[field]
	return ok
}

// Row returns a redacted deep copy of row. Nil values stay nil.
func (r Redactor) Row(row model.Row) model.Row {
	if row == nil || r.Empty() {
		return row
	}
	out := make(model.Row, len(row))
	for k, v := range row {
		out[k] = r.value(k, v)
	}
	return out
}

// Changes returns a redacted copy of changes.
func (r Redactor) Changes(changes map[string]model.Change) map[string]model.Change {
	if changes == nil || r.Empty() {
		return changes
	}
	out := make(map[string]model.Change, len(changes))
	for k, c := range changes {
		out[k] = model.Change{Old: r.value(k, c.Old), New: r.value(k, c.New)}
	}
	return out
}

func (r Redactor) value(field string, v any) any {
	if fn, ok := r.fields[field]; ok {
		if v == nil {
			return nil
		}
		return fn(field, v)
	}
	return r.walk(v)
}

// walk descends into nested rows and slices of rows.
func (r Redactor) walk(v any) any {
	switch t := v.(type) {
	case model.Row:
		return r.Row(t)
	case []model.Row:
		out := make([]model.Row, len(t))
		for i, row := range t {
			out[i] = r.Row(row)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = r.walk(e)
		}
		return out
	default:
		return v
	}
}
