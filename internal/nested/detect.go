// Package nested finds relation writes inside a write payload, pre-fetches
// their before states ahead of the real write, and pairs them with their
// after states once the write has run.
package nested

import (
	"sort"

	"github.com/KuruwiC/prisma-audit-sub002/internal/model"
	"github.com/KuruwiC/prisma-audit-sub002/internal/schema"
)

// Detect walks data, the write payload for entity, and returns every nested
// operation in depth-first order. Parents always precede their children.
// Array payloads under a keyword become one operation per element sharing a
// dot-path.
func Detect(p model.SchemaProvider, entity string, data model.Row) []model.NestedOperation {
	var ops []model.NestedOperation
	walk(p, entity, data, "", 0, -1, &ops)
	return ops
}

// DetectUpsert scans both branches of a top-level upsert.
func DetectUpsert(p model.SchemaProvider, entity string, create, update model.Row) []model.NestedOperation {
	var ops []model.NestedOperation
	walk(p, entity, create, "", 0, -1, &ops)
	walk(p, entity, update, "", 0, -1, &ops)
	return ops
}

func walk(p model.SchemaProvider, entity string, data model.Row, parentPath string, depth, parentOp int, ops *[]model.NestedOperation) {
	if len(data) == 0 || p == nil {
		return
	}
	fields := make([]string, 0, len(data))
	for k := range data {
		fields = append(fields, k)
	}
	sort.Strings(fields)

	for _, field := range fields {
		rel, ok := schema.Relation(p, entity, field)
		if !ok {
			continue
		}
		body, ok := data[field].(model.Row)
		if !ok {
			continue
		}
		path := field
		if parentPath != "" {
			path = parentPath + "." + field
		}
		for _, kw := range model.NestedKeywords {
			raw, present := body[kw]
			if !present {
				continue
			}
			kind, _ := model.ParseOpKind(kw)
			for _, e := range entries(kind, raw) {
				op := model.NestedOperation{
					Kind:       kind,
					Field:      field,
					Parent:     entity,
					Entity:     rel.Related,
					Relation:   rel,
					Payload:    e.payload,
					Path:       path,
					ParentPath: parentPath,
					Depth:      depth + 1,
					Index:      e.index,
					ParentOp:   parentOp,
				}
				*ops = append(*ops, op)
				self := len(*ops) - 1
				for _, child := range childData(op) {
					walk(p, rel.Related, child, path, depth+1, self, ops)
				}
			}
		}
	}
}

type entry struct {
	payload any
	index   int
}

func entries(kind model.OpKind, raw any) []entry {
	if kind == model.OpCreateMany {
		body, ok := raw.(model.Row)
		if !ok {
			return nil
		}
		raw = body["data"]
	}
	switch v := raw.(type) {
	case []any:
		out := make([]entry, 0, len(v))
		for i, e := range v {
			out = append(out, entry{payload: e, index: i})
		}
		return out
	case []model.Row:
		out := make([]entry, 0, len(v))
		for i, e := range v {
			out = append(out, entry{payload: e, index: i})
		}
		return out
	case nil:
		return nil
	default:
		return []entry{{payload: v, index: -1}}
	}
}

// childData returns the payload parts of op that may carry further nested
// writes.
func childData(op model.NestedOperation) []model.Row {
	m, ok := op.Payload.(model.Row)
	if !ok {
		return nil
	}
	switch op.Kind {
	case model.OpCreate:
		return []model.Row{m}
	case model.OpUpdate:
		return []model.Row{DataOf(m)}
	case model.OpUpsert:
		return rows(m["create"], m["update"])
	case model.OpConnectOrCreate:
		return rows(m["create"])
	default:
		return nil
	}
}

// DataOf returns the data part of an update payload: the "data" key when
// present, otherwise the payload itself (to-one shorthand).
func DataOf(m model.Row) model.Row {
	if d, ok := m["data"].(model.Row); ok {
		return d
	}
	return m
}

func rows(vals ...any) []model.Row {
	out := make([]model.Row, 0, len(vals))
	for _, v := range vals {
		if r, ok := v.(model.Row); ok {
			out = append(out, r)
		}
	}
	return out
}
