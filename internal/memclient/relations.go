package memclient

import (
	"fmt"

	"github.com/KuruwiC/prisma-audit-sub002/internal/model"
	"github.com/KuruwiC/prisma-audit-sub002/internal/schema"
)

// applyOwned handles relations whose foreign key lives on row: it writes
// or locates the related record and copies its key into row.
func (e *executor) applyOwned(entity string, row model.Row, rels map[string]model.Row, creating bool) error {
	for name, body := range rels {
		rel, _ := schema.Relation(e.p, entity, name)
		if !rel.OwnsForeignKey() || rel.List {
			continue
		}
		target, clear, err := e.ownedTarget(rel, row, body, creating)
		if err != nil {
			return fmt.Errorf("memclient: %s.%s: %w", entity, name, err)
		}
		for j, f := range rel.Fields {
			switch {
			case clear:
				row[f] = nil
			case target != nil:
				row[f] = target[rel.References[j]]
			}
		}
	}
	return nil
}

func (e *executor) currentOwned(rel model.RelationField, row model.Row) model.Row {
	where := make(model.Row, len(rel.Fields))
	for j, f := range rel.Fields {
		if row[f] == nil {
			return nil
		}
		where[rel.References[j]] = row[f]
	}
	return e.findOne(rel.Related, where)
}

func (e *executor) ownedTarget(rel model.RelationField, row, body model.Row, creating bool) (target model.Row, clear bool, err error) {
	for _, kw := range model.NestedKeywords {
		raw, ok := body[kw]
		if !ok {
			continue
		}
		arg, _ := raw.(model.Row)
		switch kw {
		case "connect":
			t := e.findOne(rel.Related, arg)
			if t == nil {
				return nil, false, fmt.Errorf("%w: connect %s %v", ErrNotFound, rel.Related, arg)
			}
			return t, false, nil
		case "create":
			t, err := e.create(rel.Related, arg, nil)
			return t, false, err
		case "connectOrCreate":
			where, _ := arg["where"].(model.Row)
			if t := e.findOne(rel.Related, where); t != nil {
				return t, false, nil
			}
			create, _ := arg["create"].(model.Row)
			t, err := e.create(rel.Related, create, nil)
			return t, false, err
		case "update":
			cur := e.currentOwned(rel, row)
			if cur == nil || creating {
				return nil, false, fmt.Errorf("%w: update %s", ErrNotFound, rel.Related)
			}
			t, err := e.update(rel.Related, cur, dataOf(arg))
			return t, false, err
		case "upsert":
			if cur := e.currentOwned(rel, row); cur != nil && !creating {
				upd, _ := arg["update"].(model.Row)
				t, err := e.update(rel.Related, cur, upd)
				return t, false, err
			}
			create, _ := arg["create"].(model.Row)
			t, err := e.create(rel.Related, create, nil)
			return t, false, err
		case "delete":
			cur := e.currentOwned(rel, row)
			if cur == nil {
				return nil, false, fmt.Errorf("%w: delete %s", ErrNotFound, rel.Related)
			}
			e.st.remove(rel.Related, e.key(rel.Related, cur))
			return nil, true, nil
		}
	}
	if d, ok := body["disconnect"]; ok && d != false {
		return nil, true, nil
	}
	return nil, false, nil
}

// applyInverse handles relations whose foreign key lives on the related
// records, pointing back at row.
func (e *executor) applyInverse(entity string, row model.Row, rels map[string]model.Row) error {
	for name, body := range rels {
		rel, _ := schema.Relation(e.p, entity, name)
		if rel.OwnsForeignKey() {
			continue
		}
		inv, ok := e.inverse(rel.Related, entity)
		if !ok {
			return fmt.Errorf("memclient: %s.%s: no owning relation on %s", entity, name, rel.Related)
		}
		fk := make(model.Row, len(inv.Fields))
		for j, f := range inv.Fields {
			fk[f] = row[inv.References[j]]
		}
		if err := e.applyChildren(rel, fk, body); err != nil {
			return fmt.Errorf("memclient: %s.%s: %w", entity, name, err)
		}
	}
	return nil
}

func (e *executor) inverse(entity, parent string) (model.RelationField, bool) {
	if e.p == nil {
		return model.RelationField{}, false
	}
	for _, r := range e.p.Relations(entity) {
		if r.Related == parent && r.OwnsForeignKey() {
			return r, true
		}
	}
	return model.RelationField{}, false
}

func (e *executor) applyChildren(rel model.RelationField, fk, body model.Row) error {
	child := rel.Related
	scoped := func(where model.Row) model.Row {
		out := make(model.Row, len(where)+len(fk))
		for k, v := range schema.Flatten(where) {
			out[k] = v
		}
		for k, v := range fk {
			out[k] = v
		}
		return out
	}
	for _, kw := range model.NestedKeywords {
		raw, ok := body[kw]
		if !ok {
			continue
		}
		if kw == "createMany" {
			m, _ := raw.(model.Row)
			raw = m["data"]
		}
		for _, item := range list(raw) {
			arg, _ := item.(model.Row)
			switch kw {
			case "create", "createMany":
				if _, err := e.create(child, arg, fk); err != nil {
					return err
				}
			case "connect":
				cur := e.findOne(child, arg)
				if cur == nil {
					return fmt.Errorf("%w: connect %s %v", ErrNotFound, child, arg)
				}
				if _, err := e.update(child, cur, fk); err != nil {
					return err
				}
			case "connectOrCreate":
				where, _ := arg["where"].(model.Row)
				if cur := e.findOne(child, where); cur != nil {
					if _, err := e.update(child, cur, fk); err != nil {
						return err
					}
					continue
				}
				create, _ := arg["create"].(model.Row)
				if _, err := e.create(child, create, fk); err != nil {
					return err
				}
			case "update":
				where, _ := arg["where"].(model.Row)
				cur := e.findOne(child, scoped(where))
				if cur == nil {
					return fmt.Errorf("%w: update %s %v", ErrNotFound, child, where)
				}
				if _, err := e.update(child, cur, dataOf(arg)); err != nil {
					return err
				}
			case "upsert":
				where, _ := arg["where"].(model.Row)
				if cur := e.findOne(child, scoped(where)); cur != nil {
					upd, _ := arg["update"].(model.Row)
					if _, err := e.update(child, cur, upd); err != nil {
						return err
					}
					continue
				}
				create, _ := arg["create"].(model.Row)
				if _, err := e.create(child, create, fk); err != nil {
					return err
				}
			case "updateMany":
				where, _ := arg["where"].(model.Row)
				data, _ := arg["data"].(model.Row)
				for _, cur := range e.findAll(child, scoped(where)) {
					if _, err := e.update(child, cur, data); err != nil {
						return err
					}
				}
			case "delete":
				var where model.Row
				if arg != nil {
					where = arg
				}
				cur := e.findOne(child, scoped(where))
				if cur == nil {
					return fmt.Errorf("%w: delete %s %v", ErrNotFound, child, where)
				}
				e.st.remove(child, e.key(child, cur))
			case "deleteMany":
				for _, cur := range e.findAll(child, scoped(arg)) {
					e.st.remove(child, e.key(child, cur))
				}
			}
		}
	}
	return nil
}

// withIncludes returns a copy of row with the relations named in inc
// attached, recursively.
func (e *executor) withIncludes(entity string, row model.Row, inc model.Include) model.Row {
	out := cloneRow(row)
	if out == nil {
		return nil
	}
	for name, sub := range inc {
		rel, ok := schema.Relation(e.p, entity, name)
		if !ok {
			continue
		}
		if rel.OwnsForeignKey() {
			target := e.currentOwned(rel, row)
			if target == nil {
				out[name] = nil
				continue
			}
			out[name] = e.withIncludes(rel.Related, target, sub)
			continue
		}
		inv, ok := e.inverse(rel.Related, entity)
		if !ok {
			continue
		}
		where := make(model.Row, len(inv.Fields))
		for j, f := range inv.Fields {
			where[f] = row[inv.References[j]]
		}
		children := e.findAll(rel.Related, where)
		if !rel.List {
			if len(children) == 0 {
				out[name] = nil
				continue
			}
			out[name] = e.withIncludes(rel.Related, children[0], sub)
			continue
		}
		items := make([]any, len(children))
		for i, c := range children {
			items[i] = e.withIncludes(rel.Related, c, sub)
		}
		out[name] = items
	}
	return out
}

func list(raw any) []any {
	switch v := raw.(type) {
	case []any:
		return v
	case []model.Row:
		out := make([]any, len(v))
		for i, r := range v {
			out[i] = r
		}
		return out
	case nil:
		return nil
	case bool:
		if v {
			return []any{nil}
		}
		return nil
	default:
		return []any{v}
	}
}

func dataOf(m model.Row) model.Row {
	if d, ok := m["data"].(model.Row); ok {
		return d
	}
	return m
}
