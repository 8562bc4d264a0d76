package memclient

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/KuruwiC/prisma-audit-sub002/internal/diff"
	"github.com/KuruwiC/prisma-audit-sub002/internal/model"
	"github.com/KuruwiC/prisma-audit-sub002/internal/schema"
)

func (e *executor) findOne(entity string, where model.Row) model.Row {
	if len(where) == 0 {
		return nil
	}
	if canon, ok := schema.CanonicalFilter(e.p, entity, where); ok {
		pk := schema.PrimaryKey(e.p, entity)
		if len(canon) == len(pk) {
			if _, isPK := canon[pk[0]]; isPK {
				row := e.get(entity, schema.FilterKey(canon))
				if row != nil && matches(row, schema.Flatten(where)) {
					return row
				}
				return nil
			}
		}
	}
	rows := e.findAll(entity, where)
	if len(rows) == 0 {
		return nil
	}
	return rows[0]
}

func (e *executor) findAll(entity string, where model.Row) []model.Row {
	flat := schema.Flatten(where)
	var out []model.Row
	for _, row := range e.st.rows(entity) {
		if matches(row, flat) {
			out = append(out, row)
		}
	}
	return out
}

// matches supports equality plus the in, notIn, not and equals operators.
func matches(row, where model.Row) bool {
	for k, want := range where {
		got := row[k]
		ops, isOps := want.(model.Row)
		if !isOps {
			if !diff.Equal(got, want) {
				return false
			}
			continue
		}
		for op, arg := range ops {
			switch op {
			case "equals":
				if !diff.Equal(got, arg) {
					return false
				}
			case "not":
				if diff.Equal(got, arg) {
					return false
				}
			case "in":
				if !contains(arg, got) {
					return false
				}
			case "notIn":
				if contains(arg, got) {
					return false
				}
			default:
				return false
			}
		}
	}
	return true
}

func contains(list any, v any) bool {
	items, ok := list.([]any)
	if !ok {
		return false
	}
	for _, it := range items {
		if diff.Equal(it, v) {
			return true
		}
	}
	return false
}

func (e *executor) ensureID(entity string, row model.Row) {
	pk := schema.PrimaryKey(e.p, entity)
	if len(pk) == 1 && pk[0] == "id" && row["id"] == nil {
		row["id"] = uuid.NewString()
	}
}

// split separates scalar fields from relation payloads.
func (e *executor) split(entity string, data model.Row) (model.Row, map[string]model.Row) {
	scalars := make(model.Row, len(data))
	rels := make(map[string]model.Row)
	for k, v := range data {
		if _, ok := schema.Relation(e.p, entity, k); ok {
			if body, ok := v.(model.Row); ok {
				rels[k] = body
			}
			continue
		}
		scalars[k] = v
	}
	return scalars, rels
}

func (e *executor) checkUnique(entity, key string, row model.Row) error {
	if e.p == nil {
		return nil
	}
	for _, fields := range e.p.UniqueConstraints(entity) {
		vals := make(model.Row, len(fields))
		complete := true
		for _, f := range fields {
			if row[f] == nil {
				complete = false
				break
			}
			vals[f] = row[f]
		}
		if !complete {
			continue
		}
		for _, other := range e.findAll(entity, vals) {
			if e.key(entity, other) != key {
				return fmt.Errorf("%w: %s %v", ErrUniqueViolation, entity, vals)
			}
		}
	}
	return nil
}

// create inserts a record. fk carries foreign-key values set by an enclosing
// nested write.
func (e *executor) create(entity string, data, fk model.Row) (model.Row, error) {
	scalars, rels := e.split(entity, data)
	row := cloneRow(scalars)
	for k, v := range fk {
		row[k] = v
	}
	if err := e.applyOwned(entity, row, rels, true); err != nil {
		return nil, err
	}
	e.ensureID(entity, row)
	key := e.key(entity, row)
	if e.get(entity, key) != nil {
		return nil, fmt.Errorf("%w: %s %s", ErrUniqueViolation, entity, key)
	}
	if err := e.checkUnique(entity, key, row); err != nil {
		return nil, err
	}
	e.st.put(entity, key, row)
	if err := e.applyInverse(entity, row, rels); err != nil {
		return nil, err
	}
	return e.get(entity, key), nil
}

// update applies data to cur and returns the stored result.
func (e *executor) update(entity string, cur, data model.Row) (model.Row, error) {
	scalars, rels := e.split(entity, data)
	oldKey := e.key(entity, cur)
	row := cloneRow(cur)
	for k, v := range scalars {
		nv, err := applyScalar(row[k], v)
		if err != nil {
			return nil, fmt.Errorf("memclient: %s.%s: %w", entity, k, err)
		}
		row[k] = nv
	}
	if err := e.applyOwned(entity, row, rels, false); err != nil {
		return nil, err
	}
	newKey := e.key(entity, row)
	if err := e.checkUnique(entity, newKey, row); err != nil {
		return nil, err
	}
	if newKey != oldKey {
		e.st.remove(entity, oldKey)
	}
	e.st.put(entity, newKey, row)
	if err := e.applyInverse(entity, row, rels); err != nil {
		return nil, err
	}
	return e.get(entity, newKey), nil
}

// applyScalar resolves the set/increment/decrement/multiply update forms.
func applyScalar(cur, v any) (any, error) {
	ops, ok := v.(model.Row)
	if !ok {
		return v, nil
	}
	if len(ops) != 1 {
		return v, nil
	}
	for op, arg := range ops {
		switch op {
		case "set":
			return arg, nil
		case "increment", "decrement", "multiply":
			a, aok := toFloat(cur)
			b, bok := toFloat(arg)
			if !aok || !bok {
				return nil, fmt.Errorf("%s on non-numeric value", op)
			}
			var r float64
			switch op {
			case "increment":
				r = a + b
			case "decrement":
				r = a - b
			default:
				r = a * b
			}
			if _, isInt := cur.(int); isInt && r == float64(int(r)) {
				return int(r), nil
			}
			return r, nil
		}
	}
	return v, nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}
