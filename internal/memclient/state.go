package memclient

import (
	"sort"

	"github.com/KuruwiC/prisma-audit-sub002/internal/model"
)

// state holds every table as entity -> primary key -> row.
type state struct {
	tables map[string]map[string]model.Row
	seq    map[string]map[string]int
	next   int
	// dirty tracks keys written inside a transaction view.
	dirty map[string]map[string]struct{}
}

func newState() *state {
	return &state{
		tables: make(map[string]map[string]model.Row),
		seq:    make(map[string]map[string]int),
	}
}

func (s *state) clone() *state {
	out := &state{
		tables: make(map[string]map[string]model.Row, len(s.tables)),
		seq:    make(map[string]map[string]int, len(s.seq)),
		next:   s.next,
		dirty:  make(map[string]map[string]struct{}),
	}
	for entity, rows := range s.tables {
		t := make(map[string]model.Row, len(rows))
		for k, r := range rows {
			t[k] = cloneRow(r)
		}
		out.tables[entity] = t
	}
	for entity, seq := range s.seq {
		m := make(map[string]int, len(seq))
		for k, v := range seq {
			m[k] = v
		}
		out.seq[entity] = m
	}
	return out
}

func (s *state) put(entity, key string, row model.Row) {
	t, ok := s.tables[entity]
	if !ok {
		t = make(map[string]model.Row)
		s.tables[entity] = t
		s.seq[entity] = make(map[string]int)
	}
	if _, exists := t[key]; !exists {
		s.next++
		s.seq[entity][key] = s.next
	}
	t[key] = cloneRow(row)
	s.touch(entity, key)
}

func (s *state) remove(entity, key string) {
	delete(s.tables[entity], key)
	delete(s.seq[entity], key)
	s.touch(entity, key)
}

func (s *state) touch(entity, key string) {
	if s.dirty == nil {
		return
	}
	d, ok := s.dirty[entity]
	if !ok {
		d = make(map[string]struct{})
		s.dirty[entity] = d
	}
	d[key] = struct{}{}
}

// rows returns the live rows of entity in insertion order.
func (s *state) rows(entity string) []model.Row {
	t := s.tables[entity]
	keys := make([]string, 0, len(t))
	for k := range t {
		keys = append(keys, k)
	}
	seq := s.seq[entity]
	sort.Slice(keys, func(a, b int) bool { return seq[keys[a]] < seq[keys[b]] })
	out := make([]model.Row, 0, len(keys))
	for _, k := range keys {
		out = append(out, t[k])
	}
	return out
}

// apply copies every key tx touched onto s.
func (s *state) apply(tx *state) {
	for entity, keys := range tx.dirty {
		for key := range keys {
			if row, ok := tx.tables[entity][key]; ok {
				s.put(entity, key, row)
				continue
			}
			s.remove(entity, key)
		}
	}
	if tx.next > s.next {
		s.next = tx.next
	}
}

func cloneRow(r model.Row) model.Row {
	if r == nil {
		return nil
	}
	out := make(model.Row, len(r))
	for k, v := range r {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case model.Row:
		return cloneRow(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}
