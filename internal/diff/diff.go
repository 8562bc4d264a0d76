// Package diff computes field-level changes between two entity snapshots.
package diff

import (
	"encoding/json"
	"math/big"
	"reflect"
	"time"

	"github.com/KuruwiC/prisma-audit-sub002/internal/model"
)

// Compute returns the fields whose values differ between before and after,
// ignoring excluded fields. The result is nil when nothing differs.
//
// Fields present on only one side count as changed. Numeric values compare
// by value regardless of Go type, and times compare by instant.
func Compute(before, after model.Row, exclude map[string]struct{}) map[string]model.Change {
	var changes map[string]model.Change
	add := func(field string, oldVal, newVal any) {
		if changes == nil {
			changes = make(map[string]model.Change)
		}
		changes[field] = model.Change{Old: oldVal, New: newVal}
	}
	for field, newVal := range after {
		if _, skip := exclude[field]; skip {
			continue
		}
		oldVal, ok := before[field]
		if !ok || !Equal(oldVal, newVal) {
			add(field, oldVal, newVal)
		}
	}
	for field, oldVal := range before {
		if _, skip := exclude[field]; skip {
			continue
		}
		if _, ok := after[field]; !ok {
			add(field, oldVal, nil)
		}
	}
	return changes
}

// Equal reports whether two snapshot values are the same.
func Equal(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if ta, ok := asTime(a); ok {
		tb, ok := asTime(b)
		return ok && ta.Equal(tb)
	}
	if na, ok := asNumber(a); ok {
		nb, ok := asNumber(b)
		return ok && na.Cmp(nb) == 0
	}
	switch av := a.(type) {
	case model.Row:
		bv, ok := b.(model.Row)
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, v := range av {
			w, ok := bv[k]
			if !ok || !Equal(v, w) {
				return false
			}
		}
		return true
	case []any:
		bv, ok := b.([]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !Equal(av[i], bv[i]) {
				return false
			}
		}
		return true
	}
	return reflect.DeepEqual(a, b)
}

func asTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case *time.Time:
		if t == nil {
			return time.Time{}, false
		}
		return *t, true
	}
	return time.Time{}, false
}

func asNumber(v any) (*big.Float, bool) {
	f := new(big.Float)
	switch n := v.(type) {
	case int:
		return f.SetInt64(int64(n)), true
	case int8:
		return f.SetInt64(int64(n)), true
	case int16:
		return f.SetInt64(int64(n)), true
	case int32:
		return f.SetInt64(int64(n)), true
	case int64:
		return f.SetInt64(n), true
	case uint:
		return f.SetUint64(uint64(n)), true
	case uint8:
		return f.SetUint64(uint64(n)), true
	case uint16:
		return f.SetUint64(uint64(n)), true
	case uint32:
		return f.SetUint64(uint64(n)), true
	case uint64:
		return f.SetUint64(n), true
	case float32:
		return f.SetFloat64(float64(n)), true
	case float64:
		return f.SetFloat64(n), true
	case json.Number:
		if _, ok := f.SetString(n.String()); ok {
			return f, true
		}
	}
	return nil, false
}
