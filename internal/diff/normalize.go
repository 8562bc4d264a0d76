package diff

import (
	"time"

	"github.com/KuruwiC/prisma-audit-sub002/internal/model"
)

// Normalize returns a deep copy of row with temporal values rendered as
// RFC 3339 UTC strings with nanosecond precision.
func Normalize(row model.Row) model.Row {
	if row == nil {
		return nil
	}
	out := make(model.Row, len(row))
	for k, v := range row {
		out[k] = normalizeValue(v)
	}
	return out
}

// NormalizeChanges applies Normalize to both sides of every change.
func NormalizeChanges(changes map[string]model.Change) map[string]model.Change {
	if changes == nil {
		return nil
	}
	out := make(map[string]model.Change, len(changes))
	for k, c := range changes {
		out[k] = model.Change{Old: normalizeValue(c.Old), New: normalizeValue(c.New)}
	}
	return out
}

func normalizeValue(v any) any {
	switch t := v.(type) {
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano)
	case *time.Time:
		if t == nil {
			return nil
		}
		return t.UTC().Format(time.RFC3339Nano)
	case model.Row:
		return Normalize(t)
	case []model.Row:
		out := make([]model.Row, len(t))
		for i, row := range t {
			out[i] = Normalize(row)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = normalizeValue(e)
		}
		return out
	default:
		return v
	}
}
