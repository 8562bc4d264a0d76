package redact

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/KuruwiC/prisma-audit-sub002/internal/model"
)

func TestRowMasksAtAnyDepth(t *testing.T) {
	r := New([]string{"password"}, nil)
	row := model.Row{
		"email":    "a@b.c",
		"password": "hunter2",
		"profile":  model.Row{"password": "nested"},
		"sessions": []any{model.Row{"password": "in-list"}, "plain"},
	}

	got := r.Row(row)
	assert.Equal(t, DefaultMask, got["password"])
	assert.Equal(t, "a@b.c", got["email"])
	assert.Equal(t, DefaultMask, got["profile"].(model.Row)["password"])
	assert.Equal(t, DefaultMask, got["sessions"].([]any)[0].(model.Row)["password"])
	assert.Equal(t, "plain", got["sessions"].([]any)[1])
	assert.Equal(t, "hunter2", row["password"], "input must not be mutated")
}

func TestNilStaysNil(t *testing.T) {
	r := New([]string{"token"}, "***")
	got := r.Row(model.Row{"token": nil})
	assert.Nil(t, got["token"])
	assert.Nil(t, r.Row(nil))
}

func TestChanges(t *testing.T) {
	r := New([]string{"ssn"}, "***")
	got := r.Changes(map[string]model.Change{
		"ssn":  {Old: "111", New: "222"},
		"name": {Old: "a", New: "b"},
	})
	assert.Equal(t, model.Change{Old: "***", New: "***"}, got["ssn"])
	assert.Equal(t, model.Change{Old: "a", New: "b"}, got["name"])
}

func TestWithCustomFunc(t *testing.T) {
	r := Redactor{}.With("email", func(_ string, v any) any {
		s := v.(string)
		return s[:1] + strings.Repeat("*", len(s)-1)
	})
	got := r.Row(model.Row{"email": "abc"})
	assert.Equal(t, "a**", got["email"])
	assert.True(t, r.Has("email"))
}

func TestMerge(t *testing.T) {
	r := New([]string{"a"}, nil).Merge(New([]string{"b"}, "x"))
	got := r.Row(model.Row{"a": 1, "b": 2, "c": 3})
	assert.Equal(t, model.Row{"a": DefaultMask, "b": "x", "c": 3}, got)
}

func TestZeroValueIsNoop(t *testing.T) {
	var r Redactor
	row := model.Row{"password": "x"}
	assert.Equal(t, row, r.Row(row))
	assert.True(t, r.Empty())
}

func TestRowMasksInsideRowSlices(t *testing.T) {
	r := New([]string{"secret"}, nil)
	row := model.Row{
		"posts":  []model.Row{{"id": "p1", "secret": "s3cr3t"}},
		"nested": []any{[]any{model.Row{"secret": "deep"}}},
	}

	got := r.Row(row)
	posts := got["posts"].([]model.Row)
	assert.Equal(t, DefaultMask, posts[0]["secret"])
	assert.Equal(t, "p1", posts[0]["id"])
	assert.Equal(t, DefaultMask, got["nested"].([]any)[0].([]any)[0].(model.Row)["secret"])
	assert.Equal(t, "s3cr3t", row["posts"].([]model.Row)[0]["secret"], "input must not be mutated")

	changes := r.Changes(map[string]model.Change{
		"posts": {Old: []model.Row{{"secret": "old"}}, New: []model.Row{{"secret": "new"}}},
	})
	assert.Equal(t, DefaultMask, changes["posts"].Old.([]model.Row)[0]["secret"])
	assert.Equal(t, DefaultMask, changes["posts"].New.([]model.Row)[0]["secret"])
}
