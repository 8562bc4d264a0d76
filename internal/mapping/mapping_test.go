package mapping

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KuruwiC/prisma-audit-sub002/internal/model"
)

type stubReader map[string]model.Row

func (s stubReader) FindUnique(_ context.Context, entity string, where model.Row) (model.Row, error) {
	return s[entity+":"+where["id"].(string)], nil
}

func (s stubReader) FindMany(context.Context, string, model.Row) ([]model.Row, error) {
	return nil, nil
}

func TestCompileDefaults(t *testing.T) {
	svc, err := Compile(Mapping{"User": {}}, Globals{}, nil)
	require.NoError(t, err)

	c, ok := svc.Lookup("User")
	require.True(t, ok)
	assert.Equal(t, "User", c.Name)
	assert.Equal(t, DefaultCategory, c.Category)
	assert.Equal(t, "User", c.Type)
	require.Len(t, c.Roots, 1)
	assert.Equal(t, "User", c.Roots[0].Type)

	id, found, err := c.Roots[0].Resolve(context.Background(), nil, model.Row{"id": "u1"})
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "u1", id)

	_, ok = svc.Lookup("Post")
	assert.False(t, ok)
}

func TestCompileRejectsExcludedAndRedacted(t *testing.T) {
	t.Run("global", func(t *testing.T) {
		_, err := Compile(nil, Globals{ExcludeFields: []string{"password"}, RedactFields: []string{"password"}}, nil)
		require.ErrorIs(t, err, model.ErrInvalidConfig)
	})
	t.Run("entity against global", func(t *testing.T) {
		_, err := Compile(Mapping{"User": {ExcludeFields: []string{"password"}}}, Globals{RedactFields: []string{"password"}}, nil)
		require.ErrorIs(t, err, model.ErrInvalidConfig)
	})
	t.Run("entity only", func(t *testing.T) {
		_, err := Compile(Mapping{"User": {ExcludeFields: []string{"ssn"}, RedactFields: []string{"ssn"}}}, Globals{}, nil)
		require.ErrorIs(t, err, model.ErrInvalidConfig)
	})
}

func TestCompileRejectsUnknownEntity(t *testing.T) {
	known := func(e string) bool { return e == "User" }
	_, err := Compile(Mapping{"Ghost": {}}, Globals{}, known)
	require.ErrorIs(t, err, model.ErrInvalidConfig)
	assert.Contains(t, err.Error(), "Ghost")
}

func TestCompileRejectsNilResolver(t *testing.T) {
	_, err := Compile(Mapping{"Post": {Roots: []Root{{Type: "User"}}}}, Globals{}, nil)
	require.ErrorIs(t, err, model.ErrInvalidConfig)
}

func TestCompileMergesExclusions(t *testing.T) {
	svc, err := Compile(Mapping{"User": {ExcludeFields: []string{"updatedAt"}, RedactFields: []string{"ssn"}}},
		Globals{ExcludeFields: []string{"createdAt"}, RedactFields: []string{"password"}}, nil)
	require.NoError(t, err)
	c, _ := svc.Lookup("User")
	assert.Contains(t, c.Exclude, "updatedAt")
	assert.Contains(t, c.Exclude, "createdAt")
	assert.True(t, c.Redactor.Has("ssn"))
	assert.True(t, c.Redactor.Has("password"))
}

func TestDefaultID(t *testing.T) {
	tests := []struct {
		entity string
		row    model.Row
		want   string
		ok     bool
	}{
		{"User", model.Row{"id": "u1"}, "u1", true},
		{"User", model.Row{"id": 42}, "42", true},
		{"Users", model.Row{"userId": "u2"}, "u2", true},
		{"Category", model.Row{"categoryId": "c1"}, "c1", true},
		{"User", model.Row{"name": "x"}, "", false},
	}
	for _, tt := range tests {
		got, err := DefaultID(tt.entity)(tt.row)
		if !tt.ok {
			assert.Error(t, err)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}
}

func TestFieldRoot(t *testing.T) {
	r := FieldRoot("User", "authorId")
	id, ok, err := r.Resolve(context.Background(), nil, model.Row{"authorId": "u1"})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "u1", id)

	_, ok, err = r.Resolve(context.Background(), nil, model.Row{"authorId": nil})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLookupRoot(t *testing.T) {
	db := stubReader{"Post:p1": {"id": "p1", "authorId": "u9"}}
	r := LookupRoot("User", "Post", "postId", "authorId")

	id, ok, err := r.Resolve(context.Background(), db, model.Row{"postId": "p1"})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "u9", id)

	_, ok, err = r.Resolve(context.Background(), db, model.Row{"postId": "missing"})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestByType(t *testing.T) {
	svc, err := Compile(Mapping{
		"User":    {},
		"Profile": {Type: "UserProfile"},
	}, Globals{}, nil)
	require.NoError(t, err)

	c, ok := svc.ByType("UserProfile")
	require.True(t, ok)
	assert.Equal(t, "Profile", c.Name)

	_, ok = svc.ByType("Profile")
	assert.False(t, ok)
}
