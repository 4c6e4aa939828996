package schema

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func tagsSchema() *Schema {
	return &Schema{
		NS:      "doc",
		Version: 1,
		Fields: map[string]FieldDef{
			"title": {Type: FieldString},
			"tags":  {Type: FieldSet},
			"meta":  {Type: FieldMap},
			"body":  {Type: FieldRichText},
		},
	}
}

func TestDiffPatchRoundTripScalar(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(tagsSchema()))
	s := tagsSchema()

	a := New(s, r, map[string]Value{"title": String("A")})
	b := New(s, r, map[string]Value{"title": String("B")})

	changes, err := a.Diff(b, false)
	require.NoError(t, err)

	patched := a.Clone()
	require.NoError(t, patched.Patch(changes))

	eq, err := patched.IsEqual(b)
	require.NoError(t, err)
	require.True(t, eq)
}

func TestDiffPatchSetDelta(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(tagsSchema()))
	s := tagsSchema()

	a := New(s, r, map[string]Value{"tags": NewSet(String("x"), String("y"))})
	b := New(s, r, map[string]Value{"tags": NewSet(String("y"), String("z"))})

	changes, err := a.Diff(b, false)
	require.NoError(t, err)

	patched := a.Clone()
	require.NoError(t, patched.Patch(changes))

	eq, err := patched.IsEqual(b)
	require.NoError(t, err)
	require.True(t, eq)
}

func TestDiffPatchRichText(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(tagsSchema()))
	s := tagsSchema()

	a := New(s, r, map[string]Value{"body": RichText("hello world")})
	b := New(s, r, map[string]Value{"body": RichText("hello there, world")})

	changes, err := a.Diff(b, false)
	require.NoError(t, err)

	patched := a.Clone()
	require.NoError(t, patched.Patch(changes))

	v, err := patched.Get("body")
	require.NoError(t, err)
	require.Equal(t, "hello there, world", v.AsRichText())
}

func TestUnionPrefersLocalScalarButMergesSets(t *testing.T) {
	remote := ChangeSet{
		{Key: "title", Kind: ChangeScalar, Value: String("remote title")},
		{Key: "tags", Kind: ChangeSetDelta, SetAdd: []Value{String("remote-tag")}},
	}
	local := ChangeSet{
		{Key: "title", Kind: ChangeScalar, Value: String("local title"), Local: true},
		{Key: "tags", Kind: ChangeSetDelta, SetAdd: []Value{String("local-tag")}, Local: true},
	}
	merged := Union(remote, local)

	r := NewRegistry()
	require.NoError(t, r.Register(tagsSchema()))
	s := tagsSchema()
	base := New(s, r, map[string]Value{"tags": NewSet()})
	require.NoError(t, base.Patch(merged))

	title, err := base.Get("title")
	require.NoError(t, err)
	require.Equal(t, "local title", title.AsString())

	tags, err := base.Get("tags")
	require.NoError(t, err)
	names := make(map[string]bool)
	for _, v := range tags.AsSet() {
		names[v.AsString()] = true
	}
	require.True(t, names["remote-tag"])
	require.True(t, names["local-tag"])
}
