package query

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kestrelkv/nest/internal/pubsub"
	"github.com/kestrelkv/nest/internal/schema"
)

// fakeSource is an in-memory Source for unit-testing Query without a
// repository.
type fakeSource struct {
	items   map[string]*schema.Item
	ages    map[string]uint64
	changed *pubsub.Emitter[string]
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		items:   make(map[string]*schema.Item),
		ages:    make(map[string]uint64),
		changed: pubsub.New[string](),
	}
}

func (s *fakeSource) Paths() []string {
	out := make([]string, 0, len(s.items))
	for p := range s.items {
		out = append(out, p)
	}
	return out
}

func (s *fakeSource) AgeForPath(path string) uint64 { return s.ages[path] }

func (s *fakeSource) ItemForPath(path string) (*schema.Item, bool, error) {
	it, ok := s.items[path]
	return it, ok, nil
}

func (s *fakeSource) OnDocumentChanged(h func(string)) *pubsub.Subscription {
	return s.changed.Attach(h)
}

func (s *fakeSource) set(path string, age uint64, it *schema.Item) {
	s.items[path] = it
	s.ages[path] = age
	s.changed.Emit(path)
}

func widgetSchema() *schema.Schema {
	return &schema.Schema{
		NS:      "data",
		Version: 1,
		Fields: map[string]schema.FieldDef{
			"title":  {Type: schema.FieldString},
			"rank":   {Type: schema.FieldNumber},
			"active": {Type: schema.FieldBoolean},
		},
	}
}

func makeItem(title string, rank float64, active bool) *schema.Item {
	it := schema.New(widgetSchema(), schema.NewRegistry(), map[string]schema.Value{
		"title":  schema.String(title),
		"rank":   schema.Number(rank),
		"active": schema.Bool(active),
	})
	_, _ = it.Lock()
	return it
}

func activePredicate(c Context) bool {
	v, err := c.Item.Get("active")
	return err == nil && v.AsBool()
}

func TestScanIncludesOnlyMatchingPaths(t *testing.T) {
	src := newFakeSource()
	src.set("/a", 1, makeItem("A", 1, true))
	src.set("/b", 2, makeItem("B", 2, false))
	src.set("/c", 3, makeItem("C", 3, true))

	q, err := NewQuery(Options{Source: src, Predicate: activePredicate, PredicateLabel: "active"})
	require.NoError(t, err)
	require.NoError(t, q.Activate())

	results, err := q.Results()
	require.NoError(t, err)
	require.Len(t, results, 2)
	paths := map[string]bool{}
	for _, r := range results {
		paths[r.Path] = true
	}
	require.True(t, paths["/a"])
	require.True(t, paths["/c"])
	require.False(t, paths["/b"])
}

func TestIncrementalUpdateTransitionsInAndOut(t *testing.T) {
	src := newFakeSource()
	src.set("/a", 1, makeItem("A", 1, false))

	q, err := NewQuery(Options{Source: src, Predicate: activePredicate, PredicateLabel: "active"})
	require.NoError(t, err)
	require.NoError(t, q.Activate())

	results, err := q.Results()
	require.NoError(t, err)
	require.Len(t, results, 0)

	src.set("/a", 2, makeItem("A", 1, true))
	results, err = q.Results()
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, "/a", results[0].Path)

	src.set("/a", 3, makeItem("A", 1, false))
	results, err = q.Results()
	require.NoError(t, err)
	require.Len(t, results, 0)
}

func TestSortByFieldAndFind(t *testing.T) {
	src := newFakeSource()
	src.set("/a", 1, makeItem("A", 3, true))
	src.set("/b", 2, makeItem("B", 1, true))
	src.set("/c", 3, makeItem("C", 2, true))

	q, err := NewQuery(Options{Source: src, Predicate: activePredicate, PredicateLabel: "active", SortField: "rank", SortLabel: "rank"})
	require.NoError(t, err)
	require.NoError(t, q.Activate())

	results, err := q.Results()
	require.NoError(t, err)
	require.Equal(t, []string{"/b", "/c", "/a"}, []string{results[0].Path, results[1].Path, results[2].Path})

	found, ok, err := q.Find("rank", schema.Number(2))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "/c", found.Path)

	_, ok, err = q.Find("rank", schema.Number(99))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestLimitTruncatesResults(t *testing.T) {
	src := newFakeSource()
	for i, p := range []string{"/a", "/b", "/c"} {
		src.set(p, uint64(i+1), makeItem(p, float64(i), true))
	}
	q, err := NewQuery(Options{Source: src, Predicate: activePredicate, PredicateLabel: "active", SortField: "rank", SortLabel: "rank", Limit: 2})
	require.NoError(t, err)
	require.NoError(t, q.Activate())

	results, err := q.Results()
	require.NoError(t, err)
	require.Len(t, results, 2)
}

func TestDeletedItemsExcluded(t *testing.T) {
	src := newFakeSource()
	live := makeItem("A", 1, true)
	src.set("/a", 1, live)

	deleted := schema.New(widgetSchema(), schema.NewRegistry(), map[string]schema.Value{
		"title":               schema.String("B"),
		"active":              schema.Bool(true),
		schema.IsDeletedField: schema.Bool(true),
	})
	_, _ = deleted.Lock()
	src.set("/b", 2, deleted)

	q, err := NewQuery(Options{Source: src, Predicate: func(Context) bool { return true }, PredicateLabel: "all"})
	require.NoError(t, err)
	require.NoError(t, q.Activate())
	results, err := q.Results()
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, "/a", results[0].Path)
}

func TestSameIdentityForEquivalentOptions(t *testing.T) {
	id1, err := Identity("repo:/data/widgets", "active", "", nil, "data")
	require.NoError(t, err)
	id2, err := Identity("repo:/data/widgets", "active", "", nil, "data")
	require.NoError(t, err)
	require.Equal(t, id1, id2)

	id3, err := Identity("repo:/data/widgets", "other", "", nil, "data")
	require.NoError(t, err)
	require.NotEqual(t, id1, id3)
}

func TestChainedQueryRejectsCycle(t *testing.T) {
	src := newFakeSource()
	src.set("/a", 1, makeItem("A", 1, true))

	upstream, err := NewQuery(Options{ID: "upstream", Source: src, Predicate: activePredicate, PredicateLabel: "active"})
	require.NoError(t, err)
	require.NoError(t, upstream.Activate())

	_, err = NewQuery(Options{ID: "upstream", Source: upstream, Predicate: activePredicate, PredicateLabel: "active"})
	require.Error(t, err)
}

func TestManagerPersistsAcrossOpen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "queries.json")

	m1, err := OpenManager(path)
	require.NoError(t, err)

	src := newFakeSource()
	src.set("/a", 1, makeItem("A", 1, true))
	q, err := NewQuery(Options{Source: src, Predicate: activePredicate, PredicateLabel: "active", Cache: m1, NowFunc: func() time.Time { return time.Unix(1, 0) }})
	require.NoError(t, err)
	require.NoError(t, q.Activate())

	m1.flush()
	m1.Close()

	m2, err := OpenManager(path)
	require.NoError(t, err)
	defer m2.Close()
	age, results, ok := m2.Get(q.ID())
	require.True(t, ok)
	require.Equal(t, uint64(1), age)
	require.Equal(t, []string{"/a"}, results)
}
