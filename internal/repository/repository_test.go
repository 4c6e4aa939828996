package repository

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kestrelkv/nest/internal/commit"
	"github.com/kestrelkv/nest/internal/schema"
	"github.com/kestrelkv/nest/internal/trust"
)

func testSchema() *schema.Schema {
	return &schema.Schema{
		NS:      "data",
		Version: 1,
		Fields: map[string]schema.FieldDef{
			"title": {Type: schema.FieldString},
			"count": {Type: schema.FieldNumber},
		},
	}
}

func sequentialIDs() func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("id-%d", n)
	}
}

func openTestRepo(t *testing.T, dir string, sessionID string) (*Repository, *schema.Registry, *trust.Pool) {
	r := schema.NewRegistry()
	require.NoError(t, r.Register(testSchema()))

	priv, cred, err := trust.GenerateKeyPair()
	require.NoError(t, err)
	session := trust.Session{ID: sessionID, Credential: cred}
	pool := trust.NewPool(session, priv, session)

	repo, err := Open(context.Background(), Options{
		Path:       "/data/widgets",
		LogPath:    filepath.Join(dir, "widgets.jsonl"),
		Registry:   r,
		Pool:       pool,
		IsSessions: false,
	})
	require.NoError(t, err)
	return repo, r, pool
}

func TestSetValueThenHeadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	repo, r, _ := openTestRepo(t, dir, "sess-1")
	defer repo.Close()

	item := schema.New(testSchema(), r, map[string]schema.Value{"title": schema.String("A"), "count": schema.Number(1)})
	ids := sequentialIDs()
	_, err := repo.SetValue("/data/widgets/x", item, ids, func() time.Time { return time.Unix(1, 0) })
	require.NoError(t, err)

	head, err := repo.Head("/data/widgets/x")
	require.NoError(t, err)
	it, err := repo.ItemForCommit(head.ID)
	require.NoError(t, err)
	v, err := it.Get("title")
	require.NoError(t, err)
	require.Equal(t, "A", v.AsString())
}

func TestReopenPreservesCommits(t *testing.T) {
	dir := t.TempDir()
	repo, r, pool := openTestRepo(t, dir, "sess-1")

	item := schema.New(testSchema(), r, map[string]schema.Value{"title": schema.String("A")})
	ids := sequentialIDs()
	_, err := repo.SetValue("/data/widgets/x", item, ids, func() time.Time { return time.Unix(1, 0) })
	require.NoError(t, err)
	require.NoError(t, repo.Close())

	repo2, err := Open(context.Background(), Options{
		Path:     "/data/widgets",
		LogPath:  filepath.Join(dir, "widgets.jsonl"),
		Registry: r,
		Pool:     pool,
	})
	require.NoError(t, err)
	defer repo2.Close()

	head, err := repo2.Head("/data/widgets/x")
	require.NoError(t, err)
	it, err := repo2.ItemForCommit(head.ID)
	require.NoError(t, err)
	v, err := it.Get("title")
	require.NoError(t, err)
	require.Equal(t, "A", v.AsString())
}

func TestConcurrentEditsConverge(t *testing.T) {
	dir := t.TempDir()
	r := schema.NewRegistry()
	require.NoError(t, r.Register(testSchema()))

	rootPriv, rootCred, err := trust.GenerateKeyPair()
	require.NoError(t, err)
	root := trust.Session{ID: "root", Credential: rootCred}

	pool1 := trust.NewPool(root, rootPriv, root)
	pool2 := trust.NewPool(root, rootPriv, root)

	repo1, err := Open(context.Background(), Options{Path: "/data/widgets", LogPath: filepath.Join(dir, "r1.jsonl"), Registry: r, Pool: pool1})
	require.NoError(t, err)
	defer repo1.Close()
	repo2, err := Open(context.Background(), Options{Path: "/data/widgets", LogPath: filepath.Join(dir, "r2.jsonl"), Registry: r, Pool: pool2})
	require.NoError(t, err)
	defer repo2.Close()

	item1 := schema.New(testSchema(), r, map[string]schema.Value{"title": schema.String("A")})
	c1, err := repo1.SetValue("/data/widgets/x", item1, sequentialIDs(), func() time.Time { return time.Unix(1, 0) })
	require.NoError(t, err)

	item2 := schema.New(testSchema(), r, map[string]schema.Value{"count": schema.Number(2)})
	ids2 := func() func() string {
		n := 100
		return func() string { n++; return fmt.Sprintf("r2-%d", n) }
	}()
	c2, err := repo2.SetValue("/data/widgets/x", item2, ids2, func() time.Time { return time.Unix(2, 0) })
	require.NoError(t, err)

	// Exchange commits both ways. PersistCommits itself must notice the
	// two divergent leaves and build the merge commit — no caller here
	// ever invokes Merge directly.
	_, err = repo1.PersistCommits([]*commit.Commit{c2})
	require.NoError(t, err)
	_, err = repo2.PersistCommits([]*commit.Commit{c1})
	require.NoError(t, err)

	leaves1 := repo1.Leaves("/data/widgets/x")
	leaves2 := repo2.Leaves("/data/widgets/x")
	require.Len(t, leaves1, 1, "PersistCommits should have merged the divergent leaves automatically")
	require.Len(t, leaves2, 1, "PersistCommits should have merged the divergent leaves automatically")

	it, err := repo1.ItemForCommit(leaves1[0].ID)
	require.NoError(t, err)
	title, err := it.Get("title")
	require.NoError(t, err)
	count, err := it.Get("count")
	require.NoError(t, err)
	require.Equal(t, "A", title.AsString())
	require.Equal(t, 2.0, count.AsNumber())
}

func TestStatsReportsKeysCommitsAndLeaves(t *testing.T) {
	dir := t.TempDir()
	repo, r, _ := openTestRepo(t, dir, "sess-1")
	defer repo.Close()

	item := schema.New(testSchema(), r, map[string]schema.Value{"title": schema.String("A")})
	ids := sequentialIDs()
	_, err := repo.SetValue("/data/widgets/x", item, ids, func() time.Time { return time.Unix(1, 0) })
	require.NoError(t, err)
	_, err = repo.SetValue("/data/widgets/y", item, ids, func() time.Time { return time.Unix(1, 0) })
	require.NoError(t, err)

	stats := repo.Stats()
	require.Equal(t, 2, stats.Keys)
	require.Equal(t, 2, stats.Commits)
	require.Equal(t, 0, stats.CorruptedCommits)
	require.Equal(t, 1, stats.LeavesPerKey["/data/widgets/x"])
	require.Equal(t, 1, stats.LeavesPerKey["/data/widgets/y"])
	require.Positive(t, stats.Age)
}
