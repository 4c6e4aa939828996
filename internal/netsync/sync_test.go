package netsync

import (
	"context"
	"fmt"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kestrelkv/nest/internal/repository"
	"github.com/kestrelkv/nest/internal/schema"
	"github.com/kestrelkv/nest/internal/trust"
)

func widgetSchema() *schema.Schema {
	return &schema.Schema{
		NS:      "data",
		Version: 1,
		Fields: map[string]schema.FieldDef{
			"title": {Type: schema.FieldString},
		},
	}
}

func sequentialIDs() func() string {
	n := 0
	return func() string { n++; return fmt.Sprintf("id-%d", n) }
}

// openTestRepo opens a repository whose pool trusts root, so commits
// produced by one repo verify cleanly when persisted into another over
// sync.
func openTestRepo(t *testing.T, dir, logName string, registry *schema.Registry, pool *trust.Pool) *repository.Repository {
	t.Helper()
	repo, err := repository.Open(context.Background(), repository.Options{
		Path:     "/data/widgets",
		LogPath:  filepath.Join(dir, logName),
		Registry: registry,
		Pool:     pool,
	})
	require.NoError(t, err)
	return repo
}

// TestBackfillPullsExistingCommits exercises the HTTP half of sync: repo
// A already has a commit before the client ever connects, so the peer
// learns about it purely through the backfill endpoint.
func TestBackfillPullsExistingCommits(t *testing.T) {
	dir := t.TempDir()
	registry := schema.NewRegistry()
	require.NoError(t, registry.Register(widgetSchema()))

	rootPriv, rootCred, err := trust.GenerateKeyPair()
	require.NoError(t, err)
	root := trust.Session{ID: "root", Credential: rootCred}

	poolA := trust.NewPool(root, rootPriv, root)
	poolB := trust.NewPool(root, rootPriv, root)

	repoA := openTestRepo(t, dir, "a.jsonl", registry, poolA)
	defer repoA.Close()
	repoB := openTestRepo(t, dir, "b.jsonl", registry, poolB)
	defer repoB.Close()

	item := schema.New(widgetSchema(), registry, map[string]schema.Value{"title": schema.String("A")})
	_, err = repoA.SetValue("/data/widgets/x", item, sequentialIDs(), func() time.Time { return time.Unix(1, 0) })
	require.NoError(t, err)

	srv := NewServer(func(path string) (*repository.Repository, bool) {
		if path == "/data/widgets" {
			return repoA, true
		}
		return nil, false
	}, nil, nil)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	client := NewRepoClient(ts.URL, "/data/widgets", repoB, time.Second, nil, nil)
	require.NoError(t, client.Backfill(context.Background()))

	head, err := repoB.Head("/data/widgets/x")
	require.NoError(t, err)
	it, err := repoB.ItemForCommit(head.ID)
	require.NoError(t, err)
	v, err := it.Get("title")
	require.NoError(t, err)
	require.Equal(t, "A", v.AsString())
}

// TestLiveSyncPropagatesNewCommits exercises the WebSocket half: a
// commit written to repo A after the connection is established must
// show up in repo B without a second backfill.
func TestLiveSyncPropagatesNewCommits(t *testing.T) {
	dir := t.TempDir()
	registry := schema.NewRegistry()
	require.NoError(t, registry.Register(widgetSchema()))

	rootPriv, rootCred, err := trust.GenerateKeyPair()
	require.NoError(t, err)
	root := trust.Session{ID: "root", Credential: rootCred}

	poolA := trust.NewPool(root, rootPriv, root)
	poolB := trust.NewPool(root, rootPriv, root)

	repoA := openTestRepo(t, dir, "a2.jsonl", registry, poolA)
	defer repoA.Close()
	repoB := openTestRepo(t, dir, "b2.jsonl", registry, poolB)
	defer repoB.Close()

	srv := NewServer(func(path string) (*repository.Repository, bool) {
		if path == "/data/widgets" {
			return repoA, true
		}
		return nil, false
	}, nil, nil)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	client := NewRepoClient(ts.URL, "/data/widgets", repoB, time.Second, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- client.Run(ctx) }()

	item := schema.New(widgetSchema(), registry, map[string]schema.Value{"title": schema.String("B")})
	require.Eventually(t, func() bool {
		_, err := repoA.SetValue("/data/widgets/y", item, sequentialIDs(), func() time.Time { return time.Unix(2, 0) })
		return err == nil
	}, time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		head, err := repoB.Head("/data/widgets/y")
		return err == nil && head != nil
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("client.Run did not return after cancel")
	}
}
