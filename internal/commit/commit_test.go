package commit

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kestrelkv/nest/internal/schema"
)

func docSchema() *schema.Schema {
	return &schema.Schema{
		NS:      "data",
		Version: 1,
		Fields: map[string]schema.FieldDef{
			"title": {Type: schema.FieldString},
			"count": {Type: schema.FieldNumber},
		},
	}
}

func sequentialID() func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("commit-%d", n)
	}
}

func TestBuildFullCommitWhenNoPrevious(t *testing.T) {
	r := schema.NewRegistry()
	require.NoError(t, r.Register(docSchema()))
	item := schema.New(docSchema(), r, map[string]schema.Value{"title": schema.String("A")})

	c, err := Build(BuildOpts{
		Session:   "sess-1",
		Key:       "/data/repo/x",
		Namespace: "data",
		Item:      item,
		IDFunc:    sequentialID(),
		NowFunc:   func() time.Time { return time.Unix(0, 0) },
		RandFloat: func() float64 { return 0.99 },
	})
	require.NoError(t, err)
	require.True(t, c.Contents.IsFull())
	require.False(t, c.Contents.IsDelta())
}

func TestBuildDeltaCommitWhenCheap(t *testing.T) {
	r := schema.NewRegistry()
	require.NoError(t, r.Register(docSchema()))
	prev := schema.New(docSchema(), r, map[string]schema.Value{"title": schema.String("A"), "count": schema.Number(1)})
	locked, err := prev.Lock()
	require.NoError(t, err)

	next := locked.Clone()
	require.NoError(t, next.Set("count", schema.Number(2)))

	c, err := Build(BuildOpts{
		Session:    "sess-1",
		Key:        "/data/repo/x",
		Namespace:  "data",
		Item:       next,
		PrevFull:   locked,
		PrevFullID: "commit-0",
		IDFunc:     sequentialID(),
		NowFunc:    func() time.Time { return time.Unix(0, 0) },
		RandFloat:  func() float64 { return 0.99 }, // never the 1/20 keep-full roll
	})
	require.NoError(t, err)
	require.True(t, c.Contents.IsDelta())
	require.Equal(t, "commit-0", c.Contents.Base)
}

func TestBuildKeepsFullOnProbabilisticTrigger(t *testing.T) {
	r := schema.NewRegistry()
	require.NoError(t, r.Register(docSchema()))
	prev := schema.New(docSchema(), r, map[string]schema.Value{"title": schema.String("A"), "count": schema.Number(1)})
	locked, err := prev.Lock()
	require.NoError(t, err)
	next := locked.Clone()
	require.NoError(t, next.Set("count", schema.Number(2)))

	c, err := Build(BuildOpts{
		Session:    "sess-1",
		Key:        "/data/repo/x",
		Namespace:  "data",
		Item:       next,
		PrevFull:   locked,
		PrevFullID: "commit-0",
		IDFunc:     sequentialID(),
		NowFunc:    func() time.Time { return time.Unix(0, 0) },
		RandFloat:  func() float64 { return 0.0 }, // always triggers keep-full
	})
	require.NoError(t, err)
	require.True(t, c.Contents.IsFull())
}

func TestBuildNeverDeltaCompressesSessionsNamespace(t *testing.T) {
	r := schema.NewRegistry()
	require.NoError(t, r.Register(docSchema()))
	prev := schema.New(docSchema(), r, map[string]schema.Value{"title": schema.String("A")})
	locked, err := prev.Lock()
	require.NoError(t, err)
	next := locked.Clone()
	require.NoError(t, next.Set("title", schema.String("B")))

	c, err := Build(BuildOpts{
		Session:    "sess-1",
		Key:        "/sys/sessions/s1",
		Namespace:  SessionsNamespace,
		Item:       next,
		PrevFull:   locked,
		PrevFullID: "commit-0",
		IDFunc:     sequentialID(),
		NowFunc:    func() time.Time { return time.Unix(0, 0) },
		RandFloat:  func() float64 { return 0.99 },
	})
	require.NoError(t, err)
	require.True(t, c.Contents.IsFull())
}

func TestSignAndVerifyRoundTrip(t *testing.T) {
	r := schema.NewRegistry()
	require.NoError(t, r.Register(docSchema()))
	item := schema.New(docSchema(), r, map[string]schema.Value{"title": schema.String("A")})

	c, err := Build(BuildOpts{
		Session:   "sess-1",
		Key:       "/data/repo/x",
		Namespace: "data",
		Item:      item,
		IDFunc:    sequentialID(),
		NowFunc:   func() time.Time { return time.Unix(0, 0) },
		RandFloat: func() float64 { return 0.99 },
	})
	require.NoError(t, err)

	signFn := func(b []byte) ([]byte, error) { return []byte("sig-over-" + string(b)), nil }
	require.NoError(t, c.Sign(signFn))
	require.NotEmpty(t, c.Signature)

	sig, err := c.SignatureBytes()
	require.NoError(t, err)
	require.Contains(t, string(sig), "sig-over-")
}

func TestMaterializeFullCommit(t *testing.T) {
	r := schema.NewRegistry()
	require.NoError(t, r.Register(docSchema()))
	item := schema.New(docSchema(), r, map[string]schema.Value{"title": schema.String("A")})
	locked, err := item.Lock()
	require.NoError(t, err)

	c, err := Build(BuildOpts{
		Session:   "sess-1",
		Key:       "/data/repo/x",
		Namespace: "data",
		Item:      locked,
		IDFunc:    sequentialID(),
		NowFunc:   func() time.Time { return time.Unix(0, 0) },
		RandFloat: func() float64 { return 0.99 },
	})
	require.NoError(t, err)

	got, err := Materialize(c, r, func(string) (*schema.Item, error) {
		t.Fatal("should not be called for a full commit")
		return nil, nil
	})
	require.NoError(t, err)
	v, err := got.Get("title")
	require.NoError(t, err)
	require.Equal(t, "A", v.AsString())
}

func TestMaterializeDeltaDetectsCorruption(t *testing.T) {
	r := schema.NewRegistry()
	require.NoError(t, r.Register(docSchema()))
	prev := schema.New(docSchema(), r, map[string]schema.Value{"title": schema.String("A")})
	lockedPrev, err := prev.Lock()
	require.NoError(t, err)

	next := lockedPrev.Clone()
	require.NoError(t, next.Set("title", schema.String("B")))

	c, err := Build(BuildOpts{
		Session:    "sess-1",
		Key:        "/data/repo/x",
		Namespace:  "data",
		Item:       next,
		PrevFull:   lockedPrev,
		PrevFullID: "commit-0",
		IDFunc:     sequentialID(),
		NowFunc:    func() time.Time { return time.Unix(0, 0) },
		RandFloat:  func() float64 { return 0.99 },
	})
	require.NoError(t, err)
	require.True(t, c.Contents.IsDelta())

	c.Contents.Edit.DstChecksum = "tampered-checksum"

	_, err = Materialize(c, r, func(id string) (*schema.Item, error) {
		require.Equal(t, "commit-0", id)
		return lockedPrev, nil
	})
	require.ErrorIs(t, err, ErrCorrupted)
	require.True(t, c.Corrupted)
}
