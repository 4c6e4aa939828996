package commit

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"time"

	"github.com/kestrelkv/nest/internal/bloom"
	"github.com/kestrelkv/nest/internal/schema"
)

// deltaFullProbability is spec §4.D's "~1/20" random keep-full trigger:
// even when a delta would be cheaper, roughly one full commit in twenty
// is kept so the graph has regular full checkpoints to recover from.
const deltaFullProbability = 1.0 / 20.0

// deltaSizeRatio is spec §4.D's compression threshold: a delta is only
// worth forming if its encoded size is at most this fraction of the
// encoded full item.
const deltaSizeRatio = 0.85

// SessionsNamespace is the namespace commits must never delta-compress
// against, per spec §4.F's "delta-compression invariant" (session
// commits bootstrap verification and must always be self-contained).
const SessionsNamespace = "sessions"

// BuildOpts parameterizes Build. IDFunc and NowFunc and RandFloat are
// injectable for deterministic tests. IDFunc is required; NowFunc and
// RandFloat default to time.Now and rand.Float64 when left nil.
type BuildOpts struct {
	Session      string
	ConnectionID string
	Key          string
	OrgID        string
	Parents      []string
	Namespace    string

	Item         *schema.Item // the new item; Build locks it if unlocked
	PrevFull     *schema.Item // previous full-item ancestor, if any
	PrevFullID   string       // that ancestor's commit id

	AncestorFilter *bloom.Filter
	AncestorCount  uint64

	MergeBase   string
	MergeLeader string
	Revert      string

	IDFunc    func() string
	NowFunc   func() time.Time
	RandFloat func() float64
}

// Build constructs an unsigned Commit from opts, applying the delta
// compression policy of spec §4.D. The caller signs it separately via
// Commit.Sign.
func Build(opts BuildOpts) (*Commit, error) {
	if opts.IDFunc == nil {
		return nil, fmt.Errorf("commit: build: IDFunc is required")
	}
	now := opts.NowFunc
	if now == nil {
		now = time.Now
	}
	randFloat := opts.RandFloat
	if randFloat == nil {
		randFloat = rand.Float64
	}

	item := opts.Item
	if !item.Locked() {
		locked, err := item.Lock()
		if err != nil {
			return nil, fmt.Errorf("commit: build: lock item: %w", err)
		}
		item = locked
	}

	c := &Commit{
		ID:            opts.IDFunc(),
		Key:           opts.Key,
		Session:       opts.Session,
		ConnectionID:  opts.ConnectionID,
		Timestamp:     now().UnixMilli(),
		OrgID:         opts.OrgID,
		Parents:       opts.Parents,
		AncestorCount: opts.AncestorCount,
		MergeBase:     opts.MergeBase,
		MergeLeader:   opts.MergeLeader,
		Revert:        opts.Revert,
	}

	if opts.AncestorFilter != nil {
		af, err := opts.AncestorFilter.Base64()
		if err != nil {
			return nil, fmt.Errorf("commit: build: encode ancestor filter: %w", err)
		}
		c.AncestorFilter = af
	}

	contents, err := buildContents(opts, item, randFloat)
	if err != nil {
		return nil, err
	}
	c.Contents = contents
	return c, nil
}

func buildContents(opts BuildOpts, item *schema.Item, randFloat func() float64) (Contents, error) {
	canDelta := opts.Namespace != SessionsNamespace && opts.PrevFull != nil && opts.PrevFullID != ""
	keepFull := randFloat() < deltaFullProbability

	if canDelta && !keepFull {
		delta, ok, err := tryDelta(opts, item)
		if err != nil {
			return Contents{}, err
		}
		if ok {
			return delta, nil
		}
	}

	itemBytes, err := item.MarshalWire()
	if err != nil {
		return Contents{}, fmt.Errorf("commit: build: marshal full item: %w", err)
	}
	return Contents{Record: itemBytes}, nil
}

func tryDelta(opts BuildOpts, item *schema.Item) (Contents, bool, error) {
	changes, err := opts.PrevFull.Diff(item, true)
	if err != nil {
		return Contents{}, false, fmt.Errorf("commit: build: diff for delta: %w", err)
	}
	changesBytes, err := json.Marshal(changes)
	if err != nil {
		return Contents{}, false, fmt.Errorf("commit: build: marshal changes: %w", err)
	}
	itemBytes, err := item.MarshalWire()
	if err != nil {
		return Contents{}, false, fmt.Errorf("commit: build: marshal item for ratio check: %w", err)
	}
	if float64(len(changesBytes)) > deltaSizeRatio*float64(len(itemBytes)) {
		return Contents{}, false, nil
	}

	srcChecksum, err := opts.PrevFull.Checksum()
	if err != nil {
		return Contents{}, false, fmt.Errorf("commit: build: src checksum: %w", err)
	}
	dstChecksum, err := item.Checksum()
	if err != nil {
		return Contents{}, false, fmt.Errorf("commit: build: dst checksum: %w", err)
	}
	return Contents{
		Base: opts.PrevFullID,
		Edit: &Edit{Changes: changesBytes, SrcChecksum: srcChecksum, DstChecksum: dstChecksum},
	}, true, nil
}
