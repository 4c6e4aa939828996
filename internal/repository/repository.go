// Package repository implements the per-key commit graph of spec §4.F:
// storage over the append-only log, ancestry bookkeeping, head
// selection, LCA-based three-way merge, merge-leader election, and the
// persistence pipeline that verifies and lands incoming commits.
//
// This is the largest single component of the source system (spec §2:
// 28% share) and has no one-to-one teacher analog — primal-pds's
// internal/repo/repo.go manages a single MST-backed ATProto repository
// per DID, backed by Postgres, with no per-key merge. The shape below
// keeps the teacher's texture (small exported surface, heavy use of
// internal helper functions named after the operation, %w-wrapped
// errors) while replacing the MST/Postgres storage with the append-only
// per-key commit graph spec §4.F describes, held in memory over
// internal/journal.
package repository

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/kestrelkv/nest/internal/bloom"
	"github.com/kestrelkv/nest/internal/commit"
	"github.com/kestrelkv/nest/internal/journal"
	"github.com/kestrelkv/nest/internal/pubsub"
	"github.com/kestrelkv/nest/internal/schema"
	"github.com/kestrelkv/nest/internal/trust"
)

// NewCommitEvent is the payload of the NewCommit/NewCommitSync emitters
// (spec §4.F step 6).
type NewCommitEvent struct {
	Commit *commit.Commit
	Key    string
}

// Authorizer decides whether op ("read" or "write") on key by session is
// permitted. The database facade supplies the concrete policy (spec
// §4.I); the repository only calls it.
type Authorizer func(key, session, op string) bool

// Options configures Open.
type Options struct {
	Path         string // e.g. "/data/widgets"
	LogPath      string
	Registry     *schema.Registry
	Pool         *trust.Pool
	ConnectionID string
	OrgID        string
	IsSessions   bool // true for the built-in /sys/sessions repository
	Authorize    Authorizer

	// OnSessionCommit is invoked for every persisted commit under
	// /sys/sessions/*, letting the database facade decode the session
	// item and register it with the TrustPool (spec §4.F step 7).
	OnSessionCommit func(c *commit.Commit, item *schema.Item) error
}

// Repository is the per-(type,repo) commit graph.
type Repository struct {
	mu sync.RWMutex

	path         string
	registry     *schema.Registry
	pool         *trust.Pool
	log          *journal.Log[commit.Commit]
	connectionID string
	orgID        string
	isSessions   bool
	authorize    Authorizer
	onSessionCommit func(c *commit.Commit, item *schema.Item) error

	commits      map[string]*commit.Commit
	commitsByKey map[string][]string // ids, newest timestamp first
	children     map[string][]string // parent id -> child ids
	itemCache    map[string]*schema.Item
	headCache    map[string]string
	ageForKey    map[string]uint64
	nextAge      uint64

	muted bool // true during initial replay: suppresses event emission

	newCommitSync *pubsub.Emitter[NewCommitEvent]
	newCommit     *pubsub.Emitter[NewCommitEvent]
	docChanged    *pubsub.Emitter[string]

	inFlight map[string]chan struct{} // per-key single in-flight commit guard

	leaderElector func(key string, candidates []string) string
}

// Open loads opts.LogPath (creating it if absent), replays every commit
// into the in-memory graph muted (no events), then unmutes. Mirrors
// spec §4.I step 2-4's "stream all commits into a muted repository, then
// unmute."
func Open(ctx context.Context, opts Options) (*Repository, error) {
	l, err := journal.Open[commit.Commit](opts.LogPath)
	if err != nil {
		return nil, fmt.Errorf("repository: open %s: %w", opts.Path, err)
	}

	connID := opts.ConnectionID
	if connID == "" {
		connID = uuid.NewString()
	}

	r := &Repository{
		path:          opts.Path,
		registry:      opts.Registry,
		pool:          opts.Pool,
		log:           l,
		connectionID:  connID,
		orgID:         opts.OrgID,
		isSessions:    opts.IsSessions,
		authorize:     opts.Authorize,
		onSessionCommit: opts.OnSessionCommit,
		commits:       make(map[string]*commit.Commit),
		commitsByKey:  make(map[string][]string),
		children:      make(map[string][]string),
		itemCache:     make(map[string]*schema.Item),
		headCache:     make(map[string]string),
		ageForKey:     make(map[string]uint64),
		newCommitSync: pubsub.New[NewCommitEvent](),
		newCommit:     pubsub.New[NewCommitEvent](),
		docChanged:    pubsub.New[string](),
		inFlight:      make(map[string]chan struct{}),
		muted:         true,
	}
	r.leaderElector = r.electLeaderRendezvous

	var replay []commit.Commit
	if err := l.Scan(func(c commit.Commit) error {
		replay = append(replay, c)
		return nil
	}); err != nil {
		return nil, fmt.Errorf("repository: replay %s: %w", opts.Path, err)
	}
	for i := range replay {
		r.index(&replay[i])
	}
	r.muted = false
	return r, nil
}

// Close drains the append queue and closes the log.
func (r *Repository) Close() error {
	return r.log.Close()
}

// Path returns the repository's /type/repo path.
func (r *Repository) Path() string { return r.path }

// OnNewCommitSync subscribes to the synchronous NewCommitSync event,
// fired in persistence order within a single persistCommits call.
func (r *Repository) OnNewCommitSync(h func(NewCommitEvent)) *pubsub.Subscription {
	return r.newCommitSync.Attach(h)
}

// OnNewCommit subscribes to NewCommit, which may be dispatched after
// NewCommitSync handlers return (spec §4.F step 6).
func (r *Repository) OnNewCommit(h func(NewCommitEvent)) *pubsub.Subscription {
	return r.newCommit.Attach(h)
}

// OnDocumentChanged subscribes to per-key change notifications.
func (r *Repository) OnDocumentChanged(h func(key string)) *pubsub.Subscription {
	return r.docChanged.Attach(h)
}

// index registers a commit already known to be structurally valid into
// the in-memory graph: commits, commitsByKey (newest timestamp first),
// children adjacency, and ageForKey. Caller holds r.mu or is the
// single-threaded Open replay.
func (r *Repository) index(c *commit.Commit) {
	if _, exists := r.commits[c.ID]; exists {
		return
	}
	r.commits[c.ID] = c
	ids := r.commitsByKey[c.Key]
	pos := 0
	for pos < len(ids) && r.commits[ids[pos]].Timestamp >= c.Timestamp {
		pos++
	}
	ids = append(ids, "")
	copy(ids[pos+1:], ids[pos:])
	ids[pos] = c.ID
	r.commitsByKey[c.Key] = ids

	for _, p := range c.Parents {
		r.children[p] = append(r.children[p], c.ID)
	}

	r.nextAge++
	r.ageForKey[c.Key] = r.nextAge

	delete(r.headCache, c.Key)
}

// AgeForKey returns the local monotonic age of the latest commit
// persisted for key, used by the query engine's age-cache short circuit.
func (r *Repository) AgeForKey(key string) uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.ageForKey[key]
}

// Commit looks up a known commit by id.
func (r *Repository) Commit(id string) (*commit.Commit, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.commits[id]
	return c, ok
}

// CommitsForKey returns every known commit id for key, newest first.
func (r *Repository) CommitsForKey(key string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.commitsByKey[key]))
	copy(out, r.commitsByKey[key])
	return out
}

// Keys returns every key with at least one commit.
func (r *Repository) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.commitsByKey))
	for k := range r.commitsByKey {
		out = append(out, k)
	}
	return out
}

// Stats is a point-in-time snapshot of a repository's commit graph,
// exposed so §7's "CorruptedCommit is not thrown" and §4.F's
// leaf-convergence behavior are testable from outside the package
// without reaching into internals (spec §12).
type Stats struct {
	Keys             int
	Commits          int
	CorruptedCommits int
	LeavesPerKey     map[string]int
	Age              uint64
}

// Stats reports the repository's current size, corrupted-commit count,
// and leaf count per key. CorruptedCommits only counts commits whose
// corruption has already surfaced through ItemForCommit/Materialize —
// it is not an eager integrity scan.
func (r *Repository) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s := Stats{
		Keys:         len(r.commitsByKey),
		Commits:      len(r.commits),
		LeavesPerKey: make(map[string]int, len(r.commitsByKey)),
		Age:          r.nextAge,
	}
	for _, c := range r.commits {
		if c.Corrupted {
			s.CorruptedCommits++
		}
	}
	for key, ids := range r.commitsByKey {
		leaves := 0
		for _, id := range ids {
			if r.isLeafLocked(r.commits[id], key) {
				leaves++
			}
		}
		s.LeavesPerKey[key] = leaves
	}
	return s
}

// ItemForCommit materializes (and memoizes) the item a commit
// represents, falling back to the latest non-corrupted ancestor for the
// same key on corruption, and to the null item if none exists, per spec
// §4.D's corruption-detection fallback.
func (r *Repository) ItemForCommit(id string) (*schema.Item, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.itemForCommitLocked(id, make(map[string]bool))
}

func (r *Repository) itemForCommitLocked(id string, visiting map[string]bool) (*schema.Item, error) {
	if it, ok := r.itemCache[id]; ok {
		return it, nil
	}
	c, ok := r.commits[id]
	if !ok {
		return nil, fmt.Errorf("repository: item for commit: unknown commit %s", id)
	}
	if visiting[id] {
		return nil, fmt.Errorf("repository: item for commit %s: cyclic base chain", id)
	}
	visiting[id] = true

	it, err := commit.Materialize(c, r.registry, func(baseID string) (*schema.Item, error) {
		return r.itemForCommitLocked(baseID, visiting)
	})
	if err != nil {
		if c.Corrupted {
			fallback, ferr := r.latestNonCorruptedAncestorLocked(c.Key, c.ID)
			if ferr != nil {
				return nil, ferr
			}
			r.itemCache[id] = fallback
			return fallback, nil
		}
		return nil, err
	}
	r.itemCache[id] = it
	return it, nil
}

// latestNonCorruptedAncestorLocked returns the materializable item of
// the newest ancestor of excludeID (within the same key) that is not
// itself corrupted, or the null item if none materializes.
func (r *Repository) latestNonCorruptedAncestorLocked(key, excludeID string) (*schema.Item, error) {
	var parents []string
	if c, ok := r.commits[excludeID]; ok {
		parents = c.Parents
	}
	ancestors, _ := r.ancestorIDsLocked(key, parents)
	isAncestor := make(map[string]bool, len(ancestors))
	for _, id := range ancestors {
		isAncestor[id] = true
	}
	for _, id := range r.commitsByKey[key] {
		if !isAncestor[id] {
			continue
		}
		c := r.commits[id]
		if c.Corrupted {
			continue
		}
		it, err := r.itemForCommitLocked(id, make(map[string]bool))
		if err == nil {
			return it, nil
		}
	}
	return schema.NullItem(r.registry), nil
}

// ancestorIDsLocked walks every transitive ancestor of parents within
// this key's graph, bounding the walk to commits already known locally.
// Used to size and populate a new commit's ancestor filter (spec §4.D).
func (r *Repository) ancestorIDsLocked(key string, parents []string) ([]string, error) {
	seen := make(map[string]bool)
	var out []string
	queue := append([]string{}, parents...)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
		c, ok := r.commits[id]
		if !ok {
			continue
		}
		queue = append(queue, c.Parents...)
	}
	return out, nil
}

// buildAncestorFilter constructs a fresh bloom filter over every
// transitive ancestor of parents, per spec §4.B's fpr=0.25 ancestor
// filter.
func (r *Repository) buildAncestorFilter(key string, parents []string) (*bloom.Filter, uint64, error) {
	ids, err := r.ancestorIDsLocked(key, parents)
	if err != nil {
		return nil, 0, err
	}
	n := uint64(len(ids))
	if n == 0 {
		n = 1
	}
	f, err := bloom.New(n, 0.25)
	if err != nil {
		return nil, 0, fmt.Errorf("repository: build ancestor filter: %w", err)
	}
	for _, id := range ids {
		f.Add([]byte(id))
	}
	return f, uint64(len(ids)), nil
}
