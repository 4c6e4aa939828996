package repository

import (
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/dgryski/go-rendezvous"
	"github.com/google/uuid"

	"github.com/kestrelkv/nest/internal/commit"
	"github.com/kestrelkv/nest/internal/schema"
)

// mergeBaseResult carries the LCA id (empty if the walk reached a root)
// and whether a root was reached, per spec §4.F: "If either side reaches
// a parentless root, record 'reached root' and fall back to the null
// item as the merge base."
type mergeBaseResult struct {
	id          string
	reachedRoot bool
}

// MergeBase computes the pairwise LCA of a and b for key: expand parent
// frontiers on both sides until their intersection is non-empty; among
// the intersection, choose the newest commit with a materializable item.
func (r *Repository) MergeBase(key, a, b string) (string, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	res, err := r.mergeBaseLocked(a, b)
	if err != nil {
		return "", false, err
	}
	return res.id, res.reachedRoot, nil
}

func (r *Repository) mergeBaseLocked(a, b string) (mergeBaseResult, error) {
	frontA := map[string]bool{a: true}
	frontB := map[string]bool{b: true}
	visitedA := map[string]bool{a: true}
	visitedB := map[string]bool{b: true}

	for {
		if id, ok := r.bestIntersectionLocked(visitedA, visitedB); ok {
			return mergeBaseResult{id: id}, nil
		}

		expandedA := r.expandFrontierLocked(frontA, visitedA)
		expandedB := r.expandFrontierLocked(frontB, visitedB)
		if len(expandedA) == 0 && len(expandedB) == 0 {
			return mergeBaseResult{reachedRoot: true}, nil
		}
		frontA, frontB = expandedA, expandedB
	}
}

func (r *Repository) expandFrontierLocked(frontier, visited map[string]bool) map[string]bool {
	next := make(map[string]bool)
	for id := range frontier {
		c, ok := r.commits[id]
		if !ok {
			continue
		}
		for _, p := range c.Parents {
			if !visited[p] {
				visited[p] = true
				next[p] = true
			}
		}
	}
	return next
}

func (r *Repository) bestIntersectionLocked(a, b map[string]bool) (string, bool) {
	var best *commit.Commit
	for id := range a {
		if !b[id] {
			continue
		}
		c, ok := r.commits[id]
		if !ok {
			continue
		}
		if _, err := r.itemForCommitLocked(id, make(map[string]bool)); err != nil {
			continue
		}
		if best == nil || c.Timestamp > best.Timestamp || (c.Timestamp == best.Timestamp && c.ID > best.ID) {
			best = c
		}
	}
	if best == nil {
		return "", false
	}
	return best.ID, true
}

// NWayMergeBase folds MergeBase pairwise across ids, skipping commits
// whose materialization is missing (spec §4.F: "the merge set is
// whatever could be based").
func (r *Repository) NWayMergeBase(ids []string) (string, bool, error) {
	if len(ids) == 0 {
		return "", false, fmt.Errorf("repository: n-way merge base: no commits")
	}
	base := ids[0]
	reachedRoot := false
	for _, id := range ids[1:] {
		r.mu.Lock()
		res, err := r.mergeBaseLocked(base, id)
		r.mu.Unlock()
		if err != nil {
			return "", false, err
		}
		if res.reachedRoot {
			reachedRoot = true
			continue
		}
		base = res.id
	}
	return base, reachedRoot, nil
}

// Merge performs the three-way (or N-way) merge of spec §4.F over the
// given leaf commit ids for key, and returns an unsigned merge commit
// ready for Sign + persistence.
func (r *Repository) Merge(key string, leafIDs []string, connectionID, session, orgID string, idFunc func() string, now func() time.Time) (*commit.Commit, error) {
	if len(leafIDs) < 2 {
		return nil, fmt.Errorf("repository: merge: need at least two commits")
	}

	baseID, reachedRoot, err := r.NWayMergeBase(leafIDs)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	var baseItem *schema.Item
	if reachedRoot || baseID == "" {
		baseItem = schema.NullItem(r.registry)
	} else {
		baseItem, err = r.itemForCommitLocked(baseID, make(map[string]bool))
	}
	if err != nil {
		r.mu.Unlock()
		return nil, fmt.Errorf("repository: merge: resolve base item: %w", err)
	}

	targetVersion := -1
	var targetSchema *schema.Schema
	leafItems := make([]*schema.Item, 0, len(leafIDs))
	for _, id := range leafIDs {
		it, ierr := r.itemForCommitLocked(id, make(map[string]bool))
		if ierr != nil {
			continue
		}
		leafItems = append(leafItems, it)
		if !it.IsNull() && it.Schema().Version > targetVersion {
			targetVersion = it.Schema().Version
			targetSchema = it.Schema()
		}
	}
	r.mu.Unlock()

	if len(leafItems) == 0 {
		return nil, fmt.Errorf("repository: merge: no leaf commit materialized")
	}

	merged := baseItem.Clone()
	if targetSchema != nil && !merged.IsNull() {
		if err := merged.UpgradeSchema(targetSchema); err != nil {
			return nil, fmt.Errorf("repository: merge: upgrade base schema: %w", err)
		}
	} else if targetSchema != nil && merged.IsNull() {
		merged = schema.New(targetSchema, r.registry, nil)
	}

	var sets []schema.ChangeSet
	currentSession := r.pool.CurrentSession().ID
	for i, id := range leafIDs {
		if i >= len(leafItems) {
			break
		}
		local := r.commits[id] != nil && r.commits[id].Session == currentSession
		changes, err := baseItem.Diff(leafItems[i], local)
		if err != nil {
			return nil, fmt.Errorf("repository: merge: diff leaf %s: %w", id, err)
		}
		sets = append(sets, changes)
	}
	concatenated := schema.Concat(sets...)
	if err := merged.Patch(concatenated); err != nil {
		return nil, fmt.Errorf("repository: merge: patch: %w", err)
	}

	mergeBase := baseID
	leader := r.electLeader(key, leafIDs)

	c, err := commit.Build(commit.BuildOpts{
		Session:        session,
		ConnectionID:   connectionID,
		Key:            key,
		OrgID:          orgID,
		Parents:        append([]string{}, leafIDs...),
		Namespace:      r.namespaceLabel(),
		Item:           merged,
		AncestorFilter: nil,
		MergeBase:      mergeBase,
		MergeLeader:    leader,
		IDFunc:         idFunc,
		NowFunc:        now,
	})
	if err != nil {
		return nil, fmt.Errorf("repository: merge: build commit: %w", err)
	}

	r.mu.Lock()
	af, ac, err := r.buildAncestorFilter(key, c.Parents)
	r.mu.Unlock()
	if err != nil {
		return nil, err
	}
	afb64, err := af.Base64()
	if err != nil {
		return nil, fmt.Errorf("repository: merge: encode ancestor filter: %w", err)
	}
	c.AncestorFilter = afb64
	c.AncestorCount = ac

	return c, nil
}

func (r *Repository) namespaceLabel() string {
	if r.isSessions {
		return commit.SessionsNamespace
	}
	return ""
}

// electLeaderRendezvous picks a deterministic leader among candidates by
// rendezvous hashing session-id -> key, grounded on
// github.com/dgryski/go-rendezvous (the same package the retrieval
// pack's taibuivan-yomira repo imports for shard placement).
func (r *Repository) electLeaderRendezvous(key string, candidates []string) string {
	if len(candidates) == 0 {
		return ""
	}
	if len(candidates) == 1 {
		return candidates[0]
	}
	ring := rendezvous.New(candidates, xxhash.Sum64String)
	return ring.Lookup(key)
}

// electLeader delegates to the repository's configured elector (swapped
// out in tests).
func (r *Repository) electLeader(key string, leafIDs []string) string {
	r.mu.RLock()
	sessions := make(map[string]bool, len(leafIDs))
	for _, id := range leafIDs {
		if c, ok := r.commits[id]; ok {
			sessions[c.Session] = true
		}
	}
	r.mu.RUnlock()

	candidates := make([]string, 0, len(sessions))
	for s := range sessions {
		candidates = append(candidates, s)
	}
	return r.leaderElector(key, candidates)
}

// IsMergeLeader reports whether session is the elected leader among the
// given leaf commits' authoring sessions for key — spec §4.F: "Only the
// leader creates merge commits; others back off."
func (r *Repository) IsMergeLeader(key string, leafIDs []string, session string) bool {
	return r.electLeader(key, leafIDs) == session
}

// maybeMerge checks key for more than one leaf and, if this repository's
// current session is the elected leader, builds and persists the merge
// commit — the end-to-end trigger for spec §4.F's three-way merge, called
// after every accepted batch in PersistCommits so that two peers writing
// divergent fields to the same key actually converge instead of one
// leaf silently winning head selection.
func (r *Repository) maybeMerge(key string) {
	if r.pool == nil {
		return
	}
	leaves := r.Leaves(key)
	if len(leaves) < 2 {
		return
	}
	leafIDs := make([]string, len(leaves))
	for i, c := range leaves {
		leafIDs[i] = c.ID
	}

	session := r.pool.CurrentSession().ID
	if !r.IsMergeLeader(key, leafIDs, session) {
		return
	}

	merged, err := r.Merge(key, leafIDs, r.connectionID, session, r.orgID, uuid.NewString, time.Now)
	if err != nil {
		return
	}
	if err := merged.Sign(r.pool.Sign); err != nil {
		return
	}
	_, _ = r.PersistCommits([]*commit.Commit{merged})
}
