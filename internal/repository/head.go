package repository

import (
	"fmt"
	"math"

	"github.com/kestrelkv/nest/internal/bloom"
	"github.com/kestrelkv/nest/internal/commit"
)

// ancestorFilterFPR is the fpr used when reconstructing a peer
// commit's ancestor filter for the high-probability leaf check (spec
// §4.B: "per-commit ancestor filter, fpr = 0.25").
const ancestorFilterFPR = 0.25

// Head implements spec §4.F's head selection:
//  1. a cached head authored by this connection wins outright;
//  2. otherwise compute leaves filtered to those with a materializable
//     item; a single leaf wins;
//  3. otherwise prefer this connection's commit, then this session's,
//     then the highest (timestamp, id).
func (r *Repository) Head(key string) (*commit.Commit, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if id, ok := r.headCache[key]; ok {
		if c, ok := r.commits[id]; ok && c.ConnectionID == r.connectionID {
			return c, nil
		}
	}

	leaves, err := r.materializableLeavesLocked(key)
	if err != nil {
		return nil, err
	}
	if len(leaves) == 0 {
		return nil, fmt.Errorf("repository: head: no materializable commit for %s", key)
	}
	if len(leaves) == 1 {
		r.headCache[key] = leaves[0].ID
		return leaves[0], nil
	}

	currentSession := r.pool.CurrentSession().ID
	best := leaves[0]
	for _, c := range leaves[1:] {
		if better(c, best, r.connectionID, currentSession) {
			best = c
		}
	}
	r.headCache[key] = best.ID
	return best, nil
}

func better(c, best *commit.Commit, connID, sessionID string) bool {
	cConn, bestConn := c.ConnectionID == connID, best.ConnectionID == connID
	if cConn != bestConn {
		return cConn
	}
	cSess, bestSess := c.Session == sessionID, best.Session == sessionID
	if cSess != bestSess {
		return cSess
	}
	if c.Timestamp != best.Timestamp {
		return c.Timestamp > best.Timestamp
	}
	return c.ID > best.ID
}

// materializableLeavesLocked returns every leaf commit for key (per
// isLeafLocked) whose item materializes without error.
func (r *Repository) materializableLeavesLocked(key string) ([]*commit.Commit, error) {
	ids := r.commitsByKey[key]
	var out []*commit.Commit
	for _, id := range ids {
		c := r.commits[id]
		if !r.isLeafLocked(c, key) {
			continue
		}
		if _, err := r.itemForCommitLocked(id, make(map[string]bool)); err != nil {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

// isLeafLocked implements the high-probability leaf check of spec
// §4.F: trivially true with no recorded children; otherwise true if,
// among the newest ceil(2*log4(N)) commits for key (N = max(commit
// count, c's ancestor count)), at least one commit other than c does not
// list c.id in its ancestor filter — tolerating partial replication.
func (r *Repository) isLeafLocked(c *commit.Commit, key string) bool {
	if len(r.children[c.ID]) == 0 {
		return true
	}

	n := uint64(len(r.commitsByKey[key]))
	if c.AncestorCount > n {
		n = c.AncestorCount
	}
	if n < 1 {
		n = 1
	}
	probes := int(math.Ceil(2 * math.Log(float64(n)) / math.Log(4)))
	if probes <= 0 {
		return false
	}

	ids := r.commitsByKey[key]
	for i := 0; i < probes && i < len(ids); i++ {
		nc := r.commits[ids[i]]
		if nc.ID == c.ID {
			continue
		}
		if nc.AncestorFilter == "" {
			continue
		}
		f, err := bloom.FromBase64(nc.AncestorFilter, ancestorFilterFPR)
		if err != nil {
			continue
		}
		if !f.Has([]byte(c.ID)) {
			return true
		}
	}
	return false
}

// Leaves returns every leaf commit for key by the high-probability check
// (not filtered by materializability); used by merge construction.
func (r *Repository) Leaves(key string) []*commit.Commit {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*commit.Commit
	for _, id := range r.commitsByKey[key] {
		c := r.commits[id]
		if r.isLeafLocked(c, key) {
			out = append(out, c)
		}
	}
	return out
}
