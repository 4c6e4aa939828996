package repository

import (
	"fmt"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/kestrelkv/nest/internal/commit"
	"github.com/kestrelkv/nest/internal/schema"
)

// persistBatchSize bounds how many commits land in a single log append,
// per spec §4.F step 4 ("batches of ~500").
const persistBatchSize = 500

// sessionsPathPrefix identifies commits that land in the built-in
// /sys/sessions repository, which triggers TrustPool auto-registration.
const sessionsPathPrefix = "/sys/sessions/"

// PersistCommits implements spec §4.F's persistence pipeline: filter
// already-known or foreign-org commits, verify signatures concurrently,
// authorize each write, append in batches, update in-memory indices, and
// emit change events.
func (r *Repository) PersistCommits(commits []*commit.Commit) ([]*commit.Commit, error) {
	filtered := r.filterNew(commits)
	if len(filtered) == 0 {
		return nil, nil
	}

	verified, err := r.verifyBatch(filtered)
	if err != nil {
		return nil, err
	}
	authorized := r.authorizeWrites(verified)
	if len(authorized) == 0 {
		return nil, nil
	}

	var accepted []*commit.Commit
	affected := make(map[string]bool)
	for start := 0; start < len(authorized); start += persistBatchSize {
		end := start + persistBatchSize
		if end > len(authorized) {
			end = len(authorized)
		}
		batch := authorized[start:end]

		if err := r.appendBatch(batch); err != nil {
			return accepted, err
		}

		r.mu.Lock()
		for _, c := range batch {
			r.index(c)
			affected[c.Key] = true
		}
		r.mu.Unlock()

		r.emitAndRegister(batch)
		accepted = append(accepted, batch...)
	}

	// Two peers writing divergent fields to the same key converge only if
	// someone actually builds the merge commit (spec §4.F step 5): check
	// every key touched by this batch for more than one leaf and, if this
	// session is the elected leader, build and persist it.
	for key := range affected {
		r.maybeMerge(key)
	}
	return accepted, nil
}

func (r *Repository) filterNew(commits []*commit.Commit) []*commit.Commit {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*commit.Commit, 0, len(commits))
	for _, c := range commits {
		if _, exists := r.commits[c.ID]; exists {
			continue
		}
		if r.orgID != "" && c.OrgID != "" && c.OrgID != r.orgID {
			continue
		}
		out = append(out, c)
	}
	return out
}

// verifyBatch verifies every commit's signature concurrently, bounded by
// available hardware concurrency (spec §4.F step 2), preserving input
// order in the returned slice.
func (r *Repository) verifyBatch(commits []*commit.Commit) ([]*commit.Commit, error) {
	if r.pool == nil {
		return commits, nil
	}
	workers := runtime.GOMAXPROCS(0)
	if workers < 1 {
		workers = 1
	}
	if workers > len(commits) {
		workers = len(commits)
	}

	results := make([]bool, len(commits))
	jobs := make(chan int)
	var wg sync.WaitGroup
	now := time.Now()

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				c := commits[i]
				bytes, err := c.CanonicalBytes()
				if err != nil {
					continue
				}
				sig, err := c.SignatureBytes()
				if err != nil {
					continue
				}
				if err := r.pool.Verify(c.Session, bytes, sig, now); err != nil {
					continue
				}
				results[i] = true
			}
		}()
	}
	for i := range commits {
		jobs <- i
	}
	close(jobs)
	wg.Wait()

	out := make([]*commit.Commit, 0, len(commits))
	for i, ok := range results {
		if ok {
			out = append(out, commits[i])
		}
	}
	return out, nil
}

func (r *Repository) authorizeWrites(commits []*commit.Commit) []*commit.Commit {
	currentSession := ""
	if r.pool != nil {
		currentSession = r.pool.CurrentSession().ID
	}
	out := make([]*commit.Commit, 0, len(commits))
	for _, c := range commits {
		if r.authorize == nil || (r.pool != nil && r.pool.IsRoot(c.Session)) || c.Session == currentSession {
			out = append(out, c)
			continue
		}
		if r.authorize(c.Key, c.Session, "write") {
			out = append(out, c)
		}
	}
	return out
}

func (r *Repository) appendBatch(batch []*commit.Commit) error {
	values := make([]commit.Commit, len(batch))
	for i, c := range batch {
		values[i] = *c
	}
	if err := r.log.Append(values...); err != nil {
		return fmt.Errorf("repository: append batch: %w", err)
	}
	return nil
}

func (r *Repository) emitAndRegister(batch []*commit.Commit) {
	for _, c := range batch {
		ev := NewCommitEvent{Commit: c, Key: c.Key}
		if !r.muted {
			r.newCommitSync.Emit(ev)
		}
	}
	for _, c := range batch {
		if !r.muted {
			r.newCommit.Emit(NewCommitEvent{Commit: c, Key: c.Key})
			r.docChanged.Emit(c.Key)
		}
		if strings.HasPrefix(c.Key, sessionsPathPrefix) && r.onSessionCommit != nil {
			if it, err := r.ItemForCommit(c.ID); err == nil {
				_ = r.onSessionCommit(c, it)
			}
		}
	}
}

// acquireKeyLock enforces spec §5's "at most one in-flight commit per
// key" rule: concurrent callers chain behind the pending commit rather
// than erroring.
func (r *Repository) acquireKeyLock(key string) func() {
	for {
		r.mu.Lock()
		ch, busy := r.inFlight[key]
		if !busy {
			done := make(chan struct{})
			r.inFlight[key] = done
			r.mu.Unlock()
			return func() {
				r.mu.Lock()
				delete(r.inFlight, key)
				r.mu.Unlock()
				close(done)
			}
		}
		r.mu.Unlock()
		<-ch
	}
}

// SetValue builds, signs, and persists a new commit for key carrying
// item, chaining off the current head if one exists. It serializes
// concurrent writers to the same key per spec §5.
func (r *Repository) SetValue(key string, item *schema.Item, idFunc func() string, now func() time.Time) (*commit.Commit, error) {
	release := r.acquireKeyLock(key)
	defer release()

	var parents []string
	var prevFull *schema.Item
	var prevFullID string
	if head, err := r.Head(key); err == nil {
		parents = []string{head.ID}
		prevFullID, prevFull = r.nearestFullAncestor(head)
	}

	r.mu.Lock()
	af, ac, err := r.buildAncestorFilter(key, parents)
	r.mu.Unlock()
	if err != nil {
		return nil, err
	}

	session := ""
	if r.pool != nil {
		session = r.pool.CurrentSession().ID
	}

	c, err := commit.Build(commit.BuildOpts{
		Session:        session,
		ConnectionID:   r.connectionID,
		Key:            key,
		OrgID:          r.orgID,
		Parents:        parents,
		Namespace:      r.namespaceLabel(),
		Item:           item,
		PrevFull:       prevFull,
		PrevFullID:     prevFullID,
		AncestorFilter: af,
		AncestorCount:  ac,
		IDFunc:         idFunc,
		NowFunc:        now,
	})
	if err != nil {
		return nil, fmt.Errorf("repository: set value: %w", err)
	}
	if r.pool != nil {
		if err := c.Sign(r.pool.Sign); err != nil {
			return nil, fmt.Errorf("repository: set value: %w", err)
		}
	}

	accepted, err := r.PersistCommits([]*commit.Commit{c})
	if err != nil {
		return nil, err
	}
	if len(accepted) == 0 {
		return nil, fmt.Errorf("repository: set value: commit for %s was not accepted", key)
	}
	return c, nil
}

// nearestFullAncestor walks a delta chain back to the nearest full
// commit, used to pick the delta-compression base for the next write.
func (r *Repository) nearestFullAncestor(c *commit.Commit) (string, *schema.Item) {
	cur := c
	for cur != nil && cur.Contents.IsDelta() {
		base, ok := r.Commit(cur.Contents.Base)
		if !ok {
			return "", nil
		}
		cur = base
	}
	if cur == nil {
		return "", nil
	}
	it, err := r.ItemForCommit(cur.ID)
	if err != nil {
		return "", nil
	}
	return cur.ID, it
}

// Rebase recomputes a locally-edited item against the current head, per
// spec §4.F: if the head is unchanged from baseCommitID, the local edit
// is returned as-is; otherwise the base is patched with the union of the
// remote and local diffs.
func (r *Repository) Rebase(key, baseCommitID string, localEdit *schema.Item) (item *schema.Item, unchanged bool, err error) {
	head, err := r.Head(key)
	if err != nil {
		return nil, false, err
	}
	if head.ID == baseCommitID {
		return localEdit, true, nil
	}

	baseItem, err := r.ItemForCommit(baseCommitID)
	if err != nil {
		return nil, false, err
	}
	headItem, err := r.ItemForCommit(head.ID)
	if err != nil {
		return nil, false, err
	}

	remoteChanges, err := baseItem.Diff(headItem, false)
	if err != nil {
		return nil, false, err
	}
	localChanges, err := baseItem.Diff(localEdit, true)
	if err != nil {
		return nil, false, err
	}
	merged := schema.Union(remoteChanges, localChanges)

	result := baseItem.Clone()
	if err := result.Patch(merged); err != nil {
		return nil, false, err
	}
	return result, false, nil
}
