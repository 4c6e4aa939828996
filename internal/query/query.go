// Package query implements the live, incrementally-maintained query
// engine of spec §4.G: a Query attaches to a Source (a repository or
// another query), scans it once, then keeps its result set current by
// listening for DocumentChanged notifications rather than rescanning.
//
// Grounded on internal/repository's event-driven shape (pubsub emitters,
// %w-wrapped errors, injectable NowFunc) generalized from "commit graph"
// to "live filtered view over a commit graph."
package query

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/kestrelkv/nest/internal/bloom"
	"github.com/kestrelkv/nest/internal/pubsub"
	"github.com/kestrelkv/nest/internal/schema"
)

// includedFilterFPR is spec §4.B's false-positive rate for the per-query
// included-path membership filter.
const includedFilterFPR = 0.01

// Context carries the per-candidate state a Predicate evaluates against.
type Context struct {
	Path string
	Item *schema.Item
	Ctx  any
}

// Predicate decides whether a path's current item belongs in the query's
// result set.
type Predicate func(Context) bool

// Result pairs a matched path with its materialized item, used by
// sorting and Comparator.
type Result struct {
	Path string
	Item *schema.Item
}

// Comparator reports whether a sorts before b. Used when SortField is
// empty.
type Comparator func(a, b Result) bool

// Source is anything a Query can iterate: a repository path-space or
// another query's result set.
type Source interface {
	// Paths returns every candidate path currently known to the source.
	Paths() []string
	// AgeForPath returns the monotonic age of path's latest change, used
	// for the query's age-cache short circuit.
	AgeForPath(path string) uint64
	// ItemForPath resolves path's current item. ok is false if path has
	// no live item (never committed, or the source itself excludes it).
	ItemForPath(path string) (item *schema.Item, ok bool, err error)
	// OnDocumentChanged subscribes to per-path change notifications.
	OnDocumentChanged(func(path string)) *pubsub.Subscription
}

// Cache is the persistence boundary a Query reads its {age, results}
// checkpoint from and registers itself with for periodic flush (spec
// §4.H). *Manager implements this; tests may supply a fake.
type Cache interface {
	Get(id string) (age uint64, results []string, ok bool)
	Register(q *Query)
	Unregister(id string)
	RequestFlush()
}

// Options configures NewQuery. PredicateLabel and SortLabel stand in for
// the original's "stringified function source" in the identity hash
// (spec §4.G: "hash(... | predicate.source | sort.source | ...)") since
// Go closures carry no inspectable source; callers should pass a stable
// label (the predicate's name, or a hash of the expression it embodies).
type Options struct {
	ID string // overrides the computed identity; tests only

	Source    Source
	SchemaNS  string // "" matches any schema namespace
	Predicate Predicate
	Context   any

	PredicateLabel string
	SortLabel      string

	SortField  string // canonical-order sort by this field; "" uses Comparator
	Comparator Comparator
	Limit      int

	Cache Cache // nil disables persistence

	Logger  *zerolog.Logger
	NowFunc func() time.Time

	// YieldEvery bounds how many paths are scanned between cancellation
	// checks (Design Note 9.5's "iterator that yields every N items").
	YieldEvery int
}

// Query is a live, incrementally-maintained filtered/sorted view over a
// Source.
type Query struct {
	id        string
	source    Source
	schemaNS  string
	predicate Predicate
	ctx       any
	sortField string
	cmp       Comparator
	limit     int
	cache     Cache
	log       zerolog.Logger
	now       func() time.Time
	yieldEvery int

	mu            sync.Mutex
	includedPaths map[string]bool
	filter        *bloom.Filter
	age           uint64
	sortedCache   []Result
	sortedAge     uint64

	cancelled atomic.Bool
	sourceSub *pubsub.Subscription

	loadingFinished *pubsub.Emitter[struct{}]
	documentChanged *pubsub.Emitter[string]
}

var nopLogger = zerolog.Nop()

// Identity computes the deterministic query id of spec §4.G:
// hash(sourceID | predicateLabel | sortLabel | json(context) | schemaNS).
func Identity(sourceID, predicateLabel, sortLabel string, ctx any, schemaNS string) (string, error) {
	ctxJSON, err := json.Marshal(ctx)
	if err != nil {
		return "", fmt.Errorf("query: identity: marshal context: %w", err)
	}
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%s|%s", sourceID, predicateLabel, sortLabel, ctxJSON, schemaNS)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// sourceIdentity reports a stable id for opts.Source: a *Query's own id,
// or a repository-backed source's Path().
func sourceIdentity(s Source) string {
	if q, ok := s.(*Query); ok {
		return "query:" + q.id
	}
	if rs, ok := s.(interface{ SourcePath() string }); ok {
		return "repo:" + rs.SourcePath()
	}
	return fmt.Sprintf("source:%p", s)
}

// NewQuery constructs a Query over opts.Source. Returns an error if
// opts.Source is itself a Query whose upstream chain would make this
// query its own ancestor (spec §4.G: "no cycles are permitted").
func NewQuery(opts Options) (*Query, error) {
	if opts.Source == nil {
		return nil, fmt.Errorf("query: new: source is required")
	}
	if opts.Predicate == nil {
		return nil, fmt.Errorf("query: new: predicate is required")
	}

	id := opts.ID
	if id == "" {
		computed, err := Identity(sourceIdentity(opts.Source), opts.PredicateLabel, opts.SortLabel, opts.Context, opts.SchemaNS)
		if err != nil {
			return nil, err
		}
		id = computed
	}

	if upstream, ok := opts.Source.(*Query); ok {
		for cur := upstream; cur != nil; {
			if cur.id == id {
				return nil, fmt.Errorf("query: new: source %s transitively references this query", cur.id)
			}
			next, _ := cur.source.(*Query)
			cur = next
		}
	}

	log := nopLogger
	if opts.Logger != nil {
		log = *opts.Logger
	}
	now := opts.NowFunc
	if now == nil {
		now = time.Now
	}
	yieldEvery := opts.YieldEvery
	if yieldEvery <= 0 {
		yieldEvery = 256
	}

	q := &Query{
		id:              id,
		source:          opts.Source,
		schemaNS:        opts.SchemaNS,
		predicate:       opts.Predicate,
		ctx:             opts.Context,
		sortField:       opts.SortField,
		cmp:             opts.Comparator,
		limit:           opts.Limit,
		cache:           opts.Cache,
		log:             log,
		now:             now,
		yieldEvery:      yieldEvery,
		includedPaths:   make(map[string]bool),
		loadingFinished: pubsub.New[struct{}](),
		documentChanged: pubsub.New[string](),
	}
	return q, nil
}

// ID returns the query's deterministic identity.
func (q *Query) ID() string { return q.id }

// SourcePath implements the RepoSource-detection hook used by
// sourceIdentity for a chained Query's own source label.
func (q *Query) SourcePath() string { return q.id }

// OnLoadingFinished subscribes to the event fired after every completed
// scan (initial or triggered by incremental convergence is not re-fired;
// only full scans emit this).
func (q *Query) OnLoadingFinished(h func()) *pubsub.Subscription {
	return q.loadingFinished.Attach(func(struct{}) { h() })
}

// OnDocumentChanged subscribes to the query's own DocumentChanged event,
// fired for in→in predicate transitions (spec §4.G: "so sorts can
// re-order") and for insert/remove transitions.
func (q *Query) OnDocumentChanged(h func(path string)) *pubsub.Subscription {
	return q.documentChanged.Attach(h)
}

// Activate subscribes to the source's DocumentChanged stream and runs
// the initial scan. Per spec §4.G: "On activation, subscribes to
// DocumentChanged on its source and runs a scan."
func (q *Query) Activate() error {
	q.sourceSub = q.source.OnDocumentChanged(q.onSourceChanged)
	return q.Scan()
}

// Close detaches from the source and deregisters from the persistence
// cache (spec §4.G: "On close, unregisters from query persistence and
// detaches").
func (q *Query) Close() {
	q.cancelled.Store(true)
	if q.sourceSub != nil {
		q.sourceSub.Cancel()
	}
	if q.cache != nil {
		q.cache.Unregister(q.id)
	}
}

// Age returns the age of the latest commit observed by the last
// completed scan or incremental update.
func (q *Query) Age() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.age
}

// Paths implements Source for a chained query: the current result set,
// in no particular order (sorting happens lazily in Results).
func (q *Query) Paths() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]string, 0, len(q.includedPaths))
	for p := range q.includedPaths {
		out = append(out, p)
	}
	return out
}

// AgeForPath delegates to the upstream source; a query has no
// per-path age of its own beyond what its source reports.
func (q *Query) AgeForPath(path string) uint64 {
	return q.source.AgeForPath(path)
}

// ItemForPath resolves path through the upstream source, filtered by
// whether this query currently includes it.
func (q *Query) ItemForPath(path string) (*schema.Item, bool, error) {
	q.mu.Lock()
	included := q.includedPaths[path]
	q.mu.Unlock()
	if !included {
		return nil, false, nil
	}
	return q.source.ItemForPath(path)
}

func isDeleted(it *schema.Item) bool {
	v, err := it.Get(schema.IsDeletedField)
	if err != nil {
		return false
	}
	return v.AsBool()
}

// Scan implements spec §4.G's scan algorithm: consult the age/results
// cache per path, re-evaluate the predicate only where the cache is
// stale, and publish the resulting included-path set and bloom filter.
func (q *Query) Scan() error {
	var cachedAge uint64
	var cachedSet map[string]bool
	if q.cache != nil {
		if age, results, ok := q.cache.Get(q.id); ok {
			cachedAge = age
			cachedSet = make(map[string]bool, len(results))
			for _, p := range results {
				cachedSet[p] = true
			}
		}
	}

	paths := q.source.Paths()
	included := make(map[string]bool)
	var maxAge uint64

	for i, path := range paths {
		if i%q.yieldEvery == 0 && q.cancelled.Load() {
			return fmt.Errorf("query: scan: cancelled")
		}

		age := q.source.AgeForPath(path)
		if age > maxAge {
			maxAge = age
		}

		if cachedSet != nil && age <= cachedAge {
			if cachedSet[path] {
				included[path] = true
			}
			continue
		}

		item, ok, err := q.source.ItemForPath(path)
		if err != nil || !ok {
			continue
		}
		if q.schemaNS != "" && item.Schema().NS != q.schemaNS {
			continue
		}
		if isDeleted(item) {
			continue
		}
		if q.predicate(Context{Path: path, Item: item, Ctx: q.ctx}) {
			included[path] = true
		}
	}

	filter, err := buildIncludedFilter(included)
	if err != nil {
		return fmt.Errorf("query: scan: %w", err)
	}

	q.mu.Lock()
	q.includedPaths = included
	q.filter = filter
	q.age = maxAge
	q.sortedCache = nil
	q.mu.Unlock()

	q.loadingFinished.Emit(struct{}{})
	if q.cache != nil {
		q.cache.Register(q)
		q.cache.RequestFlush()
	}
	return nil
}

func buildIncludedFilter(included map[string]bool) (*bloom.Filter, error) {
	n := uint64(len(included))
	f, err := bloom.New(n, includedFilterFPR)
	if err != nil {
		return nil, err
	}
	for p := range included {
		f.Add([]byte(p))
	}
	return f, nil
}

// onSourceChanged resolves the current item for path and transitions
// the path in or out of the result set. It does not compare against the
// previous item: a path that stays included emits DocumentChanged on
// every notification, whether or not its item changed.
func (q *Query) onSourceChanged(path string) {
	item, ok, err := q.source.ItemForPath(path)
	if err != nil {
		q.log.Warn().Err(err).Str("path", path).Msg("query: resolve changed path")
		return
	}

	q.mu.Lock()
	wasIncluded := q.includedPaths[path]
	q.mu.Unlock()

	nowIncluded := false
	if ok {
		if q.schemaNS == "" || item.Schema().NS == q.schemaNS {
			if !isDeleted(item) {
				nowIncluded = q.predicate(Context{Path: path, Item: item, Ctx: q.ctx})
			}
		}
	}

	if wasIncluded == nowIncluded {
		if nowIncluded {
			q.documentChanged.Emit(path)
		}
		return
	}

	age := q.source.AgeForPath(path)
	q.mu.Lock()
	if nowIncluded {
		q.includedPaths[path] = true
		if q.filter == nil {
			q.filter, _ = buildIncludedFilter(map[string]bool{})
		}
		q.filter.Add([]byte(path))
		if q.filter.ShouldRebuild() {
			_ = q.filter.Rebuild(len(q.includedPaths))
		}
	} else {
		delete(q.includedPaths, path)
		if q.filter != nil {
			q.filter.Remove([]byte(path))
			if q.filter.ShouldRebuild() {
				_ = q.filter.Rebuild(len(q.includedPaths))
			}
		}
	}
	if age > q.age {
		q.age = age
	}
	q.sortedCache = nil
	q.mu.Unlock()

	if q.cache != nil {
		q.cache.Register(q)
		q.cache.RequestFlush()
	}
	q.documentChanged.Emit(path)
}

// Results returns the query's current matches, sorted per SortField or
// Comparator and truncated to Limit if set. Sorting is computed lazily
// and cached until the next Scan or incremental update changes the
// result set.
func (q *Query) Results() ([]Result, error) {
	q.mu.Lock()
	if q.sortedCache != nil && q.sortedAge == q.age {
		out := make([]Result, len(q.sortedCache))
		copy(out, q.sortedCache)
		q.mu.Unlock()
		return applyLimit(out, q.limit), nil
	}
	paths := make([]string, 0, len(q.includedPaths))
	for p := range q.includedPaths {
		paths = append(paths, p)
	}
	q.mu.Unlock()

	results := make([]Result, 0, len(paths))
	for _, p := range paths {
		item, ok, err := q.source.ItemForPath(p)
		if err != nil {
			return nil, fmt.Errorf("query: results: %w", err)
		}
		if !ok {
			continue
		}
		results = append(results, Result{Path: p, Item: item})
	}

	sort.Slice(results, func(i, j int) bool { return q.less(results[i], results[j]) })

	q.mu.Lock()
	q.sortedCache = results
	q.sortedAge = q.age
	q.mu.Unlock()

	out := make([]Result, len(results))
	copy(out, results)
	return applyLimit(out, q.limit), nil
}

func applyLimit(results []Result, limit int) []Result {
	if limit > 0 && limit < len(results) {
		return results[:limit]
	}
	return results
}

func (q *Query) less(a, b Result) bool {
	if q.cmp != nil {
		return q.cmp(a, b)
	}
	if q.sortField == "" {
		return a.Path < b.Path
	}
	av, errA := a.Item.Get(q.sortField)
	bv, errB := b.Item.Get(q.sortField)
	if errA != nil || errB != nil {
		return a.Path < b.Path
	}
	if c := av.Compare(bv); c != 0 {
		return c < 0
	}
	return a.Path < b.Path
}

// Find performs spec §4.G's lookup: binary search when sorted by a
// field name, linear scan otherwise. Returns the matching Result and
// true, or a zero Result and false.
func (q *Query) Find(field string, value schema.Value) (Result, bool, error) {
	results, err := q.Results()
	if err != nil {
		return Result{}, false, err
	}
	if q.sortField != "" && q.sortField == field {
		i := sort.Search(len(results), func(i int) bool {
			v, err := results[i].Item.Get(field)
			if err != nil {
				return false
			}
			return v.Compare(value) >= 0
		})
		if i < len(results) {
			v, err := results[i].Item.Get(field)
			if err == nil && v.Compare(value) == 0 {
				return results[i], true, nil
			}
		}
		return Result{}, false, nil
	}
	for _, r := range results {
		v, err := r.Item.Get(field)
		if err != nil {
			continue
		}
		if v.Compare(value) == 0 {
			return r, true, nil
		}
	}
	return Result{}, false, nil
}
