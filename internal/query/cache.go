package query

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// cacheVersion is the on-disk format version of spec §4.H's
// { version, queries: { id -> { age, results } } } shape.
const cacheVersion = 1

// flushInterval is spec §4.H's background flush period.
const flushInterval = 5 * time.Second

type cacheEntry struct {
	Age     uint64   `json:"age"`
	Results []string `json:"results"`
}

type cacheFile struct {
	Version int                   `json:"version"`
	Queries map[string]cacheEntry `json:"queries"`
}

// Manager implements spec §4.H's query persistence: one cache file per
// repository, a 5s background flush timer, and atomic rewrite of
// whichever queries have advanced past their persisted age.
type Manager struct {
	mu       sync.Mutex
	path     string
	entries  map[string]cacheEntry
	queries  map[string]*Query
	dirty    bool
	stopCh   chan struct{}
	stopped  bool
	flushNow chan struct{}
}

// OpenManager loads path (if it exists) and starts the background flush
// timer. An empty path disables persistence: Get always misses and
// RequestFlush/Close are no-ops.
func OpenManager(path string) (*Manager, error) {
	m := &Manager{
		path:     path,
		entries:  make(map[string]cacheEntry),
		queries:  make(map[string]*Query),
		stopCh:   make(chan struct{}),
		flushNow: make(chan struct{}, 1),
	}
	if path == "" {
		return m, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			go m.run()
			return m, nil
		}
		return nil, fmt.Errorf("query: open cache %s: %w", path, err)
	}
	var cf cacheFile
	if err := json.Unmarshal(data, &cf); err != nil {
		return nil, fmt.Errorf("query: open cache %s: %w", path, err)
	}
	if cf.Queries != nil {
		m.entries = cf.Queries
	}
	go m.run()
	return m, nil
}

// Get returns the persisted {age, results} checkpoint for id.
func (m *Manager) Get(id string) (uint64, []string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return 0, nil, false
	}
	out := make([]string, len(e.Results))
	copy(out, e.Results)
	return e.Age, out, true
}

// Register records q as a live query whose age should be checked on the
// next flush tick.
func (m *Manager) Register(q *Query) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queries[q.id] = q
}

// Unregister drops q from the flush set, called on Query.Close.
func (m *Manager) Unregister(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.queries, id)
}

// RequestFlush nudges the background timer to flush soon rather than
// waiting for the next tick. Safe to call frequently; coalesces.
func (m *Manager) RequestFlush() {
	select {
	case m.flushNow <- struct{}{}:
	default:
	}
}

func (m *Manager) run() {
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.flush()
		case <-m.flushNow:
			m.flush()
		case <-m.stopCh:
			m.flush()
			return
		}
	}
}

// flush serializes every registered query whose age exceeds its
// persisted checkpoint and atomically rewrites the cache file.
func (m *Manager) flush() {
	if m.path == "" {
		return
	}
	m.mu.Lock()
	changed := false
	for id, q := range m.queries {
		age := q.Age()
		existing, ok := m.entries[id]
		if ok && existing.Age >= age {
			continue
		}
		q.mu.Lock()
		paths := make([]string, 0, len(q.includedPaths))
		for p := range q.includedPaths {
			paths = append(paths, p)
		}
		q.mu.Unlock()
		m.entries[id] = cacheEntry{Age: age, Results: paths}
		changed = true
	}
	if !changed {
		m.mu.Unlock()
		return
	}
	cf := cacheFile{Version: cacheVersion, Queries: m.entries}
	m.mu.Unlock()

	data, err := json.Marshal(cf)
	if err != nil {
		return
	}
	tmp := m.path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(m.path), 0o755); err != nil {
		return
	}
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return
	}
	_ = os.Rename(tmp, m.path)
}

// Close stops the background flush timer. The timer goroutine makes one
// final flush as it exits; Close does not wait for that flush to finish,
// and the in-memory cache entries are kept.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	m.mu.Unlock()
	close(m.stopCh)
}
