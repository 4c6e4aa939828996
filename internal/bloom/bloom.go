// Package bloom implements the probabilistic membership filter used for
// both the per-commit ancestor filter (spec §4.D, fpr 0.25) and the
// per-query included-path filter (spec §4.G, fpr 0.01). It wraps
// holiman/bloomfilter/v2 — the same bloom filter package AKJUS-bsc-erigon
// depends on directly — and adds the growth/rebuild policy spec §4.B
// describes, which the underlying library does not provide on its own.
package bloom

import (
	"encoding/base64"
	"fmt"
	"math"

	"github.com/cespare/xxhash/v2"
	"github.com/holiman/bloomfilter/v2"
)

// maxHashes caps the number of hash probes per membership test,
// independent of how the (n, fpr) sizing formula would round k up.
const maxHashes = 14

// Filter is a growable bloom filter. It keeps the original inserted keys
// so it can rebuild itself at a larger size, or with stale deletions
// dropped, per spec §4.B: "grows by 10x when 90% full, or after enough
// deletions that FPR would degrade."
type Filter struct {
	fpr      float64
	capacity uint64 // n this filter was sized for
	filter   *bloomfilter.Filter
	keys     [][]byte // retained so Grow/Rebuild can replay insertions
	deleted  int      // logical deletions tracked by the owner
}

// New creates a filter sized for n expected elements at the given false
// positive rate, per spec §4.B's m = -n*ln(fpr)/ln(2)^2, k capped at
// maxHashes.
func New(n uint64, fpr float64) (*Filter, error) {
	if n == 0 {
		n = 1
	}
	f, err := bloomfilter.NewOptimal(n, fpr)
	if err != nil {
		return nil, fmt.Errorf("bloom: new optimal: %w", err)
	}
	if f.K() > maxHashes {
		// Rebuild with an explicit (m, k) pair capping k. The optimal m
		// still follows the same (n, fpr) formula; only k is clamped.
		m := optimalM(n, fpr)
		f, err = bloomfilter.New(m, maxHashes)
		if err != nil {
			return nil, fmt.Errorf("bloom: new capped: %w", err)
		}
	}
	return &Filter{fpr: fpr, capacity: n, filter: f}, nil
}

func optimalM(n uint64, fpr float64) uint64 {
	m := -float64(n) * math.Log(fpr) / (math.Ln2 * math.Ln2)
	if m < 1 {
		m = 1
	}
	return uint64(math.Ceil(m))
}

// Add inserts key into the filter, growing it first if it is already at
// 90% of its sized capacity.
func (f *Filter) Add(key []byte) {
	if f.full() {
		_ = f.Rebuild(int(f.capacity) * 10)
	}
	f.filter.Add(digestOf(key))
	f.keys = append(f.keys, append([]byte(nil), key...))
}

// Remove records a logical deletion. Bloom filters support no true
// deletion (spec §4.B); the owner calls Remove to track how stale the
// filter has become, and Rebuild discards the key on the next rebuild.
func (f *Filter) Remove(key []byte) {
	for i, k := range f.keys {
		if string(k) == string(key) {
			f.keys = append(f.keys[:i], f.keys[i+1:]...)
			f.deleted++
			return
		}
	}
}

// Has reports probable membership. False means definitely absent; true
// means probably present (subject to the filter's false-positive rate).
func (f *Filter) Has(key []byte) bool {
	return f.filter.Contains(digestOf(key))
}

// full reports whether the filter has reached 90% of the capacity it
// was sized for.
func (f *Filter) full() bool {
	return float64(len(f.keys)) >= 0.90*float64(f.capacity)
}

// ShouldRebuild reports whether accumulated deletions have degraded the
// false-positive rate enough to warrant a rebuild: spec §4.B triggers
// this once deletions exceed 10% of capacity.
func (f *Filter) ShouldRebuild() bool {
	if f.capacity == 0 {
		return false
	}
	return float64(f.deleted) >= 0.10*float64(f.capacity)
}

// Rebuild recreates the filter sized for capacity elements at the
// original false-positive rate and replays every retained (non-deleted)
// key. Resets the deletion counter.
func (f *Filter) Rebuild(capacity int) error {
	if capacity < len(f.keys) {
		capacity = len(f.keys)
	}
	if capacity == 0 {
		capacity = 1
	}
	nf, err := New(uint64(capacity), f.fpr)
	if err != nil {
		return fmt.Errorf("bloom: rebuild: %w", err)
	}
	for _, k := range f.keys {
		nf.filter.Add(digestOf(k))
		nf.keys = append(nf.keys, k)
	}
	*f = *nf
	return nil
}

// Count returns the number of keys currently tracked (post-deletion).
func (f *Filter) Count() int { return len(f.keys) }

// MarshalBinary serializes the filter for the wire/on-disk format (spec
// §6: "af (bloom filter bytes, base64)").
func (f *Filter) MarshalBinary() ([]byte, error) {
	return f.filter.MarshalBinary()
}

// Base64 serializes and base64-encodes the filter for JSON embedding.
func (f *Filter) Base64() (string, error) {
	b, err := f.MarshalBinary()
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

// FromBase64 reconstructs a Filter from its base64-encoded wire bytes.
// The reconstructed filter has no retained keys and cannot Grow/Rebuild
// itself meaningfully; it is read-only membership testing only, which is
// all a remote peer's replicated ancestor filter needs.
func FromBase64(s string, fpr float64) (*Filter, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("bloom: decode base64: %w", err)
	}
	var bf bloomfilter.Filter
	if err := bf.UnmarshalBinary(raw); err != nil {
		return nil, fmt.Errorf("bloom: unmarshal: %w", err)
	}
	return &Filter{fpr: fpr, capacity: bf.N(), filter: &bf}, nil
}

func digestOf(key []byte) *xxhash.Digest {
	d := xxhash.New()
	_, _ = d.Write(key)
	return d
}
