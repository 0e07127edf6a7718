// Package store implements the backing associative map the rest of the
// cache is built on: a sharded map[K]V supporting atomic Lookup, Insert,
// InsertIfAbsent, and Delete. It never sees TTL metadata or callbacks —
// those are layered on top by the rowcache operation layer.
package store

import (
	"sync"

	"github.com/rowcache/rowcache/internal/util"
)

// Store is a sharded, generic key/value map. Concurrent readers see a
// consistent per-key view; writers to distinct keys never block each
// other. There is no eviction policy here — callers that need TTL-based
// removal drive it externally via Delete.
type Store[K comparable, V any] struct {
	shards []*shard[K, V]
	hash   func(K) uint64
}

type shard[K comparable, V any] struct {
	mu sync.RWMutex
	m  map[K]V

	_      util.CacheLinePad
	hits   util.PaddedAtomicInt64
	misses util.PaddedAtomicInt64
}

// New constructs a Store. shards <= 0 picks a heuristic shard count
// (≈2×GOMAXPROCS, rounded to the next power of two).
func New[K comparable, V any](shards int) *Store[K, V] {
	n := shards
	if n <= 0 {
		n = util.ReasonableShardCount()
	} else {
		n = int(util.NextPow2(uint64(n)))
	}

	ss := make([]*shard[K, V], n)
	for i := range ss {
		ss[i] = &shard[K, V]{m: make(map[K]V)}
	}
	return &Store[K, V]{shards: ss, hash: util.Fnv64a[K]}
}

func (s *Store[K, V]) shardFor(k K) *shard[K, V] {
	h := s.hash(k)
	idx := util.ShardIndex(h, len(s.shards))
	return s.shards[idx]
}

// Lookup returns the value for k and whether it was present.
func (s *Store[K, V]) Lookup(k K) (V, bool) {
	sh := s.shardFor(k)
	sh.mu.RLock()
	v, ok := sh.m[k]
	sh.mu.RUnlock()
	if ok {
		sh.hits.Add(1)
	} else {
		sh.misses.Add(1)
	}
	return v, ok
}

// Insert unconditionally stores k→v, overwriting any existing value.
func (s *Store[K, V]) Insert(k K, v V) {
	sh := s.shardFor(k)
	sh.mu.Lock()
	sh.m[k] = v
	sh.mu.Unlock()
}

// InsertIfAbsent stores k→v only if k is not already present.
// Returns true if the insert happened.
func (s *Store[K, V]) InsertIfAbsent(k K, v V) bool {
	sh := s.shardFor(k)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if _, exists := sh.m[k]; exists {
		return false
	}
	sh.m[k] = v
	return true
}

// Delete removes k if present. Returns true if a value was removed.
func (s *Store[K, V]) Delete(k K) bool {
	sh := s.shardFor(k)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if _, exists := sh.m[k]; !exists {
		return false
	}
	delete(sh.m, k)
	return true
}

// Len returns the total number of resident entries across all shards.
func (s *Store[K, V]) Len() int {
	total := 0
	for _, sh := range s.shards {
		sh.mu.RLock()
		total += len(sh.m)
		sh.mu.RUnlock()
	}
	return total
}

// Keys returns a snapshot of all keys currently resident. Used only by
// diagnostics; callers must not assume the result is still accurate by
// the time they act on it.
func (s *Store[K, V]) Keys() []K {
	out := make([]K, 0, s.Len())
	for _, sh := range s.shards {
		sh.mu.RLock()
		for k := range sh.m {
			out = append(out, k)
		}
		sh.mu.RUnlock()
	}
	return out
}

// HitMiss reports cumulative hit/miss counts across all shards. Useful for
// diagnostics and tests; not part of the core cache protocol.
func (s *Store[K, V]) HitMiss() (hits, misses int64) {
	for _, sh := range s.shards {
		hits += sh.hits.Load()
		misses += sh.misses.Load()
	}
	return
}
