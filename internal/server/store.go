// Package server implements the parameter server's value store and request
// processing (component C7): accumulating pushed values, answering pulls,
// and reassembling DGT-fragmented pushes before they are applied. The
// store itself is adapted from the teacher's shard.Shard plus
// storage.MemoryStore — the same RWMutex-guarded map with atomic operation
// counters — generalized from an opaque []byte-per-string-key store to a
// typed, numeric, range-owned value store where each key holds a
// variable-length row of values (an embedding row, a layer's weights), the
// way the Lens field in kv.KVList allows.
package server

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/dreamware/dgtps/internal/kv"
	"github.com/dreamware/dgtps/internal/message"
)

// OperationStats tracks the operations a ValueStore has served, mirroring
// the teacher's shard.OperationStats.
type OperationStats struct {
	Pushes  uint64
	Pulls   uint64
	Deletes uint64
}

// ValueStore holds the current row of values for every key this server
// rank owns. It is safe for concurrent use.
type ValueStore[V kv.Numeric] struct {
	mu   sync.RWMutex
	data map[message.Key][]V

	pushes  uint64
	pulls   uint64
	deletes uint64
}

// NewValueStore creates an empty store.
func NewValueStore[V kv.Numeric]() *ValueStore[V] {
	return &ValueStore[V]{data: make(map[message.Key][]V)}
}

// Get returns a copy of the current row for key and whether it has ever
// been set.
func (s *ValueStore[V]) Get(key message.Key) ([]V, bool) {
	atomic.AddUint64(&s.pulls, 1)
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[key]
	if !ok {
		return nil, false
	}
	return append([]V(nil), v...), true
}

// Accumulate adds delta elementwise to the stored row for key, growing the
// row on first write (the default push handler's behavior: parameter
// updates sum rather than overwrite). A length mismatch against an
// existing row is a caller bug; Accumulate resizes rather than panicking,
// zero-extending the shorter side.
func (s *ValueStore[V]) Accumulate(key message.Key, delta []V) {
	atomic.AddUint64(&s.pushes, 1)
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.data[key]
	if !ok {
		s.data[key] = append([]V(nil), delta...)
		return
	}
	if len(delta) > len(cur) {
		grown := make([]V, len(delta))
		copy(grown, cur)
		cur = grown
	}
	for i, d := range delta {
		cur[i] += d
	}
	s.data[key] = cur
}

// Set overwrites the stored row for key.
func (s *ValueStore[V]) Set(key message.Key, vals []V) {
	atomic.AddUint64(&s.pushes, 1)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = append([]V(nil), vals...)
}

// Delete removes key from the store. It is a no-op if key was never set.
func (s *ValueStore[V]) Delete(key message.Key) {
	atomic.AddUint64(&s.deletes, 1)
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
}

// ListKeysInRange returns every stored key within r, sorted ascending —
// generalized from the teacher's Shard.ListKeysInRange, which filtered a
// lexicographic string range instead of a numeric one.
func (s *ValueStore[V]) ListKeysInRange(r kv.Range) []message.Key {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var keys []message.Key
	for k := range s.data {
		if r.Contains(k) {
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// Stats returns a snapshot of this store's operation counters.
func (s *ValueStore[V]) Stats() OperationStats {
	return OperationStats{
		Pushes:  atomic.LoadUint64(&s.pushes),
		Pulls:   atomic.LoadUint64(&s.pulls),
		Deletes: atomic.LoadUint64(&s.deletes),
	}
}

// KeyCount returns the number of keys currently stored.
func (s *ValueStore[V]) KeyCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}
