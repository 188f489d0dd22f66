// Package registry provides a sharded, string-keyed map with swap and
// compare-and-delete semantics.
//
// # Architecture boundaries
//
// Each shard has its own lock and no operation holds more than one shard
// lock at a time. Keys returns a snapshot, so sweeps iterate without
// blocking writers and must re-check each key they act on.
package registry

import (
	"sort"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// DefaultShards is used when New is called with shards <= 0.
const DefaultShards = 32

type shard[V comparable] struct {
	mu    sync.RWMutex
	items map[string]V
}

// Map is safe for concurrent use.
type Map[V comparable] struct {
	shards []*shard[V]
}

// New returns an empty map with the given shard count.
func New[V comparable](shards int) *Map[V] {
	if shards <= 0 {
		shards = DefaultShards
	}
	m := &Map[V]{shards: make([]*shard[V], shards)}
	for i := range m.shards {
		m.shards[i] = &shard[V]{items: make(map[string]V)}
	}
	return m
}

func (m *Map[V]) shardFor(key string) *shard[V] {
	return m.shards[xxhash.Sum64String(key)%uint64(len(m.shards))]
}

// Get returns the value stored under key.
func (m *Map[V]) Get(key string) (V, bool) {
	s := m.shardFor(key)
	s.mu.RLock()
	v, ok := s.items[key]
	s.mu.RUnlock()
	return v, ok
}

// Swap stores v under key and returns the value it replaced.
func (m *Map[V]) Swap(key string, v V) (V, bool) {
	s := m.shardFor(key)
	s.mu.Lock()
	prev, ok := s.items[key]
	s.items[key] = v
	s.mu.Unlock()
	return prev, ok
}

// PutIfAbsent stores v only when key is unused. It returns the value now
// stored and whether v was the one stored.
func (m *Map[V]) PutIfAbsent(key string, v V) (V, bool) {
	s := m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.items[key]; ok {
		return cur, false
	}
	s.items[key] = v
	return v, true
}

// Delete removes key and returns the removed value.
func (m *Map[V]) Delete(key string) (V, bool) {
	s := m.shardFor(key)
	s.mu.Lock()
	v, ok := s.items[key]
	if ok {
		delete(s.items, key)
	}
	s.mu.Unlock()
	return v, ok
}

// CompareAndDelete removes key only while it still maps to old.
func (m *Map[V]) CompareAndDelete(key string, old V) bool {
	s := m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.items[key]; ok && cur == old {
		delete(s.items, key)
		return true
	}
	return false
}

// Keys returns a sorted snapshot of the keys.
func (m *Map[V]) Keys() []string {
	out := make([]string, 0, m.Len())
	for _, s := range m.shards {
		s.mu.RLock()
		for k := range s.items {
			out = append(out, k)
		}
		s.mu.RUnlock()
	}
	sort.Strings(out)
	return out
}

// Len returns the number of entries. Under concurrent writes the result is
// only a point-in-time estimate.
func (m *Map[V]) Len() int {
	n := 0
	for _, s := range m.shards {
		s.mu.RLock()
		n += len(s.items)
		s.mu.RUnlock()
	}
	return n
}

// Drain removes every entry and returns the removed values.
func (m *Map[V]) Drain() map[string]V {
	out := make(map[string]V)
	for _, s := range m.shards {
		s.mu.Lock()
		for k, v := range s.items {
			out[k] = v
		}
		s.items = make(map[string]V)
		s.mu.Unlock()
	}
	return out
}
