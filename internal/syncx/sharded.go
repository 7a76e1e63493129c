package syncx

import (
	"hash/fnv"
	"sync"
)

const DefaultShards = 64

// Shard is one lock-protected slice of a ShardedMap. Callers that need to
// update several entries atomically hold the shard lock themselves.
type Shard[V any] struct {
	sync.RWMutex
	Items map[string]V
}

// ShardedMap spreads string keys over independently locked shards.
type ShardedMap[V any] struct {
	shards []*Shard[V]
}

func NewShardedMap[V any](n int) *ShardedMap[V] {
	if n <= 0 {
		n = DefaultShards
	}
	m := &ShardedMap[V]{shards: make([]*Shard[V], n)}
	for i := range m.shards {
		m.shards[i] = &Shard[V]{Items: make(map[string]V)}
	}
	return m
}

func (m *ShardedMap[V]) Shard(key string) *Shard[V] {
	h := fnv.New32a()
	h.Write([]byte(key))
	return m.shards[h.Sum32()%uint32(len(m.shards))]
}

func (m *ShardedMap[V]) Load(key string) (V, bool) {
	s := m.Shard(key)
	s.RLock()
	defer s.RUnlock()
	v, ok := s.Items[key]
	return v, ok
}

// Shards returns every shard, for sweeps that must visit all keys.
func (m *ShardedMap[V]) Shards() []*Shard[V] {
	return m.shards
}

func (m *ShardedMap[V]) Len() int {
	n := 0
	for _, s := range m.shards {
		s.RLock()
		n += len(s.Items)
		s.RUnlock()
	}
	return n
}
