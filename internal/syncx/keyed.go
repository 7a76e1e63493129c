package syncx

import "sync"

type keyLock struct {
	mu   sync.RWMutex
	refs int
}

// KeyedMutex serializes work per key. Locks are created on demand and
// dropped once no goroutine holds or waits for them.
type KeyedMutex struct {
	guards *ShardedMap[*keyLock]
}

func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{guards: NewShardedMap[*keyLock](DefaultShards)}
}

// Lock blocks until key is free and returns its unlock function.
func (k *KeyedMutex) Lock(key string) (unlock func()) {
	l, release := k.acquire(key)
	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		release()
	}
}

// RLock shares key with other readers and excludes Lock holders.
func (k *KeyedMutex) RLock(key string) (unlock func()) {
	l, release := k.acquire(key)
	l.mu.RLock()
	return func() {
		l.mu.RUnlock()
		release()
	}
}

func (k *KeyedMutex) acquire(key string) (*keyLock, func()) {
	s := k.guards.Shard(key)

	s.Lock()
	l, ok := s.Items[key]
	if !ok {
		l = &keyLock{}
		s.Items[key] = l
	}
	l.refs++
	s.Unlock()

	return l, func() {
		s.Lock()
		l.refs--
		if l.refs == 0 {
			delete(s.Items, key)
		}
		s.Unlock()
	}
}

// Size reports how many keys currently have a holder or waiter.
func (k *KeyedMutex) Size() int {
	return k.guards.Len()
}
