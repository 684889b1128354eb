package ingest

import "sync"

// keyedMutex serializes writes per session. Entries are never evicted; the
// fleet is a few thousand vehicles at most, so the map stays small.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[uint64]*sync.Mutex
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: map[uint64]*sync.Mutex{}}
}

func (k *keyedMutex) Lock(key uint64) {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &sync.Mutex{}
		k.locks[key] = m
	}
	k.mu.Unlock()
	m.Lock()
}

func (k *keyedMutex) Unlock(key uint64) {
	k.mu.Lock()
	m := k.locks[key]
	k.mu.Unlock()
	m.Unlock()
}
