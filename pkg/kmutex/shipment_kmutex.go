// Package kmutex provides per-key mutual exclusion.
//
// The pipeline serializes shipment creation per booking number and
// workflow transitions per shipment ID. A single sync.Mutex would
// serialize unrelated emails; kmutex blocks only callers that share a key.
package kmutex

import "sync"

// KMutex is a set of mutexes addressed by string key.
// An entry is created on first Lock and removed when the last holder
// releases, so memory stays bounded by live concurrency.
type KMutex struct {
	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	mu   sync.Mutex
	refs int // 보유자 + 대기자 수
}

// New creates an empty keyed mutex set.
func New() *KMutex {
	return &KMutex{entries: make(map[string]*entry)}
}

// Lock acquires the mutex for key, blocking until it is available.
func (k *KMutex) Lock(key string) {
	k.mu.Lock()
	e, ok := k.entries[key]
	if !ok {
		e = &entry{}
		k.entries[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
}

// Unlock releases the mutex for key. Must pair with a prior Lock.
func (k *KMutex) Unlock(key string) {
	k.mu.Lock()
	e, ok := k.entries[key]
	if !ok {
		k.mu.Unlock()
		panic("kmutex: unlock of unlocked key " + key)
	}
	e.refs--
	if e.refs == 0 {
		delete(k.entries, key)
	}
	k.mu.Unlock()

	e.mu.Unlock()
}

// TryLock acquires the mutex for key without blocking.
// It reports whether the lock was taken.
func (k *KMutex) TryLock(key string) bool {
	k.mu.Lock()
	defer k.mu.Unlock()

	e, ok := k.entries[key]
	if !ok {
		e = &entry{}
		k.entries[key] = e
	}
	if !e.mu.TryLock() {
		return false
	}
	e.refs++
	return true
}

// Len returns the number of live keys. Used by pool metrics.
func (k *KMutex) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.entries)
}
