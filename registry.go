package dogpile

import "sync"

// LockFactory builds the Lock for a newly-seen key. CacheRegion
// supplies one bound to the region's backend/creator wiring; the
// registry's only job is to memoize the result per key.
type LockFactory func(key string) *Lock

// NameRegistry is a concurrent key -> *Lock map: the first
// access for a key builds its Lock under the registry mutex; every
// later access returns the same Lock without contending on that mutex.
// Entries are never evicted during a region's lifetime.
//
// Grounded on original_source's NameRegistry (dogpile/util/__init__.py
// via dogpile/core.py's compatibility import), rebuilt here on a
// plain RWMutex-guarded map.
type NameRegistry struct {
	mu      sync.RWMutex
	entries map[string]*Lock
	build   LockFactory
}

// NewNameRegistry returns a registry that lazily builds Locks via
// build.
func NewNameRegistry(build LockFactory) *NameRegistry {
	return &NameRegistry{entries: make(map[string]*Lock), build: build}
}

// Get returns the Lock for key, building and memoizing it on first
// access. Reads of an existing key take only the read lock (spec:
// "reads should be wait-free when the key exists").
func (r *NameRegistry) Get(key string) *Lock {
	r.mu.RLock()
	l, ok := r.entries[key]
	r.mu.RUnlock()
	if ok {
		return l
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	// Re-check: another goroutine may have built it while we waited
	// for the write lock.
	if l, ok := r.entries[key]; ok {
		return l
	}
	l = r.build(key)
	r.entries[key] = l
	return l
}

// Len reports how many keys have an installed Lock. Useful for tests
// and diagnostics; not part of the dogpile protocol itself.
func (r *NameRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
