package scheduler

import (
	"slices"
	"sync"
)

// ResourceLockManager is a keyed mutex. Each key (a task or agent id) gets
// its own mutex, so operations on disjoint (task, agent) pairs run
// concurrently while operations sharing either id serialize.
type ResourceLockManager struct {
	mu    sync.Mutex             // Guards the locks map itself
	locks map[string]*keyedMutex // Per-key mutexes
}

type keyedMutex struct {
	sync.Mutex
	refs int // Holders plus waiters; the entry is dropped at zero
}

// NewResourceLockManager creates a new ResourceLockManager.
func NewResourceLockManager() *ResourceLockManager {
	return &ResourceLockManager{
		locks: make(map[string]*keyedMutex),
	}
}

// Lock acquires the mutex for key, creating it on first use.
func (r *ResourceLockManager) Lock(key string) {
	r.mu.Lock()
	km, exists := r.locks[key]
	if !exists {
		km = &keyedMutex{}
		r.locks[key] = km
	}
	km.refs++
	r.mu.Unlock()

	// Acquire outside the manager lock to avoid contention
	km.Lock()
}

// Unlock releases the mutex for key.
func (r *ResourceLockManager) Unlock(key string) {
	r.mu.Lock()
	km, exists := r.locks[key]
	if !exists {
		r.mu.Unlock()
		return
	}
	km.refs--
	if km.refs == 0 {
		delete(r.locks, key)
	}
	r.mu.Unlock()

	km.Unlock()
}

// LockAll acquires the mutexes for all keys in sorted order, which prevents
// lock-order deadlocks between callers. Empty and duplicate keys are ignored.
func (r *ResourceLockManager) LockAll(keys ...string) {
	for _, key := range lockOrder(keys) {
		r.Lock(key)
	}
}

// UnlockAll releases the mutexes acquired by LockAll in reverse order.
func (r *ResourceLockManager) UnlockAll(keys ...string) {
	sorted := lockOrder(keys)
	for i := len(sorted) - 1; i >= 0; i-- {
		r.Unlock(sorted[i])
	}
}

// Held returns the number of keys currently locked or awaited.
func (r *ResourceLockManager) Held() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.locks)
}

func lockOrder(keys []string) []string {
	sorted := make([]string, 0, len(keys))
	for _, k := range keys {
		if k != "" {
			sorted = append(sorted, k)
		}
	}
	slices.Sort(sorted)
	return slices.Compact(sorted)
}
