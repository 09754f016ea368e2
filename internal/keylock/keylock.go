package keylock

import "sync"

// KeyLock provides mutual exclusion scoped to string keys. Operations on
// different keys never contend; operations on the same key serialize.
// Lock entries are reference counted and removed once released, so the
// map does not grow with the identifier space.
type KeyLock struct {
	mu    sync.Mutex
	locks map[string]*entry
}

type entry struct {
	mu   sync.Mutex
	refs int
}

// New creates an empty KeyLock.
func New() *KeyLock {
	return &KeyLock{locks: make(map[string]*entry)}
}

// Lock acquires the lock for key, blocking while another holder has it.
func (k *KeyLock) Lock(key string) {
	k.mu.Lock()
	e, ok := k.locks[key]
	if !ok {
		e = &entry{}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
}

// Unlock releases the lock for key. It must pair with a prior Lock.
func (k *KeyLock) Unlock(key string) {
	k.mu.Lock()
	e, ok := k.locks[key]
	if ok {
		e.refs--
		if e.refs == 0 {
			delete(k.locks, key)
		}
	}
	k.mu.Unlock()

	if ok {
		e.mu.Unlock()
	}
}

// LockAll acquires multiple keys in sorted order so that two callers
// locking overlapping key sets cannot deadlock. Duplicate keys are locked
// once.
func (k *KeyLock) LockAll(keys ...string) {
	for _, key := range sortedUnique(keys) {
		k.Lock(key)
	}
}

// UnlockAll releases keys acquired with LockAll.
func (k *KeyLock) UnlockAll(keys ...string) {
	uniq := sortedUnique(keys)
	for i := len(uniq) - 1; i >= 0; i-- {
		k.Unlock(uniq[i])
	}
}

func sortedUnique(keys []string) []string {
	out := make([]string, 0, len(keys))
	seen := make(map[string]bool, len(keys))
	for _, key := range keys {
		if !seen[key] {
			seen[key] = true
			out = append(out, key)
		}
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j] < out[j-1]; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}
