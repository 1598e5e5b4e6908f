package tools

import (
	"sync"
)

// KeyedMutex hands out one mutex per key, entries are dropped once nobody holds or waits for them.
type KeyedMutex[K comparable] struct {
	mu    sync.Mutex
	locks map[K]*lockEntry
}

type lockEntry struct {
	mu       sync.Mutex
	refCount int
}

func NewKeyedMutex[K comparable]() *KeyedMutex[K] {
	return &KeyedMutex[K]{
		locks: make(map[K]*lockEntry),
	}
}

func (km *KeyedMutex[K]) Locked(key K) bool {
	km.mu.Lock()
	defer km.mu.Unlock()
	le, exists := km.locks[key]
	return exists && le.refCount > 0
}

// TryLock locks key if it is free and reports whether it did.
func (km *KeyedMutex[K]) TryLock(key K) bool {
	km.mu.Lock()
	defer km.mu.Unlock()
	le, exists := km.locks[key]
	if exists && le.refCount > 0 {
		return false
	}
	if !exists {
		le = &lockEntry{}
		km.locks[key] = le
	}
	le.refCount++
	le.mu.Lock()
	return true
}

func (km *KeyedMutex[K]) Lock(key K) {
	km.mu.Lock()
	le, exists := km.locks[key]
	if !exists {
		le = &lockEntry{}
		km.locks[key] = le
	}
	le.refCount++
	km.mu.Unlock()

	le.mu.Lock()
}

func (km *KeyedMutex[K]) Unlock(key K) {
	km.mu.Lock()
	defer km.mu.Unlock()

	le, exists := km.locks[key]
	if !exists {
		panic("unlock of unlocked lock")
	}
	le.refCount--
	if le.refCount == 0 {
		delete(km.locks, key)
	}
	le.mu.Unlock()
}

// With runs fn while holding the lock of key.
func (km *KeyedMutex[K]) With(key K, fn func()) {
	km.Lock(key)
	defer km.Unlock(key)
	fn()
}
