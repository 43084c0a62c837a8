// Copyright 2025, Command Line Inc.
// SPDX-License-Identifier: Apache-2.0

package utilds

import "sync"

type SyncMap[K comparable, T any] struct {
	lock *sync.Mutex
	m    map[K]T
}

func MakeSyncMap[K comparable, T any]() *SyncMap[K, T] {
	return &SyncMap[K, T]{
		lock: &sync.Mutex{},
		m:    make(map[K]T),
	}
}

func (sm *SyncMap[K, T]) Set(key K, value T) {
	sm.lock.Lock()
	defer sm.lock.Unlock()
	sm.m[key] = value
}

func (sm *SyncMap[K, T]) Delete(key K) {
	sm.lock.Lock()
	defer sm.lock.Unlock()
	delete(sm.m, key)
}

func (sm *SyncMap[K, T]) Len() int {
	sm.lock.Lock()
	defer sm.lock.Unlock()
	return len(sm.m)
}

// ForEach runs fn for every entry while holding the lock; fn must not call back
// into the map.
func (sm *SyncMap[K, T]) ForEach(fn func(K, T)) {
	sm.lock.Lock()
	defer sm.lock.Unlock()
	for k, v := range sm.m {
		fn(k, v)
	}
}
