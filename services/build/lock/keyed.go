// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package lock

import (
	"context"
	"sync"
)

// KeyedMutex is a set of mutexes indexed by key, created on demand and
// dropped once no goroutine holds or waits for them.
//
// The zero value is ready to use.
type KeyedMutex[K comparable] struct {
	mu      sync.Mutex
	entries map[K]*keyedEntry
}

type keyedEntry struct {
	token chan struct{}
	refs  int
}

// Lock blocks until the mutex for key is held or ctx is done.
//
// # Outputs
//
//   - func(): Unlocks the mutex. Must be called exactly once.
//   - error: ctx.Err() if the wait was abandoned.
func (m *KeyedMutex[K]) Lock(ctx context.Context, key K) (func(), error) {
	m.mu.Lock()
	if m.entries == nil {
		m.entries = make(map[K]*keyedEntry)
	}
	e, ok := m.entries[key]
	if !ok {
		e = &keyedEntry{token: make(chan struct{}, 1)}
		m.entries[key] = e
	}
	e.refs++
	m.mu.Unlock()

	select {
	case e.token <- struct{}{}:
	case <-ctx.Done():
		m.drop(key, e)
		return nil, ctx.Err()
	}
	return func() {
		<-e.token
		m.drop(key, e)
	}, nil
}

func (m *KeyedMutex[K]) drop(key K, e *keyedEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(m.entries, key)
	}
}

// Len returns the number of keys currently held or awaited.
func (m *KeyedMutex[K]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
