// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package hotcache

import (
	"container/list"
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"

	"github.com/AleutianAI/kiln/services/build/depmap"
	"github.com/AleutianAI/kiln/services/build/hasher"
)

// LoadFunc reads a depmap from durable storage. It returns (nil, nil) when
// the depmap does not exist.
type LoadFunc func(ctx context.Context, h hasher.Sum) (*depmap.Depmap, error)

// Registry is the process-wide table of decoded depmaps, keyed by hash.
//
// Description:
//
//	Entries are kept in LRU order and evicted when the entry count or the
//	total encoded size exceeds its bound. Entries pinned through Acquire
//	are never evicted; if every entry is pinned the registry may exceed
//	its bounds temporarily. Concurrent loads of one hash share a single
//	call to the LoadFunc.
//
// Thread Safety:
//
//	Safe for concurrent use.
type Registry struct {
	mu         sync.Mutex
	entries    map[hasher.Sum]*registryEntry
	lru        *list.List
	flight     singleflight.Group
	maxEntries int
	maxBytes   int64
	bytes      int64

	hits      int64
	misses    int64
	loads     int64
	evictions int64
}

type registryEntry struct {
	dm   *depmap.Depmap
	refs int
	elem *list.Element
}

// RegistryStats is a snapshot of registry counters.
type RegistryStats struct {
	Entries    int
	Bytes      int64
	Pinned     int
	Hits       int64
	Misses     int64
	Loads      int64
	Evictions  int64
	MaxEntries int
	MaxBytes   int64
}

// HitRate returns hits / (hits + misses), or 0 before any lookup.
func (s RegistryStats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// NewRegistry returns an empty registry. Non-positive bounds disable that bound.
func NewRegistry(maxEntries int, maxBytes int64) *Registry {
	return &Registry{
		entries:    make(map[hasher.Sum]*registryEntry),
		lru:        list.New(),
		maxEntries: maxEntries,
		maxBytes:   maxBytes,
	}
}

// Get returns a registered depmap and marks it recently used.
func (r *Registry) Get(h hasher.Sum) (*depmap.Depmap, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[h]
	if !ok {
		atomic.AddInt64(&r.misses, 1)
		return nil, false
	}
	r.lru.MoveToFront(e.elem)
	atomic.AddInt64(&r.hits, 1)
	return e.dm, true
}

// Put registers dm and returns the registered instance, which is an
// existing one when dm's hash was already present.
func (r *Registry) Put(dm *depmap.Depmap) *depmap.Depmap {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.insertLocked(dm, 0).dm
}

// insertLocked registers dm with refs added pins before enforcing bounds.
func (r *Registry) insertLocked(dm *depmap.Depmap, refs int) *registryEntry {
	if e, ok := r.entries[dm.Hash()]; ok {
		e.refs += refs
		r.lru.MoveToFront(e.elem)
		return e
	}
	e := &registryEntry{dm: dm, refs: refs}
	e.elem = r.lru.PushFront(dm.Hash())
	r.entries[dm.Hash()] = e
	r.bytes += dm.Size()
	r.evictIfNeededLocked()
	return e
}

// GetOrLoad returns the registered depmap or loads and registers it.
//
// Outputs:
//
//	*depmap.Depmap - The depmap, or nil when load reports it absent.
//	error - The load error, or ctx.Err() when the caller stops waiting.
//	        Errors are not cached.
func (r *Registry) GetOrLoad(ctx context.Context, h hasher.Sum, load LoadFunc) (*depmap.Depmap, error) {
	if dm, ok := r.Get(h); ok {
		return dm, nil
	}
	// The load runs detached; each caller bounds only its own wait.
	loadCtx := context.WithoutCancel(ctx)
	ch := r.flight.DoChan(h.Hex(), func() (interface{}, error) {
		dm, err := load(loadCtx, h)
		if err != nil || dm == nil {
			return (*depmap.Depmap)(nil), err
		}
		atomic.AddInt64(&r.loads, 1)
		return r.Put(dm), nil
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*depmap.Depmap), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Acquire is GetOrLoad that pins the entry until the returned release
// function is called. release is idempotent and nil when dm is nil.
func (r *Registry) Acquire(ctx context.Context, h hasher.Sum, load LoadFunc) (*depmap.Depmap, func(), error) {
	dm, err := r.GetOrLoad(ctx, h, load)
	if err != nil || dm == nil {
		return nil, nil, err
	}
	r.mu.Lock()
	e := r.insertLocked(dm, 1)
	r.mu.Unlock()

	var once sync.Once
	return e.dm, func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			e.refs--
			if e.refs == 0 {
				r.evictIfNeededLocked()
			}
		})
	}, nil
}

// Pinned reports whether h is registered with live references.
func (r *Registry) Pinned(h hasher.Sum) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[h]
	return ok && e.refs > 0
}

// Remove drops an unpinned entry. It returns false when h is pinned.
func (r *Registry) Remove(h hasher.Sum) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[h]
	if !ok {
		return true
	}
	if e.refs > 0 {
		return false
	}
	r.removeLocked(h, e)
	return true
}

// Stats returns a snapshot of the registry counters.
func (r *Registry) Stats() RegistryStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	pinned := 0
	for _, e := range r.entries {
		if e.refs > 0 {
			pinned++
		}
	}
	return RegistryStats{
		Entries:    len(r.entries),
		Bytes:      r.bytes,
		Pinned:     pinned,
		Hits:       atomic.LoadInt64(&r.hits),
		Misses:     atomic.LoadInt64(&r.misses),
		Loads:      atomic.LoadInt64(&r.loads),
		Evictions:  atomic.LoadInt64(&r.evictions),
		MaxEntries: r.maxEntries,
		MaxBytes:   r.maxBytes,
	}
}

func (r *Registry) removeLocked(h hasher.Sum, e *registryEntry) {
	r.lru.Remove(e.elem)
	delete(r.entries, h)
	r.bytes -= e.dm.Size()
}

func (r *Registry) overLocked() bool {
	return (r.maxEntries > 0 && len(r.entries) > r.maxEntries) ||
		(r.maxBytes > 0 && r.bytes > r.maxBytes)
}

// evictIfNeededLocked evicts least recently used unpinned entries until
// both bounds hold or only pinned entries remain. Caller holds r.mu.
func (r *Registry) evictIfNeededLocked() {
	for r.overLocked() {
		if !r.evictLRULocked() {
			return
		}
	}
}

func (r *Registry) evictLRULocked() bool {
	for el := r.lru.Back(); el != nil; el = el.Prev() {
		h := el.Value.(hasher.Sum)
		e := r.entries[h]
		if e != nil && e.refs == 0 {
			r.removeLocked(h, e)
			atomic.AddInt64(&r.evictions, 1)
			recordRegistryEviction(context.Background())
			return true
		}
	}
	return false
}
