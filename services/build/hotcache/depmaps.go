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
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/AleutianAI/kiln/services/build/depmap"
	"github.com/AleutianAI/kiln/services/build/hasher"
)

// WriteDepmap persists dm and registers it in memory.
//
// Writing a depmap that is already on disk is a no-op.
func (s *Store) WriteDepmap(ctx context.Context, dm *depmap.Depmap) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.closed.Load() {
		return ErrClosed
	}
	path := s.depmapPath(dm.Hash())
	if _, err := os.Lstat(path); err == nil {
		s.registry.Put(dm)
		s.touch(path)
		return nil
	}
	if err := s.writeFileAtomic(path, dm.Bytes(), modeMeta); err != nil {
		return fmt.Errorf("write depmap %s: %w", dm.Hash(), err)
	}
	s.registry.Put(dm)
	s.touch(path)
	return nil
}

// LookupDepmap returns the depmap with hash h.
//
// Description:
//
//	Consults the in-memory registry first. On a miss the encoding is read
//	from disk once, even under concurrent lookups, decoded, checked
//	against h and registered.
//
// Outputs:
//
//	*depmap.Depmap - The depmap, or nil when absent.
//	error - ErrCorruptEntry (wrapped) for bad encodings, or I/O errors.
func (s *Store) LookupDepmap(ctx context.Context, h hasher.Sum) (*depmap.Depmap, error) {
	dm, err := s.registry.GetOrLoad(ctx, h, s.loadDepmap)
	if err != nil {
		return nil, err
	}
	recordLookup(ctx, "depmap", dm != nil)
	if dm != nil {
		s.touch(s.depmapPath(h))
	}
	return dm, nil
}

// AcquireDepmap is LookupDepmap that also pins the depmap in the registry
// and on disk until release is called. release is nil when dm is nil.
func (s *Store) AcquireDepmap(ctx context.Context, h hasher.Sum) (*depmap.Depmap, func(), error) {
	dm, releaseEntry, err := s.registry.Acquire(ctx, h, s.loadDepmap)
	if err != nil || dm == nil {
		return nil, nil, err
	}
	unpin := s.Pin(s.depmapPath(h))
	s.touch(s.depmapPath(h))
	return dm, func() {
		unpin()
		releaseEntry()
	}, nil
}

// RequireDepmap is LookupDepmap that reports absence as MissingEntryError.
func (s *Store) RequireDepmap(ctx context.Context, h hasher.Sum, referrer string) (*depmap.Depmap, error) {
	dm, err := s.LookupDepmap(ctx, h)
	if err != nil {
		return nil, err
	}
	if dm == nil {
		return nil, &MissingEntryError{Kind: "depmap", Hash: h, Referrer: referrer}
	}
	return dm, nil
}

func (s *Store) loadDepmap(ctx context.Context, h hasher.Sum) (*depmap.Depmap, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.depmapPath(h))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read depmap %s: %w", h, err)
	}
	dm, err := depmap.FromBytes(data)
	if err != nil {
		return nil, fmt.Errorf("%w: depmap %s: %v", ErrCorruptEntry, h, err)
	}
	if dm.Hash() != h {
		return nil, fmt.Errorf("%w: depmap %s hashes to %s", ErrCorruptEntry, h, dm.Hash())
	}
	return dm, nil
}

// HasDepmap reports whether the depmap is on disk. The registry is not
// consulted; an entry collected from disk does not count as present.
func (s *Store) HasDepmap(ctx context.Context, h hasher.Sum) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	_, err := os.Lstat(s.depmapPath(h))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	default:
		return false, fmt.Errorf("stat depmap %s: %w", h, err)
	}
}

// ResolveRef returns the depmap a ConcreteRef denotes, projecting the
// subtree when the reference is narrowed. A narrowed reference to a path
// the depmap lacks fails with ErrPathNotFound.
func (s *Store) ResolveRef(ctx context.Context, ref depmap.ConcreteRef) (*depmap.Depmap, error) {
	dm, err := s.RequireDepmap(ctx, ref.Hash, ref.String())
	if err != nil {
		return nil, err
	}
	if ref.Subpath == depmap.Root {
		return dm, nil
	}
	sub, ok, err := dm.Subtree(ref.Subpath)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPathNotFound, ref)
	}
	return sub, nil
}

// RemoveDepmap deletes the depmap stored under h and drops it from the
// registry unless it is pinned. Missing is success.
func (s *Store) RemoveDepmap(ctx context.Context, h hasher.Sum) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.registry.Remove(h)
	err := os.Remove(s.depmapPath(h))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove depmap %s: %w", h, err)
	}
	return nil
}
