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
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/mod/semver"

	"github.com/AleutianAI/kiln/services/build/lock"
	kbadger "github.com/AleutianAI/kiln/services/build/storage/badger"
)

// Store is an open cache root.
type Store struct {
	root            string
	materializeRoot string
	tmpDir          string
	logger          *slog.Logger
	opts            Options

	registry *Registry
	index    *AccessIndex
	rootLock *lock.Handle
	pins     pinSet

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// Open opens or initialises the cache rooted at root.
//
// Description:
//
//	Creates the directory layout, writes or validates {root}/VERSION,
//	takes the shared root lock (excluding a concurrent garbage collection
//	in another process) and opens the access index.
//
// Inputs:
//
//	ctx - Bounds the wait for the root lock.
//	root - Cache root directory. Created if missing.
//	opts - Functional options.
//
// Outputs:
//
//	*Store - The open store. Call Close when done.
//	error - ErrLayoutVersion for incompatible caches, or an I/O error.
func Open(ctx context.Context, root string, opts ...Option) (*Store, error) {
	o := DefaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}

	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve cache root %s: %w", root, err)
	}
	s := &Store{
		root:            abs,
		materializeRoot: abs,
		tmpDir:          filepath.Join(abs, dirTmp),
		logger:          o.Logger.With(slog.String("cache_root", abs)),
		opts:            o,
		registry:        NewRegistry(o.RegistryMaxEntries, o.RegistryMaxBytes),
		pins:            pinSet{counts: make(map[string]int)},
	}
	if o.MaterializeRoot != "" {
		if s.materializeRoot, err = filepath.Abs(o.MaterializeRoot); err != nil {
			return nil, fmt.Errorf("resolve materialize root: %w", err)
		}
	}

	for _, dir := range []string{
		filepath.Join(abs, dirContent, algorithm, dirExec),
		filepath.Join(abs, dirAction, algorithm),
		filepath.Join(abs, dirDepmap, algorithm),
		filepath.Join(s.materializeRoot, algorithm),
		s.tmpDir,
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create cache directory %s: %w", dir, err)
		}
	}
	if err := s.checkVersion(); err != nil {
		return nil, err
	}

	lockCtx, cancel := context.WithTimeout(ctx, o.LockTimeout)
	defer cancel()
	s.rootLock, err = lock.Acquire(lockCtx, filepath.Join(abs, lockFileName), lock.Shared)
	if err != nil {
		return nil, fmt.Errorf("acquire cache root lock: %w", err)
	}

	if err := s.openIndex(); err != nil {
		s.rootLock.Release()
		return nil, err
	}
	s.logger.Debug("cache opened", slog.String("layout", LayoutVersion))
	return s, nil
}

func (s *Store) openIndex() error {
	var cfg kbadger.Config
	switch s.opts.Index {
	case IndexNone:
		return nil
	case IndexMemory:
		cfg = kbadger.InMemoryConfig()
	default:
		cfg = kbadger.DefaultConfig(filepath.Join(s.root, dirIndex))
		cfg.Logger = s.logger
	}
	db, err := kbadger.Open(cfg)
	if err != nil {
		return fmt.Errorf("open access index: %w", err)
	}
	s.index = NewAccessIndex(db)
	return nil
}

func (s *Store) checkVersion() error {
	path := filepath.Join(s.root, versionFileName)
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return s.writeFileAtomic(path, []byte(LayoutVersion+"\n"), modeMeta)
	}
	if err != nil {
		return fmt.Errorf("read cache version: %w", err)
	}
	found := strings.TrimSpace(string(data))
	if !semver.IsValid(found) {
		return fmt.Errorf("%w: unparseable version %q", ErrLayoutVersion, found)
	}
	if semver.Major(found) != semver.Major(LayoutVersion) {
		return fmt.Errorf("%w: cache is %s, this build uses %s", ErrLayoutVersion, found, LayoutVersion)
	}
	return nil
}

// Root returns the absolute cache root.
func (s *Store) Root() string {
	return s.root
}

// MaterializeRoot returns the root of materialized trees.
func (s *Store) MaterializeRoot() string {
	return s.materializeRoot
}

// Logger returns the store's logger.
func (s *Store) Logger() *slog.Logger {
	return s.logger
}

// Registry returns the in-memory depmap registry.
func (s *Store) Registry() *Registry {
	return s.registry
}

// TempFile creates a file in the cache's staging area, on the same
// filesystem as the content store so it can be moved in by link.
func (s *Store) TempFile() (*os.File, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	return os.CreateTemp(s.tmpDir, "file-*")
}

// TempDir creates a directory in the cache's staging area.
func (s *Store) TempDir() (string, error) {
	if s.closed.Load() {
		return "", ErrClosed
	}
	return os.MkdirTemp(s.tmpDir, "dir-*")
}

// Pin protects the cache path p from garbage collection until the returned
// function is called. Pins are process-local.
func (s *Store) Pin(p string) func() {
	return s.pins.pin(s.rel(p))
}

// touch records a use of the cache path p in the access index.
func (s *Store) touch(p string) {
	if s.index != nil {
		s.index.Touch(s.rel(p))
	}
}

// Touch records a use of the cache path p, for entries managed outside
// this package such as materialized trees.
func (s *Store) Touch(p string) {
	s.touch(p)
}

// Close flushes the access index and releases the root lock.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		var result *multierror.Error
		if s.index != nil {
			if err := s.index.Close(); err != nil {
				result = multierror.Append(result, fmt.Errorf("close access index: %w", err))
			}
		}
		if err := s.rootLock.Release(); err != nil {
			result = multierror.Append(result, fmt.Errorf("release root lock: %w", err))
		}
		s.closeErr = result.ErrorOrNil()
	})
	return s.closeErr
}

// pinSet counts process-local references to cache paths.
type pinSet struct {
	mu     sync.Mutex
	counts map[string]int
}

func (p *pinSet) pin(rel string) func() {
	p.mu.Lock()
	p.counts[rel]++
	p.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			p.mu.Lock()
			defer p.mu.Unlock()
			if p.counts[rel]--; p.counts[rel] <= 0 {
				delete(p.counts, rel)
			}
		})
	}
}

func (p *pinSet) pinned(rel string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.counts[rel] > 0
}
