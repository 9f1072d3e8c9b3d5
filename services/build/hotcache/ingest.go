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
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/kiln/services/build/depmap"
)

// IngestOption configures IngestDir.
type IngestOption func(*ingestConfig)

type ingestConfig struct {
	skip    func(rel depmap.Path, d fs.DirEntry) bool
	workers int
}

// SkipFunc excludes entries from ingestion. Returning true for a directory
// skips its whole subtree.
func SkipFunc(fn func(rel depmap.Path, d fs.DirEntry) bool) IngestOption {
	return func(c *ingestConfig) {
		c.skip = fn
	}
}

// IngestWorkers bounds concurrent file copies. Default: GOMAXPROCS.
func IngestWorkers(n int) IngestOption {
	return func(c *ingestConfig) {
		if n > 0 {
			c.workers = n
		}
	}
}

// IngestDir snapshots the tree at dir into the cache.
//
// Description:
//
//	Regular files are copied into the content store, symlinks are recorded
//	by target without being followed, and every directory (including dir
//	itself, as the root entry) is recorded. The resulting depmap is
//	written to the cache. Other file types are rejected.
//
// Outputs:
//
//	*depmap.Depmap - The snapshot.
//	error - Non-nil on I/O failure or unsupported file types.
func (s *Store) IngestDir(ctx context.Context, dir string, opts ...IngestOption) (*depmap.Depmap, error) {
	ctx, span := startSpan(ctx, "IngestDir", attribute.String("dir", dir))
	defer span.End()

	cfg := ingestConfig{workers: runtime.GOMAXPROCS(0)}
	for _, opt := range opts {
		opt(&cfg)
	}

	var (
		mu sync.Mutex
		b  = depmap.NewBuilder()
	)
	insert := func(p depmap.Path, f depmap.FileEntry) {
		mu.Lock()
		b.Insert(p, f)
		mu.Unlock()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.workers)

	walkErr := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := gctx.Err(); err != nil {
			return err
		}
		relOS, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		rel, err := depmap.NormalizePath(filepath.ToSlash(relOS))
		if err != nil {
			return err
		}
		if rel != depmap.Root && cfg.skip != nil && cfg.skip(rel, d) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		switch {
		case d.IsDir():
			insert(rel, depmap.Directory())
		case d.Type()&fs.ModeSymlink != 0:
			target, err := os.Readlink(path)
			if err != nil {
				return fmt.Errorf("read symlink %s: %w", path, err)
			}
			insert(rel, depmap.Symlink(target))
		case d.Type().IsRegular():
			g.Go(func() error {
				entry, err := s.ingestFile(gctx, path)
				if err != nil {
					return err
				}
				insert(rel, entry)
				return nil
			})
		default:
			return fmt.Errorf("ingest %s: unsupported file type %s", path, d.Type())
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if walkErr != nil {
		return nil, fmt.Errorf("walk %s: %w", dir, walkErr)
	}

	dm, err := b.Build()
	if err != nil {
		return nil, err
	}
	if err := s.WriteDepmap(ctx, dm); err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Int("entries", dm.Len()), attribute.String("depmap_hash", dm.Hash().String()))
	return dm, nil
}

func (s *Store) ingestFile(ctx context.Context, path string) (depmap.FileEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return depmap.FileEntry{}, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return depmap.FileEntry{}, fmt.Errorf("stat %s: %w", path, err)
	}
	executable := info.Mode().Perm()&0o111 != 0
	sum, _, err := s.WriteBlob(ctx, f, executable)
	if err != nil {
		return depmap.FileEntry{}, fmt.Errorf("ingest %s: %w", path, err)
	}
	return depmap.Regular(sum, executable), nil
}
