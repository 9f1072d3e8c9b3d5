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
	"time"

	"github.com/hashicorp/go-multierror"
	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/kiln/services/build/hasher"
	"github.com/AleutianAI/kiln/services/build/lock"
	"github.com/AleutianAI/kiln/services/build/telemetry"
)

// CollectStats summarizes one garbage collection pass.
type CollectStats struct {
	Scanned       int
	Blobs         int
	Depmaps       int
	Actions       int
	Trees         int
	Partials      int
	Temps         int
	SkippedPinned int
	SkippedRecent int
	FreedBytes    int64
	Duration      time.Duration
}

// Removed returns the total number of removed entries.
func (c CollectStats) Removed() int {
	return c.Blobs + c.Depmaps + c.Actions + c.Trees + c.Partials + c.Temps
}

// Collect deletes cache entries not used within minAge.
//
// Description:
//
//	Converts the root lock to exclusive, waiting until no other process
//	has the cache open, then sweeps blobs, depmaps, action entries,
//	materialized trees, abandoned partial trees and staging files. An
//	entry's last use comes from the access index, falling back to its
//	modification time. Entries pinned in this process are kept.
//
//	Removing a blob or depmap that a cached action refers to is safe:
//	action lookups validate their references and treat such entries as
//	misses. Materialized trees lose their stamp before their directory so
//	an interrupted sweep never leaves a stamped but incomplete tree.
//
// Inputs:
//
//	ctx - Bounds the wait for the exclusive lock and the sweep.
//	minAge - Entries used more recently than this are kept.
//
// Outputs:
//
//	CollectStats - What was removed.
//	error - Aggregated removal failures; the sweep continues past them.
func (s *Store) Collect(ctx context.Context, minAge time.Duration) (CollectStats, error) {
	ctx, span := startSpan(ctx, "Collect", attribute.String("min_age", minAge.String()))
	defer span.End()
	start := time.Now()

	if s.closed.Load() {
		return CollectStats{}, ErrClosed
	}
	if s.index != nil {
		if err := s.index.Flush(ctx); err != nil {
			return CollectStats{}, fmt.Errorf("flush access index: %w", err)
		}
	}
	if err := s.rootLock.Convert(ctx, lock.Exclusive); err != nil {
		return CollectStats{}, fmt.Errorf("acquire exclusive cache lock: %w", err)
	}
	defer func() {
		if err := s.rootLock.Convert(context.Background(), lock.Shared); err != nil {
			s.logger.Error("restore shared cache lock", slog.String("error", err.Error()))
		}
	}()

	sw := &sweep{store: s, ctx: ctx, cutoff: time.Now().Add(-minAge)}
	sw.files(filepath.Join(s.root, dirContent, algorithm), "blob", &sw.stats.Blobs, nil)
	sw.files(filepath.Join(s.root, dirDepmap, algorithm), "depmap", &sw.stats.Depmaps, s.depmapPinned)
	sw.files(filepath.Join(s.root, dirAction, algorithm), "action", &sw.stats.Actions, nil)
	sw.trees()
	sw.temps()

	if s.index != nil && len(sw.forgotten) > 0 {
		if err := s.index.Forget(ctx, sw.forgotten); err != nil {
			sw.fail(fmt.Errorf("prune access index: %w", err))
		}
	}

	sw.stats.Duration = time.Since(start)
	recordCollected(ctx, "blob", sw.stats.Blobs, sw.stats.FreedBytes)
	recordCollected(ctx, "depmap", sw.stats.Depmaps, 0)
	recordCollected(ctx, "action", sw.stats.Actions, 0)
	recordCollected(ctx, "tree", sw.stats.Trees+sw.stats.Partials, 0)

	err := sw.errs.ErrorOrNil()
	if err != nil {
		telemetry.RecordError(span, err)
	}
	s.logger.Info("cache collected",
		slog.Int("removed", sw.stats.Removed()),
		slog.Int("skipped_pinned", sw.stats.SkippedPinned),
		slog.Int("skipped_recent", sw.stats.SkippedRecent),
		slog.Int64("freed_bytes", sw.stats.FreedBytes),
		slog.Duration("duration", sw.stats.Duration))
	return sw.stats, err
}

// depmapPinned reports whether the depmap file at path is pinned in the
// registry. Unpinned registry entries are dropped alongside the file.
func (s *Store) depmapPinned(path string) bool {
	h, err := hasher.ParseHex(filepath.Base(path))
	if err != nil {
		return false
	}
	return !s.registry.Remove(h)
}

type sweep struct {
	store     *Store
	ctx       context.Context
	cutoff    time.Time
	stats     CollectStats
	errs      *multierror.Error
	forgotten []string
}

func (sw *sweep) fail(err error) {
	sw.errs = multierror.Append(sw.errs, err)
}

// recent reports whether the entry at path was used after the cutoff.
func (sw *sweep) recent(path string, info fs.FileInfo) bool {
	last := info.ModTime()
	if sw.store.index != nil {
		if ts, ok, err := sw.store.index.LastUsed(sw.ctx, sw.store.rel(path)); err != nil {
			sw.fail(fmt.Errorf("read access time of %s: %w", path, err))
			return true
		} else if ok {
			last = ts
		}
	}
	return last.After(sw.cutoff)
}

func (sw *sweep) pinned(path string) bool {
	return sw.store.pins.pinned(sw.store.rel(path))
}

// files removes stale regular files below dir. extraPin, when set, can
// veto removal of individual files.
func (sw *sweep) files(dir, kind string, counter *int, extraPin func(string) bool) {
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			sw.fail(err)
			return nil
		}
		if ctxErr := sw.ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() {
			return nil
		}
		sw.stats.Scanned++
		info, err := d.Info()
		if err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				sw.fail(err)
			}
			return nil
		}
		if sw.pinned(path) || (extraPin != nil && extraPin(path)) {
			sw.stats.SkippedPinned++
			return nil
		}
		if sw.recent(path, info) {
			sw.stats.SkippedRecent++
			return nil
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			sw.fail(fmt.Errorf("remove %s %s: %w", kind, path, err))
			return nil
		}
		*counter++
		if kind == "blob" {
			sw.stats.FreedBytes += info.Size()
		}
		sw.forgotten = append(sw.forgotten, sw.store.rel(path))
		return nil
	})
	if err != nil {
		sw.fail(err)
	}
}

// trees removes stale materialized trees, their stamps and abandoned
// partial directories.
func (sw *sweep) trees() {
	base := filepath.Join(sw.store.materializeRoot, algorithm)
	shards, err := os.ReadDir(base)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			sw.fail(err)
		}
		return
	}
	for _, shardDir := range shards {
		if !shardDir.IsDir() {
			continue
		}
		dir := filepath.Join(base, shardDir.Name())
		entries, err := os.ReadDir(dir)
		if err != nil {
			sw.fail(err)
			continue
		}
		for _, e := range entries {
			if sw.ctx.Err() != nil {
				sw.fail(sw.ctx.Err())
				return
			}
			sw.tree(dir, e)
		}
	}
}

func (sw *sweep) tree(dir string, e fs.DirEntry) {
	name := e.Name()
	path := filepath.Join(dir, name)
	info, err := e.Info()
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			sw.fail(err)
		}
		return
	}
	sw.stats.Scanned++

	switch {
	case strings.Contains(name, PartialInfix):
		if info.ModTime().After(sw.cutoff) {
			sw.stats.SkippedRecent++
			return
		}
		if err := os.RemoveAll(path); err != nil {
			sw.fail(fmt.Errorf("remove partial tree %s: %w", path, err))
			return
		}
		sw.stats.Partials++

	case strings.HasSuffix(name, StampSuffix):
		// Orphaned stamps only; stamps with a tree go with the tree.
		if _, err := os.Lstat(strings.TrimSuffix(path, StampSuffix)); err == nil {
			return
		}
		if info.ModTime().After(sw.cutoff) {
			return
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			sw.fail(fmt.Errorf("remove stamp %s: %w", path, err))
		}

	case e.IsDir():
		if sw.pinned(path) {
			sw.stats.SkippedPinned++
			return
		}
		if sw.recent(path, info) {
			sw.stats.SkippedRecent++
			return
		}
		if err := os.Remove(path + StampSuffix); err != nil && !errors.Is(err, fs.ErrNotExist) {
			sw.fail(fmt.Errorf("remove stamp %s: %w", path, err))
			return
		}
		if err := os.RemoveAll(path); err != nil {
			sw.fail(fmt.Errorf("remove tree %s: %w", path, err))
			return
		}
		sw.stats.Trees++
		sw.forgotten = append(sw.forgotten, sw.store.rel(path))
	}
}

// temps removes stale staging files.
func (sw *sweep) temps() {
	entries, err := os.ReadDir(sw.store.tmpDir)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			sw.fail(err)
		}
		return
	}
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		sw.stats.Scanned++
		if info.ModTime().After(sw.cutoff) {
			sw.stats.SkippedRecent++
			continue
		}
		if err := os.RemoveAll(filepath.Join(sw.store.tmpDir, e.Name())); err != nil {
			sw.fail(fmt.Errorf("remove staging entry %s: %w", e.Name(), err))
			continue
		}
		sw.stats.Temps++
	}
}
