// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package materialize projects depmaps onto real directory trees.
//
// ForOutput writes a depmap under a caller-owned destination, for final
// user-visible outputs. Cache builds content-addressed trees under the
// cache root that many consumers share, using a stamp file as the atomic
// commit point so a crash at any moment leaves either a complete tree or
// debris that the next build clears.
//
// Regular files are hard links to content store blobs and must be treated
// as read-only.
package materialize

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"syscall"

	"github.com/AleutianAI/kiln/services/build/depmap"
	"github.com/AleutianAI/kiln/services/build/hotcache"
)

var (
	// ErrRootNotDirectory is returned when a cached tree would have a
	// non-directory root.
	ErrRootNotDirectory = errors.New("depmap root is not a directory")

	// ErrLabelDepmap is returned for label depmaps, which name build
	// targets rather than files.
	ErrLabelDepmap = errors.New("label depmaps cannot be materialized")
)

// ForOutput writes every entry of dm below dest.
//
// Description:
//
//	Entries are processed in reverse path order. Regular files are hard
//	linked from the content store (copied across filesystems), symlinks
//	are recreated and directories created. An existing path that already
//	matches its entry is left alone and one that differs is replaced; a
//	missing parent directory is created and the entry retried once.
//
// Inputs:
//
//	ctx - Checked between entries.
//	store - Source of file contents.
//	dm - A concrete depmap.
//	dest - Destination root. The root entry, if any, is written at dest.
//
// Outputs:
//
//	error - MissingEntryError for blobs absent from the store, or the
//	        first I/O failure.
func ForOutput(ctx context.Context, store *hotcache.Store, dm *depmap.Depmap, dest string) error {
	if dm.Shape() != depmap.ShapeConcrete {
		return ErrLabelDepmap
	}
	entries, err := dm.Entries()
	if err != nil {
		return err
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Path > entries[j].Path
	})
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := writeEntry(store, dest, e, dm.Hash().String()); err != nil {
			return err
		}
	}
	return nil
}

// writeEntry creates one entry below root.
func writeEntry(store *hotcache.Store, root string, e depmap.Entry, origin string) error {
	path := filepath.Join(root, filepath.FromSlash(string(e.Path)))
	switch e.File.Kind {
	case depmap.KindDirectory:
		if err := removeStale(path, func(info fs.FileInfo) bool { return info.IsDir() }); err != nil {
			return err
		}
		if err := os.MkdirAll(path, 0o755); err != nil {
			return fmt.Errorf("create directory %s: %w", path, err)
		}
		return nil

	case depmap.KindRegular:
		src := store.ContentPath(e.File.Hash, e.File.Executable)
		err := removeStale(path, func(info fs.FileInfo) bool {
			blob, statErr := os.Stat(src)
			return statErr == nil && os.SameFile(info, blob)
		})
		if err != nil {
			return err
		}
		err = hotcache.LinkFile(src, path)
		if err != nil && errors.Is(err, fs.ErrNotExist) {
			if _, statErr := os.Lstat(src); errors.Is(statErr, fs.ErrNotExist) {
				return &hotcache.MissingEntryError{
					Kind:     "file",
					Hash:     e.File.Hash,
					Referrer: fmt.Sprintf("%s in %s", e.Path, origin),
				}
			}
		}
		return err

	case depmap.KindSymlink:
		err := removeStale(path, func(info fs.FileInfo) bool {
			if info.Mode()&fs.ModeSymlink == 0 {
				return false
			}
			target, readErr := os.Readlink(path)
			return readErr == nil && target == e.File.Target
		})
		if err != nil {
			return err
		}
		err = os.Symlink(e.File.Target, path)
		if errors.Is(err, fs.ErrNotExist) {
			if mkErr := os.MkdirAll(filepath.Dir(path), 0o755); mkErr != nil {
				return fmt.Errorf("create parent of %s: %w", path, mkErr)
			}
			err = os.Symlink(e.File.Target, path)
		}
		if err != nil && !errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("create symlink %s: %w", path, err)
		}
		return nil

	default:
		return fmt.Errorf("materialize %s: unsupported entry kind %s", e.Path, e.File.Kind)
	}
}

// removeStale deletes whatever is at path unless current reports that it
// already matches. A missing path is left missing.
func removeStale(path string, current func(fs.FileInfo) bool) error {
	info, err := os.Lstat(path)
	switch {
	case errors.Is(err, fs.ErrNotExist), errors.Is(err, syscall.ENOTDIR):
		return nil
	case err != nil:
		return fmt.Errorf("stat %s: %w", path, err)
	case current(info):
		return nil
	}
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("replace %s: %w", path, err)
	}
	return nil
}
