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
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"syscall"

	"github.com/AleutianAI/kiln/services/build/hasher"
)

// LayoutVersion is the semantic version of the on-disk layout. Caches
// with a different major version are rejected.
const LayoutVersion = "v1.0.0"

const (
	algorithm       = "sha256"
	dirContent      = "content"
	dirAction       = "action"
	dirDepmap       = "depmap"
	dirTmp          = "tmp"
	dirIndex        = "index"
	dirExec         = "exec"
	versionFileName = "VERSION"
	lockFileName    = "LOCK"

	// StampSuffix marks the commit file of a materialized directory.
	StampSuffix = ".stamp"

	// PartialInfix marks in-progress materialization directories.
	PartialInfix = ".partial."

	modeBlob     fs.FileMode = 0o444
	modeExecBlob fs.FileMode = 0o555
	modeMeta     fs.FileMode = 0o444
)

// BlobMode returns the canonical permission bits of a blob.
func BlobMode(executable bool) fs.FileMode {
	if executable {
		return modeExecBlob
	}
	return modeBlob
}

func shard(h hasher.Sum) (string, string) {
	hx := h.Hex()
	return hx[:2], hx
}

// ContentPath returns the path of the blob with hash h.
func (s *Store) ContentPath(h hasher.Sum, executable bool) string {
	aa, hx := shard(h)
	if executable {
		return filepath.Join(s.root, dirContent, algorithm, dirExec, aa, hx)
	}
	return filepath.Join(s.root, dirContent, algorithm, aa, hx)
}

func (s *Store) actionPath(digest hasher.Sum) string {
	return filepath.Join(s.root, dirAction, algorithm, digest.Hex())
}

func (s *Store) depmapPath(h hasher.Sum) string {
	return filepath.Join(s.root, dirDepmap, algorithm, h.Hex())
}

// MaterializedPath returns the directory holding the materialization of
// the depmap with hash h.
func (s *Store) MaterializedPath(h hasher.Sum) string {
	aa, hx := shard(h)
	return filepath.Join(s.materializeRoot, algorithm, aa, hx)
}

// StampPath returns the commit marker of MaterializedPath(h).
func (s *Store) StampPath(h hasher.Sum) string {
	return s.MaterializedPath(h) + StampSuffix
}

// rel returns p relative to the cache root, for index keys and pins.
func (s *Store) rel(p string) string {
	if r, err := filepath.Rel(s.root, p); err == nil {
		return filepath.ToSlash(r)
	}
	return p
}

// writeFileAtomic writes data to a temp file under tmp, fsyncs it and
// renames it to dest, creating dest's parent on demand.
func (s *Store) writeFileAtomic(dest string, data []byte, mode fs.FileMode) error {
	f, err := os.CreateTemp(s.tmpDir, "write-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmp := f.Name()
	cleanup := func() { os.Remove(tmp) }

	if _, err := f.Write(data); err != nil {
		f.Close()
		cleanup()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		cleanup()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tmp, mode); err != nil {
		cleanup()
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := renameWithParents(tmp, dest); err != nil {
		cleanup()
		return err
	}
	return nil
}

// renameWithParents renames src to dest, creating dest's parent and
// retrying once if it is missing.
func renameWithParents(src, dest string) error {
	err := os.Rename(src, dest)
	if errors.Is(err, fs.ErrNotExist) {
		if mkErr := os.MkdirAll(filepath.Dir(dest), 0o755); mkErr != nil {
			return fmt.Errorf("create parent of %s: %w", dest, mkErr)
		}
		err = os.Rename(src, dest)
	}
	if err != nil {
		return fmt.Errorf("rename into %s: %w", dest, err)
	}
	return nil
}

// LinkFile hard-links src at dest.
//
// Description:
//
//	An existing dest is success. A missing parent is created and the link
//	retried once. Across filesystems (EXDEV) the file is copied instead,
//	preserving mode.
//
// Outputs:
//
//	error - Any other I/O failure.
func LinkFile(src, dest string) error {
	err := os.Link(src, dest)
	if errors.Is(err, fs.ErrNotExist) {
		if _, statErr := os.Lstat(src); statErr != nil {
			return fmt.Errorf("link %s: %w", src, statErr)
		}
		if mkErr := os.MkdirAll(filepath.Dir(dest), 0o755); mkErr != nil {
			return fmt.Errorf("create parent of %s: %w", dest, mkErr)
		}
		err = os.Link(src, dest)
	}
	switch {
	case err == nil, errors.Is(err, fs.ErrExist):
		return nil
	case errors.Is(err, syscall.EXDEV):
		return copyFile(src, dest)
	default:
		return fmt.Errorf("link %s -> %s: %w", src, dest, err)
	}
}

// copyFile copies src to dest through a sibling temp file and rename.
func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close()
	info, err := in.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", src, err)
	}

	out, err := os.CreateTemp(filepath.Dir(dest), ".copy-*")
	if err != nil {
		return fmt.Errorf("create copy of %s: %w", src, err)
	}
	tmp := out.Name()
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmp)
		return fmt.Errorf("copy %s: %w", src, err)
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close copy of %s: %w", src, err)
	}
	if err := os.Chmod(tmp, info.Mode().Perm()); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("chmod copy of %s: %w", src, err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename copy into %s: %w", dest, err)
	}
	return nil
}
