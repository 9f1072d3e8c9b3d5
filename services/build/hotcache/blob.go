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
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"

	"github.com/opencontainers/go-digest"

	"github.com/AleutianAI/kiln/services/build/hasher"
)

// MoveToCache moves the regular file at src into the content store.
//
// Description:
//
//	Streams src through SHA-256, treats it as executable when any execute
//	bit is set, normalizes its mode to the canonical blob mode and links it
//	into its content-addressed path. src is removed afterwards. When the
//	destination already exists the existing blob is kept; identical hashes
//	imply identical bytes.
//
// Inputs:
//
//	ctx - Checked before the move.
//	src - A regular file. Ideally on the cache's filesystem (see TempFile).
//
// Outputs:
//
//	hasher.Sum - The content hash.
//	bool - Whether the blob is executable.
//	error - ErrNotRegularFile, or an I/O error.
//
// Thread Safety: Safe for concurrent use, including on identical content.
func (s *Store) MoveToCache(ctx context.Context, src string) (hasher.Sum, bool, error) {
	if err := ctx.Err(); err != nil {
		return hasher.Sum{}, false, err
	}
	f, err := os.Open(src)
	if err != nil {
		return hasher.Sum{}, false, fmt.Errorf("open %s: %w", src, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return hasher.Sum{}, false, fmt.Errorf("stat %s: %w", src, err)
	}
	if !info.Mode().IsRegular() {
		f.Close()
		return hasher.Sum{}, false, fmt.Errorf("%w: %s", ErrNotRegularFile, src)
	}
	executable := info.Mode().Perm()&0o111 != 0

	digester := digest.SHA256.Digester()
	_, err = io.Copy(digester.Hash(), f)
	f.Close()
	if err != nil {
		return hasher.Sum{}, false, fmt.Errorf("hash %s: %w", src, err)
	}
	sum, err := hasher.ParseSum(digester.Digest().String())
	if err != nil {
		return hasher.Sum{}, false, err
	}
	if err := s.MoveToCachePrehashed(ctx, src, sum, executable); err != nil {
		return hasher.Sum{}, false, err
	}
	return sum, executable, nil
}

// MoveToCachePrehashed is MoveToCache for callers that already computed the
// content hash while producing src. The hash is trusted, not verified.
func (s *Store) MoveToCachePrehashed(ctx context.Context, src string, sum hasher.Sum, executable bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.closed.Load() {
		return ErrClosed
	}
	if err := os.Chmod(src, BlobMode(executable)); err != nil {
		return fmt.Errorf("normalize mode of %s: %w", src, err)
	}
	dest := s.ContentPath(sum, executable)
	if err := LinkFile(src, dest); err != nil {
		recordBlobWrite(ctx, false, err)
		return err
	}
	if err := os.Remove(src); err != nil && !errors.Is(err, fs.ErrNotExist) {
		s.logger.Warn("remove moved source",
			slog.String("path", src),
			slog.String("error", err.Error()))
	}
	s.touch(dest)
	recordBlobWrite(ctx, executable, nil)
	return nil
}

// WriteBlob copies r into the content store.
//
// Outputs:
//
//	hasher.Sum - The content hash.
//	int64 - Bytes written.
//	error - Non-nil on I/O failure.
func (s *Store) WriteBlob(ctx context.Context, r io.Reader, executable bool) (hasher.Sum, int64, error) {
	f, err := s.TempFile()
	if err != nil {
		return hasher.Sum{}, 0, err
	}
	tmp := f.Name()
	digester := digest.SHA256.Digester()
	n, err := io.Copy(io.MultiWriter(f, digester.Hash()), r)
	if err == nil {
		err = f.Sync()
	}
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tmp)
		return hasher.Sum{}, 0, fmt.Errorf("write blob: %w", err)
	}
	sum, err := hasher.ParseSum(digester.Digest().String())
	if err != nil {
		os.Remove(tmp)
		return hasher.Sum{}, 0, err
	}
	if err := s.MoveToCachePrehashed(ctx, tmp, sum, executable); err != nil {
		os.Remove(tmp)
		return hasher.Sum{}, 0, err
	}
	return sum, n, nil
}

// WriteBytes stores data as a non-executable blob.
func (s *Store) WriteBytes(ctx context.Context, data []byte) (hasher.Sum, error) {
	sum, _, err := s.WriteBlob(ctx, bytes.NewReader(data), false)
	return sum, err
}

// FileGuard is a handle on a blob present in the content store.
//
// While the guard is held the blob is pinned against garbage collection
// by this process. Release is idempotent.
type FileGuard struct {
	path       string
	hash       hasher.Sum
	executable bool
	release    func()
}

// Path returns the blob's path. Open it read-only or hard-link it; never
// modify it in place.
func (g *FileGuard) Path() string {
	return g.path
}

// Hash returns the blob's content hash.
func (g *FileGuard) Hash() hasher.Sum {
	return g.hash
}

// Executable reports whether the blob lives in the executable subspace.
func (g *FileGuard) Executable() bool {
	return g.executable
}

// Open opens the blob for reading.
func (g *FileGuard) Open() (*os.File, error) {
	return os.Open(g.path)
}

// Release unpins the blob.
func (g *FileGuard) Release() {
	g.release()
}

// LookupFile finds a blob.
//
// Outputs:
//
//	*FileGuard - The pinned blob, or nil when it is not in the store.
//	error - Only for I/O failures other than not-found.
func (s *Store) LookupFile(ctx context.Context, sum hasher.Sum, executable bool) (*FileGuard, error) {
	path := s.ContentPath(sum, executable)
	release := s.Pin(path)
	_, err := os.Lstat(path)
	if errors.Is(err, fs.ErrNotExist) {
		release()
		recordLookup(ctx, "file", false)
		return nil, nil
	}
	if err != nil {
		release()
		return nil, fmt.Errorf("stat blob %s: %w", sum, err)
	}
	s.touch(path)
	recordLookup(ctx, "file", true)
	return &FileGuard{path: path, hash: sum, executable: executable, release: release}, nil
}

// HasFile reports whether a blob is present without pinning it.
func (s *Store) HasFile(ctx context.Context, sum hasher.Sum, executable bool) (bool, error) {
	g, err := s.LookupFile(ctx, sum, executable)
	if err != nil || g == nil {
		return false, err
	}
	g.Release()
	return true, nil
}

// ReadFile returns the contents of a blob, or MissingEntryError.
func (s *Store) ReadFile(ctx context.Context, sum hasher.Sum, executable bool) ([]byte, error) {
	g, err := s.LookupFile(ctx, sum, executable)
	if err != nil {
		return nil, err
	}
	if g == nil {
		return nil, &MissingEntryError{Kind: "file", Hash: sum}
	}
	defer g.Release()
	return os.ReadFile(g.Path())
}

// RemoveFile deletes the blob for sum. Missing is success. Trees already
// linked to the blob keep their copy.
func (s *Store) RemoveFile(ctx context.Context, sum hasher.Sum, executable bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := os.Remove(s.ContentPath(sum, executable))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove blob %s: %w", sum, err)
	}
	return nil
}
