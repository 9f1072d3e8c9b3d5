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
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/AleutianAI/kiln/services/build/hasher"
)

// ActionOutput is the result of running one action.
type ActionOutput struct {
	// Files is the hash of the output depmap.
	Files hasher.Sum `json:"files"`

	// Stdout is the captured standard output blob, if any.
	Stdout *hasher.Sum `json:"stdout,omitempty"`

	// Stderr is the captured standard error blob, if any.
	Stderr *hasher.Sum `json:"stderr,omitempty"`
}

// ActionCacheEntry is the serialized record stored per action digest.
type ActionCacheEntry struct {
	// Action is the JSON form of the concrete action, kept for inspection.
	Action json.RawMessage `json:"action"`

	// Output is the cached result.
	Output ActionOutput `json:"output"`

	// Private marks results that must not leave this machine.
	Private bool `json:"private,omitempty"`
}

// WriteAction stores entry under digest.
//
// The entry is written to a temp file and renamed into place, so a crash
// never exposes a partial record and concurrent writers of the same digest
// race benignly.
func (s *Store) WriteAction(ctx context.Context, digest hasher.Sum, entry *ActionCacheEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.closed.Load() {
		return ErrClosed
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode action entry %s: %w", digest, err)
	}
	path := s.actionPath(digest)
	if err := s.writeFileAtomic(path, data, modeMeta); err != nil {
		return fmt.Errorf("write action entry %s: %w", digest, err)
	}
	s.touch(path)
	return nil
}

// LookupAction reads the entry stored under digest.
//
// Outputs:
//
//	*ActionCacheEntry - The entry, or nil when absent.
//	error - ErrCorruptEntry (wrapped) for undecodable records, or I/O errors.
//
// The caller is responsible for checking that the referenced output
// depmap and blobs still exist before trusting the entry.
func (s *Store) LookupAction(ctx context.Context, digest hasher.Sum) (*ActionCacheEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path := s.actionPath(digest)
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		recordLookup(ctx, "action", false)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read action entry %s: %w", digest, err)
	}
	var entry ActionCacheEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("%w: action %s: %v", ErrCorruptEntry, digest, err)
	}
	s.touch(path)
	recordLookup(ctx, "action", true)
	return &entry, nil
}

// RemoveAction deletes the entry stored under digest. Missing is success.
func (s *Store) RemoveAction(ctx context.Context, digest hasher.Sum) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := os.Remove(s.actionPath(digest))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove action entry %s: %w", digest, err)
	}
	return nil
}
