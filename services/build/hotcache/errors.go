// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package hotcache is the durable, content-addressed store of a build cache.
//
// Three artifact classes live under one root directory: content blobs keyed
// by file hash, action results keyed by action digest, and depmap encodings
// keyed by depmap hash. Materialized directory trees share the root but are
// managed by the materialize package.
//
// # Layout
//
//	{root}/VERSION
//	{root}/content/sha256/{exec/}?{hash[0:2]}/{hash}
//	{root}/action/sha256/{hash}
//	{root}/depmap/sha256/{hash}
//	{root}/sha256/{hash[0:2]}/{hash}          materialized directory
//	{root}/sha256/{hash[0:2]}/{hash}.stamp    materialization commit marker
//	{root}/tmp/                               staging area for atomic writes
//
// # Crash Safety
//
// Every mutation is a write into {root}/tmp followed by an atomic rename or
// hard link into place, so readers never observe a partial entry and a
// crashed writer leaves only garbage in tmp.
//
// # Thread Safety
//
// Store is safe for concurrent use by many goroutines and, through the
// shared root lock, by many processes.
package hotcache

import (
	"errors"
	"fmt"

	"github.com/AleutianAI/kiln/services/build/hasher"
)

var (
	// ErrLayoutVersion is returned when the cache root was created by an
	// incompatible layout version.
	ErrLayoutVersion = errors.New("incompatible cache layout version")

	// ErrCorruptEntry is returned when a cache entry exists but cannot be
	// decoded or does not match its key.
	ErrCorruptEntry = errors.New("corrupt cache entry")

	// ErrClosed is returned by operations on a closed Store.
	ErrClosed = errors.New("cache store is closed")

	// ErrNotRegularFile is returned when MoveToCache is given a non-file.
	ErrNotRegularFile = errors.New("not a regular file")

	// ErrPathNotFound is returned when a reference names a subpath its
	// depmap does not contain.
	ErrPathNotFound = errors.New("path not found in depmap")
)

// MissingEntryError reports a cache entry that should exist but does not,
// typically because it was garbage collected or the cache was edited by hand.
type MissingEntryError struct {
	// Kind is "file", "depmap" or "action".
	Kind string

	// Hash is the key of the missing entry.
	Hash hasher.Sum

	// Referrer describes what pointed at the entry, e.g. "a/b.txt in sha256:...".
	Referrer string
}

// Error implements the error interface.
func (e *MissingEntryError) Error() string {
	if e.Referrer == "" {
		return fmt.Sprintf("missing cache entry for %s %s", e.Kind, e.Hash)
	}
	return fmt.Sprintf("missing cache entry for %s %s referenced by %s", e.Kind, e.Hash, e.Referrer)
}
