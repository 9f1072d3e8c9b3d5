// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package lock provides the locks that coordinate users of a cache root.
//
// Two kinds of lock exist. Handle is a cross-process advisory lock on a file
// (flock(2)): every process using a cache holds it shared, and the garbage
// collector takes it exclusive. KeyedMutex is a process-local mutex per key,
// used to serialize work on one content hash without a global lock.
package lock

import (
	"errors"
	"os"
)

var (
	// ErrFileLocked is returned by non-blocking acquisition when another
	// open file description holds a conflicting lock.
	ErrFileLocked = errors.New("file is locked")

	// ErrUnsupportedPlatform is returned where advisory locks are unavailable.
	ErrUnsupportedPlatform = errors.New("file locking not supported on this platform")
)

// Mode selects shared or exclusive locking.
type Mode int

const (
	// Shared allows any number of concurrent shared holders.
	Shared Mode = iota

	// Exclusive excludes every other holder.
	Exclusive
)

// String returns the mode name.
func (m Mode) String() string {
	if m == Exclusive {
		return "exclusive"
	}
	return "shared"
}

// FileLocker abstracts platform-specific advisory locking.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use on different files.
type FileLocker interface {
	// TryLock acquires a lock without blocking.
	//
	// # Outputs
	//
	//   - error: nil on success, ErrFileLocked if a conflicting lock is held.
	TryLock(f *os.File, mode Mode) error

	// Unlock releases the lock. Safe to call when not locked.
	Unlock(f *os.File) error
}

// NewFileLocker returns the locker for this platform.
func NewFileLocker() FileLocker {
	return newPlatformLocker()
}
