// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package lock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
)

// DefaultPollInterval is how often a blocked Acquire retries.
const DefaultPollInterval = 50 * time.Millisecond

// Handle is a held advisory lock on a file.
//
// # Thread Safety
//
// Safe for concurrent use. Release is idempotent.
type Handle struct {
	mu     sync.Mutex
	f      *os.File
	locker FileLocker
	mode   Mode
	poll   time.Duration
}

// Acquire opens (creating if needed) the lock file at path and locks it,
// retrying until the lock is granted or ctx is done.
//
// # Inputs
//
//   - ctx: Bounds the wait.
//   - path: Lock file path. Parent directories are created.
//   - mode: Shared or Exclusive.
//
// # Outputs
//
//   - *Handle: The held lock. Call Release when done.
//   - error: ctx.Err() if the wait was abandoned, or an I/O error.
func Acquire(ctx context.Context, path string, mode Mode) (*Handle, error) {
	h, err := open(path, mode)
	if err != nil {
		return nil, err
	}
	if err := h.wait(ctx, mode); err != nil {
		h.f.Close()
		return nil, err
	}
	return h, nil
}

// TryAcquire is Acquire without waiting; it returns ErrFileLocked when a
// conflicting lock is held.
func TryAcquire(path string, mode Mode) (*Handle, error) {
	h, err := open(path, mode)
	if err != nil {
		return nil, err
	}
	if err := h.locker.TryLock(h.f, mode); err != nil {
		h.f.Close()
		return nil, err
	}
	return h, nil
}

func open(path string, mode Mode) (*Handle, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	return &Handle{f: f, locker: NewFileLocker(), mode: mode, poll: DefaultPollInterval}, nil
}

func (h *Handle) wait(ctx context.Context, mode Mode) error {
	ticker := time.NewTicker(h.poll)
	defer ticker.Stop()
	for {
		err := h.locker.TryLock(h.f, mode)
		if err == nil {
			h.mode = mode
			return nil
		}
		if !errors.Is(err, ErrFileLocked) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Mode returns the currently held mode.
func (h *Handle) Mode() Mode {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.mode
}

// Convert changes the held mode in place, waiting for conflicting holders.
//
// The conversion is not atomic: other waiters may be granted the lock
// between releasing the old mode and acquiring the new one. When the new
// mode cannot be acquired, the old mode is re-acquired before returning,
// so a failed Convert still leaves the lock held in Mode().
func (h *Handle) Convert(ctx context.Context, mode Mode) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.f == nil {
		return os.ErrClosed
	}
	prev := h.mode
	if prev == mode {
		return nil
	}
	err := h.wait(ctx, mode)
	if err == nil {
		return nil
	}
	// flock may drop the old lock before failing the conversion.
	if restoreErr := h.wait(context.WithoutCancel(ctx), prev); restoreErr != nil {
		err = multierror.Append(err, fmt.Errorf("restore %s lock: %w", prev, restoreErr))
	}
	return err
}

// Release unlocks and closes the lock file.
func (h *Handle) Release() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.f == nil {
		return nil
	}
	unlockErr := h.locker.Unlock(h.f)
	closeErr := h.f.Close()
	h.f = nil
	if unlockErr != nil {
		return unlockErr
	}
	return closeErr
}
