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
	"log/slog"
	"time"
)

// IndexMode selects where the access index is kept.
type IndexMode int

const (
	// IndexDisk stores the access index under {root}/index.
	IndexDisk IndexMode = iota

	// IndexMemory keeps the access index in memory. Used by tests.
	IndexMemory

	// IndexNone disables access tracking; the collector falls back to
	// file modification times.
	IndexNone
)

// Options configures a Store.
type Options struct {
	// Logger receives cache events. Default: slog.Default().
	Logger *slog.Logger

	// RegistryMaxEntries bounds the in-memory depmap registry. Default: 4096.
	RegistryMaxEntries int

	// RegistryMaxBytes bounds the registry's total encoded size. Default: 256 MiB.
	RegistryMaxBytes int64

	// Index selects the access index backend. Default: IndexDisk.
	Index IndexMode

	// MaterializeRoot holds materialized trees. Default: the cache root.
	MaterializeRoot string

	// LockTimeout bounds the wait for the shared root lock. Default: 30s.
	LockTimeout time.Duration
}

// Option is a functional option for Open.
type Option func(*Options)

// DefaultOptions returns the default Store options.
func DefaultOptions() Options {
	return Options{
		RegistryMaxEntries: 4096,
		RegistryMaxBytes:   256 << 20,
		Index:              IndexDisk,
		LockTimeout:        30 * time.Second,
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Options) {
		o.Logger = l
	}
}

// WithRegistryLimits bounds the depmap registry. Non-positive values keep the default.
func WithRegistryLimits(maxEntries int, maxBytes int64) Option {
	return func(o *Options) {
		if maxEntries > 0 {
			o.RegistryMaxEntries = maxEntries
		}
		if maxBytes > 0 {
			o.RegistryMaxBytes = maxBytes
		}
	}
}

// WithIndex selects the access index backend.
func WithIndex(mode IndexMode) Option {
	return func(o *Options) {
		o.Index = mode
	}
}

// WithMaterializeRoot places materialized trees under dir.
func WithMaterializeRoot(dir string) Option {
	return func(o *Options) {
		o.MaterializeRoot = dir
	}
}

// WithLockTimeout bounds the wait for the shared root lock.
func WithLockTimeout(d time.Duration) Option {
	return func(o *Options) {
		if d > 0 {
			o.LockTimeout = d
		}
	}
}
