// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package watch reports when files under a workspace change.
//
// It is the change signal behind "kiln build --watch": events are
// debounced into batches of workspace-relative paths, and the caller
// decides what to invalidate.
package watch

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ErrStarted is returned by Run on a watcher that is already running.
var ErrStarted = errors.New("watcher already running")

// Op classifies a change.
type Op int

const (
	OpCreate Op = iota
	OpWrite
	OpRemove
	OpRename
)

func (op Op) String() string {
	switch op {
	case OpCreate:
		return "create"
	case OpWrite:
		return "write"
	case OpRemove:
		return "remove"
	case OpRename:
		return "rename"
	default:
		return "unknown"
	}
}

// Change is one changed path, relative to the watched root, slash-separated.
type Change struct {
	Path string
	Op   Op
}

// Handler receives debounced batches. Paths within a batch are unique and
// sorted; the last operation on a path wins.
type Handler func(ctx context.Context, changes []Change)

// Options configures a Watcher.
type Options struct {
	// Debounce is the quiet period that closes a batch. Default: 200ms.
	Debounce time.Duration

	// Ignore lists absolute directories never watched, e.g. the cache root.
	Ignore []string

	// Logger receives watch errors. Default: slog.Default().
	Logger *slog.Logger
}

// Option is a functional option for New.
type Option func(*Options)

// WithDebounce sets the debounce window.
func WithDebounce(d time.Duration) Option {
	return func(o *Options) {
		if d > 0 {
			o.Debounce = d
		}
	}
}

// WithIgnore adds directories to skip.
func WithIgnore(dirs ...string) Option {
	return func(o *Options) { o.Ignore = append(o.Ignore, dirs...) }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Options) { o.Logger = l }
}

// Watcher watches a directory tree recursively.
type Watcher struct {
	root    string
	handler Handler
	opts    Options
	logger  *slog.Logger

	mu      sync.Mutex
	running bool
}

// New creates a watcher for root. Nothing is watched until Run.
func New(root string, handler Handler, opts ...Option) (*Watcher, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	o := Options{Debounce: 200 * time.Millisecond}
	for _, opt := range opts {
		opt(&o)
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	ignore := o.Ignore[:0]
	for _, dir := range o.Ignore {
		if dir == "" {
			continue
		}
		if a, err := filepath.Abs(dir); err == nil {
			dir = a
		}
		ignore = append(ignore, dir)
	}
	o.Ignore = ignore
	return &Watcher{
		root:    abs,
		handler: handler,
		opts:    o,
		logger:  o.Logger.With(slog.String("component", "watch"), slog.String("root", abs)),
	}, nil
}

// Run watches until ctx is done. Batches pending at cancellation are
// dropped. The handler runs on Run's goroutine, so events arriving while
// it runs are collected into the next batch.
func (w *Watcher) Run(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return ErrStarted
	}
	w.running = true
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		w.running = false
		w.mu.Unlock()
	}()

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()
	if err := w.addRecursive(fw, w.root); err != nil {
		return err
	}

	pending := make(map[string]Op)
	var timer *time.Timer
	var timerC <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil

		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			rel, ok := w.relative(ev.Name)
			if !ok {
				continue
			}
			if ev.Has(fsnotify.Create) {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					if err := w.addRecursive(fw, ev.Name); err != nil {
						w.logger.Warn("watch new directory", slog.String("path", rel), slog.String("error", err.Error()))
					}
				}
			}
			pending[rel] = convertOp(ev.Op)
			if timer == nil {
				timer = time.NewTimer(w.opts.Debounce)
				timerC = timer.C
			} else {
				timer.Reset(w.opts.Debounce)
			}

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watch error", slog.String("error", err.Error()))

		case <-timerC:
			timer, timerC = nil, nil
			batch := make([]Change, 0, len(pending))
			for p, op := range pending {
				batch = append(batch, Change{Path: p, Op: op})
			}
			clear(pending)
			sort.Slice(batch, func(i, j int) bool { return batch[i].Path < batch[j].Path })
			w.logger.Debug("changes", slog.Int("count", len(batch)))
			w.handler(ctx, batch)
		}
	}
}

// Running reports whether Run is active.
func (w *Watcher) Running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

func (w *Watcher) addRecursive(fw *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == dir {
				return err
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != w.root && w.ignored(path) {
			return filepath.SkipDir
		}
		return fw.Add(path)
	})
}

// relative maps an event path to its root-relative form, rejecting
// ignored paths.
func (w *Watcher) relative(path string) (string, bool) {
	if w.ignored(path) {
		return "", false
	}
	rel, err := filepath.Rel(w.root, path)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", false
	}
	return filepath.ToSlash(rel), true
}

// ignored reports hidden entries (editor swap files, .git) and configured
// directories.
func (w *Watcher) ignored(path string) bool {
	if rel, err := filepath.Rel(w.root, path); err == nil && rel != "." {
		for _, part := range strings.Split(filepath.ToSlash(rel), "/") {
			if strings.HasPrefix(part, ".") || strings.HasSuffix(part, "~") {
				return true
			}
		}
	}
	for _, dir := range w.opts.Ignore {
		if path == dir || strings.HasPrefix(path, dir+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

func convertOp(op fsnotify.Op) Op {
	switch {
	case op.Has(fsnotify.Create):
		return OpCreate
	case op.Has(fsnotify.Remove):
		return OpRemove
	case op.Has(fsnotify.Rename):
		return OpRename
	default:
		return OpWrite
	}
}
