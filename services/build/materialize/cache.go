// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package materialize

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/kiln/services/build/depmap"
	"github.com/AleutianAI/kiln/services/build/hasher"
	"github.com/AleutianAI/kiln/services/build/hotcache"
	"github.com/AleutianAI/kiln/services/build/lock"
	"github.com/AleutianAI/kiln/services/build/telemetry"
)

// Options configures a Cache.
type Options struct {
	// OverlayThreshold is the entry count at which a mount becomes an
	// overlay instead of being linked into the tree. Default: 4096.
	OverlayThreshold int

	// ChunkSize is the number of entries one worker writes per task, at
	// most MaxChunkSize. Default: 256.
	ChunkSize int

	// Workers bounds concurrent chunk writers. Default: GOMAXPROCS.
	Workers int

	// Logger receives build events. Default: slog.Default().
	Logger *slog.Logger
}

// MaxChunkSize bounds Options.ChunkSize.
const MaxChunkSize = 256

// Option is a functional option for NewCache.
type Option func(*Options)

// WithOverlayThreshold sets the overlay threshold. Zero disables overlays.
func WithOverlayThreshold(n int) Option {
	return func(o *Options) {
		o.OverlayThreshold = n
	}
}

// WithChunkSize sets the chunk size. Values outside 1..MaxChunkSize are
// ignored.
func WithChunkSize(n int) Option {
	return func(o *Options) {
		if n > 0 && n <= MaxChunkSize {
			o.ChunkSize = n
		}
	}
}

// WithWorkers sets the number of chunk writers.
func WithWorkers(n int) Option {
	return func(o *Options) {
		if n > 0 {
			o.Workers = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Options) {
		o.Logger = l
	}
}

// Mount places the tree denoted by Ref at Dest inside a materialized tree.
type Mount struct {
	Dest depmap.Path
	Ref  depmap.ConcreteRef
}

// Overlay is an already materialized directory to be overlaid at Dest.
type Overlay struct {
	Dest depmap.Path
	Dir  string
}

// Materialized is a committed tree. Release unpins it from garbage collection.
type Materialized struct {
	// Key identifies the tree: the depmap hash, or a digest of the depmap
	// and its mounts.
	Key hasher.Sum

	// Dir is the tree's directory. Treat it as read-only.
	Dir string

	// Overlays must be layered onto Dir, in order, to complete the tree.
	Overlays []Overlay

	release func()
}

// Release unpins the tree and its overlays. Safe to call more than once.
func (m *Materialized) Release() {
	if m.release != nil {
		m.release()
		m.release = nil
	}
}

// CacheStats counts materialization outcomes.
type CacheStats struct {
	Hits   int64
	Builds int64
}

// Cache builds and reuses content-addressed trees under the cache root.
//
// Description:
//
//	A tree is committed when its stamp file exists. Within one process a
//	per-key mutex lets exactly one goroutine build a given tree while the
//	others wait and then reuse it. Separate processes may build the same
//	tree concurrently; each builds in its own partial directory and the
//	rename-then-stamp sequence makes the race harmless.
//
// Thread Safety:
//
//	Safe for concurrent use.
type Cache struct {
	store  *hotcache.Store
	opts   Options
	logger *slog.Logger
	locks  lock.KeyedMutex[hasher.Sum]

	hits   atomic.Int64
	builds atomic.Int64
}

// NewCache returns a Cache over store.
func NewCache(store *hotcache.Store, opts ...Option) *Cache {
	o := Options{
		OverlayThreshold: 4096,
		ChunkSize:        MaxChunkSize,
		Workers:          runtime.GOMAXPROCS(0),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return &Cache{store: store, opts: o, logger: o.Logger}
}

// Stats returns the hit and build counters.
func (c *Cache) Stats() CacheStats {
	return CacheStats{Hits: c.hits.Load(), Builds: c.builds.Load()}
}

// treeKey is the identity of a tree built from a base depmap and mounts.
type treeKey struct {
	Base   hasher.Sum
	Mounts []Mount
}

// Key returns the identity of the tree Materialize(base, mounts...) builds.
func Key(base hasher.Sum, mounts []Mount) (hasher.Sum, error) {
	if len(mounts) == 0 {
		return base, nil
	}
	return hasher.Hash(treeKey{Base: base, Mounts: sortedMounts(mounts)})
}

func sortedMounts(mounts []Mount) []Mount {
	out := append([]Mount(nil), mounts...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Dest < out[j].Dest })
	return out
}

// Materialize returns the committed tree for base with mounts applied,
// building it if needed.
//
// Description:
//
//	Mounts are applied in Dest order after the base entries, so a mount
//	shadows base entries at the same paths and deeper mounts shadow
//	shallower ones. A mount whose subtree has at least OverlayThreshold
//	entries is not linked into the tree; it is materialized on its own and
//	returned as an Overlay, with only its mount point directory created.
//
// Inputs:
//
//	ctx - Bounds waiting for a concurrent build of the same tree and the
//	      build itself.
//	base - Hash of a concrete depmap in the store.
//	mounts - Additional trees to place inside the base.
//
// Outputs:
//
//	*Materialized - The committed tree. Call Release when done with it.
//	error - MissingEntryError if a depmap or blob is absent from the store,
//	        ErrRootNotDirectory, or an I/O failure.
func (c *Cache) Materialize(ctx context.Context, base hasher.Sum, mounts ...Mount) (*Materialized, error) {
	key, err := Key(base, mounts)
	if err != nil {
		return nil, fmt.Errorf("tree key: %w", err)
	}
	ctx, span := startSpan(ctx, "Materialize",
		attribute.String("tree_key", key.String()),
		attribute.Int("mounts", len(mounts)))
	defer span.End()

	if m, err := c.committed(ctx, key, true); m != nil || err != nil {
		return m, err
	}

	unlock, err := c.locks.Lock(ctx, key)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if m, err := c.committed(ctx, key, true); m != nil || err != nil {
		return m, err
	}

	start := time.Now()
	if err := c.build(ctx, key, base, sortedMounts(mounts)); err != nil {
		telemetry.RecordError(span, err)
		recordMaterialize(ctx, "error", time.Since(start))
		return nil, err
	}
	c.builds.Add(1)
	recordMaterialize(ctx, "build", time.Since(start))
	c.logger.Debug("tree materialized",
		slog.String("tree_key", key.String()),
		slog.Duration("duration", time.Since(start)))

	m, err := c.committed(ctx, key, false)
	if err == nil && m == nil {
		err = fmt.Errorf("tree %s has no stamp after build", key)
	}
	return m, err
}

// committed returns the tree for key when its stamp is valid and the
// directory exists, resolving overlays. It returns (nil, nil) otherwise.
func (c *Cache) committed(ctx context.Context, key hasher.Sum, countHit bool) (*Materialized, error) {
	st, err := readStamp(c.store, key)
	if err != nil || st == nil {
		return nil, err
	}
	dir := c.store.MaterializedPath(key)
	if _, err := os.Stat(dir); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("stat tree %s: %w", dir, err)
	}

	unpin := c.store.Pin(dir)
	m := &Materialized{Key: key, Dir: dir}
	releases := []func(){unpin}
	m.release = func() {
		for _, r := range releases {
			r()
		}
	}
	for _, ov := range st.Overlays {
		sub, err := c.Materialize(ctx, ov.DepmapHash)
		if err != nil {
			m.Release()
			return nil, fmt.Errorf("overlay %s at %s: %w", ov.DepmapHash, ov.DestSubpath, err)
		}
		releases = append(releases, sub.Release)
		m.Overlays = append(m.Overlays, Overlay{
			Dest: ov.DestSubpath,
			Dir:  filepath.Join(sub.Dir, filepath.FromSlash(string(ov.SrcSubpath))),
		})
		for _, nested := range sub.Overlays {
			m.Overlays = append(m.Overlays, Overlay{Dest: ov.DestSubpath.Join(nested.Dest), Dir: nested.Dir})
		}
	}
	c.store.Touch(dir)
	if countHit {
		c.hits.Add(1)
		recordMaterialize(ctx, "hit", 0)
	}
	return m, nil
}

// build writes the tree for key into a partial directory, renames it into
// place and commits it with a stamp.
func (c *Cache) build(ctx context.Context, key, base hasher.Sum, mounts []Mount) error {
	entries, overlays, err := c.plan(ctx, base, mounts)
	if err != nil {
		return err
	}

	final := c.store.MaterializedPath(key)
	if err := os.Remove(c.store.StampPath(key)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove stale stamp: %w", err)
	}
	partial := final + hotcache.PartialInfix + uuid.NewString()
	if err := os.MkdirAll(partial, 0o755); err != nil {
		return fmt.Errorf("create partial tree: %w", err)
	}
	if err := c.writeChunks(ctx, partial, entries, key.String()); err != nil {
		os.RemoveAll(partial)
		return err
	}
	if err := replaceDir(partial, final); err != nil {
		os.RemoveAll(partial)
		return err
	}
	return writeStamp(c.store, key, &Stamp{Overlays: overlays})
}

// plan merges the base depmap and mounts into a deduplicated, sorted entry
// list and the overlays to record.
func (c *Cache) plan(ctx context.Context, base hasher.Sum, mounts []Mount) ([]depmap.Entry, []StampOverlay, error) {
	baseDM, err := c.store.RequireDepmap(ctx, base, "materialize")
	if err != nil {
		return nil, nil, err
	}
	if baseDM.Shape() != depmap.ShapeConcrete {
		return nil, nil, ErrLabelDepmap
	}
	root, ok, err := baseDM.Get(depmap.Root)
	if err != nil {
		return nil, nil, err
	}
	if ok && root.File.Kind != depmap.KindDirectory {
		return nil, nil, fmt.Errorf("%w: %s", ErrRootNotDirectory, base)
	}

	layers := []*depmap.Depmap{baseDM}
	var overlays []StampOverlay
	for _, m := range mounts {
		sub, err := c.store.ResolveRef(ctx, m.Ref)
		if err != nil {
			return nil, nil, fmt.Errorf("mount %s at %s: %w", m.Ref, m.Dest, err)
		}
		if c.opts.OverlayThreshold > 0 && sub.Len() >= c.opts.OverlayThreshold && m.Ref.Subpath == depmap.Root {
			overlays = append(overlays, StampOverlay{
				DestSubpath: m.Dest,
				SrcSubpath:  m.Ref.Subpath,
				DepmapHash:  m.Ref.Hash,
			})
			b := depmap.NewBuilder()
			b.Insert(m.Dest, depmap.Directory())
			point, err := b.Build()
			if err != nil {
				return nil, nil, err
			}
			layers = append(layers, point)
			continue
		}
		placed, err := sub.Prefixed(m.Dest)
		if err != nil {
			return nil, nil, err
		}
		layers = append(layers, placed)
	}

	merged, err := depmap.Compose(layers...)
	if err != nil {
		return nil, nil, err
	}
	entries, err := merged.Entries()
	if err != nil {
		return nil, nil, err
	}
	return entries, overlays, nil
}

// writeChunks writes entries in chunks of ChunkSize on at most Workers
// goroutines. Chunks touch disjoint paths and every write is idempotent,
// so their order does not matter.
func (c *Cache) writeChunks(ctx context.Context, dir string, entries []depmap.Entry, origin string) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.opts.Workers)
	for start := 0; start < len(entries); start += c.opts.ChunkSize {
		chunk := entries[start:min(start+c.opts.ChunkSize, len(entries))]
		g.Go(func() error {
			for _, e := range chunk {
				if err := gctx.Err(); err != nil {
					return err
				}
				if err := writeEntry(c.store, dir, e, origin); err != nil {
					return err
				}
			}
			return nil
		})
	}
	return g.Wait()
}

// replaceDir renames partial to final. Debris at final from an earlier
// crashed build is removed and the rename retried once.
func replaceDir(partial, final string) error {
	err := os.Rename(partial, final)
	if err == nil {
		return nil
	}
	if !errors.Is(err, fs.ErrExist) && !errors.Is(err, syscall.ENOTEMPTY) {
		return fmt.Errorf("commit tree %s: %w", final, err)
	}
	if err := os.RemoveAll(final); err != nil {
		return fmt.Errorf("clear debris at %s: %w", final, err)
	}
	if err := os.Rename(partial, final); err != nil {
		return fmt.Errorf("commit tree %s: %w", final, err)
	}
	return nil
}
