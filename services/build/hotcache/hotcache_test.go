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
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/kiln/services/build/depmap"
	"github.com/AleutianAI/kiln/services/build/hasher"
)

func newTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	opts = append([]Option{WithIndex(IndexMemory)}, opts...)
	s, err := Open(context.Background(), t.TempDir(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func writeTemp(t *testing.T, s *Store, content string, mode os.FileMode) string {
	t.Helper()
	f, err := s.TempFile()
	require.NoError(t, err)
	_, err = f.WriteString(content)
	require.NoError(t, err)
	require.NoError(t, f.Close())
	require.NoError(t, os.Chmod(f.Name(), mode))
	return f.Name()
}

func sampleDepmap(t *testing.T, name string) *depmap.Depmap {
	t.Helper()
	b := depmap.NewBuilder()
	b.Insert(depmap.MustPath(name), depmap.Regular(hasher.SumBytes([]byte(name)), false))
	dm, err := b.Build()
	require.NoError(t, err)
	return dm
}

func TestOpen(t *testing.T) {
	t.Run("creates layout and version", func(t *testing.T) {
		s := newTestStore(t)
		data, err := os.ReadFile(filepath.Join(s.Root(), versionFileName))
		require.NoError(t, err)
		assert.Equal(t, LayoutVersion+"\n", string(data))
		for _, dir := range []string{"content/sha256/exec", "action/sha256", "depmap/sha256", "sha256", "tmp"} {
			info, err := os.Stat(filepath.Join(s.Root(), dir))
			require.NoError(t, err, dir)
			assert.True(t, info.IsDir())
		}
	})

	t.Run("reopens compatible cache", func(t *testing.T) {
		root := t.TempDir()
		s, err := Open(context.Background(), root, WithIndex(IndexNone))
		require.NoError(t, err)
		require.NoError(t, s.Close())
		s, err = Open(context.Background(), root, WithIndex(IndexNone))
		require.NoError(t, err)
		require.NoError(t, s.Close())
	})

	t.Run("rejects incompatible major version", func(t *testing.T) {
		root := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(root, versionFileName), []byte("v2.3.0\n"), 0o644))
		_, err := Open(context.Background(), root, WithIndex(IndexNone))
		assert.ErrorIs(t, err, ErrLayoutVersion)
	})
}

func TestMoveToCache(t *testing.T) {
	ctx := context.Background()

	t.Run("normalizes mode and removes source", func(t *testing.T) {
		s := newTestStore(t)
		src := writeTemp(t, s, "hello", 0o640)

		sum, exec, err := s.MoveToCache(ctx, src)
		require.NoError(t, err)
		assert.False(t, exec)
		assert.Equal(t, hasher.SumBytes([]byte("hello")), sum)

		info, err := os.Stat(s.ContentPath(sum, false))
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0o444), info.Mode().Perm())
		_, err = os.Stat(src)
		assert.True(t, os.IsNotExist(err))
	})

	t.Run("any execute bit means executable", func(t *testing.T) {
		s := newTestStore(t)
		src := writeTemp(t, s, "#!/bin/sh\n", 0o610)

		sum, exec, err := s.MoveToCache(ctx, src)
		require.NoError(t, err)
		assert.True(t, exec)
		info, err := os.Stat(s.ContentPath(sum, true))
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0o555), info.Mode().Perm())
		assert.Contains(t, s.ContentPath(sum, true), filepath.Join("content", "sha256", "exec"))
	})

	t.Run("concurrent identical content converges", func(t *testing.T) {
		s := newTestStore(t)
		const n = 8
		srcs := make([]string, n)
		for i := range srcs {
			srcs[i] = writeTemp(t, s, "same bytes", 0o644)
		}

		sums := make([]hasher.Sum, n)
		errs := make([]error, n)
		var wg sync.WaitGroup
		for i := range srcs {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				sums[i], _, errs[i] = s.MoveToCache(ctx, srcs[i])
			}(i)
		}
		wg.Wait()

		for i := range srcs {
			require.NoError(t, errs[i])
			assert.Equal(t, sums[0], sums[i])
		}
		shardDir := filepath.Dir(s.ContentPath(sums[0], false))
		entries, err := os.ReadDir(shardDir)
		require.NoError(t, err)
		assert.Len(t, entries, 1)
	})

	t.Run("prehashed trusts the caller", func(t *testing.T) {
		s := newTestStore(t)
		src := writeTemp(t, s, "payload", 0o644)
		sum := hasher.SumBytes([]byte("payload"))
		require.NoError(t, s.MoveToCachePrehashed(ctx, src, sum, false))
		ok, err := s.HasFile(ctx, sum, false)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("rejects directories", func(t *testing.T) {
		s := newTestStore(t)
		dir, err := s.TempDir()
		require.NoError(t, err)
		_, _, err = s.MoveToCache(ctx, dir)
		assert.ErrorIs(t, err, ErrNotRegularFile)
	})
}

func TestLookupFile(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	sum, err := s.WriteBytes(ctx, []byte("data"))
	require.NoError(t, err)

	g, err := s.LookupFile(ctx, sum, false)
	require.NoError(t, err)
	require.NotNil(t, g)
	defer g.Release()
	assert.Equal(t, sum, g.Hash())
	assert.True(t, s.pins.pinned(s.rel(g.Path())))

	data, err := s.ReadFile(ctx, sum, false)
	require.NoError(t, err)
	assert.Equal(t, "data", string(data))

	missing, err := s.LookupFile(ctx, sum, true)
	require.NoError(t, err)
	assert.Nil(t, missing, "executable subspace is separate")

	_, err = s.ReadFile(ctx, hasher.SumBytes([]byte("absent")), false)
	var me *MissingEntryError
	require.ErrorAs(t, err, &me)
	assert.Equal(t, "file", me.Kind)
}

func TestActionEntries(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	digest := hasher.SumBytes([]byte("action"))

	got, err := s.LookupAction(ctx, digest)
	require.NoError(t, err)
	assert.Nil(t, got)

	stdout := hasher.SumBytes([]byte("out"))
	entry := &ActionCacheEntry{
		Action: json.RawMessage(`{"cmd":"true"}`),
		Output: ActionOutput{Files: hasher.SumBytes([]byte("files")), Stdout: &stdout},
	}
	require.NoError(t, s.WriteAction(ctx, digest, entry))
	require.NoError(t, s.WriteAction(ctx, digest, entry), "rewrite is allowed")

	got, err = s.LookupAction(ctx, digest)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, entry.Output, got.Output)
	assert.JSONEq(t, `{"cmd":"true"}`, string(got.Action))

	raw, err := os.ReadFile(s.actionPath(digest))
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"files":"sha256:`)

	require.NoError(t, os.Chmod(s.actionPath(digest), 0o644))
	require.NoError(t, os.WriteFile(s.actionPath(digest), []byte("{"), 0o644))
	_, err = s.LookupAction(ctx, digest)
	assert.ErrorIs(t, err, ErrCorruptEntry)

	require.NoError(t, s.RemoveAction(ctx, digest))
	require.NoError(t, s.RemoveAction(ctx, digest))
}

func TestDepmapEntries(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	dm := sampleDepmap(t, "a/b.txt")

	s, err := Open(ctx, root, WithIndex(IndexNone))
	require.NoError(t, err)
	require.NoError(t, s.WriteDepmap(ctx, dm))
	require.NoError(t, s.WriteDepmap(ctx, dm))
	require.NoError(t, s.Close())

	s, err = Open(ctx, root, WithIndex(IndexNone))
	require.NoError(t, err)
	defer s.Close()

	ok, err := s.HasDepmap(ctx, dm.Hash())
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := s.LookupDepmap(ctx, dm.Hash())
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, dm.Bytes(), got.Bytes())
	assert.Equal(t, int64(1), s.Registry().Stats().Loads)

	again, err := s.LookupDepmap(ctx, dm.Hash())
	require.NoError(t, err)
	assert.Same(t, got, again, "second lookup is served from the registry")

	absent, err := s.LookupDepmap(ctx, hasher.SumBytes([]byte("nope")))
	require.NoError(t, err)
	assert.Nil(t, absent)

	_, err = s.RequireDepmap(ctx, hasher.SumBytes([]byte("nope")), "test")
	var me *MissingEntryError
	assert.ErrorAs(t, err, &me)

	other := sampleDepmap(t, "c")
	require.NoError(t, os.WriteFile(s.depmapPath(other.Hash()), dm.Bytes(), 0o644))
	_, err = s.LookupDepmap(ctx, other.Hash())
	assert.ErrorIs(t, err, ErrCorruptEntry)
}

func TestResolveRef(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	dm := sampleDepmap(t, "a/b.txt")
	require.NoError(t, s.WriteDepmap(ctx, dm))

	sub, err := s.ResolveRef(ctx, depmap.RefTo(dm).Join("a"))
	require.NoError(t, err)
	_, ok, err := sub.Get("b.txt")
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = s.ResolveRef(ctx, depmap.RefTo(dm).Join("does/not/exist"))
	assert.ErrorIs(t, err, ErrPathNotFound)
	assert.Contains(t, err.Error(), "does/not/exist")
}

func TestRegistry(t *testing.T) {
	ctx := context.Background()
	noLoad := func(context.Context, hasher.Sum) (*depmap.Depmap, error) { return nil, nil }

	t.Run("evicts least recently used", func(t *testing.T) {
		r := NewRegistry(2, 0)
		a, b, c := sampleDepmap(t, "a"), sampleDepmap(t, "b"), sampleDepmap(t, "c")
		r.Put(a)
		r.Put(b)
		_, ok := r.Get(a.Hash())
		require.True(t, ok)
		r.Put(c)

		_, ok = r.Get(b.Hash())
		assert.False(t, ok, "b was least recently used")
		_, ok = r.Get(a.Hash())
		assert.True(t, ok)
		assert.Equal(t, int64(1), r.Stats().Evictions)
	})

	t.Run("byte bound", func(t *testing.T) {
		a := sampleDepmap(t, "a")
		r := NewRegistry(0, a.Size()*2)
		for _, name := range []string{"a", "b", "c", "d"} {
			r.Put(sampleDepmap(t, name))
		}
		st := r.Stats()
		assert.LessOrEqual(t, st.Bytes, a.Size()*2)
		assert.Equal(t, 2, st.Entries)
	})

	t.Run("pinned entries survive eviction", func(t *testing.T) {
		r := NewRegistry(1, 0)
		a := sampleDepmap(t, "a")
		got, release, err := r.Acquire(ctx, a.Hash(), func(context.Context, hasher.Sum) (*depmap.Depmap, error) {
			return a, nil
		})
		require.NoError(t, err)
		assert.Same(t, a, got)

		r.Put(sampleDepmap(t, "b"))
		r.Put(sampleDepmap(t, "c"))
		assert.True(t, r.Pinned(a.Hash()))
		assert.False(t, r.Remove(a.Hash()))
		_, ok := r.Get(a.Hash())
		assert.True(t, ok)

		release()
		release()
		assert.False(t, r.Pinned(a.Hash()))
		assert.Equal(t, 1, r.Stats().Entries)
	})

	t.Run("concurrent loads collapse", func(t *testing.T) {
		r := NewRegistry(0, 0)
		a := sampleDepmap(t, "a")
		gate := make(chan struct{})
		var calls int
		var mu sync.Mutex
		load := func(context.Context, hasher.Sum) (*depmap.Depmap, error) {
			mu.Lock()
			calls++
			mu.Unlock()
			<-gate
			return a, nil
		}

		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				dm, err := r.GetOrLoad(ctx, a.Hash(), load)
				assert.NoError(t, err)
				assert.Same(t, a, dm)
			}()
		}
		time.Sleep(50 * time.Millisecond)
		close(gate)
		wg.Wait()
		assert.LessOrEqual(t, calls, 8)
		assert.GreaterOrEqual(t, calls, 1)
		assert.Equal(t, 1, r.Stats().Entries)
	})

	t.Run("cancelled caller does not fail other waiters", func(t *testing.T) {
		r := NewRegistry(0, 0)
		a := sampleDepmap(t, "a")
		started := make(chan struct{})
		gate := make(chan struct{})
		load := func(ctx context.Context, _ hasher.Sum) (*depmap.Depmap, error) {
			close(started)
			<-gate
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			return a, nil
		}

		first, cancel := context.WithCancel(ctx)
		firstErr := make(chan error, 1)
		go func() {
			_, err := r.GetOrLoad(first, a.Hash(), load)
			firstErr <- err
		}()
		<-started

		second := make(chan *depmap.Depmap, 1)
		go func() {
			dm, err := r.GetOrLoad(ctx, a.Hash(), load)
			assert.NoError(t, err)
			second <- dm
		}()
		cancel()
		assert.ErrorIs(t, <-firstErr, context.Canceled)

		close(gate)
		assert.Same(t, a, <-second)
	})

	t.Run("absent loads are not cached", func(t *testing.T) {
		r := NewRegistry(0, 0)
		dm, err := r.GetOrLoad(ctx, hasher.SumBytes(nil), noLoad)
		require.NoError(t, err)
		assert.Nil(t, dm)
		assert.Equal(t, 0, r.Stats().Entries)
	})
}

func TestIngestDir(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	src := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(src, "a", "skip"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "a", "b.txt"), []byte("bee"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(src, "run.sh"), []byte("#!/bin/sh"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "a", "skip", "x"), []byte("x"), 0o644))
	require.NoError(t, os.Symlink("a/b.txt", filepath.Join(src, "link")))

	dm, err := s.IngestDir(ctx, src, SkipFunc(func(rel depmap.Path, _ os.DirEntry) bool {
		return rel.Base() == "skip"
	}), IngestWorkers(2))
	require.NoError(t, err)

	entries, err := dm.Entries()
	require.NoError(t, err)
	paths := make([]depmap.Path, 0, len(entries))
	for _, e := range entries {
		paths = append(paths, e.Path)
	}
	assert.Equal(t, []depmap.Path{"", "a", "a/b.txt", "link", "run.sh"}, paths)

	e, ok, err := dm.Get("run.sh")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, e.File.Executable)

	e, ok, err = dm.Get("link")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, depmap.Symlink("a/b.txt"), e.File)

	data, err := s.ReadFile(ctx, hasher.SumBytes([]byte("bee")), false)
	require.NoError(t, err)
	assert.Equal(t, "bee", string(data))

	ok, err = s.HasDepmap(ctx, dm.Hash())
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = os.Stat(filepath.Join(src, "a", "b.txt"))
	assert.NoError(t, err, "sources are copied, not moved")
}

func TestCollect(t *testing.T) {
	ctx := context.Background()

	t.Run("removes unused entries", func(t *testing.T) {
		s := newTestStore(t)
		sum, err := s.WriteBytes(ctx, []byte("old"))
		require.NoError(t, err)
		dm := sampleDepmap(t, "x")
		require.NoError(t, s.WriteDepmap(ctx, dm))
		digest := hasher.SumBytes([]byte("act"))
		require.NoError(t, s.WriteAction(ctx, digest, &ActionCacheEntry{Output: ActionOutput{Files: dm.Hash()}}))

		partial := s.MaterializedPath(dm.Hash()) + PartialInfix + "dead"
		require.NoError(t, os.MkdirAll(partial, 0o755))

		stats, err := s.Collect(ctx, 0)
		require.NoError(t, err)
		assert.Equal(t, 1, stats.Blobs)
		assert.Equal(t, 1, stats.Depmaps)
		assert.Equal(t, 1, stats.Actions)
		assert.Equal(t, 1, stats.Partials)
		assert.Equal(t, int64(3), stats.FreedBytes)

		ok, err := s.HasFile(ctx, sum, false)
		require.NoError(t, err)
		assert.False(t, ok)
		ok, err = s.HasDepmap(ctx, dm.Hash())
		require.NoError(t, err)
		assert.False(t, ok)
		_, err = os.Stat(partial)
		assert.True(t, os.IsNotExist(err))

		// The store remains usable after collection.
		_, err = s.WriteBytes(ctx, []byte("new"))
		require.NoError(t, err)
	})

	t.Run("keeps pinned and recent entries", func(t *testing.T) {
		s := newTestStore(t)
		pinnedSum, err := s.WriteBytes(ctx, []byte("pinned"))
		require.NoError(t, err)
		otherSum, err := s.WriteBytes(ctx, []byte("other"))
		require.NoError(t, err)

		g, err := s.LookupFile(ctx, pinnedSum, false)
		require.NoError(t, err)
		defer g.Release()

		stats, err := s.Collect(ctx, time.Hour)
		require.NoError(t, err)
		assert.Equal(t, 0, stats.Blobs)

		stats, err = s.Collect(ctx, 0)
		require.NoError(t, err)
		assert.Equal(t, 1, stats.Blobs)
		assert.GreaterOrEqual(t, stats.SkippedPinned, 1)

		ok, err := s.HasFile(ctx, pinnedSum, false)
		require.NoError(t, err)
		assert.True(t, ok)
		ok, err = s.HasFile(ctx, otherSum, false)
		require.NoError(t, err)
		assert.False(t, ok)
	})
}
