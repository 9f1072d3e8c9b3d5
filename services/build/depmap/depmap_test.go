// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package depmap

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/kiln/services/build/hasher"
)

var emptyBlob = hasher.SumBytes(nil)

func mustBuild(t *testing.T, b *Builder) *Depmap {
	t.Helper()
	dm, err := b.Build()
	require.NoError(t, err)
	return dm
}

func collect(t *testing.T, dm *Depmap) []Entry {
	t.Helper()
	entries, err := dm.Entries()
	require.NoError(t, err)
	return entries
}

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		in      string
		want    Path
		wantErr bool
	}{
		{in: "", want: Root},
		{in: ".", want: Root},
		{in: "a/b.txt", want: "a/b.txt"},
		{in: "a//b/./c/", want: "a/b/c"},
		{in: "a/b/../c", want: "a/c"},
		{in: "a/..", want: Root},
		{in: "..", wantErr: true},
		{in: "a/../../b", wantErr: true},
		{in: "/etc/passwd", wantErr: true},
		{in: "a\x00b", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := NormalizePath(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidPath)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPathOperations(t *testing.T) {
	p := MustPath("a/b/c")

	rest, ok := p.StripPrefix("a")
	require.True(t, ok)
	assert.Equal(t, Path("b/c"), rest)

	rest, ok = p.StripPrefix(p)
	require.True(t, ok)
	assert.Equal(t, Root, rest)

	_, ok = MustPath("ab/c").StripPrefix("a")
	assert.False(t, ok, "prefixes match whole segments")

	parent, ok := p.Parent()
	require.True(t, ok)
	assert.Equal(t, Path("a/b"), parent)
	parent, ok = MustPath("a").Parent()
	require.True(t, ok)
	assert.Equal(t, Root, parent)
	_, ok = Root.Parent()
	assert.False(t, ok)

	assert.Equal(t, "c", p.Base())
	assert.Equal(t, []string{"a", "b", "c"}, p.Components())
	assert.Equal(t, Path("x/a/b/c"), Path("x").Join(p))
	assert.Equal(t, p, Root.Join(p))
	assert.Equal(t, p, p.Join(Root))
}

func TestBuilderScenario(t *testing.T) {
	b := NewBuilder()
	b.Insert(MustPath("a/b.txt"), Regular(emptyBlob, false))
	b.Insert(MustPath("a"), Directory())
	dm := mustBuild(t, b)

	entries := collect(t, dm)
	require.Len(t, entries, 2)
	assert.Equal(t, Path("a"), entries[0].Path)
	assert.Equal(t, Directory(), entries[0].File)
	assert.Equal(t, Path("a/b.txt"), entries[1].Path)

	got, ok, err := dm.Get("a/b.txt")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, Regular(emptyBlob, false), got.File)

	_, ok, err = dm.Get("a/missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestBuilderInsertOrderIndependence(t *testing.T) {
	first := NewBuilder()
	first.Insert("x", Symlink("y"))
	first.Insert("bin/tool", Regular(emptyBlob, true))
	first.Insert(Root, Directory())

	second := NewBuilder()
	second.Insert(Root, Directory())
	second.Insert("bin/tool", Regular(emptyBlob, true))
	second.Insert("x", Symlink("y"))

	assert.Equal(t, mustBuild(t, first).Hash(), mustBuild(t, second).Hash())
}

func TestBuilderLastInsertWins(t *testing.T) {
	b := NewBuilder()
	b.Insert("f", Directory())
	b.Insert("f", Symlink("g"))
	dm := mustBuild(t, b)
	require.Equal(t, 1, dm.Len())

	got, ok, err := dm.Get("f")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, Symlink("g"), got.File)
}

func TestBuilderRejects(t *testing.T) {
	t.Run("unnormalized path", func(t *testing.T) {
		b := NewBuilder()
		b.Insert(Path("a/../b"), Directory())
		_, err := b.Build()
		assert.ErrorIs(t, err, ErrInvalidPath)
	})

	t.Run("shape mismatch", func(t *testing.T) {
		b := NewBuilder()
		b.InsertLabel("x", LabelRef{Label: "//pkg:t"})
		_, err := b.Build()
		assert.ErrorIs(t, err, ErrShapeMismatch)
	})

	t.Run("empty symlink target", func(t *testing.T) {
		b := NewBuilder()
		b.Insert("x", Symlink(""))
		_, err := b.Build()
		assert.ErrorIs(t, err, ErrInvalidPath)
	})
}

func TestRoundTrip(t *testing.T) {
	b := NewBuilder()
	b.Insert(Root, Directory())
	b.Insert("src/main.c", Regular(hasher.SumBytes([]byte("int main;")), false))
	b.Insert("bin/run", Regular(hasher.SumBytes([]byte("#!/bin/sh")), true))
	b.Insert("lib/current", Symlink("v2"))
	b.Insert("lib/v2", Directory())
	dm := mustBuild(t, b)

	decoded, err := FromBytes(append([]byte(nil), dm.Bytes()...))
	require.NoError(t, err)
	assert.Equal(t, dm.Hash(), decoded.Hash())
	assert.Equal(t, dm.Bytes(), decoded.Bytes())
	assert.Equal(t, collect(t, dm), collect(t, decoded))

	// Re-encoding the decoded entries yields the identical depmap.
	rb := NewBuilder()
	for _, e := range collect(t, decoded) {
		rb.InsertEntry(e)
	}
	assert.Equal(t, dm.Hash(), mustBuild(t, rb).Hash())

	// Iteration is restartable.
	assert.Equal(t, collect(t, decoded), collect(t, decoded))
}

func TestLabelRoundTrip(t *testing.T) {
	b := NewLabelBuilder()
	b.InsertLabel("deps/zlib", LabelRef{Label: "//third_party:zlib", Subpath: "include"})
	b.InsertLabel("tool", LabelRef{Label: "//tools:gen"})
	dm := mustBuild(t, b)
	assert.Equal(t, ShapeLabel, dm.Shape())

	decoded, err := FromBytes(dm.Bytes())
	require.NoError(t, err)
	got, ok, err := decoded.Get("deps/zlib")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, LabelRef{Label: "//third_party:zlib", Subpath: "include"}, got.Label)
	assert.Equal(t, "//third_party:zlib/include", got.Label.String())
}

func TestFromBytesCorrupt(t *testing.T) {
	b := NewBuilder()
	b.Insert("a", Directory())
	b.Insert("b", Symlink("a"))
	good := mustBuild(t, b).Bytes()

	tests := map[string][]byte{
		"empty":         {},
		"unknown shape": append([]byte{9}, good[1:]...),
		"truncated":     good[:len(good)-1],
		"trailing":      append(append([]byte(nil), good...), 0),
	}

	swapped := append([]byte(nil), good...)
	// Both records start "\x01\x00...\x00<name>"; swapping the names breaks ordering.
	ia := headerSize + 8
	ib := len(good) - (8 + 1 + 1 + 8 + 1)
	swapped[ia], swapped[ib] = swapped[ib], swapped[ia]
	tests["unsorted"] = swapped

	for name, data := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := FromBytes(data)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrCorrupt)
			var de *DecodeError
			assert.True(t, errors.As(err, &de))
		})
	}
}

func TestSubtreeAndPrefixed(t *testing.T) {
	b := NewBuilder()
	b.Insert("a", Directory())
	b.Insert("a/b.txt", Regular(emptyBlob, false))
	b.Insert("a/c/d", Symlink("../b.txt"))
	b.Insert("ab", Directory())
	dm := mustBuild(t, b)

	sub, ok, err := dm.Subtree("a")
	require.NoError(t, err)
	require.True(t, ok)
	entries := collect(t, sub)
	require.Len(t, entries, 3)
	assert.Equal(t, Root, entries[0].Path)
	assert.Equal(t, Path("b.txt"), entries[1].Path)
	assert.Equal(t, Path("c/d"), entries[2].Path)

	_, ok, err = dm.Subtree("nope")
	require.NoError(t, err)
	assert.False(t, ok)

	back, err := sub.Prefixed("a")
	require.NoError(t, err)
	expect := NewBuilder()
	expect.Insert("a", Directory())
	expect.Insert("a/b.txt", Regular(emptyBlob, false))
	expect.Insert("a/c/d", Symlink("../b.txt"))
	assert.Equal(t, mustBuild(t, expect).Hash(), back.Hash())
}

func TestCompose(t *testing.T) {
	base := NewBuilder()
	base.Insert("x", Regular(emptyBlob, false))
	base.Insert("y", Directory())

	over := NewBuilder()
	over.Insert("x", Symlink("y"))

	dm, err := Compose(mustBuild(t, base), mustBuild(t, over))
	require.NoError(t, err)
	got, ok, err := dm.Get("x")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, Symlink("y"), got.File)
	assert.Equal(t, 2, dm.Len())

	_, err = Compose(mustBuild(t, base), mustBuild(t, NewLabelBuilder()))
	assert.ErrorIs(t, err, ErrShapeMismatch)
}

func TestConcreteRef(t *testing.T) {
	dm := Empty()
	ref := RefTo(dm)
	assert.Equal(t, dm.Hash().String(), ref.String())

	joined := ref.Join("a").Join("b/c")
	assert.Equal(t, ref.Join(Path("a").Join("b/c")), joined)
	assert.Equal(t, dm.Hash().String()+"/a/b/c", joined.String())

	parsed, err := ParseConcreteRef(joined.String())
	require.NoError(t, err)
	assert.Equal(t, joined, parsed)

	_, err = ParseConcreteRef(dm.Hash().String() + "/a/../b")
	assert.ErrorIs(t, err, ErrInvalidPath)

	whole, err := hasher.Hash(ref)
	require.NoError(t, err)
	narrowed, err := hasher.Hash(joined)
	require.NoError(t, err)
	assert.NotEqual(t, whole, narrowed)
}
