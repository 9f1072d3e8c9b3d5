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
	"fmt"
	"sort"
	"strings"
)

// Builder accumulates entries in any order and produces a Depmap.
//
// Inserting the same path twice keeps the last value.
type Builder struct {
	shape   Shape
	entries map[Path]Entry
	err     error
}

// NewBuilder returns a builder for a concrete depmap.
func NewBuilder() *Builder {
	return &Builder{shape: ShapeConcrete, entries: make(map[Path]Entry)}
}

// NewLabelBuilder returns a builder for a label depmap.
func NewLabelBuilder() *Builder {
	return &Builder{shape: ShapeLabel, entries: make(map[Path]Entry)}
}

func (b *Builder) fail(err error) {
	if b.err == nil {
		b.err = err
	}
}

// Insert records a file entry at p.
func (b *Builder) Insert(p Path, f FileEntry) {
	if b.shape != ShapeConcrete {
		b.fail(fmt.Errorf("%w: file entry %q in %s depmap", ErrShapeMismatch, p, b.shape))
		return
	}
	b.entries[p] = Entry{Path: p, File: f}
}

// InsertLabel records a label reference at p.
func (b *Builder) InsertLabel(p Path, l LabelRef) {
	if b.shape != ShapeLabel {
		b.fail(fmt.Errorf("%w: label %q in %s depmap", ErrShapeMismatch, p, b.shape))
		return
	}
	b.entries[p] = Entry{Path: p, Label: l}
}

// InsertEntry records e, dispatching on the builder's shape.
func (b *Builder) InsertEntry(e Entry) {
	if b.shape == ShapeLabel {
		b.InsertLabel(e.Path, e.Label)
	} else {
		b.Insert(e.Path, e.File)
	}
}

// Len returns the number of distinct paths inserted so far.
func (b *Builder) Len() int {
	return len(b.entries)
}

// Build sorts the entries by raw path bytes, encodes and hashes them.
//
// Outputs:
//
//	*Depmap - The immutable depmap.
//	error - ErrInvalidPath for unnormalized paths or invalid entries,
//	        ErrShapeMismatch if entries of the wrong shape were inserted.
func (b *Builder) Build() (*Depmap, error) {
	if b.err != nil {
		return nil, b.err
	}
	entries := make([]Entry, 0, len(b.entries))
	for _, e := range b.entries {
		if err := validateEntry(e, b.shape); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Path < entries[j].Path
	})
	return encode(b.shape, entries), nil
}

func validateEntry(e Entry, shape Shape) error {
	if !e.Path.valid() {
		return fmt.Errorf("%w: %q is not normalized", ErrInvalidPath, e.Path)
	}
	if shape == ShapeLabel {
		if e.Label.Label == "" {
			return fmt.Errorf("%w: empty label at %q", ErrInvalidPath, e.Path)
		}
		if !e.Label.Subpath.valid() {
			return fmt.Errorf("%w: label subpath %q at %q", ErrInvalidPath, e.Label.Subpath, e.Path)
		}
		return nil
	}
	switch e.File.Kind {
	case KindRegular, KindDirectory:
		return nil
	case KindSymlink:
		if e.File.Target == "" || strings.IndexByte(e.File.Target, 0) >= 0 {
			return fmt.Errorf("%w: bad symlink target at %q", ErrInvalidPath, e.Path)
		}
		return nil
	default:
		return fmt.Errorf("%w: %s entry at %q", ErrInvalidPath, e.File.Kind, e.Path)
	}
}
