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

import "fmt"

// Subtree projects the entries at and below prefix into a fresh depmap,
// with prefix stripped from every path. An entry stored at prefix itself
// becomes the root entry.
//
// Outputs:
//
//	*Depmap - The projected depmap, possibly empty.
//	bool - Whether any entry lay at or below prefix.
//	error - A DecodeError if a record is malformed.
func (d *Depmap) Subtree(prefix Path) (*Depmap, bool, error) {
	if prefix == Root {
		return d, d.Len() > 0, nil
	}
	var kept []Entry
	for entry, err := range d.All() {
		if err != nil {
			return nil, false, err
		}
		rest, ok := entry.Path.StripPrefix(prefix)
		if !ok {
			continue
		}
		entry.Path = rest
		kept = append(kept, entry)
	}
	// Stripping a shared prefix preserves relative order, with the prefix
	// entry itself (now Root) first.
	return encode(d.shape, kept), len(kept) > 0, nil
}

// Prefixed places every entry of d below dest. The root entry, if any,
// moves to dest itself.
func (d *Depmap) Prefixed(dest Path) (*Depmap, error) {
	if dest == Root {
		return d, nil
	}
	if !dest.valid() {
		return nil, fmt.Errorf("%w: %q is not normalized", ErrInvalidPath, dest)
	}
	b := &Builder{shape: d.shape, entries: make(map[Path]Entry, d.Len())}
	for entry, err := range d.All() {
		if err != nil {
			return nil, err
		}
		entry.Path = dest.Join(entry.Path)
		b.InsertEntry(entry)
	}
	return b.Build()
}

// Compose merges layers into one depmap. Where layers share a path the
// later layer wins. All layers must have the same shape.
func Compose(layers ...*Depmap) (*Depmap, error) {
	if len(layers) == 0 {
		return Empty(), nil
	}
	shape := layers[0].shape
	b := &Builder{shape: shape, entries: make(map[Path]Entry)}
	for _, layer := range layers {
		if layer.shape != shape {
			return nil, fmt.Errorf("%w: cannot compose %s with %s", ErrShapeMismatch, layer.shape, shape)
		}
		for entry, err := range layer.All() {
			if err != nil {
				return nil, err
			}
			b.InsertEntry(entry)
		}
	}
	return b.Build()
}
