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
	"bytes"
	"encoding/binary"
	"io"
	"iter"
	"sort"

	"github.com/AleutianAI/kiln/services/build/hasher"
)

const (
	headerSize  = 1 + 8
	hashSize    = len(FileHash{})
	maxLenField = 1 << 31
)

// Depmap is an immutable, hash-identified mapping from paths to entries.
//
// The canonical encoding is held in memory and records are decoded on
// access; an offset index built at construction makes Get logarithmic.
type Depmap struct {
	shape   Shape
	data    []byte
	hash    Hash
	offsets []int
}

// Empty returns the empty concrete depmap.
func Empty() *Depmap {
	dm, _ := NewBuilder().Build()
	return dm
}

// Hash returns the depmap's identity.
func (d *Depmap) Hash() Hash {
	return d.hash
}

// Shape returns the value shape.
func (d *Depmap) Shape() Shape {
	return d.shape
}

// Len returns the number of entries.
func (d *Depmap) Len() int {
	return len(d.offsets)
}

// Size returns the encoded size in bytes.
func (d *Depmap) Size() int64 {
	return int64(len(d.data))
}

// Bytes returns the canonical encoding. Callers must not modify it.
func (d *Depmap) Bytes() []byte {
	return d.data
}

// WriteTo writes the canonical encoding to w.
func (d *Depmap) WriteTo(w io.Writer) (int64, error) {
	n, err := w.Write(d.data)
	return int64(n), err
}

// Get looks up the entry stored at exactly p.
//
// Outputs:
//
//	Entry - The entry, valid when found is true.
//	bool - Whether p is present. Implied parent directories are not.
//	error - A DecodeError if the record at p is malformed.
func (d *Depmap) Get(p Path) (Entry, bool, error) {
	key := []byte(p)
	i := sort.Search(len(d.offsets), func(i int) bool {
		return bytes.Compare(d.pathAt(i), key) >= 0
	})
	if i == len(d.offsets) || !bytes.Equal(d.pathAt(i), key) {
		return Entry{}, false, nil
	}
	entry, _, err := decodeRecord(d.data, d.offsets[i], d.shape)
	if err != nil {
		return Entry{}, false, err
	}
	return entry, true, nil
}

// All iterates entries in ascending path order.
//
// Each step decodes one record and may yield an error, after which
// iteration stops. Ranging again restarts from the first entry.
func (d *Depmap) All() iter.Seq2[Entry, error] {
	return func(yield func(Entry, error) bool) {
		for _, off := range d.offsets {
			entry, _, err := decodeRecord(d.data, off, d.shape)
			if err != nil {
				yield(Entry{}, err)
				return
			}
			if !yield(entry, nil) {
				return
			}
		}
	}
}

// Entries collects All into a slice.
func (d *Depmap) Entries() ([]Entry, error) {
	out := make([]Entry, 0, len(d.offsets))
	for entry, err := range d.All() {
		if err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, nil
}

func (d *Depmap) pathAt(i int) []byte {
	off := d.offsets[i]
	n := int(binary.LittleEndian.Uint64(d.data[off:]))
	return d.data[off+8 : off+8+n]
}

// FromBytes decodes a canonical depmap encoding.
//
// Description:
//
//	Validates the header, record framing, path normalization, strict path
//	ordering, typecodes against the shape, and that no bytes trail the last
//	record. The buffer is retained; callers must not modify it afterwards.
//
// Outputs:
//
//	*Depmap - The decoded depmap, whose hash is the SHA-256 of data.
//	error - A DecodeError (wrapping ErrCorrupt) on malformed input.
func FromBytes(data []byte) (*Depmap, error) {
	if len(data) < headerSize {
		return nil, &DecodeError{Offset: 0, Reason: "short header"}
	}
	shape := Shape(data[0])
	if shape != ShapeConcrete && shape != ShapeLabel {
		return nil, &DecodeError{Offset: 0, Reason: "unknown shape " + shape.String()}
	}
	count := binary.LittleEndian.Uint64(data[1:headerSize])
	if count > uint64(len(data)) {
		return nil, &DecodeError{Offset: 1, Reason: "entry count exceeds input size"}
	}

	offsets := make([]int, 0, count)
	off := headerSize
	var prev []byte
	for i := uint64(0); i < count; i++ {
		entry, next, err := decodeRecord(data, off, shape)
		if err != nil {
			return nil, err
		}
		if !entry.Path.valid() {
			return nil, &DecodeError{Offset: off, Reason: "unnormalized path " + string(entry.Path)}
		}
		cur := []byte(entry.Path)
		if i > 0 && bytes.Compare(prev, cur) >= 0 {
			return nil, &DecodeError{Offset: off, Reason: "paths not strictly ascending"}
		}
		prev = cur
		offsets = append(offsets, off)
		off = next
	}
	if off != len(data) {
		return nil, &DecodeError{Offset: off, Reason: "trailing bytes"}
	}
	return &Depmap{
		shape:   shape,
		data:    data,
		hash:    hasher.SumBytes(data),
		offsets: offsets,
	}, nil
}

type reader struct {
	data []byte
	off  int
}

func (r *reader) need(n int, what string) error {
	if n < 0 || len(r.data)-r.off < n {
		return &DecodeError{Offset: r.off, Reason: "truncated " + what}
	}
	return nil
}

func (r *reader) u8(what string) (byte, error) {
	if err := r.need(1, what); err != nil {
		return 0, err
	}
	b := r.data[r.off]
	r.off++
	return b, nil
}

func (r *reader) lenPrefixed(what string) ([]byte, error) {
	if err := r.need(8, what+" length"); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint64(r.data[r.off:])
	if n > maxLenField {
		return nil, &DecodeError{Offset: r.off, Reason: what + " length out of range"}
	}
	r.off += 8
	if err := r.need(int(n), what); err != nil {
		return nil, err
	}
	b := r.data[r.off : r.off+int(n)]
	r.off += int(n)
	return b, nil
}

func decodeRecord(data []byte, off int, shape Shape) (Entry, int, error) {
	r := &reader{data: data, off: off}
	rawPath, err := r.lenPrefixed("path")
	if err != nil {
		return Entry{}, 0, err
	}
	entry := Entry{Path: Path(rawPath)}

	tcOff := r.off
	tc, err := r.u8("typecode")
	if err != nil {
		return Entry{}, 0, err
	}
	kind := Kind(tc)
	if (shape == ShapeLabel) != (kind == kindLabel) {
		return Entry{}, 0, &DecodeError{Offset: tcOff, Reason: kind.String() + " record in " + shape.String() + " depmap"}
	}

	switch kind {
	case KindRegular:
		exec, err := r.u8("executable flag")
		if err != nil {
			return Entry{}, 0, err
		}
		if exec > 1 {
			return Entry{}, 0, &DecodeError{Offset: r.off - 1, Reason: "executable flag not 0 or 1"}
		}
		if err := r.need(hashSize, "content hash"); err != nil {
			return Entry{}, 0, err
		}
		var h FileHash
		copy(h[:], data[r.off:r.off+hashSize])
		r.off += hashSize
		entry.File = Regular(h, exec == 1)
	case KindSymlink:
		target, err := r.lenPrefixed("symlink target")
		if err != nil {
			return Entry{}, 0, err
		}
		entry.File = Symlink(string(target))
	case KindDirectory:
		entry.File = Directory()
	case kindLabel:
		label, err := r.lenPrefixed("label")
		if err != nil {
			return Entry{}, 0, err
		}
		sub, err := r.lenPrefixed("label subpath")
		if err != nil {
			return Entry{}, 0, err
		}
		entry.Label = LabelRef{Label: string(label), Subpath: Path(sub)}
	default:
		return Entry{}, 0, &DecodeError{Offset: tcOff, Reason: "unknown typecode " + kind.String()}
	}
	return entry, r.off, nil
}

func appendLen(buf []byte, n int) []byte {
	return binary.LittleEndian.AppendUint64(buf, uint64(n))
}

func appendRecord(buf []byte, e Entry, shape Shape) []byte {
	buf = appendLen(buf, len(e.Path))
	buf = append(buf, e.Path...)
	if shape == ShapeLabel {
		buf = append(buf, byte(kindLabel))
		buf = appendLen(buf, len(e.Label.Label))
		buf = append(buf, e.Label.Label...)
		buf = appendLen(buf, len(e.Label.Subpath))
		return append(buf, e.Label.Subpath...)
	}
	buf = append(buf, byte(e.File.Kind))
	switch e.File.Kind {
	case KindRegular:
		if e.File.Executable {
			buf = append(buf, 1)
		} else {
			buf = append(buf, 0)
		}
		buf = append(buf, e.File.Hash[:]...)
	case KindSymlink:
		buf = appendLen(buf, len(e.File.Target))
		buf = append(buf, e.File.Target...)
	}
	return buf
}

// encode serializes entries already sorted by path.
func encode(shape Shape, entries []Entry) *Depmap {
	buf := make([]byte, 0, headerSize+len(entries)*(8+16+1+1+hashSize))
	buf = append(buf, byte(shape))
	buf = appendLen(buf, len(entries))
	offsets := make([]int, len(entries))
	for i, e := range entries {
		offsets[i] = len(buf)
		buf = appendRecord(buf, e, shape)
	}
	return &Depmap{
		shape:   shape,
		data:    buf,
		hash:    hasher.SumBytes(buf),
		offsets: offsets,
	}
}
