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

	"github.com/AleutianAI/kiln/services/build/hasher"
)

// FileHash identifies a content blob.
type FileHash = hasher.Sum

// Hash identifies a depmap by the digest of its encoding.
type Hash = hasher.Sum

// Shape is the closed set of value kinds a depmap can hold.
type Shape uint8

const (
	// ShapeConcrete depmaps hold FileEntry values.
	ShapeConcrete Shape = 1

	// ShapeLabel depmaps hold LabelRef values.
	ShapeLabel Shape = 2
)

// String returns the shape name.
func (s Shape) String() string {
	switch s {
	case ShapeConcrete:
		return "concrete"
	case ShapeLabel:
		return "label"
	default:
		return fmt.Sprintf("shape(%d)", uint8(s))
	}
}

// Kind tags a FileEntry. Values double as record typecodes.
type Kind uint8

const (
	KindRegular   Kind = 1
	KindSymlink   Kind = 2
	KindDirectory Kind = 3

	// kindLabel is the record typecode of LabelRef values.
	kindLabel Kind = 4
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindRegular:
		return "regular"
	case KindSymlink:
		return "symlink"
	case KindDirectory:
		return "directory"
	case kindLabel:
		return "label"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// FileEntry is one node of a concrete file tree.
//
// Hash and Executable are meaningful for KindRegular only, Target for
// KindSymlink only. Use the Regular, Symlink and Directory constructors.
type FileEntry struct {
	Kind       Kind
	Hash       FileHash
	Executable bool
	Target     string
}

// Regular returns a regular file entry.
func Regular(hash FileHash, executable bool) FileEntry {
	return FileEntry{Kind: KindRegular, Hash: hash, Executable: executable}
}

// Symlink returns a symbolic link entry.
func Symlink(target string) FileEntry {
	return FileEntry{Kind: KindSymlink, Target: target}
}

// Directory returns a directory entry.
func Directory() FileEntry {
	return FileEntry{Kind: KindDirectory}
}

// String renders the entry for listings.
func (f FileEntry) String() string {
	switch f.Kind {
	case KindRegular:
		if f.Executable {
			return "file " + f.Hash.String() + " exec"
		}
		return "file " + f.Hash.String()
	case KindSymlink:
		return "symlink -> " + f.Target
	case KindDirectory:
		return "dir"
	default:
		return f.Kind.String()
	}
}

// HashInto encodes the entry as a FileEntry enum variant.
func (f FileEntry) HashInto(e *hasher.Encoder) {
	switch f.Kind {
	case KindRegular:
		e.StructVariant("FileEntry", "Regular", 0, 2, func(i int, e *hasher.Encoder) {
			if i == 0 {
				f.Hash.HashInto(e)
			} else {
				e.Bool(f.Executable)
			}
		})
	case KindSymlink:
		e.NewtypeVariant("FileEntry", "Symlink", 1, func(e *hasher.Encoder) { e.String(f.Target) })
	case KindDirectory:
		e.UnitVariant("FileEntry", "Directory", 2)
	default:
		e.Fail(fmt.Errorf("%w: file entry kind %s", hasher.ErrUnsupported, f.Kind))
	}
}

// LabelRef names a path inside another target's output.
type LabelRef struct {
	Label   string
	Subpath Path
}

// String renders the reference as label[/subpath].
func (l LabelRef) String() string {
	if l.Subpath == Root {
		return l.Label
	}
	return l.Label + "/" + string(l.Subpath)
}

// Entry is one record of a depmap.
//
// File is set for concrete depmaps and Label for label depmaps.
type Entry struct {
	Path  Path
	File  FileEntry
	Label LabelRef
}
