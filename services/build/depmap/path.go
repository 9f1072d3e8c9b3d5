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
	"strings"

	"github.com/AleutianAI/kiln/services/build/hasher"
)

// Path is a normalized, slash-separated path relative to a depmap root.
//
// A normalized path has no leading or trailing slash, no empty, "." or ".."
// segments, and no NUL bytes. The empty Path denotes the root itself.
// Construct values with NormalizePath; Builder.Build rejects paths that
// were cast from unnormalized strings.
type Path string

// Root is the empty path denoting the depmap root.
const Root Path = ""

// NormalizePath cleans p into a Path.
//
// Description:
//
//	Empty and "." segments are dropped and ".." consumes the preceding
//	segment. Backslashes are not separators.
//
// Outputs:
//
//	Path - The normalized path.
//	error - ErrInvalidPath when p is absolute, contains NUL, or uses ".."
//	        to climb above the root.
func NormalizePath(p string) (Path, error) {
	if strings.HasPrefix(p, "/") {
		return "", fmt.Errorf("%w: %q is absolute", ErrInvalidPath, p)
	}
	if strings.IndexByte(p, 0) >= 0 {
		return "", fmt.Errorf("%w: %q contains NUL", ErrInvalidPath, p)
	}
	out := make([]string, 0, strings.Count(p, "/")+1)
	for _, seg := range strings.Split(p, "/") {
		switch seg {
		case "", ".":
		case "..":
			if len(out) == 0 {
				return "", fmt.Errorf("%w: %q escapes the root", ErrInvalidPath, p)
			}
			out = out[:len(out)-1]
		default:
			out = append(out, seg)
		}
	}
	return Path(strings.Join(out, "/")), nil
}

// MustPath is NormalizePath that panics on error. For literals only.
func MustPath(p string) Path {
	np, err := NormalizePath(p)
	if err != nil {
		panic(err)
	}
	return np
}

func (p Path) valid() bool {
	np, err := NormalizePath(string(p))
	return err == nil && np == p
}

// String returns the path text.
func (p Path) String() string {
	return string(p)
}

// IsRoot reports whether p is the root path.
func (p Path) IsRoot() bool {
	return p == Root
}

// Join appends child below p.
func (p Path) Join(child Path) Path {
	switch {
	case p == Root:
		return child
	case child == Root:
		return p
	default:
		return p + "/" + child
	}
}

// HasPrefix reports whether p equals prefix or lies below it.
func (p Path) HasPrefix(prefix Path) bool {
	_, ok := p.StripPrefix(prefix)
	return ok
}

// StripPrefix returns the remainder of p below prefix.
//
// Stripping a path from itself yields Root. Prefixes match whole segments
// only, so "ab" is not below "a".
func (p Path) StripPrefix(prefix Path) (Path, bool) {
	switch {
	case prefix == Root:
		return p, true
	case p == prefix:
		return Root, true
	case strings.HasPrefix(string(p), string(prefix)+"/"):
		return p[len(prefix)+1:], true
	default:
		return "", false
	}
}

// Parent returns the enclosing directory. The root has no parent.
func (p Path) Parent() (Path, bool) {
	if p == Root {
		return "", false
	}
	i := strings.LastIndexByte(string(p), '/')
	if i < 0 {
		return Root, true
	}
	return p[:i], true
}

// Base returns the final segment.
func (p Path) Base() string {
	i := strings.LastIndexByte(string(p), '/')
	return string(p[i+1:])
}

// Components splits p into segments. The root has none.
func (p Path) Components() []string {
	if p == Root {
		return nil
	}
	return strings.Split(string(p), "/")
}

// HashInto encodes the path as a string.
func (p Path) HashInto(e *hasher.Encoder) {
	e.String(string(p))
}
