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

// ConcreteRef denotes a whole concrete depmap or the subtree at Subpath
// within it. The root Subpath means the whole depmap.
type ConcreteRef struct {
	Hash    Hash
	Subpath Path
}

// RefTo returns a reference to the whole depmap dm.
func RefTo(dm *Depmap) ConcreteRef {
	return ConcreteRef{Hash: dm.Hash()}
}

// Join narrows the reference to sub below its current subpath.
//
// Join is associative: r.Join(a).Join(b) == r.Join(a.Join(b)).
func (r ConcreteRef) Join(sub Path) ConcreteRef {
	return ConcreteRef{Hash: r.Hash, Subpath: r.Subpath.Join(sub)}
}

// String renders "sha256:<hex>" with "/subpath" appended when narrowed.
func (r ConcreteRef) String() string {
	if r.Subpath == Root {
		return r.Hash.String()
	}
	return r.Hash.String() + "/" + string(r.Subpath)
}

// ParseConcreteRef parses the String form.
func ParseConcreteRef(text string) (ConcreteRef, error) {
	digestPart, sub, _ := strings.Cut(text, "/")
	h, err := hasher.ParseSum(digestPart)
	if err != nil {
		return ConcreteRef{}, err
	}
	p, err := NormalizePath(sub)
	if err != nil {
		return ConcreteRef{}, err
	}
	if p != Path(sub) {
		return ConcreteRef{}, fmt.Errorf("%w: %q is not normalized", ErrInvalidPath, sub)
	}
	return ConcreteRef{Hash: h, Subpath: p}, nil
}

// MarshalText implements encoding.TextMarshaler.
func (r ConcreteRef) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (r *ConcreteRef) UnmarshalText(text []byte) error {
	parsed, err := ParseConcreteRef(string(text))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// HashInto encodes the reference with the subpath as an optional value.
func (r ConcreteRef) HashInto(e *hasher.Encoder) {
	e.Struct("ConcreteDepmapReference", 2, func(i int, e *hasher.Encoder) {
		if i == 0 {
			r.Hash.HashInto(e)
			return
		}
		if r.Subpath == Root {
			e.None()
			return
		}
		e.Some(r.Subpath.HashInto)
	})
}
