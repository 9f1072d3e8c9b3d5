// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package engine

import (
	"fmt"
	"strings"

	"github.com/AleutianAI/kiln/services/build/depmap"
)

// Label names a target: a rule in a package.
type Label struct {
	Package depmap.Path
	Target  string
}

// String renders the label as //package:target.
func (l Label) String() string {
	return "//" + string(l.Package) + ":" + l.Target
}

// ParseLabel parses a target label.
//
// Description:
//
//	Accepted forms are "//pkg/path:target", "//pkg/path" (target named
//	after the last path segment), "//:target" (root package) and
//	":target", which is relative to current.
//
// Outputs:
//
//	Label - The parsed label.
//	error - ErrInvalidLabel (wrapped) for anything else.
func ParseLabel(text string, current depmap.Path) (Label, error) {
	var pkgText, target string
	switch {
	case strings.HasPrefix(text, ":"):
		return newLabel(current, text[1:], text)
	case strings.HasPrefix(text, "//"):
		rest := text[2:]
		if i := strings.IndexByte(rest, ':'); i >= 0 {
			pkgText, target = rest[:i], rest[i+1:]
		} else {
			pkgText = rest
			if j := strings.LastIndexByte(rest, '/'); j >= 0 {
				target = rest[j+1:]
			} else {
				target = rest
			}
		}
	default:
		return Label{}, fmt.Errorf("%w: %q must start with // or :", ErrInvalidLabel, text)
	}
	pkg, err := depmap.NormalizePath(pkgText)
	if err != nil || string(pkg) != pkgText {
		return Label{}, fmt.Errorf("%w: package in %q", ErrInvalidLabel, text)
	}
	return newLabel(pkg, target, text)
}

func newLabel(pkg depmap.Path, target, text string) (Label, error) {
	if !validTargetName(target) {
		return Label{}, fmt.Errorf("%w: target in %q", ErrInvalidLabel, text)
	}
	return Label{Package: pkg, Target: target}, nil
}

// validTargetName reports whether name can be a rule name: one path
// segment, not "." or "..".
func validTargetName(name string) bool {
	return name != "" && name != "." && name != ".." &&
		!strings.ContainsAny(name, "/:\x00")
}
