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
	"context"
	"fmt"
	"strings"

	"github.com/AleutianAI/kiln/services/build/depmap"
)

// GenruleKind is the rule kind GenruleInterpreter understands.
const GenruleKind = "genrule"

// GenruleInterpreter analyzes genrule rules: a shell command run over a
// set of sources.
//
// Description:
//
//	A src is either a file or directory of the package, or a label. Files
//	are mounted at their package-relative path. A label's output is
//	mounted at deps/<package>/<target>. Same-package labels refer to the
//	sibling action by index; other labels must name existing targets.
//	The command runs with $SRC set to the input tree and must write its
//	outputs below $OUT.
type GenruleInterpreter struct{}

// Analyze implements Interpreter.
func (GenruleInterpreter) Analyze(ctx context.Context, a *Analyzer, pkg *Package) (*Analysis, error) {
	analysis := &Analysis{
		Package: pkg.Path,
		Actions: make([]ActionSpec, len(pkg.Rules)),
		Targets: make(map[string]uint32, len(pkg.Rules)),
	}
	for i, r := range pkg.Rules {
		if r.Kind != GenruleKind {
			return nil, fmt.Errorf("%w: %q for rule %s", ErrUnknownRuleKind, r.Kind, r.Name)
		}
		analysis.Targets[r.Name] = uint32(i)
	}

	type fileRef struct {
		rule int
		path depmap.Path
	}
	type labelRef struct {
		rule  int
		label Label
	}
	var (
		files  []fileRef
		remote []labelRef
		inputs = make([][]Input, len(pkg.Rules))
	)
	for i, r := range pkg.Rules {
		for _, src := range r.Srcs {
			if strings.HasPrefix(src, ":") || strings.HasPrefix(src, "//") {
				l, err := ParseLabel(src, pkg.Path)
				if err != nil {
					return nil, fmt.Errorf("rule %s: %w", r.Name, err)
				}
				dest, err := depDest(l)
				if err != nil {
					return nil, fmt.Errorf("rule %s: %w", r.Name, err)
				}
				if l.Package == pkg.Path {
					idx, ok := analysis.Targets[l.Target]
					if !ok {
						return nil, fmt.Errorf("%w: %s referenced by rule %s", ErrTargetNotFound, l, r.Name)
					}
					inputs[i] = append(inputs[i], Input{Dest: dest, Source: PartialSource(idx)})
					continue
				}
				remote = append(remote, labelRef{rule: i, label: l})
				inputs[i] = append(inputs[i], Input{Dest: dest, Source: TargetSource(l)})
				continue
			}
			p, err := depmap.NormalizePath(src)
			if err != nil || p == depmap.Root {
				return nil, fmt.Errorf("%w: source %q of rule %s", ErrInvalidManifest, src, r.Name)
			}
			files = append(files, fileRef{rule: i, path: p})
			inputs[i] = append(inputs[i], Input{Dest: p, Source: FileSource(p)})
		}
	}

	paths := make([]depmap.Path, len(files))
	for i, f := range files {
		paths[i] = f.path
	}
	types, err := a.FileTypes(ctx, paths)
	if err != nil {
		return nil, err
	}
	for i, t := range types {
		if t == FileMissing {
			return nil, fmt.Errorf("%w: %s in //%s (rule %s)", ErrSourceNotFound, files[i].path, pkg.Path, pkg.Rules[files[i].rule].Name)
		}
	}

	labels := make([]Label, len(remote))
	for i, r := range remote {
		labels[i] = r.label
	}
	found, err := a.TargetsExist(ctx, labels)
	if err != nil {
		return nil, err
	}
	for i, ok := range found {
		if !ok {
			return nil, fmt.Errorf("%w: %s referenced by rule %s", ErrTargetNotFound, remote[i].label, pkg.Rules[remote[i].rule].Name)
		}
	}

	for i, r := range pkg.Rules {
		analysis.Actions[i] = ActionSpec{
			Label:   Label{Package: pkg.Path, Target: r.Name},
			Kind:    GenruleKind,
			Cmd:     r.Cmd,
			Inputs:  inputs[i],
			Network: r.Network,
			Private: r.Private,
		}
	}
	return analysis, nil
}

// depDest is where a label's output is mounted in a dependent's input tree.
func depDest(l Label) (depmap.Path, error) {
	return depmap.NormalizePath("deps/" + string(l.Package.Join(depmap.Path(l.Target))))
}
