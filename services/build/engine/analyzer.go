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

	"github.com/AleutianAI/kiln/services/build/depmap"
	"github.com/AleutianAI/kiln/services/build/query"
)

// Analyzer is the interpreter's view of the engine during one analysis.
// Requests fan out concurrently and their results come back in request
// order.
type Analyzer struct {
	e   *Engine
	g   *query.Graph
	pkg *Package
}

// Package returns the package under analysis.
func (a *Analyzer) Package() *Package {
	return a.pkg
}

// FileTypes classifies paths relative to the package under analysis.
func (a *Analyzer) FileTypes(ctx context.Context, paths []depmap.Path) ([]FileType, error) {
	qs := make([]fileTypeQuery, len(paths))
	for i, p := range paths {
		qs[i] = fileTypeQuery{e: a.e, Package: a.pkg.Path, Path: p}
	}
	return runAll[FileType](ctx, a.e, a.g, qs)
}

// TargetsExist reports, for each label, whether it names a rule.
func (a *Analyzer) TargetsExist(ctx context.Context, labels []Label) ([]bool, error) {
	qs := make([]targetExistsQuery, len(labels))
	for i, l := range labels {
		qs[i] = targetExistsQuery{e: a.e, Label: l}
	}
	return runAll[bool](ctx, a.e, a.g, qs)
}
