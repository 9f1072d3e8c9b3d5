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
	"errors"
	"fmt"
	"sort"

	"github.com/AleutianAI/kiln/services/build/depmap"
	"github.com/AleutianAI/kiln/services/build/events"
	"github.com/AleutianAI/kiln/services/build/hasher"
	"github.com/AleutianAI/kiln/services/build/query"
)

// Each query type carries the engine in an unexported field, which is not
// part of the query key.

type rootWorkspaceQuery struct {
	e *Engine
}

func (rootWorkspaceQuery) Kind() string { return "root_workspace" }
func (rootWorkspaceQuery) HashInto(enc *hasher.Encoder) { enc.Unit() }
func (rootWorkspaceQuery) String() string                { return "//" }

func (q rootWorkspaceQuery) Run(ctx context.Context, g *query.Graph) (_ *Workspace, err error) {
	done := q.e.startQuery(q.Kind(), "//")
	defer func() { done(err) }()
	return query.Run(ctx, g, workspaceQuery{e: q.e, Path: depmap.Root})
}

type workspaceQuery struct {
	e    *Engine
	Path depmap.Path
}

func (workspaceQuery) Kind() string { return "workspace" }
func (q workspaceQuery) String() string { return "//" + string(q.Path) }

func (q workspaceQuery) Run(ctx context.Context, g *query.Graph) (*Workspace, error) {
	ws, err := q.e.loader.LoadWorkspace(ctx, q.Path)
	if err != nil {
		return nil, fmt.Errorf("load workspace //%s: %w", q.Path, err)
	}
	return ws, nil
}

type allWorkspacesQuery struct {
	e *Engine
}

func (allWorkspacesQuery) Kind() string { return "all_workspaces" }
func (allWorkspacesQuery) HashInto(enc *hasher.Encoder) { enc.Unit() }
func (allWorkspacesQuery) String() string                { return "//..." }

// Run loads nested workspaces breadth first. Each level is fanned out and
// the final list is sorted by path.
func (q allWorkspacesQuery) Run(ctx context.Context, g *query.Graph) (_ []*Workspace, err error) {
	done := q.e.startQuery(q.Kind(), "//...")
	defer func() { done(err) }()

	root, err := query.Run(ctx, g, rootWorkspaceQuery{e: q.e})
	if err != nil {
		return nil, err
	}
	all := []*Workspace{root}
	seen := map[depmap.Path]bool{root.Path: true}
	frontier := root.Nested
	for len(frontier) > 0 {
		var level []workspaceQuery
		for _, p := range frontier {
			if seen[p] {
				continue
			}
			seen[p] = true
			level = append(level, workspaceQuery{e: q.e, Path: p})
		}
		loaded, err := runAll[*Workspace](ctx, q.e, g, level)
		if err != nil {
			return nil, err
		}
		frontier = nil
		for _, ws := range loaded {
			all = append(all, ws)
			frontier = append(frontier, ws.Nested...)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Path < all[j].Path })
	return all, nil
}

type packageQuery struct {
	e    *Engine
	Path depmap.Path
}

func (packageQuery) Kind() string { return "package" }
func (q packageQuery) String() string { return "//" + string(q.Path) }

func (q packageQuery) Run(ctx context.Context, g *query.Graph) (_ *Package, err error) {
	done := q.e.startQuery(q.Kind(), "//"+string(q.Path))
	defer func() { done(err) }()
	pkg, err := q.e.loader.LoadPackage(ctx, q.Path)
	if err != nil {
		return nil, fmt.Errorf("load package //%s: %w", q.Path, err)
	}
	return pkg, nil
}

type analysisQuery struct {
	e       *Engine
	Package depmap.Path
}

func (analysisQuery) Kind() string { return "analysis" }
func (q analysisQuery) String() string { return "//" + string(q.Package) }

func (q analysisQuery) Run(ctx context.Context, g *query.Graph) (_ *Analysis, err error) {
	done := q.e.startQuery(q.Kind(), "//"+string(q.Package))
	defer func() { done(err) }()

	pkg, err := query.Run(ctx, g, packageQuery{e: q.e, Path: q.Package})
	if err != nil {
		return nil, err
	}
	q.e.events.Emit(events.TypeAnalysisStart, events.AnalysisData{
		Package: "//" + string(pkg.Path),
		Rules:   len(pkg.Rules),
	})
	analysis, err := q.e.interp.Analyze(ctx, &Analyzer{e: q.e, g: g, pkg: pkg}, pkg)
	if err != nil {
		return nil, fmt.Errorf("analyze //%s: %w", q.Package, err)
	}
	return analysis, nil
}

type fileTypeQuery struct {
	e       *Engine
	Package depmap.Path
	Path    depmap.Path
}

func (fileTypeQuery) Kind() string { return "file_type" }
func (q fileTypeQuery) String() string {
	return "//" + string(q.Package) + ":" + string(q.Path)
}

func (q fileTypeQuery) Run(ctx context.Context, g *query.Graph) (FileType, error) {
	pkg, err := query.Run(ctx, g, packageQuery{e: q.e, Path: q.Package})
	if err != nil {
		return FileMissing, err
	}
	sources, err := q.e.store.ResolveRef(ctx, pkg.Sources)
	if err != nil {
		return FileMissing, err
	}
	entry, ok, err := sources.Get(q.Path)
	if err != nil || !ok {
		return FileMissing, err
	}
	switch entry.File.Kind {
	case depmap.KindRegular:
		return FileRegular, nil
	case depmap.KindDirectory:
		return FileDirectory, nil
	case depmap.KindSymlink:
		return FileSymlink, nil
	default:
		return FileMissing, nil
	}
}

type targetExistsQuery struct {
	e     *Engine
	Label Label
}

func (targetExistsQuery) Kind() string { return "target_exists" }
func (q targetExistsQuery) String() string { return q.Label.String() }

func (q targetExistsQuery) Run(ctx context.Context, g *query.Graph) (bool, error) {
	pkg, err := query.Run(ctx, g, packageQuery{e: q.e, Path: q.Label.Package})
	if errors.Is(err, ErrPackageNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return pkg.HasRule(q.Label.Target), nil
}

type outputQuery struct {
	e           *Engine
	Label       Label
	BuildConfig string
}

func (outputQuery) Kind() string { return "output" }
func (q outputQuery) String() string {
	return q.Label.String() + " [" + q.BuildConfig + "]"
}

func (q outputQuery) Run(ctx context.Context, g *query.Graph) (_ depmap.ConcreteRef, err error) {
	done := q.e.startQuery(q.Kind(), q.Label.String())
	defer func() { done(err) }()

	analysis, err := query.Run(ctx, g, analysisQuery{e: q.e, Package: q.Label.Package})
	if err != nil {
		return depmap.ConcreteRef{}, err
	}
	index, ok := analysis.Lookup(q.Label.Target)
	if !ok {
		return depmap.ConcreteRef{}, fmt.Errorf("%w: %s", ErrTargetNotFound, q.Label)
	}
	res, err := query.Run(ctx, g, actionQuery{e: q.e, Package: q.Label.Package, Index: index, BuildConfig: q.BuildConfig})
	if err != nil {
		return depmap.ConcreteRef{}, err
	}
	return res.Output, nil
}

type actionQuery struct {
	e           *Engine
	Package     depmap.Path
	Index       uint32
	BuildConfig string
}

func (actionQuery) Kind() string { return "action" }
func (q actionQuery) String() string {
	return fmt.Sprintf("//%s#%d [%s]", q.Package, q.Index, q.BuildConfig)
}

// Run resolves the action's label-form inputs to concrete references,
// recursing into the actions that produce them, then runs the concrete
// action. Inputs resolve concurrently but are assembled in declaration
// order.
func (q actionQuery) Run(ctx context.Context, g *query.Graph) (_ *ActionResult, err error) {
	analysis, err := query.Run(ctx, g, analysisQuery{e: q.e, Package: q.Package})
	if err != nil {
		return nil, err
	}
	if int(q.Index) >= len(analysis.Actions) {
		return nil, fmt.Errorf("%w: action %d of //%s", ErrTargetNotFound, q.Index, q.Package)
	}
	act := analysis.Actions[q.Index]
	done := q.e.startQuery(q.Kind(), act.Label.String())
	defer func() { done(err) }()

	pkg, err := query.Run(ctx, g, packageQuery{e: q.e, Path: q.Package})
	if err != nil {
		return nil, err
	}

	o := query.NewOrdered[ConcreteInput](ctx, q.e.fanout)
	for _, in := range act.Inputs {
		o.Submit(func(ctx context.Context) (ConcreteInput, error) {
			ref, err := q.resolve(ctx, g, pkg, in.Source)
			if err != nil {
				return ConcreteInput{}, fmt.Errorf("input %s of %s: %w", in.Dest, act.Label, err)
			}
			return ConcreteInput{Dest: in.Dest, Ref: ref}, nil
		})
	}
	inputs, err := o.Collect(ctx)
	o.Wait()
	if err != nil {
		return nil, err
	}

	action := ConcreteAction{
		Kind:    act.Kind,
		Label:   act.Label.String(),
		Cmd:     act.Cmd,
		Inputs:  inputs,
		Env:     []EnvVar{{Name: "KILN_BUILD_CONFIG", Value: q.BuildConfig}},
		Network: act.Network,
		Private: act.Private,
	}
	return query.Run(ctx, g, concreteActionQuery{e: q.e, Action: action})
}

func (q actionQuery) resolve(ctx context.Context, g *query.Graph, pkg *Package, src Source) (depmap.ConcreteRef, error) {
	switch src.Kind {
	case SourcePackageFile:
		return pkg.Sources.Join(src.Path), nil
	case SourceTargetOutput:
		return query.Run(ctx, g, outputQuery{e: q.e, Label: src.Label, BuildConfig: q.BuildConfig})
	case SourcePartialAction:
		res, err := query.Run(ctx, g, actionQuery{e: q.e, Package: q.Package, Index: src.Index, BuildConfig: q.BuildConfig})
		if err != nil {
			return depmap.ConcreteRef{}, err
		}
		return res.Output, nil
	default:
		return depmap.ConcreteRef{}, fmt.Errorf("unknown source kind %d", src.Kind)
	}
}

type concreteActionQuery struct {
	e      *Engine
	Action ConcreteAction
}

func (concreteActionQuery) Kind() string { return "concrete_action" }
func (q concreteActionQuery) String() string { return q.Action.Kind + " " + q.Action.Label }

func (q concreteActionQuery) Run(ctx context.Context, g *query.Graph) (*ActionResult, error) {
	return q.e.execute(ctx, &q.Action)
}
