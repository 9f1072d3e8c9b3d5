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
	"github.com/AleutianAI/kiln/services/build/hasher"
	"github.com/AleutianAI/kiln/services/build/materialize"
)

// Workspace is a directory tree of packages. Nested workspaces are loaded
// separately and listed by path.
type Workspace struct {
	Name string
	Path depmap.Path

	// Nested lists the workspaces declared inside this one, relative to
	// the root workspace.
	Nested []depmap.Path

	// Packages lists package paths, relative to the root workspace, sorted.
	Packages []depmap.Path
}

// Rule is one entry of a package manifest.
type Rule struct {
	Name    string   `yaml:"name"`
	Kind    string   `yaml:"kind"`
	Srcs    []string `yaml:"srcs,omitempty"`
	Cmd     string   `yaml:"cmd,omitempty"`
	Network bool     `yaml:"network,omitempty"`
	Private bool     `yaml:"private,omitempty"`
}

// Package is a loaded package: its rules and a snapshot of its sources.
type Package struct {
	Path    depmap.Path
	Rules   []Rule
	Sources depmap.ConcreteRef
}

// HasRule reports whether the package defines a rule called name.
func (p *Package) HasRule(name string) bool {
	for _, r := range p.Rules {
		if r.Name == name {
			return true
		}
	}
	return false
}

// FileType classifies a path in a package's sources.
type FileType uint8

const (
	FileMissing FileType = iota
	FileRegular
	FileDirectory
	FileSymlink
)

func (t FileType) String() string {
	switch t {
	case FileRegular:
		return "regular"
	case FileDirectory:
		return "directory"
	case FileSymlink:
		return "symlink"
	default:
		return "missing"
	}
}

// SourceKind tags the variants of Source.
type SourceKind uint8

const (
	// SourcePackageFile is a path in the action's own package sources.
	SourcePackageFile SourceKind = iota + 1
	// SourceTargetOutput is the output of another target.
	SourceTargetOutput
	// SourcePartialAction is the output of another action of the same
	// analysis, named by its index before the analysis is published.
	SourcePartialAction
)

// Source is where an action input comes from, in label form.
type Source struct {
	Kind  SourceKind
	Path  depmap.Path
	Label Label
	Index uint32
}

// FileSource returns a package file source.
func FileSource(p depmap.Path) Source {
	return Source{Kind: SourcePackageFile, Path: p}
}

// TargetSource returns a target output source.
func TargetSource(l Label) Source {
	return Source{Kind: SourceTargetOutput, Label: l}
}

// PartialSource returns a source naming action index i of the same analysis.
func PartialSource(i uint32) Source {
	return Source{Kind: SourcePartialAction, Index: i}
}

// Input places a Source at Dest in the action's input tree.
type Input struct {
	Dest   depmap.Path
	Source Source
}

// ActionSpec is an action as produced by analysis, with label-form inputs.
type ActionSpec struct {
	Label   Label
	Kind    string
	Cmd     string
	Inputs  []Input
	Network bool
	Private bool
}

// Analysis is the result of interpreting a package's rules.
type Analysis struct {
	Package depmap.Path
	Actions []ActionSpec

	// Targets maps rule names to indices into Actions.
	Targets map[string]uint32
}

// Lookup returns the action index for a target name.
func (a *Analysis) Lookup(target string) (uint32, bool) {
	i, ok := a.Targets[target]
	return i, ok
}

// ConcreteInput is an action input resolved to a tree in the cache.
type ConcreteInput struct {
	Dest depmap.Path        `json:"dest"`
	Ref  depmap.ConcreteRef `json:"ref"`
}

// EnvVar is one environment variable passed to an action.
type EnvVar struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// ConcreteAction is a fully resolved action. Its structural hash is the
// action digest, the key of the action cache.
type ConcreteAction struct {
	Kind string `json:"kind"`

	// Label is informational and not part of the digest, so identical
	// actions of different targets share a cache entry.
	Label string `json:"label" hash:"-"`

	Cmd     string          `json:"cmd"`
	Inputs  []ConcreteInput `json:"inputs"`
	Env     []EnvVar        `json:"env"`
	Network bool            `json:"network"`
	Private bool            `json:"private"`
}

// Digest returns the action digest.
func (a *ConcreteAction) Digest() (hasher.Sum, error) {
	return hasher.Hash(*a)
}

// Cacheability says whether and where an action's result may be cached.
type Cacheability uint8

const (
	// Uncacheable results are recomputed every time.
	Uncacheable Cacheability = iota
	// CacheablePrivate results stay in the local cache only.
	CacheablePrivate
	// CacheableGlobal results may be shared.
	CacheableGlobal
)

func (c Cacheability) String() string {
	switch c {
	case CacheablePrivate:
		return "private"
	case CacheableGlobal:
		return "global"
	default:
		return "uncacheable"
	}
}

// Cacheability classifies the action. Network access makes an action
// nondeterministic and therefore uncacheable.
func (a *ConcreteAction) Cacheability() Cacheability {
	switch {
	case a.Network:
		return Uncacheable
	case a.Private:
		return CacheablePrivate
	default:
		return CacheableGlobal
	}
}

// ActionResult is the outcome of a successful action.
type ActionResult struct {
	Digest       hasher.Sum
	Output       depmap.ConcreteRef
	Stdout       *hasher.Sum
	Stderr       *hasher.Sum
	Cacheability Cacheability
	CacheHit     bool
}

// Loader reads workspaces and packages.
type Loader interface {
	LoadWorkspace(ctx context.Context, path depmap.Path) (*Workspace, error)
	LoadPackage(ctx context.Context, path depmap.Path) (*Package, error)
}

// Interpreter turns a package's rules into actions. It may issue requests
// through the Analyzer; their results come back in request order.
type Interpreter interface {
	Analyze(ctx context.Context, a *Analyzer, pkg *Package) (*Analysis, error)
}

// RunRequest is one action execution.
type RunRequest struct {
	Action *ConcreteAction
	Digest hasher.Sum

	// Input is the materialized input tree. It is shared and read-only.
	Input *materialize.Materialized

	// Scratch is an empty private directory the runner may use freely.
	Scratch string
}

// RunResult is what a Runner reports.
type RunResult struct {
	ExitCode int

	// OutputDir holds the action's outputs when ExitCode is zero.
	OutputDir string

	Stdout []byte
	Stderr []byte
}

// Runner executes concrete actions.
type Runner interface {
	Run(ctx context.Context, req *RunRequest) (*RunResult, error)
}
