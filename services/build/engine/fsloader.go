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
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/kiln/services/build/depmap"
	"github.com/AleutianAI/kiln/services/build/hotcache"
)

const (
	// WorkspaceFile marks a workspace root.
	WorkspaceFile = "WORKSPACE.yaml"

	// BuildFile marks a package.
	BuildFile = "BUILD.yaml"
)

type workspaceManifest struct {
	Name       string   `yaml:"name"`
	Workspaces []string `yaml:"workspaces"`
}

type buildManifest struct {
	Rules []Rule `yaml:"rules"`
}

// FSLoader loads workspaces and packages from YAML manifests on disk.
//
// Description:
//
//	A workspace is a directory with a WORKSPACE.yaml naming it and listing
//	nested workspaces. Every directory below it with a BUILD.yaml is a
//	package, except inside nested workspaces. A package's sources are the
//	files of its directory, excluding subpackages, nested workspaces and
//	hidden entries; they are snapshotted into the cache on load.
type FSLoader struct {
	root  string
	store *hotcache.Store
}

// NewFSLoader returns a loader for the workspace rooted at root.
func NewFSLoader(root string, store *hotcache.Store) *FSLoader {
	return &FSLoader{root: root, store: store}
}

// Root returns the root workspace directory.
func (l *FSLoader) Root() string {
	return l.root
}

func (l *FSLoader) dir(p depmap.Path) string {
	return filepath.Join(l.root, filepath.FromSlash(string(p)))
}

// LoadWorkspace reads the workspace at path, relative to the root.
func (l *FSLoader) LoadWorkspace(ctx context.Context, path depmap.Path) (*Workspace, error) {
	dir := l.dir(path)
	var m workspaceManifest
	if err := decodeYAML(filepath.Join(dir, WorkspaceFile), &m); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: //%s", ErrWorkspaceNotFound, path)
		}
		return nil, err
	}
	ws := &Workspace{Name: m.Name, Path: path}
	if ws.Name == "" {
		ws.Name = filepath.Base(dir)
	}
	for _, n := range m.Workspaces {
		p, err := depmap.NormalizePath(n)
		if err != nil || p == depmap.Root {
			return nil, fmt.Errorf("%w: nested workspace %q in //%s", ErrInvalidManifest, n, path)
		}
		ws.Nested = append(ws.Nested, path.Join(p))
	}
	sort.Slice(ws.Nested, func(i, j int) bool { return ws.Nested[i] < ws.Nested[j] })

	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if p != dir && (hidden(d.Name()) || exists(filepath.Join(p, WorkspaceFile))) {
			return filepath.SkipDir
		}
		if !exists(filepath.Join(p, BuildFile)) {
			return nil
		}
		rel, err := filepath.Rel(l.root, p)
		if err != nil {
			return err
		}
		pkg, err := depmap.NormalizePath(filepath.ToSlash(rel))
		if err != nil {
			return err
		}
		ws.Packages = append(ws.Packages, pkg)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan workspace //%s: %w", path, err)
	}
	sort.Slice(ws.Packages, func(i, j int) bool { return ws.Packages[i] < ws.Packages[j] })
	return ws, nil
}

// LoadPackage reads the package at path and snapshots its sources.
func (l *FSLoader) LoadPackage(ctx context.Context, path depmap.Path) (*Package, error) {
	dir := l.dir(path)
	var m buildManifest
	if err := decodeYAML(filepath.Join(dir, BuildFile), &m); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: //%s", ErrPackageNotFound, path)
		}
		return nil, err
	}
	seen := make(map[string]bool, len(m.Rules))
	for _, r := range m.Rules {
		if !validTargetName(r.Name) {
			return nil, fmt.Errorf("%w: rule name %q in //%s", ErrInvalidManifest, r.Name, path)
		}
		if seen[r.Name] {
			return nil, fmt.Errorf("%w: duplicate rule %q in //%s", ErrInvalidManifest, r.Name, path)
		}
		seen[r.Name] = true
	}

	skip := hotcache.SkipFunc(func(rel depmap.Path, d fs.DirEntry) bool {
		if hidden(d.Name()) {
			return true
		}
		if !d.IsDir() {
			return false
		}
		sub := filepath.Join(dir, filepath.FromSlash(string(rel)))
		return exists(filepath.Join(sub, BuildFile)) || exists(filepath.Join(sub, WorkspaceFile))
	})
	sources, err := l.store.IngestDir(ctx, dir, skip)
	if err != nil {
		return nil, fmt.Errorf("snapshot sources of //%s: %w", path, err)
	}
	return &Package{Path: path, Rules: m.Rules, Sources: depmap.RefTo(sources)}, nil
}

func decodeYAML(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: %s: %v", ErrInvalidManifest, path, err)
	}
	return nil
}

func hidden(name string) bool {
	return strings.HasPrefix(name, ".")
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
