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
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/kiln/services/build/depmap"
	"github.com/AleutianAI/kiln/services/build/events"
	"github.com/AleutianAI/kiln/services/build/hasher"
	"github.com/AleutianAI/kiln/services/build/hotcache"
	"github.com/AleutianAI/kiln/services/build/query"
)

var fixture = map[string]string{
	"WORKSPACE.yaml": "name: demo\nworkspaces: [third_party/ext]\n",
	"lib/BUILD.yaml": `rules:
  - name: gen
    kind: genrule
    srcs: [data.txt]
    cmd: lib
`,
	"lib/data.txt": "data",
	"app/BUILD.yaml": `rules:
  - name: bin
    kind: genrule
    srcs: [main.txt, "//lib:gen", ":helper"]
    cmd: app
  - name: helper
    kind: genrule
    cmd: helper
  - name: net
    kind: genrule
    cmd: net
    network: true
  - name: broken
    kind: genrule
    cmd: fail
  - name: secret
    kind: genrule
    cmd: secret
    private: true
`,
	"app/main.txt":        "main",
	"app/sub/BUILD.yaml":  "rules: []\n",
	"app/sub/x.txt":       "x",
	".hidden/BUILD.yaml":  "rules: []\n",
	"cyc/BUILD.yaml":      "rules:\n  - {name: a, kind: genrule, srcs: [':b'], cmd: a}\n  - {name: b, kind: genrule, srcs: [':a'], cmd: b}\n",
	"bad/src/BUILD.yaml":  "rules:\n  - {name: x, kind: genrule, srcs: [nope.txt], cmd: x}\n",
	"bad/kind/BUILD.yaml": "rules:\n  - {name: x, kind: make, cmd: x}\n",
	"bad/dep/BUILD.yaml":  "rules:\n  - {name: x, kind: genrule, srcs: ['//lib:nope'], cmd: x}\n",

	"third_party/ext/WORKSPACE.yaml":  "name: ext\n",
	"third_party/ext/pkg/BUILD.yaml":  "rules:\n  - {name: e, kind: genrule, cmd: ext}\n",
	"third_party/ext/pkg/ext_src.txt": "ext",
}

func writeFiles(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		path := filepath.Join(root, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
}

func newStore(t *testing.T) *hotcache.Store {
	t.Helper()
	s, err := hotcache.Open(context.Background(), t.TempDir(), hotcache.WithIndex(hotcache.IndexMemory))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// fakeRunner writes out/result.txt holding the command and the sorted list
// of input files, and exits with the code configured for the command.
type fakeRunner struct {
	mu   sync.Mutex
	runs map[string]int
	exit map[string]int
	// gate, when set, holds every run until it is closed.
	gate chan struct{}
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{runs: make(map[string]int), exit: map[string]int{"fail": 3}}
}

func (f *fakeRunner) Run(ctx context.Context, req *RunRequest) (*RunResult, error) {
	f.mu.Lock()
	f.runs[req.Action.Label]++
	code := f.exit[req.Action.Cmd]
	gate := f.gate
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}

	var files []string
	err := filepath.WalkDir(req.Input.Dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, _ := filepath.Rel(req.Input.Dir, path)
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(files)

	out := filepath.Join(req.Scratch, "out")
	if err := os.MkdirAll(out, 0o755); err != nil {
		return nil, err
	}
	content := req.Action.Cmd + "\n" + strings.Join(files, "\n")
	if err := os.WriteFile(filepath.Join(out, "result.txt"), []byte(content), 0o644); err != nil {
		return nil, err
	}
	return &RunResult{
		ExitCode:  code,
		OutputDir: out,
		Stdout:    []byte("ran " + req.Action.Label),
		Stderr:    []byte("warn"),
	}, nil
}

func (f *fakeRunner) count(label string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.runs[label]
}

type harness struct {
	root   string
	store  *hotcache.Store
	runner *fakeRunner
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	root := t.TempDir()
	writeFiles(t, root, fixture)
	return &harness{root: root, store: newStore(t), runner: newFakeRunner()}
}

// engine returns a fresh engine, with an empty query graph, over the
// shared store.
func (h *harness) engine(opts ...Option) *Engine {
	return New(h.store, NewFSLoader(h.root, h.store), GenruleInterpreter{}, h.runner, opts...)
}

func mustLabel(t *testing.T, s string) Label {
	t.Helper()
	l, err := ParseLabel(s, depmap.Root)
	require.NoError(t, err)
	return l
}

func readOutput(t *testing.T, s *hotcache.Store, ref depmap.ConcreteRef, name string) string {
	t.Helper()
	ctx := context.Background()
	dm, err := s.ResolveRef(ctx, ref)
	require.NoError(t, err)
	entry, ok, err := dm.Get(depmap.MustPath(name))
	require.NoError(t, err)
	require.True(t, ok, "output %s missing", name)
	data, err := s.ReadFile(ctx, entry.File.Hash, entry.File.Executable)
	require.NoError(t, err)
	return string(data)
}

func TestParseLabel(t *testing.T) {
	tests := []struct {
		in      string
		current depmap.Path
		want    Label
	}{
		{"//app:bin", depmap.Root, Label{Package: "app", Target: "bin"}},
		{"//app/sub", depmap.Root, Label{Package: "app/sub", Target: "sub"}},
		{"//:top", "app", Label{Package: depmap.Root, Target: "top"}},
		{":helper", "app", Label{Package: "app", Target: "helper"}},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLabel(tt.in, tt.current)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
	assert.Equal(t, "//app:bin", Label{Package: "app", Target: "bin"}.String())

	for _, bad := range []string{"", "app:bin", "//", "//app:", "//app/../x:y", "//app:a/b", ":"} {
		_, err := ParseLabel(bad, depmap.Root)
		assert.ErrorIs(t, err, ErrInvalidLabel, bad)
	}
}

func TestWorkspaces(t *testing.T) {
	h := newHarness(t)
	e := h.engine()
	ctx := context.Background()

	root, err := e.RootWorkspace(ctx)
	require.NoError(t, err)
	assert.Equal(t, "demo", root.Name)
	assert.Equal(t, []depmap.Path{"third_party/ext"}, root.Nested)
	assert.Equal(t, []depmap.Path{"app", "app/sub", "bad/dep", "bad/kind", "bad/src", "cyc", "lib"}, root.Packages)

	all, err := e.AllWorkspaces(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, depmap.Root, all[0].Path)
	assert.Equal(t, "ext", all[1].Name)
	assert.Equal(t, []depmap.Path{"third_party/ext/pkg"}, all[1].Packages)
}

func TestPackageAndLookups(t *testing.T) {
	h := newHarness(t)
	e := h.engine()
	ctx := context.Background()

	pkg, err := e.Package(ctx, "app")
	require.NoError(t, err)
	assert.Len(t, pkg.Rules, 5)
	assert.True(t, pkg.HasRule("helper"))

	_, err = e.Package(ctx, "nope")
	assert.ErrorIs(t, err, ErrPackageNotFound)

	ft, err := e.FileType(ctx, "app", "main.txt")
	require.NoError(t, err)
	assert.Equal(t, FileRegular, ft)
	ft, err = e.FileType(ctx, "app", "sub")
	require.NoError(t, err)
	assert.Equal(t, FileMissing, ft, "subpackages are not sources")
	ft, err = e.FileType(ctx, "app", "BUILD.yaml")
	require.NoError(t, err)
	assert.Equal(t, FileRegular, ft)

	ok, err := e.TargetExists(ctx, mustLabel(t, "//lib:gen"))
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = e.TargetExists(ctx, mustLabel(t, "//lib:nope"))
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = e.TargetExists(ctx, mustLabel(t, "//nope:x"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAnalysis(t *testing.T) {
	h := newHarness(t)
	emitter := events.NewEmitter()
	e := h.engine(WithEvents(emitter))
	ctx := context.Background()

	a, err := e.Analysis(ctx, "app")
	require.NoError(t, err)
	idx, ok := a.Lookup("bin")
	require.True(t, ok)
	bin := a.Actions[idx]
	assert.Equal(t, "//app:bin", bin.Label.String())
	assert.Equal(t, []Input{
		{Dest: "main.txt", Source: FileSource("main.txt")},
		{Dest: "deps/lib/gen", Source: TargetSource(Label{Package: "lib", Target: "gen"})},
		{Dest: "deps/app/helper", Source: PartialSource(1)},
	}, bin.Inputs)
	assert.Len(t, emitter.BufferByType(events.TypeAnalysisStart), 1)

	_, err = e.Analysis(ctx, "bad/src")
	assert.ErrorIs(t, err, ErrSourceNotFound)
	_, err = e.Analysis(ctx, "bad/kind")
	assert.ErrorIs(t, err, ErrUnknownRuleKind)
	_, err = e.Analysis(ctx, "bad/dep")
	assert.ErrorIs(t, err, ErrTargetNotFound)
}

func TestOutput_BuildsDependencies(t *testing.T) {
	h := newHarness(t)
	e := h.engine()
	ctx := context.Background()

	ref, err := e.Output(ctx, mustLabel(t, "//app:bin"), DefaultBuildConfig)
	require.NoError(t, err)
	assert.Equal(t, "app\ndeps/app/helper/result.txt\ndeps/lib/gen/result.txt\nmain.txt", readOutput(t, h.store, ref, "result.txt"))

	assert.Equal(t, 1, h.runner.count("//app:bin"))
	assert.Equal(t, 1, h.runner.count("//app:helper"))
	assert.Equal(t, 1, h.runner.count("//lib:gen"))

	again, err := e.Output(ctx, mustLabel(t, "//app:bin"), DefaultBuildConfig)
	require.NoError(t, err)
	assert.Equal(t, ref, again)
	assert.Equal(t, 1, h.runner.count("//app:bin"), "memoized within one graph")

	_, err = e.Output(ctx, mustLabel(t, "//lib:nope"), DefaultBuildConfig)
	assert.ErrorIs(t, err, ErrTargetNotFound)
}

func TestOutput_ReusesActionCacheAcrossGraphs(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	bin := mustLabel(t, "//app:bin")

	first, err := h.engine().Output(ctx, bin, DefaultBuildConfig)
	require.NoError(t, err)

	emitter := events.NewEmitter()
	second, err := h.engine(WithEvents(emitter)).Output(ctx, bin, DefaultBuildConfig)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, h.runner.count("//app:bin"))
	assert.Len(t, emitter.BufferByType(events.TypeActionCacheHit), 3)
	assert.Empty(t, emitter.BufferByType(events.TypeActionStart))

	// A different build configuration is a different action.
	_, err = h.engine().Output(ctx, bin, "release")
	require.NoError(t, err)
	assert.Equal(t, 2, h.runner.count("//app:bin"))
}

func TestOutput_CacheHitInvalidation(t *testing.T) {
	ctx := context.Background()

	t.Run("output depmap collected", func(t *testing.T) {
		h := newHarness(t)
		ref, err := h.engine().Output(ctx, mustLabel(t, "//app:bin"), DefaultBuildConfig)
		require.NoError(t, err)
		require.NoError(t, h.store.RemoveDepmap(ctx, ref.Hash))

		emitter := events.NewEmitter()
		again, err := h.engine(WithEvents(emitter)).Output(ctx, mustLabel(t, "//app:bin"), DefaultBuildConfig)
		require.NoError(t, err)
		assert.Equal(t, ref, again)
		assert.Equal(t, 2, h.runner.count("//app:bin"))
		assert.Equal(t, 1, h.runner.count("//lib:gen"))

		var reasons []string
		for _, ev := range emitter.BufferByType(events.TypeCacheCheckEnd) {
			if d := ev.Data.(events.CacheCheckData); !d.Hit {
				reasons = append(reasons, d.Reason)
			}
		}
		assert.Equal(t, []string{"output depmap missing"}, reasons)
	})

	t.Run("stdout blob collected", func(t *testing.T) {
		h := newHarness(t)
		e := h.engine()
		res, err := e.Action(ctx, "app", 0, DefaultBuildConfig)
		require.NoError(t, err)
		require.NotNil(t, res.Stdout)
		require.NoError(t, h.store.RemoveFile(ctx, *res.Stdout, false))

		again, err := h.engine().Action(ctx, "app", 0, DefaultBuildConfig)
		require.NoError(t, err)
		assert.False(t, again.CacheHit)
		assert.Equal(t, 2, h.runner.count("//app:bin"))

		third, err := h.engine().Action(ctx, "app", 0, DefaultBuildConfig)
		require.NoError(t, err)
		assert.True(t, third.CacheHit)
		assert.Equal(t, 2, h.runner.count("//app:bin"))
	})

	t.Run("stderr blob collected", func(t *testing.T) {
		h := newHarness(t)
		res, err := h.engine().Action(ctx, "app", 0, DefaultBuildConfig)
		require.NoError(t, err)
		require.NotNil(t, res.Stderr)
		require.NoError(t, h.store.RemoveFile(ctx, *res.Stderr, false))

		emitter := events.NewEmitter()
		again, err := h.engine(WithEvents(emitter)).Action(ctx, "app", 0, DefaultBuildConfig)
		require.NoError(t, err)
		assert.False(t, again.CacheHit)
		assert.Equal(t, 2, h.runner.count("//app:bin"))
		ok, err := h.store.HasFile(ctx, *again.Stderr, false)
		require.NoError(t, err)
		assert.True(t, ok)

		var reasons []string
		for _, ev := range emitter.BufferByType(events.TypeCacheCheckEnd) {
			if d := ev.Data.(events.CacheCheckData); !d.Hit {
				reasons = append(reasons, d.Reason)
			}
		}
		assert.Contains(t, reasons, "stderr missing")
		assert.NotContains(t, reasons, "stdout missing")
	})
}

func TestOutput_Cacheability(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := h.engine().Output(ctx, mustLabel(t, "//app:net"), DefaultBuildConfig)
		require.NoError(t, err)
	}
	assert.Equal(t, 2, h.runner.count("//app:net"), "network actions are never cached")

	res, err := h.engine().Action(ctx, "app", 4, DefaultBuildConfig)
	require.NoError(t, err)
	assert.Equal(t, CacheablePrivate, res.Cacheability)
	entry, err := h.store.LookupAction(ctx, res.Digest)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.True(t, entry.Private)

	net, err := h.engine().Action(ctx, "app", 2, DefaultBuildConfig)
	require.NoError(t, err)
	assert.Equal(t, Uncacheable, net.Cacheability)
	entry, err = h.store.LookupAction(ctx, net.Digest)
	require.NoError(t, err)
	assert.Nil(t, entry)
}

func TestOutput_FailedActionIsNotCached(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	broken := mustLabel(t, "//app:broken")

	e := h.engine()
	_, err := e.Output(ctx, broken, DefaultBuildConfig)
	var failed *ActionFailedError
	require.True(t, errors.As(err, &failed), "got %v", err)
	assert.Equal(t, 3, failed.ExitCode)
	assert.Equal(t, "warn", failed.Stderr)

	_, again := e.Output(ctx, broken, DefaultBuildConfig)
	assert.Equal(t, err, again)
	assert.Equal(t, 1, h.runner.count("//app:broken"), "failure memoized in the graph")

	_, err = h.engine().Output(ctx, broken, DefaultBuildConfig)
	assert.Error(t, err)
	assert.Equal(t, 2, h.runner.count("//app:broken"), "failure not written to the action cache")
}

func TestBuild_DeduplicatesAndKeepsOrder(t *testing.T) {
	h := newHarness(t)
	emitter := events.NewEmitter()
	e := h.engine(WithEvents(emitter), WithMaxProcesses(1))
	ctx := context.Background()

	labels := []Label{
		mustLabel(t, "//app:bin"),
		mustLabel(t, "//lib:gen"),
		mustLabel(t, "//app:bin"),
		mustLabel(t, "//app:broken"),
	}
	results := e.Build(ctx, labels, DefaultBuildConfig)
	require.Len(t, results, 4)
	for i, r := range results {
		assert.Equal(t, labels[i], r.Label)
	}
	require.NoError(t, results[0].Err)
	require.NoError(t, results[1].Err)
	assert.Equal(t, results[0].Output, results[2].Output)
	assert.Error(t, results[3].Err)

	assert.Equal(t, 1, h.runner.count("//app:bin"))
	assert.Equal(t, 1, h.runner.count("//lib:gen"))

	progress := emitter.BufferByType(events.TypeProgress)
	var snaps []any
	for _, ev := range progress {
		snaps = append(snaps, ev.Data)
	}
	assert.Contains(t, snaps, events.ProgressData{Done: 4, Total: 4})
	assert.Equal(t, 0, e.Tickets().InUse())
}

func TestBuild_CancelledContextReportsEveryLabel(t *testing.T) {
	h := newHarness(t)
	gate := make(chan struct{})
	h.runner.gate = gate
	e := h.engine()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	labels := []Label{mustLabel(t, "//lib:gen"), mustLabel(t, "//app:helper")}
	results := e.Build(ctx, labels, DefaultBuildConfig)

	require.Len(t, results, len(labels))
	for i, r := range results {
		assert.Equal(t, labels[i], r.Label)
		assert.ErrorIs(t, r.Err, context.Canceled)
	}

	// The detached queries finish once the runner is released.
	close(gate)
	require.Eventually(t, func() bool {
		s := e.Graph().Stats()["output"]
		return s.Started > 0 && s.Completed+s.Failed == s.Started
	}, 5*time.Second, 10*time.Millisecond)
}

func TestOutput_DetectsCycles(t *testing.T) {
	h := newHarness(t)
	_, err := h.engine().Output(context.Background(), mustLabel(t, "//cyc:a"), DefaultBuildConfig)
	var cycle *query.CycleError
	require.True(t, errors.As(err, &cycle), "got %v", err)
	assert.Contains(t, err.Error(), "output(//cyc:a [default])")
	assert.NotContains(t, err.Error(), "0x")
	assert.Equal(t, 0, h.runner.count("//cyc:a"))
}

func TestReset(t *testing.T) {
	h := newHarness(t)
	e := h.engine()
	ctx := context.Background()

	_, err := e.Package(ctx, "lib")
	require.NoError(t, err)
	g := e.Graph()
	e.Reset()
	assert.NotSame(t, g, e.Graph())
	assert.Equal(t, 0, e.Graph().Len())
}

func TestLookupDirectory(t *testing.T) {
	h := newHarness(t)
	e := h.engine()
	ctx := context.Background()

	pkg, err := e.Package(ctx, "lib")
	require.NoError(t, err)
	dm, err := e.LookupDirectory(ctx, pkg.Sources)
	require.NoError(t, err)
	assert.Positive(t, dm.Len())

	_, err = e.LookupDirectory(ctx, pkg.Sources.Join("data.txt"))
	assert.ErrorIs(t, err, ErrNotDirectory)
}

func TestLocalRunner(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("no shell available")
	}
	root := t.TempDir()
	writeFiles(t, root, map[string]string{
		"WORKSPACE.yaml": "name: local\n",
		"BUILD.yaml": `rules:
  - name: copy
    kind: genrule
    srcs: [data.txt]
    cmd: 'cat data.txt > "$OUT/copy.txt"; echo "config=$KILN_BUILD_CONFIG"; echo oops >&2'
  - name: wrap
    kind: genrule
    srcs: [":copy"]
    cmd: 'mkdir -p "$OUT/nested" && cp "$SRC/deps/copy/copy.txt" "$OUT/nested/wrapped.txt"'
  - name: fail
    kind: genrule
    cmd: 'echo nope >&2; exit 4'
  - name: scribble
    kind: genrule
    srcs: [data.txt]
    cmd: 'chmod u+w data.txt && echo clobbered > data.txt && cp data.txt "$OUT/seen.txt"'
`,
		"data.txt": "payload",
	})
	s := newStore(t)
	e := New(s, NewFSLoader(root, s), GenruleInterpreter{}, NewLocalRunner())
	ctx := context.Background()

	res, err := e.Action(ctx, depmap.Root, 0, DefaultBuildConfig)
	require.NoError(t, err)
	assert.Equal(t, "payload", readOutput(t, s, res.Output, "copy.txt"))
	stdout, err := s.ReadFile(ctx, *res.Stdout, false)
	require.NoError(t, err)
	assert.Equal(t, "config=default\n", string(stdout))
	stderr, err := s.ReadFile(ctx, *res.Stderr, false)
	require.NoError(t, err)
	assert.Equal(t, "oops\n", string(stderr))

	wrapped, err := e.Output(ctx, mustLabel(t, "//:wrap"), DefaultBuildConfig)
	require.NoError(t, err)
	assert.Equal(t, "payload", readOutput(t, s, wrapped, "nested/wrapped.txt"))

	_, err = e.Output(ctx, mustLabel(t, "//:fail"), DefaultBuildConfig)
	var failed *ActionFailedError
	require.True(t, errors.As(err, &failed), "got %v", err)
	assert.Equal(t, 4, failed.ExitCode)
	assert.Equal(t, "nope\n", failed.Stderr)

	// Writing to an input leaves the stored blob intact.
	scribbled, err := e.Output(ctx, mustLabel(t, "//:scribble"), DefaultBuildConfig)
	require.NoError(t, err)
	assert.Equal(t, "clobbered\n", readOutput(t, s, scribbled, "seen.txt"))
	blob, err := s.ReadFile(ctx, hasher.SumBytes([]byte("payload")), false)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(blob))
	info, err := os.Stat(s.ContentPath(hasher.SumBytes([]byte("payload")), false))
	require.NoError(t, err)
	assert.Zero(t, info.Mode().Perm()&0o222)
}
