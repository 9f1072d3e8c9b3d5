// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package engine evaluates builds as a graph of memoized queries.
//
// Loading workspaces and packages, analyzing rules into actions and
// executing actions are all queries on a query.Graph, so each distinct
// request runs at most once per graph. Action results are also kept in the
// hot cache keyed by action digest, and reused across graphs and processes
// after checking that everything they reference is still present.
//
// The loader, interpreter and runner are collaborators behind interfaces.
// FSLoader, GenruleInterpreter and LocalRunner are simple implementations
// that make the engine usable on a plain directory tree.
package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/AleutianAI/kiln/services/build/depmap"
	"github.com/AleutianAI/kiln/services/build/events"
	"github.com/AleutianAI/kiln/services/build/hotcache"
	"github.com/AleutianAI/kiln/services/build/materialize"
	"github.com/AleutianAI/kiln/services/build/query"
)

var tracer = otel.Tracer("kiln.engine")

// DefaultBuildConfig is the build configuration used when none is given.
const DefaultBuildConfig = "default"

// Options configures an Engine.
type Options struct {
	// Logger for engine events. Default: slog.Default().
	Logger *slog.Logger

	// Events receives build telemetry. Default: events.Discard.
	Events events.Sink

	// MaxProcesses bounds concurrently running actions. Default: 4.
	MaxProcesses int

	// Fanout bounds concurrent sub-queries issued by one query. Default: 16.
	Fanout int

	// Trees builds action input trees. Default: a materialize.Cache over
	// the engine's store.
	Trees *materialize.Cache

	// ProgressInterval is the minimum time between progress events.
	// Default: 250ms.
	ProgressInterval time.Duration
}

// Option is a functional option for New.
type Option func(*Options)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Options) { o.Logger = l }
}

// WithEvents sets the event sink.
func WithEvents(s events.Sink) Option {
	return func(o *Options) { o.Events = s }
}

// WithMaxProcesses sets the process ticket count.
func WithMaxProcesses(n int) Option {
	return func(o *Options) { o.MaxProcesses = n }
}

// WithFanout sets the sub-query concurrency bound.
func WithFanout(n int) Option {
	return func(o *Options) { o.Fanout = n }
}

// WithTrees sets the materialize cache used for input trees.
func WithTrees(c *materialize.Cache) Option {
	return func(o *Options) { o.Trees = c }
}

// WithProgressInterval sets the progress event interval.
func WithProgressInterval(d time.Duration) Option {
	return func(o *Options) { o.ProgressInterval = d }
}

// Engine owns one query graph and the services queries need: the hot
// cache, the tree cache, process tickets and the event sink.
//
// Thread Safety:
//
//	Safe for concurrent use.
type Engine struct {
	store    *hotcache.Store
	trees    *materialize.Cache
	tickets  *query.Tickets
	loader   Loader
	interp   Interpreter
	runner   Runner
	events   events.Sink
	logger   *slog.Logger
	fanout   int
	interval time.Duration

	mu    sync.Mutex
	graph *query.Graph
}

// New returns an engine over store.
func New(store *hotcache.Store, loader Loader, interp Interpreter, runner Runner, opts ...Option) *Engine {
	o := Options{
		MaxProcesses:     4,
		Fanout:           16,
		ProgressInterval: 250 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Events == nil {
		o.Events = events.Discard
	}
	if o.Trees == nil {
		o.Trees = materialize.NewCache(store, materialize.WithLogger(o.Logger))
	}
	return &Engine{
		store:    store,
		trees:    o.Trees,
		tickets:  query.NewTickets(o.MaxProcesses),
		loader:   loader,
		interp:   interp,
		runner:   runner,
		events:   o.Events,
		logger:   o.Logger,
		fanout:   o.Fanout,
		interval: o.ProgressInterval,
		graph:    query.NewGraph(o.Logger),
	}
}

// Graph returns the current query graph.
func (e *Engine) Graph() *query.Graph {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.graph
}

// Reset discards every memoized query so the next request reloads from
// disk. Queries already running finish against the old graph.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.graph = query.NewGraph(e.logger)
}

// Store returns the hot cache.
func (e *Engine) Store() *hotcache.Store {
	return e.store
}

// Events returns the event sink.
func (e *Engine) Events() events.Sink {
	return e.events
}

// Tickets returns the process ticket pool.
func (e *Engine) Tickets() *query.Tickets {
	return e.tickets
}

// RootWorkspace loads the root workspace.
func (e *Engine) RootWorkspace(ctx context.Context) (*Workspace, error) {
	return query.Run(ctx, e.Graph(), rootWorkspaceQuery{e: e})
}

// AllWorkspaces loads the root workspace and every nested workspace,
// sorted by path.
func (e *Engine) AllWorkspaces(ctx context.Context) ([]*Workspace, error) {
	return query.Run(ctx, e.Graph(), allWorkspacesQuery{e: e})
}

// Package loads the package at path.
func (e *Engine) Package(ctx context.Context, path depmap.Path) (*Package, error) {
	return query.Run(ctx, e.Graph(), packageQuery{e: e, Path: path})
}

// Analysis analyzes the package at path.
func (e *Engine) Analysis(ctx context.Context, path depmap.Path) (*Analysis, error) {
	return query.Run(ctx, e.Graph(), analysisQuery{e: e, Package: path})
}

// Action resolves and runs action index of package pkg.
func (e *Engine) Action(ctx context.Context, pkg depmap.Path, index uint32, buildConfig string) (*ActionResult, error) {
	return query.Run(ctx, e.Graph(), actionQuery{e: e, Package: pkg, Index: index, BuildConfig: buildConfig})
}

// ConcreteAction runs a resolved action or reuses its cached result.
func (e *Engine) ConcreteAction(ctx context.Context, action ConcreteAction) (*ActionResult, error) {
	return query.Run(ctx, e.Graph(), concreteActionQuery{e: e, Action: action})
}

// FileType classifies path in the sources of package pkg.
func (e *Engine) FileType(ctx context.Context, pkg, path depmap.Path) (FileType, error) {
	return query.Run(ctx, e.Graph(), fileTypeQuery{e: e, Package: pkg, Path: path})
}

// TargetExists reports whether l names a rule.
func (e *Engine) TargetExists(ctx context.Context, l Label) (bool, error) {
	return query.Run(ctx, e.Graph(), targetExistsQuery{e: e, Label: l})
}

// Output builds l and returns a reference to its output tree.
func (e *Engine) Output(ctx context.Context, l Label, buildConfig string) (depmap.ConcreteRef, error) {
	return query.Run(ctx, e.Graph(), outputQuery{e: e, Label: l, BuildConfig: buildConfig})
}

// BuildResult is the outcome for one requested label.
type BuildResult struct {
	Label  Label
	Output depmap.ConcreteRef
	Err    error
}

// Build builds labels concurrently and returns one result per label in
// request order, emitting progress as targets finish. When ctx ends first,
// the labels still pending carry ctx's error.
func (e *Engine) Build(ctx context.Context, labels []Label, buildConfig string) []BuildResult {
	progress := events.NewProgress(e.events, e.interval)
	progress.AddTotal(len(labels))

	o := query.NewOrdered[depmap.ConcreteRef](ctx, e.fanout)
	for _, l := range labels {
		o.Submit(func(ctx context.Context) (depmap.ConcreteRef, error) {
			defer progress.Done(1)
			return e.Output(ctx, l, buildConfig)
		})
	}
	results := make([]BuildResult, 0, len(labels))
	err := o.Each(ctx, func(i int, ref depmap.ConcreteRef, err error) error {
		results = append(results, BuildResult{Label: labels[i], Output: ref, Err: err})
		return nil
	})
	o.Wait()
	// Labels not reached before ctx ended still get a result.
	for i := len(results); i < len(labels); i++ {
		results = append(results, BuildResult{Label: labels[i], Err: err})
	}
	return results
}

// OpenDepmap returns the depmap h, failing with MissingEntryError when it
// is not in the cache.
func (e *Engine) OpenDepmap(ctx context.Context, h depmap.Hash, referrer string) (*depmap.Depmap, error) {
	return e.store.RequireDepmap(ctx, h, referrer)
}

// RegisterDepmap stores dm in the cache.
func (e *Engine) RegisterDepmap(ctx context.Context, dm *depmap.Depmap) error {
	return e.store.WriteDepmap(ctx, dm)
}

// LookupDirectory resolves ref and requires it to denote a directory
// tree, not a single file or symlink.
func (e *Engine) LookupDirectory(ctx context.Context, ref depmap.ConcreteRef) (*depmap.Depmap, error) {
	dm, err := e.store.ResolveRef(ctx, ref)
	if err != nil {
		return nil, err
	}
	root, ok, err := dm.Get(depmap.Root)
	if err != nil {
		return nil, err
	}
	if ok && root.File.Kind != depmap.KindDirectory {
		return nil, &notDirectoryError{ref: ref, kind: root.File.Kind}
	}
	return dm, nil
}

type notDirectoryError struct {
	ref  depmap.ConcreteRef
	kind depmap.Kind
}

func (e *notDirectoryError) Error() string {
	return e.ref.String() + " is a " + e.kind.String() + ", not a directory"
}

func (e *notDirectoryError) Unwrap() error { return ErrNotDirectory }

// startQuery emits a query start event and returns the matching end.
func (e *Engine) startQuery(kind, subject string) func(err error) {
	start := time.Now()
	e.events.Emit(events.TypeQueryStart, events.QueryData{Kind: kind, Subject: subject})
	return func(err error) {
		d := events.QueryData{Kind: kind, Subject: subject, Duration: time.Since(start)}
		if err != nil {
			d.Error = err.Error()
		}
		e.events.Emit(events.TypeQueryEnd, d)
	}
}

// runAll runs qs concurrently on g and returns their results in order.
func runAll[T any, Q query.Query[T]](ctx context.Context, e *Engine, g *query.Graph, qs []Q) ([]T, error) {
	o := query.NewOrdered[T](ctx, e.fanout)
	for _, q := range qs {
		o.Submit(func(ctx context.Context) (T, error) {
			return query.Run[T](ctx, g, q)
		})
	}
	out, err := o.Collect(ctx)
	o.Wait()
	return out, err
}
