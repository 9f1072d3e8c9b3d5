// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package query provides a memoizing computation graph.
//
// A query is a value describing a unit of work. Requesting a query from a
// Graph either starts it or joins the execution already under way; once it
// finishes, its result (value or error) is kept for the life of the graph.
// Queries may request other queries from the same graph.
//
// Ordered runs independent computations concurrently while handing their
// results back in submission order, and Tickets bound how many external
// processes run at once.
package query

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/kiln/services/build/hasher"
	"github.com/AleutianAI/kiln/services/build/telemetry"
)

// Query computes a T. The query value itself, hashed structurally, is its
// identity: two queries with the same Kind and equal fields are the same
// node. Fields must therefore be hashable by hasher.Hash, or the query must
// implement hasher.Hashable.
type Query[T any] interface {
	// Kind names the query type, e.g. "package". It prefixes the key.
	Kind() string

	// Run computes the result. It runs at most once per key per Graph, on a
	// context that is not cancelled when requesters go away.
	Run(ctx context.Context, g *Graph) (T, error)
}

// Key returns the identity of a query of the given kind.
func Key(kind string, q any) (hasher.Sum, error) {
	e := hasher.NewEncoder()
	e.String(kind)
	e.Value(q)
	if err := e.Err(); err != nil {
		return hasher.Sum{}, fmt.Errorf("key for %s query: %w", kind, err)
	}
	return e.Sum(), nil
}

// node is one memoized query. done is closed once value and err are set.
type node struct {
	kind  string
	desc  string
	done  chan struct{}
	value any
	err   error
}

// KindStats counts activity for one query kind.
type KindStats struct {
	// Started counts executions.
	Started int64
	// Reused counts requests served by an existing node.
	Reused int64
	// Completed counts executions that returned a value.
	Completed int64
	// Failed counts executions that returned an error or panicked.
	Failed int64
}

// Graph memoizes query results.
//
// Description:
//
//	Get-or-create on the node map guarantees at most one execution per key.
//	A started query always runs to completion even if every requester has
//	stopped waiting; there is no cancellation of running nodes.
//
// Thread Safety:
//
//	Safe for concurrent use.
type Graph struct {
	logger    *slog.Logger
	sessionID string

	mu    sync.Mutex
	nodes map[hasher.Sum]*node
	stats map[string]*KindStats
	// waits holds the waits-for edges between running queries, with a
	// count per edge since one query may wait on another from several
	// goroutines.
	waits map[hasher.Sum]map[hasher.Sum]int
}

// NewGraph returns an empty graph. A nil logger uses slog.Default().
func NewGraph(logger *slog.Logger) *Graph {
	if logger == nil {
		logger = slog.Default()
	}
	sessionID := uuid.NewString()[:12]
	return &Graph{
		logger:    logger.With(slog.String("session_id", sessionID)),
		sessionID: sessionID,
		nodes:     make(map[hasher.Sum]*node),
		stats:     make(map[string]*KindStats),
		waits:     make(map[hasher.Sum]map[hasher.Sum]int),
	}
}

// SessionID identifies the graph in logs.
func (g *Graph) SessionID() string {
	return g.sessionID
}

// Logger returns the graph's logger.
func (g *Graph) Logger() *slog.Logger {
	return g.logger
}

// Len returns the number of nodes, running or finished.
func (g *Graph) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.nodes)
}

// Stats returns a snapshot of per-kind counters.
func (g *Graph) Stats() map[string]KindStats {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make(map[string]KindStats, len(g.stats))
	for kind, s := range g.stats {
		out[kind] = *s
	}
	return out
}

// Kinds returns the kinds seen so far, sorted.
func (g *Graph) Kinds() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	kinds := make([]string, 0, len(g.stats))
	for k := range g.stats {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

func (g *Graph) kindStatsLocked(kind string) *KindStats {
	s, ok := g.stats[kind]
	if !ok {
		s = &KindStats{}
		g.stats[kind] = s
	}
	return s
}

// getOrCreate returns the node for key and whether this call created it.
func (g *Graph) getOrCreate(key hasher.Sum, kind, desc string) (*node, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	s := g.kindStatsLocked(kind)
	if n, ok := g.nodes[key]; ok {
		s.Reused++
		return n, false
	}
	n := &node{kind: kind, desc: desc, done: make(chan struct{})}
	g.nodes[key] = n
	s.Started++
	return n, true
}

func (g *Graph) finish(n *node, value any, err error) {
	g.mu.Lock()
	s := g.kindStatsLocked(n.kind)
	if err != nil {
		s.Failed++
	} else {
		s.Completed++
	}
	g.mu.Unlock()
	n.value, n.err = value, err
	close(n.done)
}

// Run returns the result of q, executing it if no identical query has run
// or is running in g.
//
// Description:
//
//	The first requester starts q on a detached context carrying the chain
//	of queries that led to it. Later requesters wait for the same node.
//	Errors and panics are memoized like values.
//
// Inputs:
//
//	ctx - Bounds only this caller's wait.
//	g - The graph.
//	q - The query.
//
// Outputs:
//
//	T - The result.
//	error - The query's memoized error, a CycleError, or ctx.Err() if the
//	        caller stopped waiting.
func Run[T any](ctx context.Context, g *Graph, q Query[T]) (T, error) {
	var zero T
	kind := q.Kind()
	key, err := Key(kind, q)
	if err != nil {
		return zero, err
	}
	desc := describe(kind, q)
	if chain := cycle(ctx, key); chain != nil {
		return zero, &CycleError{Chain: append(chain, desc)}
	}

	n, created := g.getOrCreate(key, kind, desc)
	if created {
		runCtx := withFrame(context.WithoutCancel(ctx), frame{key: key, desc: desc})
		go g.execute(runCtx, n, key, func(ctx context.Context) (any, error) {
			return q.Run(ctx, g)
		})
	}

	if from, ok := requester(ctx); ok {
		chain, release := g.waitFor(from, key, n)
		if chain != nil {
			return zero, &CycleError{Chain: chain}
		}
		defer release()
	}

	select {
	case <-n.done:
	case <-ctx.Done():
		return zero, ctx.Err()
	}
	if n.err != nil {
		return zero, n.err
	}
	if n.value == nil {
		return zero, nil
	}
	v, ok := n.value.(T)
	if !ok {
		return zero, fmt.Errorf("%w: %s query holds %T", ErrResultType, kind, n.value)
	}
	return v, nil
}

// Peek returns the memoized result of q without starting it. The bool is
// false when q has not finished.
func Peek[T any](g *Graph, q Query[T]) (T, bool, error) {
	var zero T
	key, err := Key(q.Kind(), q)
	if err != nil {
		return zero, false, err
	}
	g.mu.Lock()
	n, ok := g.nodes[key]
	g.mu.Unlock()
	if !ok {
		return zero, false, nil
	}
	select {
	case <-n.done:
	default:
		return zero, false, nil
	}
	if n.err != nil {
		return zero, true, n.err
	}
	v, _ := n.value.(T)
	return v, true, nil
}

// waitFor records that the query from is about to wait on the node for
// key. When key already waits, directly or transitively, on from, nothing is
// recorded and the cycle is returned instead. The release func removes the
// edge.
func (g *Graph) waitFor(from, to hasher.Sum, n *node) ([]string, func()) {
	select {
	case <-n.done:
		return nil, func() {}
	default:
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if path := g.pathLocked(to, from); path != nil {
		chain := make([]string, 0, len(path)+1)
		chain = append(chain, g.descLocked(from))
		for _, k := range path {
			chain = append(chain, g.descLocked(k))
		}
		return chain, nil
	}
	edges, ok := g.waits[from]
	if !ok {
		edges = make(map[hasher.Sum]int)
		g.waits[from] = edges
	}
	edges[to]++
	return nil, func() {
		g.mu.Lock()
		defer g.mu.Unlock()
		edges := g.waits[from]
		if edges[to]--; edges[to] <= 0 {
			delete(edges, to)
		}
		if len(edges) == 0 {
			delete(g.waits, from)
		}
	}
}

// pathLocked returns the keys on a waits-for path from start to target,
// both inclusive, or nil when target is unreachable.
func (g *Graph) pathLocked(start, target hasher.Sum) []hasher.Sum {
	if start == target {
		return []hasher.Sum{start}
	}
	prev := map[hasher.Sum]hasher.Sum{start: start}
	queue := []hasher.Sum{start}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for next := range g.waits[cur] {
			if _, seen := prev[next]; seen {
				continue
			}
			prev[next] = cur
			if next == target {
				path := []hasher.Sum{target}
				for k := cur; k != start; k = prev[k] {
					path = append(path, k)
				}
				path = append(path, start)
				for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
					path[i], path[j] = path[j], path[i]
				}
				return path
			}
			queue = append(queue, next)
		}
	}
	return nil
}

func (g *Graph) descLocked(key hasher.Sum) string {
	if n, ok := g.nodes[key]; ok {
		return n.desc
	}
	return key.String()
}

func (g *Graph) execute(ctx context.Context, n *node, key hasher.Sum, run func(context.Context) (any, error)) {
	ctx, span := startSpan(ctx, n.kind, attribute.String("query.key", key.String()))
	defer span.End()
	trackActive(ctx, n.kind, 1)
	defer trackActive(ctx, n.kind, -1)

	logger := telemetry.LoggerWithTrace(ctx, g.logger)
	start := time.Now()
	var (
		value any
		err   error
	)
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("%w: %s: %v", ErrPanicked, n.kind, r)
				logger.Error("query panicked",
					slog.String("kind", n.kind),
					slog.Any("panic", r),
					slog.String("stack", string(debug.Stack())))
			}
		}()
		value, err = run(ctx)
	}()
	duration := time.Since(start)

	recordRun(ctx, n.kind, duration, err)
	if err != nil {
		telemetry.RecordError(span, err)
		logger.Debug("query failed",
			slog.String("kind", n.kind),
			slog.Duration("duration", duration),
			slog.String("error", err.Error()))
	} else {
		logger.Debug("query completed",
			slog.String("kind", n.kind),
			slog.Duration("duration", duration))
	}
	g.finish(n, value, err)
}

// describe renders a query for cycle reports.
func describe(kind string, q any) string {
	if s, ok := q.(fmt.Stringer); ok {
		return kind + "(" + s.String() + ")"
	}
	return fmt.Sprintf("%s%+v", kind, q)
}

// frame is one query on the evaluation chain.
type frame struct {
	key  hasher.Sum
	desc string
}

type chainKey struct{}

// chain is an immutable linked list of frames, innermost first.
type chain struct {
	frame
	parent *chain
}

func withFrame(ctx context.Context, f frame) context.Context {
	parent, _ := ctx.Value(chainKey{}).(*chain)
	return context.WithValue(ctx, chainKey{}, &chain{frame: f, parent: parent})
}

// requester returns the key of the innermost query on ctx's chain.
func requester(ctx context.Context) (hasher.Sum, bool) {
	c, _ := ctx.Value(chainKey{}).(*chain)
	if c == nil {
		return hasher.Sum{}, false
	}
	return c.key, true
}

// cycle returns the chain from the earlier occurrence of key to the
// innermost query, or nil when key is not on the chain.
func cycle(ctx context.Context, key hasher.Sum) []string {
	var descs []string
	for c, _ := ctx.Value(chainKey{}).(*chain); c != nil; c = c.parent {
		descs = append(descs, c.desc)
		if c.key == key {
			for i, j := 0, len(descs)-1; i < j; i, j = i+1, j-1 {
				descs[i], descs[j] = descs[j], descs[i]
			}
			return descs
		}
	}
	return nil
}
