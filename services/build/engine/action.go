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
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/kiln/services/build/depmap"
	"github.com/AleutianAI/kiln/services/build/events"
	"github.com/AleutianAI/kiln/services/build/hasher"
	"github.com/AleutianAI/kiln/services/build/hotcache"
	"github.com/AleutianAI/kiln/services/build/materialize"
	"github.com/AleutianAI/kiln/services/build/telemetry"
)

// stderrTail bounds how much of a failed action's stderr is kept in the error.
const stderrTail = 2048

// execute runs a concrete action, or returns its cached result when the
// cache entry and everything it references are still present.
func (e *Engine) execute(ctx context.Context, action *ConcreteAction) (*ActionResult, error) {
	digest, err := action.Digest()
	if err != nil {
		return nil, fmt.Errorf("digest of %s: %w", action.Label, err)
	}
	cacheability := action.Cacheability()
	ctx, span := tracer.Start(ctx, "engine.ConcreteAction", trace.WithAttributes(
		attribute.String("action_digest", digest.String()),
		attribute.String("label", action.Label),
		attribute.String("cacheability", cacheability.String()),
	))
	defer span.End()

	if cacheability != Uncacheable {
		e.events.Emit(events.TypeCacheCheckStart, events.CacheCheckData{ActionDigest: digest.String()})
		hit, reason, err := e.checkCache(ctx, digest, cacheability)
		if err != nil {
			telemetry.RecordError(span, err)
			return nil, err
		}
		e.events.Emit(events.TypeCacheCheckEnd, events.CacheCheckData{
			ActionDigest: digest.String(),
			Hit:          hit != nil,
			Reason:       reason,
		})
		if hit != nil {
			span.SetAttributes(attribute.Bool("cache_hit", true))
			e.events.Emit(events.TypeActionCacheHit, events.CacheCheckData{ActionDigest: digest.String(), Hit: true})
			return hit, nil
		}
	}

	res, err := e.run(ctx, action, digest, cacheability)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	return res, nil
}

// checkCache returns a validated cache hit, or nil and the reason for the
// miss. An entry whose output tree or captured output has been collected
// is a miss.
func (e *Engine) checkCache(ctx context.Context, digest hasher.Sum, cacheability Cacheability) (*ActionResult, string, error) {
	entry, err := e.store.LookupAction(ctx, digest)
	if err != nil {
		return nil, "", err
	}
	if entry == nil {
		return nil, "absent", nil
	}
	ok, err := e.store.HasDepmap(ctx, entry.Output.Files)
	if err != nil {
		return nil, "", err
	}
	if !ok {
		return nil, "output depmap missing", nil
	}
	for _, blob := range []struct {
		name string
		sum  *hasher.Sum
	}{{"stdout", entry.Output.Stdout}, {"stderr", entry.Output.Stderr}} {
		if blob.sum == nil {
			continue
		}
		ok, err := e.store.HasFile(ctx, *blob.sum, false)
		if err != nil {
			return nil, "", err
		}
		if !ok {
			return nil, blob.name + " missing", nil
		}
	}
	return &ActionResult{
		Digest:       digest,
		Output:       depmap.ConcreteRef{Hash: entry.Output.Files},
		Stdout:       entry.Output.Stdout,
		Stderr:       entry.Output.Stderr,
		Cacheability: cacheability,
		CacheHit:     true,
	}, "", nil
}

// run executes the action under a process ticket and records the result.
func (e *Engine) run(ctx context.Context, action *ConcreteAction, digest hasher.Sum, cacheability Cacheability) (*ActionResult, error) {
	input, err := e.inputTree(ctx, action)
	if err != nil {
		return nil, fmt.Errorf("input tree for %s: %w", action.Label, err)
	}
	defer input.Release()

	ticket, err := e.tickets.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	scratch, err := e.store.TempDir()
	if err != nil {
		ticket.Release()
		return nil, err
	}
	defer os.RemoveAll(scratch)

	e.events.Emit(events.TypeActionStart, events.ActionData{
		ActionDigest: digest.String(),
		Label:        action.Label,
		Cacheability: cacheability.String(),
	})
	start := time.Now()
	rr, err := e.runner.Run(ctx, &RunRequest{Action: action, Digest: digest, Input: input, Scratch: scratch})
	ticket.Release()
	if err != nil {
		return nil, fmt.Errorf("run %s: %w", action.Label, err)
	}
	duration := time.Since(start)
	e.events.Emit(events.TypeActionEnd, events.ActionData{
		ActionDigest: digest.String(),
		Label:        action.Label,
		Cacheability: cacheability.String(),
		ExitCode:     rr.ExitCode,
		Duration:     duration,
	})
	if rr.ExitCode != 0 {
		stderr := rr.Stderr
		if len(stderr) > stderrTail {
			stderr = stderr[len(stderr)-stderrTail:]
		}
		return nil, &ActionFailedError{Digest: digest, Label: action.Label, ExitCode: rr.ExitCode, Stderr: string(stderr)}
	}

	outputs, err := e.store.IngestDir(ctx, rr.OutputDir)
	if err != nil {
		return nil, fmt.Errorf("collect outputs of %s: %w", action.Label, err)
	}
	stdout, err := e.store.WriteBytes(ctx, rr.Stdout)
	if err != nil {
		return nil, err
	}
	stderr, err := e.store.WriteBytes(ctx, rr.Stderr)
	if err != nil {
		return nil, err
	}
	res := &ActionResult{
		Digest:       digest,
		Output:       depmap.RefTo(outputs),
		Stdout:       &stdout,
		Stderr:       &stderr,
		Cacheability: cacheability,
	}

	if cacheability != Uncacheable {
		encoded, err := json.Marshal(action)
		if err != nil {
			return nil, fmt.Errorf("encode action %s: %w", action.Label, err)
		}
		entry := &hotcache.ActionCacheEntry{
			Action: encoded,
			Output: hotcache.ActionOutput{
				Files:  outputs.Hash(),
				Stdout: &stdout,
				Stderr: &stderr,
			},
			Private: cacheability == CacheablePrivate,
		}
		if err := e.store.WriteAction(ctx, digest, entry); err != nil {
			return nil, err
		}
	}
	telemetry.LoggerWithTrace(ctx, e.logger).Debug("action executed",
		slog.String("label", action.Label),
		slog.String("action_digest", digest.String()),
		slog.Duration("duration", duration),
		slog.String("output", res.Output.String()))
	return res, nil
}

// inputTree materializes the action's inputs, each mounted at its Dest in
// an otherwise empty directory.
func (e *Engine) inputTree(ctx context.Context, action *ConcreteAction) (*materialize.Materialized, error) {
	b := depmap.NewBuilder()
	b.Insert(depmap.Root, depmap.Directory())
	empty, err := b.Build()
	if err != nil {
		return nil, err
	}
	if err := e.store.WriteDepmap(ctx, empty); err != nil {
		return nil, err
	}
	mounts := make([]materialize.Mount, 0, len(action.Inputs))
	for _, in := range action.Inputs {
		mounts = append(mounts, materialize.Mount{Dest: in.Dest, Ref: in.Ref})
	}
	return e.trees.Materialize(ctx, empty.Hash(), mounts...)
}
