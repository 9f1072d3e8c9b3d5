// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/kiln/services/build/depmap"
	"github.com/AleutianAI/kiln/services/build/engine"
	"github.com/AleutianAI/kiln/services/build/events"
	"github.com/AleutianAI/kiln/services/build/hotcache"
	"github.com/AleutianAI/kiln/services/build/materialize"
	"github.com/AleutianAI/kiln/services/build/telemetry"
	"github.com/AleutianAI/kiln/services/build/watch"
)

// errBuildFailed is returned when at least one target failed; the
// individual errors have already been reported.
var errBuildFailed = errors.New("build failed")

type buildFlags struct {
	workspace   string
	buildConfig string
	outDir      string
	jobs        int
	watch       bool
}

func newBuildCmd(a *app) *cobra.Command {
	var f buildFlags
	cmd := &cobra.Command{
		Use:   "build LABEL...",
		Short: "Build targets in the workspace",
		Long: `build analyzes and runs the actions behind each label, reusing cached
results, and prints one "LABEL REF" line per target.

Labels are //package:target, //package (target named after the package's
last segment) or :target in the root package.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withStore(cmd, func(ctx context.Context, s *hotcache.Store) error {
				return a.runBuild(ctx, cmd, s, f, args)
			})
		},
	}
	fl := cmd.Flags()
	fl.StringVarP(&f.workspace, "workspace", "w", ".", "workspace root (directory holding WORKSPACE.yaml)")
	fl.StringVar(&f.buildConfig, "build-config", engine.DefaultBuildConfig, "build configuration name")
	fl.StringVarP(&f.outDir, "out", "o", "", "also write each output to OUT/<package>/<target>")
	fl.IntVarP(&f.jobs, "jobs", "j", 0, "max concurrent actions (default from config)")
	fl.BoolVar(&f.watch, "watch", false, "rebuild when workspace files change")
	fl.StringVar(&a.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address, e.g. :9464")
	return cmd
}

func (a *app) runBuild(ctx context.Context, cmd *cobra.Command, s *hotcache.Store, f buildFlags, args []string) error {
	ws, err := filepath.Abs(f.workspace)
	if err != nil {
		return err
	}
	labels := make([]engine.Label, 0, len(args))
	for _, arg := range args {
		l, err := engine.ParseLabel(arg, depmap.Root)
		if err != nil {
			return err
		}
		labels = append(labels, l)
	}

	logger := a.logger.Slog()
	emitter := events.NewEmitter(events.WithLogger(logger))
	emitter.Subscribe(events.LogHandler(logger))
	emitter.Subscribe(events.MetricsHandler())

	jobs := a.cfg.MaxProcesses
	if f.jobs > 0 {
		jobs = f.jobs
	}
	treeOpts := append(a.cfg.MaterializeOptions(), materialize.WithLogger(logger))
	eng := engine.New(s, engine.NewFSLoader(ws, s), engine.GenruleInterpreter{}, engine.NewLocalRunner(),
		engine.WithLogger(logger),
		engine.WithEvents(emitter),
		engine.WithMaxProcesses(jobs),
		engine.WithTrees(materialize.NewCache(s, treeOpts...)),
	)

	if a.metricsAddr != "" {
		stop, err := serveMetrics(a.metricsAddr, logger)
		if err != nil {
			return err
		}
		defer stop()
	}

	once := func(ctx context.Context) error {
		return a.buildOnce(ctx, cmd, eng, f, labels)
	}
	if !f.watch {
		return once(ctx)
	}

	if err := once(ctx); err != nil && !errors.Is(err, errBuildFailed) {
		return err
	}
	w, err := watch.New(ws, func(ctx context.Context, changes []watch.Change) {
		logger.Info("workspace changed, rebuilding",
			slog.Int("changes", len(changes)),
			slog.String("first", changes[0].Path))
		eng.Reset()
		if err := once(ctx); err != nil && !errors.Is(err, errBuildFailed) {
			logger.Error("rebuild failed", slog.String("error", err.Error()))
		}
	}, watch.WithIgnore(a.cfg.CacheRoot, s.MaterializeRoot(), f.outDirAbs()), watch.WithLogger(logger))
	if err != nil {
		return err
	}
	logger.Info("watching", slog.String("workspace", ws))
	return w.Run(ctx)
}

func (f buildFlags) outDirAbs() string {
	if f.outDir == "" {
		return ""
	}
	abs, err := filepath.Abs(f.outDir)
	if err != nil {
		return f.outDir
	}
	return abs
}

// buildOnce builds labels on eng's current graph and reports each result.
func (a *app) buildOnce(ctx context.Context, cmd *cobra.Command, eng *engine.Engine, f buildFlags, labels []engine.Label) error {
	start := time.Now()
	results := eng.Build(ctx, labels, f.buildConfig)
	out := cmd.OutOrStdout()
	failed := 0
	for _, r := range results {
		if r.Err != nil {
			failed++
			a.logger.Error("target failed", slog.String("label", r.Label.String()), slog.String("error", r.Err.Error()))
			var af *engine.ActionFailedError
			if errors.As(r.Err, &af) && af.Stderr != "" {
				fmt.Fprintf(cmd.ErrOrStderr(), "--- stderr of %s ---\n%s\n", af.Label, af.Stderr)
			}
			continue
		}
		fmt.Fprintf(out, "%s %s\n", r.Label, r.Output)
		if f.outDir != "" {
			if err := writeOutput(ctx, eng.Store(), r, f.outDir); err != nil {
				return err
			}
		}
	}

	stats := eng.Graph().Stats()
	a.logger.Info("build finished",
		slog.Int("targets", len(labels)),
		slog.Int("failed", failed),
		slog.Int64("actions", stats["concrete_action"].Completed),
		slog.Duration("duration", time.Since(start)))
	if failed > 0 {
		return fmt.Errorf("%w: %d of %d targets", errBuildFailed, failed, len(labels))
	}
	return nil
}

func writeOutput(ctx context.Context, s *hotcache.Store, r engine.BuildResult, outDir string) error {
	dm, err := s.ResolveRef(ctx, r.Output)
	if err != nil {
		return err
	}
	dest := filepath.Join(outDir, filepath.FromSlash(string(r.Label.Package)), r.Label.Target)
	if err := materialize.ForOutput(ctx, s, dm, dest); err != nil {
		return fmt.Errorf("write output of %s: %w", r.Label, err)
	}
	return nil
}

// serveMetrics serves telemetry.MetricsHandler on addr until stop is called.
func serveMetrics(addr string, logger *slog.Logger) (stop func(), err error) {
	handler := telemetry.MetricsHandler()
	if handler == nil {
		return nil, errors.New("metrics exporter is not prometheus")
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server", slog.String("error", err.Error()))
		}
	}()
	logger.Info("serving metrics", slog.String("addr", ln.Addr().String()))
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}, nil
}
