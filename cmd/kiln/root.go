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
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/kiln/pkg/logging"
	"github.com/AleutianAI/kiln/services/build/config"
	"github.com/AleutianAI/kiln/services/build/hotcache"
	"github.com/AleutianAI/kiln/services/build/telemetry"
)

// app carries state shared by every subcommand after the persistent
// pre-run has loaded configuration.
type app struct {
	configPath  string
	cacheRoot   string
	logLevel    string
	logJSON     bool
	metricsAddr string

	cfg      *config.Config
	logger   *logging.Logger
	shutdown func(context.Context) error
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "kiln",
		Short:         "Content-addressed build engine",
		Long:          "kiln builds targets hermetically and caches every input, action and output by digest.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd)
		},
		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			return a.teardown()
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&a.configPath, "config", "", "config file (default: ./kiln.yaml when present)")
	pf.StringVar(&a.cacheRoot, "cache-root", "", "cache directory (overrides config and KILN_CACHE_ROOT)")
	pf.StringVar(&a.logLevel, "log-level", "", "debug, info, warn or error")
	pf.BoolVar(&a.logJSON, "log-json", false, "log JSON even on a terminal")

	root.AddCommand(
		newIngestCmd(a),
		newLsCmd(a),
		newMaterializeCmd(a),
		newRealizeCmd(a),
		newGCCmd(a),
		newBuildCmd(a),
	)
	return root
}

func (a *app) setup(cmd *cobra.Command) error {
	path := a.configPath
	if path == "" {
		if wd, err := os.Getwd(); err == nil {
			path = config.Discover(wd)
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintln(cmd.ErrOrStderr(), "kiln:", err)
		return err
	}
	if a.cacheRoot != "" {
		cfg.CacheRoot = a.cacheRoot
	}
	if a.logLevel != "" {
		cfg.Log.Level = a.logLevel
	}
	if a.metricsAddr != "" {
		cfg.Telemetry.MetricExporter = "prometheus"
	}
	a.cfg = cfg

	level, err := logging.ParseLevel(cfg.Log.Level)
	if err != nil {
		return err
	}
	a.logger = logging.New(logging.Config{
		Level:   level,
		LogDir:  cfg.Log.Dir,
		Service: "kiln",
		JSON:    cfg.Log.JSON || a.logJSON || !logging.StderrIsTerminal(),
		Output:  cmd.ErrOrStderr(),
	})
	slog.SetDefault(a.logger.Slog())

	a.shutdown, err = telemetry.Init(cmd.Context(), cfg.Telemetry, telemetry.WithWriter(cmd.ErrOrStderr()))
	if err != nil {
		a.logger.Error("telemetry disabled", slog.String("error", err.Error()))
		a.shutdown = nil
	}
	return nil
}

func (a *app) teardown() error {
	if a.shutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.shutdown(ctx); err != nil {
			a.logger.Warn("telemetry shutdown", slog.String("error", err.Error()))
		}
	}
	return a.logger.Close()
}

// openStore opens the configured cache. The caller closes it.
func (a *app) openStore(ctx context.Context) (*hotcache.Store, error) {
	opts := append(a.cfg.StoreOptions(), hotcache.WithLogger(a.logger.Slog()))
	s, err := hotcache.Open(ctx, a.cfg.CacheRoot, opts...)
	if err != nil {
		return nil, fmt.Errorf("open cache %s: %w", a.cfg.CacheRoot, err)
	}
	return s, nil
}

// withStore runs fn against an open store and reports fn's error on the
// logger before returning it.
func (a *app) withStore(cmd *cobra.Command, fn func(ctx context.Context, s *hotcache.Store) error) error {
	ctx := cmd.Context()
	s, err := a.openStore(ctx)
	if err != nil {
		a.logger.Error("cache unavailable", slog.String("error", err.Error()))
		return err
	}
	defer s.Close()
	if err := fn(ctx, s); err != nil {
		a.logger.Error(cmd.Name()+" failed", slog.String("error", err.Error()))
		return err
	}
	return nil
}
