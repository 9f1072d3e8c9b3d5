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
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/kiln/services/build/depmap"
	"github.com/AleutianAI/kiln/services/build/hasher"
	"github.com/AleutianAI/kiln/services/build/hotcache"
	"github.com/AleutianAI/kiln/services/build/materialize"
)

func newIngestCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "ingest DIR",
		Short: "Snapshot a directory into the cache and print its depmap hash",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withStore(cmd, func(ctx context.Context, s *hotcache.Store) error {
				dm, err := s.IngestDir(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), dm.Hash())
				return nil
			})
		},
	}
}

func newLsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "ls REF",
		Short: "List the entries of a depmap (sha256:<hex>[/subpath])",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := depmap.ParseConcreteRef(args[0])
			if err != nil {
				return err
			}
			return a.withStore(cmd, func(ctx context.Context, s *hotcache.Store) error {
				dm, err := s.ResolveRef(ctx, ref)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				for e, err := range dm.All() {
					if err != nil {
						return err
					}
					name := string(e.Path)
					if e.Path.IsRoot() {
						name = "."
					}
					if dm.Shape() == depmap.ShapeLabel {
						fmt.Fprintf(out, "%s\t%s\n", name, e.Label)
					} else {
						fmt.Fprintf(out, "%s\t%s\n", name, e.File)
					}
				}
				return nil
			})
		},
	}
}

func newMaterializeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "materialize REF DEST",
		Short: "Write a depmap out as a real directory tree at DEST",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := depmap.ParseConcreteRef(args[0])
			if err != nil {
				return err
			}
			return a.withStore(cmd, func(ctx context.Context, s *hotcache.Store) error {
				dm, err := s.ResolveRef(ctx, ref)
				if err != nil {
					return err
				}
				return materialize.ForOutput(ctx, s, dm, args[1])
			})
		},
	}
}

func newRealizeCmd(a *app) *cobra.Command {
	var mountFlags []string
	cmd := &cobra.Command{
		Use:   "realize HASH",
		Short: "Materialize a depmap into the shared tree cache and print its directory",
		Long: `realize builds (or reuses) the cached, read-only tree for HASH with
optional mounts, and prints the tree directory followed by one line per
overlay ("overlay DEST DIR").`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			base, err := hasher.ParseSum(args[0])
			if err != nil {
				return err
			}
			mounts, err := parseMounts(mountFlags)
			if err != nil {
				return err
			}
			return a.withStore(cmd, func(ctx context.Context, s *hotcache.Store) error {
				opts := append(a.cfg.MaterializeOptions(), materialize.WithLogger(a.logger.Slog()))
				m, err := materialize.NewCache(s, opts...).Materialize(ctx, base, mounts...)
				if err != nil {
					return err
				}
				defer m.Release()
				out := cmd.OutOrStdout()
				fmt.Fprintln(out, m.Dir)
				for _, ov := range m.Overlays {
					fmt.Fprintf(out, "overlay %s %s\n", ov.Dest, ov.Dir)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringArrayVar(&mountFlags, "mount", nil, "mount DEST=REF into the tree (repeatable)")
	return cmd
}

// parseMounts parses DEST=REF flags.
func parseMounts(flags []string) ([]materialize.Mount, error) {
	mounts := make([]materialize.Mount, 0, len(flags))
	for _, f := range flags {
		dest, refText, ok := strings.Cut(f, "=")
		if !ok {
			return nil, fmt.Errorf("mount %q: want DEST=REF", f)
		}
		p, err := depmap.NormalizePath(filepath.ToSlash(dest))
		if err != nil {
			return nil, fmt.Errorf("mount %q: %w", f, err)
		}
		ref, err := depmap.ParseConcreteRef(refText)
		if err != nil {
			return nil, fmt.Errorf("mount %q: %w", f, err)
		}
		mounts = append(mounts, materialize.Mount{Dest: p, Ref: ref})
	}
	return mounts, nil
}

func newGCCmd(a *app) *cobra.Command {
	var minAge time.Duration
	cmd := &cobra.Command{
		Use:   "gc",
		Short: "Remove cache entries unused for longer than --min-age",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !cmd.Flags().Changed("min-age") {
				minAge = a.cfg.GC.MinAge
			}
			return a.withStore(cmd, func(ctx context.Context, s *hotcache.Store) error {
				stats, err := s.Collect(ctx, minAge)
				fmt.Fprintf(cmd.OutOrStdout(),
					"removed %d (blobs %d, depmaps %d, actions %d, trees %d, partials %d, temps %d), freed %d bytes, kept %d pinned and %d recent\n",
					stats.Removed(), stats.Blobs, stats.Depmaps, stats.Actions, stats.Trees, stats.Partials, stats.Temps,
					stats.FreedBytes, stats.SkippedPinned, stats.SkippedRecent)
				return err
			})
		},
	}
	cmd.Flags().DurationVar(&minAge, "min-age", 0, "keep entries used more recently than this (default from config)")
	return cmd
}
