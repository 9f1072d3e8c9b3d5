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
	"os/exec"
	"path/filepath"
	"time"

	"github.com/AleutianAI/kiln/services/build/hotcache"
)

// LocalRunner executes actions as local shell commands without a sandbox.
//
// Description:
//
//	The input tree and its overlays are copied into a private src
//	directory under the scratch dir, which becomes the working directory.
//	Copies are writable, so an action may modify its inputs without
//	touching the content store. LinkInputs hard-links them instead; the
//	links share the store's read-only blobs and must not be modified.
//	The command runs under Shell with an environment built only from the
//	action's variables, SRC, OUT and the host variables named in PassEnv.
//	Network access is not restricted; actions that need it must say so to
//	stay out of the cache.
type LocalRunner struct {
	// Shell runs the command as Shell -c Cmd. Default: /bin/sh.
	Shell string

	// PassEnv names host environment variables passed through.
	PassEnv []string

	// KillGrace is how long a cancelled command may take to exit after
	// being killed before its pipes are closed.
	KillGrace time.Duration

	// LinkInputs hard-links input files instead of copying them.
	LinkInputs bool
}

// NewLocalRunner returns a runner passing PATH through.
func NewLocalRunner() *LocalRunner {
	return &LocalRunner{Shell: "/bin/sh", PassEnv: []string{"PATH"}, KillGrace: 5 * time.Second}
}

// Run implements Runner.
func (r *LocalRunner) Run(ctx context.Context, req *RunRequest) (*RunResult, error) {
	src := filepath.Join(req.Scratch, "src")
	out := filepath.Join(req.Scratch, "out")
	if err := mirrorTree(req.Input.Dir, src, r.LinkInputs); err != nil {
		return nil, err
	}
	for _, ov := range req.Input.Overlays {
		if err := mirrorTree(ov.Dir, filepath.Join(src, filepath.FromSlash(string(ov.Dest))), r.LinkInputs); err != nil {
			return nil, err
		}
	}
	if err := os.MkdirAll(out, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}

	shell := r.Shell
	if shell == "" {
		shell = "/bin/sh"
	}
	cmd := exec.CommandContext(ctx, shell, "-c", req.Action.Cmd)
	cmd.Dir = src
	cmd.WaitDelay = r.KillGrace
	env := make([]string, 0, len(req.Action.Env)+len(r.PassEnv)+2)
	for _, name := range r.PassEnv {
		if v, ok := os.LookupEnv(name); ok {
			env = append(env, name+"="+v)
		}
	}
	for _, v := range req.Action.Env {
		env = append(env, v.Name+"="+v.Value)
	}
	env = append(env, "SRC="+src, "OUT="+out)
	cmd.Env = env

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	exitCode := 0
	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) || ctx.Err() != nil {
			return nil, fmt.Errorf("execute %s: %w", req.Action.Label, err)
		}
		exitCode = exitErr.ExitCode()
	}
	return &RunResult{
		ExitCode:  exitCode,
		OutputDir: out,
		Stdout:    stdout.Bytes(),
		Stderr:    stderr.Bytes(),
	}, nil
}

// mirrorTree recreates the tree at src under dst. Regular files are hard
// linked when link is set and copied otherwise.
func mirrorTree(src, dst string, link bool) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		switch {
		case d.IsDir():
			return os.MkdirAll(target, 0o755)
		case d.Type()&fs.ModeSymlink != 0:
			dest, err := os.Readlink(path)
			if err != nil {
				return err
			}
			if err := os.Symlink(dest, target); err != nil && !errors.Is(err, fs.ErrExist) {
				return fmt.Errorf("link %s: %w", target, err)
			}
			return nil
		case link:
			return hotcache.LinkFile(path, target)
		default:
			return copyInput(path, target)
		}
	})
}

// copyInput copies a file into the action's src tree as a writable file,
// keeping its execute bit.
func copyInput(path, target string) error {
	in, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open input %s: %w", path, err)
	}
	defer in.Close()
	info, err := in.Stat()
	if err != nil {
		return fmt.Errorf("stat input %s: %w", path, err)
	}
	mode := fs.FileMode(0o644)
	if info.Mode().Perm()&0o111 != 0 {
		mode = 0o755
	}
	out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_EXCL, mode)
	if err != nil {
		return fmt.Errorf("create input %s: %w", target, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("copy input %s: %w", target, err)
	}
	return out.Close()
}
