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
	"errors"
	"fmt"

	"github.com/AleutianAI/kiln/services/build/hasher"
)

var (
	// ErrWorkspaceNotFound is returned when a workspace manifest is absent.
	ErrWorkspaceNotFound = errors.New("workspace not found")

	// ErrPackageNotFound is returned when a package manifest is absent.
	ErrPackageNotFound = errors.New("package not found")

	// ErrTargetNotFound is returned for a label naming no rule.
	ErrTargetNotFound = errors.New("target not found")

	// ErrSourceNotFound is returned when a rule lists a missing source file.
	ErrSourceNotFound = errors.New("source file not found")

	// ErrInvalidLabel is returned by ParseLabel.
	ErrInvalidLabel = errors.New("invalid label")

	// ErrInvalidManifest is returned for malformed workspace or package files.
	ErrInvalidManifest = errors.New("invalid manifest")

	// ErrUnknownRuleKind is returned by interpreters for rule kinds they
	// do not implement.
	ErrUnknownRuleKind = errors.New("unknown rule kind")

	// ErrNotDirectory is returned when a tree was expected but a file found.
	ErrNotDirectory = errors.New("not a directory")
)

// ActionFailedError reports an action whose process exited non-zero.
// Failures are never written to the action cache.
type ActionFailedError struct {
	Digest   hasher.Sum
	Label    string
	ExitCode int

	// Stderr holds the tail of the action's standard error.
	Stderr string
}

func (e *ActionFailedError) Error() string {
	msg := fmt.Sprintf("action %s (%s) failed with exit code %d", e.Label, e.Digest, e.ExitCode)
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}
