// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package depmap implements the content-addressed directory model.
//
// A Depmap is an immutable, sorted mapping from normalized relative paths to
// entries. Its identity is the SHA-256 of its canonical binary encoding, so
// two depmaps are equal exactly when their encodings are equal.
//
// # Shapes
//
// Two shapes exist. Concrete depmaps map paths to FileEntry values (regular
// files, symlinks and directories) and describe real file trees. Label
// depmaps map paths to LabelRef values naming the output of another build
// target; they are resolved to concrete depmaps before execution.
//
// # Thread Safety
//
// Depmap values are immutable and safe for concurrent use. Builder is NOT
// safe for concurrent use.
package depmap

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidPath is returned for paths that cannot be normalized.
	ErrInvalidPath = errors.New("invalid depmap path")

	// ErrCorrupt is wrapped by every DecodeError.
	ErrCorrupt = errors.New("corrupt depmap encoding")

	// ErrShapeMismatch is returned when entries of different shapes are mixed.
	ErrShapeMismatch = errors.New("depmap shape mismatch")
)

// DecodeError describes malformed depmap bytes.
type DecodeError struct {
	// Offset is the byte offset where decoding failed.
	Offset int

	// Reason is a short description of the defect.
	Reason string
}

// Error implements the error interface.
func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode depmap at offset %d: %s", e.Offset, e.Reason)
}

// Unwrap returns ErrCorrupt for errors.Is support.
func (e *DecodeError) Unwrap() error {
	return ErrCorrupt
}
