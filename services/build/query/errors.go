// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package query

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrPanicked wraps a panic raised while running a query.
	ErrPanicked = errors.New("query panicked")

	// ErrResultType is returned when a memoized node holds a value of a
	// different type than the caller expects, which happens only when two
	// query types share a kind name.
	ErrResultType = errors.New("query result has unexpected type")
)

// CycleError reports a query that, directly or through sub-queries,
// requested itself.
type CycleError struct {
	// Chain lists the queries from the first occurrence of the repeated
	// query to the repeated request, inclusive.
	Chain []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("query cycle: %s", strings.Join(e.Chain, " -> "))
}
