// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package events carries build telemetry from the engine to whoever is
// watching: the CLI's progress line, structured logs, metrics.
//
// Thread Safety:
//
//	All types in this package are safe for concurrent use.
package events

import (
	"time"
)

// Type identifies the kind of event.
type Type string

const (
	// TypeQueryStart is emitted when a query node begins executing.
	TypeQueryStart Type = "query_start"

	// TypeQueryEnd is emitted when a query node finishes.
	TypeQueryEnd Type = "query_end"

	// TypeCacheCheckStart is emitted before an action cache lookup.
	TypeCacheCheckStart Type = "cache_check_start"

	// TypeCacheCheckEnd is emitted after an action cache lookup.
	TypeCacheCheckEnd Type = "cache_check_end"

	// TypeActionCacheHit is emitted when a validated cache entry is reused.
	TypeActionCacheHit Type = "action_cache_hit"

	// TypeActionStart is emitted when an action's process is about to run.
	TypeActionStart Type = "action_start"

	// TypeActionEnd is emitted when an action's process has exited.
	TypeActionEnd Type = "action_end"

	// TypeAnalysisStart is emitted when a package's rules are analyzed.
	TypeAnalysisStart Type = "analysis_start"

	// TypeProgress reports the fraction of a build that is done.
	TypeProgress Type = "progress"
)

// Event is one telemetry record.
type Event struct {
	// ID is a unique identifier for this event.
	ID string `json:"id"`

	// Type identifies the kind of event and the type of Data.
	Type Type `json:"type"`

	// SessionID links the event to one build session.
	SessionID string `json:"session_id"`

	// Timestamp is when the event was emitted.
	Timestamp time.Time `json:"timestamp"`

	// Data is one of the *Data structs below.
	Data any `json:"data,omitempty"`
}

// QueryData accompanies TypeQueryStart and TypeQueryEnd.
type QueryData struct {
	Kind     string        `json:"kind"`
	Subject  string        `json:"subject"`
	Duration time.Duration `json:"duration,omitempty"`
	Error    string        `json:"error,omitempty"`
}

// CacheCheckData accompanies the cache check and hit events.
type CacheCheckData struct {
	ActionDigest string `json:"action_digest"`
	Hit          bool   `json:"hit"`

	// Reason explains a miss, e.g. "absent" or "output depmap missing".
	Reason string `json:"reason,omitempty"`
}

// ActionData accompanies TypeActionStart and TypeActionEnd.
type ActionData struct {
	ActionDigest string        `json:"action_digest"`
	Label        string        `json:"label"`
	Cacheability string        `json:"cacheability"`
	ExitCode     int           `json:"exit_code"`
	Duration     time.Duration `json:"duration,omitempty"`
}

// AnalysisData accompanies TypeAnalysisStart.
type AnalysisData struct {
	Package string `json:"package"`
	Rules   int    `json:"rules"`
}

// ProgressData accompanies TypeProgress.
type ProgressData struct {
	Done  int `json:"done"`
	Total int `json:"total"`
}

// Fraction returns Done/Total, or 1 for an empty build.
func (p ProgressData) Fraction() float64 {
	if p.Total <= 0 {
		return 1
	}
	return float64(p.Done) / float64(p.Total)
}
