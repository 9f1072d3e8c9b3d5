// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"
)

// LogHandler writes events to logger. Action and analysis events log at
// Info, the rest at Debug.
func LogHandler(logger *slog.Logger) Handler {
	return func(ev *Event) {
		level := slog.LevelDebug
		switch ev.Type {
		case TypeActionStart, TypeActionEnd, TypeAnalysisStart, TypeActionCacheHit:
			level = slog.LevelInfo
		}
		logger.Log(context.Background(), level, "build event",
			slog.String("event_type", string(ev.Type)),
			slog.String("session_id", ev.SessionID),
			slog.Any("data", ev.Data))
	}
}

// ChannelHandler forwards events to ch without blocking. Events that do
// not fit are dropped.
func ChannelHandler(ch chan<- Event) Handler {
	return func(ev *Event) {
		select {
		case ch <- *ev:
		default:
		}
	}
}

var (
	eventsTotal metric.Int64Counter
	actionTime  metric.Float64Histogram

	metricsOnce sync.Once
	metricsErr  error
)

func initMetrics() error {
	metricsOnce.Do(func() {
		meter := otel.Meter("kiln.events")
		var err error
		if eventsTotal, err = meter.Int64Counter(
			"kiln_build_events_total",
			metric.WithDescription("Build events by type"),
		); err != nil {
			metricsErr = err
			return
		}
		if actionTime, err = meter.Float64Histogram(
			"kiln_action_duration_seconds",
			metric.WithDescription("Wall time of executed actions"),
			metric.WithUnit("s"),
		); err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

// MetricsHandler counts events by type and records action durations.
func MetricsHandler() Handler {
	return func(ev *Event) {
		if initMetrics() != nil {
			return
		}
		ctx := context.Background()
		eventsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("type", string(ev.Type))))
		if d, ok := ev.Data.(ActionData); ok && ev.Type == TypeActionEnd {
			actionTime.Record(ctx, d.Duration.Seconds(),
				metric.WithAttributes(attribute.Bool("success", d.ExitCode == 0)))
		}
	}
}

// Progress tracks completed work and emits TypeProgress events, at most
// one per interval. Completion of the last unit is always reported.
type Progress struct {
	sink    Sink
	limiter *rate.Limiter

	mu    sync.Mutex
	done  int
	total int
}

// NewProgress returns a Progress emitting to sink at most once per interval.
func NewProgress(sink Sink, interval time.Duration) *Progress {
	return &Progress{
		sink:    sink,
		limiter: rate.NewLimiter(rate.Every(interval), 1),
	}
}

// AddTotal grows the amount of expected work.
func (p *Progress) AddTotal(n int) {
	p.mu.Lock()
	p.total += n
	snap := ProgressData{Done: p.done, Total: p.total}
	p.mu.Unlock()
	p.maybeEmit(snap)
}

// Done records n completed units.
func (p *Progress) Done(n int) {
	p.mu.Lock()
	p.done += n
	snap := ProgressData{Done: p.done, Total: p.total}
	p.mu.Unlock()
	p.maybeEmit(snap)
}

// Snapshot returns the current counts.
func (p *Progress) Snapshot() ProgressData {
	p.mu.Lock()
	defer p.mu.Unlock()
	return ProgressData{Done: p.done, Total: p.total}
}

func (p *Progress) maybeEmit(snap ProgressData) {
	if snap.Total > 0 && snap.Done >= snap.Total {
		p.sink.Emit(TypeProgress, snap)
		return
	}
	if p.limiter.Allow() {
		p.sink.Emit(TypeProgress, snap)
	}
}
